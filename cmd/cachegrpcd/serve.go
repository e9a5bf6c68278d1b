// Copyright Project Contour Authors
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"runtime"
	"strconv"
	"syscall"
	"time"

	"github.com/alecthomas/kingpin/v2"
	grpc_middleware "github.com/grpc-ecosystem/go-grpc-middleware"
	grpc_prometheus "github.com/grpc-ecosystem/go-grpc-prometheus"
	"github.com/pkg/errors"
	"github.com/projectcontour/cachegrpc/internal/debug"
	"github.com/projectcontour/cachegrpc/internal/dispatch"
	"github.com/projectcontour/cachegrpc/internal/events"
	"github.com/projectcontour/cachegrpc/internal/executor"
	"github.com/projectcontour/cachegrpc/internal/health"
	"github.com/projectcontour/cachegrpc/internal/httpsvc"
	"github.com/projectcontour/cachegrpc/internal/metrics"
	"github.com/projectcontour/cachegrpc/internal/partition"
	"github.com/projectcontour/cachegrpc/internal/resolver"
	"github.com/projectcontour/cachegrpc/internal/serializer"
	"github.com/projectcontour/cachegrpc/internal/topicstats"
	"github.com/projectcontour/cachegrpc/internal/wire"
	"github.com/projectcontour/cachegrpc/internal/workgroup"
	"github.com/projectcontour/cachegrpc/pkg/config"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// serveContext carries the parsed command line plus the resulting
// configuration file; it is the "resolved" set of parameters doServe runs
// with, mirroring the config-file/CLI-flag precedence pattern every
// cachegrpcd flag follows.
type serveContext struct {
	configFile     string
	partitions     int
	putAllParallel int
	config         config.Parameters
}

func newServeContext() *serveContext {
	return &serveContext{
		config:     config.Defaults(),
		partitions: 257,
	}
}

// registerServe registers the serve subcommand and flags with app.
func registerServe(app *kingpin.Application) (*kingpin.CmdClause, *serveContext) {
	serve := app.Command("serve", "Serve cache access proxy traffic.")

	ctx := newServeContext()

	var parsed bool
	parseConfig := func(_ *kingpin.ParseContext) error {
		if parsed || ctx.configFile == "" {
			return nil
		}
		f, err := os.Open(ctx.configFile)
		if err != nil {
			return errors.Wrap(err, "opening cachegrpcd configuration file")
		}
		defer f.Close()

		params, err := config.Parse(f)
		if err != nil {
			return errors.Wrap(err, "parsing cachegrpcd configuration file")
		}
		if err := params.Validate(); err != nil {
			return errors.Wrap(err, "invalid cachegrpcd configuration")
		}
		parsed = true
		ctx.config = *params
		return nil
	}

	serve.Flag("config-path", "Path to base configuration.").Short('c').PlaceHolder("/path/to/file").Action(parseConfig).ExistingFileVar(&ctx.configFile)

	serve.Flag("grpc-address", "gRPC API address.").PlaceHolder("<ipaddr>").StringVar(&ctx.config.Server.Address)
	serve.Flag("grpc-port", "gRPC API port.").PlaceHolder("<port>").IntVar(&ctx.config.Server.Port)

	serve.Flag("debug-http-address", "Address the debug http endpoint will bind to.").PlaceHolder("<ipaddr>").StringVar(&ctx.config.Pprof.Address)
	serve.Flag("debug-http-port", "Port the debug http endpoint will bind to.").PlaceHolder("<port>").IntVar(&ctx.config.Pprof.Port)

	serve.Flag("http-address", "Address the metrics HTTP endpoint will bind to.").PlaceHolder("<ipaddr>").StringVar(&ctx.config.Metrics.Address)
	serve.Flag("http-port", "Port the metrics HTTP endpoint will bind to.").PlaceHolder("<port>").IntVar(&ctx.config.Metrics.Port)
	serve.Flag("health-address", "Address the health HTTP endpoint will bind to.").PlaceHolder("<ipaddr>").StringVar(&ctx.config.Health.Address)
	serve.Flag("health-port", "Port the health HTTP endpoint will bind to.").PlaceHolder("<port>").IntVar(&ctx.config.Health.Port)

	serve.Flag("default-scope", "Scope applied to requests that specify none.").PlaceHolder("<scope>").StringVar(&ctx.config.DefaultScope)
	serve.Flag("partitions", "Number of partitions the reference hash-ring oracle assigns.").IntVar(&ctx.partitions)
	serve.Flag("putall-concurrency", "Max concurrent per-member groups dispatched by PutAll.").IntVar(&ctx.putAllParallel)

	serve.Flag("debug", "Enable debug logging.").Short('d').BoolVar(&ctx.config.Debug)

	return serve, ctx
}

// doServe wires every component (C1-C10) together and runs until a
// termination signal arrives or a workgroup member exits.
func doServe(log logrus.FieldLogger, sctx *serveContext) error {
	registry := prometheus.NewRegistry()
	m := metrics.NewMetrics(registry)

	reg := serializer.NewDefaultRegistry()

	oracle := partition.NewHashRing(sctx.partitions, nil)
	res := resolver.New("", sctx.config.DefaultScope, oracle)

	workers := sctx.config.Executor.WorkerThreads
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}
	pool := executor.New(workers)
	mux := events.New(log.WithField("context", "events"), res, reg, sctx.config.Events.BufferHighWater, m)
	stats := topicstats.NewRegistry(m)

	disp := dispatch.New(log.WithField("context", "dispatch"), res, reg, pool, mux, stats, m,
		sctx.config.Cursor.TransferThresholdBytes, sctx.putAllParallel)

	var group workgroup.Group

	group.AddContext(func(ctx context.Context) error {
		return serveGRPC(ctx, log.WithField("context", "grpc"), sctx.config.Server.Address, sctx.config.Server.Port, disp, registry)
	})

	debugsvc := debug.Service{
		Service: httpsvc.Service{
			Addr:        sctx.config.Pprof.Address,
			Port:        sctx.config.Pprof.Port,
			FieldLogger: log.WithField("context", "debugsvc"),
		},
	}
	group.Add(debugsvc.Start)

	metricsvc := httpsvc.Service{
		Addr:        sctx.config.Metrics.Address,
		Port:        sctx.config.Metrics.Port,
		FieldLogger: log.WithField("context", "metricsvc"),
	}
	metricsvc.ServeMux.Handle("/metrics", metrics.Handler(registry))

	readiness := health.Handler(alwaysReady{})
	if sctx.config.Health.Address == sctx.config.Metrics.Address && sctx.config.Health.Port == sctx.config.Metrics.Port {
		metricsvc.ServeMux.Handle("/health", readiness)
		metricsvc.ServeMux.Handle("/healthz", readiness)
	} else {
		healthsvc := httpsvc.Service{
			Addr:        sctx.config.Health.Address,
			Port:        sctx.config.Health.Port,
			FieldLogger: log.WithField("context", "healthsvc"),
		}
		healthsvc.ServeMux.Handle("/health", readiness)
		healthsvc.ServeMux.Handle("/healthz", readiness)
		group.Add(healthsvc.Start)
	}
	group.Add(metricsvc.Start)

	group.AddContext(func(ctx context.Context) error {
		return pollMetrics(ctx, m, res, mux, pool)
	})

	sigCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	return group.Run(sigCtx)
}

// serveGRPC binds the gRPC listener and registers the hand-maintained
// wire.ServiceDesc, following the grpc_prometheus wiring the teacher uses
// for its own xDS gRPC server.
func serveGRPC(ctx context.Context, log logrus.FieldLogger, addr string, port int, disp wire.Server, registry *prometheus.Registry) error {
	serverMetrics := grpc_prometheus.NewServerMetrics()
	registry.MustRegister(serverMetrics)

	g := grpc.NewServer(
		grpc.StreamInterceptor(grpc_middleware.ChainStreamServer(
			recoveryStreamInterceptor(log),
			serverMetrics.StreamServerInterceptor(),
		)),
		grpc.UnaryInterceptor(grpc_middleware.ChainUnaryServer(
			recoveryUnaryInterceptor(log),
			serverMetrics.UnaryServerInterceptor(),
		)),
	)
	g.RegisterService(&wire.ServiceDesc, disp)
	serverMetrics.InitializeMetrics(g)

	address := net.JoinHostPort(addr, strconv.Itoa(port))
	l, err := net.Listen("tcp", address)
	if err != nil {
		return err
	}

	log = log.WithField("address", address)
	log.Info("started gRPC server")
	defer log.Info("stopped gRPC server")

	go func() {
		<-ctx.Done()
		g.GracefulStop()
	}()

	return g.Serve(l)
}

// recoveryUnaryInterceptor converts a panic in a unary handler into an
// INTERNAL status instead of crashing the process; a bad request should
// never be able to take the whole proxy down with it.
func recoveryUnaryInterceptor(log logrus.FieldLogger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (resp interface{}, err error) {
		defer func() {
			if r := recover(); r != nil {
				log.WithField("method", info.FullMethod).WithField("panic", r).Error("recovered from panic in unary handler")
				err = status.Errorf(codes.Internal, "internal error handling %s", info.FullMethod)
			}
		}()
		return handler(ctx, req)
	}
}

func recoveryStreamInterceptor(log logrus.FieldLogger) grpc.StreamServerInterceptor {
	return func(srv interface{}, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) (err error) {
		defer func() {
			if r := recover(); r != nil {
				log.WithField("method", info.FullMethod).WithField("panic", r).Error("recovered from panic in stream handler")
				err = fmt.Errorf("internal error handling %s", info.FullMethod)
			}
		}()
		return handler(srv, ss)
	}
}

type alwaysReady struct{}

func (alwaysReady) Ready() bool { return true }

// pollMetrics periodically samples the resolver, event multiplexer, and
// executor pool, publishing their state to the Prometheus gauges; all three
// only expose point-in-time counts, so there is no event to hook instead.
func pollMetrics(ctx context.Context, m *metrics.Metrics, res *resolver.Resolver, mux *events.Multiplexer, pool *executor.Pool) error {
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			m.Caches.Set(float64(res.Count()))
			streams, registrations := mux.Stats()
			m.EventStreams.Set(float64(streams))
			m.EventRegistration.Set(float64(registrations))
			m.EventBufferDepth.Set(float64(mux.BufferDepth()))
			m.ExecutorQueueSize.Set(float64(pool.QueueSize()))
		}
	}
}
