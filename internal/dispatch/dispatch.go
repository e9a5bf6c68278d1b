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

// Package dispatch implements the operation dispatcher (C6): one handler
// per RPC, translating wire requests into backend.Cache calls through a
// holder.Holder, with every handler body run on the shared executor pool
// (spec.md §4.6, §9). It is the component every other piece of the proxy
// is wired together through, and implements wire.Server.
package dispatch

import (
	"context"
	"errors"
	"sync"

	"github.com/projectcontour/cachegrpc/internal/backend"
	"github.com/projectcontour/cachegrpc/internal/cursor"
	"github.com/projectcontour/cachegrpc/internal/events"
	"github.com/projectcontour/cachegrpc/internal/executor"
	"github.com/projectcontour/cachegrpc/internal/holder"
	"github.com/projectcontour/cachegrpc/internal/metrics"
	"github.com/projectcontour/cachegrpc/internal/resolver"
	"github.com/projectcontour/cachegrpc/internal/serializer"
	"github.com/projectcontour/cachegrpc/internal/topicstats"
	"github.com/projectcontour/cachegrpc/internal/wire"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Dispatcher implements wire.Server. The zero value is not usable; build
// one with New.
type Dispatcher struct {
	log      logrus.FieldLogger
	resolver *resolver.Resolver
	registry *serializer.Registry
	pool     *executor.Pool
	mux      *events.Multiplexer
	stats    *topicstats.Registry
	metrics  *metrics.Metrics

	defaultTransferBytes int64
	putAllConcurrency    int
}

func New(log logrus.FieldLogger, res *resolver.Resolver, reg *serializer.Registry, pool *executor.Pool, mux *events.Multiplexer, stats *topicstats.Registry, m *metrics.Metrics, defaultTransferBytes int64, putAllConcurrency int) *Dispatcher {
	if putAllConcurrency <= 0 {
		putAllConcurrency = 8
	}
	return &Dispatcher{
		log:                  log,
		resolver:             res,
		registry:             reg,
		pool:                 pool,
		mux:                  mux,
		stats:                stats,
		metrics:              m,
		defaultTransferBytes: defaultTransferBytes,
		putAllConcurrency:    putAllConcurrency,
	}
}

// submit runs fn on the executor pool and blocks for its result, the
// pattern every unary handler below follows so handler bodies never run
// inline on a gRPC transport goroutine (spec.md §4.5).
func submit[T any](ctx context.Context, d *Dispatcher, fn func(context.Context) (T, error)) (T, error) {
	f := executor.Submit(ctx, d.pool, fn)
	return f.Wait(ctx)
}

func (d *Dispatcher) open(ctx context.Context, env wire.Envelope) (*holder.Holder, error) {
	return holder.New(ctx, d.pool, d.resolver, d.registry, env).Wait(ctx)
}

// mapErr translates sentinel backend errors into gRPC status errors;
// anything already a status error (from the resolver) passes through.
func mapErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, backend.ErrDestroyed) {
		return status.Error(codes.FailedPrecondition, err.Error())
	}
	return err
}

func decodeFilter(raw []byte) backend.Filter {
	if len(raw) == 0 {
		return backend.MatchAll
	}
	return backend.EqualsValueFilter{Value: raw}
}

// decodeComparator reports whether the client asked for a sort. The
// backend only orders by natural key order regardless of the comparator's
// actual bytes; arbitrary client comparators are not deserialized, a
// deliberate simplification (see DESIGN.md).
func decodeComparator(raw []byte) backend.Comparator {
	if len(raw) == 0 {
		return nil
	}
	return backend.NaturalOrder
}

func (d *Dispatcher) Get(ctx context.Context, r *wire.GetRequest) (*wire.GetResponse, error) {
	return submit(ctx, d, func(ctx context.Context) (*wire.GetResponse, error) {
		h, err := d.open(ctx, r.Envelope)
		if err != nil {
			return nil, err
		}
		key, err := h.ConvertKeyDown(r.Key)
		if err != nil {
			return nil, err
		}
		val, present, err := h.Cache.PassThrough.Get(ctx, key)
		if err != nil {
			return nil, mapErr(err)
		}
		ov, err := h.ToOptionalValue(val, present)
		if err != nil {
			return nil, err
		}
		return &wire.GetResponse{Value: ov}, nil
	})
}

func (d *Dispatcher) GetAll(r *wire.GetAllRequest, stream wire.GetAllServerStream) error {
	ctx := stream.Context()
	h, err := d.open(ctx, r.Envelope)
	if err != nil {
		return err
	}
	keys := backend.NewKeyInFilter(r.Keys)
	const batchSize = 128
	var batch []wire.EntryResult
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		err := stream.Send(&wire.GetAllResponse{Entries: batch})
		batch = nil
		return err
	}
	err = h.Cache.PassThrough.EntrySet(ctx, keys, nil, func(e backend.Entry) error {
		ck, cv, err := convertEntry(h, e)
		if err != nil {
			return err
		}
		batch = append(batch, wire.EntryResult{Key: ck, Value: cv})
		if len(batch) >= batchSize {
			return flush()
		}
		return nil
	})
	if err != nil {
		return mapErr(err)
	}
	return flush()
}

func convertEntry(h *holder.Holder, e backend.Entry) (key, value []byte, err error) {
	key, err = h.ConvertUp(e.Key)
	if err != nil {
		return nil, nil, err
	}
	value, err = h.ConvertUp(e.Value)
	if err != nil {
		return nil, nil, err
	}
	return key, value, nil
}

func (d *Dispatcher) Put(ctx context.Context, r *wire.PutRequest) (*wire.PutResponse, error) {
	return submit(ctx, d, func(ctx context.Context) (*wire.PutResponse, error) {
		h, err := d.open(ctx, r.Envelope)
		if err != nil {
			return nil, err
		}
		key, err := h.ConvertKeyDown(r.Key)
		if err != nil {
			return nil, err
		}
		val, err := h.ConvertDown(r.Value)
		if err != nil {
			return nil, err
		}
		result, err := h.Cache.Regular.Invoke(ctx, key, backend.Processor{Kind: backend.ProcPut, Value: val, TTLMillis: r.TTLMillis})
		if err != nil {
			return nil, mapErr(err)
		}
		if d.stats != nil {
			d.stats.RecordPublish(r.Cache, len(key)+len(val))
		}
		prev, err := h.ToOptionalValue(result.Result, result.Present)
		if err != nil {
			return nil, err
		}
		return &wire.PutResponse{Previous: prev}, nil
	})
}

// PutAll implements spec.md's partition-aware bulk routing (§4.6, §8
// scenario 2): entries are grouped by owning partition member and each
// group applied concurrently, bounded by putAllConcurrency, instead of a
// single sequential loop.
func (d *Dispatcher) PutAll(ctx context.Context, r *wire.PutAllRequest) (*wire.PutAllResponse, error) {
	return submit(ctx, d, func(ctx context.Context) (*wire.PutAllResponse, error) {
		h, err := d.open(ctx, r.Envelope)
		if err != nil {
			return nil, err
		}

		type decoded struct {
			key, value []byte
			orig       []byte
		}
		entries := make([]decoded, 0, len(r.Entries))
		for _, e := range r.Entries {
			key, err := h.ConvertKeyDown(e.Key)
			if err != nil {
				return nil, err
			}
			val, err := h.ConvertDown(e.Value)
			if err != nil {
				return nil, err
			}
			entries = append(entries, decoded{key: key, value: val, orig: e.Key})
		}

		groups := make(map[backend.Member][]decoded)
		for _, e := range entries {
			owner := h.Cache.Regular.OwnerOf(e.key)
			groups[owner] = append(groups[owner], e)
		}

		var (
			mu     sync.Mutex
			failed []wire.PutAllFailure
		)
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(d.putAllConcurrency)
		for _, group := range groups {
			group := group
			g.Go(func() error {
				for _, e := range group {
					if _, err := h.Cache.Regular.Invoke(gctx, e.key, backend.Processor{Kind: backend.ProcPut, Value: e.value, TTLMillis: r.TTLMillis}); err != nil {
						mu.Lock()
						failed = append(failed, wire.PutAllFailure{Key: e.orig, Message: mapErr(err).Error()})
						mu.Unlock()
					}
				}
				return nil
			})
		}
		_ = g.Wait()

		if d.stats != nil {
			var total int
			for _, e := range entries {
				total += len(e.key) + len(e.value)
			}
			d.stats.RecordPublish(r.Cache, total)
		}
		return &wire.PutAllResponse{Failed: failed}, nil
	})
}

func (d *Dispatcher) PutIfAbsent(ctx context.Context, r *wire.PutIfAbsentRequest) (*wire.PutIfAbsentResponse, error) {
	return submit(ctx, d, func(ctx context.Context) (*wire.PutIfAbsentResponse, error) {
		h, err := d.open(ctx, r.Envelope)
		if err != nil {
			return nil, err
		}
		key, err := h.ConvertKeyDown(r.Key)
		if err != nil {
			return nil, err
		}
		val, err := h.ConvertDown(r.Value)
		if err != nil {
			return nil, err
		}
		result, err := h.Cache.Regular.Invoke(ctx, key, backend.Processor{Kind: backend.ProcPutIfAbsent, Value: val, TTLMillis: r.TTLMillis})
		if err != nil {
			return nil, mapErr(err)
		}
		prev, err := h.ToOptionalValue(result.Result, result.Present)
		if err != nil {
			return nil, err
		}
		return &wire.PutIfAbsentResponse{Previous: prev}, nil
	})
}

func (d *Dispatcher) Remove(ctx context.Context, r *wire.RemoveRequest) (*wire.RemoveResponse, error) {
	return submit(ctx, d, func(ctx context.Context) (*wire.RemoveResponse, error) {
		h, err := d.open(ctx, r.Envelope)
		if err != nil {
			return nil, err
		}
		key, err := h.ConvertKeyDown(r.Key)
		if err != nil {
			return nil, err
		}
		result, err := h.Cache.Regular.Invoke(ctx, key, backend.Processor{Kind: backend.ProcRemove})
		if err != nil {
			return nil, mapErr(err)
		}
		prev, err := h.ToOptionalValue(result.Result, result.Present)
		if err != nil {
			return nil, err
		}
		return &wire.RemoveResponse{Previous: prev}, nil
	})
}

func (d *Dispatcher) RemoveMapping(ctx context.Context, r *wire.RemoveMappingRequest) (*wire.RemoveMappingResponse, error) {
	return submit(ctx, d, func(ctx context.Context) (*wire.RemoveMappingResponse, error) {
		h, err := d.open(ctx, r.Envelope)
		if err != nil {
			return nil, err
		}
		key, err := h.ConvertKeyDown(r.Key)
		if err != nil {
			return nil, err
		}
		val, err := h.ConvertDown(r.Value)
		if err != nil {
			return nil, err
		}
		result, err := h.Cache.Regular.Invoke(ctx, key, backend.Processor{Kind: backend.ProcRemoveMapping, Value: val})
		if err != nil {
			return nil, mapErr(err)
		}
		return &wire.RemoveMappingResponse{Removed: result.BoolOutcome}, nil
	})
}

func (d *Dispatcher) Replace(ctx context.Context, r *wire.ReplaceRequest) (*wire.ReplaceResponse, error) {
	return submit(ctx, d, func(ctx context.Context) (*wire.ReplaceResponse, error) {
		h, err := d.open(ctx, r.Envelope)
		if err != nil {
			return nil, err
		}
		key, err := h.ConvertKeyDown(r.Key)
		if err != nil {
			return nil, err
		}
		val, err := h.ConvertDown(r.Value)
		if err != nil {
			return nil, err
		}
		result, err := h.Cache.Regular.Invoke(ctx, key, backend.Processor{Kind: backend.ProcReplace, Value: val})
		if err != nil {
			return nil, mapErr(err)
		}
		prev, err := h.ToOptionalValue(result.Result, result.Present)
		if err != nil {
			return nil, err
		}
		return &wire.ReplaceResponse{Previous: prev}, nil
	})
}

func (d *Dispatcher) ReplaceMapping(ctx context.Context, r *wire.ReplaceMappingRequest) (*wire.ReplaceMappingResponse, error) {
	return submit(ctx, d, func(ctx context.Context) (*wire.ReplaceMappingResponse, error) {
		h, err := d.open(ctx, r.Envelope)
		if err != nil {
			return nil, err
		}
		key, err := h.ConvertKeyDown(r.Key)
		if err != nil {
			return nil, err
		}
		prev, err := h.ConvertDown(r.Previous)
		if err != nil {
			return nil, err
		}
		next, err := h.ConvertDown(r.New)
		if err != nil {
			return nil, err
		}
		result, err := h.Cache.Regular.Invoke(ctx, key, backend.Processor{Kind: backend.ProcReplaceMapping, Previous: prev, Value: next})
		if err != nil {
			return nil, mapErr(err)
		}
		return &wire.ReplaceMappingResponse{Replaced: result.BoolOutcome}, nil
	})
}

func (d *Dispatcher) ContainsEntry(ctx context.Context, r *wire.ContainsEntryRequest) (*wire.ContainsEntryResponse, error) {
	return submit(ctx, d, func(ctx context.Context) (*wire.ContainsEntryResponse, error) {
		h, err := d.open(ctx, r.Envelope)
		if err != nil {
			return nil, err
		}
		key, err := h.ConvertKeyDown(r.Key)
		if err != nil {
			return nil, err
		}
		val, err := h.ConvertDown(r.Value)
		if err != nil {
			return nil, err
		}
		result, err := h.Cache.Regular.Invoke(ctx, key, backend.Processor{Kind: backend.ProcContainsEntry, Value: val})
		if err != nil {
			return nil, mapErr(err)
		}
		return &wire.ContainsEntryResponse{Contains: result.BoolOutcome}, nil
	})
}

// ContainsValue is implemented as a CountAggregator over an equality
// filter (spec.md §4.6), the same building blocks used for arbitrary
// aggregation rather than a dedicated scan.
func (d *Dispatcher) ContainsValue(ctx context.Context, r *wire.ContainsValueRequest) (*wire.ContainsValueResponse, error) {
	return submit(ctx, d, func(ctx context.Context) (*wire.ContainsValueResponse, error) {
		h, err := d.open(ctx, r.Envelope)
		if err != nil {
			return nil, err
		}
		val, err := h.ConvertDown(r.Value)
		if err != nil {
			return nil, err
		}
		agg := &backend.CountAggregator{}
		if err := h.Cache.PassThrough.Aggregate(ctx, backend.EqualsValueFilter{Value: val}, agg); err != nil {
			return nil, mapErr(err)
		}
		return &wire.ContainsValueResponse{Contains: agg.Count() > 0}, nil
	})
}

func (d *Dispatcher) Clear(ctx context.Context, r *wire.ClearRequest) (*wire.ClearResponse, error) {
	return submit(ctx, d, func(ctx context.Context) (*wire.ClearResponse, error) {
		h, err := d.open(ctx, r.Envelope)
		if err != nil {
			return nil, err
		}
		if err := h.Cache.Regular.Clear(ctx); err != nil {
			return nil, mapErr(err)
		}
		return &wire.ClearResponse{}, nil
	})
}

func (d *Dispatcher) Truncate(ctx context.Context, r *wire.TruncateRequest) (*wire.TruncateResponse, error) {
	return submit(ctx, d, func(ctx context.Context) (*wire.TruncateResponse, error) {
		h, err := d.open(ctx, r.Envelope)
		if err != nil {
			return nil, err
		}
		if err := h.Cache.Regular.Truncate(ctx); err != nil {
			return nil, mapErr(err)
		}
		return &wire.TruncateResponse{}, nil
	})
}

func (d *Dispatcher) Destroy(ctx context.Context, r *wire.DestroyRequest) (*wire.DestroyResponse, error) {
	return submit(ctx, d, func(ctx context.Context) (*wire.DestroyResponse, error) {
		h, err := d.open(ctx, r.Envelope)
		if err != nil {
			return nil, err
		}
		if err := h.Cache.Regular.Destroy(ctx); err != nil {
			return nil, mapErr(err)
		}
		d.resolver.Forget(r.Scope, r.Cache)
		return &wire.DestroyResponse{}, nil
	})
}

func (d *Dispatcher) IsEmpty(ctx context.Context, r *wire.IsEmptyRequest) (*wire.IsEmptyResponse, error) {
	return submit(ctx, d, func(ctx context.Context) (*wire.IsEmptyResponse, error) {
		h, err := d.open(ctx, r.Envelope)
		if err != nil {
			return nil, err
		}
		empty, err := h.Cache.Regular.IsEmpty(ctx)
		if err != nil {
			return nil, mapErr(err)
		}
		return &wire.IsEmptyResponse{Empty: empty}, nil
	})
}

func (d *Dispatcher) IsReady(ctx context.Context, r *wire.IsReadyRequest) (*wire.IsReadyResponse, error) {
	return submit(ctx, d, func(ctx context.Context) (*wire.IsReadyResponse, error) {
		h, err := d.open(ctx, r.Envelope)
		if err != nil {
			return nil, err
		}
		return &wire.IsReadyResponse{Ready: h.Cache.Regular.IsReady(ctx)}, nil
	})
}

func (d *Dispatcher) Size(ctx context.Context, r *wire.SizeRequest) (*wire.SizeResponse, error) {
	return submit(ctx, d, func(ctx context.Context) (*wire.SizeResponse, error) {
		h, err := d.open(ctx, r.Envelope)
		if err != nil {
			return nil, err
		}
		n, err := h.Cache.Regular.Size(ctx)
		if err != nil {
			return nil, mapErr(err)
		}
		return &wire.SizeResponse{Size: n}, nil
	})
}

func (d *Dispatcher) AddIndex(ctx context.Context, r *wire.AddIndexRequest) (*wire.AddIndexResponse, error) {
	return submit(ctx, d, func(ctx context.Context) (*wire.AddIndexResponse, error) {
		h, err := d.open(ctx, r.Envelope)
		if err != nil {
			return nil, err
		}
		if err := h.Cache.Regular.AddIndex(ctx, r.Extractor, r.Comparator); err != nil {
			return nil, mapErr(err)
		}
		return &wire.AddIndexResponse{}, nil
	})
}

func (d *Dispatcher) RemoveIndex(ctx context.Context, r *wire.RemoveIndexRequest) (*wire.RemoveIndexResponse, error) {
	return submit(ctx, d, func(ctx context.Context) (*wire.RemoveIndexResponse, error) {
		h, err := d.open(ctx, r.Envelope)
		if err != nil {
			return nil, err
		}
		if err := h.Cache.Regular.RemoveIndex(ctx, r.Extractor); err != nil {
			return nil, mapErr(err)
		}
		return &wire.RemoveIndexResponse{}, nil
	})
}

// Aggregate is required to carry non-empty Aggregator bytes (spec.md
// §4.6); the only aggregation this proxy performs without a full
// expression language is a count, so any non-empty Aggregator payload
// selects CountAggregator (see DESIGN.md).
func (d *Dispatcher) Aggregate(ctx context.Context, r *wire.AggregateRequest) (*wire.AggregateResponse, error) {
	return submit(ctx, d, func(ctx context.Context) (*wire.AggregateResponse, error) {
		if len(r.Aggregator) == 0 {
			return nil, status.Error(codes.InvalidArgument, "aggregator must not be empty")
		}
		h, err := d.open(ctx, r.Envelope)
		if err != nil {
			return nil, err
		}

		agg := &backend.CountAggregator{}
		if r.KeySet {
			if err := h.Cache.PassThrough.Aggregate(ctx, backend.NewKeyInFilter(r.Keys), agg); err != nil {
				return nil, mapErr(err)
			}
		} else {
			if err := h.Cache.PassThrough.Aggregate(ctx, decodeFilter(r.Filter), agg); err != nil {
				return nil, mapErr(err)
			}
		}
		return &wire.AggregateResponse{Result: agg.Result()}, nil
	})
}

func (d *Dispatcher) Invoke(ctx context.Context, r *wire.InvokeRequest) (*wire.InvokeResponse, error) {
	return submit(ctx, d, func(ctx context.Context) (*wire.InvokeResponse, error) {
		if len(r.Processor) == 0 {
			return nil, status.Error(codes.InvalidArgument, "processor must not be empty")
		}
		h, err := d.open(ctx, r.Envelope)
		if err != nil {
			return nil, err
		}
		key, err := h.ConvertKeyDown(r.Key)
		if err != nil {
			return nil, err
		}
		proc, err := decodeProcessor(r.Processor)
		if err != nil {
			return nil, status.Error(codes.InvalidArgument, err.Error())
		}
		result, err := h.Cache.Regular.Invoke(ctx, key, proc)
		if err != nil {
			return nil, mapErr(err)
		}
		out, err := h.ToBytesValue(result.Result)
		if err != nil {
			return nil, err
		}
		return &wire.InvokeResponse{Result: out}, nil
	})
}

func (d *Dispatcher) InvokeAll(r *wire.InvokeAllRequest, stream wire.InvokeAllServerStream) error {
	ctx := stream.Context()
	if len(r.Processor) == 0 {
		return status.Error(codes.InvalidArgument, "processor must not be empty")
	}
	h, err := d.open(ctx, r.Envelope)
	if err != nil {
		return err
	}
	proc, err := decodeProcessor(r.Processor)
	if err != nil {
		return status.Error(codes.InvalidArgument, err.Error())
	}

	var filter backend.Filter
	if r.KeySet {
		filter = backend.NewKeyInFilter(r.Keys)
	} else {
		filter = decodeFilter(r.Filter)
	}

	const batchSize = 128
	var batch []wire.EntryResult
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		err := stream.Send(&wire.InvokeAllResponse{Entries: batch})
		batch = nil
		return err
	}
	err = h.Cache.Regular.InvokeAll(ctx, filter, proc, func(e backend.Entry) error {
		ck, err := h.ConvertUp(e.Key)
		if err != nil {
			return err
		}
		cv, err := h.ToBytesValue(e.Value)
		if err != nil {
			return err
		}
		batch = append(batch, wire.EntryResult{Key: ck, Value: cv})
		if len(batch) >= batchSize {
			return flush()
		}
		return nil
	})
	if err != nil {
		return mapErr(err)
	}
	return flush()
}

func (d *Dispatcher) EntrySet(r *wire.EntrySetRequest, stream wire.EntrySetServerStream) error {
	ctx := stream.Context()
	h, err := d.open(ctx, r.Envelope)
	if err != nil {
		return err
	}
	const batchSize = 128
	var batch []wire.EntryResult
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		err := stream.Send(&wire.EntrySetResponse{Entries: batch})
		batch = nil
		return err
	}
	err = h.Cache.PassThrough.EntrySet(ctx, decodeFilter(r.Filter), decodeComparator(r.Comparator), func(e backend.Entry) error {
		ck, cv, err := convertEntry(h, e)
		if err != nil {
			return err
		}
		batch = append(batch, wire.EntryResult{Key: ck, Value: cv})
		if len(batch) >= batchSize {
			return flush()
		}
		return nil
	})
	if err != nil {
		return mapErr(err)
	}
	return flush()
}

func (d *Dispatcher) KeySet(r *wire.KeySetRequest, stream wire.KeySetServerStream) error {
	ctx := stream.Context()
	h, err := d.open(ctx, r.Envelope)
	if err != nil {
		return err
	}
	const batchSize = 256
	var batch [][]byte
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		err := stream.Send(&wire.KeySetResponse{Keys: batch})
		batch = nil
		return err
	}
	err = h.Cache.PassThrough.KeySet(ctx, decodeFilter(r.Filter), decodeComparator(r.Comparator), func(k []byte) error {
		ck, err := h.ConvertUp(k)
		if err != nil {
			return err
		}
		batch = append(batch, ck)
		if len(batch) >= batchSize {
			return flush()
		}
		return nil
	})
	if err != nil {
		return mapErr(err)
	}
	return flush()
}

func (d *Dispatcher) Values(r *wire.ValuesRequest, stream wire.ValuesServerStream) error {
	ctx := stream.Context()
	h, err := d.open(ctx, r.Envelope)
	if err != nil {
		return err
	}
	const batchSize = 256
	var batch [][]byte
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		err := stream.Send(&wire.ValuesResponse{Values: batch})
		batch = nil
		return err
	}
	err = h.Cache.PassThrough.Values(ctx, decodeFilter(r.Filter), decodeComparator(r.Comparator), func(v []byte) error {
		cv, err := h.ConvertUp(v)
		if err != nil {
			return err
		}
		batch = append(batch, cv)
		if len(batch) >= batchSize {
			return flush()
		}
		return nil
	})
	if err != nil {
		return mapErr(err)
	}
	return flush()
}

func (d *Dispatcher) NextPage(ctx context.Context, r *wire.NextPageRequest) (*wire.NextPageResponse, error) {
	return submit(ctx, d, func(ctx context.Context) (*wire.NextPageResponse, error) {
		h, err := d.open(ctx, r.Envelope)
		if err != nil {
			return nil, err
		}
		cookie, err := cursor.DecodeCookie(r.Cookie)
		if err != nil {
			return nil, status.Error(codes.InvalidArgument, "invalid cookie")
		}

		transferBytes := r.TransferBytes
		if transferBytes <= 0 {
			transferBytes = d.defaultTransferBytes
		}

		page, err := cursor.Next(ctx, h.Cache.PassThrough, decodeFilter(r.Filter), cookie, transferBytes, r.EntriesNotKeys)
		if err != nil {
			return nil, mapErr(err)
		}
		if d.metrics != nil {
			d.metrics.CursorPagesServed.Inc()
		}

		resp := &wire.NextPageResponse{Cookie: page.Cookie, Done: page.Done}
		if r.EntriesNotKeys {
			for _, e := range page.Entries {
				ck, cv, err := convertEntry(h, e)
				if err != nil {
					return nil, err
				}
				resp.Entries = append(resp.Entries, wire.EntryResult{Key: ck, Value: cv})
			}
		} else {
			for _, k := range page.Keys {
				ck, err := h.ConvertUp(k)
				if err != nil {
					return nil, err
				}
				resp.Keys = append(resp.Keys, ck)
			}
		}
		return resp, nil
	})
}

// Events delegates the entire bidirectional protocol to the multiplexer
// (C8); the dispatcher's own responsibility ends at wiring.
func (d *Dispatcher) Events(stream wire.EventsServerStream) error {
	return d.mux.Serve(stream.Context(), stream)
}

func (d *Dispatcher) GetChannelStats(ctx context.Context, r *wire.GetChannelStatsRequest) (*wire.GetChannelStatsResponse, error) {
	return submit(ctx, d, func(ctx context.Context) (*wire.GetChannelStatsResponse, error) {
		ch := d.stats.Channel(r.Channel)
		return &wire.GetChannelStatsResponse{Stats: wire.ChannelStats{
			Channel:        r.Channel,
			PublishedTotal: ch.PublishedTotal.Load(),
			BytesPublished: ch.BytesPublished.Load(),
		}}, nil
	})
}

func (d *Dispatcher) GetSubscriberGroupStats(ctx context.Context, r *wire.GetSubscriberGroupStatsRequest) (*wire.GetSubscriberGroupStatsResponse, error) {
	return submit(ctx, d, func(ctx context.Context) (*wire.GetSubscriberGroupStatsResponse, error) {
		grp := d.stats.Channel(r.Channel).Group(r.Group)
		return &wire.GetSubscriberGroupStatsResponse{Stats: wire.SubscriberGroupStats{
			Group:          r.Group,
			DeliveredTotal: grp.DeliveredTotal.Load(),
			PolledTotal:    grp.PolledTotal.Load(),
		}}, nil
	})
}
