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

package client_test

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/projectcontour/cachegrpc/client"
	"github.com/projectcontour/cachegrpc/internal/dispatch"
	"github.com/projectcontour/cachegrpc/internal/events"
	"github.com/projectcontour/cachegrpc/internal/executor"
	"github.com/projectcontour/cachegrpc/internal/partition"
	"github.com/projectcontour/cachegrpc/internal/resolver"
	"github.com/projectcontour/cachegrpc/internal/serializer"
	"github.com/projectcontour/cachegrpc/internal/topicstats"
	"github.com/projectcontour/cachegrpc/internal/wire"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/test/bufconn"
)

// startServer brings up the full dispatcher stack behind an in-memory
// listener so the client package can be exercised against a real gRPC
// connection without binding a network port.
func startServer(t *testing.T) *bufconn.Listener {
	t.Helper()
	lis := bufconn.Listen(1024 * 1024)

	reg := serializer.NewDefaultRegistry()
	res := resolver.New("", "", partition.NewHashRing(31, nil))
	pool := executor.New(2)
	mux := events.New(logrus.New(), res, reg, 64, nil)
	stats := topicstats.NewRegistry(nil)
	disp := dispatch.New(logrus.New(), res, reg, pool, mux, stats, nil, 64*1024, 4)

	g := grpc.NewServer()
	g.RegisterService(&wire.ServiceDesc, disp)

	go func() { _ = g.Serve(lis) }()
	t.Cleanup(func() {
		g.Stop()
		pool.Stop()
	})
	return lis
}

func dialOpts(lis *bufconn.Listener) []grpc.DialOption {
	return []grpc.DialOption{
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) { return lis.DialContext(ctx) }),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	}
}

func TestProxyPutGetRoundTrip(t *testing.T) {
	lis := startServer(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	p, err := client.Dial(ctx, "bufnet", "app", "", 0, time.Second, dialOpts(lis)...)
	require.NoError(t, err)
	defer p.Close()

	c, err := p.GetCache(ctx, "orders")
	require.NoError(t, err)

	_, present, err := c.Get(ctx, []byte("k"))
	require.NoError(t, err)
	require.False(t, present)

	_, _, err = c.Put(ctx, []byte("k"), []byte("v1"), 0)
	require.NoError(t, err)

	v, present, err := c.Get(ctx, []byte("k"))
	require.NoError(t, err)
	require.True(t, present)
	require.Equal(t, []byte("v1"), v)
}

func TestGetCacheReturnsSameHandleForSameName(t *testing.T) {
	lis := startServer(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	p, err := client.Dial(ctx, "bufnet", "app", "", 0, time.Second, dialOpts(lis)...)
	require.NoError(t, err)
	defer p.Close()

	a, err := p.GetCache(ctx, "orders")
	require.NoError(t, err)
	b, err := p.GetCache(ctx, "orders")
	require.NoError(t, err)
	require.Same(t, a, b)
}

func TestNearCacheServesWithoutRoundTripUntilInvalidated(t *testing.T) {
	lis := startServer(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	p, err := client.Dial(ctx, "bufnet", "app", "", 64, time.Second, dialOpts(lis)...)
	require.NoError(t, err)
	defer p.Close()

	c, err := p.GetCache(ctx, "orders")
	require.NoError(t, err)

	_, _, err = c.Put(ctx, []byte("k"), []byte("v1"), 0)
	require.NoError(t, err)

	v, present, err := c.Get(ctx, []byte("k"))
	require.NoError(t, err)
	require.True(t, present)
	require.Equal(t, []byte("v1"), v)

	// A second Get is served from the near cache; Put already invalidated
	// the key it wrote, so this first Get after Put populated the cache
	// fresh from the server and a repeat should return the same value.
	v2, present2, err := c.Get(ctx, []byte("k"))
	require.NoError(t, err)
	require.True(t, present2)
	require.Equal(t, []byte("v1"), v2)
}

func TestDestroyDeactivatesHandle(t *testing.T) {
	lis := startServer(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	p, err := client.Dial(ctx, "bufnet", "app", "", 0, time.Second, dialOpts(lis)...)
	require.NoError(t, err)
	defer p.Close()

	c, err := p.GetCache(ctx, "orders")
	require.NoError(t, err)

	require.NoError(t, c.Destroy(ctx))

	_, _, err = c.Get(ctx, []byte("k"))
	require.ErrorIs(t, err, client.ErrDeactivated)
}

func TestCrossClientMutationInvalidatesNearCache(t *testing.T) {
	lis := startServer(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	reader, err := client.Dial(ctx, "bufnet", "app", "", 64, time.Second, dialOpts(lis)...)
	require.NoError(t, err)
	defer reader.Close()

	writer, err := client.Dial(ctx, "bufnet", "app", "", 0, time.Second, dialOpts(lis)...)
	require.NoError(t, err)
	defer writer.Close()

	rc, err := reader.GetCache(ctx, "orders")
	require.NoError(t, err)
	wc, err := writer.GetCache(ctx, "orders")
	require.NoError(t, err)

	_, _, err = wc.Put(ctx, []byte("k"), []byte("v1"), 0)
	require.NoError(t, err)

	v, present, err := rc.Get(ctx, []byte("k"))
	require.NoError(t, err)
	require.True(t, present)
	require.Equal(t, []byte("v1"), v)

	_, _, err = wc.Put(ctx, []byte("k"), []byte("v2"), 0)
	require.NoError(t, err)

	// The reader's near cache should be invalidated by the shared event
	// stream shortly after the writer's mutation lands.
	require.Eventually(t, func() bool {
		v, present, err := rc.Get(ctx, []byte("k"))
		return err == nil && present && string(v) == "v2"
	}, 2*time.Second, 20*time.Millisecond)
}
