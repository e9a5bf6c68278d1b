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

package events_test

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/projectcontour/cachegrpc/internal/backend"
	"github.com/projectcontour/cachegrpc/internal/events"
	"github.com/projectcontour/cachegrpc/internal/metrics"
	"github.com/projectcontour/cachegrpc/internal/partition"
	"github.com/projectcontour/cachegrpc/internal/resolver"
	"github.com/projectcontour/cachegrpc/internal/serializer"
	"github.com/projectcontour/cachegrpc/internal/wire"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

// fakeStream is an in-process EventsServerStream driven by two channels,
// standing in for the gRPC transport so the multiplexer's protocol logic
// can be exercised without a network round trip.
type fakeStream struct {
	ctx context.Context
	in  chan *wire.EventClientMessage
	out chan *wire.EventServerMessage

	mu     sync.Mutex
	closed bool
}

func newFakeStream(ctx context.Context) *fakeStream {
	return &fakeStream{ctx: ctx, in: make(chan *wire.EventClientMessage, 16), out: make(chan *wire.EventServerMessage, 256)}
}

func (f *fakeStream) Send(m *wire.EventServerMessage) error {
	select {
	case f.out <- m:
		return nil
	case <-f.ctx.Done():
		return f.ctx.Err()
	}
}

func (f *fakeStream) Recv() (*wire.EventClientMessage, error) {
	select {
	case m, ok := <-f.in:
		if !ok {
			return nil, io.EOF
		}
		return m, nil
	case <-f.ctx.Done():
		return nil, f.ctx.Err()
	}
}

func (f *fakeStream) Context() context.Context { return f.ctx }

func (f *fakeStream) send(m *wire.EventClientMessage) { f.in <- m }

func (f *fakeStream) closeClient() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.closed {
		f.closed = true
		close(f.in)
	}
}

func (f *fakeStream) recvMessage(t *testing.T) *wire.EventServerMessage {
	t.Helper()
	select {
	case m := <-f.out:
		return m
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for a server message")
		return nil
	}
}

func newTestMultiplexer() (*events.Multiplexer, *resolver.Resolver) {
	reg := serializer.NewDefaultRegistry()
	res := resolver.New("", "", partition.NewHashRing(31, nil))
	return events.New(logrus.New(), res, reg, 8, nil), res
}

func TestEventsFirstMessageMustBeInit(t *testing.T) {
	mx, _ := newTestMultiplexer()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	fs := newFakeStream(ctx)
	fs.send(&wire.EventClientMessage{Subscribe: &wire.SubscribeMessage{Cache: "orders"}})
	fs.closeClient()

	err := mx.Serve(ctx, fs)
	require.Error(t, err)
}

func TestSubscribeAcksAndDeliversMutation(t *testing.T) {
	mx, res := newTestMultiplexer()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	fs := newFakeStream(ctx)
	done := make(chan error, 1)
	go func() { done <- mx.Serve(ctx, fs) }()

	fs.send(&wire.EventClientMessage{Init: &wire.InitMessage{}})
	fs.send(&wire.EventClientMessage{Subscribe: &wire.SubscribeMessage{FilterID: 1, Cache: "orders"}})

	ack := fs.recvMessage(t)
	require.NotNil(t, ack.Subscribed)
	require.Equal(t, uint64(1), ack.Subscribed.FilterID)

	view, err := res.Resolve("", "orders")
	require.NoError(t, err)
	_, err = view.PassThrough.Invoke(context.Background(), []byte("k"), backend.Processor{Kind: backend.ProcPut, Value: []byte("v")})
	require.NoError(t, err)

	evMsg := fs.recvMessage(t)
	require.NotNil(t, evMsg.Event)
	require.Equal(t, []byte("k"), evMsg.Event.Key)
	require.Equal(t, uint64(1), evMsg.Event.FilterID)

	fs.closeClient()
	require.NoError(t, <-done)
}

func TestUnsubscribeIsIdempotent(t *testing.T) {
	mx, _ := newTestMultiplexer()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	fs := newFakeStream(ctx)
	done := make(chan error, 1)
	go func() { done <- mx.Serve(ctx, fs) }()

	fs.send(&wire.EventClientMessage{Init: &wire.InitMessage{}})
	fs.send(&wire.EventClientMessage{Subscribe: &wire.SubscribeMessage{FilterID: 1, Cache: "orders"}})
	fs.recvMessage(t) // subscribed ack

	fs.send(&wire.EventClientMessage{Unsubscribe: &wire.UnsubscribeMessage{FilterID: 1}})
	fs.recvMessage(t) // unsubscribed ack

	// A second unsubscribe of the same filter must not error or hang.
	fs.send(&wire.EventClientMessage{Unsubscribe: &wire.UnsubscribeMessage{FilterID: 1}})

	fs.closeClient()
	require.NoError(t, <-done)
}

func TestUnsubscribeByKeyCancelsSingleKeyRegistration(t *testing.T) {
	mx, _ := newTestMultiplexer()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	fs := newFakeStream(ctx)
	done := make(chan error, 1)
	go func() { done <- mx.Serve(ctx, fs) }()

	fs.send(&wire.EventClientMessage{Init: &wire.InitMessage{}})
	fs.send(&wire.EventClientMessage{Subscribe: &wire.SubscribeMessage{
		FilterID: 1, Cache: "orders", KeySet: true, Keys: [][]byte{[]byte("k")},
	}})
	fs.recvMessage(t) // subscribed ack

	require.Eventually(t, func() bool {
		_, regs := mx.Stats()
		return regs == 1
	}, time.Second, 10*time.Millisecond)

	fs.send(&wire.EventClientMessage{Unsubscribe: &wire.UnsubscribeMessage{ByKey: true, Key: []byte("k")}})
	ack := fs.recvMessage(t)
	require.NotNil(t, ack.Unsubscribed)
	require.Equal(t, uint64(1), ack.Unsubscribed.FilterID)

	require.Eventually(t, func() bool {
		_, regs := mx.Stats()
		return regs == 0
	}, time.Second, 10*time.Millisecond)

	// A second ByKey unsubscribe for the same key must not hang or error.
	fs.send(&wire.EventClientMessage{Unsubscribe: &wire.UnsubscribeMessage{ByKey: true, Key: []byte("k")}})

	fs.closeClient()
	require.NoError(t, <-done)
}

func TestEmitIncrementsEventsDroppedOnBufferOverflow(t *testing.T) {
	reg := serializer.NewDefaultRegistry()
	res := resolver.New("", "", partition.NewHashRing(31, nil))
	m := metrics.NewMetrics(prometheus.NewRegistry())
	mx := events.New(logrus.New(), res, reg, 1, m)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	fs := newFakeStream(ctx)
	done := make(chan error, 1)
	go func() { done <- mx.Serve(ctx, fs) }()

	fs.send(&wire.EventClientMessage{Init: &wire.InitMessage{}})
	fs.send(&wire.EventClientMessage{Subscribe: &wire.SubscribeMessage{FilterID: 1, Cache: "orders"}})
	fs.recvMessage(t) // subscribed ack; nothing drains fs.out after this

	view, err := res.Resolve("", "orders")
	require.NoError(t, err)

	// Outrun the single unread subscribed-ack buffer (fs.out cap 256, st.out
	// cap 1) so the stream is torn down with RESOURCE_EXHAUSTED.
	for i := 0; i < 300; i++ {
		_, err := view.PassThrough.Invoke(context.Background(), []byte{byte(i), byte(i >> 8)}, backend.Processor{Kind: backend.ProcPut, Value: []byte("v")})
		require.NoError(t, err)
	}

	require.Eventually(t, func() bool {
		return testutil.ToFloat64(m.EventsDropped) == 1
	}, 2*time.Second, 10*time.Millisecond)

	<-done
}

func TestStatsReflectsOpenStreamsAndRegistrations(t *testing.T) {
	mx, _ := newTestMultiplexer()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	fs := newFakeStream(ctx)
	done := make(chan error, 1)
	go func() { done <- mx.Serve(ctx, fs) }()

	fs.send(&wire.EventClientMessage{Init: &wire.InitMessage{}})
	fs.send(&wire.EventClientMessage{Subscribe: &wire.SubscribeMessage{FilterID: 1, Cache: "orders"}})
	fs.recvMessage(t)

	require.Eventually(t, func() bool {
		streams, regs := mx.Stats()
		return streams == 1 && regs == 1
	}, time.Second, 10*time.Millisecond)

	fs.closeClient()
	require.NoError(t, <-done)

	require.Eventually(t, func() bool {
		streams, _ := mx.Stats()
		return streams == 0
	}, time.Second, 10*time.Millisecond)
}
