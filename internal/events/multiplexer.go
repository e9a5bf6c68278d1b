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

// Package events implements the event stream multiplexer (C8): a single
// bidirectional gRPC stream carrying any number of SUBSCRIBE/UNSUBSCRIBE
// registrations, fanning backend mutation notifications out to the
// streams that asked for them (spec.md §4.8).
package events

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/google/uuid"
	"github.com/projectcontour/cachegrpc/internal/backend"
	"github.com/projectcontour/cachegrpc/internal/metrics"
	"github.com/projectcontour/cachegrpc/internal/resolver"
	"github.com/projectcontour/cachegrpc/internal/serializer"
	"github.com/projectcontour/cachegrpc/internal/wire"
	"github.com/sirupsen/logrus"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// registration is the C8 "Listener registration" tuple from spec.md §3.
type registration struct {
	filterID uint64
	byKey    bool
	key      string
	cache    string
	filter   backend.Filter
	keys     map[string]struct{}
	lite     bool

	view resolver.View
	adp  *listenerAdapter
}

func (r *registration) matches(kind backend.EventKind, e backend.Entry) bool {
	if kind == backend.EventTruncated || kind == backend.EventDestroyed {
		return true
	}
	if r.byKey {
		return bytes.Equal([]byte(r.key), e.Key)
	}
	if r.keys != nil {
		_, ok := r.keys[string(e.Key)]
		return ok
	}
	return r.filter.Matches(e)
}

// Multiplexer owns every active stream's registrations for one process.
type Multiplexer struct {
	log             logrus.FieldLogger
	resolver        *resolver.Resolver
	registry        *serializer.Registry
	bufferHighWater int
	metrics         *metrics.Metrics

	mu      sync.Mutex
	streams map[uint64]*streamState
}

func New(log logrus.FieldLogger, res *resolver.Resolver, reg *serializer.Registry, bufferHighWater int, m *metrics.Metrics) *Multiplexer {
	if bufferHighWater <= 0 {
		bufferHighWater = 256
	}
	return &Multiplexer{
		log:             log,
		resolver:        res,
		registry:        reg,
		bufferHighWater: bufferHighWater,
		metrics:         m,
		streams:         make(map[uint64]*streamState),
	}
}

// BufferDepth sums the outbound event buffer occupancy across every open
// stream, backing the EventBufferDepth gauge.
func (mx *Multiplexer) BufferDepth() int {
	mx.mu.Lock()
	defer mx.mu.Unlock()
	depth := 0
	for _, st := range mx.streams {
		depth += len(st.out)
	}
	return depth
}

// streamState is the per-connection state for one Events RPC invocation.
type streamState struct {
	id     uint64
	mx     *Multiplexer
	log    logrus.FieldLogger
	bridge *serializer.Bridge
	scope  string

	out chan *wire.EventServerMessage

	mu              sync.Mutex
	byFilter        map[uint64]*registration
	byKey           map[string]*registration
	truncatedSent   map[string]bool
	destroyedSent   map[string]bool
	closed          bool
	resourceExhaust bool
}

// Stats reports the current number of open streams and, summed across
// them, the number of active SUBSCRIBE registrations — the values backing
// the EventStreamsGauge/EventRegistrationGauge metrics.
func (mx *Multiplexer) Stats() (streams, registrations int) {
	mx.mu.Lock()
	defer mx.mu.Unlock()
	streams = len(mx.streams)
	for _, st := range mx.streams {
		st.mu.Lock()
		// st.byFilter is the canonical index: a byKey registration also
		// lives in st.byKey, but counting both would double-count it.
		registrations += len(st.byFilter)
		st.mu.Unlock()
	}
	return streams, registrations
}

// Serve runs the Events RPC for one client connection until it ends,
// implementing the full C8 protocol (spec.md §4.8).
func (mx *Multiplexer) Serve(ctx context.Context, es wire.EventsServerStream) error {
	first, err := es.Recv()
	if err != nil {
		return err
	}
	if first.Init == nil {
		return status.Error(codes.InvalidArgument, "first message on an events stream must be INIT")
	}

	bridge, err := serializer.NewBridge(mx.registry, first.Init.Format)
	if err != nil {
		return status.Error(codes.InvalidArgument, err.Error())
	}

	id := uuidUint64()
	st := &streamState{
		id:            id,
		mx:            mx,
		log:           mx.log.WithField("stream", id),
		bridge:        bridge,
		scope:         first.Init.Scope,
		out:           make(chan *wire.EventServerMessage, mx.bufferHighWater),
		byFilter:      make(map[uint64]*registration),
		byKey:         make(map[string]*registration),
		truncatedSent: make(map[string]bool),
		destroyedSent: make(map[string]bool),
	}

	mx.mu.Lock()
	mx.streams[id] = st
	mx.mu.Unlock()
	defer func() {
		mx.mu.Lock()
		delete(mx.streams, id)
		mx.mu.Unlock()
		st.teardown()
	}()

	sendErrs := make(chan error, 1)
	go st.pump(es, sendErrs)

	for {
		msg, err := es.Recv()
		if err != nil {
			if err == io.EOF {
				return nil
			}
			return err
		}
		switch {
		case msg.Subscribe != nil:
			if err := st.subscribe(ctx, msg.Subscribe); err != nil {
				st.emit(&wire.EventServerMessage{Error: &wire.ErrorMessage{Code: status.Code(err).String(), Message: err.Error()}})
				continue
			}
		case msg.Unsubscribe != nil:
			st.unsubscribe(msg.Unsubscribe)
		}

		select {
		case err := <-sendErrs:
			return err
		default:
		}
	}
}

func uuidUint64() uint64 {
	u := uuid.New()
	var v uint64
	for _, b := range u[:8] {
		v = v<<8 | uint64(b)
	}
	return v
}

// pump drains out to es.Send until the stream closes or sending fails.
func (st *streamState) pump(es wire.EventsServerStream, errs chan<- error) {
	for msg := range st.out {
		if err := es.Send(msg); err != nil {
			errs <- err
			return
		}
	}
	errs <- nil
}

// emit delivers msg to the outbound buffer without blocking. If the
// buffer is full the stream is torn down with RESOURCE_EXHAUSTED: events
// are never silently dropped (spec.md §4.8 backpressure).
func (st *streamState) emit(msg *wire.EventServerMessage) {
	st.mu.Lock()
	if st.closed {
		st.mu.Unlock()
		return
	}
	st.mu.Unlock()

	select {
	case st.out <- msg:
	default:
		st.mu.Lock()
		exhausted := !st.resourceExhaust
		st.resourceExhaust = true
		st.mu.Unlock()
		if exhausted {
			st.log.Warn("event buffer exhausted, closing stream")
			if st.mx.metrics != nil {
				st.mx.metrics.EventsDropped.Inc()
			}
			st.closeWith(status.Error(codes.ResourceExhausted, "event buffer exhausted"))
		}
	}
}

func (st *streamState) closeWith(err error) {
	st.mu.Lock()
	if st.closed {
		st.mu.Unlock()
		return
	}
	st.closed = true
	st.mu.Unlock()
	close(st.out)
}

func (st *streamState) teardown() {
	st.mu.Lock()
	// st.byFilter is the canonical index (every registration lives there;
	// byKey registrations additionally live in st.byKey), so collecting
	// from it alone avoids calling RemoveListener twice for the same reg.
	regs := make([]*registration, 0, len(st.byFilter))
	for _, r := range st.byFilter {
		regs = append(regs, r)
	}
	st.byFilter = map[uint64]*registration{}
	st.byKey = map[string]*registration{}
	closed := st.closed
	st.closed = true
	st.mu.Unlock()
	if !closed {
		close(st.out)
	}
	for _, r := range regs {
		r.view.PassThrough.RemoveListener(r.adp)
	}
}

func (st *streamState) subscribe(_ context.Context, m *wire.SubscribeMessage) error {
	st.mu.Lock()
	if _, exists := st.byFilter[m.FilterID]; exists {
		st.mu.Unlock()
		return fmt.Errorf("duplicate filterId %d on this stream", m.FilterID)
	}
	st.mu.Unlock()

	view, err := st.mx.resolver.Resolve(st.scope, m.Cache)
	if err != nil {
		return err
	}

	reg := &registration{filterID: m.FilterID, cache: m.Cache, lite: m.Lite, view: view}
	if m.KeySet {
		reg.keys = make(map[string]struct{}, len(m.Keys))
		for _, k := range m.Keys {
			reg.keys[string(k)] = struct{}{}
		}
		// A single-key KeySet is a genuine per-key watch: index it by key
		// too, so UnsubscribeMessage.ByKey (spec.md §4.8's alternative
		// "UNSUBSCRIBE(filterId | key)" path) can cancel it directly.
		if len(m.Keys) == 1 {
			reg.byKey = true
			reg.key = string(m.Keys[0])
		}
	} else if len(m.Filter) == 0 {
		reg.filter = backend.MatchAll
	} else {
		reg.filter = backend.EqualsValueFilter{Value: m.Filter}
	}
	reg.adp = &listenerAdapter{reg: reg, stream: st}

	st.mu.Lock()
	st.byFilter[m.FilterID] = reg
	if reg.byKey {
		st.byKey[reg.key] = reg
	}
	st.mu.Unlock()

	view.PassThrough.AddListener(reg.adp)

	if m.Priming {
		for _, e := range view.PassThrough.Snapshot() {
			if reg.matches(backend.EventInserted, e) {
				st.deliver(reg, backend.EventSynthetic, e, nil)
			}
		}
	}

	st.emit(&wire.EventServerMessage{Subscribed: &wire.SubscribedMessage{FilterID: m.FilterID}})
	return nil
}

// unsubscribe is idempotent: further UNSUBSCRIBEs for an already-removed
// filterId are no-ops, per spec.md §3 and §8 testable property 4.
func (st *streamState) unsubscribe(m *wire.UnsubscribeMessage) {
	st.mu.Lock()
	var reg *registration
	if m.ByKey {
		reg = st.byKey[string(m.Key)]
	} else {
		reg = st.byFilter[m.FilterID]
	}
	if reg != nil {
		// A byKey registration lives in both maps; remove it from both so
		// neither index can hand out a stale entry for the other path.
		delete(st.byFilter, reg.filterID)
		if reg.byKey {
			delete(st.byKey, reg.key)
		}
	}
	st.mu.Unlock()

	if reg == nil {
		return
	}
	reg.view.PassThrough.RemoveListener(reg.adp)
	st.emit(&wire.EventServerMessage{Unsubscribed: &wire.UnsubscribedMessage{FilterID: reg.filterID}})
}

// deliver converts a backend event to client format and pushes it,
// honoring the lite flag (omit old/new values) and per-stream dedupe of
// truncate/destroy lifecycle events.
func (st *streamState) deliver(reg *registration, kind backend.EventKind, e backend.Entry, old []byte) {
	switch kind {
	case backend.EventTruncated:
		st.mu.Lock()
		already := st.truncatedSent[reg.cache]
		st.truncatedSent[reg.cache] = true
		st.mu.Unlock()
		if already {
			return
		}
		st.emit(&wire.EventServerMessage{Truncated: &wire.LifecycleMessage{Cache: reg.cache}})
		return
	case backend.EventDestroyed:
		st.mu.Lock()
		already := st.destroyedSent[reg.cache]
		st.destroyedSent[reg.cache] = true
		st.mu.Unlock()
		if already {
			return
		}
		st.emit(&wire.EventServerMessage{Destroyed: &wire.LifecycleMessage{Cache: reg.cache}})
		return
	}

	key, err := st.bridge.Up(e.Key)
	if err != nil {
		st.log.WithError(err).Error("converting event key to client format")
		return
	}
	ev := &wire.CacheEvent{Cache: reg.cache, FilterID: reg.filterID, Kind: wire.EventKind(kind), Key: key}
	if !reg.lite {
		if nv, err := st.bridge.Up(e.Value); err == nil {
			ev.NewValue = nv
		}
		if old != nil {
			if ov, err := st.bridge.Up(old); err == nil {
				ev.OldValue = ov
			}
		}
	}
	st.emit(&wire.EventServerMessage{Event: ev})
}

// listenerAdapter implements backend.Listener for one registration.
type listenerAdapter struct {
	reg    *registration
	stream *streamState
}

func (l *listenerAdapter) OnEvent(kind backend.EventKind, e backend.Entry, old []byte) {
	if !l.reg.matches(kind, e) {
		return
	}
	l.stream.deliver(l.reg, kind, e, old)
}
