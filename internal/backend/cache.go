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

package backend

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/projectcontour/cachegrpc/internal/partition"
)

// ErrDestroyed is returned by every operation on a cache once Destroy has
// completed, per spec.md §7 FAILED_PRECONDITION and §8 scenario 6.
var ErrDestroyed = errors.New("backend: cache destroyed")

// Cache is the subset of the partitioned cache engine's async API this
// proxy consumes (spec.md §6). The in-memory Map below is a reference
// implementation; a real deployment would swap this for a client of the
// actual distributed engine without touching internal/dispatch.
type Cache interface {
	Name() string
	Get(ctx context.Context, key []byte) (value []byte, present bool, err error)
	Invoke(ctx context.Context, key []byte, proc Processor) (ProcessorResult, error)
	InvokeAll(ctx context.Context, filter Filter, proc Processor, emit func(Entry) error) error
	Aggregate(ctx context.Context, filter Filter, agg Aggregator) error
	KeySet(ctx context.Context, filter Filter, cmp Comparator, emit func([]byte) error) error
	EntrySet(ctx context.Context, filter Filter, cmp Comparator, emit func(Entry) error) error
	Values(ctx context.Context, filter Filter, cmp Comparator, emit func([]byte) error) error
	AddIndex(ctx context.Context, extractor []byte, cmp []byte) error
	RemoveIndex(ctx context.Context, extractor []byte) error
	Size(ctx context.Context) (int64, error)
	IsEmpty(ctx context.Context) (bool, error)
	IsReady(ctx context.Context) bool
	Clear(ctx context.Context) error
	Truncate(ctx context.Context) error
	Destroy(ctx context.Context) error
	Destroyed() bool
	// Snapshot returns a key-ordered copy of the current contents, used by
	// the cursor engine (C7) to iterate with best-effort consistency.
	Snapshot() []Entry
	OwnerOf(key []byte) partition.Member
	AddListener(l Listener)
	RemoveListener(l Listener)
}

// Map is an in-memory, single-process partitioned cache: the C12 reference
// backend. It is not distributed; OwnerOf delegates to a partition.Oracle
// so putAll sharding (spec.md §4.6, §8 scenario 2) can still be exercised.
type Map struct {
	name   string
	oracle partition.Oracle

	mu        sync.RWMutex
	data      map[string][]byte
	destroyed bool
	truncated bool

	listenersMu sync.RWMutex
	listeners   []Listener
}

func NewMap(name string, oracle partition.Oracle) *Map {
	return &Map{name: name, oracle: oracle, data: make(map[string][]byte)}
}

func (m *Map) Name() string { return m.name }

func (m *Map) OwnerOf(key []byte) partition.Member {
	if m.oracle == nil {
		return ""
	}
	return m.oracle.OwnerOf(key)
}

func (m *Map) AddListener(l Listener) {
	m.listenersMu.Lock()
	defer m.listenersMu.Unlock()
	m.listeners = append(m.listeners, l)
}

func (m *Map) RemoveListener(target Listener) {
	m.listenersMu.Lock()
	defer m.listenersMu.Unlock()
	for i, l := range m.listeners {
		if l == target {
			m.listeners = append(m.listeners[:i], m.listeners[i+1:]...)
			return
		}
	}
}

func (m *Map) notify(kind EventKind, e Entry, old []byte) {
	m.listenersMu.RLock()
	ls := append([]Listener(nil), m.listeners...)
	m.listenersMu.RUnlock()
	for _, l := range ls {
		l.OnEvent(kind, e, old)
	}
}

func (m *Map) Destroyed() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.destroyed
}

func (m *Map) checkLive() error {
	if m.Destroyed() {
		return ErrDestroyed
	}
	return nil
}

func (m *Map) Get(_ context.Context, key []byte) ([]byte, bool, error) {
	if err := m.checkLive(); err != nil {
		return nil, false, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.data[string(key)]
	return v, ok, nil
}

func (m *Map) Invoke(_ context.Context, key []byte, proc Processor) (ProcessorResult, error) {
	if err := m.checkLive(); err != nil {
		return ProcessorResult{}, err
	}
	m.mu.Lock()
	old, present := m.data[string(key)]
	result := proc.Apply(old, present)
	if result.Mutate {
		if result.NewPresent {
			m.data[string(key)] = result.NewValue
		} else {
			delete(m.data, string(key))
		}
	}
	m.mu.Unlock()

	if result.Mutate {
		kind := EventUpdated
		switch {
		case !present && result.NewPresent:
			kind = EventInserted
		case present && !result.NewPresent:
			kind = EventDeleted
		}
		m.notify(kind, Entry{Key: key, Value: result.NewValue}, old)
	}
	return result, nil
}

func (m *Map) snapshotEntries() []Entry {
	m.mu.RLock()
	defer m.mu.RUnlock()
	entries := make([]Entry, 0, len(m.data))
	for k, v := range m.data {
		entries = append(entries, Entry{Key: []byte(k), Value: v})
	}
	sort.Slice(entries, func(i, j int) bool { return NaturalOrder.Less(entries[i], entries[j]) })
	return entries
}

func (m *Map) Snapshot() []Entry { return m.snapshotEntries() }

func (m *Map) InvokeAll(ctx context.Context, filter Filter, proc Processor, emit func(Entry) error) error {
	if err := m.checkLive(); err != nil {
		return err
	}
	for _, e := range m.snapshotEntries() {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if !filter.Matches(e) {
			continue
		}
		result, err := m.Invoke(ctx, e.Key, proc)
		if err != nil {
			return err
		}
		if err := emit(Entry{Key: e.Key, Value: result.Result}); err != nil {
			return err
		}
	}
	return nil
}

func (m *Map) Aggregate(ctx context.Context, filter Filter, agg Aggregator) error {
	if err := m.checkLive(); err != nil {
		return err
	}
	for _, e := range m.snapshotEntries() {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if filter.Matches(e) {
			agg.Accumulate(e)
		}
	}
	return nil
}

func (m *Map) KeySet(ctx context.Context, filter Filter, cmp Comparator, emit func([]byte) error) error {
	return m.EntrySet(ctx, filter, cmp, func(e Entry) error { return emit(e.Key) })
}

func (m *Map) Values(ctx context.Context, filter Filter, cmp Comparator, emit func([]byte) error) error {
	return m.EntrySet(ctx, filter, cmp, func(e Entry) error { return emit(e.Value) })
}

func (m *Map) EntrySet(ctx context.Context, filter Filter, cmp Comparator, emit func(Entry) error) error {
	if err := m.checkLive(); err != nil {
		return err
	}
	entries := m.snapshotEntries()
	matched := entries[:0:0]
	for _, e := range entries {
		if filter.Matches(e) {
			matched = append(matched, e)
		}
	}
	if cmp != nil {
		sort.Slice(matched, func(i, j int) bool { return cmp.Less(matched[i], matched[j]) })
	}
	for _, e := range matched {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := emit(e); err != nil {
			return err
		}
	}
	return nil
}

func (m *Map) AddIndex(context.Context, []byte, []byte) error    { return m.checkLive() }
func (m *Map) RemoveIndex(context.Context, []byte) error         { return m.checkLive() }

func (m *Map) Size(context.Context) (int64, error) {
	if err := m.checkLive(); err != nil {
		return 0, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return int64(len(m.data)), nil
}

func (m *Map) IsEmpty(ctx context.Context) (bool, error) {
	n, err := m.Size(ctx)
	return n == 0, err
}

func (m *Map) IsReady(context.Context) bool { return !m.Destroyed() }

func (m *Map) Clear(context.Context) error {
	if err := m.checkLive(); err != nil {
		return err
	}
	m.mu.Lock()
	m.data = make(map[string][]byte)
	m.mu.Unlock()
	return nil
}

func (m *Map) Truncate(context.Context) error {
	if err := m.Clear(context.Background()); err != nil {
		return err
	}
	m.notify(EventTruncated, Entry{}, nil)
	return nil
}

func (m *Map) Destroy(context.Context) error {
	m.mu.Lock()
	if m.destroyed {
		m.mu.Unlock()
		return nil
	}
	m.destroyed = true
	m.mu.Unlock()
	m.notify(EventDestroyed, Entry{}, nil)
	return nil
}
