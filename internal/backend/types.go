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

// Package backend defines the contract this proxy consumes from the
// partitioned cache engine (spec.md §6, "Backend contract (consumed)"),
// plus an in-memory reference implementation (C12) used to exercise the
// rest of the proxy without a real distributed engine.
package backend

import (
	"bytes"

	"github.com/projectcontour/cachegrpc/internal/partition"
)

// Entry is a raw key/value pair in the backend's native byte format.
type Entry struct {
	Key   []byte
	Value []byte
}

// ProcessorKind tags the variant of entry processor a point mutation
// compiles down to, per the "Entry-processor polymorphism" design note in
// spec.md §9: a tagged variant transmitted to the backend rather than an
// inheritance hierarchy of processor classes.
type ProcessorKind int

const (
	ProcGet ProcessorKind = iota
	ProcPut
	ProcPutIfAbsent
	ProcReplace
	ProcReplaceMapping
	ProcRemove
	ProcRemoveMapping
	ProcContainsEntry
	ProcContainsValue
)

// Processor is a binary entry processor invocation: point mutations are
// always expressed this way (never a raw put/remove) so the backend can
// return the prior value in one round trip (spec.md §4.6).
type Processor struct {
	Kind      ProcessorKind
	Value     []byte
	Previous  []byte // for ReplaceMapping; RemoveMapping/ContainsEntry compare against Value
	TTLMillis int64
}

// ProcessorResult is what Apply returns: the processor's own result bytes
// (e.g. the prior value) plus the mutation to apply to the map, if any.
type ProcessorResult struct {
	Result      []byte
	Present     bool // whether Result reflects an actual prior/current mapping
	Mutate      bool
	NewValue    []byte
	NewPresent  bool
	BoolOutcome bool // Replace/ReplaceMapping/RemoveMapping/ContainsEntry/ContainsValue success flag
}

// Apply evaluates the processor against the current (value, present) state
// of a single key and returns the result to hand back to the client plus
// the mutation (if any) to commit.
func (p Processor) Apply(value []byte, present bool) ProcessorResult {
	switch p.Kind {
	case ProcGet:
		if !present {
			return ProcessorResult{}
		}
		return ProcessorResult{Result: value, Present: true}

	case ProcPut:
		return ProcessorResult{Result: value, Present: present, Mutate: true, NewValue: p.Value, NewPresent: true}

	case ProcPutIfAbsent:
		if present {
			return ProcessorResult{Result: value, Present: true}
		}
		return ProcessorResult{Mutate: true, NewValue: p.Value, NewPresent: true}

	case ProcReplace:
		if !present {
			return ProcessorResult{}
		}
		return ProcessorResult{Result: value, Present: true, BoolOutcome: true, Mutate: true, NewValue: p.Value, NewPresent: true}

	case ProcReplaceMapping:
		if !present || !bytes.Equal(value, p.Previous) {
			return ProcessorResult{BoolOutcome: false}
		}
		return ProcessorResult{BoolOutcome: true, Mutate: true, NewValue: p.Value, NewPresent: true}

	case ProcRemove:
		if !present {
			return ProcessorResult{}
		}
		return ProcessorResult{Result: value, Present: true, Mutate: true, NewPresent: false}

	case ProcRemoveMapping:
		if !present || !bytes.Equal(value, p.Value) {
			return ProcessorResult{BoolOutcome: false}
		}
		return ProcessorResult{BoolOutcome: true, Mutate: true, NewPresent: false}

	case ProcContainsEntry:
		return ProcessorResult{BoolOutcome: present && bytes.Equal(value, p.Value)}

	case ProcContainsValue:
		return ProcessorResult{BoolOutcome: present && bytes.Equal(value, p.Value)}
	}
	return ProcessorResult{}
}

// Filter decides whether an entry matches a query. Map calls Matches on the
// Filter it is given, so a nil Filter is not accepted; match-all is
// MatchAll, which the dispatcher uses for empty filter bytes.
type Filter interface {
	Matches(e Entry) bool
}

type allFilter struct{}

func (allFilter) Matches(Entry) bool { return true }

// MatchAll is the filter used when the wire carries empty filter bytes.
var MatchAll Filter = allFilter{}

// EqualsValueFilter matches entries whose value equals Value; it backs
// containsValue's "count aggregator over an equality filter" contract
// (spec.md §4.6).
type EqualsValueFilter struct{ Value []byte }

func (f EqualsValueFilter) Matches(e Entry) bool { return bytes.Equal(e.Value, f.Value) }

// KeyInFilter matches entries whose key is in a fixed set; used by the
// key-set forms of aggregate/invokeAll.
type KeyInFilter struct{ Keys map[string]struct{} }

func NewKeyInFilter(keys [][]byte) KeyInFilter {
	m := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		m[string(k)] = struct{}{}
	}
	return KeyInFilter{Keys: m}
}

func (f KeyInFilter) Matches(e Entry) bool {
	_, ok := f.Keys[string(e.Key)]
	return ok
}

// Comparator orders entries for sorted streaming results (§4.6 entrySet /
// keySet / values). A nil Comparator means natural (key) order.
type Comparator interface {
	Less(a, b Entry) bool
}

type byKey struct{}

func (byKey) Less(a, b Entry) bool { return bytes.Compare(a.Key, b.Key) < 0 }

// NaturalOrder orders by raw key bytes.
var NaturalOrder Comparator = byKey{}

// Aggregator reduces the matched entries of an aggregate operation to a
// single result. Entries are fed in partition-arrival order.
type Aggregator interface {
	Accumulate(e Entry)
	Result() []byte
}

// CountAggregator counts matching entries; containsValue is implemented as
// CountAggregator over an EqualsValueFilter (spec.md §4.6).
type CountAggregator struct {
	count int64
}

func (a *CountAggregator) Accumulate(Entry) { a.count++ }
func (a *CountAggregator) Result() []byte {
	return []byte{byte(a.count), byte(a.count >> 8), byte(a.count >> 16), byte(a.count >> 24)}
}

func (a *CountAggregator) Count() int64 { return a.count }

// Listener receives mutation notifications from a Cache for a single
// registration (C8 relies on this).
type Listener interface {
	OnEvent(kind EventKind, e Entry, old []byte)
}

type EventKind int

const (
	EventInserted EventKind = iota
	EventUpdated
	EventDeleted
	EventSynthetic // priming insert, not a real mutation
	EventTruncated
	EventDestroyed
)

// Member re-exports partition.Member so callers of this package don't need
// to import internal/partition directly for the common case.
type Member = partition.Member
