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

// Package wire defines the messages and gRPC service description for the
// cache access protocol. Every operation carries scope/cache/format plus
// opaque byte payloads; value-bearing fields are never interpreted here,
// only routed to the backend and converted at the boundary (see
// internal/serializer and internal/holder).
package wire

// Envelope fields shared by every request.
type Envelope struct {
	Scope  string // namespace prefix; empty means the configured default scope
	Cache  string // required; empty yields INVALID_ARGUMENT
	Format string // name of the client's serializer
}

// EntryResult carries a key/value pair in the client's wire format.
type EntryResult struct {
	Key   []byte
	Value []byte
}

// OptionalValue distinguishes a present-but-nil mapping from an absent key.
type OptionalValue struct {
	Present bool
	Value   []byte
}

type GetRequest struct {
	Envelope
	Key []byte
}

type GetResponse struct {
	Value OptionalValue
}

type GetAllRequest struct {
	Envelope
	Keys [][]byte
}

// GetAllResponse is streamed; each chunk carries a batch of entries.
type GetAllResponse struct {
	Entries []EntryResult
}

type PutRequest struct {
	Envelope
	Key       []byte
	Value     []byte
	TTLMillis int64 // 0 means the cache's default expiry
}

type PutResponse struct {
	Previous OptionalValue
}

type PutIfAbsentRequest struct {
	Envelope
	Key       []byte
	Value     []byte
	TTLMillis int64
}

type PutIfAbsentResponse struct {
	Previous OptionalValue
}

// PutAllRequest carries a batch of entries for partition-aware bulk routing
// (spec.md §4.6, §8 scenario 2): the dispatcher fans these out by owning
// partition/member rather than applying them one at a time.
type PutAllRequest struct {
	Envelope
	Entries   []EntryResult
	TTLMillis int64
}

// PutAllResponse reports any per-entry failures; a putAll that fully
// succeeds returns an empty Failed slice.
type PutAllResponse struct {
	Failed []PutAllFailure
}

type PutAllFailure struct {
	Key     []byte
	Message string
}

type RemoveRequest struct {
	Envelope
	Key []byte
}

type RemoveResponse struct {
	Previous OptionalValue
}

type RemoveMappingRequest struct {
	Envelope
	Key   []byte
	Value []byte
}

type RemoveMappingResponse struct {
	Removed bool
}

type ReplaceRequest struct {
	Envelope
	Key   []byte
	Value []byte
}

type ReplaceResponse struct {
	Previous OptionalValue
}

type ReplaceMappingRequest struct {
	Envelope
	Key      []byte
	Previous []byte
	New      []byte
}

type ReplaceMappingResponse struct {
	Replaced bool
}

type ContainsEntryRequest struct {
	Envelope
	Key   []byte
	Value []byte
}

type ContainsEntryResponse struct {
	Contains bool
}

type ContainsValueRequest struct {
	Envelope
	Value []byte
}

type ContainsValueResponse struct {
	Contains bool
}

type ClearRequest struct{ Envelope }
type ClearResponse struct{}

type TruncateRequest struct{ Envelope }
type TruncateResponse struct{}

type DestroyRequest struct{ Envelope }
type DestroyResponse struct{}

type IsEmptyRequest struct{ Envelope }
type IsEmptyResponse struct{ Empty bool }

type IsReadyRequest struct{ Envelope }
type IsReadyResponse struct{ Ready bool }

type SizeRequest struct{ Envelope }
type SizeResponse struct{ Size int64 }

type AddIndexRequest struct {
	Envelope
	Extractor  []byte // deserialized with the client serializer; logical
	Comparator []byte // optional; empty means natural order
	Sorted     bool
}
type AddIndexResponse struct{}

type RemoveIndexRequest struct {
	Envelope
	Extractor []byte
}
type RemoveIndexResponse struct{}

// AggregateRequest supports both the key-set and filter forms; exactly one
// of Keys or Filter should be meaningful, per the KeySet flag.
type AggregateRequest struct {
	Envelope
	KeySet     bool
	Keys       [][]byte
	Filter     []byte // empty means match-all, only valid when !KeySet
	Aggregator []byte // required; empty yields INVALID_ARGUMENT
}

type AggregateResponse struct {
	Result []byte
}

type InvokeRequest struct {
	Envelope
	Key       []byte
	Processor []byte // required
}

type InvokeResponse struct {
	Result []byte
}

type InvokeAllRequest struct {
	Envelope
	KeySet    bool
	Keys      [][]byte
	Filter    []byte
	Processor []byte
}

// InvokeAllResponse is streamed, one chunk per batch of per-key results.
type InvokeAllResponse struct {
	Entries []EntryResult
}

// EntrySetRequest/KeySetRequest/ValuesRequest are streamed. When Comparator
// is non-empty the dispatcher buffers and sorts before emitting; otherwise
// results are pushed as the backend produces them.
type EntrySetRequest struct {
	Envelope
	Filter     []byte
	Comparator []byte
}

type EntrySetResponse struct {
	Entries []EntryResult
}

type KeySetRequest struct {
	Envelope
	Filter     []byte
	Comparator []byte
}

type KeySetResponse struct {
	Keys [][]byte
}

type ValuesRequest struct {
	Envelope
	Filter     []byte
	Comparator []byte
}

type ValuesResponse struct {
	Values [][]byte
}

// NextPageRequest drives the cursor engine (internal/cursor). Cookie is
// empty on the first page of an iteration.
type NextPageRequest struct {
	Envelope
	Cookie          []byte
	TransferBytes   int64 // 0 means use the server default threshold
	EntriesNotKeys  bool  // true: page of entries; false: page of keys
	Filter          []byte
	Comparator      []byte
}

type NextPageResponse struct {
	Keys    [][]byte
	Entries []EntryResult
	Cookie  []byte // empty means the iteration is complete
	Done    bool
}

// Event stream messages (C8).

type EventClientMessage struct {
	Init        *InitMessage
	Subscribe   *SubscribeMessage
	Unsubscribe *UnsubscribeMessage
}

type InitMessage struct {
	Scope  string
	Format string
}

type SubscribeMessage struct {
	FilterID uint64
	Cache    string
	Filter   []byte // empty + !KeySet means match-all
	KeySet   bool
	Keys     [][]byte
	Lite     bool
	Priming  bool
}

type UnsubscribeMessage struct {
	FilterID uint64
	Key      []byte // alternative to FilterID for per-key unsubscribes
	ByKey    bool
}

type EventServerMessage struct {
	Subscribed   *SubscribedMessage
	Unsubscribed *UnsubscribedMessage
	Event        *CacheEvent
	Error        *ErrorMessage
	Destroyed    *LifecycleMessage
	Truncated    *LifecycleMessage
}

type SubscribedMessage struct {
	FilterID uint64
}

type UnsubscribedMessage struct {
	FilterID uint64
}

// EventKind enumerates the kinds of mutation events delivered on the
// multiplexer.
type EventKind int

const (
	EventInserted EventKind = iota
	EventUpdated
	EventDeleted
	EventSynthetic
)

type CacheEvent struct {
	Cache    string
	FilterID uint64
	Kind     EventKind
	Key      []byte
	OldValue []byte // omitted when Lite
	NewValue []byte // omitted when Lite
}

type ErrorMessage struct {
	Code    string
	Message string
}

type LifecycleMessage struct {
	Cache string
}

// Topic statistics (supplemented, see SPEC_FULL.md §6).

type GetChannelStatsRequest struct {
	Envelope
	Channel string
}

type ChannelStats struct {
	Channel        string
	PublishedTotal uint64
	BytesPublished uint64
}

type GetChannelStatsResponse struct {
	Stats ChannelStats
}

type GetSubscriberGroupStatsRequest struct {
	Envelope
	Channel string
	Group   string
}

type SubscriberGroupStats struct {
	Group          string
	DeliveredTotal uint64
	PolledTotal    uint64
}

type GetSubscriberGroupStatsResponse struct {
	Stats SubscriberGroupStats
}
