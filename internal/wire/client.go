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

package wire

import (
	"context"
	"fmt"

	"google.golang.org/grpc"
)

// callOpts forces the gob codec registered in codec.go for every call, the
// client-side half of the hand-maintained wire protocol.
var callOpts = []grpc.CallOption{grpc.CallContentSubtype(CodecName)}

// Client is a thin stub over a *grpc.ClientConn, playing the role a
// protoc-generated "CacheServiceClient" would.
type Client struct {
	cc *grpc.ClientConn
}

func NewClient(cc *grpc.ClientConn) *Client { return &Client{cc: cc} }

func fullMethod(name string) string { return fmt.Sprintf("/%s/%s", ServiceName, name) }

func invoke[Req any, Resp any](ctx context.Context, c *Client, method string, req *Req) (*Resp, error) {
	resp := new(Resp)
	if err := c.cc.Invoke(ctx, fullMethod(method), req, resp, callOpts...); err != nil {
		return nil, err
	}
	return resp, nil
}

func (c *Client) Get(ctx context.Context, r *GetRequest) (*GetResponse, error) {
	return invoke[GetRequest, GetResponse](ctx, c, "Get", r)
}

func (c *Client) Put(ctx context.Context, r *PutRequest) (*PutResponse, error) {
	return invoke[PutRequest, PutResponse](ctx, c, "Put", r)
}

func (c *Client) PutAll(ctx context.Context, r *PutAllRequest) (*PutAllResponse, error) {
	return invoke[PutAllRequest, PutAllResponse](ctx, c, "PutAll", r)
}

func (c *Client) PutIfAbsent(ctx context.Context, r *PutIfAbsentRequest) (*PutIfAbsentResponse, error) {
	return invoke[PutIfAbsentRequest, PutIfAbsentResponse](ctx, c, "PutIfAbsent", r)
}

func (c *Client) Remove(ctx context.Context, r *RemoveRequest) (*RemoveResponse, error) {
	return invoke[RemoveRequest, RemoveResponse](ctx, c, "Remove", r)
}

func (c *Client) RemoveMapping(ctx context.Context, r *RemoveMappingRequest) (*RemoveMappingResponse, error) {
	return invoke[RemoveMappingRequest, RemoveMappingResponse](ctx, c, "RemoveMapping", r)
}

func (c *Client) Replace(ctx context.Context, r *ReplaceRequest) (*ReplaceResponse, error) {
	return invoke[ReplaceRequest, ReplaceResponse](ctx, c, "Replace", r)
}

func (c *Client) ReplaceMapping(ctx context.Context, r *ReplaceMappingRequest) (*ReplaceMappingResponse, error) {
	return invoke[ReplaceMappingRequest, ReplaceMappingResponse](ctx, c, "ReplaceMapping", r)
}

func (c *Client) ContainsEntry(ctx context.Context, r *ContainsEntryRequest) (*ContainsEntryResponse, error) {
	return invoke[ContainsEntryRequest, ContainsEntryResponse](ctx, c, "ContainsEntry", r)
}

func (c *Client) ContainsValue(ctx context.Context, r *ContainsValueRequest) (*ContainsValueResponse, error) {
	return invoke[ContainsValueRequest, ContainsValueResponse](ctx, c, "ContainsValue", r)
}

func (c *Client) Clear(ctx context.Context, r *ClearRequest) (*ClearResponse, error) {
	return invoke[ClearRequest, ClearResponse](ctx, c, "Clear", r)
}

func (c *Client) Truncate(ctx context.Context, r *TruncateRequest) (*TruncateResponse, error) {
	return invoke[TruncateRequest, TruncateResponse](ctx, c, "Truncate", r)
}

func (c *Client) Destroy(ctx context.Context, r *DestroyRequest) (*DestroyResponse, error) {
	return invoke[DestroyRequest, DestroyResponse](ctx, c, "Destroy", r)
}

func (c *Client) IsEmpty(ctx context.Context, r *IsEmptyRequest) (*IsEmptyResponse, error) {
	return invoke[IsEmptyRequest, IsEmptyResponse](ctx, c, "IsEmpty", r)
}

func (c *Client) IsReady(ctx context.Context, r *IsReadyRequest) (*IsReadyResponse, error) {
	return invoke[IsReadyRequest, IsReadyResponse](ctx, c, "IsReady", r)
}

func (c *Client) Size(ctx context.Context, r *SizeRequest) (*SizeResponse, error) {
	return invoke[SizeRequest, SizeResponse](ctx, c, "Size", r)
}

func (c *Client) AddIndex(ctx context.Context, r *AddIndexRequest) (*AddIndexResponse, error) {
	return invoke[AddIndexRequest, AddIndexResponse](ctx, c, "AddIndex", r)
}

func (c *Client) RemoveIndex(ctx context.Context, r *RemoveIndexRequest) (*RemoveIndexResponse, error) {
	return invoke[RemoveIndexRequest, RemoveIndexResponse](ctx, c, "RemoveIndex", r)
}

func (c *Client) Aggregate(ctx context.Context, r *AggregateRequest) (*AggregateResponse, error) {
	return invoke[AggregateRequest, AggregateResponse](ctx, c, "Aggregate", r)
}

func (c *Client) Invoke(ctx context.Context, r *InvokeRequest) (*InvokeResponse, error) {
	return invoke[InvokeRequest, InvokeResponse](ctx, c, "Invoke", r)
}

func (c *Client) NextPage(ctx context.Context, r *NextPageRequest) (*NextPageResponse, error) {
	return invoke[NextPageRequest, NextPageResponse](ctx, c, "NextPage", r)
}

func (c *Client) GetChannelStats(ctx context.Context, r *GetChannelStatsRequest) (*GetChannelStatsResponse, error) {
	return invoke[GetChannelStatsRequest, GetChannelStatsResponse](ctx, c, "GetChannelStats", r)
}

func (c *Client) GetSubscriberGroupStats(ctx context.Context, r *GetSubscriberGroupStatsRequest) (*GetSubscriberGroupStatsResponse, error) {
	return invoke[GetSubscriberGroupStatsRequest, GetSubscriberGroupStatsResponse](ctx, c, "GetSubscriberGroupStats", r)
}

// streamClientDesc describes a server-streaming RPC for NewStream.
func streamClientDesc(name string) *grpc.StreamDesc {
	return &grpc.StreamDesc{StreamName: name, ServerStreams: true}
}

type typedServerStreamClient[Resp any] struct{ grpc.ClientStream }

func (s *typedServerStreamClient[Resp]) Recv() (*Resp, error) {
	m := new(Resp)
	if err := s.ClientStream.RecvMsg(m); err != nil {
		return nil, err
	}
	return m, nil
}

func newServerStream[Req any, Resp any](ctx context.Context, c *Client, method string, req *Req) (*typedServerStreamClient[Resp], error) {
	cs, err := c.cc.NewStream(ctx, streamClientDesc(method), fullMethod(method), callOpts...)
	if err != nil {
		return nil, err
	}
	if err := cs.SendMsg(req); err != nil {
		return nil, err
	}
	if err := cs.CloseSend(); err != nil {
		return nil, err
	}
	return &typedServerStreamClient[Resp]{cs}, nil
}

func (c *Client) GetAll(ctx context.Context, r *GetAllRequest) (*typedServerStreamClient[GetAllResponse], error) {
	return newServerStream[GetAllRequest, GetAllResponse](ctx, c, "GetAll", r)
}

func (c *Client) InvokeAll(ctx context.Context, r *InvokeAllRequest) (*typedServerStreamClient[InvokeAllResponse], error) {
	return newServerStream[InvokeAllRequest, InvokeAllResponse](ctx, c, "InvokeAll", r)
}

func (c *Client) EntrySet(ctx context.Context, r *EntrySetRequest) (*typedServerStreamClient[EntrySetResponse], error) {
	return newServerStream[EntrySetRequest, EntrySetResponse](ctx, c, "EntrySet", r)
}

func (c *Client) KeySet(ctx context.Context, r *KeySetRequest) (*typedServerStreamClient[KeySetResponse], error) {
	return newServerStream[KeySetRequest, KeySetResponse](ctx, c, "KeySet", r)
}

func (c *Client) Values(ctx context.Context, r *ValuesRequest) (*typedServerStreamClient[ValuesResponse], error) {
	return newServerStream[ValuesRequest, ValuesResponse](ctx, c, "Values", r)
}

// EventsStream is the bidirectional client side of the Events RPC (C8/C9).
type EventsStream struct{ grpc.ClientStream }

func (s *EventsStream) Send(m *EventClientMessage) error { return s.ClientStream.SendMsg(m) }
func (s *EventsStream) Recv() (*EventServerMessage, error) {
	m := new(EventServerMessage)
	if err := s.ClientStream.RecvMsg(m); err != nil {
		return nil, err
	}
	return m, nil
}

func (c *Client) Events(ctx context.Context) (*EventsStream, error) {
	cs, err := c.cc.NewStream(ctx, &grpc.StreamDesc{StreamName: "Events", ServerStreams: true, ClientStreams: true}, fullMethod("Events"), callOpts...)
	if err != nil {
		return nil, err
	}
	return &EventsStream{cs}, nil
}
