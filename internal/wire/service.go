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

	"google.golang.org/grpc"
)

// ServiceName is the fully qualified gRPC service name, mirroring what
// protoc would have generated from a "cache.v1.CacheService" service.
const ServiceName = "cache.v1.CacheService"

// Server is the set of handlers a cache gRPC endpoint must implement. It
// plays the role a protoc-generated "XxxServer" interface would; see
// internal/wire/codec.go for why it is hand-maintained instead.
type Server interface {
	Get(context.Context, *GetRequest) (*GetResponse, error)
	GetAll(*GetAllRequest, GetAllServerStream) error
	Put(context.Context, *PutRequest) (*PutResponse, error)
	PutAll(context.Context, *PutAllRequest) (*PutAllResponse, error)
	PutIfAbsent(context.Context, *PutIfAbsentRequest) (*PutIfAbsentResponse, error)
	Remove(context.Context, *RemoveRequest) (*RemoveResponse, error)
	RemoveMapping(context.Context, *RemoveMappingRequest) (*RemoveMappingResponse, error)
	Replace(context.Context, *ReplaceRequest) (*ReplaceResponse, error)
	ReplaceMapping(context.Context, *ReplaceMappingRequest) (*ReplaceMappingResponse, error)
	ContainsEntry(context.Context, *ContainsEntryRequest) (*ContainsEntryResponse, error)
	ContainsValue(context.Context, *ContainsValueRequest) (*ContainsValueResponse, error)
	Clear(context.Context, *ClearRequest) (*ClearResponse, error)
	Truncate(context.Context, *TruncateRequest) (*TruncateResponse, error)
	Destroy(context.Context, *DestroyRequest) (*DestroyResponse, error)
	IsEmpty(context.Context, *IsEmptyRequest) (*IsEmptyResponse, error)
	IsReady(context.Context, *IsReadyRequest) (*IsReadyResponse, error)
	Size(context.Context, *SizeRequest) (*SizeResponse, error)
	AddIndex(context.Context, *AddIndexRequest) (*AddIndexResponse, error)
	RemoveIndex(context.Context, *RemoveIndexRequest) (*RemoveIndexResponse, error)
	Aggregate(context.Context, *AggregateRequest) (*AggregateResponse, error)
	Invoke(context.Context, *InvokeRequest) (*InvokeResponse, error)
	InvokeAll(*InvokeAllRequest, InvokeAllServerStream) error
	EntrySet(*EntrySetRequest, EntrySetServerStream) error
	KeySet(*KeySetRequest, KeySetServerStream) error
	Values(*ValuesRequest, ValuesServerStream) error
	NextPage(context.Context, *NextPageRequest) (*NextPageResponse, error)
	Events(EventsServerStream) error
	GetChannelStats(context.Context, *GetChannelStatsRequest) (*GetChannelStatsResponse, error)
	GetSubscriberGroupStats(context.Context, *GetSubscriberGroupStatsRequest) (*GetSubscriberGroupStatsResponse, error)
}

// serverStream adapts a typed Send onto a raw grpc.ServerStream, the same
// role protoc-gen-go-grpc's generated streaming server types play.
type serverStream[T any] struct{ grpc.ServerStream }

func (s *serverStream[T]) Send(m *T) error { return s.ServerStream.SendMsg(m) }

type (
	GetAllServerStream     = streamSender[GetAllResponse]
	InvokeAllServerStream  = streamSender[InvokeAllResponse]
	EntrySetServerStream   = streamSender[EntrySetResponse]
	KeySetServerStream     = streamSender[KeySetResponse]
	ValuesServerStream     = streamSender[ValuesResponse]
)

// streamSender is the minimal contract a handler needs to push chunks to a
// server-streaming caller.
type streamSender[T any] interface {
	Send(*T) error
	Context() context.Context
}

// EventsServerStream is the bidirectional stream handed to the Events
// handler (C8).
type EventsServerStream interface {
	Send(*EventServerMessage) error
	Recv() (*EventClientMessage, error)
	Context() context.Context
}

type eventsServerStream struct{ grpc.ServerStream }

func (s *eventsServerStream) Send(m *EventServerMessage) error { return s.ServerStream.SendMsg(m) }
func (s *eventsServerStream) Recv() (*EventClientMessage, error) {
	m := new(EventClientMessage)
	if err := s.ServerStream.RecvMsg(m); err != nil {
		return nil, err
	}
	return m, nil
}

func unaryHandler[Req any, Resp any](call func(context.Context, Server, *Req) (*Resp, error)) func(interface{}, context.Context, func(interface{}) error, grpc.UnaryServerInterceptor) (interface{}, error) {
	return func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
		req := new(Req)
		if err := dec(req); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(ctx, srv.(Server), req)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: ServiceName}
		handler := func(ctx context.Context, req interface{}) (interface{}, error) {
			return call(ctx, srv.(Server), req.(*Req))
		}
		return interceptor(ctx, req, info, handler)
	}
}

func streamHandler[Req any](call func(Server, *Req, grpc.ServerStream) error) func(interface{}, grpc.ServerStream) error {
	return func(srv interface{}, stream grpc.ServerStream) error {
		req := new(Req)
		if err := stream.RecvMsg(req); err != nil {
			return err
		}
		return call(srv.(Server), req, stream)
	}
}

// ServiceDesc is handed to grpc.Server.RegisterService in place of the
// protoc-generated descriptor.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*Server)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Get", Handler: unaryHandler(func(ctx context.Context, s Server, r *GetRequest) (*GetResponse, error) { return s.Get(ctx, r) })},
		{MethodName: "Put", Handler: unaryHandler(func(ctx context.Context, s Server, r *PutRequest) (*PutResponse, error) { return s.Put(ctx, r) })},
			{MethodName: "PutAll", Handler: unaryHandler(func(ctx context.Context, s Server, r *PutAllRequest) (*PutAllResponse, error) { return s.PutAll(ctx, r) })},
		{MethodName: "PutIfAbsent", Handler: unaryHandler(func(ctx context.Context, s Server, r *PutIfAbsentRequest) (*PutIfAbsentResponse, error) { return s.PutIfAbsent(ctx, r) })},
		{MethodName: "Remove", Handler: unaryHandler(func(ctx context.Context, s Server, r *RemoveRequest) (*RemoveResponse, error) { return s.Remove(ctx, r) })},
		{MethodName: "RemoveMapping", Handler: unaryHandler(func(ctx context.Context, s Server, r *RemoveMappingRequest) (*RemoveMappingResponse, error) { return s.RemoveMapping(ctx, r) })},
		{MethodName: "Replace", Handler: unaryHandler(func(ctx context.Context, s Server, r *ReplaceRequest) (*ReplaceResponse, error) { return s.Replace(ctx, r) })},
		{MethodName: "ReplaceMapping", Handler: unaryHandler(func(ctx context.Context, s Server, r *ReplaceMappingRequest) (*ReplaceMappingResponse, error) { return s.ReplaceMapping(ctx, r) })},
		{MethodName: "ContainsEntry", Handler: unaryHandler(func(ctx context.Context, s Server, r *ContainsEntryRequest) (*ContainsEntryResponse, error) { return s.ContainsEntry(ctx, r) })},
		{MethodName: "ContainsValue", Handler: unaryHandler(func(ctx context.Context, s Server, r *ContainsValueRequest) (*ContainsValueResponse, error) { return s.ContainsValue(ctx, r) })},
		{MethodName: "Clear", Handler: unaryHandler(func(ctx context.Context, s Server, r *ClearRequest) (*ClearResponse, error) { return s.Clear(ctx, r) })},
		{MethodName: "Truncate", Handler: unaryHandler(func(ctx context.Context, s Server, r *TruncateRequest) (*TruncateResponse, error) { return s.Truncate(ctx, r) })},
		{MethodName: "Destroy", Handler: unaryHandler(func(ctx context.Context, s Server, r *DestroyRequest) (*DestroyResponse, error) { return s.Destroy(ctx, r) })},
		{MethodName: "IsEmpty", Handler: unaryHandler(func(ctx context.Context, s Server, r *IsEmptyRequest) (*IsEmptyResponse, error) { return s.IsEmpty(ctx, r) })},
		{MethodName: "IsReady", Handler: unaryHandler(func(ctx context.Context, s Server, r *IsReadyRequest) (*IsReadyResponse, error) { return s.IsReady(ctx, r) })},
		{MethodName: "Size", Handler: unaryHandler(func(ctx context.Context, s Server, r *SizeRequest) (*SizeResponse, error) { return s.Size(ctx, r) })},
		{MethodName: "AddIndex", Handler: unaryHandler(func(ctx context.Context, s Server, r *AddIndexRequest) (*AddIndexResponse, error) { return s.AddIndex(ctx, r) })},
		{MethodName: "RemoveIndex", Handler: unaryHandler(func(ctx context.Context, s Server, r *RemoveIndexRequest) (*RemoveIndexResponse, error) { return s.RemoveIndex(ctx, r) })},
		{MethodName: "Aggregate", Handler: unaryHandler(func(ctx context.Context, s Server, r *AggregateRequest) (*AggregateResponse, error) { return s.Aggregate(ctx, r) })},
		{MethodName: "Invoke", Handler: unaryHandler(func(ctx context.Context, s Server, r *InvokeRequest) (*InvokeResponse, error) { return s.Invoke(ctx, r) })},
		{MethodName: "NextPage", Handler: unaryHandler(func(ctx context.Context, s Server, r *NextPageRequest) (*NextPageResponse, error) { return s.NextPage(ctx, r) })},
		{MethodName: "GetChannelStats", Handler: unaryHandler(func(ctx context.Context, s Server, r *GetChannelStatsRequest) (*GetChannelStatsResponse, error) { return s.GetChannelStats(ctx, r) })},
		{MethodName: "GetSubscriberGroupStats", Handler: unaryHandler(func(ctx context.Context, s Server, r *GetSubscriberGroupStatsRequest) (*GetSubscriberGroupStatsResponse, error) { return s.GetSubscriberGroupStats(ctx, r) })},
	},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "GetAll",
			ServerStreams: true,
			Handler: streamHandler(func(s Server, r *GetAllRequest, stream grpc.ServerStream) error {
				return s.GetAll(r, &serverStream[GetAllResponse]{stream})
			}),
		},
		{
			StreamName:    "InvokeAll",
			ServerStreams: true,
			Handler: streamHandler(func(s Server, r *InvokeAllRequest, stream grpc.ServerStream) error {
				return s.InvokeAll(r, &serverStream[InvokeAllResponse]{stream})
			}),
		},
		{
			StreamName:    "EntrySet",
			ServerStreams: true,
			Handler: streamHandler(func(s Server, r *EntrySetRequest, stream grpc.ServerStream) error {
				return s.EntrySet(r, &serverStream[EntrySetResponse]{stream})
			}),
		},
		{
			StreamName:    "KeySet",
			ServerStreams: true,
			Handler: streamHandler(func(s Server, r *KeySetRequest, stream grpc.ServerStream) error {
				return s.KeySet(r, &serverStream[KeySetResponse]{stream})
			}),
		},
		{
			StreamName:    "Values",
			ServerStreams: true,
			Handler: streamHandler(func(s Server, r *ValuesRequest, stream grpc.ServerStream) error {
				return s.Values(r, &serverStream[ValuesResponse]{stream})
			}),
		},
		{
			StreamName:    "Events",
			ServerStreams: true,
			ClientStreams: true,
			Handler: func(srv interface{}, stream grpc.ServerStream) error {
				return srv.(Server).Events(&eventsServerStream{stream})
			},
		},
	},
	Metadata: "cache.proto",
}
