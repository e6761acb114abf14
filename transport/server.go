// Copyright 2023 The CubeFS Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or
// implied. See the License for the specific language governing
// permissions and limitations under the License.
package transport

import (
	"context"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"github.com/cubefs/cubefs/blobstore/common/trace"
	"github.com/cubefs/cubefs/blobstore/util/errors"
	"github.com/google/uuid"
	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"

	"github.com/cubefs/calcgrid/proto"
)

type streamService interface {
	serve(stream grpc.ServerStream) error
}

func serviceDesc(serviceName string) *grpc.ServiceDesc {
	return &grpc.ServiceDesc{
		ServiceName: serviceName,
		HandlerType: (*streamService)(nil),
		Streams: []grpc.StreamDesc{
			{
				StreamName: proto.ConnectStream,
				Handler: func(srv interface{}, stream grpc.ServerStream) error {
					return srv.(streamService).serve(stream)
				},
				ServerStreams: true,
				ClientStreams: true,
			},
		},
		Metadata: "calcgrid",
	}
}

func fullMethod(serviceName string) string {
	return "/" + serviceName + "/" + proto.ConnectStream
}

func errInvalidType(v interface{}) error {
	return fmt.Errorf("calcgrid codec: unexpected message type %T", v)
}

// ServerOptions returns the options every grpc server carrying calcgrid services needs.
func ServerOptions() []grpc.ServerOption {
	return []grpc.ServerOption{grpc.ForceServerCodec(codec{})}
}

// Register mounts handler as the Connect stream of serviceName on gs.
func Register(gs *grpc.Server, serviceName string, handler ConnectionHandler) *Service {
	s := &Service{name: serviceName, handler: handler}
	gs.RegisterService(serviceDesc(serviceName), s)
	return s
}

// Service accepts the connections of one service name.
type Service struct {
	name    string
	handler ConnectionHandler
	active  int64
	total   int64
}

// Stats of a service as exposed by the http server.
type Stats struct {
	Name   string `json:"name"`
	Active int64  `json:"active"`
	Total  int64  `json:"total"`
}

func (s *Service) Stats() Stats {
	return Stats{Name: s.name, Active: atomic.LoadInt64(&s.active), Total: atomic.LoadInt64(&s.total)}
}

func (s *Service) serve(stream grpc.ServerStream) error {
	ctx := stream.Context()
	span := trace.SpanFromContextSafe(ctx)
	conn := &serverConnection{id: uuid.NewString(), stream: stream}

	first := &proto.Envelope{}
	if err := stream.RecvMsg(first); err != nil {
		if err == io.EOF {
			return nil
		}
		return err
	}
	atomic.AddInt64(&s.active, 1)
	atomic.AddInt64(&s.total, 1)
	defer atomic.AddInt64(&s.active, -1)

	span.Infof("%s connection[%s] received", s.name, conn.id)
	receiver := s.handler.ConnectionReceived(ctx, conn, first)
	if receiver == nil {
		span.Infof("connection[%s] declined by handler", conn.id)
		return nil
	}

	for {
		env := &proto.Envelope{}
		err := stream.RecvMsg(env)
		if err != nil {
			if err == io.EOF {
				span.Infof("connection[%s] closed by peer", conn.id)
			} else {
				span.Warnf("connection[%s] receive failed: %s", conn.id, errors.Detail(err))
			}
			receiver.ConnectionFailed(ctx, err)
			if err == io.EOF {
				return nil
			}
			return err
		}
		receiver.MessageReceived(ctx, env)
	}
}

type serverConnection struct {
	id     string
	stream grpc.ServerStream
	lock   sync.Mutex
}

func (c *serverConnection) ID() string {
	return c.id
}

func (c *serverConnection) Send(ctx context.Context, env *proto.Envelope) error {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.stream.SendMsg(env)
}

type tracedStream struct {
	grpc.ServerStream
	ctx context.Context
}

func (s *tracedStream) Context() context.Context {
	return s.ctx
}

// StreamServerInterceptorWithTracer starts the span of a stream from the req-id
// the client sent, so every log line of a connection carries the same trace id.
func StreamServerInterceptorWithTracer(srv interface{}, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
	ctx := ss.Context()
	md, ok := metadata.FromIncomingContext(ctx)
	if ok {
		if reqID := md[proto.ReqIdKey]; len(reqID) > 0 {
			_, ctx = trace.StartSpanFromContextWithTraceID(ctx, info.FullMethod, reqID[0])
			return handler(srv, &tracedStream{ServerStream: ss, ctx: ctx})
		}
	}
	_, ctx = trace.StartSpanFromContext(ctx, info.FullMethod)
	return handler(srv, &tracedStream{ServerStream: ss, ctx: ctx})
}
