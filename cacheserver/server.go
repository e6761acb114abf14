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
package cacheserver

import (
	"context"
	"io"

	"github.com/cubefs/cubefs/blobstore/common/trace"
	"github.com/cubefs/cubefs/blobstore/util/errors"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/cubefs/calcgrid/cache"
	"github.com/cubefs/calcgrid/metrics"
	"github.com/cubefs/calcgrid/proto"
	"github.com/cubefs/calcgrid/transport"
)

type handlerFunc func(ctx context.Context, h *messageHandler, body *proto.Message) (*proto.Envelope, error)

// dispatch maps every known kind to its handler. Identifier map kinds go to the
// shared server, data store kinds to the state of the connection.
var dispatch = map[proto.Kind]handlerFunc{
	proto.KindIdentifierLookup: func(ctx context.Context, h *messageHandler, body *proto.Message) (*proto.Envelope, error) {
		return h.server.idMap.lookupIdentifiers(ctx, body)
	},
	proto.KindValueKeyLookup: func(ctx context.Context, h *messageHandler, body *proto.Message) (*proto.Envelope, error) {
		return h.server.idMap.lookupValueKeys(ctx, body)
	},
	proto.KindDataGet: func(ctx context.Context, h *messageHandler, body *proto.Message) (*proto.Envelope, error) {
		return h.dataStore.get(ctx, body)
	},
	proto.KindDataPut: func(ctx context.Context, h *messageHandler, body *proto.Message) (*proto.Envelope, error) {
		return h.dataStore.put(ctx, body)
	},
	proto.KindDataDelete: func(ctx context.Context, h *messageHandler, body *proto.Message) (*proto.Envelope, error) {
		return h.dataStore.delete(ctx, body)
	},
	proto.KindDataList: func(ctx context.Context, h *messageHandler, body *proto.Message) (*proto.Envelope, error) {
		return h.dataStore.list(ctx, body)
	},
	proto.KindDataStreamBegin: func(ctx context.Context, h *messageHandler, body *proto.Message) (*proto.Envelope, error) {
		return h.dataStore.streamBegin(ctx, body)
	},
	proto.KindDataStreamChunk: func(ctx context.Context, h *messageHandler, body *proto.Message) (*proto.Envelope, error) {
		return h.dataStore.streamChunk(ctx, body)
	},
	proto.KindDataStreamCommit: func(ctx context.Context, h *messageHandler, body *proto.Message) (*proto.Envelope, error) {
		return h.dataStore.streamCommit(ctx, body)
	},
}

// CacheServer serves the identifier map and the data stores of a Source to
// remote calculation nodes.
type CacheServer struct {
	idMap     *IdentifierMapServer
	dataStore *BinaryDataStoreServer
}

func NewCacheServer(source *cache.Source) *CacheServer {
	return &CacheServer{
		idMap:     NewIdentifierMapServer(source.IdentifierMap()),
		dataStore: NewBinaryDataStoreServer(source),
	}
}

func (s *CacheServer) ConnectionReceived(ctx context.Context, conn transport.Connection, first *proto.Envelope) transport.MessageReceiver {
	h := &messageHandler{
		server:    s,
		conn:      conn,
		dataStore: s.dataStore.onNewConnection(conn.ID()),
	}
	h.MessageReceived(ctx, first)
	return h
}

type messageHandler struct {
	server    *CacheServer
	conn      transport.Connection
	dataStore *connectionDataStore
}

func (h *messageHandler) MessageReceived(ctx context.Context, env *proto.Envelope) {
	span := trace.SpanFromContextSafe(ctx)
	handler, ok := dispatch[env.Kind]
	if !ok {
		span.Warnf("connection[%s] unexpected message %s", h.conn.ID(), env.Kind)
		return
	}
	metrics.CacheMessages.WithLabelValues(string(env.Kind)).Inc()

	reply, err := handler(ctx, h, env.Body)
	if err != nil {
		span.Errorf("connection[%s] handle %s failed: %s", h.conn.ID(), env.Kind, errors.Detail(err))
		if env.HasCorrelationID() {
			reply = proto.NewFailure(err)
		} else {
			return
		}
	}
	if reply == nil {
		if !env.HasCorrelationID() {
			return
		}
		reply = proto.NewEnvelope(proto.KindAck, nil)
	}
	reply.CorrelationID = env.CorrelationID
	if err = h.conn.Send(ctx, reply); err != nil {
		span.Warnf("connection[%s] send %s failed: %s", h.conn.ID(), reply.Kind, err)
	}
}

func (h *messageHandler) ConnectionFailed(ctx context.Context, err error) {
	span := trace.SpanFromContextSafe(ctx)
	if isClosed(err) {
		span.Infof("connection[%s] closed", h.conn.ID())
	} else {
		span.Warnf("connection[%s] failed: %s", h.conn.ID(), err)
	}
	h.dataStore.destroy(ctx)
}

func isClosed(err error) bool {
	if err == io.EOF {
		return true
	}
	code := status.Code(err)
	return code == codes.Canceled || code == codes.Unavailable
}
