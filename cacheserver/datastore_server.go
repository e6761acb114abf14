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
	"sync"

	"github.com/cubefs/cubefs/blobstore/common/trace"

	"github.com/cubefs/calcgrid/cache"
	"github.com/cubefs/calcgrid/datastore"
	apierrors "github.com/cubefs/calcgrid/errors"
	"github.com/cubefs/calcgrid/proto"
)

// BinaryDataStoreServer serves the stores of the caches of a Source.
type BinaryDataStoreServer struct {
	source *cache.Source
}

func NewBinaryDataStoreServer(source *cache.Source) *BinaryDataStoreServer {
	return &BinaryDataStoreServer{source: source}
}

func (s *BinaryDataStoreServer) onNewConnection(connID string) *connectionDataStore {
	return &connectionDataStore{server: s, connID: connID}
}

// connectionDataStore is the data store state owned by one connection. The only
// state is an open streamed write.
type connectionDataStore struct {
	server *BinaryDataStoreServer
	connID string

	lock      sync.Mutex
	stream    *streamedWrite
	destroyed bool
}

type streamedWrite struct {
	request proto.DataRequest
	values  map[proto.Identifier][]byte
}

func (c *connectionDataStore) store(ctx context.Context, req proto.DataRequest) (datastore.BinaryDataStore, error) {
	vc, err := c.server.source.GetCacheByKey(ctx, req.Cache)
	if err != nil {
		return nil, err
	}
	if req.Shared {
		return vc.SharedDataStore(), nil
	}
	return vc.PrivateDataStore(), nil
}

func (c *connectionDataStore) get(ctx context.Context, body *proto.Message) (*proto.Envelope, error) {
	req, err := proto.DataRequestFromMessage(body)
	if err != nil {
		return nil, err
	}
	store, err := c.store(ctx, req)
	if err != nil {
		return nil, err
	}
	found, err := store.GetAll(ctx, proto.GetIdentifiers(body))
	if err != nil {
		return nil, err
	}
	return proto.NewEnvelope(proto.KindDataGetReply, proto.AddValues(proto.NewMessage(), found)), nil
}

func (c *connectionDataStore) put(ctx context.Context, body *proto.Message) (*proto.Envelope, error) {
	req, err := proto.DataRequestFromMessage(body)
	if err != nil {
		return nil, err
	}
	values, err := proto.GetValues(body)
	if err != nil {
		return nil, err
	}
	store, err := c.store(ctx, req)
	if err != nil {
		return nil, err
	}
	return nil, store.PutAll(ctx, values)
}

// delete releases the whole release group of the cache on the server side.
func (c *connectionDataStore) delete(ctx context.Context, body *proto.Message) (*proto.Envelope, error) {
	req, err := proto.DataRequestFromMessage(body)
	if err != nil {
		return nil, err
	}
	if _, ok := c.server.source.FindCache(req.Cache); !ok {
		return nil, nil
	}
	return nil, c.server.source.ReleaseCaches(ctx, req.Cache.ViewName, req.Cache.SnapshotTimestamp)
}

func (c *connectionDataStore) list(ctx context.Context, body *proto.Message) (*proto.Envelope, error) {
	req, err := proto.DataRequestFromMessage(body)
	if err != nil {
		return nil, err
	}
	store, err := c.store(ctx, req)
	if err != nil {
		return nil, err
	}
	lr := store.List(ctx)
	defer lr.Close()
	var ids []proto.Identifier
	for {
		id, data, err := lr.ReadNext()
		if err != nil {
			return nil, err
		}
		if data == nil {
			break
		}
		ids = append(ids, id)
	}
	return proto.NewEnvelope(proto.KindDataListReply, proto.AddIdentifiers(proto.NewMessage(), ids)), nil
}

func (c *connectionDataStore) streamBegin(ctx context.Context, body *proto.Message) (*proto.Envelope, error) {
	req, err := proto.DataRequestFromMessage(body)
	if err != nil {
		return nil, err
	}
	c.lock.Lock()
	defer c.lock.Unlock()
	if c.destroyed {
		return nil, apierrors.ErrConnectionLost
	}
	if c.stream != nil {
		trace.SpanFromContextSafe(ctx).Warnf("connection[%s] abandons streamed write to %s with %d values",
			c.connID, c.stream.request.Cache, len(c.stream.values))
	}
	c.stream = &streamedWrite{request: req, values: make(map[proto.Identifier][]byte)}
	return nil, nil
}

func (c *connectionDataStore) streamChunk(ctx context.Context, body *proto.Message) (*proto.Envelope, error) {
	values, err := proto.GetValues(body)
	if err != nil {
		return nil, err
	}
	c.lock.Lock()
	defer c.lock.Unlock()
	if c.stream == nil {
		return nil, apierrors.ErrUnexpectedMessage
	}
	for id, data := range values {
		c.stream.values[id] = data
	}
	return nil, nil
}

func (c *connectionDataStore) streamCommit(ctx context.Context, body *proto.Message) (*proto.Envelope, error) {
	c.lock.Lock()
	stream := c.stream
	c.stream = nil
	c.lock.Unlock()
	if stream == nil {
		return nil, apierrors.ErrUnexpectedMessage
	}
	store, err := c.store(ctx, stream.request)
	if err != nil {
		return nil, err
	}
	return nil, store.PutAll(ctx, stream.values)
}

// destroy drops an uncommitted streamed write. It may be called more than once.
func (c *connectionDataStore) destroy(ctx context.Context) {
	c.lock.Lock()
	defer c.lock.Unlock()
	if c.destroyed {
		return
	}
	c.destroyed = true
	if c.stream != nil {
		trace.SpanFromContextSafe(ctx).Infof("connection[%s] lost with an open streamed write to %s",
			c.connID, c.stream.request.Cache)
		c.stream = nil
	}
}
