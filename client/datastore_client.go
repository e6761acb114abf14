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
package client

import (
	"context"
	"sync"

	"github.com/cubefs/calcgrid/datastore"
	apierrors "github.com/cubefs/calcgrid/errors"
	"github.com/cubefs/calcgrid/proto"
)

type remoteDataStoreFactory struct {
	conn            Caller
	shared          bool
	streamThreshold int
	pageSize        int
	// streamed writes are connection scoped, one at a time
	streamLock *sync.Mutex
}

// NewRemoteDataStoreFactory returns a factory of stores living in the caches of
// a cache server, addressing their shared or private store.
func NewRemoteDataStoreFactory(conn Caller, shared bool, cfg *TransportConfig) datastore.Factory {
	return newRemoteDataStoreFactory(conn, shared, cfg, &sync.Mutex{})
}

func newRemoteDataStoreFactory(conn Caller, shared bool, cfg *TransportConfig, streamLock *sync.Mutex) datastore.Factory {
	if cfg == nil {
		cfg = &TransportConfig{}
	}
	initConfig(cfg)
	return &remoteDataStoreFactory{
		conn:            conn,
		shared:          shared,
		streamThreshold: cfg.StreamThreshold,
		pageSize:        cfg.ListPageSize,
		streamLock:      streamLock,
	}
}

func (f *remoteDataStoreFactory) CreateDataStore(ctx context.Context, key proto.CacheKey) (datastore.BinaryDataStore, error) {
	return &RemoteDataStore{
		conn:            f.conn,
		request:         proto.DataRequest{Cache: key, Shared: f.shared},
		streamThreshold: f.streamThreshold,
		pageSize:        f.pageSize,
		streamLock:      f.streamLock,
	}, nil
}

// RemoteDataStore is a BinaryDataStore whose content lives on a cache server.
type RemoteDataStore struct {
	conn            Caller
	request         proto.DataRequest
	streamThreshold int
	pageSize        int
	streamLock      *sync.Mutex
}

func (s *RemoteDataStore) body() *proto.Message {
	return s.request.ToMessage()
}

func (s *RemoteDataStore) call(ctx context.Context, kind proto.Kind, body *proto.Message, expect proto.Kind) (*proto.Envelope, error) {
	reply, err := s.conn.Call(ctx, proto.NewEnvelope(kind, body))
	if err != nil {
		return nil, err
	}
	if reply.Kind != expect {
		return nil, apierrors.ErrUnexpectedMessage
	}
	return reply, nil
}

func (s *RemoteDataStore) Put(ctx context.Context, id proto.Identifier, data []byte) error {
	return s.PutAll(ctx, map[proto.Identifier][]byte{id: data})
}

// PutAll sends one request, or a streamed write in chunks above the stream threshold.
func (s *RemoteDataStore) PutAll(ctx context.Context, values map[proto.Identifier][]byte) error {
	for _, data := range values {
		if data == nil {
			return apierrors.ErrInvalidData
		}
	}
	if len(values) <= s.streamThreshold {
		_, err := s.call(ctx, proto.KindDataPut, proto.AddValues(s.body(), values), proto.KindAck)
		return err
	}

	s.streamLock.Lock()
	defer s.streamLock.Unlock()
	if err := s.conn.Send(ctx, proto.NewEnvelope(proto.KindDataStreamBegin, s.body())); err != nil {
		return err
	}
	chunk := make(map[proto.Identifier][]byte, s.streamThreshold)
	for id, data := range values {
		chunk[id] = data
		if len(chunk) == s.streamThreshold {
			if err := s.conn.Send(ctx, proto.NewEnvelope(proto.KindDataStreamChunk, proto.AddValues(proto.NewMessage(), chunk))); err != nil {
				return err
			}
			chunk = make(map[proto.Identifier][]byte, s.streamThreshold)
		}
	}
	if len(chunk) > 0 {
		if err := s.conn.Send(ctx, proto.NewEnvelope(proto.KindDataStreamChunk, proto.AddValues(proto.NewMessage(), chunk))); err != nil {
			return err
		}
	}
	_, err := s.call(ctx, proto.KindDataStreamCommit, nil, proto.KindAck)
	return err
}

func (s *RemoteDataStore) Get(ctx context.Context, id proto.Identifier) ([]byte, error) {
	values, err := s.GetAll(ctx, []proto.Identifier{id})
	if err != nil {
		return nil, err
	}
	return values[id], nil
}

func (s *RemoteDataStore) GetAll(ctx context.Context, ids []proto.Identifier) (map[proto.Identifier][]byte, error) {
	if len(ids) == 0 {
		return map[proto.Identifier][]byte{}, nil
	}
	reply, err := s.call(ctx, proto.KindDataGet, proto.AddIdentifiers(s.body(), ids), proto.KindDataGetReply)
	if err != nil {
		return nil, err
	}
	return proto.GetValues(reply.Body)
}

// List fetches the identifiers first, values are fetched a page at a time as the
// reader advances. Values deleted in between are skipped.
func (s *RemoteDataStore) List(ctx context.Context) datastore.ListReader {
	reply, err := s.call(ctx, proto.KindDataList, s.body(), proto.KindDataListReply)
	if err != nil {
		return &remoteListReader{err: err}
	}
	return &remoteListReader{ctx: ctx, store: s, ids: proto.GetIdentifiers(reply.Body)}
}

func (s *RemoteDataStore) Delete(ctx context.Context) error {
	_, err := s.call(ctx, proto.KindDataDelete, s.body(), proto.KindAck)
	return err
}

type remoteListReader struct {
	ctx   context.Context
	store *RemoteDataStore
	ids   []proto.Identifier
	page  []proto.Identifier
	data  map[proto.Identifier][]byte
	err   error
}

func (r *remoteListReader) ReadNext() (proto.Identifier, []byte, error) {
	if r.err != nil {
		return 0, nil, r.err
	}
	for {
		for len(r.page) > 0 {
			id := r.page[0]
			r.page = r.page[1:]
			if data, ok := r.data[id]; ok {
				return id, data, nil
			}
		}
		if len(r.ids) == 0 {
			return 0, nil, nil
		}
		n := r.store.pageSize
		if n > len(r.ids) {
			n = len(r.ids)
		}
		r.page, r.ids = r.ids[:n], r.ids[n:]
		if r.data, r.err = r.store.GetAll(r.ctx, r.page); r.err != nil {
			return 0, nil, r.err
		}
	}
}

func (r *remoteListReader) Close() {
	r.ids, r.page, r.data = nil, nil, nil
}
