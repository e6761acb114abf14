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

package datastore

import (
	"context"
	"encoding/binary"
	"strings"

	"github.com/cubefs/cubefs/blobstore/common/trace"
	"github.com/cubefs/cubefs/blobstore/util/errors"

	"github.com/cubefs/calcgrid/common/kvstore"
	apierrors "github.com/cubefs/calcgrid/errors"
	"github.com/cubefs/calcgrid/proto"
)

const cfPrefix = "cache-"

type rocksdbFactory struct {
	kvStore kvstore.Store
}

// NewRocksdbFactory returns a factory keeping every cache instance in its own column family.
// Cache columns left by a previous process are dropped, no cache group refers to them anymore.
func NewRocksdbFactory(kvStore kvstore.Store) Factory {
	span, _ := trace.StartSpanFromContext(context.Background(), "")
	for _, col := range kvStore.GetAllColumns() {
		if !strings.HasPrefix(string(col), cfPrefix) {
			continue
		}
		if err := kvStore.DropColumn(col); err != nil {
			span.Warnf("drop stale cache column %s failed: %s", col, err)
		}
	}
	return &rocksdbFactory{kvStore: kvStore}
}

func (f *rocksdbFactory) CreateDataStore(ctx context.Context, key proto.CacheKey) (BinaryDataStore, error) {
	col := kvstore.CF(cfPrefix + key.StoreName())
	if !f.kvStore.CheckColumns(col) {
		if err := f.kvStore.CreateColumn(col); err != nil {
			return nil, errors.Info(err, "create column family failed", col).Detail(err)
		}
	}
	return &rocksdbStore{kvStore: f.kvStore, col: col}, nil
}

type rocksdbStore struct {
	kvStore kvstore.Store
	col     kvstore.CF
}

func (s *rocksdbStore) Put(ctx context.Context, id proto.Identifier, data []byte) error {
	if data == nil {
		return apierrors.ErrInvalidData
	}
	return s.kvStore.SetRaw(ctx, s.col, encodeID(id), data, nil)
}

func (s *rocksdbStore) PutAll(ctx context.Context, values map[proto.Identifier][]byte) error {
	batch := s.kvStore.NewWriteBatch()
	defer batch.Close()
	for id, data := range values {
		if data == nil {
			return apierrors.ErrInvalidData
		}
		batch.Put(s.col, encodeID(id), data)
	}
	return s.kvStore.Write(ctx, batch, nil)
}

func (s *rocksdbStore) Get(ctx context.Context, id proto.Identifier) ([]byte, error) {
	data, err := s.kvStore.GetRaw(ctx, s.col, encodeID(id))
	if err == kvstore.ErrNotFound {
		return nil, nil
	}
	return data, err
}

func (s *rocksdbStore) GetAll(ctx context.Context, ids []proto.Identifier) (map[proto.Identifier][]byte, error) {
	ret := make(map[proto.Identifier][]byte, len(ids))
	for _, id := range ids {
		data, err := s.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if data != nil {
			ret[id] = data
		}
	}
	return ret, nil
}

func (s *rocksdbStore) List(ctx context.Context) ListReader {
	lr := s.kvStore.List(ctx, s.col, nil, nil)
	if lr == nil {
		return errListReader{err: kvstore.ErrColumnNotFound}
	}
	return &rocksdbListReader{lr: lr}
}

func (s *rocksdbStore) Delete(ctx context.Context) error {
	return s.kvStore.DropColumn(s.col)
}

type rocksdbListReader struct {
	lr kvstore.ListReader
}

func (r *rocksdbListReader) ReadNext() (proto.Identifier, []byte, error) {
	key, value, err := r.lr.ReadNextCopy()
	if err != nil || key == nil {
		return 0, nil, err
	}
	return decodeID(key), value, nil
}

func (r *rocksdbListReader) Close() {
	r.lr.Close()
}

func encodeID(id proto.Identifier) []byte {
	v := make([]byte, 8)
	binary.BigEndian.PutUint64(v, uint64(id))
	return v
}

func decodeID(raw []byte) proto.Identifier {
	return proto.Identifier(binary.BigEndian.Uint64(raw))
}
