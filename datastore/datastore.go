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

	"github.com/cubefs/calcgrid/proto"
)

// BinaryDataStore holds the payloads of one cache instance keyed by identifier.
// A nil payload means absent; stored payloads are never nil. Returned slices must
// not be modified by the caller.
type BinaryDataStore interface {
	Put(ctx context.Context, id proto.Identifier, data []byte) error
	PutAll(ctx context.Context, values map[proto.Identifier][]byte) error
	Get(ctx context.Context, id proto.Identifier) ([]byte, error)
	// GetAll omits absent identifiers from the result.
	GetAll(ctx context.Context, ids []proto.Identifier) (map[proto.Identifier][]byte, error)
	List(ctx context.Context) ListReader
	// Delete releases all storage of the instance. It may be called more than once.
	Delete(ctx context.Context) error
}

// ListReader is a one-shot iteration over a store, data is nil at the end.
type ListReader interface {
	ReadNext() (id proto.Identifier, data []byte, err error)
	Close()
}

// Factory creates one store per cache key.
type Factory interface {
	CreateDataStore(ctx context.Context, key proto.CacheKey) (BinaryDataStore, error)
}

const (
	TypeMemory  = "memory"
	TypeRocksdb = "rocksdb"
	TypeBadger  = "badger"
)

func copyData(data []byte) []byte {
	v := make([]byte, len(data))
	copy(v, data)
	return v
}

type errListReader struct {
	err error
}

func (r errListReader) ReadNext() (proto.Identifier, []byte, error) {
	return 0, nil, r.err
}

func (r errListReader) Close() {}
