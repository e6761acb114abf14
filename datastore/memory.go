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
	"sort"
	"sync"

	apierrors "github.com/cubefs/calcgrid/errors"
	"github.com/cubefs/calcgrid/proto"
)

type memoryFactory struct{}

func NewInMemoryFactory() Factory {
	return memoryFactory{}
}

func (memoryFactory) CreateDataStore(ctx context.Context, key proto.CacheKey) (BinaryDataStore, error) {
	return NewInMemoryDataStore(), nil
}

type memoryStore struct {
	lock sync.RWMutex
	data map[proto.Identifier][]byte
}

func NewInMemoryDataStore() BinaryDataStore {
	return &memoryStore{data: make(map[proto.Identifier][]byte)}
}

func (s *memoryStore) Put(ctx context.Context, id proto.Identifier, data []byte) error {
	if data == nil {
		return apierrors.ErrInvalidData
	}
	v := copyData(data)
	s.lock.Lock()
	s.data[id] = v
	s.lock.Unlock()
	return nil
}

func (s *memoryStore) PutAll(ctx context.Context, values map[proto.Identifier][]byte) error {
	for _, data := range values {
		if data == nil {
			return apierrors.ErrInvalidData
		}
	}
	s.lock.Lock()
	for id, data := range values {
		s.data[id] = copyData(data)
	}
	s.lock.Unlock()
	return nil
}

func (s *memoryStore) Get(ctx context.Context, id proto.Identifier) ([]byte, error) {
	s.lock.RLock()
	data, ok := s.data[id]
	s.lock.RUnlock()
	if !ok {
		return nil, nil
	}
	return copyData(data), nil
}

func (s *memoryStore) GetAll(ctx context.Context, ids []proto.Identifier) (map[proto.Identifier][]byte, error) {
	ret := make(map[proto.Identifier][]byte, len(ids))
	s.lock.RLock()
	for _, id := range ids {
		if data, ok := s.data[id]; ok {
			ret[id] = copyData(data)
		}
	}
	s.lock.RUnlock()
	return ret, nil
}

// List snapshots the identifiers, payloads are read as the reader advances.
func (s *memoryStore) List(ctx context.Context) ListReader {
	s.lock.RLock()
	ids := make([]proto.Identifier, 0, len(s.data))
	for id := range s.data {
		ids = append(ids, id)
	}
	s.lock.RUnlock()
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return &memoryListReader{store: s, ids: ids}
}

func (s *memoryStore) Delete(ctx context.Context) error {
	s.lock.Lock()
	s.data = make(map[proto.Identifier][]byte)
	s.lock.Unlock()
	return nil
}

type memoryListReader struct {
	store *memoryStore
	ids   []proto.Identifier
}

func (r *memoryListReader) ReadNext() (proto.Identifier, []byte, error) {
	for len(r.ids) > 0 {
		id := r.ids[0]
		r.ids = r.ids[1:]
		if data, _ := r.store.Get(context.Background(), id); data != nil {
			return id, data, nil
		}
	}
	return 0, nil, nil
}

func (r *memoryListReader) Close() {
	r.ids = nil
}
