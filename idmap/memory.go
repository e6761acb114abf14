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

package idmap

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/cespare/xxhash/v2"
	"github.com/cubefs/cubefs/blobstore/common/trace"

	apierrors "github.com/cubefs/calcgrid/errors"
	"github.com/cubefs/calcgrid/metrics"
	"github.com/cubefs/calcgrid/proto"
)

const shardNum = 32

type shard struct {
	lock sync.RWMutex
	ids  map[proto.ValueKey]proto.Identifier
}

// InMemoryIdentifierMap is the non durable identifier map.
type InMemoryIdentifierMap struct {
	shards [shardNum]*shard
	// proto.Identifier -> proto.ValueKey
	keys   sync.Map
	lastID int64
}

func NewInMemoryIdentifierMap() *InMemoryIdentifierMap {
	m := &InMemoryIdentifierMap{}
	for i := range m.shards {
		m.shards[i] = &shard{ids: make(map[proto.ValueKey]proto.Identifier)}
	}
	return m
}

func (m *InMemoryIdentifierMap) getShard(key proto.ValueKey) *shard {
	d := xxhash.New()
	d.WriteString(key.TargetType)
	d.WriteString(key.TargetID)
	d.WriteString(key.ValueName)
	d.WriteString(key.Properties)
	return m.shards[d.Sum64()%shardNum]
}

func (m *InMemoryIdentifierMap) GetIdentifier(ctx context.Context, key proto.ValueKey) (proto.Identifier, error) {
	s := m.getShard(key)
	s.lock.RLock()
	id, ok := s.ids[key]
	s.lock.RUnlock()
	if ok {
		return id, nil
	}

	s.lock.Lock()
	defer s.lock.Unlock()
	if id, ok = s.ids[key]; ok {
		return id, nil
	}
	// registered pairs may already own the next counter value
	for {
		id = proto.Identifier(atomic.AddInt64(&m.lastID, 1))
		if _, loaded := m.keys.LoadOrStore(id, key); !loaded {
			break
		}
	}
	s.ids[key] = id
	metrics.IdentifierAllocations.WithLabelValues("memory").Inc()
	return id, nil
}

func (m *InMemoryIdentifierMap) GetIdentifiers(ctx context.Context, keys []proto.ValueKey) (map[proto.ValueKey]proto.Identifier, error) {
	return getIdentifiers(ctx, m, keys)
}

func (m *InMemoryIdentifierMap) GetValueKey(ctx context.Context, id proto.Identifier) (proto.ValueKey, error) {
	v, ok := m.keys.Load(id)
	if !ok {
		span := trace.SpanFromContextSafe(ctx)
		span.Errorf("lookup of identifier %d which was never allocated", id)
		return proto.ValueKey{}, apierrors.ErrIdentifierNotFound
	}
	return v.(proto.ValueKey), nil
}

func (m *InMemoryIdentifierMap) GetValueKeys(ctx context.Context, ids []proto.Identifier) (map[proto.Identifier]proto.ValueKey, error) {
	return getValueKeys(ctx, m, ids)
}

// Register binds a known pair, allocation continues above the highest registered id.
// A pair conflicting with an existing binding returns ErrDuplicateRegistration.
func (m *InMemoryIdentifierMap) Register(key proto.ValueKey, id proto.Identifier) error {
	s := m.getShard(key)
	s.lock.Lock()
	defer s.lock.Unlock()

	if existing, ok := s.ids[key]; ok {
		if existing == id {
			return nil
		}
		return apierrors.ErrDuplicateRegistration
	}
	if actual, loaded := m.keys.LoadOrStore(id, key); loaded && actual.(proto.ValueKey) != key {
		return apierrors.ErrDuplicateRegistration
	}
	s.ids[key] = id

	for {
		last := atomic.LoadInt64(&m.lastID)
		if int64(id) <= last || atomic.CompareAndSwapInt64(&m.lastID, last, int64(id)) {
			break
		}
	}
	return nil
}

// Lookup returns the identifier of key without allocating one.
func (m *InMemoryIdentifierMap) Lookup(key proto.ValueKey) (proto.Identifier, bool) {
	s := m.getShard(key)
	s.lock.RLock()
	id, ok := s.ids[key]
	s.lock.RUnlock()
	return id, ok
}

// LookupValueKey is GetValueKey without the error log for unknown identifiers.
func (m *InMemoryIdentifierMap) LookupValueKey(id proto.Identifier) (proto.ValueKey, bool) {
	v, ok := m.keys.Load(id)
	if !ok {
		return proto.ValueKey{}, false
	}
	return v.(proto.ValueKey), true
}
