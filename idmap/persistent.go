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

	"github.com/cubefs/cubefs/blobstore/common/trace"
	"github.com/cubefs/cubefs/blobstore/util/errors"

	"github.com/cubefs/calcgrid/common/kvstore"
	apierrors "github.com/cubefs/calcgrid/errors"
	"github.com/cubefs/calcgrid/metrics"
	"github.com/cubefs/calcgrid/proto"
)

type Config struct {
	Path     string         `json:"path"`
	KVOption kvstore.Option `json:"kv_option"`
}

// PersistentIdentifierMap keeps every pair in the kv store. Reads are served from
// in-memory caches once seen; allocation is serialized and written with a synced batch.
type PersistentIdentifierMap struct {
	store     *storage
	ownsStore bool

	// proto.ValueKey -> proto.Identifier
	ids sync.Map
	// proto.Identifier -> proto.ValueKey
	keys sync.Map

	lock      sync.Mutex
	highWater proto.Identifier
}

// OpenPersistentIdentifierMap opens a dedicated kv store at cfg.Path.
func OpenPersistentIdentifierMap(ctx context.Context, cfg *Config) (*PersistentIdentifierMap, error) {
	opt := cfg.KVOption
	opt.CreateIfMissing = true
	kvStore, err := kvstore.NewKVStore(ctx, cfg.Path, kvstore.RocksdbLsmKVType, &opt)
	if err != nil {
		return nil, errors.Info(err, "open identifier map store failed").Detail(err)
	}
	m, err := NewPersistentIdentifierMap(ctx, kvStore)
	if err != nil {
		kvStore.Close()
		return nil, err
	}
	m.ownsStore = true
	return m, nil
}

// NewPersistentIdentifierMap loads the map from a kv store shared with other components.
// ErrIdentifierRegressed means a persisted identifier lies above the high water mark.
func NewPersistentIdentifierMap(ctx context.Context, kvStore kvstore.Store) (*PersistentIdentifierMap, error) {
	span := trace.SpanFromContextSafe(ctx)

	st, err := newStorage(kvStore)
	if err != nil {
		return nil, errors.Info(err, "create identifier map columns failed").Detail(err)
	}
	highWater, err := st.GetHighWater(ctx)
	if err != nil {
		return nil, errors.Info(err, "load high water mark failed").Detail(err)
	}
	last, err := st.GetLastIdentifier(ctx)
	if err != nil {
		return nil, errors.Info(err, "load last identifier failed").Detail(err)
	}
	if last > highWater {
		span.Errorf("persisted identifier %d above high water mark %d", last, highWater)
		return nil, apierrors.ErrIdentifierRegressed
	}

	span.Infof("identifier map loaded, high water mark %d", highWater)
	return &PersistentIdentifierMap{
		store:     st,
		highWater: highWater,
	}, nil
}

func (m *PersistentIdentifierMap) GetIdentifier(ctx context.Context, key proto.ValueKey) (proto.Identifier, error) {
	if v, ok := m.ids.Load(key); ok {
		return v.(proto.Identifier), nil
	}

	id, found, err := m.store.GetIdentifier(ctx, key)
	if err != nil {
		return 0, errors.Info(err, "get identifier failed").Detail(err)
	}
	if found {
		m.cache(key, id)
		return id, nil
	}

	m.lock.Lock()
	defer m.lock.Unlock()
	// allocated by a concurrent caller while waiting for the lock
	if v, ok := m.ids.Load(key); ok {
		return v.(proto.Identifier), nil
	}

	id = m.highWater + 1
	if err = m.store.Put(ctx, key, id); err != nil {
		return 0, errors.Info(err, "persist identifier failed").Detail(err)
	}
	m.highWater = id
	m.cache(key, id)
	metrics.IdentifierAllocations.WithLabelValues("persistent").Inc()
	return id, nil
}

func (m *PersistentIdentifierMap) GetIdentifiers(ctx context.Context, keys []proto.ValueKey) (map[proto.ValueKey]proto.Identifier, error) {
	return getIdentifiers(ctx, m, keys)
}

func (m *PersistentIdentifierMap) GetValueKey(ctx context.Context, id proto.Identifier) (proto.ValueKey, error) {
	if v, ok := m.keys.Load(id); ok {
		return v.(proto.ValueKey), nil
	}

	key, found, err := m.store.GetValueKey(ctx, id)
	if err != nil {
		return proto.ValueKey{}, errors.Info(err, "get value key failed").Detail(err)
	}
	if !found {
		span := trace.SpanFromContextSafe(ctx)
		span.Errorf("lookup of identifier %d which was never allocated", id)
		return proto.ValueKey{}, apierrors.ErrIdentifierNotFound
	}
	m.cache(key, id)
	return key, nil
}

func (m *PersistentIdentifierMap) GetValueKeys(ctx context.Context, ids []proto.Identifier) (map[proto.Identifier]proto.ValueKey, error) {
	return getValueKeys(ctx, m, ids)
}

// HighWater returns the last allocated identifier.
func (m *PersistentIdentifierMap) HighWater() proto.Identifier {
	m.lock.Lock()
	defer m.lock.Unlock()
	return m.highWater
}

// Close flushes the identifier map, the kv store is closed only when the map opened it.
func (m *PersistentIdentifierMap) Close() {
	if err := m.store.Flush(context.Background()); err != nil {
		span, _ := trace.StartSpanFromContext(context.Background(), "")
		span.Warnf("flush identifier map failed: %s", err)
	}
	if m.ownsStore {
		m.store.kvStore.Close()
	}
}

func (m *PersistentIdentifierMap) cache(key proto.ValueKey, id proto.Identifier) {
	m.ids.Store(key, id)
	m.keys.Store(id, key)
}
