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
package cache

import (
	"context"
	"sync/atomic"

	"github.com/cubefs/cubefs/blobstore/common/trace"
	"github.com/cubefs/cubefs/blobstore/util/errors"

	"github.com/cubefs/calcgrid/datastore"
	"github.com/cubefs/calcgrid/idmap"
	"github.com/cubefs/calcgrid/metrics"
	"github.com/cubefs/calcgrid/proto"
)

const (
	lookupPrivate = "private"
	lookupShared  = "shared"
	lookupLoader  = "loader"
	lookupMiss    = "miss"
)

// ViewComputationCache stores the values of one (view, calculation configuration,
// snapshot) triple in a private and a shared store, keyed through an identifier map.
// When both stores are the same handle the cache operates on a single store.
type ViewComputationCache struct {
	key     proto.CacheKey
	idMap   idmap.IdentifierMap
	private datastore.BinaryDataStore
	shared  datastore.BinaryDataStore
	aliased bool

	loader atomic.Value
}

type loaderHolder struct {
	loader MissingValueLoader
}

func NewViewComputationCache(key proto.CacheKey, idMap idmap.IdentifierMap, private, shared datastore.BinaryDataStore) *ViewComputationCache {
	return &ViewComputationCache{
		key:     key,
		idMap:   idMap,
		private: private,
		shared:  shared,
		aliased: private == shared,
	}
}

func (c *ViewComputationCache) Key() proto.CacheKey {
	return c.key
}

func (c *ViewComputationCache) IdentifierMap() idmap.IdentifierMap {
	return c.idMap
}

func (c *ViewComputationCache) PrivateDataStore() datastore.BinaryDataStore {
	return c.private
}

func (c *ViewComputationCache) SharedDataStore() datastore.BinaryDataStore {
	return c.shared
}

func (c *ViewComputationCache) SetMissingValueLoader(loader MissingValueLoader) {
	c.loader.Store(loaderHolder{loader: loader})
}

func (c *ViewComputationCache) missingValueLoader() MissingValueLoader {
	h, _ := c.loader.Load().(loaderHolder)
	return h.loader
}

// GetValue looks in the private store, then the shared store, then asks the
// missing value loader. A nil result means the value is absent everywhere.
func (c *ViewComputationCache) GetValue(ctx context.Context, key proto.ValueKey) ([]byte, error) {
	id, err := c.idMap.GetIdentifier(ctx, key)
	if err != nil {
		return nil, err
	}
	data, err := c.private.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if data != nil {
		metrics.CacheLookups.WithLabelValues(lookupPrivate).Inc()
		return data, nil
	}
	if !c.aliased {
		if data, err = c.shared.Get(ctx, id); err != nil {
			return nil, err
		}
		if data != nil {
			metrics.CacheLookups.WithLabelValues(lookupShared).Inc()
			return data, nil
		}
	}
	return c.loadMissing(ctx, id)
}

// GetValueWithHint looks only in the store the hint selects for key.
func (c *ViewComputationCache) GetValueWithHint(ctx context.Context, key proto.ValueKey, hint *CacheSelectHint) ([]byte, error) {
	if hint == nil {
		return c.GetValue(ctx, key)
	}
	id, err := c.idMap.GetIdentifier(ctx, key)
	if err != nil {
		return nil, err
	}
	store, label := c.selectStore(hint.IsPrivate(key))
	data, err := store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if data != nil {
		metrics.CacheLookups.WithLabelValues(label).Inc()
		return data, nil
	}
	return c.loadMissing(ctx, id)
}

// GetValues returns the values found for keys, absent keys are omitted. Without a
// hint the shared store is only consulted for keys missing from the private one.
func (c *ViewComputationCache) GetValues(ctx context.Context, keys []proto.ValueKey, hint *CacheSelectHint) (map[proto.ValueKey][]byte, error) {
	ids, err := c.idMap.GetIdentifiers(ctx, keys)
	if err != nil {
		return nil, err
	}

	raw := make(map[proto.Identifier][]byte, len(ids))
	if hint == nil {
		all := make([]proto.Identifier, 0, len(ids))
		for _, id := range ids {
			all = append(all, id)
		}
		if err = c.getAll(ctx, c.private, lookupPrivate, all, raw); err != nil {
			return nil, err
		}
		if !c.aliased && len(raw) < len(all) {
			if err = c.getAll(ctx, c.shared, lookupShared, missingIDs(all, raw), raw); err != nil {
				return nil, err
			}
		}
	} else {
		var privateIDs, sharedIDs []proto.Identifier
		for key, id := range ids {
			if hint.IsPrivate(key) {
				privateIDs = append(privateIDs, id)
			} else {
				sharedIDs = append(sharedIDs, id)
			}
		}
		if err = c.getAll(ctx, c.private, lookupPrivate, privateIDs, raw); err != nil {
			return nil, err
		}
		if err = c.getAll(ctx, c.shared, lookupShared, sharedIDs, raw); err != nil {
			return nil, err
		}
	}

	if loader := c.missingValueLoader(); loader != nil && len(raw) < len(ids) {
		all := make([]proto.Identifier, 0, len(ids))
		for _, id := range ids {
			all = append(all, id)
		}
		missing := missingIDs(all, raw)
		found, err := loader.FindMissingValues(ctx, c.key, missing)
		if err != nil {
			return nil, errors.Info(err, "find missing values failed").Detail(err)
		}
		for id, data := range found {
			if data != nil {
				raw[id] = data
			}
		}
		metrics.CacheLookups.WithLabelValues(lookupLoader).Add(float64(len(found)))
	}

	ret := make(map[proto.ValueKey][]byte, len(raw))
	for key, id := range ids {
		if data, ok := raw[id]; ok {
			ret[key] = data
		}
	}
	metrics.CacheLookups.WithLabelValues(lookupMiss).Add(float64(len(ids) - len(ret)))
	return ret, nil
}

func (c *ViewComputationCache) PutPrivateValue(ctx context.Context, v proto.ComputedValue) error {
	return c.putValue(ctx, v, c.private)
}

func (c *ViewComputationCache) PutSharedValue(ctx context.Context, v proto.ComputedValue) error {
	return c.putValue(ctx, v, c.shared)
}

func (c *ViewComputationCache) PutValue(ctx context.Context, v proto.ComputedValue, hint *CacheSelectHint) error {
	if hint == nil || hint.IsPrivate(v.Key) {
		return c.PutPrivateValue(ctx, v)
	}
	return c.PutSharedValue(ctx, v)
}

// PutValues splits values by hint and writes each store with one batch. A nil
// hint writes everything to the private store.
func (c *ViewComputationCache) PutValues(ctx context.Context, values []proto.ComputedValue, hint *CacheSelectHint) error {
	if len(values) == 0 {
		return nil
	}
	keys := make([]proto.ValueKey, len(values))
	for i := range values {
		keys[i] = values[i].Key
	}
	ids, err := c.idMap.GetIdentifiers(ctx, keys)
	if err != nil {
		return err
	}

	privateValues := make(map[proto.Identifier][]byte)
	sharedValues := make(map[proto.Identifier][]byte)
	for _, v := range values {
		if hint == nil || hint.IsPrivate(v.Key) || c.aliased {
			privateValues[ids[v.Key]] = v.Data
		} else {
			sharedValues[ids[v.Key]] = v.Data
		}
	}
	if len(privateValues) > 0 {
		if err = c.private.PutAll(ctx, privateValues); err != nil {
			return err
		}
	}
	if len(sharedValues) > 0 {
		if err = c.shared.PutAll(ctx, sharedValues); err != nil {
			return err
		}
	}
	return nil
}

// Delete releases the storage of both stores.
func (c *ViewComputationCache) Delete(ctx context.Context) error {
	span := trace.SpanFromContextSafe(ctx)
	if err := c.private.Delete(ctx); err != nil {
		span.Warnf("delete private store of cache[%s] failed: %s", c.key, errors.Detail(err))
		return err
	}
	if !c.aliased {
		if err := c.shared.Delete(ctx); err != nil {
			span.Warnf("delete shared store of cache[%s] failed: %s", c.key, errors.Detail(err))
			return err
		}
	}
	return nil
}

// Iterator returns a one-shot iteration over the private then the shared store.
func (c *ViewComputationCache) Iterator(ctx context.Context) *Iterator {
	stores := []datastore.BinaryDataStore{c.private}
	if !c.aliased {
		stores = append(stores, c.shared)
	}
	return &Iterator{ctx: ctx, idMap: c.idMap, stores: stores}
}

func (c *ViewComputationCache) putValue(ctx context.Context, v proto.ComputedValue, store datastore.BinaryDataStore) error {
	id, err := c.idMap.GetIdentifier(ctx, v.Key)
	if err != nil {
		return err
	}
	return store.Put(ctx, id, v.Data)
}

func (c *ViewComputationCache) selectStore(private bool) (datastore.BinaryDataStore, string) {
	if private {
		return c.private, lookupPrivate
	}
	return c.shared, lookupShared
}

func (c *ViewComputationCache) getAll(ctx context.Context, store datastore.BinaryDataStore, label string,
	ids []proto.Identifier, into map[proto.Identifier][]byte,
) error {
	switch len(ids) {
	case 0:
		return nil
	case 1:
		data, err := store.Get(ctx, ids[0])
		if err != nil {
			return err
		}
		if data != nil {
			into[ids[0]] = data
			metrics.CacheLookups.WithLabelValues(label).Inc()
		}
		return nil
	}
	found, err := store.GetAll(ctx, ids)
	if err != nil {
		return err
	}
	for id, data := range found {
		into[id] = data
	}
	metrics.CacheLookups.WithLabelValues(label).Add(float64(len(found)))
	return nil
}

func (c *ViewComputationCache) loadMissing(ctx context.Context, id proto.Identifier) ([]byte, error) {
	loader := c.missingValueLoader()
	if loader == nil {
		metrics.CacheLookups.WithLabelValues(lookupMiss).Inc()
		return nil, nil
	}
	data, err := loader.FindMissingValue(ctx, c.key, id)
	if err != nil {
		return nil, errors.Info(err, "find missing value failed", id).Detail(err)
	}
	if data == nil {
		metrics.CacheLookups.WithLabelValues(lookupMiss).Inc()
		return nil, nil
	}
	metrics.CacheLookups.WithLabelValues(lookupLoader).Inc()
	return data, nil
}

func missingIDs(ids []proto.Identifier, found map[proto.Identifier][]byte) []proto.Identifier {
	ret := make([]proto.Identifier, 0, len(ids)-len(found))
	for _, id := range ids {
		if _, ok := found[id]; !ok {
			ret = append(ret, id)
		}
	}
	return ret
}
