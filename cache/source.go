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
	"sync"
	"sync/atomic"

	"github.com/cubefs/cubefs/blobstore/common/trace"
	"github.com/cubefs/cubefs/blobstore/util/errors"

	"github.com/cubefs/calcgrid/datastore"
	apierrors "github.com/cubefs/calcgrid/errors"
	"github.com/cubefs/calcgrid/idmap"
	"github.com/cubefs/calcgrid/metrics"
	"github.com/cubefs/calcgrid/proto"
)

type releaseKey struct {
	viewName  string
	timestamp int64
}

// Source owns the live caches. There is at most one cache per cache key and
// caches are released per (view, snapshot timestamp) group.
type Source struct {
	idMap          idmap.IdentifierMap
	privateFactory datastore.Factory
	sharedFactory  datastore.Factory
	aliased        bool

	caches sync.Map
	groups map[releaseKey][]proto.CacheKey
	lock   sync.Mutex

	loader   atomic.Value
	callback atomic.Value
}

// NewSource builds caches whose private and shared stores are one handle.
func NewSource(idMap idmap.IdentifierMap, factory datastore.Factory) *Source {
	s := NewSourceWithFactories(idMap, factory, factory)
	s.aliased = true
	return s
}

func NewSourceWithFactories(idMap idmap.IdentifierMap, private, shared datastore.Factory) *Source {
	return &Source{
		idMap:          idMap,
		privateFactory: private,
		sharedFactory:  shared,
		groups:         make(map[releaseKey][]proto.CacheKey),
	}
}

func (s *Source) IdentifierMap() idmap.IdentifierMap {
	return s.idMap
}

// SetMissingValueLoader installs loader on every cache constructed afterwards.
func (s *Source) SetMissingValueLoader(loader MissingValueLoader) {
	s.loader.Store(loaderHolder{loader: loader})
}

func (s *Source) SetReleaseCachesCallback(callback ReleaseCachesCallback) {
	s.callback.Store(callbackHolder{callback: callback})
}

type callbackHolder struct {
	callback ReleaseCachesCallback
}

func (s *Source) GetCache(ctx context.Context, viewName, calcConfigName string, timestamp int64) (*ViewComputationCache, error) {
	return s.GetCacheByKey(ctx, proto.NewCacheKey(viewName, calcConfigName, timestamp))
}

func (s *Source) GetCacheByKey(ctx context.Context, key proto.CacheKey) (*ViewComputationCache, error) {
	if c, ok := s.FindCache(key); ok {
		return c, nil
	}
	return s.constructCache(ctx, key)
}

func (s *Source) FindCache(key proto.CacheKey) (*ViewComputationCache, bool) {
	v, ok := s.caches.Load(key)
	if !ok {
		return nil, false
	}
	return v.(*ViewComputationCache), true
}

func (s *Source) constructCache(ctx context.Context, key proto.CacheKey) (*ViewComputationCache, error) {
	span := trace.SpanFromContextSafe(ctx)

	s.lock.Lock()
	defer s.lock.Unlock()
	if v, ok := s.caches.Load(key); ok {
		return v.(*ViewComputationCache), nil
	}

	private, err := s.privateFactory.CreateDataStore(ctx, key)
	if err != nil {
		span.Errorf("create private data store of cache[%s] failed: %s", key, errors.Detail(err))
		return nil, err
	}
	shared := private
	if !s.aliased {
		if shared, err = s.sharedFactory.CreateDataStore(ctx, key); err != nil {
			span.Errorf("create shared data store of cache[%s] failed: %s", key, errors.Detail(err))
			if dErr := private.Delete(ctx); dErr != nil {
				span.Warnf("delete private data store of cache[%s] failed: %s", key, dErr)
			}
			return nil, err
		}
	}

	c := NewViewComputationCache(key, s.idMap, private, shared)
	if h, _ := s.loader.Load().(loaderHolder); h.loader != nil {
		c.SetMissingValueLoader(h.loader)
	}
	group := releaseKey{viewName: key.ViewName, timestamp: key.SnapshotTimestamp}
	s.groups[group] = append(s.groups[group], key)
	s.caches.Store(key, c)
	metrics.LiveCaches.Inc()
	span.Debugf("cache[%s] constructed", key)
	return c, nil
}

// ReleaseCaches removes every cache of (viewName, timestamp) whatever its calculation
// configuration and deletes their stores. Releasing an unknown group does nothing.
func (s *Source) ReleaseCaches(ctx context.Context, viewName string, timestamp int64) error {
	span := trace.SpanFromContextSafe(ctx)
	if h, _ := s.callback.Load().(callbackHolder); h.callback != nil {
		h.callback.OnReleaseCaches(ctx, viewName, timestamp)
	}

	s.lock.Lock()
	keys, ok := s.groups[releaseKey{viewName: viewName, timestamp: timestamp}]
	if !ok {
		s.lock.Unlock()
		return nil
	}
	delete(s.groups, releaseKey{viewName: viewName, timestamp: timestamp})
	caches := make([]*ViewComputationCache, 0, len(keys))
	for _, key := range keys {
		if v, loaded := s.caches.LoadAndDelete(key); loaded {
			caches = append(caches, v.(*ViewComputationCache))
		}
	}
	s.lock.Unlock()
	metrics.LiveCaches.Sub(float64(len(caches)))

	var firstErr error
	for _, c := range caches {
		if err := c.Delete(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	span.Debugf("released %d caches of view[%s] at %d", len(caches), viewName, timestamp)
	return firstErr
}

// CloneCache copies the visible values of a live cache into a detached in-memory
// cache with its own identifier map. Private values stay private.
func (s *Source) CloneCache(ctx context.Context, key proto.CacheKey) (*ViewComputationCache, error) {
	src, ok := s.FindCache(key)
	if !ok {
		return nil, apierrors.ErrCacheNotFound
	}

	idMap := idmap.NewInMemoryIdentifierMap()
	private := datastore.NewInMemoryDataStore()
	shared := private
	if !src.aliased {
		shared = datastore.NewInMemoryDataStore()
	}

	it := src.Iterator(ctx)
	defer it.Close()
	for {
		valueKey, data, fromShared, err := it.readNext()
		if err != nil {
			return nil, err
		}
		if data == nil {
			break
		}
		id, err := idMap.GetIdentifier(ctx, valueKey)
		if err != nil {
			return nil, err
		}
		store := private
		if fromShared {
			store = shared
		}
		if err = store.Put(ctx, id, data); err != nil {
			return nil, err
		}
	}
	return NewViewComputationCache(key, idMap, private, shared), nil
}
