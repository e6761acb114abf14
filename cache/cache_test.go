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
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/cubefs/calcgrid/datastore"
	apierrors "github.com/cubefs/calcgrid/errors"
	"github.com/cubefs/calcgrid/idmap"
	"github.com/cubefs/calcgrid/proto"
)

type countingFactory struct {
	calls   int32
	delay   time.Duration
	fail    error
	created []datastore.BinaryDataStore
	lock    sync.Mutex
}

func (f *countingFactory) CreateDataStore(ctx context.Context, key proto.CacheKey) (datastore.BinaryDataStore, error) {
	atomic.AddInt32(&f.calls, 1)
	time.Sleep(f.delay)
	if f.fail != nil {
		return nil, f.fail
	}
	s := &trackedStore{BinaryDataStore: datastore.NewInMemoryDataStore()}
	f.lock.Lock()
	f.created = append(f.created, s)
	f.lock.Unlock()
	return s, nil
}

type trackedStore struct {
	datastore.BinaryDataStore
	deleted int32
}

func (s *trackedStore) Delete(ctx context.Context) error {
	atomic.AddInt32(&s.deleted, 1)
	return s.BinaryDataStore.Delete(ctx)
}

type mapLoader struct {
	values map[proto.Identifier][]byte
	calls  int32
}

func (l *mapLoader) FindMissingValue(ctx context.Context, key proto.CacheKey, id proto.Identifier) ([]byte, error) {
	atomic.AddInt32(&l.calls, 1)
	return l.values[id], nil
}

func (l *mapLoader) FindMissingValues(ctx context.Context, key proto.CacheKey, ids []proto.Identifier) (map[proto.Identifier][]byte, error) {
	atomic.AddInt32(&l.calls, 1)
	ret := make(map[proto.Identifier][]byte)
	for _, id := range ids {
		if v, ok := l.values[id]; ok {
			ret[id] = v
		}
	}
	return ret, nil
}

type releaseRecorder struct {
	views []string
}

func (r *releaseRecorder) OnReleaseCaches(ctx context.Context, viewName string, timestamp int64) {
	r.views = append(r.views, viewName)
}

func vk(name string) proto.ValueKey {
	return proto.NewValueKey("PRIMITIVE", "T", name, nil)
}

func TestSource_EndToEnd(t *testing.T) {
	ctx := context.TODO()
	source := NewSource(idmap.NewInMemoryIdentifierMap(), datastore.NewInMemoryFactory())

	c, err := source.GetCache(ctx, "V", "C", 100)
	require.NoError(t, err)
	require.NoError(t, c.PutPrivateValue(ctx, proto.ComputedValue{Key: vk("V1"), Data: []byte{9, 9}}))

	same, err := source.GetCache(ctx, "V", "C", 100)
	require.NoError(t, err)
	require.True(t, c == same)
	for i := 0; i < 2; i++ {
		data, err := same.GetValue(ctx, vk("V1"))
		require.NoError(t, err)
		require.Equal(t, []byte{9, 9}, data)
	}

	require.NoError(t, source.ReleaseCaches(ctx, "V", 100))
	_, ok := source.FindCache(proto.NewCacheKey("V", "C", 100))
	require.False(t, ok)

	fresh, err := source.GetCache(ctx, "V", "C", 100)
	require.NoError(t, err)
	require.False(t, c == fresh)
	data, err := fresh.GetValue(ctx, vk("V1"))
	require.NoError(t, err)
	require.Nil(t, data)
}

func TestSource_ReleaseGroup(t *testing.T) {
	ctx := context.TODO()
	source := NewSource(idmap.NewInMemoryIdentifierMap(), datastore.NewInMemoryFactory())
	recorder := &releaseRecorder{}
	source.SetReleaseCachesCallback(recorder)

	// unknown group
	require.NoError(t, source.ReleaseCaches(ctx, "nothing", 1))

	for _, config := range []string{"A", "B"} {
		_, err := source.GetCache(ctx, "V", config, 100)
		require.NoError(t, err)
	}
	_, err := source.GetCache(ctx, "V", "A", 200)
	require.NoError(t, err)

	require.NoError(t, source.ReleaseCaches(ctx, "V", 100))
	require.Equal(t, []string{"nothing", "V"}, recorder.views)
	_, ok := source.FindCache(proto.NewCacheKey("V", "A", 100))
	require.False(t, ok)
	_, ok = source.FindCache(proto.NewCacheKey("V", "B", 100))
	require.False(t, ok)
	_, ok = source.FindCache(proto.NewCacheKey("V", "A", 200))
	require.True(t, ok)
}

func TestSource_SingleConstruction(t *testing.T) {
	ctx := context.TODO()
	private := &countingFactory{delay: 10 * time.Millisecond}
	shared := &countingFactory{}
	source := NewSourceWithFactories(idmap.NewInMemoryIdentifierMap(), private, shared)

	const n = 32
	caches := make([]*ViewComputationCache, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			c, err := source.GetCache(ctx, "V", "C", 1)
			if err != nil {
				panic(err)
			}
			caches[i] = c
		}(i)
	}
	wg.Wait()

	require.Equal(t, int32(1), atomic.LoadInt32(&private.calls))
	require.Equal(t, int32(1), atomic.LoadInt32(&shared.calls))
	for i := 1; i < n; i++ {
		require.True(t, caches[0] == caches[i])
	}

	require.NoError(t, source.ReleaseCaches(ctx, "V", 1))
	require.Equal(t, int32(1), atomic.LoadInt32(&private.created[0].(*trackedStore).deleted))
	require.Equal(t, int32(1), atomic.LoadInt32(&shared.created[0].(*trackedStore).deleted))
}

func TestSource_FactoryError(t *testing.T) {
	ctx := context.TODO()
	private := &countingFactory{}
	shared := &countingFactory{fail: errors.New("disk full")}
	source := NewSourceWithFactories(idmap.NewInMemoryIdentifierMap(), private, shared)

	_, err := source.GetCache(ctx, "V", "C", 1)
	require.Error(t, err)
	_, ok := source.FindCache(proto.NewCacheKey("V", "C", 1))
	require.False(t, ok)
	require.Len(t, private.created, 1)
	require.Equal(t, int32(1), private.created[0].(*trackedStore).deleted)

	// nothing was registered, a later call tries again
	_, err = source.GetCache(ctx, "V", "C", 1)
	require.Error(t, err)
	require.Equal(t, int32(2), atomic.LoadInt32(&shared.calls))
}

func TestSource_Clone(t *testing.T) {
	ctx := context.TODO()
	source := NewSourceWithFactories(idmap.NewInMemoryIdentifierMap(), datastore.NewInMemoryFactory(), datastore.NewInMemoryFactory())
	key := proto.NewCacheKey("V", "C", 1)

	_, err := source.CloneCache(ctx, key)
	require.ErrorIs(t, err, apierrors.ErrCacheNotFound)

	x, err := source.GetCacheByKey(ctx, key)
	require.NoError(t, err)
	require.NoError(t, x.PutPrivateValue(ctx, proto.ComputedValue{Key: vk("p"), Data: []byte{1}}))
	require.NoError(t, x.PutSharedValue(ctx, proto.ComputedValue{Key: vk("s"), Data: []byte{2}}))

	y, err := source.CloneCache(ctx, key)
	require.NoError(t, err)
	require.Equal(t, key, y.Key())
	require.False(t, x.IdentifierMap() == y.IdentifierMap())

	for _, name := range []string{"p", "s"} {
		a, err := x.GetValue(ctx, vk(name))
		require.NoError(t, err)
		b, err := y.GetValue(ctx, vk(name))
		require.NoError(t, err)
		require.Equal(t, a, b)
	}
	data, err := y.GetValueWithHint(ctx, vk("s"), AllShared())
	require.NoError(t, err)
	require.Equal(t, []byte{2}, data)
	data, err = y.GetValueWithHint(ctx, vk("p"), AllShared())
	require.NoError(t, err)
	require.Nil(t, data)

	require.NoError(t, y.PutPrivateValue(ctx, proto.ComputedValue{Key: vk("p"), Data: []byte{100}}))
	require.NoError(t, x.PutPrivateValue(ctx, proto.ComputedValue{Key: vk("new"), Data: []byte{3}}))
	data, err = x.GetValue(ctx, vk("p"))
	require.NoError(t, err)
	require.Equal(t, []byte{1}, data)
	data, err = y.GetValue(ctx, vk("new"))
	require.NoError(t, err)
	require.Nil(t, data)
}

func TestCache_Hint(t *testing.T) {
	ctx := context.TODO()
	source := NewSourceWithFactories(idmap.NewInMemoryIdentifierMap(), datastore.NewInMemoryFactory(), datastore.NewInMemoryFactory())
	c, err := source.GetCache(ctx, "V", "C", 1)
	require.NoError(t, err)

	hint := PrivateValues(vk("a"))
	require.True(t, hint.IsPrivate(vk("a")))
	require.False(t, hint.IsPrivate(vk("b")))
	require.True(t, SharedValues(vk("a")).IsPrivate(vk("b")))
	require.True(t, AllPrivate().IsPrivate(vk("x")))
	require.False(t, AllShared().IsPrivate(vk("x")))

	values := []proto.ComputedValue{
		{Key: vk("a"), Data: []byte("a")},
		{Key: vk("b"), Data: []byte("b")},
		{Key: vk("c"), Data: []byte("c")},
	}
	require.NoError(t, c.PutValues(ctx, values, hint))

	ida, _ := c.IdentifierMap().GetIdentifier(ctx, vk("a"))
	idb, _ := c.IdentifierMap().GetIdentifier(ctx, vk("b"))
	data, _ := c.PrivateDataStore().Get(ctx, ida)
	require.Equal(t, []byte("a"), data)
	data, _ = c.PrivateDataStore().Get(ctx, idb)
	require.Nil(t, data)
	data, _ = c.SharedDataStore().Get(ctx, idb)
	require.Equal(t, []byte("b"), data)

	got, err := c.GetValues(ctx, []proto.ValueKey{vk("a"), vk("b"), vk("c"), vk("missing")}, hint)
	require.NoError(t, err)
	require.Len(t, got, 3)
	got, err = c.GetValues(ctx, []proto.ValueKey{vk("a"), vk("c"), vk("missing")}, nil)
	require.NoError(t, err)
	require.Len(t, got, 2)
	require.Equal(t, []byte("c"), got[vk("c")])

	require.NoError(t, c.PutValue(ctx, proto.ComputedValue{Key: vk("d"), Data: []byte("d")}, hint))
	data, err = c.GetValueWithHint(ctx, vk("d"), AllShared())
	require.NoError(t, err)
	require.Equal(t, []byte("d"), data)

	n := 0
	it := c.Iterator(ctx)
	for {
		_, data, err := it.ReadNext()
		require.NoError(t, err)
		if data == nil {
			break
		}
		n++
	}
	it.Close()
	require.Equal(t, 4, n)
}

func TestCache_MissingValueLoader(t *testing.T) {
	ctx := context.TODO()
	idMap := idmap.NewInMemoryIdentifierMap()
	source := NewSource(idMap, datastore.NewInMemoryFactory())
	id, err := idMap.GetIdentifier(ctx, vk("remote"))
	require.NoError(t, err)
	loader := &mapLoader{values: map[proto.Identifier][]byte{id: {7}}}
	source.SetMissingValueLoader(loader)

	c, err := source.GetCache(ctx, "V", "C", 1)
	require.NoError(t, err)
	for i := 0; i < 2; i++ {
		data, err := c.GetValue(ctx, vk("remote"))
		require.NoError(t, err)
		require.Equal(t, []byte{7}, data)
	}
	require.Equal(t, int32(2), atomic.LoadInt32(&loader.calls))

	// loaded values are not written back
	data, err := c.PrivateDataStore().Get(ctx, id)
	require.NoError(t, err)
	require.Nil(t, data)

	got, err := c.GetValues(ctx, []proto.ValueKey{vk("remote"), vk("absent")}, nil)
	require.NoError(t, err)
	require.Equal(t, map[proto.ValueKey][]byte{vk("remote"): {7}}, got)

	data, err = c.GetValue(ctx, vk("absent"))
	require.NoError(t, err)
	require.Nil(t, data)
}
