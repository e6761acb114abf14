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
	"os"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cubefs/calcgrid/common/kvstore"
	apierrors "github.com/cubefs/calcgrid/errors"
	"github.com/cubefs/calcgrid/proto"
	"github.com/cubefs/calcgrid/util"
)

func testFactory(t *testing.T, f Factory) {
	ctx := context.TODO()
	key := proto.NewCacheKey("View", "Default", 100)
	s, err := f.CreateDataStore(ctx, key)
	require.NoError(t, err)

	data, err := s.Get(ctx, 1)
	require.NoError(t, err)
	require.Nil(t, data)

	require.NoError(t, s.Put(ctx, 1, []byte{9, 9}))
	require.NoError(t, s.Put(ctx, 2, []byte{}))
	require.ErrorIs(t, s.Put(ctx, 3, nil), apierrors.ErrInvalidData)
	require.NoError(t, s.PutAll(ctx, map[proto.Identifier][]byte{4: {4}, 5: {5, 5}}))
	require.ErrorIs(t, s.PutAll(ctx, map[proto.Identifier][]byte{6: nil}), apierrors.ErrInvalidData)

	data, err = s.Get(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, []byte{9, 9}, data)

	// empty payloads are present, not absent
	data, err = s.Get(ctx, 2)
	require.NoError(t, err)
	require.NotNil(t, data)
	require.Len(t, data, 0)

	all, err := s.GetAll(ctx, []proto.Identifier{1, 3, 5, 6})
	require.NoError(t, err)
	require.Len(t, all, 2)
	require.Equal(t, []byte{5, 5}, all[5])

	// a store of another cache key shares nothing
	other, err := f.CreateDataStore(ctx, proto.NewCacheKey("View", "Default", 101))
	require.NoError(t, err)
	data, err = other.Get(ctx, 1)
	require.NoError(t, err)
	require.Nil(t, data)
	require.NoError(t, other.Put(ctx, 7, []byte{7}))

	lr := s.List(ctx)
	listed := make(map[proto.Identifier][]byte)
	for {
		id, data, err := lr.ReadNext()
		require.NoError(t, err)
		if data == nil {
			break
		}
		listed[id] = data
	}
	lr.Close()
	require.Len(t, listed, 4)
	require.Equal(t, []byte{4}, listed[4])

	require.NoError(t, s.Delete(ctx))
	require.NoError(t, s.Delete(ctx))

	data, err = other.Get(ctx, 7)
	require.NoError(t, err)
	require.Equal(t, []byte{7}, data)
	require.NoError(t, other.Delete(ctx))

	testSeparateNames(t, f)
}

// keys whose names render one inside the other still get separate stores
func testSeparateNames(t *testing.T, f Factory) {
	ctx := context.TODO()
	a, err := f.CreateDataStore(ctx, proto.NewCacheKey("V", "C", 100))
	require.NoError(t, err)
	b, err := f.CreateDataStore(ctx, proto.NewCacheKey("V", "C.100/z", 5))
	require.NoError(t, err)
	require.NoError(t, b.Put(ctx, 1, []byte{7}))

	lr := a.List(ctx)
	_, data, err := lr.ReadNext()
	require.NoError(t, err)
	require.Nil(t, data)
	lr.Close()

	require.NoError(t, a.Delete(ctx))
	data, err = b.Get(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, []byte{7}, data)
	require.NoError(t, b.Delete(ctx))
}

func TestInMemoryDataStore(t *testing.T) {
	testFactory(t, NewInMemoryFactory())

	ctx := context.TODO()
	s := NewInMemoryDataStore()
	payload := []byte{1, 2, 3}
	require.NoError(t, s.Put(ctx, 1, payload))
	payload[0] = 100
	data, err := s.Get(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, []byte{1, 2, 3}, data)

	// returned payloads are copies
	data[1] = 100
	all, err := s.GetAll(ctx, []proto.Identifier{1})
	require.NoError(t, err)
	require.Equal(t, []byte{1, 2, 3}, all[1])
	all[1][2] = 100
	data, err = s.Get(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, []byte{1, 2, 3}, data)

	require.NoError(t, s.Delete(ctx))
	data, err = s.Get(ctx, 1)
	require.NoError(t, err)
	require.Nil(t, data)
}

func TestRocksdbDataStore(t *testing.T) {
	ctx := context.TODO()
	path, err := util.GenTmpPath()
	require.NoError(t, err)
	defer os.RemoveAll(path)

	kvStore, err := kvstore.NewKVStore(ctx, path, kvstore.RocksdbLsmKVType, &kvstore.Option{CreateIfMissing: true})
	require.NoError(t, err)
	defer kvStore.Close()

	testFactory(t, NewRocksdbFactory(kvStore))
	for _, col := range kvStore.GetAllColumns() {
		require.NotContains(t, string(col), cfPrefix)
	}
}

func TestRocksdbDataStore_StaleColumns(t *testing.T) {
	ctx := context.TODO()
	path, err := util.GenTmpPath()
	require.NoError(t, err)
	defer os.RemoveAll(path)

	kvStore, err := kvstore.NewKVStore(ctx, path, kvstore.RocksdbLsmKVType, &kvstore.Option{CreateIfMissing: true})
	require.NoError(t, err)
	require.NoError(t, kvStore.CreateColumn(kvstore.CF(cfPrefix+"1.V.1.C.100")))
	require.NoError(t, kvStore.CreateColumn("idmap_key"))
	kvStore.Close()

	kvStore, err = kvstore.NewKVStore(ctx, path, kvstore.RocksdbLsmKVType, &kvstore.Option{CreateIfMissing: true})
	require.NoError(t, err)
	defer kvStore.Close()
	require.True(t, kvStore.CheckColumns(kvstore.CF(cfPrefix+"1.V.1.C.100")))

	f := NewRocksdbFactory(kvStore)
	require.False(t, kvStore.CheckColumns(kvstore.CF(cfPrefix+"1.V.1.C.100")))
	require.True(t, kvStore.CheckColumns("idmap_key"))

	s, err := f.CreateDataStore(ctx, proto.CacheKey{ViewName: "V", CalcConfigName: "C", SnapshotTimestamp: 100})
	require.NoError(t, err)
	lr := s.List(ctx)
	defer lr.Close()
	_, data, err := lr.ReadNext()
	require.NoError(t, err)
	require.Nil(t, data)
}

func TestBadgerDataStore(t *testing.T) {
	db, err := OpenBadger(&BadgerConfig{InMemory: true})
	require.NoError(t, err)
	defer db.Close()
	testFactory(t, NewBadgerFactory(db))

	_, err = OpenBadger(&BadgerConfig{})
	require.Error(t, err)
}
