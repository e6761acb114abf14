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
	"fmt"
	"os"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cubefs/calcgrid/common/kvstore"
	apierrors "github.com/cubefs/calcgrid/errors"
	"github.com/cubefs/calcgrid/proto"
	"github.com/cubefs/calcgrid/util"
)

func valueKey(i int) proto.ValueKey {
	return proto.NewValueKey("PRIMITIVE", "T", fmt.Sprintf("value-%d", i), nil)
}

func openPersistent(t *testing.T, path string) *PersistentIdentifierMap {
	m, err := OpenPersistentIdentifierMap(context.TODO(), &Config{Path: path})
	require.NoError(t, err)
	return m
}

func testUniqueAndInverse(t *testing.T, m IdentifierMap) {
	ctx := context.TODO()
	seen := make(map[proto.Identifier]proto.ValueKey)
	for i := 0; i < 200; i++ {
		key := valueKey(i)
		id, err := m.GetIdentifier(ctx, key)
		require.NoError(t, err)
		_, dup := seen[id]
		require.False(t, dup)
		seen[id] = key

		again, err := m.GetIdentifier(ctx, key)
		require.NoError(t, err)
		require.Equal(t, id, again)
	}
	for id, key := range seen {
		got, err := m.GetValueKey(ctx, id)
		require.NoError(t, err)
		require.Equal(t, key, got)
	}

	_, err := m.GetValueKey(ctx, proto.Identifier(1<<40))
	require.ErrorIs(t, err, apierrors.ErrIdentifierNotFound)
}

func testConcurrentIntern(t *testing.T, m IdentifierMap) {
	ctx := context.TODO()
	const workers, keys = 16, 100

	results := make([][]proto.Identifier, workers)
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			ids := make([]proto.Identifier, keys)
			for i := 0; i < keys; i++ {
				id, err := m.GetIdentifier(ctx, valueKey((i+w)%keys))
				if err != nil {
					panic(err)
				}
				ids[(i+w)%keys] = id
			}
			results[w] = ids
		}(w)
	}
	wg.Wait()

	distinct := make(map[proto.Identifier]struct{})
	for w := 1; w < workers; w++ {
		require.Equal(t, results[0], results[w])
	}
	for _, id := range results[0] {
		distinct[id] = struct{}{}
	}
	require.Len(t, distinct, keys)
}

func TestInMemoryIdentifierMap(t *testing.T) {
	testUniqueAndInverse(t, NewInMemoryIdentifierMap())
	testConcurrentIntern(t, NewInMemoryIdentifierMap())
}

func TestInMemoryIdentifierMap_Bulk(t *testing.T) {
	ctx := context.TODO()
	m := NewInMemoryIdentifierMap()

	keys := []proto.ValueKey{valueKey(1), valueKey(2), valueKey(3)}
	ids, err := m.GetIdentifiers(ctx, keys)
	require.NoError(t, err)
	require.Len(t, ids, 3)

	reverse, err := m.GetValueKeys(ctx, []proto.Identifier{ids[keys[0]], ids[keys[2]]})
	require.NoError(t, err)
	require.Equal(t, keys[0], reverse[ids[keys[0]]])
	require.Equal(t, keys[2], reverse[ids[keys[2]]])

	_, err = m.GetValueKeys(ctx, []proto.Identifier{ids[keys[0]], 999})
	require.ErrorIs(t, err, apierrors.ErrIdentifierNotFound)
}

func TestInMemoryIdentifierMap_Register(t *testing.T) {
	ctx := context.TODO()
	m := NewInMemoryIdentifierMap()

	require.NoError(t, m.Register(valueKey(1), 10))
	require.NoError(t, m.Register(valueKey(1), 10))
	require.ErrorIs(t, m.Register(valueKey(1), 11), apierrors.ErrDuplicateRegistration)
	require.ErrorIs(t, m.Register(valueKey(2), 10), apierrors.ErrDuplicateRegistration)

	id, err := m.GetIdentifier(ctx, valueKey(1))
	require.NoError(t, err)
	require.Equal(t, proto.Identifier(10), id)

	id, err = m.GetIdentifier(ctx, valueKey(2))
	require.NoError(t, err)
	require.Equal(t, proto.Identifier(11), id)

	// an id taken by a registration is skipped by allocation
	require.NoError(t, m.Register(valueKey(3), 12))
	require.NoError(t, m.Register(valueKey(4), 5))
	id, err = m.GetIdentifier(ctx, valueKey(5))
	require.NoError(t, err)
	require.Equal(t, proto.Identifier(13), id)

	id, ok := m.Lookup(valueKey(4))
	require.True(t, ok)
	require.Equal(t, proto.Identifier(5), id)
	_, ok = m.Lookup(valueKey(6))
	require.False(t, ok)
	key, ok := m.LookupValueKey(12)
	require.True(t, ok)
	require.Equal(t, valueKey(3), key)
	_, ok = m.LookupValueKey(100)
	require.False(t, ok)
}

func TestPersistentIdentifierMap(t *testing.T) {
	path, err := util.GenTmpPath()
	require.NoError(t, err)
	defer os.RemoveAll(path)

	m := openPersistent(t, path)
	defer m.Close()
	testUniqueAndInverse(t, m)
	testConcurrentIntern(t, m)
	require.NoError(t, m.store.Flush(context.TODO()))
}

func TestPersistentIdentifierMap_Restart(t *testing.T) {
	ctx := context.TODO()
	path, err := util.GenTmpPath()
	require.NoError(t, err)
	defer os.RemoveAll(path)

	m := openPersistent(t, path)
	var x proto.Identifier
	for i := 0; i <= 5; i++ {
		id, err := m.GetIdentifier(ctx, valueKey(i))
		require.NoError(t, err)
		x = id
	}
	require.Equal(t, proto.Identifier(6), m.HighWater())
	m.Close()

	m = openPersistent(t, path)
	defer m.Close()
	require.Equal(t, x, m.HighWater())

	id, err := m.GetIdentifier(ctx, valueKey(5))
	require.NoError(t, err)
	require.Equal(t, x, id)
	key, err := m.GetValueKey(ctx, 3)
	require.NoError(t, err)
	require.Equal(t, valueKey(2), key)

	id, err = m.GetIdentifier(ctx, proto.NewValueKey("PRIMITIVE", "T", "brand-new", nil))
	require.NoError(t, err)
	require.Equal(t, x+1, id)
}

func TestPersistentIdentifierMap_Regressed(t *testing.T) {
	ctx := context.TODO()
	path, err := util.GenTmpPath()
	require.NoError(t, err)
	defer os.RemoveAll(path)

	kvStore, err := kvstore.NewKVStore(ctx, path, kvstore.RocksdbLsmKVType, &kvstore.Option{CreateIfMissing: true})
	require.NoError(t, err)
	defer kvStore.Close()

	m, err := NewPersistentIdentifierMap(ctx, kvStore)
	require.NoError(t, err)
	_, err = m.GetIdentifier(ctx, valueKey(1))
	require.NoError(t, err)

	// an identifier above the mark can only come from a broken store
	require.NoError(t, kvStore.SetRaw(ctx, idCF, encodeIdentifier(100), valueKey(100).Bytes(), nil))
	_, err = NewPersistentIdentifierMap(ctx, kvStore)
	require.ErrorIs(t, err, apierrors.ErrIdentifierRegressed)
}
