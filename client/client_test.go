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
package client

import (
	"context"
	"fmt"
	"net"
	"testing"

	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/test/bufconn"

	"github.com/cubefs/calcgrid/cache"
	"github.com/cubefs/calcgrid/cacheserver"
	"github.com/cubefs/calcgrid/datastore"
	apierrors "github.com/cubefs/calcgrid/errors"
	"github.com/cubefs/calcgrid/idmap"
	"github.com/cubefs/calcgrid/proto"
	"github.com/cubefs/calcgrid/transport"
	"github.com/cubefs/calcgrid/util/limiter"
)

type testServer struct {
	source *cache.Source
	idMap  *idmap.InMemoryIdentifierMap
	lis    *bufconn.Listener
	gs     *grpc.Server
}

func newTestServer() *testServer {
	idMap := idmap.NewInMemoryIdentifierMap()
	s := &testServer{
		idMap:  idMap,
		source: cache.NewSourceWithFactories(idMap, datastore.NewInMemoryFactory(), datastore.NewInMemoryFactory()),
		lis:    bufconn.Listen(1 << 20),
		gs:     grpc.NewServer(transport.ServerOptions()...),
	}
	transport.Register(s.gs, proto.CacheServiceName, cacheserver.NewCacheServer(s.source))
	go s.gs.Serve(s.lis)
	return s
}

func (s *testServer) dial(t *testing.T, cfg *TransportConfig) *CacheClient {
	c, err := Dial(context.TODO(), "bufnet", cfg, grpc.WithContextDialer(func(ctx context.Context, addr string) (net.Conn, error) {
		return s.lis.DialContext(ctx)
	}))
	require.NoError(t, err)
	return c
}

func vk(name string) proto.ValueKey {
	return proto.NewValueKey("PRIMITIVE", "T", name, nil)
}

func TestRemoteIdentifierMap(t *testing.T) {
	ctx := context.TODO()
	server := newTestServer()
	defer server.gs.Stop()
	c := server.dial(t, nil)
	defer c.Close()
	m := c.IdentifierMap()

	id, err := m.GetIdentifier(ctx, vk("a"))
	require.NoError(t, err)
	expected, err := server.idMap.GetIdentifier(ctx, vk("a"))
	require.NoError(t, err)
	require.Equal(t, expected, id)

	ids, err := m.GetIdentifiers(ctx, []proto.ValueKey{vk("a"), vk("b"), vk("c")})
	require.NoError(t, err)
	require.Len(t, ids, 3)
	require.Equal(t, id, ids[vk("a")])

	// a pair known to the server but not yet to this client
	other, err := server.idMap.GetIdentifier(ctx, vk("d"))
	require.NoError(t, err)
	key, err := m.GetValueKey(ctx, other)
	require.NoError(t, err)
	require.Equal(t, vk("d"), key)
	again, err := m.GetIdentifier(ctx, vk("d"))
	require.NoError(t, err)
	require.Equal(t, other, again)

	_, err = m.GetValueKey(ctx, 12345)
	require.ErrorIs(t, err, apierrors.ErrIdentifierNotFound)
}

func TestRemoteDataStore(t *testing.T) {
	ctx := context.TODO()
	server := newTestServer()
	defer server.gs.Stop()
	c := server.dial(t, &TransportConfig{StreamThreshold: 2, ListPageSize: 3})
	defer c.Close()

	key := proto.NewCacheKey("V", "C", 1)
	store, err := c.DataStoreFactory(true).CreateDataStore(ctx, key)
	require.NoError(t, err)

	data, err := store.Get(ctx, 1)
	require.NoError(t, err)
	require.Nil(t, data)
	require.NoError(t, store.Put(ctx, 1, []byte{1}))
	require.ErrorIs(t, store.Put(ctx, 2, nil), apierrors.ErrInvalidData)

	// above the threshold, written as a stream
	values := make(map[proto.Identifier][]byte)
	for i := 10; i < 17; i++ {
		values[proto.Identifier(i)] = []byte(fmt.Sprintf("v%d", i))
	}
	require.NoError(t, store.PutAll(ctx, values))

	sc, ok := server.source.FindCache(key)
	require.True(t, ok)
	data, err = sc.SharedDataStore().Get(ctx, 16)
	require.NoError(t, err)
	require.Equal(t, []byte("v16"), data)

	all, err := store.GetAll(ctx, []proto.Identifier{1, 10, 99})
	require.NoError(t, err)
	require.Len(t, all, 2)

	lr := store.List(ctx)
	n := 0
	for {
		_, data, err := lr.ReadNext()
		require.NoError(t, err)
		if data == nil {
			break
		}
		n++
	}
	lr.Close()
	require.Equal(t, 8, n)

	private, err := c.DataStoreFactory(false).CreateDataStore(ctx, key)
	require.NoError(t, err)
	data, err = private.Get(ctx, 1)
	require.NoError(t, err)
	require.Nil(t, data)

	require.NoError(t, store.Delete(ctx))
	require.NoError(t, store.Delete(ctx))
	_, ok = server.source.FindCache(key)
	require.False(t, ok)
}

// A worker side source keeps private values locally and shared values on the server.
func TestRemoteSource_EndToEnd(t *testing.T) {
	ctx := context.TODO()
	server := newTestServer()
	defer server.gs.Stop()
	c := server.dial(t, nil)
	defer c.Close()

	worker := cache.NewSourceWithFactories(c.IdentifierMap(), datastore.NewInMemoryFactory(), c.DataStoreFactory(true))
	wc, err := worker.GetCache(ctx, "V", "C", 100)
	require.NoError(t, err)
	require.NoError(t, wc.PutPrivateValue(ctx, proto.ComputedValue{Key: vk("V1"), Data: []byte{9, 9}}))
	require.NoError(t, wc.PutSharedValue(ctx, proto.ComputedValue{Key: vk("V2"), Data: []byte{8}}))

	sc, err := server.source.GetCache(ctx, "V", "C", 100)
	require.NoError(t, err)
	data, err := sc.GetValue(ctx, vk("V2"))
	require.NoError(t, err)
	require.Equal(t, []byte{8}, data)
	data, err = sc.GetValue(ctx, vk("V1"))
	require.NoError(t, err)
	require.Nil(t, data)

	// another worker finds the shared value through the peer loader
	peer := server.dial(t, nil)
	defer peer.Close()
	other := cache.NewSource(peer.IdentifierMap(), datastore.NewInMemoryFactory())
	other.SetMissingValueLoader(NewPeerMissingValueLoader(peer, limiter.LimitConfig{QPS: 100}))
	oc, err := other.GetCache(ctx, "V", "C", 100)
	require.NoError(t, err)
	data, err = oc.GetValue(ctx, vk("V2"))
	require.NoError(t, err)
	require.Equal(t, []byte{8}, data)
	got, err := oc.GetValues(ctx, []proto.ValueKey{vk("V2"), vk("V3")}, nil)
	require.NoError(t, err)
	require.Equal(t, map[proto.ValueKey][]byte{vk("V2"): {8}}, got)

	require.NoError(t, worker.ReleaseCaches(ctx, "V", 100))
	_, ok := server.source.FindCache(proto.NewCacheKey("V", "C", 100))
	require.False(t, ok)
}
