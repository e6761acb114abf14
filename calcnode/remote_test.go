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
package calcnode

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/test/bufconn"

	"github.com/cubefs/calcgrid/cache"
	"github.com/cubefs/calcgrid/cacheserver"
	"github.com/cubefs/calcgrid/client"
	"github.com/cubefs/calcgrid/datastore"
	apierrors "github.com/cubefs/calcgrid/errors"
	"github.com/cubefs/calcgrid/idmap"
	"github.com/cubefs/calcgrid/proto"
	"github.com/cubefs/calcgrid/transport"
)

type grid struct {
	source   *cache.Source
	registry *Registry
	cost     *FunctionCost
	nodes    *RemoteNodeServer
	lis      *bufconn.Listener
	gs       *grpc.Server
}

func newGrid() *grid {
	idMap := idmap.NewInMemoryIdentifierMap()
	g := &grid{
		source:   cache.NewSourceWithFactories(idMap, datastore.NewInMemoryFactory(), datastore.NewInMemoryFactory()),
		registry: NewRegistry(),
		cost:     NewFunctionCost(),
		lis:      bufconn.Listen(1 << 20),
		gs:       grpc.NewServer(transport.ServerOptions()...),
	}
	g.nodes = NewRemoteNodeServer(g.registry, idMap, g.cost)
	g.nodes.SetCapabilitiesToAdd(Capabilities{"priority": 1.0})
	g.source.SetReleaseCachesCallback(NewNodeCacheReleaser(g.registry))
	transport.Register(g.gs, proto.CacheServiceName, cacheserver.NewCacheServer(g.source))
	transport.Register(g.gs, proto.NodeServiceName, g.nodes)
	go g.gs.Serve(g.lis)
	return g
}

type worker struct {
	cacheClient *client.CacheClient
	nodes       *LocalNodeSet
	client      *RemoteNodeClient
}

func (w *worker) close() {
	w.client.Close()
	w.nodes.Close()
	w.cacheClient.Close()
}

func (g *grid) startWorker(t *testing.T, functions FunctionRepository, capabilities Capabilities) *worker {
	ctx := context.TODO()
	cc, err := client.Dial(ctx, "bufnet", nil, grpc.WithContextDialer(func(ctx context.Context, addr string) (net.Conn, error) {
		return g.lis.DialContext(ctx)
	}))
	require.NoError(t, err)

	idMap := cc.IdentifierMap()
	source := cache.NewSourceWithFactories(idMap, datastore.NewInMemoryFactory(), cc.DataStoreFactory(true))
	deps := newDeps(source, functions)
	deps.NodeIDs = NewNodeIDGenerator("worker", "1")
	nodes, err := NewLocalNodeSet(NodeSetConfig{NodeCount: 2, WriteBehindWorkers: 1}, deps)
	require.NoError(t, err)

	w := &worker{cacheClient: cc, nodes: nodes, client: NewRemoteNodeClient(nodes, idMap, capabilities)}
	require.NoError(t, w.client.Start(ctx, cc.ClientConn()))
	require.NotEmpty(t, w.client.InvokerID())
	require.Eventually(t, func() bool {
		_, ok := g.registry.GetInvoker(w.client.InvokerID())
		return ok
	}, 5*time.Second, 10*time.Millisecond)
	return w
}

func TestRemoteNode_Capabilities(t *testing.T) {
	g := newGrid()
	defer g.gs.Stop()
	functions := NewInMemoryFunctionRepository()

	plain := g.startWorker(t, functions, Capabilities{"cores": 2})
	defer plain.close()
	explicit := g.startWorker(t, functions, Capabilities{"priority": 2.0})
	defer explicit.close()

	invoker, ok := g.registry.GetInvoker(plain.client.InvokerID())
	require.True(t, ok)
	require.Equal(t, Capabilities{"priority": 1.0, "cores": 2}, invoker.Capabilities())
	invoker, ok = g.registry.GetInvoker(explicit.client.InvokerID())
	require.True(t, ok)
	require.Equal(t, Capabilities{"priority": 2.0}, invoker.Capabilities())
	require.Len(t, g.registry.Select(Capabilities{"priority": 1.5}), 1)

	// a later declaration overrides the added capability
	require.NoError(t, plain.client.UpdateCapabilities(context.TODO(), Capabilities{"priority": 3.0}))
	invoker, _ = g.registry.GetInvoker(plain.client.InvokerID())
	require.Eventually(t, func() bool {
		return invoker.Capabilities()["priority"] == 3.0
	}, 5*time.Second, 10*time.Millisecond)
	require.Equal(t, 2.0, invoker.Capabilities()["cores"])
}

func TestRemoteNode_Handshake(t *testing.T) {
	ctx := context.TODO()
	g := newGrid()
	defer g.gs.Stop()
	cc, err := client.Dial(ctx, "bufnet", nil, grpc.WithContextDialer(func(ctx context.Context, addr string) (net.Conn, error) {
		return g.lis.DialContext(ctx)
	}))
	require.NoError(t, err)
	defer cc.Close()

	// anything but ready closes the connection without an invoker
	conn, err := transport.Connect(ctx, cc.ClientConn(), proto.NodeServiceName, nil)
	require.NoError(t, err)
	require.NoError(t, conn.Send(ctx, proto.NewEnvelope(proto.KindExecute, proto.NewMessage())))
	select {
	case <-conn.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("connection not closed")
	}
	require.Len(t, g.registry.Invokers(), 0)
}

func TestRemoteNode_Execute(t *testing.T) {
	ctx := context.TODO()
	g := newGrid()
	defer g.gs.Stop()
	functions := NewInMemoryFunctionRepository()
	functions.AddFunction("double", double)
	w := g.startWorker(t, functions, nil)
	defer w.close()

	vc, err := g.source.GetCache(ctx, "V", "C", 100)
	require.NoError(t, err)
	require.NoError(t, vc.PutSharedValue(ctx, proto.ComputedValue{Key: vk("V1"), Data: []byte{9}}))

	invoker, ok := g.registry.GetInvoker(w.client.InvokerID())
	require.True(t, ok)
	job := &CalculationJob{
		Specification:  NewJobSpecification("V", 100, 1),
		CalcConfigName: "C",
		Items: []JobItem{
			{FunctionID: "double", Target: target(), Inputs: []proto.ValueKey{vk("V1")}, Outputs: []proto.ValueKey{vk("V2")}},
			{FunctionID: "nope", Target: target(), Outputs: []proto.ValueKey{vk("V3")}},
		},
		Hint: cache.AllShared(),
	}
	receiver := newJobReceiver()
	require.NoError(t, invoker.Invoke(ctx, job, receiver))

	var result *CalculationJobResult
	select {
	case result = <-receiver.completed:
	case f := <-receiver.failed:
		t.Fatalf("job failed: %s", f.err)
	case <-time.After(10 * time.Second):
		t.Fatal("job not completed")
	}
	require.Equal(t, job.Specification, result.Specification)
	require.Contains(t, result.NodeID, "worker/1/")
	require.Len(t, result.Items, 2)
	require.False(t, result.Items[0].Failed())
	require.Equal(t, apierrors.ErrFunctionNotFound.Error(), result.Items[1].Failure)

	data, err := vc.GetValue(ctx, vk("V2"))
	require.NoError(t, err)
	require.Equal(t, []byte{9, 9}, data)
	stats, ok := g.cost.Get("double")
	require.True(t, ok)
	require.Equal(t, int64(1), stats.Invocations)
	_, ok = g.cost.Get("nope")
	require.False(t, ok)
}

func TestRemoteNode_ConnectionLost(t *testing.T) {
	ctx := context.TODO()
	g := newGrid()
	defer g.gs.Stop()
	release := make(chan struct{})
	defer close(release)
	functions := NewInMemoryFunctionRepository()
	functions.AddFunction("block", FunctionInvokerFunc(func(ctx context.Context, execCtx *FunctionExecutionContext, target *ComputationTarget,
		inputs map[proto.ValueKey][]byte, outputs []proto.ValueKey,
	) ([]proto.ComputedValue, error) {
		<-release
		return nil, nil
	}))
	w := g.startWorker(t, functions, nil)

	invoker, ok := g.registry.GetInvoker(w.client.InvokerID())
	require.True(t, ok)
	receiver := newJobReceiver()
	job := &CalculationJob{
		Specification:  NewJobSpecification("V", 100, 1),
		CalcConfigName: "C",
		Items:          []JobItem{{FunctionID: "block", Target: target(), Outputs: []proto.ValueKey{vk("V2")}}},
	}
	require.NoError(t, invoker.Invoke(ctx, job, receiver))
	require.Equal(t, 1, invoker.(*RemoteNodeJobInvoker).Pending())
	require.ErrorIs(t, invoker.Invoke(ctx, job, receiver), apierrors.ErrDuplicateJob)

	w.client.Close()
	select {
	case f := <-receiver.failed:
		require.ErrorIs(t, f.err, apierrors.ErrConnectionLost)
		require.Equal(t, invoker, f.invoker)
	case <-time.After(10 * time.Second):
		t.Fatal("pending job not failed")
	}
	require.False(t, invoker.IsAlive())
	// unregistered, not only pruned as dead
	require.Eventually(t, func() bool {
		g.registry.lock.RLock()
		defer g.registry.lock.RUnlock()
		return len(g.registry.invokers) == 0
	}, 5*time.Second, 10*time.Millisecond)
	require.ErrorIs(t, invoker.Invoke(ctx, job, receiver), apierrors.ErrInvokerClosed)

	w.cacheClient.Close()
}

func TestRemoteNode_ReleaseCaches(t *testing.T) {
	ctx := context.TODO()
	g := newGrid()
	defer g.gs.Stop()
	w := g.startWorker(t, NewInMemoryFunctionRepository(), nil)
	defer w.close()

	workerSource := w.nodes.Source()
	vc, err := workerSource.GetCache(ctx, "V", "C", 100)
	require.NoError(t, err)
	require.NoError(t, vc.PutPrivateValue(ctx, proto.ComputedValue{Key: vk("V1"), Data: []byte{1}}))
	other, err := workerSource.GetCache(ctx, "V", "C", 101)
	require.NoError(t, err)

	_, err = g.source.GetCache(ctx, "V", "C", 100)
	require.NoError(t, err)
	require.NoError(t, g.source.ReleaseCaches(ctx, "V", 100))

	require.Eventually(t, func() bool {
		_, ok := workerSource.FindCache(proto.NewCacheKey("V", "C", 100))
		return !ok
	}, 5*time.Second, 10*time.Millisecond)
	found, ok := workerSource.FindCache(proto.NewCacheKey("V", "C", 101))
	require.True(t, ok)
	require.Equal(t, other, found)
}
