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
	"sync"

	"github.com/cubefs/cubefs/blobstore/common/trace"
	"github.com/cubefs/cubefs/blobstore/util/errors"
	"google.golang.org/grpc"

	apierrors "github.com/cubefs/calcgrid/errors"
	"github.com/cubefs/calcgrid/idmap"
	"github.com/cubefs/calcgrid/metrics"
	"github.com/cubefs/calcgrid/proto"
	"github.com/cubefs/calcgrid/transport"
)

// RemoteNodeClient is the worker end of a remote node connection: it declares the
// capabilities of a local node set and runs the jobs the server sends on it. idMap
// must be the identifier map of the server, usually a client.RemoteIdentifierMap.
type RemoteNodeClient struct {
	nodes *LocalNodeSet
	idMap idmap.IdentifierMap

	lock         sync.Mutex
	capabilities Capabilities

	conn      *transport.ClientConnection
	invokerID string
	ready     chan struct{}
	readyOnce sync.Once
}

func NewRemoteNodeClient(nodes *LocalNodeSet, idMap idmap.IdentifierMap, capabilities Capabilities) *RemoteNodeClient {
	return &RemoteNodeClient{
		nodes:        nodes,
		idMap:        idMap,
		capabilities: capabilities.Clone(),
		ready:        make(chan struct{}),
	}
}

// Start connects to the node service on cc and returns once the server completed
// the handshake.
func (c *RemoteNodeClient) Start(ctx context.Context, cc *grpc.ClientConn) error {
	span := trace.SpanFromContextSafe(ctx)
	conn, err := transport.Connect(ctx, cc, proto.NodeServiceName, nil)
	if err != nil {
		return err
	}
	c.conn = conn
	conn.SetReceiver(c)

	c.lock.Lock()
	ready := capabilitiesMessage(c.capabilities)
	c.lock.Unlock()
	if err = conn.Send(ctx, proto.NewEnvelope(proto.KindReady, ready)); err != nil {
		conn.Close()
		return errors.Info(err, "send ready failed").Detail(err)
	}

	select {
	case <-c.ready:
		span.Infof("remote node client ready as invoker[%s] with %d nodes", c.invokerID, c.nodes.Size())
		return nil
	case <-conn.Done():
		return apierrors.ErrConnectionLost
	case <-ctx.Done():
		conn.Close()
		return ctx.Err()
	}
}

// InvokerID is the id the server registered this worker under, empty before Start returns.
func (c *RemoteNodeClient) InvokerID() string {
	select {
	case <-c.ready:
		return c.invokerID
	default:
		return ""
	}
}

// UpdateCapabilities declares capabilities that override the current ones on the server.
func (c *RemoteNodeClient) UpdateCapabilities(ctx context.Context, capabilities Capabilities) error {
	c.lock.Lock()
	c.capabilities = MergeCapabilities(capabilities, c.capabilities)
	c.lock.Unlock()
	return c.conn.Send(ctx, proto.NewEnvelope(proto.KindCapabilities, capabilitiesMessage(capabilities)))
}

func (c *RemoteNodeClient) Done() <-chan struct{} {
	return c.conn.Done()
}

func (c *RemoteNodeClient) Close() {
	if c.conn != nil {
		c.conn.Close()
	}
}

func (c *RemoteNodeClient) MessageReceived(ctx context.Context, env *proto.Envelope) {
	span := trace.SpanFromContextSafe(ctx)
	switch env.Kind {
	case proto.KindInit:
		c.readyOnce.Do(func() {
			c.invokerID, _ = env.Body.GetString(fieldNode)
			close(c.ready)
		})
	case proto.KindExecute:
		go c.execute(ctx, env.Body)
	case proto.KindReleaseCaches:
		go c.releaseCaches(ctx, env.Body)
	default:
		span.Warnf("remote node client unexpected message %s", env.Kind)
	}
}

func (c *RemoteNodeClient) ConnectionFailed(ctx context.Context, err error) {
	trace.SpanFromContextSafe(ctx).Warnf("remote node client connection[%s] lost: %s", c.conn.ID(), err)
}

func (c *RemoteNodeClient) releaseCaches(ctx context.Context, body *proto.Message) {
	span := trace.SpanFromContextSafe(ctx)
	view, ts, err := releaseFromMessage(body)
	if err != nil {
		span.Warnf("remote node client malformed release: %s", err)
		return
	}
	if err = c.nodes.Source().ReleaseCaches(ctx, view, ts); err != nil {
		span.Warnf("release caches of view[%s] at %d failed: %s", view, ts, err)
	}
}

func (c *RemoteNodeClient) execute(ctx context.Context, body *proto.Message) {
	span := trace.SpanFromContextSafe(ctx)
	spec, err := getSpec(body)
	if err != nil {
		span.Warnf("remote node client malformed job: %s", err)
		return
	}

	reply := func(kind proto.Kind, m *proto.Message) {
		if err := c.conn.Send(ctx, proto.NewEnvelope(kind, m)); err != nil {
			span.Warnf("remote node client report %s of %s failed: %s", kind, spec, err)
		}
	}
	job, err := decodeJob(ctx, body, c.idMap)
	if err != nil {
		span.Errorf("remote node client decode %s failed: %s", spec, errors.Detail(err))
		reply(proto.KindFailed, failedMessage(spec, "", err))
		return
	}

	node, err := c.nodes.acquire(ctx)
	if err != nil {
		reply(proto.KindFailed, failedMessage(spec, "", err))
		return
	}
	result, err := node.ExecuteJob(ctx, job)
	c.nodes.release(node)
	if err != nil {
		metrics.Jobs.WithLabelValues("worker", "failed").Inc()
		reply(proto.KindFailed, failedMessage(spec, node.NodeID(), err))
		return
	}
	metrics.Jobs.WithLabelValues("worker", "completed").Inc()
	reply(proto.KindResult, resultToMessage(result))
}
