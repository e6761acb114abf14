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
	"fmt"
	"io"
	"sync"

	"github.com/cubefs/cubefs/blobstore/common/trace"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	apierrors "github.com/cubefs/calcgrid/errors"
	"github.com/cubefs/calcgrid/idmap"
	"github.com/cubefs/calcgrid/metrics"
	"github.com/cubefs/calcgrid/proto"
	"github.com/cubefs/calcgrid/transport"
)

// RemoteNodeJobInvoker sends jobs to the remote node behind one connection. Value keys
// travel as identifiers of the identifier map shared with the node.
type RemoteNodeJobInvoker struct {
	conn         transport.Connection
	idMap        idmap.IdentifierMap
	functionCost *FunctionCost
	onClose      func(ctx context.Context)

	lock         sync.RWMutex
	capabilities Capabilities
	pending      map[JobSpecification]JobInvocationReceiver
	dead         bool
}

func newRemoteNodeJobInvoker(conn transport.Connection, idMap idmap.IdentifierMap, functionCost *FunctionCost,
	capabilities Capabilities,
) *RemoteNodeJobInvoker {
	return &RemoteNodeJobInvoker{
		conn:         conn,
		idMap:        idMap,
		functionCost: functionCost,
		capabilities: capabilities,
		pending:      make(map[JobSpecification]JobInvocationReceiver),
	}
}

func (i *RemoteNodeJobInvoker) ID() string {
	return i.conn.ID()
}

func (i *RemoteNodeJobInvoker) Capabilities() Capabilities {
	i.lock.RLock()
	defer i.lock.RUnlock()
	return i.capabilities.Clone()
}

func (i *RemoteNodeJobInvoker) IsAlive() bool {
	i.lock.RLock()
	defer i.lock.RUnlock()
	return !i.dead
}

// Pending counts the jobs sent and not reported yet.
func (i *RemoteNodeJobInvoker) Pending() int {
	i.lock.RLock()
	defer i.lock.RUnlock()
	return len(i.pending)
}

func (i *RemoteNodeJobInvoker) Invoke(ctx context.Context, job *CalculationJob, receiver JobInvocationReceiver) error {
	body, err := encodeJob(ctx, job, i.idMap)
	if err != nil {
		return err
	}

	spec := job.Specification
	i.lock.Lock()
	if i.dead {
		i.lock.Unlock()
		return apierrors.ErrInvokerClosed
	}
	if _, ok := i.pending[spec]; ok {
		i.lock.Unlock()
		return apierrors.ErrDuplicateJob
	}
	i.pending[spec] = receiver
	i.lock.Unlock()

	if err = i.conn.Send(ctx, proto.NewEnvelope(proto.KindExecute, body)); err != nil {
		i.takePending(spec)
		return err
	}
	return nil
}

// ReleaseCaches asks the remote node to drop its caches of (viewName, timestamp).
func (i *RemoteNodeJobInvoker) ReleaseCaches(ctx context.Context, viewName string, timestamp int64) error {
	if !i.IsAlive() {
		return apierrors.ErrInvokerClosed
	}
	return i.conn.Send(ctx, proto.NewEnvelope(proto.KindReleaseCaches, releaseMessage(viewName, timestamp)))
}

func (i *RemoteNodeJobInvoker) takePending(spec JobSpecification) JobInvocationReceiver {
	i.lock.Lock()
	receiver := i.pending[spec]
	delete(i.pending, spec)
	i.lock.Unlock()
	return receiver
}

func (i *RemoteNodeJobInvoker) MessageReceived(ctx context.Context, env *proto.Envelope) {
	span := trace.SpanFromContextSafe(ctx)
	switch env.Kind {
	case proto.KindResult:
		result, err := resultFromMessage(env.Body)
		if err != nil {
			span.Warnf("remote node[%s] malformed result: %s", i.ID(), err)
			return
		}
		receiver := i.takePending(result.Specification)
		if receiver == nil {
			span.Warnf("remote node[%s] result of unknown %s", i.ID(), result.Specification)
			return
		}
		if i.functionCost != nil {
			i.functionCost.recordResult(result)
		}
		metrics.Jobs.WithLabelValues("remote", "completed").Inc()
		receiver.JobCompleted(ctx, result)

	case proto.KindFailed:
		spec, err := getSpec(env.Body)
		if err != nil {
			span.Warnf("remote node[%s] malformed failure: %s", i.ID(), err)
			return
		}
		receiver := i.takePending(spec)
		if receiver == nil {
			span.Warnf("remote node[%s] failure of unknown %s", i.ID(), spec)
			return
		}
		nodeID, _ := env.Body.GetString(fieldNode)
		msg, _ := env.Body.GetString(fieldMessage)
		metrics.Jobs.WithLabelValues("remote", "failed").Inc()
		receiver.JobFailed(ctx, i, nodeID, fmt.Errorf("%w: %s", apierrors.ErrRemoteFailure, msg))

	case proto.KindCapabilities:
		declared := getCapabilities(env.Body)
		i.lock.Lock()
		i.capabilities = MergeCapabilities(declared, i.capabilities)
		i.lock.Unlock()
		span.Infof("remote node[%s] capabilities: %v", i.ID(), i.Capabilities())

	default:
		span.Warnf("remote node[%s] unexpected message %s", i.ID(), env.Kind)
	}
}

func (i *RemoteNodeJobInvoker) ConnectionFailed(ctx context.Context, err error) {
	span := trace.SpanFromContextSafe(ctx)
	if err == io.EOF || status.Code(err) == codes.Canceled {
		span.Infof("remote node[%s] disconnected", i.ID())
	} else {
		span.Warnf("remote node[%s] connection failed: %s", i.ID(), err)
	}
	i.shutdown(ctx, apierrors.ErrConnectionLost)
}

// Close fails the pending jobs, the connection stays to the node.
func (i *RemoteNodeJobInvoker) Close() {
	i.shutdown(context.Background(), apierrors.ErrInvokerClosed)
}

func (i *RemoteNodeJobInvoker) shutdown(ctx context.Context, cause error) {
	i.lock.Lock()
	if i.dead {
		i.lock.Unlock()
		return
	}
	i.dead = true
	pending := i.pending
	i.pending = make(map[JobSpecification]JobInvocationReceiver)
	i.lock.Unlock()

	for spec, receiver := range pending {
		trace.SpanFromContextSafe(ctx).Warnf("remote node[%s] %s lost: %s", i.ID(), spec, cause)
		metrics.Jobs.WithLabelValues("remote", "failed").Inc()
		receiver.JobFailed(ctx, i, "", cause)
	}
	if i.onClose != nil {
		i.onClose(ctx)
	}
}
