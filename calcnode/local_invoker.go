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
	"sync/atomic"

	"github.com/cubefs/cubefs/blobstore/common/trace"
	"github.com/google/uuid"

	apierrors "github.com/cubefs/calcgrid/errors"
	"github.com/cubefs/calcgrid/metrics"
)

// LocalNodeJobInvoker runs jobs on the free nodes of a local node set.
type LocalNodeJobInvoker struct {
	id           string
	nodes        *LocalNodeSet
	capabilities Capabilities
	closed       int32
}

func NewLocalNodeJobInvoker(nodes *LocalNodeSet, capabilities Capabilities) *LocalNodeJobInvoker {
	return &LocalNodeJobInvoker{
		id:           "local-" + uuid.NewString(),
		nodes:        nodes,
		capabilities: capabilities.Clone(),
	}
}

func (i *LocalNodeJobInvoker) ID() string {
	return i.id
}

func (i *LocalNodeJobInvoker) Capabilities() Capabilities {
	return i.capabilities.Clone()
}

func (i *LocalNodeJobInvoker) IsAlive() bool {
	return atomic.LoadInt32(&i.closed) == 0
}

func (i *LocalNodeJobInvoker) Close() {
	atomic.StoreInt32(&i.closed, 1)
}

// Invoke returns ErrNoCapacity when every node is busy.
func (i *LocalNodeJobInvoker) Invoke(ctx context.Context, job *CalculationJob, receiver JobInvocationReceiver) error {
	if !i.IsAlive() {
		return apierrors.ErrInvokerClosed
	}
	node, ok := i.nodes.tryAcquire()
	if !ok {
		return apierrors.ErrNoCapacity
	}

	span := trace.SpanFromContextSafe(ctx)
	_, jobCtx := trace.StartSpanFromContextWithTraceID(context.Background(), "", span.TraceID())
	go func() {
		result, err := node.ExecuteJob(jobCtx, job)
		i.nodes.release(node)
		if err != nil {
			metrics.Jobs.WithLabelValues("local", "failed").Inc()
			receiver.JobFailed(jobCtx, i, node.NodeID(), err)
			return
		}
		metrics.Jobs.WithLabelValues("local", "completed").Inc()
		receiver.JobCompleted(jobCtx, result)
	}()
	return nil
}
