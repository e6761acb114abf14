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
	"time"

	"github.com/cubefs/cubefs/blobstore/common/trace"
	"github.com/cubefs/cubefs/blobstore/util/errors"
	"github.com/cubefs/cubefs/blobstore/util/taskpool"

	"github.com/cubefs/calcgrid/cache"
	apierrors "github.com/cubefs/calcgrid/errors"
	"github.com/cubefs/calcgrid/proto"
)

// LocalCalculationNode executes jobs in this process against the caches of a Source.
type LocalCalculationNode struct {
	id        string
	source    *cache.Source
	functions FunctionRepository
	execCtx   *FunctionExecutionContext
	resolver  ComputationTargetResolver
	// nil writes outputs synchronously
	writeBehind *writeBehindPool
}

func (n *LocalCalculationNode) NodeID() string {
	return n.id
}

// ExecuteJob runs every item of the job in order and returns once all their outputs
// are written. Later items see the outputs of earlier ones even while those are still
// being written behind. A failing item is recorded in the result and does not stop the
// others, only failing to obtain the cache fails the job.
func (n *LocalCalculationNode) ExecuteJob(ctx context.Context, job *CalculationJob) (*CalculationJobResult, error) {
	span := trace.SpanFromContextSafe(ctx)
	start := time.Now()

	vc, err := n.source.GetCacheByKey(ctx, job.CacheKey())
	if err != nil {
		span.Errorf("node[%s] get cache of %s failed: %s", n.id, job.Specification, errors.Detail(err))
		return nil, err
	}

	result := &CalculationJobResult{
		Specification: job.Specification,
		NodeID:        n.id,
		Items:         make([]JobResultItem, len(job.Items)),
	}
	wg := sync.WaitGroup{}
	produced := make(map[proto.ValueKey][]byte)
	for i := range job.Items {
		item := &job.Items[i]
		resultItem := &result.Items[i]
		resultItem.FunctionID = item.FunctionID

		itemStart := time.Now()
		outputs, err := n.executeItem(ctx, vc, job.Hint, item, produced)
		resultItem.Duration = time.Since(itemStart)
		if err != nil {
			span.Warnf("node[%s] %s item %d %s on %s failed: %s", n.id, job.Specification, i, item.FunctionID, item.Target, err)
			resultItem.Failure = err.Error()
			continue
		}
		for _, v := range outputs {
			produced[v.Key] = v.Data
		}
		n.write(ctx, vc, job.Hint, outputs, resultItem, &wg)
	}
	wg.Wait()

	result.Duration = time.Since(start)
	span.Debugf("node[%s] %s done in %s, %d of %d items failed", n.id, job.Specification, result.Duration,
		result.FailedItems(), len(result.Items))
	return result, nil
}

func (n *LocalCalculationNode) executeItem(ctx context.Context, vc *cache.ViewComputationCache, hint *cache.CacheSelectHint,
	item *JobItem, produced map[proto.ValueKey][]byte,
) ([]proto.ComputedValue, error) {
	target, err := n.resolver.Resolve(ctx, item.Target)
	if err != nil {
		return nil, err
	}
	if target == nil {
		return nil, apierrors.ErrTargetNotResolved
	}
	fn, ok := n.functions.GetFunction(item.FunctionID)
	if !ok {
		return nil, apierrors.ErrFunctionNotFound
	}

	// outputs of earlier items of the job may not have reached the cache yet
	inputs := make(map[proto.ValueKey][]byte, len(item.Inputs))
	var keys []proto.ValueKey
	for _, key := range item.Inputs {
		if data, ok := produced[key]; ok {
			inputs[key] = data
		} else {
			keys = append(keys, key)
		}
	}
	if len(keys) > 0 {
		stored, err := vc.GetValues(ctx, keys, hint)
		if err != nil {
			return nil, err
		}
		for key, data := range stored {
			inputs[key] = data
		}
	}
	for _, key := range item.Inputs {
		if _, ok := inputs[key]; !ok {
			return nil, apierrors.ErrMissingInputs
		}
	}
	return fn.Execute(ctx, n.execCtx, target, inputs, item.Outputs)
}

// write stores the outputs of one item, on the write behind pool when there is one.
// A failed write marks the item as failed.
func (n *LocalCalculationNode) write(ctx context.Context, vc *cache.ViewComputationCache, hint *cache.CacheSelectHint,
	outputs []proto.ComputedValue, item *JobResultItem, wg *sync.WaitGroup,
) {
	if len(outputs) == 0 {
		return
	}
	put := func() {
		if err := vc.PutValues(ctx, outputs, hint); err != nil {
			trace.SpanFromContextSafe(ctx).Errorf("node[%s] write %d outputs of %s failed: %s",
				n.id, len(outputs), item.FunctionID, errors.Detail(err))
			item.Failure = err.Error()
		}
	}
	if n.writeBehind == nil {
		put()
		return
	}
	wg.Add(1)
	n.writeBehind.run(func() {
		defer wg.Done()
		put()
	})
}

// writeBehindPool runs output writes in the background. Writes issued after close run
// on the caller.
type writeBehindPool struct {
	lock   sync.RWMutex
	closed bool
	pool   taskpool.TaskPool
}

func newWriteBehindPool(workers int) *writeBehindPool {
	return &writeBehindPool{pool: taskpool.New(workers, workers)}
}

func (p *writeBehindPool) run(task func()) {
	p.lock.RLock()
	if p.closed {
		p.lock.RUnlock()
		task()
		return
	}
	p.pool.Run(task)
	p.lock.RUnlock()
}

// close waits for writes being queued, the workers drain the queue afterwards.
func (p *writeBehindPool) close() {
	p.lock.Lock()
	if p.closed {
		p.lock.Unlock()
		return
	}
	p.closed = true
	p.lock.Unlock()
	p.pool.Close()
}
