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
	"sort"
	"sync"

	"github.com/cubefs/cubefs/blobstore/common/trace"
)

// Registry is the in-process JobInvokerRegister the dispatcher selects invokers from.
type Registry struct {
	invokers map[string]JobInvoker
	lock     sync.RWMutex
}

func NewRegistry() *Registry {
	return &Registry{invokers: make(map[string]JobInvoker)}
}

// RegisterJobInvoker replaces any invoker registered under the same id.
func (r *Registry) RegisterJobInvoker(ctx context.Context, invoker JobInvoker) {
	r.lock.Lock()
	old := r.invokers[invoker.ID()]
	r.invokers[invoker.ID()] = invoker
	r.lock.Unlock()

	if old != nil && old != invoker {
		trace.SpanFromContextSafe(ctx).Warnf("job invoker[%s] replaced", invoker.ID())
		old.Close()
	}
	trace.SpanFromContextSafe(ctx).Infof("job invoker[%s] registered, capabilities: %v", invoker.ID(), invoker.Capabilities())
}

func (r *Registry) Unregister(ctx context.Context, id string) {
	r.lock.Lock()
	_, ok := r.invokers[id]
	delete(r.invokers, id)
	r.lock.Unlock()
	if ok {
		trace.SpanFromContextSafe(ctx).Infof("job invoker[%s] unregistered", id)
	}
}

func (r *Registry) GetInvoker(id string) (JobInvoker, bool) {
	r.lock.RLock()
	invoker, ok := r.invokers[id]
	r.lock.RUnlock()
	if !ok || !invoker.IsAlive() {
		return nil, false
	}
	return invoker, true
}

// Invokers returns the alive invokers ordered by id and drops the dead ones.
func (r *Registry) Invokers() []JobInvoker {
	r.lock.Lock()
	ret := make([]JobInvoker, 0, len(r.invokers))
	for id, invoker := range r.invokers {
		if !invoker.IsAlive() {
			delete(r.invokers, id)
			continue
		}
		ret = append(ret, invoker)
	}
	r.lock.Unlock()

	sort.Slice(ret, func(i, j int) bool {
		return ret[i].ID() < ret[j].ID()
	})
	return ret
}

// Select returns the alive invokers whose capabilities meet every requirement.
func (r *Registry) Select(requirements Capabilities) []JobInvoker {
	invokers := r.Invokers()
	ret := invokers[:0]
	for _, invoker := range invokers {
		if invoker.Capabilities().Satisfies(requirements) {
			ret = append(ret, invoker)
		}
	}
	return ret
}
