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

	"github.com/cubefs/calcgrid/proto"
)

// ComputationTarget is what a function runs against. Value is opaque to the node.
type ComputationTarget struct {
	Specification ComputationTargetSpecification
	Value         interface{}
}

// ComputationTargetResolver resolves target specifications. A nil target with a nil
// error means the target does not exist.
type ComputationTargetResolver interface {
	Resolve(ctx context.Context, spec ComputationTargetSpecification) (*ComputationTarget, error)
}

// SimpleTargetResolver resolves every specification to a target without a value,
// or to the value registered for it.
type SimpleTargetResolver struct {
	values sync.Map
}

func NewSimpleTargetResolver() *SimpleTargetResolver {
	return &SimpleTargetResolver{}
}

func (r *SimpleTargetResolver) Add(spec ComputationTargetSpecification, value interface{}) {
	r.values.Store(spec, value)
}

func (r *SimpleTargetResolver) Resolve(ctx context.Context, spec ComputationTargetSpecification) (*ComputationTarget, error) {
	value, _ := r.values.Load(spec)
	return &ComputationTarget{Specification: spec, Value: value}, nil
}

// FunctionExecutionContext is shared by every function invocation of a node set.
type FunctionExecutionContext struct {
	ValuationTime time.Time
	Attributes    map[string]string
}

// FunctionInvoker computes the desired outputs of one item from its inputs.
type FunctionInvoker interface {
	Execute(ctx context.Context, execCtx *FunctionExecutionContext, target *ComputationTarget,
		inputs map[proto.ValueKey][]byte, outputs []proto.ValueKey) ([]proto.ComputedValue, error)
}

type FunctionInvokerFunc func(ctx context.Context, execCtx *FunctionExecutionContext, target *ComputationTarget,
	inputs map[proto.ValueKey][]byte, outputs []proto.ValueKey) ([]proto.ComputedValue, error)

func (f FunctionInvokerFunc) Execute(ctx context.Context, execCtx *FunctionExecutionContext, target *ComputationTarget,
	inputs map[proto.ValueKey][]byte, outputs []proto.ValueKey,
) ([]proto.ComputedValue, error) {
	return f(ctx, execCtx, target, inputs, outputs)
}

type FunctionRepository interface {
	GetFunction(functionID string) (FunctionInvoker, bool)
}

type InMemoryFunctionRepository struct {
	functions map[string]FunctionInvoker
	lock      sync.RWMutex
}

func NewInMemoryFunctionRepository() *InMemoryFunctionRepository {
	return &InMemoryFunctionRepository{functions: make(map[string]FunctionInvoker)}
}

func (r *InMemoryFunctionRepository) AddFunction(functionID string, fn FunctionInvoker) {
	r.lock.Lock()
	r.functions[functionID] = fn
	r.lock.Unlock()
}

func (r *InMemoryFunctionRepository) GetFunction(functionID string) (FunctionInvoker, bool) {
	r.lock.RLock()
	fn, ok := r.functions[functionID]
	r.lock.RUnlock()
	return fn, ok
}
