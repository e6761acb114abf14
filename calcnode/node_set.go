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
	"math"
	"runtime"
	"sync"

	"github.com/cubefs/calcgrid/cache"
	apierrors "github.com/cubefs/calcgrid/errors"
)

// NodeSetConfig sizes a node set, exactly one of NodeCount and NodesPerCore is set.
type NodeSetConfig struct {
	NodeCount    int     `json:"node_count"`
	NodesPerCore float64 `json:"nodes_per_core"`
	// workers of the write behind pool, 0 writes outputs synchronously
	WriteBehindWorkers int `json:"write_behind_workers"`
}

// NodeSetDependencies are shared by every node of a set.
type NodeSetDependencies struct {
	Source           *cache.Source
	Functions        FunctionRepository
	ExecutionContext *FunctionExecutionContext
	TargetResolver   ComputationTargetResolver
	NodeIDs          *NodeIDGenerator
}

func (d *NodeSetDependencies) validate() error {
	switch {
	case d.Source == nil:
		return fmt.Errorf("%w: cache source", apierrors.ErrNilDependency)
	case d.Functions == nil:
		return fmt.Errorf("%w: function repository", apierrors.ErrNilDependency)
	case d.ExecutionContext == nil:
		return fmt.Errorf("%w: function execution context", apierrors.ErrNilDependency)
	case d.TargetResolver == nil:
		return fmt.Errorf("%w: target resolver", apierrors.ErrNilDependency)
	case d.NodeIDs == nil:
		return fmt.Errorf("%w: node id generator", apierrors.ErrNilDependency)
	}
	return nil
}

// nodeCount resolves the configured size against the given number of cores.
func (cfg *NodeSetConfig) nodeCount(cores int) (int, error) {
	if cfg.NodeCount < 0 || cfg.NodesPerCore < 0 {
		return 0, apierrors.ErrInvalidNodeSetConfig
	}
	if (cfg.NodeCount == 0) == (cfg.NodesPerCore == 0) {
		return 0, apierrors.ErrInvalidNodeSetConfig
	}
	if cfg.NodeCount > 0 {
		return cfg.NodeCount, nil
	}
	return int(math.Ceil(cfg.NodesPerCore * float64(cores))), nil
}

// LocalNodeSet is a fixed group of local nodes sharing one cache source, one function
// repository and one write behind pool. A node runs one job at a time.
type LocalNodeSet struct {
	nodes []*LocalCalculationNode
	free  chan *LocalCalculationNode

	source      *cache.Source
	writeBehind *writeBehindPool
	closeOnce   sync.Once
}

func NewLocalNodeSet(cfg NodeSetConfig, deps NodeSetDependencies) (*LocalNodeSet, error) {
	if err := deps.validate(); err != nil {
		return nil, err
	}
	count, err := cfg.nodeCount(runtime.NumCPU())
	if err != nil {
		return nil, err
	}

	set := &LocalNodeSet{
		nodes:  make([]*LocalCalculationNode, count),
		free:   make(chan *LocalCalculationNode, count),
		source: deps.Source,
	}
	if cfg.WriteBehindWorkers > 0 {
		set.writeBehind = newWriteBehindPool(cfg.WriteBehindWorkers)
	}
	for i := range set.nodes {
		set.nodes[i] = &LocalCalculationNode{
			id:          deps.NodeIDs.Next(),
			source:      deps.Source,
			functions:   deps.Functions,
			execCtx:     deps.ExecutionContext,
			resolver:    deps.TargetResolver,
			writeBehind: set.writeBehind,
		}
		set.free <- set.nodes[i]
	}
	return set, nil
}

func (s *LocalNodeSet) Nodes() []*LocalCalculationNode {
	return s.nodes
}

func (s *LocalNodeSet) Size() int {
	return len(s.nodes)
}

// Idle counts the nodes not running a job.
func (s *LocalNodeSet) Idle() int {
	return len(s.free)
}

func (s *LocalNodeSet) tryAcquire() (*LocalCalculationNode, bool) {
	select {
	case n := <-s.free:
		return n, true
	default:
		return nil, false
	}
}

func (s *LocalNodeSet) acquire(ctx context.Context) (*LocalCalculationNode, error) {
	select {
	case n := <-s.free:
		return n, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *LocalNodeSet) release(n *LocalCalculationNode) {
	s.free <- n
}

// Source is the cache source every node of the set executes against.
func (s *LocalNodeSet) Source() *cache.Source {
	return s.source
}

// Close stops the write behind pool. Jobs still running write their outputs
// synchronously.
func (s *LocalNodeSet) Close() {
	s.closeOnce.Do(func() {
		if s.writeBehind != nil {
			s.writeBehind.close()
		}
	})
}
