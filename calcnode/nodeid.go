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
	"strconv"
	"sync/atomic"

	"github.com/cubefs/calcgrid/util"
)

const defaultNodeIndex = "0"

// NodeIDGenerator hands out node identities of the form host/nodeIndex/counter.
// The counter is per generator, so a process should share one.
type NodeIDGenerator struct {
	prefix  string
	counter uint64
}

// NewNodeIDGenerator falls back to the local host name and to node index "0".
func NewNodeIDGenerator(host, nodeIndex string) *NodeIDGenerator {
	if host == "" {
		host = util.GetHostName()
	}
	if nodeIndex == "" {
		nodeIndex = defaultNodeIndex
	}
	return &NodeIDGenerator{prefix: host + "/" + nodeIndex + "/"}
}

func (g *NodeIDGenerator) Next() string {
	return g.prefix + strconv.FormatUint(atomic.AddUint64(&g.counter, 1), 10)
}
