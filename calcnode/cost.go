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
	"sync"
	"time"
)

// samples after which the average stops weighting every sample equally
const costWindow = 16

type FunctionStats struct {
	Invocations int64         `json:"invocations"`
	Cost        time.Duration `json:"cost"`
}

// FunctionCost tracks how many times each function ran and a moving average of
// the time one invocation takes.
type FunctionCost struct {
	stats map[string]*FunctionStats
	lock  sync.RWMutex
}

func NewFunctionCost() *FunctionCost {
	return &FunctionCost{stats: make(map[string]*FunctionStats)}
}

func (c *FunctionCost) Record(functionID string, cost time.Duration) {
	c.lock.Lock()
	defer c.lock.Unlock()
	s, ok := c.stats[functionID]
	if !ok {
		s = &FunctionStats{}
		c.stats[functionID] = s
	}
	s.Invocations++
	n := s.Invocations
	if n > costWindow {
		n = costWindow
	}
	s.Cost += (cost - s.Cost) / time.Duration(n)
}

func (c *FunctionCost) Get(functionID string) (FunctionStats, bool) {
	c.lock.RLock()
	defer c.lock.RUnlock()
	s, ok := c.stats[functionID]
	if !ok {
		return FunctionStats{}, false
	}
	return *s, true
}

func (c *FunctionCost) Stats() map[string]FunctionStats {
	c.lock.RLock()
	defer c.lock.RUnlock()
	ret := make(map[string]FunctionStats, len(c.stats))
	for id, s := range c.stats {
		ret[id] = *s
	}
	return ret
}

func (c *FunctionCost) recordResult(result *CalculationJobResult) {
	for i := range result.Items {
		if !result.Items[i].Failed() {
			c.Record(result.Items[i].FunctionID, result.Items[i].Duration)
		}
	}
}
