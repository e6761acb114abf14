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
	"fmt"
	"time"

	"github.com/cubefs/calcgrid/cache"
	"github.com/cubefs/calcgrid/proto"
)

// JobSpecification identifies one calculation job. It is a value type, two
// specifications are equal iff all the fields are.
type JobSpecification struct {
	ViewName           string
	IterationTimestamp int64
	JobID              int64
}

func NewJobSpecification(viewName string, iterationTimestamp, jobID int64) JobSpecification {
	return JobSpecification{ViewName: viewName, IterationTimestamp: iterationTimestamp, JobID: jobID}
}

// Clone returns a copy that is safe to hand to another goroutine.
func (s JobSpecification) Clone() JobSpecification {
	return NewJobSpecification(s.ViewName, s.IterationTimestamp, s.JobID)
}

func (s JobSpecification) String() string {
	return fmt.Sprintf("JobSpecification[%s, %d, %d]", s.ViewName, s.IterationTimestamp, s.JobID)
}

type ComputationTargetSpecification struct {
	Type string
	ID   string
}

func (s ComputationTargetSpecification) String() string {
	return s.Type + "~" + s.ID
}

// JobItem is one function invocation of a job.
type JobItem struct {
	FunctionID string
	Target     ComputationTargetSpecification
	Inputs     []proto.ValueKey
	Outputs    []proto.ValueKey
}

type CalculationJob struct {
	Specification  JobSpecification
	CalcConfigName string
	Items          []JobItem
	// Hint selects the store of every input and output, nil means all private.
	Hint *cache.CacheSelectHint
}

// CacheKey is the cache the job reads from and writes to.
func (j *CalculationJob) CacheKey() proto.CacheKey {
	return proto.NewCacheKey(j.Specification.ViewName, j.CalcConfigName, j.Specification.IterationTimestamp)
}

// JobResultItem is the outcome of the item at the same position of the job.
// An empty Failure means the item succeeded.
type JobResultItem struct {
	FunctionID string
	Duration   time.Duration
	Failure    string
}

func (i JobResultItem) Failed() bool {
	return i.Failure != ""
}

type CalculationJobResult struct {
	Specification JobSpecification
	NodeID        string
	Duration      time.Duration
	Items         []JobResultItem
}

// FailedItems counts the items that did not complete.
func (r *CalculationJobResult) FailedItems() int {
	n := 0
	for i := range r.Items {
		if r.Items[i].Failed() {
			n++
		}
	}
	return n
}
