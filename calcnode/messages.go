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
	"time"

	"github.com/cubefs/calcgrid/cache"
	apierrors "github.com/cubefs/calcgrid/errors"
	"github.com/cubefs/calcgrid/idmap"
	"github.com/cubefs/calcgrid/proto"
)

const (
	fieldSpec         = "spec"
	fieldView         = "view"
	fieldTimestamp    = "ts"
	fieldJobID        = "job"
	fieldConfig       = "config"
	fieldHint         = "hint"
	fieldHintPrivate  = "hint_private"
	fieldItem         = "item"
	fieldFunction     = "fn"
	fieldTargetType   = "tt"
	fieldTargetID     = "ti"
	fieldInputs       = "in"
	fieldOutputs      = "out"
	fieldNode         = "node"
	fieldDuration     = "duration"
	fieldFailure      = "failure"
	fieldMessage      = "message"
	fieldCapabilities = "capabilities"
)

func specToMessage(s JobSpecification) *proto.Message {
	return proto.NewMessage().
		AddString(fieldView, s.ViewName).
		AddInt64(fieldTimestamp, s.IterationTimestamp).
		AddInt64(fieldJobID, s.JobID)
}

func specFromMessage(m *proto.Message) (JobSpecification, error) {
	if m == nil {
		return JobSpecification{}, apierrors.ErrMalformedMessage
	}
	view, ok1 := m.GetString(fieldView)
	ts, ok2 := m.GetInt64(fieldTimestamp)
	id, ok3 := m.GetInt64(fieldJobID)
	if !ok1 || !ok2 || !ok3 {
		return JobSpecification{}, apierrors.ErrMalformedMessage
	}
	return NewJobSpecification(view, ts, id), nil
}

func releaseMessage(viewName string, timestamp int64) *proto.Message {
	return proto.NewMessage().
		AddString(fieldView, viewName).
		AddInt64(fieldTimestamp, timestamp)
}

func releaseFromMessage(m *proto.Message) (string, int64, error) {
	view, ok1 := m.GetString(fieldView)
	ts, ok2 := m.GetInt64(fieldTimestamp)
	if !ok1 || !ok2 {
		return "", 0, apierrors.ErrMalformedMessage
	}
	return view, ts, nil
}

func getSpec(body *proto.Message) (JobSpecification, error) {
	m, ok := body.GetMessage(fieldSpec)
	if !ok {
		return JobSpecification{}, apierrors.ErrMalformedMessage
	}
	return specFromMessage(m)
}

// encodeJob replaces every value key of the job by its identifier in idMap.
func encodeJob(ctx context.Context, job *CalculationJob, idMap idmap.IdentifierMap) (*proto.Message, error) {
	var hintKeys []proto.ValueKey
	var hintPrivate bool
	if job.Hint != nil {
		hintKeys, hintPrivate = job.Hint.Listed()
	}

	keys := append([]proto.ValueKey(nil), hintKeys...)
	for i := range job.Items {
		keys = append(keys, job.Items[i].Inputs...)
		keys = append(keys, job.Items[i].Outputs...)
	}
	ids, err := idMap.GetIdentifiers(ctx, keys)
	if err != nil {
		return nil, err
	}
	toIDs := func(keys []proto.ValueKey) []int64 {
		ret := make([]int64, len(keys))
		for i := range keys {
			ret[i] = int64(ids[keys[i]])
		}
		return ret
	}

	m := proto.NewMessage().
		AddMessage(fieldSpec, specToMessage(job.Specification)).
		AddString(fieldConfig, job.CalcConfigName)
	if job.Hint != nil {
		m.AddBool(fieldHintPrivate, hintPrivate).AddInt64s(fieldHint, toIDs(hintKeys))
	}
	for i := range job.Items {
		item := &job.Items[i]
		m.AddMessage(fieldItem, proto.NewMessage().
			AddString(fieldFunction, item.FunctionID).
			AddString(fieldTargetType, item.Target.Type).
			AddString(fieldTargetID, item.Target.ID).
			AddInt64s(fieldInputs, toIDs(item.Inputs)).
			AddInt64s(fieldOutputs, toIDs(item.Outputs)))
	}
	return m, nil
}

// decodeJob resolves the identifiers of an encoded job back to value keys.
func decodeJob(ctx context.Context, m *proto.Message, idMap idmap.IdentifierMap) (*CalculationJob, error) {
	spec, err := getSpec(m)
	if err != nil {
		return nil, err
	}
	config, ok := m.GetString(fieldConfig)
	if !ok {
		return nil, apierrors.ErrMalformedMessage
	}

	type encodedItem struct {
		fn, targetType, targetID string
		inputs, outputs          []int64
	}
	subs := m.GetMessages(fieldItem)
	items := make([]encodedItem, len(subs))
	hintIDs, hasHint := m.GetInt64s(fieldHint)
	all := proto.Int64sToIdentifiers(hintIDs)
	for i, sub := range subs {
		it := &items[i]
		var ok1, ok2, ok3 bool
		it.fn, ok1 = sub.GetString(fieldFunction)
		it.targetType, ok2 = sub.GetString(fieldTargetType)
		it.targetID, ok3 = sub.GetString(fieldTargetID)
		if !ok1 || !ok2 || !ok3 {
			return nil, apierrors.ErrMalformedMessage
		}
		it.inputs, _ = sub.GetInt64s(fieldInputs)
		it.outputs, _ = sub.GetInt64s(fieldOutputs)
		all = append(all, proto.Int64sToIdentifiers(it.inputs)...)
		all = append(all, proto.Int64sToIdentifiers(it.outputs)...)
	}
	keys, err := idMap.GetValueKeys(ctx, all)
	if err != nil {
		return nil, err
	}
	toKeys := func(ids []int64) []proto.ValueKey {
		ret := make([]proto.ValueKey, len(ids))
		for i := range ids {
			ret[i] = keys[proto.Identifier(ids[i])]
		}
		return ret
	}

	job := &CalculationJob{
		Specification:  spec,
		CalcConfigName: config,
		Items:          make([]JobItem, len(items)),
	}
	if hasHint {
		private, _ := m.GetBool(fieldHintPrivate)
		if private {
			job.Hint = cache.PrivateValues(toKeys(hintIDs)...)
		} else {
			job.Hint = cache.SharedValues(toKeys(hintIDs)...)
		}
	}
	for i := range items {
		job.Items[i] = JobItem{
			FunctionID: items[i].fn,
			Target:     ComputationTargetSpecification{Type: items[i].targetType, ID: items[i].targetID},
			Inputs:     toKeys(items[i].inputs),
			Outputs:    toKeys(items[i].outputs),
		}
	}
	return job, nil
}

func resultToMessage(r *CalculationJobResult) *proto.Message {
	m := proto.NewMessage().
		AddMessage(fieldSpec, specToMessage(r.Specification)).
		AddString(fieldNode, r.NodeID).
		AddInt64(fieldDuration, int64(r.Duration))
	for i := range r.Items {
		item := proto.NewMessage().
			AddString(fieldFunction, r.Items[i].FunctionID).
			AddInt64(fieldDuration, int64(r.Items[i].Duration))
		if r.Items[i].Failed() {
			item.AddString(fieldFailure, r.Items[i].Failure)
		}
		m.AddMessage(fieldItem, item)
	}
	return m
}

func resultFromMessage(m *proto.Message) (*CalculationJobResult, error) {
	spec, err := getSpec(m)
	if err != nil {
		return nil, err
	}
	r := &CalculationJobResult{Specification: spec}
	r.NodeID, _ = m.GetString(fieldNode)
	d, _ := m.GetInt64(fieldDuration)
	r.Duration = time.Duration(d)
	for _, sub := range m.GetMessages(fieldItem) {
		item := JobResultItem{}
		item.FunctionID, _ = sub.GetString(fieldFunction)
		d, _ := sub.GetInt64(fieldDuration)
		item.Duration = time.Duration(d)
		item.Failure, _ = sub.GetString(fieldFailure)
		r.Items = append(r.Items, item)
	}
	return r, nil
}

func failedMessage(spec JobSpecification, nodeID string, err error) *proto.Message {
	return proto.NewMessage().
		AddMessage(fieldSpec, specToMessage(spec)).
		AddString(fieldNode, nodeID).
		AddString(fieldMessage, err.Error())
}

func capabilitiesMessage(c Capabilities) *proto.Message {
	return proto.NewMessage().AddMessage(fieldCapabilities, c.ToMessage())
}

func getCapabilities(body *proto.Message) Capabilities {
	m, _ := body.GetMessage(fieldCapabilities)
	return CapabilitiesFromMessage(m)
}
