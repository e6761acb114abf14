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
package proto

import (
	"sort"

	apierrors "github.com/cubefs/calcgrid/errors"
)

// body field names of the cache protocol
const (
	FieldKey    = "key"
	FieldIDs    = "ids"
	FieldValue  = "value"
	FieldCache  = "cache"
	FieldShared = "shared"
)

// DataRequest addresses one of the two stores of a cache.
type DataRequest struct {
	Cache  CacheKey
	Shared bool
}

func (r DataRequest) ToMessage() *Message {
	return NewMessage().AddMessage(FieldCache, r.Cache.ToMessage()).AddBool(FieldShared, r.Shared)
}

func DataRequestFromMessage(m *Message) (DataRequest, error) {
	sub, ok := m.GetMessage(FieldCache)
	if !ok {
		return DataRequest{}, apierrors.ErrMalformedMessage
	}
	key, err := CacheKeyFromMessage(sub)
	if err != nil {
		return DataRequest{}, err
	}
	shared, _ := m.GetBool(FieldShared)
	return DataRequest{Cache: key, Shared: shared}, nil
}

func AddValueKeys(m *Message, keys []ValueKey) *Message {
	for i := range keys {
		m.AddMessage(FieldKey, keys[i].ToMessage())
	}
	return m
}

func GetValueKeys(m *Message) ([]ValueKey, error) {
	subs := m.GetMessages(FieldKey)
	keys := make([]ValueKey, len(subs))
	for i := range subs {
		key, err := ValueKeyFromMessage(subs[i])
		if err != nil {
			return nil, err
		}
		keys[i] = key
	}
	return keys, nil
}

func AddIdentifiers(m *Message, ids []Identifier) *Message {
	return m.AddInt64s(FieldIDs, IdentifiersToInt64s(ids))
}

// GetIdentifiers returns an empty slice when the field is absent.
func GetIdentifiers(m *Message) []Identifier {
	raw, _ := m.GetInt64s(FieldIDs)
	return Int64sToIdentifiers(raw)
}

// AddValues writes values as an identifier list and a parallel list of payloads,
// in identifier order.
func AddValues(m *Message, values map[Identifier][]byte) *Message {
	ids := make([]Identifier, 0, len(values))
	for id := range values {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	AddIdentifiers(m, ids)
	for _, id := range ids {
		m.AddBytes(FieldValue, values[id])
	}
	return m
}

func GetValues(m *Message) (map[Identifier][]byte, error) {
	ids := GetIdentifiers(m)
	values := m.GetBytesList(FieldValue)
	if len(ids) != len(values) {
		return nil, apierrors.ErrMalformedMessage
	}
	ret := make(map[Identifier][]byte, len(ids))
	for i, id := range ids {
		ret[id] = values[i]
	}
	return ret, nil
}
