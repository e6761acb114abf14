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
package cache

import "github.com/cubefs/calcgrid/proto"

// CacheSelectHint tells which of the two stores a value key lives in. The listed
// keys take the listed placement, every other key takes the opposite one.
type CacheSelectHint struct {
	private bool
	keys    map[proto.ValueKey]struct{}
}

func newHint(private bool, keys []proto.ValueKey) *CacheSelectHint {
	h := &CacheSelectHint{private: private, keys: make(map[proto.ValueKey]struct{}, len(keys))}
	for _, key := range keys {
		h.keys[key] = struct{}{}
	}
	return h
}

func AllPrivate() *CacheSelectHint {
	return newHint(false, nil)
}

func AllShared() *CacheSelectHint {
	return newHint(true, nil)
}

// PrivateValues marks keys as private and everything else as shared.
func PrivateValues(keys ...proto.ValueKey) *CacheSelectHint {
	return newHint(true, keys)
}

// SharedValues marks keys as shared and everything else as private.
func SharedValues(keys ...proto.ValueKey) *CacheSelectHint {
	return newHint(false, keys)
}

func (h *CacheSelectHint) IsPrivate(key proto.ValueKey) bool {
	_, listed := h.keys[key]
	return listed == h.private
}

// Listed returns the listed keys and whether they are the private ones.
func (h *CacheSelectHint) Listed() (keys []proto.ValueKey, private bool) {
	keys = make([]proto.ValueKey, 0, len(h.keys))
	for key := range h.keys {
		keys = append(keys, key)
	}
	return keys, h.private
}
