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

import (
	"context"

	"github.com/cubefs/calcgrid/datastore"
	"github.com/cubefs/calcgrid/idmap"
	"github.com/cubefs/calcgrid/proto"
)

// Iterator walks the stores of a cache once. It is not safe for concurrent use.
type Iterator struct {
	ctx    context.Context
	idMap  idmap.IdentifierMap
	stores []datastore.BinaryDataStore

	current datastore.ListReader
	index   int
}

// ReadNext returns the next pair, data is nil once the iteration is exhausted.
func (it *Iterator) ReadNext() (proto.ValueKey, []byte, error) {
	key, data, _, err := it.readNext()
	return key, data, err
}

// readNext also reports whether the pair came from the shared store.
func (it *Iterator) readNext() (proto.ValueKey, []byte, bool, error) {
	for it.index < len(it.stores) {
		if it.current == nil {
			it.current = it.stores[it.index].List(it.ctx)
		}
		id, data, err := it.current.ReadNext()
		if err != nil {
			return proto.ValueKey{}, nil, false, err
		}
		if data == nil {
			it.current.Close()
			it.current = nil
			it.index++
			continue
		}
		key, err := it.idMap.GetValueKey(it.ctx, id)
		if err != nil {
			return proto.ValueKey{}, nil, false, err
		}
		return key, data, it.index > 0, nil
	}
	return proto.ValueKey{}, nil, false, nil
}

func (it *Iterator) Close() {
	if it.current != nil {
		it.current.Close()
		it.current = nil
	}
	it.index = len(it.stores)
}
