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

package idmap

import (
	"context"

	"github.com/cubefs/calcgrid/proto"
)

// IdentifierMap interns value keys to identifiers. Equal keys always receive the same
// identifier and an identifier is never handed out twice.
type IdentifierMap interface {
	// GetIdentifier returns the identifier of key, allocating one on first sight.
	GetIdentifier(ctx context.Context, key proto.ValueKey) (proto.Identifier, error)
	GetIdentifiers(ctx context.Context, keys []proto.ValueKey) (map[proto.ValueKey]proto.Identifier, error)
	// GetValueKey fails with ErrIdentifierNotFound for an identifier this map never allocated.
	GetValueKey(ctx context.Context, id proto.Identifier) (proto.ValueKey, error)
	GetValueKeys(ctx context.Context, ids []proto.Identifier) (map[proto.Identifier]proto.ValueKey, error)
}

func getIdentifiers(ctx context.Context, m IdentifierMap, keys []proto.ValueKey) (map[proto.ValueKey]proto.Identifier, error) {
	ret := make(map[proto.ValueKey]proto.Identifier, len(keys))
	for _, key := range keys {
		id, err := m.GetIdentifier(ctx, key)
		if err != nil {
			return nil, err
		}
		ret[key] = id
	}
	return ret, nil
}

func getValueKeys(ctx context.Context, m IdentifierMap, ids []proto.Identifier) (map[proto.Identifier]proto.ValueKey, error) {
	ret := make(map[proto.Identifier]proto.ValueKey, len(ids))
	for _, id := range ids {
		key, err := m.GetValueKey(ctx, id)
		if err != nil {
			return nil, err
		}
		ret[id] = key
	}
	return ret, nil
}
