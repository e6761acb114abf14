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
package client

import (
	"context"
	stderrors "errors"
	"strings"

	"github.com/cubefs/cubefs/blobstore/common/trace"

	apierrors "github.com/cubefs/calcgrid/errors"
	"github.com/cubefs/calcgrid/idmap"
	"github.com/cubefs/calcgrid/proto"
)

// RemoteIdentifierMap resolves identifiers through a cache server and keeps every
// resolved pair in a local map, so each key is asked for at most once.
type RemoteIdentifierMap struct {
	conn  Caller
	local *idmap.InMemoryIdentifierMap
}

func newRemoteIdentifierMap(conn Caller) *RemoteIdentifierMap {
	return &RemoteIdentifierMap{conn: conn, local: idmap.NewInMemoryIdentifierMap()}
}

func (m *RemoteIdentifierMap) GetIdentifier(ctx context.Context, key proto.ValueKey) (proto.Identifier, error) {
	if id, ok := m.local.Lookup(key); ok {
		return id, nil
	}
	ids, err := m.GetIdentifiers(ctx, []proto.ValueKey{key})
	if err != nil {
		return 0, err
	}
	return ids[key], nil
}

func (m *RemoteIdentifierMap) GetIdentifiers(ctx context.Context, keys []proto.ValueKey) (map[proto.ValueKey]proto.Identifier, error) {
	ret := make(map[proto.ValueKey]proto.Identifier, len(keys))
	var missing []proto.ValueKey
	for _, key := range keys {
		if id, ok := m.local.Lookup(key); ok {
			ret[key] = id
		} else {
			missing = append(missing, key)
		}
	}
	if len(missing) == 0 {
		return ret, nil
	}

	reply, err := m.conn.Call(ctx, proto.NewEnvelope(proto.KindIdentifierLookup,
		proto.AddValueKeys(proto.NewMessage(), missing)))
	if err != nil {
		return nil, err
	}
	if reply.Kind != proto.KindIdentifierLookupReply {
		return nil, apierrors.ErrUnexpectedMessage
	}
	ids := proto.GetIdentifiers(reply.Body)
	if len(ids) != len(missing) {
		return nil, apierrors.ErrMalformedMessage
	}
	for i, key := range missing {
		if err = m.local.Register(key, ids[i]); err != nil {
			trace.SpanFromContextSafe(ctx).Errorf("register %s as %d failed: %s", key, ids[i], err)
			return nil, err
		}
		ret[key] = ids[i]
	}
	return ret, nil
}

func (m *RemoteIdentifierMap) GetValueKey(ctx context.Context, id proto.Identifier) (proto.ValueKey, error) {
	if key, ok := m.local.LookupValueKey(id); ok {
		return key, nil
	}
	keys, err := m.GetValueKeys(ctx, []proto.Identifier{id})
	if err != nil {
		return proto.ValueKey{}, err
	}
	return keys[id], nil
}

func (m *RemoteIdentifierMap) GetValueKeys(ctx context.Context, ids []proto.Identifier) (map[proto.Identifier]proto.ValueKey, error) {
	ret := make(map[proto.Identifier]proto.ValueKey, len(ids))
	var missing []proto.Identifier
	for _, id := range ids {
		if key, ok := m.local.LookupValueKey(id); ok {
			ret[id] = key
		} else {
			missing = append(missing, id)
		}
	}
	if len(missing) == 0 {
		return ret, nil
	}

	reply, err := m.conn.Call(ctx, proto.NewEnvelope(proto.KindValueKeyLookup,
		proto.AddIdentifiers(proto.NewMessage(), missing)))
	if err != nil {
		if isRemote(err, apierrors.ErrIdentifierNotFound) {
			trace.SpanFromContextSafe(ctx).Errorf("lookup of identifiers %v unknown to the server", missing)
			return nil, apierrors.ErrIdentifierNotFound
		}
		return nil, err
	}
	if reply.Kind != proto.KindValueKeyLookupReply {
		return nil, apierrors.ErrUnexpectedMessage
	}
	keys, err := proto.GetValueKeys(reply.Body)
	if err != nil {
		return nil, err
	}
	if len(keys) != len(missing) {
		return nil, apierrors.ErrMalformedMessage
	}
	for i, id := range missing {
		if err = m.local.Register(keys[i], id); err != nil {
			return nil, err
		}
		ret[id] = keys[i]
	}
	return ret, nil
}

// isRemote reports whether err is a failure reply carrying target.
func isRemote(err, target error) bool {
	return stderrors.Is(err, apierrors.ErrRemoteFailure) && strings.HasSuffix(err.Error(), target.Error())
}
