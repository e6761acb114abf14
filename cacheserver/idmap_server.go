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
package cacheserver

import (
	"context"

	"github.com/cubefs/calcgrid/idmap"
	"github.com/cubefs/calcgrid/proto"
)

// IdentifierMapServer answers identifier map lookups against the shared map. It
// holds no per-connection state.
type IdentifierMapServer struct {
	idMap idmap.IdentifierMap
}

func NewIdentifierMapServer(idMap idmap.IdentifierMap) *IdentifierMapServer {
	return &IdentifierMapServer{idMap: idMap}
}

// lookupIdentifiers replies with the identifiers in the order of the request keys.
func (s *IdentifierMapServer) lookupIdentifiers(ctx context.Context, body *proto.Message) (*proto.Envelope, error) {
	keys, err := proto.GetValueKeys(body)
	if err != nil {
		return nil, err
	}
	ids := make([]proto.Identifier, len(keys))
	if len(keys) == 1 {
		if ids[0], err = s.idMap.GetIdentifier(ctx, keys[0]); err != nil {
			return nil, err
		}
	} else {
		found, err := s.idMap.GetIdentifiers(ctx, keys)
		if err != nil {
			return nil, err
		}
		for i := range keys {
			ids[i] = found[keys[i]]
		}
	}
	return proto.NewEnvelope(proto.KindIdentifierLookupReply, proto.AddIdentifiers(proto.NewMessage(), ids)), nil
}

func (s *IdentifierMapServer) lookupValueKeys(ctx context.Context, body *proto.Message) (*proto.Envelope, error) {
	ids := proto.GetIdentifiers(body)
	keys := make([]proto.ValueKey, len(ids))
	found, err := s.idMap.GetValueKeys(ctx, ids)
	if err != nil {
		return nil, err
	}
	for i := range ids {
		keys[i] = found[ids[i]]
	}
	return proto.NewEnvelope(proto.KindValueKeyLookupReply, proto.AddValueKeys(proto.NewMessage(), keys)), nil
}
