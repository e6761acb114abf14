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
	"encoding/binary"

	"github.com/cubefs/calcgrid/common/kvstore"
	"github.com/cubefs/calcgrid/proto"
)

const (
	keyCF  = kvstore.CF("idmap_key")
	idCF   = kvstore.CF("idmap_id")
	metaCF = kvstore.CF("idmap_meta")
)

var highWaterKey = []byte("next")

type storage struct {
	kvStore kvstore.Store
}

func newStorage(kvStore kvstore.Store) (*storage, error) {
	for _, col := range []kvstore.CF{keyCF, idCF, metaCF} {
		if err := kvStore.CreateColumn(col); err != nil {
			return nil, err
		}
	}
	return &storage{kvStore: kvStore}, nil
}

func (s *storage) GetIdentifier(ctx context.Context, key proto.ValueKey) (proto.Identifier, bool, error) {
	raw, err := s.kvStore.GetRaw(ctx, keyCF, key.Bytes())
	if err == kvstore.ErrNotFound {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return decodeIdentifier(raw), true, nil
}

func (s *storage) GetValueKey(ctx context.Context, id proto.Identifier) (proto.ValueKey, bool, error) {
	raw, err := s.kvStore.GetRaw(ctx, idCF, encodeIdentifier(id))
	if err == kvstore.ErrNotFound {
		return proto.ValueKey{}, false, nil
	}
	if err != nil {
		return proto.ValueKey{}, false, err
	}
	key, err := proto.ParseValueKey(raw)
	if err != nil {
		return proto.ValueKey{}, false, err
	}
	return key, true, nil
}

func (s *storage) GetHighWater(ctx context.Context) (proto.Identifier, error) {
	raw, err := s.kvStore.GetRaw(ctx, metaCF, highWaterKey)
	if err == kvstore.ErrNotFound {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return decodeIdentifier(raw), nil
}

// GetLastIdentifier returns the largest persisted identifier, zero when there is none.
func (s *storage) GetLastIdentifier(ctx context.Context) (proto.Identifier, error) {
	lr := s.kvStore.List(ctx, idCF, nil, nil)
	if lr == nil {
		return 0, kvstore.ErrColumnNotFound
	}
	defer lr.Close()

	kg, vg, err := lr.ReadLast()
	if err != nil {
		return 0, err
	}
	if kg == nil || vg == nil {
		return 0, nil
	}
	id := decodeIdentifier(kg.Key())
	kg.Close()
	vg.Close()
	return id, nil
}

// Put writes the pair and the new high water mark in one synced batch.
func (s *storage) Put(ctx context.Context, key proto.ValueKey, id proto.Identifier) error {
	batch := s.kvStore.NewWriteBatch()
	defer batch.Close()

	rawID := encodeIdentifier(id)
	batch.Put(keyCF, key.Bytes(), rawID)
	batch.Put(idCF, rawID, key.Bytes())
	batch.Put(metaCF, highWaterKey, rawID)

	wo := s.kvStore.NewWriteOption()
	defer wo.Close()
	wo.SetSync(true)
	return s.kvStore.Write(ctx, batch, wo)
}

// Flush persists the memtables of the identifier map columns.
func (s *storage) Flush(ctx context.Context) error {
	for _, col := range []kvstore.CF{keyCF, idCF, metaCF} {
		if err := s.kvStore.FlushCF(ctx, col); err != nil {
			return err
		}
	}
	return nil
}

func encodeIdentifier(id proto.Identifier) []byte {
	v := make([]byte, 8)
	binary.BigEndian.PutUint64(v, uint64(id))
	return v
}

func decodeIdentifier(raw []byte) proto.Identifier {
	return proto.Identifier(binary.BigEndian.Uint64(raw))
}
