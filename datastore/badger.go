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

package datastore

import (
	"context"
	"os"

	"github.com/cubefs/cubefs/blobstore/util/errors"
	"github.com/cubefs/cubefs/blobstore/util/log"
	"github.com/dgraph-io/badger/v4"

	apierrors "github.com/cubefs/calcgrid/errors"
	"github.com/cubefs/calcgrid/proto"
)

type BadgerConfig struct {
	Path       string `json:"path"`
	InMemory   bool   `json:"in_memory"`
	SyncWrites bool   `json:"sync_writes"`
}

type badgerLogger struct{}

func (badgerLogger) Errorf(format string, args ...interface{})   { log.Errorf(format, args...) }
func (badgerLogger) Warningf(format string, args ...interface{}) { log.Warnf(format, args...) }
func (badgerLogger) Infof(format string, args ...interface{})    { log.Debugf(format, args...) }
func (badgerLogger) Debugf(format string, args ...interface{})   { log.Debugf(format, args...) }

func OpenBadger(cfg *BadgerConfig) (*badger.DB, error) {
	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if cfg.Path == "" {
			return nil, errors.New("badger path is empty")
		}
		if err := os.MkdirAll(cfg.Path, 0o755); err != nil {
			return nil, err
		}
		opts = badger.DefaultOptions(cfg.Path)
	}
	opts = opts.WithSyncWrites(cfg.SyncWrites).WithNumVersionsToKeep(1).WithLogger(badgerLogger{})

	db, err := badger.Open(opts)
	if err != nil {
		return nil, errors.Info(err, "open badger failed").Detail(err)
	}
	return db, nil
}

type badgerFactory struct {
	db *badger.DB
}

// NewBadgerFactory returns a factory keeping every cache instance under its own key prefix.
func NewBadgerFactory(db *badger.DB) Factory {
	return &badgerFactory{db: db}
}

func (f *badgerFactory) CreateDataStore(ctx context.Context, key proto.CacheKey) (BinaryDataStore, error) {
	return &badgerStore{db: f.db, prefix: []byte(key.StoreName() + "/")}, nil
}

type badgerStore struct {
	db     *badger.DB
	prefix []byte
}

func (s *badgerStore) itemKey(id proto.Identifier) []byte {
	k := make([]byte, 0, len(s.prefix)+8)
	k = append(k, s.prefix...)
	return append(k, encodeID(id)...)
}

func (s *badgerStore) Put(ctx context.Context, id proto.Identifier, data []byte) error {
	if data == nil {
		return apierrors.ErrInvalidData
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(s.itemKey(id), copyData(data))
	})
}

func (s *badgerStore) PutAll(ctx context.Context, values map[proto.Identifier][]byte) error {
	wb := s.db.NewWriteBatch()
	defer wb.Cancel()
	for id, data := range values {
		if data == nil {
			return apierrors.ErrInvalidData
		}
		if err := wb.Set(s.itemKey(id), copyData(data)); err != nil {
			return err
		}
	}
	return wb.Flush()
}

func (s *badgerStore) Get(ctx context.Context, id proto.Identifier) (data []byte, err error) {
	err = s.db.View(func(txn *badger.Txn) error {
		data, err = getItem(txn, s.itemKey(id))
		return err
	})
	return
}

func (s *badgerStore) GetAll(ctx context.Context, ids []proto.Identifier) (map[proto.Identifier][]byte, error) {
	ret := make(map[proto.Identifier][]byte, len(ids))
	err := s.db.View(func(txn *badger.Txn) error {
		for _, id := range ids {
			data, err := getItem(txn, s.itemKey(id))
			if err != nil {
				return err
			}
			if data != nil {
				ret[id] = data
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return ret, nil
}

func getItem(txn *badger.Txn, key []byte) ([]byte, error) {
	item, err := txn.Get(key)
	if err == badger.ErrKeyNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	data, err := item.ValueCopy(nil)
	if err != nil {
		return nil, err
	}
	if data == nil {
		data = []byte{}
	}
	return data, nil
}

func (s *badgerStore) List(ctx context.Context) ListReader {
	txn := s.db.NewTransaction(false)
	opts := badger.DefaultIteratorOptions
	opts.Prefix = s.prefix
	it := txn.NewIterator(opts)
	it.Seek(s.prefix)
	return &badgerListReader{txn: txn, it: it, prefix: s.prefix, isFirst: true}
}

func (s *badgerStore) Delete(ctx context.Context) error {
	return s.db.DropPrefix(s.prefix)
}

type badgerListReader struct {
	txn     *badger.Txn
	it      *badger.Iterator
	prefix  []byte
	isFirst bool
}

func (r *badgerListReader) ReadNext() (proto.Identifier, []byte, error) {
	if !r.isFirst {
		r.it.Next()
	}
	r.isFirst = false
	if !r.it.ValidForPrefix(r.prefix) {
		return 0, nil, nil
	}
	item := r.it.Item()
	id := decodeID(item.Key()[len(r.prefix):])
	data, err := item.ValueCopy(nil)
	if err != nil {
		return 0, nil, err
	}
	if data == nil {
		data = []byte{}
	}
	return id, data, nil
}

func (r *badgerListReader) Close() {
	r.it.Close()
	r.txn.Discard()
}
