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

package kvstore

import (
	"context"
	"errors"
)

const (
	defaultCF = "default"

	RocksdbLsmKVType = LsmKVType("rocksdb")
)

var (
	ErrNotFound       = errors.New("key not found")
	ErrKVTypeNotFound = errors.New("kv type not found")
	ErrColumnNotFound = errors.New("column family not found")
)

type (
	CF        string
	LsmKVType string

	Store interface {
		CreateColumn(col CF) error
		DropColumn(col CF) error
		GetAllColumns() []CF
		CheckColumns(col CF) bool
		GetRaw(ctx context.Context, col CF, key []byte) (value []byte, err error)
		SetRaw(ctx context.Context, col CF, key []byte, value []byte, writeOpt WriteOption) error
		List(ctx context.Context, col CF, prefix []byte, marker []byte) ListReader
		Write(ctx context.Context, batch WriteBatch, writeOpt WriteOption) error
		NewWriteOption() (writeOption WriteOption)
		NewWriteBatch() (writeBatch WriteBatch)
		FlushCF(ctx context.Context, col CF) error
		Close()
	}
	ListReader interface {
		ReadNext() (key KeyGetter, val ValueGetter, err error)
		ReadNextCopy() (key []byte, value []byte, err error)
		ReadLast() (key KeyGetter, val ValueGetter, err error)
		Close()
	}
	KeyGetter interface {
		Key() []byte
		Close()
	}
	ValueGetter interface {
		Value() []byte
		Size() int
		Close()
	}
	WriteOption interface {
		SetSync(value bool)
		Close()
	}
	WriteBatch interface {
		Put(col CF, key, value []byte)
		Close()
	}

	Option struct {
		Sync                 bool   `json:"sync"`
		ColumnFamily         []CF   `json:"column_family"`
		CreateIfMissing      bool   `json:"create_if_missing"`
		BlockSize            int    `json:"block_size"`
		BlockCache           uint64 `json:"block_cache"`
		MaxOpenFiles         int    `json:"max_open_files"`
		MaxWriteBufferNumber int    `json:"max_write_buffer_number"`
		WriteBufferSize      int    `json:"write_buffer_size"`
	}
)

func NewKVStore(ctx context.Context, path string, lsmType LsmKVType, option *Option) (Store, error) {
	switch lsmType {
	case RocksdbLsmKVType:
		return newRocksdb(ctx, path, option)
	default:
		return nil, ErrKVTypeNotFound
	}
}

func (cf CF) String() string {
	return string(cf)
}
