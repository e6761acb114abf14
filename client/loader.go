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
	"strconv"

	"github.com/cubefs/cubefs/blobstore/common/trace"
	"golang.org/x/sync/singleflight"

	"github.com/cubefs/calcgrid/proto"
	"github.com/cubefs/calcgrid/util/limiter"
)

// PeerMissingValueLoader finds values missing locally in the shared store of the
// same cache on a peer cache server. Concurrent requests for one value share a
// single fetch.
type PeerMissingValueLoader struct {
	factory *remoteDataStoreFactory
	limiter limiter.Limiter
	group   singleflight.Group
}

// NewPeerMissingValueLoader builds a loader on top of a connection to the peer.
// Identifiers must come from the identifier map the peer uses.
func NewPeerMissingValueLoader(peer *CacheClient, cfg limiter.LimitConfig) *PeerMissingValueLoader {
	return &PeerMissingValueLoader{
		factory: peer.DataStoreFactory(true).(*remoteDataStoreFactory),
		limiter: limiter.NewLimiter(cfg),
	}
}

func (l *PeerMissingValueLoader) store(key proto.CacheKey) *RemoteDataStore {
	s, _ := l.factory.CreateDataStore(context.Background(), key)
	return s.(*RemoteDataStore)
}

func (l *PeerMissingValueLoader) FindMissingValue(ctx context.Context, key proto.CacheKey, id proto.Identifier) ([]byte, error) {
	v, err, shared := l.group.Do(key.StoreName()+"#"+strconv.FormatInt(int64(id), 10), func() (interface{}, error) {
		if err := l.limiter.Acquire(ctx); err != nil {
			return nil, err
		}
		defer l.limiter.Release()
		return l.store(key).Get(ctx, id)
	})
	if err != nil {
		trace.SpanFromContextSafe(ctx).Warnf("load %d of cache[%s] from peer failed: %s", id, key, err)
		return nil, err
	}
	if shared {
		trace.SpanFromContextSafe(ctx).Debugf("load %d of cache[%s] shared with a concurrent caller", id, key)
	}
	return v.([]byte), nil
}

func (l *PeerMissingValueLoader) FindMissingValues(ctx context.Context, key proto.CacheKey, ids []proto.Identifier) (map[proto.Identifier][]byte, error) {
	if len(ids) == 1 {
		data, err := l.FindMissingValue(ctx, key, ids[0])
		if err != nil || data == nil {
			return map[proto.Identifier][]byte{}, err
		}
		return map[proto.Identifier][]byte{ids[0]: data}, nil
	}
	if err := l.limiter.Acquire(ctx); err != nil {
		return nil, err
	}
	defer l.limiter.Release()
	return l.store(key).GetAll(ctx, ids)
}

// SetLimit retunes the bounds the loader was built with, a bound disabled at
// construction stays disabled.
func (l *PeerMissingValueLoader) SetLimit(cfg limiter.LimitConfig) {
	if cfg.Concurrency > 0 {
		l.limiter.SetConcurrency(uint32(cfg.Concurrency))
	}
	if cfg.QPS > 0 {
		l.limiter.SetQPS(cfg.QPS)
	}
}

func (l *PeerMissingValueLoader) Status() limiter.Status {
	return l.limiter.Status()
}
