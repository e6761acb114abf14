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

	"github.com/cubefs/calcgrid/proto"
)

// MissingValueLoader locates values absent from both stores of a cache. Loaded
// values are handed to the caller and never written back.
type MissingValueLoader interface {
	// FindMissingValue returns nil when the value cannot be found either.
	FindMissingValue(ctx context.Context, key proto.CacheKey, id proto.Identifier) ([]byte, error)
	// FindMissingValues omits identifiers it could not find.
	FindMissingValues(ctx context.Context, key proto.CacheKey, ids []proto.Identifier) (map[proto.Identifier][]byte, error)
}

// ReleaseCachesCallback is notified before the caches of a (view, timestamp) group are released.
type ReleaseCachesCallback interface {
	OnReleaseCaches(ctx context.Context, viewName string, timestamp int64)
}
