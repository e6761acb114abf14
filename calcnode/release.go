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
package calcnode

import (
	"context"

	"github.com/cubefs/cubefs/blobstore/common/trace"
)

type cacheReleaser interface {
	ReleaseCaches(ctx context.Context, viewName string, timestamp int64) error
}

// NodeCacheReleaser forwards the release of a cache group to every registered node
// keeping caches of its own. Install it as the release callback of the server source.
type NodeCacheReleaser struct {
	registry *Registry
}

func NewNodeCacheReleaser(registry *Registry) *NodeCacheReleaser {
	return &NodeCacheReleaser{registry: registry}
}

func (r *NodeCacheReleaser) OnReleaseCaches(ctx context.Context, viewName string, timestamp int64) {
	span := trace.SpanFromContextSafe(ctx)
	for _, invoker := range r.registry.Invokers() {
		releaser, ok := invoker.(cacheReleaser)
		if !ok {
			continue
		}
		if err := releaser.ReleaseCaches(ctx, viewName, timestamp); err != nil {
			span.Warnf("release caches of view[%s] at %d on node[%s] failed: %s", viewName, timestamp, invoker.ID(), err)
		}
	}
}
