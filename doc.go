/*
 *
 * Copyright 2023 CubeFS authors.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 *
 */

/*

# CalcGrid: the computation cache and calculation node fabric

## Data Model

* ValueKey, the structured descriptor of a computed quantity (target, value name, properties)

* Identifier, the dense int64 a ValueKey is interned to, allocated once and never reused

* CacheKey, <view, calculation configuration, snapshot timestamp> --> one cache instance

* Binary Data Store, identifier --> opaque payload, private (node local) or shared

## Architecture

A CalcGrid process serves two gRPC stream services:

* CacheService, the identifier map and binary data store protocol used by remote nodes

* NodeService, remote calculation nodes connect, declare capabilities and receive jobs

Local calculation nodes run in process against the cache source directly.

### Storage

the durable identifier map and the on-disk data stores use a single rocksdb instance,
badger is available as the shared store backend

## Building Blocks

* Rocksdb
* Badger
* gRPC
* Prometheus

*/

package calcgrid
