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
package server

import (
	"context"
	"fmt"
	"time"

	"github.com/cubefs/cubefs/blobstore/common/trace"
	"github.com/cubefs/cubefs/blobstore/util/errors"
	"github.com/cubefs/cubefs/blobstore/util/log"
	"github.com/dgraph-io/badger/v4"

	"github.com/cubefs/calcgrid/cache"
	"github.com/cubefs/calcgrid/cacheserver"
	"github.com/cubefs/calcgrid/calcnode"
	"github.com/cubefs/calcgrid/client"
	"github.com/cubefs/calcgrid/common/kvstore"
	"github.com/cubefs/calcgrid/datastore"
	"github.com/cubefs/calcgrid/idmap"
	"github.com/cubefs/calcgrid/transport"
	"github.com/cubefs/calcgrid/util/limiter"
)

const (
	// RoleServer owns the identifier map and the caches and accepts remote nodes.
	RoleServer = "server"
	// RoleWorker runs a local node set for the server at ServerAddr.
	RoleWorker = "worker"
)

const (
	StoreMemory  = "memory"
	StoreRocksdb = "rocksdb"
	StoreBadger  = "badger"
)

type StoreConfig struct {
	// rocksdb directory of the identifier map and of rocksdb data stores, the
	// identifier map is in memory when empty
	Path     string         `json:"path"`
	KVOption kvstore.Option `json:"kv_option"`

	// kind of the private and the shared stores, an empty shared kind aliases
	// the private store
	Private string                 `json:"private"`
	Shared  string                 `json:"shared"`
	Badger  datastore.BadgerConfig `json:"badger"`
}

type Config struct {
	Roles []string    `json:"roles"`
	Store StoreConfig `json:"store_config"`

	NodeSet   calcnode.NodeSetConfig `json:"node_set"`
	NodeIndex string                 `json:"node_index"`
	// declared by the local invoker or by the worker
	Capabilities calcnode.Capabilities `json:"capabilities"`
	// merged into the declaration of every remote node
	CapabilitiesToAdd calcnode.Capabilities `json:"capabilities_to_add"`

	ServerAddr string                 `json:"server_addr"`
	Transport  client.TransportConfig `json:"transport"`
	PeerLimit  limiter.LimitConfig    `json:"peer_limit"`
}

func (cfg *Config) hasRole(role string) bool {
	for _, r := range cfg.Roles {
		if r == role {
			return true
		}
	}
	return false
}

func (cfg *Config) hasNodeSet() bool {
	return cfg.NodeSet.NodeCount != 0 || cfg.NodeSet.NodesPerCore != 0
}

type Server struct {
	cfg       *Config
	kvStore   kvstore.Store
	badgerDB  *badger.DB
	functions *calcnode.InMemoryFunctionRepository
	targets   *calcnode.SimpleTargetResolver
	nodeIDs   *calcnode.NodeIDGenerator

	// server role
	idMap        idmap.IdentifierMap
	source       *cache.Source
	cacheServer  *cacheserver.CacheServer
	registry     *calcnode.Registry
	functionCost *calcnode.FunctionCost
	nodeServer   *calcnode.RemoteNodeServer
	localNodes   *calcnode.LocalNodeSet
	cacheService *transport.Service
	nodeService  *transport.Service

	// worker role
	serverClient *client.CacheClient
	workerSource *cache.Source
	workerNodes  *calcnode.LocalNodeSet
	workerLoader *client.PeerMissingValueLoader
	worker       *calcnode.RemoteNodeClient
}

// NewServer opens the stores and builds the components of every configured role. A
// regressed identifier map fails with ErrIdentifierRegressed.
func NewServer(ctx context.Context, cfg *Config) (*Server, error) {
	s := &Server{
		cfg:       cfg,
		functions: calcnode.NewInMemoryFunctionRepository(),
		targets:   calcnode.NewSimpleTargetResolver(),
		nodeIDs:   calcnode.NewNodeIDGenerator("", cfg.NodeIndex),
	}
	if cfg.hasRole(RoleServer) {
		if err := s.initServer(ctx); err != nil {
			s.Close()
			return nil, err
		}
	}
	return s, nil
}

func (s *Server) initServer(ctx context.Context) error {
	span := trace.SpanFromContextSafe(ctx)
	storeCfg := &s.cfg.Store
	if storeCfg.Path != "" {
		opt := storeCfg.KVOption
		opt.CreateIfMissing = true
		kvStore, err := kvstore.NewKVStore(ctx, storeCfg.Path, kvstore.RocksdbLsmKVType, &opt)
		if err != nil {
			return errors.Info(err, "open kv store failed", storeCfg.Path).Detail(err)
		}
		s.kvStore = kvStore
		if s.idMap, err = idmap.NewPersistentIdentifierMap(ctx, kvStore); err != nil {
			return err
		}
	} else {
		span.Warn("no store path, identifier map is kept in memory")
		s.idMap = idmap.NewInMemoryIdentifierMap()
	}

	private, err := s.newFactory(storeCfg.Private)
	if err != nil {
		return err
	}
	if storeCfg.Shared == "" {
		s.source = cache.NewSource(s.idMap, private)
	} else {
		shared, err := s.newFactory(storeCfg.Shared)
		if err != nil {
			return err
		}
		s.source = cache.NewSourceWithFactories(s.idMap, private, shared)
	}
	s.cacheServer = cacheserver.NewCacheServer(s.source)

	s.registry = calcnode.NewRegistry()
	s.functionCost = calcnode.NewFunctionCost()
	s.nodeServer = calcnode.NewRemoteNodeServer(s.registry, s.idMap, s.functionCost)
	s.source.SetReleaseCachesCallback(calcnode.NewNodeCacheReleaser(s.registry))
	if len(s.cfg.CapabilitiesToAdd) > 0 {
		s.nodeServer.SetCapabilitiesToAdd(s.cfg.CapabilitiesToAdd)
	}

	if s.cfg.hasNodeSet() && !s.cfg.hasRole(RoleWorker) {
		s.localNodes, err = calcnode.NewLocalNodeSet(s.cfg.NodeSet, s.nodeSetDependencies(s.source))
		if err != nil {
			return err
		}
		s.registry.RegisterJobInvoker(ctx, calcnode.NewLocalNodeJobInvoker(s.localNodes, s.cfg.Capabilities))
	}
	return nil
}

func (s *Server) newFactory(kind string) (datastore.Factory, error) {
	switch kind {
	case "", StoreMemory:
		return datastore.NewInMemoryFactory(), nil
	case StoreRocksdb:
		if s.kvStore == nil {
			return nil, fmt.Errorf("rocksdb data store needs a store path")
		}
		return datastore.NewRocksdbFactory(s.kvStore), nil
	case StoreBadger:
		if s.badgerDB == nil {
			db, err := datastore.OpenBadger(&s.cfg.Store.Badger)
			if err != nil {
				return nil, err
			}
			s.badgerDB = db
		}
		return datastore.NewBadgerFactory(s.badgerDB), nil
	default:
		return nil, fmt.Errorf("unknown data store kind %q", kind)
	}
}

func (s *Server) nodeSetDependencies(source *cache.Source) calcnode.NodeSetDependencies {
	return calcnode.NodeSetDependencies{
		Source:           source,
		Functions:        s.functions,
		ExecutionContext: &calcnode.FunctionExecutionContext{ValuationTime: time.Now()},
		TargetResolver:   s.targets,
		NodeIDs:          s.nodeIDs,
	}
}

// StartWorker connects the worker to its server, once the grpc server of this
// process serves when both roles run together.
func (s *Server) StartWorker(ctx context.Context) error {
	if !s.cfg.hasRole(RoleWorker) {
		return nil
	}
	span := trace.SpanFromContextSafe(ctx)
	if s.cfg.ServerAddr == "" {
		return fmt.Errorf("worker needs a server address")
	}
	if !s.cfg.hasNodeSet() {
		return fmt.Errorf("worker needs a node set")
	}

	serverClient, err := client.Dial(ctx, s.cfg.ServerAddr, &s.cfg.Transport)
	if err != nil {
		return err
	}
	s.serverClient = serverClient

	// private values stay local, shared ones live on the server which is also
	// asked for anything missing locally
	idMap := serverClient.IdentifierMap()
	s.workerSource = cache.NewSourceWithFactories(idMap, datastore.NewInMemoryFactory(), serverClient.DataStoreFactory(true))
	s.workerLoader = client.NewPeerMissingValueLoader(serverClient, s.cfg.PeerLimit)
	s.workerSource.SetMissingValueLoader(s.workerLoader)

	if s.workerNodes, err = calcnode.NewLocalNodeSet(s.cfg.NodeSet, s.nodeSetDependencies(s.workerSource)); err != nil {
		return err
	}
	s.worker = calcnode.NewRemoteNodeClient(s.workerNodes, idMap, s.cfg.Capabilities)
	if err = s.worker.Start(ctx, serverClient.ClientConn()); err != nil {
		return errors.Info(err, "start worker failed", s.cfg.ServerAddr).Detail(err)
	}
	span.Infof("worker of %s started with %d nodes", s.cfg.ServerAddr, s.workerNodes.Size())
	return nil
}

// Functions is the repository every local node executes from.
func (s *Server) Functions() *calcnode.InMemoryFunctionRepository {
	return s.functions
}

// Targets resolves the targets of every local node, values added to it are handed
// to the functions.
func (s *Server) Targets() *calcnode.SimpleTargetResolver {
	return s.targets
}

func (s *Server) Registry() *calcnode.Registry {
	return s.registry
}

func (s *Server) Source() *cache.Source {
	return s.source
}

// SetPeerLimit retunes the peer loader of the worker.
func (s *Server) SetPeerLimit(cfg limiter.LimitConfig) (limiter.Status, error) {
	if s.workerLoader == nil {
		return limiter.Status{}, fmt.Errorf("no peer loader, worker not started")
	}
	s.workerLoader.SetLimit(cfg)
	return s.workerLoader.Status(), nil
}

type InvokerStats struct {
	ID           string                `json:"id"`
	Capabilities calcnode.Capabilities `json:"capabilities"`
}

type Stats struct {
	Roles         []string                          `json:"roles"`
	Services      []transport.Stats                 `json:"services,omitempty"`
	Invokers      []InvokerStats                    `json:"invokers,omitempty"`
	FunctionCosts map[string]calcnode.FunctionStats `json:"function_costs,omitempty"`
	LocalNodes    int                               `json:"local_nodes"`
	IdleNodes     int                               `json:"idle_nodes"`
	WorkerInvoker string                            `json:"worker_invoker,omitempty"`
	PeerLoader    *limiter.Status                   `json:"peer_loader,omitempty"`
}

func (s *Server) Stats() Stats {
	st := Stats{Roles: s.cfg.Roles}
	for _, svc := range []*transport.Service{s.cacheService, s.nodeService} {
		if svc != nil {
			st.Services = append(st.Services, svc.Stats())
		}
	}
	if s.registry != nil {
		for _, invoker := range s.registry.Invokers() {
			st.Invokers = append(st.Invokers, InvokerStats{ID: invoker.ID(), Capabilities: invoker.Capabilities()})
		}
		st.FunctionCosts = s.functionCost.Stats()
	}
	for _, nodes := range []*calcnode.LocalNodeSet{s.localNodes, s.workerNodes} {
		if nodes != nil {
			st.LocalNodes += nodes.Size()
			st.IdleNodes += nodes.Idle()
		}
	}
	if s.worker != nil {
		st.WorkerInvoker = s.worker.InvokerID()
	}
	if s.workerLoader != nil {
		status := s.workerLoader.Status()
		st.PeerLoader = &status
	}
	return st
}

func (s *Server) Close() {
	if s.worker != nil {
		s.worker.Close()
	}
	if s.serverClient != nil {
		s.serverClient.Close()
	}
	for _, nodes := range []*calcnode.LocalNodeSet{s.localNodes, s.workerNodes} {
		if nodes != nil {
			nodes.Close()
		}
	}
	if s.badgerDB != nil {
		if err := s.badgerDB.Close(); err != nil {
			log.Warnf("close badger failed: %s", err)
		}
	}
	if s.kvStore != nil {
		s.kvStore.Close()
	}
}
