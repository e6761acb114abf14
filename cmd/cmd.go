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
package main

import (
	"context"
	stderrors "errors"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"strconv"
	"syscall"

	"github.com/cubefs/cubefs/blobstore/common/config"
	"github.com/cubefs/cubefs/blobstore/common/profile"
	"github.com/cubefs/cubefs/blobstore/common/rpc"
	"github.com/cubefs/cubefs/blobstore/common/trace"
	"github.com/cubefs/cubefs/blobstore/util/errors"
	"github.com/cubefs/cubefs/blobstore/util/log"
	_ "github.com/cubefs/cubefs/blobstore/util/version"

	apierrors "github.com/cubefs/calcgrid/errors"
	"github.com/cubefs/calcgrid/server"
)

// roleSingle runs a server and a worker of it in one process
const roleSingle = "single"

// Config service config
type Config struct {
	server.Config

	HttpBindPort  uint32    `json:"http_bind_port"`
	GrpcBindPort  uint32    `json:"grpc_bind_port"`
	MaxProcessors int       `json:"max_processors"`
	LogLevel      log.Level `json:"log_level"`
}

func main() {
	config.Init("f", "", "calcgrid.json")

	cfg := &Config{}
	if err := config.Load(cfg); err != nil {
		log.Fatal(errors.Detail(err))
	}

	initConfig(cfg)
	registerLogLevel()
	modifyOpenFiles()
	log.SetOutputLevel(cfg.LogLevel)

	span, ctx := trace.StartSpanFromContext(context.Background(), "")
	startServer, err := server.NewServer(ctx, &cfg.Config)
	if err != nil {
		if stderrors.Is(err, apierrors.ErrIdentifierRegressed) {
			log.Fatalf("identifier store of %s is broken: %s", cfg.Store.Path, err)
		}
		log.Fatal(errors.Detail(err))
	}
	// start http server
	httpServer := server.NewHttpServer(startServer)
	httpServer.Serve(":" + strconv.Itoa(int(cfg.HttpBindPort)))

	// start grpc server
	grpcServer := server.NewRPCServer(startServer)
	if err = grpcServer.Serve(":" + strconv.Itoa(int(cfg.GrpcBindPort))); err != nil {
		log.Fatal(errors.Detail(err))
	}

	if err = startServer.StartWorker(ctx); err != nil {
		log.Fatal(errors.Detail(err))
	}
	span.Info("calcgrid started with roles ", cfg.Roles)

	// wait for signal
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGTERM, syscall.SIGINT)
	<-ch

	// stop all server
	grpcServer.Stop()
	httpServer.Stop()
	startServer.Close()
}

func registerLogLevel() {
	logLevelPath, logLevelHandler := log.ChangeDefaultLevelHandler()
	profile.HandleFunc(http.MethodPost, logLevelPath, func(c *rpc.Context) {
		logLevelHandler.ServeHTTP(c.Writer, c.Request)
	})
	profile.HandleFunc(http.MethodGet, logLevelPath, func(c *rpc.Context) {
		logLevelHandler.ServeHTTP(c.Writer, c.Request)
	})
}

func modifyOpenFiles() {
	var rLimit syscall.Rlimit
	err := syscall.Getrlimit(syscall.RLIMIT_NOFILE, &rLimit)
	if err != nil {
		log.Fatalf("getting rlimit failed: %s", err)
	}
	log.Info("system limit: ", rLimit)

	if rLimit.Cur >= 102400 && rLimit.Max >= 102400 {
		return
	}

	rLimit.Cur = 1024000
	rLimit.Max = 1024000

	err = syscall.Setrlimit(syscall.RLIMIT_NOFILE, &rLimit)
	if err != nil {
		log.Fatalf("setting rlimit failed: %s", err)
	}
	err = syscall.Getrlimit(syscall.RLIMIT_NOFILE, &rLimit)
	if err != nil {
		log.Fatalf("getting rlimit failed: %s", err)
	}
	log.Info("system limit: ", rLimit)
}

func initConfig(cfg *Config) {
	if cfg.HttpBindPort == 0 {
		cfg.HttpBindPort = 9500
	}
	if cfg.GrpcBindPort == 0 {
		cfg.GrpcBindPort = 9501
	}
	if cfg.MaxProcessors > 0 {
		runtime.GOMAXPROCS(cfg.MaxProcessors)
	}
	if cfg.Store.Private == "" {
		cfg.Store.Private = server.StoreMemory
	}
	if cfg.Store.Badger.Path == "" && !cfg.Store.Badger.InMemory {
		cfg.Store.Badger.Path = "./run/badger"
	}

	if len(cfg.Roles) == 0 {
		log.Fatalf("node roles must be set")
	}
	var roles []string
InitRoles:
	for _, role := range cfg.Roles {
		switch role {
		case roleSingle:
			roles = []string{server.RoleServer, server.RoleWorker}
			cfg.ServerAddr = "127.0.0.1:" + strconv.Itoa(int(cfg.GrpcBindPort))
			break InitRoles
		case server.RoleServer, server.RoleWorker:
			roles = append(roles, role)
		default:
			log.Fatalf("unknown node role %s", role)
		}
	}
	cfg.Roles = roles

	if cfg.NodeSet.NodeCount == 0 && cfg.NodeSet.NodesPerCore == 0 {
		cfg.NodeSet.NodesPerCore = 1
	}
}
