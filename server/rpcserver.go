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
	"bytes"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/cubefs/cubefs/blobstore/util/log"
	"google.golang.org/grpc"
	"google.golang.org/grpc/peer"

	"github.com/cubefs/calcgrid/metrics"
	"github.com/cubefs/calcgrid/proto"
	"github.com/cubefs/calcgrid/transport"
)

var auditLogPool = sync.Pool{
	New: func() interface{} {
		return new(bytes.Buffer)
	},
}

type RPCServer struct {
	grpcServer *grpc.Server

	*Server
}

func NewRPCServer(server *Server) *RPCServer {
	rs := &RPCServer{Server: server}

	opts := append(transport.ServerOptions(), grpc.ChainStreamInterceptor(
		metrics.GRPCMetrics.StreamServerInterceptor(),
		transport.StreamServerInterceptorWithTracer,
		rs.streamInterceptorWithAuditLog,
	))
	s := grpc.NewServer(opts...)
	if rs.source != nil {
		rs.cacheService = transport.Register(s, proto.CacheServiceName, rs.cacheServer)
		rs.nodeService = transport.Register(s, proto.NodeServiceName, rs.nodeServer)
	}
	metrics.GRPCMetrics.InitializeMetrics(s)
	rs.grpcServer = s
	return rs
}

func (r *RPCServer) Serve(addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	go func() {
		if err := r.grpcServer.Serve(lis); err != nil {
			log.Fatal("grpc server exits:", err)
		}
	}()

	log.Info("grpc server is running at:", addr)
	return nil
}

// Stop closes every stream at once, connections are long lived and a graceful stop
// would wait for remote nodes to hang up.
func (r *RPCServer) Stop() {
	r.grpcServer.Stop()
}

// streamInterceptorWithAuditLog records one line for every finished connection.
func (r *RPCServer) streamInterceptorWithAuditLog(srv interface{}, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
	start := time.Now()
	err := handler(srv, ss)

	remote := "-"
	if p, ok := peer.FromContext(ss.Context()); ok && p.Addr != nil {
		remote = p.Addr.String()
	}
	duration := int64(time.Since(start) / time.Millisecond)
	bw := auditLogPool.Get().(*bytes.Buffer)
	defer auditLogPool.Put(bw)
	bw.Reset()
	bw.WriteString(info.FullMethod)
	bw.WriteString("\t")
	bw.WriteString(remote)
	bw.WriteString("\t")
	bw.WriteString(strconv.FormatInt(duration, 10))
	if err != nil {
		bw.WriteString("\t")
		bw.WriteString(err.Error())
	}
	log.Info(bw.String())
	return err
}
