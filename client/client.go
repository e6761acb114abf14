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
	"sync"
	"time"

	"github.com/cubefs/cubefs/blobstore/util/errors"
	"google.golang.org/grpc"

	"github.com/cubefs/calcgrid/datastore"
	"github.com/cubefs/calcgrid/proto"
	"github.com/cubefs/calcgrid/transport"
)

// Caller is the request side of a connection, transport.ClientConnection is one.
type Caller interface {
	Call(ctx context.Context, env *proto.Envelope) (*proto.Envelope, error)
	Send(ctx context.Context, env *proto.Envelope) error
}

// CacheClient is one connection to a cache server, shared by the remote identifier
// map and the remote data stores built on it.
type CacheClient struct {
	cc    *grpc.ClientConn
	conn  *transport.ClientConnection
	cfg   TransportConfig
	idMap *RemoteIdentifierMap

	streamLock sync.Mutex
}

// Dial connects to the cache server at addr. Extra dial options are appended to
// the ones built from cfg.
func Dial(ctx context.Context, addr string, cfg *TransportConfig, opts ...grpc.DialOption) (*CacheClient, error) {
	if cfg == nil {
		cfg = &TransportConfig{}
	}
	initConfig(cfg)

	dialCtx, cancel := context.WithTimeout(ctx, time.Duration(cfg.ConnectTimeoutMs)*time.Millisecond)
	defer cancel()
	cc, err := grpc.DialContext(dialCtx, addr, append(generateDialOpts(cfg), opts...)...)
	if err != nil {
		return nil, errors.Info(err, "dial cache server failed", addr).Detail(err)
	}
	c, err := NewCacheClient(ctx, cc, cfg)
	if err != nil {
		cc.Close()
		return nil, err
	}
	return c, nil
}

// NewCacheClient opens the cache service stream on an established grpc connection,
// the returned client owns cc.
func NewCacheClient(ctx context.Context, cc *grpc.ClientConn, cfg *TransportConfig) (*CacheClient, error) {
	if cfg == nil {
		cfg = &TransportConfig{}
	}
	initConfig(cfg)
	conn, err := transport.Connect(ctx, cc, proto.CacheServiceName, nil)
	if err != nil {
		return nil, err
	}
	c := &CacheClient{cc: cc, conn: conn, cfg: *cfg}
	c.idMap = newRemoteIdentifierMap(c.callerWithTimeout())
	return c, nil
}

func (c *CacheClient) IdentifierMap() *RemoteIdentifierMap {
	return c.idMap
}

// DataStoreFactory returns a factory of stores addressing the private or the shared
// store of the server side caches.
func (c *CacheClient) DataStoreFactory(shared bool) datastore.Factory {
	return newRemoteDataStoreFactory(c.callerWithTimeout(), shared, &c.cfg, &c.streamLock)
}

// ClientConn is the grpc connection under the client, other services of the same
// server may open streams on it.
func (c *CacheClient) ClientConn() *grpc.ClientConn {
	return c.cc
}

func (c *CacheClient) Connection() *transport.ClientConnection {
	return c.conn
}

func (c *CacheClient) Close() {
	c.conn.Close()
	c.cc.Close()
}

func (c *CacheClient) callerWithTimeout() Caller {
	return &timeoutCaller{conn: c.conn, timeout: time.Duration(c.cfg.CallTimeoutMs) * time.Millisecond}
}

type timeoutCaller struct {
	conn    *transport.ClientConnection
	timeout time.Duration
}

func (t *timeoutCaller) Call(ctx context.Context, env *proto.Envelope) (*proto.Envelope, error) {
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()
	return t.conn.Call(ctx, env)
}

func (t *timeoutCaller) Send(ctx context.Context, env *proto.Envelope) error {
	return t.conn.Send(ctx, env)
}
