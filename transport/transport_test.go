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
package transport

import (
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/test/bufconn"

	apierrors "github.com/cubefs/calcgrid/errors"
	"github.com/cubefs/calcgrid/proto"
)

const (
	kindEcho proto.Kind = "Echo"
	kindFail proto.Kind = "Fail"
	kindPush proto.Kind = "Push"
)

type echoHandler struct {
	lock   sync.Mutex
	firsts []proto.Kind
	failed chan error
}

func (h *echoHandler) ConnectionReceived(ctx context.Context, conn Connection, first *proto.Envelope) MessageReceiver {
	h.lock.Lock()
	h.firsts = append(h.firsts, first.Kind)
	h.lock.Unlock()
	r := &echoReceiver{conn: conn, failed: h.failed}
	r.MessageReceived(ctx, first)
	return r
}

type echoReceiver struct {
	conn   Connection
	failed chan error
}

func (r *echoReceiver) MessageReceived(ctx context.Context, env *proto.Envelope) {
	switch env.Kind {
	case kindEcho:
		r.conn.Send(ctx, env.Reply(kindEcho, env.Body))
	case kindFail:
		r.conn.Send(ctx, env.Reply(proto.KindFailure, proto.NewFailure(errors.New("boom")).Body))
	case kindPush:
		r.conn.Send(ctx, proto.NewEnvelope(kindPush, env.Body))
	}
}

func (r *echoReceiver) ConnectionFailed(ctx context.Context, err error) {
	r.failed <- err
}

type pushReceiver struct {
	pushed chan *proto.Envelope
	failed chan error
}

func (r *pushReceiver) MessageReceived(ctx context.Context, env *proto.Envelope) {
	r.pushed <- env
}

func (r *pushReceiver) ConnectionFailed(ctx context.Context, err error) {
	r.failed <- err
}

func newTestServer(t *testing.T, handler ConnectionHandler) (*grpc.ClientConn, *Service, func()) {
	lis := bufconn.Listen(1 << 20)
	opts := append(ServerOptions(), grpc.StreamInterceptor(StreamServerInterceptorWithTracer))
	gs := grpc.NewServer(opts...)
	svc := Register(gs, proto.CacheServiceName, handler)
	go gs.Serve(lis)

	cc, err := grpc.DialContext(context.Background(), "bufnet",
		grpc.WithContextDialer(func(ctx context.Context, s string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	return cc, svc, func() {
		cc.Close()
		gs.Stop()
	}
}

func TestConnection_Call(t *testing.T) {
	ctx := context.TODO()
	handler := &echoHandler{failed: make(chan error, 1)}
	cc, svc, stop := newTestServer(t, handler)
	defer stop()

	receiver := &pushReceiver{pushed: make(chan *proto.Envelope, 1), failed: make(chan error, 1)}
	conn, err := Connect(ctx, cc, proto.CacheServiceName, receiver)
	require.NoError(t, err)
	require.NotEmpty(t, conn.ID())

	var wg sync.WaitGroup
	for i := int64(1); i <= 16; i++ {
		wg.Add(1)
		go func(i int64) {
			defer wg.Done()
			reply, err := conn.Call(ctx, proto.NewEnvelope(kindEcho, proto.NewMessage().AddInt64("n", i)))
			if err != nil {
				panic(err)
			}
			n, _ := reply.Body.GetInt64("n")
			if n != i {
				panic("reply routed to the wrong call")
			}
		}(i)
	}
	wg.Wait()

	_, err = conn.Call(ctx, proto.NewEnvelope(kindFail, nil))
	require.ErrorIs(t, err, apierrors.ErrRemoteFailure)

	require.NoError(t, conn.Send(ctx, proto.NewEnvelope(kindPush, proto.NewMessage().AddString("s", "x"))))
	select {
	case env := <-receiver.pushed:
		require.Equal(t, kindPush, env.Kind)
		require.False(t, env.HasCorrelationID())
	case <-time.After(5 * time.Second):
		t.Fatal("push not received")
	}

	require.Equal(t, int64(1), svc.Stats().Active)
	require.Equal(t, []proto.Kind{kindEcho}, handler.firsts[:1])

	conn.Close()
	select {
	case <-handler.failed:
	case <-time.After(5 * time.Second):
		t.Fatal("server did not notice the disconnect")
	}
	<-receiver.failed
	require.ErrorIs(t, conn.Send(ctx, proto.NewEnvelope(kindPush, nil)), apierrors.ErrConnectionLost)
	_, err = conn.Call(ctx, proto.NewEnvelope(kindEcho, nil))
	require.ErrorIs(t, err, apierrors.ErrConnectionLost)
}

func TestConnection_ServerStop(t *testing.T) {
	ctx := context.TODO()
	cc, _, stop := newTestServer(t, &echoHandler{failed: make(chan error, 1)})

	receiver := &pushReceiver{pushed: make(chan *proto.Envelope, 1), failed: make(chan error, 1)}
	conn, err := Connect(ctx, cc, proto.CacheServiceName, receiver)
	require.NoError(t, err)
	_, err = conn.Call(ctx, proto.NewEnvelope(kindEcho, nil))
	require.NoError(t, err)

	stop()
	select {
	case err := <-receiver.failed:
		require.Error(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("client did not notice the server stop")
	}
	<-conn.Done()
	require.Error(t, conn.Err())
}

func TestCodec(t *testing.T) {
	c := codec{}
	require.Equal(t, codecName, c.Name())
	_, err := c.Marshal("not an envelope")
	require.Error(t, err)

	raw, err := c.Marshal(proto.NewEnvelope(kindEcho, proto.NewMessage().AddBool("b", true)))
	require.NoError(t, err)
	env := &proto.Envelope{}
	require.NoError(t, c.Unmarshal(raw, env))
	require.Equal(t, kindEcho, env.Kind)
	require.Error(t, c.Unmarshal(raw, new(int)))
}
