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
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/cubefs/cubefs/blobstore/common/trace"
	"github.com/cubefs/cubefs/blobstore/util/errors"
	"github.com/google/uuid"
	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"

	apierrors "github.com/cubefs/calcgrid/errors"
	"github.com/cubefs/calcgrid/proto"
)

// ClientConnection is the dialing end of a connection. Replies matching a pending
// Call are routed to it, every other envelope goes to the receiver.
type ClientConnection struct {
	id       string
	stream   grpc.ClientStream
	cancel   context.CancelFunc
	receiver atomic.Value

	sendLock sync.Mutex
	nextCID  int64
	pending  sync.Map

	done     chan struct{}
	doneOnce sync.Once
	err      error
}

// Connect opens the Connect stream of serviceName on cc. The stream outlives ctx,
// only its trace id is carried over. receiver may be nil.
func Connect(ctx context.Context, cc *grpc.ClientConn, serviceName string, receiver MessageReceiver) (*ClientConnection, error) {
	span := trace.SpanFromContextSafe(ctx)
	streamCtx, cancel := context.WithCancel(context.Background())
	streamCtx = metadata.NewOutgoingContext(streamCtx, metadata.Pairs(proto.ReqIdKey, span.TraceID()))

	stream, err := cc.NewStream(streamCtx, &serviceDesc(serviceName).Streams[0], fullMethod(serviceName), grpc.ForceCodec(codec{}))
	if err != nil {
		cancel()
		return nil, errors.Info(err, "open stream failed", serviceName).Detail(err)
	}

	c := &ClientConnection{
		id:     uuid.NewString(),
		stream: stream,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	c.SetReceiver(receiver)
	_, recvCtx := trace.StartSpanFromContextWithTraceID(context.Background(), "", span.TraceID())
	go c.recvLoop(recvCtx)
	return c, nil
}

func (c *ClientConnection) ID() string {
	return c.id
}

// SetReceiver must be called before the peer may send uncorrelated envelopes.
func (c *ClientConnection) SetReceiver(receiver MessageReceiver) {
	c.receiver.Store(receiverHolder{receiver: receiver})
}

type receiverHolder struct {
	receiver MessageReceiver
}

func (c *ClientConnection) getReceiver() MessageReceiver {
	h, _ := c.receiver.Load().(receiverHolder)
	return h.receiver
}

func (c *ClientConnection) Send(ctx context.Context, env *proto.Envelope) error {
	select {
	case <-c.done:
		return apierrors.ErrConnectionLost
	default:
	}
	c.sendLock.Lock()
	defer c.sendLock.Unlock()
	if err := c.stream.SendMsg(env); err != nil {
		trace.SpanFromContextSafe(ctx).Warnf("connection[%s] send %s failed: %s", c.id, env.Kind, err)
		return apierrors.ErrConnectionLost
	}
	return nil
}

// Call sends env with a fresh correlation id and waits for the reply. A Failure
// reply returns an error wrapping ErrRemoteFailure.
func (c *ClientConnection) Call(ctx context.Context, env *proto.Envelope) (*proto.Envelope, error) {
	cid := atomic.AddInt64(&c.nextCID, 1)
	ch := make(chan *proto.Envelope, 1)
	c.pending.Store(cid, ch)
	defer c.pending.Delete(cid)

	req := *env
	req.CorrelationID = cid
	if err := c.Send(ctx, &req); err != nil {
		return nil, err
	}

	select {
	case reply := <-ch:
		if reply.Kind == proto.KindFailure {
			return nil, fmt.Errorf("%w: %s", apierrors.ErrRemoteFailure, reply.FailureMessage())
		}
		return reply, nil
	case <-c.done:
		return nil, apierrors.ErrConnectionLost
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Done is closed once the connection has failed or was closed.
func (c *ClientConnection) Done() <-chan struct{} {
	return c.done
}

// Err returns the error the connection ended with.
func (c *ClientConnection) Err() error {
	<-c.done
	return c.err
}

func (c *ClientConnection) Close() {
	c.sendLock.Lock()
	c.stream.CloseSend()
	c.sendLock.Unlock()
	c.cancel()
	<-c.done
}

func (c *ClientConnection) recvLoop(ctx context.Context) {
	span := trace.SpanFromContextSafe(ctx)
	for {
		env := &proto.Envelope{}
		if err := c.stream.RecvMsg(env); err != nil {
			span.Infof("connection[%s] receive stopped: %s", c.id, err)
			c.fail(ctx, err)
			return
		}
		if env.HasCorrelationID() {
			if v, ok := c.pending.LoadAndDelete(env.CorrelationID); ok {
				v.(chan *proto.Envelope) <- env
				continue
			}
		}
		receiver := c.getReceiver()
		if receiver == nil {
			span.Warnf("connection[%s] dropped %s without receiver", c.id, env.Kind)
			continue
		}
		receiver.MessageReceived(ctx, env)
	}
}

func (c *ClientConnection) fail(ctx context.Context, err error) {
	c.doneOnce.Do(func() {
		c.err = err
		close(c.done)
		c.cancel()
		if receiver := c.getReceiver(); receiver != nil {
			receiver.ConnectionFailed(ctx, err)
		}
	})
}
