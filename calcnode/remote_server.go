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
	"sync/atomic"

	"github.com/cubefs/cubefs/blobstore/common/trace"

	"github.com/cubefs/calcgrid/idmap"
	"github.com/cubefs/calcgrid/metrics"
	"github.com/cubefs/calcgrid/proto"
	"github.com/cubefs/calcgrid/transport"
)

// RemoteNodeServer accepts connections of remote calculation nodes. Every node that
// sends Ready becomes one RemoteNodeJobInvoker in the register.
type RemoteNodeServer struct {
	register     JobInvokerRegister
	idMap        idmap.IdentifierMap
	functionCost *FunctionCost
	added        atomic.Value
}

type capabilitiesHolder struct {
	capabilities Capabilities
}

func NewRemoteNodeServer(register JobInvokerRegister, idMap idmap.IdentifierMap, functionCost *FunctionCost) *RemoteNodeServer {
	s := &RemoteNodeServer{
		register:     register,
		idMap:        idMap,
		functionCost: functionCost,
	}
	s.added.Store(capabilitiesHolder{})
	return s
}

// SetCapabilitiesToAdd configures the capabilities merged into the declaration of
// every node that connects afterwards. A node declaring the same name keeps its value.
func (s *RemoteNodeServer) SetCapabilitiesToAdd(capabilities Capabilities) {
	s.added.Store(capabilitiesHolder{capabilities: capabilities.Clone()})
}

func (s *RemoteNodeServer) capabilitiesToAdd() Capabilities {
	return s.added.Load().(capabilitiesHolder).capabilities
}

func (s *RemoteNodeServer) ConnectionReceived(ctx context.Context, conn transport.Connection, first *proto.Envelope) transport.MessageReceiver {
	span := trace.SpanFromContextSafe(ctx)
	if first.Kind != proto.KindReady {
		span.Warnf("connection[%s] unexpected message %s before ready", conn.ID(), first.Kind)
		return nil
	}

	capabilities := MergeCapabilities(getCapabilities(first.Body), s.capabilitiesToAdd())
	invoker := newRemoteNodeJobInvoker(conn, s.idMap, s.functionCost, capabilities)
	body := proto.NewMessage().AddString(fieldNode, invoker.ID())
	if err := conn.Send(ctx, proto.NewEnvelope(proto.KindInit, body)); err != nil {
		span.Warnf("connection[%s] send init failed: %s", conn.ID(), err)
		return nil
	}
	span.Infof("remote node connected on connection[%s]", conn.ID())

	invoker.onClose = func(ctx context.Context) {
		metrics.RemoteNodes.Dec()
		if r, ok := s.register.(jobInvokerUnregister); ok {
			r.Unregister(ctx, invoker.ID())
		}
	}
	metrics.RemoteNodes.Inc()
	s.register.RegisterJobInvoker(ctx, invoker)
	return invoker
}
