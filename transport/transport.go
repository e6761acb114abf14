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

	"github.com/cubefs/calcgrid/proto"
)

const codecName = "calcgrid"

// Connection is one persistent bidirectional message stream. Send may be called
// from any goroutine, envelopes are written one at a time.
type Connection interface {
	ID() string
	Send(ctx context.Context, env *proto.Envelope) error
}

// MessageReceiver consumes the envelopes of one connection. MessageReceived is
// called from the single receive goroutine of the connection, in arrival order.
type MessageReceiver interface {
	MessageReceived(ctx context.Context, env *proto.Envelope)
	// ConnectionFailed is called once when the stream ends for any reason.
	ConnectionFailed(ctx context.Context, err error)
}

// ConnectionHandler accepts connections of one service. It handles the first
// envelope itself and returns the receiver of the following ones, a nil receiver
// closes the connection.
type ConnectionHandler interface {
	ConnectionReceived(ctx context.Context, conn Connection, first *proto.Envelope) MessageReceiver
}

type codec struct{}

func (codec) Marshal(v interface{}) ([]byte, error) {
	env, ok := v.(*proto.Envelope)
	if !ok {
		return nil, errInvalidType(v)
	}
	return env.Marshal(), nil
}

func (codec) Unmarshal(data []byte, v interface{}) error {
	env, ok := v.(*proto.Envelope)
	if !ok {
		return errInvalidType(v)
	}
	return env.Unmarshal(data)
}

func (codec) Name() string {
	return codecName
}
