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

package proto

import (
	apierrors "github.com/cubefs/calcgrid/errors"
)

// Kind discriminates the logical type of an envelope.
type Kind string

const (
	KindAck     Kind = "Ack"
	KindFailure Kind = "Failure"

	// identifier map protocol
	KindIdentifierLookup      Kind = "IdentifierLookup"
	KindIdentifierLookupReply Kind = "IdentifierLookupReply"
	KindValueKeyLookup        Kind = "ValueKeyLookup"
	KindValueKeyLookupReply   Kind = "ValueKeyLookupReply"

	// binary data store protocol
	KindDataGet          Kind = "DataGet"
	KindDataGetReply     Kind = "DataGetReply"
	KindDataPut          Kind = "DataPut"
	KindDataDelete       Kind = "DataDelete"
	KindDataList         Kind = "DataList"
	KindDataListReply    Kind = "DataListReply"
	KindDataStreamBegin  Kind = "DataStreamBegin"
	KindDataStreamChunk  Kind = "DataStreamChunk"
	KindDataStreamCommit Kind = "DataStreamCommit"

	// calculation node protocol
	KindReady         Kind = "Ready"
	KindInit          Kind = "Init"
	KindExecute       Kind = "Execute"
	KindResult        Kind = "Result"
	KindFailed        Kind = "Failed"
	KindCapabilities  Kind = "Capabilities"
	KindReleaseCaches Kind = "ReleaseCaches"
)

const (
	envelopeKind = "$kind"
	envelopeCID  = "$cid"
	envelopeBody = "$body"
)

// Envelope is the unit sent over a connection. A zero CorrelationID means none.
type Envelope struct {
	Kind          Kind
	CorrelationID int64
	Body          *Message
}

func NewEnvelope(kind Kind, body *Message) *Envelope {
	return &Envelope{Kind: kind, Body: body}
}

// NewFailure builds a failure reply carrying the error text.
func NewFailure(err error) *Envelope {
	body := NewMessage()
	body.AddString("message", err.Error())
	return NewEnvelope(KindFailure, body)
}

func (e *Envelope) HasCorrelationID() bool {
	return e.CorrelationID != 0
}

func (e *Envelope) Marshal() []byte {
	m := NewMessage()
	m.AddString(envelopeKind, string(e.Kind))
	if e.CorrelationID != 0 {
		m.AddInt64(envelopeCID, e.CorrelationID)
	}
	if e.Body != nil {
		m.AddMessage(envelopeBody, e.Body)
	}
	return m.Marshal()
}

func (e *Envelope) Unmarshal(raw []byte) error {
	m, err := UnmarshalMessage(raw)
	if err != nil {
		return err
	}
	kind, ok := m.GetString(envelopeKind)
	if !ok {
		return apierrors.ErrMalformedMessage
	}
	e.Kind = Kind(kind)
	e.CorrelationID, _ = m.GetInt64(envelopeCID)
	e.Body, ok = m.GetMessage(envelopeBody)
	if !ok {
		e.Body = NewMessage()
	}
	return nil
}

// FailureMessage returns the text of a failure envelope.
func (e *Envelope) FailureMessage() string {
	if e.Body == nil {
		return ""
	}
	s, _ := e.Body.GetString("message")
	return s
}

// Reply builds the answer to e, echoing its correlation id.
func (e *Envelope) Reply(kind Kind, body *Message) *Envelope {
	return &Envelope{Kind: kind, CorrelationID: e.CorrelationID, Body: body}
}
