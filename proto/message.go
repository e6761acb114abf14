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
	"math"

	apierrors "github.com/cubefs/calcgrid/errors"
	"google.golang.org/protobuf/encoding/protowire"
)

// A message field is encoded as a length delimited record whose field number is the
// value type, the record holds the field name (1) and the value (2).
const (
	typeInt64 protowire.Number = iota + 1
	typeFloat64
	typeString
	typeBytes
	typeBool
	typeMessage
	typeInt64List
)

const (
	fieldName  protowire.Number = 1
	fieldValue protowire.Number = 2
)

type Field struct {
	Name  string
	Value interface{}
}

// Message is a self-describing, ordered list of named fields. A name may repeat.
type Message struct {
	fields []Field
}

func NewMessage() *Message {
	return &Message{}
}

func (m *Message) Fields() []Field {
	return m.fields
}

func (m *Message) Len() int {
	return len(m.fields)
}

func (m *Message) add(name string, v interface{}) *Message {
	m.fields = append(m.fields, Field{Name: name, Value: v})
	return m
}

func (m *Message) AddInt64(name string, v int64) *Message     { return m.add(name, v) }
func (m *Message) AddFloat64(name string, v float64) *Message { return m.add(name, v) }
func (m *Message) AddString(name string, v string) *Message   { return m.add(name, v) }
func (m *Message) AddBool(name string, v bool) *Message       { return m.add(name, v) }
func (m *Message) AddInt64s(name string, v []int64) *Message  { return m.add(name, v) }

func (m *Message) AddBytes(name string, v []byte) *Message {
	if v == nil {
		v = []byte{}
	}
	return m.add(name, v)
}

func (m *Message) AddMessage(name string, v *Message) *Message {
	if v == nil {
		v = NewMessage()
	}
	return m.add(name, v)
}

func (m *Message) get(name string) (interface{}, bool) {
	for i := range m.fields {
		if m.fields[i].Name == name {
			return m.fields[i].Value, true
		}
	}
	return nil, false
}

func (m *Message) GetInt64(name string) (int64, bool) {
	v, ok := m.get(name)
	if !ok {
		return 0, false
	}
	i, ok := v.(int64)
	return i, ok
}

func (m *Message) GetFloat64(name string) (float64, bool) {
	v, ok := m.get(name)
	if !ok {
		return 0, false
	}
	f, ok := v.(float64)
	return f, ok
}

func (m *Message) GetString(name string) (string, bool) {
	v, ok := m.get(name)
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

func (m *Message) GetBytes(name string) ([]byte, bool) {
	v, ok := m.get(name)
	if !ok {
		return nil, false
	}
	b, ok := v.([]byte)
	return b, ok
}

func (m *Message) GetBool(name string) (bool, bool) {
	v, ok := m.get(name)
	if !ok {
		return false, false
	}
	b, ok := v.(bool)
	return b, ok
}

func (m *Message) GetMessage(name string) (*Message, bool) {
	v, ok := m.get(name)
	if !ok {
		return nil, false
	}
	sub, ok := v.(*Message)
	return sub, ok
}

func (m *Message) GetInt64s(name string) ([]int64, bool) {
	v, ok := m.get(name)
	if !ok {
		return nil, false
	}
	l, ok := v.([]int64)
	return l, ok
}

// GetMessages returns every sub-message field with the given name, in order.
func (m *Message) GetMessages(name string) []*Message {
	var ret []*Message
	for i := range m.fields {
		if m.fields[i].Name != name {
			continue
		}
		if sub, ok := m.fields[i].Value.(*Message); ok {
			ret = append(ret, sub)
		}
	}
	return ret
}

// GetBytesList returns every bytes field with the given name, in order.
func (m *Message) GetBytesList(name string) [][]byte {
	var ret [][]byte
	for i := range m.fields {
		if m.fields[i].Name != name {
			continue
		}
		if b, ok := m.fields[i].Value.([]byte); ok {
			ret = append(ret, b)
		}
	}
	return ret
}

func (m *Message) Marshal() []byte {
	var b []byte
	for i := range m.fields {
		b = appendField(b, &m.fields[i])
	}
	return b
}

func appendField(b []byte, f *Field) []byte {
	body := protowire.AppendTag(nil, fieldName, protowire.BytesType)
	body = protowire.AppendString(body, f.Name)

	var num protowire.Number
	switch v := f.Value.(type) {
	case int64:
		num = typeInt64
		body = protowire.AppendTag(body, fieldValue, protowire.VarintType)
		body = protowire.AppendVarint(body, protowire.EncodeZigZag(v))
	case float64:
		num = typeFloat64
		body = protowire.AppendTag(body, fieldValue, protowire.Fixed64Type)
		body = protowire.AppendFixed64(body, math.Float64bits(v))
	case string:
		num = typeString
		body = protowire.AppendTag(body, fieldValue, protowire.BytesType)
		body = protowire.AppendString(body, v)
	case []byte:
		num = typeBytes
		body = protowire.AppendTag(body, fieldValue, protowire.BytesType)
		body = protowire.AppendBytes(body, v)
	case bool:
		num = typeBool
		body = protowire.AppendTag(body, fieldValue, protowire.VarintType)
		body = protowire.AppendVarint(body, protowire.EncodeBool(v))
	case *Message:
		num = typeMessage
		body = protowire.AppendTag(body, fieldValue, protowire.BytesType)
		body = protowire.AppendBytes(body, v.Marshal())
	case []int64:
		num = typeInt64List
		var packed []byte
		for _, x := range v {
			packed = protowire.AppendVarint(packed, protowire.EncodeZigZag(x))
		}
		body = protowire.AppendTag(body, fieldValue, protowire.BytesType)
		body = protowire.AppendBytes(body, packed)
	default:
		// adders only accept the types above
		panic("unsupported message field type")
	}

	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, body)
}

// UnmarshalMessage decodes a message, records with an unknown type are skipped.
func UnmarshalMessage(b []byte) (*Message, error) {
	m := NewMessage()
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, apierrors.ErrMalformedMessage
		}
		b = b[n:]
		if typ != protowire.BytesType {
			n = protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return nil, apierrors.ErrMalformedMessage
			}
			b = b[n:]
			continue
		}

		body, n := protowire.ConsumeBytes(b)
		if n < 0 {
			return nil, apierrors.ErrMalformedMessage
		}
		b = b[n:]

		if num < typeInt64 || num > typeInt64List {
			continue
		}
		f, err := decodeField(num, body)
		if err != nil {
			return nil, err
		}
		m.fields = append(m.fields, f)
	}
	return m, nil
}

func decodeField(num protowire.Number, body []byte) (Field, error) {
	f := Field{}
	hasValue := false
	for len(body) > 0 {
		inner, typ, n := protowire.ConsumeTag(body)
		if n < 0 {
			return f, apierrors.ErrMalformedMessage
		}
		body = body[n:]

		switch {
		case inner == fieldName && typ == protowire.BytesType:
			name, n := protowire.ConsumeString(body)
			if n < 0 {
				return f, apierrors.ErrMalformedMessage
			}
			f.Name = name
			body = body[n:]
		case inner == fieldValue:
			v, n, err := decodeValue(num, typ, body)
			if err != nil {
				return f, err
			}
			f.Value = v
			hasValue = true
			body = body[n:]
		default:
			n = protowire.ConsumeFieldValue(inner, typ, body)
			if n < 0 {
				return f, apierrors.ErrMalformedMessage
			}
			body = body[n:]
		}
	}
	if !hasValue {
		return f, apierrors.ErrMalformedMessage
	}
	return f, nil
}

func decodeValue(num protowire.Number, typ protowire.Type, b []byte) (interface{}, int, error) {
	switch num {
	case typeInt64, typeBool:
		if typ != protowire.VarintType {
			return nil, 0, apierrors.ErrMalformedMessage
		}
		v, n := protowire.ConsumeVarint(b)
		if n < 0 {
			return nil, 0, apierrors.ErrMalformedMessage
		}
		if num == typeBool {
			return protowire.DecodeBool(v), n, nil
		}
		return protowire.DecodeZigZag(v), n, nil
	case typeFloat64:
		if typ != protowire.Fixed64Type {
			return nil, 0, apierrors.ErrMalformedMessage
		}
		v, n := protowire.ConsumeFixed64(b)
		if n < 0 {
			return nil, 0, apierrors.ErrMalformedMessage
		}
		return math.Float64frombits(v), n, nil
	}

	if typ != protowire.BytesType {
		return nil, 0, apierrors.ErrMalformedMessage
	}
	raw, n := protowire.ConsumeBytes(b)
	if n < 0 {
		return nil, 0, apierrors.ErrMalformedMessage
	}
	switch num {
	case typeString:
		return string(raw), n, nil
	case typeBytes:
		v := make([]byte, len(raw))
		copy(v, raw)
		return v, n, nil
	case typeMessage:
		sub, err := UnmarshalMessage(raw)
		if err != nil {
			return nil, 0, err
		}
		return sub, n, nil
	default:
		var list []int64
		for len(raw) > 0 {
			v, vn := protowire.ConsumeVarint(raw)
			if vn < 0 {
				return nil, 0, apierrors.ErrMalformedMessage
			}
			list = append(list, protowire.DecodeZigZag(v))
			raw = raw[vn:]
		}
		if list == nil {
			list = []int64{}
		}
		return list, n, nil
	}
}
