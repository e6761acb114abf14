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
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/encoding/protowire"
)

func TestMessage_Nested(t *testing.T) {
	item := NewMessage().AddString("fn", "pv").AddInt64s("in", []int64{1, -2, 3})
	m := NewMessage().
		AddInt64("ts", -100).
		AddFloat64("priority", 2.5).
		AddBool("shared", true).
		AddBytes("payload", []byte{9, 9}).
		AddMessage("item", item).
		AddMessage("item", NewMessage().AddString("fn", "delta"))

	decoded, err := UnmarshalMessage(m.Marshal())
	require.NoError(t, err)
	require.Equal(t, 6, decoded.Len())

	ts, ok := decoded.GetInt64("ts")
	require.True(t, ok)
	require.Equal(t, int64(-100), ts)
	p, _ := decoded.GetFloat64("priority")
	require.Equal(t, 2.5, p)
	shared, _ := decoded.GetBool("shared")
	require.True(t, shared)
	payload, _ := decoded.GetBytes("payload")
	require.Equal(t, []byte{9, 9}, payload)

	items := decoded.GetMessages("item")
	require.Len(t, items, 2)
	ids, ok := items[0].GetInt64s("in")
	require.True(t, ok)
	require.Equal(t, []int64{1, -2, 3}, ids)
	fn, _ := items[1].GetString("fn")
	require.Equal(t, "delta", fn)

	_, ok = decoded.GetString("ts")
	require.False(t, ok)
}

func TestMessage_SkipUnknown(t *testing.T) {
	raw := NewMessage().AddString("a", "x").Marshal()
	raw = protowire.AppendTag(raw, 99, protowire.BytesType)
	raw = protowire.AppendBytes(raw, []byte("future field"))
	raw = protowire.AppendTag(raw, 100, protowire.VarintType)
	raw = protowire.AppendVarint(raw, 7)
	raw = append(raw, NewMessage().AddString("b", "y").Marshal()...)

	m, err := UnmarshalMessage(raw)
	require.NoError(t, err)
	require.Equal(t, 2, m.Len())
	b, _ := m.GetString("b")
	require.Equal(t, "y", b)

	_, err = UnmarshalMessage([]byte{0xff})
	require.Error(t, err)
}

func TestEnvelope(t *testing.T) {
	env := NewEnvelope(KindDataGet, NewCacheKey("V", "C", 100).ToMessage())
	env.CorrelationID = 42

	decoded := &Envelope{}
	require.NoError(t, decoded.Unmarshal(env.Marshal()))
	require.Equal(t, KindDataGet, decoded.Kind)
	require.True(t, decoded.HasCorrelationID())
	key, err := CacheKeyFromMessage(decoded.Body)
	require.NoError(t, err)
	require.Equal(t, "V-C-100", key.String())

	noCID := &Envelope{}
	require.NoError(t, noCID.Unmarshal(NewEnvelope(KindAck, nil).Marshal()))
	require.False(t, noCID.HasCorrelationID())
	require.Equal(t, 0, noCID.Body.Len())
}

func TestValueKey(t *testing.T) {
	k1 := NewValueKey("SECURITY", "AAPL", "PV", map[string]string{"ccy": "USD", "curve": "FWD"})
	k2 := NewValueKey("SECURITY", "AAPL", "PV", map[string]string{"curve": "FWD", "ccy": "USD"})
	require.Equal(t, k1, k2)
	require.Equal(t, k1.Bytes(), k2.Bytes())
	require.Equal(t, "ccy=USD,curve=FWD", k1.Properties)

	parsed, err := ParseValueKey(k1.Bytes())
	require.NoError(t, err)
	require.Equal(t, k1, parsed)

	require.NotEqual(t, k1, NewValueKey("SECURITY", "AAPL", "PV", nil))
}

func TestCacheKey_StoreName(t *testing.T) {
	a := NewCacheKey("V", "C", 100).StoreName()
	b := NewCacheKey("V", "C.100/z", 5).StoreName()
	require.Equal(t, "1.V.1.C.100", a)
	require.NotEqual(t, a, b)
	require.False(t, strings.HasPrefix(b+"/", a+"/"))
	require.NotEqual(t, NewCacheKey("V.1", "C", 1).StoreName(), NewCacheKey("V", "1.C", 1).StoreName())
}
