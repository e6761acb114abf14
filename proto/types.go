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
	"sort"
	"strconv"
	"strings"

	apierrors "github.com/cubefs/calcgrid/errors"
)

// Identifier is the dense integer a ValueKey is interned to.
type Identifier int64

// ValueKey describes what was computed. It is comparable and may be used as a map key;
// Properties holds the canonical rendering of the constraining properties.
type ValueKey struct {
	TargetType string
	TargetID   string
	ValueName  string
	Properties string
}

// NewValueKey builds a ValueKey with the properties rendered as sorted k=v pairs.
func NewValueKey(targetType, targetID, valueName string, props map[string]string) ValueKey {
	return ValueKey{
		TargetType: targetType,
		TargetID:   targetID,
		ValueName:  valueName,
		Properties: canonicalProperties(props),
	}
}

func canonicalProperties(props map[string]string) string {
	if len(props) == 0 {
		return ""
	}
	names := make([]string, 0, len(props))
	for name := range props {
		names = append(names, name)
	}
	sort.Strings(names)

	b := strings.Builder{}
	for i, name := range names {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(name)
		b.WriteByte('=')
		b.WriteString(props[name])
	}
	return b.String()
}

func (k ValueKey) String() string {
	s := k.TargetType + "~" + k.TargetID + "/" + k.ValueName
	if k.Properties != "" {
		s += "{" + k.Properties + "}"
	}
	return s
}

// Bytes returns the deterministic serialization of the key.
func (k ValueKey) Bytes() []byte {
	return k.ToMessage().Marshal()
}

func (k ValueKey) ToMessage() *Message {
	m := NewMessage()
	m.AddString("tt", k.TargetType)
	m.AddString("ti", k.TargetID)
	m.AddString("vn", k.ValueName)
	if k.Properties != "" {
		m.AddString("pp", k.Properties)
	}
	return m
}

func ValueKeyFromMessage(m *Message) (ValueKey, error) {
	if m == nil {
		return ValueKey{}, apierrors.ErrMalformedMessage
	}
	k := ValueKey{}
	var ok bool
	if k.TargetType, ok = m.GetString("tt"); !ok {
		return ValueKey{}, apierrors.ErrMalformedMessage
	}
	if k.TargetID, ok = m.GetString("ti"); !ok {
		return ValueKey{}, apierrors.ErrMalformedMessage
	}
	if k.ValueName, ok = m.GetString("vn"); !ok {
		return ValueKey{}, apierrors.ErrMalformedMessage
	}
	k.Properties, _ = m.GetString("pp")
	return k, nil
}

func ParseValueKey(raw []byte) (ValueKey, error) {
	m, err := UnmarshalMessage(raw)
	if err != nil {
		return ValueKey{}, err
	}
	return ValueKeyFromMessage(m)
}

// CacheKey identifies one cache instance.
type CacheKey struct {
	ViewName          string
	CalcConfigName    string
	SnapshotTimestamp int64
}

func NewCacheKey(viewName, calcConfigName string, timestamp int64) CacheKey {
	return CacheKey{ViewName: viewName, CalcConfigName: calcConfigName, SnapshotTimestamp: timestamp}
}

func (k CacheKey) String() string {
	return k.ViewName + "-" + k.CalcConfigName + "-" + strconv.FormatInt(k.SnapshotTimestamp, 10)
}

// StoreName is an unambiguous rendering of the key usable as a storage name. Both
// names are length prefixed, no StoreName followed by a separator is a prefix of
// another key's.
func (k CacheKey) StoreName() string {
	return strconv.Itoa(len(k.ViewName)) + "." + k.ViewName + "." +
		strconv.Itoa(len(k.CalcConfigName)) + "." + k.CalcConfigName + "." +
		strconv.FormatInt(k.SnapshotTimestamp, 10)
}

func (k CacheKey) ToMessage() *Message {
	m := NewMessage()
	m.AddString("view", k.ViewName)
	m.AddString("config", k.CalcConfigName)
	m.AddInt64("ts", k.SnapshotTimestamp)
	return m
}

func CacheKeyFromMessage(m *Message) (CacheKey, error) {
	if m == nil {
		return CacheKey{}, apierrors.ErrMalformedMessage
	}
	view, ok1 := m.GetString("view")
	config, ok2 := m.GetString("config")
	ts, ok3 := m.GetInt64("ts")
	if !ok1 || !ok2 || !ok3 {
		return CacheKey{}, apierrors.ErrMalformedMessage
	}
	return NewCacheKey(view, config, ts), nil
}

// ComputedValue is a payload together with the key it was computed for.
type ComputedValue struct {
	Key  ValueKey
	Data []byte
}

func IdentifiersToInt64s(ids []Identifier) []int64 {
	ret := make([]int64, len(ids))
	for i := range ids {
		ret[i] = int64(ids[i])
	}
	return ret
}

func Int64sToIdentifiers(raw []int64) []Identifier {
	ret := make([]Identifier, len(raw))
	for i := range raw {
		ret[i] = Identifier(raw[i])
	}
	return ret
}
