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
	"sort"

	"github.com/cubefs/calcgrid/proto"
)

// Capabilities are the named numeric parameters a job invoker advertises.
type Capabilities map[string]float64

// MergeCapabilities returns the union of both sets. A capability present in declared
// always wins over the same name in added. Neither input is modified.
func MergeCapabilities(declared, added Capabilities) Capabilities {
	ret := make(Capabilities, len(declared)+len(added))
	for name, v := range added {
		ret[name] = v
	}
	for name, v := range declared {
		ret[name] = v
	}
	return ret
}

func (c Capabilities) Clone() Capabilities {
	return MergeCapabilities(c, nil)
}

// Satisfies reports whether every requirement is declared with at least the
// required value.
func (c Capabilities) Satisfies(requirements Capabilities) bool {
	for name, min := range requirements {
		v, ok := c[name]
		if !ok || v < min {
			return false
		}
	}
	return true
}

func (c Capabilities) ToMessage() *proto.Message {
	names := make([]string, 0, len(c))
	for name := range c {
		names = append(names, name)
	}
	sort.Strings(names)

	m := proto.NewMessage()
	for _, name := range names {
		m.AddFloat64(name, c[name])
	}
	return m
}

// CapabilitiesFromMessage ignores fields that are not numeric.
func CapabilitiesFromMessage(m *proto.Message) Capabilities {
	ret := make(Capabilities)
	if m == nil {
		return ret
	}
	for _, f := range m.Fields() {
		switch v := f.Value.(type) {
		case float64:
			ret[f.Name] = v
		case int64:
			ret[f.Name] = float64(v)
		}
	}
	return ret
}
