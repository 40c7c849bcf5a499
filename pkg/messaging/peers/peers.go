/*
Copyright 2025 The Aibrix Team.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package peers provides the known-peer sets the receiver consults before
// decoding an inbound message. Membership is owned elsewhere; this package
// only reads it.
package peers

import (
	"sort"
	"strings"

	"github.com/vllm-project/clusterbus/pkg/utils"
)

// Address is the network-level source of a message: an IP for multicast, or
// the advertised address a broker publisher stamps on its messages. It is
// used only for admission, never for routing.
type Address string

// Normalize strips any port and surrounding whitespace.
func Normalize(addr string) Address {
	return Address(utils.HostOnly(strings.TrimSpace(addr)))
}

// KnownPeers is the set of addresses currently considered cluster members.
// Implementations must be thread-safe.
type KnownPeers interface {
	Contains(addr Address) bool
	List() []Address
}

// Static is a fixed peer set.
type Static struct {
	set map[Address]struct{}
}

func NewStatic(addrs ...string) *Static {
	s := &Static{set: make(map[Address]struct{}, len(addrs))}
	for _, a := range addrs {
		if n := Normalize(a); n != "" {
			s.set[n] = struct{}{}
		}
	}
	return s
}

func (s *Static) Contains(addr Address) bool {
	_, ok := s.set[addr]
	return ok
}

func (s *Static) List() []Address {
	return sortedKeys(s.set)
}

// Open admits every address. It is used when no membership source is
// configured.
type Open struct{}

func (Open) Contains(Address) bool { return true }
func (Open) List() []Address       { return nil }

func sortedKeys(set map[Address]struct{}) []Address {
	out := make([]Address, 0, len(set))
	for a := range set {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

var (
	_ KnownPeers = (*Static)(nil)
	_ KnownPeers = Open{}
)
