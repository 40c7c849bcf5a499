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

// Package clusterstate aggregates the lifecycle state of every site on every
// node from the SiteStateEvents seen on the bus.
package clusterstate

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"k8s.io/klog/v2"

	"github.com/vllm-project/clusterbus/pkg/constants"
	"github.com/vllm-project/clusterbus/pkg/environment"
	"github.com/vllm-project/clusterbus/pkg/messaging/event"
	"github.com/vllm-project/clusterbus/pkg/messaging/handler"
	"github.com/vllm-project/clusterbus/pkg/site"
)

// NodeState maps site names to their lifecycle state on one node.
type NodeState map[string]event.SiteState

func (s NodeState) Clone() NodeState {
	out := make(NodeState, len(s))
	for name, state := range s {
		out[name] = state
	}
	return out
}

// Map is the cluster-wide view: node identity to that node's sites.
type Map struct {
	mu    sync.RWMutex
	nodes map[event.NodeID]NodeState
}

func NewMap() *Map {
	return &Map{nodes: make(map[event.NodeID]NodeState)}
}

// EnsureNode creates an empty entry for node if none exists.
func (m *Map) EnsureNode(node event.NodeID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nodeLocked(node)
}

func (m *Map) nodeLocked(node event.NodeID) NodeState {
	state, ok := m.nodes[node]
	if !ok {
		state = make(NodeState)
		m.nodes[node] = state
	}
	return state
}

// Apply records e on its origin node. A terminal state removes the site
// entry; applying the same event twice leaves the same result.
func (m *Map) Apply(e *event.SiteStateEvent) {
	m.set(e.OriginNodeID(), e.Site, e.State)
}

func (m *Map) set(node event.NodeID, siteName string, state event.SiteState) {
	m.mu.Lock()
	defer m.mu.Unlock()

	sites := m.nodeLocked(node)
	if state.Terminal() {
		delete(sites, siteName)
		return
	}
	sites[siteName] = state
}

// Get returns a copy of node's state.
func (m *Map) Get(node event.NodeID) (NodeState, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	state, ok := m.nodes[node]
	if !ok {
		return nil, false
	}
	return state.Clone(), true
}

// Snapshot returns a deep copy of the whole map.
func (m *Map) Snapshot() map[event.NodeID]NodeState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[event.NodeID]NodeState, len(m.nodes))
	for node, state := range m.nodes {
		out[node] = state.Clone()
	}
	return out
}

// Nodes lists known nodes in sorted order.
func (m *Map) Nodes() []event.NodeID {
	m.mu.RLock()
	defer m.mu.RUnlock()
	nodes := make([]event.NodeID, 0, len(m.nodes))
	for node := range m.nodes {
		nodes = append(nodes, node)
	}
	sort.Slice(nodes, func(i, j int) bool { return nodes[i] < nodes[j] })
	return nodes
}

// ClusterState returns the map stored in env, creating it and the local
// node's empty entry on first use.
func ClusterState(env *environment.Store, local event.NodeID) *Map {
	m := env.GetOrCreate(constants.EnvKeyNodeStateMap, func() any { return NewMap() }).(*Map)
	m.EnsureNode(local)
	return m
}

// Register installs the SiteStateEvent handler that keeps the map in env
// current.
func Register(handlers *handler.Registry, local event.NodeID) {
	handlers.Register(event.TypeSiteState, handler.Typed(func(_ context.Context, e *event.SiteStateEvent, env *environment.Store, _ site.Site) error {
		if !e.State.Valid() {
			return fmt.Errorf("invalid state %q for site %s", e.State, e.Site)
		}
		klog.V(4).Infof("Site %s on node %s is now %s", e.Site, e.OriginNodeID(), e.State)
		ClusterState(env, local).Apply(e)
		return nil
	}))
}

// Announce records a local site state change and broadcasts it. Peers never
// echo the event back to this node, so the local entry is updated here.
func Announce(env *environment.Store, sender Sender, local event.NodeID, siteName string, state event.SiteState) (bool, error) {
	if !state.Valid() {
		return false, fmt.Errorf("invalid state %q for site %s", state, siteName)
	}
	if siteName == "" {
		return false, fmt.Errorf("site name is required")
	}

	e := event.NewSiteStateEvent(local, siteName, state)
	ClusterState(env, local).Apply(e)
	return sender.Send(e), nil
}

// Sender is the subset of transport.Sender Announce needs.
type Sender interface {
	Send(e event.Event) bool
}
