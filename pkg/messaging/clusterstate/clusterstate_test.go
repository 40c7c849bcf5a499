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

package clusterstate

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vllm-project/clusterbus/pkg/constants"
	"github.com/vllm-project/clusterbus/pkg/environment"
	"github.com/vllm-project/clusterbus/pkg/messaging/event"
	"github.com/vllm-project/clusterbus/pkg/messaging/handler"
)

type fakeSender struct {
	mu     sync.Mutex
	sent   []event.Event
	accept bool
}

func (s *fakeSender) Send(e event.Event) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, e)
	return s.accept
}

func TestClusterStateLazyInit(t *testing.T) {
	env := environment.New()
	_, ok := env.Get(constants.EnvKeyNodeStateMap)
	require.False(t, ok)

	m := ClusterState(env, "N1")
	state, ok := m.Get("N1")
	require.True(t, ok)
	assert.Empty(t, state)

	assert.Same(t, m, ClusterState(env, "N1"))
	stored, ok := environment.Lookup[*Map](env, constants.EnvKeyNodeStateMap)
	require.True(t, ok)
	assert.Same(t, m, stored)
}

func TestApplyIsIdempotentAndDeletes(t *testing.T) {
	m := NewMap()
	started := event.NewSiteStateEvent("N2", "shop", event.SiteStarted)

	m.Apply(started)
	m.Apply(started)
	state, ok := m.Get("N2")
	require.True(t, ok)
	assert.Equal(t, NodeState{"shop": event.SiteStarted}, state)

	m.Apply(event.NewSiteStateEvent("N2", "shop", event.SiteStopping))
	m.Apply(event.NewSiteStateEvent("N2", "blog", event.SiteStarting))
	state, _ = m.Get("N2")
	assert.Equal(t, NodeState{"shop": event.SiteStopping, "blog": event.SiteStarting}, state)

	deleted := event.NewSiteStateEvent("N2", "shop", event.SiteDeleted)
	m.Apply(deleted)
	m.Apply(deleted)
	state, _ = m.Get("N2")
	assert.Equal(t, NodeState{"blog": event.SiteStarting}, state)

	// Deleting a site that was never seen still registers the node.
	m.Apply(event.NewSiteStateEvent("N3", "ghost", event.SiteDeleted))
	state, ok = m.Get("N3")
	require.True(t, ok)
	assert.Empty(t, state)
	assert.Equal(t, []event.NodeID{"N2", "N3"}, m.Nodes())
}

func TestSnapshotIsDeepCopy(t *testing.T) {
	m := NewMap()
	m.Apply(event.NewSiteStateEvent("N2", "shop", event.SiteStarted))

	snap := m.Snapshot()
	snap["N2"]["shop"] = event.SiteStopped
	snap["N9"] = NodeState{}

	state, _ := m.Get("N2")
	assert.Equal(t, event.SiteStarted, state["shop"])
	_, ok := m.Get("N9")
	assert.False(t, ok)
}

func TestRegisteredHandlerUpdatesEnvironment(t *testing.T) {
	env := environment.New()
	registry := handler.NewRegistry()
	Register(registry, "N1")
	d := handler.NewDispatcher(registry, env, nil)
	ctx := context.Background()

	result := d.Dispatch(ctx, event.NewSiteStateEvent("N2", "shop", event.SiteStarted))
	assert.Equal(t, handler.Result{Invoked: 1}, result)

	m := ClusterState(env, "N1")
	assert.Equal(t, []event.NodeID{"N1", "N2"}, m.Nodes())
	state, _ := m.Get("N2")
	assert.Equal(t, NodeState{"shop": event.SiteStarted}, state)

	result = d.Dispatch(ctx, event.NewSiteStateEvent("N2", "shop", "EXPLODED"))
	assert.Equal(t, handler.Result{Invoked: 1, Failed: 1}, result)
	state, _ = m.Get("N2")
	assert.Equal(t, NodeState{"shop": event.SiteStarted}, state)
}

func TestAnnounce(t *testing.T) {
	env := environment.New()
	sender := &fakeSender{accept: true}

	ok, err := Announce(env, sender, "N1", "shop", event.SiteStarted)
	require.NoError(t, err)
	assert.True(t, ok)

	state, _ := ClusterState(env, "N1").Get("N1")
	assert.Equal(t, NodeState{"shop": event.SiteStarted}, state)
	require.Len(t, sender.sent, 1)
	sent := sender.sent[0].(*event.SiteStateEvent)
	assert.Equal(t, event.NodeID("N1"), sent.OriginNodeID())
	assert.Equal(t, "shop", sent.Site)

	// The local view is updated even when the transport refuses the event.
	sender.accept = false
	ok, err = Announce(env, sender, "N1", "shop", event.SiteDeleted)
	require.NoError(t, err)
	assert.False(t, ok)
	state, _ = ClusterState(env, "N1").Get("N1")
	assert.Empty(t, state)

	_, err = Announce(env, sender, "N1", "shop", "BOGUS")
	assert.Error(t, err)
	_, err = Announce(env, sender, "N1", "", event.SiteStarted)
	assert.Error(t, err)
	assert.Len(t, sender.sent, 2)
}
