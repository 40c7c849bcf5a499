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

package transport

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vllm-project/clusterbus/pkg/environment"
	"github.com/vllm-project/clusterbus/pkg/messaging/codec"
	"github.com/vllm-project/clusterbus/pkg/messaging/event"
	"github.com/vllm-project/clusterbus/pkg/messaging/handler"
	"github.com/vllm-project/clusterbus/pkg/messaging/peers"
)

// countingSerializer counts Decode calls so tests can prove rejected
// messages are never decoded.
type countingSerializer struct {
	codec.Serializer
	mu      sync.Mutex
	decodes int
}

func (s *countingSerializer) Decode(data []byte) (event.Event, error) {
	s.mu.Lock()
	s.decodes++
	s.mu.Unlock()
	return s.Serializer.Decode(data)
}

func (s *countingSerializer) Decodes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.decodes
}

type recordingDispatcher struct {
	mu     sync.Mutex
	events []event.Event
}

func (d *recordingDispatcher) Dispatch(_ context.Context, e event.Event) handler.Result {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.events = append(d.events, e)
	return handler.Result{Invoked: 1}
}

func (d *recordingDispatcher) Events() []event.Event {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]event.Event(nil), d.events...)
}

func newSerializer(node event.NodeID) *countingSerializer {
	return &countingSerializer{Serializer: codec.NewMsgpackSerializer(node, environment.New(), nil, nil)}
}

func encode(t *testing.T, node event.NodeID, site string, state event.SiteState) []byte {
	t.Helper()
	raw, err := codec.NewMsgpackSerializer(node, nil, nil, nil).Encode(event.NewSiteStateEvent(node, site, state))
	require.NoError(t, err)
	return raw
}

func TestAdmitPeerFilterAndSelfEcho(t *testing.T) {
	const (
		addrA = peers.Address("10.0.0.1")
		addrB = peers.Address("10.0.0.2")
		addrC = peers.Address("10.0.0.3")
	)
	known := peers.NewStatic(string(addrA), string(addrB))
	serializer := newSerializer("N1")
	dispatcher := &recordingDispatcher{}
	admitter := NewAdmitter(serializer, dispatcher, addrA, "test")
	ctx := context.Background()

	// Unknown source: dropped before decoding.
	assert.Equal(t, OutcomeRejected, admitter.Admit(ctx, encode(t, "N2", "x", event.SiteStarted), known, addrC))
	assert.Equal(t, 0, serializer.Decodes())
	assert.Empty(t, dispatcher.Events())

	// Own node at own address: retained as echo, not dispatched.
	assert.Equal(t, OutcomeSelfEcho, admitter.Admit(ctx, encode(t, "N1", "x", event.SiteStarted), known, addrA))
	assert.Equal(t, 1, serializer.Decodes())
	assert.Empty(t, dispatcher.Events())
	assert.Equal(t, uint64(1), admitter.EchoCount())
	require.NotNil(t, admitter.LastEcho())
	assert.Equal(t, event.NodeID("N1"), admitter.LastEcho().OriginNodeID())

	// Other node at own address, own node at other address, other node at
	// other address: all dispatched.
	cases := []struct {
		node   event.NodeID
		source peers.Address
	}{
		{node: "N2", source: addrA},
		{node: "N1", source: addrB},
		{node: "N2", source: addrB},
	}
	for _, c := range cases {
		assert.Equal(t, OutcomeDispatched, admitter.Admit(ctx, encode(t, c.node, "x", event.SiteStarted), known, c.source))
	}

	events := dispatcher.Events()
	require.Len(t, events, 3)
	for i, c := range cases {
		assert.Equal(t, c.node, events[i].OriginNodeID())
	}
	assert.Equal(t, uint64(1), admitter.EchoCount())
}

func TestAdmitWithoutSelfAddressNeverSuppresses(t *testing.T) {
	dispatcher := &recordingDispatcher{}
	admitter := NewAdmitter(newSerializer("N1"), dispatcher, "", "test")

	outcome := admitter.Admit(context.Background(), encode(t, "N1", "x", event.SiteStopped), peers.Open{}, "")
	assert.Equal(t, OutcomeDispatched, outcome)
	assert.Len(t, dispatcher.Events(), 1)
	assert.Zero(t, admitter.EchoCount())
	assert.Nil(t, admitter.LastEcho())
}

func TestAdmitNormalizesSource(t *testing.T) {
	dispatcher := &recordingDispatcher{}
	admitter := NewAdmitter(newSerializer("N1"), dispatcher, "10.0.0.1:45588", "test")

	outcome := admitter.Admit(context.Background(), encode(t, "N1", "x", event.SiteStopped), peers.NewStatic("10.0.0.1"), "10.0.0.1:50123")
	assert.Equal(t, OutcomeSelfEcho, outcome)
	assert.Equal(t, peers.Address("10.0.0.1"), admitter.SelfAddress())
}

func TestAdmitDropsUndecodableMessages(t *testing.T) {
	dispatcher := &recordingDispatcher{}
	admitter := NewAdmitter(newSerializer("N1"), dispatcher, "10.0.0.1", "test")

	for _, raw := range [][]byte{nil, []byte("garbage"), {0xc1}} {
		assert.Equal(t, OutcomeDecodeFailed, admitter.Admit(context.Background(), raw, peers.Open{}, "10.0.0.2"))
	}
	assert.Empty(t, dispatcher.Events())
}

// brokenSerializer fails every decode with an error that is not a wire format
// problem.
type brokenSerializer struct {
	codec.Serializer
}

func (brokenSerializer) Decode([]byte) (event.Event, error) {
	return nil, errors.New("type registry unavailable")
}

func TestAdmitCountsSerializerFailuresAsDecodeFailures(t *testing.T) {
	dispatcher := &recordingDispatcher{}
	serializer := brokenSerializer{Serializer: codec.NewMsgpackSerializer("N1", nil, nil, nil)}
	admitter := NewAdmitter(serializer, dispatcher, "10.0.0.1", "test")

	raw := encode(t, "N2", "shop", event.SiteStarted)
	assert.Equal(t, OutcomeDecodeFailed, admitter.Admit(context.Background(), raw, peers.Open{}, "10.0.0.2"))
	assert.Empty(t, dispatcher.Events())
}

func TestAdmitterIdentity(t *testing.T) {
	admitter := NewAdmitter(newSerializer("N7"), &recordingDispatcher{}, "10.0.0.1", "test")
	assert.Equal(t, event.NodeID("N7"), admitter.NodeID())
}

func TestOutcomeString(t *testing.T) {
	assert.Equal(t, "rejected", OutcomeRejected.String())
	assert.Equal(t, "decode_failed", OutcomeDecodeFailed.String())
	assert.Equal(t, "self_echo", OutcomeSelfEcho.String())
	assert.Equal(t, "dispatched", OutcomeDispatched.String())
	assert.Equal(t, "unknown", Outcome(42).String())
}
