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

// Package transport defines the sender/receiver contract shared by all wire
// transports and the admission filter every receiver runs inbound messages
// through.
package transport

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"k8s.io/klog/v2"

	"github.com/vllm-project/clusterbus/pkg/messaging/codec"
	"github.com/vllm-project/clusterbus/pkg/messaging/event"
	"github.com/vllm-project/clusterbus/pkg/messaging/handler"
	"github.com/vllm-project/clusterbus/pkg/messaging/peers"
)

// Sender broadcasts events to every other node. Implementations must be safe
// for concurrent use.
type Sender interface {
	// Send reports whether the transport accepted the event. It never
	// retries and never returns an error.
	Send(e event.Event) bool
}

// Receiver consumes the transport and admits inbound messages.
type Receiver interface {
	// Receive blocks until ctx is done or Close is called.
	Receive(ctx context.Context) error
	// Close unblocks Receive and releases the transport. It is idempotent
	// and safe to call when Receive never ran.
	Close() error
	SelfAddress() peers.Address
	NodeID() event.NodeID
	Admitter() *Admitter
}

// Dispatcher is the subset of handler.Dispatcher the admitter needs.
type Dispatcher interface {
	Dispatch(ctx context.Context, e event.Event) handler.Result
}

// Deps are the collaborators shared by every transport.
type Deps struct {
	Serializer codec.Serializer
	Peers      peers.KnownPeers
	Dispatcher Dispatcher
	// AdvertiseAddress overrides the detected self address on broker
	// transports.
	AdvertiseAddress string
}

// Validate checks the required collaborators and defaults Peers to open
// membership.
func (d *Deps) Validate() error {
	if d.Serializer == nil {
		return fmt.Errorf("%w: serializer is required", ErrInvalidConfig)
	}
	if d.Dispatcher == nil {
		return fmt.Errorf("%w: dispatcher is required", ErrInvalidConfig)
	}
	if d.Peers == nil {
		klog.Warning("No known peers configured, admitting messages from any address")
		d.Peers = peers.Open{}
	}
	return nil
}

// Factory builds a connected sender/receiver pair.
type Factory func(deps Deps) (Sender, Receiver, error)

// Registry maps transport names to factories.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Register adds or replaces the factory for name.
func (r *Registry) Register(name string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[name] = f
}

// Lookup returns the factory registered for name.
func (r *Registry) Lookup(name string) (Factory, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	f, ok := r.factories[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q (available: %v)", ErrUnknownTransport, name, r.names())
	}
	return f, nil
}

// names lists the registered transports in sorted order. r.mu must be held.
func (r *Registry) names() []string {
	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// NopSender drops every event. It stands in when messaging is disabled.
type NopSender struct{}

func (NopSender) Send(e event.Event) bool {
	if e != nil {
		klog.V(4).Infof("Messaging disabled, dropping %s event", e.GetType())
	}
	return false
}

var _ Sender = NopSender{}
