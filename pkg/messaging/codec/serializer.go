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

package codec

import (
	"fmt"
	"time"

	msgpack "github.com/shamaton/msgpack/v2"
	"k8s.io/klog/v2"

	"github.com/vllm-project/clusterbus/pkg/environment"
	"github.com/vllm-project/clusterbus/pkg/messaging/event"
)

// Serializer converts events to and from wire bytes.
// Implementations must be thread-safe.
type Serializer interface {
	Encode(e event.Event) ([]byte, error)
	Decode(data []byte) (event.Event, error)
	NodeID() event.NodeID
	Environment() *environment.Store
}

// envelope is the wire frame. The origin header travels here so the decoder
// can pick the type-resolution context before touching the body.
//
//	{ Type, Site, Node, CreatedAt (unix nanos), Payload (msgpack body) }
type envelope struct {
	Type      string
	Site      string
	Node      string
	CreatedAt int64
	Payload   []byte
}

// MsgpackSerializer encodes events as MessagePack.
type MsgpackSerializer struct {
	nodeID   event.NodeID
	env      *environment.Store
	global   *TypeRegistry
	resolver TypeResolver
}

// NewMsgpackSerializer binds a serializer to a node identity and environment.
// global defaults to NewGlobalRegistry(); resolver may be nil, in which case
// every event resolves through global.
func NewMsgpackSerializer(nodeID event.NodeID, env *environment.Store, global *TypeRegistry, resolver TypeResolver) *MsgpackSerializer {
	if global == nil {
		global = NewGlobalRegistry()
	}
	return &MsgpackSerializer{
		nodeID:   nodeID,
		env:      env,
		global:   global,
		resolver: resolver,
	}
}

func (s *MsgpackSerializer) NodeID() event.NodeID            { return s.nodeID }
func (s *MsgpackSerializer) Environment() *environment.Store { return s.env }

// Encode marshals e and its origin header.
func (s *MsgpackSerializer) Encode(e event.Event) ([]byte, error) {
	if e == nil {
		return nil, fmt.Errorf("nil event")
	}

	body, err := msgpack.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s body: %w", e.GetType(), err)
	}

	data, err := msgpack.Marshal(envelope{
		Type:      string(e.GetType()),
		Site:      e.OriginSiteName(),
		Node:      string(e.OriginNodeID()),
		CreatedAt: e.CreatedAt().UnixNano(),
		Payload:   body,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal envelope: %w", err)
	}
	return data, nil
}

// Decode resolves the body type through the origin site's context and never
// panics on malformed input.
func (s *MsgpackSerializer) Decode(data []byte) (e event.Event, err error) {
	defer func() {
		if r := recover(); r != nil {
			e = nil
			err = fmt.Errorf("%w: %v", ErrMalformedPayload, r)
		}
	}()

	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty message", ErrMalformedPayload)
	}

	var env envelope
	if err := msgpack.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	if env.Type == "" {
		return nil, fmt.Errorf("%w: missing event type", ErrMalformedPayload)
	}

	e, err = s.typesFor(env.Site).New(event.Type(env.Type))
	if err != nil {
		return nil, err
	}
	if err := msgpack.Unmarshal(env.Payload, e); err != nil {
		return nil, fmt.Errorf("%w: %s body: %v", ErrMalformedPayload, env.Type, err)
	}

	event.Restore(e, env.Site, event.NodeID(env.Node), time.Unix(0, env.CreatedAt))
	return e, nil
}

// typesFor returns the site's registry, or the global one for platform-wide
// events and sites not loaded on this node.
func (s *MsgpackSerializer) typesFor(site string) *TypeRegistry {
	if site == "" || s.resolver == nil {
		return s.global
	}
	if types, ok := s.resolver.TypesFor(site); ok && types != nil {
		return types
	}
	klog.V(4).Infof("Site %q not loaded on this node, decoding with platform types", site)
	return s.global
}

var _ Serializer = (*MsgpackSerializer)(nil)
