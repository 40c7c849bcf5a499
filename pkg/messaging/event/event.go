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

package event

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// NodeID identifies one running process for its whole lifetime. It survives
// transport reconnects but not process restarts.
type NodeID string

var (
	localNodeID     NodeID
	localNodeIDOnce sync.Once
)

// NewNodeID generates a fresh random node identity.
func NewNodeID() NodeID {
	return NodeID(uuid.NewString())
}

// LocalNodeID returns the identity of this process, generated on first use.
func LocalNodeID() NodeID {
	localNodeIDOnce.Do(func() {
		localNodeID = NewNodeID()
	})
	return localNodeID
}

// Type names an event kind on the wire and in the handler registry.
type Type string

// Event is the base interface for all cluster events.
//
// Concrete events embed Base, which carries the origin header. The header is
// transported in the wire envelope, not in the event body, so Base is tagged
// `msgpack:"-"` on every concrete event.
type Event interface {
	GetType() Type
	// OriginSiteName is empty for platform-wide events.
	OriginSiteName() string
	OriginNodeID() NodeID
	CreatedAt() time.Time
	setOrigin(site string, node NodeID, created time.Time)
	base() *Base
}

// Base is the common header of every event. Apart from the Handled flag it
// is never modified after construction.
type Base struct {
	OriginSite string
	OriginNode NodeID
	Created    time.Time

	// Handled is a transient processing flag for tests and diagnostics.
	// It is never serialized.
	Handled bool
}

// NewBase stamps a header for an event created now on node.
func NewBase(site string, node NodeID) Base {
	return Base{
		OriginSite: site,
		OriginNode: node,
		Created:    time.Now(),
	}
}

func (b *Base) OriginSiteName() string { return b.OriginSite }
func (b *Base) OriginNodeID() NodeID   { return b.OriginNode }
func (b *Base) CreatedAt() time.Time   { return b.Created }
func (b *Base) base() *Base            { return b }

func (b *Base) setOrigin(site string, node NodeID, created time.Time) {
	b.OriginSite = site
	b.OriginNode = node
	b.Created = created
}

// Restore sets the origin header of a freshly decoded event.
func Restore(e Event, site string, node NodeID, created time.Time) {
	e.setOrigin(site, node, created)
}

// MarkHandled flags e as having been dispatched to at least one handler.
func MarkHandled(e Event) {
	e.base().Handled = true
}

// IsHandled reports whether MarkHandled was called on e.
func IsHandled(e Event) bool {
	return e.base().Handled
}
