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
	"sync"

	"github.com/vllm-project/clusterbus/pkg/messaging/event"
)

// Factory returns a new zero-valued event ready to be decoded into.
type Factory func() event.Event

// TypeRegistry is a type-resolution context: it maps wire type names to
// factories. A site registry delegates unknown names to its parent, the
// platform-global registry, so tenants see platform events but never each
// other's types.
type TypeRegistry struct {
	parent *TypeRegistry

	mu        sync.RWMutex
	factories map[event.Type]Factory
}

// NewTypeRegistry creates a registry delegating to parent, which may be nil.
func NewTypeRegistry(parent *TypeRegistry) *TypeRegistry {
	return &TypeRegistry{
		parent:    parent,
		factories: make(map[event.Type]Factory),
	}
}

// NewGlobalRegistry creates the platform-global registry holding the
// built-in event types.
func NewGlobalRegistry() *TypeRegistry {
	r := NewTypeRegistry(nil)
	r.MustRegister(event.TypeSiteState, func() event.Event { return &event.SiteStateEvent{} })
	r.MustRegister(event.TypeCacheInvalidation, func() event.Event { return &event.CacheInvalidationEvent{} })
	r.MustRegister(event.TypeReload, func() event.Event { return &event.ReloadEvent{} })
	return r
}

// Register adds a type. Names already resolvable through this registry,
// including through its parent, are rejected so a tenant cannot shadow a
// platform event.
func (r *TypeRegistry) Register(t event.Type, f Factory) error {
	if t == "" || f == nil {
		return fmt.Errorf("invalid registration for type %q", t)
	}
	if r.parent != nil && r.parent.has(t) {
		return fmt.Errorf("%w: %s", ErrDuplicateType, t)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.factories[t]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateType, t)
	}
	r.factories[t] = f
	return nil
}

func (r *TypeRegistry) MustRegister(t event.Type, f Factory) {
	if err := r.Register(t, f); err != nil {
		panic(err)
	}
}

// New instantiates the event registered under t.
func (r *TypeRegistry) New(t event.Type) (event.Event, error) {
	for reg := r; reg != nil; reg = reg.parent {
		reg.mu.RLock()
		f, ok := reg.factories[t]
		reg.mu.RUnlock()
		if ok {
			return f(), nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrUnknownEventType, t)
}

func (r *TypeRegistry) has(t event.Type) bool {
	for reg := r; reg != nil; reg = reg.parent {
		reg.mu.RLock()
		_, ok := reg.factories[t]
		reg.mu.RUnlock()
		if ok {
			return true
		}
	}
	return false
}

// TypeResolver returns the type-resolution context of a site.
// Implementations must be thread-safe.
type TypeResolver interface {
	// TypesFor returns false when the site is unknown on this node.
	TypesFor(site string) (*TypeRegistry, bool)
}
