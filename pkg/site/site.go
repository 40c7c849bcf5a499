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

// Package site defines the narrow contract the messaging subsystem uses to
// reach tenant sites. Site deployment itself lives outside this module.
package site

import (
	"sort"
	"sync"

	"github.com/vllm-project/clusterbus/pkg/messaging/codec"
)

// Site is a tenant addressable by name.
type Site interface {
	Name() string
}

// Registry looks sites up by name. Implementations must be thread-safe.
type Registry interface {
	Site(name string) (Site, bool)
	// Range calls f for every site until f returns false.
	Range(f func(Site) bool)
}

// CacheInvalidator is implemented by sites that own named caches.
type CacheInvalidator interface {
	// InvalidateCache drops keys from cache; no keys means everything.
	InvalidateCache(cache string, keys []string) error
}

// Reloader is implemented by sites that can reload themselves in place.
type Reloader interface {
	Reload(reason string) error
}

// TypeScoped is implemented by sites that define their own event types.
type TypeScoped interface {
	EventTypes() *codec.TypeRegistry
}

// MemoryRegistry is an in-process Registry that also serves as the
// serializer's codec.TypeResolver.
type MemoryRegistry struct {
	mu    sync.RWMutex
	sites map[string]Site
}

func NewMemoryRegistry(sites ...Site) *MemoryRegistry {
	r := &MemoryRegistry{sites: make(map[string]Site)}
	for _, s := range sites {
		r.Add(s)
	}
	return r
}

// Add registers s, replacing any site with the same name.
func (r *MemoryRegistry) Add(s Site) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sites[s.Name()] = s
}

// Remove unregisters the site. It may be called from a Range callback.
func (r *MemoryRegistry) Remove(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sites, name)
}

func (r *MemoryRegistry) Site(name string) (Site, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sites[name]
	return s, ok
}

// Range visits sites in name order.
func (r *MemoryRegistry) Range(f func(Site) bool) {
	r.mu.RLock()
	sites := make([]Site, 0, len(r.sites))
	for _, s := range r.sites {
		sites = append(sites, s)
	}
	r.mu.RUnlock()

	sort.Slice(sites, func(i, j int) bool { return sites[i].Name() < sites[j].Name() })
	for _, s := range sites {
		if !f(s) {
			return
		}
	}
}

// TypesFor implements codec.TypeResolver.
func (r *MemoryRegistry) TypesFor(name string) (*codec.TypeRegistry, bool) {
	s, ok := r.Site(name)
	if !ok {
		return nil, false
	}
	scoped, ok := s.(TypeScoped)
	if !ok {
		return nil, false
	}
	return scoped.EventTypes(), true
}

// Basic is a minimal Site with an optional type-resolution context.
type Basic struct {
	name  string
	types *codec.TypeRegistry
}

// NewBasic creates a site whose event types extend global.
func NewBasic(name string, global *codec.TypeRegistry) *Basic {
	return &Basic{
		name:  name,
		types: codec.NewTypeRegistry(global),
	}
}

func (b *Basic) Name() string                     { return b.name }
func (b *Basic) EventTypes() *codec.TypeRegistry { return b.types }

var (
	_ Registry           = (*MemoryRegistry)(nil)
	_ codec.TypeResolver = (*MemoryRegistry)(nil)
	_ TypeScoped         = (*Basic)(nil)
)
