// Copyright 2025 The AIBrix Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package handler maps event types to the handlers that apply them.
package handler

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"k8s.io/klog/v2"

	"github.com/vllm-project/clusterbus/pkg/environment"
	"github.com/vllm-project/clusterbus/pkg/messaging/event"
	"github.com/vllm-project/clusterbus/pkg/messaging/metrics"
	"github.com/vllm-project/clusterbus/pkg/site"
)

// Handler applies an event on this node. s is the site named by the event's
// origin, or nil for platform-wide events and sites not loaded here.
type Handler interface {
	HandleEvent(ctx context.Context, e event.Event, env *environment.Store, s site.Site) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, e event.Event, env *environment.Store, s site.Site) error

func (f HandlerFunc) HandleEvent(ctx context.Context, e event.Event, env *environment.Store, s site.Site) error {
	return f(ctx, e, env, s)
}

// Typed adapts a handler for one concrete event type. Events of any other
// runtime type are rejected with an error.
func Typed[T event.Event](f func(ctx context.Context, e T, env *environment.Store, s site.Site) error) Handler {
	return HandlerFunc(func(ctx context.Context, e event.Event, env *environment.Store, s site.Site) error {
		typed, ok := e.(T)
		if !ok {
			return fmt.Errorf("unexpected event %T", e)
		}
		return f(ctx, typed, env, s)
	})
}

// Registry maps event types to zero or more handlers.
type Registry struct {
	mu        sync.RWMutex
	handlers  map[event.Type][]Handler
	installed map[string]struct{}
}

func NewRegistry() *Registry {
	return &Registry{
		handlers:  make(map[event.Type][]Handler),
		installed: make(map[string]struct{}),
	}
}

// Register adds h for events of type t.
func (r *Registry) Register(t event.Type, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[t] = append(r.handlers[t], h)
}

// Install runs register against r the first time it is called with name and
// reports whether it ran. Later calls with the same name are no-ops, so the
// handlers bound by the first call stay in effect.
func (r *Registry) Install(name string, register func(r *Registry)) bool {
	r.mu.Lock()
	if _, ok := r.installed[name]; ok {
		r.mu.Unlock()
		return false
	}
	r.installed[name] = struct{}{}
	r.mu.Unlock()

	register(r)
	return true
}

// Handlers returns a copy of the handlers registered for t.
func (r *Registry) Handlers(t event.Type) []Handler {
	r.mu.RLock()
	defer r.mu.RUnlock()
	hs := r.handlers[t]
	out := make([]Handler, len(hs))
	copy(out, hs)
	return out
}

// Result summarizes one dispatch.
type Result struct {
	Invoked int
	Failed  int
}

// Dispatcher runs handlers against the environment and the resolved site.
type Dispatcher struct {
	registry *Registry
	env      *environment.Store
	sites    site.Registry
}

// NewDispatcher creates a dispatcher; sites may be nil.
func NewDispatcher(registry *Registry, env *environment.Store, sites site.Registry) *Dispatcher {
	if registry == nil {
		registry = NewRegistry()
	}
	return &Dispatcher{
		registry: registry,
		env:      env,
		sites:    sites,
	}
}

func (d *Dispatcher) Registry() *Registry { return d.registry }

// Dispatch invokes every handler registered for e's type. A failing or
// panicking handler is logged and does not stop the others.
func (d *Dispatcher) Dispatch(ctx context.Context, e event.Event) Result {
	var result Result
	handlers := d.registry.Handlers(e.GetType())
	if len(handlers) == 0 {
		klog.V(4).Infof("No handlers for %s event from node %s", e.GetType(), e.OriginNodeID())
		return result
	}

	resolved := d.resolveSite(e)
	startTime := time.Now()
	for _, h := range handlers {
		result.Invoked++
		if err := invoke(ctx, h, e, d.env, resolved); err != nil {
			result.Failed++
			metrics.RecordHandlerError(string(e.GetType()))
			klog.Errorf("Handler for %s event from node %s failed: %v", e.GetType(), e.OriginNodeID(), err)
		}
	}
	metrics.RecordDispatchLatency(string(e.GetType()), time.Since(startTime))
	event.MarkHandled(e)

	return result
}

func (d *Dispatcher) resolveSite(e event.Event) site.Site {
	name := e.OriginSiteName()
	if name == "" || d.sites == nil {
		return nil
	}
	s, ok := d.sites.Site(name)
	if !ok {
		klog.V(4).Infof("Site %q of %s event is not loaded on this node", name, e.GetType())
		return nil
	}
	return s
}

func invoke(ctx context.Context, h Handler, e event.Event, env *environment.Store, s site.Site) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v\n%s", r, debug.Stack())
		}
	}()
	return h.HandleEvent(ctx, e, env, s)
}
