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

package handler

import (
	"context"
	"errors"
	"fmt"

	"k8s.io/klog/v2"

	"github.com/vllm-project/clusterbus/pkg/environment"
	"github.com/vllm-project/clusterbus/pkg/messaging/event"
	"github.com/vllm-project/clusterbus/pkg/site"
)

// RegisterAdministrative registers the built-in cache invalidation and reload
// handlers. Site-scoped events apply to the resolved site; platform-wide
// events apply to every site in sites.
func RegisterAdministrative(r *Registry, sites site.Registry) {
	r.Register(event.TypeCacheInvalidation, Typed(func(_ context.Context, e *event.CacheInvalidationEvent, _ *environment.Store, s site.Site) error {
		return forTargets(e, s, sites, func(target site.Site) error {
			inv, ok := target.(site.CacheInvalidator)
			if !ok {
				return nil
			}
			klog.V(4).Infof("Invalidating cache %q of site %s (%d keys)", e.Cache, target.Name(), len(e.Keys))
			return inv.InvalidateCache(e.Cache, e.Keys)
		})
	}))

	r.Register(event.TypeReload, Typed(func(_ context.Context, e *event.ReloadEvent, _ *environment.Store, s site.Site) error {
		return forTargets(e, s, sites, func(target site.Site) error {
			rel, ok := target.(site.Reloader)
			if !ok {
				return nil
			}
			klog.Infof("Reloading site %s on request of node %s: %s", target.Name(), e.OriginNodeID(), e.Reason)
			return rel.Reload(e.Reason)
		})
	}))
}

// forTargets applies fn to the resolved site, or to all sites for a
// platform-wide event. Per-site failures are joined so one broken site does
// not hide the others.
func forTargets(e event.Event, resolved site.Site, sites site.Registry, fn func(site.Site) error) error {
	if e.OriginSiteName() != "" {
		if resolved == nil {
			return nil
		}
		return fn(resolved)
	}
	if sites == nil {
		return nil
	}

	var errs []error
	sites.Range(func(s site.Site) bool {
		if err := fn(s); err != nil {
			errs = append(errs, fmt.Errorf("site %s: %w", s.Name(), err))
		}
		return true
	})
	return errors.Join(errs...)
}
