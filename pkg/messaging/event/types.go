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
	"fmt"
	"strings"
)

const (
	// TypeSiteState reports a site lifecycle transition on the origin node
	TypeSiteState Type = "SiteState"
	// TypeCacheInvalidation asks every node to drop cache entries
	TypeCacheInvalidation Type = "CacheInvalidation"
	// TypeReload asks every node to reload a site, or all sites
	TypeReload Type = "Reload"
)

// SiteState is the lifecycle state of a site on one node.
type SiteState string

const (
	SiteStarting SiteState = "STARTING"
	SiteStarted  SiteState = "STARTED"
	SiteStopping SiteState = "STOPPING"
	SiteStopped  SiteState = "STOPPED"
	// SiteDeleted is terminal: the site entry is removed rather than stored.
	SiteDeleted SiteState = "DELETED"
)

var siteStates = []SiteState{SiteStarting, SiteStarted, SiteStopping, SiteStopped, SiteDeleted}

// Terminal reports whether s removes the site from node state.
func (s SiteState) Terminal() bool {
	return s == SiteDeleted
}

func (s SiteState) Valid() bool {
	for _, known := range siteStates {
		if s == known {
			return true
		}
	}
	return false
}

// ParseSiteState is case-insensitive.
func ParseSiteState(value string) (SiteState, error) {
	s := SiteState(strings.ToUpper(strings.TrimSpace(value)))
	if !s.Valid() {
		return "", fmt.Errorf("unknown site state %q", value)
	}
	return s, nil
}

// SiteStateEvent carries a site's new lifecycle state on its origin node.
// It is a platform-wide event: the site it describes may not be loaded on the
// receiving node, so OriginSiteName stays empty.
type SiteStateEvent struct {
	Base  `msgpack:"-"`
	Site  string
	State SiteState
}

func NewSiteStateEvent(node NodeID, site string, state SiteState) *SiteStateEvent {
	return &SiteStateEvent{
		Base:  NewBase("", node),
		Site:  site,
		State: state,
	}
}

func (e *SiteStateEvent) GetType() Type { return TypeSiteState }

// CacheInvalidationEvent drops Keys from the named cache. An empty key list
// clears the whole cache. Without an origin site it applies to every site.
type CacheInvalidationEvent struct {
	Base  `msgpack:"-"`
	Cache string
	Keys  []string
}

func NewCacheInvalidationEvent(node NodeID, site, cache string, keys ...string) *CacheInvalidationEvent {
	return &CacheInvalidationEvent{
		Base:  NewBase(site, node),
		Cache: cache,
		Keys:  keys,
	}
}

func (e *CacheInvalidationEvent) GetType() Type { return TypeCacheInvalidation }

// ReloadEvent asks nodes to reload the origin site, or every site when the
// event is platform-wide.
type ReloadEvent struct {
	Base   `msgpack:"-"`
	Reason string
}

func NewReloadEvent(node NodeID, site, reason string) *ReloadEvent {
	return &ReloadEvent{
		Base:   NewBase(site, node),
		Reason: reason,
	}
}

func (e *ReloadEvent) GetType() Type { return TypeReload }
