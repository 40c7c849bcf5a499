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

package admin

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/gorilla/mux"
	"k8s.io/klog/v2"

	"github.com/vllm-project/clusterbus/pkg/environment"
	"github.com/vllm-project/clusterbus/pkg/messaging"
	"github.com/vllm-project/clusterbus/pkg/messaging/clusterstate"
	"github.com/vllm-project/clusterbus/pkg/messaging/event"
	"github.com/vllm-project/clusterbus/pkg/messaging/peers"
)

type httpServer struct {
	env    *environment.Store
	nodeID event.NodeID
}

// ClusterStateResponse is the body of GET /v1/cluster/state.
type ClusterStateResponse struct {
	Node        event.NodeID                            `json:"node"`
	SelfAddress peers.Address                           `json:"self_address,omitempty"`
	Members     []event.NodeID                          `json:"members"`
	Nodes       map[event.NodeID]clusterstate.NodeState `json:"nodes"`
}

// SiteStateRequest is the body of POST /v1/sites/{site}/state.
type SiteStateRequest struct {
	State string `json:"state"`
}

// InvalidateRequest is the body of POST /v1/caches/{cache}/invalidate. An
// empty site targets every site; no keys clears the whole cache.
type InvalidateRequest struct {
	Site string   `json:"site,omitempty"`
	Keys []string `json:"keys,omitempty"`
}

// ReloadRequest is the body of POST /v1/reload.
type ReloadRequest struct {
	Site   string `json:"site,omitempty"`
	Reason string `json:"reason"`
}

// SendResponse reports whether the transport accepted a broadcast.
type SendResponse struct {
	Sent bool `json:"sent"`
}

func (s *httpServer) healthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (s *httpServer) clusterState(w http.ResponseWriter, r *http.Request) {
	state := clusterstate.ClusterState(s.env, s.nodeID)
	resp := ClusterStateResponse{
		Node:    s.nodeID,
		Members: state.Nodes(),
		Nodes:   state.Snapshot(),
	}
	if receiver, ok := messaging.Receiver(s.env); ok {
		resp.SelfAddress = receiver.SelfAddress()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *httpServer) announceSiteState(w http.ResponseWriter, r *http.Request) {
	siteName := mux.Vars(r)["site"]

	var req SiteStateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, fmt.Sprintf("Invalid JSON: %v", err), http.StatusBadRequest)
		return
	}
	state, err := event.ParseSiteState(req.State)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	sent, err := clusterstate.Announce(s.env, messaging.Sender(s.env), s.nodeID, siteName, state)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	klog.InfoS("Announced site state", "site", siteName, "state", state, "sent", sent)
	writeJSON(w, http.StatusOK, SendResponse{Sent: sent})
}

func (s *httpServer) invalidateCache(w http.ResponseWriter, r *http.Request) {
	cache := mux.Vars(r)["cache"]

	var req InvalidateRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, fmt.Sprintf("Invalid JSON: %v", err), http.StatusBadRequest)
			return
		}
	}

	e := event.NewCacheInvalidationEvent(s.nodeID, req.Site, cache, req.Keys...)
	sent := messaging.Sender(s.env).Send(e)
	klog.InfoS("Broadcast cache invalidation", "cache", cache, "site", req.Site, "keys", len(req.Keys), "sent", sent)
	writeJSON(w, http.StatusOK, SendResponse{Sent: sent})
}

func (s *httpServer) reload(w http.ResponseWriter, r *http.Request) {
	var req ReloadRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, fmt.Sprintf("Invalid JSON: %v", err), http.StatusBadRequest)
		return
	}
	if req.Reason == "" {
		http.Error(w, "missing required parameter: reason", http.StatusBadRequest)
		return
	}

	sent := messaging.Sender(s.env).Send(event.NewReloadEvent(s.nodeID, req.Site, req.Reason))
	klog.InfoS("Broadcast reload", "site", req.Site, "reason", req.Reason, "sent", sent)
	writeJSON(w, http.StatusOK, SendResponse{Sent: sent})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	jsonBytes, err := json.Marshal(v)
	if err != nil {
		http.Error(w, "error in processing response", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(jsonBytes)
}
