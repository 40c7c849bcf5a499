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

// Package admin serves the node's operational HTTP API: health, the
// aggregated cluster state, administrative broadcasts and Prometheus metrics.
package admin

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"k8s.io/klog/v2"

	"github.com/vllm-project/clusterbus/pkg/environment"
	"github.com/vllm-project/clusterbus/pkg/messaging/event"
)

type Server struct {
	server *http.Server
}

// NewServer serves the admin API for the node on addr. A nil gatherer uses
// the default Prometheus registry.
func NewServer(addr string, env *environment.Store, nodeID event.NodeID, gatherer prometheus.Gatherer) *Server {
	return &Server{
		server: &http.Server{
			Addr:              addr,
			Handler:           NewRouter(env, nodeID, gatherer),
			ReadHeaderTimeout: 10 * time.Second,
		},
	}
}

// NewRouter builds the admin routes.
func NewRouter(env *environment.Store, nodeID event.NodeID, gatherer prometheus.Gatherer) *mux.Router {
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	h := &httpServer{env: env, nodeID: nodeID}

	r := mux.NewRouter()
	r.HandleFunc("/healthz", h.healthz).Methods("GET")
	r.HandleFunc("/v1/cluster/state", h.clusterState).Methods("GET")
	r.HandleFunc("/v1/sites/{site}/state", h.announceSiteState).Methods("POST")
	r.HandleFunc("/v1/caches/{cache}/invalidate", h.invalidateCache).Methods("POST")
	r.HandleFunc("/v1/reload", h.reload).Methods("POST")
	r.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	return r
}

func (s *Server) Start() error {
	klog.InfoS("Starting admin server", "address", s.server.Addr)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			klog.ErrorS(err, "Failed to start admin server")
		}
	}()

	return nil
}

func (s *Server) Stop() error {
	klog.Info("Shutting down admin server")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.server.Shutdown(ctx)
}
