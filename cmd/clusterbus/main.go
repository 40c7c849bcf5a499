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

package main

import (
	"flag"
	"os"
	"os/signal"
	"syscall"

	"k8s.io/klog/v2"

	"github.com/vllm-project/clusterbus/pkg/admin"
	"github.com/vllm-project/clusterbus/pkg/environment"
	"github.com/vllm-project/clusterbus/pkg/messaging"
	"github.com/vllm-project/clusterbus/pkg/messaging/clusterstate"
	"github.com/vllm-project/clusterbus/pkg/messaging/codec"
	"github.com/vllm-project/clusterbus/pkg/messaging/event"
	"github.com/vllm-project/clusterbus/pkg/messaging/handler"
	"github.com/vllm-project/clusterbus/pkg/messaging/metrics"
	"github.com/vllm-project/clusterbus/pkg/messaging/peers"
	"github.com/vllm-project/clusterbus/pkg/site"
	"github.com/vllm-project/clusterbus/pkg/utils"
)

var (
	adminAddr string
	siteNames string
)

func main() {
	flag.StringVar(&adminAddr, "admin-bind-address", ":8080", "The address the admin API and metrics endpoint bind to.")
	flag.StringVar(&siteNames, "sites", "", "Comma-separated names of the sites loaded on this node.")
	klog.InitFlags(flag.CommandLine)
	defer klog.Flush()
	flag.Parse()

	if err := metrics.InitializeMetrics(); err != nil {
		klog.Fatalf("Failed to initialize metrics: %v", err)
	}

	env := environment.New()
	nodeID := event.LocalNodeID()
	types := codec.NewGlobalRegistry()

	sites := site.NewMemoryRegistry()
	for _, name := range utils.SplitList(siteNames) {
		sites.Add(site.NewBasic(name, types))
	}

	cfg := messaging.LoadConfig()
	opts := messaging.Options{Config: cfg, Sites: sites, Types: types}

	// A file-backed peer set is owned here so SIGHUP can reload it.
	var peersFile *peers.FileProvider
	if cfg.Gossip.BindAddr == "" && cfg.PeersFile != "" {
		peersFile = peers.NewFileProvider(cfg.PeersFile)
		if err := peersFile.Load(); err != nil {
			klog.Fatalf("Failed to load peers file: %v", err)
		}
		opts.Peers = peersFile
	}

	sender, err := messaging.CreateMessageSender(env, messaging.GoExecutor, nodeID, handler.NewRegistry(), opts)
	if err != nil {
		klog.Fatalf("Failed to start cluster messaging: %v", err)
	}

	sites.Range(func(s site.Site) bool {
		if _, err := clusterstate.Announce(env, sender, nodeID, s.Name(), event.SiteStarted); err != nil {
			klog.Errorf("Failed to announce site %s: %v", s.Name(), err)
		}
		return true
	})

	adminServer := admin.NewServer(adminAddr, env, nodeID, nil)
	if err := adminServer.Start(); err != nil {
		klog.Fatalf("Failed to start admin server: %v", err)
	}
	klog.Infof("Node %s started with sites %v", nodeID, utils.SplitList(siteNames))

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	for sig := range signals {
		if sig == syscall.SIGHUP {
			if peersFile == nil {
				klog.Info("SIGHUP received, no peers file to reload")
				continue
			}
			if err := peersFile.Load(); err != nil {
				klog.Errorf("Failed to reload peers file, keeping previous peers: %v", err)
			}
			continue
		}

		klog.Warningf("signal received: %v, initiating graceful shutdown...", sig)
		break
	}

	// Stopped sites no longer receive administrative events.
	sites.Range(func(s site.Site) bool {
		_, _ = clusterstate.Announce(env, sender, nodeID, s.Name(), event.SiteStopped)
		sites.Remove(s.Name())
		return true
	})
	if err := adminServer.Stop(); err != nil {
		klog.Errorf("Failed to stop admin server: %v", err)
	}
	if err := messaging.Shutdown(env); err != nil {
		klog.Errorf("Failed to stop cluster messaging: %v", err)
	}
}
