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

package peers

import (
	"bytes"
	"fmt"
	"sync"

	"github.com/hashicorp/memberlist"
	"k8s.io/klog/v2"
)

// GossipConfig configures memberlist-based membership.
type GossipConfig struct {
	// NodeID is the unique member name, normally the messaging node id.
	NodeID string
	// BindAddr and BindPort are the gossip listener.
	BindAddr string
	BindPort int
	// AdvertiseAddr is the address other members see. It should match the
	// address this node's messages arrive from.
	AdvertiseAddr string
	// Seeds are existing members to join, "host:port".
	Seeds []string
}

type memberLister interface {
	Members() []*memberlist.Node
}

// Gossip derives the known-peer set from live memberlist members.
type Gossip struct {
	list memberLister

	mu       sync.Mutex
	ml       *memberlist.Memberlist
	shutdown bool
}

// NewGossip starts a memberlist agent and joins the seeds, if any.
func NewGossip(cfg GossipConfig) (*Gossip, error) {
	mlConfig := memberlist.DefaultLANConfig()
	mlConfig.Name = cfg.NodeID
	if cfg.BindAddr != "" {
		mlConfig.BindAddr = cfg.BindAddr
	}
	if cfg.BindPort > 0 {
		mlConfig.BindPort = cfg.BindPort
		mlConfig.AdvertisePort = cfg.BindPort
	}
	if cfg.AdvertiseAddr != "" {
		mlConfig.AdvertiseAddr = cfg.AdvertiseAddr
	}
	mlConfig.LogOutput = klogWriter{}
	mlConfig.Events = membershipLogger{}

	ml, err := memberlist.Create(mlConfig)
	if err != nil {
		return nil, fmt.Errorf("create memberlist: %w", err)
	}

	if len(cfg.Seeds) > 0 {
		n, err := ml.Join(cfg.Seeds)
		if err != nil {
			_ = ml.Shutdown()
			return nil, fmt.Errorf("join seed nodes: %w", err)
		}
		klog.Infof("Joined gossip cluster as %s via %v (%d contacted)", cfg.NodeID, cfg.Seeds, n)
	} else {
		klog.Infof("Started gossip membership as %s (bootstrap mode)", cfg.NodeID)
	}

	return &Gossip{list: ml, ml: ml}, nil
}

func (g *Gossip) Contains(addr Address) bool {
	for _, node := range g.list.Members() {
		if node.Addr != nil && Address(node.Addr.String()) == addr {
			return true
		}
	}
	return false
}

func (g *Gossip) List() []Address {
	set := make(map[Address]struct{})
	for _, node := range g.list.Members() {
		if node.Addr != nil {
			set[Address(node.Addr.String())] = struct{}{}
		}
	}
	return sortedKeys(set)
}

// Shutdown leaves the cluster and stops the agent. Safe to call repeatedly.
func (g *Gossip) Shutdown() error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.shutdown || g.ml == nil {
		return nil
	}
	g.shutdown = true

	if err := g.ml.Leave(0); err != nil {
		klog.Warningf("Failed to broadcast gossip leave: %v", err)
	}
	if err := g.ml.Shutdown(); err != nil {
		return fmt.Errorf("shutdown memberlist: %w", err)
	}
	return nil
}

// membershipLogger implements memberlist.EventDelegate.
type membershipLogger struct{}

func (membershipLogger) NotifyJoin(node *memberlist.Node) {
	klog.Infof("Peer %s joined at %s", node.Name, node.Address())
}

func (membershipLogger) NotifyLeave(node *memberlist.Node) {
	klog.Infof("Peer %s left (%s)", node.Name, node.Address())
}

func (membershipLogger) NotifyUpdate(node *memberlist.Node) {
	klog.V(4).Infof("Peer %s updated", node.Name)
}

// klogWriter routes memberlist's log lines into klog.
type klogWriter struct{}

func (klogWriter) Write(p []byte) (int, error) {
	line := string(bytes.TrimSpace(p))
	switch {
	case bytes.Contains(p, []byte("[ERR]")):
		klog.Error(line)
	case bytes.Contains(p, []byte("[WARN]")):
		klog.Warning(line)
	default:
		klog.V(4).Info(line)
	}
	return len(p), nil
}

var _ KnownPeers = (*Gossip)(nil)
