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
	"fmt"
	"os"
	"sync/atomic"

	"k8s.io/klog/v2"
	"sigs.k8s.io/yaml"
)

// PeerConfig represents a single peer in the peers file.
type PeerConfig struct {
	// Name is informational only.
	Name string `json:"name,omitempty"`
	// Address is the peer address, with or without a port.
	Address string `json:"address"`
}

// FileConfig is the peers file layout:
//
//	peers:
//	  - name: node-a
//	    address: 10.0.0.1
//	  - address: 10.0.0.2:45588
type FileConfig struct {
	Peers []PeerConfig `json:"peers"`
}

// FileProvider serves the peer set from a YAML file. Load can be called
// again at any time (for example on SIGHUP) to pick up edits.
type FileProvider struct {
	configPath string
	current    atomic.Pointer[Static]
}

// NewFileProvider creates a provider with an empty set; call Load before use.
func NewFileProvider(configPath string) *FileProvider {
	p := &FileProvider{configPath: configPath}
	p.current.Store(NewStatic())
	return p
}

// Load reads the file and swaps the peer set. On error the previous set is
// kept.
func (p *FileProvider) Load() error {
	data, err := os.ReadFile(p.configPath)
	if err != nil {
		return fmt.Errorf("failed to read peers file: %w", err)
	}

	var config FileConfig
	if err := yaml.Unmarshal(data, &config); err != nil {
		return fmt.Errorf("failed to parse peers file: %w", err)
	}

	addrs := make([]string, 0, len(config.Peers))
	for i, peer := range config.Peers {
		if peer.Address == "" {
			return fmt.Errorf("peer %d (%q) has no address", i, peer.Name)
		}
		addrs = append(addrs, peer.Address)
	}

	p.current.Store(NewStatic(addrs...))
	klog.Infof("Loaded %d known peers from %s", len(addrs), p.configPath)
	return nil
}

func (p *FileProvider) Contains(addr Address) bool {
	return p.current.Load().Contains(addr)
}

func (p *FileProvider) List() []Address {
	return p.current.Load().List()
}

var _ KnownPeers = (*FileProvider)(nil)
