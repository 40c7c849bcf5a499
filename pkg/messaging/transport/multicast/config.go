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

package multicast

import (
	"fmt"
	"net"

	"github.com/go-playground/validator/v10"

	"github.com/vllm-project/clusterbus/pkg/constants"
	"github.com/vllm-project/clusterbus/pkg/messaging/transport"
	"github.com/vllm-project/clusterbus/pkg/utils"
)

const (
	DefaultGroup = "239.255.27.1"
	DefaultPort  = 45588
	DefaultTTL   = 1

	// maxDatagramSize is the largest UDP payload over IPv4.
	maxDatagramSize = 65507
)

// Config configures the multicast transport.
type Config struct {
	Group string `validate:"required,ip4_addr"`
	Port  int    `validate:"min=1,max=65535"`
	// Interface names the NIC to join the group on; empty lets the kernel
	// choose.
	Interface string
	TTL       int `validate:"min=0,max=255"`
	// Loopback must stay enabled for nodes sharing a host to see each other.
	Loopback bool
}

// DefaultConfig returns the default multicast configuration
func DefaultConfig() Config {
	return Config{
		Group:    DefaultGroup,
		Port:     DefaultPort,
		TTL:      DefaultTTL,
		Loopback: true,
	}
}

// ConfigFromEnv overlays environment variables on DefaultConfig.
func ConfigFromEnv() Config {
	cfg := DefaultConfig()
	cfg.Group = utils.LoadEnv(constants.EnvMulticastGroup, cfg.Group)
	cfg.Port = utils.LoadEnvInt(constants.EnvMulticastPort, cfg.Port)
	cfg.Interface = utils.LoadEnv(constants.EnvMulticastInterface, cfg.Interface)
	cfg.TTL = utils.LoadEnvInt(constants.EnvMulticastTTL, cfg.TTL)
	return cfg
}

var validate = validator.New()

// Validate checks the configuration and that Group is a multicast address.
func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("%w: multicast: %v", transport.ErrInvalidConfig, err)
	}
	if ip := net.ParseIP(c.Group); !ip.IsMulticast() {
		return fmt.Errorf("%w: multicast: %s is not a multicast group", transport.ErrInvalidConfig, c.Group)
	}
	return nil
}

func (c Config) groupAddr() *net.UDPAddr {
	return &net.UDPAddr{IP: net.ParseIP(c.Group), Port: c.Port}
}
