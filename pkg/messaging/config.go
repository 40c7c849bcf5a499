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

package messaging

import (
	"fmt"

	"github.com/go-playground/validator/v10"

	"github.com/vllm-project/clusterbus/pkg/constants"
	"github.com/vllm-project/clusterbus/pkg/messaging/transport"
	"github.com/vllm-project/clusterbus/pkg/messaging/transport/amqp"
	"github.com/vllm-project/clusterbus/pkg/messaging/transport/multicast"
	"github.com/vllm-project/clusterbus/pkg/messaging/transport/redis"
	"github.com/vllm-project/clusterbus/pkg/utils"
)

// GossipConfig enables memberlist membership as the known-peer source.
type GossipConfig struct {
	BindAddr string `validate:"omitempty,ip"`
	BindPort int    `validate:"min=0,max=65535"`
	Seeds    []string
}

// Config selects and configures the transport and the known-peer source.
// Only the configuration of the selected transport is validated.
type Config struct {
	Enabled  bool
	Receiver string `validate:"required"`
	// AdvertiseAddress is the address stamped on outgoing messages by
	// broker transports and advertised to gossip members.
	AdvertiseAddress string `validate:"omitempty,ip"`

	Multicast multicast.Config `validate:"-"`
	Redis     redis.Config     `validate:"-"`
	AMQP      amqp.Config      `validate:"-"`

	// Known-peer sources in order of precedence: gossip, file, static list.
	// With none configured any address is admitted.
	Gossip    GossipConfig
	PeersFile string
	Peers     []string
}

// DefaultConfig returns a disabled configuration using multicast.
func DefaultConfig() Config {
	return Config{
		Receiver:  constants.TransportMulticast,
		Multicast: multicast.DefaultConfig(),
		Redis:     redis.DefaultConfig(),
		AMQP:      amqp.DefaultConfig(),
	}
}

// LoadConfig reads the configuration from the environment.
func LoadConfig() Config {
	cfg := DefaultConfig()
	cfg.Enabled = utils.LoadEnvBool(constants.EnvMessagingEnabled, cfg.Enabled)
	cfg.Receiver = utils.LoadEnv(constants.EnvMessagingReceiver, cfg.Receiver)
	cfg.AdvertiseAddress = utils.LoadEnv(constants.EnvAdvertiseAddress, "")
	cfg.Multicast = multicast.ConfigFromEnv()
	cfg.Redis = redis.ConfigFromEnv()
	cfg.AMQP = amqp.ConfigFromEnv()
	cfg.Gossip = GossipConfig{
		BindAddr: utils.LoadEnv(constants.EnvGossipBind, ""),
		BindPort: utils.LoadEnvInt(constants.EnvGossipPort, 0),
		Seeds:    utils.LoadEnvList(constants.EnvGossipSeeds),
	}
	cfg.PeersFile = utils.LoadEnv(constants.EnvPeersFile, "")
	cfg.Peers = utils.LoadEnvList(constants.EnvPeers)
	return cfg
}

var validate = validator.New()

// Validate checks the common fields and the selected built-in transport.
// Transports registered by callers validate their own configuration.
func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("%w: %v", transport.ErrInvalidConfig, err)
	}
	switch c.Receiver {
	case constants.TransportMulticast:
		return c.Multicast.Validate()
	case constants.TransportRedis:
		return c.Redis.Validate()
	case constants.TransportAMQP:
		return c.AMQP.Validate()
	}
	return nil
}

// Transports returns a registry holding the built-in transports bound to c.
func (c Config) Transports() *transport.Registry {
	r := transport.NewRegistry()
	r.Register(constants.TransportMulticast, multicast.Factory(c.Multicast))
	r.Register(constants.TransportRedis, redis.Factory(c.Redis))
	r.Register(constants.TransportAMQP, amqp.Factory(c.AMQP))
	return r
}
