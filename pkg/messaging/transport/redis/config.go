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

package redis

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/vllm-project/clusterbus/pkg/constants"
	"github.com/vllm-project/clusterbus/pkg/messaging/transport"
	"github.com/vllm-project/clusterbus/pkg/utils"
)

const (
	DefaultHost    = "localhost"
	DefaultPort    = 6379
	DefaultTimeout = 2 * time.Second
	DefaultChannel = "clusterbus"
)

// Config configures the Redis pub/sub transport.
type Config struct {
	Host     string        `validate:"required"`
	Port     int           `validate:"min=1,max=65535"`
	Password string
	DB       int           `validate:"min=0"`
	Timeout  time.Duration `validate:"gt=0"`
	Channel  string        `validate:"required"`
}

// DefaultConfig returns the default Redis configuration
func DefaultConfig() Config {
	return Config{
		Host:    DefaultHost,
		Port:    DefaultPort,
		Timeout: DefaultTimeout,
		Channel: DefaultChannel,
	}
}

// ConfigFromEnv overlays environment variables on DefaultConfig.
func ConfigFromEnv() Config {
	cfg := DefaultConfig()
	cfg.Host = utils.LoadEnv(constants.EnvRedisHost, cfg.Host)
	cfg.Port = utils.LoadEnvInt(constants.EnvRedisPort, cfg.Port)
	cfg.Password = utils.LoadEnv(constants.EnvRedisPassword, cfg.Password)
	cfg.Timeout = utils.LoadEnvDuration(constants.EnvRedisTimeout, cfg.Timeout)
	cfg.Channel = utils.LoadEnv(constants.EnvRedisChannel, cfg.Channel)
	return cfg
}

var validate = validator.New()

func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("%w: redis: %v", transport.ErrInvalidConfig, err)
	}
	return nil
}

// Addr returns host:port.
func (c Config) Addr() string {
	return utils.JoinHostPort(c.Host, c.Port)
}
