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

package amqp

import (
	"fmt"
	"net/url"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/vllm-project/clusterbus/pkg/constants"
	"github.com/vllm-project/clusterbus/pkg/messaging/transport"
	"github.com/vllm-project/clusterbus/pkg/utils"
)

const (
	DefaultAddress  = "localhost:5672"
	DefaultUser     = "guest"
	DefaultPassword = "guest"
	DefaultVHost    = "/"
	DefaultExchange = "clusterbus"
	DefaultTimeout  = 5 * time.Second
)

// Config configures the AMQP transport. Addresses are tried in order on every
// (re)connect.
type Config struct {
	Addresses []string `validate:"required,min=1,dive,hostname_port"`
	User      string   `validate:"required"`
	Password  string
	VHost     string        `validate:"required"`
	Exchange  string        `validate:"required"`
	Timeout   time.Duration `validate:"gt=0"`
}

// DefaultConfig returns the default AMQP configuration
func DefaultConfig() Config {
	return Config{
		Addresses: []string{DefaultAddress},
		User:      DefaultUser,
		Password:  DefaultPassword,
		VHost:     DefaultVHost,
		Exchange:  DefaultExchange,
		Timeout:   DefaultTimeout,
	}
}

// ConfigFromEnv overlays environment variables on DefaultConfig.
func ConfigFromEnv() Config {
	cfg := DefaultConfig()
	if addrs := utils.LoadEnvList(constants.EnvAMQPAddresses); len(addrs) > 0 {
		cfg.Addresses = addrs
	}
	cfg.User = utils.LoadEnv(constants.EnvAMQPUser, cfg.User)
	cfg.Password = utils.LoadEnv(constants.EnvAMQPPassword, cfg.Password)
	cfg.VHost = utils.LoadEnv(constants.EnvAMQPVHost, cfg.VHost)
	cfg.Exchange = utils.LoadEnv(constants.EnvAMQPExchange, cfg.Exchange)
	return cfg
}

var validate = validator.New()

func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("%w: amqp: %v", transport.ErrInvalidConfig, err)
	}
	return nil
}

// URL returns the AMQP URI for one broker address.
func (c Config) URL(addr string) string {
	return fmt.Sprintf("amqp://%s@%s/%s", url.UserPassword(c.User, c.Password).String(), addr, url.PathEscape(c.VHost))
}
