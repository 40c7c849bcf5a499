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

package constants

// Environment store keys. Each key holds exactly one value for the lifetime
// of the process environment.
const (
	// EnvKeyMessageSender holds the active transport.Sender.
	EnvKeyMessageSender = "MESSAGE_SENDER"

	// EnvKeyMessageReceiver holds the active transport.Receiver.
	EnvKeyMessageReceiver = "MESSAGE_RECEIVER"

	// EnvKeyNodeStateMap holds the aggregated *clusterstate.Map.
	EnvKeyNodeStateMap = "NODE_STATE_MAP"
)

// Environment variable names for messaging
const (
	// EnvMessagingEnabled enables the cluster event bus
	EnvMessagingEnabled = "CLUSTERBUS_MESSAGING_ENABLED"

	// EnvMessagingReceiver selects the transport implementation.
	// Accepted values: "multicast", "redis", "amqp"
	EnvMessagingReceiver = "CLUSTERBUS_MESSAGING_RECEIVER"

	// EnvAdvertiseAddress overrides the address this node stamps on outgoing
	// broker messages. Detected from the default route when empty.
	EnvAdvertiseAddress = "CLUSTERBUS_ADVERTISE_ADDRESS"
)

// Multicast transport settings
const (
	EnvMulticastGroup     = "CLUSTERBUS_MULTICAST_GROUP"
	EnvMulticastPort      = "CLUSTERBUS_MULTICAST_PORT"
	EnvMulticastInterface = "CLUSTERBUS_MULTICAST_INTERFACE"
	EnvMulticastTTL       = "CLUSTERBUS_MULTICAST_TTL"
)

// Redis pub/sub transport settings
const (
	EnvRedisHost     = "CLUSTERBUS_REDIS_HOST"
	EnvRedisPort     = "CLUSTERBUS_REDIS_PORT"
	EnvRedisTimeout  = "CLUSTERBUS_REDIS_TIMEOUT"
	EnvRedisPassword = "CLUSTERBUS_REDIS_PASSWORD"
	EnvRedisChannel  = "CLUSTERBUS_REDIS_CHANNEL"
)

// AMQP transport settings
const (
	// EnvAMQPAddresses is a comma-separated list of host:port broker addresses
	EnvAMQPAddresses = "CLUSTERBUS_AMQP_ADDRESSES"
	EnvAMQPUser      = "CLUSTERBUS_AMQP_USER"
	EnvAMQPPassword  = "CLUSTERBUS_AMQP_PASSWORD"
	EnvAMQPVHost     = "CLUSTERBUS_AMQP_VHOST"
	EnvAMQPExchange  = "CLUSTERBUS_AMQP_EXCHANGE"
)

// Known peer sources
const (
	// EnvPeers is a comma-separated static list of peer addresses
	EnvPeers = "CLUSTERBUS_PEERS"

	// EnvPeersFile points at a YAML file listing peer addresses
	EnvPeersFile = "CLUSTERBUS_PEERS_FILE"

	// EnvGossipBind enables memberlist-based membership on the given address
	EnvGossipBind  = "CLUSTERBUS_GOSSIP_BIND"
	EnvGossipPort  = "CLUSTERBUS_GOSSIP_PORT"
	EnvGossipSeeds = "CLUSTERBUS_GOSSIP_SEEDS"
)

// Transport identifiers accepted by EnvMessagingReceiver
const (
	TransportMulticast = "multicast"
	TransportRedis     = "redis"
	TransportAMQP      = "amqp"
)
