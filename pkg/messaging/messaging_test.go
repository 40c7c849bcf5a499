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
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vllm-project/clusterbus/pkg/constants"
	"github.com/vllm-project/clusterbus/pkg/environment"
	"github.com/vllm-project/clusterbus/pkg/messaging/clusterstate"
	"github.com/vllm-project/clusterbus/pkg/messaging/codec"
	"github.com/vllm-project/clusterbus/pkg/messaging/event"
	"github.com/vllm-project/clusterbus/pkg/messaging/handler"
	"github.com/vllm-project/clusterbus/pkg/messaging/peers"
	"github.com/vllm-project/clusterbus/pkg/messaging/transport"
)

// fakeTransport loops sent events back into its own receive loop, stamped
// with a configurable source address.
type fakeTransport struct {
	deps     transport.Deps
	admitter *transport.Admitter
	inbox    chan inbound

	closeOnce sync.Once
	closed    chan struct{}
	closes    atomic.Int32
	started   atomic.Bool
}

type inbound struct {
	raw    []byte
	source peers.Address
}

func newFakeTransport(deps transport.Deps) *fakeTransport {
	return &fakeTransport{
		deps:     deps,
		admitter: transport.NewAdmitter(deps.Serializer, deps.Dispatcher, "10.0.0.1", "fake"),
		inbox:    make(chan inbound, 16),
		closed:   make(chan struct{}),
	}
}

func (f *fakeTransport) Send(e event.Event) bool {
	raw, err := f.deps.Serializer.Encode(e)
	if err != nil {
		return false
	}
	f.inject(raw, "10.0.0.1")
	return true
}

func (f *fakeTransport) inject(raw []byte, source peers.Address) {
	f.inbox <- inbound{raw: raw, source: source}
}

func (f *fakeTransport) Receive(ctx context.Context) error {
	f.started.Store(true)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-f.closed:
			return nil
		case in := <-f.inbox:
			f.admitter.Admit(ctx, in.raw, f.deps.Peers, in.source)
		}
	}
}

func (f *fakeTransport) Close() error {
	f.closes.Add(1)
	f.closeOnce.Do(func() { close(f.closed) })
	return nil
}

func (f *fakeTransport) SelfAddress() peers.Address     { return f.admitter.SelfAddress() }
func (f *fakeTransport) NodeID() event.NodeID           { return f.admitter.NodeID() }
func (f *fakeTransport) Admitter() *transport.Admitter { return f.admitter }

func fakeOptions(created **fakeTransport) Options {
	cfg := DefaultConfig()
	cfg.Enabled = true
	cfg.Receiver = "fake"

	registry := transport.NewRegistry()
	registry.Register("fake", func(deps transport.Deps) (transport.Sender, transport.Receiver, error) {
		f := newFakeTransport(deps)
		*created = f
		return f, f, nil
	})
	return Options{Config: cfg, Transports: registry}
}

func TestDisabledMessagingRegistersNopSender(t *testing.T) {
	env := environment.New()

	sender, err := CreateMessageSender(env, GoExecutor, "N1", nil, Options{Config: DefaultConfig()})
	require.NoError(t, err)
	assert.Equal(t, transport.NopSender{}, sender)
	assert.Equal(t, sender, Sender(env))
	_, ok := Receiver(env)
	assert.False(t, ok)

	assert.NoError(t, Shutdown(env))
}

func TestCreateMessageSenderLifecycle(t *testing.T) {
	env := environment.New()
	var fake *fakeTransport
	opts := fakeOptions(&fake)

	sender, err := CreateMessageSender(env, GoExecutor, "N1", handler.NewRegistry(), opts)
	require.NoError(t, err)
	require.NotNil(t, fake)
	require.Eventually(t, fake.started.Load, time.Second, 10*time.Millisecond)

	assert.Same(t, fake, sender)
	assert.Same(t, fake, Sender(env))
	receiver, ok := Receiver(env)
	require.True(t, ok)
	assert.Same(t, fake, receiver)
	assert.Equal(t, event.NodeID("N1"), receiver.NodeID())

	again, err := CreateMessageSender(env, GoExecutor, "N1", handler.NewRegistry(), opts)
	require.NoError(t, err)
	assert.Same(t, sender, again)

	// The node's own entry exists before any event arrives.
	m := clusterstate.ClusterState(env, "N1")
	assert.Equal(t, []event.NodeID{"N1"}, m.Nodes())

	// Own broadcasts come back as echoes and are not applied.
	require.True(t, sender.Send(event.NewSiteStateEvent("N1", "shop", event.SiteStarted)))
	require.Eventually(t, func() bool { return fake.Admitter().EchoCount() == 1 }, time.Second, 10*time.Millisecond)

	// Peer events update the aggregated state.
	raw, err := codec.NewMsgpackSerializer("N2", nil, nil, nil).Encode(event.NewSiteStateEvent("N2", "shop", event.SiteStarting))
	require.NoError(t, err)
	fake.inject(raw, "10.0.0.2")
	require.Eventually(t, func() bool {
		state, ok := m.Get("N2")
		return ok && state["shop"] == event.SiteStarting
	}, time.Second, 10*time.Millisecond)

	require.NoError(t, Shutdown(env))
	require.NoError(t, Shutdown(env))
	assert.Equal(t, int32(1), fake.closes.Load())
	_, ok = env.Get(constants.EnvKeyMessageSender)
	assert.False(t, ok)
	_, ok = Receiver(env)
	assert.False(t, ok)
	assert.Equal(t, transport.NopSender{}, Sender(env))
}

func TestConcurrentShutdownClosesOnce(t *testing.T) {
	env := environment.New()
	var fake *fakeTransport
	_, err := CreateMessageSender(env, GoExecutor, "N1", nil, fakeOptions(&fake))
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, Shutdown(env))
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), fake.closes.Load())
}

func TestRestartInstallsBuiltinHandlersOnce(t *testing.T) {
	env := environment.New()
	handlers := handler.NewRegistry()
	var fake *fakeTransport
	opts := fakeOptions(&fake)

	failing := opts
	failing.Transports = transport.NewRegistry()
	failing.Transports.Register("fake", func(transport.Deps) (transport.Sender, transport.Receiver, error) {
		return nil, nil, errors.New("broker unreachable")
	})

	_, err := CreateMessageSender(env, GoExecutor, "N1", handlers, failing)
	require.Error(t, err)
	_, ok := env.Get(busKey)
	assert.False(t, ok)

	_, err = CreateMessageSender(env, GoExecutor, "N1", handlers, opts)
	require.NoError(t, err)
	require.NoError(t, Shutdown(env))

	_, err = CreateMessageSender(env, GoExecutor, "N1", handlers, opts)
	require.NoError(t, err)
	defer func() { _ = Shutdown(env) }()

	for _, typ := range []event.Type{event.TypeSiteState, event.TypeCacheInvalidation, event.TypeReload} {
		assert.Len(t, handlers.Handlers(typ), 1, typ)
	}
}

func TestConcurrentCreateBuildsOneTransport(t *testing.T) {
	env := environment.New()
	cfg := DefaultConfig()
	cfg.Enabled = true
	cfg.Receiver = "fake"

	var built atomic.Int32
	var fake *fakeTransport
	release := make(chan struct{})
	registry := transport.NewRegistry()
	registry.Register("fake", func(deps transport.Deps) (transport.Sender, transport.Receiver, error) {
		built.Add(1)
		<-release
		fake = newFakeTransport(deps)
		return fake, fake, nil
	})
	opts := Options{Config: cfg, Transports: registry}

	senders := make([]transport.Sender, 8)
	var wg sync.WaitGroup
	for i := range senders {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			s, err := CreateMessageSender(env, GoExecutor, "N1", nil, opts)
			assert.NoError(t, err)
			senders[i] = s
		}(i)
	}
	require.Eventually(t, func() bool { return built.Load() == 1 }, time.Second, 10*time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), built.Load())
	for _, s := range senders {
		assert.Same(t, fake, s)
	}
	require.NoError(t, Shutdown(env))
	assert.Equal(t, int32(1), fake.closes.Load())
}

func TestExecutorReceivesLoop(t *testing.T) {
	env := environment.New()
	var fake *fakeTransport
	var tasks []func()
	exec := func(task func()) { tasks = append(tasks, task) }

	_, err := CreateMessageSender(env, exec, "N1", nil, fakeOptions(&fake))
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.False(t, fake.started.Load())

	done := make(chan struct{})
	go func() {
		tasks[0]()
		close(done)
	}()
	require.Eventually(t, fake.started.Load, time.Second, 10*time.Millisecond)
	require.NoError(t, Shutdown(env))
	<-done
}

func TestCreateMessageSenderErrors(t *testing.T) {
	t.Run("unknown transport", func(t *testing.T) {
		var fake *fakeTransport
		opts := fakeOptions(&fake)
		opts.Config.Receiver = "carrier-pigeon"
		_, err := CreateMessageSender(environment.New(), GoExecutor, "N1", nil, opts)
		assert.ErrorIs(t, err, transport.ErrUnknownTransport)
	})

	t.Run("invalid transport config", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.Enabled = true
		cfg.Receiver = constants.TransportRedis
		cfg.Redis.Channel = ""
		_, err := CreateMessageSender(environment.New(), GoExecutor, "N1", nil, Options{Config: cfg})
		assert.ErrorIs(t, err, transport.ErrInvalidConfig)
	})

	t.Run("missing peers file", func(t *testing.T) {
		var fake *fakeTransport
		opts := fakeOptions(&fake)
		opts.Config.PeersFile = filepath.Join(t.TempDir(), "missing.yaml")
		env := environment.New()
		_, err := CreateMessageSender(env, GoExecutor, "N1", nil, opts)
		assert.Error(t, err)
		_, ok := env.Get(constants.EnvKeyMessageSender)
		assert.False(t, ok)
	})
}

func TestKnownPeersPrecedence(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "peers.yaml")
	require.NoError(t, os.WriteFile(path, []byte("peers:\n  - address: 10.0.0.5\n"), 0o644))

	cfg := DefaultConfig()
	known, closers, err := knownPeers(cfg, "N1", nil)
	require.NoError(t, err)
	assert.Nil(t, known)
	assert.Empty(t, closers)

	cfg.Peers = []string{"10.0.0.1", "10.0.0.2"}
	known, _, err = knownPeers(cfg, "N1", nil)
	require.NoError(t, err)
	assert.Equal(t, []peers.Address{"10.0.0.1", "10.0.0.2"}, known.List())

	cfg.PeersFile = path
	known, _, err = knownPeers(cfg, "N1", nil)
	require.NoError(t, err)
	assert.Equal(t, []peers.Address{"10.0.0.5"}, known.List())

	override := peers.NewStatic("10.0.0.9")
	known, _, err = knownPeers(cfg, "N1", override)
	require.NoError(t, err)
	assert.Same(t, override, known)
}

func TestLoadConfig(t *testing.T) {
	t.Setenv("CLUSTERBUS_MESSAGING_ENABLED", "true")
	t.Setenv("CLUSTERBUS_MESSAGING_RECEIVER", "redis")
	t.Setenv("CLUSTERBUS_ADVERTISE_ADDRESS", "10.0.0.1")
	t.Setenv("CLUSTERBUS_REDIS_HOST", "redis.internal")
	t.Setenv("CLUSTERBUS_PEERS", "10.0.0.1,10.0.0.2")
	t.Setenv("CLUSTERBUS_GOSSIP_SEEDS", "10.0.0.2:7946")

	cfg := LoadConfig()
	require.NoError(t, cfg.Validate())
	assert.True(t, cfg.Enabled)
	assert.Equal(t, constants.TransportRedis, cfg.Receiver)
	assert.Equal(t, "10.0.0.1", cfg.AdvertiseAddress)
	assert.Equal(t, "redis.internal", cfg.Redis.Host)
	assert.Equal(t, []string{"10.0.0.1", "10.0.0.2"}, cfg.Peers)
	assert.Equal(t, []string{"10.0.0.2:7946"}, cfg.Gossip.Seeds)
}

func TestConfigValidate(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())

	cfg.AdvertiseAddress = "not-an-ip"
	assert.ErrorIs(t, cfg.Validate(), transport.ErrInvalidConfig)

	cfg = DefaultConfig()
	cfg.Receiver = ""
	assert.ErrorIs(t, cfg.Validate(), transport.ErrInvalidConfig)

	// Unselected transports are not validated.
	cfg = DefaultConfig()
	cfg.AMQP.Addresses = nil
	assert.NoError(t, cfg.Validate())
	for _, name := range []string{constants.TransportAMQP, constants.TransportMulticast, constants.TransportRedis} {
		_, err := cfg.Transports().Lookup(name)
		assert.NoError(t, err, name)
	}
}
