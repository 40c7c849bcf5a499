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

// Package messaging wires the event bus together: it builds the serializer,
// the known-peer source and the selected transport, publishes them in the
// environment, and runs the receive loop on the caller's executor.
package messaging

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"k8s.io/klog/v2"

	"github.com/vllm-project/clusterbus/pkg/constants"
	"github.com/vllm-project/clusterbus/pkg/environment"
	"github.com/vllm-project/clusterbus/pkg/messaging/clusterstate"
	"github.com/vllm-project/clusterbus/pkg/messaging/codec"
	"github.com/vllm-project/clusterbus/pkg/messaging/event"
	"github.com/vllm-project/clusterbus/pkg/messaging/handler"
	"github.com/vllm-project/clusterbus/pkg/messaging/peers"
	"github.com/vllm-project/clusterbus/pkg/messaging/transport"
	"github.com/vllm-project/clusterbus/pkg/site"
)

// busKey holds the running bus so Shutdown can find it.
const busKey = "MESSAGING_BUS"

// ShutdownTimeout bounds how long Shutdown waits for the receive loop.
const ShutdownTimeout = 5 * time.Second

// Executor runs a long-lived task, typically on its own goroutine or on a
// worker from the host's pool.
type Executor func(task func())

// GoExecutor runs each task on a new goroutine.
func GoExecutor(task func()) {
	go task()
}

// Options are the collaborators of CreateMessageSender.
type Options struct {
	Config Config
	// Transports defaults to Config.Transports().
	Transports *transport.Registry
	// Sites is optional. When it implements codec.TypeResolver it also
	// provides per-site event types.
	Sites site.Registry
	// Types defaults to codec.NewGlobalRegistry().
	Types *codec.TypeRegistry
	// Peers overrides the known-peer source derived from Config.
	Peers peers.KnownPeers
}

// Names under which the built-in handlers are installed in the caller's
// handler registry.
const (
	clusterStateHandlers   = "clusterstate"
	administrativeHandlers = "administrative"
)

// bus is claimed in env under busKey before anything is built. ready is
// closed once start has finished; err is set when it failed.
type bus struct {
	ready    chan struct{}
	err      error
	sender   transport.Sender
	cancel   context.CancelFunc
	receiver transport.Receiver
	done     chan struct{}
	closers  []func() error
	once     sync.Once
}

func (b *bus) stop() error {
	var errs []error
	b.once.Do(func() {
		if b.receiver == nil {
			return
		}
		b.cancel()
		if err := b.receiver.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close receiver: %w", err))
		}
		select {
		case <-b.done:
		case <-time.After(ShutdownTimeout):
			errs = append(errs, fmt.Errorf("receive loop did not stop within %v", ShutdownTimeout))
		}
		for _, closeFn := range b.closers {
			if err := closeFn(); err != nil {
				errs = append(errs, err)
			}
		}
	})
	return errors.Join(errs...)
}

// CreateMessageSender starts the event bus for this node and returns its
// sender. The sender and receiver are registered in env under
// constants.EnvKeyMessageSender and constants.EnvKeyMessageReceiver, and the
// receive loop is handed to exec. With messaging disabled a
// transport.NopSender is registered and returned.
//
// Calling it again while the bus runs, or while another call is starting it,
// returns the same sender.
func CreateMessageSender(env *environment.Store, exec Executor, nodeID event.NodeID, handlers *handler.Registry, opts Options) (transport.Sender, error) {
	claim := &bus{ready: make(chan struct{})}
	b := env.GetOrCreate(busKey, func() any { return claim }).(*bus)
	if b != claim {
		<-b.ready
		if b.err != nil {
			return nil, b.err
		}
		return b.sender, nil
	}

	run, err := b.start(env, nodeID, handlers, opts)
	if err != nil {
		b.err = err
		env.Delete(busKey)
		close(b.ready)
		return nil, err
	}
	env.Set(constants.EnvKeyMessageSender, b.sender)
	if b.receiver != nil {
		env.Set(constants.EnvKeyMessageReceiver, b.receiver)
	}
	close(b.ready)

	if run != nil {
		if exec == nil {
			exec = GoExecutor
		}
		exec(run)
	}
	return b.sender, nil
}

// start builds the transport and returns the receive loop to hand to the
// executor. With messaging disabled there is no loop.
func (b *bus) start(env *environment.Store, nodeID event.NodeID, handlers *handler.Registry, opts Options) (func(), error) {
	cfg := opts.Config
	if !cfg.Enabled {
		klog.Info("Cluster messaging disabled")
		b.sender = transport.NopSender{}
		return nil, nil
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if handlers == nil {
		handlers = handler.NewRegistry()
	}

	transports := opts.Transports
	if transports == nil {
		transports = cfg.Transports()
	}
	factory, err := transports.Lookup(cfg.Receiver)
	if err != nil {
		return nil, err
	}

	known, closers, err := knownPeers(cfg, nodeID, opts.Peers)
	if err != nil {
		return nil, err
	}

	var resolver codec.TypeResolver
	if r, ok := opts.Sites.(codec.TypeResolver); ok {
		resolver = r
	}
	serializer := codec.NewMsgpackSerializer(nodeID, env, opts.Types, resolver)
	dispatcher := handler.NewDispatcher(handlers, env, opts.Sites)

	sender, receiver, err := factory(transport.Deps{
		Serializer:       serializer,
		Peers:            known,
		Dispatcher:       dispatcher,
		AdvertiseAddress: cfg.AdvertiseAddress,
	})
	if err != nil {
		for _, closeFn := range closers {
			_ = closeFn()
		}
		return nil, fmt.Errorf("failed to create %s transport: %w", cfg.Receiver, err)
	}

	clusterstate.ClusterState(env, nodeID)
	handlers.Install(clusterStateHandlers, func(r *handler.Registry) {
		clusterstate.Register(r, nodeID)
	})
	handlers.Install(administrativeHandlers, func(r *handler.Registry) {
		handler.RegisterAdministrative(r, opts.Sites)
	})

	ctx, cancel := context.WithCancel(context.Background())
	b.sender = sender
	b.cancel = cancel
	b.receiver = receiver
	b.done = make(chan struct{})
	b.closers = closers

	return func() {
		defer close(b.done)
		klog.Infof("Cluster messaging started on %s transport as node %s at %q", cfg.Receiver, nodeID, receiver.SelfAddress())
		if err := receiver.Receive(ctx); err != nil {
			klog.Errorf("Receive loop of %s transport stopped: %v", cfg.Receiver, err)
		}
	}, nil
}

// knownPeers builds the known-peer source. The returned closers release it.
func knownPeers(cfg Config, nodeID event.NodeID, override peers.KnownPeers) (peers.KnownPeers, []func() error, error) {
	switch {
	case override != nil:
		return override, nil, nil
	case cfg.Gossip.BindAddr != "":
		g, err := peers.NewGossip(peers.GossipConfig{
			NodeID:        string(nodeID),
			BindAddr:      cfg.Gossip.BindAddr,
			BindPort:      cfg.Gossip.BindPort,
			AdvertiseAddr: cfg.AdvertiseAddress,
			Seeds:         cfg.Gossip.Seeds,
		})
		if err != nil {
			return nil, nil, err
		}
		return g, []func() error{g.Shutdown}, nil
	case cfg.PeersFile != "":
		p := peers.NewFileProvider(cfg.PeersFile)
		if err := p.Load(); err != nil {
			return nil, nil, err
		}
		return p, nil, nil
	case len(cfg.Peers) > 0:
		return peers.NewStatic(cfg.Peers...), nil, nil
	default:
		return nil, nil, nil
	}
}

// Shutdown stops the receive loop, closes the transport and removes both
// from env. Only the first call does any work; calling it without a running
// bus is a no-op.
func Shutdown(env *environment.Store) error {
	v, ok := env.Take(busKey)
	if ok {
		<-v.(*bus).ready
	}
	env.Delete(constants.EnvKeyMessageSender)
	env.Delete(constants.EnvKeyMessageReceiver)
	if !ok {
		return nil
	}

	b := v.(*bus)
	if b.err != nil {
		return nil
	}
	err := b.stop()
	if err != nil {
		klog.Errorf("Cluster messaging shutdown: %v", err)
		return err
	}
	klog.Info("Cluster messaging stopped")
	return nil
}

// Sender returns the sender registered in env, or a NopSender.
func Sender(env *environment.Store) transport.Sender {
	if s, ok := environment.Lookup[transport.Sender](env, constants.EnvKeyMessageSender); ok {
		return s
	}
	return transport.NopSender{}
}

// Receiver returns the receiver registered in env.
func Receiver(env *environment.Store) (transport.Receiver, bool) {
	return environment.Lookup[transport.Receiver](env, constants.EnvKeyMessageReceiver)
}
