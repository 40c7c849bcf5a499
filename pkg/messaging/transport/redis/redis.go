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

// Package redis broadcasts events over a Redis pub/sub channel. Every frame
// carries the publisher's address, which the receiver uses for admission.
package redis

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/redis/go-redis/v9"
	"github.com/shamaton/msgpack/v2"
	"k8s.io/klog/v2"

	"github.com/vllm-project/clusterbus/pkg/constants"
	"github.com/vllm-project/clusterbus/pkg/messaging/event"
	"github.com/vllm-project/clusterbus/pkg/messaging/metrics"
	"github.com/vllm-project/clusterbus/pkg/messaging/peers"
	"github.com/vllm-project/clusterbus/pkg/messaging/transport"
	"github.com/vllm-project/clusterbus/pkg/utils"
)

// frame wraps an encoded event with the address of the publishing node.
type frame struct {
	Source string
	Body   []byte
}

// Transport is both the Sender and the Receiver of one Redis channel.
type Transport struct {
	cfg      Config
	deps     transport.Deps
	client   *redis.Client
	source   peers.Address
	admitter *transport.Admitter
	metrics  *metrics.TransportMetrics
	backoff  *transport.Backoff

	subscribed atomic.Bool
	receiving  sync.Mutex
	closeOnce  sync.Once
	closed     chan struct{}
}

// Factory returns a transport.Factory bound to cfg.
func Factory(cfg Config) transport.Factory {
	return func(deps transport.Deps) (transport.Sender, transport.Receiver, error) {
		t, err := New(cfg, deps)
		if err != nil {
			return nil, nil, err
		}
		return t, t, nil
	}
}

// New creates the client. The connection is established lazily by the first
// Send or Receive.
func New(cfg Config, deps transport.Deps) (*Transport, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := deps.Validate(); err != nil {
		return nil, err
	}

	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr(),
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  cfg.Timeout,
		ReadTimeout:  cfg.Timeout,
		WriteTimeout: cfg.Timeout,
	})

	source := deps.AdvertiseAddress
	if source == "" {
		source = utils.OutboundIP(cfg.Addr())
	}

	klog.Infof("Using Redis channel %q at %s as %s", cfg.Channel, cfg.Addr(), source)
	return &Transport{
		cfg:      cfg,
		deps:     deps,
		client:   client,
		source:   peers.Normalize(source),
		admitter: transport.NewAdmitter(deps.Serializer, deps.Dispatcher, peers.Address(source), constants.TransportRedis),
		metrics:  metrics.NewTransportMetrics(constants.TransportRedis),
		backoff:  transport.NewBackoff(),
		closed:   make(chan struct{}),
	}, nil
}

// Send publishes the event to the channel.
func (t *Transport) Send(e event.Event) bool {
	if e == nil {
		return false
	}
	if t.isClosed() {
		klog.Warningf("Redis transport closed, dropping %s event", e.GetType())
		t.metrics.IncrementSent(false)
		return false
	}

	data, err := t.encode(e)
	if err != nil {
		klog.Errorf("Failed to encode %s event: %v", e.GetType(), err)
		t.metrics.IncrementSent(false)
		return false
	}

	ctx, cancel := context.WithTimeout(context.Background(), t.cfg.Timeout)
	defer cancel()
	if err := t.client.Publish(ctx, t.cfg.Channel, data).Err(); err != nil {
		klog.Errorf("Failed to publish %s event to %s: %v", e.GetType(), t.cfg.Channel, err)
		t.metrics.IncrementSent(false)
		return false
	}

	t.metrics.IncrementSent(true)
	return true
}

func (t *Transport) encode(e event.Event) ([]byte, error) {
	body, err := t.deps.Serializer.Encode(e)
	if err != nil {
		return nil, err
	}
	return msgpack.Marshal(frame{Source: string(t.source), Body: body})
}

// Receive subscribes to the channel and admits messages until ctx is done or
// Close is called. Lost subscriptions are re-established with exponential
// backoff. Cancelling ctx closes the transport.
func (t *Transport) Receive(ctx context.Context) error {
	if !t.receiving.TryLock() {
		return transport.ErrAlreadyReceiving
	}
	defer t.receiving.Unlock()

	if t.isClosed() {
		return nil
	}

	loopCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer func() {
		if ctx.Err() != nil {
			_ = t.Close()
		}
	}()
	go func() {
		select {
		case <-t.closed:
			cancel()
		case <-loopCtx.Done():
		}
	}()

	t.backoff.Reset()
	for {
		err := t.consume(loopCtx, t.backoff)
		if loopCtx.Err() != nil || !transport.IsTemporaryError(err) {
			return nil
		}

		delay := t.backoff.Next()
		klog.Errorf("Redis subscription to %s lost: %v, reconnecting in %v", t.cfg.Channel, err, delay)
		t.metrics.IncrementReconnects()
		if !transport.Sleep(loopCtx, delay) {
			return nil
		}
	}
}

// consume runs one subscription until it fails.
func (t *Transport) consume(ctx context.Context, backoff *transport.Backoff) error {
	pubsub := t.client.Subscribe(ctx, t.cfg.Channel)
	defer func() {
		_ = pubsub.Close()
		t.subscribed.Store(false)
		t.metrics.SetConnected(false)
	}()

	// Wait for the subscription confirmation so failures surface here.
	if _, err := pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("%w: subscribe %s: %v", transport.ErrNotConnected, t.cfg.Channel, err)
	}
	t.subscribed.Store(true)
	t.metrics.SetConnected(true)
	backoff.Reset()
	klog.Infof("Subscribed to Redis channel %s", t.cfg.Channel)

	for {
		msg, err := pubsub.ReceiveMessage(ctx)
		if err != nil {
			return err
		}
		t.handle(ctx, []byte(msg.Payload))
	}
}

func (t *Transport) handle(ctx context.Context, data []byte) {
	var f frame
	if err := msgpack.Unmarshal(data, &f); err != nil {
		klog.Warningf("Dropping malformed frame on %s: %v", t.cfg.Channel, err)
		t.metrics.IncrementReceived(transport.OutcomeDecodeFailed.String())
		return
	}
	t.admitter.Admit(ctx, f.Body, t.deps.Peers, peers.Address(f.Source))
}

// Subscribed reports whether the receive loop holds a live subscription.
func (t *Transport) Subscribed() bool {
	return t.subscribed.Load()
}

// Close stops the receive loop and closes the client.
func (t *Transport) Close() error {
	var err error
	t.closeOnce.Do(func() {
		close(t.closed)
		err = t.client.Close()
		klog.Infof("Closed Redis transport on channel %s", t.cfg.Channel)
	})
	return err
}

func (t *Transport) isClosed() bool {
	select {
	case <-t.closed:
		return true
	default:
		return false
	}
}

func (t *Transport) SelfAddress() peers.Address     { return t.admitter.SelfAddress() }
func (t *Transport) NodeID() event.NodeID           { return t.admitter.NodeID() }
func (t *Transport) Admitter() *transport.Admitter { return t.admitter }

var (
	_ transport.Sender   = (*Transport)(nil)
	_ transport.Receiver = (*Transport)(nil)
)
