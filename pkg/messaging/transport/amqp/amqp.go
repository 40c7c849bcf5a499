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

// Package amqp broadcasts events through a fanout exchange. Each receiver
// binds its own exclusive queue; the publisher's address travels in the
// message AppId.
package amqp

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"k8s.io/klog/v2"

	"github.com/vllm-project/clusterbus/pkg/constants"
	"github.com/vllm-project/clusterbus/pkg/messaging/event"
	"github.com/vllm-project/clusterbus/pkg/messaging/metrics"
	"github.com/vllm-project/clusterbus/pkg/messaging/peers"
	"github.com/vllm-project/clusterbus/pkg/messaging/transport"
	"github.com/vllm-project/clusterbus/pkg/utils"
)

const contentType = "application/msgpack"

// connection is the subset of *amqp.Connection the transport uses.
type connection interface {
	Channel() (channel, error)
	NotifyClose(receiver chan *amqp.Error) chan *amqp.Error
	Close() error
}

// channel is the subset of *amqp.Channel the transport uses.
type channel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	IsClosed() bool
}

type dialFunc func(url string, cfg amqp.Config) (connection, error)

// brokerConn adapts *amqp.Connection to connection.
type brokerConn struct {
	*amqp.Connection
}

func (c brokerConn) Channel() (channel, error) {
	ch, err := c.Connection.Channel()
	if err != nil {
		return nil, err
	}
	return ch, nil
}

func dialBroker(url string, cfg amqp.Config) (connection, error) {
	conn, err := amqp.DialConfig(url, cfg)
	if err != nil {
		return nil, err
	}
	return brokerConn{conn}, nil
}

// Transport is both the Sender and the Receiver of one fanout exchange.
type Transport struct {
	cfg      Config
	deps     transport.Deps
	source   peers.Address
	admitter *transport.Admitter
	metrics  *metrics.TransportMetrics
	dialer   dialFunc
	backoff  *transport.Backoff

	// sendMu guards the publishing connection and channel, which are not
	// safe for concurrent publishes.
	sendMu   sync.Mutex
	sendConn connection
	sendCh   channel

	recvMu   sync.Mutex
	recvConn connection

	consuming atomic.Bool
	receiving sync.Mutex
	closeOnce sync.Once
	closed    chan struct{}
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

// New validates the configuration. Connections are opened on first use.
func New(cfg Config, deps transport.Deps) (*Transport, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := deps.Validate(); err != nil {
		return nil, err
	}

	source := deps.AdvertiseAddress
	if source == "" {
		source = utils.OutboundIP(cfg.Addresses[0])
	}

	klog.Infof("Using AMQP exchange %q at %v as %s", cfg.Exchange, cfg.Addresses, source)
	return &Transport{
		cfg:      cfg,
		deps:     deps,
		source:   peers.Normalize(source),
		admitter: transport.NewAdmitter(deps.Serializer, deps.Dispatcher, peers.Address(source), constants.TransportAMQP),
		metrics:  metrics.NewTransportMetrics(constants.TransportAMQP),
		dialer:   dialBroker,
		backoff:  transport.NewBackoff(),
		closed:   make(chan struct{}),
	}, nil
}

// dial connects to the first reachable broker address.
func (t *Transport) dial() (connection, error) {
	var errs []error
	for _, addr := range t.cfg.Addresses {
		conn, err := t.dialer(t.cfg.URL(addr), amqp.Config{
			Dial: amqp.DefaultDial(t.cfg.Timeout),
			Properties: amqp.Table{
				"connection_name": fmt.Sprintf("clusterbus-%s", t.admitter.NodeID()),
			},
		})
		if err == nil {
			return conn, nil
		}
		errs = append(errs, fmt.Errorf("%s: %w", addr, err))
	}
	return nil, fmt.Errorf("%w: %v", transport.ErrNotConnected, errors.Join(errs...))
}

func (t *Transport) declareExchange(ch channel) error {
	return ch.ExchangeDeclare(t.cfg.Exchange, amqp.ExchangeFanout, false, false, false, false, nil)
}

// publishChannel returns the open publishing channel, redialing if the
// previous one was lost. Caller holds sendMu.
func (t *Transport) publishChannel() (channel, error) {
	if t.sendCh != nil && !t.sendCh.IsClosed() {
		return t.sendCh, nil
	}
	if t.sendConn != nil {
		_ = t.sendConn.Close()
		t.sendConn, t.sendCh = nil, nil
	}

	conn, err := t.dial()
	if err != nil {
		return nil, err
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("%w: open channel: %v", transport.ErrNotConnected, err)
	}
	if err := t.declareExchange(ch); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("declare exchange %s: %w", t.cfg.Exchange, err)
	}
	t.sendConn, t.sendCh = conn, ch
	return ch, nil
}

// Send publishes the event to the exchange.
func (t *Transport) Send(e event.Event) bool {
	if e == nil {
		return false
	}
	if t.isClosed() {
		klog.Warningf("AMQP transport closed, dropping %s event", e.GetType())
		t.metrics.IncrementSent(false)
		return false
	}

	data, err := t.deps.Serializer.Encode(e)
	if err != nil {
		klog.Errorf("Failed to encode %s event: %v", e.GetType(), err)
		t.metrics.IncrementSent(false)
		return false
	}

	t.sendMu.Lock()
	defer t.sendMu.Unlock()

	ch, err := t.publishChannel()
	if err != nil {
		klog.Errorf("Failed to send %s event: %v", e.GetType(), err)
		t.metrics.IncrementSent(false)
		return false
	}

	ctx, cancel := context.WithTimeout(context.Background(), t.cfg.Timeout)
	defer cancel()
	err = ch.PublishWithContext(ctx, t.cfg.Exchange, "", false, false, t.publishing(data))
	if err != nil {
		klog.Errorf("Failed to publish %s event to %s: %v", e.GetType(), t.cfg.Exchange, err)
		t.metrics.IncrementSent(false)
		return false
	}

	t.metrics.IncrementSent(true)
	return true
}

func (t *Transport) publishing(body []byte) amqp.Publishing {
	return amqp.Publishing{
		ContentType: contentType,
		AppId:       string(t.source),
		Timestamp:   time.Now(),
		Body:        body,
	}
}

// Receive consumes the node's queue until ctx is done or Close is called.
// Lost connections are re-established with exponential backoff. Cancelling
// ctx closes the transport.
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
		klog.Errorf("AMQP consumer on %s lost: %v, reconnecting in %v", t.cfg.Exchange, err, delay)
		t.metrics.IncrementReconnects()
		if !transport.Sleep(loopCtx, delay) {
			return nil
		}
	}
}

func (t *Transport) consume(ctx context.Context, backoff *transport.Backoff) error {
	conn, err := t.dial()
	if err != nil {
		return err
	}
	if !t.setReceiveConn(conn) {
		_ = conn.Close()
		return transport.ErrClosed
	}
	defer func() {
		t.setReceiveConn(nil)
		_ = conn.Close()
		t.consuming.Store(false)
		t.metrics.SetConnected(false)
	}()

	ch, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("%w: open channel: %v", transport.ErrNotConnected, err)
	}
	if err := t.declareExchange(ch); err != nil {
		return fmt.Errorf("declare exchange %s: %w", t.cfg.Exchange, err)
	}
	q, err := ch.QueueDeclare("", false, true, true, false, nil)
	if err != nil {
		return fmt.Errorf("declare queue: %w", err)
	}
	if err := ch.QueueBind(q.Name, "", t.cfg.Exchange, false, nil); err != nil {
		return fmt.Errorf("bind queue %s: %w", q.Name, err)
	}
	deliveries, err := ch.Consume(q.Name, "", true, true, false, false, nil)
	if err != nil {
		return fmt.Errorf("consume %s: %w", q.Name, err)
	}

	closing := conn.NotifyClose(make(chan *amqp.Error, 1))
	t.consuming.Store(true)
	t.metrics.SetConnected(true)
	backoff.Reset()
	klog.Infof("Consuming AMQP exchange %s through queue %s", t.cfg.Exchange, q.Name)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case amqpErr, ok := <-closing:
			if !ok || amqpErr == nil {
				return transport.ErrNotConnected
			}
			return fmt.Errorf("%w: %v", transport.ErrNotConnected, amqpErr)
		case d, ok := <-deliveries:
			if !ok {
				return transport.ErrNotConnected
			}
			t.handle(ctx, d)
		}
	}
}

func (t *Transport) handle(ctx context.Context, d amqp.Delivery) {
	t.admitter.Admit(ctx, d.Body, t.deps.Peers, peers.Address(d.AppId))
}

// setReceiveConn records the consuming connection so Close can interrupt it.
// It reports false if the transport is already closed.
func (t *Transport) setReceiveConn(conn connection) bool {
	t.recvMu.Lock()
	defer t.recvMu.Unlock()
	if conn != nil && t.isClosed() {
		return false
	}
	t.recvConn = conn
	return true
}

// Consuming reports whether the receive loop holds a live consumer.
func (t *Transport) Consuming() bool {
	return t.consuming.Load()
}

// Close stops the receive loop and closes both broker connections.
func (t *Transport) Close() error {
	var errs []error
	t.closeOnce.Do(func() {
		close(t.closed)

		t.recvMu.Lock()
		if t.recvConn != nil {
			errs = append(errs, ignoreClosed(t.recvConn.Close()))
		}
		t.recvMu.Unlock()

		t.sendMu.Lock()
		if t.sendConn != nil {
			errs = append(errs, ignoreClosed(t.sendConn.Close()))
			t.sendConn, t.sendCh = nil, nil
		}
		t.sendMu.Unlock()

		klog.Infof("Closed AMQP transport on exchange %s", t.cfg.Exchange)
	})
	return errors.Join(errs...)
}

func ignoreClosed(err error) error {
	if errors.Is(err, amqp.ErrClosed) {
		return nil
	}
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
