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

// Package multicast broadcasts events over an IPv4 multicast group. The
// sender address of each datagram is the peer address used for admission.
package multicast

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"

	"golang.org/x/net/ipv4"
	"k8s.io/klog/v2"

	"github.com/vllm-project/clusterbus/pkg/constants"
	"github.com/vllm-project/clusterbus/pkg/messaging/event"
	"github.com/vllm-project/clusterbus/pkg/messaging/metrics"
	"github.com/vllm-project/clusterbus/pkg/messaging/peers"
	"github.com/vllm-project/clusterbus/pkg/messaging/transport"
	"github.com/vllm-project/clusterbus/pkg/utils"
)

// packetConn is the subset of net.PacketConn the transport uses.
type packetConn interface {
	ReadFrom(p []byte) (int, net.Addr, error)
	WriteTo(p []byte, addr net.Addr) (int, error)
	Close() error
}

// Transport is both the Sender and the Receiver of the multicast group.
type Transport struct {
	cfg      Config
	deps     transport.Deps
	group    net.Addr
	admitter *transport.Admitter
	metrics  *metrics.TransportMetrics

	recv    packetConn
	send    packetConn
	backoff *transport.Backoff

	sendMu    sync.Mutex
	closeOnce sync.Once
	closed    chan struct{}
	receiving sync.Mutex
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

// New joins the multicast group and opens the sending socket.
func New(cfg Config, deps transport.Deps) (*Transport, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := deps.Validate(); err != nil {
		return nil, err
	}

	ifi, err := lookupInterface(cfg.Interface)
	if err != nil {
		return nil, err
	}

	recv, err := listenGroup(cfg, ifi)
	if err != nil {
		return nil, err
	}
	send, err := openSender(cfg, ifi)
	if err != nil {
		_ = recv.Close()
		return nil, err
	}

	self := deps.AdvertiseAddress
	if self == "" {
		self = interfaceAddress(ifi)
	}
	if self == "" {
		self = utils.OutboundIP(cfg.groupAddr().String())
	}

	klog.Infof("Joined multicast group %s:%d as %s", cfg.Group, cfg.Port, self)
	return newTransport(cfg, deps, recv, send, peers.Address(self)), nil
}

func newTransport(cfg Config, deps transport.Deps, recv, send packetConn, self peers.Address) *Transport {
	t := &Transport{
		cfg:      cfg,
		deps:     deps,
		group:    cfg.groupAddr(),
		admitter: transport.NewAdmitter(deps.Serializer, deps.Dispatcher, self, constants.TransportMulticast),
		metrics:  metrics.NewTransportMetrics(constants.TransportMulticast),
		recv:     recv,
		send:     send,
		backoff:  transport.NewBackoff(),
		closed:   make(chan struct{}),
	}
	t.metrics.SetConnected(true)
	return t
}

func lookupInterface(name string) (*net.Interface, error) {
	if name == "" {
		return nil, nil
	}
	ifi, err := net.InterfaceByName(name)
	if err != nil {
		return nil, fmt.Errorf("multicast interface %q: %w", name, err)
	}
	return ifi, nil
}

func interfaceAddress(ifi *net.Interface) string {
	if ifi == nil {
		return ""
	}
	addrs, err := ifi.Addrs()
	if err != nil {
		return ""
	}
	for _, addr := range addrs {
		if ipNet, ok := addr.(*net.IPNet); ok && ipNet.IP.To4() != nil {
			return ipNet.IP.String()
		}
	}
	return ""
}

func listenGroup(cfg Config, ifi *net.Interface) (packetConn, error) {
	conn, err := net.ListenPacket("udp4", net.JoinHostPort("0.0.0.0", strconv.Itoa(cfg.Port)))
	if err != nil {
		return nil, fmt.Errorf("failed to listen on port %d: %w", cfg.Port, err)
	}
	pc := ipv4.NewPacketConn(conn)
	if err := pc.JoinGroup(ifi, &net.UDPAddr{IP: net.ParseIP(cfg.Group)}); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to join group %s: %w", cfg.Group, err)
	}
	return conn, nil
}

func openSender(cfg Config, ifi *net.Interface) (packetConn, error) {
	conn, err := net.ListenPacket("udp4", "0.0.0.0:0")
	if err != nil {
		return nil, fmt.Errorf("failed to open sending socket: %w", err)
	}
	pc := ipv4.NewPacketConn(conn)
	if err := pc.SetMulticastTTL(cfg.TTL); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to set multicast TTL: %w", err)
	}
	if err := pc.SetMulticastLoopback(cfg.Loopback); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to set multicast loopback: %w", err)
	}
	if ifi != nil {
		if err := pc.SetMulticastInterface(ifi); err != nil {
			_ = conn.Close()
			return nil, fmt.Errorf("failed to set multicast interface: %w", err)
		}
	}
	return conn, nil
}

// Send writes one datagram to the group.
func (t *Transport) Send(e event.Event) bool {
	if e == nil {
		return false
	}
	if t.isClosed() {
		klog.Warningf("Multicast transport closed, dropping %s event", e.GetType())
		t.metrics.IncrementSent(false)
		return false
	}

	data, err := t.deps.Serializer.Encode(e)
	if err != nil {
		klog.Errorf("Failed to encode %s event: %v", e.GetType(), err)
		t.metrics.IncrementSent(false)
		return false
	}
	if len(data) > maxDatagramSize {
		klog.Errorf("Encoded %s event is %d bytes, larger than a datagram", e.GetType(), len(data))
		t.metrics.IncrementSent(false)
		return false
	}

	t.sendMu.Lock()
	_, err = t.send.WriteTo(data, t.group)
	t.sendMu.Unlock()
	if err != nil {
		klog.Errorf("Failed to send %s event to %s: %v", e.GetType(), t.group, err)
		t.metrics.IncrementSent(false)
		return false
	}

	t.metrics.IncrementSent(true)
	return true
}

// Receive reads datagrams until ctx is done or Close is called. Cancelling
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
	go func() {
		select {
		case <-t.closed:
			cancel()
		case <-loopCtx.Done():
			// The read below only unblocks once the socket is closed.
			if ctx.Err() != nil {
				_ = t.Close()
			}
		}
	}()

	t.backoff.Reset()
	buf := make([]byte, maxDatagramSize)
	for {
		n, from, err := t.recv.ReadFrom(buf)
		if err != nil {
			if t.isClosed() || errors.Is(err, net.ErrClosed) {
				return nil
			}
			delay := t.backoff.Next()
			klog.Errorf("Multicast read failed, retrying in %v: %v", delay, err)
			if !transport.Sleep(loopCtx, delay) {
				return nil
			}
			continue
		}
		t.backoff.Reset()

		raw := make([]byte, n)
		copy(raw, buf[:n])
		t.admitter.Admit(ctx, raw, t.deps.Peers, sourceAddress(from))
	}
}

func sourceAddress(addr net.Addr) peers.Address {
	if udp, ok := addr.(*net.UDPAddr); ok {
		return peers.Address(udp.IP.String())
	}
	if addr == nil {
		return ""
	}
	return peers.Normalize(addr.String())
}

// Close leaves the group and closes both sockets.
func (t *Transport) Close() error {
	var err error
	t.closeOnce.Do(func() {
		close(t.closed)
		t.metrics.SetConnected(false)
		err = errors.Join(t.recv.Close(), t.send.Close())
		klog.Infof("Left multicast group %s:%d", t.cfg.Group, t.cfg.Port)
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
