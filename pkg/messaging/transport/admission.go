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

package transport

import (
	"context"
	"sync"
	"sync/atomic"

	"k8s.io/klog/v2"

	"github.com/vllm-project/clusterbus/pkg/messaging/codec"
	"github.com/vllm-project/clusterbus/pkg/messaging/event"
	"github.com/vllm-project/clusterbus/pkg/messaging/metrics"
	"github.com/vllm-project/clusterbus/pkg/messaging/peers"
)

// Outcome is what the admission filter did with one inbound message.
type Outcome int

const (
	// OutcomeRejected means the source is not a known peer. The payload was
	// never decoded.
	OutcomeRejected Outcome = iota
	// OutcomeDecodeFailed means the payload could not be decoded.
	OutcomeDecodeFailed
	// OutcomeSelfEcho means this node sent the message itself.
	OutcomeSelfEcho
	// OutcomeDispatched means the event reached the handler registry.
	OutcomeDispatched
)

func (o Outcome) String() string {
	switch o {
	case OutcomeRejected:
		return "rejected"
	case OutcomeDecodeFailed:
		return "decode_failed"
	case OutcomeSelfEcho:
		return "self_echo"
	case OutcomeDispatched:
		return "dispatched"
	default:
		return "unknown"
	}
}

// Admitter filters inbound messages and dispatches the admitted ones. A
// receiver calls Admit from its single receive worker.
type Admitter struct {
	serializer codec.Serializer
	dispatcher Dispatcher
	selfAddr   peers.Address
	metrics    *metrics.TransportMetrics

	echoCount atomic.Uint64
	mu        sync.Mutex
	lastEcho  event.Event
}

// NewAdmitter creates the filter for a receiver bound to selfAddr. An empty
// selfAddr means the local address could not be determined; no message is
// then treated as a self-echo.
func NewAdmitter(serializer codec.Serializer, dispatcher Dispatcher, selfAddr peers.Address, transportName string) *Admitter {
	if selfAddr == "" {
		klog.Warningf("Self address unknown for %s transport, own broadcasts will be handled like peer messages", transportName)
	}
	return &Admitter{
		serializer: serializer,
		dispatcher: dispatcher,
		selfAddr:   peers.Normalize(string(selfAddr)),
		metrics:    metrics.NewTransportMetrics(transportName),
	}
}

func (a *Admitter) SelfAddress() peers.Address { return a.selfAddr }
func (a *Admitter) NodeID() event.NodeID       { return a.serializer.NodeID() }

// Admit runs one raw message through peer filtering, decoding, self-echo
// suppression and dispatch.
func (a *Admitter) Admit(ctx context.Context, raw []byte, known peers.KnownPeers, source peers.Address) Outcome {
	outcome := a.admit(ctx, raw, known, peers.Normalize(string(source)))
	a.metrics.IncrementReceived(outcome.String())
	return outcome
}

func (a *Admitter) admit(ctx context.Context, raw []byte, known peers.KnownPeers, source peers.Address) Outcome {
	if known != nil && !known.Contains(source) {
		klog.V(4).Infof("Dropping message from unknown peer %q", source)
		return OutcomeRejected
	}

	e, err := a.serializer.Decode(raw)
	if err != nil {
		if codec.IsDecodeError(err) {
			klog.Warningf("Failed to decode message from %s: %v", source, err)
		} else {
			klog.Errorf("Serializer failed on message from %s: %v", source, err)
		}
		return OutcomeDecodeFailed
	}

	if a.selfAddr != "" && source == a.selfAddr && e.OriginNodeID() == a.serializer.NodeID() {
		a.echoCount.Add(1)
		a.mu.Lock()
		a.lastEcho = e
		a.mu.Unlock()
		klog.V(4).Infof("Ignoring own %s event echoed back from %s", e.GetType(), source)
		return OutcomeSelfEcho
	}

	klog.V(4).Infof("Dispatching %s event from node %s at %s", e.GetType(), e.OriginNodeID(), source)
	a.dispatcher.Dispatch(ctx, e)
	return OutcomeDispatched
}

// EchoCount returns how many self-echoes were suppressed.
func (a *Admitter) EchoCount() uint64 {
	return a.echoCount.Load()
}

// LastEcho returns the most recently suppressed self-echo, or nil.
func (a *Admitter) LastEcho() event.Event {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.lastEcho
}
