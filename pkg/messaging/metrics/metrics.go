// Copyright 2025 The AIBrix Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package metrics holds the Prometheus metrics of the cluster event bus.
// Metrics are created lazily by InitializeMetrics; until then every
// recorder is a no-op so tests and disabled deployments pay nothing.
package metrics

import (
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"k8s.io/klog/v2"
)

// Metric labels
const (
	LabelTransport = "transport"
	LabelOutcome   = "outcome"
	LabelResult    = "result"
	LabelEventType = "event_type"
)

// Send results
const (
	ResultAccepted = "accepted"
	ResultFailed   = "failed"
)

// MessagingMetrics holds all event bus metrics
type MessagingMetrics struct {
	// Transport metrics
	messagesReceivedTotal *prometheus.CounterVec
	eventsSentTotal       *prometheus.CounterVec
	connectionStatus      *prometheus.GaugeVec
	reconnectsTotal       *prometheus.CounterVec

	// Dispatch metrics
	handlerErrorsTotal *prometheus.CounterVec
	dispatchDuration   *prometheus.HistogramVec
}

var (
	// Global metrics instance - only created when messaging is enabled
	messagingMetrics     *MessagingMetrics
	messagingMetricsOnce sync.Once
	messagingMetricsMu   sync.RWMutex
)

// createMessagingMetrics creates all metrics (but doesn't register them)
func createMessagingMetrics() *MessagingMetrics {
	return &MessagingMetrics{
		messagesReceivedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "clusterbus_messages_received_total",
				Help: "Total number of inbound messages by admission outcome",
			},
			[]string{LabelTransport, LabelOutcome},
		),
		eventsSentTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "clusterbus_events_sent_total",
				Help: "Total number of events handed to the transport, by result",
			},
			[]string{LabelTransport, LabelResult},
		),
		connectionStatus: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "clusterbus_transport_connection_status",
				Help: "Current receive connection status (1=connected, 0=disconnected)",
			},
			[]string{LabelTransport},
		),
		reconnectsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "clusterbus_transport_reconnects_total",
				Help: "Total number of receive loop reconnection attempts",
			},
			[]string{LabelTransport},
		),
		handlerErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "clusterbus_handler_errors_total",
				Help: "Total number of event handler failures, panics included",
			},
			[]string{LabelEventType},
		),
		dispatchDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "clusterbus_dispatch_duration_seconds",
				Help:    "Time taken to run all handlers of one event",
				Buckets: prometheus.ExponentialBuckets(0.00001, 2, 15), // 10us to ~160ms
			},
			[]string{LabelEventType},
		),
	}
}

func (m *MessagingMetrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.messagesReceivedTotal,
		m.eventsSentTotal,
		m.connectionStatus,
		m.reconnectsTotal,
		m.handlerErrorsTotal,
		m.dispatchDuration,
	}
}

// register registers all metrics with Prometheus
func (m *MessagingMetrics) register(registerer prometheus.Registerer) error {
	for _, collector := range m.collectors() {
		if err := registerer.Register(collector); err != nil {
			// If already registered, it's ok (might happen in tests)
			if _, ok := err.(prometheus.AlreadyRegisteredError); !ok {
				return fmt.Errorf("failed to register metric: %w", err)
			}
		}
	}
	return nil
}

// InitializeMetrics creates and registers the metrics with the default
// registerer if not already done.
func InitializeMetrics() error {
	return InitializeMetricsWith(prometheus.DefaultRegisterer)
}

// InitializeMetricsWith is InitializeMetrics with an explicit registerer.
func InitializeMetricsWith(registerer prometheus.Registerer) error {
	var err error
	messagingMetricsOnce.Do(func() {
		messagingMetricsMu.Lock()
		defer messagingMetricsMu.Unlock()

		metrics := createMessagingMetrics()
		if registerErr := metrics.register(registerer); registerErr != nil {
			err = registerErr
			klog.Errorf("Failed to register messaging metrics: %v", registerErr)
			return
		}
		messagingMetrics = metrics
		klog.Info("Messaging metrics registered successfully")
	})
	return err
}

// getMetrics returns the global metrics instance if available
func getMetrics() *MessagingMetrics {
	messagingMetricsMu.RLock()
	defer messagingMetricsMu.RUnlock()
	return messagingMetrics
}

// TransportMetrics records metrics for one transport
type TransportMetrics struct {
	transport string

	messagesReceived *prometheus.CounterVec
	eventsSent       *prometheus.CounterVec
	connected        prometheus.Gauge
	reconnects       prometheus.Counter
}

// NewTransportMetrics binds metrics to a transport name. It returns a no-op
// instance when metrics are not initialized.
func NewTransportMetrics(transport string) *TransportMetrics {
	metrics := getMetrics()
	if metrics == nil {
		return &TransportMetrics{transport: transport}
	}

	return &TransportMetrics{
		transport:        transport,
		messagesReceived: metrics.messagesReceivedTotal,
		eventsSent:       metrics.eventsSentTotal,
		connected:        metrics.connectionStatus.WithLabelValues(transport),
		reconnects:       metrics.reconnectsTotal.WithLabelValues(transport),
	}
}

// IncrementReceived counts one inbound message with its admission outcome
func (m *TransportMetrics) IncrementReceived(outcome string) {
	if m.messagesReceived != nil {
		m.messagesReceived.WithLabelValues(m.transport, outcome).Inc()
	}
}

// IncrementSent counts one send attempt
func (m *TransportMetrics) IncrementSent(accepted bool) {
	if m.eventsSent == nil {
		return
	}
	result := ResultAccepted
	if !accepted {
		result = ResultFailed
	}
	m.eventsSent.WithLabelValues(m.transport, result).Inc()
}

// SetConnected updates the connection status gauge
func (m *TransportMetrics) SetConnected(connected bool) {
	if m.connected == nil {
		return
	}
	if connected {
		m.connected.Set(1)
	} else {
		m.connected.Set(0)
	}
}

// IncrementReconnects counts a reconnection attempt
func (m *TransportMetrics) IncrementReconnects() {
	if m.reconnects != nil {
		m.reconnects.Inc()
	}
}

// RecordHandlerError counts a failed or panicking handler
func RecordHandlerError(eventType string) {
	if metrics := getMetrics(); metrics != nil {
		metrics.handlerErrorsTotal.WithLabelValues(eventType).Inc()
	}
}

// RecordDispatchLatency records the time taken to run an event's handlers
func RecordDispatchLatency(eventType string, duration time.Duration) {
	if metrics := getMetrics(); metrics != nil {
		metrics.dispatchDuration.WithLabelValues(eventType).Observe(duration.Seconds())
	}
}
