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

package metrics

import (
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func resetMetrics() {
	messagingMetricsMu.Lock()
	messagingMetrics = nil
	messagingMetricsMu.Unlock()
	messagingMetricsOnce = sync.Once{}
}

func TestNoOpMetricsWhenNotInitialized(t *testing.T) {
	resetMetrics()

	m := NewTransportMetrics("multicast")
	assert.Nil(t, m.messagesReceived)

	// None of these may panic.
	m.IncrementReceived("dispatched")
	m.IncrementSent(true)
	m.SetConnected(true)
	m.IncrementReconnects()
	RecordHandlerError("SiteState")
	RecordDispatchLatency("SiteState", time.Millisecond)
}

func TestMetricsRecordedWhenInitialized(t *testing.T) {
	resetMetrics()
	defer resetMetrics()

	registry := prometheus.NewRegistry()
	require.NoError(t, InitializeMetricsWith(registry))

	m := NewTransportMetrics("redis")
	m.IncrementReceived("rejected")
	m.IncrementReceived("rejected")
	m.IncrementSent(true)
	m.IncrementSent(false)
	m.SetConnected(true)
	m.IncrementReconnects()
	RecordHandlerError("Reload")

	metrics := getMetrics()
	require.NotNil(t, metrics)
	assert.Equal(t, 2.0, testutil.ToFloat64(metrics.messagesReceivedTotal.WithLabelValues("redis", "rejected")))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.eventsSentTotal.WithLabelValues("redis", ResultAccepted)))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.eventsSentTotal.WithLabelValues("redis", ResultFailed)))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.connectionStatus.WithLabelValues("redis")))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.reconnectsTotal.WithLabelValues("redis")))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.handlerErrorsTotal.WithLabelValues("Reload")))

	m.SetConnected(false)
	assert.Equal(t, 0.0, testutil.ToFloat64(metrics.connectionStatus.WithLabelValues("redis")))
}

func TestInitializeMetricsTwice(t *testing.T) {
	resetMetrics()
	defer resetMetrics()

	registry := prometheus.NewRegistry()
	require.NoError(t, InitializeMetricsWith(registry))
	first := getMetrics()
	require.NoError(t, InitializeMetricsWith(registry))
	assert.Same(t, first, getMetrics())
}
