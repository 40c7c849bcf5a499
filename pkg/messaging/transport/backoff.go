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
	"time"
)

// Reconnection defaults for broker transports
const (
	DefaultReconnectInterval = 1 * time.Second
	MaxReconnectInterval     = 30 * time.Second
	ReconnectBackoffFactor   = 2.0
)

// Backoff produces exponentially growing reconnect delays. It is not safe for
// concurrent use; each receive loop owns one.
type Backoff struct {
	Initial time.Duration
	Max     time.Duration

	current time.Duration
}

func NewBackoff() *Backoff {
	return &Backoff{Initial: DefaultReconnectInterval, Max: MaxReconnectInterval}
}

// Next returns the delay to wait before the next attempt and grows the
// following one.
func (b *Backoff) Next() time.Duration {
	if b.current == 0 {
		b.current = b.Initial
	}
	delay := b.current
	b.current = time.Duration(float64(b.current) * ReconnectBackoffFactor)
	if b.current > b.Max {
		b.current = b.Max
	}
	return delay
}

// Reset starts the next sequence from Initial again.
func (b *Backoff) Reset() {
	b.current = 0
}

// Sleep waits for d and reports false if ctx ended first.
func Sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}
