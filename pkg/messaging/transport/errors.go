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
	"errors"
)

// Sentinel errors for known conditions
var (
	// ErrClosed indicates the receiver or sender has been closed
	ErrClosed = errors.New("transport closed")

	// ErrNotConnected indicates the transport has no live connection
	ErrNotConnected = errors.New("transport not connected")

	// ErrUnknownTransport indicates no factory is registered under the name
	ErrUnknownTransport = errors.New("unknown transport")

	// ErrInvalidConfig indicates a transport configuration failed validation
	ErrInvalidConfig = errors.New("invalid transport configuration")

	// ErrAlreadyReceiving indicates Receive was called twice
	ErrAlreadyReceiving = errors.New("receive loop already running")
)

// IsTemporaryError returns true if the receive loop should reconnect after
// err. Closing, cancellation and bad configuration are permanent.
func IsTemporaryError(err error) bool {
	switch {
	case err == nil:
		return false
	case errors.Is(err, ErrClosed), errors.Is(err, context.Canceled), errors.Is(err, ErrInvalidConfig):
		return false
	default:
		return true
	}
}
