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

package codec

import "errors"

var (
	// ErrUnknownEventType indicates no registry in scope knows the wire type
	ErrUnknownEventType = errors.New("unknown event type")

	// ErrMalformedPayload indicates the bytes are not a valid envelope or body
	ErrMalformedPayload = errors.New("malformed event payload")

	// ErrDuplicateType indicates a type name is already registered in scope
	ErrDuplicateType = errors.New("event type already registered")
)

// IsDecodeError reports whether err came from decoding wire bytes.
func IsDecodeError(err error) bool {
	return errors.Is(err, ErrUnknownEventType) || errors.Is(err, ErrMalformedPayload)
}
