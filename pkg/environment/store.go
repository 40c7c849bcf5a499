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

// Package environment provides the process-scoped key/value store through
// which the messaging subsystem exposes its sender, receiver and aggregated
// cluster state to the rest of the platform.
package environment

import (
	"github.com/vllm-project/clusterbus/pkg/utils"
)

// Store is safe for concurrent use by request goroutines and the receive
// loop. Values are read and written without versioning.
type Store struct {
	values utils.SyncMap[string, any]
}

func New() *Store {
	return &Store{}
}

// Get returns the value stored under key.
func (s *Store) Get(key string) (any, bool) {
	return s.values.Load(key)
}

// Set stores value under key, replacing any previous value.
func (s *Store) Set(key string, value any) {
	s.values.Store(key, value)
}

// GetOrCreate returns the existing value for key or stores the result of
// create. create may run more than once under contention but only one result
// is ever kept.
func (s *Store) GetOrCreate(key string, create func() any) any {
	if v, ok := s.values.Load(key); ok {
		return v
	}
	actual, _ := s.values.LoadOrStore(key, create())
	return actual
}

// Take removes key and returns what it held.
func (s *Store) Take(key string) (any, bool) {
	return s.values.LoadAndDelete(key)
}

func (s *Store) Delete(key string) {
	s.values.Delete(key)
}

// Lookup returns the value under key asserted to T.
func Lookup[T any](s *Store, key string) (T, bool) {
	var zero T
	if s == nil {
		return zero, false
	}
	v, ok := s.Get(key)
	if !ok {
		return zero, false
	}
	typed, ok := v.(T)
	return typed, ok
}
