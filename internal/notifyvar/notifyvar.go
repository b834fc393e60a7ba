// Copyright 2023 The Cockroach Authors
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
//
// SPDX-License-Identifier: Apache-2.0

// Package notifyvar is a single-value broadcast primitive modeled on the
// teacher's internal/util/notify.Var (github.com/cockroachdb/cdc-sink):
// readers call Get to obtain the current value plus a channel that
// closes the next time Set is called, letting them wait for the next
// update without polling.
package notifyvar

import "sync"

// Var holds a value of type T plus a generation channel for observers.
type Var[T any] struct {
	mu      sync.Mutex
	value   T
	updated chan struct{}
}

// New returns a Var initialized to zero.
func New[T any]() *Var[T] {
	return &Var[T]{updated: make(chan struct{})}
}

// Get returns the current value and a channel that closes when Set is
// next called.
func (v *Var[T]) Get() (T, <-chan struct{}) {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.value, v.updated
}

// Set stores value and wakes every outstanding Get observer.
func (v *Var[T]) Set(value T) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.value = value
	close(v.updated)
	v.updated = make(chan struct{})
}
