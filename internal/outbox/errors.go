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

package outbox

import "github.com/pkg/errors"

// StorageError wraps any failure surfaced by the Record Store's SQL.
type StorageError struct{ cause error }

func (e *StorageError) Error() string { return "storage error: " + e.cause.Error() }
func (e *StorageError) Unwrap() error  { return e.cause }

// NewStorageError wraps cause, attaching a stack if it doesn't have one.
func NewStorageError(cause error) error {
	if cause == nil {
		return nil
	}
	return &StorageError{cause: errors.WithStack(cause)}
}

// SinkTransportError wraps HTTP/SDK networking failures.
type SinkTransportError struct{ cause error }

func (e *SinkTransportError) Error() string { return "sink transport error: " + e.cause.Error() }
func (e *SinkTransportError) Unwrap() error  { return e.cause }

// NewSinkTransportError wraps cause.
func NewSinkTransportError(cause error) error {
	if cause == nil {
		return nil
	}
	return &SinkTransportError{cause: errors.WithStack(cause)}
}

// SinkResponseError wraps a non-2xx HTTP response or a rejected batch.
type SinkResponseError struct {
	cause error
	Body  string
}

func (e *SinkResponseError) Error() string { return "sink response error: " + e.cause.Error() }
func (e *SinkResponseError) Unwrap() error  { return e.cause }

// NewSinkResponseError wraps cause together with the raw response body.
func NewSinkResponseError(cause error, body string) error {
	return &SinkResponseError{cause: errors.WithStack(cause), Body: body}
}

// ConfigurationError wraps an unparseable cron expression or an
// unconstructable client.
type ConfigurationError struct{ cause error }

func (e *ConfigurationError) Error() string { return "configuration error: " + e.cause.Error() }
func (e *ConfigurationError) Unwrap() error  { return e.cause }

// NewConfigurationError wraps cause.
func NewConfigurationError(cause error) error {
	if cause == nil {
		return nil
	}
	return &ConfigurationError{cause: errors.WithStack(cause)}
}

// ErrCancelled names the Cancelled error kind. Nothing in this package
// returns it: Dispatcher.Run and Janitor.Run have no error result and
// return once stopctx.Context.Stopping is closed.
var ErrCancelled = errors.New("cancelled")
