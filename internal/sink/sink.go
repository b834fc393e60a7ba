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

// Package sink implements the three pluggable sink adapters (HTTP, queue,
// topic) described in spec.md §4.3.
package sink

import (
	"context"
	"regexp"

	"github.com/outboxrelay/outbox-relay/internal/outbox"
)

// Resolver looks up the value of a named variable; an empty result is
// treated as unset. substituteHeaderValue calls it with the name captured
// from a {{NAME}} header value. Adapters take a Resolver instead of
// calling os.Getenv directly so tests can substitute a deterministic map,
// per spec.md §9 ("Global environment lookup mid-request").
type Resolver interface {
	Resolve(name string) string
}

// envHeaderPattern matches a destination header value of the form
// {{UPPER_SNAKE_NAME}}, per spec.md §6 ("Environment header substitution").
var envHeaderPattern = regexp.MustCompile(`^\{\{([A-Z_]+)\}\}$`)

// substituteHeaderValue resolves value through resolver if it matches
// envHeaderPattern, leaving it unmodified (including when the referenced
// variable is unset) otherwise.
func substituteHeaderValue(resolver Resolver, value string) string {
	m := envHeaderPattern.FindStringSubmatch(value)
	if m == nil {
		return value
	}
	if resolved := resolver.Resolve(m[1]); resolved != "" {
		return resolved
	}
	return value
}

// IdempotentKeyHeader is the mandatory trailing header/attribute carried
// on every dispatch, per spec.md §6.
const IdempotentKeyHeader = "x-idempotent-key"

// Adapter is the common contract of every sink adapter. Dispatch sends
// every record this adapter's bucket contains and reports exactly which
// ones were sent vs. failed; a record must never appear in both lists.
// This matches outbox.Adapter's shape so every concrete adapter here
// satisfies it without an import back to package sink (which would cycle
// with sink's own import of outbox's Record/GroupedBatch types).
type Adapter interface {
	Dispatch(ctx context.Context, batch outbox.GroupedBatch) (sent, failed []outbox.Record, err error)
}
