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

package sink

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/outboxrelay/outbox-relay/internal/metrics"
	"github.com/outboxrelay/outbox-relay/internal/outbox"
)

var validHTTPMethods = map[string]bool{
	http.MethodPost:  true,
	http.MethodPut:   true,
	http.MethodPatch: true,
}

// HTTPAdapter sends a record's payload verbatim to every HTTP destination
// attached to it, per spec.md §4.3.
type HTTPAdapter struct {
	Client   *http.Client
	Resolver Resolver
	Timeout  time.Duration
}

// NewHTTPAdapter builds an adapter whose client enforces timeout on every
// request via context, following the teacher's habit of a single shared,
// read-only client handle reused across ticks (spec.md §9).
func NewHTTPAdapter(resolver Resolver, timeout time.Duration) *HTTPAdapter {
	return &HTTPAdapter{
		Client:   &http.Client{},
		Resolver: resolver,
		Timeout:  timeout,
	}
}

// Dispatch implements Adapter.
func (a *HTTPAdapter) Dispatch(ctx context.Context, batch outbox.GroupedBatch) (sent, failed []outbox.Record, err error) {
	for _, rec := range batch.HTTP {
		if a.sendRecord(ctx, rec) {
			sent = append(sent, rec)
			metrics.SinkSent.WithLabelValues("http").Inc()
		} else {
			failed = append(failed, rec)
			metrics.SinkFailed.WithLabelValues("http").Inc()
		}
	}
	return sent, failed, nil
}

// sendRecord delivers rec to every HTTP destination in order, requiring
// ALL to succeed. On the first failing destination it stops and reports
// the record as failed even though an earlier destination may already
// have been dispatched — sinks MUST be idempotent on idempotent_key, per
// spec.md §4.3 and §9 note 4.
func (a *HTTPAdapter) sendRecord(ctx context.Context, rec outbox.Record) bool {
	for _, dest := range rec.Destinations {
		if dest.Kind != outbox.DestinationHTTP {
			continue
		}
		if err := a.sendOne(ctx, rec, dest); err != nil {
			log.WithFields(log.Fields{
				"idempotentKey": rec.IdempotentKey,
				"url":           dest.URL,
			}).WithError(err).Warn("http destination failed")
			return false
		}
	}
	return true
}

func (a *HTTPAdapter) sendOne(ctx context.Context, rec outbox.Record, dest outbox.Destination) error {
	method := strings.ToUpper(dest.Method)
	if method == "" {
		method = http.MethodPost
	}
	if !validHTTPMethods[method] {
		return errors.Errorf("unsupported http method %q", dest.Method)
	}

	reqCtx, cancel := context.WithTimeout(ctx, a.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, method, dest.URL, bytes.NewReader([]byte(rec.Payload)))
	if err != nil {
		return outbox.NewSinkTransportError(err)
	}

	// Header composition order: destination headers (with env
	// substitution) first, then record headers, then the mandatory
	// trailing idempotent-key header overrides both, per spec.md §4.3.
	for name, value := range dest.Headers {
		req.Header.Set(name, substituteHeaderValue(a.Resolver, value))
	}
	for name, value := range rec.Headers {
		req.Header.Set(name, value)
	}
	req.Header.Set(IdempotentKeyHeader, rec.IdempotentKey.String())

	resp, err := a.Client.Do(req)
	if err != nil {
		return outbox.NewSinkTransportError(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(resp.Body)
		return outbox.NewSinkResponseError(
			errors.Errorf("unexpected status %d", resp.StatusCode), string(body))
	}
	return nil
}
