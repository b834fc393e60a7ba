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

// Package metrics declares the Prometheus collectors for the dispatch
// loop, sink adapters, and lock janitor, following the teacher's
// internal/staging/stage/metrics.go pattern of package-level promauto
// vars.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// LatencyBuckets mirrors the teacher's internal/util/metrics bucket set.
var LatencyBuckets = []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10}

var (
	// TickBatchSize is the number of records returned by AcquireBatch.
	TickBatchSize = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "outbox_tick_batch_size",
		Help:    "the number of records acquired in a single dispatch tick",
		Buckets: prometheus.LinearBuckets(0, 10, 10),
	})
	// TickDuration is the wall-clock time of one dispatch tick.
	TickDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "outbox_tick_duration_seconds",
		Help:    "the length of time it took to run one dispatch tick",
		Buckets: LatencyBuckets,
	})
	// TickErrors counts ticks that aborted due to a storage error.
	TickErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "outbox_tick_errors_total",
		Help: "the number of dispatch ticks that aborted due to a storage error",
	})

	// SinkSent counts successfully dispatched records per sink kind.
	SinkSent = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "outbox_sink_sent_total",
		Help: "the number of records successfully dispatched, by sink kind",
	}, []string{"sink"})
	// SinkFailed counts failed dispatches per sink kind.
	SinkFailed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "outbox_sink_failed_total",
		Help: "the number of records that failed dispatch, by sink kind",
	}, []string{"sink"})

	// LocksReclaimed counts expired locks reclaimed by ReleaseLocks.
	LocksReclaimed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "outbox_locks_reclaimed_total",
		Help: "the number of expired partition locks reclaimed",
	})
	// JanitorPurged counts tombstoned lock rows purged by the janitor.
	JanitorPurged = promauto.NewCounter(prometheus.CounterOpts{
		Name: "outbox_janitor_purged_total",
		Help: "the number of tombstoned lock rows purged by the lock janitor",
	})
)
