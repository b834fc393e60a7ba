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

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/robfig/cron/v3"
	log "github.com/sirupsen/logrus"

	"github.com/outboxrelay/outbox-relay/internal/metrics"
	"github.com/outboxrelay/outbox-relay/internal/stopctx"
)

// cronParser accepts the six-field (seconds-optional) cron expressions
// described in spec.md §3 ("Cleaner schedule").
var cronParser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// janitorStore is the subset of *Store the Lock Janitor depends on.
type janitorStore interface {
	BeginTx(ctx context.Context) (Tx, error)
	FindCleanerSchedule(ctx context.Context, tx txExecutor) (CleanerSchedule, bool, error)
	PurgeTombstonedLocks(ctx context.Context, tx txExecutor) (int64, error)
	UpdateLastCleanerExecution(ctx context.Context, tx txExecutor) error
}

// Janitor is the Lock Janitor (LJ): a periodic task, distinct from the
// Dispatch Loop, that purges exhausted or expired lock rows on a cron
// schedule, per spec.md §4.4. It is only useful when ScheduledPurge=true;
// in the default mode ReleaseLocks already deletes lock rows inline.
type Janitor struct {
	Store        janitorStore
	TickInterval time.Duration
}

// NewJanitor builds a Janitor.
func NewJanitor(store *Store, tickInterval time.Duration) *Janitor {
	return &Janitor{Store: store, TickInterval: tickInterval}
}

// Tick runs one janitor iteration, per spec.md §4.4.
func (j *Janitor) Tick(ctx context.Context) error {
	tx, err := j.Store.BeginTx(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	sched, ok, err := j.Store.FindCleanerSchedule(ctx, tx)
	if err != nil {
		return err
	}
	if !ok {
		// Either no schedule row exists, or another worker holds its
		// row lock (FOR UPDATE SKIP LOCKED returned nothing) — both are
		// a clean no-op for this tick.
		return tx.Commit(ctx)
	}

	schedule, err := cronParser.Parse(sched.CronExpression)
	if err != nil {
		return NewConfigurationError(errors.Wrapf(err, "parsing cron expression %q", sched.CronExpression))
	}

	next := schedule.Next(sched.LastExecution)
	if !next.After(time.Now()) {
		purged, err := j.Store.PurgeTombstonedLocks(ctx, tx)
		if err != nil {
			return err
		}
		if purged > 0 {
			metrics.JanitorPurged.Add(float64(purged))
			log.WithField("count", purged).Debug("purged tombstoned locks")
		}
		if err := j.Store.UpdateLastCleanerExecution(ctx, tx); err != nil {
			return err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return NewStorageError(err)
	}
	return nil
}

// Run drives the janitor at TickInterval until stopCtx signals shutdown.
func (j *Janitor) Run(stopCtx *stopctx.Context) {
	for {
		select {
		case <-stopCtx.Stopping():
			return
		default:
		}

		if err := j.Tick(stopCtx.Context()); err != nil {
			log.WithError(err).Warn("lock janitor tick failed")
		}

		select {
		case <-time.After(j.TickInterval):
		case <-stopCtx.Stopping():
			return
		}
	}
}
