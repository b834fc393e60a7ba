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
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/outboxrelay/outbox-relay/internal/metrics"
)

// dbPool is the subset of *pgxpool.Pool the Record Store needs. Narrowing
// it to an interface (rather than depending on *pgxpool.Pool directly)
// lets tests substitute a hand-written fake instead of standing up a live
// database.
type dbPool interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Begin(ctx context.Context) (pgx.Tx, error)
}

// txExecutor is the subset of pgx.Tx every transactional Store method
// uses. pgx.Tx satisfies it, so production callers pass a *pgx.Tx value
// through unchanged; tests pass a fake implementing only these three
// methods.
type txExecutor interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Tx is the transaction handle BeginTx returns: a txExecutor plus the
// commit/rollback lifecycle the Dispatch Loop and Lock Janitor drive.
// pgx.Tx satisfies it, so production code is unaffected; dispatcher and
// janitor tests can substitute a fake transaction.
type Tx interface {
	txExecutor
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

// Store is the Record Store (RS): the sole authority on outbox/lock
// mutations and all concurrency control, per spec.md §4.1.
type Store struct {
	pool dbPool
	// scheduledPurge selects tombstone-then-purge lock release (true) vs.
	// delete-inline lock release (false), per spec.md §4.5 ScheduledPurge.
	scheduledPurge bool
}

// NewStore wraps pool. scheduledPurge fixes the lock-release mode for
// the lifetime of the Store, mirroring the CS.ScheduledPurge knob.
func NewStore(pool *pgxpool.Pool, scheduledPurge bool) *Store {
	return &Store{pool: pool, scheduledPurge: scheduledPurge}
}

// acquireBatchSQL is the single statement described in spec.md §4.1: one
// CTE picks the eligible partitions, a second CTE inserts their locks, and
// a third CTE ranks the eligible records within each locked partition by
// process_after so that exactly the oldest one is returned. Running both in one statement is the
// critical correctness property: partition acquisition and record
// selection share a snapshot, so a concurrent caller cannot observe a
// locked partition without its lock and cannot steal a partition
// mid-selection.
const acquireBatchSQL = `
WITH eligible_partitions AS (
  SELECT partition_key, min(process_after) AS min_process_after
  FROM outbox
  WHERE processed_at IS NULL
    AND process_after < now()
    AND attempts < $2
    AND partition_key NOT IN (SELECT partition_key FROM outbox_lock WHERE processed_at IS NULL)
  GROUP BY partition_key
  ORDER BY min_process_after ASC
  LIMIT $1
),
locked_partitions AS (
  INSERT INTO outbox_lock (partition_key, lock_id, processing_until, processed_at)
  SELECT partition_key, $3, now() + $4::interval, NULL FROM eligible_partitions
  ON CONFLICT (partition_key) WHERE processed_at IS NULL DO NOTHING
  RETURNING partition_key
),
ranked AS (
  SELECT o.idempotent_key, o.partition_key, o.destinations, o.headers, o.payload,
         o.attempts, o.created_at, o.process_after, o.processed_at,
         row_number() OVER (PARTITION BY o.partition_key ORDER BY o.process_after ASC) AS rn
  FROM outbox o
  JOIN locked_partitions lp ON lp.partition_key = o.partition_key
  WHERE o.processed_at IS NULL
    AND o.process_after < now()
    AND o.attempts < $2
)
SELECT idempotent_key, partition_key, destinations, headers, payload, attempts, created_at, process_after, processed_at
FROM ranked
WHERE rn = 1`

// intervalLiteral renders d as a string Postgres's interval input parser
// accepts, for binding against a `::interval`-cast placeholder. pgx v5 has
// no codec from time.Duration to the interval OID: Postgres infers an
// `interval` type for `timestamptz + $n`, and pgx cannot encode an
// int64-kinded Go value against that OID, so the duration must travel as
// text instead, mirroring the original implementation's
// `format!("{} seconds", …)` interval binding.
func intervalLiteral(d time.Duration) string {
	return fmt.Sprintf("%d milliseconds", d.Milliseconds())
}

// AcquireBatch selects a batch of ready rows, acquiring partition locks
// for them atomically in the same query, per spec.md §4.1.
func (s *Store) AcquireBatch(
	ctx context.Context, lockID uuid.UUID, limit, failLimit int, inFlight time.Duration,
) ([]Record, error) {
	rows, err := s.pool.Query(ctx, acquireBatchSQL, limit, failLimit, lockID, intervalLiteral(inFlight))
	if err != nil {
		return nil, NewStorageError(errors.Wrap(err, "acquiring batch"))
	}
	defer rows.Close()

	records, err := scanRecords(rows)
	if err != nil {
		return nil, NewStorageError(err)
	}
	log.WithFields(log.Fields{"lockId": lockID, "count": len(records)}).Trace("acquired batch")
	return records, nil
}

func scanRecords(rows pgx.Rows) ([]Record, error) {
	var out []Record
	for rows.Next() {
		var (
			rec          Record
			destJSON     []byte
			headersJSON  []byte
			processedAt  *time.Time
		)
		if err := rows.Scan(
			&rec.IdempotentKey, &rec.PartitionKey, &destJSON, &headersJSON,
			&rec.Payload, &rec.Attempts, &rec.CreatedAt, &rec.ProcessAfter, &processedAt,
		); err != nil {
			return nil, errors.Wrap(err, "scanning record")
		}
		if err := json.Unmarshal(destJSON, &rec.Destinations); err != nil {
			return nil, errors.Wrap(err, "decoding destinations")
		}
		if len(headersJSON) > 0 {
			if err := json.Unmarshal(headersJSON, &rec.Headers); err != nil {
				return nil, errors.Wrap(err, "decoding headers")
			}
		}
		rec.ProcessedAt = processedAt
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "iterating records")
	}
	return out, nil
}

// BeginTx opens a transaction on the pool for the caller to drive the
// mark/delete + attempts + release sequence described in spec.md §4.2
// step 6 ("Fan-out atomicity on bookkeeping").
func (s *Store) BeginTx(ctx context.Context) (Tx, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, NewStorageError(errors.Wrap(err, "beginning transaction"))
	}
	return tx, nil
}

// MarkProcessed sets processed_at=now(), attempts=attempts+1 on the
// successful records, then releases their partition locks, all within tx.
func (s *Store) MarkProcessed(ctx context.Context, tx txExecutor, succeeded []Record) error {
	if len(succeeded) == 0 {
		return s.ReleaseLocks(ctx, tx, nil)
	}
	keys := IdempotentKeys(succeeded)
	_, err := tx.Exec(ctx,
		`UPDATE outbox SET processed_at = now(), attempts = attempts + 1 WHERE idempotent_key = ANY($1)`,
		keys)
	if err != nil {
		return NewStorageError(errors.Wrap(err, "marking records processed"))
	}
	return s.ReleaseLocks(ctx, tx, PartitionKeys(succeeded))
}

// DeleteProcessed deletes the successful records outright (DeleteOnSuccess
// mode), then releases their partition locks, all within tx.
func (s *Store) DeleteProcessed(ctx context.Context, tx txExecutor, succeeded []Record) error {
	if len(succeeded) == 0 {
		return s.ReleaseLocks(ctx, tx, nil)
	}
	keys := IdempotentKeys(succeeded)
	_, err := tx.Exec(ctx, `DELETE FROM outbox WHERE idempotent_key = ANY($1)`, keys)
	if err != nil {
		return NewStorageError(errors.Wrap(err, "deleting processed records"))
	}
	return s.ReleaseLocks(ctx, tx, PartitionKeys(succeeded))
}

// IncreaseAttempts bumps attempts on the failing records and, when
// failureDelay > 0, pushes process_after forward for every non-processed
// row in the failing partitions (not just the currently failed record) —
// a deliberate per-partition backoff, preserved per spec.md §9 note 3.
// Locks for the failing partitions are released within tx afterward.
func (s *Store) IncreaseAttempts(
	ctx context.Context, tx txExecutor, failed []Record, failureDelay time.Duration,
) error {
	if len(failed) == 0 {
		return s.ReleaseLocks(ctx, tx, nil)
	}
	partitionKeys := PartitionKeys(failed)

	if failureDelay > 0 {
		_, err := tx.Exec(ctx,
			`UPDATE outbox SET process_after = now() + $2::interval
			 WHERE processed_at IS NULL AND partition_key = ANY($1)`,
			partitionKeys, intervalLiteral(failureDelay))
		if err != nil {
			return NewStorageError(errors.Wrap(err, "delaying failing partitions"))
		}
	}

	idemKeys := IdempotentKeys(failed)
	_, err := tx.Exec(ctx,
		`UPDATE outbox SET attempts = attempts + 1 WHERE idempotent_key = ANY($1)`,
		idemKeys)
	if err != nil {
		return NewStorageError(errors.Wrap(err, "bumping attempts"))
	}

	return s.ReleaseLocks(ctx, tx, partitionKeys)
}

// ReleaseLocks clears active locks for partitionKeys and reclaims any
// globally expired lock, per spec.md §4.1. Under ScheduledPurge=false
// both sub-actions DELETE the rows; under ScheduledPurge=true they set
// processed_at=now() instead so the Lock Janitor can later purge them.
// This is invoked unconditionally, even with an empty partitionKeys
// slice, so a stuck worker's expired locks are always reclaimed.
func (s *Store) ReleaseLocks(ctx context.Context, tx txExecutor, partitionKeys []uuid.UUID) error {
	if s.scheduledPurge {
		if len(partitionKeys) > 0 {
			if _, err := tx.Exec(ctx,
				`UPDATE outbox_lock SET processed_at = now()
				 WHERE partition_key = ANY($1) AND processed_at IS NULL`,
				partitionKeys); err != nil {
				return NewStorageError(errors.Wrap(err, "tombstoning released locks"))
			}
		}
		tag, err := tx.Exec(ctx,
			`UPDATE outbox_lock SET processed_at = now()
			 WHERE processing_until < now() AND processed_at IS NULL`)
		if err != nil {
			return NewStorageError(errors.Wrap(err, "tombstoning expired locks"))
		}
		if tag.RowsAffected() > 0 {
			metrics.LocksReclaimed.Add(float64(tag.RowsAffected()))
			log.WithField("count", tag.RowsAffected()).Debug("tombstoned expired locks")
		}
		return nil
	}

	if len(partitionKeys) > 0 {
		if _, err := tx.Exec(ctx,
			`DELETE FROM outbox_lock WHERE partition_key = ANY($1) AND processed_at IS NULL`,
			partitionKeys); err != nil {
			return NewStorageError(errors.Wrap(err, "deleting released locks"))
		}
	}
	tag, err := tx.Exec(ctx,
		`DELETE FROM outbox_lock WHERE processing_until < now()`)
	if err != nil {
		return NewStorageError(errors.Wrap(err, "deleting expired locks"))
	}
	if tag.RowsAffected() > 0 {
		metrics.LocksReclaimed.Add(float64(tag.RowsAffected()))
		log.WithField("count", tag.RowsAffected()).Debug("reclaimed expired locks")
	}
	return nil
}

// FindCleanerSchedule selects the single cleaner-schedule row with
// FOR UPDATE SKIP LOCKED, making the janitor mutually exclusive across
// workers without a distributed mutex. It returns ok=false if the row is
// missing or already locked by another worker's transaction.
func (s *Store) FindCleanerSchedule(ctx context.Context, tx txExecutor) (sched CleanerSchedule, ok bool, err error) {
	row := tx.QueryRow(ctx,
		`SELECT cron_expression, last_execution FROM outbox_cleaner_schedule
		 FOR UPDATE SKIP LOCKED LIMIT 1`)
	if scanErr := row.Scan(&sched.CronExpression, &sched.LastExecution); scanErr != nil {
		if errors.Is(scanErr, pgx.ErrNoRows) {
			return CleanerSchedule{}, false, nil
		}
		return CleanerSchedule{}, false, NewStorageError(errors.Wrap(scanErr, "finding cleaner schedule"))
	}
	return sched, true, nil
}

// PurgeTombstonedLocks deletes lock rows whose processed_at is set and in
// the past, returning the number of rows removed.
func (s *Store) PurgeTombstonedLocks(ctx context.Context, tx txExecutor) (int64, error) {
	tag, err := tx.Exec(ctx,
		`DELETE FROM outbox_lock WHERE processed_at IS NOT NULL AND processed_at < now()`)
	if err != nil {
		return 0, NewStorageError(errors.Wrap(err, "purging tombstoned locks"))
	}
	return tag.RowsAffected(), nil
}

// UpdateLastCleanerExecution sets last_execution=now() on the schedule row.
func (s *Store) UpdateLastCleanerExecution(ctx context.Context, tx txExecutor) error {
	_, err := tx.Exec(ctx, `UPDATE outbox_cleaner_schedule SET last_execution = now()`)
	if err != nil {
		return NewStorageError(errors.Wrap(err, "updating last cleaner execution"))
	}
	return nil
}
