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
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// execCall records one Exec invocation against a fakeTx.
type execCall struct {
	sql  string
	args []any
}

// fakeTx implements txExecutor without a live database, following the
// pack's preference for hand-written fakes over a full driver mock for
// narrow interfaces (the same style as sink's sqsiface/snsiface fakes).
type fakeTx struct {
	execs      []execCall
	execTag    pgconn.CommandTag
	execErr    error
	rowCron    string
	rowLastRun time.Time
	rowErr     error
	rowNoRows  bool
}

func (f *fakeTx) Exec(_ context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	f.execs = append(f.execs, execCall{sql: sql, args: args})
	if f.execErr != nil {
		return pgconn.CommandTag{}, f.execErr
	}
	return f.execTag, nil
}

func (f *fakeTx) Query(context.Context, string, ...any) (pgx.Rows, error) {
	return nil, errors.New("fakeTx.Query not implemented")
}

func (f *fakeTx) QueryRow(context.Context, string, ...any) pgx.Row {
	return &fakeRow{cron: f.rowCron, lastRun: f.rowLastRun, err: f.rowErr, noRows: f.rowNoRows}
}

type fakeRow struct {
	cron    string
	lastRun time.Time
	err     error
	noRows  bool
}

func (r *fakeRow) Scan(dest ...any) error {
	if r.noRows {
		return pgx.ErrNoRows
	}
	if r.err != nil {
		return r.err
	}
	*(dest[0].(*string)) = r.cron
	*(dest[1].(*time.Time)) = r.lastRun
	return nil
}

func newStoreUnderTest(scheduledPurge bool) *Store {
	return &Store{scheduledPurge: scheduledPurge}
}

func TestAcquireBatchSQLShape(t *testing.T) {
	// AcquireBatch's correctness hinges on eligible-partitions-then-lock-
	// then-rank running as a single statement so every CTE shares one
	// snapshot; assert the shape survives rather than re-deriving it.
	assert.Contains(t, acquireBatchSQL, "eligible_partitions")
	assert.Contains(t, acquireBatchSQL, "locked_partitions")
	assert.Contains(t, acquireBatchSQL, "ON CONFLICT (partition_key) WHERE processed_at IS NULL DO NOTHING")
	assert.Contains(t, acquireBatchSQL, "row_number() OVER (PARTITION BY o.partition_key ORDER BY o.process_after ASC)")
	assert.Contains(t, acquireBatchSQL, "WHERE rn = 1")
}

func TestMarkProcessedEmptyStillReleasesExpiredLocks(t *testing.T) {
	s := newStoreUnderTest(false)
	tx := &fakeTx{execTag: pgconn.NewCommandTag("UPDATE 0")}

	err := s.MarkProcessed(context.Background(), tx, nil)

	require.NoError(t, err)
	require.Len(t, tx.execs, 1)
	assert.Contains(t, tx.execs[0].sql, "DELETE FROM outbox_lock WHERE processing_until < now()")
}

func TestMarkProcessedUpdatesThenReleasesLocks(t *testing.T) {
	s := newStoreUnderTest(false)
	tx := &fakeTx{execTag: pgconn.NewCommandTag("UPDATE 1")}
	rec := Record{IdempotentKey: uuid.New(), PartitionKey: uuid.New()}

	err := s.MarkProcessed(context.Background(), tx, []Record{rec})

	require.NoError(t, err)
	require.Len(t, tx.execs, 3)
	assert.Contains(t, tx.execs[0].sql, "UPDATE outbox SET processed_at = now()")
	assert.Contains(t, tx.execs[1].sql, "DELETE FROM outbox_lock WHERE partition_key = ANY($1)")
}

func TestDeleteProcessedDeletesRows(t *testing.T) {
	s := newStoreUnderTest(false)
	tx := &fakeTx{execTag: pgconn.NewCommandTag("DELETE 1")}
	rec := Record{IdempotentKey: uuid.New(), PartitionKey: uuid.New()}

	err := s.DeleteProcessed(context.Background(), tx, []Record{rec})

	require.NoError(t, err)
	require.Len(t, tx.execs, 3)
	assert.Contains(t, tx.execs[0].sql, "DELETE FROM outbox WHERE idempotent_key = ANY($1)")
}

func TestIncreaseAttemptsWithFailureDelayBumpsWholePartition(t *testing.T) {
	// spec.md §9 note 3: the process_after bump applies to every
	// non-processed row in the failing partition, not just the one that
	// actually failed — so the UPDATE filters on partition_key alone.
	s := newStoreUnderTest(false)
	tx := &fakeTx{execTag: pgconn.NewCommandTag("UPDATE 1")}
	rec := Record{IdempotentKey: uuid.New(), PartitionKey: uuid.New()}

	err := s.IncreaseAttempts(context.Background(), tx, []Record{rec}, 30*time.Second)

	require.NoError(t, err)
	require.Len(t, tx.execs, 4)
	assert.Contains(t, tx.execs[0].sql, "SET process_after = now() + $2::interval")
	assert.Contains(t, tx.execs[0].sql, "WHERE processed_at IS NULL AND partition_key = ANY($1)")
	assert.NotContains(t, tx.execs[0].sql, "idempotent_key")
	// The delay must travel as a string bound against a ::interval cast:
	// pgx v5 has no time.Duration->interval codec, so passing the
	// time.Duration value itself fails to encode against the interval OID
	// Postgres infers for `timestamptz + $n`.
	require.Len(t, tx.execs[0].args, 2)
	assert.IsType(t, "", tx.execs[0].args[1])
	assert.Equal(t, "30000 milliseconds", tx.execs[0].args[1])
	assert.Contains(t, tx.execs[1].sql, "SET attempts = attempts + 1")
}

func TestIntervalLiteralFormatsAsMilliseconds(t *testing.T) {
	assert.Equal(t, "1500 milliseconds", intervalLiteral(1500*time.Millisecond))
	assert.Equal(t, "0 milliseconds", intervalLiteral(0))
}

func TestIncreaseAttemptsWithoutDelaySkipsProcessAfterUpdate(t *testing.T) {
	s := newStoreUnderTest(false)
	tx := &fakeTx{execTag: pgconn.NewCommandTag("UPDATE 1")}
	rec := Record{IdempotentKey: uuid.New(), PartitionKey: uuid.New()}

	err := s.IncreaseAttempts(context.Background(), tx, []Record{rec}, 0)

	require.NoError(t, err)
	require.Len(t, tx.execs, 3)
	assert.Contains(t, tx.execs[0].sql, "SET attempts = attempts + 1")
}

func TestReleaseLocksInlineDeleteMode(t *testing.T) {
	s := newStoreUnderTest(false)
	tx := &fakeTx{execTag: pgconn.NewCommandTag("DELETE 1")}
	partitionKey := uuid.New()

	err := s.ReleaseLocks(context.Background(), tx, []uuid.UUID{partitionKey})

	require.NoError(t, err)
	require.Len(t, tx.execs, 2)
	assert.Contains(t, tx.execs[0].sql, "DELETE FROM outbox_lock WHERE partition_key")
	assert.Contains(t, tx.execs[1].sql, "DELETE FROM outbox_lock WHERE processing_until < now()")
}

func TestReleaseLocksScheduledPurgeMode(t *testing.T) {
	s := newStoreUnderTest(true)
	tx := &fakeTx{execTag: pgconn.NewCommandTag("UPDATE 1")}
	partitionKey := uuid.New()

	err := s.ReleaseLocks(context.Background(), tx, []uuid.UUID{partitionKey})

	require.NoError(t, err)
	require.Len(t, tx.execs, 2)
	assert.Contains(t, tx.execs[0].sql, "UPDATE outbox_lock SET processed_at = now()")
	assert.Contains(t, tx.execs[1].sql, "UPDATE outbox_lock SET processed_at = now()")
	assert.Contains(t, tx.execs[1].sql, "WHERE processing_until < now()")
}

func TestFindCleanerScheduleFound(t *testing.T) {
	s := newStoreUnderTest(false)
	want := time.Now().Add(-time.Minute)
	tx := &fakeTx{rowCron: "0 */5 * * * *", rowLastRun: want}

	sched, ok, err := s.FindCleanerSchedule(context.Background(), tx)

	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "0 */5 * * * *", sched.CronExpression)
	assert.Equal(t, want, sched.LastExecution)
}

func TestFindCleanerScheduleNoneOrLocked(t *testing.T) {
	s := newStoreUnderTest(false)
	tx := &fakeTx{rowNoRows: true}

	sched, ok, err := s.FindCleanerSchedule(context.Background(), tx)

	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, CleanerSchedule{}, sched)
}

func TestPurgeTombstonedLocksReturnsRowCount(t *testing.T) {
	s := newStoreUnderTest(false)
	tx := &fakeTx{execTag: pgconn.NewCommandTag("DELETE 4")}

	count, err := s.PurgeTombstonedLocks(context.Background(), tx)

	require.NoError(t, err)
	assert.EqualValues(t, 4, count)
	assert.Contains(t, tx.execs[0].sql, "DELETE FROM outbox_lock WHERE processed_at IS NOT NULL")
}

func TestUpdateLastCleanerExecution(t *testing.T) {
	s := newStoreUnderTest(false)
	tx := &fakeTx{execTag: pgconn.NewCommandTag("UPDATE 1")}

	err := s.UpdateLastCleanerExecution(context.Background(), tx)

	require.NoError(t, err)
	assert.Contains(t, tx.execs[0].sql, "UPDATE outbox_cleaner_schedule SET last_execution = now()")
}
