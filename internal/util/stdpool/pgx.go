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

// Package stdpool creates the standardized pgx connection pool the
// Record Store runs its SQL against, adapted from the teacher's
// internal/util/stdpool.OpenPgxAsStaging.
package stdpool

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/outboxrelay/outbox-relay/internal/stopctx"
)

// Option configures the pool returned by Open.
type Option func(*pgxpool.Config)

// WithMaxConns caps the pool's maximum number of connections.
func WithMaxConns(n int32) Option {
	return func(cfg *pgxpool.Config) { cfg.MaxConns = n }
}

// WithConnectionLifetime bounds how long a pooled connection is reused.
func WithConnectionLifetime(d time.Duration) Option {
	return func(cfg *pgxpool.Config) { cfg.MaxConnLifetime = d }
}

// Open opens a pgx connection pool against connectString and arranges
// for it to be closed when ctx is stopped.
func Open(ctx *stopctx.Context, connectString string, opts ...Option) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(connectString)
	if err != nil {
		return nil, errors.Wrap(err, "parsing database url")
	}
	cfg.MaxConns = 16
	cfg.MaxConnLifetime = 5 * time.Minute
	for _, opt := range opts {
		opt(cfg)
	}

	pool, err := pgxpool.NewWithConfig(ctx.Context(), cfg)
	if err != nil {
		return nil, errors.Wrap(err, "opening database pool")
	}

	// Close only once Context() is cancelled, which Stop does after every
	// tracked goroutine has returned, so an in-flight tick can still run
	// its bookkeeping SQL. This goroutine is untracked: Stop's wg.Wait()
	// would otherwise wait on a goroutine that waits for Stop.
	go func() {
		<-ctx.Done()
		pool.Close()
	}()

	pingCtx, cancel := context.WithTimeout(ctx.Context(), 10*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, errors.Wrap(err, "could not ping the database")
	}
	log.Info("database pool ready")

	return pool, nil
}
