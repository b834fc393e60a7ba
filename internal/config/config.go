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

// Package config contains the immutable knobs described in spec.md §4.5,
// buildable either programmatically or from environment variables.
package config

import (
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/pkg/errors"
	"github.com/spf13/pflag"
)

// Config holds every recognized option of the Configuration Surface (CS).
// Zero-value Config is not valid; call Preflight (directly, or via
// FromEnvironment / Bind+Preflight) before using it.
type Config struct {
	// BatchLimit is the max number of partitions acquired per tick.
	BatchLimit int `env:"OUTBOX_BATCH_LIMIT" envDefault:"50"`
	// TickIntervalSeconds is the sleep between idle/failed dispatch ticks.
	TickIntervalSeconds int `env:"OUTBOX_TICK_INTERVAL_IN_SECONDS" envDefault:"5"`
	// HttpTimeoutMillis is the HTTP client per-request timeout.
	HttpTimeoutMillis int `env:"OUTBOX_HTTP_TIMEOUT_IN_MILLIS" envDefault:"3000"`
	// DeleteOnSuccess deletes succeeded rows instead of marking them.
	DeleteOnSuccess bool `env:"OUTBOX_DELETE_PROCESSED" envDefault:"false"`
	// InFlightSeconds is the lock processing_until offset.
	InFlightSeconds int `env:"OUTBOX_IN_FLIGHT_IN_SECONDS" envDefault:"30"`
	// FailLimit is the attempts count at/above which a record is skipped.
	FailLimit int `env:"OUTBOX_FAIL_LIMIT" envDefault:"10"`
	// ScheduledPurge tombstones locks instead of deleting them inline.
	ScheduledPurge bool `env:"OUTBOX_SCHEDULED_PURGE" envDefault:"false"`
	// CleanerTickIntervalSeconds is the sleep between janitor ticks.
	CleanerTickIntervalSeconds int `env:"OUTBOX_CLEANER_TICK_INTERVAL_IN_SECONDS" envDefault:"5"`
	// FailureDelaySeconds bumps process_after for a failing partition; 0 disables it.
	FailureDelaySeconds int `env:"OUTBOX_FAILURE_DELAY_IN_SECONDS" envDefault:"0"`

	// DatabaseURL is the pgx connection string for the outbox store.
	DatabaseURL string `env:"OUTBOX_DATABASE_URL"`
	// HealthBindAddr is the address the trivial health endpoint binds to.
	HealthBindAddr string `env:"OUTBOX_HEALTH_BIND_ADDR" envDefault:":8080"`
	// CronExpression is a six-field cron expression for the lock janitor.
	// It is not written to the outbox_cleaner_schedule row; the janitor
	// reads its schedule from that row's cron_expression only.
	CronExpression string `env:"OUTBOX_CLEANER_CRON" envDefault:"0 */5 * * * *"`
}

// TickInterval is TickIntervalSeconds as a time.Duration.
func (c *Config) TickInterval() time.Duration {
	return time.Duration(c.TickIntervalSeconds) * time.Second
}

// HttpTimeout is HttpTimeoutMillis as a time.Duration.
func (c *Config) HttpTimeout() time.Duration {
	return time.Duration(c.HttpTimeoutMillis) * time.Millisecond
}

// InFlight is InFlightSeconds as a time.Duration.
func (c *Config) InFlight() time.Duration {
	return time.Duration(c.InFlightSeconds) * time.Second
}

// CleanerTickInterval is CleanerTickIntervalSeconds as a time.Duration.
func (c *Config) CleanerTickInterval() time.Duration {
	return time.Duration(c.CleanerTickIntervalSeconds) * time.Second
}

// FailureDelay is FailureDelaySeconds as a time.Duration.
func (c *Config) FailureDelay() time.Duration {
	return time.Duration(c.FailureDelaySeconds) * time.Second
}

// Bind registers the programmatic-flag surface, following the teacher's
// Config.Bind(*pflag.FlagSet) convention
// (internal/source/server/config.go).
func (c *Config) Bind(flags *pflag.FlagSet) {
	flags.IntVar(&c.BatchLimit, "batchLimit", 50, "max partitions acquired per tick")
	flags.IntVar(&c.TickIntervalSeconds, "tickIntervalSeconds", 5, "sleep between idle/failed ticks")
	flags.IntVar(&c.HttpTimeoutMillis, "httpTimeoutMillis", 3000, "HTTP client per-request timeout")
	flags.BoolVar(&c.DeleteOnSuccess, "deleteOnSuccess", false, "delete succeeded rows instead of marking them")
	flags.IntVar(&c.InFlightSeconds, "inFlightSeconds", 30, "lock processing_until offset")
	flags.IntVar(&c.FailLimit, "failLimit", 10, "attempts at/above which a record is skipped")
	flags.BoolVar(&c.ScheduledPurge, "scheduledPurge", false, "tombstone locks instead of deleting them inline")
	flags.IntVar(&c.CleanerTickIntervalSeconds, "cleanerTickIntervalSeconds", 5, "sleep between janitor ticks")
	flags.IntVar(&c.FailureDelaySeconds, "failureDelaySeconds", 0, "per-partition process_after bump on failure")
	flags.StringVar(&c.DatabaseURL, "databaseUrl", "", "pgx connection string for the outbox store")
	flags.StringVar(&c.HealthBindAddr, "healthBindAddr", ":8080", "bind address for the health endpoint")
	flags.StringVar(&c.CronExpression, "cleanerCron", "0 */5 * * * *", "six-field cron for the lock janitor's scheduled purge")
}

// Preflight validates c, mirroring the teacher's Config.Preflight() error.
// It does not fill in defaults: those come from Bind's flag defaults or
// FromEnvironment's envDefault tags, and a zero or missing value is
// reported as an error.
func (c *Config) Preflight() error {
	if c.BatchLimit <= 0 {
		return errors.New("batchLimit must be positive")
	}
	if c.FailLimit <= 0 {
		return errors.New("failLimit must be positive")
	}
	if c.TickIntervalSeconds <= 0 {
		return errors.New("tickIntervalSeconds must be positive")
	}
	if c.CleanerTickIntervalSeconds <= 0 {
		return errors.New("cleanerTickIntervalSeconds must be positive")
	}
	if c.InFlightSeconds <= 0 {
		return errors.New("inFlightSeconds must be positive")
	}
	if c.HttpTimeoutMillis <= 0 {
		return errors.New("httpTimeoutMillis must be positive")
	}
	if c.FailureDelaySeconds < 0 {
		return errors.New("failureDelaySeconds must not be negative")
	}
	if c.DatabaseURL == "" {
		return errors.New("databaseUrl unset")
	}
	return nil
}

// FromEnvironment builds a Config from the process environment, following
// the env-var suffix convention of spec.md §6
// (_LIMIT / _INTERVAL_IN_SECONDS / _IN_MILLIS / DELETE_PROCESSED).
func FromEnvironment() (*Config, error) {
	c := &Config{}
	if err := env.Parse(c); err != nil {
		return nil, errors.Wrap(err, "parsing configuration from environment")
	}
	if err := c.Preflight(); err != nil {
		return nil, err
	}
	return c, nil
}
