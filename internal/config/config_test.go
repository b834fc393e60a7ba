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

package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig() *Config {
	return &Config{
		BatchLimit:                 50,
		TickIntervalSeconds:        5,
		HttpTimeoutMillis:          3000,
		InFlightSeconds:            30,
		FailLimit:                  10,
		CleanerTickIntervalSeconds: 5,
		FailureDelaySeconds:        0,
		DatabaseURL:                "postgres://localhost/outbox",
		HealthBindAddr:             ":8080",
		CronExpression:             "0 */5 * * * *",
	}
}

func TestPreflightValid(t *testing.T) {
	assert.NoError(t, validConfig().Preflight())
}

func TestPreflightRejectsNonPositiveFields(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"batchLimit", func(c *Config) { c.BatchLimit = 0 }},
		{"failLimit", func(c *Config) { c.FailLimit = -1 }},
		{"tickInterval", func(c *Config) { c.TickIntervalSeconds = 0 }},
		{"cleanerTickInterval", func(c *Config) { c.CleanerTickIntervalSeconds = 0 }},
		{"inFlight", func(c *Config) { c.InFlightSeconds = 0 }},
		{"httpTimeout", func(c *Config) { c.HttpTimeoutMillis = 0 }},
		{"databaseUrl", func(c *Config) { c.DatabaseURL = "" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)
			assert.Error(t, cfg.Preflight())
		})
	}
}

func TestPreflightRejectsNegativeFailureDelay(t *testing.T) {
	cfg := validConfig()
	cfg.FailureDelaySeconds = -1
	assert.Error(t, cfg.Preflight())
}

func TestPreflightAllowsZeroFailureDelay(t *testing.T) {
	cfg := validConfig()
	cfg.FailureDelaySeconds = 0
	assert.NoError(t, cfg.Preflight())
}

func TestDurationAccessors(t *testing.T) {
	cfg := validConfig()
	cfg.TickIntervalSeconds = 7
	cfg.HttpTimeoutMillis = 1500
	cfg.InFlightSeconds = 20
	cfg.CleanerTickIntervalSeconds = 9
	cfg.FailureDelaySeconds = 3

	assert.Equal(t, 7*time.Second, cfg.TickInterval())
	assert.Equal(t, 1500*time.Millisecond, cfg.HttpTimeout())
	assert.Equal(t, 20*time.Second, cfg.InFlight())
	assert.Equal(t, 9*time.Second, cfg.CleanerTickInterval())
	assert.Equal(t, 3*time.Second, cfg.FailureDelay())
}

func TestFromEnvironmentAppliesDefaultsAndOverrides(t *testing.T) {
	t.Setenv("OUTBOX_DATABASE_URL", "postgres://localhost/outbox")
	t.Setenv("OUTBOX_BATCH_LIMIT", "25")

	cfg, err := FromEnvironment()

	require.NoError(t, err)
	assert.Equal(t, 25, cfg.BatchLimit)
	assert.Equal(t, 10, cfg.FailLimit) // untouched default
	assert.Equal(t, ":8080", cfg.HealthBindAddr)
}

func TestFromEnvironmentFailsPreflightWithoutDatabaseURL(t *testing.T) {
	t.Setenv("OUTBOX_DATABASE_URL", "")

	_, err := FromEnvironment()

	assert.Error(t, err)
}
