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

package stopctx

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestStopWaitsForTrackedGoroutinesBeforeReturning(t *testing.T) {
	ctx := New(context.Background())
	proceed := make(chan struct{})
	ctx.Go(func() {
		<-ctx.Stopping()
		<-proceed
	})

	stopDone := make(chan struct{})
	go func() {
		ctx.Stop()
		close(stopDone)
	}()

	select {
	case <-stopDone:
		t.Fatal("Stop returned before its tracked goroutine finished")
	case <-time.After(20 * time.Millisecond):
	}

	close(proceed)
	select {
	case <-stopDone:
	case <-time.After(time.Second):
		t.Fatal("Stop did not return after its tracked goroutine finished")
	}
}

// TestStopCancelsContextOnlyAfterTrackedGoroutinesReturn guards against a
// regression where Stop cancelled Context() before waiting on the
// WaitGroup: an in-flight dispatch tick reads Context() for its SQL calls
// and must not see it cancelled mid-statement, per spec.md §5.
func TestStopCancelsContextOnlyAfterTrackedGoroutinesReturn(t *testing.T) {
	ctx := New(context.Background())
	inTick := make(chan struct{})
	proceed := make(chan struct{})
	ctx.Go(func() {
		<-ctx.Stopping()
		close(inTick)
		<-proceed
	})

	stopDone := make(chan struct{})
	go func() {
		ctx.Stop()
		close(stopDone)
	}()

	<-inTick
	assert.NoError(t, ctx.Context().Err())

	close(proceed)
	<-stopDone
	assert.ErrorIs(t, ctx.Context().Err(), context.Canceled)
}

// TestStopCalledFromUntrackedGoroutineDoesNotDeadlock documents the
// contract a caller like main.go's signal handler depends on: the
// goroutine that calls Stop must not itself be registered via Go, or
// Stop's wg.Wait() would wait on its own caller and never return.
func TestStopCalledFromUntrackedGoroutineDoesNotDeadlock(t *testing.T) {
	ctx := New(context.Background())
	ctx.Go(func() {
		<-ctx.Stopping()
	})

	done := make(chan struct{})
	go func() {
		ctx.Stop()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Stop deadlocked when called from an untracked goroutine")
	}
}

func TestStopIsIdempotent(t *testing.T) {
	ctx := New(context.Background())
	ctx.Stop()
	assert.NotPanics(t, func() { ctx.Stop() })
	assert.ErrorIs(t, ctx.Context().Err(), context.Canceled)
}
