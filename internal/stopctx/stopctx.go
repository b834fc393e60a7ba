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

// Package stopctx provides cooperative shutdown coordination for the
// dispatch loop and lock janitor tasks, modeled on the teacher's
// internal/util/stopper (github.com/cockroachdb/cdc-sink) usage pattern:
// a context carrying a Stopping() channel, a Go() helper that tracks
// supervised goroutines in a WaitGroup, and a Stop() that signals
// shutdown and blocks until every tracked goroutine has returned.
package stopctx

import (
	"context"
	"sync"
	"time"
)

// ShutdownGrace is the period callers should allow an in-flight operation
// (e.g. an HTTP server drain) to finish once Stopping is closed.
const ShutdownGrace = 10 * time.Second

// Context wraps a context.Context with the Stopping/Go/Stop machinery.
// It is not itself a context.Context (callers pass ctx.Done() style
// plumbing explicitly where needed) to keep the surface small.
type Context struct {
	parent   context.Context
	cancel   context.CancelFunc
	stopping chan struct{}
	once     sync.Once
	wg       sync.WaitGroup
}

// New wraps parent. Calling the returned Context's Stop cancels the
// derived context and waits for every goroutine started via Go to exit.
func New(parent context.Context) *Context {
	ctx, cancel := context.WithCancel(parent)
	return &Context{
		parent:   ctx,
		cancel:   cancel,
		stopping: make(chan struct{}),
	}
}

// Context returns the derived context.Context, cancelled when Stop is called.
func (c *Context) Context() context.Context { return c.parent }

// Stopping returns a channel closed when shutdown begins. The dispatch and
// janitor run loops check it only between ticks and during the inter-tick
// sleep, so an in-progress tick is allowed to complete (it is not
// cancelled mid-SQL), per spec.md §5.
func (c *Context) Stopping() <-chan struct{} { return c.stopping }

// Done is equivalent to Context().Done().
func (c *Context) Done() <-chan struct{} { return c.parent.Done() }

// Go runs fn in a tracked goroutine. Stop blocks until every such
// goroutine returns.
func (c *Context) Go(fn func()) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		fn()
	}()
}

// Stop signals shutdown by closing Stopping, waits for every goroutine
// started via Go to return, and only then cancels Context(). Deferring
// the cancel until after wg.Wait() matters: Context() is the ctx an
// in-flight dispatch tick's SQL runs against, and per spec.md §5 a tick
// in progress when shutdown begins is allowed to finish rather than be
// cancelled mid-statement — cancelling eagerly would defeat that.
func (c *Context) Stop() {
	c.once.Do(func() {
		close(c.stopping)
	})
	c.wg.Wait()
	c.cancel()
}
