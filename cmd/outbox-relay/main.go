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

// Command outbox-relay runs the transactional outbox relay: the Dispatch
// Loop, its three sink adapters, and the Lock Janitor, per spec.md §1.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/sns"
	"github.com/aws/aws-sdk-go/service/sqs"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/pflag"

	"github.com/outboxrelay/outbox-relay/internal/config"
	"github.com/outboxrelay/outbox-relay/internal/health"
	"github.com/outboxrelay/outbox-relay/internal/outbox"
	"github.com/outboxrelay/outbox-relay/internal/sink"
	"github.com/outboxrelay/outbox-relay/internal/stopctx"
	"github.com/outboxrelay/outbox-relay/internal/util/stdpool"
)

func main() {
	log.SetFormatter(&log.TextFormatter{FullTimestamp: true})

	cfg := &config.Config{}
	flags := pflag.NewFlagSet("outbox-relay", pflag.ContinueOnError)
	cfg.Bind(flags)
	if err := flags.Parse(os.Args[1:]); err != nil {
		log.WithError(err).Fatal("parsing flags")
	}
	// When the environment yields a valid configuration (FromEnvironment
	// succeeds, which needs OUTBOX_DATABASE_URL), it replaces the
	// flag-bound one entirely, explicitly passed flags included; otherwise
	// the flag-bound configuration is used.
	if envCfg, err := config.FromEnvironment(); err == nil {
		cfg = envCfg
	}
	if err := cfg.Preflight(); err != nil {
		log.WithError(err).Fatal("invalid configuration")
	}

	if err := run(cfg); err != nil {
		log.WithError(err).Fatal("outbox-relay exited with error")
	}
}

func run(cfg *config.Config) error {
	ctx := stopctx.New(context.Background())
	defer ctx.Stop()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	// Deliberately NOT ctx.Go: Stop blocks in wg.Wait() until every
	// ctx.Go-tracked goroutine returns, so the goroutine that calls Stop
	// must not itself be one of the tracked goroutines, or wg.Wait()
	// would wait on its own caller and never return.
	go func() {
		select {
		case sig := <-sigCh:
			log.WithField("signal", sig).Info("received shutdown signal")
			ctx.Stop()
		case <-ctx.Done():
		}
	}()

	pool, err := stdpool.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		return err
	}

	store := outbox.NewStore(pool, cfg.ScheduledPurge)

	awsSession, err := session.NewSession(aws.NewConfig())
	if err != nil {
		return err
	}

	adapters := []outbox.Adapter{
		sink.NewHTTPAdapter(sink.EnvResolver{}, cfg.HttpTimeout()),
		sink.NewQueueAdapter(sqs.New(awsSession)),
		sink.NewTopicAdapter(sns.New(awsSession)),
	}

	dispatcher := outbox.NewDispatcher(store, outbox.DispatcherConfig{
		BatchLimit:      cfg.BatchLimit,
		TickInterval:    cfg.TickInterval(),
		InFlight:        cfg.InFlight(),
		FailLimit:       cfg.FailLimit,
		FailureDelay:    cfg.FailureDelay(),
		DeleteOnSuccess: cfg.DeleteOnSuccess,
	}, adapters...)

	janitor := outbox.NewJanitor(store, cfg.CleanerTickInterval())

	healthServer := health.NewServer(cfg.HealthBindAddr)

	ctx.Go(func() { dispatcher.Run(ctx) })
	ctx.Go(func() { janitor.Run(ctx) })
	ctx.Go(func() { health.Run(ctx, healthServer) })

	<-ctx.Done()
	return nil
}
