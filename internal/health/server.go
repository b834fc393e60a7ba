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

// Package health serves the liveness endpoint described in SPEC_FULL.md's
// SUPPLEMENTED FEATURES section, plus the Prometheus metrics endpoint.
package health

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"

	"github.com/outboxrelay/outbox-relay/internal/stopctx"
)

// NewServer builds the /health and /metrics HTTP server bound to addr.
func NewServer(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	mux.Handle("/metrics", promhttp.Handler())
	return &http.Server{Addr: addr, Handler: mux}
}

// Run starts server and blocks until stopCtx signals shutdown.
func Run(stopCtx *stopctx.Context, server *http.Server) {
	stopCtx.Go(func() {
		<-stopCtx.Stopping()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), stopctx.ShutdownGrace)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.WithError(err).Warn("health server shutdown")
		}
	})

	log.WithField("addr", server.Addr).Info("health server listening")
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.WithError(err).Error("health server stopped")
	}
}
