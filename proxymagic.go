// Copyright 2024 The Proxy Magic Authors
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

// Package proxymagic assembles the intercepting proxy: certificate
// authority, rule store, pipeline, stats, and the listener, with one
// lifecycle from bootstrap to graceful drain.
package proxymagic

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/proxymagic/proxymagic/pki"
	"github.com/proxymagic/proxymagic/proxy"
	"github.com/proxymagic/proxymagic/rules"
	"github.com/proxymagic/proxymagic/stats"
)

// Exit codes. Certain signals result in a specific exit code.
const (
	ExitCodeSuccess = iota
	ExitCodeFailedStartup
	ExitCodeForceQuit
	ExitCodeFailedQuit
)

// shutdownGrace bounds how long a drain waits for in-flight
// transactions before connections are abandoned.
const shutdownGrace = 10 * time.Second

// App owns every component of a running proxy instance.
type App struct {
	cfg *Config
	log *zap.Logger

	ca     *pki.CA
	certs  *pki.Store
	store  *rules.Store
	stats  *stats.Stats
	sink   *stats.Sink
	server *proxy.Server

	stopReporter func()
	stopEvents   func()
}

// NewApp bootstraps all components from cfg without starting the
// listener: CA loaded or generated, rules loaded, stores built. Any
// bootstrap failure is a startup failure.
func NewApp(cfg *Config, log *zap.Logger) (*App, error) {
	a := &App{cfg: cfg, log: log}

	ca, err := pki.LoadOrGenerateCA(cfg.Proxy.CACertDir, log.Named("pki"))
	if err != nil {
		return nil, fmt.Errorf("bootstrapping certificate authority: %w", err)
	}
	a.ca = ca
	a.certs = pki.NewStore(ca, log.Named("pki"))

	store, err := rules.NewStore(rules.StoreOptions{
		Dir:   cfg.RulesDir,
		Debug: cfg.Debug,
	}, log.Named("rules"))
	if err != nil {
		return nil, fmt.Errorf("loading rules: %w", err)
	}
	a.store = store

	a.stats = stats.New(prometheus.NewRegistry())
	a.sink = stats.NewSink(log.Named("events"))

	pipeline := rules.NewPipeline(store, a.stats, log.Named("pipeline"))
	a.server = proxy.NewServer(proxy.Options{
		Addr:     cfg.ListenAddr(),
		Certs:    a.certs,
		Pipeline: pipeline,
		Stats:    a.stats,
		Sink:     a.sink,
		Log:      log.Named("proxy"),
	})
	return a, nil
}

// CA exposes the root authority for the trust subcommands.
func (a *App) CA() *pki.CA { return a.ca }

// Rules exposes the rule store for the UI surface.
func (a *App) Rules() *rules.Store { return a.store }

// Events exposes the event sink for the UI surface.
func (a *App) Events() *stats.Sink { return a.sink }

// Start binds the listener, begins watching the rules directory, and
// starts the periodic stats reporter.
func (a *App) Start() error {
	if err := a.server.Start(); err != nil {
		return fmt.Errorf("starting listener on %s: %w", a.cfg.ListenAddr(), err)
	}

	if err := a.store.Watch(); err != nil {
		a.log.Warn("rules hot reload unavailable", zap.Error(err))
	}

	interval := time.Duration(a.cfg.Proxy.StatsInterval) * time.Minute
	a.stopReporter = a.stats.StartReporter(interval, a.sink, a.log.Named("stats"))

	if a.cfg.UI {
		a.stopEvents = a.streamEvents(os.Stdout)
	}

	a.log.Info("proxy started",
		zap.String("addr", a.cfg.ListenAddr()),
		zap.String("rules_dir", a.cfg.RulesDir),
		zap.String("ca_dir", a.cfg.Proxy.CACertDir))
	return nil
}

// Fatal delivers an unrecoverable serve error, if one ever happens.
func (a *App) Fatal() <-chan error { return a.server.Fatal() }

// Stop drains the proxy: stop accepting, finish in-flight transactions
// within the grace period, emit the final stats snapshot, and persist
// rule state.
func (a *App) Stop(ctx context.Context) error {
	a.sink.Emit(stats.EventSystem, "proxy shutting down", stats.Metadata{})

	err := a.server.Shutdown(ctx)

	if a.stopReporter != nil {
		a.stopReporter()
	}
	if a.stopEvents != nil {
		a.stopEvents()
	}
	if closeErr := a.store.Close(); closeErr != nil && err == nil {
		err = closeErr
	}
	a.log.Info("proxy stopped")
	return err
}

// streamEvents writes the structured event stream as JSON lines for an
// external UI process reading our stdout.
func (a *App) streamEvents(w io.Writer) (stop func()) {
	ch, cancel := a.sink.Subscribe()
	done := make(chan struct{})

	go func() {
		defer close(done)
		enc := json.NewEncoder(w)
		for ev := range ch {
			if err := enc.Encode(ev); err != nil {
				a.log.Warn("writing event stream", zap.Error(err))
				return
			}
		}
	}()

	return func() {
		cancel()
		<-done
	}
}
