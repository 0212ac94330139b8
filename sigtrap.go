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

package proxymagic

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"
)

// Run starts the app, blocks until a shutdown signal or a fatal serve
// error, drains, and returns the process exit code. A second signal
// during the drain forces an immediate quit.
func Run(a *App) int {
	if err := a.Start(); err != nil {
		a.log.Error("startup failed", zap.Error(err))
		return ExitCodeFailedStartup
	}

	sig := make(chan os.Signal, 2)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)

	select {
	case s := <-sig:
		a.log.Info("shutting down", zap.String("signal", s.String()))
	case err := <-a.Fatal():
		a.log.Error("listener failed", zap.Error(err))
		drain(a)
		return ExitCodeFailedQuit
	}

	done := make(chan error, 1)
	go func() { done <- drain(a) }()

	select {
	case err := <-done:
		if err != nil {
			a.log.Error("shutdown finished with errors", zap.Error(err))
			return ExitCodeFailedQuit
		}
		return ExitCodeSuccess
	case s := <-sig:
		a.log.Warn("force quit", zap.String("signal", s.String()))
		return ExitCodeForceQuit
	}
}

func drain(a *App) error {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	return a.Stop(ctx)
}
