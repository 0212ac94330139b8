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
	"fmt"
	"os"
	"strings"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/term"
)

// Log levels as exposed in configuration. The numeric scheme is
// deliberately small: 0 shows only errors, 1 is normal operation,
// 2 turns on per-transaction debug output.
const (
	LogLevelErrors = 0
	LogLevelBasic  = 1
	LogLevelDebug  = 2
)

var (
	defaultLoggerMu sync.RWMutex
	defaultLogger   = NewLogger(LogLevelBasic)
)

// Log returns the process-wide logger. It is safe for concurrent use
// and is replaced once at startup when the configured level is known.
func Log() *zap.Logger {
	defaultLoggerMu.RLock()
	defer defaultLoggerMu.RUnlock()
	return defaultLogger
}

// SetLogger replaces the process-wide logger. Call once, at startup,
// before any component captures a derived logger.
func SetLogger(l *zap.Logger) {
	defaultLoggerMu.Lock()
	defer defaultLoggerMu.Unlock()
	defaultLogger = l
}

// NewLogger builds a zap logger for the given numeric level. Output goes
// to stderr with a console encoder when stderr is an interactive
// terminal, and a JSON encoder otherwise, so piped output stays
// machine-readable.
func NewLogger(level int) *zap.Logger {
	encCfg := zap.NewProductionEncoderConfig()
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder

	var enc zapcore.Encoder
	if term.IsTerminal(int(os.Stderr.Fd())) {
		encCfg.EncodeLevel = zapcore.CapitalColorLevelEncoder
		enc = zapcore.NewConsoleEncoder(encCfg)
	} else {
		enc = zapcore.NewJSONEncoder(encCfg)
	}

	core := zapcore.NewCore(enc, zapcore.Lock(os.Stderr), zapLevel(level))
	return zap.New(core)
}

func zapLevel(level int) zapcore.Level {
	switch {
	case level <= LogLevelErrors:
		return zapcore.ErrorLevel
	case level >= LogLevelDebug:
		return zapcore.DebugLevel
	default:
		return zapcore.InfoLevel
	}
}

// ParseLogLevel parses a log level from config, a CLI flag, or the
// PROXY_LOG_LEVEL environment variable. Accepts the numeric form or
// the level name.
func ParseLogLevel(s string) (int, error) {
	switch strings.ToLower(s) {
	case "0", "errors":
		return LogLevelErrors, nil
	case "1", "basic":
		return LogLevelBasic, nil
	case "2", "debug":
		return LogLevelDebug, nil
	}
	return 0, fmt.Errorf("invalid log level %q (expected 0|errors, 1|basic, or 2|debug)", s)
}
