// Copyright 2026 The Relay Authors
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

// Package relaylog holds process-wide zap logger setup, following
// the teacher's own logging.go: one default production logger built
// once at startup, with every component pulling a named child logger
// off it rather than constructing its own.
package relaylog

import (
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	mu     sync.Mutex
	global *zap.Logger = zap.NewNop()
)

// Init installs the process-wide base logger. debug selects a
// console-encoded, debug-level logger suitable for a terminal;
// otherwise a JSON-encoded, info-level logger suitable for log
// shipping is used. Init is expected to run once, early in cmd/.
func Init(debug bool) error {
	var cfg zap.Config
	if debug {
		cfg = zap.NewDevelopmentConfig()
		cfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
	} else {
		cfg = zap.NewProductionConfig()
		cfg.Level = zap.NewAtomicLevelAt(zapcore.InfoLevel)
	}
	logger, err := cfg.Build()
	if err != nil {
		return err
	}
	mu.Lock()
	global = logger
	mu.Unlock()
	return nil
}

// Named returns a child of the process-wide logger scoped to
// component, e.g. relaylog.Named("server.dispatcher").
func Named(component string) *zap.Logger {
	mu.Lock()
	defer mu.Unlock()
	return global.Named(component)
}

// Sync flushes any buffered log entries. Call once during shutdown;
// errors are expected and ignorable when stderr is a terminal.
func Sync() error {
	mu.Lock()
	defer mu.Unlock()
	return global.Sync()
}
