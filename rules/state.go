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

package rules

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"
)

// usageFlushEvery bounds state-file I/O: usage counters are persisted
// on every Nth increment, and on shutdown.
const usageFlushEvery = 10

// RuleState is the persisted per-rule record, keyed by filename.
type RuleState struct {
	Enabled      bool      `json:"enabled"`
	LastModified time.Time `json:"lastModified"`
	UsageCount   int       `json:"usageCount"`
}

// stateFile owns config/rules-state.json. All access is serialized by
// one mutex; writes are whole-document and synchronous.
type stateFile struct {
	path string
	log  *zap.Logger

	mu           sync.Mutex
	entries      map[string]*RuleState
	unflushedUse int
}

func newStateFile(path string, log *zap.Logger) *stateFile {
	return &stateFile{
		path:    path,
		log:     log,
		entries: make(map[string]*RuleState),
	}
}

// load reads the state document. A missing file is not an error; the
// file is auto-created on the first toggle or usage flush.
func (sf *stateFile) load() error {
	sf.mu.Lock()
	defer sf.mu.Unlock()

	data, err := os.ReadFile(sf.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("reading rule state: %w", err)
	}

	entries := make(map[string]*RuleState)
	if err := json.Unmarshal(data, &entries); err != nil {
		return fmt.Errorf("parsing rule state %s: %w", sf.path, err)
	}
	sf.entries = entries
	return nil
}

// ensure returns the state for filename, creating the default record
// (enabled, zero usage) when the rule is new.
func (sf *stateFile) ensure(filename string, modTime time.Time) *RuleState {
	sf.mu.Lock()
	defer sf.mu.Unlock()
	return sf.ensureLocked(filename, modTime)
}

func (sf *stateFile) ensureLocked(filename string, modTime time.Time) *RuleState {
	st, ok := sf.entries[filename]
	if !ok {
		st = &RuleState{Enabled: true, LastModified: modTime}
		sf.entries[filename] = st
	} else if !modTime.IsZero() {
		st.LastModified = modTime
	}
	return st
}

// enabled reports whether filename is enabled; unknown rules default
// to enabled.
func (sf *stateFile) enabled(filename string) bool {
	sf.mu.Lock()
	defer sf.mu.Unlock()
	if st, ok := sf.entries[filename]; ok {
		return st.Enabled
	}
	return true
}

// toggle flips the enabled bit and writes the document synchronously.
func (sf *stateFile) toggle(filename string) (bool, error) {
	sf.mu.Lock()
	defer sf.mu.Unlock()

	st := sf.ensureLocked(filename, time.Time{})
	st.Enabled = !st.Enabled
	if err := sf.saveLocked(); err != nil {
		return st.Enabled, err
	}
	return st.Enabled, nil
}

// incrementUsage bumps the usage counter and flushes every Nth call.
func (sf *stateFile) incrementUsage(filename string) {
	sf.mu.Lock()
	defer sf.mu.Unlock()

	st := sf.ensureLocked(filename, time.Time{})
	st.UsageCount++
	sf.unflushedUse++
	if sf.unflushedUse >= usageFlushEvery {
		if err := sf.saveLocked(); err != nil {
			sf.log.Warn("flushing rule usage counters", zap.Error(err))
		}
	}
}

// flush persists any pending usage increments. Called on shutdown.
func (sf *stateFile) flush() error {
	sf.mu.Lock()
	defer sf.mu.Unlock()
	if sf.unflushedUse == 0 {
		return nil
	}
	return sf.saveLocked()
}

func (sf *stateFile) saveLocked() error {
	if err := os.MkdirAll(filepath.Dir(sf.path), 0o755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(sf.entries, "", "  ")
	if err != nil {
		return err
	}
	if err := os.WriteFile(sf.path, data, 0o644); err != nil {
		return fmt.Errorf("writing rule state: %w", err)
	}
	sf.unflushedUse = 0
	return nil
}
