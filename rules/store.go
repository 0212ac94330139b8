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
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// DefaultStatePath is where enable/disable state persists, relative to
// the working directory.
const DefaultStatePath = "config/rules-state.json"

// reloadDebounce coalesces the burst of fsnotify events an editor save
// produces into one reload.
const reloadDebounce = 250 * time.Millisecond

// Store loads rule documents from a directory, owns their
// enable/disable state, and supports hot reload. The loaded list is
// copy-on-reload: Enabled returns an immutable snapshot, so in-flight
// transactions keep the rules they started with.
type Store struct {
	dir   string
	log   *zap.Logger
	debug bool
	state *stateFile

	mu    sync.RWMutex
	rules []Rule // ordered by filename, case-insensitive

	subsMu sync.Mutex
	subs   []func()

	watcher *fsnotify.Watcher
	watchWG sync.WaitGroup
	closing chan struct{}
}

// StoreOptions configures a Store.
type StoreOptions struct {
	// Dir is the rules directory.
	Dir string

	// StatePath overrides DefaultStatePath.
	StatePath string

	// Debug turns on per-file loader diagnostics.
	Debug bool
}

// NewStore creates a store and performs the initial load. Files that
// fail validation are logged and skipped, never fatal.
func NewStore(opts StoreOptions, log *zap.Logger) (*Store, error) {
	statePath := opts.StatePath
	if statePath == "" {
		statePath = DefaultStatePath
	}

	s := &Store{
		dir:     opts.Dir,
		log:     log,
		debug:   opts.Debug,
		state:   newStateFile(statePath, log),
		closing: make(chan struct{}),
	}
	if err := s.state.load(); err != nil {
		return nil, err
	}
	if err := s.Reload(); err != nil {
		return nil, err
	}
	return s, nil
}

// Enabled returns the ordered snapshot of enabled rules. The slice is
// shared and must not be mutated; a reload installs a fresh one.
func (s *Store) Enabled() []Rule {
	s.mu.RLock()
	defer s.mu.RUnlock()

	enabled := make([]Rule, 0, len(s.rules))
	for _, r := range s.rules {
		if s.state.enabled(r.Filename()) {
			enabled = append(enabled, r)
		}
	}
	return enabled
}

// All returns every loaded rule regardless of enabled state, for the
// external UI's rules panel.
func (s *Store) All() []Rule {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Rule, len(s.rules))
	copy(out, s.rules)
	return out
}

// IsEnabled reports the persisted enabled bit for filename.
func (s *Store) IsEnabled(filename string) bool {
	return s.state.enabled(filename)
}

// Reload re-reads the rules directory and rebuilds the ordered list.
// Enable/disable state is preserved by filename. Safe to call while
// transactions are in flight. On a directory read error the previous
// snapshot is retained.
func (s *Store) Reload() error {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if os.IsNotExist(err) {
			s.log.Warn("rules directory does not exist", zap.String("dir", s.dir))
			s.install(nil)
			return nil
		}
		return fmt.Errorf("reading rules directory %s: %w", s.dir, err)
	}

	var files []os.DirEntry
	for _, e := range entries {
		if e.IsDir() || !isRuleFile(e.Name()) {
			continue
		}
		files = append(files, e)
	}
	sort.Slice(files, func(i, j int) bool {
		a, b := strings.ToLower(files[i].Name()), strings.ToLower(files[j].Name())
		if a != b {
			return a < b
		}
		return files[i].Name() < files[j].Name()
	})

	loaded := make([]Rule, 0, len(files))
	for _, e := range files {
		rule, err := s.loadFile(e)
		if err != nil {
			s.log.Warn("skipping invalid rule file", zap.Error(err))
			continue
		}
		loaded = append(loaded, rule)
		if s.debug {
			s.log.Debug("loaded rule",
				zap.String("file", rule.Filename()),
				zap.String("name", rule.Name()),
				zap.Bool("enabled", s.state.enabled(rule.Filename())))
		}
	}

	s.install(loaded)
	s.log.Info("rules loaded",
		zap.String("dir", s.dir), zap.Int("count", len(loaded)))
	return nil
}

// isRuleFile reports whether name is a rule document, excluding the
// conventional index and schema sidecars.
func isRuleFile(name string) bool {
	if !strings.HasSuffix(name, ".json") {
		return false
	}
	lower := strings.ToLower(name)
	return lower != "index.json" && !strings.HasSuffix(lower, ".schema.json")
}

func (s *Store) loadFile(e os.DirEntry) (Rule, error) {
	name := e.Name()
	data, err := os.ReadFile(filepath.Join(s.dir, name))
	if err != nil {
		return nil, fmt.Errorf("rule %s: %w", name, err)
	}
	var doc document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("rule %s: %w", name, err)
	}
	rule, err := newFileRule(doc, name, s.log)
	if err != nil {
		return nil, err
	}

	modTime := time.Time{}
	if info, err := e.Info(); err == nil {
		modTime = info.ModTime()
	}
	s.state.ensure(name, modTime)
	return rule, nil
}

func (s *Store) install(rules []Rule) {
	s.mu.Lock()
	s.rules = rules
	s.mu.Unlock()
	s.notify()
}

// Toggle flips a rule's enabled bit, persists it synchronously, and
// returns the new value.
func (s *Store) Toggle(filename string) (bool, error) {
	enabled, err := s.state.toggle(filename)
	if err != nil {
		return enabled, err
	}
	s.notify()
	return enabled, nil
}

// MarkUsed records one use of a rule in the persistent state.
func (s *Store) MarkUsed(filename string) {
	s.state.incrementUsage(filename)
}

// Subscribe registers a callback invoked after every reload or toggle.
// Callbacks run on the mutating goroutine and must be quick.
func (s *Store) Subscribe(fn func()) {
	s.subsMu.Lock()
	s.subs = append(s.subs, fn)
	s.subsMu.Unlock()
}

func (s *Store) notify() {
	s.subsMu.Lock()
	subs := make([]func(), len(s.subs))
	copy(subs, s.subs)
	s.subsMu.Unlock()
	for _, fn := range subs {
		fn()
	}
}

// Watch starts an fsnotify watcher on the rules directory and reloads
// on changes, debounced. A watch failure is non-fatal; hot reload then
// only happens via explicit Reload calls.
func (s *Store) Watch() error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating rules watcher: %w", err)
	}
	if err := w.Add(s.dir); err != nil {
		w.Close()
		return fmt.Errorf("watching %s: %w", s.dir, err)
	}
	s.watcher = w

	s.watchWG.Add(1)
	go func() {
		defer s.watchWG.Done()
		var timer *time.Timer
		var timerC <-chan time.Time
		for {
			select {
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if !isRuleFile(filepath.Base(ev.Name)) {
					continue
				}
				if timer == nil {
					timer = time.NewTimer(reloadDebounce)
					timerC = timer.C
				} else {
					timer.Reset(reloadDebounce)
				}
			case <-timerC:
				timer, timerC = nil, nil
				if err := s.Reload(); err != nil {
					s.log.Error("hot reload failed; keeping previous rules", zap.Error(err))
				}
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				s.log.Warn("rules watcher error", zap.Error(err))
			case <-s.closing:
				return
			}
		}
	}()
	return nil
}

// Close stops the watcher and flushes pending usage counters.
func (s *Store) Close() error {
	close(s.closing)
	if s.watcher != nil {
		s.watcher.Close()
	}
	s.watchWG.Wait()
	return s.state.flush()
}
