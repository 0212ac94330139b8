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
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func writeRule(t *testing.T, dir, name, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
}

func newTestStore(t *testing.T, dir string) *Store {
	t.Helper()
	store, err := NewStore(StoreOptions{
		Dir:       dir,
		StatePath: filepath.Join(t.TempDir(), "rules-state.json"),
	}, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestStoreLoadsOrderedByFilename(t *testing.T) {
	dir := t.TempDir()
	writeRule(t, dir, "20-second.json", `{"match": "true"}`)
	writeRule(t, dir, "10-first.json", `{"match": "true"}`)
	writeRule(t, dir, "Zeta.json", `{"match": "true"}`)
	writeRule(t, dir, "alpha.json", `{"match": "true"}`)

	store := newTestStore(t, dir)

	var names []string
	for _, r := range store.Enabled() {
		names = append(names, r.Filename())
	}
	// Case-insensitive ordering: alpha before Zeta.
	require.Equal(t, []string{"10-first.json", "20-second.json", "alpha.json", "Zeta.json"}, names)
}

func TestStoreSkipsInvalidAndSidecarFiles(t *testing.T) {
	dir := t.TempDir()
	writeRule(t, dir, "good.json", `{"match": "host == \"a.test\""}`)
	writeRule(t, dir, "broken.json", `{"match": `)
	writeRule(t, dir, "nomatch.json", `{"name": "no match field"}`)
	writeRule(t, dir, "badcel.json", `{"match": "host ==== nope"}`)
	writeRule(t, dir, "notbool.json", `{"match": "host"}`)
	writeRule(t, dir, "index.json", `{"anything": true}`)
	writeRule(t, dir, "rule.schema.json", `{}`)
	writeRule(t, dir, "readme.txt", `not json`)

	store := newTestStore(t, dir)

	all := store.All()
	require.Len(t, all, 1)
	require.Equal(t, "good.json", all[0].Filename())
}

func TestStoreMissingDirIsEmpty(t *testing.T) {
	store := newTestStore(t, filepath.Join(t.TempDir(), "does-not-exist"))
	require.Empty(t, store.Enabled())
}

func TestStoreToggleFiltersEnabled(t *testing.T) {
	dir := t.TempDir()
	writeRule(t, dir, "a.json", `{"match": "true"}`)
	writeRule(t, dir, "b.json", `{"match": "true"}`)

	store := newTestStore(t, dir)
	require.Len(t, store.Enabled(), 2)

	enabled, err := store.Toggle("a.json")
	require.NoError(t, err)
	require.False(t, enabled)

	names := store.Enabled()
	require.Len(t, names, 1)
	require.Equal(t, "b.json", names[0].Filename())
	require.Len(t, store.All(), 2, "All must keep disabled rules visible")

	enabled, err = store.Toggle("a.json")
	require.NoError(t, err)
	require.True(t, enabled)
	require.Len(t, store.Enabled(), 2)
}

func TestStoreReloadPreservesState(t *testing.T) {
	dir := t.TempDir()
	writeRule(t, dir, "a.json", `{"match": "true"}`)

	store := newTestStore(t, dir)
	_, err := store.Toggle("a.json")
	require.NoError(t, err)

	writeRule(t, dir, "b.json", `{"match": "true"}`)
	require.NoError(t, store.Reload())

	require.False(t, store.IsEnabled("a.json"), "toggle must survive a reload")
	require.True(t, store.IsEnabled("b.json"), "new rules default to enabled")
}

func TestStatePersistsAcrossProcesses(t *testing.T) {
	dir := t.TempDir()
	statePath := filepath.Join(t.TempDir(), "rules-state.json")
	writeRule(t, dir, "a.json", `{"match": "true"}`)

	store, err := NewStore(StoreOptions{Dir: dir, StatePath: statePath}, zap.NewNop())
	require.NoError(t, err)
	_, err = store.Toggle("a.json")
	require.NoError(t, err)
	require.NoError(t, store.Close())

	// A fresh store against the same state file sees the toggle.
	store2, err := NewStore(StoreOptions{Dir: dir, StatePath: statePath}, zap.NewNop())
	require.NoError(t, err)
	defer store2.Close()
	require.False(t, store2.IsEnabled("a.json"))
}

func TestStateUsageCountFlushedOnClose(t *testing.T) {
	dir := t.TempDir()
	statePath := filepath.Join(t.TempDir(), "rules-state.json")
	writeRule(t, dir, "a.json", `{"match": "true"}`)

	store, err := NewStore(StoreOptions{Dir: dir, StatePath: statePath}, zap.NewNop())
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		store.MarkUsed("a.json")
	}
	require.NoError(t, store.Close())

	data, err := os.ReadFile(statePath)
	require.NoError(t, err)
	var entries map[string]*RuleState
	require.NoError(t, json.Unmarshal(data, &entries))
	require.Equal(t, 3, entries["a.json"].UsageCount)
	require.True(t, entries["a.json"].Enabled)
}

func TestStoreSubscribeNotifiedOnToggle(t *testing.T) {
	dir := t.TempDir()
	writeRule(t, dir, "a.json", `{"match": "true"}`)

	store := newTestStore(t, dir)
	notified := 0
	store.Subscribe(func() { notified++ })

	_, err := store.Toggle("a.json")
	require.NoError(t, err)
	require.Equal(t, 1, notified)
}

// A snapshot taken before a reload keeps serving the old rules.
func TestEnabledSnapshotIsStable(t *testing.T) {
	dir := t.TempDir()
	writeRule(t, dir, "a.json", `{"match": "true"}`)

	store := newTestStore(t, dir)
	snapshot := store.Enabled()

	require.NoError(t, os.Remove(filepath.Join(dir, "a.json")))
	require.NoError(t, store.Reload())

	require.Len(t, snapshot, 1, "captured snapshot must not shrink")
	require.Empty(t, store.Enabled())
}
