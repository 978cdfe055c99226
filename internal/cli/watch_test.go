package cli

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/formulabench/internal/config"
	"github.com/roach88/formulabench/internal/ir"
)

func newTestRuntime(t *testing.T) *runtime {
	t.Helper()
	rt, err := newRuntime(config.DefaultConfig(), "")
	require.NoError(t, err)
	t.Cleanup(func() { rt.Close() })
	return rt
}

func TestReloaderActivatesFormula(t *testing.T) {
	rt := newTestRuntime(t)
	r := &reloader{dir: writeFormulas(t), formula: "discount", rows: 2, eng: rt.engine}

	res, err := r.Reload(context.Background())
	require.NoError(t, err)
	assert.True(t, res.Changed)
	assert.Equal(t, "discount", res.FormulaID)
	assert.Len(t, res.Formulas, 3)

	active := rt.engine.Formula()
	require.NotNil(t, active)
	assert.Equal(t, "discount", active.ID)
	assert.Len(t, rt.engine.Snapshot(), 2)
}

func TestReloaderUnchangedSource(t *testing.T) {
	rt := newTestRuntime(t)
	r := &reloader{dir: writeFormulas(t), formula: "sum", rows: 1, eng: rt.engine}

	_, err := r.Reload(context.Background())
	require.NoError(t, err)

	res, err := r.Reload(context.Background())
	require.NoError(t, err)
	assert.False(t, res.Changed)
	assert.Equal(t, "sum", res.FormulaID)
}

func TestReloaderKeepsInputsOnChange(t *testing.T) {
	ctx := context.Background()
	dir := writeFormulas(t)
	rt := newTestRuntime(t)
	r := &reloader{dir: dir, formula: "discount", rows: 1, eng: rt.engine}

	_, err := r.Reload(ctx)
	require.NoError(t, err)
	require.NoError(t, rt.engine.HandleCellUpdate("row-discount-0", "price", ir.IRNumber(200)))

	path := filepath.Join(dir, "formulas.cue")
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	writeFile(t, path, strings.Replace(string(data), `"price * (1 - rate)"`, `"price * (1 - rate) + 1"`, 1))

	res, err := r.Reload(ctx)
	require.NoError(t, err)
	assert.True(t, res.Changed)
	assert.Equal(t, 1, res.Batch.Succeeded)

	rows := rt.engine.Snapshot()
	require.Len(t, rows, 1)
	assert.True(t, ir.Equal(ir.IRNumber(200), rows[0].Values["price"]))
	assert.True(t, ir.Equal(ir.IRNumber(151), rows[0].Result))
}

func TestReloaderUnknownFormula(t *testing.T) {
	rt := newTestRuntime(t)
	r := &reloader{dir: writeFormulas(t), formula: "nope", rows: 1, eng: rt.engine}

	_, err := r.Reload(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), `unknown formula "nope"`)
	assert.Nil(t, rt.engine.Formula())
}

func TestRelevantChange(t *testing.T) {
	tests := []struct {
		name  string
		event fsnotify.Event
		want  bool
	}{
		{"write cue", fsnotify.Event{Name: "f/a.cue", Op: fsnotify.Write}, true},
		{"create cue", fsnotify.Event{Name: "f/a.cue", Op: fsnotify.Create}, true},
		{"remove cue", fsnotify.Event{Name: "f/a.cue", Op: fsnotify.Remove}, true},
		{"rename cue", fsnotify.Event{Name: "f/a.cue", Op: fsnotify.Rename}, true},
		{"chmod cue", fsnotify.Event{Name: "f/a.cue", Op: fsnotify.Chmod}, false},
		{"write yaml", fsnotify.Event{Name: "f/rows.yaml", Op: fsnotify.Write}, false},
		{"editor swap", fsnotify.Event{Name: "f/.a.cue.swp", Op: fsnotify.Write}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, relevantChange(tt.event))
		})
	}
}

func TestFormulaWatcherMissingDir(t *testing.T) {
	_, err := newFormulaWatcher(filepath.Join(t.TempDir(), "missing"), defaultSettle, func(context.Context) {})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "watch ")
}

func TestFormulaWatcherSettles(t *testing.T) {
	dir := writeFormulas(t)
	changed := make(chan struct{}, 4)
	w, err := newFormulaWatcher(dir, 20*time.Millisecond, func(context.Context) {
		changed <- struct{}{}
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		w.Start(ctx)
		close(done)
	}()

	writeFile(t, filepath.Join(dir, "extra.cue"), "package formulas\n")

	select {
	case <-changed:
	case <-time.After(5 * time.Second):
		t.Fatal("watcher did not report the change")
	}

	w.Stop()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("watcher did not stop")
	}
}
