package cli

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/formulabench/internal/config"
	"github.com/roach88/formulabench/internal/ir"
)

func newStoreRuntime(t *testing.T, dbPath string) *runtime {
	t.Helper()
	rt, err := newRuntime(config.DefaultConfig(), dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { rt.Close() })
	return rt
}

func TestActivateWithoutStore(t *testing.T) {
	formulas, err := loadFormulas(writeFormulas(t))
	require.NoError(t, err)
	schema, err := selectFormula(formulas, "sum")
	require.NoError(t, err)

	rt := newTestRuntime(t)
	require.NoError(t, activate(context.Background(), rt, schema, 4))

	assert.Equal(t, "sum", rt.engine.Formula().ID)
	assert.Len(t, rt.engine.Snapshot(), 4)
}

func TestActivateRestoresSavedRows(t *testing.T) {
	dir := writeFormulas(t)
	dbPath := seedDatabase(t, dir, discountRows)

	formulas, err := loadFormulas(dir)
	require.NoError(t, err)
	schema, err := selectFormula(formulas, "discount")
	require.NoError(t, err)

	rt := newStoreRuntime(t, dbPath)
	require.NoError(t, activate(context.Background(), rt, schema, 1))

	rows := rt.engine.Snapshot()
	require.Len(t, rows, 3)
	assert.True(t, ir.Equal(ir.IRNumber(100), rows[0].Result))
	assert.True(t, ir.Equal(ir.IRNumber(60), rows[1].Result))
	assert.Nil(t, rows[2].Result)
}

func TestActivateSkipsRowsForChangedSource(t *testing.T) {
	dir := writeFormulas(t)
	dbPath := seedDatabase(t, dir, discountRows)

	formulas, err := loadFormulas(dir)
	require.NoError(t, err)
	schema, err := selectFormula(formulas, "discount")
	require.NoError(t, err)
	schema.SourceHash = "changed"

	rt := newStoreRuntime(t, dbPath)
	require.NoError(t, activate(context.Background(), rt, schema, 2))

	rows := rt.engine.Snapshot()
	require.Len(t, rows, 2)
	for _, r := range rows {
		assert.Nil(t, r.Result)
		assert.Empty(t, r.Values)
	}
}

func TestActivateUnknownToStore(t *testing.T) {
	formulas, err := loadFormulas(writeFormulas(t))
	require.NoError(t, err)
	schema, err := selectFormula(formulas, "guard")
	require.NoError(t, err)

	rt := newStoreRuntime(t, filepath.Join(t.TempDir(), "bench.db"))
	require.NoError(t, activate(context.Background(), rt, schema, 2))
	assert.Len(t, rt.engine.Snapshot(), 2)
}

func TestRuntimeResumesSeqFromDatabase(t *testing.T) {
	dir := writeFormulas(t)
	dbPath := seedDatabase(t, dir, discountRows)

	formulas, err := loadFormulas(dir)
	require.NoError(t, err)
	schema, err := selectFormula(formulas, "discount")
	require.NoError(t, err)

	rt := newStoreRuntime(t, dbPath)
	last, err := rt.store.LastSeq(context.Background())
	require.NoError(t, err)
	require.Positive(t, last)

	require.NoError(t, activate(context.Background(), rt, schema, 1))
	rt.engine.ExecuteAllRows(context.Background())

	calcs, err := rt.store.ReadCalculations(context.Background(), "discount")
	require.NoError(t, err)
	newest := calcs[len(calcs)-1]
	assert.Greater(t, newest.Seq, last)
}
