package cellstore

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/formulabench/internal/ir"
)

func record(s *Store) *[]Notification {
	var got []Notification
	s.Subscribe(func(n Notification) { got = append(got, n) })
	return &got
}

func TestSetValue_GetValue(t *testing.T) {
	s := New()

	_, ok := s.GetValue("row-f-0", "a")
	assert.False(t, ok, "unwritten cell is undefined")

	s.SetValue("row-f-0", "a", ir.IRNumber(1), false)
	v, ok := s.GetValue("row-f-0", "a")
	require.True(t, ok)
	assert.Equal(t, ir.IRNumber(1), v)

	s.SetValue("row-f-0", "a", nil, false)
	_, ok = s.GetValue("row-f-0", "a")
	assert.False(t, ok, "writing undefined removes the cell")
}

func TestSetValue_Notification(t *testing.T) {
	s := New()
	got := record(s)

	s.SetValue("row-f-0", "a", ir.IRString("x"), false)
	s.SetValue("row-f-0", "b", ir.IRString("y"), true)

	require.Len(t, *got, 1, "silent writes do not notify")
	n := (*got)[0]
	assert.Equal(t, KindCell, n.Kind)
	assert.Equal(t, "row-f-0", n.RowID)
	assert.Equal(t, "a", n.ColumnID)
	assert.Equal(t, ir.IRString("x"), n.Value)
}

func TestBatchUpdate_SingleNotification(t *testing.T) {
	s := New()
	got := record(s)

	s.BatchUpdate([]CellUpdate{
		{RowID: "r0", ColumnID: ColResult, Value: ir.IRNumber(1)},
		{RowID: "r1", ColumnID: ColResult, Value: ir.IRNumber(2)},
		{RowID: "r2", ColumnID: ColError, Value: ir.IRString("boom")},
	})

	require.Len(t, *got, 1)
	assert.Equal(t, KindBatch, (*got)[0].Kind)
	assert.Len(t, (*got)[0].Updates, 3)

	v, _ := s.GetValue("r1", ColResult)
	assert.Equal(t, ir.IRNumber(2), v)

	s.BatchUpdate(nil)
	assert.Len(t, *got, 1, "empty batch does not notify")
}

func TestClearAllData_KeepsStructure(t *testing.T) {
	s := New()
	s.SyncStructure([]string{"r0", "r1"}, []string{"a", "b"})
	s.SetValue("r0", "a", ir.IRNumber(1), true)
	s.SetValue("r1", ColResult, ir.IRNumber(5), true)

	s.ClearAllData()

	_, ok := s.GetValue("r0", "a")
	assert.False(t, ok)
	_, ok = s.GetValue("r1", ColResult)
	assert.False(t, ok)
	assert.Equal(t, []string{"r0", "r1"}, s.RowIDs())
	assert.Equal(t, []string{"a", "b"}, s.Columns())
}

func TestSyncStructure_DropsOrphans(t *testing.T) {
	s := New()
	s.SyncStructure([]string{"r0", "r1"}, []string{"a", "b"})
	s.SetValue("r0", "a", ir.IRNumber(1), true)
	s.SetValue("r0", "b", ir.IRNumber(2), true)
	s.SetValue("r0", ColResult, ir.IRNumber(3), true)
	s.SetValue("r1", "a", ir.IRNumber(4), true)

	s.SyncStructure([]string{"r0"}, []string{"a"})

	_, ok := s.GetValue("r0", "b")
	assert.False(t, ok, "orphaned column dropped")
	_, ok = s.GetValue("r1", "a")
	assert.False(t, ok, "orphaned row dropped")

	v, ok := s.GetValue("r0", "a")
	assert.True(t, ok)
	assert.Equal(t, ir.IRNumber(1), v)
	_, ok = s.GetValue("r0", ColResult)
	assert.True(t, ok, "derived columns survive for kept rows")
}

func TestRow_AssemblesEnvelope(t *testing.T) {
	s := New()
	s.SyncStructure([]string{"r0"}, []string{"a", "b.c"})
	s.SetValue("r0", "a", ir.IRNumber(1), true)
	s.SetValue("r0", "b.c", ir.IRString("x"), true)
	s.SetValue("r0", ColResult, ir.IRNumber(42), true)
	s.SetValue("r0", ColExecutionTimeMs, ir.IRNumber(1.5), true)
	s.SetValue("r0", ColIsValid, ir.IRBool(true), true)

	r := s.Row("r0")
	assert.Equal(t, "r0", r.ID)
	assert.Equal(t, ir.IRObject{"a": ir.IRNumber(1), "b.c": ir.IRString("x")}, r.Values)
	assert.Equal(t, ir.IRNumber(42), r.Result)
	require.NotNil(t, r.ExecutionTimeMs)
	assert.Equal(t, 1.5, *r.ExecutionTimeMs)
	assert.True(t, r.Valid())
	assert.Empty(t, r.Error)

	rows := s.Rows()
	require.Len(t, rows, 1)
	assert.Equal(t, r, rows[0])
}

func TestRow_Fresh(t *testing.T) {
	s := New()
	s.SyncStructure([]string{"r0"}, []string{"a"})

	r := s.Row("r0")
	assert.False(t, r.HasResult())
	assert.Empty(t, r.Error)
	assert.Nil(t, r.IsValid)
	assert.Nil(t, r.ExecutionTimeMs)
}

func TestSubscribe_Unsubscribe(t *testing.T) {
	s := New()
	count := 0
	unsubscribe := s.Subscribe(func(Notification) { count++ })

	s.SetValue("r0", "a", ir.IRNumber(1), false)
	unsubscribe()
	s.SetValue("r0", "a", ir.IRNumber(2), false)

	assert.Equal(t, 1, count)
}

func TestListener_MayReenterStore(t *testing.T) {
	s := New()
	s.Subscribe(func(n Notification) {
		if n.Kind == KindCell && !IsReserved(n.ColumnID) {
			s.SetValue(n.RowID, ColIsValid, ir.IRBool(true), true)
		}
	})

	s.SetValue("r0", "a", ir.IRNumber(1), false)

	v, ok := s.GetValue("r0", ColIsValid)
	require.True(t, ok)
	assert.Equal(t, ir.IRBool(true), v)
}

func TestConcurrentAccess(t *testing.T) {
	s := New()
	s.SyncStructure([]string{"r0", "r1", "r2", "r3"}, []string{"a"})

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			row := s.RowIDs()[i]
			for j := 0; j < 100; j++ {
				s.SetValue(row, "a", ir.IRNumber(j), j%2 == 0)
				_ = s.Rows()
			}
		}(i)
	}
	wg.Wait()

	for _, r := range s.Rows() {
		assert.Equal(t, ir.IRNumber(99), r.Values["a"])
	}
}

func TestIsReserved(t *testing.T) {
	assert.True(t, IsReserved(ColResult))
	assert.True(t, IsReserved(ColIsValid))
	assert.False(t, IsReserved("a.b"))
	assert.False(t, IsReserved("items[0]"))
}
