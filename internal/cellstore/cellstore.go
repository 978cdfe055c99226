package cellstore

import (
	"slices"
	"strings"
	"sync"

	"github.com/roach88/formulabench/internal/ir"
)

// Reserved columns carrying the derived fields of a row.
const (
	ColResult          = "$result"
	ColError           = "$error"
	ColExecutionTimeMs = "$executionTimeMs"
	ColIsValid         = "$isValid"
)

// IsReserved reports whether col is a derived column rather than an input path.
func IsReserved(col string) bool {
	return strings.HasPrefix(col, "$")
}

// NotificationKind identifies what changed.
type NotificationKind int

const (
	// KindCell is a single non-silent SetValue.
	KindCell NotificationKind = iota + 1
	// KindBatch is one BatchUpdate covering every write in Updates.
	KindBatch
	// KindCleared follows ClearAllData.
	KindCleared
	// KindStructure follows SyncStructure.
	KindStructure
)

func (k NotificationKind) String() string {
	switch k {
	case KindCell:
		return "cell"
	case KindBatch:
		return "batch"
	case KindCleared:
		return "cleared"
	case KindStructure:
		return "structure"
	default:
		return "unknown"
	}
}

// CellUpdate is one write inside a batch.
type CellUpdate struct {
	RowID    string
	ColumnID string
	Value    ir.IRValue
}

// Notification describes a change. For KindCell, RowID/ColumnID/Value name
// the written cell. For KindBatch, Updates lists every write.
type Notification struct {
	Kind     NotificationKind
	RowID    string
	ColumnID string
	Value    ir.IRValue
	Updates  []CellUpdate
}

// Listener receives change notifications. Listeners are called after the
// store's lock has been released and may call back into the store.
type Listener func(Notification)

type subscription struct {
	id int
	fn Listener
}

// Store is a thread-safe cell value store.
type Store struct {
	mu        sync.RWMutex
	rows      []string
	columns   []string
	cells     map[string]map[string]ir.IRValue
	listeners []subscription
	nextSub   int
}

// New creates an empty store with no rows or columns.
func New() *Store {
	return &Store{
		cells: make(map[string]map[string]ir.IRValue),
	}
}

// SetValue writes value at (rowID, colID). A nil value (undefined) removes
// the cell. Unless silent is set, listeners are notified after the write.
func (s *Store) SetValue(rowID, colID string, value ir.IRValue, silent bool) {
	s.mu.Lock()
	s.write(rowID, colID, value)
	var listeners []subscription
	if !silent {
		listeners = s.snapshotListeners()
	}
	s.mu.Unlock()

	notify(listeners, Notification{
		Kind:     KindCell,
		RowID:    rowID,
		ColumnID: colID,
		Value:    value,
	})
}

// GetValue returns the last written value, or (nil, false) if the cell is
// undefined.
func (s *Store) GetValue(rowID, colID string) (ir.IRValue, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row, ok := s.cells[rowID]
	if !ok {
		return nil, false
	}
	v, ok := row[colID]
	return v, ok
}

// BatchUpdate applies every write, then emits a single KindBatch
// notification. An empty batch is a no-op.
func (s *Store) BatchUpdate(updates []CellUpdate) {
	if len(updates) == 0 {
		return
	}

	s.mu.Lock()
	for _, u := range updates {
		s.write(u.RowID, u.ColumnID, u.Value)
	}
	listeners := s.snapshotListeners()
	s.mu.Unlock()

	notify(listeners, Notification{
		Kind:    KindBatch,
		Updates: slices.Clone(updates),
	})
}

// ClearAllData removes every stored value. Row and column definitions are
// kept.
func (s *Store) ClearAllData() {
	s.mu.Lock()
	s.cells = make(map[string]map[string]ir.IRValue)
	listeners := s.snapshotListeners()
	s.mu.Unlock()

	notify(listeners, Notification{Kind: KindCleared})
}

// SyncStructure replaces the row and column definitions and drops every
// stored value whose row or column is no longer defined. Reserved columns
// survive for rows that remain.
func (s *Store) SyncStructure(rows, columns []string) {
	s.mu.Lock()
	s.rows = slices.Clone(rows)
	s.columns = slices.Clone(columns)

	keepRow := make(map[string]bool, len(rows))
	for _, r := range rows {
		keepRow[r] = true
	}
	keepCol := make(map[string]bool, len(columns))
	for _, c := range columns {
		keepCol[c] = true
	}

	for rowID, row := range s.cells {
		if !keepRow[rowID] {
			delete(s.cells, rowID)
			continue
		}
		for colID := range row {
			if !keepCol[colID] && !IsReserved(colID) {
				delete(row, colID)
			}
		}
	}
	listeners := s.snapshotListeners()
	s.mu.Unlock()

	notify(listeners, Notification{Kind: KindStructure})
}

// RowIDs returns the defined rows in order.
func (s *Store) RowIDs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.rows)
}

// Columns returns the defined input columns in order.
func (s *Store) Columns() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.columns)
}

// HasRow reports whether rowID is part of the current structure.
func (s *Store) HasRow(rowID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Contains(s.rows, rowID)
}

// Row assembles the envelope for rowID from its stored cells.
func (s *Store) Row(rowID string) ir.Row {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.assemble(rowID)
}

// Rows assembles every defined row in structure order.
func (s *Store) Rows() []ir.Row {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]ir.Row, len(s.rows))
	for i, id := range s.rows {
		out[i] = s.assemble(id)
	}
	return out
}

// Subscribe registers l and returns a function that removes it.
func (s *Store) Subscribe(l Listener) (unsubscribe func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextSub++
	id := s.nextSub
	s.listeners = append(s.listeners, subscription{id: id, fn: l})

	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.listeners = slices.DeleteFunc(s.listeners, func(sub subscription) bool {
			return sub.id == id
		})
	}
}

// write stores or removes a single cell. Caller holds mu.
func (s *Store) write(rowID, colID string, value ir.IRValue) {
	row, ok := s.cells[rowID]
	if value == nil {
		if ok {
			delete(row, colID)
		}
		return
	}
	if !ok {
		row = make(map[string]ir.IRValue)
		s.cells[rowID] = row
	}
	row[colID] = value
}

// assemble builds an ir.Row. Caller holds mu (read).
func (s *Store) assemble(rowID string) ir.Row {
	r := ir.Row{ID: rowID, Values: ir.IRObject{}}

	for colID, v := range s.cells[rowID] {
		switch colID {
		case ColResult:
			r.Result = ir.Clone(v)
		case ColError:
			if str, ok := v.(ir.IRString); ok {
				r.Error = string(str)
			}
		case ColExecutionTimeMs:
			if n, ok := v.(ir.IRNumber); ok {
				ms := float64(n)
				r.ExecutionTimeMs = &ms
			}
		case ColIsValid:
			if b, ok := v.(ir.IRBool); ok {
				valid := bool(b)
				r.IsValid = &valid
			}
		default:
			if !IsReserved(colID) {
				r.Values[colID] = ir.Clone(v)
			}
		}
	}
	return r
}

// snapshotListeners copies the listener list. Caller holds mu.
func (s *Store) snapshotListeners() []subscription {
	return slices.Clone(s.listeners)
}

func notify(listeners []subscription, n Notification) {
	for _, l := range listeners {
		l.fn(n)
	}
}
