// Package cellstore holds editable cell values per (row, column).
//
// The store is deliberately dumb: it performs no validation and no
// computation. It owns the row and column structure of the active formula,
// the values written into it, and a change-notification contract that the
// engine subscribes to.
//
// Derived row fields (result, error, execution time, validity) live in
// reserved columns whose names start with "$". They are written silently by
// the engine and assembled back into an ir.Row by Row and Rows.
package cellstore
