// Package engine implements the reactive row-calculation pipeline.
//
// The engine owns one active formula and its rows. Rows live in a
// cellstore.Store; the engine subscribes to it and reacts to input edits.
//
// ARCHITECTURE:
//
// Timers and the Event Loop:
// Each row has at most one pending debounce timer and at most one pending
// auto-trigger timer. Timers never calculate directly. They enqueue an Event
// carrying a token and the formula epoch, and Run (or Drain) processes the
// events one at a time. An event whose token no longer matches its row, or
// whose epoch predates the last formula switch, is dropped.
//
// Row Calculation Flow:
//  1. Read the row's current values (never values captured at schedule time)
//  2. Reconstruct nested inputs and validate them
//  3. Look up the compiled artifact in the cache
//  4. Invoke it on a separate goroutine under a timeout
//  5. Write result, error, time and validity back in one batch
//  6. Record the calculation with the tracker and refresh metrics
//
// Every failure stops at the row boundary and becomes the row's error.
//
// CRITICAL PATTERNS:
//
// Stale Results:
// Every edit bumps the row's generation and every formula switch bumps the
// epoch. A result whose generation or epoch is out of date when it
// completes is recorded as stale and never written.
//
// Logical Clock:
// All recorded events are stamped with a monotonic seq from Clock.Next().
// Wall-clock timestamps are informational only.
//
// Batch Writes:
// ExecuteAllRows evaluates rows concurrently but applies every outcome with
// a single cellstore.Store.BatchUpdate.
package engine
