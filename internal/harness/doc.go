// Package harness runs verification scenarios against the real calculation
// engine.
//
// A scenario activates one formula, applies edits, timer advances and
// calculations to its rows, then checks the recorded trace and the final
// persisted row state.
//
// # Scenario Format
//
// Scenarios are defined in YAML files with the following structure:
//
//	name: discount_auto
//	description: "Seeded rows calculate once on their own"
//	formulas: formulas.cue
//	formula: discount
//	rows: 2
//	steps:
//	  - advance: 100ms
//	    expect: { row: 0, result: 75, phase: computed }
//	  - edit: { row: 1, column: rate, value: 2 }
//	  - calculate: { row: 1 }
//	  - calculate_all: true
//	assertions:
//	  - type: trace_count
//	    event: calculation
//	    trigger: auto
//	    count: 2
//	  - type: trace_order
//	    triggers: [auto, manual]
//	  - type: final_state
//	    row: 1
//	    expect: { rate: 2, $isValid: false }
//
// # Assertion Types
//
//   - trace_contains: At least one event matches the filters
//   - trace_order: Calculation triggers first occur in the given order
//   - trace_count: Exactly N events match the filters
//   - final_state: A persisted row holds the expected cells
//
// # Deterministic Testing
//
// Every run uses a virtual-time scheduler (testutil.FakeScheduler), a fresh
// logical clock, sequential event ids and an in-memory SQLite store. Timers
// only fire on "advance" steps, so traces are identical across runs and can
// be compared against golden files with RunWithGolden.
package harness
