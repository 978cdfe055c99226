// Package ir provides the value and data-model types shared by every
// formulabench package.
//
// This package contains type definitions, canonical JSON and hashing only.
// All other internal packages import ir; ir imports nothing internal.
//
// Key design constraints:
//   - IRValue is sealed; a nil IRValue means "undefined", IRNull means null
//   - Rows are a fixed envelope plus an explicit path → value map
//   - Event ordering uses logical Seq numbers; timestamps are informational
//   - All JSON tags use snake_case
package ir
