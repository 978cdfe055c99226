// Package argcheck validates a row's inputs against a formula's nested factor
// schema and converts between the row's flattened cell paths and the nested
// argument objects a formula is invoked with.
//
// Paths use dots for object properties and brackets for array indices:
// "patient.weight", "doses[2].mg". Flatten and Reconstruct walk the same
// schema description so that Reconstruct(Flatten(x)) == x for valid x.
//
// Everything here is pure. Failures are logged at debug level only.
package argcheck
