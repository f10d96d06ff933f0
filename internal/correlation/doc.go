// Package correlation maps outstanding request ids to pending continuations
// with timeout, cancellation, and at-most-once resolution semantics.
package correlation
