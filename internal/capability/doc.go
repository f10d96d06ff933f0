// Package capability decides whether a participant may send a given envelope.
//
// # Patterns
//
// A capability pattern pairs a kind matcher with an optional payload
// sub-pattern:
//
//	kind: "mcp/request:tools/*"
//	payload:
//	  method: "tools/call"
//
// Kind matching is segment-aware. Segments are separated by "/"; a segment
// is a literal, a bare "*" (any single segment), or an alternation such as
// "pause|resume". A trailing "*" matches any non-empty suffix, so "mcp/*"
// admits "mcp/request:tools/call" but never "mcpx/anything".
//
// Payload sub-patterns are partial structural matches: every key named by
// the pattern must be present and match recursively, a "*" leaf matches any
// present value, and payload keys the pattern does not mention are ignored.
//
// # Sets
//
// A participant holds an ordered Set of patterns; an envelope is admissible
// when any pattern matches. Sets compile at join time: malformed patterns
// are a configuration error there, and matching never fails afterwards.
// A Set is immutable once compiled, which keeps its kind verdict cache safe.
package capability
