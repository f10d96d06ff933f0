// Package history provides the gateway's bounded in-memory envelope buffer,
// with participant-scoped wipe and compaction used by lifecycle control.
package history
