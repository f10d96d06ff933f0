// Package lifecycle runs the per-participant state machine behind the
// participant/* control surface.
//
// Each participant gets one Controller. Control envelopes are processed
// strictly in arrival order by a single worker; every one is answered with a
// participant/status envelope correlated to the trigger. Restart and
// shutdown preempt an in-flight compaction or pause; clear applies
// immediately in any state; a repeated shutdown is an idempotent no-op.
package lifecycle
