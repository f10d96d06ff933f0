// ABOUTME: Well-known envelope kinds for system, control, and stream traffic.
// ABOUTME: Kinds are hierarchical strings; routing never inspects payloads.

package envelope

// System kinds emitted by the gateway itself.
const (
	KindSystemWelcome  = "system/welcome"
	KindSystemPresence = "system/presence"
	KindSystemError    = "system/error"
)

// Control kinds consumed by the participant lifecycle controller.
const (
	KindParticipantClear       = "participant/clear"
	KindParticipantRestart     = "participant/restart"
	KindParticipantCompact     = "participant/compact"
	KindParticipantCompactDone = "participant/compact-done"
	KindParticipantPause       = "participant/pause"
	KindParticipantResume      = "participant/resume"
	KindParticipantShutdown    = "participant/shutdown"
	KindParticipantStatus      = "participant/status"
)

// Stream kinds consumed by the stream lifecycle manager.
const (
	KindStreamRequest = "stream/request"
	KindStreamOpen    = "stream/open"
	KindStreamData    = "stream/data"
	KindStreamClose   = "stream/close"
)

// KindCancelled notifies a recipient that an outstanding request it was
// handling has been abandoned by the caller (timeout or explicit cancel).
const KindCancelled = "notifications/cancelled"

// Category prefixes used by the router to decide additional dispatch.
const (
	categoryControl = "participant/"
	categoryStream  = "stream/"
)

// IsControl reports whether the kind belongs to the lifecycle control surface.
func IsControl(kind string) bool {
	return len(kind) > len(categoryControl) && kind[:len(categoryControl)] == categoryControl
}

// IsStream reports whether the kind belongs to the stream surface.
func IsStream(kind string) bool {
	return len(kind) > len(categoryStream) && kind[:len(categoryStream)] == categoryStream
}
