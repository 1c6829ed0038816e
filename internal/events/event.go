// Package events publishes scan lifecycle notifications.
//
// Delivery is fire-and-forget: listeners are called synchronously in emit
// order, nothing waits for an acknowledgment, and an event with no listener
// is dropped. A bounded buffer of recent events lets pollers catch up by
// sequence number.
package events

import "time"

// Kind enumerates the lifecycle events.
type Kind string

const (
	KindInitialized Kind = "initialized"
	KindProgress    Kind = "progress"
	KindCompleted   Kind = "completed"
	KindCancelled   Kind = "cancelled"
	KindError       Kind = "error"
)

// Event is one notification. Only the fields relevant to Kind are set.
type Event struct {
	Sequence  uint64    `json:"seq"`
	Timestamp time.Time `json:"ts"`
	Kind      Kind      `json:"kind"`
	SessionID string    `json:"session_id,omitempty"`

	FrameIndex  int `json:"frame_index"`
	TotalFrames int `json:"total_frames,omitempty"`

	ScanID     string `json:"scan_id,omitempty"`
	FrameCount int    `json:"frame_count,omitempty"`

	ErrorKind string `json:"error_kind,omitempty"`
	Message   string `json:"message,omitempty"`
}

// Terminal reports whether e ends a session.
func (e Event) Terminal() bool {
	switch e.Kind {
	case KindCompleted, KindCancelled, KindError:
		return true
	}
	return false
}

func Initialized(sessionID string, totalFrames int) Event {
	return Event{Kind: KindInitialized, SessionID: sessionID, TotalFrames: totalFrames}
}

func Progress(sessionID string, frameIndex, totalFrames int) Event {
	return Event{Kind: KindProgress, SessionID: sessionID, FrameIndex: frameIndex, TotalFrames: totalFrames}
}

func Completed(sessionID, scanID string, frameCount int) Event {
	return Event{Kind: KindCompleted, SessionID: sessionID, ScanID: scanID, FrameCount: frameCount}
}

func Cancelled(sessionID string, framesCaptured int) Event {
	return Event{Kind: KindCancelled, SessionID: sessionID, FrameCount: framesCaptured}
}

func Failed(sessionID, kind, message string) Event {
	return Event{Kind: KindError, SessionID: sessionID, ErrorKind: kind, Message: message}
}
