package scanner

import (
	"sync"
	"time"

	"bloom/internal/camera"
	"bloom/internal/faults"
)

// State is a session's position in the capture lifecycle.
type State string

const (
	StateIdle         State = "idle"
	StateInitializing State = "initializing"
	StateCapturing    State = "capturing"
	StateFinalizing   State = "finalizing"
	StateCompleted    State = "completed"
	StateFailed       State = "failed"
	StateCancelled    State = "cancelled"
)

// Terminal reports whether no further transitions are possible.
func (s State) Terminal() bool {
	switch s {
	case StateCompleted, StateFailed, StateCancelled:
		return true
	}
	return false
}

// FrameRecord is one captured frame held in memory until commit.
type FrameRecord struct {
	Index      int
	Image      []byte
	MediaType  string
	Width      int
	Height     int
	Position   float64
	Settings   camera.Settings
	CapturedAt time.Time
}

// Outcome is the terminal result of a session.
type Outcome struct {
	SessionID  string      `json:"session_id"`
	State      State       `json:"state"`
	ScanID     string      `json:"scan_id,omitempty"`
	FrameCount int         `json:"frame_count"`
	ErrorKind  faults.Kind `json:"error_kind,omitempty"`
	Error      string      `json:"error,omitempty"`
	StartedAt  time.Time   `json:"started_at"`
	FinishedAt time.Time   `json:"finished_at"`

	err error
}

// Err returns the error that ended the session, nil when completed.
func (o Outcome) Err() error {
	return o.err
}

// Session is one start-to-terminal acquisition run. Only the Orchestrator
// mutates it; everything else reads through the accessors.
type Session struct {
	id        string
	request   Request
	total     int
	startedAt time.Time

	mu        sync.RWMutex
	state     State
	frames    []FrameRecord
	position  float64
	cancelled bool
	outcome   Outcome

	done chan struct{}
}

func newSession(id string, req Request, now time.Time) *Session {
	return &Session{
		id:        id,
		request:   req,
		total:     req.Settings.Rotation.NumFrames,
		startedAt: now,
		state:     StateIdle,
		frames:    make([]FrameRecord, 0, req.Settings.Rotation.NumFrames),
		done:      make(chan struct{}),
	}
}

// ID returns the opaque session identifier.
func (s *Session) ID() string { return s.id }

// Request returns the metadata and settings the session was started with.
func (s *Session) Request() Request { return s.request }

// TotalFrames is the number of frames in a full revolution.
func (s *Session) TotalFrames() int { return s.total }

// StartedAt is the capture date recorded for the scan.
func (s *Session) StartedAt() time.Time { return s.startedAt }

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Frames returns a copy of the frames captured so far.
func (s *Session) Frames() []FrameRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]FrameRecord, len(s.frames))
	copy(out, s.frames)
	return out
}

// Done is closed once the session reaches a terminal state and hardware has
// been released.
func (s *Session) Done() <-chan struct{} { return s.done }

// Outcome returns the terminal result. It is only meaningful after Done.
func (s *Session) Outcome() Outcome {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.outcome
}

func (s *Session) setState(state State) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
}

func (s *Session) setPosition(position float64) {
	s.mu.Lock()
	s.position = position
	s.mu.Unlock()
}

// appendFrame enforces contiguous indices.
func (s *Session) appendFrame(frame FrameRecord) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if frame.Index != len(s.frames) {
		return false
	}
	s.frames = append(s.frames, frame)
	s.position = frame.Position
	return true
}

func (s *Session) discardFrames() {
	s.mu.Lock()
	s.frames = nil
	s.mu.Unlock()
}

func (s *Session) requestCancel() {
	s.mu.Lock()
	s.cancelled = true
	s.mu.Unlock()
}

func (s *Session) cancelRequested() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cancelled
}

func (s *Session) finish(out Outcome) {
	s.mu.Lock()
	s.state = out.State
	s.outcome = out
	s.mu.Unlock()
	close(s.done)
}

func (s *Session) snapshot() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	frameIndex := len(s.frames) - 1
	if s.state == StateCapturing {
		frameIndex = len(s.frames)
	}
	return Status{
		State:          s.state,
		SessionID:      s.id,
		FrameIndex:     frameIndex,
		FramesCaptured: len(s.frames),
		TotalFrames:    s.total,
		Position:       s.position,
		StartedAt:      s.startedAt,
	}
}

// Status is a point-in-time view of the orchestrator.
type Status struct {
	State          State     `json:"state"`
	SessionID      string    `json:"session_id,omitempty"`
	FrameIndex     int       `json:"frame_index"`
	FramesCaptured int       `json:"frames_captured"`
	TotalFrames    int       `json:"total_frames"`
	Position       float64   `json:"position"`
	StartedAt      time.Time `json:"started_at,omitempty"`
	Last           *Outcome  `json:"last,omitempty"`
}
