package api

import (
	"time"

	"bloom/internal/events"
	"bloom/internal/scandb"
	"bloom/internal/scanner"
)

// StartScanResponse acknowledges an accepted scan.
type StartScanResponse struct {
	SessionID   string        `json:"session_id"`
	State       scanner.State `json:"state"`
	TotalFrames int           `json:"total_frames"`
}

// CancelResponse names the session asked to stop.
type CancelResponse struct {
	SessionID string `json:"session_id"`
}

// ScanListResponse is one page of scans.
type ScanListResponse struct {
	Scans  []*scandb.Scan `json:"scans"`
	Total  int            `json:"total"`
	Limit  int            `json:"limit"`
	Offset int            `json:"offset"`
}

// ScanDetailResponse is a scan with its frames in order.
type ScanDetailResponse struct {
	Scan   *scandb.Scan   `json:"scan"`
	Images []scandb.Image `json:"images"`
}

// EventsResponse carries events after a cursor. Next is the cursor for the
// following request.
type EventsResponse struct {
	Events []events.Event `json:"events"`
	Next   uint64         `json:"next"`
}

// DeviceAvailability reports one device as seen by the worker.
type DeviceAvailability struct {
	Available bool `json:"available"`
	Mock      bool `json:"mock"`
}

// HardwareStatus is the worker's view of the rig.
type HardwareStatus struct {
	WorkerVersion string             `json:"worker_version"`
	Camera        DeviceAvailability `json:"camera"`
	DAQ           DeviceAvailability `json:"daq"`
}

// DaemonStatus aggregates daemon runtime information.
type DaemonStatus struct {
	Running      bool           `json:"running"`
	PID          int            `json:"pid"`
	WorkerPID    int            `json:"worker_pid,omitempty"`
	ChannelError string         `json:"channel_error,omitempty"`
	ScannerName  string         `json:"scanner_name"`
	ScansDir     string         `json:"scans_dir"`
	DatabasePath string         `json:"database_path"`
	LockFilePath string         `json:"lock_file_path"`
	Preview      bool           `json:"preview"`
	Scanner      scanner.Status `json:"scanner"`
}

// PreviewResponse is the latest camera preview frame. Sequence counts frames
// received since the daemon started; zero means none has arrived yet.
type PreviewResponse struct {
	Streaming  bool      `json:"streaming"`
	Sequence   uint64    `json:"sequence"`
	MediaType  string    `json:"media_type,omitempty"`
	Image      []byte    `json:"image,omitempty"`
	CapturedAt time.Time `json:"captured_at,omitzero"`
}

// ErrorResponse is the body of every non-2xx reply.
type ErrorResponse struct {
	Error string `json:"error"`
	Kind  string `json:"kind,omitempty"`
	Hint  string `json:"hint,omitempty"`
}
