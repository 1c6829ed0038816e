package scandb

import "time"

// Image status values.
const (
	ImageStatusCaptured = "captured"
)

// Scan is one persisted capture session.
type Scan struct {
	ID                 string    `json:"id"`
	SessionID          string    `json:"session_id"`
	ExperimentID       string    `json:"experiment_id"`
	PhenotyperID       string    `json:"phenotyper_id"`
	PlantID            string    `json:"plant_id"`
	AccessionName      string    `json:"accession_name"`
	WaveNumber         int       `json:"wave_number"`
	PlantAgeDays       int       `json:"plant_age_days"`
	ScannerName        string    `json:"scanner_name"`
	FrameCount         int       `json:"frame_count"`
	CaptureDate        time.Time `json:"capture_date"`
	Path               string    `json:"path"`
	CameraSettingsJSON string    `json:"camera_settings"`
	DAQSettingsJSON    string    `json:"daq_settings"`
	Deleted            bool      `json:"deleted"`
	CreatedAt          time.Time `json:"created_at"`
}

// Image is one frame of a scan. FrameNumber is 1-based.
type Image struct {
	ID              int64     `json:"id"`
	ScanID          string    `json:"scan_id"`
	FrameNumber     int       `json:"frame_number"`
	Path            string    `json:"path"`
	Status          string    `json:"status"`
	CapturedAt      time.Time `json:"captured_at"`
	PositionDegrees float64   `json:"position_degrees"`
	SettingsJSON    string    `json:"settings,omitempty"`
}

// Filter narrows ListScans. Zero values match everything.
type Filter struct {
	ExperimentID   string
	PhenotyperID   string
	PlantID        string
	WaveNumber     *int
	From           time.Time
	To             time.Time
	IncludeDeleted bool
	Limit          int
	Offset         int
}

// Page is one slice of a ListScans result plus the unpaged total.
type Page struct {
	Scans []*Scan `json:"scans"`
	Total int     `json:"total"`
}
