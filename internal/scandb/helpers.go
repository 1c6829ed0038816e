package scandb

import (
	"database/sql"
	"strings"
	"time"
)

const scanColumns = "id, session_id, experiment_id, phenotyper_id, plant_id, accession_name, wave_number, plant_age_days, scanner_name, frame_count, capture_date, path, camera_settings_json, daq_settings_json, deleted, created_at"

const scanColumnCount = 16

func scanScan(scanner interface{ Scan(dest ...any) error }) (*Scan, error) {
	var (
		scan       Scan
		captureRaw string
		createdRaw string
		deleted    int
	)
	if err := scanner.Scan(
		&scan.ID,
		&scan.SessionID,
		&scan.ExperimentID,
		&scan.PhenotyperID,
		&scan.PlantID,
		&scan.AccessionName,
		&scan.WaveNumber,
		&scan.PlantAgeDays,
		&scan.ScannerName,
		&scan.FrameCount,
		&captureRaw,
		&scan.Path,
		&scan.CameraSettingsJSON,
		&scan.DAQSettingsJSON,
		&deleted,
		&createdRaw,
	); err != nil {
		return nil, err
	}
	scan.CaptureDate = parseTimeString(captureRaw)
	scan.CreatedAt = parseTimeString(createdRaw)
	scan.Deleted = deleted != 0
	return &scan, nil
}

// timeLayout is fixed width so stored timestamps order correctly as text.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTimeString(value string) time.Time {
	if value == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, value)
	if err != nil {
		return time.Time{}
	}
	return t
}

func nullableString(value string) sql.NullString {
	if strings.TrimSpace(value) == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: value, Valid: true}
}

func boolToInt(value bool) int {
	if value {
		return 1
	}
	return 0
}

func makePlaceholders(count int) string {
	if count <= 0 {
		return ""
	}
	return strings.Repeat("?, ", count-1) + "?"
}
