package testsupport

import (
	"context"
	"testing"
	"time"

	"bloom/internal/config"
	"bloom/internal/scandb"
)

// MustOpenStore opens a scandb.Store for tests and registers cleanup.
func MustOpenStore(t testing.TB, cfg *config.Config) *scandb.Store {
	t.Helper()

	store, err := scandb.Open(cfg)
	if err != nil {
		t.Fatalf("scandb.Open: %v", err)
	}
	t.Cleanup(func() {
		store.Close()
	})
	return store
}

// SeedScan records a scan with frames images for tests.
func SeedScan(t testing.TB, store *scandb.Store, experiment, plant string, captured time.Time, frames int) *scandb.Scan {
	t.Helper()

	scan := &scandb.Scan{
		SessionID:          "seed-" + plant,
		ExperimentID:       experiment,
		PhenotyperID:       "tester",
		PlantID:            plant,
		AccessionName:      "Col-0",
		WaveNumber:         1,
		PlantAgeDays:       14,
		ScannerName:        "test-rig",
		CaptureDate:        captured,
		Path:               "/scans/" + plant,
		CameraSettingsJSON: "{}",
		DAQSettingsJSON:    "{}",
	}
	images := make([]scandb.Image, 0, frames)
	for i := 1; i <= frames; i++ {
		images = append(images, scandb.Image{
			FrameNumber: i,
			Path:        "/scans/" + plant + "/frame.png",
			CapturedAt:  captured,
		})
	}
	if _, err := store.CreateScanWithImages(context.Background(), scan, images); err != nil {
		t.Fatalf("store.CreateScanWithImages: %v", err)
	}
	return scan
}
