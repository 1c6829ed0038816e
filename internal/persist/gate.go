// Package persist turns a finished scan session into a stored scan.
//
// The Gate writes every frame into a staging directory, moves the directory
// into the scans tree, and then records the scan and all image rows in one
// database transaction. If the database refuses, the image directory is
// removed again so disk and database never disagree.
package persist

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"bloom/internal/faults"
	"bloom/internal/fileutil"
	"bloom/internal/logging"
	"bloom/internal/scandb"
	"bloom/internal/scanner"
	"bloom/internal/textutil"
)

// ErrDuplicate marks a scan already recorded for the same plant, experiment
// and capture instant.
var ErrDuplicate = scandb.ErrDuplicate

const stagingDirName = ".staging"

// Store is the atomic create the gate relies on.
type Store interface {
	CreateScanWithImages(ctx context.Context, scan *scandb.Scan, images []scandb.Image) (string, error)
}

// Option configures a Gate.
type Option func(*Gate)

// WithLogger sets the gate logger.
func WithLogger(logger *slog.Logger) Option {
	return func(g *Gate) {
		if logger != nil {
			g.logger = logger
		}
	}
}

// Gate commits sessions to the scans directory and the scan store.
type Gate struct {
	store       Store
	scansDir    string
	scannerName string
	logger      *slog.Logger
}

// New constructs a Gate writing below scansDir.
func New(store Store, scansDir, scannerName string, opts ...Option) *Gate {
	g := &Gate{
		store:       store,
		scansDir:    scansDir,
		scannerName: scannerName,
		logger:      logging.NewNop(),
	}
	for _, opt := range opts {
		opt(g)
	}
	g.logger = logging.NewComponentLogger(g.logger, "persist")
	return g
}

// FrameFileName is the on-disk name for a frame: the persisted 1-based index,
// zero padded.
func FrameFileName(frameIndex int, mediaType string) string {
	return fmt.Sprintf("%03d%s", frameIndex+1, extensionFor(mediaType))
}

// ScanDir is the final directory for a session's images.
func (g *Gate) ScanDir(sess *scanner.Session) string {
	meta := sess.Request().Metadata
	return filepath.Join(
		g.scansDir,
		sess.StartedAt().UTC().Format("2006-01-02"),
		textutil.PathSegment(meta.PlantID),
		sess.ID(),
	)
}

// Commit stores every frame of sess or nothing. It returns the new scan id.
func (g *Gate) Commit(ctx context.Context, sess *scanner.Session) (string, error) {
	req := sess.Request()
	if err := req.Metadata.Validate(); err != nil {
		return "", err
	}
	frames := sess.Frames()
	if err := checkFrames(frames, sess.TotalFrames()); err != nil {
		return "", err
	}

	logger := logging.WithContext(logging.WithSessionID(ctx, sess.ID()), g.logger)
	staging := filepath.Join(g.scansDir, stagingDirName, sess.ID())
	final := g.ScanDir(sess)

	if err := writeFrames(staging, frames); err != nil {
		_ = os.RemoveAll(staging)
		return "", faults.Wrap(faults.ErrPersistence, "persist", "write frames", "", err)
	}
	if err := fileutil.MoveDir(staging, final); err != nil {
		_ = os.RemoveAll(staging)
		return "", faults.Wrap(faults.ErrPersistence, "persist", "move frames", "", err)
	}

	scan, images, err := g.records(sess, frames, final)
	if err != nil {
		_ = os.RemoveAll(final)
		return "", faults.Wrap(faults.ErrPersistence, "persist", "encode settings", "", err)
	}

	scanID, err := g.store.CreateScanWithImages(ctx, scan, images)
	if err != nil {
		if rmErr := os.RemoveAll(final); rmErr != nil {
			logger.Warn("failed to remove images after rejected commit",
				logging.String("path", final),
				logging.Error(rmErr),
			)
		}
		if errors.Is(err, scandb.ErrDuplicate) {
			return "", faults.Wrap(faults.ErrPersistence, "persist", "create scan", "duplicate scan rejected", err)
		}
		return "", faults.Wrap(faults.ErrPersistence, "persist", "create scan", "", err)
	}

	logger.Info("scan committed",
		logging.String(logging.FieldEventType, "scan_committed"),
		logging.String("scan_id", scanID),
		logging.Int("frame_count", len(images)),
		logging.String("path", final),
	)
	return scanID, nil
}

func checkFrames(frames []scanner.FrameRecord, total int) error {
	if total <= 0 || len(frames) != total {
		return fmt.Errorf("%w: incomplete session: %d of %d frames", faults.ErrValidation, len(frames), total)
	}
	for i, frame := range frames {
		if frame.Index != i {
			return fmt.Errorf("%w: frame %d recorded at index %d", faults.ErrValidation, i, frame.Index)
		}
		if len(frame.Image) == 0 {
			return fmt.Errorf("%w: frame %d has no image data", faults.ErrValidation, i)
		}
	}
	return nil
}

func writeFrames(dir string, frames []scanner.FrameRecord) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	for _, frame := range frames {
		path := filepath.Join(dir, FrameFileName(frame.Index, frame.MediaType))
		if err := fileutil.WriteFileSynced(path, frame.Image, 0o644); err != nil {
			return fmt.Errorf("frame %d: %w", frame.Index, err)
		}
	}
	return fileutil.SyncDir(dir)
}

func (g *Gate) records(sess *scanner.Session, frames []scanner.FrameRecord, dir string) (*scandb.Scan, []scandb.Image, error) {
	req := sess.Request()
	cameraJSON, err := json.Marshal(req.Settings.Camera)
	if err != nil {
		return nil, nil, err
	}
	daqJSON, err := json.Marshal(req.Settings.Rotation)
	if err != nil {
		return nil, nil, err
	}

	meta := req.Metadata
	scan := &scandb.Scan{
		SessionID:          sess.ID(),
		ExperimentID:       meta.ExperimentID,
		PhenotyperID:       meta.PhenotyperID,
		PlantID:            meta.PlantID,
		AccessionName:      meta.AccessionName,
		WaveNumber:         meta.WaveNumber,
		PlantAgeDays:       meta.PlantAgeDays,
		ScannerName:        g.scannerName,
		CaptureDate:        sess.StartedAt(),
		Path:               dir,
		CameraSettingsJSON: string(cameraJSON),
		DAQSettingsJSON:    string(daqJSON),
	}

	images := make([]scandb.Image, 0, len(frames))
	for _, frame := range frames {
		settings, err := json.Marshal(frame.Settings)
		if err != nil {
			return nil, nil, err
		}
		capturedAt := frame.CapturedAt
		if capturedAt.IsZero() {
			capturedAt = time.Now().UTC()
		}
		images = append(images, scandb.Image{
			FrameNumber:     frame.Index + 1,
			Path:            filepath.Join(dir, FrameFileName(frame.Index, frame.MediaType)),
			Status:          scandb.ImageStatusCaptured,
			CapturedAt:      capturedAt,
			PositionDegrees: frame.Position,
			SettingsJSON:    string(settings),
		})
	}
	return scan, images, nil
}

func extensionFor(mediaType string) string {
	switch mediaType {
	case "image/jpeg":
		return ".jpg"
	case "image/tiff":
		return ".tiff"
	default:
		return ".png"
	}
}
