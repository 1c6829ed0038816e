package scandb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"bloom/internal/config"
)

var (
	// ErrDuplicate is returned when a scan for the same plant and experiment
	// was already recorded at the same capture instant.
	ErrDuplicate = errors.New("duplicate scan")
	// ErrNotFound is returned for unknown or already deleted scan ids.
	ErrNotFound = errors.New("scan not found")
)

// Store manages scan persistence backed by SQLite.
type Store struct {
	db   *sql.DB
	path string
}

const (
	sqliteBusyCode             = 5
	sqliteConstraintUniqueCode = 2067
	busyRetryAttempts          = 5
	busyRetryInitialBackoff    = 10 * time.Millisecond
	busyRetryMaxBackoff        = 200 * time.Millisecond
	defaultListLimit           = 50
	maxListLimit               = 500
)

func ensureContext(ctx context.Context) context.Context {
	if ctx != nil {
		return ctx
	}
	return context.Background()
}

func isSQLiteBusy(err error) bool {
	if err == nil {
		return false
	}
	var coder interface{ Code() int }
	if errors.As(err, &coder) && coder.Code() == sqliteBusyCode {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") || strings.Contains(msg, "database is locked")
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	var coder interface{ Code() int }
	if errors.As(err, &coder) && coder.Code() == sqliteConstraintUniqueCode {
		return true
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func isDuplicateScan(err error) bool {
	return isUniqueViolation(err) && strings.Contains(err.Error(), "scans.plant_id")
}

func retryOnBusy(ctx context.Context, op func() error) error {
	delay := busyRetryInitialBackoff
	var lastErr error
	for attempt := 0; attempt < busyRetryAttempts; attempt++ {
		lastErr = op()
		if lastErr == nil {
			return nil
		}
		if !isSQLiteBusy(lastErr) || attempt == busyRetryAttempts-1 {
			break
		}
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
		if next := delay * 2; next <= busyRetryMaxBackoff {
			delay = next
		}
	}
	return lastErr
}

// Open initializes or connects to the scan database.
func Open(cfg *config.Config) (*Store, error) {
	if err := cfg.EnsureDirectories(); err != nil {
		return nil, fmt.Errorf("ensure directories: %w", err)
	}

	dbPath := cfg.Paths.Database
	// Pragmas ride on the DSN so every pooled connection gets them.
	dsn := "file:" + dbPath + "?_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}

	store := &Store{db: db, path: dbPath}
	if err := store.initSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Path returns the database file location.
func (s *Store) Path() string {
	return s.path
}

// Ping verifies the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ensureContext(ctx))
}

// CreateScanWithImages inserts scan and every image in one transaction. Either
// all rows are written or none are. The generated scan id is returned.
func (s *Store) CreateScanWithImages(ctx context.Context, scan *Scan, images []Image) (string, error) {
	ctx = ensureContext(ctx)
	if scan == nil {
		return "", errors.New("scan required")
	}
	if scan.ID == "" {
		scan.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	if scan.CreatedAt.IsZero() {
		scan.CreatedAt = now
	}
	scan.FrameCount = len(images)

	err := retryOnBusy(ctx, func() error {
		return s.insertScan(ctx, scan, images)
	})
	if err != nil {
		if isDuplicateScan(err) {
			return "", fmt.Errorf("%w: plant %s in experiment %s at %s", ErrDuplicate, scan.PlantID, scan.ExperimentID, formatTime(scan.CaptureDate))
		}
		return "", err
	}
	return scan.ID, nil
}

func (s *Store) insertScan(ctx context.Context, scan *Scan, images []Image) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin scan tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `INSERT INTO scans (`+scanColumns+`)
VALUES (`+makePlaceholders(scanColumnCount)+`)`,
		scan.ID,
		scan.SessionID,
		scan.ExperimentID,
		scan.PhenotyperID,
		scan.PlantID,
		scan.AccessionName,
		scan.WaveNumber,
		scan.PlantAgeDays,
		scan.ScannerName,
		scan.FrameCount,
		formatTime(scan.CaptureDate),
		scan.Path,
		scan.CameraSettingsJSON,
		scan.DAQSettingsJSON,
		boolToInt(scan.Deleted),
		formatTime(scan.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("insert scan: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO images (scan_id, frame_number, path, status, captured_at, position_degrees, settings_json)
VALUES (?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare image insert: %w", err)
	}
	defer stmt.Close()

	for _, img := range images {
		status := img.Status
		if status == "" {
			status = ImageStatusCaptured
		}
		if _, err := stmt.ExecContext(ctx,
			scan.ID,
			img.FrameNumber,
			img.Path,
			status,
			formatTime(img.CapturedAt),
			img.PositionDegrees,
			nullableString(img.SettingsJSON),
		); err != nil {
			return fmt.Errorf("insert image %d: %w", img.FrameNumber, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit scan: %w", err)
	}
	return nil
}

// GetScan returns the scan with id, or nil when it does not exist. Deleted
// scans are returned with Deleted set.
func (s *Store) GetScan(ctx context.Context, id string) (*Scan, error) {
	ctx = ensureContext(ctx)
	row := s.db.QueryRowContext(ctx, `SELECT `+scanColumns+` FROM scans WHERE id = ?`, id)
	scan, err := scanScan(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get scan: %w", err)
	}
	return scan, nil
}

// ListScans returns scans matching filter, newest capture first.
func (s *Store) ListScans(ctx context.Context, filter Filter) (Page, error) {
	ctx = ensureContext(ctx)
	where, args := buildWhere(filter)

	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM scans`+where, args...).Scan(&total); err != nil {
		return Page{}, fmt.Errorf("count scans: %w", err)
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}
	offset := filter.Offset
	if offset < 0 {
		offset = 0
	}

	query := `SELECT ` + scanColumns + ` FROM scans` + where + ` ORDER BY capture_date DESC, id LIMIT ? OFFSET ?`
	rows, err := s.db.QueryContext(ctx, query, append(args, limit, offset)...)
	if err != nil {
		return Page{}, fmt.Errorf("list scans: %w", err)
	}
	defer rows.Close()

	page := Page{Total: total}
	for rows.Next() {
		scan, err := scanScan(rows)
		if err != nil {
			return Page{}, fmt.Errorf("read scan row: %w", err)
		}
		page.Scans = append(page.Scans, scan)
	}
	if err := rows.Err(); err != nil {
		return Page{}, fmt.Errorf("iterate scans: %w", err)
	}
	return page, nil
}

// ScanImages returns the images of a scan ordered by frame number.
func (s *Store) ScanImages(ctx context.Context, scanID string) ([]Image, error) {
	ctx = ensureContext(ctx)
	rows, err := s.db.QueryContext(ctx, `SELECT id, scan_id, frame_number, path, status, captured_at, position_degrees, settings_json
FROM images WHERE scan_id = ? ORDER BY frame_number`, scanID)
	if err != nil {
		return nil, fmt.Errorf("list images: %w", err)
	}
	defer rows.Close()

	var images []Image
	for rows.Next() {
		var (
			img         Image
			capturedRaw string
			settings    sql.NullString
		)
		if err := rows.Scan(&img.ID, &img.ScanID, &img.FrameNumber, &img.Path, &img.Status, &capturedRaw, &img.PositionDegrees, &settings); err != nil {
			return nil, fmt.Errorf("read image row: %w", err)
		}
		img.CapturedAt = parseTimeString(capturedRaw)
		img.SettingsJSON = settings.String
		images = append(images, img)
	}
	return images, rows.Err()
}

// SoftDeleteScan hides a scan from default listings. Rows are kept.
func (s *Store) SoftDeleteScan(ctx context.Context, id string) error {
	ctx = ensureContext(ctx)
	var res sql.Result
	err := retryOnBusy(ctx, func() error {
		var execErr error
		res, execErr = s.db.ExecContext(ctx, `UPDATE scans SET deleted = 1 WHERE id = ? AND deleted = 0`, id)
		return execErr
	})
	if err != nil {
		return fmt.Errorf("delete scan: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete scan: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return nil
}

func buildWhere(filter Filter) (string, []any) {
	var (
		clauses []string
		args    []any
	)
	if !filter.IncludeDeleted {
		clauses = append(clauses, "deleted = 0")
	}
	if v := strings.TrimSpace(filter.ExperimentID); v != "" {
		clauses = append(clauses, "experiment_id = ?")
		args = append(args, v)
	}
	if v := strings.TrimSpace(filter.PhenotyperID); v != "" {
		clauses = append(clauses, "phenotyper_id = ?")
		args = append(args, v)
	}
	if v := strings.TrimSpace(filter.PlantID); v != "" {
		clauses = append(clauses, "plant_id = ?")
		args = append(args, v)
	}
	if filter.WaveNumber != nil {
		clauses = append(clauses, "wave_number = ?")
		args = append(args, *filter.WaveNumber)
	}
	if !filter.From.IsZero() {
		clauses = append(clauses, "capture_date >= ?")
		args = append(args, formatTime(filter.From))
	}
	if !filter.To.IsZero() {
		clauses = append(clauses, "capture_date < ?")
		args = append(args, formatTime(filter.To))
	}
	if len(clauses) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}
