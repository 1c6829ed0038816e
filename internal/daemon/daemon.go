package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gofrs/flock"

	"bloom/internal/api"
	"bloom/internal/camera"
	"bloom/internal/config"
	"bloom/internal/events"
	"bloom/internal/faults"
	"bloom/internal/hwchannel"
	"bloom/internal/logging"
	"bloom/internal/metrics"
	"bloom/internal/persist"
	"bloom/internal/rotation"
	"bloom/internal/scandb"
	"bloom/internal/scanner"
)

const stopTimeout = 45 * time.Second

// Option configures a Daemon.
type Option func(*Daemon)

// WithConnector replaces the worker launcher, mainly for tests.
func WithConnector(connect Connector) Option {
	return func(d *Daemon) {
		if connect != nil {
			d.connect = connect
		}
	}
}

// WithMetrics shares a recorder with the caller.
func WithMetrics(recorder *metrics.Recorder) Option {
	return func(d *Daemon) {
		if recorder != nil {
			d.metrics = recorder
		}
	}
}

// Daemon owns one rig: the lock, the worker link, and the orchestrator.
type Daemon struct {
	cfg     *config.Config
	logger  *slog.Logger
	store   *scandb.Store
	metrics *metrics.Recorder
	bus     *events.Bus
	connect Connector

	lockPath string
	lock     *flock.Flock

	mu      sync.Mutex
	link    Link
	orch    *scanner.Orchestrator
	camera  *camera.Controller
	session *scanner.Session
	scanCtx context.Context
	api     *apiServer

	// previewMu orders preview changes against scan starts.
	previewMu sync.Mutex

	running atomic.Bool
	ctx     context.Context
	cancel  context.CancelFunc
}

// New constructs a daemon. The store stays owned by the daemon and is closed
// by Close.
func New(cfg *config.Config, store *scandb.Store, logger *slog.Logger, opts ...Option) (*Daemon, error) {
	if cfg == nil || store == nil || logger == nil {
		return nil, errors.New("daemon requires config, store, and logger")
	}

	d := &Daemon{
		cfg:      cfg,
		logger:   logging.NewComponentLogger(logger, "daemon"),
		store:    store,
		metrics:  metrics.New(),
		lockPath: cfg.LockPath(),
		lock:     flock.New(cfg.LockPath()),
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.connect == nil {
		d.connect = ProcessConnector(cfg, logger, d.metrics)
	}
	d.bus = events.NewBus(cfg.Scanner.EventBufferLength, logger)
	return d, nil
}

// Start acquires the rig lock, launches the worker, and serves the API when a
// bind address is configured. The daemon keeps ctx's values but not its
// cancellation: a signal must not reach the worker or an active scan before
// Stop has let the scan finish its current frame and release the hardware.
func (d *Daemon) Start(ctx context.Context) error {
	if d.running.Load() {
		return errors.New("daemon already running")
	}

	if err := os.MkdirAll(filepath.Dir(d.lockPath), 0o755); err != nil {
		return fmt.Errorf("create lock directory: %w", err)
	}
	ok, err := d.lock.TryLock()
	if err != nil {
		return fmt.Errorf("acquire lock: %w", err)
	}
	if !ok {
		return fmt.Errorf("%w: another bloom process holds the rig lock %s", faults.ErrBusy, d.lockPath)
	}

	d.ctx, d.cancel = context.WithCancel(context.WithoutCancel(ctx))
	link, err := d.connect(d.ctx)
	if err != nil {
		d.abortStart()
		return faults.Wrap(faults.ErrChannel, "daemon", "start worker", "", err)
	}

	ch := link.Channel()
	cam := camera.New(ch, d.logger)
	ch.SetFrameHandler(cam.HandleFrame)
	orch := d.newOrchestrator(ch, cam)
	d.mu.Lock()
	d.link = link
	d.orch = orch
	d.camera = cam
	d.scanCtx = d.ctx
	d.mu.Unlock()

	srv, err := newAPIServer(d.cfg, d, d.logger)
	if err == nil {
		err = srv.start(d.ctx)
	}
	if err != nil {
		_ = link.Close()
		d.abortStart()
		return fmt.Errorf("start api: %w", err)
	}
	d.mu.Lock()
	d.api = srv
	d.mu.Unlock()

	go d.watchChannel(d.ctx, link.Channel())

	d.running.Store(true)
	d.logger.Info("bloom daemon started",
		logging.String("lock", d.lockPath),
		logging.Int("worker_pid", link.Pid()),
		logging.String("scanner", d.cfg.Scanner.Name),
	)
	return nil
}

func (d *Daemon) abortStart() {
	d.mu.Lock()
	d.link = nil
	d.orch = nil
	d.camera = nil
	d.scanCtx = nil
	d.mu.Unlock()
	_ = d.lock.Unlock()
	d.cancel()
	d.ctx = nil
	d.cancel = nil
}

func (d *Daemon) newOrchestrator(ch *hwchannel.Channel, cam *camera.Controller) *scanner.Orchestrator {
	stage := rotation.New(ch,
		rotation.WithLogger(d.logger),
		rotation.WithRetries(d.cfg.Scanner.RotationRetries),
	)
	gate := persist.New(d.store, d.cfg.Paths.ScansDir, d.cfg.Scanner.Name, persist.WithLogger(d.logger))
	return scanner.New(stage, cam, gate, d.bus,
		scanner.WithLogger(d.logger),
		scanner.WithMetrics(d.metrics),
		scanner.WithSettleDelay(d.cfg.SettleDelay()),
	)
}

func (d *Daemon) watchChannel(ctx context.Context, ch *hwchannel.Channel) {
	select {
	case <-ch.Done():
	case <-ctx.Done():
		return
	}
	if ctx.Err() != nil {
		return
	}
	logging.ErrorWithContext(d.logger, "hardware channel lost", "channel_lost", faults.Hint(faults.KindChannel),
		logging.Error(ch.Err()),
		logging.ErrorKind(string(faults.KindChannel)),
	)
}

// Stop cancels any active scan, waits for it to release the hardware, then
// closes the worker and releases the rig lock. A scan that is still running
// after stopTimeout is cut off by closing the worker.
func (d *Daemon) Stop() {
	if !d.running.Load() {
		return
	}

	d.mu.Lock()
	orch := d.orch
	sess := d.session
	link := d.link
	srv := d.api
	d.mu.Unlock()

	if orch != nil {
		orch.Cancel()
	}
	if sess != nil {
		select {
		case <-sess.Done():
		case <-time.After(stopTimeout):
			d.logger.Warn("active scan did not finish before shutdown",
				logging.Session(sess.ID()),
				logging.String(logging.FieldEventType, "shutdown_timeout"),
			)
		}
	}
	d.stopPreviewQuietly()
	srv.stop()
	if link != nil {
		if err := link.Close(); err != nil {
			d.logger.Warn("hardware worker exited with error", logging.Error(err))
		}
	}
	if d.cancel != nil {
		d.cancel()
		d.cancel = nil
	}
	if err := d.lock.Unlock(); err != nil {
		d.logger.Warn("failed to release rig lock", logging.Error(err))
	}

	d.mu.Lock()
	d.link = nil
	d.orch = nil
	d.camera = nil
	d.scanCtx = nil
	d.api = nil
	d.mu.Unlock()
	d.ctx = nil
	d.running.Store(false)
	d.logger.Info("bloom daemon stopped")
}

// Close releases resources held by the daemon.
func (d *Daemon) Close() error {
	d.Stop()
	if d.store != nil {
		return d.store.Close()
	}
	return nil
}

// StartScan begins a session on the daemon's lifetime context. A running
// preview is stopped first so the scan owns the camera.
func (d *Daemon) StartScan(req scanner.Request) (*scanner.Session, error) {
	d.previewMu.Lock()
	defer d.previewMu.Unlock()

	d.mu.Lock()
	orch := d.orch
	link := d.link
	cam := d.camera
	ctx := d.scanCtx
	d.mu.Unlock()
	if orch == nil || !d.running.Load() {
		return nil, faults.Wrap(faults.ErrChannel, "daemon", "start scan", "hardware worker not running", nil)
	}
	if err := link.Channel().Err(); err != nil {
		return nil, faults.Wrap(faults.ErrChannel, "daemon", "start scan", "", err)
	}
	if cam.Streaming() {
		if err := req.Validate(); err != nil {
			return nil, err
		}
		if err := d.stopPreview(cam); err != nil {
			return nil, err
		}
	}

	sess, err := orch.Start(ctx, req)
	if err != nil {
		return nil, err
	}
	d.mu.Lock()
	d.session = sess
	d.mu.Unlock()
	return sess, nil
}

// CancelScan asks the active session to stop at the next frame boundary.
func (d *Daemon) CancelScan() (string, bool) {
	d.mu.Lock()
	orch := d.orch
	d.mu.Unlock()
	if orch == nil {
		return "", false
	}
	return orch.Cancel()
}

// ScanStatus reports the orchestrator state.
func (d *Daemon) ScanStatus() scanner.Status {
	d.mu.Lock()
	orch := d.orch
	d.mu.Unlock()
	if orch == nil {
		return scanner.Status{State: scanner.StateIdle, FrameIndex: -1}
	}
	return orch.Status()
}

// StartPreview connects the camera with the configured defaults and starts
// the preview stream. It is refused while a scan is running.
func (d *Daemon) StartPreview(ctx context.Context) error {
	d.previewMu.Lock()
	defer d.previewMu.Unlock()

	d.mu.Lock()
	orch := d.orch
	cam := d.camera
	d.mu.Unlock()
	if orch == nil || cam == nil {
		return faults.Wrap(faults.ErrChannel, "daemon", "start preview", "hardware worker not running", nil)
	}
	if st := orch.Status(); st.SessionID != "" {
		return fmt.Errorf("%w: preview unavailable while scan %s is running", faults.ErrBusy, st.SessionID)
	}
	if cam.Streaming() {
		return nil
	}
	if !cam.Connected() {
		if _, err := cam.Connect(ctx, DefaultSettings(d.cfg).Camera); err != nil {
			return err
		}
	}
	return cam.StartStream(ctx)
}

// StopPreview ends the preview stream and releases the camera. It is a no-op
// when no preview is running.
func (d *Daemon) StopPreview() error {
	d.previewMu.Lock()
	defer d.previewMu.Unlock()

	d.mu.Lock()
	cam := d.camera
	d.mu.Unlock()
	if cam == nil {
		return nil
	}
	return d.stopPreview(cam)
}

func (d *Daemon) stopPreview(cam *camera.Controller) error {
	if !cam.Streaming() {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), hardwareTimeout)
	defer cancel()
	if err := cam.StopStream(ctx); err != nil {
		return err
	}
	return cam.Disconnect(ctx)
}

func (d *Daemon) stopPreviewQuietly() {
	if err := d.StopPreview(); err != nil {
		d.logger.Warn("failed to stop camera preview", logging.Error(err))
	}
}

// Preview returns the latest preview frame and the number received so far.
func (d *Daemon) Preview() (camera.Frame, uint64, bool) {
	d.mu.Lock()
	cam := d.camera
	d.mu.Unlock()
	if cam == nil {
		return camera.Frame{}, 0, false
	}
	frame, seq := cam.Preview()
	return frame, seq, cam.Streaming()
}

// Hardware asks the worker for its version and device availability.
func (d *Daemon) Hardware(ctx context.Context) (api.HardwareStatus, error) {
	d.mu.Lock()
	link := d.link
	d.mu.Unlock()
	if link == nil {
		return api.HardwareStatus{}, faults.Wrap(faults.ErrChannel, "daemon", "hardware status", "hardware worker not running", nil)
	}
	ch := link.Channel()

	var version struct {
		Version string `json:"version"`
	}
	if err := ch.Send(ctx, hwchannel.CmdVersion, nil, &version); err != nil {
		return api.HardwareStatus{}, err
	}
	var devices struct {
		Camera api.DeviceAvailability `json:"camera"`
		DAQ    api.DeviceAvailability `json:"daq"`
	}
	if err := ch.Send(ctx, hwchannel.CmdCheckHardware, nil, &devices); err != nil {
		return api.HardwareStatus{}, err
	}
	return api.HardwareStatus{
		WorkerVersion: version.Version,
		Camera:        devices.Camera,
		DAQ:           devices.DAQ,
	}, nil
}

// Events exposes the lifecycle event bus.
func (d *Daemon) Events() *events.Bus {
	return d.bus
}

// Store exposes the scan store.
func (d *Daemon) Store() *scandb.Store {
	return d.store
}

// APIAddr reports the address the HTTP API listens on, empty when disabled.
func (d *Daemon) APIAddr() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.api.addr()
}

// Metrics exposes the recorder served at /metrics.
func (d *Daemon) Metrics() *metrics.Recorder {
	return d.metrics
}

// Status returns the current daemon status.
func (d *Daemon) Status() api.DaemonStatus {
	status := api.DaemonStatus{
		Running:      d.running.Load(),
		PID:          os.Getpid(),
		ScannerName:  d.cfg.Scanner.Name,
		ScansDir:     d.cfg.Paths.ScansDir,
		DatabasePath: d.store.Path(),
		LockFilePath: d.lockPath,
		Scanner:      d.ScanStatus(),
	}
	d.mu.Lock()
	link := d.link
	cam := d.camera
	d.mu.Unlock()
	if cam != nil {
		status.Preview = cam.Streaming()
	}
	if link != nil {
		status.WorkerPID = link.Pid()
		if err := link.Channel().Err(); err != nil {
			status.ChannelError = err.Error()
		}
	}
	return status
}

// DefaultSettings builds scan settings from the configured camera and DAQ
// defaults.
func DefaultSettings(cfg *config.Config) scanner.Settings {
	return scanner.Settings{
		Camera: camera.Settings{
			Address:      cfg.Camera.Address,
			ExposureTime: cfg.Camera.ExposureTime,
			Gain:         cfg.Camera.Gain,
			Gamma:        cfg.Camera.Gamma,
			Brightness:   cfg.Camera.Brightness,
			Contrast:     cfg.Camera.Contrast,
			Width:        cfg.Camera.Width,
			Height:       cfg.Camera.Height,
		},
		Rotation: rotation.Settings{
			DeviceName:         cfg.DAQ.DeviceName,
			SamplingRate:       cfg.DAQ.SamplingRate,
			StepPin:            cfg.DAQ.StepPin,
			DirPin:             cfg.DAQ.DirPin,
			StepsPerRevolution: cfg.DAQ.StepsPerRevolution,
			NumFrames:          cfg.DAQ.NumFrames,
			SecondsPerRotation: cfg.DAQ.SecondsPerRotation,
		},
	}
}
