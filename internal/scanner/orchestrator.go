package scanner

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"

	"bloom/internal/camera"
	"bloom/internal/events"
	"bloom/internal/faults"
	"bloom/internal/logging"
	"bloom/internal/metrics"
	"bloom/internal/rotation"
)

// RotationStage is the turntable surface driven during a scan.
type RotationStage interface {
	Initialize(ctx context.Context, settings rotation.Settings) (rotation.Status, error)
	RotateBy(ctx context.Context, degrees float64) (float64, error)
	Home(ctx context.Context) error
	Cleanup(ctx context.Context) error
	Position() float64
}

// Camera is the imaging surface driven during a scan.
type Camera interface {
	Connect(ctx context.Context, settings camera.Settings) (camera.Status, error)
	Capture(ctx context.Context, override *camera.Partial) (camera.Frame, error)
	Disconnect(ctx context.Context) error
}

// Persister commits a finished session's frames in one atomic operation.
type Persister interface {
	Commit(ctx context.Context, session *Session) (string, error)
}

// Emitter receives lifecycle events. Delivery is fire-and-forget.
type Emitter interface {
	Emit(evt events.Event)
}

const (
	defaultSettleDelay    = 50 * time.Millisecond
	defaultCleanupTimeout = 30 * time.Second
)

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithLogger sets the base logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *Orchestrator) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithMetrics records scan outcomes and frame counts.
func WithMetrics(recorder *metrics.Recorder) Option {
	return func(o *Orchestrator) {
		o.metrics = recorder
	}
}

// WithSettleDelay sets the pause between rotation and capture.
func WithSettleDelay(d time.Duration) Option {
	return func(o *Orchestrator) {
		if d >= 0 {
			o.settle = d
		}
	}
}

// WithCleanupTimeout bounds the release of hardware after a session ends.
func WithCleanupTimeout(d time.Duration) Option {
	return func(o *Orchestrator) {
		if d > 0 {
			o.cleanupTimeout = d
		}
	}
}

// Orchestrator sequences one scan session at a time over a rotation stage and
// a camera.
type Orchestrator struct {
	rotation  RotationStage
	camera    Camera
	persister Persister
	emitter   Emitter

	logger         *slog.Logger
	metrics        *metrics.Recorder
	settle         time.Duration
	cleanupTimeout time.Duration
	now            func() time.Time

	mu     sync.Mutex
	active *Session
	last   *Outcome
}

// New constructs an orchestrator. emitter may be nil, in which case events
// are dropped.
func New(stage RotationStage, cam Camera, persister Persister, emitter Emitter, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		rotation:       stage,
		camera:         cam,
		persister:      persister,
		emitter:        emitter,
		logger:         logging.NewNop(),
		settle:         defaultSettleDelay,
		cleanupTimeout: defaultCleanupTimeout,
		now:            time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	o.logger = logging.NewComponentLogger(o.logger, "scanner")
	return o
}

// Start validates req and runs the session in the background. Cancelling ctx
// has the same effect as Cancel: the session stops at the next frame
// boundary. Commands already sent to the hardware and the final commit always
// run to completion or to their own timeout.
func (o *Orchestrator) Start(ctx context.Context, req Request) (*Session, error) {
	sess, err := o.begin(req)
	if err != nil {
		return nil, err
	}
	go o.execute(ctx, sess)
	return sess, nil
}

// Run validates req and runs the session to completion.
func (o *Orchestrator) Run(ctx context.Context, req Request) (Outcome, error) {
	sess, err := o.begin(req)
	if err != nil {
		return Outcome{}, err
	}
	out := o.execute(ctx, sess)
	return out, out.Err()
}

// Cancel asks the active session to stop at the next frame boundary. It
// returns the session id and false when nothing is running.
func (o *Orchestrator) Cancel() (string, bool) {
	o.mu.Lock()
	sess := o.active
	o.mu.Unlock()
	if sess == nil {
		return "", false
	}
	sess.requestCancel()
	o.logger.Info("scan cancellation requested", logging.Session(sess.ID()))
	return sess.ID(), true
}

// Status reports the active session, or idle with the last outcome.
func (o *Orchestrator) Status() Status {
	o.mu.Lock()
	sess := o.active
	var last *Outcome
	if o.last != nil {
		copy := *o.last
		last = &copy
	}
	o.mu.Unlock()

	if sess == nil {
		return Status{State: StateIdle, FrameIndex: -1, Last: last}
	}
	status := sess.snapshot()
	status.Last = last
	return status
}

func (o *Orchestrator) begin(req Request) (*Session, error) {
	req.Metadata = req.Metadata.Trimmed()
	if err := req.Validate(); err != nil {
		o.logger.Warn("scan request rejected",
			logging.String(logging.FieldEventType, "scan_rejected"),
			logging.ErrorKind(string(faults.KindValidation)),
			logging.Error(err),
		)
		return nil, err
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	if o.active != nil {
		return nil, fmt.Errorf("%w: session %s is %s", faults.ErrBusy, o.active.ID(), o.active.State())
	}
	sess := newSession(uuid.NewString(), req, o.now().UTC())
	o.active = sess
	return sess, nil
}

func (o *Orchestrator) execute(ctx context.Context, sess *Session) Outcome {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx = logging.WithSessionID(ctx, sess.ID())
	logger := logging.WithContext(ctx, o.logger)
	meta := sess.Request().Metadata
	logger.Info("scan started",
		logging.String(logging.FieldEventType, "scan_started"),
		logging.String("experiment_id", meta.ExperimentID),
		logging.String("plant_id", meta.PlantID),
		logging.Int("total_frames", sess.TotalFrames()),
	)
	o.metrics.ScanStarted()

	out := o.acquire(ctx, sess, logger)
	o.release(ctx, logger)
	sess.discardFrames()
	out.FinishedAt = o.now().UTC()

	o.mu.Lock()
	o.active = nil
	last := out
	o.last = &last
	o.mu.Unlock()

	o.metrics.ScanFinished(string(out.State), out.FinishedAt.Sub(out.StartedAt))
	o.emit(terminalEvent(out))
	o.logOutcome(logger, out)
	sess.finish(out)
	return out
}

// acquire runs initialization, the frame loop and the commit. It never
// releases hardware; execute does that once for every path. ctx is consulted
// only between frames; every command runs on cmdCtx.
func (o *Orchestrator) acquire(ctx context.Context, sess *Session, logger *slog.Logger) (out Outcome) {
	cmdCtx := context.WithoutCancel(ctx)
	out = Outcome{SessionID: sess.ID(), StartedAt: sess.StartedAt()}
	defer func() {
		if r := recover(); r != nil {
			logger.Error("scan aborted by panic",
				logging.Any("panic", r),
				logging.String("stack", string(debug.Stack())),
			)
			out = o.conclude(sess, out, fmt.Errorf("%w: scan aborted: %v", faults.ErrHardware, r))
		}
	}()

	req := sess.Request()
	total := sess.TotalFrames()

	sess.setState(StateInitializing)
	if _, err := o.camera.Connect(cmdCtx, req.Settings.Camera); err != nil {
		return o.conclude(sess, out, fmt.Errorf("initialize camera: %w", err))
	}
	if _, err := o.rotation.Initialize(cmdCtx, req.Settings.Rotation); err != nil {
		return o.conclude(sess, out, fmt.Errorf("initialize rotation stage: %w", err))
	}
	if err := o.rotation.Home(cmdCtx); err != nil {
		return o.conclude(sess, out, fmt.Errorf("home rotation stage: %w", err))
	}
	sess.setPosition(o.rotation.Position())
	o.emit(events.Initialized(sess.ID(), total))

	degreesPerFrame := 360.0 / float64(total)
	sess.setState(StateCapturing)
	for i := 0; i < total; i++ {
		if ctx.Err() != nil || sess.cancelRequested() {
			o.homeQuietly(ctx, logger)
			out.FrameCount = i
			return o.conclude(sess, out, faults.ErrCancelled)
		}
		frameCtx := logging.WithFrameIndex(cmdCtx, i)
		if err := o.captureFrame(frameCtx, sess, i, degreesPerFrame); err != nil {
			if faults.KindOf(err) != faults.KindChannel {
				o.homeQuietly(ctx, logger)
			}
			out.FrameCount = i
			return o.conclude(sess, out, fmt.Errorf("frame %d/%d: %w", i+1, total, err))
		}
		o.metrics.FrameCaptured()
		o.emit(events.Progress(sess.ID(), i, total))
	}

	sess.setState(StateFinalizing)
	out.FrameCount = total
	if err := o.rotation.Home(cmdCtx); err != nil {
		logger.Warn("return to home after capture failed",
			logging.String(logging.FieldEventType, "home_failed"),
			logging.Error(err),
		)
	}
	scanID, err := o.persister.Commit(cmdCtx, sess)
	if err != nil {
		// Finalizing ends completed or failed; nothing here reads as a cancel.
		if faults.KindOf(err) != faults.KindPersistence {
			err = fmt.Errorf("%w: %v", faults.ErrPersistence, err)
		}
		return o.conclude(sess, out, fmt.Errorf("capture succeeded, save failed: %w", err))
	}
	out.State = StateCompleted
	out.ScanID = scanID
	return out
}

func (o *Orchestrator) captureFrame(ctx context.Context, sess *Session, index int, degrees float64) error {
	position, err := o.rotation.RotateBy(ctx, degrees)
	if err != nil {
		return err
	}
	sess.setPosition(position)

	if o.settle > 0 {
		time.Sleep(o.settle)
	}

	frame, err := o.camera.Capture(ctx, nil)
	if err != nil {
		return err
	}
	record := FrameRecord{
		Index:      index,
		Image:      frame.Image,
		MediaType:  frame.MediaType,
		Width:      frame.Width,
		Height:     frame.Height,
		Position:   position,
		Settings:   frame.Settings,
		CapturedAt: frame.CapturedAt,
	}
	if !sess.appendFrame(record) {
		return fmt.Errorf("%w: frame %d out of sequence", faults.ErrHardware, index)
	}
	return nil
}

// conclude maps err onto a terminal outcome. Context cancellation counts as a
// user cancel.
func (o *Orchestrator) conclude(sess *Session, out Outcome, err error) Outcome {
	kind := faults.KindOf(err)
	out.err = err
	if kind == faults.KindCancelled {
		out.State = StateCancelled
		return out
	}
	out.State = StateFailed
	out.ErrorKind = kind
	out.Error = err.Error()
	return out
}

func (o *Orchestrator) homeQuietly(ctx context.Context, logger *slog.Logger) {
	homeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.cleanupTimeout)
	defer cancel()
	o.safely(logger, "return to home", func() error { return o.rotation.Home(homeCtx) })
}

func (o *Orchestrator) release(ctx context.Context, logger *slog.Logger) {
	cleanupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.cleanupTimeout)
	defer cancel()
	o.safely(logger, "rotation cleanup", func() error { return o.rotation.Cleanup(cleanupCtx) })
	o.safely(logger, "camera disconnect", func() error { return o.camera.Disconnect(cleanupCtx) })
}

func (o *Orchestrator) safely(logger *slog.Logger, op string, fn func() error) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error(op+" panicked", logging.Any("panic", r))
		}
	}()
	if err := fn(); err != nil {
		logger.Warn(op+" failed",
			logging.String(logging.FieldEventType, "cleanup_failed"),
			logging.Error(err),
		)
	}
}

func (o *Orchestrator) emit(evt events.Event) {
	if o.emitter == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			o.logger.Warn("event emitter panicked", logging.Any("panic", r))
		}
	}()
	o.emitter.Emit(evt)
}

func (o *Orchestrator) logOutcome(logger *slog.Logger, out Outcome) {
	elapsed := out.FinishedAt.Sub(out.StartedAt)
	switch out.State {
	case StateCompleted:
		logger.Info("scan completed",
			logging.String(logging.FieldEventType, "scan_completed"),
			logging.String("scan_id", out.ScanID),
			logging.Int("frame_count", out.FrameCount),
			logging.Duration("elapsed", elapsed),
		)
	case StateCancelled:
		logger.Info("scan cancelled",
			logging.String(logging.FieldEventType, "scan_cancelled"),
			logging.Int("frames_discarded", out.FrameCount),
		)
	default:
		logging.ErrorWithContext(logger, "scan failed", "scan_failed", faults.Hint(out.ErrorKind),
			logging.ErrorKind(string(out.ErrorKind)),
			logging.Int("frames_discarded", out.FrameCount),
			logging.Error(out.err),
		)
	}
}

func terminalEvent(out Outcome) events.Event {
	switch out.State {
	case StateCompleted:
		return events.Completed(out.SessionID, out.ScanID, out.FrameCount)
	case StateCancelled:
		return events.Cancelled(out.SessionID, out.FrameCount)
	default:
		return events.Failed(out.SessionID, string(out.ErrorKind), out.Error)
	}
}
