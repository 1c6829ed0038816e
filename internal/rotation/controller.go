package rotation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"

	"bloom/internal/faults"
	"bloom/internal/hwchannel"
	"bloom/internal/logging"
)

// ErrNotInitialized is returned by motion commands before Initialize succeeds.
var ErrNotInitialized = errors.New("rotation stage not initialized")

// Sender issues one hardware command and decodes its result.
type Sender interface {
	Send(ctx context.Context, command string, params any, out any) error
}

// Error reports a failed turntable operation together with the last
// confirmed position, which the failure did not change.
type Error struct {
	Op       string
	Position float64
	Err      error
}

func (e *Error) Error() string {
	return fmt.Sprintf("rotation %s failed at %.2f°: %v", e.Op, e.Position, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Option configures a Controller.
type Option func(*Controller)

// WithLogger sets the controller's logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Controller) {
		c.logger = logging.NewComponentLogger(logger, "rotation")
	}
}

// WithRetries allows a rotation that fails with a hardware error to be
// re-sent up to n more times. Channel failures are never retried.
func WithRetries(n int) Option {
	return func(c *Controller) {
		if n > 0 {
			c.retries = n
		}
	}
}

// Controller serializes turntable commands and tracks the position.
type Controller struct {
	sender  Sender
	logger  *slog.Logger
	retries int

	opMu sync.Mutex

	mu          sync.Mutex
	initialized bool
	position    float64
	settings    Settings
}

// New constructs a controller bound to sender.
func New(sender Sender, opts ...Option) *Controller {
	c := &Controller{
		sender: sender,
		logger: logging.NewComponentLogger(nil, "rotation"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type moveParams struct {
	Degrees float64 `json:"degrees"`
}

type stepParams struct {
	NumSteps  int `json:"num_steps"`
	Direction int `json:"direction"`
}

// Initialize opens the DAQ task. Calling it again while initialized returns
// the current status instead of failing.
func (c *Controller) Initialize(ctx context.Context, settings Settings) (Status, error) {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	if c.Initialized() {
		return c.status(ctx)
	}

	var status Status
	if err := c.sender.Send(ctx, hwchannel.CmdDAQInitialize, settings, &status); err != nil {
		return Status{}, c.failure("initialize", err)
	}

	c.mu.Lock()
	c.initialized = true
	c.settings = settings
	c.position = Wrap(status.Position)
	status.Position = c.position
	c.mu.Unlock()
	status.Initialized = true

	c.logger.Info("rotation stage initialized",
		logging.String("device", settings.DeviceName),
		logging.Int("steps_per_revolution", settings.StepsPerRevolution),
		logging.Bool("mock", status.UsingMock),
	)
	return status, nil
}

// RotateBy turns the stage by degrees (negative is counter-clockwise) and
// returns the new wrapped position.
func (c *Controller) RotateBy(ctx context.Context, degrees float64) (float64, error) {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	if math.IsNaN(degrees) || math.IsInf(degrees, 0) {
		return c.Position(), c.failure("rotate", faults.Wrap(faults.ErrValidation, "rotation", "rotate", fmt.Sprintf("invalid angle %v", degrees), nil))
	}
	if !c.Initialized() {
		return c.Position(), c.failure("rotate", fmt.Errorf("%w: %w", faults.ErrHardware, ErrNotInitialized))
	}

	var err error
	for attempt := 0; attempt <= c.retries; attempt++ {
		err = c.sender.Send(ctx, hwchannel.CmdDAQRotate, moveParams{Degrees: degrees}, nil)
		if err == nil || !retryable(ctx, err) {
			break
		}
		if attempt < c.retries {
			c.logger.Warn("rotation failed; retrying",
				logging.Int("attempt", attempt+1),
				logging.Float64("degrees", degrees),
				logging.Error(err),
				logging.String(logging.FieldEventType, "rotation_retry"),
			)
		}
	}
	if err != nil {
		return c.Position(), c.failure("rotate", err)
	}
	return c.advance(degrees), nil
}

// Step moves a raw number of motor steps; direction must be 1 or -1.
func (c *Controller) Step(ctx context.Context, steps, direction int) (float64, error) {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	if steps < 0 || (direction != 1 && direction != -1) {
		return c.Position(), c.failure("step", faults.Wrap(faults.ErrValidation, "rotation", "step", fmt.Sprintf("invalid steps=%d direction=%d", steps, direction), nil))
	}
	if !c.Initialized() {
		return c.Position(), c.failure("step", fmt.Errorf("%w: %w", faults.ErrHardware, ErrNotInitialized))
	}
	if err := c.sender.Send(ctx, hwchannel.CmdDAQStep, stepParams{NumSteps: steps, Direction: direction}, nil); err != nil {
		return c.Position(), c.failure("step", err)
	}
	c.mu.Lock()
	perRev := c.settings.StepsPerRevolution
	c.mu.Unlock()
	return c.advance(DegreesForSteps(steps, direction, perRev)), nil
}

// Home returns the stage to 0°.
func (c *Controller) Home(ctx context.Context) error {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	if !c.Initialized() {
		return c.failure("home", fmt.Errorf("%w: %w", faults.ErrHardware, ErrNotInitialized))
	}
	if err := c.sender.Send(ctx, hwchannel.CmdDAQHome, nil, nil); err != nil {
		return c.failure("home", err)
	}
	c.mu.Lock()
	c.position = 0
	c.mu.Unlock()
	return nil
}

// Status queries the worker. It does not change local state.
func (c *Controller) Status(ctx context.Context) (Status, error) {
	c.opMu.Lock()
	defer c.opMu.Unlock()
	return c.status(ctx)
}

func (c *Controller) status(ctx context.Context) (Status, error) {
	var status Status
	if err := c.sender.Send(ctx, hwchannel.CmdDAQStatus, nil, &status); err != nil {
		return Status{}, c.failure("status", err)
	}
	status.Position = Wrap(status.Position)
	return status, nil
}

// Cleanup releases the DAQ task. It is a no-op when not initialized.
func (c *Controller) Cleanup(ctx context.Context) error {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	if !c.Initialized() {
		return nil
	}
	if err := c.sender.Send(ctx, hwchannel.CmdDAQCleanup, nil, nil); err != nil {
		return c.failure("cleanup", err)
	}
	c.mu.Lock()
	c.initialized = false
	c.mu.Unlock()
	c.logger.Info("rotation stage released")
	return nil
}

// Position returns the last confirmed position without hardware I/O.
func (c *Controller) Position() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.position
}

// Initialized reports whether Initialize has succeeded and Cleanup has not.
func (c *Controller) Initialized() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.initialized
}

func (c *Controller) advance(degrees float64) float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.position = Wrap(c.position + degrees)
	return c.position
}

func (c *Controller) failure(op string, err error) error {
	return &Error{Op: op, Position: c.Position(), Err: err}
}

func retryable(ctx context.Context, err error) bool {
	if ctx.Err() != nil {
		return false
	}
	return faults.KindOf(err) == faults.KindHardware
}
