// Package camera drives the scan camera through the hardware worker.
package camera

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"bloom/internal/faults"
	"bloom/internal/hwchannel"
	"bloom/internal/logging"
)

var (
	// ErrConnection marks failures to open, use, or hold the camera session.
	ErrConnection = errors.New("camera connection failed")
	// ErrCapture marks failures producing a frame on a connected camera.
	ErrCapture = errors.New("camera capture failed")
	// ErrNotConnected is returned by Capture before Connect succeeds.
	ErrNotConnected = errors.New("camera not connected")
)

// Sender issues one hardware command and decodes its result.
type Sender interface {
	Send(ctx context.Context, command string, params any, out any) error
}

// Frame is one captured image and the exact settings that produced it.
type Frame struct {
	Image      []byte
	MediaType  string
	Width      int
	Height     int
	Settings   Settings
	CapturedAt time.Time
}

// Controller tracks the camera session and the settings in effect.
type Controller struct {
	sender Sender
	logger *slog.Logger
	now    func() time.Time

	opMu sync.Mutex

	mu        sync.Mutex
	connected bool
	settings  Settings
	// pending holds changes configured while disconnected.
	pending   Partial
	streaming bool
	preview   Frame
	previews  uint64
}

// New constructs a controller bound to sender.
func New(sender Sender, logger *slog.Logger) *Controller {
	return &Controller{
		sender: sender,
		logger: logging.NewComponentLogger(logger, "camera"),
		now:    time.Now,
	}
}

type connectResult struct {
	Connected bool `json:"connected"`
	Available bool `json:"available"`
	UsingMock bool `json:"mock"`
}

type captureParams struct {
	Settings *Partial `json:"settings,omitempty"`
}

type captureResult struct {
	Image  string `json:"image"`
	Width  int    `json:"width"`
	Height int    `json:"height"`
}

// Connect opens the camera with settings. Changes made by Configure while
// disconnected are applied on top of settings and cleared once the camera
// accepts them.
func (c *Controller) Connect(ctx context.Context, settings Settings) (Status, error) {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	c.mu.Lock()
	pending := c.pending
	c.mu.Unlock()
	settings = settings.Apply(pending)

	var result connectResult
	if err := c.sender.Send(ctx, hwchannel.CmdCameraConnect, settings, &result); err != nil {
		return Status{}, fmt.Errorf("%w: %w", ErrConnection, err)
	}
	if !result.Connected {
		return Status{}, faults.Wrap(faults.ErrHardware, "camera", "connect", "worker reported camera unavailable", ErrConnection)
	}

	c.mu.Lock()
	c.connected = true
	c.settings = settings
	c.pending = Partial{}
	c.mu.Unlock()

	c.logger.Info("camera connected",
		logging.String("address", settings.Address),
		logging.Int("exposure_time", settings.ExposureTime),
		logging.Bool("mock", result.UsingMock),
	)
	return Status{Connected: true, Available: result.Available, UsingMock: result.UsingMock, Address: settings.Address}, nil
}

// Configure applies partial to the camera. Fields not present keep their
// current values. When the camera is not connected the change is stored and
// sent with the next Connect.
func (c *Controller) Configure(ctx context.Context, partial Partial) (Settings, error) {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	if c.Connected() && !partial.Empty() {
		if err := c.sender.Send(ctx, hwchannel.CmdCameraConfigure, partial, nil); err != nil {
			return c.Settings(), fmt.Errorf("%w: configure: %w", ErrConnection, err)
		}
	}
	c.mu.Lock()
	if !c.connected {
		c.pending = c.pending.Merge(partial)
	}
	c.settings = c.settings.Apply(partial)
	settings := c.settings
	c.mu.Unlock()
	return settings, nil
}

// Capture grabs one frame. override, when non-nil, is applied before the
// exposure and stays in effect afterwards; if it cannot be applied the
// capture fails.
func (c *Controller) Capture(ctx context.Context, override *Partial) (Frame, error) {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	if !c.Connected() {
		return Frame{}, fmt.Errorf("%w: %w: %w", faults.ErrHardware, ErrConnection, ErrNotConnected)
	}

	params := captureParams{}
	if override != nil && !override.Empty() {
		params.Settings = override
	}
	var result captureResult
	if err := c.sender.Send(ctx, hwchannel.CmdCameraCapture, params, &result); err != nil {
		return Frame{}, fmt.Errorf("%w: %w", ErrCapture, err)
	}
	image, mediaType, err := DecodeDataURI(result.Image)
	if err != nil {
		return Frame{}, faults.Wrap(faults.ErrHardware, "camera", "capture", "decode image", fmt.Errorf("%w: %w", ErrCapture, err))
	}

	c.mu.Lock()
	if params.Settings != nil {
		c.settings = c.settings.Apply(*params.Settings)
	}
	settings := c.settings
	c.mu.Unlock()

	return Frame{
		Image:      image,
		MediaType:  mediaType,
		Width:      result.Width,
		Height:     result.Height,
		Settings:   settings,
		CapturedAt: c.now().UTC(),
	}, nil
}

// Disconnect closes the camera session. It is safe to call when not connected.
func (c *Controller) Disconnect(ctx context.Context) error {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	if !c.Connected() {
		return nil
	}
	c.mu.Lock()
	c.connected = false
	c.streaming = false
	c.mu.Unlock()

	if err := c.sender.Send(ctx, hwchannel.CmdCameraDisconnect, nil, nil); err != nil {
		return fmt.Errorf("%w: disconnect: %w", ErrConnection, err)
	}
	c.logger.Info("camera disconnected")
	return nil
}

type streamResult struct {
	Streaming bool   `json:"streaming"`
	Message   string `json:"message,omitempty"`
}

// StartStream asks the worker to push preview frames. Frames arrive through
// HandleFrame. The camera must be connected.
func (c *Controller) StartStream(ctx context.Context) error {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	if !c.Connected() {
		return fmt.Errorf("%w: %w: %w", faults.ErrHardware, ErrConnection, ErrNotConnected)
	}
	var result streamResult
	if err := c.sender.Send(ctx, hwchannel.CmdCameraStream, nil, &result); err != nil {
		return fmt.Errorf("%w: start stream: %w", ErrConnection, err)
	}
	c.mu.Lock()
	c.streaming = result.Streaming
	c.mu.Unlock()
	c.logger.Info("camera preview started")
	return nil
}

// StopStream ends the preview stream. It is safe to call when not streaming.
func (c *Controller) StopStream(ctx context.Context) error {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	if !c.Streaming() {
		return nil
	}
	c.mu.Lock()
	c.streaming = false
	c.mu.Unlock()
	if err := c.sender.Send(ctx, hwchannel.CmdCameraStopStream, nil, nil); err != nil {
		return fmt.Errorf("%w: stop stream: %w", ErrConnection, err)
	}
	c.logger.Info("camera preview stopped")
	return nil
}

// HandleFrame decodes one pushed preview frame and keeps it as the latest.
// Undecodable frames are dropped.
func (c *Controller) HandleFrame(payload string) {
	image, mediaType, err := DecodeDataURI(payload)
	if err != nil {
		c.logger.Debug("dropping undecodable preview frame", logging.Error(err))
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.previews++
	c.preview = Frame{
		Image:      image,
		MediaType:  mediaType,
		Settings:   c.settings,
		CapturedAt: c.now().UTC(),
	}
}

// Preview returns the latest pushed frame and how many have arrived.
func (c *Controller) Preview() (Frame, uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.preview, c.previews
}

// Streaming reports whether a preview stream is running.
func (c *Controller) Streaming() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.streaming
}

// Status queries the worker for the camera state.
func (c *Controller) Status(ctx context.Context) (Status, error) {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	var status Status
	if err := c.sender.Send(ctx, hwchannel.CmdCameraStatus, nil, &status); err != nil {
		return Status{}, fmt.Errorf("%w: status: %w", ErrConnection, err)
	}
	return status, nil
}

// Connected reports whether a session is open.
func (c *Controller) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// Settings returns the settings currently in effect.
func (c *Controller) Settings() Settings {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.settings
}
