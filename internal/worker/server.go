package worker

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"bloom/internal/camera"
	"bloom/internal/hwchannel"
	"bloom/internal/logging"
	"bloom/internal/rotation"
)

const (
	maxRequestLine        = 1 << 20
	defaultStreamInterval = time.Second / 30
	streamStopWait        = 2 * time.Second
)

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the diagnostic logger. Diagnostics go to the logger, never
// to the protocol stream.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithVersion sets the version reported by get_version.
func WithVersion(version string) Option {
	return func(s *Server) { s.version = version }
}

// WithFaults injects rotate or capture failures.
func WithFaults(f Faults) Option {
	return func(s *Server) { s.faults = f }
}

// WithMaxMotion caps simulated motion time per move. Zero disables it.
func WithMaxMotion(d time.Duration) Option {
	return func(s *Server) { s.maxMotion = d }
}

// WithStreamInterval sets the pause between preview stream frames.
func WithStreamInterval(d time.Duration) Option {
	return func(s *Server) {
		if d > 0 {
			s.streamInterval = d
		}
	}
}

// WithFrameSize sets the default synthetic frame size.
func WithFrameSize(width, height int) Option {
	return func(s *Server) {
		s.frameWidth = width
		s.frameHeight = height
	}
}

// Server answers protocol requests against simulated devices.
type Server struct {
	in     io.Reader
	out    io.Writer
	logger *slog.Logger

	version        string
	faults         Faults
	maxMotion      time.Duration
	frameWidth     int
	frameHeight    int
	streamInterval time.Duration

	daq    *MockDAQ
	camera *MockCamera

	writeMu sync.Mutex

	streamMu   sync.Mutex
	streamStop chan struct{}
	streamDone chan struct{}
}

// NewServer constructs a server reading requests from in and writing
// protocol lines to out.
func NewServer(in io.Reader, out io.Writer, opts ...Option) *Server {
	s := &Server{
		in:             in,
		out:            out,
		logger:         logging.NewNop(),
		version:        "dev",
		faults:         NoFaults(),
		streamInterval: defaultStreamInterval,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = logging.NewComponentLogger(s.logger, "worker")
	s.daq = newMockDAQ(s.faults.FailRotateAt, s.maxMotion)
	s.camera = newMockCamera(s.faults.FailCaptureAt, s.frameWidth, s.frameHeight)
	return s
}

// Serve handles requests until in reaches EOF or ctx is cancelled. Requests
// are answered in arrival order; a preview stream is stopped on return.
func (s *Server) Serve(ctx context.Context) error {
	defer s.stopStream()
	scanner := bufio.NewScanner(s.in)
	scanner.Buffer(make([]byte, 0, 64*1024), maxRequestLine)

	s.status("worker ready")
	for scanner.Scan() {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		line := scanner.Text()
		if line == "" {
			continue
		}
		req, err := hwchannel.DecodeRequest(line)
		if err != nil {
			s.logger.Warn("rejecting malformed request", logging.Error(err))
			if req.ID == "" {
				s.errorLine(err.Error())
				continue
			}
			s.reply(hwchannel.Response{ID: req.ID, Error: err.Error()})
			continue
		}
		s.reply(s.handle(req))
	}
	if err := scanner.Err(); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("read requests: %w", err)
	}
	return nil
}

func (s *Server) handle(req hwchannel.Request) hwchannel.Response {
	logger := s.logger.With(
		logging.String(logging.FieldCommand, req.Command),
		logging.String(logging.FieldCorrelationID, req.ID),
	)
	logger.Debug("handling command")

	result, err := s.dispatch(req)
	if err != nil {
		logger.Warn("command failed", logging.Error(err))
		return hwchannel.Response{ID: req.ID, Error: err.Error()}
	}
	payload, err := json.Marshal(result)
	if err != nil {
		return hwchannel.Response{ID: req.ID, Error: fmt.Sprintf("encode result: %v", err)}
	}
	return hwchannel.Response{ID: req.ID, Success: true, Result: payload}
}

type ackResult struct {
	Success bool `json:"success"`
}

type pingResult struct {
	Status string `json:"status"`
}

type versionResult struct {
	Version string `json:"version"`
	Mock    bool   `json:"mock"`
}

type deviceAvailability struct {
	Available bool `json:"available"`
	Mock      bool `json:"mock"`
}

type hardwareResult struct {
	Camera deviceAvailability `json:"camera"`
	DAQ    deviceAvailability `json:"daq"`
}

type positionResult struct {
	Position float64 `json:"position"`
}

type captureRequest struct {
	Settings *camera.Partial `json:"settings,omitempty"`
}

type captureResult struct {
	Image  string `json:"image"`
	Width  int    `json:"width"`
	Height int    `json:"height"`
}

type streamRequest struct {
	Settings *camera.Settings `json:"settings,omitempty"`
}

type streamResult struct {
	Success   bool   `json:"success"`
	Streaming bool   `json:"streaming"`
	Message   string `json:"message,omitempty"`
}

type rotateRequest struct {
	Degrees float64 `json:"degrees"`
}

type stepRequest struct {
	NumSteps  int `json:"num_steps"`
	Direction int `json:"direction"`
}

func (s *Server) dispatch(req hwchannel.Request) (any, error) {
	switch req.Command {
	case hwchannel.CmdPing:
		return pingResult{Status: "ok"}, nil
	case hwchannel.CmdVersion:
		return versionResult{Version: s.version, Mock: true}, nil
	case hwchannel.CmdCheckHardware:
		return hardwareResult{
			Camera: deviceAvailability{Available: true, Mock: true},
			DAQ:    deviceAvailability{Available: true, Mock: true},
		}, nil

	case hwchannel.CmdCameraConnect:
		var settings camera.Settings
		if err := decodeParams(req.Params, &settings); err != nil {
			return nil, err
		}
		status := s.camera.connect(settings)
		s.status("camera connected (mock)")
		return status, nil
	case hwchannel.CmdCameraConfigure:
		var partial camera.Partial
		if err := decodeParams(req.Params, &partial); err != nil {
			return nil, err
		}
		if err := s.camera.configure(partial); err != nil {
			return nil, err
		}
		return ackResult{Success: true}, nil
	case hwchannel.CmdCameraCapture:
		var params captureRequest
		if err := decodeParams(req.Params, &params); err != nil {
			return nil, err
		}
		data, width, height, err := s.camera.capture(params.Settings)
		if err != nil {
			return nil, err
		}
		return captureResult{Image: camera.EncodeDataURI("image/png", data), Width: width, Height: height}, nil
	case hwchannel.CmdCameraDisconnect:
		s.stopStream()
		s.camera.disconnect()
		return ackResult{Success: true}, nil
	case hwchannel.CmdCameraStream:
		var params streamRequest
		if err := decodeParams(req.Params, &params); err != nil {
			return nil, err
		}
		return s.startStream(params.Settings)
	case hwchannel.CmdCameraStopStream:
		return s.stopStream(), nil
	case hwchannel.CmdCameraStatus:
		return s.camera.status(), nil

	case hwchannel.CmdDAQInitialize:
		var settings rotation.Settings
		if err := decodeParams(req.Params, &settings); err != nil {
			return nil, err
		}
		status := s.daq.initialize(settings)
		s.status("DAQ initialized (mock)")
		return status, nil
	case hwchannel.CmdDAQRotate:
		var params rotateRequest
		if err := decodeParams(req.Params, &params); err != nil {
			return nil, err
		}
		position, err := s.daq.rotate(params.Degrees)
		if err != nil {
			return nil, err
		}
		return positionResult{Position: position}, nil
	case hwchannel.CmdDAQStep:
		var params stepRequest
		if err := decodeParams(req.Params, &params); err != nil {
			return nil, err
		}
		position, err := s.daq.step(params.NumSteps, params.Direction)
		if err != nil {
			return nil, err
		}
		return positionResult{Position: position}, nil
	case hwchannel.CmdDAQHome:
		if err := s.daq.home(); err != nil {
			return nil, err
		}
		return positionResult{Position: 0}, nil
	case hwchannel.CmdDAQStatus:
		return s.daq.status(), nil
	case hwchannel.CmdDAQCleanup:
		s.daq.cleanup()
		return ackResult{Success: true}, nil
	}
	return nil, fmt.Errorf("unknown command %q", req.Command)
}

func (s *Server) startStream(settings *camera.Settings) (streamResult, error) {
	s.streamMu.Lock()
	defer s.streamMu.Unlock()

	if s.streamDone != nil {
		select {
		case <-s.streamDone:
			// The previous stream ended on its own.
			s.streamStop, s.streamDone = nil, nil
		default:
			return streamResult{Success: true, Streaming: true, Message: "already streaming"}, nil
		}
	}
	if !s.camera.isConnected() {
		if settings == nil {
			return streamResult{}, errors.New("camera not connected; connect first or provide settings")
		}
		s.camera.connect(*settings)
	}
	stop, done := make(chan struct{}), make(chan struct{})
	s.streamStop, s.streamDone = stop, done
	go s.stream(stop, done)
	return streamResult{Success: true, Streaming: true}, nil
}

func (s *Server) stopStream() streamResult {
	s.streamMu.Lock()
	defer s.streamMu.Unlock()

	if s.streamStop == nil {
		return streamResult{Success: true, Message: "not streaming"}
	}
	close(s.streamStop)
	select {
	case <-s.streamDone:
	case <-time.After(streamStopWait):
		s.logger.Warn("preview stream did not stop in time")
	}
	s.streamStop, s.streamDone = nil, nil
	return streamResult{Success: true}
}

// stream writes FRAME lines until stop is closed or the camera goes away.
func (s *Server) stream(stop, done chan struct{}) {
	defer close(done)
	s.status("streaming started")
	ticker := time.NewTicker(s.streamInterval)
	defer ticker.Stop()
	for {
		data, err := s.camera.preview()
		if err != nil {
			s.errorLine("camera not available during streaming: " + err.Error())
			return
		}
		s.writeLine(hwchannel.PrefixFrame + camera.EncodeDataURI("image/png", data))
		select {
		case <-stop:
			s.status("streaming stopped")
			return
		case <-ticker.C:
		}
	}
}

func decodeParams(raw json.RawMessage, dst any) error {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return fmt.Errorf("invalid params: %w", err)
	}
	return nil
}

func (s *Server) reply(resp hwchannel.Response) {
	line, err := hwchannel.FormatResponse(resp)
	if err != nil {
		s.errorLine(err.Error())
		return
	}
	s.writeLine(line)
}

func (s *Server) status(message string) {
	s.writeLine(hwchannel.PrefixStatus + message)
}

func (s *Server) errorLine(message string) {
	s.writeLine(hwchannel.PrefixError + message)
}

func (s *Server) writeLine(line string) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if _, err := io.WriteString(s.out, line+"\n"); err != nil {
		s.logger.Warn("write to stdout failed", logging.Error(err))
	}
}
