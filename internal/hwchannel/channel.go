package hwchannel

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"bloom/internal/faults"
	"bloom/internal/logging"
)

const (
	componentName      = "hwchannel"
	defaultTimeout     = 30 * time.Second
	defaultMaxLineSize = 64 << 20
)

// Observer receives unsolicited worker output. It runs on the read loop and
// must not block.
type Observer func(Message)

// CommandObserver records command round trips, typically into metrics.
type CommandObserver interface {
	ObserveCommand(command string, elapsed time.Duration, err error)
}

// Option configures a Channel.
type Option func(*Channel)

// WithLogger sets the base logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Channel) {
		c.logger = logging.NewComponentLogger(logger, componentName)
	}
}

// WithObserver routes STATUS, ERROR, FRAME, and unprefixed lines to fn.
func WithObserver(fn Observer) Option {
	return func(c *Channel) { c.observer = fn }
}

// WithTimeout sets the default per-command deadline.
func WithTimeout(d time.Duration) Option {
	return func(c *Channel) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithCommandTimeout overrides the deadline for one command name.
func WithCommandTimeout(command string, d time.Duration) Option {
	return func(c *Channel) {
		if d > 0 {
			c.timeouts[command] = d
		}
	}
}

// WithCommandObserver records every command's latency and outcome.
func WithCommandObserver(observer CommandObserver) Option {
	return func(c *Channel) { c.metrics = observer }
}

// WithMaxLineSize bounds a single line of worker output.
func WithMaxLineSize(n int) Option {
	return func(c *Channel) {
		if n > 0 {
			c.maxLine = n
		}
	}
}

type reply struct {
	resp Response
	err  error
}

// Channel correlates requests and responses over a worker's stdin/stdout.
type Channel struct {
	logger   *slog.Logger
	observer Observer
	metrics  CommandObserver
	timeout  time.Duration
	timeouts map[string]time.Duration
	maxLine  int

	wmu sync.Mutex
	w   io.Writer

	mu      sync.Mutex
	pending map[string]chan reply
	err     error
	done    chan struct{}

	frameMu sync.Mutex
	onFrame func(payload string)
}

// New wires a channel to the worker's stdout (r) and stdin (w) and starts
// the read loop.
func New(r io.Reader, w io.Writer, opts ...Option) *Channel {
	c := &Channel{
		logger:   logging.NewComponentLogger(nil, componentName),
		timeout:  defaultTimeout,
		timeouts: make(map[string]time.Duration),
		maxLine:  defaultMaxLineSize,
		w:        w,
		pending:  make(map[string]chan reply),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	go c.readLoop(r)
	return c
}

// Send issues command with params and decodes the worker's result into out.
// out may be nil when the caller does not need the result.
func (c *Channel) Send(ctx context.Context, command string, params any, out any) error {
	start := time.Now()
	err := c.send(ctx, command, params, out)
	if c.metrics != nil {
		c.metrics.ObserveCommand(command, time.Since(start), err)
	}
	return err
}

func (c *Channel) send(ctx context.Context, command string, params any, out any) error {
	if ctx == nil {
		ctx = context.Background()
	}
	req := Request{ID: uuid.NewString(), Command: command}
	if params != nil {
		raw, err := json.Marshal(params)
		if err != nil {
			return faults.Wrap(faults.ErrValidation, componentName, command, "encode params", err)
		}
		req.Params = raw
	}
	line, err := json.Marshal(req)
	if err != nil {
		return faults.Wrap(faults.ErrValidation, componentName, command, "encode request", err)
	}

	replyCh := make(chan reply, 1)
	c.mu.Lock()
	if c.err != nil {
		lost := c.err
		c.mu.Unlock()
		return faults.Wrap(faults.ErrChannel, componentName, command, "", lost)
	}
	c.pending[req.ID] = replyCh
	c.mu.Unlock()
	defer c.forget(req.ID)

	logger := c.logger.With(
		logging.String(logging.FieldCommand, command),
		logging.String(logging.FieldCorrelationID, req.ID),
	)
	logger.Debug("sending hardware command")

	if err := c.write(append(line, '\n')); err != nil {
		lost := fmt.Errorf("%w: write request: %w", ErrChannelLost, err)
		c.fail(lost)
		return faults.Wrap(faults.ErrChannel, componentName, command, "", lost)
	}

	timeout := c.timeoutFor(command)
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case rep := <-replyCh:
		if rep.err != nil {
			return faults.Wrap(faults.ErrChannel, componentName, command, "", rep.err)
		}
		if !rep.resp.Success {
			return faults.Wrap(faults.ErrHardware, componentName, command, "", &CommandError{Command: command, Message: rep.resp.Error})
		}
		if out != nil && len(rep.resp.Result) > 0 && string(rep.resp.Result) != "null" {
			if err := json.Unmarshal(rep.resp.Result, out); err != nil {
				return faults.Wrap(faults.ErrChannel, componentName, command, "decode result", fmt.Errorf("%w: %w", ErrMalformedResponse, err))
			}
		}
		return nil
	case <-timer.C:
		logger.Warn("hardware command timed out",
			logging.Duration("timeout", timeout),
			logging.String(logging.FieldEventType, "hardware_command_timeout"),
		)
		return faults.Wrap(faults.ErrHardware, componentName, command, "", fmt.Errorf("%w after %s", ErrTimeout, timeout))
	case <-ctx.Done():
		return fmt.Errorf("%s: %w", command, ctx.Err())
	}
}

// Done is closed once the channel is broken.
func (c *Channel) Done() <-chan struct{} {
	return c.done
}

// Err returns the cause of the broken state, or nil while the channel is usable.
func (c *Channel) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Close breaks the channel and closes the worker's stdin when possible.
func (c *Channel) Close() error {
	c.fail(fmt.Errorf("%w: %w", ErrChannelLost, ErrClosed))
	if closer, ok := c.w.(io.Closer); ok {
		return closer.Close()
	}
	return nil
}

// SetFrameHandler routes the payload of every FRAME line to fn, replacing any
// previous handler. fn runs on the read loop and must not block; nil removes
// the handler.
func (c *Channel) SetFrameHandler(fn func(payload string)) {
	c.frameMu.Lock()
	c.onFrame = fn
	c.frameMu.Unlock()
}

// InFlight reports how many commands are awaiting a response.
func (c *Channel) InFlight() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

func (c *Channel) write(line []byte) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	_, err := c.w.Write(line)
	return err
}

func (c *Channel) timeoutFor(command string) time.Duration {
	if d, ok := c.timeouts[command]; ok {
		return d
	}
	return c.timeout
}

func (c *Channel) forget(id string) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

func (c *Channel) readLoop(r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), c.maxLine)
	for scanner.Scan() {
		c.handleLine(scanner.Text())
	}
	cause := scanner.Err()
	if cause == nil {
		cause = io.EOF
	}
	c.fail(fmt.Errorf("%w: %w", ErrChannelLost, cause))
}

func (c *Channel) handleLine(line string) {
	kind, payload := parseLine(line)
	switch kind {
	case lineData:
		c.handleData(payload)
	case lineStatus:
		c.notify(Message{Kind: MessageStatus, Text: payload})
	case lineError:
		c.logger.Warn("worker reported error", logging.String("detail", payload))
		c.notify(Message{Kind: MessageError, Text: payload})
	case lineFrame:
		c.frameMu.Lock()
		fn := c.onFrame
		c.frameMu.Unlock()
		if fn != nil {
			fn(payload)
		}
		c.notify(Message{Kind: MessageFrame, Text: payload})
	default:
		if strings.TrimSpace(payload) == "" {
			return
		}
		c.notify(Message{Kind: MessageRaw, Text: payload})
	}
}

func (c *Channel) handleData(payload string) {
	var resp Response
	if err := json.Unmarshal([]byte(payload), &resp); err != nil || resp.ID == "" {
		reason := "missing correlation id"
		if err != nil {
			reason = err.Error()
		}
		c.logger.Warn("discarding malformed worker response",
			logging.String("reason", reason),
			logging.String(logging.FieldEventType, "malformed_response"),
		)
		c.failPending(fmt.Errorf("%w: %s", ErrMalformedResponse, reason))
		return
	}

	c.mu.Lock()
	ch, ok := c.pending[resp.ID]
	if ok {
		delete(c.pending, resp.ID)
	}
	c.mu.Unlock()

	if !ok {
		c.logger.Debug("dropping response for unknown command",
			logging.String(logging.FieldCorrelationID, resp.ID),
		)
		return
	}
	ch <- reply{resp: resp}
}

func (c *Channel) notify(msg Message) {
	if c.observer == nil {
		return
	}
	c.observer(msg)
}

// failPending rejects every in-flight command without breaking the channel.
func (c *Channel) failPending(err error) {
	c.mu.Lock()
	pending := c.pending
	c.pending = make(map[string]chan reply)
	c.mu.Unlock()
	for _, ch := range pending {
		ch <- reply{err: err}
	}
}

// fail moves the channel into its terminal state. Only the first cause sticks.
func (c *Channel) fail(err error) {
	c.mu.Lock()
	if c.err != nil {
		c.mu.Unlock()
		return
	}
	c.err = err
	pending := c.pending
	c.pending = make(map[string]chan reply)
	close(c.done)
	c.mu.Unlock()

	if len(pending) > 0 {
		c.logger.Warn("hardware channel lost with commands in flight",
			logging.Int("in_flight", len(pending)),
			logging.Error(err),
			logging.String(logging.FieldEventType, "channel_lost"),
		)
	}
	for _, ch := range pending {
		ch <- reply{err: err}
	}
}
