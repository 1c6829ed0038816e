package hwchannel

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"bloom/internal/logging"
)

const defaultStopGrace = 5 * time.Second

// Spec describes how to launch the worker.
type Spec struct {
	Binary string
	Args   []string
	// Env entries are appended to the current environment.
	Env []string
	// StopGrace bounds how long Close waits for the worker to exit after its
	// stdin is closed before killing it.
	StopGrace time.Duration
}

// Process is a running worker and the Channel attached to it.
type Process struct {
	cmd     *exec.Cmd
	channel *Channel
	logger  *slog.Logger
	grace   time.Duration

	exited    chan struct{}
	mu        sync.Mutex
	waitErr   error
	closeOnce sync.Once
}

// Start launches the worker. ctx bounds the lifetime of the process, not a
// single command. The returned Process must be closed.
func Start(ctx context.Context, spec Spec, opts ...Option) (*Process, error) {
	if spec.Binary == "" {
		return nil, fmt.Errorf("start worker: binary required")
	}
	cmd := exec.CommandContext(ctx, spec.Binary, spec.Args...) //nolint:gosec
	cmd.Env = append(os.Environ(), spec.Env...)
	// Own process group, so a terminal interrupt reaches bloom only and the
	// worker stays up until Close.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	outR, outW := io.Pipe()
	errR, errW := io.Pipe()
	cmd.Stdout = outW
	cmd.Stderr = errW

	if err := cmd.Start(); err != nil {
		_ = outW.Close()
		_ = errW.Close()
		return nil, fmt.Errorf("start command: %w", err)
	}

	p := &Process{
		cmd:    cmd,
		grace:  spec.StopGrace,
		exited: make(chan struct{}),
	}
	if p.grace <= 0 {
		p.grace = defaultStopGrace
	}
	p.channel = New(outR, stdin, opts...)
	p.logger = p.channel.logger.With(logging.Int("pid", cmd.Process.Pid))

	go p.forwardStderr(errR)
	go func() {
		err := cmd.Wait()
		p.mu.Lock()
		p.waitErr = err
		p.mu.Unlock()
		if err != nil {
			_ = outW.CloseWithError(fmt.Errorf("worker exited: %w", err))
		} else {
			_ = outW.Close()
		}
		_ = errW.Close()
		close(p.exited)
	}()

	p.logger.Info("hardware worker started", logging.String("binary", spec.Binary))
	return p, nil
}

// Channel returns the command channel bound to the worker.
func (p *Process) Channel() *Channel {
	return p.channel
}

// Exited is closed once the worker process has terminated.
func (p *Process) Exited() <-chan struct{} {
	return p.exited
}

// Pid reports the worker's process id.
func (p *Process) Pid() int {
	if p.cmd.Process == nil {
		return 0
	}
	return p.cmd.Process.Pid
}

// Close closes the worker's stdin, waits for it to exit, and kills it if it
// outlives the grace period.
func (p *Process) Close() error {
	p.closeOnce.Do(func() {
		_ = p.channel.Close()
		select {
		case <-p.exited:
		case <-time.After(p.grace):
			p.logger.Warn("hardware worker ignored shutdown; killing",
				logging.Duration("grace", p.grace),
				logging.String(logging.FieldEventType, "worker_killed"),
			)
			_ = p.cmd.Process.Kill()
			<-p.exited
		}
		p.logger.Info("hardware worker stopped")
	})
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.waitErr
}

func (p *Process) forwardStderr(r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 4096), 1<<20)
	for scanner.Scan() {
		p.logger.Debug("worker stderr", logging.String("line", scanner.Text()))
	}
	_, _ = io.Copy(io.Discard, r)
}
