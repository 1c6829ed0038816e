// Command bloom-worker is the hardware process driven by bloom over
// stdin/stdout. Protocol lines go to stdout; diagnostics go to stderr.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"bloom/internal/hwchannel"
	"bloom/internal/logging"
	"bloom/internal/worker"
)

var version = "dev"

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx); err != nil {
		fmt.Fprintln(os.Stdout, hwchannel.PrefixError+err.Error())
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	logger, err := logging.New(logging.Options{
		Level:       os.Getenv("BLOOM_WORKER_LOG_LEVEL"),
		Format:      "json",
		OutputPaths: []string{"stderr"},
	})
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}

	if v := strings.TrimSpace(os.Getenv("BLOOM_USE_MOCK_HARDWARE")); v != "" {
		useMock, parseErr := strconv.ParseBool(v)
		if parseErr != nil {
			return fmt.Errorf("BLOOM_USE_MOCK_HARDWARE: %w", parseErr)
		}
		if !useMock {
			return fmt.Errorf("this worker build only drives simulated hardware; set BLOOM_USE_MOCK_HARDWARE=true")
		}
	}

	injected, err := worker.FaultsFromEnv(os.Getenv)
	if err != nil {
		return err
	}

	var maxMotion time.Duration
	if v := strings.TrimSpace(os.Getenv("BLOOM_MOCK_MAX_MOTION_MS")); v != "" {
		ms, parseErr := strconv.Atoi(v)
		if parseErr != nil || ms < 0 {
			return fmt.Errorf("BLOOM_MOCK_MAX_MOTION_MS must be a non-negative integer, got %q", v)
		}
		maxMotion = time.Duration(ms) * time.Millisecond
	}

	srv := worker.NewServer(os.Stdin, os.Stdout,
		worker.WithLogger(logger),
		worker.WithVersion(version),
		worker.WithFaults(injected),
		worker.WithMaxMotion(maxMotion),
	)
	logger.Info("bloom worker started",
		logging.String("version", version),
		logging.Int("fail_rotate_at", injected.FailRotateAt),
		logging.Int("fail_capture_at", injected.FailCaptureAt),
	)
	return srv.Serve(ctx)
}
