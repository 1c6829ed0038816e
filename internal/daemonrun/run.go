// Package daemonrun assembles and runs the bloom daemon process.
package daemonrun

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/signal"
	"strings"
	"syscall"

	"bloom/internal/config"
	"bloom/internal/daemon"
	"bloom/internal/logging"
	"bloom/internal/preflight"
	"bloom/internal/scandb"
)

// Options configures daemon process runtime behavior.
type Options struct {
	LogLevel      string
	SkipPreflight bool
	// Ready, when set, receives the API address once the daemon is serving.
	Ready func(apiAddr string)
	// DaemonOptions are forwarded to daemon.New.
	DaemonOptions []daemon.Option
}

// Run starts the daemon and blocks until ctx ends or SIGINT/SIGTERM arrives.
func Run(cmdCtx context.Context, cfg *config.Config, opts Options) error {
	if cfg == nil {
		return fmt.Errorf("config is required")
	}

	signalCtx, cancel := signal.NotifyContext(cmdCtx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if level := strings.TrimSpace(opts.LogLevel); level != "" {
		cfg.Logging.Level = level
	}
	logger, err := logging.NewFromConfig(cfg)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}

	if !opts.SkipPreflight {
		if err := runPreflight(signalCtx, cfg, logger); err != nil {
			return err
		}
	}

	store, err := scandb.Open(cfg)
	if err != nil {
		return fmt.Errorf("open scan database: %w", err)
	}

	d, err := daemon.New(cfg, store, logger, opts.DaemonOptions...)
	if err != nil {
		_ = store.Close()
		return fmt.Errorf("create daemon: %w", err)
	}
	defer d.Close()

	if err := d.Start(signalCtx); err != nil {
		return fmt.Errorf("start daemon: %w", err)
	}
	if opts.Ready != nil {
		opts.Ready(d.APIAddr())
	}

	<-signalCtx.Done()
	logger.Info("bloom daemon shutting down")
	return nil
}

func runPreflight(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	results := preflight.RunAll(ctx, cfg)
	for _, r := range results {
		attrs := []logging.Attr{
			logging.String("check", r.Name),
			logging.String("detail", r.Detail),
		}
		if r.Passed || r.Advisory {
			logger.Info("preflight check", logging.Args(attrs...)...)
			continue
		}
		logger.Error("preflight check failed", logging.Args(attrs...)...)
	}
	failed := preflight.Failed(results)
	if len(failed) == 0 {
		return nil
	}
	names := make([]string, 0, len(failed))
	for _, r := range failed {
		names = append(names, r.Name)
	}
	return errors.New("preflight failed: " + strings.Join(names, ", "))
}
