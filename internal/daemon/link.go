package daemon

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"

	"bloom/internal/config"
	"bloom/internal/hwchannel"
	"bloom/internal/logging"
	"bloom/internal/metrics"
)

// Link is a connection to a hardware worker.
type Link interface {
	Channel() *hwchannel.Channel
	Pid() int
	Close() error
}

// Connector opens a Link. ctx bounds the worker's lifetime.
type Connector func(ctx context.Context) (Link, error)

// ProcessConnector launches the configured worker command.
func ProcessConnector(cfg *config.Config, logger *slog.Logger, recorder *metrics.Recorder) Connector {
	return func(ctx context.Context) (Link, error) {
		spec := hwchannel.Spec{
			Binary: cfg.Worker.Command,
			Args:   cfg.Worker.Args,
			Env:    []string{"BLOOM_USE_MOCK_HARDWARE=" + strconv.FormatBool(cfg.Worker.UseMock)},
		}
		proc, err := hwchannel.Start(ctx, spec, ChannelOptions(cfg, logger, recorder)...)
		if err != nil {
			return nil, fmt.Errorf("launch hardware worker %q: %w", cfg.Worker.Command, err)
		}
		return proc, nil
	}
}

// ChannelOptions applies the configured timeouts, logging, and metrics to a
// worker channel.
func ChannelOptions(cfg *config.Config, logger *slog.Logger, recorder *metrics.Recorder) []hwchannel.Option {
	if logger == nil {
		logger = logging.NewNop()
	}
	workerLog := logging.NewComponentLogger(logger, "worker")
	return []hwchannel.Option{
		hwchannel.WithLogger(logger),
		hwchannel.WithTimeout(cfg.CommandTimeout()),
		hwchannel.WithCommandTimeout(hwchannel.CmdCameraConnect, cfg.ConnectTimeout()),
		hwchannel.WithCommandTimeout(hwchannel.CmdDAQInitialize, cfg.ConnectTimeout()),
		hwchannel.WithCommandObserver(recorder),
		hwchannel.WithObserver(func(msg hwchannel.Message) {
			switch msg.Kind {
			case hwchannel.MessageError:
				workerLog.Warn(msg.Text, logging.String(logging.FieldEventType, "worker_error"))
			case hwchannel.MessageFrame:
				// Preview frames are consumed by the camera controller.
			default:
				workerLog.Info(msg.Text)
			}
		}),
	}
}
