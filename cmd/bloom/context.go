package main

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/spf13/cobra"

	"bloom/internal/api"
	"bloom/internal/config"
	"bloom/internal/daemon"
	"bloom/internal/logging"
	"bloom/internal/metrics"
	"bloom/internal/scandb"
)

const daemonReachTimeout = 3 * time.Second

// connectWorker builds the worker connector for in-process rigs. Tests swap
// it for an in-memory worker.
var connectWorker = func(cfg *config.Config, logger *slog.Logger, recorder *metrics.Recorder) daemon.Connector {
	return daemon.ProcessConnector(cfg, logger, recorder)
}

type commandContext struct {
	configFlag *string

	configOnce sync.Once
	config     *config.Config
	configPath string
	configSeen bool
	configErr  error
}

func newCommandContext(configFlag *string) *commandContext {
	return &commandContext{configFlag: configFlag}
}

func (c *commandContext) ensureConfig() (*config.Config, error) {
	c.configOnce.Do(func() {
		var path string
		if c.configFlag != nil {
			path = strings.TrimSpace(*c.configFlag)
		}
		cfg, resolved, exists, err := config.Load(path)
		if err != nil {
			c.configErr = err
			return
		}
		if err := cfg.EnsureDirectories(); err != nil {
			c.configErr = err
			return
		}
		c.config = cfg
		c.configPath = resolved
		c.configSeen = exists
	})
	return c.config, c.configErr
}

// apiClient returns nil when the API is disabled in config.
func (c *commandContext) apiClient() (*api.Client, error) {
	cfg, err := c.ensureConfig()
	if err != nil {
		return nil, err
	}
	return api.NewClient(cfg.API.Bind, cfg.API.Token)
}

// daemonStatus reports whether a daemon answers on the configured bind.
func (c *commandContext) daemonStatus(ctx context.Context) (*api.Client, api.DaemonStatus, bool) {
	client, err := c.apiClient()
	if err != nil || client == nil {
		return nil, api.DaemonStatus{}, false
	}
	reachCtx, cancel := context.WithTimeout(ctx, daemonReachTimeout)
	defer cancel()
	status, err := client.Status(reachCtx)
	if err != nil {
		return client, api.DaemonStatus{}, false
	}
	return client, status, true
}

// fileLogger logs to the rig log only, keeping the terminal free for
// command output.
func (c *commandContext) fileLogger() (*slog.Logger, error) {
	cfg, err := c.ensureConfig()
	if err != nil {
		return nil, err
	}
	return logging.New(logging.Options{
		Level:       cfg.Logging.Level,
		Format:      "json",
		OutputPaths: []string{cfg.LogPath()},
		Rotation: logging.Rotation{
			MaxSizeMB:  cfg.Logging.MaxSizeMB,
			MaxBackups: cfg.Logging.MaxBackups,
			MaxAgeDays: cfg.Logging.MaxAgeDays,
		},
	})
}

// openLocalRig starts an in-process daemon without the HTTP API. The caller
// must Close it.
func (c *commandContext) openLocalRig(ctx context.Context) (*daemon.Daemon, error) {
	cfg, err := c.ensureConfig()
	if err != nil {
		return nil, err
	}
	logger, err := c.fileLogger()
	if err != nil {
		return nil, err
	}
	local := *cfg
	local.API.Bind = ""

	store, err := scandb.Open(&local)
	if err != nil {
		return nil, err
	}
	recorder := metrics.New()
	d, err := daemon.New(&local, store, logger,
		daemon.WithMetrics(recorder),
		daemon.WithConnector(connectWorker(&local, logger, recorder)),
	)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	if err := d.Start(ctx); err != nil {
		_ = d.Close()
		return nil, err
	}
	return d, nil
}

func (c *commandContext) withStore(fn func(*scandb.Store) error) error {
	cfg, err := c.ensureConfig()
	if err != nil {
		return err
	}
	store, err := scandb.Open(cfg)
	if err != nil {
		return err
	}
	defer store.Close()
	return fn(store)
}

func shouldSkipConfig(cmd *cobra.Command) bool {
	for c := cmd; c != nil; c = c.Parent() {
		if c.Annotations != nil && c.Annotations["skipConfigLoad"] == "true" {
			return true
		}
	}
	return false
}

func yesNo(value bool) string {
	if value {
		return "yes"
	}
	return "no"
}
