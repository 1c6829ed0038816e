package main

import (
	"bytes"
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/pelletier/go-toml/v2"

	"bloom/internal/config"
	"bloom/internal/daemon"
	"bloom/internal/hwchannel"
	"bloom/internal/metrics"
	"bloom/internal/testsupport"
	"bloom/internal/worker"
)

type pipeLink struct{ ch *hwchannel.Channel }

func (l pipeLink) Channel() *hwchannel.Channel { return l.ch }

func (pipeLink) Pid() int { return 0 }

func (l pipeLink) Close() error { return l.ch.Close() }

func pipeConnector(t *testing.T, opts ...worker.Option) daemon.Connector {
	return func(context.Context) (daemon.Link, error) {
		return pipeLink{ch: testsupport.StartWorker(t, opts...)}, nil
	}
}

// usePipeWorker points in-process rigs at an in-memory mock worker.
func usePipeWorker(t *testing.T, opts ...worker.Option) {
	t.Helper()
	prev := connectWorker
	connectWorker = func(*config.Config, *slog.Logger, *metrics.Recorder) daemon.Connector {
		return pipeConnector(t, opts...)
	}
	t.Cleanup(func() { connectWorker = prev })
}

func writeTestConfig(t *testing.T, cfg *config.Config) string {
	t.Helper()
	data, err := toml.Marshal(cfg)
	if err != nil {
		t.Fatalf("encode config: %v", err)
	}
	path := filepath.Join(testsupport.BaseDir(cfg), "config.toml")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func runCLI(t *testing.T, configPath string, args ...string) (string, string, error) {
	t.Helper()
	cmd := newRootCommand()
	var stdout, stderr bytes.Buffer
	cmd.SetOut(&stdout)
	cmd.SetErr(&stderr)
	if configPath != "" {
		args = append([]string{"--config", configPath}, args...)
	}
	cmd.SetArgs(args)
	err := cmd.Execute()
	return stdout.String(), stderr.String(), err
}

func requireContains(t *testing.T, output, substr string) {
	t.Helper()
	if !strings.Contains(output, substr) {
		t.Fatalf("expected %q to contain %q", output, substr)
	}
}
