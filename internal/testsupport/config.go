package testsupport

import (
	"path/filepath"
	"testing"

	"bloom/internal/config"
)

// ConfigOption allows callers to customize the generated test configuration.
type ConfigOption func(*configBuilder)

type configBuilder struct {
	t       testing.TB
	baseDir string
	cfg     *config.Config
}

// NewConfig produces a config seeded with unique temp directories per test.
// Settle delay is zeroed so scans run at test speed.
func NewConfig(t testing.TB, opts ...ConfigOption) *config.Config {
	t.Helper()

	base := t.TempDir()
	cfgVal := config.Default()
	cfgVal.Paths.ScansDir = filepath.Join(base, "scans")
	cfgVal.Paths.LogDir = filepath.Join(base, "logs")
	cfgVal.Paths.Database = filepath.Join(base, "db", "bloom.db")
	cfgVal.Scanner.SettleDelayMS = 0
	cfgVal.API.Bind = "127.0.0.1:0"

	builder := &configBuilder{
		t:       t,
		baseDir: base,
		cfg:     &cfgVal,
	}

	for _, opt := range opts {
		opt(builder)
	}

	return builder.cfg
}

// WithFrames sets the number of frames per revolution.
func WithFrames(n int) ConfigOption {
	return func(b *configBuilder) {
		b.cfg.DAQ.NumFrames = n
	}
}

// WithScannerName overrides the scanner station name.
func WithScannerName(name string) ConfigOption {
	return func(b *configBuilder) {
		b.cfg.Scanner.Name = name
	}
}

// WithAPIToken enables bearer-token auth on the test config.
func WithAPIToken(token string) ConfigOption {
	return func(b *configBuilder) {
		b.cfg.API.Token = token
	}
}

// BaseDir returns the root temp directory backing the generated config.
func BaseDir(cfg *config.Config) string {
	return filepath.Dir(cfg.Paths.ScansDir)
}
