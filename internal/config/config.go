package config

import (
	_ "embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/pelletier/go-toml/v2"
)

//go:embed sample_config.toml
var sampleConfig string

// Paths contains on-disk locations used by the rig.
type Paths struct {
	ScansDir string `toml:"scans_dir"`
	LogDir   string `toml:"log_dir"`
	Database string `toml:"database"`
}

// Scanner contains orchestration tuning for a capture run.
type Scanner struct {
	Name              string `toml:"name"`
	SettleDelayMS     int    `toml:"settle_delay_ms"`
	RotationRetries   int    `toml:"rotation_retries"`
	EventBufferLength int    `toml:"event_buffer_length"`
}

// Camera contains the default camera settings applied to new scans.
type Camera struct {
	Address      string  `toml:"address"`
	ExposureTime int     `toml:"exposure_time"`
	Gain         float64 `toml:"gain"`
	Gamma        float64 `toml:"gamma"`
	Brightness   float64 `toml:"brightness"`
	Contrast     float64 `toml:"contrast"`
	Width        int     `toml:"width"`
	Height       int     `toml:"height"`
}

// DAQ contains the default turntable settings applied to new scans.
type DAQ struct {
	DeviceName         string  `toml:"device_name"`
	SamplingRate       int     `toml:"sampling_rate"`
	StepPin            int     `toml:"step_pin"`
	DirPin             int     `toml:"dir_pin"`
	StepsPerRevolution int     `toml:"steps_per_revolution"`
	NumFrames          int     `toml:"num_frames"`
	SecondsPerRotation float64 `toml:"seconds_per_rotation"`
}

// Worker describes how the hardware worker process is launched.
type Worker struct {
	Command        string   `toml:"command"`
	Args           []string `toml:"args"`
	UseMock        bool     `toml:"use_mock"`
	CommandTimeout int      `toml:"command_timeout"`
	ConnectTimeout int      `toml:"connect_timeout"`
}

// API contains the daemon HTTP listener settings.
type API struct {
	Bind  string `toml:"bind"`
	Token string `toml:"token"`
}

// Logging contains configuration for log output.
type Logging struct {
	Format     string `toml:"format"`
	Level      string `toml:"level"`
	MaxSizeMB  int    `toml:"max_size_mb"`
	MaxBackups int    `toml:"max_backups"`
	MaxAgeDays int    `toml:"max_age_days"`
}

// Config encapsulates all configuration values for the rig.
type Config struct {
	Paths   Paths   `toml:"paths"`
	Scanner Scanner `toml:"scanner"`
	Camera  Camera  `toml:"camera"`
	DAQ     DAQ     `toml:"daq"`
	Worker  Worker  `toml:"worker"`
	API     API     `toml:"api"`
	Logging Logging `toml:"logging"`
}

// DefaultConfigPath returns the absolute path to the default configuration file location.
func DefaultConfigPath() (string, error) {
	return expandPath(defaultConfigPath)
}

// Load locates, parses, and validates a configuration file. The returned config has all
// path fields expanded and normalized.
func Load(path string) (*Config, string, bool, error) {
	cfg := Default()

	resolvedPath, exists, err := resolveConfigPath(path)
	if err != nil {
		return nil, "", false, err
	}

	if err := loadEnvFiles(filepath.Dir(resolvedPath)); err != nil {
		return nil, "", false, err
	}

	if exists {
		file, err := os.Open(resolvedPath)
		if err != nil {
			return nil, "", false, fmt.Errorf("open config: %w", err)
		}
		defer file.Close()

		decoder := toml.NewDecoder(file)
		if err := decoder.Decode(&cfg); err != nil {
			return nil, "", false, fmt.Errorf("parse config: %w", err)
		}
	}

	if err := cfg.normalize(); err != nil {
		return nil, "", false, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, "", false, err
	}

	return &cfg, resolvedPath, exists, nil
}

func resolveConfigPath(path string) (string, bool, error) {
	if path != "" {
		expanded, err := expandPath(path)
		if err != nil {
			return "", false, err
		}
		_, err = os.Stat(expanded)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return expanded, false, nil
			}
			return "", false, fmt.Errorf("stat config: %w", err)
		}
		return expanded, true, nil
	}

	defaultPath, err := expandPath(defaultConfigPath)
	if err != nil {
		return "", false, err
	}

	projectPath, err := filepath.Abs("bloom.toml")
	if err != nil {
		return "", false, err
	}

	if info, err := os.Stat(defaultPath); err == nil && !info.IsDir() {
		return defaultPath, true, nil
	}
	if info, err := os.Stat(projectPath); err == nil && !info.IsDir() {
		return projectPath, true, nil
	}

	return defaultPath, false, nil
}

// loadEnvFiles reads .env files next to the config and in the working
// directory. Variables already present in the environment are left alone.
func loadEnvFiles(configDir string) error {
	candidates := []string{filepath.Join(configDir, ".env")}
	if cwd, err := os.Getwd(); err == nil {
		candidates = append(candidates, filepath.Join(cwd, ".env"))
	}
	seen := map[string]struct{}{}
	for _, candidate := range candidates {
		if _, ok := seen[candidate]; ok {
			continue
		}
		seen[candidate] = struct{}{}
		if info, err := os.Stat(candidate); err != nil || info.IsDir() {
			continue
		}
		if err := godotenv.Load(candidate); err != nil {
			return fmt.Errorf("load env file %s: %w", candidate, err)
		}
	}
	return nil
}

// EnsureDirectories creates the scan, log, and database directories.
func (c *Config) EnsureDirectories() error {
	dirs := []string{c.Paths.ScansDir, c.Paths.LogDir, filepath.Dir(c.Paths.Database)}
	for _, dir := range dirs {
		if strings.TrimSpace(dir) == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create directory %q: %w", dir, err)
		}
	}
	return nil
}

// SettleDelay is the pause between a completed rotation and the capture.
func (c *Config) SettleDelay() time.Duration {
	return time.Duration(c.Scanner.SettleDelayMS) * time.Millisecond
}

// CommandTimeout is the default per-command deadline for the hardware worker.
func (c *Config) CommandTimeout() time.Duration {
	return time.Duration(c.Worker.CommandTimeout) * time.Second
}

// ConnectTimeout bounds commands that open hardware sessions.
func (c *Config) ConnectTimeout() time.Duration {
	return time.Duration(c.Worker.ConnectTimeout) * time.Second
}

// LockPath is the rig lock shared by every process that drives the hardware.
func (c *Config) LockPath() string {
	return filepath.Join(c.Paths.LogDir, "bloom-rig.lock")
}

// LogPath is the rotating log file written alongside console output.
func (c *Config) LogPath() string {
	return filepath.Join(c.Paths.LogDir, "bloom.log")
}

func expandPath(pathValue string) (string, error) {
	if pathValue == "" {
		return pathValue, nil
	}
	if strings.HasPrefix(pathValue, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home directory: %w", err)
		}
		if pathValue == "~" {
			pathValue = home
		} else if len(pathValue) > 1 && (pathValue[1] == '/' || pathValue[1] == '\\') {
			pathValue = filepath.Join(home, pathValue[2:])
		}
	}
	cleaned := filepath.Clean(pathValue)
	absolute, err := filepath.Abs(cleaned)
	if err != nil {
		return "", fmt.Errorf("resolve absolute path for %q: %w", cleaned, err)
	}
	return absolute, nil
}

// ExpandPath exposes the repository path expansion rules for other packages.
func ExpandPath(pathValue string) (string, error) {
	return expandPath(pathValue)
}

// SampleConfig returns the embedded annotated sample configuration.
func SampleConfig() string {
	return sampleConfig
}

// CreateSample writes a sample configuration file to the specified location.
func CreateSample(path string) error {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create config directory: %w", err)
		}
	}

	if err := os.WriteFile(path, []byte(sampleConfig), 0o644); err != nil {
		return fmt.Errorf("write sample config: %w", err)
	}
	return nil
}
