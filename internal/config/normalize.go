package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

func (c *Config) normalize() error {
	if err := c.normalizePaths(); err != nil {
		return err
	}
	c.normalizeScanner()
	c.normalizeCamera()
	c.normalizeWorker()
	c.normalizeAPI()
	c.normalizeLogging()
	return nil
}

func (c *Config) normalizePaths() error {
	if value, ok := os.LookupEnv("BLOOM_SCANS_DIR"); ok && strings.TrimSpace(value) != "" {
		c.Paths.ScansDir = value
	}
	if strings.TrimSpace(c.Paths.ScansDir) == "" {
		c.Paths.ScansDir = defaultScansDir
	}
	if strings.TrimSpace(c.Paths.LogDir) == "" {
		c.Paths.LogDir = defaultLogDir
	}
	if strings.TrimSpace(c.Paths.Database) == "" {
		c.Paths.Database = defaultDatabasePath
	}
	var err error
	if c.Paths.ScansDir, err = expandPath(c.Paths.ScansDir); err != nil {
		return fmt.Errorf("paths.scans_dir: %w", err)
	}
	if c.Paths.LogDir, err = expandPath(c.Paths.LogDir); err != nil {
		return fmt.Errorf("paths.log_dir: %w", err)
	}
	if c.Paths.Database, err = expandPath(c.Paths.Database); err != nil {
		return fmt.Errorf("paths.database: %w", err)
	}
	return nil
}

func (c *Config) normalizeScanner() {
	c.Scanner.Name = strings.TrimSpace(c.Scanner.Name)
	if c.Scanner.Name == "" {
		c.Scanner.Name = defaultScannerName
	}
	if c.Scanner.EventBufferLength <= 0 {
		c.Scanner.EventBufferLength = defaultEventBufferLength
	}
}

func (c *Config) normalizeCamera() {
	c.Camera.Address = strings.TrimSpace(c.Camera.Address)
	if value, ok := os.LookupEnv("BLOOM_CAMERA_ADDRESS"); ok && strings.TrimSpace(value) != "" {
		c.Camera.Address = strings.TrimSpace(value)
	}
	if c.Camera.Address == "" {
		c.Camera.Address = defaultCameraAddress
	}
}

func (c *Config) normalizeWorker() {
	c.Worker.Command = strings.TrimSpace(c.Worker.Command)
	if value, ok := os.LookupEnv("BLOOM_WORKER_COMMAND"); ok && strings.TrimSpace(value) != "" {
		c.Worker.Command = strings.TrimSpace(value)
	}
	if c.Worker.Command == "" {
		c.Worker.Command = defaultWorkerCommand
	}
	if value, ok := os.LookupEnv("BLOOM_USE_MOCK_HARDWARE"); ok {
		if parsed, err := strconv.ParseBool(strings.TrimSpace(value)); err == nil {
			c.Worker.UseMock = parsed
		}
	}
}

func (c *Config) normalizeAPI() {
	c.API.Bind = strings.TrimSpace(c.API.Bind)
	if c.API.Token == "" {
		if value, ok := os.LookupEnv("BLOOM_API_TOKEN"); ok {
			c.API.Token = strings.TrimSpace(value)
		}
	}
}

func (c *Config) normalizeLogging() {
	c.Logging.Format = strings.ToLower(strings.TrimSpace(c.Logging.Format))
	if c.Logging.Format == "" {
		c.Logging.Format = defaultLogFormat
	}
	c.Logging.Level = strings.ToLower(strings.TrimSpace(c.Logging.Level))
	if c.Logging.Level == "" {
		c.Logging.Level = defaultLogLevel
	}
}
