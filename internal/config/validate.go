package config

import (
	"errors"
	"fmt"
)

// Validate ensures the configuration is usable.
func (c *Config) Validate() error {
	if err := c.validateScanner(); err != nil {
		return err
	}
	if err := c.validateCamera(); err != nil {
		return err
	}
	if err := c.validateDAQ(); err != nil {
		return err
	}
	if err := c.validateWorker(); err != nil {
		return err
	}
	if err := c.validateLogging(); err != nil {
		return err
	}
	return nil
}

func (c *Config) validateScanner() error {
	if c.Scanner.SettleDelayMS < 0 {
		return errors.New("scanner.settle_delay_ms must be zero or positive")
	}
	if c.Scanner.RotationRetries < 0 {
		return errors.New("scanner.rotation_retries must be zero or positive")
	}
	return nil
}

func (c *Config) validateCamera() error {
	if c.Camera.ExposureTime <= 0 {
		return errors.New("camera.exposure_time must be positive")
	}
	if c.Camera.Gain < 0 {
		return errors.New("camera.gain must be zero or positive")
	}
	if c.Camera.Gamma <= 0 {
		return errors.New("camera.gamma must be positive")
	}
	if c.Camera.Width < 0 || c.Camera.Height < 0 {
		return errors.New("camera.width and camera.height must be zero (sensor default) or positive")
	}
	return nil
}

func (c *Config) validateDAQ() error {
	if c.DAQ.DeviceName == "" {
		return errors.New("daq.device_name must be set")
	}
	if c.DAQ.SamplingRate <= 0 {
		return errors.New("daq.sampling_rate must be positive")
	}
	if c.DAQ.StepPin < 0 || c.DAQ.DirPin < 0 {
		return errors.New("daq.step_pin and daq.dir_pin must be non-negative")
	}
	if c.DAQ.StepPin == c.DAQ.DirPin {
		return fmt.Errorf("daq.step_pin and daq.dir_pin must differ (both %d)", c.DAQ.StepPin)
	}
	if c.DAQ.StepsPerRevolution <= 0 {
		return errors.New("daq.steps_per_revolution must be positive")
	}
	if c.DAQ.NumFrames <= 0 {
		return errors.New("daq.num_frames must be positive")
	}
	if c.DAQ.SecondsPerRotation <= 0 {
		return errors.New("daq.seconds_per_rotation must be positive")
	}
	return nil
}

func (c *Config) validateWorker() error {
	if c.Worker.CommandTimeout <= 0 {
		return errors.New("worker.command_timeout must be positive")
	}
	if c.Worker.ConnectTimeout <= 0 {
		return errors.New("worker.connect_timeout must be positive")
	}
	return nil
}

func (c *Config) validateLogging() error {
	switch c.Logging.Format {
	case "console", "json":
	default:
		return fmt.Errorf("logging.format must be console or json, got %q", c.Logging.Format)
	}
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level must be debug, info, warn, or error, got %q", c.Logging.Level)
	}
	if c.Logging.MaxSizeMB < 0 || c.Logging.MaxBackups < 0 || c.Logging.MaxAgeDays < 0 {
		return errors.New("logging.max_size_mb, max_backups, and max_age_days must be zero or positive")
	}
	return nil
}
