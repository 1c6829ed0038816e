package config

const (
	defaultConfigPath        = "~/.config/bloom/config.toml"
	defaultScansDir          = "~/.local/share/bloom/scans"
	defaultLogDir            = "~/.local/share/bloom/logs"
	defaultDatabasePath      = "~/.local/share/bloom/bloom.db"
	defaultScannerName       = "bloom-rig"
	defaultSettleDelayMS     = 50
	defaultRotationRetries   = 0
	defaultCameraAddress     = MockCameraAddress
	defaultExposureTime      = 10000
	defaultGain              = 0
	defaultGamma             = 1.0
	defaultDeviceName        = "cDAQ1Mod1"
	defaultSamplingRate      = 40000
	defaultStepPin           = 0
	defaultDirPin            = 1
	defaultStepsPerRev       = 6400
	defaultNumFrames         = 72
	defaultSecondsPerRot     = 7.0
	defaultWorkerCommand     = "bloom-worker"
	defaultWorkerUseMock     = true
	defaultCommandTimeout    = 30
	defaultConnectTimeout    = 90
	defaultAPIBind           = "127.0.0.1:7590"
	defaultLogFormat         = "console"
	defaultLogLevel          = "info"
	defaultLogMaxSizeMB      = 50
	defaultLogMaxBackups     = 5
	defaultLogMaxAgeDays     = 30
	defaultEventBufferLength = 512
)

// MockCameraAddress selects the simulated camera inside the hardware worker.
const MockCameraAddress = "mock"

// Default returns a Config populated with repository defaults.
func Default() Config {
	return Config{
		Paths: Paths{
			ScansDir: defaultScansDir,
			LogDir:   defaultLogDir,
			Database: defaultDatabasePath,
		},
		Scanner: Scanner{
			Name:              defaultScannerName,
			SettleDelayMS:     defaultSettleDelayMS,
			RotationRetries:   defaultRotationRetries,
			EventBufferLength: defaultEventBufferLength,
		},
		Camera: Camera{
			Address:      defaultCameraAddress,
			ExposureTime: defaultExposureTime,
			Gain:         defaultGain,
			Gamma:        defaultGamma,
		},
		DAQ: DAQ{
			DeviceName:         defaultDeviceName,
			SamplingRate:       defaultSamplingRate,
			StepPin:            defaultStepPin,
			DirPin:             defaultDirPin,
			StepsPerRevolution: defaultStepsPerRev,
			NumFrames:          defaultNumFrames,
			SecondsPerRotation: defaultSecondsPerRot,
		},
		Worker: Worker{
			Command:        defaultWorkerCommand,
			UseMock:        defaultWorkerUseMock,
			CommandTimeout: defaultCommandTimeout,
			ConnectTimeout: defaultConnectTimeout,
		},
		API: API{
			Bind: defaultAPIBind,
		},
		Logging: Logging{
			Format:     defaultLogFormat,
			Level:      defaultLogLevel,
			MaxSizeMB:  defaultLogMaxSizeMB,
			MaxBackups: defaultLogMaxBackups,
			MaxAgeDays: defaultLogMaxAgeDays,
		},
	}
}
