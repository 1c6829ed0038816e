package worker

import (
	"fmt"
	"strconv"
	"strings"
)

// Environment variables read by FaultsFromEnv.
const (
	EnvFailRotateAt  = "BLOOM_MOCK_FAIL_ROTATE_AT"
	EnvFailCaptureAt = "BLOOM_MOCK_FAIL_CAPTURE_AT"
)

// Faults selects zero-based rotate or capture calls that should fail. A
// negative value disables injection.
type Faults struct {
	FailRotateAt  int
	FailCaptureAt int
}

// NoFaults disables injection.
func NoFaults() Faults {
	return Faults{FailRotateAt: -1, FailCaptureAt: -1}
}

// FaultsFromEnv reads fault injection settings through getenv.
func FaultsFromEnv(getenv func(string) string) (Faults, error) {
	f := NoFaults()
	var err error
	if f.FailRotateAt, err = envIndex(getenv, EnvFailRotateAt); err != nil {
		return NoFaults(), err
	}
	if f.FailCaptureAt, err = envIndex(getenv, EnvFailCaptureAt); err != nil {
		return NoFaults(), err
	}
	return f, nil
}

func envIndex(getenv func(string) string, key string) (int, error) {
	raw := strings.TrimSpace(getenv(key))
	if raw == "" {
		return -1, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return -1, fmt.Errorf("%s must be a non-negative integer, got %q", key, raw)
	}
	return n, nil
}
