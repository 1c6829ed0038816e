package rotation

import "math"

// Settings configures the DAQ stepper output.
type Settings struct {
	DeviceName         string  `json:"device_name" validate:"required"`
	SamplingRate       int     `json:"sampling_rate" validate:"gt=0"`
	StepPin            int     `json:"step_pin" validate:"gte=0"`
	DirPin             int     `json:"dir_pin" validate:"gte=0,nefield=StepPin"`
	StepsPerRevolution int     `json:"steps_per_revolution" validate:"gt=0"`
	NumFrames          int     `json:"num_frames" validate:"gt=0"`
	SecondsPerRotation float64 `json:"seconds_per_rotation" validate:"gt=0"`
}

// Status is the worker's view of the turntable.
type Status struct {
	Initialized bool    `json:"initialized"`
	Position    float64 `json:"position"`
	UsingMock   bool    `json:"mock"`
	Available   bool    `json:"available"`
}

// Wrap folds any angle into [0, 360).
func Wrap(degrees float64) float64 {
	p := math.Mod(math.Mod(degrees, 360)+360, 360)
	if p == 0 {
		return 0
	}
	return p
}

// DegreesForSteps converts a step count in a direction (+1 or -1) to degrees.
func DegreesForSteps(steps, direction, stepsPerRevolution int) float64 {
	if stepsPerRevolution <= 0 {
		return 0
	}
	return float64(steps) / float64(stepsPerRevolution) * 360 * float64(direction)
}
