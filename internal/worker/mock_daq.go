package worker

import (
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"bloom/internal/rotation"
)

var errDAQNotInitialized = errors.New("DAQ not initialized")

// MockDAQ simulates the stepper-driven turntable.
type MockDAQ struct {
	mu          sync.Mutex
	settings    rotation.Settings
	initialized bool
	position    float64
	rotations   int
	failAt      int
	maxMotion   time.Duration
	sleep       func(time.Duration)
}

func newMockDAQ(failAt int, maxMotion time.Duration) *MockDAQ {
	return &MockDAQ{failAt: failAt, maxMotion: maxMotion, sleep: time.Sleep}
}

func (d *MockDAQ) initialize(settings rotation.Settings) rotation.Status {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.initialized {
		d.settings = settings
		d.initialized = true
		d.position = 0
	}
	return d.statusLocked()
}

func (d *MockDAQ) rotate(degrees float64) (float64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.initialized {
		return d.position, errDAQNotInitialized
	}
	index := d.rotations
	d.rotations++
	if index == d.failAt {
		return d.position, fmt.Errorf("stepper stalled on rotation %d", index)
	}
	d.move(degrees)
	return d.position, nil
}

func (d *MockDAQ) step(steps, direction int) (float64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.initialized {
		return d.position, errDAQNotInitialized
	}
	if direction != 1 && direction != -1 {
		return d.position, fmt.Errorf("direction must be 1 or -1, got %d", direction)
	}
	d.move(rotation.DegreesForSteps(steps, direction, d.settings.StepsPerRevolution))
	return d.position, nil
}

func (d *MockDAQ) home() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.initialized {
		return errDAQNotInitialized
	}
	if d.position != 0 {
		d.move(-d.position)
	}
	d.position = 0
	return nil
}

func (d *MockDAQ) cleanup() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.initialized = false
}

func (d *MockDAQ) status() rotation.Status {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.statusLocked()
}

func (d *MockDAQ) statusLocked() rotation.Status {
	return rotation.Status{
		Initialized: d.initialized,
		Position:    d.position,
		UsingMock:   true,
		Available:   true,
	}
}

// move simulates motion time proportional to the angle, capped at maxMotion.
func (d *MockDAQ) move(degrees float64) {
	if d.maxMotion > 0 && d.settings.SecondsPerRotation > 0 {
		motion := time.Duration(math.Abs(degrees) / 360 * d.settings.SecondsPerRotation * float64(time.Second))
		d.sleep(min(motion, d.maxMotion))
	}
	d.position = rotation.Wrap(d.position + degrees)
}
