package worker

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"sync"

	"bloom/internal/camera"
)

const (
	defaultFrameWidth  = 640
	defaultFrameHeight = 480
)

var errCameraNotConnected = errors.New("camera not connected")

// MockCamera renders a horizontal gradient with a bright vertical band whose
// column advances with each capture, so consecutive frames differ.
type MockCamera struct {
	mu        sync.Mutex
	settings  camera.Settings
	connected bool
	captures  int
	previews  int
	failAt    int
	width     int
	height    int
}

func newMockCamera(failAt, width, height int) *MockCamera {
	if width <= 0 {
		width = defaultFrameWidth
	}
	if height <= 0 {
		height = defaultFrameHeight
	}
	return &MockCamera{failAt: failAt, width: width, height: height}
}

func (c *MockCamera) connect(settings camera.Settings) camera.Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.settings = settings
	c.connected = true
	return c.statusLocked()
}

func (c *MockCamera) configure(partial camera.Partial) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.connected {
		return errCameraNotConnected
	}
	c.settings = c.settings.Apply(partial)
	return nil
}

func (c *MockCamera) capture(override *camera.Partial) ([]byte, int, int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.connected {
		return nil, 0, 0, errCameraNotConnected
	}
	index := c.captures
	c.captures++
	if index == c.failAt {
		return nil, 0, 0, fmt.Errorf("frame grab timed out on capture %d", index)
	}
	if override != nil {
		c.settings = c.settings.Apply(*override)
	}
	width, height := c.frameSizeLocked()
	data, err := renderFrame(width, height, index, c.settings)
	if err != nil {
		return nil, 0, 0, err
	}
	return data, width, height, nil
}

// preview renders a stream frame. Stream frames never count toward capture
// fault injection.
func (c *MockCamera) preview() ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.connected {
		return nil, errCameraNotConnected
	}
	index := c.previews
	c.previews++
	width, height := c.frameSizeLocked()
	return renderFrame(width, height, index, c.settings)
}

func (c *MockCamera) frameSizeLocked() (int, int) {
	width, height := c.width, c.height
	if c.settings.Width > 0 {
		width = c.settings.Width
	}
	if c.settings.Height > 0 {
		height = c.settings.Height
	}
	return width, height
}

func (c *MockCamera) isConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

func (c *MockCamera) disconnect() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connected = false
}

func (c *MockCamera) status() camera.Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.statusLocked()
}

func (c *MockCamera) statusLocked() camera.Status {
	return camera.Status{
		Connected: c.connected,
		Available: true,
		UsingMock: true,
		Address:   c.settings.Address,
	}
}

func renderFrame(width, height, index int, settings camera.Settings) ([]byte, error) {
	img := image.NewGray(image.Rect(0, 0, width, height))
	gain := 1 + settings.Gain/10
	band := (index * 8) % width
	for x := 0; x < width; x++ {
		level := float64(x) / float64(width) * 200 * gain
		if x >= band && x < band+4 {
			level = 255
		}
		if level > 255 {
			level = 255
		}
		shade := color.Gray{Y: uint8(level)}
		for y := 0; y < height; y++ {
			img.SetGray(x, y, shade)
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("encode frame: %w", err)
	}
	return buf.Bytes(), nil
}
