package camera

// Settings is the full camera configuration for a capture session.
type Settings struct {
	Address      string  `json:"camera_ip_address" validate:"required"`
	ExposureTime int     `json:"exposure_time" validate:"gt=0"`
	Gain         float64 `json:"gain" validate:"gte=0"`
	Gamma        float64 `json:"gamma" validate:"gt=0"`
	Brightness   float64 `json:"brightness"`
	Contrast     float64 `json:"contrast"`
	Width        int     `json:"width,omitempty" validate:"gte=0"`
	Height       int     `json:"height,omitempty" validate:"gte=0"`
}

// Partial carries only the fields a caller wants to change.
type Partial struct {
	ExposureTime *int     `json:"exposure_time,omitempty"`
	Gain         *float64 `json:"gain,omitempty"`
	Gamma        *float64 `json:"gamma,omitempty"`
	Brightness   *float64 `json:"brightness,omitempty"`
	Contrast     *float64 `json:"contrast,omitempty"`
	Width        *int     `json:"width,omitempty"`
	Height       *int     `json:"height,omitempty"`
}

// Empty reports whether p changes nothing.
func (p Partial) Empty() bool {
	return p.ExposureTime == nil && p.Gain == nil && p.Gamma == nil &&
		p.Brightness == nil && p.Contrast == nil && p.Width == nil && p.Height == nil
}

// Merge returns p with every field set in q overwritten.
func (p Partial) Merge(q Partial) Partial {
	if q.ExposureTime != nil {
		p.ExposureTime = q.ExposureTime
	}
	if q.Gain != nil {
		p.Gain = q.Gain
	}
	if q.Gamma != nil {
		p.Gamma = q.Gamma
	}
	if q.Brightness != nil {
		p.Brightness = q.Brightness
	}
	if q.Contrast != nil {
		p.Contrast = q.Contrast
	}
	if q.Width != nil {
		p.Width = q.Width
	}
	if q.Height != nil {
		p.Height = q.Height
	}
	return p
}

// Apply returns s with every field set in p overwritten.
func (s Settings) Apply(p Partial) Settings {
	if p.ExposureTime != nil {
		s.ExposureTime = *p.ExposureTime
	}
	if p.Gain != nil {
		s.Gain = *p.Gain
	}
	if p.Gamma != nil {
		s.Gamma = *p.Gamma
	}
	if p.Brightness != nil {
		s.Brightness = *p.Brightness
	}
	if p.Contrast != nil {
		s.Contrast = *p.Contrast
	}
	if p.Width != nil {
		s.Width = *p.Width
	}
	if p.Height != nil {
		s.Height = *p.Height
	}
	return s
}

// Status is the worker's view of the camera.
type Status struct {
	Connected bool   `json:"connected"`
	Available bool   `json:"available"`
	UsingMock bool   `json:"mock"`
	Address   string `json:"address,omitempty"`
}
