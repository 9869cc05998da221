package camera

import "fmt"

// ROI describes a region of interest on the sensor
type ROI struct {
	// Left is the left pixel index.  0-based
	Left int `json:"leftPixel"`

	// Top is the top pixel index.  0-based
	Top int `json:"topPixel"`

	// Width is the width in pixels
	Width int `json:"width"`

	// Height is the height in pixels
	Height int `json:"height"`
}

// FullFrame returns the ROI covering a whole sensor of the given size
func FullFrame(sensorWidth, sensorHeight int) ROI {
	return ROI{Width: sensorWidth, Height: sensorHeight}
}

// IsFullFrame returns true if r covers the whole sensor
func (r ROI) IsFullFrame(sensorWidth, sensorHeight int) bool {
	return r == FullFrame(sensorWidth, sensorHeight)
}

// Check returns an InvalidRegionError if r does not fit on the sensor
func (r ROI) Check(sensorWidth, sensorHeight int) error {
	if r.Left < 0 || r.Top < 0 || r.Width <= 0 || r.Height <= 0 ||
		r.Left+r.Width > sensorWidth || r.Top+r.Height > sensorHeight {
		return &InvalidRegionError{ROI: r, SensorWidth: sensorWidth, SensorHeight: sensorHeight}
	}
	return nil
}

func (r ROI) String() string {
	return fmt.Sprintf("%dx%d+%d+%d", r.Width, r.Height, r.Left, r.Top)
}
