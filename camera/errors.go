package camera

import "fmt"

// ConfigurationError is generated when a driver is given options it does not
// support.  It is returned before any hardware action is taken.
type ConfigurationError struct {
	// Key is the offending option, if there is a single one
	Key string

	// Reason describes what is wrong
	Reason string
}

// Error satisfies the error interface
func (e *ConfigurationError) Error() string {
	if e.Key == "" {
		return fmt.Sprintf("configuration error: %s", e.Reason)
	}
	return fmt.Sprintf("configuration error for %s: %s", e.Key, e.Reason)
}

// HardwareFault is generated when the camera or its driver fails.  The
// exposure in progress is lost.
type HardwareFault struct {
	// Op is the driver operation which failed
	Op string

	// Err is the underlying error
	Err error
}

// Error satisfies the error interface
func (e *HardwareFault) Error() string {
	return fmt.Sprintf("hardware fault during %s: %v", e.Op, e.Err)
}

// Unwrap returns the underlying error
func (e *HardwareFault) Unwrap() error {
	return e.Err
}

// ReadoutError is generated when the driver is used out of sequence, for
// example ReadImage before PollReady reported true
type ReadoutError struct {
	Reason string
}

// Error satisfies the error interface
func (e *ReadoutError) Error() string {
	return "readout error: " + e.Reason
}

// InvalidRegionError is generated when an ROI does not fit on the sensor
type InvalidRegionError struct {
	ROI          ROI
	SensorWidth  int
	SensorHeight int
}

// Error satisfies the error interface
func (e *InvalidRegionError) Error() string {
	return fmt.Sprintf("region %s does not fit on %dx%d sensor", e.ROI, e.SensorWidth, e.SensorHeight)
}
