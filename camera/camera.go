/*Package camera describes the contract between the exposure controller and a
camera driver, and the data that flows across it.

Drivers are polled, not called back.  The controller begins an integration
with StartIntegration, calls PollReady until it reports true, then takes the
frame with ReadImage.  The frame returned by ReadImage may alias memory the
driver reuses for the next capture; consumers which hold on to it must Copy
it first.

*/
package camera

import "time"

// Driver is a camera variant (simulated, networked, vendor SDK, ...).
type Driver interface {
	// Name is the short name of the driver, used in config files
	Name() string

	// Initialize connects to the hardware and prepares it for exposures.
	// Info and ROI are valid after Initialize returns nil.
	Initialize() error

	// Close releases the hardware
	Close() error

	// Configure applies a set of options.  Recognized keys are listed
	// in the Opt* constants.  The options are validated as a set before
	// anything is applied, so a ConfigurationError leaves the camera unchanged.
	Configure(Options) error

	// StartIntegration begins an exposure and returns immediately
	StartIntegration(Request) error

	// PollReady reports if the integration started by StartIntegration is
	// complete and a frame can be read.  It never blocks.
	PollReady() (bool, error)

	// ReadImage returns the frame.  It returns a ReadoutError if the frame
	// is not ready.
	ReadImage() (*Image, error)

	// ApplyROI sets the sensor readout window
	ApplyROI(ROI) error

	// ClearROI restores the full frame readout window
	ClearROI() error

	// ROI returns the current readout window
	ROI() ROI

	// Info returns the static description of the camera
	Info() Info
}

// FrameTimeouter is implemented by drivers which bound the wait for a frame
// themselves.  FrameTimeout is the time allowed beyond the exposure time.
type FrameTimeouter interface {
	FrameTimeout() time.Duration
}

// Option keys recognized by Configure
const (
	OptGain        = "gain"
	OptBinning     = "binning"
	OptROI         = "roi"
	OptShutterMode = "shutter_mode"
)

// Shutter modes
const (
	ShutterRolling = "rolling"
	ShutterGlobal  = "global"
)

// Options is a set of driver settings, usually unmarshaled from YAML or JSON.
type Options map[string]interface{}

// Request is an accepted exposure request.  It is passed by value and not
// modified once the controller accepts it.
type Request struct {
	// ExposureTime is the integration time in seconds
	ExposureTime float64 `json:"expTime"`

	// NumImages is the number of exposures to take
	NumImages int `json:"numImages"`

	// Shutter is true if the shutter should be opened
	Shutter bool `json:"shutter"`

	// ImageType is a tag such as OBJECT, BIAS, DARK or FLAT
	ImageType string `json:"imageType"`

	// KeyValueMap holds additional header keywords, "key: value, key2: value2"
	KeyValueMap string `json:"keyValueMap"`
}

// Info holds static descriptive attributes of the camera
type Info struct {
	// MakeAndModel describes the camera hardware
	MakeAndModel string `json:"cameraMakeAndModel"`

	// SensorWidth is the width of the sensor in pixels
	SensorWidth int `json:"sensorWidth"`

	// SensorHeight is the height of the sensor in pixels
	SensorHeight int `json:"sensorHeight"`

	// PixelSize is the pixel pitch in microns
	PixelSize float64 `json:"pixelSize"`

	// PlateScale is the on-sky pixel scale in arcseconds per pixel
	PlateScale float64 `json:"plateScale"`

	// LensFocalLength is the focal length of the lens in mm, if known
	LensFocalLength float64 `json:"lensFocalLength"`

	// LensDiameter is the aperture of the lens in mm, if known
	LensDiameter float64 `json:"lensDiameter"`
}

// Image is a frame read out from the camera
type Image struct {
	// Pixels is the row-major image data, len == Width*Height
	Pixels []uint16

	// Width is the width of the image in pixels
	Width int

	// Height is the height of the image in pixels
	Height int

	// Start is the wall clock time integration began
	Start time.Time

	// End is the wall clock time integration ended
	End time.Time

	// Sequence is the sequence number within the observing day, set by the
	// controller
	Sequence int
}

// Copy returns a deep copy of the image which does not share pixel memory
func (im *Image) Copy() *Image {
	out := *im
	out.Pixels = make([]uint16, len(im.Pixels))
	copy(out.Pixels, im.Pixels)
	return &out
}
