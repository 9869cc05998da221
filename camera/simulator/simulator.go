// Package simulator provides a software camera which produces synthetic frames.
// It keeps the timing behavior of a real camera, integration takes the
// requested exposure time and readout takes ReadoutTime.
package simulator

import (
	"errors"
	"sync"
	"time"

	"github.com/nasa-jpl/gencam/camera"
	"github.com/nasa-jpl/gencam/util"
)

const (
	// DefaultWidth is the default sensor width in pixels
	DefaultWidth = 1024

	// DefaultHeight is the default sensor height in pixels
	DefaultHeight = 1024

	// bias is the simulated zero level of the detector, in DN
	bias = 1000
)

// ErrNotInitialized is generated when the camera is used before Initialize
var ErrNotInitialized = errors.New("simulator: camera not initialized")

// Camera is a simulated camera.  It is concurrent safe.
type Camera struct {
	mu sync.Mutex

	// width and height of the sensor
	width, height int

	// ReadoutTime is the time to read out a frame after integration
	ReadoutTime time.Duration

	// Now is the clock, time.Now if nil
	Now func() time.Time

	initialized bool
	roi         camera.ROI
	gain        float64
	binning     int
	shutterMode string

	// scratch is reused by every readout, like a driver-owned DMA buffer
	scratch []uint16
	frames  int

	integrating bool
	start       time.Time
	exposure    time.Duration
}

// New returns a simulated camera with the given sensor size.  Zero values
// select the defaults.
func New(width, height int) *Camera {
	if width <= 0 {
		width = DefaultWidth
	}
	if height <= 0 {
		height = DefaultHeight
	}
	return &Camera{
		width:       width,
		height:      height,
		ReadoutTime: 50 * time.Millisecond,
		binning:     1,
		shutterMode: camera.ShutterRolling,
		roi:         camera.FullFrame(width, height),
	}
}

func (c *Camera) now() time.Time {
	if c.Now == nil {
		return time.Now()
	}
	return c.Now()
}

// Name returns "simulator"
func (c *Camera) Name() string {
	return "simulator"
}

// Initialize prepares the camera
func (c *Camera) Initialize() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.initialized = true
	c.integrating = false
	return nil
}

// Close shuts the camera down
func (c *Camera) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.initialized = false
	c.integrating = false
	return nil
}

// Configure applies options to the camera
func (c *Camera) Configure(opts camera.Options) error {
	s, err := camera.ParseOptions(opts)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.integrating {
		return &camera.ReadoutError{Reason: "cannot configure during integration"}
	}
	binning, mode, roi := c.binning, c.shutterMode, c.roi
	if s.Binning != nil {
		binning = *s.Binning
	}
	if s.ShutterMode != nil {
		mode = *s.ShutterMode
	}
	if s.ROI != nil {
		roi = *s.ROI
	}
	// the simulated global shutter sensor has no 4x4 binning mode
	if mode == camera.ShutterGlobal && binning > 2 {
		return &camera.ConfigurationError{Reason: "global shutter supports binning of at most 2"}
	}
	if err := roi.Check(c.width, c.height); err != nil {
		return &camera.ConfigurationError{Key: camera.OptROI, Reason: err.Error()}
	}
	if roi.Width < binning || roi.Height < binning {
		return &camera.ConfigurationError{Key: camera.OptBinning, Reason: "region smaller than binning factor"}
	}
	c.binning, c.shutterMode, c.roi = binning, mode, roi
	if s.Gain != nil {
		c.gain = *s.Gain
	}
	return nil
}

// StartIntegration begins a simulated exposure
func (c *Camera) StartIntegration(req camera.Request) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.initialized {
		return &camera.HardwareFault{Op: "StartIntegration", Err: ErrNotInitialized}
	}
	if c.integrating {
		return &camera.ReadoutError{Reason: "integration already in progress"}
	}
	if req.ExposureTime < 0 {
		return &camera.ConfigurationError{Key: "expTime", Reason: "negative exposure time"}
	}
	c.integrating = true
	c.start = c.now()
	c.exposure = util.SecsToDuration(req.ExposureTime)
	return nil
}

// PollReady reports if the exposure and readout are complete
func (c *Camera) PollReady() (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.initialized {
		return false, &camera.HardwareFault{Op: "PollReady", Err: ErrNotInitialized}
	}
	if !c.integrating {
		return false, nil
	}
	return !c.now().Before(c.start.Add(c.exposure + c.ReadoutTime)), nil
}

// ReadImage returns the frame.  The pixels are only valid until the next
// call to ReadImage.
func (c *Camera) ReadImage() (*camera.Image, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.initialized {
		return nil, &camera.HardwareFault{Op: "ReadImage", Err: ErrNotInitialized}
	}
	if !c.integrating {
		return nil, &camera.ReadoutError{Reason: "no integration started"}
	}
	end := c.start.Add(c.exposure)
	if c.now().Before(end.Add(c.ReadoutTime)) {
		return nil, &camera.ReadoutError{Reason: "frame not ready"}
	}
	c.integrating = false
	c.frames++

	w, h := c.roi.Width/c.binning, c.roi.Height/c.binning
	n := w * h
	if cap(c.scratch) < n {
		c.scratch = make([]uint16, n)
	}
	c.scratch = c.scratch[:n]
	signal := c.exposure.Seconds() * (1 + c.gain/10) * float64(c.binning*c.binning)
	for i := 0; i < n; i++ {
		// a gradient that changes per frame, so frames are distinguishable
		v := bias + signal + float64((i+c.frames)%256)
		c.scratch[i] = uint16(util.Clamp(v, 0, 65535))
	}
	return &camera.Image{
		Pixels: c.scratch,
		Width:  w,
		Height: h,
		Start:  c.start,
		End:    end,
	}, nil
}

// ApplyROI sets the readout window
func (c *Camera) ApplyROI(r camera.ROI) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := r.Check(c.width, c.height); err != nil {
		return err
	}
	if c.integrating {
		return &camera.ReadoutError{Reason: "cannot change ROI during integration"}
	}
	c.roi = r
	return nil
}

// ClearROI restores the full frame
func (c *Camera) ClearROI() error {
	return c.ApplyROI(camera.FullFrame(c.width, c.height))
}

// ROI returns the current readout window
func (c *Camera) ROI() camera.ROI {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.roi
}

// Info describes the simulated camera
func (c *Camera) Info() camera.Info {
	return camera.Info{
		MakeAndModel:    "Simulator",
		SensorWidth:     c.width,
		SensorHeight:    c.height,
		PixelSize:       5.5,
		PlateScale:      1.2,
		LensFocalLength: 100,
		LensDiameter:    50,
	}
}
