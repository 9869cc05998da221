/*Package gencam is the exposure controller of a generic camera.

A Controller owns one camera.Driver.  Commands are queued and handled one at
a time by Run.  Taking images and the two continuous modes run as tasks next
to the command loop, so the loop stays responsive and commands which conflict
with the task are rejected with ErrBusy rather than queued behind it.

States:

	Idle         -> Exposing      takeImage
	Exposing     -> Reading       the driver reports the frame ready
	Reading      -> Exposing      next image of a sequence
	Reading      -> Idle          last image written
	Idle         -> Streaming     startStreaming
	Streaming    -> Idle          stopStreaming, after queued frames are written
	Idle         -> AutoExposing  startAutoExposure
	AutoExposing -> Idle          stopAutoExposure, after the image in progress
	any          -> Faulted       a camera.HardwareFault
	Faulted      -> Idle          reset

The output root and the sequence counter belong to the controller.  Nothing
else may write files with the controller's camera and controller codes under
the output root while it runs.
*/
package gencam

import (
	"errors"
	"fmt"
	"log"
	"time"
)

// State is the state of the controller
type State int

const (
	// Idle is ready for commands
	Idle State = iota

	// Exposing is integrating an image of a take-image sequence
	Exposing

	// Reading is reading out, assembling and writing an image
	Reading

	// Streaming is capturing frames continuously
	Streaming

	// AutoExposing is taking images at an interval with an exposure time
	// adjusted to the background level
	AutoExposing

	// Faulted requires a reset
	Faulted
)

var stateNames = [...]string{"Idle", "Exposing", "Reading", "Streaming", "AutoExposing", "Faulted"}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "Unknown"
	}
	return stateNames[s]
}

// MarshalText encodes the state by name
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText decodes a state name
func (s *State) UnmarshalText(b []byte) error {
	for i, n := range stateNames {
		if n == string(b) {
			*s = State(i)
			return nil
		}
	}
	return fmt.Errorf("unknown state %q", b)
}

var (
	// ErrBusy is returned when a command is not allowed because an exposure
	// or stream is in progress
	ErrBusy = errors.New("controller busy")

	// ErrFaulted is returned for commands other than reset while faulted
	ErrFaulted = errors.New("controller faulted, reset required")

	// ErrNotStreaming is returned by StopStreaming when not streaming
	ErrNotStreaming = errors.New("not streaming")

	// ErrNotAutoExposing is returned by StopAutoExposure when the auto
	// exposure loop is not running
	ErrNotAutoExposing = errors.New("not auto exposing")

	// ErrNotFaulted is returned by Reset when not faulted
	ErrNotFaulted = errors.New("controller not faulted")

	// ErrClosed is returned for commands sent after Run has returned
	ErrClosed = errors.New("controller closed")
)

// Fault codes published with fault events
const (
	// FaultHardware is a HardwareFault during a command or exposure
	FaultHardware = 100

	// FaultInitialize is a failure to initialize the driver
	FaultInitialize = 101

	// FaultAutoExposure is a failure of the auto exposure loop other than a
	// HardwareFault, such as an image which could not be written
	FaultAutoExposure = 102
)

// Config carries the controller settings
type Config struct {
	// CameraCode is the first part of image names, such as GC1
	CameraCode string

	// ControllerCode is the second part of image names, such as O
	ControllerCode string

	// Index is the camera index, used in annex keys
	Index int

	// OutputRoot is the local folder images are written beneath
	OutputRoot string

	// PollInterval is the time between calls to PollReady
	PollInterval time.Duration

	// TimeoutMargin is added to the rounded up exposure time to give the
	// longest wait for the driver.  It is raised for drivers with a longer
	// timeout of their own.
	TimeoutMargin time.Duration

	// MaxFPS limits the streaming frame rate, 0 is unlimited
	MaxFPS float64

	// QueueDepth is the number of streaming frames which can wait to be
	// written before capture blocks
	QueueDepth int

	// AutoExposureInterval is the cadence of auto exposure images.  An
	// image longer than the interval is followed at once by the next.
	AutoExposureInterval time.Duration

	// MinBackground and MaxBackground bound the median level, in DN, auto
	// exposure aims for
	MinBackground float64
	MaxBackground float64

	// Now is the clock used for observation days and file times
	Now func() time.Time

	Log *log.Logger
}

func (c Config) withDefaults() Config {
	if c.PollInterval <= 0 {
		c.PollInterval = 10 * time.Millisecond
	}
	if c.TimeoutMargin <= 0 {
		c.TimeoutMargin = time.Second
	}
	if c.QueueDepth <= 0 {
		c.QueueDepth = 4
	}
	if c.MaxBackground <= 0 {
		c.MinBackground, c.MaxBackground = 10000, 40000
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	if c.Log == nil {
		c.Log = log.Default()
	}
	return c
}
