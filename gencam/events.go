package gencam

import (
	"time"

	"github.com/google/uuid"
)

// Event names
const (
	EvtStartTakeImage           = "startTakeImage"
	EvtExposureStarted          = "exposureStarted"
	EvtExposureEnded            = "exposureEnded"
	EvtStartReadout             = "startReadout"
	EvtEndReadout               = "endReadout"
	EvtLargeFileObjectAvailable = "largeFileObjectAvailable"
	EvtDegraded                 = "degraded"
	EvtEndTakeImage             = "endTakeImage"
	EvtStreamingModeStarted     = "streamingModeStarted"
	EvtStreamingModeStopped     = "streamingModeStopped"
	EvtAutoExposureStarted      = "autoExposureStarted"
	EvtAutoExposureStopped      = "autoExposureStopped"
	EvtCameraInfo               = "cameraInfo"
	EvtROI                      = "roi"
	EvtFault                    = "fault"
	EvtSummaryState             = "summaryState"
)

// Event is something that happened in the controller
type Event struct {
	ID   string      `json:"id"`
	Name string      `json:"name"`
	Time time.Time   `json:"time"`
	Data interface{} `json:"data,omitempty"`
}

// Publisher receives events.  Publish must not block.
type Publisher interface {
	Publish(Event)
}

// PublisherFunc adapts a function to a Publisher
type PublisherFunc func(Event)

// Publish calls f(e)
func (f PublisherFunc) Publish(e Event) {
	f(e)
}

// StartTakeImageData is the payload of startTakeImage
type StartTakeImageData struct {
	NumImages int     `json:"numImages"`
	ExpTime   float64 `json:"expTime"`
	ImageType string  `json:"imageType"`
}

// ImageData identifies an image within a sequence.  It is the payload of
// exposureStarted, exposureEnded and startReadout.
type ImageData struct {
	ImageName  string  `json:"imageName"`
	ImageIndex int     `json:"imageIndex"`
	ExpTime    float64 `json:"expTime"`
}

// EndReadoutData is the payload of endReadout
type EndReadoutData struct {
	ImageName        string `json:"imageName"`
	ImageIndex       int    `json:"imageIndex"`
	Path             string `json:"path,omitempty"`
	AdditionalKeys   string `json:"additionalKeys,omitempty"`
	AdditionalValues string `json:"additionalValues,omitempty"`
}

// LargeFileObjectData is the payload of largeFileObjectAvailable
type LargeFileObjectData struct {
	URL string `json:"url"`
	ID  string `json:"id"`
}

// Reasons for degraded events
const (
	DegradedHeader = "header"
	DegradedUpload = "upload"
	DegradedWrite  = "write"
)

// DegradedData is the payload of degraded
type DegradedData struct {
	ImageName string `json:"imageName"`
	Reason    string `json:"reason"`
	Report    string `json:"report"`
}

// EndTakeImageData is the payload of endTakeImage
type EndTakeImageData struct {
	ImageNames []string `json:"imageNames"`
}

// StreamingData is the payload of the streaming events
type StreamingData struct {
	Directory string  `json:"directory"`
	ImageName string  `json:"imageName"`
	ExpTime   float64 `json:"expTime"`
	Frames    int     `json:"frames"`
}

// AutoExposureData is the payload of the auto exposure events.  ExpTime is
// the exposure time in use, Images the number saved.
type AutoExposureData struct {
	MinExpTime float64 `json:"minExpTime"`
	MaxExpTime float64 `json:"maxExpTime"`
	ExpTime    float64 `json:"expTime"`
	Images     int     `json:"images"`
}

// FaultData is the payload of fault
type FaultData struct {
	Code   int    `json:"code"`
	Report string `json:"report"`
}

// SummaryStateData is the payload of summaryState
type SummaryStateData struct {
	State State `json:"state"`
}

func (c *Controller) publish(name string, data interface{}) {
	if c.pub == nil {
		return
	}
	c.pub.Publish(Event{ID: uuid.New().String(), Name: name, Time: c.cfg.Now().UTC(), Data: data})
}
