package fitsheader

import (
	"strings"
	"time"

	"github.com/nasa-jpl/gencam/util"
)

// Live holds the values known to the controller at the time an image is
// read out.  Times are UTC and converted to TAI on output.
type Live struct {
	ImageName      string
	DayObs         string
	Sequence       int
	CameraCode     string
	ControllerCode string
	ImageType      string
	ExposureTime   float64
	Shutter        bool

	// Begin and End bound the integration
	Begin, End time.Time

	// Written is the creation time of the file
	Written time.Time

	// ImageIndex is 1-based, ImageCount the number of images in the sequence
	ImageIndex, ImageCount int

	// Frame is the frame number within a streaming session, 0 otherwise
	Frame int

	MakeAndModel string

	// Extra are additional keywords from the request's key/value map
	Extra []Item
}

func tai(t time.Time) interface{} {
	if t.IsZero() {
		return nil
	}
	return util.TAI(t).Format(TimeFormat)
}

// Header returns the live layer.  Unknown values are left out so they do
// not mask the header service or the template.
func (l Live) Header() Header {
	p := []Item{}
	add := func(k string, v interface{}, c string) {
		if v == nil {
			return
		}
		if s, ok := v.(string); ok && s == "" {
			return
		}
		p = append(p, Item{Keyword: k, Value: v, Comment: c})
	}
	add("TIMESYS", "TAI", "")
	add("DATE", tai(l.Written), "")
	add("DATE-OBS", tai(l.Begin), "")
	add("DATE-BEG", tai(l.Begin), "")
	add("DATE-END", tai(l.End), "")
	add("EXPTIME", l.ExposureTime, "")
	add("SHUTTER", l.Shutter, "Shutter opened during the exposure")
	add("IMGTYPE", strings.ToUpper(l.ImageType), "")
	add("OBSID", l.ImageName, "")
	add("DAYOBS", l.DayObs, "")
	if l.Sequence > 0 {
		add("SEQNUM", l.Sequence, "")
	}
	add("CAMCODE", l.CameraCode, "")
	add("CONTRLLR", l.ControllerCode, "")
	if l.ImageCount > 0 {
		add("CURINDEX", l.ImageIndex, "")
		add("MAXINDEX", l.ImageCount, "")
	}
	if l.Frame > 0 {
		add("FRAMENUM", l.Frame, "Frame number within the stream")
	}
	add("INSTRUME", l.MakeAndModel, "")
	p = append(p, l.Extra...)
	return Header{Primary: p}
}
