package fitsheader

import (
	"fmt"
	"io"
	"os"

	yml "gopkg.in/yaml.v2"
)

// TimeFormat is the layout of time values in headers.  Times are TAI.
const TimeFormat = "2006-01-02T15:04:05.000"

// DefaultTemplate returns the built-in template.  Values not known until the
// exposure or supplied by the header service are undefined.
func DefaultTemplate() Header {
	return Header{
		Primary: []Item{
			{"TIMESYS", "TAI", "The time scale used"},
			{"DATE", nil, "Creation Date and Time of File"},
			{"DATE-OBS", nil, "Date of observation (image acquisition)"},
			{"DATE-BEG", nil, "Time at the start of integration"},
			{"DATE-END", nil, "Time at the start of readout"},
			{"EXPTIME", nil, "Exposure time in seconds"},
			{"IMGTYPE", nil, "Type of image"},
			{"OBSID", nil, "Image name"},
			{"DAYOBS", nil, "Observation day"},
			{"SEQNUM", nil, "Sequence number within the observation day"},
			{"CAMCODE", nil, "Camera code"},
			{"CONTRLLR", nil, "Controller code"},
			{"CURINDEX", nil, "Index of this image in the sequence"},
			{"MAXINDEX", nil, "Number of images in the sequence"},
			{"INSTRUME", nil, "Camera make and model"},
			{"TELESCOP", nil, "Telescope name"},
			{"RA", nil, "Telescope right ascension (deg)"},
			{"DEC", nil, "Telescope declination (deg)"},
			{"ROTPA", nil, "Rotator position angle (deg)"},
		},
		Image: []Item{
			{"EXTNAME", "IMAGE1", "Extension name"},
		},
	}
}

// DecodeTemplate reads a template document
func DecodeTemplate(r io.Reader) (Header, error) {
	var h Header
	err := yml.NewDecoder(r).Decode(&h)
	if err != nil && err != io.EOF {
		return h, fmt.Errorf("fitsheader: decoding template: %w", err)
	}
	h.Primary = cleanItems(h.Primary)
	h.Image = cleanItems(h.Image)
	return h, nil
}

// LoadTemplate reads a template document from a file.  An empty path
// returns DefaultTemplate.
func LoadTemplate(path string) (Header, error) {
	if path == "" {
		return DefaultTemplate(), nil
	}
	f, err := os.Open(path)
	if err != nil {
		return Header{}, err
	}
	defer f.Close()
	return DecodeTemplate(f)
}

// cleanItems drops decorative entries (blank or COMMENT keywords) and the
// ignore list of structural keywords
func cleanItems(items []Item) []Item {
	out := make([]Item, 0, len(items))
	for _, it := range items {
		if it.Keyword == "" || it.Keyword == "COMMENT" || IsStructural(it.Keyword) {
			continue
		}
		out = append(out, it)
	}
	return out
}
