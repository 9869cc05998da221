// Package imgrec contains the image naming policy, the sequence counter and
// the writer used to save images to disk and the large-file annex.
package imgrec

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"time"
)

// DayObsLayout is the layout of an observation day
const DayObsLayout = "20060102"

// DayObs returns the observation day for t, the UTC date 12 hours earlier.
// A night's observations share one day even though they cross midnight.
func DayObs(t time.Time) string {
	return t.UTC().Add(-12 * time.Hour).Format(DayObsLayout)
}

// ImageName returns {camera}_{controller}_{dayobs}_{seq:06d}
func ImageName(cameraCode, controllerCode, dayObs string, seq int) string {
	return fmt.Sprintf("%s_%s_%s_%06d", cameraCode, controllerCode, dayObs, seq)
}

// FileName returns the file name for an image name
func FileName(imageName string) string {
	return imageName + ".fits"
}

// FrameFileName returns the file name of frame n of a stream
func FrameFileName(imageName string, frame int) string {
	return fmt.Sprintf("%s_%06d.fits", imageName, frame)
}

// Sequencer hands out sequence numbers within an observation day.  The
// first number issued on a day is one past the highest found under Root,
// counting the markers of uploaded images, so numbers are not reused across
// restarts.  It is not thread safe.
type Sequencer struct {
	// Root is the folder scanned, recursively
	Root string

	CameraCode     string
	ControllerCode string

	dayObs string
	last   int
	re     *regexp.Regexp
}

// NewSequencer returns a Sequencer for files written by this camera and
// controller under root
func NewSequencer(root, cameraCode, controllerCode string) *Sequencer {
	// single images are NAME.fits, or NAME.fits.uploaded when only the annex
	// holds them, stream frames NAME_nnnnnn.fits
	re := regexp.MustCompile(`^` + regexp.QuoteMeta(cameraCode) + `_` + regexp.QuoteMeta(controllerCode) +
		`_(\d{8})_(\d{6,})(?:_\d{6,})?\.fits(?:` + regexp.QuoteMeta(UploadedSuffix) + `)?$`)
	return &Sequencer{Root: root, CameraCode: cameraCode, ControllerCode: controllerCode, re: re}
}

// Scan returns the highest sequence number on disk for dayObs, 0 if there
// are none
func (s *Sequencer) Scan(dayObs string) (int, error) {
	max := 0
	err := filepath.WalkDir(s.Root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) && path == s.Root {
				return filepath.SkipDir
			}
			return err
		}
		if d.IsDir() {
			return nil
		}
		m := s.re.FindStringSubmatch(d.Name())
		if m == nil || m[1] != dayObs {
			return nil
		}
		n, err := strconv.Atoi(m[2])
		if err != nil {
			return nil
		}
		if n > max {
			max = n
		}
		return nil
	})
	return max, err
}

// Next returns the next sequence number for dayObs.  The counter restarts
// at 1 when the day changes.  If there is an error, no number is consumed.
func (s *Sequencer) Next(dayObs string) (int, error) {
	if dayObs != s.dayObs {
		last, err := s.Scan(dayObs)
		if err != nil {
			return 0, err
		}
		s.dayObs, s.last = dayObs, last
	}
	s.last++
	return s.last, nil
}

// Last returns the most recently issued number and its day
func (s *Sequencer) Last() (string, int) {
	return s.dayObs, s.last
}
