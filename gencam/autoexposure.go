package gencam

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nasa-jpl/gencam/camera"
	"github.com/nasa-jpl/gencam/fitsheader"
)

// AutoExposureRequest is the body of startAutoExposure
type AutoExposureRequest struct {
	// MinExpTime and MaxExpTime bound the exposure time, in seconds
	MinExpTime float64 `json:"minExpTime"`
	MaxExpTime float64 `json:"maxExpTime"`

	Shutter     bool   `json:"shutter"`
	ImageType   string `json:"imageType"`
	KeyValueMap string `json:"keyValueMap"`
}

// autoSession is the state of an auto exposure loop.  At most one exists.
type autoSession struct {
	req   AutoExposureRequest
	extra []fitsheader.Item

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}

	// written only by the loop before done is closed
	expTime float64
	images  int
}

func (s *autoSession) requestStop() {
	s.stopOnce.Do(func() { close(s.stop) })
}

func (s *autoSession) stopping() bool {
	select {
	case <-s.stop:
		return true
	default:
		return false
	}
}

// StartAutoExposure begins taking images every AutoExposureInterval with an
// exposure time between req.MinExpTime and req.MaxExpTime chosen so the
// median level of each image stays within [MinBackground, MaxBackground].
// Every saved image consumes a sequence number like takeImage.
func (c *Controller) StartAutoExposure(ctx context.Context, req AutoExposureRequest) error {
	_, err := c.submit(ctx, func(reply chan<- result) {
		if err := c.require(Idle); err != nil {
			reply <- result{err: err}
			return
		}
		if req.MinExpTime < 0 {
			reply <- result{err: &camera.ConfigurationError{Key: "minExpTime", Reason: "must not be negative"}}
			return
		}
		if req.MaxExpTime < req.MinExpTime {
			reply <- result{err: &camera.ConfigurationError{Key: "maxExpTime", Reason: fmt.Sprintf("%g is less than minExpTime %g", req.MaxExpTime, req.MinExpTime)}}
			return
		}
		extra, err := ParseKeyValueMap(req.KeyValueMap)
		if err != nil {
			reply <- result{err: err}
			return
		}
		if req.ImageType == "" {
			req.ImageType = "ENGTEST"
		}
		s := &autoSession{
			req:     req,
			extra:   extra,
			expTime: req.MinExpTime,
			stop:    make(chan struct{}),
			done:    make(chan struct{}),
		}
		c.mu.Lock()
		c.auto = s
		c.mu.Unlock()
		c.setState(AutoExposing)
		c.publish(EvtAutoExposureStarted, AutoExposureData{MinExpTime: req.MinExpTime, MaxExpTime: req.MaxExpTime, ExpTime: req.MinExpTime})
		c.tasks.Add(1)
		go func() {
			defer c.tasks.Done()
			c.autoExpose(c.runCtx, s)
		}()
		reply <- result{}
	})
	return err
}

// StopAutoExposure stops the loop and returns once the image in progress has
// been written.  It returns the number of images saved.
func (c *Controller) StopAutoExposure(ctx context.Context) (int, error) {
	v, err := c.submit(ctx, func(reply chan<- result) {
		c.mu.Lock()
		st, s := c.state, c.auto
		c.mu.Unlock()
		if st == Faulted {
			reply <- result{err: ErrFaulted}
			return
		}
		if st != AutoExposing || s == nil {
			reply <- result{err: ErrNotAutoExposing}
			return
		}
		s.requestStop()
		go func() {
			<-s.done
			reply <- result{val: s.images}
		}()
	})
	n, _ := v.(int)
	return n, err
}

// autoExpose finds a starting exposure time from unsaved frames, then takes
// and saves one image per interval, adjusting the exposure time from each.
func (c *Controller) autoExpose(ctx context.Context, s *autoSession) {
	defer close(s.done)
	err := c.settleExposure(ctx, s)
	for err == nil && !s.stopping() {
		next := time.After(c.cfg.AutoExposureInterval)
		err = c.autoImage(ctx, s)
		if err != nil {
			break
		}
		select {
		case <-next:
		case <-s.stop:
		case <-ctx.Done():
			err = ctx.Err()
		}
	}

	c.mu.Lock()
	c.auto = nil
	c.mu.Unlock()
	c.publish(EvtAutoExposureStopped, AutoExposureData{MinExpTime: s.req.MinExpTime, MaxExpTime: s.req.MaxExpTime, ExpTime: s.expTime, Images: s.images})
	if err != nil && !isCanceled(err) {
		c.cfg.Log.Printf("auto exposure stopped after %d images: %v", s.images, err)
		if c.State() != Faulted {
			code := FaultAutoExposure
			var hf *camera.HardwareFault
			if errors.As(err, &hf) {
				code = FaultHardware
			}
			c.enterFault(code, err)
		}
		return
	}
	c.setState(Idle)
}

// settleExposure takes unsaved frames from MinExpTime until the background
// is in range or the exposure time cannot change further
func (c *Controller) settleExposure(ctx context.Context, s *autoSession) error {
	for !s.stopping() {
		req := camera.Request{ExposureTime: s.expTime, NumImages: 1, Shutter: s.req.Shutter, ImageType: s.req.ImageType}
		img, err := c.integrate(ctx, req, nil)
		if err != nil {
			return err
		}
		bg := median(img.Pixels)
		next := c.adjustExposure(s, bg)
		if next == s.expTime {
			if !c.inBackground(bg) {
				c.cfg.Log.Printf("auto exposure: background %g out of range at %gs, continuing anyway", bg, s.expTime)
			}
			return nil
		}
		s.expTime = next
	}
	return nil
}

// autoImage takes, saves and measures one image
func (c *Controller) autoImage(ctx context.Context, s *autoSession) error {
	req := camera.Request{ExposureTime: s.expTime, NumImages: 1, Shutter: s.req.Shutter, ImageType: s.req.ImageType}
	c.publish(EvtStartTakeImage, StartTakeImageData{NumImages: 1, ExpTime: req.ExposureTime, ImageType: req.ImageType})
	res, img, err := c.exposeAndWrite(ctx, req, s.extra, 1, false)
	if err != nil {
		c.publish(EvtEndTakeImage, EndTakeImageData{ImageNames: []string{}})
		return err
	}
	s.images++
	c.publish(EvtEndTakeImage, EndTakeImageData{ImageNames: []string{res.ImageName}})
	if next := c.adjustExposure(s, median(img.Pixels)); next != s.expTime {
		c.cfg.Log.Printf("auto exposure time %gs -> %gs", s.expTime, next)
		s.expTime = next
	}
	return nil
}

func (c *Controller) inBackground(bg float64) bool {
	return bg >= c.cfg.MinBackground && bg <= c.cfg.MaxBackground
}

// minAutoStep is the exposure time tried after zero, in seconds
const minAutoStep = 0.001

// adjustExposure halves the exposure time for a bright background and
// doubles it for a faint one, within the session's limits
func (c *Controller) adjustExposure(s *autoSession, bg float64) float64 {
	t := s.expTime
	switch {
	case bg > c.cfg.MaxBackground:
		t /= 2
		if t < s.req.MinExpTime {
			t = s.req.MinExpTime
		}
	case bg < c.cfg.MinBackground:
		t *= 2
		if t == 0 {
			t = minAutoStep
		}
		if t > s.req.MaxExpTime {
			t = s.req.MaxExpTime
		}
	}
	return t
}

// median is the median pixel value, from a histogram since pixels are
// 16 bit
func median(pix []uint16) float64 {
	if len(pix) == 0 {
		return 0
	}
	var hist [1 << 16]int
	for _, v := range pix {
		hist[v]++
	}
	// lo and hi are the 0-based ranks of the middle values
	lo, hi := (len(pix)-1)/2, len(pix)/2
	var mlo, mhi int
	seen := 0
	found := false
	for v, n := range hist[:] {
		if n == 0 {
			continue
		}
		if !found && seen+n > lo {
			mlo, found = v, true
		}
		if seen+n > hi {
			mhi = v
			break
		}
		seen += n
	}
	return (float64(mlo) + float64(mhi)) / 2
}
