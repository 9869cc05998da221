package gencam

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nasa-jpl/gencam/camera"
	"github.com/nasa-jpl/gencam/fitsheader"
	"github.com/nasa-jpl/gencam/imgrec"
	"github.com/nasa-jpl/gencam/lfa"
	"github.com/nasa-jpl/gencam/util"
)

// IntegrationTimeout is the longest wait for a frame of exposure expTime
// seconds.  The exposure time is rounded up to whole seconds so a driver is
// never declared dead before it could have finished.
func IntegrationTimeout(expTime float64, margin time.Duration) time.Duration {
	return util.CeilSecsToDuration(expTime) + margin
}

// ImageResult describes one written image
type ImageResult struct {
	ImageName string `json:"imageName"`
	Path      string `json:"path,omitempty"`
	URL       string `json:"url,omitempty"`

	// Degraded lists what went wrong without failing the image
	Degraded []string `json:"degraded,omitempty"`
}

// TakeImage takes req.NumImages exposures and returns when the last has been
// written.  It fails with ErrBusy if an exposure or stream is in progress.
func (c *Controller) TakeImage(ctx context.Context, req camera.Request) ([]ImageResult, error) {
	v, err := c.submit(ctx, func(reply chan<- result) {
		if err := c.require(Idle); err != nil {
			reply <- result{err: err}
			return
		}
		if req.NumImages < 1 {
			reply <- result{err: &camera.ConfigurationError{Key: "numImages", Reason: "must be at least 1"}}
			return
		}
		if req.ExposureTime < 0 {
			reply <- result{err: &camera.ConfigurationError{Key: "expTime", Reason: "must not be negative"}}
			return
		}
		extra, err := ParseKeyValueMap(req.KeyValueMap)
		if err != nil {
			reply <- result{err: err}
			return
		}
		c.setState(Exposing)
		c.tasks.Add(1)
		go func() {
			defer c.tasks.Done()
			res, err := c.takeImages(c.runCtx, req, extra)
			reply <- result{val: res, err: err}
		}()
	})
	res, _ := v.([]ImageResult)
	return res, err
}

func (c *Controller) takeImages(ctx context.Context, req camera.Request, extra []fitsheader.Item) ([]ImageResult, error) {
	c.publish(EvtStartTakeImage, StartTakeImageData{NumImages: req.NumImages, ExpTime: req.ExposureTime, ImageType: req.ImageType})
	out := make([]ImageResult, 0, req.NumImages)
	names := []string{}
	for i := 1; i <= req.NumImages; i++ {
		res, _, err := c.exposeAndWrite(ctx, req, extra, i, true)
		if err != nil {
			if c.State() != Faulted {
				c.cfg.Log.Printf("image %d of %d failed: %v", i, req.NumImages, err)
				c.setState(Idle)
			}
			c.publish(EvtEndTakeImage, EndTakeImageData{ImageNames: names})
			return out, err
		}
		out = append(out, res)
		names = append(names, res.ImageName)
	}
	c.publish(EvtEndTakeImage, EndTakeImageData{ImageNames: names})
	c.setState(Idle)
	return out, nil
}

// exposeAndWrite takes image index of a sequence and writes it.  The state
// follows Exposing and Reading if track is set.  The image is returned with
// the result.
func (c *Controller) exposeAndWrite(ctx context.Context, req camera.Request, extra []fitsheader.Item, index int, track bool) (ImageResult, *camera.Image, error) {
	name, dayObs, seq, err := c.nextImageName()
	if err != nil {
		return ImageResult{}, nil, err
	}
	res := ImageResult{ImageName: name}
	id := ImageData{ImageName: name, ImageIndex: index, ExpTime: req.ExposureTime}

	if track {
		c.setState(Exposing)
	}
	c.publish(EvtExposureStarted, id)
	img, err := c.integrate(ctx, req, func() {
		c.publish(EvtExposureEnded, id)
		if track {
			c.setState(Reading)
		}
		c.publish(EvtStartReadout, id)
	})
	if err != nil {
		return res, nil, c.check(err)
	}
	img.Sequence = seq

	live := fitsheader.Live{
		ImageName:      name,
		DayObs:         dayObs,
		Sequence:       seq,
		CameraCode:     c.cfg.CameraCode,
		ControllerCode: c.cfg.ControllerCode,
		ImageType:      req.ImageType,
		ExposureTime:   req.ExposureTime,
		Shutter:        req.Shutter,
		Begin:          img.Start,
		End:            img.End,
		Written:        c.cfg.Now(),
		ImageIndex:     index,
		ImageCount:     req.NumImages,
		MakeAndModel:   c.drv.Info().MakeAndModel,
		Extra:          extra,
	}
	hdr, herr := c.asm.Assemble(ctx, live)

	fn := imgrec.FileName(name)
	dest := imgrec.Destination{Name: fn, Key: lfa.MakeKey(c.cfg.Index, dayObs, fn)}
	wres, err := c.wr.Write(ctx, dest, hdr, img)
	if err != nil {
		return res, nil, fmt.Errorf("writing %s: %w", fn, err)
	}
	res.Path, res.URL = wres.Path, wres.URL

	keys, vals := joinKeyValues(extra)
	c.publish(EvtEndReadout, EndReadoutData{ImageName: name, ImageIndex: index, Path: wres.Path, AdditionalKeys: keys, AdditionalValues: vals})
	if wres.URL != "" {
		c.publish(EvtLargeFileObjectAvailable, LargeFileObjectData{URL: wres.URL, ID: name})
	}
	if herr != nil {
		res.Degraded = append(res.Degraded, c.degraded(name, DegradedHeader, herr))
	}
	if wres.UploadErr != nil {
		res.Degraded = append(res.Degraded, c.degraded(name, DegradedUpload, wres.UploadErr))
	}
	return res, img, nil
}

func (c *Controller) degraded(name, reason string, err error) string {
	c.cfg.Log.Printf("%s degraded (%s): %v", name, reason, err)
	c.publish(EvtDegraded, DegradedData{ImageName: name, Reason: reason, Report: err.Error()})
	return reason
}

// integrate starts an integration, polls the driver until the frame is
// ready and reads it out.  onReady is called between the driver reporting
// ready and the readout.  The returned image is a copy the caller owns.
func (c *Controller) integrate(ctx context.Context, req camera.Request, onReady func()) (*camera.Image, error) {
	timeout := IntegrationTimeout(req.ExposureTime, c.cfg.TimeoutMargin)
	start := time.Now()
	if err := c.drv.StartIntegration(req); err != nil {
		return nil, err
	}
	deadline := start.Add(timeout)
	for {
		ready, err := c.drv.PollReady()
		if err != nil {
			return nil, err
		}
		if ready {
			break
		}
		if time.Now().After(deadline) {
			return nil, &camera.HardwareFault{Op: "PollReady", Err: fmt.Errorf("frame not ready %v after starting a %gs exposure", timeout, req.ExposureTime)}
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(c.cfg.PollInterval):
		}
	}
	if onReady != nil {
		onReady()
	}
	img, err := c.drv.ReadImage()
	if err != nil {
		return nil, err
	}
	if img == nil {
		return nil, &camera.ReadoutError{Reason: "driver returned no image"}
	}
	// the driver may reuse img.Pixels for its next capture
	img = img.Copy()
	if img.Start.IsZero() {
		img.Start = start
	}
	if img.End.IsZero() {
		img.End = img.Start.Add(util.SecsToDuration(req.ExposureTime))
	}
	return img, nil
}

// isCanceled is true for errors caused by the controller shutting down
func isCanceled(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
