package gencam

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"golang.org/x/time/rate"

	"github.com/nasa-jpl/gencam/camera"
	"github.com/nasa-jpl/gencam/fitsheader"
	"github.com/nasa-jpl/gencam/imgrec"
)

// session is the state of a stream.  At most one exists.
type session struct {
	dir       string
	imageName string
	dayObs    string
	seq       int
	expTime   float64
	model     string

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}

	// written only by the stream goroutines before done is closed
	captured int
	written  int
}

func (s *session) requestStop() {
	s.stopOnce.Do(func() { close(s.stop) })
}

func (s *session) stopping() bool {
	select {
	case <-s.stop:
		return true
	default:
		return false
	}
}

// cleanDir checks that dir names a folder beneath the output root
func cleanDir(dir string) (string, error) {
	d := filepath.Clean(strings.TrimSpace(dir))
	if d == "." || d == "" || filepath.IsAbs(d) || d == ".." || strings.HasPrefix(d, ".."+string(filepath.Separator)) {
		return "", &camera.ConfigurationError{Key: "directory", Reason: "must be a relative path beneath the output root: " + dir}
	}
	return d, nil
}

// StartStreaming begins capturing frames of expTime seconds continuously into
// dir, relative to the output root.  The stream consumes one sequence number,
// the returned image name, and frames are <image name>_<frame>.fits.
func (c *Controller) StartStreaming(ctx context.Context, dir string, expTime float64) (string, error) {
	v, err := c.submit(ctx, func(reply chan<- result) {
		if err := c.require(Idle); err != nil {
			reply <- result{err: err}
			return
		}
		if expTime < 0 {
			reply <- result{err: &camera.ConfigurationError{Key: "expTime", Reason: "must not be negative"}}
			return
		}
		d, err := cleanDir(dir)
		if err != nil {
			reply <- result{err: err}
			return
		}
		if err := os.MkdirAll(filepath.Join(c.cfg.OutputRoot, d), 0777); err != nil {
			reply <- result{err: err}
			return
		}
		name, dayObs, seq, err := c.nextImageName()
		if err != nil {
			reply <- result{err: err}
			return
		}
		s := &session{
			dir:       d,
			imageName: name,
			dayObs:    dayObs,
			seq:       seq,
			expTime:   expTime,
			model:     c.drv.Info().MakeAndModel,
			stop:      make(chan struct{}),
			done:      make(chan struct{}),
		}
		c.mu.Lock()
		c.session = s
		c.mu.Unlock()
		c.setState(Streaming)
		c.publish(EvtStreamingModeStarted, StreamingData{Directory: d, ImageName: name, ExpTime: expTime})
		c.tasks.Add(1)
		go func() {
			defer c.tasks.Done()
			c.stream(c.runCtx, s)
		}()
		reply <- result{val: name}
	})
	name, _ := v.(string)
	return name, err
}

// StopStreaming stops the stream and returns once every captured frame has
// been written.  It returns the number of frames.
func (c *Controller) StopStreaming(ctx context.Context) (int, error) {
	v, err := c.submit(ctx, func(reply chan<- result) {
		c.mu.Lock()
		st, s := c.state, c.session
		c.mu.Unlock()
		if st == Faulted {
			reply <- result{err: ErrFaulted}
			return
		}
		if st != Streaming || s == nil {
			reply <- result{err: ErrNotStreaming}
			return
		}
		s.requestStop()
		go func() {
			<-s.done
			reply <- result{val: s.captured}
		}()
	})
	n, _ := v.(int)
	return n, err
}

// stream is the capture loop.  Each frame is copied out of the driver's
// buffer and queued to a writer goroutine; when the queue is full capture
// waits for the writer.
func (c *Controller) stream(ctx context.Context, s *session) {
	defer close(s.done)
	queue := make(chan *camera.Image, c.cfg.QueueDepth)
	written := make(chan struct{})
	go func() {
		defer close(written)
		for img := range queue {
			c.writeFrame(ctx, s, img)
		}
	}()

	limit := rate.Inf
	if c.cfg.MaxFPS > 0 {
		limit = rate.Limit(c.cfg.MaxFPS)
	}
	lim := rate.NewLimiter(limit, 1)
	req := camera.Request{ExposureTime: s.expTime, NumImages: 1, Shutter: true, ImageType: "STREAM"}

	var fault error
	for !s.stopping() {
		if err := lim.Wait(ctx); err != nil {
			break
		}
		img, err := c.integrate(ctx, req, nil)
		if err != nil {
			if !isCanceled(err) {
				fault = err
			}
			break
		}
		s.captured++
		img.Sequence = s.captured
		queue <- img
	}
	close(queue)
	<-written

	data := StreamingData{Directory: s.dir, ImageName: s.imageName, ExpTime: s.expTime, Frames: s.captured}
	c.mu.Lock()
	c.session = nil
	c.mu.Unlock()
	c.publish(EvtStreamingModeStopped, data)
	if fault != nil {
		c.cfg.Log.Printf("stream %s stopped after %d frames: %v", s.imageName, s.captured, fault)
		c.check(fault)
		if c.State() == Faulted {
			return
		}
	}
	c.setState(Idle)
}

// writeFrame writes one frame.  Failures are published as degraded events
// and do not stop the stream.
func (c *Controller) writeFrame(ctx context.Context, s *session, img *camera.Image) {
	live := fitsheader.Live{
		ImageName:      s.imageName,
		DayObs:         s.dayObs,
		Sequence:       s.seq,
		CameraCode:     c.cfg.CameraCode,
		ControllerCode: c.cfg.ControllerCode,
		ImageType:      "STREAM",
		ExposureTime:   s.expTime,
		Shutter:        true,
		Begin:          img.Start,
		End:            img.End,
		Written:        c.cfg.Now(),
		Frame:          img.Sequence,
		MakeAndModel:   s.model,
	}
	hdr := c.asm.AssembleLocal(live)
	dest := imgrec.Destination{Dir: s.dir, Name: imgrec.FrameFileName(s.imageName, img.Sequence)}
	if _, err := c.wr.Write(ctx, dest, hdr, img); err != nil {
		c.degraded(s.imageName, DegradedWrite, err)
		return
	}
	s.written++
}
