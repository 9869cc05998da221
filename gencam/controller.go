package gencam

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/nasa-jpl/gencam/camera"
	"github.com/nasa-jpl/gencam/fitsheader"
	"github.com/nasa-jpl/gencam/imgrec"
)

type result struct {
	val interface{}
	err error
}

// command is handled on the loop goroutine.  The handler sends exactly one
// result on reply, possibly later from a task goroutine.
type command struct {
	handle func(reply chan<- result)
	reply  chan result
}

// ImageWriter stores images.  *imgrec.Writer is the implementation; its Root
// should be the controller's output root.
type ImageWriter interface {
	Write(ctx context.Context, dest imgrec.Destination, hdr fitsheader.Header, imgs ...*camera.Image) (imgrec.Result, error)
}

// Controller is the exposure controller.  Its methods are safe for
// concurrent use once Run has been called.
type Controller struct {
	cfg Config
	drv camera.Driver
	asm *fitsheader.Assembler
	wr  ImageWriter
	seq *imgrec.Sequencer
	pub Publisher

	cmds chan command
	done chan struct{}

	// runCtx is the context of Run, tasks stop when it is done
	runCtx context.Context
	tasks  sync.WaitGroup

	mu      sync.Mutex
	state   State
	session *session
	auto    *autoSession
	fault   error
}

// New returns a controller.  asm and wr may be nil, in which case the
// default template is used and images are written under cfg.OutputRoot
// with no annex.  If drv is a camera.FrameTimeouter the timeout margin is
// raised to outlast the driver's timeout.
func New(cfg Config, drv camera.Driver, asm *fitsheader.Assembler, wr ImageWriter, pub Publisher) *Controller {
	cfg = cfg.withDefaults()
	if asm == nil {
		asm = &fitsheader.Assembler{Template: fitsheader.DefaultTemplate(), Log: cfg.Log}
	}
	if wr == nil {
		wr = &imgrec.Writer{Root: cfg.OutputRoot, Log: cfg.Log}
	}
	// the driver's own timeout fires first and its error is reported
	if ft, ok := drv.(camera.FrameTimeouter); ok {
		if min := ft.FrameTimeout() + cfg.PollInterval; cfg.TimeoutMargin < min {
			cfg.TimeoutMargin = min
		}
	}
	return &Controller{
		cfg:  cfg,
		drv:  drv,
		asm:  asm,
		wr:   wr,
		seq:  imgrec.NewSequencer(cfg.OutputRoot, cfg.CameraCode, cfg.ControllerCode),
		pub:  pub,
		cmds: make(chan command),
		done: make(chan struct{}),
	}
}

// Run initializes the driver and handles commands until ctx is done.  On
// return any stream has been stopped, tasks have finished and the driver is
// closed.  If the driver fails to initialize the controller starts Faulted.
func (c *Controller) Run(ctx context.Context) error {
	c.runCtx = ctx
	defer close(c.done)
	if err := c.initDriver(); err != nil {
		c.enterFault(FaultInitialize, err)
	} else {
		c.publish(EvtSummaryState, SummaryStateData{State: c.State()})
	}
	for {
		select {
		case <-ctx.Done():
			c.shutdown()
			return ctx.Err()
		case cmd := <-c.cmds:
			cmd.handle(cmd.reply)
		}
	}
}

func (c *Controller) shutdown() {
	c.mu.Lock()
	s, a := c.session, c.auto
	c.mu.Unlock()
	if s != nil {
		s.requestStop()
	}
	if a != nil {
		a.requestStop()
	}
	c.tasks.Wait()
	if err := c.drv.Close(); err != nil {
		c.cfg.Log.Println("closing driver:", err)
	}
}

func (c *Controller) initDriver() error {
	if err := c.drv.Initialize(); err != nil {
		return err
	}
	c.publish(EvtCameraInfo, c.drv.Info())
	c.publish(EvtROI, c.drv.ROI())
	return nil
}

// submit queues a command and waits for its result.  If ctx is done first
// the command may still run to completion.
func (c *Controller) submit(ctx context.Context, h func(reply chan<- result)) (interface{}, error) {
	cmd := command{handle: h, reply: make(chan result, 1)}
	select {
	case c.cmds <- cmd:
	case <-c.done:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	select {
	case r := <-cmd.reply:
		return r.val, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// State returns the current state
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Fault returns the error which faulted the controller, nil if not faulted
func (c *Controller) Fault() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.fault
}

// Info returns the camera description
func (c *Controller) Info() camera.Info {
	return c.drv.Info()
}

// ROI returns the current readout window
func (c *Controller) ROI() camera.ROI {
	return c.drv.ROI()
}

func (c *Controller) setState(s State) {
	c.mu.Lock()
	changed := c.state != s
	c.state = s
	c.mu.Unlock()
	if changed {
		c.publish(EvtSummaryState, SummaryStateData{State: s})
	}
}

// require checks that a command which needs state want can run
func (c *Controller) require(want State) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == Faulted {
		return ErrFaulted
	}
	if c.state != want {
		return ErrBusy
	}
	return nil
}

func (c *Controller) enterFault(code int, err error) {
	c.mu.Lock()
	c.fault = err
	c.session = nil
	c.mu.Unlock()
	c.cfg.Log.Println("fault:", err)
	c.publish(EvtFault, FaultData{Code: code, Report: err.Error()})
	c.setState(Faulted)
}

// check faults the controller if err is a HardwareFault, and returns err
func (c *Controller) check(err error) error {
	var hf *camera.HardwareFault
	if errors.As(err, &hf) {
		c.enterFault(FaultHardware, err)
	}
	return err
}

// nextImageName consumes a sequence number
func (c *Controller) nextImageName() (name, dayObs string, seq int, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	dayObs = imgrec.DayObs(c.cfg.Now())
	seq, err = c.seq.Next(dayObs)
	if err != nil {
		return "", "", 0, fmt.Errorf("reading sequence numbers from %s: %w", c.cfg.OutputRoot, err)
	}
	return imgrec.ImageName(c.cfg.CameraCode, c.cfg.ControllerCode, dayObs, seq), dayObs, seq, nil
}

// SetROI sets the readout window
func (c *Controller) SetROI(ctx context.Context, r camera.ROI) error {
	_, err := c.submit(ctx, func(reply chan<- result) {
		if err := c.require(Idle); err != nil {
			reply <- result{err: err}
			return
		}
		if err := c.check(c.drv.ApplyROI(r)); err != nil {
			reply <- result{err: err}
			return
		}
		c.publish(EvtROI, c.drv.ROI())
		reply <- result{}
	})
	return err
}

// SetFullFrame restores the full frame readout window
func (c *Controller) SetFullFrame(ctx context.Context) error {
	_, err := c.submit(ctx, func(reply chan<- result) {
		if err := c.require(Idle); err != nil {
			reply <- result{err: err}
			return
		}
		if err := c.check(c.drv.ClearROI()); err != nil {
			reply <- result{err: err}
			return
		}
		c.publish(EvtROI, c.drv.ROI())
		reply <- result{}
	})
	return err
}

// ConfigureCamera applies driver options
func (c *Controller) ConfigureCamera(ctx context.Context, opts camera.Options) error {
	_, err := c.submit(ctx, func(reply chan<- result) {
		if err := c.require(Idle); err != nil {
			reply <- result{err: err}
			return
		}
		if err := c.check(c.drv.Configure(opts)); err != nil {
			reply <- result{err: err}
			return
		}
		c.publish(EvtROI, c.drv.ROI())
		reply <- result{}
	})
	return err
}

// Reset reinitializes the driver and leaves the Faulted state
func (c *Controller) Reset(ctx context.Context) error {
	_, err := c.submit(ctx, func(reply chan<- result) {
		if c.State() != Faulted {
			reply <- result{err: ErrNotFaulted}
			return
		}
		if err := c.drv.Close(); err != nil {
			c.cfg.Log.Println("closing driver for reset:", err)
		}
		if err := c.initDriver(); err != nil {
			c.mu.Lock()
			c.fault = err
			c.mu.Unlock()
			c.publish(EvtFault, FaultData{Code: FaultInitialize, Report: err.Error()})
			reply <- result{err: err}
			return
		}
		c.mu.Lock()
		c.fault = nil
		c.mu.Unlock()
		c.setState(Idle)
		reply <- result{}
	})
	return err
}
