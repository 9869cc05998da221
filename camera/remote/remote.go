/*Package remote is a driver for a camera served over HTTP by a camera
server, such as a vendor SDK wrapped in a small web service.

The server is expected to provide
	GET  /camera-info        camera.Info as JSON
	POST /exposure-time      {"f64": seconds}
	POST /aoi                {"left", "top", "width", "height"}, 1-based
	POST /binning            {"h", "v"}
	GET  /image?fmt=fits     a FITS file holding one 16-bit frame

Only binning and roi are supported by Configure.
*/
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/nasa-jpl/gencam/camera"
	"github.com/nasa-jpl/gencam/imgrec"
	"github.com/nasa-jpl/gencam/util"
)

// DefaultTimeout is added to the exposure time to bound the image request
const DefaultTimeout = 5 * time.Second

// ErrNotInitialized is generated when the camera is used before Initialize
var ErrNotInitialized = errors.New("remote: camera not initialized")

// AOI is the area of interest as the camera server describes it.  It is
// 1-based.
type AOI struct {
	Left   int `json:"left"`
	Top    int `json:"top"`
	Width  int `json:"width"`
	Height int `json:"height"`
}

// Binning is the camera server's binning payload
type Binning struct {
	H int `json:"h"`
	V int `json:"v"`
}

type frame struct {
	img *camera.Image
	err error
}

// Camera is a camera reached over HTTP.  It is concurrent safe.
type Camera struct {
	// Addr is the base URL of the camera server, such as http://host:8000/cam
	Addr string

	// Timeout bounds requests, and is added to the exposure time for the
	// image request
	Timeout time.Duration

	HTTP *http.Client

	mu          sync.Mutex
	initialized bool
	info        camera.Info
	roi         camera.ROI
	binning     int

	pending chan frame
	ready   *frame
	cancel  context.CancelFunc
}

// New returns a driver for the camera server at addr
func New(addr string, timeout time.Duration) *Camera {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Camera{Addr: strings.TrimRight(addr, "/"), Timeout: timeout, binning: 1}
}

// FrameTimeout returns Timeout, the time allowed for the image request
// beyond the exposure time
func (c *Camera) FrameTimeout() time.Duration {
	return c.Timeout
}

// Name returns "remote"
func (c *Camera) Name() string {
	return "remote"
}

func (c *Camera) client() *http.Client {
	if c.HTTP == nil {
		return http.DefaultClient
	}
	return c.HTTP
}

// do performs a request.  Transport failures and server errors are
// HardwareFaults, 400s are ConfigurationErrors.
func (c *Camera) do(ctx context.Context, op, method, path string, payload, out interface{}) ([]byte, error) {
	var body io.Reader
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.Addr+path, body)
	if err != nil {
		return nil, &camera.HardwareFault{Op: op, Err: err}
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.client().Do(req)
	if err != nil {
		return nil, &camera.HardwareFault{Op: op, Err: err}
	}
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &camera.HardwareFault{Op: op, Err: err}
	}
	switch {
	case resp.StatusCode == http.StatusBadRequest:
		return nil, &camera.ConfigurationError{Key: strings.TrimPrefix(path, "/"), Reason: strings.TrimSpace(string(b))}
	case resp.StatusCode/100 != 2:
		return nil, &camera.HardwareFault{Op: op, Err: fmt.Errorf("%s %s: %s: %s", method, path, resp.Status, strings.TrimSpace(string(b)))}
	}
	if out != nil {
		if err := json.Unmarshal(b, out); err != nil {
			return nil, &camera.HardwareFault{Op: op, Err: err}
		}
	}
	return b, nil
}

func (c *Camera) ctx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), c.Timeout)
}

// Initialize reads the camera description and resets the readout window
func (c *Camera) Initialize() error {
	ctx, cancel := c.ctx()
	defer cancel()
	info := camera.Info{}
	if _, err := c.do(ctx, "Initialize", http.MethodGet, "/camera-info", nil, &info); err != nil {
		return err
	}
	if info.SensorWidth <= 0 || info.SensorHeight <= 0 {
		return &camera.HardwareFault{Op: "Initialize", Err: fmt.Errorf("camera server reported a %dx%d sensor", info.SensorWidth, info.SensorHeight)}
	}
	full := camera.FullFrame(info.SensorWidth, info.SensorHeight)
	if err := c.postAOI(ctx, full); err != nil {
		return err
	}
	if _, err := c.do(ctx, "Initialize", http.MethodPost, "/binning", Binning{1, 1}, nil); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.info, c.roi, c.binning, c.initialized = info, full, 1, true
	c.pending, c.ready = nil, nil
	return nil
}

// Close abandons any exposure in flight
func (c *Camera) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancel != nil {
		c.cancel()
	}
	c.initialized, c.pending, c.ready, c.cancel = false, nil, nil, nil
	return nil
}

func (c *Camera) postAOI(ctx context.Context, r camera.ROI) error {
	aoi := AOI{Left: r.Left + 1, Top: r.Top + 1, Width: r.Width, Height: r.Height}
	_, err := c.do(ctx, "ApplyROI", http.MethodPost, "/aoi", aoi, nil)
	return err
}

func (c *Camera) checkIdle() error {
	if !c.initialized {
		return &camera.HardwareFault{Op: "remote", Err: ErrNotInitialized}
	}
	if c.pending != nil || c.ready != nil {
		return &camera.ReadoutError{Reason: "exposure in progress"}
	}
	return nil
}

// Configure applies binning and roi.  Other options are rejected.  Both are
// checked before anything is sent, and nothing is kept unless every request
// succeeds.
func (c *Camera) Configure(opts camera.Options) error {
	s, err := camera.ParseOptions(opts)
	if err != nil {
		return err
	}
	if s.Gain != nil {
		return &camera.ConfigurationError{Key: camera.OptGain, Reason: "not supported by the camera server"}
	}
	if s.ShutterMode != nil {
		return &camera.ConfigurationError{Key: camera.OptShutterMode, Reason: "not supported by the camera server"}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.checkIdle(); err != nil {
		return err
	}
	if s.ROI != nil {
		if err := s.ROI.Check(c.info.SensorWidth, c.info.SensorHeight); err != nil {
			return &camera.ConfigurationError{Key: camera.OptROI, Reason: err.Error()}
		}
	}
	ctx, cancel := c.ctx()
	defer cancel()
	if s.ROI != nil {
		if err := c.postAOI(ctx, *s.ROI); err != nil {
			return err
		}
	}
	if s.Binning != nil {
		b := *s.Binning
		if _, err := c.do(ctx, "Configure", http.MethodPost, "/binning", Binning{b, b}, nil); err != nil {
			if s.ROI != nil {
				// put the previous window back so the server matches c.roi
				if rerr := c.postAOI(ctx, c.roi); rerr != nil {
					return &camera.HardwareFault{Op: "Configure", Err: fmt.Errorf("%v, and restoring the roi failed: %v", err, rerr)}
				}
			}
			return err
		}
		c.binning = b
	}
	if s.ROI != nil {
		c.roi = *s.ROI
	}
	return nil
}

// StartIntegration sets the exposure time and requests a frame in the
// background
func (c *Camera) StartIntegration(req camera.Request) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.checkIdle(); err != nil {
		return err
	}
	ctx, cancel := c.ctx()
	_, err := c.do(ctx, "StartIntegration", http.MethodPost, "/exposure-time", struct {
		F64 float64 `json:"f64"`
	}{req.ExposureTime}, nil)
	cancel()
	if err != nil {
		return err
	}

	exp := util.SecsToDuration(req.ExposureTime)
	ctx, cancel = context.WithTimeout(context.Background(), exp+c.Timeout)
	ch := make(chan frame, 1)
	c.pending, c.cancel = ch, cancel
	go func() {
		defer cancel()
		start := time.Now()
		b, err := c.do(ctx, "ReadImage", http.MethodGet, "/image?fmt=fits", nil, nil)
		if err != nil {
			ch <- frame{err: err}
			return
		}
		f, err := imgrec.ReadFITS(bytes.NewReader(b))
		if err == nil && len(f.Frames) == 0 {
			err = errors.New("camera server returned a FITS file with no image")
		}
		if err != nil {
			ch <- frame{err: &camera.HardwareFault{Op: "ReadImage", Err: err}}
			return
		}
		img := f.Frames[0].Image
		img.Start, img.End = start, start.Add(exp)
		ch <- frame{img: img}
	}()
	return nil
}

// PollReady reports if the frame has arrived.  A failed image request is
// returned here as a HardwareFault.
func (c *Camera) PollReady() (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.initialized {
		return false, &camera.HardwareFault{Op: "PollReady", Err: ErrNotInitialized}
	}
	if c.ready != nil {
		return true, nil
	}
	if c.pending == nil {
		return false, nil
	}
	select {
	case f := <-c.pending:
		c.pending = nil
		if f.err != nil {
			return false, f.err
		}
		c.ready = &f
		return true, nil
	default:
		return false, nil
	}
}

// ReadImage returns the frame that arrived
func (c *Camera) ReadImage() (*camera.Image, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ready == nil {
		return nil, &camera.ReadoutError{Reason: "frame not ready"}
	}
	img := c.ready.img
	c.ready = nil
	return img, nil
}

// ApplyROI sets the readout window
func (c *Camera) ApplyROI(r camera.ROI) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.checkIdle(); err != nil {
		return err
	}
	if err := r.Check(c.info.SensorWidth, c.info.SensorHeight); err != nil {
		return err
	}
	ctx, cancel := c.ctx()
	defer cancel()
	if err := c.postAOI(ctx, r); err != nil {
		return err
	}
	c.roi = r
	return nil
}

// ClearROI restores the full frame
func (c *Camera) ClearROI() error {
	c.mu.Lock()
	w, h := c.info.SensorWidth, c.info.SensorHeight
	c.mu.Unlock()
	return c.ApplyROI(camera.FullFrame(w, h))
}

// ROI returns the current readout window
func (c *Camera) ROI() camera.ROI {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.roi
}

// Info returns the description read at Initialize
func (c *Camera) Info() camera.Info {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.info
}
