package gencam

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/nasa-jpl/gencam/camera"
	"github.com/nasa-jpl/gencam/fitsheader"
	"github.com/nasa-jpl/gencam/imgrec"
)

func TestMedian(t *testing.T) {
	cases := []struct {
		pix []uint16
		exp float64
	}{
		{nil, 0},
		{[]uint16{7}, 7},
		{[]uint16{3, 1, 2}, 2},
		{[]uint16{4, 1, 3, 2}, 2.5},
		{[]uint16{65535, 0, 65535}, 65535},
		{[]uint16{5, 5, 5, 9}, 5},
	}
	for _, c := range cases {
		if got := median(c.pix); got != c.exp {
			t.Errorf("median(%v) = %g, expected %g", c.pix, got, c.exp)
		}
	}
}

func TestAdjustExposure(t *testing.T) {
	c := New(testConfig(t.TempDir()), &stubDriver{}, nil, nil, nil)
	cases := []struct {
		min, exp, bg, want float64
	}{
		{0, 1, 20000, 1},       // in range
		{0, 1, 50000, 0.5},     // bright
		{0, 1, 5000, 2},        // faint
		{0, 3, 5000, 4},        // capped at max
		{0, 0, 5000, 0.001},    // away from zero
		{0.75, 1, 60000, 0.75}, // floored at min
	}
	for _, tc := range cases {
		s := &autoSession{req: AutoExposureRequest{MinExpTime: tc.min, MaxExpTime: 4}, expTime: tc.exp}
		if got := c.adjustExposure(s, tc.bg); got != tc.want {
			t.Errorf("%gs at %g: got %gs, expected %gs", tc.exp, tc.bg, got, tc.want)
		}
	}
}

// linearLevel is a sky giving 10000 DN per second
func linearLevel(expTime float64) uint16 {
	v := expTime * 10000
	if v > 65535 {
		v = 65535
	}
	return uint16(v)
}

func autoConfig(root string) Config {
	cfg := testConfig(root)
	cfg.AutoExposureInterval = time.Millisecond
	cfg.MinBackground, cfg.MaxBackground = 15000, 25000
	return cfg
}

func waitFrames(t *testing.T, drv *stubDriver, n int) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for drv.frameCount() < n {
		if time.Now().After(deadline) {
			t.Fatalf("only %d frames taken, expected %d", drv.frameCount(), n)
		}
		time.Sleep(time.Millisecond)
	}
}

func TestAutoExposureSettlesAndSaves(t *testing.T) {
	root := t.TempDir()
	drv := &stubDriver{level: linearLevel}
	c, rec := start(t, autoConfig(root), drv, nil, nil)
	ctx := context.Background()
	if err := c.StartAutoExposure(ctx, AutoExposureRequest{MinExpTime: 0.25, MaxExpTime: 8}); err != nil {
		t.Fatal(err)
	}
	if c.State() != AutoExposing {
		t.Fatalf("expected AutoExposing, got %s", c.State())
	}
	// four frames to settle at 2s, then saved images
	waitFrames(t, drv, 6)
	n, err := c.StopAutoExposure(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if n < 2 {
		t.Fatalf("expected at least two saved images, got %d", n)
	}
	if c.State() != Idle {
		t.Errorf("expected Idle after stop, got %s", c.State())
	}

	exps := drv.exposureTimes()
	for i, want := range []float64{0.25, 0.5, 1, 2, 2} {
		if exps[i] != want {
			t.Fatalf("exposure %d was %gs, expected %gs (all %v)", i, exps[i], want, exps)
		}
	}
	// settling frames are not saved, every saved image has its own number
	for seq := 1; seq <= n; seq++ {
		fn := imgrec.FileName(imgrec.ImageName("GC1", "O", "20221003", seq))
		if _, err := os.Stat(filepath.Join(root, fn)); err != nil {
			t.Errorf("image %d: %v", seq, err)
		}
	}
	fn := imgrec.FileName(imgrec.ImageName("GC1", "O", "20221003", n+1))
	if _, err := os.Stat(filepath.Join(root, fn)); !os.IsNotExist(err) {
		t.Errorf("%s written beyond the %d reported images", fn, n)
	}

	started := rec.find(EvtAutoExposureStarted)
	stopped := rec.find(EvtAutoExposureStopped)
	if len(started) != 1 || len(stopped) != 1 {
		t.Fatalf("expected one started and one stopped event, got %d and %d", len(started), len(stopped))
	}
	data := stopped[0].Data.(AutoExposureData)
	if data.ExpTime != 2 || data.Images != n || data.MaxExpTime != 8 {
		t.Errorf("unexpected stopped event %+v", data)
	}
	if len(rec.find(EvtEndReadout)) != n {
		t.Errorf("%d endReadout events for %d images", len(rec.find(EvtEndReadout)), n)
	}
}

func TestAutoExposureOutOfReachStillRuns(t *testing.T) {
	drv := &stubDriver{level: func(float64) uint16 { return 60000 }}
	c, _ := start(t, autoConfig(t.TempDir()), drv, nil, nil)
	ctx := context.Background()
	if err := c.StartAutoExposure(ctx, AutoExposureRequest{MinExpTime: 0.5, MaxExpTime: 1}); err != nil {
		t.Fatal(err)
	}
	waitFrames(t, drv, 3)
	n, err := c.StopAutoExposure(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if n < 1 {
		t.Errorf("saturated sky stopped the loop, %d images", n)
	}
	for _, e := range drv.exposureTimes() {
		if e != 0.5 {
			t.Fatalf("exposure time left the minimum: %v", drv.exposureTimes())
		}
	}
}

func TestAutoExposureCommandsRejected(t *testing.T) {
	drv := &stubDriver{level: linearLevel}
	c, _ := start(t, autoConfig(t.TempDir()), drv, nil, nil)
	ctx := context.Background()
	if _, err := c.StopAutoExposure(ctx); err != ErrNotAutoExposing {
		t.Errorf("stop while idle: expected ErrNotAutoExposing, got %v", err)
	}
	var ce *camera.ConfigurationError
	if err := c.StartAutoExposure(ctx, AutoExposureRequest{MinExpTime: 2, MaxExpTime: 1}); !errors.As(err, &ce) {
		t.Errorf("max below min: expected ConfigurationError, got %v", err)
	}
	if err := c.StartAutoExposure(ctx, AutoExposureRequest{MinExpTime: -1, MaxExpTime: 1}); !errors.As(err, &ce) {
		t.Errorf("negative min: expected ConfigurationError, got %v", err)
	}
	if err := c.StartAutoExposure(ctx, AutoExposureRequest{MinExpTime: 1, MaxExpTime: 2, KeyValueMap: "nokey"}); !errors.As(err, &ce) {
		t.Errorf("bad keyValueMap: expected ConfigurationError, got %v", err)
	}

	if err := c.StartAutoExposure(ctx, AutoExposureRequest{MinExpTime: 1, MaxExpTime: 2}); err != nil {
		t.Fatal(err)
	}
	if _, err := c.TakeImage(ctx, camera.Request{NumImages: 1}); err != ErrBusy {
		t.Errorf("takeImage: expected ErrBusy, got %v", err)
	}
	if _, err := c.StartStreaming(ctx, "s", 0); err != ErrBusy {
		t.Errorf("startStreaming: expected ErrBusy, got %v", err)
	}
	if err := c.StartAutoExposure(ctx, AutoExposureRequest{MinExpTime: 1, MaxExpTime: 2}); err != ErrBusy {
		t.Errorf("second startAutoExposure: expected ErrBusy, got %v", err)
	}
	if _, err := c.StopStreaming(ctx); err != ErrNotStreaming {
		t.Errorf("stopStreaming: expected ErrNotStreaming, got %v", err)
	}
	if _, err := c.StopAutoExposure(ctx); err != nil {
		t.Fatal(err)
	}
}

func TestAutoExposureHardwareFault(t *testing.T) {
	drv := &stubDriver{level: linearLevel, failStart: 1}
	c, rec := start(t, autoConfig(t.TempDir()), drv, nil, nil)
	ctx := context.Background()
	if err := c.StartAutoExposure(ctx, AutoExposureRequest{MinExpTime: 1, MaxExpTime: 2}); err != nil {
		t.Fatal(err)
	}
	waitState(t, c, Faulted)
	faults := rec.find(EvtFault)
	if len(faults) != 1 || faults[0].Data.(FaultData).Code != FaultHardware {
		t.Errorf("expected one hardware fault event, got %+v", faults)
	}
	if len(rec.find(EvtAutoExposureStopped)) != 1 {
		t.Error("no autoExposureStopped event")
	}
	if _, err := c.StopAutoExposure(ctx); err != ErrFaulted {
		t.Errorf("stop while faulted: expected ErrFaulted, got %v", err)
	}
}

type failingWriter struct{}

func (failingWriter) Write(context.Context, imgrec.Destination, fitsheader.Header, ...*camera.Image) (imgrec.Result, error) {
	return imgrec.Result{}, errors.New("disk full")
}

func TestAutoExposureWriteFailureFaults(t *testing.T) {
	drv := &stubDriver{level: linearLevel}
	c, rec := start(t, autoConfig(t.TempDir()), drv, nil, failingWriter{})
	if err := c.StartAutoExposure(context.Background(), AutoExposureRequest{MinExpTime: 2, MaxExpTime: 2}); err != nil {
		t.Fatal(err)
	}
	waitState(t, c, Faulted)
	faults := rec.find(EvtFault)
	if len(faults) != 1 || faults[0].Data.(FaultData).Code != FaultAutoExposure {
		t.Errorf("expected one auto exposure fault event, got %+v", faults)
	}
}
