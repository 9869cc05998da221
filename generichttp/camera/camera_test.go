package camera

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	cam "github.com/nasa-jpl/gencam/camera"
	"github.com/nasa-jpl/gencam/camera/simulator"
	"github.com/nasa-jpl/gencam/fitsheader"
	"github.com/nasa-jpl/gencam/gencam"
	"github.com/nasa-jpl/gencam/server"
)

var quiet = log.New(io.Discard, "", 0)

type rig struct {
	ctrl *gencam.Controller
	hub  *server.Hub
	http *HTTPController
	srv  *httptest.Server
	root string
}

func newRig(t *testing.T) *rig {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	root := t.TempDir()
	hub := server.NewHub()
	hub.Log = quiet
	go hub.Run(ctx)

	sim := simulator.New(16, 8)
	sim.ReadoutTime = 0
	cfg := gencam.Config{
		CameraCode:     "GC1",
		ControllerCode: "O",
		Index:          1,
		OutputRoot:     root,
		PollInterval:   time.Millisecond,
		Log:            quiet,
	}
	asm := &fitsheader.Assembler{Template: fitsheader.DefaultTemplate(), Log: quiet}
	ctrl := gencam.New(cfg, sim, asm, nil, Publisher(hub, quiet))
	done := make(chan struct{})
	go func() {
		defer close(done)
		ctrl.Run(ctx)
	}()

	h := NewHTTPController(ctrl, hub, root)
	srv := httptest.NewServer(h.Router())
	t.Cleanup(func() {
		srv.Close()
		cancel()
		<-done
	})
	return &rig{ctrl: ctrl, hub: hub, http: h, srv: srv, root: root}
}

func (r *rig) post(t *testing.T, path, body string, out interface{}) int {
	t.Helper()
	resp, err := http.Post(r.srv.URL+path, "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if out != nil && resp.StatusCode == http.StatusOK {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatal(err)
		}
	}
	return resp.StatusCode
}

func (r *rig) get(t *testing.T, path string) (int, []byte) {
	t.Helper()
	resp, err := http.Get(r.srv.URL + path)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatal(err)
	}
	return resp.StatusCode, b
}

func TestStatusCode(t *testing.T) {
	cases := []struct {
		err  error
		code int
	}{
		{gencam.ErrBusy, http.StatusConflict},
		{gencam.ErrFaulted, http.StatusConflict},
		{gencam.ErrNotStreaming, http.StatusConflict},
		{gencam.ErrNotAutoExposing, http.StatusConflict},
		{gencam.ErrNotFaulted, http.StatusConflict},
		{&cam.ConfigurationError{Key: "gain", Reason: "too high"}, http.StatusBadRequest},
		{&cam.InvalidRegionError{ROI: cam.ROI{Width: 100}}, http.StatusBadRequest},
		{&cam.HardwareFault{Op: "PollReady", Err: errors.New("gone")}, http.StatusServiceUnavailable},
		{fmt.Errorf("image 2: %w", &cam.HardwareFault{Op: "ReadImage", Err: errors.New("gone")}), http.StatusServiceUnavailable},
		{&cam.ReadoutError{Reason: "not ready"}, http.StatusInternalServerError},
		{errors.New("disk full"), http.StatusInternalServerError},
	}
	for _, c := range cases {
		if got := StatusCode(c.err); got != c.code {
			t.Errorf("%v: got %d, expected %d", c.err, got, c.code)
		}
	}
}

func TestTakeImageOverHTTP(t *testing.T) {
	r := newRig(t)
	res := []gencam.ImageResult{}
	code := r.post(t, "/take-image", `{"expTime":0,"numImages":2,"imageType":"OBJECT","keyValueMap":"FILTER: r"}`, &res)
	if code != http.StatusOK {
		t.Fatalf("got status %d", code)
	}
	if len(res) != 2 {
		t.Fatalf("got %d results, expected 2", len(res))
	}
	for _, ir := range res {
		if !strings.HasPrefix(ir.ImageName, "GC1_O_") {
			t.Errorf("image name %s", ir.ImageName)
		}
		code, body := r.get(t, "/files/"+filepath.Base(ir.Path))
		if code != http.StatusOK {
			t.Errorf("GET %s got %d", ir.Path, code)
			continue
		}
		if !bytes.HasPrefix(body, []byte("SIMPLE")) {
			t.Errorf("%s is not a FITS file", ir.Path)
		}
	}
	if res[0].ImageName == res[1].ImageName {
		t.Error("both images have the same name")
	}
}

func TestTakeImageWhileBusy(t *testing.T) {
	r := newRig(t)
	first := make(chan int, 1)
	go func() {
		resp, err := http.Post(r.srv.URL+"/take-image", "application/json", strings.NewReader(`{"expTime":0.3}`))
		if err != nil {
			first <- 0
			return
		}
		resp.Body.Close()
		first <- resp.StatusCode
	}()
	deadline := time.Now().Add(2 * time.Second)
	for r.ctrl.State() == gencam.Idle {
		if time.Now().After(deadline) {
			t.Fatal("exposure never started")
		}
		time.Sleep(time.Millisecond)
	}
	if code := r.post(t, "/take-image", `{"expTime":0}`, nil); code != http.StatusConflict {
		t.Errorf("second take-image got %d, expected %d", code, http.StatusConflict)
	}
	if code := r.post(t, "/full-frame", ``, nil); code != http.StatusConflict {
		t.Errorf("full-frame while exposing got %d, expected %d", code, http.StatusConflict)
	}
	if code := <-first; code != http.StatusOK {
		t.Errorf("first take-image got %d", code)
	}
}

func TestBadRequests(t *testing.T) {
	r := newRig(t)
	cases := []struct {
		path, body string
		code       int
	}{
		{"/take-image", `{"expTime":`, http.StatusBadRequest},
		{"/take-image", `{"expTime":"long"}`, http.StatusBadRequest},
		{"/take-image", `{"expTime":1,"numImages":0}`, http.StatusBadRequest},
		{"/take-image", `{"keyValueMap":"no colon"}`, http.StatusBadRequest},
		{"/roi", `{"leftPixel":10,"topPixel":0,"width":16,"height":8}`, http.StatusBadRequest},
		{"/configure", `{"frobnicate":true}`, http.StatusBadRequest},
		{"/configure", ``, http.StatusBadRequest},
		{"/streaming/start", `{"directory":"../up","expTime":0}`, http.StatusBadRequest},
		{"/streaming/stop", ``, http.StatusConflict},
		{"/reset", ``, http.StatusConflict},
	}
	for _, c := range cases {
		if code := r.post(t, c.path, c.body, nil); code != c.code {
			t.Errorf("POST %s %s: got %d, expected %d", c.path, c.body, code, c.code)
		}
	}
}

func TestROIRoundTrip(t *testing.T) {
	r := newRig(t)
	got := cam.ROI{}
	if code := r.post(t, "/roi", `{"leftPixel":2,"topPixel":1,"width":8,"height":4}`, &got); code != http.StatusOK {
		t.Fatalf("got status %d", code)
	}
	exp := cam.ROI{Left: 2, Top: 1, Width: 8, Height: 4}
	if got != exp {
		t.Errorf("got %+v, expected %+v", got, exp)
	}
	code, body := r.get(t, "/roi")
	if code != http.StatusOK {
		t.Fatalf("GET /roi got %d", code)
	}
	if err := json.Unmarshal(body, &got); err != nil {
		t.Fatal(err)
	}
	if got != exp {
		t.Errorf("GET /roi got %+v, expected %+v", got, exp)
	}
	if code := r.post(t, "/full-frame", ``, &got); code != http.StatusOK || got != cam.FullFrame(16, 8) {
		t.Errorf("full-frame got %d %+v", code, got)
	}
}

func TestStreamingOverHTTP(t *testing.T) {
	r := newRig(t)
	start := StreamingReply{}
	if code := r.post(t, "/streaming/start", `{"directory":"stream1","expTime":0}`, &start); code != http.StatusOK {
		t.Fatalf("start got %d", code)
	}
	if start.ImageName == "" {
		t.Error("no image name for the stream")
	}
	code, body := r.get(t, "/state")
	if code != http.StatusOK || !strings.Contains(string(body), `"Streaming"`) {
		t.Errorf("state while streaming: %d %s", code, body)
	}
	time.Sleep(30 * time.Millisecond)
	stop := StreamingReply{}
	if code := r.post(t, "/streaming/stop", ``, &stop); code != http.StatusOK {
		t.Fatalf("stop got %d", code)
	}
	if stop.Frames < 1 {
		t.Fatalf("captured %d frames", stop.Frames)
	}
	files, err := filepath.Glob(filepath.Join(r.root, "stream1", start.ImageName+"_*.fits"))
	if err != nil {
		t.Fatal(err)
	}
	if len(files) != stop.Frames {
		t.Errorf("%d files for %d frames", len(files), stop.Frames)
	}
	if r.ctrl.State() != gencam.Idle {
		t.Errorf("state after stop %v", r.ctrl.State())
	}
}

func TestAutoExposureOverHTTP(t *testing.T) {
	r := newRig(t)
	if code := r.post(t, "/auto-exposure/start", `{"minExpTime":2,"maxExpTime":1}`, nil); code != http.StatusBadRequest {
		t.Errorf("max below min got %d, expected %d", code, http.StatusBadRequest)
	}
	st := StateReply{}
	if code := r.post(t, "/auto-exposure/start", `{"minExpTime":0.001,"maxExpTime":0.004}`, &st); code != http.StatusOK {
		t.Fatalf("start got %d", code)
	}
	if st.State != gencam.AutoExposing {
		t.Errorf("state after start %s", st.State)
	}
	if code := r.post(t, "/take-image", `{"expTime":0}`, nil); code != http.StatusConflict {
		t.Errorf("take-image while auto exposing got %d, expected %d", code, http.StatusConflict)
	}
	time.Sleep(50 * time.Millisecond)
	stop := AutoExposureReply{}
	if code := r.post(t, "/auto-exposure/stop", ``, &stop); code != http.StatusOK {
		t.Fatalf("stop got %d", code)
	}
	files, err := filepath.Glob(filepath.Join(r.root, "GC1_O_*.fits"))
	if err != nil {
		t.Fatal(err)
	}
	if len(files) != stop.Images {
		t.Errorf("%d files for %d images", len(files), stop.Images)
	}
	if code := r.post(t, "/auto-exposure/stop", ``, nil); code != http.StatusConflict {
		t.Errorf("second stop got %d, expected %d", code, http.StatusConflict)
	}
}

func TestEventsWebsocket(t *testing.T) {
	r := newRig(t)
	ws, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(r.srv.URL, "http")+"/events", nil)
	if err != nil {
		t.Fatal(err)
	}
	defer ws.Close()
	deadline := time.Now().Add(2 * time.Second)
	for r.hub.Subscribers() != 1 {
		if time.Now().After(deadline) {
			t.Fatal("subscriber never registered")
		}
		time.Sleep(time.Millisecond)
	}
	if code := r.post(t, "/full-frame", ``, nil); code != http.StatusOK {
		t.Fatalf("full-frame got %d", code)
	}
	ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		var evt struct {
			ID   string  `json:"id"`
			Name string  `json:"name"`
			Data cam.ROI `json:"data"`
		}
		if err := ws.ReadJSON(&evt); err != nil {
			t.Fatal(err)
		}
		if evt.Name != gencam.EvtROI {
			continue
		}
		if evt.ID == "" {
			t.Error("event has no id")
		}
		if evt.Data != cam.FullFrame(16, 8) {
			t.Errorf("roi event carried %+v", evt.Data)
		}
		return
	}
}

func TestLockedControllerRefusesCommands(t *testing.T) {
	r := newRig(t)
	if code := r.post(t, "/lock", `{"bool":true}`, nil); code != http.StatusOK {
		t.Fatalf("lock got %d", code)
	}
	if code := r.post(t, "/take-image", `{"expTime":0}`, nil); code != http.StatusLocked {
		t.Errorf("take-image while locked got %d, expected %d", code, http.StatusLocked)
	}
	if code, _ := r.get(t, "/state"); code != http.StatusOK {
		t.Errorf("state while locked got %d", code)
	}
	r.http.Lock.Unlock()
	if code := r.post(t, "/take-image", `{"expTime":0}`, nil); code != http.StatusOK {
		t.Errorf("take-image after unlock got %d", code)
	}
}

func TestListOfRoutes(t *testing.T) {
	r := newRig(t)
	code, body := r.get(t, "/list-of-routes")
	if code != http.StatusOK {
		t.Fatalf("got %d", code)
	}
	routes := []string{}
	if err := json.Unmarshal(body, &routes); err != nil {
		t.Fatal(err)
	}
	want := map[string]bool{"POST /take-image": true, "POST /auto-exposure/start": true, "GET /events": true, "GET /files/*": true, "POST /lock": true}
	for _, rt := range routes {
		delete(want, rt)
	}
	if len(want) != 0 {
		t.Errorf("missing routes %v in %v", want, routes)
	}
}

func TestFilesDoNotEscapeRoot(t *testing.T) {
	r := newRig(t)
	outside := filepath.Join(filepath.Dir(r.root), "outside.fits")
	if err := os.WriteFile(outside, []byte("SIMPLE"), 0666); err != nil {
		t.Fatal(err)
	}
	defer os.Remove(outside)
	if code, _ := r.get(t, "/files/..%2Foutside.fits"); code != http.StatusNotFound {
		t.Errorf("got %d, expected %d", code, http.StatusNotFound)
	}
}
