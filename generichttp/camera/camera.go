// Package camera provides the HTTP interface to a generic camera controller.
//
// Commands are POSTs with JSON bodies and block until the controller has
// handled them; take-image returns once every image has been written.
// Events are pushed to websocket subscribers of GET /events.
package camera

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"path/filepath"

	"github.com/go-chi/chi"
	"github.com/go-chi/chi/middleware"

	cam "github.com/nasa-jpl/gencam/camera"
	"github.com/nasa-jpl/gencam/gencam"
	"github.com/nasa-jpl/gencam/server"
	"github.com/nasa-jpl/gencam/server/middleware/locker"
)

// Controller is the set of commands and queries the HTTP interface exposes.
// *gencam.Controller implements it.
type Controller interface {
	TakeImage(context.Context, cam.Request) ([]gencam.ImageResult, error)
	SetROI(context.Context, cam.ROI) error
	SetFullFrame(context.Context) error
	StartStreaming(ctx context.Context, dir string, expTime float64) (string, error)
	StopStreaming(context.Context) (int, error)
	StartAutoExposure(context.Context, gencam.AutoExposureRequest) error
	StopAutoExposure(context.Context) (int, error)
	ConfigureCamera(context.Context, cam.Options) error
	Reset(context.Context) error
	State() gencam.State
	Fault() error
	Info() cam.Info
	ROI() cam.ROI
}

// StreamingRequest is the body of POST /streaming/start
type StreamingRequest struct {
	Directory string  `json:"directory"`
	ExpTime   float64 `json:"expTime"`
}

// StreamingReply is the reply to the streaming commands
type StreamingReply struct {
	ImageName string `json:"imageName,omitempty"`
	Frames    int    `json:"frames"`
}

// AutoExposureReply is the reply to POST /auto-exposure/stop
type AutoExposureReply struct {
	Images int `json:"images"`
}

// StateReply is the body of GET /state
type StateReply struct {
	State gencam.State `json:"state"`
	Fault string       `json:"fault,omitempty"`
}

// HTTPController binds a Controller to HTTP routes
type HTTPController struct {
	ctrl Controller
	hub  *server.Hub

	// OutputRoot is served read-only under /files/ if not empty
	OutputRoot string

	// Lock refuses commands while locked
	Lock *locker.Locker

	RouteTable server.RouteTable
}

// NewHTTPController returns the HTTP interface to c.  Subscribers of
// GET /events are served by hub, which may be nil to disable the route.
func NewHTTPController(c Controller, hub *server.Hub, outputRoot string) *HTTPController {
	h := &HTTPController{ctrl: c, hub: hub, OutputRoot: outputRoot, Lock: locker.New()}
	rt := server.RouteTable{
		server.Post("/take-image"):          h.takeImage,
		server.Post("/roi"):                 h.setROI,
		server.Get("/roi"):                  h.getROI,
		server.Post("/full-frame"):          h.setFullFrame,
		server.Post("/streaming/start"):     h.startStreaming,
		server.Post("/streaming/stop"):      h.stopStreaming,
		server.Post("/auto-exposure/start"): h.startAutoExposure,
		server.Post("/auto-exposure/stop"):  h.stopAutoExposure,
		server.Post("/configure"):           h.configure,
		server.Post("/reset"):               h.reset,
		server.Get("/state"):                h.state,
		server.Get("/camera-info"):          h.cameraInfo,
	}
	if hub != nil {
		rt[server.Get("/events")] = hub.ServeHTTP
	}
	if outputRoot != "" {
		rt[server.Get("/files/*")] = h.file
	}
	h.RouteTable = rt
	locker.Inject(h, h.Lock)
	return h
}

// RT satisfies server.HTTPer
func (h *HTTPController) RT() server.RouteTable {
	return h.RouteTable
}

// Router returns a router serving every route behind the lock
func (h *HTTPController) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(h.Lock.Check)
	h.RouteTable.Bind(r)
	return r
}

// Publisher returns a gencam.Publisher which broadcasts events on hub as JSON
func Publisher(hub *server.Hub, l *log.Logger) gencam.Publisher {
	return gencam.PublisherFunc(func(e gencam.Event) {
		if err := hub.BroadcastJSON(e); err != nil {
			l.Printf("encoding %s event: %v", e.Name, err)
		}
	})
}

// StatusCode maps a controller error to an HTTP status
func StatusCode(err error) int {
	var (
		cfg *cam.ConfigurationError
		roi *cam.InvalidRegionError
		hw  *cam.HardwareFault
		syn *json.SyntaxError
		typ *json.UnmarshalTypeError
	)
	switch {
	case errors.Is(err, gencam.ErrBusy), errors.Is(err, gencam.ErrFaulted),
		errors.Is(err, gencam.ErrNotStreaming), errors.Is(err, gencam.ErrNotAutoExposing),
		errors.Is(err, gencam.ErrNotFaulted):
		return http.StatusConflict
	case errors.As(err, &cfg), errors.As(err, &roi), errors.As(err, &syn), errors.As(err, &typ),
		errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
		return http.StatusBadRequest
	case errors.As(err, &hw), errors.Is(err, gencam.ErrClosed):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func replyErr(w http.ResponseWriter, err error) {
	server.Error(w, StatusCode(err), err)
}

func decode(r *http.Request, v interface{}) error {
	defer r.Body.Close()
	return json.NewDecoder(r.Body).Decode(v)
}

func (h *HTTPController) takeImage(w http.ResponseWriter, r *http.Request) {
	req := cam.Request{NumImages: 1, Shutter: true}
	if err := decode(r, &req); err != nil {
		replyErr(w, err)
		return
	}
	res, err := h.ctrl.TakeImage(r.Context(), req)
	if err != nil {
		replyErr(w, err)
		return
	}
	server.EncodeAndRespond(w, http.StatusOK, res)
}

func (h *HTTPController) setROI(w http.ResponseWriter, r *http.Request) {
	roi := cam.ROI{}
	if err := decode(r, &roi); err != nil {
		replyErr(w, err)
		return
	}
	if err := h.ctrl.SetROI(r.Context(), roi); err != nil {
		replyErr(w, err)
		return
	}
	server.EncodeAndRespond(w, http.StatusOK, h.ctrl.ROI())
}

func (h *HTTPController) getROI(w http.ResponseWriter, r *http.Request) {
	server.EncodeAndRespond(w, http.StatusOK, h.ctrl.ROI())
}

func (h *HTTPController) setFullFrame(w http.ResponseWriter, r *http.Request) {
	if err := h.ctrl.SetFullFrame(r.Context()); err != nil {
		replyErr(w, err)
		return
	}
	server.EncodeAndRespond(w, http.StatusOK, h.ctrl.ROI())
}

func (h *HTTPController) startStreaming(w http.ResponseWriter, r *http.Request) {
	req := StreamingRequest{}
	if err := decode(r, &req); err != nil {
		replyErr(w, err)
		return
	}
	name, err := h.ctrl.StartStreaming(r.Context(), req.Directory, req.ExpTime)
	if err != nil {
		replyErr(w, err)
		return
	}
	server.EncodeAndRespond(w, http.StatusOK, StreamingReply{ImageName: name})
}

func (h *HTTPController) stopStreaming(w http.ResponseWriter, r *http.Request) {
	n, err := h.ctrl.StopStreaming(r.Context())
	if err != nil {
		replyErr(w, err)
		return
	}
	server.EncodeAndRespond(w, http.StatusOK, StreamingReply{Frames: n})
}

func (h *HTTPController) startAutoExposure(w http.ResponseWriter, r *http.Request) {
	req := gencam.AutoExposureRequest{}
	if err := decode(r, &req); err != nil {
		replyErr(w, err)
		return
	}
	if err := h.ctrl.StartAutoExposure(r.Context(), req); err != nil {
		replyErr(w, err)
		return
	}
	h.state(w, r)
}

func (h *HTTPController) stopAutoExposure(w http.ResponseWriter, r *http.Request) {
	n, err := h.ctrl.StopAutoExposure(r.Context())
	if err != nil {
		replyErr(w, err)
		return
	}
	server.EncodeAndRespond(w, http.StatusOK, AutoExposureReply{Images: n})
}

func (h *HTTPController) configure(w http.ResponseWriter, r *http.Request) {
	opts := cam.Options{}
	if err := decode(r, &opts); err != nil {
		replyErr(w, err)
		return
	}
	if err := h.ctrl.ConfigureCamera(r.Context(), opts); err != nil {
		replyErr(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (h *HTTPController) reset(w http.ResponseWriter, r *http.Request) {
	if err := h.ctrl.Reset(r.Context()); err != nil {
		replyErr(w, err)
		return
	}
	h.state(w, r)
}

func (h *HTTPController) state(w http.ResponseWriter, r *http.Request) {
	rep := StateReply{State: h.ctrl.State()}
	if err := h.ctrl.Fault(); err != nil {
		rep.Fault = err.Error()
	}
	server.EncodeAndRespond(w, http.StatusOK, rep)
}

func (h *HTTPController) cameraInfo(w http.ResponseWriter, r *http.Request) {
	server.EncodeAndRespond(w, http.StatusOK, h.ctrl.Info())
}

func (h *HTTPController) file(w http.ResponseWriter, r *http.Request) {
	fn := chi.URLParam(r, "*")
	if filepath.Ext(fn) == ".fits" {
		w.Header().Set("Content-Type", "image/fits")
		w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%s", filepath.Base(fn)))
	}
	server.ReplyWithFile(w, r, fn, h.OutputRoot)
}
