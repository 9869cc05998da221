package fitsheader

import (
	"net/http"
	"sync"

	"github.com/go-chi/chi"
	yml "gopkg.in/yaml.v2"
)

// MockService serves canned snapshots, for lab use without the real header
// service.  Unknown image names get Default, or 404 if Default is nil.
type MockService struct {
	sync.Mutex

	snapshots map[string]Header
	Default   *Header

	// Requests counts the GETs received
	Requests int
}

// NewMockService returns a mock service answering every image with a small
// site snapshot
func NewMockService() *MockService {
	return &MockService{
		snapshots: map[string]Header{},
		Default: &Header{Primary: []Item{
			{Keyword: "TELESCOP", Value: "Mock Telescope", Comment: "Telescope name"},
			{Keyword: "RA", Value: nil, Comment: "Telescope right ascension (deg)"},
			{Keyword: "DEC", Value: nil, Comment: "Telescope declination (deg)"},
		}},
	}
}

// Set stores the snapshot served for an image
func (m *MockService) Set(imageName string, h Header) {
	m.Lock()
	defer m.Unlock()
	m.snapshots[imageName] = h
}

// Handler returns the HTTP handler for the service
func (m *MockService) Handler() http.Handler {
	r := chi.NewRouter()
	r.Get("/{imageName}", m.serve)
	return r
}

func (m *MockService) serve(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "imageName")
	m.Lock()
	m.Requests++
	h, ok := m.snapshots[name]
	if !ok && m.Default != nil {
		h, ok = *m.Default, true
	}
	m.Unlock()
	if !ok {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "application/x-yaml")
	err := yml.NewEncoder(w).Encode(h)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}
