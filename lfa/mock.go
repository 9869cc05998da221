package lfa

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"sync"

	"github.com/go-chi/chi"
)

// ErrInjected is returned by MemoryStore while FailNext is positive
var ErrInjected = errors.New("lfa: injected failure")

// MemoryStore is an in-memory annex.  It is an Uploader and can be served
// over HTTP for a Client to talk to.
type MemoryStore struct {
	sync.Mutex

	// BaseURL prefixes the URLs returned by Upload
	BaseURL string

	// FailNext makes the next n uploads fail
	FailNext int

	objects map[string][]byte
}

// NewMemoryStore returns an empty store
func NewMemoryStore(baseURL string) *MemoryStore {
	return &MemoryStore{BaseURL: baseURL, objects: map[string][]byte{}}
}

// Upload implements Uploader
func (m *MemoryStore) Upload(ctx context.Context, key string, data []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	m.Lock()
	defer m.Unlock()
	if m.FailNext > 0 {
		m.FailNext--
		return "", ErrInjected
	}
	b := make([]byte, len(data))
	copy(b, data)
	m.objects[key] = b
	return strings.TrimRight(m.BaseURL, "/") + "/" + key, nil
}

// Get returns a stored object
func (m *MemoryStore) Get(key string) ([]byte, bool) {
	m.Lock()
	defer m.Unlock()
	b, ok := m.objects[key]
	return b, ok
}

// Len returns the number of stored objects
func (m *MemoryStore) Len() int {
	m.Lock()
	defer m.Unlock()
	return len(m.objects)
}

// Handler serves PUT and GET /{bucket}/* against the store
func (m *MemoryStore) Handler() http.Handler {
	r := chi.NewRouter()
	r.Put("/{bucket}/*", func(w http.ResponseWriter, r *http.Request) {
		b, err := io.ReadAll(r.Body)
		defer r.Body.Close()
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		_, err = m.Upload(r.Context(), chi.URLParam(r, "*"), b)
		if err != nil {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusCreated)
	})
	r.Get("/{bucket}/*", func(w http.ResponseWriter, r *http.Request) {
		b, ok := m.Get(chi.URLParam(r, "*"))
		if !ok {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/fits")
		w.Write(b)
	})
	return r
}
