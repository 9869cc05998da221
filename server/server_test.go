package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi"
	"github.com/gorilla/websocket"
)

func ExampleSanitizeStem() {
	fmt.Println(SanitizeStem(""))
	fmt.Println(SanitizeStem("gencam/"))
	fmt.Println(SanitizeStem("/a/b"))
	// Output:
	// /
	// /gencam
	// /a/b
}

func ok(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) }

func TestListOfRoutes(t *testing.T) {
	rt := RouteTable{
		Post("/roi"):        ok,
		Get("/roi"):         ok,
		Post("/take-image"): ok,
	}
	r := chi.NewRouter()
	rt.Bind(r)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/list-of-routes", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("got status %d", w.Code)
	}
	var got []string
	if err := json.NewDecoder(w.Body).Decode(&got); err != nil {
		t.Fatal(err)
	}
	exp := []string{"GET /list-of-routes", "GET /roi", "POST /roi", "POST /take-image"}
	if fmt.Sprint(got) != fmt.Sprint(exp) {
		t.Errorf("got %v, expected %v", got, exp)
	}

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodDelete, "/roi", nil))
	if w.Code != http.StatusMethodNotAllowed {
		t.Errorf("DELETE /roi got %d, expected %d", w.Code, http.StatusMethodNotAllowed)
	}
}

func TestReplyWithFileStaysInFolder(t *testing.T) {
	root := t.TempDir()
	sub := filepath.Join(root, "data")
	if err := os.Mkdir(sub, 0777); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(sub, "a.fits"), []byte("SIMPLE"), 0666); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(root, "secret"), []byte("no"), 0666); err != nil {
		t.Fatal(err)
	}
	get := func(fn string) *httptest.ResponseRecorder {
		w := httptest.NewRecorder()
		ReplyWithFile(w, httptest.NewRequest(http.MethodGet, "/", nil), fn, sub)
		return w
	}
	if w := get("a.fits"); w.Code != http.StatusOK || w.Body.String() != "SIMPLE" {
		t.Errorf("a.fits: got %d %q", w.Code, w.Body.String())
	}
	if w := get("../secret"); w.Code != http.StatusNotFound {
		t.Errorf("../secret: got %d, expected %d", w.Code, http.StatusNotFound)
	}
	if w := get("missing.fits"); w.Code != http.StatusNotFound {
		t.Errorf("missing file: got %d, expected %d", w.Code, http.StatusNotFound)
	}
}

func TestErrorIsJSON(t *testing.T) {
	w := httptest.NewRecorder()
	Error(w, http.StatusConflict, fmt.Errorf("controller busy"))
	if w.Code != http.StatusConflict {
		t.Errorf("got %d", w.Code)
	}
	if ct := w.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("content type %q", ct)
	}
	if body := strings.TrimSpace(w.Body.String()); body != `{"error":"controller busy"}` {
		t.Errorf("body %s", body)
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("timed out")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestHubBroadcast(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h := NewHub()
	go h.Run(ctx)
	srv := httptest.NewServer(h)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conns := make([]*websocket.Conn, 2)
	for i := range conns {
		c, _, err := websocket.DefaultDialer.Dial(url, nil)
		if err != nil {
			t.Fatal(err)
		}
		defer c.Close()
		conns[i] = c
	}
	waitFor(t, func() bool { return h.Subscribers() == 2 })

	if err := h.BroadcastJSON(map[string]string{"name": "summaryState"}); err != nil {
		t.Fatal(err)
	}
	for i, c := range conns {
		c.SetReadDeadline(time.Now().Add(2 * time.Second))
		var got map[string]string
		if err := c.ReadJSON(&got); err != nil {
			t.Fatalf("subscriber %d: %v", i, err)
		}
		if got["name"] != "summaryState" {
			t.Errorf("subscriber %d got %v", i, got)
		}
	}

	conns[0].Close()
	waitFor(t, func() bool { return h.Subscribers() == 1 })
}

func TestHubShutdownDisconnects(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	h := NewHub()
	go h.Run(ctx)
	srv := httptest.NewServer(h)
	defer srv.Close()

	c, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()
	waitFor(t, func() bool { return h.Subscribers() == 1 })
	cancel()
	c.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := c.ReadMessage(); !websocket.IsCloseError(err, websocket.CloseNoStatusReceived) {
		t.Errorf("expected a close frame, got %v", err)
	}
}
