package fitsheader

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

var testLive = Live{
	ImageName:      "GC1_O_20221003_000001",
	DayObs:         "20221003",
	Sequence:       1,
	CameraCode:     "GC1",
	ControllerCode: "O",
	ImageType:      "object",
	ExposureTime:   5.25,
	Begin:          time.Date(2022, 10, 3, 18, 0, 0, 0, time.UTC),
	End:            time.Date(2022, 10, 3, 18, 0, 5, 250e6, time.UTC),
	ImageIndex:     1,
	ImageCount:     1,
}

func TestMergePrecedence(t *testing.T) {
	tmpl := Header{Primary: []Item{
		{Keyword: "EXPTIME", Value: nil, Comment: "Exposure time in seconds"},
		{Keyword: "TELESCOP", Value: nil, Comment: "Telescope name"},
		{Keyword: "OBSERVER", Value: "nobody"},
	}}
	svc := Header{Primary: []Item{
		{Keyword: "EXPTIME", Value: 99.5},
		{Keyword: "telescop", Value: "Auxtel"},
		{Keyword: "OBSERVER", Value: nil},
	}}
	live := Header{Primary: []Item{{Keyword: "EXPTIME", Value: 5.25}}}
	h := Merge(tmpl, svc, live)
	if len(h.Primary) != 3 {
		t.Fatalf("expected three merged keywords, got %v", h.Primary)
	}
	got, _ := h.Get("EXPTIME")
	if got.Value != 5.25 || got.Comment != "Exposure time in seconds" {
		t.Errorf("live value should win and keep the template comment, got %+v", got)
	}
	got, _ = h.Get("TELESCOP")
	if got.Value != "Auxtel" {
		t.Errorf("service value should beat the template, got %+v", got)
	}
	got, _ = h.Get("OBSERVER")
	if got.Value != nil {
		t.Errorf("explicit null from the service should be kept, got %+v", got)
	}
}

func TestCardsDropStructuralAndDedupe(t *testing.T) {
	cards := Cards([]Item{
		{Keyword: "SIMPLE", Value: true},
		{Keyword: "NAXIS1", Value: 10},
		{Keyword: "FILTER", Value: "r"},
		{Keyword: "TOOLONGKEYWORD", Value: 1},
		{Keyword: "FILTER", Value: "g"},
		{Keyword: "RA", Value: nil},
		{Keyword: "GAIN", Value: float32(1.5)},
	})
	if len(cards) != 3 {
		t.Fatalf("expected FILTER, RA, GAIN, got %v", cards)
	}
	if cards[0].Name != "FILTER" || cards[0].Value != "g" {
		t.Errorf("expected last FILTER to win, got %+v", cards[0])
	}
	if cards[1].Value != nil {
		t.Errorf("null value became %#v", cards[1].Value)
	}
	if cards[2].Value != float64(1.5) {
		t.Errorf("float32 not widened, got %#v", cards[2].Value)
	}
}

func TestDecodeTemplate(t *testing.T) {
	doc := `
PRIMARY:
  - keyword: SIMPLE
    value: true
    comment: conforms to FITS
  - keyword: COMMENT
    value: ''
    comment: ''
  - keyword: TELESCOP
    value: Auxtel
    comment: Telescope name
  - keyword: RA
    value: null
    comment: right ascension
IMAGE1:
  - keyword: XTENSION
    value: IMAGE
    comment: ''
  - keyword: CCDSLOT
    value: S00
    comment: slot
`
	h, err := DecodeTemplate(strings.NewReader(doc))
	if err != nil {
		t.Fatal(err)
	}
	if len(h.Primary) != 2 || h.Primary[0].Keyword != "TELESCOP" {
		t.Fatalf("ignore list not applied to PRIMARY: %+v", h.Primary)
	}
	if h.Primary[1].Value != nil {
		t.Errorf("null decoded as %#v", h.Primary[1].Value)
	}
	if len(h.Image) != 1 || h.Image[0].Keyword != "CCDSLOT" {
		t.Errorf("ignore list not applied to IMAGE1: %+v", h.Image)
	}
}

func TestLiveHeader(t *testing.T) {
	h := testLive.Header()
	beg, _ := h.Get("DATE-BEG")
	if beg.Value != "2022-10-03T18:00:37.000" {
		t.Errorf("DATE-BEG should be TAI, got %v", beg.Value)
	}
	typ, _ := h.Get("IMGTYPE")
	if typ.Value != "OBJECT" {
		t.Errorf("expected upper cased image type, got %v", typ.Value)
	}
	if _, ok := h.Get("INSTRUME"); ok {
		t.Error("empty make and model should not mask the template")
	}
	if _, ok := h.Get("DATE"); ok {
		t.Error("zero Written time should be left out")
	}
}

func TestAssembleWithService(t *testing.T) {
	mock := NewMockService()
	mock.Set(testLive.ImageName, Header{Primary: []Item{
		{Keyword: "TELESCOP", Value: "Auxtel", Comment: "Telescope name"},
		{Keyword: "EXPTIME", Value: 1.5},
	}})
	srv := httptest.NewServer(mock.Handler())
	defer srv.Close()

	a := Assembler{Template: DefaultTemplate(), Service: &Client{URL: srv.URL, Retries: 1}}
	h, err := a.Assemble(context.Background(), testLive)
	if err != nil {
		t.Fatal(err)
	}
	tel, _ := h.Get("TELESCOP")
	if tel.Value != "Auxtel" {
		t.Errorf("expected service value, got %v", tel.Value)
	}
	exp, _ := h.Get("EXPTIME")
	if exp.Value != 5.25 {
		t.Errorf("live exposure time should win, got %v", exp.Value)
	}
	ra, _ := h.Get("RA")
	if ra.Value != nil {
		t.Errorf("template null should survive, got %#v", ra.Value)
	}
	if _, ok := h.Get("HDRDEGRD"); ok {
		t.Error("healthy assembly marked degraded")
	}
	mock.Lock()
	n := mock.Requests
	mock.Unlock()
	if n != 1 {
		t.Errorf("expected one snapshot request, service saw %d", n)
	}
}

func TestAssembleServiceUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	a := Assembler{Template: DefaultTemplate(), Service: &Client{URL: url, Retries: 2, Timeout: time.Second}}
	h, err := a.Assemble(context.Background(), testLive)
	var aerr *AssemblyError
	if !errors.As(err, &aerr) {
		t.Fatalf("expected AssemblyError, got %v", err)
	}
	if aerr.ImageName != testLive.ImageName {
		t.Errorf("error names %q", aerr.ImageName)
	}
	deg, ok := h.Get("HDRDEGRD")
	if !ok || deg.Value != true {
		t.Error("fallback header is not marked degraded")
	}
	obs, _ := h.Get("OBSID")
	if obs.Value != testLive.ImageName {
		t.Error("fallback header lost the live values")
	}
}

func TestFetchRetriesThenGivesUp(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		http.Error(w, "down", http.StatusServiceUnavailable)
	}))
	defer srv.Close()
	c := &Client{URL: srv.URL, Retries: 2}
	_, err := c.Fetch(context.Background(), "x")
	if err == nil {
		t.Fatal("expected an error")
	}
	if n := atomic.LoadInt32(&calls); n != 3 {
		t.Errorf("expected 3 attempts, got %d", n)
	}
}

func TestFetchBadRequestIsNotRetried(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		http.Error(w, "no", http.StatusBadRequest)
	}))
	defer srv.Close()
	c := &Client{URL: srv.URL, Retries: 5}
	if _, err := c.Fetch(context.Background(), "x"); err == nil {
		t.Fatal("expected an error")
	}
	if n := atomic.LoadInt32(&calls); n != 1 {
		t.Errorf("expected a single attempt, got %d", n)
	}
}
