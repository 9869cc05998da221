// Package server contains misc server utilities.
package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/go-chi/chi"
)

// ReplyWithFile replies to the client request by serving the file fn
// beneath fldr.  fn may not escape fldr.
func ReplyWithFile(w http.ResponseWriter, r *http.Request, fn string, fldr string) {
	clean := filepath.Clean("/" + fn)
	filePath := filepath.Join(fldr, clean)

	f, err := os.Open(filePath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			http.Error(w, fmt.Sprintf("file %s not found", clean), http.StatusNotFound)
			return
		}
		fstr := fmt.Sprintf("unable to open %s: %s", filePath, err)
		log.Println(fstr)
		http.Error(w, fstr, http.StatusInternalServerError)
		return
	}
	defer f.Close()

	stat, err := f.Stat()
	if err != nil {
		fstr := fmt.Sprintf("error retrieving source file stats %s", err)
		log.Println(fstr)
		http.Error(w, fstr, http.StatusInternalServerError)
		return
	}
	if stat.IsDir() {
		http.Error(w, fmt.Sprintf("%s is a directory", clean), http.StatusNotFound)
		return
	}
	// read some stuff to set the headers appropriately
	http.ServeContent(w, r, filepath.Base(filePath), stat.ModTime(), f)
}

// MethodPath is an HTTP method and a chi route pattern
type MethodPath struct {
	Method string
	Path   string
}

func (mp MethodPath) String() string {
	return mp.Method + " " + mp.Path
}

// Get returns the MethodPath for a GET on path
func Get(path string) MethodPath {
	return MethodPath{Method: http.MethodGet, Path: path}
}

// Post returns the MethodPath for a POST on path
func Post(path string) MethodPath {
	return MethodPath{Method: http.MethodPost, Path: path}
}

// HTTPer is something which has a route table
type HTTPer interface {
	RT() RouteTable
}

// RouteTable maps method+path pairs to handlers
type RouteTable map[MethodPath]http.HandlerFunc

// Endpoints lists the endpoints in a RouteTable, sorted by path then method
func (rt RouteTable) Endpoints() []string {
	keys := make([]MethodPath, 0, len(rt))
	for k := range rt {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].Path != keys[j].Path {
			return keys[i].Path < keys[j].Path
		}
		return keys[i].Method < keys[j].Method
	})
	routes := make([]string, len(keys))
	for i, k := range keys {
		routes[i] = k.String()
	}
	return routes
}

// Bind binds every route of the table on r, plus GET /list-of-routes which
// returns the Endpoints as JSON
func (rt RouteTable) Bind(r chi.Router) {
	for mp, fn := range rt {
		r.MethodFunc(mp.Method, mp.Path, fn)
	}
	list := append(rt.Endpoints(), Get("/list-of-routes").String())
	sort.Strings(list)
	r.Get("/list-of-routes", func(w http.ResponseWriter, r *http.Request) {
		EncodeAndRespond(w, http.StatusOK, list)
	})
}

// SanitizeStem cleans up a mount point so it begins and does not end
// with a slash.  The empty string and "/" both become "/".
func SanitizeStem(stem string) string {
	stem = strings.Trim(stem, "/")
	return "/" + stem
}

// EncodeAndRespond writes v as JSON with the given status
func EncodeAndRespond(w http.ResponseWriter, status int, v interface{}) {
	buf, err := json.Marshal(v)
	if err != nil {
		fstr := fmt.Sprintf("error encoding data to json %q", err)
		log.Println(fstr)
		http.Error(w, fstr, http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(buf)
	w.Write([]byte{'\n'})
}

// ErrorBody is the JSON body of an error response
type ErrorBody struct {
	Error string `json:"error"`
}

// Error replies with err as a JSON ErrorBody
func Error(w http.ResponseWriter, status int, err error) {
	EncodeAndRespond(w, status, ErrorBody{Error: err.Error()})
}

// BoolT is a struct with a single Bool field
type BoolT struct {
	Bool bool `json:"bool"`
}
