package imgrec

import (
	"bytes"
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"

	"github.com/nasa-jpl/gencam/camera"
	"github.com/nasa-jpl/gencam/fitsheader"
	"github.com/nasa-jpl/gencam/lfa"
	"github.com/nasa-jpl/gencam/util"
)

// UploadedSuffix is appended to the file name of an image which was only
// uploaded.  The marker holds the annex URL.
const UploadedSuffix = ".uploaded"

// Destination says where a file goes
type Destination struct {
	// Dir is the folder relative to the writer's Root
	Dir string

	// Name is the file name
	Name string

	// Key is the annex object key, no upload is made if empty
	Key string
}

// Result describes where a file ended up
type Result struct {
	// Path is the local file, empty if no local copy was kept
	Path string

	// URL is the annex URL, empty if not uploaded
	URL string

	// UploadErr is an *lfa.UploadError if the upload failed.  The local
	// copy is then always kept.
	UploadErr error
}

// Writer encodes images and stores them locally and in the annex
type Writer struct {
	// Root is the local output root
	Root string

	// AlwaysSave keeps a local copy even after a successful upload
	AlwaysSave bool

	// Uploader is the annex, nil for none
	Uploader lfa.Uploader

	// Retries is the number of upload retries
	Retries int

	Log *log.Logger
}

// Write encodes the images with hdr and stores them.  An error is returned
// only if the file could not be encoded or saved; upload failures are
// reported in the Result.
func (w *Writer) Write(ctx context.Context, dest Destination, hdr fitsheader.Header, imgs ...*camera.Image) (Result, error) {
	res := Result{}
	buf := &bytes.Buffer{}
	if err := WriteFITS(buf, hdr, imgs...); err != nil {
		return res, fmt.Errorf("encoding %s: %w", dest.Name, err)
	}

	if w.Uploader != nil && dest.Key != "" {
		var u string
		err := util.Retry(ctx, w.Retries, func() error {
			var err error
			u, err = w.Uploader.Upload(ctx, dest.Key, buf.Bytes())
			return err
		})
		if err != nil {
			res.UploadErr = &lfa.UploadError{Key: dest.Key, Err: err}
			if w.Log != nil {
				w.Log.Println(res.UploadErr, "- keeping local copy")
			}
		} else {
			res.URL = u
		}
	}

	if w.AlwaysSave || res.URL == "" {
		p, err := w.save(dest, buf.Bytes())
		if err != nil {
			return res, err
		}
		res.Path = p
		return res, nil
	}
	// no local image, leave a marker so the sequence number stays taken
	if _, err := w.save(Destination{Dir: dest.Dir, Name: dest.Name + UploadedSuffix}, []byte(res.URL+"\n")); err != nil {
		return res, fmt.Errorf("marking %s uploaded: %w", dest.Name, err)
	}
	return res, nil
}

// save writes to a hidden temporary file and renames it into place, so a
// file with the final name is always complete
func (w *Writer) save(dest Destination, b []byte) (string, error) {
	fldr := filepath.Join(w.Root, dest.Dir)
	err := os.MkdirAll(fldr, 0777)
	if err != nil {
		return "", err
	}
	fid, err := os.CreateTemp(fldr, "."+dest.Name+".*.tmp")
	if err != nil {
		return "", err
	}
	tmp := fid.Name()
	_, err = fid.Write(b)
	if err == nil {
		err = fid.Close()
	} else {
		fid.Close()
	}
	if err != nil {
		os.Remove(tmp)
		return "", err
	}
	fn := filepath.Join(fldr, dest.Name)
	if err = os.Rename(tmp, fn); err != nil {
		os.Remove(tmp)
		return "", err
	}
	return fn, nil
}
