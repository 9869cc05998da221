// Package lfa uploads image files to the large-file annex, an object store
// reached over HTTP.
package lfa

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"path"
	"strings"
	"time"
)

// KeyPrefix is the first component of every object key
const KeyPrefix = "GenericCamera"

// Uploader stores an object under a key and returns the URL it can be
// fetched from
type Uploader interface {
	Upload(ctx context.Context, key string, data []byte) (string, error)
}

// UploadError is reported when a file could not be stored in the annex
type UploadError struct {
	Key string
	Err error
}

func (e *UploadError) Error() string {
	return fmt.Sprintf("upload of %s failed: %v", e.Key, e.Err)
}

func (e *UploadError) Unwrap() error {
	return e.Err
}

// MakeKey returns GenericCamera/<index>/<yyyy>/<mm>/<dd>/<file name>.  The
// date is the observation day, YYYYMMDD.
func MakeKey(index int, dayObs, fileName string) string {
	y, m, d := dayObs, "", ""
	if len(dayObs) == 8 {
		y, m, d = dayObs[:4], dayObs[4:6], dayObs[6:]
	}
	return path.Join(KeyPrefix, fmt.Sprint(index), y, m, d, fileName)
}

// Client is an Uploader for an S3-like annex which accepts PUT
// <URL>/<bucket>/<key>
type Client struct {
	URL    string
	Bucket string

	// Timeout bounds a single upload
	Timeout time.Duration

	HTTP *http.Client
}

// ObjectURL returns the URL an object is stored at
func (c *Client) ObjectURL(key string) string {
	base := strings.TrimRight(c.URL, "/")
	if c.Bucket != "" {
		base += "/" + c.Bucket
	}
	return base + "/" + strings.TrimLeft(key, "/")
}

// Upload implements Uploader
func (c *Client) Upload(ctx context.Context, key string, data []byte) (string, error) {
	if c.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.Timeout)
		defer cancel()
	}
	u := c.ObjectURL(key)
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, u, bytes.NewReader(data))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/fits")
	cl := c.HTTP
	if cl == nil {
		cl = http.DefaultClient
	}
	resp, err := cl.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", fmt.Errorf("annex: %s: %s", resp.Status, strings.TrimSpace(string(b)))
	}
	return u, nil
}
