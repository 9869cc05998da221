package fitsheader

import (
	"context"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff"

	"github.com/nasa-jpl/gencam/util"
)

// AssemblyError is returned when the header service could not provide a
// snapshot.  The header returned alongside it is the fallback header.
type AssemblyError struct {
	ImageName string
	Err       error
}

func (e *AssemblyError) Error() string {
	return fmt.Sprintf("header assembly for %s degraded: %v", e.ImageName, e.Err)
}

func (e *AssemblyError) Unwrap() error {
	return e.Err
}

// Client fetches header snapshots from the header service
type Client struct {
	// URL is the base URL of the service, snapshots are at URL/<image name>
	URL string

	// Retries is the number of retries after the first attempt
	Retries int

	// Timeout bounds each attempt
	Timeout time.Duration

	// HTTP is the client used, http.DefaultClient if nil
	HTTP *http.Client
}

// Fetch retrieves the snapshot for an image
func (c *Client) Fetch(ctx context.Context, imageName string) (Header, error) {
	var (
		hdr  Header
		last error
	)
	op := func() error {
		h, err := c.fetch(ctx, imageName)
		if err != nil {
			last = err
			return err
		}
		hdr = h
		return nil
	}
	err := util.Retry(ctx, c.Retries, op)
	if err != nil && last != nil && ctx.Err() != nil {
		err = fmt.Errorf("%v (last attempt: %w)", ctx.Err(), last)
	}
	return hdr, err
}

func (c *Client) fetch(ctx context.Context, imageName string) (Header, error) {
	if c.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.Timeout)
		defer cancel()
	}
	u := strings.TrimRight(c.URL, "/") + "/" + url.PathEscape(imageName)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return Header{}, backoff.Permanent(err)
	}
	cl := c.HTTP
	if cl == nil {
		cl = http.DefaultClient
	}
	resp, err := cl.Do(req)
	if err != nil {
		return Header{}, err
	}
	defer resp.Body.Close()
	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode >= 500:
		// not produced yet, or the service is struggling
		return Header{}, fmt.Errorf("header service: %s", resp.Status)
	default:
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return Header{}, backoff.Permanent(fmt.Errorf("header service: %s: %s", resp.Status, strings.TrimSpace(string(b))))
	}
	h, err := DecodeTemplate(resp.Body)
	if err != nil {
		return h, backoff.Permanent(err)
	}
	return h, nil
}

// Assembler builds headers.  Precedence is live values over the service
// snapshot over the template.
type Assembler struct {
	Template Header

	// Service is nil when no header service is configured
	Service *Client

	Log *log.Logger
}

// Assemble builds the header for an image.  If the service fails, the
// fallback header is returned with an *AssemblyError.
func (a *Assembler) Assemble(ctx context.Context, live Live) (Header, error) {
	if a.Service == nil {
		return a.AssembleLocal(live), nil
	}
	snap, err := a.Service.Fetch(ctx, live.ImageName)
	if err != nil {
		aerr := &AssemblyError{ImageName: live.ImageName, Err: err}
		if a.Log != nil {
			a.Log.Println(aerr)
		}
		return a.Fallback(live), aerr
	}
	return Merge(a.Template, snap, live.Header()), nil
}

// AssembleLocal builds a header from the template and live values only
func (a *Assembler) AssembleLocal(live Live) Header {
	return Merge(a.Template, live.Header())
}

// Fallback is the minimal header written when the service is unavailable.
// It carries HDRDEGRD = T so degraded images can be found later.
func (a *Assembler) Fallback(live Live) Header {
	marker := Header{Primary: []Item{{Keyword: "HDRDEGRD", Value: true, Comment: "Header service unavailable"}}}
	return Merge(a.Template, live.Header(), marker)
}
