package server

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
)

var (
	// ErrHeadersSent is returned by SetHeader once the header block is out.
	ErrHeadersSent = errors.New("headers already sent")
	// ErrReservedHeader is returned for headers the emitter writes itself.
	ErrReservedHeader = errors.New("reserved header")
)

// RequestContext writes one CGI response: a status line, the pending
// headers, exactly one Content-Type, then the body. It belongs to a single
// request on a single worker.
type RequestContext struct {
	w           io.Writer
	contentType string
	headers     [][2]string
	committed   bool
	status      int
}

// NewRequestContext returns an uncommitted response writing to w.
func NewRequestContext(w io.Writer, defaultContentType string) *RequestContext {
	return &RequestContext{w: w, contentType: defaultContentType}
}

// SetHeader sets a response header, replacing an earlier value of the same
// name. Content-Type replaces the default content type.
func (rc *RequestContext) SetHeader(name, value string) error {
	if rc.committed {
		return ErrHeadersSent
	}
	switch {
	case strings.EqualFold(name, "Content-Type"):
		rc.contentType = value
		return nil
	case strings.EqualFold(name, "Status"):
		return fmt.Errorf("%w: %s", ErrReservedHeader, name)
	}
	name = http.CanonicalHeaderKey(name)
	for i := range rc.headers {
		if rc.headers[i][0] == name {
			rc.headers[i][1] = value
			return nil
		}
	}
	rc.headers = append(rc.headers, [2]string{name, value})
	return nil
}

// Commit writes the header block. Calls after the first do nothing.
func (rc *RequestContext) Commit(status int) error {
	if rc.committed {
		return nil
	}
	rc.committed = true
	rc.status = status

	var b strings.Builder
	if text := http.StatusText(status); text != "" {
		fmt.Fprintf(&b, "Status: %d %s\r\n", status, text)
	} else {
		fmt.Fprintf(&b, "Status: %d\r\n", status)
	}
	for _, h := range rc.headers {
		fmt.Fprintf(&b, "%s: %s\r\n", h[0], h[1])
	}
	fmt.Fprintf(&b, "Content-Type: %s\r\n\r\n", rc.contentType)
	_, err := io.WriteString(rc.w, b.String())
	return err
}

// Write appends to the body, committing 200 first if needed.
func (rc *RequestContext) Write(p []byte) (int, error) {
	if !rc.committed {
		if err := rc.Commit(http.StatusOK); err != nil {
			return 0, err
		}
	}
	return rc.w.Write(p)
}

// WriteString is Write for strings.
func (rc *RequestContext) WriteString(s string) (int, error) {
	return rc.Write([]byte(s))
}

// Committed reports whether the header block was written.
func (rc *RequestContext) Committed() bool { return rc.committed }

// Status returns the committed status, or 0 before Commit.
func (rc *RequestContext) Status() int { return rc.status }
