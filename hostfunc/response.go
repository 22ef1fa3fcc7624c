package hostfunc

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
)

// ErrOutputLimit is returned once a script tries to write past its output
// ceiling.
var ErrOutputLimit = errors.New("output limit exceeded")

// Response is the writable side of a request as seen by a script.
type Response interface {
	// SetHeader records a header for the pending header block.
	SetHeader(name, value string) error
	// Commit writes the status line and headers. Only the first call has
	// an effect.
	Commit(status int) error
	// Write appends to the body, committing 200 first if needed.
	Write(p []byte) (int, error)
	Committed() bool
}

// Output exposes a Response to scripts and meters body bytes against an
// output ceiling. A zero limit means unlimited.
type Output struct {
	resp Response

	mu      sync.Mutex
	limit   uint64
	written uint64
}

func NewOutput(resp Response) *Output {
	return &Output{resp: resp}
}

// SetLimit sets the output ceiling. Bytes already written count against it.
func (o *Output) SetLimit(limit uint64) {
	o.mu.Lock()
	o.limit = limit
	o.mu.Unlock()
}

// Written reports the number of body bytes accepted so far.
func (o *Output) Written() uint64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.written
}

// Register installs the response functions on r.
func (o *Output) Register(r *Registry) {
	r.Register("write", o.Write)
	r.Register("header", o.Header)
	r.Register("commit", o.Commit)
	r.Register("committed", o.Committed)
}

func (o *Output) Write(ctx context.Context, args map[string]any) (any, error) {
	data, ok := args["data"].(string)
	if !ok {
		return nil, errors.New("data required")
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	if o.limit > 0 && o.written+uint64(len(data)) > o.limit {
		return nil, fmt.Errorf("%w (%d bytes)", ErrOutputLimit, o.limit)
	}
	n, err := o.resp.Write([]byte(data))
	o.written += uint64(n)
	if err != nil {
		return nil, fmt.Errorf("write: %w", err)
	}
	return n, nil
}

func (o *Output) Header(ctx context.Context, args map[string]any) (any, error) {
	name, ok := args["name"].(string)
	if !ok || strings.TrimSpace(name) == "" {
		return nil, errors.New("name required")
	}
	value, ok := args["value"].(string)
	if !ok {
		return nil, errors.New("value required")
	}
	if strings.ContainsAny(name, "\r\n:") || strings.ContainsAny(value, "\r\n") {
		return nil, errors.New("invalid header")
	}
	if err := o.resp.SetHeader(name, value); err != nil {
		return nil, err
	}
	return true, nil
}

func (o *Output) Commit(ctx context.Context, args map[string]any) (any, error) {
	status := 200
	if raw, ok := args["status"]; ok && raw != nil {
		f, ok := raw.(float64)
		if !ok || f != float64(int(f)) || f < 100 || f > 999 {
			return nil, fmt.Errorf("invalid status: %v", raw)
		}
		status = int(f)
	}
	if err := o.resp.Commit(status); err != nil {
		return nil, err
	}
	return true, nil
}

func (o *Output) Committed(ctx context.Context, args map[string]any) (any, error) {
	return o.resp.Committed(), nil
}
