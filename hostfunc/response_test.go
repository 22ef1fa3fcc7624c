package hostfunc

import (
	"bytes"
	"context"
	"errors"
	"testing"
)

type fakeResponse struct {
	headers   map[string]string
	status    int
	commits   int
	committed bool
	body      bytes.Buffer
}

func (r *fakeResponse) SetHeader(name, value string) error {
	if r.committed {
		return errors.New("headers already sent")
	}
	if r.headers == nil {
		r.headers = make(map[string]string)
	}
	r.headers[name] = value
	return nil
}

func (r *fakeResponse) Commit(status int) error {
	if r.committed {
		return nil
	}
	r.commits++
	r.status = status
	r.committed = true
	return nil
}

func (r *fakeResponse) Write(p []byte) (int, error) {
	r.Commit(200)
	return r.body.Write(p)
}

func (r *fakeResponse) Committed() bool { return r.committed }

func TestOutputWrite(t *testing.T) {
	resp := &fakeResponse{}
	out := NewOutput(resp)
	ctx := context.Background()

	if _, err := out.Write(ctx, map[string]any{"data": "hello "}); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := out.Write(ctx, map[string]any{"data": "world"}); err != nil {
		t.Fatalf("write: %v", err)
	}
	if resp.body.String() != "hello world" {
		t.Errorf("body = %q", resp.body.String())
	}
	if resp.status != 200 || resp.commits != 1 {
		t.Errorf("status = %d commits = %d", resp.status, resp.commits)
	}
	if out.Written() != 11 {
		t.Errorf("written = %d", out.Written())
	}
}

func TestOutputLimit(t *testing.T) {
	resp := &fakeResponse{}
	out := NewOutput(resp)
	out.SetLimit(8)
	ctx := context.Background()

	if _, err := out.Write(ctx, map[string]any{"data": "12345"}); err != nil {
		t.Fatalf("write: %v", err)
	}
	_, err := out.Write(ctx, map[string]any{"data": "6789"})
	if !errors.Is(err, ErrOutputLimit) {
		t.Fatalf("expected ErrOutputLimit, got %v", err)
	}
	if resp.body.String() != "12345" {
		t.Errorf("body = %q, rejected write must not be partially applied", resp.body.String())
	}
}

func TestOutputHeaderAndCommit(t *testing.T) {
	resp := &fakeResponse{}
	out := NewOutput(resp)
	ctx := context.Background()

	if _, err := out.Header(ctx, map[string]any{"name": "X-Test", "value": "1"}); err != nil {
		t.Fatalf("header: %v", err)
	}
	if _, err := out.Commit(ctx, map[string]any{"status": float64(404)}); err != nil {
		t.Fatalf("commit: %v", err)
	}
	if _, err := out.Commit(ctx, map[string]any{"status": float64(500)}); err != nil {
		t.Fatalf("second commit: %v", err)
	}
	if resp.status != 404 || resp.commits != 1 {
		t.Errorf("status = %d commits = %d", resp.status, resp.commits)
	}
	if resp.headers["X-Test"] != "1" {
		t.Errorf("headers = %v", resp.headers)
	}

	committed, _ := out.Committed(ctx, nil)
	if committed != true {
		t.Error("expected committed")
	}
	if _, err := out.Header(ctx, map[string]any{"name": "X-Late", "value": "1"}); err == nil {
		t.Error("expected header after commit to fail")
	}
}

func TestOutputInvalidArgs(t *testing.T) {
	out := NewOutput(&fakeResponse{})
	ctx := context.Background()

	tests := []struct {
		name string
		fn   Func
		args map[string]any
	}{
		{"write without data", out.Write, map[string]any{}},
		{"header without name", out.Header, map[string]any{"value": "x"}},
		{"header with newline", out.Header, map[string]any{"name": "X", "value": "a\r\nb"}},
		{"header name with colon", out.Header, map[string]any{"name": "X:Y", "value": "a"}},
		{"status too low", out.Commit, map[string]any{"status": float64(42)}},
		{"status fractional", out.Commit, map[string]any{"status": 200.5}},
		{"status string", out.Commit, map[string]any{"status": "200"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := tt.fn(ctx, tt.args); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	NewOutput(&fakeResponse{}).Register(r)
	NewFS(t.TempDir()).Register(r)

	want := []string{"commit", "committed", "fs_exists", "fs_read", "header", "write"}
	got := r.List()
	if len(got) != len(want) {
		t.Fatalf("List() = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("List()[%d] = %q, want %q", i, got[i], want[i])
		}
	}

	clone := r.Clone()
	clone.Register("getenv", Getenv)
	if _, ok := r.Get("getenv"); ok {
		t.Error("clone registration leaked into original")
	}
	if _, ok := clone.Get("write"); !ok {
		t.Error("clone lost original function")
	}
}
