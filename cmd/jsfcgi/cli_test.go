package main

import (
	"bytes"
	"context"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/cobra"
)

func executeCommand(root *cobra.Command, args ...string) (string, error) {
	return executeCommandContext(context.Background(), root, args...)
}

func executeCommandContext(ctx context.Context, root *cobra.Command, args ...string) (string, error) {
	buf := new(bytes.Buffer)
	root.SetOut(buf)
	root.SetErr(buf)
	root.SetArgs(args)
	err := root.ExecuteContext(ctx)
	return buf.String(), err
}

func writeScript(t *testing.T, dir, name, src string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(src), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func containsAll(t *testing.T, output string, phrases ...string) {
	t.Helper()
	for _, phrase := range phrases {
		if !strings.Contains(output, phrase) {
			t.Errorf("output should contain %q, got:\n%s", phrase, output)
		}
	}
}

// =============================================================================
// Help and version
// =============================================================================

func TestCLIHelp(t *testing.T) {
	output, err := executeCommand(newRootCommand(), "--help")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	containsAll(t, output,
		"jsfcgi",
		"QuickJS",
		"--listen",
		"--threads",
		"--backlog",
		"--sandbox",
		"--mem-max",
		"--output-max",
		"--cpu-sec",
		"--cpu-usec",
		"--content-type",
		"--log-level",
		"check",
		"run",
		"request",
		"version",
	)
}

func TestCLIRunHelp(t *testing.T) {
	output, err := executeCommand(newRootCommand(), "run", "--help")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	containsAll(t, output, "--method", "--query", "--body", "--param")
}

func TestCLIVersion(t *testing.T) {
	output, err := executeCommand(newRootCommand(), "version")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.HasPrefix(output, "jsfcgi ") {
		t.Errorf("version output = %q", output)
	}
}

func TestCLIRejectsArguments(t *testing.T) {
	if _, err := executeCommand(newRootCommand(), "extra"); err == nil {
		t.Fatal("expected error for positional argument")
	}
}

// =============================================================================
// Configuration
// =============================================================================

func TestCLIInvalidSettings(t *testing.T) {
	dir := t.TempDir()
	path := writeScript(t, dir, "ok.js", `write("ok")`)

	tests := []struct {
		name string
		args []string
	}{
		{"zero threads", []string{"run", "--threads", "0", path}},
		{"negative backlog", []string{"run", "--backlog", "-1", path}},
		{"bad size", []string{"run", "--mem-max", "lots", path}},
		{"missing config file", []string{"run", "--config", filepath.Join(dir, "nope.yaml"), path}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := executeCommand(newRootCommand(), tt.args...); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}

func TestCLIConfigFile(t *testing.T) {
	dir := t.TempDir()
	cfg := filepath.Join(dir, "jsfcgi.yaml")
	if err := os.WriteFile(cfg, []byte("content_type: application/json\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	path := writeScript(t, dir, "ok.js", `write("{}")`)

	output, err := executeCommand(newRootCommand(), "run", "--config", cfg, path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	containsAll(t, output, "Content-Type: application/json")
}

// =============================================================================
// Check
// =============================================================================

func TestCLICheck(t *testing.T) {
	dir := t.TempDir()
	ok := writeScript(t, dir, "ok.js", `write("ok")`)
	bad := writeScript(t, dir, "bad.js", `write(;`)

	output, err := executeCommand(newRootCommand(), "check", ok)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	containsAll(t, output, ok+": ok")

	output, err = executeCommand(newRootCommand(), "check", ok, bad, filepath.Join(dir, "missing.js"))
	if err == nil {
		t.Fatal("expected error")
	}
	containsAll(t, output,
		ok+": ok",
		bad+": syntax_error (500",
		"missing.js: not_found (404 no such file or directory)",
	)
	if !strings.Contains(err.Error(), "2 of 3") {
		t.Errorf("error = %v", err)
	}
}

func TestCLICheckRequiresArgs(t *testing.T) {
	if _, err := executeCommand(newRootCommand(), "check"); err == nil {
		t.Fatal("expected error")
	}
}

// =============================================================================
// Run
// =============================================================================

func TestCLIRun(t *testing.T) {
	dir := t.TempDir()
	path := writeScript(t, dir, "hello.js", `commit(201); write("hello " + request.method + " " + request.query);`)

	output, err := executeCommand(newRootCommand(), "run", "-X", "POST", "-q", "a=1", path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	containsAll(t, output, "Status: 201", "Content-Type: text/plain")
	if !strings.HasSuffix(output, "\r\n\r\nhello POST a=1") {
		t.Errorf("output = %q", output)
	}
}

func TestCLIRunBody(t *testing.T) {
	dir := t.TempDir()
	path := writeScript(t, dir, "echo.js", `write(request.body)`)
	bodyFile := filepath.Join(dir, "body.txt")
	if err := os.WriteFile(bodyFile, []byte("from file"), 0o644); err != nil {
		t.Fatal(err)
	}

	output, err := executeCommand(newRootCommand(), "run", "-X", "POST", "-d", "inline", path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.HasSuffix(output, "inline") {
		t.Errorf("output = %q", output)
	}

	output, err = executeCommand(newRootCommand(), "run", "-X", "POST", "-d", "@"+bodyFile, path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.HasSuffix(output, "from file") {
		t.Errorf("output = %q", output)
	}
}

func TestCLIRunFailure(t *testing.T) {
	dir := t.TempDir()
	path := writeScript(t, dir, "boom.js", `throw new Error("boom");`)

	output, err := executeCommand(newRootCommand(), "run", path)
	if err == nil {
		t.Fatal("expected error")
	}
	containsAll(t, output, "Status: 500", "boom")
}

func TestCLIRunInvalidParam(t *testing.T) {
	dir := t.TempDir()
	path := writeScript(t, dir, "ok.js", `write("ok")`)
	if _, err := executeCommand(newRootCommand(), "run", "-p", "NOEQUALS", path); err == nil {
		t.Fatal("expected error")
	}
}

func TestRequestFlagsBuild(t *testing.T) {
	f := requestFlags{method: "PUT", query: "x=1", body: "abc", params: []string{"HTTP_HOST=example.org", "EMPTY="}}
	params, body, err := f.build("dir/page.js")
	if err != nil {
		t.Fatal(err)
	}
	abs, _ := filepath.Abs("dir/page.js")
	want := map[string]string{
		"SCRIPT_FILENAME": abs,
		"SCRIPT_NAME":     "/page.js",
		"REQUEST_METHOD":  "PUT",
		"REQUEST_URI":     "/page.js?x=1",
		"QUERY_STRING":    "x=1",
		"CONTENT_LENGTH":  "3",
		"HTTP_HOST":       "example.org",
		"EMPTY":           "",
	}
	for k, v := range want {
		if got, ok := params[k]; !ok || got != v {
			t.Errorf("%s = %q, want %q", k, got, v)
		}
	}
	if string(body) != "abc" {
		t.Errorf("body = %q", body)
	}
}

// =============================================================================
// Serve and request
// =============================================================================

func TestCLIServeAndRequest(t *testing.T) {
	dir, err := os.MkdirTemp("", "jsfcgi")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { os.RemoveAll(dir) })
	sock := filepath.Join(dir, "s.sock")
	path := writeScript(t, dir, "hello.js", `write("hello " + request.scriptName)`)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	errc := make(chan error, 1)
	go func() {
		_, err := executeCommandContext(ctx, newRootCommand(), "--listen", sock, "--threads", "2")
		errc <- err
	}()

	deadline := time.Now().Add(10 * time.Second)
	for {
		c, err := net.Dial("unix", sock)
		if err == nil {
			c.Close()
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("server did not start: %v", err)
		}
		time.Sleep(20 * time.Millisecond)
	}

	output, err := executeCommand(newRootCommand(), "request", "--listen", sock, path)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	containsAll(t, output, "Status: 200", "hello /hello.js")

	output, err = executeCommand(newRootCommand(), "request", "--listen", sock, filepath.Join(dir, "missing.js"))
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	containsAll(t, output, "Status: 404", "no such file or directory")

	cancel()
	select {
	case err := <-errc:
		if err != nil {
			t.Fatalf("serve returned %v", err)
		}
	case <-time.After(15 * time.Second):
		t.Fatal("serve did not stop")
	}
	if _, err := os.Stat(sock); !os.IsNotExist(err) {
		t.Errorf("socket file left behind: %v", err)
	}
}

func TestCLIRequestNoServer(t *testing.T) {
	dir := t.TempDir()
	path := writeScript(t, dir, "ok.js", `write("ok")`)
	_, err := executeCommand(newRootCommand(), "request", "--listen", filepath.Join(dir, "none.sock"), "--timeout", "1s", path)
	if err == nil {
		t.Fatal("expected error")
	}
}
