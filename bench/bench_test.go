// Package bench measures what one request costs at each layer.
//
// Run with: go test -v -run=Test ./bench/
// Benchmarks: go test -bench=. -benchtime=100x ./bench/
package bench

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"testing"
	"time"

	"github.com/go-logr/logr"

	"github.com/caffeineduck/jsfcgi/config"
	"github.com/caffeineduck/jsfcgi/executor"
	"github.com/caffeineduck/jsfcgi/fcgi"
	"github.com/caffeineduck/jsfcgi/hostfunc"
	"github.com/caffeineduck/jsfcgi/language/javascript"
	"github.com/caffeineduck/jsfcgi/server"
)

const (
	helloScript = `write("hello")`
	loopScript  = `var s = 0; for (var i = 0; i < 100000; i++) { s += i; } write(String(s));`
)

func newExecutor(tb testing.TB) *executor.Executor {
	tb.Helper()
	exec, err := executor.New(hostfunc.NewRegistry(), executor.WithLanguage(javascript.New()))
	if err != nil {
		tb.Fatal(err)
	}
	tb.Cleanup(func() { exec.Close() })
	return exec
}

func writeScript(tb testing.TB, src string) string {
	tb.Helper()
	path := filepath.Join(tb.TempDir(), "bench.js")
	if err := os.WriteFile(path, []byte(src), 0o644); err != nil {
		tb.Fatal(err)
	}
	return path
}

func requestFor(path string) executor.StaticRequest {
	return executor.StaticRequest{Vars: map[string]string{
		"SCRIPT_FILENAME": path,
		"SCRIPT_NAME":     "/" + filepath.Base(path),
		"REQUEST_METHOD":  "GET",
	}}
}

// runSession drives one session through the whole lifecycle.
func runSession(tb testing.TB, exec *executor.Executor, req executor.Request, q executor.Quotas) {
	sess, err := exec.NewSession()
	if err != nil {
		tb.Fatal(err)
	}
	defer sess.Close()
	if err := sess.Parse(req, server.NewRequestContext(io.Discard, config.DefaultContentType)); err != nil {
		tb.Fatal(err)
	}
	if err := sess.EnableLimits(q); err != nil {
		tb.Fatal(err)
	}
	if outcome := sess.Load(context.Background()); outcome != (executor.Loaded{}) {
		tb.Fatalf("load: %v", outcome)
	}
	if err := sess.Execute(context.Background()); err != nil {
		tb.Fatal(err)
	}
}

// startServer serves path over TCP with threads workers and returns the
// address.
func startServer(tb testing.TB, exec *executor.Executor, threads int) string {
	tb.Helper()
	settings := config.Default()
	settings.Listen = "127.0.0.1:0"
	settings.Threads = threads

	ln, err := fcgi.Listen(settings.Listen, settings.Backlog)
	if err != nil {
		tb.Fatal(err)
	}
	srv, err := server.New(settings, server.NewExecutorSandbox(exec), server.WithLogger(logr.Discard()))
	if err != nil {
		ln.Close()
		tb.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		srv.Serve(ctx, server.NewFCGITransport(ln))
	}()
	tb.Cleanup(func() {
		cancel()
		<-done
	})
	return ln.Addr().String()
}

func dial(tb testing.TB, addr string) *fcgi.Client {
	tb.Helper()
	c, err := fcgi.Dial(context.Background(), addr)
	if err != nil {
		tb.Fatal(err)
	}
	c.SetKeepConn(true)
	tb.Cleanup(func() { c.Close() })
	return c
}

func roundTrip(tb testing.TB, c *fcgi.Client, path string) {
	resp, err := c.Do(requestFor(path).Vars, nil)
	if err != nil {
		tb.Fatal(err)
	}
	if !resp.Complete() {
		tb.Fatalf("protocol status %d", resp.ProtocolStatus)
	}
}

// =============================================================================
// Session lifecycle
// =============================================================================

func BenchmarkSession_ColdStart(b *testing.B) {
	path := writeScript(b, helloScript)
	req := requestFor(path)
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		exec, err := executor.New(hostfunc.NewRegistry(), executor.WithLanguage(javascript.New()))
		if err != nil {
			b.Fatal(err)
		}
		runSession(b, exec, req, executor.Quotas{})
		exec.Close()
	}
}

func BenchmarkSession_Hello(b *testing.B) {
	exec := newExecutor(b)
	req := requestFor(writeScript(b, helloScript))
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		runSession(b, exec, req, executor.Quotas{})
	}
}

func BenchmarkSession_HelloWithQuotas(b *testing.B) {
	exec := newExecutor(b)
	req := requestFor(writeScript(b, helloScript))
	q := server.DeriveQuotas(config.Default())
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		runSession(b, exec, req, q)
	}
}

func BenchmarkSession_Computation(b *testing.B) {
	exec := newExecutor(b)
	req := requestFor(writeScript(b, loopScript))
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		runSession(b, exec, req, executor.Quotas{})
	}
}

// =============================================================================
// FastCGI round trip
// =============================================================================

func BenchmarkFastCGI_KeepConn(b *testing.B) {
	exec := newExecutor(b)
	path := writeScript(b, helloScript)
	c := dial(b, startServer(b, exec, 1))
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		roundTrip(b, c, path)
	}
}

func BenchmarkFastCGI_NewConn(b *testing.B) {
	exec := newExecutor(b)
	path := writeScript(b, helloScript)
	addr := startServer(b, exec, 1)
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		c, err := fcgi.Dial(context.Background(), addr)
		if err != nil {
			b.Fatal(err)
		}
		roundTrip(b, c, path)
		c.Close()
	}
}

// =============================================================================
// Throughput report - human readable output
// =============================================================================

func TestThroughputReport(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping throughput report in short mode")
	}
	exec := newExecutor(t)
	path := writeScript(t, helloScript)
	const perClient = 50

	fmt.Println()
	fmt.Printf("Platform: %s/%s, CPUs: %d\n", runtime.GOOS, runtime.GOARCH, runtime.NumCPU())
	fmt.Println()
	fmt.Println("┌─────────┬───────────┬───────────┬──────────┐")
	fmt.Println("│ Threads │ Requests  │ Elapsed   │ Req/s    │")
	fmt.Println("├─────────┼───────────┼───────────┼──────────┤")
	for _, threads := range []int{1, 2, 4} {
		addr := startServer(t, exec, threads)
		clients := make([]*fcgi.Client, threads)
		for i := range clients {
			clients[i] = dial(t, addr)
		}

		start := time.Now()
		var wg sync.WaitGroup
		errs := make(chan error, threads)
		for _, c := range clients {
			wg.Add(1)
			go func(c *fcgi.Client) {
				defer wg.Done()
				for i := 0; i < perClient; i++ {
					resp, err := c.Do(requestFor(path).Vars, nil)
					if err != nil {
						errs <- err
						return
					}
					if !resp.Complete() {
						errs <- fmt.Errorf("protocol status %d", resp.ProtocolStatus)
						return
					}
				}
			}(c)
		}
		wg.Wait()
		elapsed := time.Since(start)
		close(errs)
		for err := range errs {
			t.Fatal(err)
		}

		total := threads * perClient
		fmt.Printf("│ %7d │ %9d │ %9s │ %8.0f │\n", threads, total, formatDuration(elapsed), float64(total)/elapsed.Seconds())
	}
	fmt.Println("└─────────┴───────────┴───────────┴──────────┘")
	fmt.Println()
}

func formatDuration(d time.Duration) string {
	if d >= time.Second {
		return fmt.Sprintf("%.2fs", d.Seconds())
	}
	return fmt.Sprintf("%dms", d.Milliseconds())
}

// =============================================================================
// Memory
// =============================================================================

func TestMemoryUsage(t *testing.T) {
	var m runtime.MemStats

	runtime.GC()
	runtime.ReadMemStats(&m)
	before := m.Alloc

	exec := newExecutor(t)
	req := requestFor(writeScript(t, helloScript))
	for i := 0; i < 20; i++ {
		runSession(t, exec, req, server.DeriveQuotas(config.Default()))
	}

	runtime.ReadMemStats(&m)
	after := m.Alloc

	runtime.GC()
	runtime.ReadMemStats(&m)
	afterGC := m.Alloc

	t.Logf("Memory before: %d MB", before/1024/1024)
	t.Logf("Memory after 20 sessions: %d MB", after/1024/1024)
	t.Logf("Memory after GC: %d MB", afterGC/1024/1024)
}
