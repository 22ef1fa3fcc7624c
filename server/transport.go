package server

import (
	"context"
	"io"

	"github.com/go-logr/logr"

	"github.com/caffeineduck/jsfcgi/executor"
	"github.com/caffeineduck/jsfcgi/fcgi"
	"github.com/caffeineduck/jsfcgi/hostfunc"
)

// Transport is the listening socket shared by all workers.
type Transport interface {
	// NewAcceptor returns a handle owned by one worker.
	NewAcceptor() (Acceptor, error)
	// Close stops accepting. Blocked Accept calls then fail with an error
	// matching net.ErrClosed.
	Close() error
}

// Acceptor yields the requests of one worker.
type Acceptor interface {
	Accept() (Request, error)
	Close() error
}

// Request is an accepted request and its output stream.
type Request interface {
	Params() map[string]string
	Body() io.Reader
	Stdout() io.Writer
	Finish() error
}

// transportRequest is implemented by requests that carry connection
// details worth logging. [*fcgi.Request] implements it.
type transportRequest interface {
	ID() uint16
	KeepConn() bool
	Aborted() bool
}

// Sandbox creates one isolated session per request. log carries the
// request id; the session uses it for script diagnostics.
type Sandbox interface {
	NewSession(sandbox bool, contentType string, log logr.Logger) (Session, error)
}

// Session is the per-request script engine. [executor.Session] implements it.
type Session interface {
	// DefaultContentType is sent when the script sets no Content-Type.
	DefaultContentType() string
	Parse(req executor.Request, resp hostfunc.Response) error
	EnableLimits(q executor.Quotas) error
	Load(ctx context.Context) executor.LoadOutcome
	Execute(ctx context.Context) error
	Close() error
}

// NewFCGITransport adapts a FastCGI listener.
func NewFCGITransport(l *fcgi.Listener) Transport {
	return fcgiTransport{l: l}
}

type fcgiTransport struct{ l *fcgi.Listener }

func (t fcgiTransport) NewAcceptor() (Acceptor, error) {
	return fcgiAcceptor{a: t.l.NewAcceptor()}, nil
}

func (t fcgiTransport) Close() error { return t.l.Close() }

type fcgiAcceptor struct{ a *fcgi.Acceptor }

func (a fcgiAcceptor) Accept() (Request, error) {
	req, err := a.a.Accept()
	if err != nil {
		return nil, err
	}
	return req, nil
}

func (a fcgiAcceptor) Close() error { return a.a.Close() }

// NewExecutorSandbox adapts an executor. Extra options are applied to every
// session before the sandbox flag and content type.
func NewExecutorSandbox(e *executor.Executor, opts ...executor.SessionOption) Sandbox {
	return executorSandbox{e: e, opts: opts}
}

type executorSandbox struct {
	e    *executor.Executor
	opts []executor.SessionOption
}

func (s executorSandbox) NewSession(sandbox bool, contentType string, log logr.Logger) (Session, error) {
	opts := append(append([]executor.SessionOption(nil), s.opts...),
		executor.WithSandbox(sandbox),
		executor.WithDefaultContentType(contentType),
		executor.WithSessionLogger(log),
	)
	sess, err := s.e.NewSession(opts...)
	if err != nil {
		return nil, err
	}
	return sess, nil
}
