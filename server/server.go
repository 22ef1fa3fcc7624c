package server

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/go-logr/logr"
	"golang.org/x/sync/errgroup"

	"github.com/caffeineduck/jsfcgi/config"
	"github.com/caffeineduck/jsfcgi/internal/logging"
	"github.com/caffeineduck/jsfcgi/internal/metrics"
)

// Server runs Settings.Threads workers over one transport.
type Server struct {
	settings config.Settings
	sandbox  Sandbox
	log      logr.Logger
	newID    func() string
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the server logger.
func WithLogger(log logr.Logger) Option {
	return func(s *Server) {
		s.log = log
	}
}

// WithRequestIDs replaces the request id generator.
func WithRequestIDs(fn func() string) Option {
	return func(s *Server) {
		s.newID = fn
	}
}

// New returns a server for the given settings. The settings are copied and
// never changed afterwards.
func New(settings config.Settings, sandbox Sandbox, opts ...Option) (*Server, error) {
	if err := settings.Validate(); err != nil {
		return nil, err
	}
	if sandbox == nil {
		return nil, errors.New("server: nil sandbox")
	}
	s := &Server{
		settings: settings,
		sandbox:  sandbox,
		log:      logr.Discard(),
		newID:    newRequestID,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Settings returns the server's settings.
func (s *Server) Settings() config.Settings { return s.settings }

// Serve starts the workers and blocks until ctx is cancelled or the
// transport is closed. On cancellation the transport is closed, every
// worker finishes its request in flight, and Serve returns nil. An error
// means a worker could not be started.
func (s *Server) Serve(ctx context.Context, t Transport) error {
	workers := make([]*worker, 0, s.settings.Threads)
	for i := range s.settings.Threads {
		acc, err := t.NewAcceptor()
		if err != nil {
			for _, w := range workers {
				w.acceptor.Close()
			}
			return fmt.Errorf("start worker %d: %w", i, err)
		}
		workers = append(workers, s.newWorker(acc, s.log.WithValues("worker", i)))
	}

	s.log.V(logging.VERBOSE).Info("starting workers", "threads", len(workers))

	g, gctx := errgroup.WithContext(ctx)
	stopped := make(chan struct{})
	var wg sync.WaitGroup
	for _, w := range workers {
		wg.Add(1)
		g.Go(func() error {
			defer wg.Done()
			metrics.WorkerStarted()
			defer metrics.WorkerStopped()
			w.run(gctx)
			return nil
		})
	}
	go func() {
		wg.Wait()
		close(stopped)
	}()
	g.Go(func() error {
		select {
		case <-gctx.Done():
			s.log.V(logging.VERBOSE).Info("shutting down")
		case <-stopped:
		}
		if err := t.Close(); err != nil {
			s.log.Error(err, "close transport")
		}
		return nil
	})
	return g.Wait()
}

// ServeRequest runs the lifecycle for a single request that did not come
// from a transport, such as one built on the command line. It returns the
// response status.
func (s *Server) ServeRequest(ctx context.Context, req Request) int {
	w := s.newWorker(nil, s.log)
	log := w.log.WithValues("requestID", w.newID())
	quotas := DeriveQuotas(s.settings)
	sess := w.newSession(log)
	if sess != nil {
		defer sess.Close()
	}
	return w.respond(ctx, log, sess, req, quotas)
}

func (s *Server) newWorker(acc Acceptor, log logr.Logger) *worker {
	return &worker{
		settings: s.settings,
		sandbox:  s.sandbox,
		acceptor: acc,
		log:      log,
		newID:    s.newID,
	}
}
