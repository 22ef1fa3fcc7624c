package executor

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/caffeineduck/jsfcgi/hostfunc"
	"github.com/go-logr/logr"
	"modernc.org/quickjs"
)

var (
	ErrExecutorClosed = errors.New("executor closed")
	ErrNoLanguage     = errors.New("no language configured")
)

// Executor creates sessions. It holds only read-only state after New
// returns, so one Executor is shared by every worker.
type Executor struct {
	lang     Language
	registry *hostfunc.Registry
	log      logr.Logger

	mu     sync.RWMutex
	closed bool
}

// New creates an Executor with the given base host function registry.
// Every session gets its own copy of the registry.
func New(registry *hostfunc.Registry, opts ...ExecutorOption) (*Executor, error) {
	cfg := defaultExecutorConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.lang == nil {
		return nil, ErrNoLanguage
	}

	e := &Executor{
		lang:     cfg.lang,
		registry: registry.Clone(),
		log:      cfg.logger,
	}

	if err := e.validate(); err != nil {
		return nil, fmt.Errorf("prepare %s runtime: %w", cfg.lang.Name(), err)
	}
	return e, nil
}

// validate boots one throwaway interpreter so a broken runtime fails at
// startup instead of on every request.
func (e *Executor) validate() (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("interpreter panic: %v", r)
		}
	}()

	vm, err := quickjs.NewVM()
	if err != nil {
		return fmt.Errorf("create VM: %w", err)
	}
	defer vm.Close()

	if err := vm.RegisterFunc(bridgeName, newBridge(hostfunc.NewRegistry()).call, false); err != nil {
		return fmt.Errorf("register bridge: %w", err)
	}
	for _, code := range []string{e.lang.Stdlib(), e.lang.SandboxPrelude()} {
		v, err := vm.EvalValue(code, quickjs.EvalGlobal)
		if err != nil {
			return err
		}
		v.Free()
	}
	return nil
}

// NewSession creates a fresh interpreter for one request.
func (e *Executor) NewSession(opts ...SessionOption) (*Session, error) {
	e.mu.RLock()
	closed := e.closed
	e.mu.RUnlock()
	if closed {
		return nil, ErrExecutorClosed
	}

	cfg := defaultSessionConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	return newSession(e, cfg)
}

// Check loads a script without running it and reports the classification.
// It is meant for tooling; the server drives sessions directly.
func (e *Executor) Check(ctx context.Context, path string, opts ...SessionOption) (LoadOutcome, error) {
	s, err := e.NewSession(opts...)
	if err != nil {
		return nil, err
	}
	defer s.Close()

	params := map[string]string{
		"SCRIPT_FILENAME": path,
		"SCRIPT_NAME":     path,
	}
	if err := s.Parse(StaticRequest{Vars: params}, discardResponse{}); err != nil {
		return nil, err
	}
	return s.Load(ctx), nil
}

// Close marks the Executor closed. Sessions already handed out stay valid
// until they are closed themselves.
func (e *Executor) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closed = true
	return nil
}

type discardResponse struct{}

func (discardResponse) SetHeader(string, string) error { return nil }
func (discardResponse) Commit(int) error               { return nil }
func (discardResponse) Write(p []byte) (int, error)    { return len(p), nil }
func (discardResponse) Committed() bool                { return false }
