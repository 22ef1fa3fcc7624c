package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/caffeineduck/jsfcgi/hostfunc"
	"github.com/caffeineduck/jsfcgi/internal/logging"
	"github.com/go-logr/logr"
	"modernc.org/quickjs"
)

var (
	ErrSessionClosed = errors.New("session closed")
	ErrNotParsed     = errors.New("request not parsed")
	ErrAlreadyParsed = errors.New("request already parsed")
	ErrNotLoaded     = errors.New("script not loaded")
)

// CPUExceededMessage is the failure message reported when a script runs
// past its CPU budget.
const CPUExceededMessage = "cpu time limit exceeded"

// Request is the read side of an accepted request.
type Request interface {
	// Params returns the CGI-style request environment.
	Params() map[string]string
	// Body returns the request body stream. It may be nil.
	Body() io.Reader
}

// StaticRequest is a Request built from fixed values.
type StaticRequest struct {
	Vars    map[string]string
	Content []byte
}

func (r StaticRequest) Params() map[string]string { return r.Vars }
func (r StaticRequest) Body() io.Reader           { return bytes.NewReader(r.Content) }

// Quotas are the resource ceilings for one request. Zero means no ceiling.
type Quotas struct {
	Memory uint64
	Output uint64
	CPU    time.Duration
}

// Session is one interpreter serving exactly one request. It is driven in
// order: Parse, EnableLimits, Load, Execute, Close. A Session must not be
// used from more than one goroutine, except that Close may race with the
// CPU watchdog.
type Session struct {
	exec     *Executor
	lang     Language
	cfg      sessionConfig
	vm       *quickjs.VM
	registry *hostfunc.Registry
	bridge   *bridge
	output   *hostfunc.Output
	log      logr.Logger

	params map[string]string
	quotas Quotas

	parsed bool
	loaded bool

	mu       sync.Mutex
	closed   bool
	watchdog *time.Timer
	timedOut atomic.Bool
}

func newSession(e *Executor, cfg sessionConfig) (s *Session, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("interpreter panic: %v", r)
		}
	}()

	vm, err := quickjs.NewVM()
	if err != nil {
		return nil, fmt.Errorf("create VM: %w", err)
	}

	s = &Session{
		exec:     e,
		lang:     e.lang,
		cfg:      cfg,
		vm:       vm,
		registry: e.registry.Clone(),
		log:      cfg.logger,
	}
	if s.log.GetSink() == nil {
		s.log = e.log
	}
	s.bridge = newBridge(s.registry)
	s.registry.Register("log", s.consoleLog)

	if err := vm.RegisterFunc(bridgeName, s.bridge.call, false); err != nil {
		vm.Close()
		return nil, fmt.Errorf("register bridge: %w", err)
	}

	init := []string{s.lang.Stdlib()}
	if cfg.sandbox {
		init = append(init, s.lang.SandboxPrelude())
	}
	for _, code := range init {
		v, err := vm.EvalValue(code, quickjs.EvalGlobal)
		if err != nil {
			vm.Close()
			return nil, fmt.Errorf("initialize runtime: %w", err)
		}
		v.Free()
	}
	return s, nil
}

// DefaultContentType returns the content type used when the script sets none.
func (s *Session) DefaultContentType() string {
	return s.cfg.contentType
}

// Sandboxed reports whether host capabilities were removed.
func (s *Session) Sandboxed() bool {
	return s.cfg.sandbox
}

// requestObject is what scripts see as the global request.
type requestObject struct {
	Params         map[string]string `json:"params"`
	Method         string            `json:"method"`
	URI            string            `json:"uri"`
	Query          string            `json:"query"`
	Args           map[string]string `json:"args"`
	ScriptName     string            `json:"scriptName"`
	ScriptFilename string            `json:"scriptFilename"`
	PathInfo       string            `json:"pathInfo"`
	RemoteAddr     string            `json:"remoteAddr"`
	ContentType    string            `json:"contentType"`
	Headers        map[string]string `json:"headers"`
	Body           string            `json:"body"`
}

// Parse exposes the request to the script and binds the response. The
// request body is read in full here, before any quota is active.
func (s *Session) Parse(req Request, resp hostfunc.Response) error {
	if s.isClosed() {
		return ErrSessionClosed
	}
	if s.parsed {
		return ErrAlreadyParsed
	}

	s.params = make(map[string]string, len(req.Params()))
	for k, v := range req.Params() {
		s.params[k] = v
	}

	var body []byte
	if r := req.Body(); r != nil {
		var err error
		if body, err = io.ReadAll(r); err != nil {
			return fmt.Errorf("read request body: %w", err)
		}
	}

	s.output = hostfunc.NewOutput(resp)
	s.output.Register(s.registry)
	if !s.cfg.sandbox {
		if path := s.params["SCRIPT_FILENAME"]; path != "" {
			hostfunc.NewFS(filepath.Dir(path), s.cfg.fsOptions...).Register(s.registry)
		}
		s.registry.Register("getenv", hostfunc.Getenv)
	}

	obj := buildRequestObject(s.params, body)
	data, err := json.Marshal(obj)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	if err := s.evalDiscard("__jsfcgi_install_request(" + jsString(string(data)) + ")"); err != nil {
		return fmt.Errorf("install request: %w", err)
	}
	s.parsed = true
	return nil
}

func buildRequestObject(params map[string]string, body []byte) requestObject {
	obj := requestObject{
		Params:         params,
		Method:         params["REQUEST_METHOD"],
		URI:            params["REQUEST_URI"],
		Query:          params["QUERY_STRING"],
		Args:           make(map[string]string),
		ScriptName:     params["SCRIPT_NAME"],
		ScriptFilename: params["SCRIPT_FILENAME"],
		PathInfo:       params["PATH_INFO"],
		RemoteAddr:     params["REMOTE_ADDR"],
		ContentType:    params["CONTENT_TYPE"],
		Headers:        make(map[string]string),
		Body:           string(body),
	}

	// ParseQuery keeps the pairs it could decode even when it errors.
	values, _ := url.ParseQuery(obj.Query)
	for k, v := range values {
		if len(v) > 0 {
			obj.Args[k] = v[0]
		}
	}

	for k, v := range params {
		switch {
		case strings.HasPrefix(k, "HTTP_"):
			obj.Headers[headerName(k[len("HTTP_"):])] = v
		case k == "CONTENT_TYPE" || k == "CONTENT_LENGTH":
			obj.Headers[headerName(k)] = v
		}
	}
	return obj
}

func headerName(cgi string) string {
	return strings.ToLower(strings.ReplaceAll(cgi, "_", "-"))
}

// EnableLimits activates the quotas. Work done by the script from here on
// counts against them; parsing the request did not.
func (s *Session) EnableLimits(q Quotas) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrSessionClosed
	}
	if !s.parsed {
		return ErrNotParsed
	}

	s.quotas = q
	if q.Memory > 0 {
		s.vm.SetMemoryLimit(uintptr(q.Memory))
	}
	s.output.SetLimit(q.Output)
	if q.CPU > 0 {
		if s.watchdog != nil {
			s.watchdog.Stop()
		}
		s.watchdog = time.AfterFunc(q.CPU, func() {
			s.timedOut.Store(true)
			s.interrupt()
		})
	}
	return nil
}

// Load resolves SCRIPT_FILENAME and compiles it without running it.
func (s *Session) Load(ctx context.Context) LoadOutcome {
	if s.isClosed() {
		return UnknownFailure{Err: ErrSessionClosed}
	}
	if !s.parsed {
		return UnknownFailure{Err: ErrNotParsed}
	}

	path := s.params["SCRIPT_FILENAME"]
	if path == "" {
		return MissingScriptPath{}
	}
	if s.params["SCRIPT_NAME"] == "" {
		return MissingScriptName{}
	}

	src, outcome := s.readScript(path)
	if outcome != nil {
		return outcome
	}
	if s.lang.IsBytecode(src) {
		return UnsupportedBytecode{}
	}

	code := s.lang.WrapCode(string(src))
	res, err := s.evalResult(ctx, "__jsfcgi_compile("+jsString(code)+")")
	if err != nil {
		switch {
		case s.timedOut.Load():
			return UnknownFailure{Err: errors.New(CPUExceededMessage)}
		case isOutOfMemory(err.Error()):
			return OutOfMemory{}
		}
		return UnknownFailure{Err: err}
	}
	if !res.OK {
		msg := res.message()
		switch {
		case isOutOfMemory(msg):
			return OutOfMemory{}
		case res.Name == "SyntaxError":
			return SyntaxError{Message: msg}
		}
		return UnknownFailure{Err: fmt.Errorf("%s: %s", res.Name, msg)}
	}

	s.loaded = true
	return Loaded{}
}

func (s *Session) readScript(path string) ([]byte, LoadOutcome) {
	f, err := os.Open(path)
	if err != nil {
		return nil, classifyOpenError(err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, UnknownFailure{Err: err}
	}
	if !info.Mode().IsRegular() {
		return nil, NotFound{}
	}
	if s.quotas.Memory > 0 && uint64(info.Size()) > s.quotas.Memory {
		return nil, OutOfMemory{}
	}

	src, err := io.ReadAll(f)
	if err != nil {
		return nil, classifyOpenError(err)
	}
	return src, nil
}

func classifyOpenError(err error) LoadOutcome {
	switch {
	case errors.Is(err, fs.ErrNotExist), errors.Is(err, syscall.ENOTDIR), errors.Is(err, syscall.EISDIR):
		return NotFound{}
	case errors.Is(err, fs.ErrPermission):
		return AccessDenied{}
	}
	return UnknownFailure{Err: err}
}

// Execute runs the loaded script. The returned error is a *ScriptError for
// failures raised by the script or its quotas.
func (s *Session) Execute(ctx context.Context) error {
	if s.isClosed() {
		return ErrSessionClosed
	}
	if !s.loaded {
		return ErrNotLoaded
	}
	s.loaded = false

	res, err := s.evalResult(ctx, "__jsfcgi_run()")
	if s.timedOut.Load() && (err != nil || !res.OK) {
		return &ScriptError{Message: CPUExceededMessage}
	}
	if err != nil {
		return &ScriptError{Message: strings.TrimSpace(err.Error())}
	}
	if !res.OK {
		return &ScriptError{Message: res.message()}
	}
	return nil
}

// Close releases the interpreter. It is safe to call more than once.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	if s.watchdog != nil {
		s.watchdog.Stop()
	}

	var err error
	func() {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("close interpreter: %v", r)
			}
		}()
		s.vm.Close()
	}()
	return err
}

func (s *Session) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *Session) interrupt() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.vm.Interrupt()
	}
}

type evalResult struct {
	OK      bool    `json:"ok"`
	Name    string  `json:"name"`
	Message *string `json:"message"`
}

func (r evalResult) message() string {
	if r.Message == nil {
		return ""
	}
	return *r.Message
}

// evalResult evaluates code that returns a JSON encoded evalResult.
func (s *Session) evalResult(ctx context.Context, code string) (res evalResult, err error) {
	s.bridge.ctx = ctx
	stop := context.AfterFunc(ctx, s.interrupt)
	defer func() {
		stop()
		s.bridge.ctx = context.Background()
		if r := recover(); r != nil {
			err = fmt.Errorf("interpreter panic: %v", r)
		}
	}()

	raw, err := s.vm.Eval(code, quickjs.EvalGlobal)
	if err != nil {
		return evalResult{}, err
	}
	str, ok := raw.(string)
	if !ok {
		return evalResult{}, fmt.Errorf("unexpected result type %T", raw)
	}
	if err := json.Unmarshal([]byte(str), &res); err != nil {
		return evalResult{}, fmt.Errorf("decode result: %w", err)
	}
	return res, nil
}

func (s *Session) evalDiscard(code string) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("interpreter panic: %v", r)
		}
	}()
	v, err := s.vm.EvalValue(code, quickjs.EvalGlobal)
	if err != nil {
		return err
	}
	v.Free()
	return nil
}

func (s *Session) consoleLog(ctx context.Context, args map[string]any) (any, error) {
	level, _ := args["level"].(string)
	msg, _ := args["message"].(string)
	log := s.log.WithValues("script", s.params["SCRIPT_NAME"])
	switch level {
	case "error":
		log.Error(nil, msg)
	case "warn":
		log.V(logging.DEFAULT).Info(msg)
	case "debug":
		log.V(logging.DEBUG).Info(msg)
	default:
		log.V(logging.VERBOSE).Info(msg)
	}
	return nil, nil
}

func isOutOfMemory(msg string) bool {
	return strings.Contains(strings.ToLower(msg), "out of memory")
}

// jsString quotes s as a JavaScript string literal. JSON string syntax is a
// subset of it, and encoding/json escapes U+2028 and U+2029.
func jsString(s string) string {
	data, _ := json.Marshal(s)
	return string(data)
}
