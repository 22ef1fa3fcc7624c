package fcgi

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net"
	"os"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/go-logr/logr"

	"github.com/caffeineduck/jsfcgi/internal/logging"
	"github.com/caffeineduck/jsfcgi/internal/metrics"
)

// maxParamsLen bounds the encoded PARAMS stream of one request.
const maxParamsLen = 1 << 20

// Listener is a FastCGI listening socket shared by any number of
// [Acceptor]s.
type Listener struct {
	ln       net.Listener
	path     string
	maxConns atomic.Int64
	log      logr.Logger

	mu     sync.Mutex
	closed bool
	idle   map[*conn]struct{}
}

// Listen opens addr with the given listen(2) backlog. An address containing
// a slash is a unix socket path; a stale socket file there is replaced.
// Anything else is a TCP host:port.
func Listen(addr string, backlog int) (*Listener, error) {
	if backlog < 0 {
		return nil, fmt.Errorf("fcgi: negative backlog %d", backlog)
	}
	network := "tcp"
	if strings.Contains(addr, "/") {
		network = "unix"
		if err := removeStaleSocket(addr); err != nil {
			return nil, fmt.Errorf("fcgi: listen %s: %w", addr, err)
		}
	}
	ln, err := listenSocket(network, addr, backlog)
	if err != nil {
		return nil, fmt.Errorf("fcgi: listen %s: %w", addr, err)
	}
	l := &Listener{ln: ln, log: logr.Discard(), idle: make(map[*conn]struct{})}
	if network == "unix" {
		l.path = addr
	}
	l.maxConns.Store(1)
	return l, nil
}

func removeStaleSocket(path string) error {
	fi, err := os.Lstat(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	if fi.Mode()&fs.ModeSocket == 0 {
		return fmt.Errorf("%s exists and is not a socket", path)
	}
	return os.Remove(path)
}

// Addr returns the bound address.
func (l *Listener) Addr() net.Addr { return l.ln.Addr() }

// SetMaxConns sets the value reported for FCGI_MAX_CONNS and FCGI_MAX_REQS.
func (l *Listener) SetMaxConns(n int) {
	if n > 0 {
		l.maxConns.Store(int64(n))
	}
}

// SetLogger sets the logger for connections dropped as malformed. Call it
// before the first Accept.
func (l *Listener) SetLogger(log logr.Logger) { l.log = log }

// NewAcceptor returns an acceptor for one worker. Acceptors are not safe
// for concurrent use; give each worker its own.
func (l *Listener) NewAcceptor() *Acceptor {
	return &Acceptor{l: l}
}

// Close stops accepting, drops idle kept-alive connections and removes the
// unix socket file. Requests in flight can still be finished.
func (l *Listener) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	for c := range l.idle {
		c.nc.Close()
	}
	clear(l.idle)
	l.mu.Unlock()

	err := l.ln.Close()
	if l.path != "" {
		if rerr := os.Remove(l.path); rerr != nil && !errors.Is(rerr, fs.ErrNotExist) && err == nil {
			err = rerr
		}
	}
	return err
}

func (l *Listener) isClosed() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closed
}

func (l *Listener) markIdle(c *conn) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return net.ErrClosed
	}
	l.idle[c] = struct{}{}
	return nil
}

func (l *Listener) markBusy(c *conn) {
	l.mu.Lock()
	delete(l.idle, c)
	l.mu.Unlock()
}

// Acceptor yields requests one at a time. It keeps a connection open
// between requests when the web server asked for FCGI_KEEP_CONN.
type Acceptor struct {
	l *Listener
	c *conn
}

// Accept blocks until the next request's parameters have arrived. It
// answers management records and rejected requests itself. A connection
// that breaks the protocol is closed and skipped; only a failure of the
// listening socket is returned. After the listener is closed the error
// matches net.ErrClosed.
func (a *Acceptor) Accept() (*Request, error) {
	if a.c != nil && (a.c.closed || (a.c.active != nil && !a.c.active.finished)) {
		a.c.close()
		a.c = nil
	}
	for {
		if a.c == nil {
			nc, err := a.l.ln.Accept()
			if err != nil {
				if a.l.isClosed() {
					return nil, net.ErrClosed
				}
				return nil, err
			}
			a.c = newConn(a.l, nc)
		}
		req, err := a.c.next()
		if err == nil {
			return req, nil
		}
		remote := a.c.nc.RemoteAddr()
		a.c.close()
		a.c = nil
		if a.l.isClosed() {
			return nil, net.ErrClosed
		}
		if !errors.Is(err, io.EOF) {
			metrics.RecordConnError()
			a.l.log.V(logging.VERBOSE).Info("dropped malformed connection", "remote", addrString(remote), "error", err.Error())
		}
	}
}

// Close drops the acceptor's kept-alive connection, if any.
func (a *Acceptor) Close() error {
	if a.c == nil {
		return nil
	}
	err := a.c.close()
	a.c = nil
	return err
}

func addrString(a net.Addr) string {
	if a == nil {
		return ""
	}
	return a.String()
}

type conn struct {
	l      *Listener
	nc     net.Conn
	r      *bufio.Reader
	w      *bufio.Writer
	active *Request
	closed bool
}

func newConn(l *Listener, nc net.Conn) *conn {
	return &conn{
		l:  l,
		nc: nc,
		r:  bufio.NewReader(nc),
		w:  bufio.NewWriterSize(nc, maxWrite+headerLen+8),
	}
}

func (c *conn) close() error {
	if c.closed {
		return nil
	}
	c.closed = true
	c.l.markBusy(c)
	return c.nc.Close()
}

// next reads records until a responder request has its full parameter set.
// io.EOF means the web server is done with this connection.
func (c *conn) next() (*Request, error) {
	if err := c.l.markIdle(c); err != nil {
		return nil, err
	}
	idle := true
	defer func() {
		if idle {
			c.l.markBusy(c)
		}
	}()

	var (
		req    *Request
		params []byte
	)
	for {
		rec, err := readRecord(c.r)
		if idle {
			c.l.markBusy(c)
			idle = false
		}
		if err != nil {
			if req != nil {
				return nil, unexpectedEOF(err)
			}
			return nil, err
		}

		switch {
		case rec.h.ID == managementID:
			if err := c.management(rec); err != nil {
				return nil, err
			}
		case rec.h.Type == typeBeginRequest:
			if req != nil {
				if err := c.endRequest(rec.h.ID, statusCantMultiplex); err != nil {
					return nil, err
				}
				continue
			}
			if len(rec.content) < 8 {
				return nil, fmt.Errorf("%w: short BEGIN_REQUEST", errInvalidRecord)
			}
			role := binary.BigEndian.Uint16(rec.content)
			keep := rec.content[2]&flagKeepConn != 0
			if role != roleResponder {
				if err := c.endRequest(rec.h.ID, statusUnknownRole); err != nil {
					return nil, err
				}
				if !keep {
					return nil, io.EOF
				}
				continue
			}
			req = &Request{c: c, id: rec.h.ID, keepConn: keep}
		case req == nil || rec.h.ID != req.id:
			// Stray record for a request that was rejected or already ended.
		case rec.h.Type == typeParams:
			if len(rec.content) == 0 {
				p, err := decodePairs(params)
				if err != nil {
					return nil, err
				}
				req.params = p
				req.out = bufio.NewWriterSize(&streamWriter{w: c.w, t: typeStdout, id: req.id}, maxWrite)
				c.active = req
				return req, nil
			}
			if len(params)+len(rec.content) > maxParamsLen {
				return nil, fmt.Errorf("%w: parameters exceed %d bytes", errInvalidRecord, maxParamsLen)
			}
			params = append(params, rec.content...)
		case rec.h.Type == typeAbortRequest:
			if err := c.endRequest(req.id, statusRequestComplete); err != nil {
				return nil, err
			}
			if !req.keepConn {
				return nil, io.EOF
			}
			req, params = nil, nil
		}
	}
}

func (c *conn) management(rec record) error {
	if rec.h.Type != typeGetValues {
		b := make([]byte, 8)
		b[0] = byte(rec.h.Type)
		if err := writeRecord(c.w, typeUnknownType, managementID, b); err != nil {
			return err
		}
		return c.w.Flush()
	}
	query, err := decodePairs(rec.content)
	if err != nil {
		return err
	}
	limit := strconv.FormatInt(c.l.maxConns.Load(), 10)
	result := make(map[string]string, len(query))
	for name := range query {
		switch name {
		case "FCGI_MAX_CONNS", "FCGI_MAX_REQS":
			result[name] = limit
		case "FCGI_MPXS_CONNS":
			result[name] = "0"
		}
	}
	if err := writeRecord(c.w, typeGetValuesResult, managementID, encodePairs(result)); err != nil {
		return err
	}
	return c.w.Flush()
}

func (c *conn) endRequest(id uint16, status uint8) error {
	if err := writeEndRequest(c.w, id, 0, status); err != nil {
		return err
	}
	return c.w.Flush()
}
