package fcgi

import (
	"bufio"
	"errors"
	"io"
)

// ErrAborted is returned by the body reader when the web server sent
// FCGI_ABORT_REQUEST.
var ErrAborted = errors.New("fcgi: request aborted by web server")

// Request is one responder request. It is bound to the worker that accepted
// it and must be finished before that worker accepts again.
type Request struct {
	c        *conn
	id       uint16
	keepConn bool
	params   map[string]string
	out      *bufio.Writer

	stdin    []byte
	stdinEOF bool
	aborted  bool
	finished bool
}

// ID returns the FastCGI request id.
func (r *Request) ID() uint16 { return r.id }

// KeepConn reports whether the web server asked to keep the connection.
func (r *Request) KeepConn() bool { return r.keepConn }

// Params returns the CGI variables. The map must not be modified.
func (r *Request) Params() map[string]string { return r.params }

// Param returns one CGI variable, or "" when it is absent.
func (r *Request) Param(name string) string { return r.params[name] }

// Body returns the FCGI_STDIN stream.
func (r *Request) Body() io.Reader { return body{r} }

// Stdout returns the buffered FCGI_STDOUT stream.
func (r *Request) Stdout() io.Writer { return r.out }

// Aborted reports whether the web server aborted the request.
func (r *Request) Aborted() bool { return r.aborted }

// Finish flushes stdout, closes the stream and ends the request. The
// connection is closed unless the web server asked to keep it.
func (r *Request) Finish() error {
	if r.finished {
		return nil
	}
	r.finished = true
	c := r.c
	if c.closed {
		return nil
	}

	keep := r.keepConn && !r.aborted
	if keep && !r.stdinEOF {
		if _, err := io.Copy(io.Discard, r.Body()); err != nil {
			keep = false
		}
	}

	err := r.out.Flush()
	if err == nil {
		err = writeRecord(c.w, typeStdout, r.id, nil)
	}
	if err == nil {
		err = writeEndRequest(c.w, r.id, 0, statusRequestComplete)
	}
	if err == nil {
		err = c.w.Flush()
	}
	c.active = nil
	if err != nil || !keep || c.l.isClosed() {
		if cerr := c.close(); err == nil {
			err = cerr
		}
	}
	return err
}

type body struct{ r *Request }

func (b body) Read(p []byte) (int, error) {
	r := b.r
	for len(r.stdin) == 0 {
		switch {
		case r.aborted:
			return 0, ErrAborted
		case r.stdinEOF:
			return 0, io.EOF
		case r.c.closed:
			return 0, io.ErrUnexpectedEOF
		}
		if err := r.readStdin(); err != nil {
			return 0, err
		}
	}
	n := copy(p, r.stdin)
	r.stdin = r.stdin[n:]
	return n, nil
}

func (r *Request) readStdin() error {
	rec, err := readRecord(r.c.r)
	if err != nil {
		r.c.close()
		return unexpectedEOF(err)
	}
	switch {
	case rec.h.ID == managementID:
		return r.c.management(rec)
	case rec.h.ID != r.id:
		if rec.h.Type == typeBeginRequest {
			return r.c.endRequest(rec.h.ID, statusCantMultiplex)
		}
	case rec.h.Type == typeStdin:
		if len(rec.content) == 0 {
			r.stdinEOF = true
		} else {
			r.stdin = rec.content
		}
	case rec.h.Type == typeAbortRequest:
		r.aborted = true
	}
	return nil
}
