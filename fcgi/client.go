package fcgi

import (
	"bufio"
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/textproto"
	"slices"
	"strconv"
	"strings"
	"time"
)

// Client speaks the web server side of FastCGI. It sends one request at a
// time and is used by the request command and by tests.
type Client struct {
	nc       net.Conn
	r        *bufio.Reader
	w        *bufio.Writer
	keepConn bool
	nextID   uint16
}

// Dial connects to addr, a unix socket path or a TCP host:port.
func Dial(ctx context.Context, addr string) (*Client, error) {
	network := "tcp"
	if strings.Contains(addr, "/") {
		network = "unix"
	}
	var d net.Dialer
	nc, err := d.DialContext(ctx, network, addr)
	if err != nil {
		return nil, err
	}
	return NewClient(nc), nil
}

// NewClient wraps an established connection.
func NewClient(nc net.Conn) *Client {
	return &Client{nc: nc, r: bufio.NewReader(nc), w: bufio.NewWriter(nc)}
}

// SetKeepConn sets FCGI_KEEP_CONN on subsequent requests.
func (c *Client) SetKeepConn(keep bool) { c.keepConn = keep }

// SetDeadline bounds every later read and write on the connection.
func (c *Client) SetDeadline(t time.Time) error { return c.nc.SetDeadline(t) }

// Close closes the connection.
func (c *Client) Close() error { return c.nc.Close() }

// Response is what the application sent back for one request.
type Response struct {
	Stdout         []byte
	Stderr         []byte
	AppStatus      uint32
	ProtocolStatus uint8
}

// Complete reports whether the application accepted and completed the
// request.
func (r *Response) Complete() bool { return r.ProtocolStatus == statusRequestComplete }

// HTTPResponse is a CGI response split into status, headers and body.
type HTTPResponse struct {
	Status int
	Header http.Header
	Body   []byte
}

// HTTP parses Stdout as a CGI response. A missing Status header means 200.
func (r *Response) HTTP() (*HTTPResponse, error) {
	br := bufio.NewReader(bytes.NewReader(r.Stdout))
	h, err := textproto.NewReader(br).ReadMIMEHeader()
	if err != nil && err != io.EOF {
		return nil, fmt.Errorf("fcgi: parse response header: %w", err)
	}
	body, err := io.ReadAll(br)
	if err != nil {
		return nil, err
	}
	out := &HTTPResponse{Status: http.StatusOK, Header: http.Header(h), Body: body}
	if s := h.Get("Status"); s != "" {
		code, _, _ := strings.Cut(s, " ")
		n, err := strconv.Atoi(code)
		if err != nil {
			return nil, fmt.Errorf("fcgi: bad Status header %q", s)
		}
		out.Status = n
	}
	return out, nil
}

// Do sends a responder request with the given parameters and body and
// waits for its END_REQUEST.
func (c *Client) Do(params map[string]string, body []byte) (*Response, error) {
	c.nextID++
	if c.nextID == managementID {
		c.nextID++
	}
	id := c.nextID

	var flags uint8
	if c.keepConn {
		flags = flagKeepConn
	}
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	slices.Sort(keys)

	if err := writeBeginRequest(c.w, id, roleResponder, flags); err != nil {
		return nil, err
	}
	if err := writeStream(c.w, typeParams, id, encodeOrderedPairs(keys, params)); err != nil {
		return nil, err
	}
	if err := writeStream(c.w, typeStdin, id, body); err != nil {
		return nil, err
	}
	if err := c.w.Flush(); err != nil {
		return nil, err
	}
	return c.readResponse(id)
}

// GetValues sends an FCGI_GET_VALUES query.
func (c *Client) GetValues(names ...string) (map[string]string, error) {
	query := make(map[string]string, len(names))
	for _, n := range names {
		query[n] = ""
	}
	if err := writeRecord(c.w, typeGetValues, managementID, encodePairs(query)); err != nil {
		return nil, err
	}
	if err := c.w.Flush(); err != nil {
		return nil, err
	}
	for {
		rec, err := readRecord(c.r)
		if err != nil {
			return nil, unexpectedEOF(err)
		}
		if rec.h.ID == managementID && rec.h.Type == typeGetValuesResult {
			return decodePairs(rec.content)
		}
	}
}

func (c *Client) readResponse(id uint16) (*Response, error) {
	resp := &Response{}
	for {
		rec, err := readRecord(c.r)
		if err != nil {
			return nil, unexpectedEOF(err)
		}
		if rec.h.ID != id {
			continue
		}
		switch rec.h.Type {
		case typeStdout:
			resp.Stdout = append(resp.Stdout, rec.content...)
		case typeStderr:
			resp.Stderr = append(resp.Stderr, rec.content...)
		case typeEndRequest:
			if len(rec.content) < 8 {
				return nil, fmt.Errorf("%w: short END_REQUEST", errInvalidRecord)
			}
			resp.AppStatus = binary.BigEndian.Uint32(rec.content)
			resp.ProtocolStatus = rec.content[4]
			return resp, nil
		}
	}
}
