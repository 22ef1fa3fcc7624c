package fcgi

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

type recType uint8

const (
	typeBeginRequest    recType = 1
	typeAbortRequest    recType = 2
	typeEndRequest      recType = 3
	typeParams          recType = 4
	typeStdin           recType = 5
	typeStdout          recType = 6
	typeStderr          recType = 7
	typeData            recType = 8
	typeGetValues       recType = 9
	typeGetValuesResult recType = 10
	typeUnknownType     recType = 11
)

const (
	roleResponder = 1
	flagKeepConn  = 1
)

const (
	statusRequestComplete = 0
	statusCantMultiplex   = 1
	statusOverloaded      = 2
	statusUnknownRole     = 3
)

const (
	version1     = 1
	headerLen    = 8
	maxWrite     = 65535
	managementID = 0
)

var errInvalidRecord = errors.New("fcgi: invalid record")

type header struct {
	Version       uint8
	Type          recType
	ID            uint16
	ContentLength uint16
	PaddingLength uint8
	Reserved      uint8
}

type record struct {
	h       header
	content []byte
}

func (h *header) encode(b []byte) {
	b[0] = h.Version
	b[1] = byte(h.Type)
	binary.BigEndian.PutUint16(b[2:], h.ID)
	binary.BigEndian.PutUint16(b[4:], h.ContentLength)
	b[6] = h.PaddingLength
	b[7] = h.Reserved
}

func readRecord(r *bufio.Reader) (record, error) {
	var hb [headerLen]byte
	if _, err := io.ReadFull(r, hb[:]); err != nil {
		return record{}, err
	}
	h := header{
		Version:       hb[0],
		Type:          recType(hb[1]),
		ID:            binary.BigEndian.Uint16(hb[2:]),
		ContentLength: binary.BigEndian.Uint16(hb[4:]),
		PaddingLength: hb[6],
		Reserved:      hb[7],
	}
	if h.Version != version1 {
		return record{}, fmt.Errorf("%w: version %d", errInvalidRecord, h.Version)
	}
	buf := make([]byte, int(h.ContentLength)+int(h.PaddingLength))
	if _, err := io.ReadFull(r, buf); err != nil {
		return record{}, unexpectedEOF(err)
	}
	return record{h: h, content: buf[:h.ContentLength]}, nil
}

// writeRecord writes one record, padded to a multiple of eight bytes.
func writeRecord(w io.Writer, t recType, id uint16, content []byte) error {
	if len(content) > maxWrite {
		return fmt.Errorf("%w: content too long (%d)", errInvalidRecord, len(content))
	}
	pad := uint8(-len(content) & 7)
	h := header{
		Version:       version1,
		Type:          t,
		ID:            id,
		ContentLength: uint16(len(content)),
		PaddingLength: pad,
	}
	buf := make([]byte, headerLen+len(content)+int(pad))
	h.encode(buf)
	copy(buf[headerLen:], content)
	_, err := w.Write(buf)
	return err
}

func writeEndRequest(w io.Writer, id uint16, appStatus uint32, protocolStatus uint8) error {
	b := make([]byte, 8)
	binary.BigEndian.PutUint32(b, appStatus)
	b[4] = protocolStatus
	return writeRecord(w, typeEndRequest, id, b)
}

func writeBeginRequest(w io.Writer, id uint16, role uint16, flags uint8) error {
	b := make([]byte, 8)
	binary.BigEndian.PutUint16(b, role)
	b[2] = flags
	return writeRecord(w, typeBeginRequest, id, b)
}

// streamWriter splits writes into records of one stream type.
type streamWriter struct {
	w  io.Writer
	t  recType
	id uint16
}

func (s *streamWriter) Write(p []byte) (int, error) {
	n := 0
	for len(p) > 0 {
		chunk := p
		if len(chunk) > maxWrite {
			chunk = chunk[:maxWrite]
		}
		if err := writeRecord(s.w, s.t, s.id, chunk); err != nil {
			return n, err
		}
		n += len(chunk)
		p = p[len(chunk):]
	}
	return n, nil
}

// writeStream writes p and the terminating empty record.
func writeStream(w io.Writer, t recType, id uint16, p []byte) error {
	if _, err := (&streamWriter{w: w, t: t, id: id}).Write(p); err != nil {
		return err
	}
	return writeRecord(w, t, id, nil)
}

// Name-value pairs use a one byte length below 128 and four bytes with the
// high bit set otherwise.

func appendLength(b []byte, n int) []byte {
	if n < 128 {
		return append(b, byte(n))
	}
	return binary.BigEndian.AppendUint32(b, uint32(n)|1<<31)
}

func readLength(b []byte) (int, int, bool) {
	if len(b) == 0 {
		return 0, 0, false
	}
	if b[0]>>7 == 0 {
		return int(b[0]), 1, true
	}
	if len(b) < 4 {
		return 0, 0, false
	}
	return int(binary.BigEndian.Uint32(b) &^ (1 << 31)), 4, true
}

func encodePairs(pairs map[string]string) []byte {
	var b []byte
	for k, v := range pairs {
		b = appendLength(b, len(k))
		b = appendLength(b, len(v))
		b = append(b, k...)
		b = append(b, v...)
	}
	return b
}

// encodeOrderedPairs keeps the given key order, for deterministic output.
func encodeOrderedPairs(keys []string, pairs map[string]string) []byte {
	var b []byte
	for _, k := range keys {
		v := pairs[k]
		b = appendLength(b, len(k))
		b = appendLength(b, len(v))
		b = append(b, k...)
		b = append(b, v...)
	}
	return b
}

func decodePairs(b []byte) (map[string]string, error) {
	pairs := make(map[string]string)
	for len(b) > 0 {
		keyLen, n, ok := readLength(b)
		if !ok {
			return nil, fmt.Errorf("%w: truncated name length", errInvalidRecord)
		}
		b = b[n:]
		valLen, n, ok := readLength(b)
		if !ok {
			return nil, fmt.Errorf("%w: truncated value length", errInvalidRecord)
		}
		b = b[n:]
		if keyLen+valLen > len(b) || keyLen < 0 || valLen < 0 {
			return nil, fmt.Errorf("%w: truncated name-value pair", errInvalidRecord)
		}
		pairs[string(b[:keyLen])] = string(b[keyLen : keyLen+valLen])
		b = b[keyLen+valLen:]
	}
	return pairs, nil
}

func unexpectedEOF(err error) error {
	if err == io.EOF {
		return io.ErrUnexpectedEOF
	}
	return err
}
