// Package framing implements the Content-Length prefixed JSON framing that
// delimits messages on the byte stream between the bridge and the child
// process:
//
//	Content-Length: <n>\r\n
//	\r\n
//	<n body bytes>
//
// Headers are ASCII, the body is UTF-8 JSON. The encoding is bit-exact and
// must match the child's expectations; any deviation on either side is a
// *Error and fatal to the bridge.
package framing

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// maxHeaderBytes bounds the header scan so a misbehaving peer cannot grow
// the header buffer without limit.
const maxHeaderBytes = 8 << 10

const headerTerminator = "\r\n\r\n"

// Error indicates the byte stream no longer carries well-formed frames.
// Framing errors are not recoverable: the reader's position within the
// stream is lost.
type Error struct {
	Op  string // "read header", "read body", "decode", "write"
	Err error
}

func (e *Error) Error() string {
	return fmt.Sprintf("framing: %s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// WriteFrame writes one length-prefixed frame containing the given
// pre-serialized JSON payload. Header and body are emitted as a single
// Write call so that a serialized writer never interleaves partial frames.
func WriteFrame(w io.Writer, payload []byte) error {
	buf := make([]byte, 0, len(payload)+32)
	buf = append(buf, "Content-Length: "...)
	buf = strconv.AppendInt(buf, int64(len(payload)), 10)
	buf = append(buf, headerTerminator...)
	buf = append(buf, payload...)
	if _, err := w.Write(buf); err != nil {
		return &Error{Op: "write", Err: err}
	}
	return nil
}

// WriteJSON serializes v to compact JSON and writes it as one frame.
func WriteJSON(w io.Writer, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return &Error{Op: "encode", Err: err}
	}
	return WriteFrame(w, payload)
}

// ReadFrame reads one frame from r and returns its JSON body. The header is
// consumed one byte at a time until the CRLFCRLF terminator: the reader may
// be an unbuffered pipe shared with nobody else, so no look-ahead is safe.
// io.EOF is returned untouched only at a clean frame boundary; EOF anywhere
// else is a framing error.
func ReadFrame(r io.Reader) ([]byte, error) {
	header, err := readHeader(r)
	if err != nil {
		return nil, err
	}

	n, err := contentLength(header)
	if err != nil {
		return nil, err
	}

	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return nil, &Error{Op: "read body", Err: err}
	}

	if !json.Valid(body) {
		return nil, &Error{Op: "decode", Err: errors.New("body is not valid JSON")}
	}
	return body, nil
}

// ReadJSON reads one frame and unmarshals its body into v.
func ReadJSON(r io.Reader, v any) error {
	body, err := ReadFrame(r)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, v); err != nil {
		return &Error{Op: "decode", Err: err}
	}
	return nil
}

func readHeader(r io.Reader) ([]byte, error) {
	var header []byte
	one := make([]byte, 1)
	for {
		if _, err := r.Read(one); err != nil {
			if err == io.EOF && len(header) == 0 {
				// Clean boundary between frames.
				return nil, io.EOF
			}
			if err == io.EOF {
				err = io.ErrUnexpectedEOF
			}
			return nil, &Error{Op: "read header", Err: err}
		}
		header = append(header, one[0])
		if bytes.HasSuffix(header, []byte(headerTerminator)) {
			return header[:len(header)-len(headerTerminator)], nil
		}
		if len(header) > maxHeaderBytes {
			return nil, &Error{Op: "read header", Err: errors.New("header exceeds maximum size")}
		}
	}
}

func contentLength(header []byte) (int, error) {
	for _, line := range strings.Split(string(header), "\r\n") {
		name, value, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		if !strings.EqualFold(strings.TrimSpace(name), "content-length") {
			continue
		}
		n, err := strconv.Atoi(strings.TrimSpace(value))
		if err != nil || n < 0 {
			return 0, &Error{Op: "read header", Err: fmt.Errorf("invalid Content-Length %q", strings.TrimSpace(value))}
		}
		return n, nil
	}
	return 0, &Error{Op: "read header", Err: errors.New("missing Content-Length header")}
}
