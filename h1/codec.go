/*
 * Copyright (c) 2018 The Go Authors. All rights reserved.
 * Use of this source code is governed by a BSD-style license that can be found in the LICENSE file.
 */

// Package h1 implements a serial HTTP/1.1 request/response connection: a
// pure codec (Codec, bytes in, events out) plus the keep-alive state
// machine wrapped around it. No maintained third-party HTTP/1.1 framer
// exists to reach for, so the codec stays on bufio + net/textproto.
package h1

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"net/textproto"
	"strconv"
	"strings"

	"github.com/badu/httpcore"
)

// SendState/RecvState track each half of the codec independently, mirroring
// h11's own ClientState machine: a request is fully sent before we can say
// anything meaningful about "done", and the response is fully received
// independently of that.
type SendState int

const (
	SendNotStarted SendState = iota
	SendHeadersSent
	SendDone
)

type RecvState int

const (
	RecvNotStarted RecvState = iota
	RecvHeadersDone
	RecvDone
)

// Codec frames one HTTP/1.1 request/response cycle over an in-memory
// buffer. Connection pumps bytes from the NetworkStream into Codec.Feed and
// drains Codec.TakeOutput into Write calls; the Codec itself never touches
// I/O.
type Codec struct {
	Send SendState
	Recv RecvState

	out bytes.Buffer // bytes ready to be written to the wire
	in  *bytes.Buffer
	rd  *bufio.Reader

	respLine   string
	StatusCode int
	Reason     string
	RespHeaders httpcore.Headers

	bodyRemaining int64 // -1 = chunked/unknown, 0 = no body or finished
	chunked       bool

	// CloseRequested is set the moment either side of the cycle is seen
	// carrying "Connection: close" - the request headers at EncodeRequestHead
	// time, or the response headers once parsed. It latches for the rest of
	// the cycle so Done() can refuse to report IDLE-eligible even after the
	// response side independently reaches RecvDone.
	CloseRequested bool
}

// NewCodec creates a codec for a single request/response cycle.
func NewCodec() *Codec {
	c := &Codec{in: &bytes.Buffer{}}
	c.rd = bufio.NewReader(c.in)
	return c
}

// Reset prepares the codec for the next request/response cycle on the same
// connection. Any wire bytes already read past the previous cycle's end
// (the next response arriving bundled with the same Read call) are kept,
// not discarded, so a server that writes back-to-back responses in one
// packet doesn't stall the following cycle waiting on bytes already in
// hand.
func (c *Codec) Reset() {
	leftover := c.TakeLeftover()
	c.Send = SendNotStarted
	c.Recv = RecvNotStarted
	c.out.Reset()
	c.in.Reset()
	c.in.Write(leftover)
	c.rd.Reset(c.in)
	c.respLine = ""
	c.StatusCode = 0
	c.Reason = ""
	c.RespHeaders = nil
	c.bodyRemaining = 0
	c.chunked = false
	c.CloseRequested = false
}

// TakeLeftover drains and returns any wire bytes already read into the
// codec's buffer but not yet consumed by head or body parsing. A caller
// reclaiming the raw stream out from under this codec (a CONNECT tunnel
// handoff) must prepend these bytes ahead of further stream reads.
func (c *Codec) TakeLeftover() []byte {
	leftover, _ := io.ReadAll(c.rd)
	return leftover
}

// Done reports whether both halves of the cycle have completed and neither
// side asked for the connection to close - the precondition for ACTIVE ->
// IDLE. A cycle with "Connection: close" on either the request or the
// response is never reported done here; the caller must treat it as CLOSED
// once both halves finish instead of returning it to the pool.
func (c *Codec) Done() bool {
	return c.Send == SendDone && c.Recv == RecvDone && !c.CloseRequested
}

// EncodeRequestHead serializes the request line and headers. LocalProtocolError
// candidates (invalid method bytes, etc.) are caught here.
func (c *Codec) EncodeRequestHead(method, target, hostHeader string, headers httpcore.Headers) error {
	if !validToken(method) {
		return fmt.Errorf("invalid method token %q", method)
	}
	if err := headers.Validate(); err != nil {
		return err
	}
	if headers.HasConnectionToken("close") {
		c.CloseRequested = true
	}
	fmt.Fprintf(&c.out, "%s %s HTTP/1.1\r\n", method, target)
	wroteHost := false
	for _, f := range headers {
		fmt.Fprintf(&c.out, "%s: %s\r\n", f.Name, f.Value)
		if strings.EqualFold(f.Name, "Host") {
			wroteHost = true
		}
	}
	if !wroteHost {
		fmt.Fprintf(&c.out, "Host: %s\r\n", hostHeader)
	}
	c.out.WriteString("\r\n")
	c.Send = SendHeadersSent
	return nil
}

// EncodeRequestChunk appends one body chunk. When using chunked framing
// (chunked=true) each call writes one chunk frame; otherwise bytes are
// written verbatim (Content-Length framing, where the caller already wrote
// exactly content-length bytes across all chunks).
func (c *Codec) EncodeRequestChunk(chunk []byte, chunked bool) {
	if len(chunk) == 0 {
		return
	}
	if chunked {
		fmt.Fprintf(&c.out, "%x\r\n", len(chunk))
		c.out.Write(chunk)
		c.out.WriteString("\r\n")
	} else {
		c.out.Write(chunk)
	}
}

// EncodeRequestEnd writes the end-of-message marker (final chunk, if
// chunked) and marks the send side done.
func (c *Codec) EncodeRequestEnd(chunked bool) {
	if chunked {
		c.out.WriteString("0\r\n\r\n")
	}
	c.Send = SendDone
}

// TakeOutput returns and clears whatever bytes are queued for the wire.
func (c *Codec) TakeOutput() []byte {
	b := append([]byte(nil), c.out.Bytes()...)
	c.out.Reset()
	return b
}

// Feed appends freshly-read wire bytes and attempts to advance the receive
// state. It returns true once the response head has been fully parsed.
func (c *Codec) Feed(b []byte) (headDone bool, err error) {
	c.in.Write(b)
	if c.Recv == RecvNotStarted {
		if ok, err := c.tryParseHead(); err != nil || !ok {
			return false, err
		}
		c.Recv = RecvHeadersDone
		if c.bodyRemaining == 0 && !c.chunked {
			c.Recv = RecvDone
		}
		return true, nil
	}
	return true, nil
}

// ReadBody drains up to maxBytes of response-body payload from buffered
// input, tracking remaining length / chunk framing. Returns (nil, false,
// nil) when more wire bytes are needed before any body can be yielded.
func (c *Codec) ReadBody(maxBytes int) (chunk []byte, done bool, err error) {
	if c.Recv == RecvDone {
		return nil, true, nil
	}
	if c.chunked {
		return c.readChunkedBody(maxBytes)
	}
	return c.readFixedBody(maxBytes)
}

func (c *Codec) readFixedBody(maxBytes int) ([]byte, bool, error) {
	if c.bodyRemaining <= 0 {
		c.Recv = RecvDone
		return nil, true, nil
	}
	n := maxBytes
	if int64(n) > c.bodyRemaining {
		n = int(c.bodyRemaining)
	}
	buf := make([]byte, n)
	read, _ := c.rd.Read(buf)
	if read == 0 {
		return nil, false, nil
	}
	c.bodyRemaining -= int64(read)
	if c.bodyRemaining == 0 {
		c.Recv = RecvDone
	}
	return buf[:read], c.Recv == RecvDone, nil
}

func (c *Codec) readChunkedBody(maxBytes int) ([]byte, bool, error) {
	sizeLine, err := c.rd.ReadString('\n')
	if err != nil {
		return nil, false, nil // need more bytes
	}
	sizeLine = strings.TrimRight(sizeLine, "\r\n")
	if semi := strings.IndexByte(sizeLine, ';'); semi >= 0 {
		sizeLine = sizeLine[:semi]
	}
	size, err := strconv.ParseInt(strings.TrimSpace(sizeLine), 16, 64)
	if err != nil {
		return nil, false, fmt.Errorf("malformed chunk size %q: %w", sizeLine, err)
	}
	if size == 0 {
		// trailing CRLF after the zero chunk
		_, _ = c.rd.ReadString('\n')
		c.Recv = RecvDone
		return nil, true, nil
	}
	buf := make([]byte, size)
	if _, err := bufReadFull(c.rd, buf); err != nil {
		return nil, false, nil
	}
	_, _ = c.rd.ReadString('\n') // trailing CRLF of the chunk
	if int64(maxBytes) < size {
		return buf[:maxBytes], false, nil
	}
	return buf, false, nil
}

func bufReadFull(r *bufio.Reader, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := r.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
		if n == 0 {
			return total, nil
		}
	}
	return total, nil
}

func (c *Codec) tryParseHead() (bool, error) {
	saved := *c.in
	tp := textproto.NewReader(c.rd)

	line, err := tp.ReadLine()
	if err != nil {
		*c.in = saved
		c.rd.Reset(c.in)
		return false, nil
	}
	parts := strings.SplitN(line, " ", 3)
	if len(parts) < 2 || !strings.HasPrefix(parts[0], "HTTP/") {
		return false, fmt.Errorf("malformed status line %q", line)
	}
	code, err := strconv.Atoi(parts[1])
	if err != nil {
		return false, fmt.Errorf("malformed status code %q", parts[1])
	}
	reason := ""
	if len(parts) == 3 {
		reason = parts[2]
	}

	mimeHeader, err := tp.ReadMIMEHeader()
	if err != nil {
		*c.in = saved
		c.rd.Reset(c.in)
		return false, nil
	}

	var hdrs httpcore.Headers
	for k, vs := range mimeHeader {
		for _, v := range vs {
			hdrs = hdrs.Add(k, v)
		}
	}

	c.StatusCode = code
	c.Reason = reason
	c.RespHeaders = hdrs
	c.bodyRemaining = 0
	c.chunked = false
	if hdrs.HasConnectionToken("close") {
		c.CloseRequested = true
	}
	if te := hdrs.Get("Transfer-Encoding"); strings.EqualFold(te, "chunked") {
		c.chunked = true
	} else if cl := hdrs.Get("Content-Length"); cl != "" {
		if n, err := strconv.ParseInt(cl, 10, 64); err == nil {
			c.bodyRemaining = n
		}
	}
	return true, nil
}

func validToken(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r <= ' ' || r == '(' || r == ')' || r == '<' || r == '>' || r == '@' ||
			r == ',' || r == ';' || r == ':' || r == '\\' || r == '"' || r == '/' ||
			r == '[' || r == ']' || r == '?' || r == '=' || r == '{' || r == '}' || r > 127 {
			return false
		}
	}
	return true
}
