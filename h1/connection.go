/*
 * Copyright (c) 2018 The Go Authors. All rights reserved.
 * Use of this source code is governed by a BSD-style license that can be found in the LICENSE file.
 */

package h1

import (
	"fmt"
	"io"
	"strconv"
	"sync"
	"time"

	"github.com/badu/httpcore"
	"github.com/badu/httpcore/netio"
	"github.com/badu/httpcore/trc"
)

// State is the per-connection lifecycle: NEW, ACTIVE, IDLE, CLOSED.
type State int

const (
	StateNew State = iota
	StateActive
	StateIdle
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateNew:
		return "NEW"
	case StateActive:
		return "ACTIVE"
	case StateIdle:
		return "IDLE"
	default:
		return "CLOSED"
	}
}

// Connection is the serial HTTP/1.1 request/response connection: at
// most one request ACTIVE at a time, keep-alive accounting on close.
type Connection struct {
	origin   httpcore.Origin
	stream   netio.NetworkStream
	keepAliveExpiry time.Duration

	mu           sync.Mutex
	state        State
	requestCount int
	expireAt     time.Time // zero = no deadline

	codec *Codec
}

// NewConnection wraps stream as an HTTP/1.1 connection serving origin.
func NewConnection(origin httpcore.Origin, stream netio.NetworkStream, keepAliveExpiry time.Duration) *Connection {
	return &Connection{
		origin:          origin,
		stream:          stream,
		keepAliveExpiry: keepAliveExpiry,
		state:           StateNew,
		codec:           NewCodec(),
	}
}

func (c *Connection) Origin() httpcore.Origin { return c.origin }

// IsAvailable: HTTP/1.1 is available iff IDLE.
func (c *Connection) IsAvailable() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == StateIdle
}

func (c *Connection) IsIdle() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == StateIdle
}

func (c *Connection) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == StateClosed
}

func (c *Connection) HasExpired() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.expireAt.IsZero() && time.Now().After(c.expireAt)
}

func (c *Connection) CanHandleRequest(origin httpcore.Origin) bool {
	return c.origin == origin
}

func (c *Connection) Info() (origin httpcore.Origin, proto, state string, requests int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.origin, "HTTP/1.1", c.state.String(), c.requestCount
}

// TakeLeftover drains any wire bytes this connection's codec already read
// off the stream but hasn't consumed, for a caller about to reclaim the
// raw stream out from under this connection.
func (c *Connection) TakeLeftover() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.codec.TakeLeftover()
}

// HandleRequest implements the request cycle's four steps: admission,
// send, receive-head, and the failure-closes-unconditionally rule.
func (c *Connection) HandleRequest(req *httpcore.Request) (*httpcore.Response, error) {
	if err := c.beginRequest(req); err != nil {
		return nil, err
	}

	tracer := req.Extensions.Trace
	if err := c.sendRequest(req, tracer); err != nil {
		c.Close()
		return nil, err
	}

	resp, err := c.receiveResponseHead(req, tracer)
	if err != nil {
		c.Close()
		return nil, err
	}
	return resp, nil
}

func (c *Connection) beginRequest(req *httpcore.Request) error {
	const op = "h1.Connection.HandleRequest"
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.origin != req.URL.Origin {
		return httpcore.NewError(httpcore.ErrorKindConnectionNotAvailable, op, fmt.Errorf("origin mismatch"))
	}
	if c.state != StateNew && c.state != StateIdle {
		return httpcore.NewError(httpcore.ErrorKindConnectionNotAvailable, op, fmt.Errorf("state is %s", c.state))
	}
	c.requestCount++
	c.state = StateActive
	c.expireAt = time.Time{}
	c.codec.Reset()
	return nil
}

func (c *Connection) sendRequest(req *httpcore.Request, tracer *trc.ClientTrace) error {
	const op = "h1.Connection.sendRequest"
	trc.Fire(tracer, trc.EventSendRequestHeadersStarted, nil)

	hostHeader := req.URL.HostHeader()
	headers := req.Headers
	chunked := false
	if req.Body != nil && !headers.Has(httpcore.HeaderContentLength) && !headers.Has(httpcore.HeaderTransferEncoding) {
		if n, ok := req.Body.Len(); ok {
			headers = headers.Set(httpcore.HeaderContentLength, strconv.FormatInt(n, 10))
		} else {
			headers = headers.Set(httpcore.HeaderTransferEncoding, "chunked")
			chunked = true
		}
	} else if headers.Get(httpcore.HeaderTransferEncoding) == "chunked" {
		chunked = true
	}

	if err := c.codec.EncodeRequestHead(req.Method, req.URL.RequestTarget(), hostHeader, headers); err != nil {
		return httpcore.NewError(httpcore.ErrorKindLocalProtocolError, op, err)
	}
	if err := c.flush(req); err != nil {
		return err
	}
	trc.Fire(tracer, trc.EventSendRequestHeadersComplete, nil)

	if req.Body != nil {
		trc.Fire(tracer, trc.EventSendRequestBodyStarted, nil)
		for {
			chunk, err := req.Body.Next()
			if err == io.EOF {
				break
			}
			if err != nil {
				return httpcore.NewError(httpcore.ErrorKindWriteError, op, err)
			}
			c.codec.EncodeRequestChunk(chunk, chunked)
			if err := c.flush(req); err != nil {
				return err
			}
		}
		trc.Fire(tracer, trc.EventSendRequestBodyComplete, nil)
	}
	c.codec.EncodeRequestEnd(chunked)
	return c.flush(req)
}

func (c *Connection) flush(req *httpcore.Request) error {
	const op = "h1.Connection.flush"
	b := c.codec.TakeOutput()
	if len(b) == 0 {
		return nil
	}
	if err := c.stream.Write(b, req.Extensions.Timeouts.Write); err != nil {
		return httpcore.NewError(httpcore.ErrorKindWriteError, op, err)
	}
	return nil
}

func (c *Connection) receiveResponseHead(req *httpcore.Request, tracer *trc.ClientTrace) (*httpcore.Response, error) {
	const op = "h1.Connection.receiveResponseHead"
	trc.Fire(tracer, trc.EventReceiveResponseHeadersStarted, nil)

	for {
		headDone, err := c.codec.Feed(nil)
		if err != nil {
			trc.Fire(tracer, trc.EventReceiveResponseHeadersFailed, nil)
			return nil, httpcore.NewError(httpcore.ErrorKindRemoteProtocolError, op, err)
		}
		if headDone {
			break
		}
		b, err := c.stream.Read(64*1024, req.Extensions.Timeouts.Read)
		if err != nil {
			trc.Fire(tracer, trc.EventReceiveResponseHeadersFailed, nil)
			return nil, httpcore.NewError(httpcore.ErrorKindReadError, op, err)
		}
		if len(b) == 0 {
			trc.Fire(tracer, trc.EventReceiveResponseHeadersFailed, nil)
			return nil, httpcore.NewError(httpcore.ErrorKindRemoteProtocolError, op, io.ErrUnexpectedEOF)
		}
		if _, err := c.codec.Feed(b); err != nil {
			trc.Fire(tracer, trc.EventReceiveResponseHeadersFailed, nil)
			return nil, httpcore.NewError(httpcore.ErrorKindRemoteProtocolError, op, err)
		}
	}
	trc.Fire(tracer, trc.EventReceiveResponseHeadersComplete, nil)

	body := &bodyStream{conn: c, req: req, tracer: tracer}
	return &httpcore.Response{
		Status:  c.codec.StatusCode,
		Reason:  c.codec.Reason,
		Headers: c.codec.RespHeaders,
		Body:    body,
		Extensions: httpcore.ResponseExtensions{
			HTTPVersion:   "HTTP/1.1",
			NetworkStream: c.stream,
		},
	}, nil
}

// bodyStream drains the codec's response body, reading further bytes from
// the stream as needed. It is wrapped by pool's poolByteStream for pool
// accounting.
type bodyStream struct {
	conn   *Connection
	req    *httpcore.Request
	tracer *trc.ClientTrace
	done   bool
}

func (b *bodyStream) Next() ([]byte, error) {
	if b.done {
		return nil, io.EOF
	}
	for {
		chunk, done, err := b.conn.codec.ReadBody(64 * 1024)
		if err != nil {
			return nil, httpcore.NewError(httpcore.ErrorKindRemoteProtocolError, "h1.bodyStream.Next", err)
		}
		if len(chunk) > 0 {
			if done {
				b.done = true
			}
			return chunk, nil
		}
		if done {
			b.done = true
			return nil, io.EOF
		}
		raw, err := b.conn.stream.Read(64*1024, b.req.Extensions.Timeouts.Read)
		if err != nil {
			return nil, httpcore.NewError(httpcore.ErrorKindReadError, "h1.bodyStream.Next", err)
		}
		if len(raw) == 0 {
			return nil, httpcore.NewError(httpcore.ErrorKindRemoteProtocolError, "h1.bodyStream.Next", io.ErrUnexpectedEOF)
		}
		if _, err := b.conn.codec.Feed(raw); err != nil {
			return nil, httpcore.NewError(httpcore.ErrorKindRemoteProtocolError, "h1.bodyStream.Next", err)
		}
	}
}

// Close is the response-close hook: if both codec halves are DONE, go
// IDLE and arm keep-alive expiry; otherwise close.
func (b *bodyStream) Close() error {
	trc.Fire(b.tracer, trc.EventResponseClosedStarted, nil)
	defer trc.Fire(b.tracer, trc.EventResponseClosedComplete, nil)

	c := b.conn
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateClosed {
		return nil
	}
	if !b.done {
		// Discarding unread is a usage error with defined recovery: close.
		c.state = StateClosed
		return c.stream.Close()
	}
	if c.codec.Done() {
		c.state = StateIdle
		if c.keepAliveExpiry > 0 {
			c.expireAt = time.Now().Add(c.keepAliveExpiry)
		}
		return nil
	}
	c.state = StateClosed
	return c.stream.Close()
}

// Close is unconditional: whatever the current state, it marks the
// connection CLOSED and closes the stream. c.mu is held only while the
// state is written.
func (c *Connection) Close() error {
	c.mu.Lock()
	c.state = StateClosed
	c.mu.Unlock()
	return c.stream.Close()
}

// TryClose closes only from NEW/IDLE, returning whether it did.
func (c *Connection) TryClose() bool {
	c.mu.Lock()
	if c.state != StateNew && c.state != StateIdle {
		c.mu.Unlock()
		return false
	}
	c.state = StateClosed
	c.mu.Unlock()
	_ = c.stream.Close()
	return true
}
