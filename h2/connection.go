/*
 * Copyright (c) 2018 The Go Authors. All rights reserved.
 * Use of this source code is governed by a BSD-style license that can be found in the LICENSE file.
 */

package h2

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"golang.org/x/net/http2"
	"golang.org/x/net/http2/hpack"
	"golang.org/x/sync/semaphore"
	"go.uber.org/atomic"

	"github.com/badu/httpcore"
	"github.com/badu/httpcore/netio"
)

// State is the lifecycle for HTTP/2: no NEW, the handshake happens
// lazily on first request under initOnce.
type State int

const (
	StateActive State = iota
	StateIdle
	StateClosed
)

// streamEvent is one demultiplexed event for a single stream id, produced
// by the connection's read loop and consumed by the request goroutine that
// owns that stream.
type streamEvent struct {
	headers    []hpack.HeaderField
	endHeaders bool
	data       []byte
	endStream  bool
	err        error
}

// streamState is one stream's demultiplexed event queue. The queue grows
// to hold whatever the read loop hands it rather than dropping frames once
// full: a slow consumer on one stream must never stall frame delivery to
// every other stream multiplexed on the same connection. notify is a
// buffered(1) wake-up signal, not a data channel - the queue itself,
// guarded by mu, is the source of truth.
type streamState struct {
	sendWindow atomic.Int64

	mu     sync.Mutex
	queue  []streamEvent
	closed bool
	notify chan struct{}
}

func newStreamState() *streamState {
	return &streamState{notify: make(chan struct{}, 1)}
}

// push appends ev to the queue and wakes a blocked consumer. Once ev is an
// error or the final (endStream) event, the stream is marked closed: later
// pushes are silently dropped (the stream is done; nothing will ever read
// them) and pop reports ok=false once the queue drains instead of blocking
// forever.
func (st *streamState) push(ev streamEvent) {
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.closed {
		return
	}
	st.queue = append(st.queue, ev)
	if ev.err != nil || ev.endStream {
		st.closed = true
	}
	select {
	case st.notify <- struct{}{}:
	default:
	}
}

// pop blocks until an event is queued, the stream closes with nothing left
// to deliver, or timeout fires. ok is false in the closed-and-drained case,
// matching a closed channel's zero-value receive; timedOut is true only
// when timeout fired first.
func (st *streamState) pop(timeout <-chan time.Time) (ev streamEvent, ok bool, timedOut bool) {
	for {
		st.mu.Lock()
		if len(st.queue) > 0 {
			ev = st.queue[0]
			st.queue = st.queue[1:]
			st.mu.Unlock()
			return ev, true, false
		}
		closed := st.closed
		st.mu.Unlock()
		if closed {
			return streamEvent{}, false, false
		}
		select {
		case <-st.notify:
			continue
		case <-timeout:
			return streamEvent{}, false, true
		}
	}
}

// Connection is the multiplexed HTTP/2 connection.
type Connection struct {
	origin httpcore.Origin
	stream netio.NetworkStream
	codec  *Codec

	keepAliveExpiry time.Duration

	initOnce sync.Once
	initErr  error

	mu           sync.Mutex // guards state, expireAt, openStreams bookkeeping
	state        State
	expireAt     time.Time
	openStreams  int
	requestCount int

	maxConcurrentStreams uint32
	streamsSem           *semaphore.Weighted

	nextStreamID      atomic.Uint32
	streamIDExhausted atomic.Bool
	connSendWindow    atomic.Int64

	streamsMu sync.Mutex
	streams   map[uint32]*streamState

	readLoopOnce sync.Once
	writeMu      sync.Mutex
}

// NewConnection wraps stream as an HTTP/2 connection serving origin.
func NewConnection(origin httpcore.Origin, stream netio.NetworkStream, keepAliveExpiry time.Duration) *Connection {
	return &Connection{
		origin:          origin,
		stream:          stream,
		keepAliveExpiry: keepAliveExpiry,
		state:           StateActive,
		streams:         make(map[uint32]*streamState),
	}
}

func (c *Connection) Origin() httpcore.Origin { return c.origin }

// IsAvailable: state != CLOSED, not stream-id-exhausted, and under the
// negotiated concurrency cap. Must be non-suspending.
func (c *Connection) IsAvailable() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateClosed || c.streamIDExhausted.Load() {
		return false
	}
	max := c.maxConcurrentStreams
	if max == 0 {
		max = 100 // optimistic pre-handshake default
	}
	return uint32(c.openStreams) < max
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
	names := map[State]string{StateActive: "ACTIVE", StateIdle: "IDLE", StateClosed: "CLOSED"}
	return c.origin, "HTTP/2", names[c.state], c.requestCount
}

// ensureInit performs the one-time handshake: send preamble + SETTINGS,
// start the connection-level window, start the read loop, and create the
// streams semaphore with a fixed capacity of 100 (our own advertised
// value). The semaphore is not resized when the peer's SETTINGS frame
// arrives; the read loop records the peer's max_concurrent_streams in
// maxConcurrentStreams, which only IsAvailable consults.
func (c *Connection) ensureInit() error {
	c.initOnce.Do(func() {
		c.connSendWindow.Store(InitialWindowSize)
		c.codec = NewCodec(&streamWriter{c}, &streamReader{c})
		c.maxConcurrentStreams = 100
		c.streamsSem = semaphore.NewWeighted(int64(c.maxConcurrentStreams))

		if err := c.codec.WritePreface(); err != nil {
			c.initErr = httpcore.NewError(httpcore.ErrorKindWriteError, "h2.Connection.ensureInit", err)
			return
		}
		if err := c.codec.WriteSettings(DefaultSettings...); err != nil {
			c.initErr = httpcore.NewError(httpcore.ErrorKindWriteError, "h2.Connection.ensureInit", err)
			return
		}
		go c.readLoop()
	})
	return c.initErr
}

// HandleRequest implements the per-request send/receive algorithm.
func (c *Connection) HandleRequest(req *httpcore.Request) (*httpcore.Response, error) {
	const op = "h2.Connection.HandleRequest"
	if err := c.ensureInit(); err != nil {
		return nil, err
	}

	streamID, err := c.allocateStreamID()
	if err != nil {
		return nil, err
	}

	ctx := context.Background()
	if req.Extensions.Timeouts.Pool > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, req.Extensions.Timeouts.Pool)
		defer cancel()
	}
	if err := c.streamsSem.Acquire(ctx, 1); err != nil {
		return nil, httpcore.NewError(httpcore.ErrorKindPoolTimeout, op, err)
	}

	c.mu.Lock()
	c.requestCount++
	c.openStreams++
	c.state = StateActive
	c.expireAt = time.Time{}
	c.mu.Unlock()

	st := newStreamState()
	st.sendWindow.Store(InitialWindowSize)
	c.streamsMu.Lock()
	c.streams[streamID] = st
	c.streamsMu.Unlock()

	if err := c.sendRequest(streamID, req); err != nil {
		c.releaseStream(streamID)
		return nil, err
	}

	resp, err := c.receiveResponseHead(streamID, st, req)
	if err != nil {
		c.releaseStream(streamID)
		return nil, err
	}
	return resp, nil
}

func (c *Connection) allocateStreamID() (uint32, error) {
	const op = "h2.Connection.allocateStreamID"
	if c.streamIDExhausted.Load() {
		return 0, httpcore.NewError(httpcore.ErrorKindConnectionNotAvailable, op, fmt.Errorf("stream ids exhausted"))
	}
	id := c.nextStreamID.Add(2)
	if id == 0 {
		id = 1
		c.nextStreamID.Store(1)
	} else if id%2 == 0 {
		id--
	}
	if id >= 0x7fffffff-2 {
		c.streamIDExhausted.Store(true)
	}
	return id, nil
}

func (c *Connection) sendRequest(streamID uint32, req *httpcore.Request) error {
	const op = "h2.Connection.sendRequest"
	if err := req.Headers.Validate(); err != nil {
		return httpcore.NewError(httpcore.ErrorKindLocalProtocolError, op, err)
	}
	authority := req.URL.HostHeader()

	fields := []hpack.HeaderField{
		{Name: ":method", Value: req.Method},
		{Name: ":authority", Value: authority},
		{Name: ":scheme", Value: req.URL.Scheme},
		{Name: ":path", Value: req.URL.RequestTarget()},
	}
	for _, h := range req.Headers {
		if httpcoreIsPseudoExcluded(h.Name) {
			continue
		}
		fields = append(fields, hpack.HeaderField{Name: strings.ToLower(h.Name), Value: h.Value})
	}

	block, err := c.codec.EncodeHeaders(fields)
	if err != nil {
		return httpcore.NewError(httpcore.ErrorKindLocalProtocolError, op, err)
	}

	endStream := req.Body == nil
	c.writeMu.Lock()
	err = c.codec.WriteHeaders(http2.HeadersFrameParam{
		StreamID:      streamID,
		BlockFragment: block,
		EndHeaders:    true,
		EndStream:     endStream,
	})
	c.writeMu.Unlock()
	if err != nil {
		return httpcore.NewError(httpcore.ErrorKindWriteError, op, err)
	}

	if req.Body == nil {
		return nil
	}
	return c.sendBody(streamID, req)
}

// sendBody streams the request body respecting flow control: before each
// chunk, compute min(stream_window, max_frame_size) and wait for
// WINDOW_UPDATE frames once the stream window is exhausted.
func (c *Connection) sendBody(streamID uint32, req *httpcore.Request) error {
	const op = "h2.Connection.sendBody"
	c.streamsMu.Lock()
	st := c.streams[streamID]
	c.streamsMu.Unlock()

	const maxFrameSize = 16384
	for {
		chunk, err := req.Body.Next()
		if err != nil {
			if chunk == nil && err == io.EOF {
				c.writeMu.Lock()
				werr := c.codec.WriteData(streamID, true, nil)
				c.writeMu.Unlock()
				if werr != nil {
					return httpcore.NewError(httpcore.ErrorKindWriteError, op, werr)
				}
				return nil
			}
			return httpcore.NewError(httpcore.ErrorKindWriteError, op, err)
		}
		for len(chunk) > 0 {
			n := maxFrameSize
			window := int(st.sendWindow.Load())
			if window < n {
				n = window
			}
			if n <= 0 {
				time.Sleep(time.Millisecond) // await WINDOW_UPDATE from read loop
				continue
			}
			if n > len(chunk) {
				n = len(chunk)
			}
			c.writeMu.Lock()
			werr := c.codec.WriteData(streamID, false, chunk[:n])
			c.writeMu.Unlock()
			if werr != nil {
				return httpcore.NewError(httpcore.ErrorKindWriteError, op, werr)
			}
			st.sendWindow.Sub(int64(n))
			chunk = chunk[n:]
		}
	}
}

func (c *Connection) receiveResponseHead(streamID uint32, st *streamState, req *httpcore.Request) (*httpcore.Response, error) {
	const op = "h2.Connection.receiveResponseHead"
	timeout := req.Extensions.Timeouts.Read
	var timer <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		timer = t.C
	}
	ev, ok, timedOut := st.pop(timer)
	if timedOut {
		return nil, httpcore.NewError(httpcore.ErrorKindReadTimeout, op, fmt.Errorf("timed out waiting for response headers"))
	}
	if !ok {
		return nil, httpcore.NewError(httpcore.ErrorKindRemoteProtocolError, op, fmt.Errorf("stream closed before response headers arrived"))
	}
	if ev.err != nil {
		return nil, httpcore.NewError(httpcore.ErrorKindRemoteProtocolError, op, ev.err)
	}
	status, headers := splitPseudoHeaders(ev.headers)
	body := &bodyStream{conn: c, streamID: streamID, st: st, endStream: ev.endStream}
	return &httpcore.Response{
		Status:  status,
		Headers: headers,
		Body:    body,
		Extensions: httpcore.ResponseExtensions{
			HTTPVersion:   "HTTP/2",
			NetworkStream: c.stream,
		},
	}, nil
}

func splitPseudoHeaders(fields []hpack.HeaderField) (int, httpcore.Headers) {
	status := 0
	var hdrs httpcore.Headers
	for _, f := range fields {
		if f.Name == ":status" {
			fmt.Sscanf(f.Value, "%d", &status)
			continue
		}
		if len(f.Name) > 0 && f.Name[0] == ':' {
			continue
		}
		hdrs = hdrs.Add(f.Name, f.Value)
	}
	return status, hdrs
}

func httpcoreIsPseudoExcluded(name string) bool {
	return strings.EqualFold(name, "Host") || strings.EqualFold(name, "Transfer-Encoding")
}

// bodyStream drains DATA frames for one stream id.
type bodyStream struct {
	conn      *Connection
	streamID  uint32
	st        *streamState
	endStream bool
	closed    bool
}

func (b *bodyStream) Next() ([]byte, error) {
	if b.endStream {
		return nil, io.EOF
	}
	ev, ok, _ := b.st.pop(nil)
	if !ok {
		return nil, httpcore.NewError(httpcore.ErrorKindRemoteProtocolError, "h2.bodyStream.Next", fmt.Errorf("stream closed"))
	}
	if ev.err != nil {
		return nil, httpcore.NewError(httpcore.ErrorKindRemoteProtocolError, "h2.bodyStream.Next", ev.err)
	}
	if ev.endStream {
		b.endStream = true
	}
	// acknowledge received data so windows remain open
	if len(ev.data) > 0 {
		b.conn.writeMu.Lock()
		_ = b.conn.codec.WriteWindowUpdate(0, uint32(len(ev.data)))
		_ = b.conn.codec.WriteWindowUpdate(b.streamID, uint32(len(ev.data)))
		b.conn.writeMu.Unlock()
	}
	if len(ev.data) == 0 && b.endStream {
		return nil, io.EOF
	}
	return ev.data, nil
}

func (b *bodyStream) Close() error {
	if b.closed {
		return nil
	}
	b.closed = true
	b.conn.releaseStream(b.streamID)
	return nil
}

// releaseStream is the response-close hook: release the
// semaphore, drop the per-stream queue, and go IDLE + arm expiry once no
// streams remain.
func (c *Connection) releaseStream(streamID uint32) {
	c.streamsMu.Lock()
	delete(c.streams, streamID)
	c.streamsMu.Unlock()

	c.streamsSem.Release(1)

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.openStreams > 0 {
		c.openStreams--
	}
	if c.openStreams == 0 && c.state != StateClosed {
		c.state = StateIdle
		if c.keepAliveExpiry > 0 {
			c.expireAt = time.Now().Add(c.keepAliveExpiry)
		}
	}
}

// Close is unconditional: mark CLOSED and close the underlying stream.
func (c *Connection) Close() error {
	c.mu.Lock()
	c.state = StateClosed
	c.mu.Unlock()
	return c.stream.Close()
}

// TryClose closes only when idle (no NEW state exists for HTTP/2).
func (c *Connection) TryClose() bool {
	c.mu.Lock()
	if c.state == StateClosed || c.openStreams > 0 {
		c.mu.Unlock()
		return false
	}
	c.state = StateClosed
	c.mu.Unlock()
	_ = c.stream.Close()
	return true
}

// readLoop demultiplexes inbound frames by stream id. RST_STREAM fails only
// the stream it names; GOAWAY or any read failure fans an error out to
// every open stream and closes the connection.
func (c *Connection) readLoop() {
	for {
		frame, err := c.codec.ReadFrame()
		if err != nil {
			c.failAllStreams(httpcore.NewError(httpcore.ErrorKindRemoteProtocolError, "h2.Connection.readLoop", err))
			_ = c.Close()
			return
		}
		switch f := frame.(type) {
		case *http2.SettingsFrame:
			if f.IsAck() {
				continue
			}
			f.ForeachSetting(func(s http2.Setting) error {
				if s.ID == http2.SettingMaxConcurrentStreams {
					c.mu.Lock()
					c.maxConcurrentStreams = s.Val
					c.mu.Unlock()
				}
				return nil
			})
			c.writeMu.Lock()
			_ = c.codec.WriteSettingsAck()
			c.writeMu.Unlock()
		case *http2.HeadersFrame:
			fields, err := c.codec.DecodeHeaders(f.HeaderBlockFragment())
			c.dispatch(f.StreamID, streamEvent{headers: fields, endHeaders: f.HeadersEnded(), endStream: f.StreamEnded(), err: err})
		case *http2.DataFrame:
			data := append([]byte(nil), f.Data()...)
			c.dispatch(f.StreamID, streamEvent{data: data, endStream: f.StreamEnded()})
		case *http2.WindowUpdateFrame:
			if f.StreamID == 0 {
				c.connSendWindow.Add(int64(f.Increment))
			} else {
				c.streamsMu.Lock()
				st := c.streams[f.StreamID]
				c.streamsMu.Unlock()
				if st != nil {
					st.sendWindow.Add(int64(f.Increment))
				}
			}
		case *http2.RSTStreamFrame:
			c.dispatch(f.StreamID, streamEvent{err: fmt.Errorf("stream reset: %v", f.ErrCode)})
		case *http2.GoAwayFrame:
			c.failAllStreams(httpcore.NewError(httpcore.ErrorKindRemoteProtocolError, "h2.Connection.readLoop", fmt.Errorf("goaway: %v", f.ErrCode)))
			_ = c.Close()
			return
		}
	}
}

func (c *Connection) dispatch(streamID uint32, ev streamEvent) {
	c.streamsMu.Lock()
	st := c.streams[streamID]
	c.streamsMu.Unlock()
	if st == nil {
		return
	}
	st.push(ev)
}

func (c *Connection) failAllStreams(err error) {
	c.streamsMu.Lock()
	defer c.streamsMu.Unlock()
	for _, st := range c.streams {
		st.push(streamEvent{err: err})
	}
}

// streamWriter/streamReader adapt netio.NetworkStream to io.Writer/io.Reader
// for the Framer, which needs plain blocking stream semantics.
type streamWriter struct{ c *Connection }

func (w *streamWriter) Write(p []byte) (int, error) {
	if err := w.c.stream.Write(p, 0); err != nil {
		return 0, err
	}
	return len(p), nil
}

type streamReader struct{ c *Connection }

func (r *streamReader) Read(p []byte) (int, error) {
	b, err := r.c.stream.Read(len(p), 0)
	if err != nil {
		return 0, err
	}
	if len(b) == 0 {
		return 0, io.EOF
	}
	n := copy(p, b)
	return n, nil
}
