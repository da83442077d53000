/*
 * Copyright (c) 2018 The Go Authors. All rights reserved.
 * Use of this source code is governed by a BSD-style license that can be found in the LICENSE file.
 */

package h2

import (
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/hpack"

	"github.com/badu/httpcore"
	"github.com/badu/httpcore/netio"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// fakeH2Server is a minimal hand-rolled HTTP/2 server endpoint: it reads the
// client preface and SETTINGS, acks, and for every HEADERS frame it
// receives, replies with a 200 response carrying a small fixed body -
// enough to exercise request/response multiplexing without a real server.
type fakeH2Server struct {
	conn net.Conn
	fr   *http2.Framer
	enc  *hpack.Encoder
	buf  *bytesBufferStub

	writeMu sync.Mutex // serializes concurrent respond() calls sharing fr/enc/buf
}

type bytesBufferStub struct{ data []byte }

func (b *bytesBufferStub) Write(p []byte) (int, error) {
	b.data = append(b.data, p...)
	return len(p), nil
}
func (b *bytesBufferStub) Reset()        { b.data = b.data[:0] }
func (b *bytesBufferStub) Bytes() []byte { return b.data }

func newFakeH2Server(conn net.Conn) *fakeH2Server {
	buf := &bytesBufferStub{}
	s := &fakeH2Server{conn: conn, fr: http2.NewFramer(conn, conn), buf: buf}
	s.fr.AllowIllegalWrites = true
	s.enc = hpack.NewEncoder(buf)
	return s
}

// run services requests until the connection closes. bodyFor maps a
// stream id to the response body it should send back.
func (s *fakeH2Server) run(bodyFor func(streamID uint32) string) {
	s.runChunked(func(streamID uint32) []string { return []string{bodyFor(streamID)} })
}

// runChunked is run's generalization: chunksFor maps a stream id to the
// sequence of DATA frames its response body is split across, letting a
// test make a stream's server-side write outrun its client-side read.
func (s *fakeH2Server) runChunked(chunksFor func(streamID uint32) []string) {
	preface := make([]byte, len(http2.ClientPreface))
	if _, err := io.ReadFull(s.conn, preface); err != nil {
		return
	}
	for {
		frame, err := s.fr.ReadFrame()
		if err != nil {
			return
		}
		switch f := frame.(type) {
		case *http2.SettingsFrame:
			if f.IsAck() {
				continue
			}
			s.writeMu.Lock()
			_ = s.fr.WriteSettings(http2.Setting{ID: http2.SettingMaxConcurrentStreams, Val: 10})
			_ = s.fr.WriteSettingsAck()
			s.writeMu.Unlock()
		case *http2.HeadersFrame:
			go s.respondChunked(f.StreamID, chunksFor(f.StreamID))
		case *http2.DataFrame:
			// request body frames ignored; fixed-length GET requests in
			// these tests never send one.
		}
	}
}

func (s *fakeH2Server) respond(streamID uint32, body string) {
	s.respondChunked(streamID, []string{body})
}

// respondChunked sends the response headers followed by one DATA frame per
// entry in chunks (the last marked end-of-stream), letting a test pile up
// more queued frames per stream than any fixed-size buffer would allow.
func (s *fakeH2Server) respondChunked(streamID uint32, chunks []string) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	s.buf.Reset()
	_ = s.enc.WriteField(hpack.HeaderField{Name: ":status", Value: "200"})
	block := append([]byte(nil), s.buf.Bytes()...)

	if err := s.fr.WriteHeaders(http2.HeadersFrameParam{
		StreamID:      streamID,
		BlockFragment: block,
		EndHeaders:    true,
		EndStream:     false,
	}); err != nil {
		return
	}
	for i, chunk := range chunks {
		end := i == len(chunks)-1
		if err := s.fr.WriteData(streamID, end, []byte(chunk)); err != nil {
			return
		}
	}
}

func newConnectionOverPipe(t *testing.T) (*Connection, *fakeH2Server) {
	t.Helper()
	clientConn, serverConn := net.Pipe()
	origin := httpcore.NewOrigin("https", "example.com", 443)
	c := NewConnection(origin, &realPipeStream{clientConn}, 0)
	server := newFakeH2Server(serverConn)
	return c, server
}

// realPipeStream adapts a net.Conn half of an in-memory pipe to
// netio.NetworkStream, for driving a Connection against fakeH2Server.
type realPipeStream struct{ conn net.Conn }

func (s *realPipeStream) Read(maxBytes int, _ time.Duration) ([]byte, error) {
	buf := make([]byte, maxBytes)
	n, err := s.conn.Read(buf)
	if n > 0 {
		return buf[:n], nil
	}
	return nil, err
}
func (s *realPipeStream) Write(b []byte, _ time.Duration) error {
	_, err := s.conn.Write(b)
	return err
}
func (s *realPipeStream) Close() error { return s.conn.Close() }
func (s *realPipeStream) StartTLS(_ *tls.Config, _ string, _ time.Duration) (netio.NetworkStream, error) {
	return s, nil
}
func (s *realPipeStream) ExtraInfo(netio.ExtraInfoKey) any { return nil }

func TestConnectionSingleRequestOverHTTP2(t *testing.T) {
	c, server := newConnectionOverPipe(t)
	go server.run(func(streamID uint32) string { return "hello" })
	defer c.Close()

	req := httpcore.NewRequest("GET", httpcore.NewURL("https", "example.com", 443, "/"), nil, nil)
	resp, err := c.HandleRequest(req)
	require.NoError(t, err)
	require.Equal(t, 200, resp.Status)

	body, err := resp.ReadAll()
	require.NoError(t, err)
	require.Equal(t, "hello", string(body))
	require.NoError(t, resp.Body.Close())
}

func TestConnectionMultiplexesConcurrentRequestsOverOneConnection(t *testing.T) {
	c, server := newConnectionOverPipe(t)
	go server.run(func(streamID uint32) string { return fmt.Sprintf("body-%d", streamID) })
	defer c.Close()

	const n = 8
	var wg sync.WaitGroup
	results := make([]string, n)
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			req := httpcore.NewRequest("GET", httpcore.NewURL("https", "example.com", 443, fmt.Sprintf("/%d", i)), nil, nil)
			resp, err := c.HandleRequest(req)
			if err != nil {
				errs[i] = err
				return
			}
			body, err := resp.ReadAll()
			if err != nil {
				errs[i] = err
				return
			}
			results[i] = string(body)
			errs[i] = resp.Body.Close()
		}(i)
	}
	wg.Wait()

	for i := 0; i < n; i++ {
		require.NoError(t, errs[i])
		require.NotEmpty(t, results[i])
	}

	origin, proto, _, requests := c.Info()
	require.Equal(t, "HTTP/2", proto)
	require.Equal(t, n, requests)
	require.Equal(t, httpcore.NewOrigin("https", "example.com", 443), origin)
}

// TestConnectionBuffersMoreFramesThanAnyFixedCap sends far more DATA frames
// than the old fixed 8-slot per-stream buffer could hold before the client
// ever calls Next, and only then drains the body - the read loop must queue
// every frame rather than silently dropping the ones that don't fit.
func TestConnectionBuffersMoreFramesThanAnyFixedCap(t *testing.T) {
	c, server := newConnectionOverPipe(t)
	const chunkCount = 64
	chunks := make([]string, chunkCount)
	for i := range chunks {
		chunks[i] = fmt.Sprintf("c%02d", i)
	}
	go server.runChunked(func(streamID uint32) []string { return chunks })
	defer c.Close()

	req := httpcore.NewRequest("GET", httpcore.NewURL("https", "example.com", 443, "/"), nil, nil)
	resp, err := c.HandleRequest(req)
	require.NoError(t, err)

	// Give the server time to write every frame well ahead of any read,
	// so they queue up inside the stream's event buffer.
	time.Sleep(50 * time.Millisecond)

	body, err := resp.ReadAll()
	require.NoError(t, err)
	require.Equal(t, strings.Join(chunks, ""), string(body))
	require.NoError(t, resp.Body.Close())
}

func TestConnectionGoesIdleAfterAllStreamsRelease(t *testing.T) {
	c, server := newConnectionOverPipe(t)
	go server.run(func(streamID uint32) string { return "ok" })
	defer c.Close()

	req := httpcore.NewRequest("GET", httpcore.NewURL("https", "example.com", 443, "/"), nil, nil)
	resp, err := c.HandleRequest(req)
	require.NoError(t, err)
	_, err = resp.ReadAll()
	require.NoError(t, err)
	require.NoError(t, resp.Body.Close())

	require.Eventually(t, func() bool { return c.IsIdle() }, time.Second, time.Millisecond)
}
