/*
 * Copyright (c) 2018 The Go Authors. All rights reserved.
 * Use of this source code is governed by a BSD-style license that can be found in the LICENSE file.
 */

package pool

import (
	"bytes"
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/badu/httpcore"
	"github.com/badu/httpcore/netio"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func oneResponse() []byte {
	return []byte("HTTP/1.1 200 OK\r\nContent-Length: 2\r\n\r\nok")
}

func repeated(n int) []byte {
	var buf bytes.Buffer
	for i := 0; i < n; i++ {
		buf.Write(oneResponse())
	}
	return buf.Bytes()
}

func get(t *testing.T, p *ConnectionPool, origin httpcore.Origin) {
	t.Helper()
	req := httpcore.NewRequest("GET", httpcore.NewURL(origin.Scheme, origin.Host, origin.Port, "/"), nil, nil)
	resp, err := p.HandleRequest(context.Background(), req)
	require.NoError(t, err)
	_, err = resp.ReadAll()
	require.NoError(t, err)
	require.NoError(t, resp.Body.Close())
}

// TestReuseSameOrigin checks pool connection count bounds plus MRU reuse:
// two sequential requests to the same origin reuse a single pooled
// connection and never open a second TCP stream.
func TestReuseSameOrigin(t *testing.T) {
	backend := netio.NewMockBackend()
	origin := httpcore.NewOrigin("http", "example.com", 80)
	backend.Script(origin.Host, origin.Port, repeated(2))

	cfg := DefaultConfig()
	p := New(cfg, backend, nil)
	defer p.Close()

	get(t, p, origin)
	get(t, p, origin)

	require.Len(t, backend.Streams(), 1)
	total, idle := p.Snapshot()
	require.Equal(t, 1, total)
	require.Equal(t, 1, idle)
}

// TestDistinctOriginsGetDistinctConnections: requests to different origins
// never share a connection.
func TestDistinctOriginsGetDistinctConnections(t *testing.T) {
	backend := netio.NewMockBackend()
	a := httpcore.NewOrigin("http", "a.example.com", 80)
	b := httpcore.NewOrigin("http", "b.example.com", 80)
	backend.Script(a.Host, a.Port, oneResponse())
	backend.Script(b.Host, b.Port, oneResponse())

	cfg := DefaultConfig()
	p := New(cfg, backend, nil)
	defer p.Close()

	get(t, p, a)
	get(t, p, b)

	total, _ := p.Snapshot()
	require.Equal(t, 2, total)
}

// TestCapacityEviction: MaxConnections=1 forces the pool to evict the
// idle connection to origin a before admitting a connection to origin b.
func TestCapacityEviction(t *testing.T) {
	backend := netio.NewMockBackend()
	a := httpcore.NewOrigin("http", "a.example.com", 80)
	b := httpcore.NewOrigin("http", "b.example.com", 80)
	backend.Script(a.Host, a.Port, oneResponse())
	backend.Script(b.Host, b.Port, oneResponse())

	cfg := DefaultConfig()
	cfg.MaxConnections = 1
	p := New(cfg, backend, nil)
	defer p.Close()

	get(t, p, a)
	get(t, p, b)

	require.Eventually(t, func() bool {
		total, _ := p.Snapshot()
		return total == 1
	}, time.Second, time.Millisecond)
}

// TestConcurrentWaitersUnderCap: max_connections=1, five concurrent
// requests to five distinct origins, all eventually complete and at most
// one connection remains in the pool once they have.
func TestConcurrentWaitersUnderCap(t *testing.T) {
	backend := netio.NewMockBackend()
	origins := make([]httpcore.Origin, 5)
	for i := range origins {
		host := string(rune('a'+i)) + ".example.com"
		origins[i] = httpcore.NewOrigin("http", host, 80)
		backend.Script(origins[i].Host, origins[i].Port, oneResponse())
	}

	cfg := DefaultConfig()
	cfg.MaxConnections = 1
	p := New(cfg, backend, nil)
	defer p.Close()

	var wg sync.WaitGroup
	for _, o := range origins {
		wg.Add(1)
		go func(o httpcore.Origin) {
			defer wg.Done()
			get(t, p, o)
		}(o)
	}
	wg.Wait()

	total, _ := p.Snapshot()
	require.LessOrEqual(t, total, 1)
}

// TestConnectionCloseEmptiesPool: a GET answered with "Connection: close"
// must not be returned to the pool as idle - the pool is empty right after
// the response closes.
func TestConnectionCloseEmptiesPool(t *testing.T) {
	backend := netio.NewMockBackend()
	origin := httpcore.NewOrigin("http", "example.com", 80)
	backend.Script(origin.Host, origin.Port, []byte(
		"HTTP/1.1 200 OK\r\nContent-Length: 2\r\nConnection: close\r\n\r\nok"))

	cfg := DefaultConfig()
	p := New(cfg, backend, nil)
	defer p.Close()

	get(t, p, origin)

	total, idle := p.Snapshot()
	require.Equal(t, 0, total)
	require.Equal(t, 0, idle)
}

// TestUnsupportedScheme rejects non-http(s) schemes up front.
func TestUnsupportedScheme(t *testing.T) {
	backend := netio.NewMockBackend()
	p := New(DefaultConfig(), backend, nil)
	defer p.Close()

	req := httpcore.NewRequest("GET", httpcore.NewURL("ftp", "example.com", 21, "/"), nil, nil)
	_, err := p.HandleRequest(context.Background(), req)
	require.Error(t, err)
	require.True(t, httpcore.IsKind(err, httpcore.ErrorKindUnsupportedProtocol))
}

// TestPoolTimeout: max_connections=1, and the one admitted connection
// holds a response whose body is still open (so it is neither idle nor
// evictable). A second request to a different origin can never be
// admitted and must time out rather than hang forever.
func TestPoolTimeout(t *testing.T) {
	backend := netio.NewMockBackend()
	a := httpcore.NewOrigin("http", "a.example.com", 80)
	b := httpcore.NewOrigin("http", "b.example.com", 80)
	backend.Script(a.Host, a.Port, oneResponse())

	cfg := DefaultConfig()
	cfg.MaxConnections = 1
	p := New(cfg, backend, nil)
	defer p.Close()

	reqA := httpcore.NewRequest("GET", httpcore.NewURL("http", a.Host, a.Port, "/"), nil, nil)
	respA, err := p.HandleRequest(context.Background(), reqA)
	require.NoError(t, err)
	require.Equal(t, 200, respA.Status)
	defer respA.Body.Close()

	reqB := httpcore.NewRequest("GET", httpcore.NewURL("http", b.Host, b.Port, "/"), nil, nil)
	reqB.Extensions.Timeouts.Pool = 10 * time.Millisecond
	_, err = p.HandleRequest(context.Background(), reqB)
	require.Error(t, err)
	require.True(t, httpcore.IsKind(err, httpcore.ErrorKindPoolTimeout))
}

type errAlwaysRefused struct{}

func (errAlwaysRefused) Error() string { return "connection refused" }

// TestKeepaliveExpirySweep: after a clean response close, sleeping past
// keepalive_expiry and calling Sweep closes and removes the idle
// connection without any new request arriving.
func TestKeepaliveExpirySweep(t *testing.T) {
	backend := netio.NewMockBackend()
	origin := httpcore.NewOrigin("http", "example.com", 80)
	backend.Script(origin.Host, origin.Port, oneResponse())

	cfg := DefaultConfig()
	cfg.KeepaliveExpiry = 20 * time.Millisecond
	p := New(cfg, backend, nil)
	defer p.Close()

	get(t, p, origin)

	total, idle := p.Snapshot()
	require.Equal(t, 1, total)
	require.Equal(t, 1, idle)

	time.Sleep(40 * time.Millisecond)
	p.Sweep()

	total, _ = p.Snapshot()
	require.Equal(t, 0, total)
}
