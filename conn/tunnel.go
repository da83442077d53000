/*
 * Copyright (c) 2018 The Go Authors. All rights reserved.
 * Use of this source code is governed by a BSD-style license that can be found in the LICENSE file.
 */

package conn

import (
	"crypto/tls"
	"fmt"
	"sync"
	"time"

	"github.com/badu/httpcore"
	"github.com/badu/httpcore/h1"
	"github.com/badu/httpcore/h2"
	"github.com/badu/httpcore/netio"
)

// leftoverStream prepends bytes a reclaimed connection's codec already
// read off the wire but hadn't consumed ahead of further reads, so a
// tunnel handoff to a fresh connection doesn't lose data a prior Read
// call pulled in past the CONNECT response.
type leftoverStream struct {
	netio.NetworkStream
	pending []byte
}

func (s *leftoverStream) Read(maxBytes int, timeout time.Duration) ([]byte, error) {
	if len(s.pending) > 0 {
		n := len(s.pending)
		if n > maxBytes {
			n = maxBytes
		}
		chunk := s.pending[:n]
		s.pending = s.pending[n:]
		return chunk, nil
	}
	return s.NetworkStream.Read(maxBytes, timeout)
}

// Tunnel is a tunnel-proxy connection: a CONNECT handshake
// through a proxy, then the raw stream is reclaimed and TLS-wrapped
// against the real destination, replacing the proxy-facing inner
// connection with one bound directly to the remote origin.
type Tunnel struct {
	proxyConnHolder Connection
	proxyOrigin     httpcore.Origin
	remoteOrigin    httpcore.Origin
	proxyHeaders    httpcore.Headers
	tlsConfig       *tls.Config
	http2Enabled    bool
	keepAliveExpiry time.Duration

	mu          sync.Mutex
	established Connection
	err         error
}

// NewTunnel builds a tunnel-proxy Connection. proxyConn must already be
// connected to proxyOrigin (typically a *Lazy); the CONNECT handshake and
// the subsequent TLS handshake against remoteOrigin both happen lazily on
// the first HandleRequest.
func NewTunnel(proxyConn Connection, proxyOrigin, remoteOrigin httpcore.Origin, proxyHeaders httpcore.Headers, tlsConfig *tls.Config, http2Enabled bool, keepAliveExpiry time.Duration) *Tunnel {
	return &Tunnel{
		proxyConnHolder: proxyConn,
		proxyOrigin:     proxyOrigin,
		remoteOrigin:    remoteOrigin,
		proxyHeaders:    proxyHeaders,
		tlsConfig:       tlsConfig,
		http2Enabled:    http2Enabled,
		keepAliveExpiry: keepAliveExpiry,
	}
}

func (t *Tunnel) Origin() httpcore.Origin { return t.remoteOrigin }

func (t *Tunnel) CanHandleRequest(origin httpcore.Origin) bool { return origin == t.remoteOrigin }

func (t *Tunnel) IsAvailable() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.err != nil {
		return false
	}
	if t.established == nil {
		return true
	}
	return t.established.IsAvailable()
}

func (t *Tunnel) IsIdle() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.established != nil && t.established.IsIdle()
}

func (t *Tunnel) HasExpired() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.established != nil && t.established.HasExpired()
}

func (t *Tunnel) IsClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.err != nil {
		return true
	}
	return t.established != nil && t.established.IsClosed()
}

func (t *Tunnel) Info() (httpcore.Origin, string, string, int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.established == nil {
		return t.remoteOrigin, "", "NEW", 0
	}
	return t.established.Info()
}

func (t *Tunnel) Close() error {
	t.mu.Lock()
	established := t.established
	t.mu.Unlock()
	if established == nil {
		return nil
	}
	return established.Close()
}

func (t *Tunnel) TryClose() bool {
	t.mu.Lock()
	established := t.established
	t.mu.Unlock()
	if established == nil {
		return true
	}
	return established.TryClose()
}

func (t *Tunnel) HandleRequest(req *httpcore.Request) (*httpcore.Response, error) {
	t.mu.Lock()
	if t.established == nil && t.err == nil {
		established, err := t.connect(req)
		if err != nil {
			t.err = err
			t.mu.Unlock()
			return nil, err
		}
		t.established = established
	}
	established, err := t.established, t.err
	t.mu.Unlock()

	if err != nil {
		return nil, err
	}
	return established.HandleRequest(req)
}

// connect issues CONNECT host:port over the proxy connection, reclaims
// the raw stream from the response extensions, and - for an https
// destination - performs the TLS handshake the proxy cannot see into.
func (t *Tunnel) connect(req *httpcore.Request) (Connection, error) {
	const op = "conn.Tunnel.connect"

	target := fmt.Sprintf("%s:%d", t.remoteOrigin.Host, t.remoteOrigin.Port)
	connectHeaders := t.proxyHeaders.Clone().Set(httpcore.HeaderHost, target).Set(httpcore.HeaderAccept, "*/*")
	connectReq := &httpcore.Request{
		Method: "CONNECT",
		URL: httpcore.URL{
			Scheme: t.proxyOrigin.Scheme,
			Host:   t.proxyOrigin.Host,
			Port:   t.proxyOrigin.Port,
			Target: target,
			Origin: t.proxyOrigin,
		},
		Headers:    connectHeaders,
		Body:       httpcore.NewBytesBody(nil),
		Extensions: req.Extensions,
	}

	resp, err := t.proxyConnHolder.HandleRequest(connectReq)
	if err != nil {
		return nil, err
	}
	if resp.Status < 200 || resp.Status >= 300 {
		return nil, httpcore.NewProxyError(op, resp.Status, resp.Reason)
	}

	stream := resp.Extensions.NetworkStream
	if stream == nil {
		return nil, httpcore.NewError(httpcore.ErrorKindProxyError, op, nil)
	}
	if lo, ok := t.proxyConnHolder.(interface{ TakeLeftover() []byte }); ok {
		if leftover := lo.TakeLeftover(); len(leftover) > 0 {
			stream = &leftoverStream{NetworkStream: stream, pending: leftover}
		}
	}

	if !t.remoteOrigin.IsTLS() {
		return h1.NewConnection(t.remoteOrigin, stream, t.keepAliveExpiry), nil
	}

	alpn := []string{"http/1.1"}
	if t.http2Enabled {
		alpn = []string{"h2", "http/1.1"}
	}
	cfg := t.tlsConfig
	if cfg == nil {
		cfg = &tls.Config{}
	}
	cloned := cfg.Clone()
	cloned.NextProtos = alpn
	if req.Extensions.SNIOverride != "" {
		cloned.ServerName = req.Extensions.SNIOverride
	}

	tlsStream, err := stream.StartTLS(cloned, t.remoteOrigin.Host, req.Extensions.Timeouts.Connect)
	if err != nil {
		_ = stream.Close()
		return nil, httpcore.NewError(httpcore.ErrorKindConnectError, op, err)
	}

	if selectedALPN(tlsStream) == "h2" {
		return h2.NewConnection(t.remoteOrigin, tlsStream, t.keepAliveExpiry), nil
	}
	return h1.NewConnection(t.remoteOrigin, tlsStream, t.keepAliveExpiry), nil
}
