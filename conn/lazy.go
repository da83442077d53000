/*
 * Copyright (c) 2018 The Go Authors. All rights reserved.
 * Use of this source code is governed by a BSD-style license that can be found in the LICENSE file.
 */

package conn

import (
	"crypto/tls"
	"sync"
	"time"

	"github.com/badu/httpcore"
	"github.com/badu/httpcore/h1"
	"github.com/badu/httpcore/h2"
	"github.com/badu/httpcore/netio"
	"github.com/badu/httpcore/trc"
)

// Lazy is a connection that defers dialing, TLS, and ALPN selection to
// the first request, then resolves to an HTTP/1.1 or HTTP/2 inner
// connection.
type Lazy struct {
	origin          httpcore.Origin
	backend         netio.Backend
	tlsConfig       *tls.Config
	http2Enabled    bool
	retries         int
	keepAliveExpiry time.Duration

	mu    sync.Mutex
	inner Connection
	err   error
}

// NewLazy builds a Lazy connection for origin; nothing is dialed until the
// first HandleRequest.
func NewLazy(origin httpcore.Origin, backend netio.Backend, tlsConfig *tls.Config, http2Enabled bool, retries int, keepAliveExpiry time.Duration) *Lazy {
	return &Lazy{
		origin:          origin,
		backend:         backend,
		tlsConfig:       tlsConfig,
		http2Enabled:    http2Enabled,
		retries:         retries,
		keepAliveExpiry: keepAliveExpiry,
	}
}

func (l *Lazy) Origin() httpcore.Origin { return l.origin }

func (l *Lazy) CanHandleRequest(origin httpcore.Origin) bool { return l.origin == origin }

// IsAvailable is optimistic while NEW: true, so the pool may hand the
// still-opening connection to one waiter.
func (l *Lazy) IsAvailable() bool {
	l.mu.Lock()
	inner := l.inner
	failed := l.err != nil
	l.mu.Unlock()
	if failed {
		return false
	}
	if inner == nil {
		return true
	}
	return inner.IsAvailable()
}

func (l *Lazy) IsIdle() bool {
	l.mu.Lock()
	inner := l.inner
	l.mu.Unlock()
	return inner != nil && inner.IsIdle()
}

func (l *Lazy) IsClosed() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.err != nil {
		return true
	}
	return l.inner != nil && l.inner.IsClosed()
}

func (l *Lazy) HasExpired() bool {
	l.mu.Lock()
	inner := l.inner
	l.mu.Unlock()
	return inner != nil && inner.HasExpired()
}

func (l *Lazy) Info() (httpcore.Origin, string, string, int) {
	l.mu.Lock()
	inner := l.inner
	l.mu.Unlock()
	if inner == nil {
		return l.origin, "", "NEW", 0
	}
	return inner.Info()
}

func (l *Lazy) Close() error {
	l.mu.Lock()
	inner := l.inner
	l.mu.Unlock()
	if inner == nil {
		return nil
	}
	return inner.Close()
}

func (l *Lazy) TryClose() bool {
	l.mu.Lock()
	inner := l.inner
	l.mu.Unlock()
	if inner == nil {
		return true
	}
	return inner.TryClose()
}

// TakeLeftover drains any wire bytes the inner connection's codec already
// read off the stream but hasn't consumed, for a caller (Tunnel) about to
// reclaim the raw stream out from under this connection.
func (l *Lazy) TakeLeftover() []byte {
	l.mu.Lock()
	inner := l.inner
	l.mu.Unlock()
	if lo, ok := inner.(interface{ TakeLeftover() []byte }); ok {
		return lo.TakeLeftover()
	}
	return nil
}

// HandleRequest performs the one-time connect+TLS+ALPN negotiation under
// its own lock on the first call, then forwards to the resolved inner
// connection.
func (l *Lazy) HandleRequest(req *httpcore.Request) (*httpcore.Response, error) {
	l.mu.Lock()
	if l.inner == nil && l.err == nil {
		inner, err := l.connect(req)
		if err != nil {
			l.err = err
			l.mu.Unlock()
			return nil, err
		}
		l.inner = inner
	}
	inner, err := l.inner, l.err
	l.mu.Unlock()

	if err != nil {
		return nil, err
	}
	return inner.HandleRequest(req)
}

func (l *Lazy) connect(req *httpcore.Request) (Connection, error) {
	const op = "conn.Lazy.connect"
	tracer := req.Extensions.Trace
	timeout := req.Extensions.Timeouts.Connect

	var stream netio.NetworkStream
	var err error
	attempts := l.retries + 1
	for attempt := 0; attempt < attempts; attempt++ {
		trc.Fire(tracer, trc.EventConnectTCPStarted, map[string]any{"origin": l.origin.String()})
		stream, err = l.backend.Connect(l.origin.Host, l.origin.Port, timeout)
		if err == nil {
			trc.Fire(tracer, trc.EventConnectTCPComplete, nil)
			break
		}
		trc.Fire(tracer, trc.EventConnectTCPFailed, map[string]any{"error": err.Error()})
		if attempt < attempts-1 {
			time.Sleep(backoff(attempt))
			continue
		}
		return nil, httpcore.NewError(httpcore.ErrorKindConnectError, op, err)
	}

	if !l.origin.IsTLS() {
		return h1.NewConnection(l.origin, stream, l.keepAliveExpiry), nil
	}

	alpn := []string{"http/1.1"}
	if l.http2Enabled {
		alpn = []string{"h2", "http/1.1"}
	}
	tlsCfg := l.tlsConfig
	if tlsCfg == nil {
		tlsCfg = &tls.Config{}
	}
	cloned := tlsCfg.Clone()
	cloned.NextProtos = alpn
	if req.Extensions.SNIOverride != "" {
		cloned.ServerName = req.Extensions.SNIOverride
	}

	trc.Fire(tracer, trc.EventStartTLSStarted, nil)
	tlsStream, err := stream.StartTLS(cloned, l.origin.Host, timeout)
	if err != nil {
		trc.Fire(tracer, trc.EventStartTLSFailed, map[string]any{"error": err.Error()})
		_ = stream.Close()
		return nil, httpcore.NewError(httpcore.ErrorKindConnectError, op, err)
	}
	trc.Fire(tracer, trc.EventStartTLSComplete, nil)

	negotiated := selectedALPN(tlsStream)
	if negotiated == "h2" {
		return h2.NewConnection(l.origin, tlsStream, l.keepAliveExpiry), nil
	}
	return h1.NewConnection(l.origin, tlsStream, l.keepAliveExpiry), nil
}

// alpnSelector is satisfied by netio's mock ssl object; selectedALPN reads
// a tls.ConnectionState's NegotiatedProtocol directly instead.
type alpnSelector interface {
	SelectedALPNProtocol() string
}

func selectedALPN(stream netio.NetworkStream) string {
	info := stream.ExtraInfo(netio.ExtraInfoSSLObject)
	switch v := info.(type) {
	case alpnSelector:
		return v.SelectedALPNProtocol()
	case tls.ConnectionState:
		return v.NegotiatedProtocol
	}
	return ""
}

func backoff(attempt int) time.Duration {
	d := time.Duration(1<<attempt) * 100 * time.Millisecond
	if d > 2*time.Second {
		d = 2 * time.Second
	}
	return d
}
