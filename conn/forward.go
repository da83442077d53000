/*
 * Copyright (c) 2018 The Go Authors. All rights reserved.
 * Use of this source code is governed by a BSD-style license that can be found in the LICENSE file.
 */

package conn

import "github.com/badu/httpcore"

// Forward wraps an inner Connection to a proxy, rewriting each request to
// absolute-form and merging configured proxy headers ahead of the
// request's own headers, so a caller-supplied header of the same name
// overrides the proxy default.
type Forward struct {
	inner        Connection
	proxyOrigin  httpcore.Origin
	proxyHeaders httpcore.Headers
}

// NewForward builds a forward-proxy Connection. inner must already be
// connected to proxyOrigin (typically a *Lazy).
func NewForward(inner Connection, proxyOrigin httpcore.Origin, proxyHeaders httpcore.Headers) *Forward {
	return &Forward{inner: inner, proxyOrigin: proxyOrigin, proxyHeaders: proxyHeaders}
}

func (f *Forward) Origin() httpcore.Origin { return f.proxyOrigin }

// CanHandleRequest accepts any plain-http origin: a forward proxy
// multiplexes arbitrary destinations over its one connection to the
// proxy; TLS destinations require Tunnel instead.
func (f *Forward) CanHandleRequest(origin httpcore.Origin) bool { return !origin.IsTLS() }

func (f *Forward) IsAvailable() bool  { return f.inner.IsAvailable() }
func (f *Forward) IsIdle() bool       { return f.inner.IsIdle() }
func (f *Forward) HasExpired() bool   { return f.inner.HasExpired() }
func (f *Forward) IsClosed() bool     { return f.inner.IsClosed() }
func (f *Forward) Close() error       { return f.inner.Close() }
func (f *Forward) TryClose() bool     { return f.inner.TryClose() }

func (f *Forward) Info() (httpcore.Origin, string, string, int) {
	_, proto, state, n := f.inner.Info()
	return f.proxyOrigin, proto, state, n
}

// HandleRequest rewrites req to absolute-form and merges proxy headers
// before delegating to the connection bound to the proxy.
func (f *Forward) HandleRequest(req *httpcore.Request) (*httpcore.Response, error) {
	rewritten := *req
	rewritten.URL = httpcore.URL{
		Scheme: f.proxyOrigin.Scheme,
		Host:   f.proxyOrigin.Host,
		Port:   f.proxyOrigin.Port,
		Target: req.URL.AbsoluteForm(),
		Origin: f.proxyOrigin,
	}

	merged := f.proxyHeaders.Clone()
	for _, h := range req.Headers {
		merged = merged.Without(h.Name)
	}
	for _, h := range req.Headers {
		merged = merged.Add(h.Name, h.Value)
	}
	rewritten.Headers = merged

	return f.inner.HandleRequest(&rewritten)
}
