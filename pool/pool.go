/*
 * Copyright (c) 2018 The Go Authors. All rights reserved.
 * Use of this source code is governed by a BSD-style license that can be found in the LICENSE file.
 */

package pool

import (
	"context"
	"sync"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"go.uber.org/multierr"

	"github.com/badu/httpcore"
	"github.com/badu/httpcore/conn"
	"github.com/badu/httpcore/netio"
)

// RequestStatus is the pending-request waiter the pool queues in FIFO
// order: a request, its eventual assigned connection, and a one-shot
// ready event.
type RequestStatus struct {
	Request *httpcore.Request

	mu         sync.Mutex
	assigned   conn.Connection
	ready      chan struct{}
	readyShut  bool
}

func newRequestStatus(req *httpcore.Request) *RequestStatus {
	return &RequestStatus{Request: req, ready: make(chan struct{})}
}

func (s *RequestStatus) setAssigned(c conn.Connection) {
	s.mu.Lock()
	s.assigned = c
	if !s.readyShut {
		close(s.ready)
		s.readyShut = true
	}
	s.mu.Unlock()
}

func (s *RequestStatus) getAssigned() conn.Connection {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.assigned
}

// ConnectionPool is the core algorithm: an insertion-ordered list of
// connections (MRU at front), a FIFO waiter list, and a lock guarding
// both. Suspending connection methods (HandleRequest, Close) are never
// called while this lock is held; only the non-suspending predicates
// (IsAvailable, IsIdle, HasExpired) are.
type ConnectionPool struct {
	cfg     Config
	backend netio.Backend
	log     logrus.FieldLogger

	mu          sync.Mutex
	connections []conn.Connection // MRU at front
	waiters     []*RequestStatus
	closed      bool
}

// New builds a pool over backend with cfg. log may be nil (a discard
// logger is substituted).
func New(cfg Config, backend netio.Backend, log logrus.FieldLogger) *ConnectionPool {
	if log == nil {
		l := logrus.New()
		l.SetOutput(logrusDiscard{})
		log = l
	}
	return &ConnectionPool{
		cfg:     cfg,
		backend: backend,
		log:     log,
	}
}

type logrusDiscard struct{}

func (logrusDiscard) Write(p []byte) (int, error) { return len(p), nil }

// HandleRequest is the pool's public entry point: validate scheme, queue
// a waiter, acquire a connection (retrying on ConnectionNotAvailable),
// dispatch, and on success wrap the response body in a PoolByteStream so
// close triggers accounting.
func (p *ConnectionPool) HandleRequest(ctx context.Context, req *httpcore.Request) (*httpcore.Response, error) {
	const op = "pool.ConnectionPool.HandleRequest"

	scheme := req.URL.Origin.Scheme
	if scheme != "http" && scheme != "https" {
		return nil, httpcore.NewError(httpcore.ErrorKindUnsupportedProtocol, op, errors.Errorf("scheme %q", scheme))
	}

	for {
		status := newRequestStatus(req)

		p.mu.Lock()
		p.waiters = append(p.waiters, status)
		evicted := p.tryAcquire(status)
		p.mu.Unlock()
		if evicted != nil {
			_ = evicted.Close()
		}

		assignedConn, err := p.awaitAssignment(ctx, status, req)
		if err != nil {
			p.responseClosed(status)
			return nil, err
		}

		resp, err := assignedConn.HandleRequest(req)
		if err != nil {
			p.responseClosed(status)
			if httpcore.IsKind(err, httpcore.ErrorKindConnectionNotAvailable) {
				p.log.WithField("origin", req.URL.Origin.String()).Debug("connection not available, retrying acquisition")
				continue
			}
			return nil, err
		}

		resp.Body = newPoolByteStream(p, status, resp.Body)
		return resp, nil
	}
}

// awaitAssignment blocks until status is assigned a connection, the
// context is cancelled, or the pool's waiter queue changes admit it via
// a later responseClosed re-dispatch.
func (p *ConnectionPool) awaitAssignment(ctx context.Context, status *RequestStatus, req *httpcore.Request) (conn.Connection, error) {
	const op = "pool.ConnectionPool.awaitAssignment"
	timeout := req.Extensions.Timeouts.Pool
	var cancel context.CancelFunc
	if timeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	select {
	case <-status.ready:
		return status.getAssigned(), nil
	case <-ctx.Done():
		if ctx.Err() == context.DeadlineExceeded {
			return nil, httpcore.NewError(httpcore.ErrorKindPoolTimeout, op, ctx.Err())
		}
		return nil, ctx.Err()
	}
}

// tryAcquire implements the five-step acquisition algorithm. Must be
// called under p.mu. When capacity eviction closes a connection, that
// connection is returned (never closed while the lock is held) so the
// caller can close it once p.mu is released.
func (p *ConnectionPool) tryAcquire(status *RequestStatus) (evicted conn.Connection) {
	// 1. Fairness gate: unassigned statuses ahead of this one block it.
	for _, w := range p.waiters {
		if w == status {
			break
		}
		if w.getAssigned() == nil {
			return nil
		}
	}

	origin := status.Request.URL.Origin

	// 2. Reuse pass.
	for i, c := range p.connections {
		if c.CanHandleRequest(origin) && c.IsAvailable() {
			p.moveToFront(i)
			status.setAssigned(c)
			return nil
		}
	}

	// 3. Eviction for capacity: at most one connection closed per attempt.
	if len(p.connections) >= p.cfg.MaxConnections && p.cfg.MaxConnections > 0 {
		for i := len(p.connections) - 1; i >= 0; i-- {
			if p.connections[i].IsIdle() {
				evicted = p.connections[i]
				p.connections = append(p.connections[:i], p.connections[i+1:]...)
				break
			}
		}
	}

	// 4. Admission.
	if p.cfg.MaxConnections > 0 && len(p.connections) >= p.cfg.MaxConnections {
		return evicted
	}

	// 5. Create, insert at front, assign.
	newConn := p.createConnection(origin)
	p.connections = append([]conn.Connection{newConn}, p.connections...)
	status.setAssigned(newConn)
	return evicted
}

func (p *ConnectionPool) moveToFront(i int) {
	c := p.connections[i]
	p.connections = append(p.connections[:i], p.connections[i+1:]...)
	p.connections = append([]conn.Connection{c}, p.connections...)
}

// responseClosed releases status's slot, re-dispatches waiters in FIFO
// order (minimizing waiter latency is the chosen resolution for the
// re-dispatch-vs-housekeeping ordering question), then runs expiry and
// keepalive-cap housekeeping. Eviction candidates are collected under the
// lock and closed only after it is released.
func (p *ConnectionPool) responseClosed(status *RequestStatus) {
	p.mu.Lock()
	for i, w := range p.waiters {
		if w == status {
			p.waiters = append(p.waiters[:i], p.waiters[i+1:]...)
			break
		}
	}

	var toClose []conn.Connection

	// Re-dispatch: stop at the first unassigned waiter that cannot be
	// assigned, preserving FIFO.
	for _, w := range p.waiters {
		if w.getAssigned() != nil {
			continue
		}
		if evicted := p.tryAcquire(w); evicted != nil {
			toClose = append(toClose, evicted)
		}
		if w.getAssigned() == nil {
			break
		}
	}

	toClose = append(toClose, p.houseKeepLocked()...)
	p.mu.Unlock()

	for _, c := range toClose {
		_ = c.Close()
	}
}

// houseKeepLocked collects expired connections, then trims idle
// connections down to MaxKeepaliveConnections, returning what it removed
// from the pool's own bookkeeping for the caller to close outside the
// lock. Must be called under p.mu.
func (p *ConnectionPool) houseKeepLocked() []conn.Connection {
	var toClose []conn.Connection
	for i := len(p.connections) - 1; i >= 0; i-- {
		if p.connections[i].IsClosed() {
			p.connections = append(p.connections[:i], p.connections[i+1:]...)
			continue
		}
		if p.connections[i].HasExpired() {
			toClose = append(toClose, p.connections[i])
			p.connections = append(p.connections[:i], p.connections[i+1:]...)
		}
	}
	idleCount := 0
	for _, c := range p.connections {
		if c.IsIdle() {
			idleCount++
		}
	}
	for i := len(p.connections) - 1; i >= 0 && idleCount > p.cfg.MaxKeepaliveConnections; i-- {
		if p.connections[i].IsIdle() {
			toClose = append(toClose, p.connections[i])
			p.connections = append(p.connections[:i], p.connections[i+1:]...)
			idleCount--
		}
	}
	return toClose
}

// Sweep runs expiry and keepalive-cap housekeeping outside of any
// particular request's response_closed, for callers that want to age out
// idle connections on a timer rather than piggyback strictly on request
// traffic.
func (p *ConnectionPool) Sweep() {
	p.mu.Lock()
	toClose := p.houseKeepLocked()
	p.mu.Unlock()

	for _, c := range toClose {
		_ = c.Close()
	}
}

// createConnection builds the connection chain for origin, wiring in
// Forward/Tunnel proxy wrapping per cfg.Proxy.Mode. Must be called under
// p.mu (it only constructs in-memory state; it never dials).
func (p *ConnectionPool) createConnection(origin httpcore.Origin) conn.Connection {
	if p.cfg.Proxy == nil {
		return conn.NewLazy(origin, p.backend, p.cfg.TLSConfig, p.cfg.HTTP2, p.cfg.Retries, p.cfg.KeepaliveExpiry)
	}

	proxyOrigin := p.cfg.Proxy.URL.Origin
	useTunnel := p.cfg.Proxy.Mode == ProxyModeTunnelOnly ||
		(p.cfg.Proxy.Mode == ProxyModeDefault && origin.IsTLS())

	proxyConn := conn.NewLazy(proxyOrigin, p.backend, p.cfg.TLSConfig, false, p.cfg.Retries, p.cfg.KeepaliveExpiry)
	if useTunnel {
		return conn.NewTunnel(proxyConn, proxyOrigin, origin, p.cfg.Proxy.Headers, p.cfg.TLSConfig, p.cfg.HTTP2, p.cfg.KeepaliveExpiry)
	}
	return conn.NewForward(proxyConn, proxyOrigin, p.cfg.Proxy.Headers)
}

// Close closes every pooled connection and clears the waiter list,
// breaking the pool/connection/PoolByteStream reference cycle the
// design notes call out. Per-connection close errors are aggregated
// with go.uber.org/multierr rather than discarded.
func (p *ConnectionPool) Close() error {
	p.mu.Lock()
	p.closed = true
	conns := p.connections
	p.connections = nil
	p.waiters = nil
	p.mu.Unlock()

	var err error
	for _, c := range conns {
		if cerr := c.Close(); cerr != nil {
			err = multierr.Append(err, cerr)
		}
	}
	return err
}

// Snapshot reports a stable view of the pool for diagnostics/tests: the
// number of pooled connections and how many are idle.
func (p *ConnectionPool) Snapshot() (total, idle int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	total = len(p.connections)
	for _, c := range p.connections {
		if c.IsIdle() {
			idle++
		}
	}
	return
}
