/*
 * Copyright (c) 2018 The Go Authors. All rights reserved.
 * Use of this source code is governed by a BSD-style license that can be found in the LICENSE file.
 */

package pool

import "sync"

// poolByteStream wraps the protocol-level response body. Close releases
// the inner stream first, then notifies the pool exactly once via
// responseClosed - even if closing the inner stream itself errors - so
// pool accounting always runs. A second Close is a no-op. This also
// breaks the pool/connection/stream reference cycle: once closed, the
// stream drops its pointers back to the pool and status.
type poolByteStream struct {
	pool   *ConnectionPool
	status *RequestStatus

	inner interface {
		Next() ([]byte, error)
		Close() error
	}

	once sync.Once
}

func newPoolByteStream(p *ConnectionPool, status *RequestStatus, inner interface {
	Next() ([]byte, error)
	Close() error
}) *poolByteStream {
	return &poolByteStream{pool: p, status: status, inner: inner}
}

func (s *poolByteStream) Next() ([]byte, error) {
	return s.inner.Next()
}

func (s *poolByteStream) Close() error {
	var err error
	s.once.Do(func() {
		err = s.inner.Close()
		s.pool.responseClosed(s.status)
		s.pool = nil
		s.status = nil
	})
	return err
}
