/*
 * Copyright (c) 2018 The Go Authors. All rights reserved.
 * Use of this source code is governed by a BSD-style license that can be found in the LICENSE file.
 */

// Package netio is the abstract byte-stream I/O boundary between a
// connection and its raw socket or TLS I/O: a narrow interface that keeps
// those external collaborators swappable.
package netio

import (
	"crypto/tls"
	"time"
)

// ExtraInfoKey names the optional facts NetworkStream.ExtraInfo can expose.
type ExtraInfoKey string

const (
	ExtraInfoSSLObject  ExtraInfoKey = "ssl_object"
	ExtraInfoClientAddr ExtraInfoKey = "client_addr"
	ExtraInfoServerAddr ExtraInfoKey = "server_addr"
)

// Backend opens NetworkStreams given a host, a port, and a timeout. A local
// bind address is not a Connect argument; TCPBackend takes it from its
// TCPConfig.
type Backend interface {
	Connect(host string, port uint16, timeout time.Duration) (NetworkStream, error)
}

// NetworkStream is one connected byte stream, with an in-place TLS upgrade
// and a small bag of extra facts.
type NetworkStream interface {
	Read(maxBytes int, timeout time.Duration) ([]byte, error)
	Write(b []byte, timeout time.Duration) error
	Close() error
	StartTLS(cfg *tls.Config, serverHostname string, timeout time.Duration) (NetworkStream, error)
	ExtraInfo(key ExtraInfoKey) any
}
