/*
 * Copyright (c) 2018 The Go Authors. All rights reserved.
 * Use of this source code is governed by a BSD-style license that can be found in the LICENSE file.
 */

// Package pool implements ConnectionPool: origin-keyed reuse, bounded
// concurrency, FIFO fairness, capacity eviction, and keep-alive expiry
// over the polymorphic connections in package conn.
package pool

import (
	"crypto/tls"
	"time"

	"github.com/badu/httpcore"
)

// ProxyMode selects how proxy_url applies to a request's scheme.
type ProxyMode int

const (
	ProxyModeDefault ProxyMode = iota // http forward, https tunnel
	ProxyModeForwardOnly
	ProxyModeTunnelOnly
)

// ProxyConfig configures an optional upstream proxy.
type ProxyConfig struct {
	URL     httpcore.URL
	Headers httpcore.Headers
	Mode    ProxyMode
}

// Config is the pool Configuration table.
type Config struct {
	MaxConnections          int
	MaxKeepaliveConnections int
	KeepaliveExpiry         time.Duration

	HTTP1 bool
	HTTP2 bool

	Retries int

	LocalAddress string
	UDS          string

	TLSConfig *tls.Config

	Proxy *ProxyConfig
}

// DefaultConfig returns conservative pool defaults suitable for a
// general-purpose client.
func DefaultConfig() Config {
	return Config{
		MaxConnections:          100,
		MaxKeepaliveConnections: 20,
		KeepaliveExpiry:         90 * time.Second,
		HTTP1:                   true,
		HTTP2:                   true,
		Retries:                 0,
	}
}
