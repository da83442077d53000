/*
 * Copyright (c) 2018 The Go Authors. All rights reserved.
 * Use of this source code is governed by a BSD-style license that can be found in the LICENSE file.
 */

package httpcore

import (
	"fmt"
	"strings"
)

// DefaultPorts maps a URL scheme to its default port.
var DefaultPorts = map[string]uint16{
	"ftp":   21,
	"http":  80,
	"https": 443,
	"ws":    80,
	"wss":   443,
}

// Origin identifies a server endpoint: (scheme, host, port). Equality and
// hashing are structural - two requests share a connection
// only if their origins are equal.
type Origin struct {
	Scheme string
	Host   string // lower-cased
	Port   uint16
}

// NewOrigin builds an Origin, defaulting port from scheme when port is 0.
func NewOrigin(scheme, host string, port uint16) Origin {
	scheme = strings.ToLower(scheme)
	host = strings.ToLower(host)
	if port == 0 {
		port = DefaultPorts[scheme]
	}
	return Origin{Scheme: scheme, Host: host, Port: port}
}

// String renders "scheme://host:port", used for logging and identity
// strings.
func (o Origin) String() string {
	return fmt.Sprintf("%s://%s:%d", o.Scheme, o.Host, o.Port)
}

// IsTLS reports whether connections to this origin must be TLS-wrapped.
func (o Origin) IsTLS() bool {
	return o.Scheme == "https" || o.Scheme == "wss"
}

// Matches is the structural equality check: origins are
// equal, full stop. No normalization beyond what NewOrigin already did.
func (o Origin) Matches(other Origin) bool {
	return o == other
}
