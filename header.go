/*
 * Copyright (c) 2018 The Go Authors. All rights reserved.
 * Use of this source code is governed by a BSD-style license that can be found in the LICENSE file.
 */

package httpcore

import (
	"strings"

	"golang.org/x/net/http/httpguts"
)

// Common header names this engine touches directly.
const (
	HeaderHost              = "Host"
	HeaderContentLength     = "Content-Length"
	HeaderTransferEncoding  = "Transfer-Encoding"
	HeaderConnection        = "Connection"
	HeaderAccept            = "Accept"
	HeaderAuthorization     = "Authorization"
	HeaderProxyAuthorization = "Proxy-Authorization"
)

// HeaderField is one (name, value) byte pair. Request/Response headers are
// an ordered list of these - unlike net/http.Header, order and duplicate
// names both survive.
type HeaderField struct {
	Name  string
	Value string
}

// Headers is the ordered header list. Lookups are case-insensitive per
// RFC 7230, but insertion order and duplicates are preserved for wire
// framing fidelity.
type Headers []HeaderField

// Get returns the first value for name (case-insensitive), or "" if absent.
func (h Headers) Get(name string) string {
	for _, f := range h {
		if strings.EqualFold(f.Name, name) {
			return f.Value
		}
	}
	return ""
}

// Values returns every value recorded for name, in order.
func (h Headers) Values(name string) []string {
	var out []string
	for _, f := range h {
		if strings.EqualFold(f.Name, name) {
			out = append(out, f.Value)
		}
	}
	return out
}

// Has reports whether name appears at least once.
func (h Headers) Has(name string) bool {
	for _, f := range h {
		if strings.EqualFold(f.Name, name) {
			return true
		}
	}
	return false
}

// Add appends a (name, value) pair, preserving any existing occurrences.
func (h Headers) Add(name, value string) Headers {
	return append(h, HeaderField{Name: name, Value: value})
}

// Set removes every existing occurrence of name and appends a single
// (name, value) pair in its place, at the end of the list.
func (h Headers) Set(name, value string) Headers {
	out := h[:0:0]
	for _, f := range h {
		if !strings.EqualFold(f.Name, name) {
			out = append(out, f)
		}
	}
	return append(out, HeaderField{Name: name, Value: value})
}

// Without returns a copy of h with every occurrence of name removed.
func (h Headers) Without(name string) Headers {
	out := make(Headers, 0, len(h))
	for _, f := range h {
		if !strings.EqualFold(f.Name, name) {
			out = append(out, f)
		}
	}
	return out
}

// Clone returns an independent copy of h.
func (h Headers) Clone() Headers {
	out := make(Headers, len(h))
	copy(out, h)
	return out
}

// Validate reports the first header field that violates RFC 7230's token
// grammar for names or field-value grammar for values, as a LocalProtocolError
// candidate a codec can reject before ever writing bytes to the wire.
func (h Headers) Validate() error {
	for _, f := range h {
		if !httpguts.ValidHeaderFieldName(f.Name) {
			return &invalidHeaderError{field: "name", value: f.Name}
		}
		if !httpguts.ValidHeaderFieldValue(f.Value) {
			return &invalidHeaderError{field: "value", value: f.Value}
		}
	}
	return nil
}

type invalidHeaderError struct {
	field string
	value string
}

func (e *invalidHeaderError) Error() string {
	return "invalid header " + e.field + ": " + e.value
}

// HasConnectionToken reports whether the Connection header (in any of its,
// possibly multiple, comma-separated occurrences) lists token - used to
// detect "Connection: close" and hop-by-hop header names it names.
func (h Headers) HasConnectionToken(token string) bool {
	return httpguts.HeaderValuesContainsToken(h.Values(HeaderConnection), token)
}
