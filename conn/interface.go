/*
 * Copyright (c) 2018 The Go Authors. All rights reserved.
 * Use of this source code is governed by a BSD-style license that can be found in the LICENSE file.
 */

// Package conn holds the polymorphic Connection capability set (a tagged
// interface, not an inheritance chain) and its variants: Lazy
// (negotiating), Forward proxy, and Tunnel proxy. HTTP/1.1 and HTTP/2
// themselves live in sibling packages h1/h2 and already satisfy this
// interface; Lazy/Forward/Tunnel compose them.
package conn

import "github.com/badu/httpcore"

// Connection is the capability every pooled connection variant
// implements: handle_request, can_handle_request, is_available, is_idle,
// has_expired, is_closed, info, close, try_close, get_origin.
// h1.Connection and h2.Connection also satisfy this interface directly.
type Connection interface {
	HandleRequest(req *httpcore.Request) (*httpcore.Response, error)
	CanHandleRequest(origin httpcore.Origin) bool
	IsAvailable() bool
	IsIdle() bool
	HasExpired() bool
	IsClosed() bool
	Info() (origin httpcore.Origin, proto, state string, requests int)
	Close() error
	TryClose() bool
	Origin() httpcore.Origin
}
