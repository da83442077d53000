/*
 * Copyright (c) 2018 The Go Authors. All rights reserved.
 * Use of this source code is governed by a BSD-style license that can be found in the LICENSE file.
 */

// Package client provides a small facade (Request/Stream/Close) over a
// connection pool, generalized to httpcore's pooled, multi-protocol
// Request/Response types. Lives in its own package, separate from root
// package httpcore, so it can depend on package pool without creating an
// import cycle (pool necessarily depends on httpcore for
// Request/Response/Origin).
package client

import (
	"context"
	"io"

	"github.com/sirupsen/logrus"

	"github.com/badu/httpcore"
	"github.com/badu/httpcore/netio"
	"github.com/badu/httpcore/pool"
)

// poolHandler is the subset of *pool.ConnectionPool the Client needs,
// kept as an interface so tests can substitute a fake pool.
type poolHandler interface {
	HandleRequest(ctx context.Context, req *httpcore.Request) (*httpcore.Response, error)
	Close() error
}

// Client is the facade over pool.ConnectionPool exposing the three entry
// points: HandleRequest (raw), Request (reads body fully), and Stream
// (caller iterates and must close). Redirect-following and cookie
// storage are not reimplemented here - see Non-goals.
type Client struct {
	pool poolHandler
}

// New builds a Client backed by a fresh connection pool over backend.
func New(cfg pool.Config, backend netio.Backend, log logrus.FieldLogger) *Client {
	return &Client{pool: pool.New(cfg, backend, log)}
}

// HandleRequest is the raw entry point: the caller owns Response.Body and
// must close it exactly once.
func (c *Client) HandleRequest(ctx context.Context, req *httpcore.Request) (*httpcore.Response, error) {
	return c.pool.HandleRequest(ctx, req)
}

// Request issues a request built from its components and reads the
// response body fully, closing the underlying connection's body on the
// caller's behalf.
func (c *Client) Request(ctx context.Context, method string, u httpcore.URL, headers httpcore.Headers, body httpcore.Body) (*httpcore.Response, error) {
	req := httpcore.NewRequest(method, u, headers, body)
	resp, err := c.pool.HandleRequest(ctx, req)
	if err != nil {
		return nil, err
	}
	data, readErr := drainAndClose(resp.Body)
	resp.Body = httpcore.NewBufferedResponseBody(data)
	if readErr != nil {
		return resp, readErr
	}
	return resp, nil
}

// Stream issues a request built from its components and returns the live
// Response alongside a closer the caller must invoke exactly once when
// done reading Response.Body.
func (c *Client) Stream(ctx context.Context, method string, u httpcore.URL, headers httpcore.Headers, body httpcore.Body) (*httpcore.Response, func() error, error) {
	req := httpcore.NewRequest(method, u, headers, body)
	resp, err := c.pool.HandleRequest(ctx, req)
	if err != nil {
		return nil, nil, err
	}
	return resp, resp.Body.Close, nil
}

// Close shuts down the underlying pool, closing every pooled connection.
func (c *Client) Close() error { return c.pool.Close() }

func drainAndClose(body httpcore.ResponseBody) ([]byte, error) {
	var out []byte
	var readErr error
	for {
		chunk, err := body.Next()
		if len(chunk) > 0 {
			out = append(out, chunk...)
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			readErr = err
			break
		}
	}
	if closeErr := body.Close(); closeErr != nil && readErr == nil {
		readErr = closeErr
	}
	return out, readErr
}
