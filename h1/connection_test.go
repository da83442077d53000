/*
 * Copyright (c) 2018 The Go Authors. All rights reserved.
 * Use of this source code is governed by a BSD-style license that can be found in the LICENSE file.
 */

package h1

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/badu/httpcore"
	"github.com/badu/httpcore/netio"
)

func dial(t *testing.T, backend *netio.MockBackend, origin httpcore.Origin) netio.NetworkStream {
	t.Helper()
	stream, err := backend.Connect(origin.Host, origin.Port, 0)
	require.NoError(t, err)
	return stream
}

func TestConnectionHandleRequestFromNewState(t *testing.T) {
	backend := netio.NewMockBackend()
	origin := httpcore.NewOrigin("http", "example.com", 80)
	backend.Script(origin.Host, origin.Port, []byte("HTTP/1.1 200 OK\r\nContent-Length: 2\r\n\r\nok"))

	c := NewConnection(origin, dial(t, backend, origin), 0)
	require.False(t, c.IsAvailable(), "a brand new connection is NEW, not IDLE")

	req := httpcore.NewRequest("GET", httpcore.NewURL("http", origin.Host, origin.Port, "/"), nil, nil)
	resp, err := c.HandleRequest(req)
	require.NoError(t, err)
	require.Equal(t, 200, resp.Status)

	body, err := resp.ReadAll()
	require.NoError(t, err)
	require.Equal(t, "ok", string(body))
	require.NoError(t, resp.Body.Close())
	require.True(t, c.IsAvailable(), "a fully-drained, closed response goes back to IDLE")
}

func TestConnectionRejectsOriginMismatch(t *testing.T) {
	backend := netio.NewMockBackend()
	origin := httpcore.NewOrigin("http", "example.com", 80)
	other := httpcore.NewOrigin("http", "other.example.com", 80)
	backend.Script(origin.Host, origin.Port, []byte("HTTP/1.1 200 OK\r\nContent-Length: 2\r\n\r\nok"))

	c := NewConnection(origin, dial(t, backend, origin), 0)
	req := httpcore.NewRequest("GET", httpcore.NewURL(other.Scheme, other.Host, other.Port, "/"), nil, nil)
	_, err := c.HandleRequest(req)
	require.Error(t, err)
	require.True(t, httpcore.IsKind(err, httpcore.ErrorKindConnectionNotAvailable))
}

func TestConnectionReusesAcrossTwoSequentialRequests(t *testing.T) {
	backend := netio.NewMockBackend()
	origin := httpcore.NewOrigin("http", "example.com", 80)
	one := "HTTP/1.1 200 OK\r\nContent-Length: 2\r\n\r\nok"
	backend.Script(origin.Host, origin.Port, []byte(one+one))

	c := NewConnection(origin, dial(t, backend, origin), 0)
	req := httpcore.NewRequest("GET", httpcore.NewURL("http", origin.Host, origin.Port, "/"), nil, nil)

	resp1, err := c.HandleRequest(req)
	require.NoError(t, err)
	_, err = resp1.ReadAll()
	require.NoError(t, err)
	require.NoError(t, resp1.Body.Close())

	resp2, err := c.HandleRequest(req)
	require.NoError(t, err)
	body2, err := resp2.ReadAll()
	require.NoError(t, err)
	require.Equal(t, "ok", string(body2))
	require.NoError(t, resp2.Body.Close())
}

func TestConnectionClosesOnUnreadBodyDiscard(t *testing.T) {
	backend := netio.NewMockBackend()
	origin := httpcore.NewOrigin("http", "example.com", 80)
	backend.Script(origin.Host, origin.Port, []byte("HTTP/1.1 200 OK\r\nContent-Length: 5\r\n\r\nhello"))

	c := NewConnection(origin, dial(t, backend, origin), 0)
	req := httpcore.NewRequest("GET", httpcore.NewURL("http", origin.Host, origin.Port, "/"), nil, nil)
	resp, err := c.HandleRequest(req)
	require.NoError(t, err)
	require.NoError(t, resp.Body.Close()) // closed without reading the body

	require.True(t, c.IsClosed())
}

func TestConnectionClosesOnResponseConnectionClose(t *testing.T) {
	backend := netio.NewMockBackend()
	origin := httpcore.NewOrigin("http", "example.com", 80)
	backend.Script(origin.Host, origin.Port, []byte("HTTP/1.1 200 OK\r\nContent-Length: 2\r\nConnection: close\r\n\r\nok"))

	c := NewConnection(origin, dial(t, backend, origin), 0)
	req := httpcore.NewRequest("GET", httpcore.NewURL("http", origin.Host, origin.Port, "/"), nil, nil)
	resp, err := c.HandleRequest(req)
	require.NoError(t, err)
	_, err = resp.ReadAll()
	require.NoError(t, err)
	require.NoError(t, resp.Body.Close())

	require.True(t, c.IsClosed(), "Connection: close on the response must force CLOSED, not IDLE")
}

func TestConnectionClosesOnRequestConnectionClose(t *testing.T) {
	backend := netio.NewMockBackend()
	origin := httpcore.NewOrigin("http", "example.com", 80)
	backend.Script(origin.Host, origin.Port, []byte("HTTP/1.1 200 OK\r\nContent-Length: 2\r\n\r\nok"))

	c := NewConnection(origin, dial(t, backend, origin), 0)
	req := httpcore.NewRequest("GET", httpcore.NewURL("http", origin.Host, origin.Port, "/"), httpcore.Headers{{Name: "Connection", Value: "close"}}, nil)
	resp, err := c.HandleRequest(req)
	require.NoError(t, err)
	_, err = resp.ReadAll()
	require.NoError(t, err)
	require.NoError(t, resp.Body.Close())

	require.True(t, c.IsClosed(), "Connection: close on the request must force CLOSED, not IDLE")
}

func TestConnectionSendsChunkedBodyWhenLengthUnknown(t *testing.T) {
	backend := netio.NewMockBackend()
	origin := httpcore.NewOrigin("http", "example.com", 80)
	backend.Script(origin.Host, origin.Port, []byte("HTTP/1.1 200 OK\r\nContent-Length: 2\r\n\r\nok"))

	c := NewConnection(origin, dial(t, backend, origin), 0)
	req := httpcore.NewRequest("POST", httpcore.NewURL("http", origin.Host, origin.Port, "/"), nil, httpcore.NewReaderBody(strings.NewReader("hi")))
	resp, err := c.HandleRequest(req)
	require.NoError(t, err)
	require.NoError(t, resp.Body.Close())

	written := backend.Streams()[0].Written.String()
	require.True(t, strings.Contains(written, "Transfer-Encoding: chunked\r\n"))
	require.True(t, strings.Contains(written, "2\r\nhi\r\n0\r\n\r\n"))
}
