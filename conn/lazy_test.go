/*
 * Copyright (c) 2018 The Go Authors. All rights reserved.
 * Use of this source code is governed by a BSD-style license that can be found in the LICENSE file.
 */

package conn

import (
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/badu/httpcore"
	"github.com/badu/httpcore/netio"
	"github.com/badu/httpcore/trc"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func scriptedResponse() []byte {
	return []byte("HTTP/1.1 200 OK\r\nContent-Length: 2\r\n\r\nok")
}

func TestLazyNegotiatesHTTP11(t *testing.T) {
	backend := netio.NewMockBackend()
	origin := httpcore.NewOrigin("http", "example.com", 80)
	backend.Script(origin.Host, origin.Port, scriptedResponse())

	l := NewLazy(origin, backend, nil, true, 0, 0)
	require.True(t, l.IsAvailable(), "optimistic availability before first request")

	req := httpcore.NewRequest("GET", httpcore.NewURL("http", origin.Host, origin.Port, "/"), nil, nil)
	resp, err := l.HandleRequest(req)
	require.NoError(t, err)
	require.Equal(t, 200, resp.Status)

	body, err := resp.ReadAll()
	require.NoError(t, err)
	require.Equal(t, "ok", string(body))
	require.NoError(t, resp.Body.Close())
}

func TestLazyConnectErrorRetries(t *testing.T) {
	backend := netio.NewMockBackend()
	backend.ConnErr = errConnectRefused{}
	origin := httpcore.NewOrigin("http", "example.com", 80)

	l := NewLazy(origin, backend, nil, true, 2, 0)
	req := httpcore.NewRequest("GET", httpcore.NewURL("http", origin.Host, origin.Port, "/"), nil, nil)
	failedAttempts := 0
	req.Extensions.Trace = &trc.ClientTrace{ConnectTCPFailed: func(map[string]any) { failedAttempts++ }}
	_, err := l.HandleRequest(req)
	require.Error(t, err)
	require.True(t, httpcore.IsKind(err, httpcore.ErrorKindConnectError))
	require.Equal(t, 3, failedAttempts, "one initial attempt plus two retries")
}

type errConnectRefused struct{}

func (errConnectRefused) Error() string { return "connection refused" }
