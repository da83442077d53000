/*
 * Copyright (c) 2018 The Go Authors. All rights reserved.
 * Use of this source code is governed by a BSD-style license that can be found in the LICENSE file.
 */

// Command httpcore-probe issues one request through a pooled
// httpcore.Client and prints the response status and headers. It exists
// to exercise the whole stack end to end; it does not implement
// retry/redirect policy or config-file loading.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/badu/httpcore"
	"github.com/badu/httpcore/client"
	"github.com/badu/httpcore/netio"
	"github.com/badu/httpcore/pool"
)

func main() {
	var (
		method      = flag.String("method", "GET", "HTTP method")
		rawURL      = flag.String("url", "", "target URL (required)")
		http2       = flag.Bool("http2", true, "enable HTTP/2 ALPN negotiation")
		connectTO   = flag.Duration("connect-timeout", 10*time.Second, "connect timeout")
		readTO      = flag.Duration("read-timeout", 30*time.Second, "read timeout")
		verbose     = flag.Bool("v", false, "verbose logging")
	)
	flag.Parse()

	if *rawURL == "" {
		fmt.Fprintln(os.Stderr, "httpcore-probe: -url is required")
		os.Exit(2)
	}

	log := logrus.New()
	if *verbose {
		log.SetLevel(logrus.DebugLevel)
	}

	u, err := httpcore.ParseURL(*rawURL)
	if err != nil {
		fmt.Fprintf(os.Stderr, "httpcore-probe: parse url: %v\n", err)
		os.Exit(1)
	}

	cfg := pool.DefaultConfig()
	cfg.HTTP2 = *http2

	backend := netio.NewTCPBackend(netio.TCPConfig{})
	c := client.New(cfg, backend, log)
	defer c.Close()

	req := httpcore.NewRequest(*method, u, nil, nil)
	req.Extensions.Timeouts = httpcore.Timeouts{Connect: *connectTO, Read: *readTO}

	resp, err := c.HandleRequest(context.Background(), req)
	if err != nil {
		fmt.Fprintf(os.Stderr, "httpcore-probe: %v\n", err)
		os.Exit(1)
	}
	defer resp.Body.Close()

	fmt.Printf("%s %d %s\n", resp.Extensions.HTTPVersion, resp.Status, resp.Reason)
	for _, h := range resp.Headers {
		fmt.Printf("%s: %s\n", h.Name, h.Value)
	}

	body, err := resp.ReadAll()
	if err != nil {
		fmt.Fprintf(os.Stderr, "httpcore-probe: read body: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("\n%d bytes\n", len(body))
}
