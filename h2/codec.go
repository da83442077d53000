/*
 * Copyright (c) 2018 The Go Authors. All rights reserved.
 * Use of this source code is governed by a BSD-style license that can be found in the LICENSE file.
 */

// Package h2 implements the multiplexed HTTP/2 connection: streams, flow
// control, settings, and stream-id lifecycle, built on top of
// golang.org/x/net/http2's Framer and hpack packages as the pure
// protocol-state-machine codec.
package h2

import (
	"bytes"
	"io"

	"golang.org/x/net/http2"
	"golang.org/x/net/http2/hpack"
)

// DefaultSettings are the SETTINGS sent on first request: disable server
// push, cap concurrent streams, cap header list size.
var DefaultSettings = []http2.Setting{
	{ID: http2.SettingEnablePush, Val: 0},
	{ID: http2.SettingMaxConcurrentStreams, Val: 100},
	{ID: http2.SettingMaxHeaderListSize, Val: 65536},
}

const InitialWindowSize = 65535

// Codec wraps an http2.Framer for one connection. It is not safe for
// concurrent use; Connection serializes writes with its own mutex and
// demultiplexes reads with its own read-loop goroutine.
type Codec struct {
	w        io.Writer
	fr       *http2.Framer
	hpackEnc *hpack.Encoder
	hpackBuf *bytes.Buffer
	hpackDec *hpack.Decoder
}

// NewCodec builds a codec writing to w and reading from r.
func NewCodec(w io.Writer, r io.Reader) *Codec {
	buf := &bytes.Buffer{}
	c := &Codec{
		w:        w,
		fr:       http2.NewFramer(w, r),
		hpackBuf: buf,
	}
	c.hpackEnc = hpack.NewEncoder(buf)
	c.hpackDec = hpack.NewDecoder(4096, nil)
	c.fr.AllowIllegalWrites = true
	return c
}

// WritePreface emits the client connection preface.
func (c *Codec) WritePreface() error {
	_, err := io.WriteString(c.w, http2.ClientPreface)
	return err
}

// ReadFrame blocks for the next frame.
func (c *Codec) ReadFrame() (http2.Frame, error) {
	return c.fr.ReadFrame()
}

// WriteSettings writes a SETTINGS frame.
func (c *Codec) WriteSettings(settings ...http2.Setting) error {
	return c.fr.WriteSettings(settings...)
}

// WriteSettingsAck acknowledges the peer's SETTINGS frame.
func (c *Codec) WriteSettingsAck() error {
	return c.fr.WriteSettingsAck()
}

// WriteWindowUpdate grows a flow-control window (streamID 0 = connection level).
func (c *Codec) WriteWindowUpdate(streamID uint32, incr uint32) error {
	return c.fr.WriteWindowUpdate(streamID, incr)
}

// EncodeHeaders HPACK-encodes fields into a single contiguous block.
func (c *Codec) EncodeHeaders(fields []hpack.HeaderField) ([]byte, error) {
	c.hpackBuf.Reset()
	for _, f := range fields {
		if err := c.hpackEnc.WriteField(f); err != nil {
			return nil, err
		}
	}
	out := make([]byte, c.hpackBuf.Len())
	copy(out, c.hpackBuf.Bytes())
	return out, nil
}

// WriteHeaders sends a HEADERS frame (no CONTINUATION support needed for
// the request sizes this client generates).
func (c *Codec) WriteHeaders(p http2.HeadersFrameParam) error {
	return c.fr.WriteHeaders(p)
}

// WriteData sends a DATA frame.
func (c *Codec) WriteData(streamID uint32, endStream bool, data []byte) error {
	return c.fr.WriteData(streamID, endStream, data)
}

// DecodeHeaders HPACK-decodes a contiguous header block.
func (c *Codec) DecodeHeaders(block []byte) ([]hpack.HeaderField, error) {
	return c.hpackDec.DecodeFull(block)
}

// WriteRSTStream aborts a stream.
func (c *Codec) WriteRSTStream(streamID uint32, code http2.ErrCode) error {
	return c.fr.WriteRSTStream(streamID, code)
}
