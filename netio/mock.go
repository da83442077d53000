package netio

import (
	"bytes"
	"crypto/tls"
	"fmt"
	"sync"
	"time"
)

// MockBackend plays back a fixed byte buffer per origin and records writes,
// enabling deterministic tests.
type MockBackend struct {
	mu       sync.Mutex
	scripts  map[string][]byte // "host:port" -> bytes to hand back on Read
	streams  []*MockStream
	ConnErr  error // if set, Connect always fails with this
	ALPN     string // simulated selected_alpn_protocol, empty = none
}

func NewMockBackend() *MockBackend {
	return &MockBackend{scripts: make(map[string][]byte)}
}

// Script registers the bytes a connection to host:port will read back.
func (b *MockBackend) Script(host string, port uint16, data []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.scripts[fmt.Sprintf("%s:%d", host, port)] = data
}

func (b *MockBackend) Connect(host string, port uint16, timeout time.Duration) (NetworkStream, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.ConnErr != nil {
		return nil, b.ConnErr
	}
	data := b.scripts[fmt.Sprintf("%s:%d", host, port)]
	s := &MockStream{
		backend: b,
		read:    bytes.NewReader(data),
	}
	b.streams = append(b.streams, s)
	return s, nil
}

// Streams returns every stream this backend has produced, for assertions.
func (b *MockBackend) Streams() []*MockStream {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]*MockStream, len(b.streams))
	copy(out, b.streams)
	return out
}

// MockStream is the NetworkStream MockBackend hands out. Writes are
// recorded in Written; Read drains the scripted buffer; StartTLS is a
// transparent passthrough that records the negotiated ALPN so a
// connection's protocol-negotiation path is exercisable in tests.
type MockStream struct {
	backend *MockBackend
	mu      sync.Mutex
	read    *bytes.Reader
	Written bytes.Buffer
	Closed  bool
	alpn    string
}

func (s *MockStream) Read(maxBytes int, _ time.Duration) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	buf := make([]byte, maxBytes)
	n, err := s.read.Read(buf)
	if n > 0 {
		return buf[:n], nil
	}
	if err != nil {
		return nil, nil // EOF surfaces as an empty read, not an error
	}
	return nil, nil
}

func (s *MockStream) Write(b []byte, _ time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.Written.Write(b)
	return err
}

func (s *MockStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Closed = true
	return nil
}

func (s *MockStream) StartTLS(_ *tls.Config, _ string, _ time.Duration) (NetworkStream, error) {
	s.alpn = s.backend.ALPN
	return s, nil
}

func (s *MockStream) ExtraInfo(key ExtraInfoKey) any {
	if key == ExtraInfoSSLObject {
		return mockSSLObject{alpn: s.alpn}
	}
	return nil
}

// mockSSLObject stands in for a *tls.ConnectionState's
// selected_alpn_protocol() in tests.
type mockSSLObject struct{ alpn string }

func (m mockSSLObject) SelectedALPNProtocol() string { return m.alpn }
