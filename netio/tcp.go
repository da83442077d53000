package netio

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"time"
)

// TCPConfig configures TCPBackend: the local bind address and optional
// unix-domain-socket path. The pool does not fill these in from its own
// Config; they are set here when the backend is built.
type TCPConfig struct {
	LocalAddress string // optional bind address
	UDS          string // optional unix domain socket path; overrides TCP
	KeepAlive    time.Duration
}

// TCPBackend dials real TCP (or UDS) connections. It is the production
// Backend; MockBackend in mock.go exists for deterministic tests.
type TCPBackend struct {
	cfg TCPConfig
}

func NewTCPBackend(cfg TCPConfig) *TCPBackend {
	if cfg.KeepAlive == 0 {
		cfg.KeepAlive = 30 * time.Second
	}
	return &TCPBackend{cfg: cfg}
}

func (b *TCPBackend) Connect(host string, port uint16, timeout time.Duration) (NetworkStream, error) {
	dialer := &net.Dialer{Timeout: timeout, KeepAlive: b.cfg.KeepAlive}
	if b.cfg.LocalAddress != "" {
		dialer.LocalAddr = &net.TCPAddr{IP: net.ParseIP(b.cfg.LocalAddress)}
	}

	network, addr := "tcp", fmt.Sprintf("%s:%d", host, port)
	if b.cfg.UDS != "" {
		network, addr = "unix", b.cfg.UDS
	}

	conn, err := dialer.Dial(network, addr)
	if err != nil {
		return nil, err
	}
	return &tcpStream{conn: conn}, nil
}

type tcpStream struct {
	conn net.Conn
	tls  *tls.Conn // set once StartTLS succeeds
}

func (s *tcpStream) Read(maxBytes int, timeout time.Duration) ([]byte, error) {
	if timeout > 0 {
		_ = s.conn.SetReadDeadline(time.Now().Add(timeout))
		defer s.conn.SetReadDeadline(time.Time{})
	}
	buf := make([]byte, maxBytes)
	n, err := s.conn.Read(buf)
	if n > 0 {
		return buf[:n], nil
	}
	return nil, err
}

func (s *tcpStream) Write(b []byte, timeout time.Duration) error {
	if timeout > 0 {
		_ = s.conn.SetWriteDeadline(time.Now().Add(timeout))
		defer s.conn.SetWriteDeadline(time.Time{})
	}
	_, err := s.conn.Write(b)
	return err
}

func (s *tcpStream) Close() error { return s.conn.Close() }

func (s *tcpStream) StartTLS(cfg *tls.Config, serverHostname string, timeout time.Duration) (NetworkStream, error) {
	tlsCfg := cfg.Clone()
	if tlsCfg == nil {
		tlsCfg = &tls.Config{}
	}
	if tlsCfg.ServerName == "" {
		tlsCfg.ServerName = serverHostname
	}
	tlsConn := tls.Client(s.conn, tlsCfg)
	if timeout > 0 {
		_ = tlsConn.SetDeadline(time.Now().Add(timeout))
		defer tlsConn.SetDeadline(time.Time{})
	}
	ctx := context.Background()
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		return nil, err
	}
	return &tcpStream{conn: tlsConn, tls: tlsConn}, nil
}

func (s *tcpStream) ExtraInfo(key ExtraInfoKey) any {
	switch key {
	case ExtraInfoSSLObject:
		if s.tls != nil {
			return s.tls.ConnectionState()
		}
		return nil
	case ExtraInfoClientAddr:
		return s.conn.LocalAddr()
	case ExtraInfoServerAddr:
		return s.conn.RemoteAddr()
	}
	return nil
}
