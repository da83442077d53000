package httpcore

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"unicode"
)

// URL is the request target: scheme, host, port, target. Full URL parsing
// (beyond deriving an Origin tuple) is out of scope; ParseURL delegates to
// net/url and only adds the Origin-tuple default-port rules.
type URL struct {
	Scheme string
	Host   string
	Port   uint16
	Target string // path + "?" + query; absolute-form for a forward proxy, "host:port" for CONNECT
	Origin Origin
}

// ParseURL parses raw, which must be ASCII (non-ASCII in string form is
// rejected), and derives the Origin tuple with scheme default-port rules.
func ParseURL(raw string) (URL, error) {
	for _, r := range raw {
		if r > unicode.MaxASCII {
			return URL{}, fmt.Errorf("non-ASCII byte in URL %q", raw)
		}
	}
	u, err := url.Parse(raw)
	if err != nil {
		return URL{}, err
	}
	return FromNetURL(u)
}

// FromNetURL builds a URL from an already-parsed *url.URL.
func FromNetURL(u *url.URL) (URL, error) {
	host := u.Hostname()
	var port uint16
	if p := u.Port(); p != "" {
		n, err := strconv.Atoi(p)
		if err != nil {
			return URL{}, fmt.Errorf("invalid port %q", p)
		}
		port = uint16(n)
	}
	origin := NewOrigin(u.Scheme, host, port)
	target := u.RequestURI()
	if target == "" {
		target = "/"
	}
	return URL{
		Scheme: strings.ToLower(u.Scheme),
		Host:   strings.ToLower(host),
		Port:   origin.Port,
		Target: target,
		Origin: origin,
	}, nil
}

// NewURL builds a URL directly from components: scheme, host, an optional
// port, and a request target.
func NewURL(scheme, host string, port uint16, target string) URL {
	origin := NewOrigin(scheme, host, port)
	if target == "" {
		target = "/"
	}
	return URL{Scheme: origin.Scheme, Host: origin.Host, Port: origin.Port, Target: target, Origin: origin}
}

// HostHeader synthesizes the Host header value: host alone if the port is
// the scheme default, else "host:port".
func (u URL) HostHeader() string {
	if DefaultPorts[u.Scheme] == u.Port {
		return u.Host
	}
	return fmt.Sprintf("%s:%d", u.Host, u.Port)
}

// RequestTarget is the request-target used on the wire: Target as stored,
// normally origin-form ("/path?query"), but absolute-form for a request
// rewritten by conn.Forward and authority-form for conn.Tunnel's CONNECT.
func (u URL) RequestTarget() string {
	return u.Target
}

// AbsoluteForm is the absolute-form request-target a forward proxy needs:
// "scheme://host/path?query", with ":port" after host only when the port
// is not the scheme default (see HostHeader).
func (u URL) AbsoluteForm() string {
	return fmt.Sprintf("%s://%s%s", u.Scheme, u.HostHeader(), u.Target)
}
