package httpcore

import (
	"time"

	"github.com/badu/httpcore/netio"
	"github.com/badu/httpcore/trc"
)

// Timeouts bundles the four per-request deadlines: connect, read, write,
// and pool-acquisition. A zero value means "no deadline" for that phase.
type Timeouts struct {
	Connect time.Duration
	Read    time.Duration
	Write   time.Duration
	Pool    time.Duration
}

// RequestExtensions is a typed struct of per-request knobs rather than an
// open map: unknown/absent fields are simply zero values, and there is no
// bag of arbitrary keys.
type RequestExtensions struct {
	Timeouts  Timeouts
	Trace     *trc.ClientTrace
	SNIOverride string
}

// ResponseExtensions carries what a Response may expose beyond status,
// headers, and body: the negotiated protocol version and the raw stream,
// which a tunnel proxy reclaims from its CONNECT response.
type ResponseExtensions struct {
	HTTPVersion   string
	NetworkStream netio.NetworkStream
}
