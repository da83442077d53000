// Package trc carries the observability trace hook: a per-request
// capability, not a global sink, carried on each request's
// RequestExtensions.Trace down to the codec-facing functions.
// WithClientTrace/ContextClientTrace can attach a trace to a
// context.Context, but the connections read it from the request only.
package trc

// ClientTrace holds the per-connection-lifecycle event callbacks. Every
// hook is optional; a nil hook is simply not called. kwargs uses a
// string-keyed map, which keeps the hook signature uniform across every
// event name instead of growing a new
// struct per event.
type ClientTrace struct {
	ConnectTCPStarted  func(kwargs map[string]any)
	ConnectTCPComplete func(kwargs map[string]any)
	ConnectTCPFailed   func(kwargs map[string]any)

	StartTLSStarted  func(kwargs map[string]any)
	StartTLSComplete func(kwargs map[string]any)
	StartTLSFailed   func(kwargs map[string]any)

	SendRequestHeadersStarted  func(kwargs map[string]any)
	SendRequestHeadersComplete func(kwargs map[string]any)

	SendRequestBodyStarted  func(kwargs map[string]any)
	SendRequestBodyComplete func(kwargs map[string]any)

	ReceiveResponseHeadersStarted  func(kwargs map[string]any)
	ReceiveResponseHeadersComplete func(kwargs map[string]any)
	ReceiveResponseHeadersFailed   func(kwargs map[string]any)

	ReceiveResponseBodyStarted  func(kwargs map[string]any)
	ReceiveResponseBodyComplete func(kwargs map[string]any)

	ResponseClosedStarted  func(kwargs map[string]any)
	ResponseClosedComplete func(kwargs map[string]any)
}

// Event name constants; callers that want a raw trace(name, kwargs)
// callback instead of individual hooks can route every field through
// Fire with one of these constants.
const (
	EventConnectTCPStarted  = "connection.connect_tcp.started"
	EventConnectTCPComplete = "connection.connect_tcp.complete"
	EventConnectTCPFailed   = "connection.connect_tcp.failed"

	EventStartTLSStarted  = "connection.start_tls.started"
	EventStartTLSComplete = "connection.start_tls.complete"
	EventStartTLSFailed   = "connection.start_tls.failed"

	EventSendRequestHeadersStarted  = "http11.send_request_headers.started"
	EventSendRequestHeadersComplete = "http11.send_request_headers.complete"

	EventSendRequestBodyStarted  = "http11.send_request_body.started"
	EventSendRequestBodyComplete = "http11.send_request_body.complete"

	EventReceiveResponseHeadersStarted  = "http11.receive_response_headers.started"
	EventReceiveResponseHeadersComplete = "http11.receive_response_headers.complete"
	EventReceiveResponseHeadersFailed   = "http11.receive_response_headers.failed"

	EventReceiveResponseBodyStarted  = "http11.receive_response_body.started"
	EventReceiveResponseBodyComplete = "http11.receive_response_body.complete"

	EventResponseClosedStarted  = "http11.response_closed.started"
	EventResponseClosedComplete = "http11.response_closed.complete"
)

// Fire dispatches kwargs to the hook matching name, tolerating a nil trace
// or an unrecognized name (trace hooks are best-effort, never load-bearing).
func Fire(t *ClientTrace, name string, kwargs map[string]any) {
	if t == nil {
		return
	}
	switch name {
	case EventConnectTCPStarted:
		call(t.ConnectTCPStarted, kwargs)
	case EventConnectTCPComplete:
		call(t.ConnectTCPComplete, kwargs)
	case EventConnectTCPFailed:
		call(t.ConnectTCPFailed, kwargs)
	case EventStartTLSStarted:
		call(t.StartTLSStarted, kwargs)
	case EventStartTLSComplete:
		call(t.StartTLSComplete, kwargs)
	case EventStartTLSFailed:
		call(t.StartTLSFailed, kwargs)
	case EventSendRequestHeadersStarted:
		call(t.SendRequestHeadersStarted, kwargs)
	case EventSendRequestHeadersComplete:
		call(t.SendRequestHeadersComplete, kwargs)
	case EventSendRequestBodyStarted:
		call(t.SendRequestBodyStarted, kwargs)
	case EventSendRequestBodyComplete:
		call(t.SendRequestBodyComplete, kwargs)
	case EventReceiveResponseHeadersStarted:
		call(t.ReceiveResponseHeadersStarted, kwargs)
	case EventReceiveResponseHeadersComplete:
		call(t.ReceiveResponseHeadersComplete, kwargs)
	case EventReceiveResponseHeadersFailed:
		call(t.ReceiveResponseHeadersFailed, kwargs)
	case EventReceiveResponseBodyStarted:
		call(t.ReceiveResponseBodyStarted, kwargs)
	case EventReceiveResponseBodyComplete:
		call(t.ReceiveResponseBodyComplete, kwargs)
	case EventResponseClosedStarted:
		call(t.ResponseClosedStarted, kwargs)
	case EventResponseClosedComplete:
		call(t.ResponseClosedComplete, kwargs)
	}
}

func call(hook func(map[string]any), kwargs map[string]any) {
	if hook != nil {
		hook(kwargs)
	}
}
