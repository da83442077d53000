package trc

import "context"

type clientTraceContextKey struct{}

// WithClientTrace returns a context carrying t, composed with any trace
// already present on ctx: t's hooks take precedence, and a hook t leaves
// nil falls back to the one already on ctx. Only one hook runs per event.
// Adapted from the
// teacher's trc.WithClientTrace / ClientTrace.compose pair, generalized
// from net-dial-specific hooks to this engine's event set.
func WithClientTrace(ctx context.Context, t *ClientTrace) context.Context {
	if t == nil {
		return ctx
	}
	if old := ContextClientTrace(ctx); old != nil {
		t = compose(t, old)
	}
	return context.WithValue(ctx, clientTraceContextKey{}, t)
}

// ContextClientTrace returns the ClientTrace associated with ctx, or nil.
func ContextClientTrace(ctx context.Context) *ClientTrace {
	t, _ := ctx.Value(clientTraceContextKey{}).(*ClientTrace)
	return t
}

// compose returns a trace holding outer's hooks, with inner's hook filling
// each field outer left nil; no event calls both.
func compose(outer, inner *ClientTrace) *ClientTrace {
	merged := *outer
	mergeHook(&merged.ConnectTCPStarted, inner.ConnectTCPStarted)
	mergeHook(&merged.ConnectTCPComplete, inner.ConnectTCPComplete)
	mergeHook(&merged.ConnectTCPFailed, inner.ConnectTCPFailed)
	mergeHook(&merged.StartTLSStarted, inner.StartTLSStarted)
	mergeHook(&merged.StartTLSComplete, inner.StartTLSComplete)
	mergeHook(&merged.StartTLSFailed, inner.StartTLSFailed)
	mergeHook(&merged.SendRequestHeadersStarted, inner.SendRequestHeadersStarted)
	mergeHook(&merged.SendRequestHeadersComplete, inner.SendRequestHeadersComplete)
	mergeHook(&merged.SendRequestBodyStarted, inner.SendRequestBodyStarted)
	mergeHook(&merged.SendRequestBodyComplete, inner.SendRequestBodyComplete)
	mergeHook(&merged.ReceiveResponseHeadersStarted, inner.ReceiveResponseHeadersStarted)
	mergeHook(&merged.ReceiveResponseHeadersComplete, inner.ReceiveResponseHeadersComplete)
	mergeHook(&merged.ReceiveResponseHeadersFailed, inner.ReceiveResponseHeadersFailed)
	mergeHook(&merged.ReceiveResponseBodyStarted, inner.ReceiveResponseBodyStarted)
	mergeHook(&merged.ReceiveResponseBodyComplete, inner.ReceiveResponseBodyComplete)
	mergeHook(&merged.ResponseClosedStarted, inner.ResponseClosedStarted)
	mergeHook(&merged.ResponseClosedComplete, inner.ResponseClosedComplete)
	return &merged
}

func mergeHook(slot *func(map[string]any), fallback func(map[string]any)) {
	if *slot == nil {
		*slot = fallback
	}
}
