package command

import "context"

// RequestMeta identifies the origin of a dispatch for auditing. Source is
// "cli", "http" or "cron".
type RequestMeta struct {
	RequestID string
	Client    string
	Source    string
}

type requestMetaKey struct{}

// WithRequestMeta attaches origin metadata to the context so sinks and
// handlers can read it during dispatch.
func WithRequestMeta(ctx context.Context, meta RequestMeta) context.Context {
	return context.WithValue(ctx, requestMetaKey{}, meta)
}

// RequestMetaFrom returns the origin metadata, zero-valued when absent.
func RequestMetaFrom(ctx context.Context) RequestMeta {
	meta, _ := ctx.Value(requestMetaKey{}).(RequestMeta)
	return meta
}
