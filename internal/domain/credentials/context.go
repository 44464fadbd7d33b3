package credentials

import "context"

type ctxKey struct{}

// WithCredential returns a context carrying the credential a downstream tool
// invocation should authenticate with.
func WithCredential(ctx context.Context, c *Credential) context.Context {
	return context.WithValue(ctx, ctxKey{}, c)
}

// FromContext returns the credential bound to ctx, if any.
func FromContext(ctx context.Context) (*Credential, bool) {
	c, ok := ctx.Value(ctxKey{}).(*Credential)
	return c, ok
}
