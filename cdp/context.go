package cdp

import "context"

type ctxKey int

const ctxKeySessionID ctxKey = iota

// WithSessionID returns a context that routes commands executed under
// it to the given target session. Without one, commands address the
// browser target.
func WithSessionID(ctx context.Context, sessionID string) context.Context {
	return context.WithValue(ctx, ctxKeySessionID, sessionID)
}

// GetSessionID returns the session id the context routes to, if any.
func GetSessionID(ctx context.Context) string {
	if sid, ok := ctx.Value(ctxKeySessionID).(string); ok {
		return sid
	}
	return ""
}
