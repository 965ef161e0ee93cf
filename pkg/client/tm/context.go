package tm

import (
	"context"
)

type sessionIDKey struct{}

// WithSessionID returns a context carrying sessionID. An empty id hides any
// session of the parent context.
func WithSessionID(ctx context.Context, sessionID string) context.Context {
	return context.WithValue(ctx, sessionIDKey{}, sessionID)
}

// SessionID returns the session carried by ctx, "" when there is none.
func SessionID(ctx context.Context) string {
	if sessionID, ok := ctx.Value(sessionIDKey{}).(string); ok {
		return sessionID
	}
	return ""
}

// InSession reports whether ctx carries a session.
func InSession(ctx context.Context) bool {
	return SessionID(ctx) != ""
}
