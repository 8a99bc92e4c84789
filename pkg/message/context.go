package message

import "context"

type sessionKey struct{}

// ContextWithSession installs id as the ambient session for calls made with
// the returned context.
func ContextWithSession(ctx context.Context, id string) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}

	return context.WithValue(ctx, sessionKey{}, id)
}

// SessionFromContext returns the ambient session, if one was installed.
func SessionFromContext(ctx context.Context) (string, bool) {
	if ctx == nil {
		return "", false
	}

	id, ok := ctx.Value(sessionKey{}).(string)
	if !ok || id == "" {
		return "", false
	}

	return id, true
}
