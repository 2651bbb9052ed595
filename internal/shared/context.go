package shared

import "context"

type sessionContextKey struct{}

// ContextWithSession attaches the request's session. A nil session leaves
// ctx untouched.
func ContextWithSession(ctx context.Context, sess *Session) context.Context {
	if sess == nil {
		return ctx
	}
	return context.WithValue(ctx, sessionContextKey{}, sess)
}

// SessionFromContext returns the session loaded by SessionMiddleware, or nil.
func SessionFromContext(ctx context.Context) *Session {
	if ctx == nil {
		return nil
	}
	sess, _ := ctx.Value(sessionContextKey{}).(*Session)
	return sess
}

// SessionUserID returns the user bound to the session in ctx. ok is false
// for anonymous sessions and requests that never passed SessionMiddleware.
func SessionUserID(ctx context.Context) (id string, ok bool) {
	sess := SessionFromContext(ctx)
	if sess == nil {
		return "", false
	}
	id = sess.User()
	return id, id != ""
}
