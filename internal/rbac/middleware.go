package rbac

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/ptw-platform/ptw/internal/platform/httpx"
	"github.com/ptw-platform/ptw/internal/shared"
)

// PrincipalLoader resolves a principal by user ID.
type PrincipalLoader interface {
	LoadPrincipal(ctx context.Context, userID int64) (*Principal, error)
}

// Middleware wires the Authorization Model into HTTP handlers.
type Middleware struct {
	Loader PrincipalLoader
	Logger *slog.Logger
}

// Authenticate resolves the session user into a principal snapshot stored in
// the request context. Missing, unknown or inactive users become anonymous.
func (m Middleware) Authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		userID, ok := m.currentUserID(r)
		if !ok {
			next.ServeHTTP(w, r.WithContext(WithSession(ctx, Anonymous())))
			return
		}
		p, err := m.Loader.LoadPrincipal(ctx, userID)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				next.ServeHTTP(w, r.WithContext(WithSession(ctx, Anonymous())))
				return
			}
			m.logger().Error("rbac load principal", slog.Int64("user_id", userID), slog.Any("error", err))
			httpx.RespondError(w, err)
			return
		}
		if !p.Active {
			next.ServeHTTP(w, r.WithContext(WithSession(ctx, Anonymous())))
			return
		}
		next.ServeHTTP(w, r.WithContext(WithSession(ctx, Authenticated(p))))
	})
}

// RequireAuthenticated rejects requests without a principal with 401.
func (m Middleware) RequireAuthenticated(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if SessionFrom(r.Context()).State != SessionAuthenticated {
			httpx.RespondError(w, shared.ErrUnauthenticated)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// RequireCapability ensures the principal holds at least one of caps.
// Anonymous requests get 401, authenticated ones without the capability 403.
func (m Middleware) RequireCapability(caps ...Capability) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			sess := SessionFrom(r.Context())
			if sess.State != SessionAuthenticated {
				httpx.RespondError(w, shared.ErrUnauthenticated)
				return
			}
			if len(caps) == 0 || sess.Authorizer().CanAny(caps...) {
				next.ServeHTTP(w, r)
				return
			}
			httpx.RespondError(w, shared.Errorf(shared.ErrForbidden, "requires %s", joinCapabilities(caps)))
		})
	}
}

func (m Middleware) currentUserID(r *http.Request) (int64, bool) {
	raw, ok := shared.SessionUserID(r.Context())
	if !ok {
		return 0, false
	}
	raw = strings.TrimSpace(raw)
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		m.logger().Error("rbac parse user id", slog.String("value", raw))
		return 0, false
	}
	return id, true
}

func (m Middleware) logger() *slog.Logger {
	if m.Logger != nil {
		return m.Logger
	}
	return slog.Default()
}

func joinCapabilities(caps []Capability) string {
	names := make([]string, len(caps))
	for i, c := range caps {
		names[i] = string(c)
	}
	return strings.Join(names, " or ")
}
