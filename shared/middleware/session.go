package middleware

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/vasapolrittideah/session-manager/shared/session"
)

type contextKey int

const (
	principalKey contextKey = iota
	tokenKey
)

// Transport describes where a session token travels. When Cookie is set the cookie is
// read first; otherwise the token is read from Header as "Bearer <token>".
type Transport struct {
	Header         string
	Cookie         string
	Realm          string
	InsecureCookie bool
}

// SessionMiddleware guards HTTP handlers with a session.Manager.
type SessionMiddleware struct {
	manager   session.Manager
	refresher session.Refresher
	onRefresh func()
	transport Transport
	logger    *zerolog.Logger
}

// Option configures a SessionMiddleware.
type Option func(*SessionMiddleware)

// WithRefresher makes the middleware exchange tokens that have a pending refresh and
// hand the new token back to the client.
func WithRefresher(refresher session.Refresher) Option {
	return func(m *SessionMiddleware) {
		m.refresher = refresher
	}
}

// OnRefresh registers fn to run after every successful token exchange.
func OnRefresh(fn func()) Option {
	return func(m *SessionMiddleware) {
		m.onRefresh = fn
	}
}

// NewSessionMiddleware creates a new SessionMiddleware.
func NewSessionMiddleware(
	manager session.Manager,
	transport Transport,
	logger *zerolog.Logger,
	opts ...Option,
) *SessionMiddleware {
	m := &SessionMiddleware{
		manager:   manager,
		transport: transport,
		logger:    logger,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// CheckAuthentication lets through any request carrying a valid session token.
func (m *SessionMiddleware) CheckAuthentication(next http.Handler) http.Handler {
	return m.guard(func(*session.Principal) bool { return true })(next)
}

// CheckPermission requires the session to hold permission.
func (m *SessionMiddleware) CheckPermission(permission string) func(http.Handler) http.Handler {
	return m.guard(func(p *session.Principal) bool { return p.HasGrant(permission) })
}

// CheckAtLeastOnePermission requires the session to hold one of permissions.
func (m *SessionMiddleware) CheckAtLeastOnePermission(permissions ...string) func(http.Handler) http.Handler {
	return m.guard(func(p *session.Principal) bool { return p.HasAnyGrant(permissions...) })
}

// CheckFeature requires the feature flag to be enabled on the session.
func (m *SessionMiddleware) CheckFeature(feature string) func(http.Handler) http.Handler {
	return m.guard(func(p *session.Principal) bool { return p.HasFeature(feature) })
}

func (m *SessionMiddleware) guard(allowed func(*session.Principal) bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := m.token(r)
			if token == "" {
				m.unauthenticated(w)
				return
			}

			principal, err := m.manager.Authenticate(r.Context(), token)
			if err != nil {
				m.fail(w, r, err)
				return
			}

			if m.refresher != nil {
				newToken, refreshed, err := m.refresher.RefreshIfPending(r.Context(), token)
				if err != nil {
					m.fail(w, r, err)
					return
				}
				if newToken != "" {
					m.setToken(w, newToken, refreshed.ExpiresAt)
					token, principal = newToken, refreshed
					if m.onRefresh != nil {
						m.onRefresh()
					}
				}
			}

			if !allowed(principal) {
				respondWithError(w, http.StatusForbidden, "insufficient permissions")
				return
			}

			ctx := context.WithValue(r.Context(), principalKey, principal)
			ctx = context.WithValue(ctx, tokenKey, token)

			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func (m *SessionMiddleware) token(r *http.Request) string {
	if m.transport.Cookie != "" {
		if cookie, err := r.Cookie(m.transport.Cookie); err == nil && cookie.Value != "" {
			return cookie.Value
		}
	}

	if m.transport.Header == "" {
		return ""
	}

	return BearerToken(r.Header.Get(m.transport.Header))
}

// BearerToken extracts the token from a "Bearer <token>" header value.
func BearerToken(header string) string {
	scheme, token, ok := strings.Cut(strings.TrimSpace(header), " ")
	if !ok || !strings.EqualFold(scheme, "bearer") {
		return ""
	}
	return strings.TrimSpace(token)
}

// setToken hands token back to the client. The cookie lives as long as the token; a
// token without expiry gets a browser-session cookie.
func (m *SessionMiddleware) setToken(w http.ResponseWriter, token string, expiresAt time.Time) {
	if m.transport.Cookie != "" {
		var maxAge int
		if !expiresAt.IsZero() {
			maxAge = max(int(time.Until(expiresAt).Seconds()), 1)
		}
		http.SetCookie(w, &http.Cookie{
			Name:     m.transport.Cookie,
			Value:    token,
			Path:     "/",
			MaxAge:   maxAge,
			HttpOnly: true,
			Secure:   !m.transport.InsecureCookie,
			SameSite: http.SameSiteStrictMode,
		})
	}
	if m.transport.Header != "" {
		w.Header().Set(m.transport.Header, token)
	}
}

func (m *SessionMiddleware) fail(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, session.ErrUnauthenticated):
		m.unauthenticated(w)
	case errors.Is(err, session.ErrStoreUnavailable):
		m.logger.Error().Err(err).Str("path", r.URL.Path).Msg("session store unavailable")
		respondWithError(w, http.StatusServiceUnavailable, "session store unavailable")
	default:
		m.logger.Error().Err(err).Str("path", r.URL.Path).Msg("failed to resolve session")
		respondWithError(w, http.StatusInternalServerError, "something went wrong")
	}
}

func (m *SessionMiddleware) unauthenticated(w http.ResponseWriter) {
	w.Header().Set("WWW-Authenticate", fmt.Sprintf("Bearer realm=%q", m.transport.Realm))
	respondWithError(w, http.StatusUnauthorized, "authentication required")
}

// PrincipalFromContext returns the principal attached by the session middleware.
func PrincipalFromContext(ctx context.Context) (*session.Principal, bool) {
	p, ok := ctx.Value(principalKey).(*session.Principal)
	return p, ok
}

// TokenFromContext returns the token the request was authenticated with. After a
// refresh exchange this is the new token.
func TokenFromContext(ctx context.Context) (string, bool) {
	t, ok := ctx.Value(tokenKey).(string)
	return t, ok
}

func respondWithError(w http.ResponseWriter, statusCode int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message})
}
