package interceptor

import (
	"context"
	"errors"
	"strings"

	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/vasapolrittideah/session-manager/shared/session"
)

type contextKey struct{}

var principalKey = contextKey{}

// SessionInterceptorConfig configures NewSessionInterceptor.
type SessionInterceptorConfig struct {
	// ExemptMethods are full method names served without a session.
	ExemptMethods []string
	// RequiredGrants maps a full method name to grants of which the caller must hold at least one.
	RequiredGrants map[string][]string
}

// NewSessionInterceptor authenticates unary calls with the bearer token found in the
// "authorization" metadata.
func NewSessionInterceptor(
	manager session.Manager,
	cfg SessionInterceptorConfig,
	logger *zerolog.Logger,
) grpc.UnaryServerInterceptor {
	exemptMap := make(map[string]bool)
	for _, method := range cfg.ExemptMethods {
		exemptMap[method] = true
	}

	return func(
		ctx context.Context,
		req any,
		info *grpc.UnaryServerInfo,
		handler grpc.UnaryHandler,
	) (any, error) {
		// Skip authentication for exempt methods
		if exemptMap[info.FullMethod] {
			return handler(ctx, req)
		}

		token, err := extractBearerToken(ctx)
		if err != nil {
			return nil, status.Error(codes.Unauthenticated, err.Error())
		}

		principal, err := manager.Authenticate(ctx, token)
		if err != nil {
			switch {
			case errors.Is(err, session.ErrUnauthenticated):
				return nil, status.Error(codes.Unauthenticated, "invalid or expired session")
			case errors.Is(err, session.ErrStoreUnavailable):
				logger.Error().Err(err).Str("method", info.FullMethod).Msg("session store unavailable")
				return nil, status.Error(codes.Unavailable, "session store unavailable")
			default:
				logger.Error().Err(err).Str("method", info.FullMethod).Msg("failed to resolve session")
				return nil, status.Error(codes.Internal, "something went wrong")
			}
		}

		if grants, ok := cfg.RequiredGrants[info.FullMethod]; ok && !principal.HasAnyGrant(grants...) {
			return nil, status.Error(codes.PermissionDenied, "insufficient permissions")
		}

		ctx = context.WithValue(ctx, principalKey, principal)

		return handler(ctx, req)
	}
}

// PrincipalFromContext returns the principal attached by the session interceptor.
func PrincipalFromContext(ctx context.Context) (*session.Principal, bool) {
	p, ok := ctx.Value(principalKey).(*session.Principal)
	return p, ok
}

func extractBearerToken(ctx context.Context) (string, error) {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return "", errors.New("missing metadata")
	}

	authHeaders := md.Get("authorization")
	if len(authHeaders) == 0 {
		return "", errors.New("missing authorization header")
	}

	parts := strings.SplitN(authHeaders[0], " ", 2)
	if len(parts) != 2 || strings.ToLower(parts[0]) != "bearer" || strings.TrimSpace(parts[1]) == "" {
		return "", errors.New("invalid authorization header format")
	}

	return strings.TrimSpace(parts[1]), nil
}
