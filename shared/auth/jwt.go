package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// Claims is implemented by every token payload handled by the authenticator.
// Payload types embed StandardClaims to satisfy it.
type Claims interface {
	jwt.Claims
	Standard() *jwt.RegisteredClaims
}

// StandardClaims carries the registered JWT claims set by the authenticator.
type StandardClaims struct {
	jwt.RegisteredClaims
}

// Standard returns the registered claims for the authenticator to fill in.
func (c *StandardClaims) Standard() *jwt.RegisteredClaims {
	return &c.RegisteredClaims
}

// TokenSigner signs and verifies tokens against a per-token secret.
type TokenSigner interface {
	// Sign embeds claims into a token valid for ttl, signed with secret.
	Sign(claims Claims, secret string, ttl time.Duration) (string, error)

	// Verify checks the signature and validity window of token and decodes it into claims.
	// It returns a *VerificationError on failure.
	Verify(token, secret string, claims Claims) error
}

// TokenInspector reads token contents without checking the signature.
// A successful decode is not proof of authenticity.
type TokenInspector interface {
	DecodeUnsafe(token string, claims Claims) bool
}

// JWTAuthenticator represents a JWT based authenticator.
type JWTAuthenticator struct {
	audience string
	issuer   string
}

var (
	_ TokenSigner    = (*JWTAuthenticator)(nil)
	_ TokenInspector = (*JWTAuthenticator)(nil)
)

// NewJWTAuthenticator creates a new JWTAuthenticator instance.
func NewJWTAuthenticator(audience, issuer string) *JWTAuthenticator {
	return &JWTAuthenticator{
		audience: audience,
		issuer:   issuer,
	}
}

// Sign stamps the registered claims (iss, aud, iat, nbf, exp, jti) and signs the token with HS256.
func (a *JWTAuthenticator) Sign(claims Claims, secret string, ttl time.Duration) (string, error) {
	now := time.Now()

	std := claims.Standard()
	std.Issuer = a.issuer
	std.Audience = jwt.ClaimStrings{a.audience}
	std.IssuedAt = jwt.NewNumericDate(now)
	std.NotBefore = jwt.NewNumericDate(now)
	std.ExpiresAt = jwt.NewNumericDate(now.Add(ttl))
	std.ID = uuid.NewString()

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)

	tokenStr, err := token.SignedString([]byte(secret))
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}

	return tokenStr, nil
}

// Verify validates a JWT token with the given secret and parses it into claims.
func (a *JWTAuthenticator) Verify(tokenString, secret string, claims Claims) error {
	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}

		return []byte(secret), nil
	},
		jwt.WithExpirationRequired(),
		jwt.WithAudience(a.audience),
		jwt.WithIssuer(a.issuer),
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Name}),
	)
	if err != nil {
		return newVerificationError(err)
	}

	if !token.Valid {
		return &VerificationError{Kind: BadSignature, Err: errors.New("invalid token")}
	}

	return nil
}

// DecodeUnsafe decodes the token payload without checking its signature or expiry.
// It reports false when the token cannot be parsed at all.
func (a *JWTAuthenticator) DecodeUnsafe(tokenString string, claims Claims) bool {
	if tokenString == "" {
		return false
	}

	_, _, err := jwt.NewParser().ParseUnverified(tokenString, claims)
	return err == nil
}
