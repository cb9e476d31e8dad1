// Package auth mints and verifies the tokens that pair the capture agent
// and the overlay with the daemon. Tokens are HMAC-signed JWTs carrying a
// role claim; an empty secret disables auth entirely for local setups.
package auth

import (
	stderrors "errors"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/farepilot/farepilot/internal/errors"
)

// Role names a client kind. The feed socket is agent-only, the overlay
// socket and REST surface are overlay-only.
type Role string

const (
	RoleAgent   Role = "agent"
	RoleOverlay Role = "overlay"
)

const (
	// Issuer identifies tokens minted by this daemon.
	Issuer = "farepilot"

	// DefaultTTL is the pairing token lifetime. Pairing is a one-time
	// manual step, so tokens live long.
	DefaultTTL = 90 * 24 * time.Hour
)

// Claims is the validated identity of a connected client.
type Claims struct {
	Role      Role
	Subject   string
	ExpiresAt time.Time
}

type tokenClaims struct {
	jwt.RegisteredClaims
	Role string `json:"role"`
}

// Authenticator signs and verifies pairing tokens with a shared secret.
type Authenticator struct {
	secret []byte
	now    func() time.Time
}

// New creates an authenticator. An empty secret returns a disabled one
// that rejects minting and passes every request through the middleware.
func New(secret string) *Authenticator {
	a := &Authenticator{now: time.Now}
	if s := strings.TrimSpace(secret); s != "" {
		a.secret = []byte(s)
	}
	return a
}

// Enabled reports whether a signing secret is configured.
func (a *Authenticator) Enabled() bool {
	return len(a.secret) > 0
}

// Mint signs a token for the given role. A non-positive ttl uses
// DefaultTTL.
func (a *Authenticator) Mint(role Role, subject string, ttl time.Duration) (string, error) {
	if !a.Enabled() {
		return "", errors.New(errors.CodeAuthTokenInvalid, "auth secret is not configured")
	}
	if role != RoleAgent && role != RoleOverlay {
		return "", errors.Newf(errors.CodeAuthRoleDenied, "unknown role %q", role)
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	now := a.now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, tokenClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    Issuer,
			Subject:   subject,
			ID:        uuid.NewString(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		Role: string(role),
	})
	signed, err := token.SignedString(a.secret)
	if err != nil {
		return "", errors.Wrap(err, errors.CodeAuthTokenInvalid, "sign token")
	}
	return signed, nil
}

// Verify parses and validates a token and returns its claims.
func (a *Authenticator) Verify(token string) (Claims, error) {
	if !a.Enabled() {
		return Claims{}, errors.New(errors.CodeAuthTokenInvalid, "auth secret is not configured")
	}
	token = strings.TrimSpace(token)
	if token == "" {
		return Claims{}, errors.New(errors.CodeAuthTokenMissing, "token is required")
	}

	var parsed tokenClaims
	_, err := jwt.ParseWithClaims(token, &parsed, func(t *jwt.Token) (any, error) {
		return a.secret, nil
	},
		jwt.WithValidMethods([]string{"HS256"}),
		jwt.WithIssuer(Issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(a.now),
	)
	if err != nil {
		return Claims{}, mapJWTError(err)
	}

	role := Role(parsed.Role)
	if role != RoleAgent && role != RoleOverlay {
		return Claims{}, errors.Newf(errors.CodeAuthTokenInvalid, "token carries unknown role %q", parsed.Role)
	}
	claims := Claims{Role: role, Subject: parsed.Subject}
	if parsed.ExpiresAt != nil {
		claims.ExpiresAt = parsed.ExpiresAt.Time.UTC()
	}
	return claims, nil
}

// mapJWTError translates jwt library errors to application errors.
func mapJWTError(err error) error {
	switch {
	case stderrors.Is(err, jwt.ErrTokenExpired):
		return errors.New(errors.CodeAuthTokenInvalid, "token is expired")
	case stderrors.Is(err, jwt.ErrTokenSignatureInvalid):
		return errors.New(errors.CodeAuthTokenInvalid, "token signature is invalid")
	case stderrors.Is(err, jwt.ErrTokenUnverifiable):
		return errors.New(errors.CodeAuthTokenInvalid, "token alg is not allowed")
	default:
		return errors.New(errors.CodeAuthTokenInvalid, "token is invalid")
	}
}
