// Package auth verifies the bearer tokens presented to the settlement API.
// Tokens are HS256 JWTs whose subject is the caller's ledger account id; the
// role claim separates contract parties from the dispute arbiter.
package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

type contextKey string

const (
	contextKeyClaims contextKey = "jwt_claims"
)

// Role represents an authorized persona within the settlement system.
type Role string

// Supported roles.
const (
	RoleParty   Role = "party"
	RoleArbiter Role = "arbiter"
)

var allowedRoles = map[Role]struct{}{
	RoleParty:   {},
	RoleArbiter: {},
}

// Claims represents identity data extracted from the inbound request.
type Claims struct {
	Subject string
	Role    Role
}

// Authenticator validates bearer tokens and attaches claims to the request
// context.
type Authenticator struct {
	secret []byte
	leeway time.Duration
	now    func() time.Time
}

// New constructs an authenticator over a shared HS256 secret.
func New(secret string) (*Authenticator, error) {
	trimmed := strings.TrimSpace(secret)
	if trimmed == "" {
		return nil, errors.New("auth: signing secret required")
	}
	return &Authenticator{
		secret: []byte(trimmed),
		leeway: 30 * time.Second,
		now:    time.Now,
	}, nil
}

// SetNowFunc overrides the time source used for token validation.
func (a *Authenticator) SetNowFunc(now func() time.Time) {
	if now == nil {
		a.now = time.Now
		return
	}
	a.now = now
}

// Verify parses and validates a bearer token.
func (a *Authenticator) Verify(token string) (*Claims, error) {
	if a == nil {
		return nil, errors.New("auth: not configured")
	}
	claims := jwt.MapClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		return a.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithLeeway(a.leeway),
		jwt.WithTimeFunc(func() time.Time { return a.now() }),
	)
	if err != nil {
		return nil, err
	}
	if !parsed.Valid {
		return nil, errors.New("auth: token validation failed")
	}
	subject := ""
	if sub, ok := claims["sub"].(string); ok {
		subject = strings.TrimSpace(sub)
	}
	if subject == "" {
		return nil, errors.New("auth: token subject missing")
	}
	role := RoleParty
	if raw, ok := claims["role"].(string); ok && strings.TrimSpace(raw) != "" {
		role = Role(strings.ToLower(strings.TrimSpace(raw)))
	}
	if _, ok := allowedRoles[role]; !ok {
		return nil, fmt.Errorf("auth: role %q is not permitted", role)
	}
	return &Claims{Subject: subject, Role: role}, nil
}

// Token mints a signed token for the supplied subject and role. Used by tests
// and local tooling.
func (a *Authenticator) Token(subject string, role Role, ttl time.Duration) (string, error) {
	if a == nil {
		return "", errors.New("auth: not configured")
	}
	now := a.now()
	claims := jwt.MapClaims{
		"sub":  subject,
		"role": string(role),
		"iat":  now.Unix(),
		"exp":  now.Add(ttl).Unix(),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
}

// Middleware enforces bearer authentication before invoking the next handler.
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authz := strings.TrimSpace(r.Header.Get("Authorization"))
		if authz == "" {
			http.Error(w, "missing authorization", http.StatusUnauthorized)
			return
		}
		parts := strings.SplitN(authz, " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
			http.Error(w, "invalid authorization scheme", http.StatusUnauthorized)
			return
		}
		claims, err := a.Verify(strings.TrimSpace(parts[1]))
		if err != nil {
			http.Error(w, "invalid authorization token", http.StatusUnauthorized)
			return
		}
		ctx := context.WithValue(r.Context(), contextKeyClaims, claims)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// FromContext extracts the Claims previously attached by Middleware.
func FromContext(ctx context.Context) (*Claims, error) {
	if ctx == nil {
		return nil, errors.New("missing context")
	}
	if claims, ok := ctx.Value(contextKeyClaims).(*Claims); ok && claims != nil {
		return claims, nil
	}
	return nil, errors.New("missing identity in context")
}

// RequireRole ensures the authenticated caller has one of the allowed roles.
func RequireRole(roles ...Role) func(http.Handler) http.Handler {
	allowed := make(map[Role]struct{}, len(roles))
	for _, r := range roles {
		allowed[r] = struct{}{}
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			claims, err := FromContext(r.Context())
			if err != nil {
				http.Error(w, "missing identity", http.StatusUnauthorized)
				return
			}
			if _, ok := allowed[claims.Role]; !ok {
				http.Error(w, "insufficient role", http.StatusForbidden)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
