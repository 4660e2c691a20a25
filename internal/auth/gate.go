// Package auth implements the authentication gate: bearer token extraction,
// JWT verification against a shared HS256 secret, the role to permission
// mapping, and the public allow-list consulted before a credential is
// required.
package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// TokenHeader is the side-channel token header. When both carriers are
// present it takes priority over the Authorization header.
const TokenHeader = "X-API-Token"

var (
	ErrMissingToken   = errors.New("missing credential")
	ErrInvalidToken   = errors.New("invalid token")
	ErrExpiredToken   = errors.New("token expired")
	ErrMissingSubject = errors.New("missing subject claim")
)

// rolePermissions is the fixed role to default-permission mapping applied
// when a token carries no explicit permissions claim.
var rolePermissions = map[string][]string{
	"admin":  {"read", "write", "execute", "manage", "delete"},
	"user":   {"read", "write", "execute"},
	"viewer": {"read"},
}

// Credential is the decoded, verified identity derived from a bearer token.
// It is created per request and never persisted.
type Credential struct {
	Subject     string
	Role        string
	Permissions map[string]bool
	IssuedAt    time.Time
	ExpiresAt   time.Time
}

// HasPermission reports whether the credential carries the named permission.
func (c *Credential) HasPermission(perm string) bool {
	return c != nil && c.Permissions[perm]
}

// Claims is the JWT payload.
type Claims struct {
	Role        string   `json:"role,omitempty"`
	Permissions []string `json:"permissions,omitempty"`
	jwt.RegisteredClaims
}

// Gate verifies presented credentials. It is stateless: verification mutates
// nothing and returns only the decoded Credential.
type Gate struct {
	secret        []byte
	publicActions map[string]bool
}

// NewGate creates a gate with the given shared secret. publicActions is the
// set of tool actions exempt from authentication.
func NewGate(secret []byte, publicActions []string) *Gate {
	public := make(map[string]bool, len(publicActions))
	for _, a := range publicActions {
		public[a] = true
	}
	return &Gate{secret: secret, publicActions: public}
}

// IsPublicAction reports whether the named tool action is exempt from
// authentication.
func (g *Gate) IsPublicAction(action string) bool {
	return g.publicActions[action]
}

// TokenFromRequest extracts a bearer token from the request, preferring the
// side-channel header over the standard Authorization header. Returns the
// empty string when neither carrier is present.
func TokenFromRequest(r *http.Request) string {
	if token := r.Header.Get(TokenHeader); token != "" {
		return token
	}
	authHeader := r.Header.Get("Authorization")
	if strings.HasPrefix(authHeader, "Bearer ") {
		return strings.TrimPrefix(authHeader, "Bearer ")
	}
	return ""
}

// Verify validates the token signature and expiry and returns the decoded
// Credential. A structurally valid token without a subject claim is treated
// as untrusted and rejected.
func (g *Gate) Verify(tokenString string) (*Credential, error) {
	if tokenString == "" {
		return nil, ErrMissingToken
	}

	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return g.secret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpiredToken
		}
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !token.Valid {
		return nil, ErrInvalidToken
	}
	if claims.Subject == "" {
		return nil, ErrMissingSubject
	}

	role := claims.Role
	if role == "" {
		role = "user"
	}
	perms := make(map[string]bool)
	for _, p := range rolePermissions[role] {
		perms[p] = true
	}
	for _, p := range claims.Permissions {
		perms[p] = true
	}

	cred := &Credential{
		Subject:     claims.Subject,
		Role:        role,
		Permissions: perms,
	}
	if claims.IssuedAt != nil {
		cred.IssuedAt = claims.IssuedAt.Time
	}
	if claims.ExpiresAt != nil {
		cred.ExpiresAt = claims.ExpiresAt.Time
	}
	return cred, nil
}

// FailureMessage maps a verification error to the stable, sanitized message
// surfaced to callers.
func FailureMessage(err error) string {
	switch {
	case errors.Is(err, ErrMissingToken):
		return "missing credential"
	case errors.Is(err, ErrExpiredToken):
		return "token expired"
	case errors.Is(err, ErrMissingSubject):
		return "missing subject claim"
	default:
		return "invalid token"
	}
}

// IssueToken creates a signed JWT for the given subject and role. Used by
// the token CLI command and by tests.
func (g *Gate) IssueToken(subject, role string, ttl time.Duration) (string, error) {
	if subject == "" {
		return "", ErrMissingSubject
	}
	now := time.Now()
	claims := &Claims{
		Role: role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(g.secret)
}
