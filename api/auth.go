/*
auth.go - Bearer token authentication

PURPOSE:
  Turns the Authorization header into a crm.Identity (company, employee,
  role) stored on the request context. Handlers never trust tenant or
  owner fields from request bodies; they read the identity instead.

TOKENS:
  HS256 JWTs signed with the configured secret. Claims:
    company_id, employee_id, role + registered claims (exp, iat, sub)

SEE ALSO:
  - server.go: middleware placement
  - crm/types.go: Identity and Role
*/
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/fieldops/crm-engine/crm"
)

// Claims is the JWT payload issued to CRM users.
type Claims struct {
	CompanyID  string `json:"company_id"`
	EmployeeID string `json:"employee_id"`
	Role       string `json:"role"`
	jwt.RegisteredClaims
}

// Authenticator issues and verifies tokens.
type Authenticator struct {
	Secret []byte
	TTL    time.Duration
	Now    func() time.Time
}

func NewAuthenticator(secret string, ttl time.Duration) *Authenticator {
	return &Authenticator{Secret: []byte(secret), TTL: ttl, Now: time.Now}
}

// IssueToken signs a token for the given identity.
func (a *Authenticator) IssueToken(id crm.Identity) (string, error) {
	now := a.Now()
	claims := &Claims{
		CompanyID:  string(id.CompanyID),
		EmployeeID: string(id.EmployeeID),
		Role:       string(id.Role),
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   string(id.EmployeeID),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(a.TTL)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(a.Secret)
}

// Verify parses a token and returns the identity it carries.
func (a *Authenticator) Verify(tokenStr string) (crm.Identity, error) {
	token, err := jwt.ParseWithClaims(tokenStr, &Claims{}, func(t *jwt.Token) (any, error) {
		return a.Secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithTimeFunc(a.Now))
	if err != nil {
		return crm.Identity{}, fmt.Errorf("invalid token: %w", err)
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return crm.Identity{}, errors.New("invalid token claims")
	}

	id := crm.Identity{
		CompanyID:  crm.CompanyID(claims.CompanyID),
		EmployeeID: crm.EmployeeID(claims.EmployeeID),
		Role:       crm.Role(claims.Role),
	}
	if id.CompanyID == "" || id.EmployeeID == "" {
		return crm.Identity{}, errors.New("token is missing company or employee")
	}
	switch id.Role {
	case crm.RoleOwner, crm.RoleManager, crm.RoleEmployee:
	default:
		return crm.Identity{}, fmt.Errorf("unknown role %q", claims.Role)
	}
	return id, nil
}

// Middleware rejects requests without a valid bearer token.
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		tokenStr, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || tokenStr == "" {
			writeError(w, http.StatusUnauthorized, "Missing bearer token", nil)
			return
		}

		id, err := a.Verify(tokenStr)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "Invalid token", err)
			return
		}

		ctx := withIdentity(r.Context(), id)
		ctx = crm.WithActor(ctx, id.EmployeeID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

type identityKey struct{}

func withIdentity(ctx context.Context, id crm.Identity) context.Context {
	return context.WithValue(ctx, identityKey{}, id)
}

// IdentityFrom returns the authenticated caller, if any.
func IdentityFrom(ctx context.Context) (crm.Identity, bool) {
	id, ok := ctx.Value(identityKey{}).(crm.Identity)
	return id, ok
}
