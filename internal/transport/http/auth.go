package http

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// ServiceRole is the role claim that unlocks the admin endpoints.
const ServiceRole = "service_role"

type contextKey string

const claimsContextKey = contextKey("claims")

// Claims are the fields read from identity-provider tokens.
type Claims struct {
	Email string `json:"email,omitempty"`
	Role  string `json:"role,omitempty"`
	jwt.RegisteredClaims
}

// Authenticator verifies HS256 tokens signed with the identity provider's secret.
type Authenticator struct {
	secret []byte
	issuer string
}

func NewAuthenticator(secret, issuer string) *Authenticator {
	return &Authenticator{secret: []byte(secret), issuer: issuer}
}

func (a *Authenticator) Verify(tokenString string) (*Claims, error) {
	if len(a.secret) == 0 {
		return nil, errors.New("token verification is not configured")
	}
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
	}
	if a.issuer != "" {
		opts = append(opts, jwt.WithIssuer(a.issuer))
	}
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(*jwt.Token) (interface{}, error) {
		return a.secret, nil
	}, opts...)
	if err != nil {
		return nil, err
	}
	if !token.Valid {
		return nil, errors.New("invalid token")
	}
	return claims, nil
}

// RequireUser admits requests carrying a valid token with a subject.
func (a *Authenticator) RequireUser(next http.Handler) http.Handler {
	return a.middleware(func(c *Claims) bool { return c.Subject != "" }, next)
}

// RequireServiceRole admits only service-role tokens.
func (a *Authenticator) RequireServiceRole(next http.Handler) http.Handler {
	return a.middleware(func(c *Claims) bool { return c.Role == ServiceRole }, next)
}

func (a *Authenticator) middleware(allow func(*Claims) bool, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authHeader := r.Header.Get("Authorization")
		tokenString := strings.TrimPrefix(authHeader, "Bearer ")
		if authHeader == "" || tokenString == authHeader {
			respondError(w, http.StatusUnauthorized, "missing_token")
			return
		}
		claims, err := a.Verify(tokenString)
		if err != nil {
			respondError(w, http.StatusUnauthorized, "invalid_token")
			return
		}
		if !allow(claims) {
			respondError(w, http.StatusForbidden, "forbidden")
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), claimsContextKey, claims)))
	})
}

func claimsFrom(ctx context.Context) *Claims {
	c, _ := ctx.Value(claimsContextKey).(*Claims)
	if c == nil {
		return &Claims{}
	}
	return c
}
