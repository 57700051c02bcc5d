package auth

import (
	"context"
	"net/http"
	"strings"

	"github.com/alecgard/dexy/internal/apierr"
	"golang.org/x/crypto/bcrypt"
)

type contextKey int

const (
	principalContextKey contextKey = iota
	adminContextKey
)

// ContextWithPrincipal returns a new context carrying the given principal.
func ContextWithPrincipal(ctx context.Context, p *Principal) context.Context {
	return context.WithValue(ctx, principalContextKey, p)
}

// PrincipalFromContext extracts the principal from the context, or nil if
// not present.
func PrincipalFromContext(ctx context.Context) *Principal {
	p, _ := ctx.Value(principalContextKey).(*Principal)
	return p
}

// IsAdmin reports whether the request was authorized with the admin key.
func IsAdmin(ctx context.Context) bool {
	v, _ := ctx.Value(adminContextKey).(bool)
	return v
}

// PrincipalAuthMiddleware authenticates requests using a credential in the
// Authorization header and injects the principal into the request context.
func PrincipalAuthMiddleware(svc *Service) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := BearerToken(r)
			if token == "" {
				writeUnauthorized(w, "missing or malformed authorization header")
				return
			}

			p, err := svc.Validate(r.Context(), token)
			if err != nil {
				writeUnauthorized(w, "invalid api key")
				return
			}

			next.ServeHTTP(w, r.WithContext(ContextWithPrincipal(r.Context(), p)))
		})
	}
}

// AdminAuthMiddleware checks the X-Admin-Key header (or a bearer token)
// against a bcrypt hash of the admin key. An empty hash disables admin
// routes entirely.
func AdminAuthMiddleware(adminKeyHash string) func(http.Handler) http.Handler {
	hash := []byte(adminKeyHash)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if len(hash) == 0 {
				apierr.Write(w, apierr.New(apierr.KindForbidden, "admin access is not configured"))
				return
			}

			key := r.Header.Get("X-Admin-Key")
			if key == "" {
				key = BearerToken(r)
			}
			if key == "" {
				writeUnauthorized(w, "missing admin key")
				return
			}
			if bcrypt.CompareHashAndPassword(hash, []byte(key)) != nil {
				writeUnauthorized(w, "invalid admin key")
				return
			}

			ctx := context.WithValue(r.Context(), adminContextKey, true)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// BearerToken returns the token from an "Authorization: Bearer" header, or
// the empty string.
func BearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if auth == "" {
		return ""
	}
	parts := strings.SplitN(auth, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

func writeUnauthorized(w http.ResponseWriter, message string) {
	apierr.Write(w, apierr.New(apierr.KindUnauthorized, message))
}
