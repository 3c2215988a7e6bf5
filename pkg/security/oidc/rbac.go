package oidc

import (
	"net/http"
	"slices"
	"strings"
)

// Policy maps a request to the roles or scopes that may access it. An empty
// result means no check.
type Policy func(*http.Request) []string

// RBAC enforces policy against the Subject attached by Middleware.
func RBAC(policy Policy) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			var required []string
			if policy != nil {
				required = policy(r)
			}
			if len(required) == 0 {
				next.ServeHTTP(w, r)
				return
			}
			subj, ok := SubjectFromContext(r.Context())
			if !ok || !hasAny(subj, required) {
				http.Error(w, "forbidden", http.StatusForbidden)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// hasAny reports whether s holds at least one required role or scope.
func hasAny(s *Subject, required []string) bool {
	for _, req := range required {
		if slices.Contains(s.Roles, req) || slices.Contains(s.Scopes, req) {
			return true
		}
	}
	return false
}

// DefaultAdminPolicy requires "admin.keys" (or "admin.write") to list access
// keys and "admin.read" for every other GET under /admin/. Non-admin paths
// carry no requirement.
func DefaultAdminPolicy() Policy {
	return func(r *http.Request) []string {
		if !strings.HasPrefix(r.URL.Path, "/admin/") {
			return nil
		}
		switch {
		case r.URL.Path == "/admin/keys":
			return []string{"admin.keys", "admin.write"}
		case r.Method == http.MethodGet || r.Method == http.MethodHead:
			return []string{"admin.read"}
		}
		return []string{"admin.write"}
	}
}
