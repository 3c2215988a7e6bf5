package oidc

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeVerifier struct {
	wantToken string
	subj      *Subject
	err       error
}

func (f fakeVerifier) Verify(ctx context.Context, raw string) (*Subject, error) {
	if f.err != nil {
		return nil, f.err
	}
	if f.wantToken != "" && raw != f.wantToken {
		return nil, errors.New("bad token")
	}
	if f.subj != nil {
		return f.subj, nil
	}
	return &Subject{Subject: "subj"}, nil
}

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
}

func TestMiddleware(t *testing.T) {
	fv := fakeVerifier{wantToken: "t123", subj: &Subject{Subject: "alice"}}
	exempt := func(r *http.Request) bool { return r.URL.Path == "/admin/health" }
	h := Middleware(fv, exempt, nil)(okHandler())

	tests := []struct {
		name, path, authz string
		code              int
		subject           string
	}{
		{"exempt", "/admin/health", "", http.StatusOK, ""},
		{"missing", "/admin/keys", "", http.StatusUnauthorized, ""},
		{"basic scheme", "/admin/keys", "Basic dXNlcjpwYXNz", http.StatusUnauthorized, ""},
		{"empty bearer", "/admin/keys", "Bearer ", http.StatusUnauthorized, ""},
		{"wrong token", "/admin/keys", "Bearer nope", http.StatusUnauthorized, ""},
		{"valid", "/admin/keys", "Bearer t123", http.StatusOK, "alice"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, tc.path, nil)
			if tc.authz != "" {
				req.Header.Set("Authorization", tc.authz)
			}
			rr := httptest.NewRecorder()
			h.ServeHTTP(rr, req)
			assert.Equal(t, tc.code, rr.Code)
			assert.Equal(t, tc.subject, rr.Header().Get("X-Admin-Subject"))
			if tc.code == http.StatusUnauthorized {
				assert.NotEmpty(t, rr.Header().Get("WWW-Authenticate"))
			}
		})
	}
}

func TestDefaultAdminPolicy(t *testing.T) {
	p := DefaultAdminPolicy()
	assert.Equal(t, []string{"admin.read"}, p(httptest.NewRequest(http.MethodGet, "/admin/health", nil)))
	assert.Equal(t, []string{"admin.read"}, p(httptest.NewRequest(http.MethodGet, "/admin/version", nil)))
	assert.Equal(t, []string{"admin.keys", "admin.write"}, p(httptest.NewRequest(http.MethodGet, "/admin/keys", nil)))
	assert.Equal(t, []string{"admin.write"}, p(httptest.NewRequest(http.MethodPost, "/admin/other", nil)))
	assert.Nil(t, p(httptest.NewRequest(http.MethodGet, "/metrics", nil)))
}

func TestRBAC(t *testing.T) {
	h := RBAC(DefaultAdminPolicy())(okHandler())
	do := func(path string, subj *Subject) int {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		if subj != nil {
			req = req.WithContext(WithSubject(req.Context(), subj))
		}
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, req)
		return rr.Code
	}

	reader := &Subject{Subject: "r", Roles: []string{"admin.read"}}
	keyAdmin := &Subject{Subject: "k", Scopes: []string{"admin.keys"}}

	assert.Equal(t, http.StatusOK, do("/metrics", nil))
	assert.Equal(t, http.StatusForbidden, do("/admin/health", nil))
	assert.Equal(t, http.StatusOK, do("/admin/health", reader))
	assert.Equal(t, http.StatusForbidden, do("/admin/keys", reader))
	assert.Equal(t, http.StatusOK, do("/admin/keys", keyAdmin))
}

func TestClaimsSubject(t *testing.T) {
	var c claims
	c.Sub = "alice"
	c.Exp = 1700000000
	c.Aud = []any{"s3gate-admin", "other"}
	c.Roles = "admin.read admin.read"
	c.RealmAccess.Roles = []string{"admin.keys"}
	c.Scope = "openid  profile"
	c.Scp = []any{"admin.write", 7, " "}

	s := c.subject()
	assert.Equal(t, "alice", s.Subject)
	assert.Equal(t, "s3gate-admin", s.Audience)
	assert.Equal(t, []string{"admin.keys", "admin.read"}, s.Roles)
	assert.Equal(t, []string{"openid", "profile", "admin.write"}, s.Scopes)
	assert.Equal(t, int64(1700000000), s.ExpiresAt.Unix())
}

func TestNewVerifier_RequiresSource(t *testing.T) {
	_, err := NewVerifier(context.Background(), Config{ClientID: "x"})
	require.ErrorIs(t, err, ErrNotConfigured)

	v, err := NewVerifier(context.Background(), Config{JWKSURL: "http://127.0.0.1:1/keys", Audience: "s3gate"})
	require.NoError(t, err)
	_, err = v.Verify(context.Background(), "not-a-jwt")
	assert.Error(t, err)
}
