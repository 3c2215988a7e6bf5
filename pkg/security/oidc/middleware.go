// Package oidc guards the admin server with OIDC bearer tokens and a small
// role/scope policy.
package oidc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"strings"
	"time"

	gooidc "github.com/coreos/go-oidc/v3/oidc"
)

// Config selects how tokens are verified: discovery through Issuer, or a
// JWKSURL (optionally still pinned to Issuer). Audience, when set, replaces
// ClientID as the expected "aud".
type Config struct {
	Issuer   string
	ClientID string
	Audience string
	JWKSURL  string
}

var ErrNotConfigured = errors.New("oidc: either Issuer or JWKSURL must be provided")

// Verifier validates bearer tokens against the configured key set.
type Verifier struct {
	verifier *gooidc.IDTokenVerifier
}

// NewVerifier builds a token verifier. With an Issuer it performs discovery,
// which needs network access to the provider.
func NewVerifier(ctx context.Context, cfg Config) (*Verifier, error) {
	oc := &gooidc.Config{ClientID: cfg.Audience}
	if oc.ClientID == "" {
		oc.ClientID = cfg.ClientID
	}
	switch {
	case cfg.JWKSURL != "":
		ks := gooidc.NewRemoteKeySet(ctx, cfg.JWKSURL)
		if cfg.Issuer == "" {
			oc.SkipIssuerCheck = true
		}
		return &Verifier{verifier: gooidc.NewVerifier(cfg.Issuer, ks, oc)}, nil
	case cfg.Issuer != "":
		provider, err := gooidc.NewProvider(ctx, cfg.Issuer)
		if err != nil {
			return nil, fmt.Errorf("oidc: provider discovery failed: %w", err)
		}
		return &Verifier{verifier: provider.Verifier(oc)}, nil
	}
	return nil, ErrNotConfigured
}

// Subject holds verified identity fields extracted from the token.
type Subject struct {
	Subject   string
	Issuer    string
	Audience  string
	ExpiresAt time.Time
	Roles     []string
	Scopes    []string
}

type claims struct {
	Exp         int64  `json:"exp"`
	Sub         string `json:"sub"`
	Iss         string `json:"iss"`
	Aud         any    `json:"aud"`
	Roles       any    `json:"roles"`
	Scope       string `json:"scope"`
	Scp         any    `json:"scp"`
	RealmAccess struct {
		Roles []string `json:"roles"`
	} `json:"realm_access"`
}

// Verify validates rawToken and returns its subject.
func (v *Verifier) Verify(ctx context.Context, rawToken string) (*Subject, error) {
	if v == nil || v.verifier == nil {
		return nil, errors.New("oidc: verifier not initialized")
	}
	idt, err := v.verifier.Verify(ctx, rawToken)
	if err != nil {
		return nil, fmt.Errorf("oidc: token verification failed: %w", err)
	}
	var c claims
	if err := idt.Claims(&c); err != nil {
		return nil, fmt.Errorf("oidc: parse claims: %w", err)
	}
	return c.subject(), nil
}

func (c claims) subject() *Subject {
	s := &Subject{
		Subject:   c.Sub,
		Issuer:    c.Iss,
		ExpiresAt: time.Unix(c.Exp, 0).UTC(),
	}
	if aud := stringList(c.Aud); len(aud) > 0 {
		s.Audience = aud[0]
	}
	// roles may sit at the top level or under Keycloak's realm_access
	roles := append(stringList(c.Roles), c.RealmAccess.Roles...)
	slices.Sort(roles)
	s.Roles = slices.Compact(roles)
	s.Scopes = append(strings.Fields(c.Scope), stringList(c.Scp)...)
	return s
}

// stringList accepts the shapes IdPs use for list claims: an array, or a
// single space-separated string.
func stringList(v any) []string {
	var out []string
	switch t := v.(type) {
	case string:
		out = strings.Fields(t)
	case []string:
		out = t
	case []any:
		for _, e := range t {
			if s, ok := e.(string); ok {
				out = append(out, s)
			}
		}
	}
	trimmed := out[:0:0]
	for _, s := range out {
		if s = strings.TrimSpace(s); s != "" {
			trimmed = append(trimmed, s)
		}
	}
	return trimmed
}

// TokenVerifier is implemented by *Verifier and by test fakes.
type TokenVerifier interface {
	Verify(ctx context.Context, rawToken string) (*Subject, error)
}

type contextKey string

const subjectContextKey contextKey = "oidcSubject"

func WithSubject(ctx context.Context, s *Subject) context.Context {
	if s == nil {
		return ctx
	}
	return context.WithValue(ctx, subjectContextKey, s)
}

func SubjectFromContext(ctx context.Context) (*Subject, bool) {
	s, ok := ctx.Value(subjectContextKey).(*Subject)
	return s, ok && s != nil
}

// Middleware requires "Authorization: Bearer <token>" on every request not
// matched by exempt. The verified subject is placed in the context and echoed
// in X-Admin-Subject; failures get a bare 401.
func Middleware(v TokenVerifier, exempt func(*http.Request) bool, logger *slog.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if exempt != nil && exempt(r) {
				next.ServeHTTP(w, r)
				return
			}
			raw, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
			if !ok || strings.TrimSpace(raw) == "" {
				w.Header().Set("WWW-Authenticate", "Bearer")
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}
			subj, err := v.Verify(r.Context(), strings.TrimSpace(raw))
			if err != nil {
				logger.Info("admin: bearer token rejected",
					slog.String("path", r.URL.Path),
					slog.String("error", err.Error()),
				)
				w.Header().Set("WWW-Authenticate", `Bearer error="invalid_token"`)
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}
			ctx := r.Context()
			if subj != nil {
				w.Header().Set("X-Admin-Subject", subj.Subject)
				ctx = WithSubject(ctx, subj)
			}
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
