package auth

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"strings"

	"s3gate/pkg/security/sigv4"
)

// ErrNotSignedUp is returned by a SecretKeyProvider for an unknown access key.
var ErrNotSignedUp = errors.New("auth: unknown access key")

// SecretKey holds secret key bytes. It never prints its contents and must be
// wiped by whoever owns it.
type SecretKey struct {
	b []byte
}

// NewSecretKey copies s into a fresh SecretKey.
func NewSecretKey(s string) *SecretKey {
	return &SecretKey{b: []byte(s)}
}

// Bytes exposes the key. The slice is zeroed by Wipe.
func (k *SecretKey) Bytes() []byte {
	if k == nil {
		return nil
	}
	return k.b
}

// Wipe zeroes the key. Safe to call more than once and on nil.
func (k *SecretKey) Wipe() {
	if k == nil {
		return
	}
	sigv4.Zero(k.b)
	k.b = nil
}

func (k *SecretKey) String() string   { return "[redacted]" }
func (k *SecretKey) GoString() string { return "[redacted]" }

func (k *SecretKey) LogValue() slog.Value { return slog.StringValue("[redacted]") }

// SecretKeyProvider resolves an access key id to its secret. The caller owns
// the returned key and wipes it.
type SecretKeyProvider interface {
	GetSecretKey(ctx context.Context, accessKey string) (*SecretKey, error)
}

// AccessKey is a static access/secret key pair with an optional user label.
type AccessKey struct {
	AccessKey string
	SecretKey string
	User      string
}

type staticCred struct {
	secret string
	user   string
}

// StaticStore is an in-memory SecretKeyProvider. It is read-only after
// construction and safe for concurrent use.
type StaticStore struct {
	creds map[string]staticCred
}

// NewStaticStore builds a StaticStore, skipping entries with an empty key or secret.
func NewStaticStore(keys []AccessKey) *StaticStore {
	m := make(map[string]staticCred, len(keys))
	for _, k := range keys {
		ak := strings.TrimSpace(k.AccessKey)
		sk := strings.TrimSpace(k.SecretKey)
		if ak == "" || sk == "" {
			continue
		}
		m[ak] = staticCred{secret: sk, user: strings.TrimSpace(k.User)}
	}
	return &StaticStore{creds: m}
}

// GetSecretKey implements SecretKeyProvider.
func (s *StaticStore) GetSecretKey(_ context.Context, accessKey string) (*SecretKey, error) {
	if s == nil {
		return nil, ErrNotSignedUp
	}
	c, ok := s.creds[accessKey]
	if !ok {
		return nil, ErrNotSignedUp
	}
	return NewSecretKey(c.secret), nil
}

// User returns the label configured for accessKey.
func (s *StaticStore) User(accessKey string) (string, bool) {
	if s == nil {
		return "", false
	}
	c, ok := s.creds[accessKey]
	return c.user, ok
}

// KeyInfo describes a configured key without its secret.
type KeyInfo struct {
	AccessKey string `json:"accessKey"`
	User      string `json:"user,omitempty"`
}

// Keys lists the configured access keys sorted by id.
func (s *StaticStore) Keys() []KeyInfo {
	if s == nil {
		return nil
	}
	out := make([]KeyInfo, 0, len(s.creds))
	for ak, c := range s.creds {
		out = append(out, KeyInfo{AccessKey: ak, User: c.user})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AccessKey < out[j].AccessKey })
	return out
}

// Credentials is the verified identity of a signed request.
type Credentials struct {
	AccessKey string
	SecretKey *SecretKey
	Region    string
	Service   string
	Scheme    Scheme
}

// Wipe drops the secret key.
func (c *Credentials) Wipe() {
	if c != nil {
		c.SecretKey.Wipe()
	}
}

func (c *Credentials) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("access_key", c.AccessKey),
		slog.String("region", c.Region),
		slog.String("service", c.Service),
		slog.String("scheme", c.Scheme.String()),
	)
}
