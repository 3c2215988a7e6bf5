package sigv2

import (
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

const (
	// Prefix introduces a V2 Authorization header.
	Prefix = "AWS "

	maxAuthLen = 8 << 10
	// base64 of a 20-byte SHA-1 MAC
	signatureLen = 28
)

// ErrMalformed is matched by every parse failure in this package.
var ErrMalformed = errors.New("sigv2: malformed input")

func malformed(field, reason string) error {
	return fmt.Errorf("%w: %s: %s", ErrMalformed, field, reason)
}

// Authorization is a parsed "AWS <access-key>:<signature>" header.
type Authorization struct {
	AccessKey string
	Signature string
}

// ParseAuthorization splits an "AWS <access-key>:<signature>" header. The
// signature must be base64 of a 20-byte HMAC-SHA1.
func ParseAuthorization(s string) (Authorization, error) {
	if err := checkText("authorization", s); err != nil {
		return Authorization{}, err
	}
	rest, ok := strings.CutPrefix(s, Prefix)
	if !ok {
		return Authorization{}, malformed("authorization", "missing AWS prefix")
	}
	ak, sig, ok := strings.Cut(rest, ":")
	if !ok || ak == "" || strings.ContainsAny(ak, " :") {
		return Authorization{}, malformed("authorization", "want AWS <access-key>:<signature>")
	}
	if err := checkSignature(sig); err != nil {
		return Authorization{}, err
	}
	return Authorization{AccessKey: ak, Signature: sig}, nil
}

// QueryLookup is the part of the query view the presigned parser needs.
type QueryLookup interface {
	GetUnique(name string) (string, bool, error)
}

// PresignedURL holds the query parameters of a V2 presigned request.
type PresignedURL struct {
	AccessKey string
	Signature string
	// ExpiresRaw is the value as it enters the string to sign.
	ExpiresRaw string
	Expires    time.Time
}

// ParsePresignedQuery reads AWSAccessKeyId, Signature and Expires (unix
// seconds). Each must appear exactly once.
func ParsePresignedQuery(q QueryLookup) (PresignedURL, error) {
	get := func(name string) (string, error) {
		v, ok, err := q.GetUnique(name)
		if err != nil {
			return "", malformed(name, "duplicated")
		}
		if !ok {
			return "", malformed(name, "missing")
		}
		return v, checkText(name, v)
	}

	var p PresignedURL
	var err error
	if p.AccessKey, err = get("AWSAccessKeyId"); err != nil {
		return PresignedURL{}, err
	}
	if p.Signature, err = get("Signature"); err != nil {
		return PresignedURL{}, err
	}
	if err := checkSignature(p.Signature); err != nil {
		return PresignedURL{}, err
	}
	if p.ExpiresRaw, err = get("Expires"); err != nil {
		return PresignedURL{}, err
	}
	for i := 0; i < len(p.ExpiresRaw); i++ {
		if p.ExpiresRaw[i] < '0' || p.ExpiresRaw[i] > '9' {
			return PresignedURL{}, malformed("Expires", "not unix seconds")
		}
	}
	secs, err := strconv.ParseInt(p.ExpiresRaw, 10, 64)
	if err != nil {
		return PresignedURL{}, malformed("Expires", "not unix seconds")
	}
	p.Expires = time.Unix(secs, 0).UTC()
	return p, nil
}

func checkSignature(sig string) error {
	if len(sig) != signatureLen {
		return malformed("signature", "wrong length")
	}
	if _, err := base64.StdEncoding.DecodeString(sig); err != nil {
		return malformed("signature", "not base64")
	}
	return nil
}

func checkText(field, s string) error {
	if s == "" {
		return malformed(field, "empty")
	}
	if len(s) > maxAuthLen {
		return malformed(field, "too long")
	}
	for i := 0; i < len(s); i++ {
		if s[i] < 0x20 || s[i] > 0x7e {
			return malformed(field, "non-printable or non-ASCII character")
		}
	}
	return nil
}
