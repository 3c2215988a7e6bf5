package sigv4

import (
	"strconv"
	"strings"
	"time"
)

const (
	// maxAuthLen bounds any single auth header or field we are willing to parse.
	maxAuthLen = 8 << 10
	// MaxPresignExpires is the longest validity AWS accepts for a presigned URL.
	MaxPresignExpires = 7 * 24 * time.Hour
)

// CredentialScope is the parsed Credential component:
// <access-key>/<YYYYMMDD>/<region>/<service>/aws4_request.
type CredentialScope struct {
	AccessKey string
	Date      string
	Region    string
	Service   string
}

// String returns the scope without the access key.
func (c CredentialScope) String() string {
	return Scope(c.Date, c.Region, c.Service)
}

// ParseCredential parses a Credential value from a header, query or form.
func ParseCredential(s string) (CredentialScope, error) {
	if err := checkText("credential", s); err != nil {
		return CredentialScope{}, err
	}
	parts := strings.Split(s, "/")
	if len(parts) != 5 {
		return CredentialScope{}, parseErr("credential", "want <key>/<date>/<region>/<service>/aws4_request")
	}
	if parts[4] != scopeTerminal {
		return CredentialScope{}, parseErr("credential", "scope must end with aws4_request")
	}
	for _, p := range parts[:4] {
		if p == "" || strings.ContainsAny(p, " ,;=") {
			return CredentialScope{}, parseErr("credential", "empty or invalid component")
		}
	}
	if err := parseScopeDate(parts[1]); err != nil {
		return CredentialScope{}, err
	}
	return CredentialScope{AccessKey: parts[0], Date: parts[1], Region: parts[2], Service: parts[3]}, nil
}

// Authorization is a parsed "AWS4-HMAC-SHA256 Credential=…, SignedHeaders=…, Signature=…" header.
type Authorization struct {
	Credential    CredentialScope
	SignedHeaders []string
	Signature     string
}

// ParseAuthorization parses a SigV4 Authorization header. The three
// components must appear in order; a comma may be followed by spaces; nothing
// may follow the signature.
func ParseAuthorization(s string) (Authorization, error) {
	if err := checkText("authorization", s); err != nil {
		return Authorization{}, err
	}
	alg, rest, ok := strings.Cut(s, " ")
	if !ok {
		return Authorization{}, parseErr("authorization", "missing credential")
	}
	if alg != Algorithm {
		return Authorization{}, ErrUnsupportedAlgorithm
	}
	rest = strings.TrimLeft(rest, " ")

	cred, rest, err := cutComponent(rest, "Credential=", true)
	if err != nil {
		return Authorization{}, err
	}
	signed, rest, err := cutComponent(rest, "SignedHeaders=", true)
	if err != nil {
		return Authorization{}, err
	}
	sig, _, err := cutComponent(rest, "Signature=", false)
	if err != nil {
		return Authorization{}, err
	}

	var a Authorization
	if a.Credential, err = ParseCredential(cred); err != nil {
		return Authorization{}, err
	}
	if a.SignedHeaders, err = ParseSignedHeaders(signed); err != nil {
		return Authorization{}, err
	}
	if !isSignatureHex(sig) {
		return Authorization{}, parseErr("signature", "want 64 lowercase hex characters")
	}
	a.Signature = sig
	return a, nil
}

func cutComponent(s, key string, more bool) (value, rest string, err error) {
	v, ok := strings.CutPrefix(s, key)
	if !ok {
		return "", "", parseErr("authorization", "expected "+strings.TrimSuffix(key, "="))
	}
	if !more {
		return v, "", nil
	}
	v, rest, ok = strings.Cut(v, ",")
	if !ok {
		return "", "", parseErr("authorization", "expected ',' after "+strings.TrimSuffix(key, "="))
	}
	return v, strings.TrimLeft(rest, " "), nil
}

// ParseSignedHeaders parses "h1;h2;…". Names must be lower-case, unique and
// sorted, which is what every conforming signer produces.
func ParseSignedHeaders(s string) ([]string, error) {
	if s == "" {
		return nil, parseErr("signed headers", "empty")
	}
	names := strings.Split(s, ";")
	for i, n := range names {
		if n == "" {
			return nil, parseErr("signed headers", "empty header name")
		}
		for j := 0; j < len(n); j++ {
			c := n[j]
			if c >= 'A' && c <= 'Z' || c <= ' ' || c >= 0x7f || c == ':' || c == ',' {
				return nil, parseErr("signed headers", "invalid header name")
			}
		}
		if i > 0 && names[i-1] >= n {
			return nil, parseErr("signed headers", "not sorted or duplicated")
		}
	}
	return names, nil
}

// QueryLookup is the part of the query view the presigned parser needs.
type QueryLookup interface {
	GetUnique(name string) (string, bool, error)
}

// PresignedURL holds the X-Amz-* query parameters of a presigned request.
type PresignedURL struct {
	Credential    CredentialScope
	AmzDate       AmzDate
	Expires       time.Duration
	SignedHeaders []string
	Signature     string
}

// ParsePresignedQuery parses the six mandatory presigned URL parameters.
func ParsePresignedQuery(q QueryLookup) (PresignedURL, error) {
	get := func(name string) (string, error) {
		v, ok, err := q.GetUnique(name)
		if err != nil {
			return "", parseErr(name, "duplicated")
		}
		if !ok || v == "" {
			return "", parseErr(name, "missing")
		}
		return v, checkText(name, v)
	}

	alg, err := get("X-Amz-Algorithm")
	if err != nil {
		return PresignedURL{}, err
	}
	if alg != Algorithm {
		return PresignedURL{}, ErrUnsupportedAlgorithm
	}
	var p PresignedURL
	cred, err := get("X-Amz-Credential")
	if err != nil {
		return PresignedURL{}, err
	}
	if p.Credential, err = ParseCredential(cred); err != nil {
		return PresignedURL{}, err
	}
	date, err := get("X-Amz-Date")
	if err != nil {
		return PresignedURL{}, err
	}
	if p.AmzDate, err = ParseAmzDate(date); err != nil {
		return PresignedURL{}, err
	}
	expires, err := get("X-Amz-Expires")
	if err != nil {
		return PresignedURL{}, err
	}
	if p.Expires, err = parseExpires(expires); err != nil {
		return PresignedURL{}, err
	}
	signed, err := get("X-Amz-SignedHeaders")
	if err != nil {
		return PresignedURL{}, err
	}
	if p.SignedHeaders, err = ParseSignedHeaders(signed); err != nil {
		return PresignedURL{}, err
	}
	if p.Signature, err = get("X-Amz-Signature"); err != nil {
		return PresignedURL{}, err
	}
	if !isSignatureHex(p.Signature) {
		return PresignedURL{}, parseErr("X-Amz-Signature", "want 64 lowercase hex characters")
	}
	return p, nil
}

func parseExpires(s string) (time.Duration, error) {
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return 0, parseErr("X-Amz-Expires", "not a positive integer")
		}
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil || n <= 0 {
		return 0, parseErr("X-Amz-Expires", "not a positive integer")
	}
	d := time.Duration(n) * time.Second
	if n > int64(MaxPresignExpires/time.Second) {
		return 0, parseErr("X-Amz-Expires", "exceeds seven days")
	}
	return d, nil
}

// checkText rejects empty, oversized and non-printable-ASCII input.
func checkText(field, s string) error {
	if s == "" {
		return parseErr(field, "empty")
	}
	if len(s) > maxAuthLen {
		return parseErr(field, "too long")
	}
	for i := 0; i < len(s); i++ {
		if s[i] < 0x20 || s[i] > 0x7e {
			return parseErr(field, "non-printable or non-ASCII character")
		}
	}
	return nil
}
