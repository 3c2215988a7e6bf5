package sigv4

import (
	"encoding/base64"
	"strings"
)

// PostFields looks up a multipart form field by name. Implementations decide
// case sensitivity; ParsePostPolicy tries the canonical spelling first.
type PostFields interface {
	Get(name string) (string, bool)
}

// FormFields is the simplest PostFields: a map keyed by lower-cased name.
type FormFields map[string]string

// Get matches name case-insensitively.
func (f FormFields) Get(name string) (string, bool) {
	v, ok := f[strings.ToLower(name)]
	return v, ok
}

// PostPolicy is the signing material of a browser POST upload.
type PostPolicy struct {
	// Policy is the base64 policy document exactly as submitted. It is also
	// the string to sign.
	Policy     string
	Credential CredentialScope
	AmzDate    AmzDate
	Signature  string
}

// Document decodes the policy. ParsePostPolicy has already validated it.
func (p PostPolicy) Document() []byte {
	b, _ := base64.StdEncoding.DecodeString(p.Policy)
	return b
}

// ParsePostPolicy extracts the five signing fields of a POST policy upload.
// A non-SigV4 algorithm yields ErrUnsupportedAlgorithm.
func ParsePostPolicy(fields PostFields) (PostPolicy, error) {
	get := func(name string) (string, error) {
		v, ok := fields.Get(name)
		if !ok || v == "" {
			return "", parseErr(name, "missing form field")
		}
		return v, checkText(name, v)
	}

	alg, err := get("x-amz-algorithm")
	if err != nil {
		return PostPolicy{}, err
	}
	if alg != Algorithm {
		return PostPolicy{}, ErrUnsupportedAlgorithm
	}

	var p PostPolicy
	if p.Policy, err = getPolicy(fields); err != nil {
		return PostPolicy{}, err
	}
	if _, err := base64.StdEncoding.DecodeString(p.Policy); err != nil {
		return PostPolicy{}, parseErr("policy", "not valid base64")
	}
	cred, err := get("x-amz-credential")
	if err != nil {
		return PostPolicy{}, err
	}
	if p.Credential, err = ParseCredential(cred); err != nil {
		return PostPolicy{}, err
	}
	date, err := get("x-amz-date")
	if err != nil {
		return PostPolicy{}, err
	}
	if p.AmzDate, err = ParseAmzDate(date); err != nil {
		return PostPolicy{}, err
	}
	if p.Signature, err = get("x-amz-signature"); err != nil {
		return PostPolicy{}, err
	}
	if !isSignatureHex(p.Signature) {
		return PostPolicy{}, parseErr("x-amz-signature", "want 64 lowercase hex characters")
	}
	return p, nil
}

// policy documents routinely exceed the header-sized limit, so only the
// character set is checked here.
func getPolicy(fields PostFields) (string, error) {
	v, ok := fields.Get("policy")
	if !ok || v == "" {
		return "", parseErr("policy", "missing form field")
	}
	for i := 0; i < len(v); i++ {
		if v[i] < 0x20 || v[i] > 0x7e {
			if v[i] == '\r' || v[i] == '\n' {
				continue
			}
			return "", parseErr("policy", "non-printable or non-ASCII character")
		}
	}
	return v, nil
}
