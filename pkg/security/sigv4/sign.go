package sigv4

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

const (
	Algorithm      = "AWS4-HMAC-SHA256"
	chunkAlgorithm = "AWS4-HMAC-SHA256-PAYLOAD"
	scopeTerminal  = "aws4_request"

	// EmptySHA256 is hex(sha256("")).
	EmptySHA256          = "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855"
	UnsignedPayloadHash  = "UNSIGNED-PAYLOAD"
	StreamingPayloadHash = "STREAMING-AWS4-HMAC-SHA256-PAYLOAD"

	signatureLen = 64
)

// Scope returns {date}/{region}/{service}/aws4_request.
func Scope(date, region, service string) string {
	return date + "/" + region + "/" + service + "/" + scopeTerminal
}

// StringToSign wraps the hash of a canonical request with the credential scope.
func StringToSign(t AmzDate, scope, canonicalRequest string) string {
	var b strings.Builder
	b.Grow(len(Algorithm) + len(amzDateLayout) + len(scope) + signatureLen + 3)
	b.WriteString(Algorithm)
	b.WriteByte('\n')
	b.WriteString(t.String())
	b.WriteByte('\n')
	b.WriteString(scope)
	b.WriteByte('\n')
	b.WriteString(sha256Hex([]byte(canonicalRequest)))
	return b.String()
}

// ChunkStringToSign chains one aws-chunked chunk to its predecessor. The
// previous signature takes the place of the canonical request hash, which is
// what makes reordering or replaying chunks detectable.
func ChunkStringToSign(t AmzDate, scope, prevSignature, chunkHash string) string {
	var b strings.Builder
	b.Grow(len(chunkAlgorithm) + len(amzDateLayout) + len(scope) + 3*signatureLen + 5)
	b.WriteString(chunkAlgorithm)
	b.WriteByte('\n')
	b.WriteString(t.String())
	b.WriteByte('\n')
	b.WriteString(scope)
	b.WriteByte('\n')
	b.WriteString(prevSignature)
	b.WriteByte('\n')
	b.WriteString(EmptySHA256)
	b.WriteByte('\n')
	b.WriteString(chunkHash)
	return b.String()
}

// SigningKey derives HMAC(HMAC(HMAC(HMAC("AWS4"+secret, date), region), service), "aws4_request").
// Intermediate keys are zeroed; the caller owns (and must Zero) the result.
func SigningKey(secret []byte, date, region, service string) []byte {
	seed := make([]byte, 0, 4+len(secret))
	seed = append(seed, "AWS4"...)
	seed = append(seed, secret...)
	kDate := hmacSHA256(seed, date)
	Zero(seed)
	kRegion := hmacSHA256(kDate, region)
	Zero(kDate)
	kService := hmacSHA256(kRegion, service)
	Zero(kRegion)
	kSigning := hmacSHA256(kService, scopeTerminal)
	Zero(kService)
	return kSigning
}

// Signature is the lowercase hex HMAC-SHA256 of stringToSign.
func Signature(signingKey []byte, stringToSign string) string {
	return hex.EncodeToString(hmacSHA256(signingKey, stringToSign))
}

// SignatureEqual compares two hex signatures in constant time.
func SignatureEqual(expected, got string) bool {
	if len(expected) != signatureLen || len(got) != signatureLen {
		return false
	}
	return hmac.Equal([]byte(expected), []byte(got))
}

// Zero overwrites b with zeros.
func Zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

func hmacSHA256(key []byte, data string) []byte {
	h := hmac.New(sha256.New, key)
	h.Write([]byte(data))
	return h.Sum(nil)
}

func sha256Hex(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

func isSignatureHex(s string) bool {
	if len(s) != signatureLen {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if !(c >= '0' && c <= '9') && !(c >= 'a' && c <= 'f') {
			return false
		}
	}
	return true
}
