package sigv4

import (
	"sort"
	"strings"
)

// Header is a signed header as it enters the canonical request: lower-case
// name, value with surrounding whitespace trimmed and inner runs collapsed.
type Header struct {
	Name  string
	Value string
}

// QueryParam is a decoded query parameter.
type QueryParam struct {
	Name  string
	Value string
}

// PayloadKind selects how the last line of the canonical request is produced.
type PayloadKind uint8

const (
	PayloadEmpty PayloadKind = iota
	PayloadUnsigned
	PayloadSingleChunk
	PayloadMultipleChunks
)

// Payload describes the request body as far as signing is concerned.
type Payload struct {
	kind PayloadKind
	data []byte
}

// EmptyPayload is a request without a body; it hashes to EmptySHA256.
func EmptyPayload() Payload { return Payload{kind: PayloadEmpty} }

// UnsignedPayload signs the literal UNSIGNED-PAYLOAD instead of the body.
func UnsignedPayload() Payload { return Payload{kind: PayloadUnsigned} }

// MultipleChunksPayload marks an aws-chunked body whose chunks are signed
// individually.
func MultipleChunksPayload() Payload { return Payload{kind: PayloadMultipleChunks} }

// SingleChunkPayload hashes the complete body. data is not copied.
func SingleChunkPayload(data []byte) Payload {
	return Payload{kind: PayloadSingleChunk, data: data}
}

// Kind reports which of the payload forms p is.
func (p Payload) Kind() PayloadKind { return p.kind }

// Hash returns the payload line of the canonical request.
func (p Payload) Hash() string {
	switch p.kind {
	case PayloadUnsigned:
		return UnsignedPayloadHash
	case PayloadSingleChunk:
		return sha256Hex(p.data)
	case PayloadMultipleChunks:
		return StreamingPayloadHash
	default:
		return EmptySHA256
	}
}

// CanonicalRequest builds
//
//	METHOD\nURI\nQUERY\nHEADERS\n\nSIGNED_HEADERS\nPAYLOAD_HASH
//
// path and query are taken decoded and encoded here. headers must already be
// in the order of the SignedHeaders list.
func CanonicalRequest(method, path string, query []QueryParam, headers []Header, payload Payload) string {
	var b strings.Builder
	b.WriteString(method)
	b.WriteByte('\n')
	b.WriteString(canonicalURI(path))
	b.WriteByte('\n')
	b.WriteString(canonicalQuery(query))
	b.WriteByte('\n')
	for _, h := range headers {
		b.WriteString(h.Name)
		b.WriteByte(':')
		b.WriteString(h.Value)
		b.WriteByte('\n')
	}
	b.WriteByte('\n')
	for i, h := range headers {
		if i > 0 {
			b.WriteByte(';')
		}
		b.WriteString(h.Name)
	}
	b.WriteByte('\n')
	b.WriteString(payload.Hash())
	return b.String()
}

func canonicalURI(path string) string {
	if path == "" {
		return "/"
	}
	return uriEncode(path, false)
}

func canonicalQuery(query []QueryParam) string {
	if len(query) == 0 {
		return ""
	}
	enc := make([]QueryParam, len(query))
	for i, q := range query {
		enc[i] = QueryParam{Name: uriEncode(q.Name, true), Value: uriEncode(q.Value, true)}
	}
	sort.Slice(enc, func(i, j int) bool {
		if enc[i].Name != enc[j].Name {
			return enc[i].Name < enc[j].Name
		}
		return enc[i].Value < enc[j].Value
	})
	var b strings.Builder
	for i, q := range enc {
		if i > 0 {
			b.WriteByte('&')
		}
		b.WriteString(q.Name)
		b.WriteByte('=')
		b.WriteString(q.Value)
	}
	return b.String()
}

const upperhex = "0123456789ABCDEF"

// uriEncode applies the AWS flavour of RFC 3986 encoding: only unreserved
// characters pass through; '/' passes through unless encodeSlash is set.
func uriEncode(s string, encodeSlash bool) string {
	n := 0
	for i := 0; i < len(s); i++ {
		if !unreserved(s[i]) && (encodeSlash || s[i] != '/') {
			n++
		}
	}
	if n == 0 {
		return s
	}
	out := make([]byte, 0, len(s)+2*n)
	for i := 0; i < len(s); i++ {
		c := s[i]
		if unreserved(c) || (!encodeSlash && c == '/') {
			out = append(out, c)
			continue
		}
		out = append(out, '%', upperhex[c>>4], upperhex[c&15])
	}
	return string(out)
}

func unreserved(c byte) bool {
	return (c >= 'A' && c <= 'Z') || (c >= 'a' && c <= 'z') || (c >= '0' && c <= '9') ||
		c == '-' || c == '_' || c == '.' || c == '~'
}
