// Package sigv2 implements the legacy AWS Signature Version 2 scheme still
// used by old S3 clients: HMAC-SHA1 over a fixed set of request elements.
package sigv2

import (
	"crypto/hmac"
	"crypto/sha1"
	"crypto/subtle"
	"encoding/base64"
	"net/http"
	"net/url"
	"sort"
	"strings"
)

// subResources are the query parameters that take part in the canonical
// resource. Everything else in the query is ignored by V2.
var subResources = map[string]struct{}{
	"acl":                          {},
	"cors":                         {},
	"delete":                       {},
	"lifecycle":                    {},
	"location":                     {},
	"logging":                      {},
	"notification":                 {},
	"partNumber":                   {},
	"policy":                       {},
	"requestPayment":               {},
	"response-cache-control":       {},
	"response-content-disposition": {},
	"response-content-encoding":    {},
	"response-content-language":    {},
	"response-content-type":        {},
	"response-expires":             {},
	"restore":                      {},
	"tagging":                      {},
	"torrent":                      {},
	"uploadId":                     {},
	"uploads":                      {},
	"versionId":                    {},
	"versioning":                   {},
	"versions":                     {},
	"website":                      {},
}

// StringToSign builds
//
//	METHOD\nContent-MD5\nContent-Type\nDate\n<amz headers><resource>
//
// For presigned requests date is the Expires value.
func StringToSign(method, contentMD5, contentType, date, amzHeaders, resource string) string {
	var b strings.Builder
	b.Grow(len(method) + len(contentMD5) + len(contentType) + len(date) + len(amzHeaders) + len(resource) + 4)
	b.WriteString(method)
	b.WriteByte('\n')
	b.WriteString(contentMD5)
	b.WriteByte('\n')
	b.WriteString(contentType)
	b.WriteByte('\n')
	b.WriteString(date)
	b.WriteByte('\n')
	b.WriteString(amzHeaders)
	b.WriteString(resource)
	return b.String()
}

// CanonicalAmzHeaders renders every x-amz-* header as "name:v1,v2\n",
// names lower-cased and sorted. Whitespace runs inside a value fold to one
// space.
func CanonicalAmzHeaders(h http.Header) string {
	var names []string
	for k := range h {
		lk := strings.ToLower(k)
		if strings.HasPrefix(lk, "x-amz-") {
			names = append(names, k)
		}
	}
	if len(names) == 0 {
		return ""
	}
	sort.Slice(names, func(i, j int) bool { return strings.ToLower(names[i]) < strings.ToLower(names[j]) })

	var b strings.Builder
	for _, k := range names {
		vals := make([]string, len(h[k]))
		for i, v := range h[k] {
			vals[i] = strings.Join(strings.Fields(v), " ")
		}
		b.WriteString(strings.ToLower(k))
		b.WriteByte(':')
		b.WriteString(strings.Join(vals, ","))
		b.WriteByte('\n')
	}
	return b.String()
}

// CanonicalResource appends the sub-resources present in query to the
// escaped request path, e.g. "/bucket/key?partNumber=2&uploadId=x".
func CanonicalResource(escapedPath string, query url.Values) string {
	if escapedPath == "" {
		escapedPath = "/"
	}
	var keys []string
	for k := range query {
		if _, ok := subResources[k]; ok {
			keys = append(keys, k)
		}
	}
	if len(keys) == 0 {
		return escapedPath
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString(escapedPath)
	for i, k := range keys {
		if i == 0 {
			b.WriteByte('?')
		} else {
			b.WriteByte('&')
		}
		b.WriteString(k)
		if v := query.Get(k); v != "" {
			b.WriteByte('=')
			b.WriteString(v)
		}
	}
	return b.String()
}

// Signature returns base64(HMAC-SHA1(secret, stringToSign)).
func Signature(secret []byte, stringToSign string) string {
	h := hmac.New(sha1.New, secret)
	h.Write([]byte(stringToSign))
	return base64.StdEncoding.EncodeToString(h.Sum(nil))
}

// SignatureEqual compares two base64 signatures in constant time.
func SignatureEqual(expected, got string) bool {
	if len(expected) == 0 || len(expected) != len(got) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(expected), []byte(got)) == 1
}
