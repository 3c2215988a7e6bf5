package auth

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"s3gate/pkg/security/sigv4"
)

func TestOrderedHeaders(t *testing.T) {
	r := httptest.NewRequest(http.MethodPut, "http://example.com/b/k", strings.NewReader("12345"))
	r.Header.Set("X-Amz-Date", "20250101T120000Z")
	r.Header.Add("X-Amz-Meta-List", "  a   b ")
	r.Header.Add("X-Amz-Meta-List", "c\t\td")
	r.Header.Set("Range", "bytes=0-9")

	h := NewOrderedHeaders(r)

	v, ok, err := h.GetUnique("host")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "example.com", v)

	v, ok, err = h.GetUnique("content-length")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "5", v)

	_, ok, err = h.GetUnique("authorization")
	assert.NoError(t, err)
	assert.False(t, ok)

	_, _, err = h.GetUnique("x-amz-meta-list")
	assert.ErrorIs(t, err, ErrDuplicateHeader)

	got, err := h.FindMultiple([]string{"content-length", "host", "x-amz-meta-list"}, nil)
	require.NoError(t, err)
	assert.Equal(t, []sigv4.Header{
		{Name: "content-length", Value: "5"},
		{Name: "host", Value: "example.com"},
		{Name: "x-amz-meta-list", Value: "a b,c d"},
	}, got)

	_, err = h.FindMultiple([]string{"x-missing"}, nil)
	assert.ErrorIs(t, err, ErrMissingHeader)
}

func TestOrderedHeaders_AuthorityFallback(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "http://example.com/", nil)
	r.Host = ""
	r.Header.Set(":authority", "h2.example.com")
	h := NewOrderedHeaders(r)

	got, err := h.FindMultiple([]string{"host"}, DefaultHeaderFallback)
	require.NoError(t, err)
	assert.Equal(t, []sigv4.Header{{Name: "host", Value: "h2.example.com"}}, got)

	_, err = h.FindMultiple([]string{"host"}, nil)
	assert.ErrorIs(t, err, ErrMissingHeader)
}

func TestOrderedQuery(t *testing.T) {
	q, err := NewOrderedQuery("b=2&a=2&a=1&empty&x=a%20b%2Bc&plus=a+b&semi=a;b")
	require.NoError(t, err)

	assert.True(t, q.Has("empty"))
	assert.False(t, q.Has("nope"))

	v, ok, err := q.GetUnique("x")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "a b+c", v)

	v, _, _ = q.GetUnique("plus")
	assert.Equal(t, "a b", v)
	v, _, _ = q.GetUnique("semi")
	assert.Equal(t, "a;b", v)

	_, _, err = q.GetUnique("a")
	assert.ErrorIs(t, err, ErrDuplicateQuery)

	assert.Equal(t, []sigv4.QueryParam{
		{Name: "a", Value: "1"},
		{Name: "a", Value: "2"},
		{Name: "b", Value: "2"},
		{Name: "empty", Value: ""},
		{Name: "semi", Value: "a;b"},
		{Name: "x", Value: "a b+c"},
	}, q.Pairs("plus"))

	assert.Equal(t, []string{"1", "2"}, q.Values()["a"])

	_, err = NewOrderedQuery("a=%G1")
	assert.Error(t, err)
}

func TestCanonicalHeaderValue(t *testing.T) {
	assert.Equal(t, "a b c", canonicalHeaderValue("  a  b \t c  "))
	assert.Equal(t, "plain", canonicalHeaderValue("plain"))
	assert.Equal(t, "", canonicalHeaderValue("   "))
}
