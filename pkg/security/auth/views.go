package auth

import (
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"

	"s3gate/pkg/security/sigv4"
)

var (
	ErrDuplicateHeader = errors.New("auth: duplicate header")
	ErrDuplicateQuery  = errors.New("auth: duplicate query parameter")
	ErrMissingHeader   = errors.New("auth: signed header not present")
)

// DefaultHeaderFallback lets a signed "host" be satisfied by the HTTP/2
// :authority pseudo-header and vice versa.
var DefaultHeaderFallback = map[string]string{
	"host":       ":authority",
	":authority": "host",
}

type pair struct {
	name  string
	value string
}

// OrderedHeaders is a read-only view of the request headers, lower-cased and
// sorted by name. Values of a repeated header keep their wire order.
type OrderedHeaders struct {
	pairs []pair
}

// NewOrderedHeaders snapshots r's headers. net/http lifts Host and
// Content-Length out of the header map, so both are put back here.
func NewOrderedHeaders(r *http.Request) *OrderedHeaders {
	n := 2
	for _, vs := range r.Header {
		n += len(vs)
	}
	h := &OrderedHeaders{pairs: make([]pair, 0, n)}
	for k, vs := range r.Header {
		lk := strings.ToLower(k)
		for _, v := range vs {
			h.pairs = append(h.pairs, pair{name: lk, value: v})
		}
	}
	sort.SliceStable(h.pairs, func(i, j int) bool { return h.pairs[i].name < h.pairs[j].name })

	var extra []pair
	if r.Host != "" && !h.Has("host") {
		extra = append(extra, pair{name: "host", value: r.Host})
	}
	if r.ContentLength > 0 && !h.Has("content-length") {
		extra = append(extra, pair{name: "content-length", value: strconv.FormatInt(r.ContentLength, 10)})
	}
	if len(extra) > 0 {
		h.pairs = append(h.pairs, extra...)
		sort.SliceStable(h.pairs, func(i, j int) bool { return h.pairs[i].name < h.pairs[j].name })
	}
	return h
}

func (h *OrderedHeaders) search(name string) int {
	return sort.Search(len(h.pairs), func(i int) bool { return h.pairs[i].name >= name })
}

// Has reports whether at least one header called name is present.
func (h *OrderedHeaders) Has(name string) bool {
	i := h.search(name)
	return i < len(h.pairs) && h.pairs[i].name == name
}

// Get returns the first value of name.
func (h *OrderedHeaders) Get(name string) string {
	i := h.search(name)
	if i < len(h.pairs) && h.pairs[i].name == name {
		return h.pairs[i].value
	}
	return ""
}

// GetUnique returns the only value of name. A repeated header is an error.
func (h *OrderedHeaders) GetUnique(name string) (string, bool, error) {
	i := h.search(name)
	if i >= len(h.pairs) || h.pairs[i].name != name {
		return "", false, nil
	}
	if i+1 < len(h.pairs) && h.pairs[i+1].name == name {
		return "", false, fmt.Errorf("%w: %s", ErrDuplicateHeader, name)
	}
	return h.pairs[i].value, true, nil
}

func (h *OrderedHeaders) values(name string) []string {
	var out []string
	for i := h.search(name); i < len(h.pairs) && h.pairs[i].name == name; i++ {
		out = append(out, h.pairs[i].value)
	}
	return out
}

// FindMultiple returns the signed headers in the order given, ready for the
// canonical request. Repeated headers are joined with ','.
func (h *OrderedHeaders) FindMultiple(names []string, fallback map[string]string) ([]sigv4.Header, error) {
	out := make([]sigv4.Header, 0, len(names))
	for _, name := range names {
		vs := h.values(name)
		if len(vs) == 0 && fallback != nil {
			if alt, ok := fallback[name]; ok {
				vs = h.values(alt)
			}
		}
		if len(vs) == 0 {
			return nil, fmt.Errorf("%w: %s", ErrMissingHeader, name)
		}
		for i, v := range vs {
			vs[i] = canonicalHeaderValue(v)
		}
		out = append(out, sigv4.Header{Name: name, Value: strings.Join(vs, ",")})
	}
	return out, nil
}

// canonicalHeaderValue trims the value and collapses inner runs of spaces
// and tabs into a single space.
func canonicalHeaderValue(v string) string {
	v = strings.TrimSpace(v)
	if !strings.Contains(v, "  ") && !strings.ContainsRune(v, '\t') {
		return v
	}
	var b strings.Builder
	b.Grow(len(v))
	space := false
	for i := 0; i < len(v); i++ {
		c := v[i]
		if c == ' ' || c == '\t' {
			space = true
			continue
		}
		if space {
			b.WriteByte(' ')
			space = false
		}
		b.WriteByte(c)
	}
	return b.String()
}

// OrderedQuery is the decoded query string sorted by (name, value).
type OrderedQuery struct {
	pairs []pair
}

// NewOrderedQuery decodes rawQuery. Unlike url.ParseQuery it keeps ';'
// as an ordinary character and fails on any bad escape.
func NewOrderedQuery(rawQuery string) (*OrderedQuery, error) {
	q := &OrderedQuery{}
	for rawQuery != "" {
		var seg string
		seg, rawQuery, _ = strings.Cut(rawQuery, "&")
		if seg == "" {
			continue
		}
		k, v, _ := strings.Cut(seg, "=")
		name, err := url.QueryUnescape(k)
		if err != nil {
			return nil, fmt.Errorf("auth: invalid query parameter name: %w", err)
		}
		value, err := url.QueryUnescape(v)
		if err != nil {
			return nil, fmt.Errorf("auth: invalid value for query parameter %q: %w", name, err)
		}
		q.pairs = append(q.pairs, pair{name: name, value: value})
	}
	sort.Slice(q.pairs, func(i, j int) bool {
		if q.pairs[i].name != q.pairs[j].name {
			return q.pairs[i].name < q.pairs[j].name
		}
		return q.pairs[i].value < q.pairs[j].value
	})
	return q, nil
}

func (q *OrderedQuery) search(name string) int {
	return sort.Search(len(q.pairs), func(i int) bool { return q.pairs[i].name >= name })
}

func (q *OrderedQuery) Has(name string) bool {
	i := q.search(name)
	return i < len(q.pairs) && q.pairs[i].name == name
}

// GetUnique returns the only value of name; a repeated parameter is an error.
func (q *OrderedQuery) GetUnique(name string) (string, bool, error) {
	i := q.search(name)
	if i >= len(q.pairs) || q.pairs[i].name != name {
		return "", false, nil
	}
	if i+1 < len(q.pairs) && q.pairs[i+1].name == name {
		return "", false, fmt.Errorf("%w: %s", ErrDuplicateQuery, name)
	}
	return q.pairs[i].value, true, nil
}

// Pairs returns every parameter except the excluded names.
func (q *OrderedQuery) Pairs(excluding ...string) []sigv4.QueryParam {
	out := make([]sigv4.QueryParam, 0, len(q.pairs))
next:
	for _, p := range q.pairs {
		for _, ex := range excluding {
			if p.name == ex {
				continue next
			}
		}
		out = append(out, sigv4.QueryParam{Name: p.name, Value: p.value})
	}
	return out
}

// Values converts the view back to url.Values.
func (q *OrderedQuery) Values() url.Values {
	v := make(url.Values, len(q.pairs))
	for _, p := range q.pairs {
		v[p.name] = append(v[p.name], p.value)
	}
	return v
}
