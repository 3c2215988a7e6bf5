package auth

import (
	"bytes"
	"context"
	"encoding/xml"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"s3gate/pkg/security/sigv4"
)

type recordingObserver struct {
	mu     sync.Mutex
	checks []string
	chunks int
}

func (o *recordingObserver) ObserveCheck(scheme, result string, _ time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.checks = append(o.checks, scheme+"/"+result)
}

func (o *recordingObserver) ObserveChunk(_ int, err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if err == nil {
		o.chunks++
	}
}

func TestMiddleware_Success(t *testing.T) {
	withFixedNow(t, signedAt)
	p := newProvider()
	obs := &recordingObserver{}
	v := NewVerifier(Options{Provider: p}, WithObserver(obs))

	var seen *Credentials
	h := v.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = CredentialsFromContext(r.Context())
		require.NotNil(t, seen)
		assert.Equal(t, testSecret, string(seen.SecretKey.Bytes()))
		w.WriteHeader(http.StatusNoContent)
	}))

	r := httptest.NewRequest(http.MethodGet, "http://example.com/bucket/key", nil)
	signV4(t, r, sigv4.EmptySHA256, signedAt)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, r)

	assert.Equal(t, http.StatusNoContent, rr.Code)
	require.NotNil(t, seen)
	assert.Equal(t, testAK, seen.AccessKey)
	assert.Nil(t, seen.SecretKey.Bytes(), "key wiped after the handler returns")
	assert.Equal(t, []string{"v4-header/ok"}, obs.checks)
}

func TestMiddleware_RejectsWithXMLError(t *testing.T) {
	withFixedNow(t, signedAt)
	var logs bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&logs, nil))
	obs := &recordingObserver{}
	v := NewVerifier(Options{Provider: newProvider()}, WithLogger(logger), WithObserver(obs))
	h := v.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("handler must not run")
	}))

	r := httptest.NewRequest(http.MethodGet, "http://example.com/bucket/key", nil)
	signV4(t, r, sigv4.EmptySHA256, signedAt)
	authz := r.Header.Get("Authorization")
	r.Header.Set("Authorization", authz[:len(authz)-1]+"x")
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, r)

	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Equal(t, "application/xml", rr.Header().Get("Content-Type"))
	assert.NotEmpty(t, rr.Header().Get("x-amz-request-id"))

	var body errorBody
	require.NoError(t, xml.Unmarshal(rr.Body.Bytes(), &body))
	assert.Equal(t, "InvalidRequest", body.Code)
	assert.Equal(t, "/bucket/key", body.Resource)
	assert.Equal(t, rr.Header().Get("x-amz-request-id"), body.RequestID)

	assert.Contains(t, logs.String(), "auth: request rejected")
	assert.NotContains(t, logs.String(), testSecret)
	assert.Equal(t, []string{"v4-header/InvalidRequest"}, obs.checks)
}

func TestMiddleware_Anonymous(t *testing.T) {
	called := false
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
		assert.Nil(t, CredentialsFromContext(r.Context()))
	})

	rr := httptest.NewRecorder()
	NewVerifier(Options{Provider: newProvider()}).Middleware(next).
		ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "http://example.com/bucket/key", nil))
	assert.Equal(t, http.StatusForbidden, rr.Code)
	assert.False(t, called)
	assert.Contains(t, rr.Body.String(), "<Code>AccessDenied</Code>")

	rr = httptest.NewRecorder()
	NewVerifier(Options{Provider: newProvider()}, WithAnonymous(true)).Middleware(next).
		ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "http://example.com/bucket/key", nil))
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.True(t, called)
}

func TestMiddleware_Exempt(t *testing.T) {
	v := NewVerifier(Options{Provider: newProvider()}, WithExempt(func(r *http.Request) bool {
		return strings.HasPrefix(r.URL.Path, "/healthz")
	}))
	rr := httptest.NewRecorder()
	v.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})).ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "http://example.com/healthz", nil))
	assert.Equal(t, http.StatusOK, rr.Code)
}

func TestMiddleware_StreamingBodyAndPostForm(t *testing.T) {
	withFixedNow(t, signedAt)
	obs := &recordingObserver{}
	v := NewVerifier(Options{Provider: newProvider()}, WithObserver(obs))

	payload := bytes.Repeat([]byte("z"), 2100)
	var got []byte
	h := v.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var err error
		buf := new(bytes.Buffer)
		_, err = buf.ReadFrom(r.Body)
		require.NoError(t, err)
		got = buf.Bytes()
	}))
	h.ServeHTTP(httptest.NewRecorder(), streamingRequest(t, payload, true))
	assert.Equal(t, payload, got)
	assert.Equal(t, 4, obs.chunks, "three data chunks and the terminator")

	var form *PostForm
	h = v.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		form = PostFormFromContext(r.Context())
	}))
	h.ServeHTTP(httptest.NewRecorder(), postPolicyRequest(t, policyFields(), true))
	require.NotNil(t, form)
	assert.Equal(t, "uploads/hello.txt", form.Key())
}

func TestWriteError(t *testing.T) {
	r := httptest.NewRequest(http.MethodHead, "http://example.com/b/k", nil)
	rr := httptest.NewRecorder()
	WriteError(rr, r, newError(CodeMissingContentLength, "x", nil))
	assert.Equal(t, http.StatusLengthRequired, rr.Code)
	assert.Empty(t, rr.Body.String())

	r = httptest.NewRequest(http.MethodGet, "http://example.com/b/k", nil)
	rr = httptest.NewRecorder()
	WriteError(rr, r, errors.New("disk on fire"))
	assert.Equal(t, http.StatusInternalServerError, rr.Code)
	assert.Contains(t, rr.Body.String(), "<Code>InternalError</Code>")
	assert.NotContains(t, rr.Body.String(), "disk on fire")
}

func TestErrorStatus(t *testing.T) {
	for code, status := range map[Code]int{
		CodeSignatureDoesNotMatch: 403,
		CodeAccessDenied:          403,
		CodeRequestTimeTooSkewed:  403,
		CodeInvalidRequest:        400,
		CodeMalformedPOSTRequest:  400,
		CodeMissingContentLength:  411,
		CodeNotImplemented:        501,
		CodeNotSignedUp:           403,
		CodeInternalError:         500,
		Code("Bogus"):             500,
	} {
		assert.Equal(t, status, (&Error{Code: code}).HTTPStatus(), code)
	}
}

func TestSecretKeyNeverPrinted(t *testing.T) {
	k := NewSecretKey(testSecret)
	var logs bytes.Buffer
	slog.New(slog.NewJSONHandler(&logs, nil)).Info("key", slog.Any("secret", k))
	assert.NotContains(t, logs.String(), testSecret)
	assert.Contains(t, logs.String(), "[redacted]")

	creds := &Credentials{AccessKey: testAK, SecretKey: k, Scheme: SchemeV4Header}
	logs.Reset()
	slog.New(slog.NewTextHandler(&logs, nil)).Info("creds", slog.Any("creds", creds))
	assert.NotContains(t, logs.String(), testSecret)
	assert.Contains(t, logs.String(), testAK)

	creds.Wipe()
	assert.Nil(t, k.Bytes())
	k.Wipe()
}

func TestStaticStore(t *testing.T) {
	s := NewStaticStore([]AccessKey{
		{AccessKey: " b ", SecretKey: "sb", User: "bob"},
		{AccessKey: "a", SecretKey: "sa"},
		{AccessKey: "empty", SecretKey: ""},
	})
	k, err := s.GetSecretKey(context.Background(), "b")
	require.NoError(t, err)
	assert.Equal(t, "sb", string(k.Bytes()))

	// every call hands out a fresh copy
	k.Wipe()
	k2, err := s.GetSecretKey(context.Background(), "b")
	require.NoError(t, err)
	assert.Equal(t, "sb", string(k2.Bytes()))

	_, err = s.GetSecretKey(context.Background(), "empty")
	assert.ErrorIs(t, err, ErrNotSignedUp)

	assert.Equal(t, []KeyInfo{{AccessKey: "a"}, {AccessKey: "b", User: "bob"}}, s.Keys())
	u, ok := s.User("b")
	assert.True(t, ok)
	assert.Equal(t, "bob", u)
}

func TestMiddleware_AnnotatesRequestSpan(t *testing.T) {
	withFixedNow(t, signedAt)
	rec := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec))
	v := NewVerifier(Options{Provider: newProvider()})
	h := v.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	serve := func(r *http.Request) {
		ctx, span := tp.Tracer("test").Start(r.Context(), "s3.GetObject")
		h.ServeHTTP(httptest.NewRecorder(), r.WithContext(ctx))
		span.End()
	}
	r := httptest.NewRequest(http.MethodGet, "http://example.com/bucket/key", nil)
	signV4(t, r, sigv4.EmptySHA256, signedAt)
	serve(r)
	serve(httptest.NewRequest(http.MethodGet, "http://example.com/bucket/key", nil))

	spans := rec.Ended()
	require.Len(t, spans, 2)
	attrs := func(s sdktrace.ReadOnlySpan) map[string]string {
		m := map[string]string{}
		for _, kv := range s.Attributes() {
			m[string(kv.Key)] = kv.Value.Emit()
		}
		return m
	}
	assert.Equal(t, map[string]string{
		"auth.scheme":     "v4-header",
		"auth.result":     "ok",
		"auth.access_key": testAK,
	}, attrs(spans[0]))
	assert.Equal(t, map[string]string{
		"auth.scheme": "anonymous",
		"auth.result": "anonymous",
	}, attrs(spans[1]))
}
