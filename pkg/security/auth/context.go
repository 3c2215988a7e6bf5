package auth

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"s3gate/pkg/security/sigv2"
	"s3gate/pkg/security/sigv4"
)

const (
	// DefaultMaxSignedBodySize bounds the body read to hash a non-streaming payload.
	DefaultMaxSignedBodySize = 8 << 20

	// MaxClockSkew is how far the signed time may run ahead of the server clock.
	MaxClockSkew = 15 * time.Minute
)

var nowFunc = time.Now

// Scheme is the authentication scheme of a request.
type Scheme uint8

const (
	SchemeAnonymous Scheme = iota
	SchemeV2Presigned
	SchemeV2Header
	SchemeV4Post
	SchemeV4Presigned
	SchemeV4Header
)

func (s Scheme) String() string {
	switch s {
	case SchemeV2Presigned:
		return "v2-presigned"
	case SchemeV2Header:
		return "v2-header"
	case SchemeV4Post:
		return "v4-post"
	case SchemeV4Presigned:
		return "v4-presigned"
	case SchemeV4Header:
		return "v4-header"
	default:
		return "anonymous"
	}
}

// Classify picks the scheme of a request. The first match wins and no other
// scheme is ever tried for the same request.
func Classify(method string, headers *OrderedHeaders, query *OrderedQuery) Scheme {
	authz := headers.Get("authorization")
	switch {
	case query.Has("Signature"):
		return SchemeV2Presigned
	case strings.HasPrefix(authz, sigv2.Prefix):
		return SchemeV2Header
	case method == http.MethodPost && IsMultipartForm(headers.Get("content-type")):
		return SchemeV4Post
	case query.Has("X-Amz-Signature"):
		return SchemeV4Presigned
	case headers.Has("authorization"):
		return SchemeV4Header
	}
	return SchemeAnonymous
}

// Options configures a SignatureContext.
type Options struct {
	Provider SecretKeyProvider
	// MaxSignedBodySize bounds the body read for a signed single-chunk payload.
	MaxSignedBodySize int64
	// MaxPostFormSize bounds the fields of a POST policy upload.
	MaxPostFormSize int64
	// MaxChunkSize bounds a single aws-chunked chunk. Zero means no bound.
	MaxChunkSize int64
	// HeaderFallback defaults to DefaultHeaderFallback.
	HeaderFallback map[string]string
}

// SignatureContext authenticates a single request.
type SignatureContext struct {
	r       *http.Request
	opts    Options
	headers *OrderedHeaders
	query   *OrderedQuery
	viewErr error
	scheme  Scheme

	form    *PostForm
	chunked *sigv4.ChunkedReader
}

// NewSignatureContext builds the header and query views of r. Nothing is
// verified until Check.
func NewSignatureContext(r *http.Request, opts Options) *SignatureContext {
	if opts.MaxSignedBodySize <= 0 {
		opts.MaxSignedBodySize = DefaultMaxSignedBodySize
	}
	if opts.HeaderFallback == nil {
		opts.HeaderFallback = DefaultHeaderFallback
	}
	sc := &SignatureContext{r: r, opts: opts, headers: NewOrderedHeaders(r)}
	sc.query, sc.viewErr = NewOrderedQuery(r.URL.RawQuery)
	if sc.viewErr == nil {
		sc.scheme = Classify(r.Method, sc.headers, sc.query)
	}
	return sc
}

// Scheme returns the classified scheme.
func (sc *SignatureContext) Scheme() Scheme { return sc.scheme }

// PostForm returns the parsed form of a POST upload, if any.
func (sc *SignatureContext) PostForm() *PostForm { return sc.form }

// ChunkedBody returns the aws-chunked decoder installed as the request body.
func (sc *SignatureContext) ChunkedBody() *sigv4.ChunkedReader { return sc.chunked }

// Check authenticates the request. It returns (nil, nil) for an anonymous
// request, the verified identity on success and an *Error otherwise. On a
// streaming upload the request body is replaced by a verifying decoder.
// The caller owns the returned credentials and must Wipe them.
func (sc *SignatureContext) Check(ctx context.Context) (*Credentials, error) {
	if sc.viewErr != nil {
		return nil, newError(CodeInvalidRequest, "Invalid query string.", sc.viewErr)
	}
	if sc.opts.Provider == nil && sc.scheme != SchemeAnonymous {
		return nil, newError(CodeInternalError, "No credentials provider configured.", nil)
	}
	switch sc.scheme {
	case SchemeV2Presigned:
		return sc.checkV2Presigned(ctx)
	case SchemeV2Header:
		return sc.checkV2Header(ctx)
	case SchemeV4Post:
		return sc.checkV4Post(ctx)
	case SchemeV4Presigned:
		return sc.checkV4Presigned(ctx)
	case SchemeV4Header:
		return sc.checkV4Header(ctx)
	}
	return nil, nil
}

func (sc *SignatureContext) secretKey(ctx context.Context, accessKey string) (*SecretKey, error) {
	key, err := sc.opts.Provider.GetSecretKey(ctx, accessKey)
	switch {
	case errors.Is(err, ErrNotSignedUp):
		return nil, newError(CodeNotSignedUp, "Your account is not signed up for the S3 service.", err)
	case err != nil:
		return nil, newError(CodeInternalError, "We encountered an internal error. Please try again.", err)
	case key == nil:
		return nil, newError(CodeNotSignedUp, "Your account is not signed up for the S3 service.", ErrNotSignedUp)
	}
	return key, nil
}

func parseFailure(err error) *Error {
	if errors.Is(err, sigv4.ErrUnsupportedAlgorithm) {
		return newError(CodeNotImplemented, "The signing algorithm is not supported.", err)
	}
	return newError(CodeInvalidRequest, "The authorization information is malformed.", err)
}

func (sc *SignatureContext) checkV4Header(ctx context.Context) (*Credentials, error) {
	raw, _, err := sc.headers.GetUnique("authorization")
	if err != nil {
		return nil, parseFailure(err)
	}
	authz, err := sigv4.ParseAuthorization(raw)
	if err != nil {
		return nil, parseFailure(err)
	}

	rawDate, ok, err := sc.headers.GetUnique("x-amz-date")
	if err != nil || !ok {
		return nil, newError(CodeInvalidRequest, "Missing required header for this request: x-amz-date.", err)
	}
	amzDate, err := sigv4.ParseAmzDate(rawDate)
	if err != nil {
		return nil, parseFailure(err)
	}
	if amzDate.Time().Sub(nowFunc()) > MaxClockSkew {
		return nil, newError(CodeRequestTimeTooSkewed, "The difference between the request time and the server's time is too large.", nil)
	}

	contentSHA, hasContentSHA, err := sc.headers.GetUnique("x-amz-content-sha256")
	if err != nil {
		return nil, parseFailure(err)
	}
	if !hasContentSHA && authz.Credential.Service == "s3" {
		return nil, newError(CodeInvalidRequest, "Missing required header for this request: x-amz-content-sha256.", nil)
	}
	mode, err := payloadMode(contentSHA, hasContentSHA)
	if err != nil {
		return nil, err
	}

	headers, err := sc.headers.FindMultiple(authz.SignedHeaders, sc.opts.HeaderFallback)
	if err != nil {
		return nil, newError(CodeInvalidRequest, "A signed header is missing from the request.", err)
	}

	key, err := sc.secretKey(ctx, authz.Credential.AccessKey)
	if err != nil {
		return nil, err
	}
	verified := false
	defer func() {
		if !verified {
			key.Wipe()
		}
	}()

	var payload sigv4.Payload
	switch mode {
	case sigv4.PayloadMultipleChunks:
		payload = sigv4.MultipleChunksPayload()
	case sigv4.PayloadUnsigned:
		payload = sigv4.UnsignedPayload()
	default:
		if payload, err = sc.readPayload(); err != nil {
			return nil, err
		}
	}

	cr := sigv4.CanonicalRequest(sc.r.Method, sc.r.URL.Path, sc.query.Pairs(), headers, payload)
	sts := sigv4.StringToSign(amzDate, authz.Credential.String(), cr)
	if !verifyV4(key, authz.Credential, sts, authz.Signature) {
		return nil, signatureMismatch()
	}

	if mode == sigv4.PayloadMultipleChunks {
		if err := sc.installChunkedBody(key, authz, amzDate); err != nil {
			return nil, err
		}
	}
	verified = true
	return &Credentials{
		AccessKey: authz.Credential.AccessKey,
		SecretKey: key,
		Region:    authz.Credential.Region,
		Service:   authz.Credential.Service,
		Scheme:    SchemeV4Header,
	}, nil
}

// payloadMode interprets x-amz-content-sha256. PayloadSingleChunk means the
// body has to be read and hashed; the claimed hash itself is never trusted.
func payloadMode(v string, present bool) (sigv4.PayloadKind, error) {
	if !present {
		return sigv4.PayloadSingleChunk, nil
	}
	switch v {
	case sigv4.StreamingPayloadHash:
		return sigv4.PayloadMultipleChunks, nil
	case sigv4.UnsignedPayloadHash:
		return sigv4.PayloadUnsigned, nil
	case "STREAMING-UNSIGNED-PAYLOAD-TRAILER",
		"STREAMING-AWS4-HMAC-SHA256-PAYLOAD-TRAILER",
		"STREAMING-AWS4-ECDSA-P256-SHA256-PAYLOAD",
		"STREAMING-AWS4-ECDSA-P256-SHA256-PAYLOAD-TRAILER":
		return 0, newError(CodeNotImplemented, "The x-amz-content-sha256 value "+v+" is not supported.", nil)
	}
	if len(v) != 64 {
		return 0, newError(CodeInvalidRequest, "The provided x-amz-content-sha256 header is not valid.", nil)
	}
	for i := 0; i < len(v); i++ {
		c := v[i]
		if !(c >= '0' && c <= '9') && !(c >= 'a' && c <= 'f') && !(c >= 'A' && c <= 'F') {
			return 0, newError(CodeInvalidRequest, "The provided x-amz-content-sha256 header is not valid.", nil)
		}
	}
	return sigv4.PayloadSingleChunk, nil
}

// readPayload hashes the request body, bounded by MaxSignedBodySize, and
// puts an equivalent body back on the request.
func (sc *SignatureContext) readPayload() (sigv4.Payload, error) {
	r := sc.r
	if r.Body == nil || r.Body == http.NoBody {
		return sigv4.EmptyPayload(), nil
	}
	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.ContentLength == 0 {
		return sigv4.EmptyPayload(), nil
	}
	if r.ContentLength > sc.opts.MaxSignedBodySize {
		return sigv4.Payload{}, newError(CodeEntityTooLarge, "Your proposed upload exceeds the maximum size for a signed payload.", nil)
	}
	data, err := io.ReadAll(io.LimitReader(r.Body, sc.opts.MaxSignedBodySize+1))
	_ = r.Body.Close()
	if err != nil {
		return sigv4.Payload{}, newError(CodeInvalidRequest, "Could not read the request body.", err)
	}
	if int64(len(data)) > sc.opts.MaxSignedBodySize {
		return sigv4.Payload{}, newError(CodeEntityTooLarge, "Your proposed upload exceeds the maximum size for a signed payload.", nil)
	}
	r.Body = io.NopCloser(bytes.NewReader(data))
	r.ContentLength = int64(len(data))
	return sigv4.SingleChunkPayload(data), nil
}

func (sc *SignatureContext) installChunkedBody(key *SecretKey, authz sigv4.Authorization, amzDate sigv4.AmzDate) error {
	raw, ok, err := sc.headers.GetUnique("x-amz-decoded-content-length")
	if err != nil {
		return parseFailure(err)
	}
	if !ok {
		return newError(CodeMissingContentLength, "You must provide the x-amz-decoded-content-length HTTP header.", nil)
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || n < 0 {
		return newError(CodeInvalidRequest, "The x-amz-decoded-content-length header is not valid.", err)
	}
	body := sc.r.Body
	if body == nil {
		body = http.NoBody
	}
	sc.chunked = sigv4.NewChunkedReader(body, sigv4.ChunkSigningContext{
		AmzDate:       amzDate,
		Region:        authz.Credential.Region,
		Service:       authz.Credential.Service,
		SecretKey:     key.Bytes(),
		SeedSignature: authz.Signature,
		MaxChunkSize:  sc.opts.MaxChunkSize,
	}, n)
	sc.r.Body = sc.chunked
	sc.r.ContentLength = n
	return nil
}

func (sc *SignatureContext) checkV4Presigned(ctx context.Context) (*Credentials, error) {
	p, err := sigv4.ParsePresignedQuery(sc.query)
	if err != nil {
		return nil, parseFailure(err)
	}
	now := nowFunc()
	signed := p.AmzDate.Time()
	if signed.Sub(now) > MaxClockSkew {
		return nil, newError(CodeRequestTimeTooSkewed, "The difference between the request time and the server's time is too large.", nil)
	}
	if now.Sub(signed) > p.Expires {
		return nil, newError(CodeAccessDenied, "Request has expired", nil)
	}

	headers, err := sc.headers.FindMultiple(p.SignedHeaders, sc.opts.HeaderFallback)
	if err != nil {
		return nil, newError(CodeInvalidRequest, "A signed header is missing from the request.", err)
	}
	key, err := sc.secretKey(ctx, p.Credential.AccessKey)
	if err != nil {
		return nil, err
	}
	verified := false
	defer func() {
		if !verified {
			key.Wipe()
		}
	}()

	cr := sigv4.CanonicalRequest(sc.r.Method, sc.r.URL.Path, sc.query.Pairs("X-Amz-Signature"), headers, sigv4.UnsignedPayload())
	sts := sigv4.StringToSign(p.AmzDate, p.Credential.String(), cr)
	if !verifyV4(key, p.Credential, sts, p.Signature) {
		return nil, signatureMismatch()
	}
	verified = true
	return &Credentials{
		AccessKey: p.Credential.AccessKey,
		SecretKey: key,
		Region:    p.Credential.Region,
		Service:   p.Credential.Service,
		Scheme:    SchemeV4Presigned,
	}, nil
}

func (sc *SignatureContext) checkV4Post(ctx context.Context) (*Credentials, error) {
	form, err := ParsePostForm(sc.r, sc.opts.MaxPostFormSize)
	if err != nil {
		return nil, newError(CodeMalformedPOSTRequest, "The body of your POST request is not well-formed multipart/form-data.", err)
	}
	sc.form = form
	// A multipart POST is committed to policy auth; it never degrades to anonymous.
	if !form.Signed() {
		return nil, newError(CodeMalformedPOSTRequest, "Bucket POST must contain a policy and an x-amz-signature field.", &sigv4.ParseError{Field: "policy", Reason: "missing"})
	}

	pp, err := sigv4.ParsePostPolicy(form.Fields)
	if errors.Is(err, sigv4.ErrUnsupportedAlgorithm) {
		return nil, newError(CodeNotImplemented, "The signing algorithm is not supported.", err)
	}
	if err != nil {
		return nil, newError(CodeMalformedPOSTRequest, "The POST policy fields are not well-formed.", err)
	}
	key, err := sc.secretKey(ctx, pp.Credential.AccessKey)
	if err != nil {
		return nil, err
	}
	verified := false
	defer func() {
		if !verified {
			key.Wipe()
		}
	}()

	if !verifyV4(key, pp.Credential, pp.Policy, pp.Signature) {
		return nil, signatureMismatch()
	}
	verified = true
	return &Credentials{
		AccessKey: pp.Credential.AccessKey,
		SecretKey: key,
		Region:    pp.Credential.Region,
		Service:   pp.Credential.Service,
		Scheme:    SchemeV4Post,
	}, nil
}

func verifyV4(key *SecretKey, cred sigv4.CredentialScope, stringToSign, got string) bool {
	signingKey := sigv4.SigningKey(key.Bytes(), cred.Date, cred.Region, cred.Service)
	defer sigv4.Zero(signingKey)
	return sigv4.SignatureEqual(sigv4.Signature(signingKey, stringToSign), got)
}

func (sc *SignatureContext) checkV2Header(ctx context.Context) (*Credentials, error) {
	raw, _, err := sc.headers.GetUnique("authorization")
	if err != nil {
		return nil, parseFailure(err)
	}
	authz, err := sigv2.ParseAuthorization(raw)
	if err != nil {
		return nil, parseFailure(err)
	}
	date := sc.r.Header.Get("Date")
	if sc.headers.Has("x-amz-date") {
		date = ""
	}
	return sc.verifyV2(ctx, authz.AccessKey, authz.Signature, date, SchemeV2Header)
}

func (sc *SignatureContext) checkV2Presigned(ctx context.Context) (*Credentials, error) {
	p, err := sigv2.ParsePresignedQuery(sc.query)
	if err != nil {
		return nil, parseFailure(err)
	}
	if nowFunc().After(p.Expires) {
		return nil, newError(CodeAccessDenied, "Request has expired", nil)
	}
	return sc.verifyV2(ctx, p.AccessKey, p.Signature, p.ExpiresRaw, SchemeV2Presigned)
}

func (sc *SignatureContext) verifyV2(ctx context.Context, accessKey, signature, date string, scheme Scheme) (*Credentials, error) {
	key, err := sc.secretKey(ctx, accessKey)
	if err != nil {
		return nil, err
	}
	verified := false
	defer func() {
		if !verified {
			key.Wipe()
		}
	}()

	sts := sigv2.StringToSign(
		sc.r.Method,
		sc.r.Header.Get("Content-Md5"),
		sc.r.Header.Get("Content-Type"),
		date,
		sigv2.CanonicalAmzHeaders(sc.r.Header),
		sigv2.CanonicalResource(sc.r.URL.EscapedPath(), sc.query.Values()),
	)
	if !sigv2.SignatureEqual(sigv2.Signature(key.Bytes(), sts), signature) {
		return nil, signatureMismatch()
	}
	verified = true
	return &Credentials{AccessKey: accessKey, SecretKey: key, Service: "s3", Scheme: scheme}, nil
}

// Close releases the aws-chunked decoder, if one was installed.
func (sc *SignatureContext) Close() error {
	if sc.chunked != nil {
		return sc.chunked.Close()
	}
	return nil
}
