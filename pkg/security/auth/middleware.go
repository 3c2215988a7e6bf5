package auth

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"s3gate/pkg/security/sigv4"
)

// Observer receives authentication outcomes, e.g. for metrics.
type Observer interface {
	ObserveCheck(scheme, result string, elapsed time.Duration)
	ObserveChunk(bytes int, err error)
}

type contextKey string

const (
	credentialsContextKey contextKey = "authCredentials"
	postFormContextKey    contextKey = "authPostForm"
)

// WithCredentials attaches verified credentials to ctx.
func WithCredentials(ctx context.Context, c *Credentials) context.Context {
	return context.WithValue(ctx, credentialsContextKey, c)
}

// CredentialsFromContext returns the verified identity, or nil for anonymous requests.
func CredentialsFromContext(ctx context.Context) *Credentials {
	c, _ := ctx.Value(credentialsContextKey).(*Credentials)
	return c
}

// WithPostForm attaches the form parsed during POST policy auth to ctx.
func WithPostForm(ctx context.Context, f *PostForm) context.Context {
	return context.WithValue(ctx, postFormContextKey, f)
}

// PostFormFromContext returns the form parsed while authenticating a POST upload.
func PostFormFromContext(ctx context.Context) *PostForm {
	f, _ := ctx.Value(postFormContextKey).(*PostForm)
	return f
}

// Verifier is the HTTP front of SignatureContext.
type Verifier struct {
	opts           Options
	allowAnonymous bool
	exempt         func(*http.Request) bool
	logger         *slog.Logger
	observer       Observer
	tracer         trace.Tracer
}

// VerifierOption configures a Verifier.
type VerifierOption func(*Verifier)

// WithAnonymous lets unsigned requests through without credentials.
func WithAnonymous(allow bool) VerifierOption {
	return func(v *Verifier) { v.allowAnonymous = allow }
}

// WithExempt skips authentication for requests where fn returns true.
func WithExempt(fn func(*http.Request) bool) VerifierOption {
	return func(v *Verifier) { v.exempt = fn }
}

func WithLogger(l *slog.Logger) VerifierOption {
	return func(v *Verifier) { v.logger = l }
}

func WithObserver(o Observer) VerifierOption {
	return func(v *Verifier) { v.observer = o }
}

// NewVerifier rejects anonymous requests unless WithAnonymous(true) is given.
func NewVerifier(opts Options, options ...VerifierOption) *Verifier {
	v := &Verifier{
		opts:   opts,
		logger: slog.Default(),
		tracer: otel.Tracer("s3gate/auth"),
	}
	for _, o := range options {
		o(v)
	}
	return v
}

// Middleware authenticates every request before handing it to next. The
// verified credentials (and POST form) are available from the request
// context; the secret key is wiped when next returns.
func (v *Verifier) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if v.exempt != nil && v.exempt(r) {
			next.ServeHTTP(w, r)
			return
		}

		ctx, span := v.tracer.Start(r.Context(), "sigv4.check")
		start := time.Now()
		sc := NewSignatureContext(r, v.opts)
		creds, err := sc.Check(ctx)
		elapsed := time.Since(start)
		defer sc.Close()

		scheme := sc.Scheme().String()
		span.SetAttributes(attribute.String("auth.scheme", scheme))
		result := "ok"
		switch {
		case err != nil:
			var ae *Error
			if errors.As(err, &ae) {
				result = string(ae.Code)
			} else {
				result = string(CodeInternalError)
			}
			span.SetStatus(codes.Error, result)
		case creds == nil:
			result = "anonymous"
		default:
			span.SetAttributes(attribute.String("auth.access_key", creds.AccessKey))
		}
		span.End()
		// Surface the identity on the enclosing request span too, so the
		// S3 operation and its caller appear together.
		server := trace.SpanFromContext(r.Context())
		server.SetAttributes(
			attribute.String("auth.scheme", scheme),
			attribute.String("auth.result", result),
		)
		if creds != nil {
			server.SetAttributes(attribute.String("auth.access_key", creds.AccessKey))
		}
		if v.observer != nil {
			v.observer.ObserveCheck(scheme, result, elapsed)
		}

		if err != nil {
			v.logFailure(r, scheme, err)
			WriteError(w, r, err)
			return
		}
		if creds == nil && !v.allowAnonymous {
			WriteError(w, r, newError(CodeAccessDenied, "Access Denied", nil))
			return
		}

		ctx = r.Context()
		if creds != nil {
			defer creds.Wipe()
			ctx = WithCredentials(ctx, creds)
		}
		if form := sc.PostForm(); form != nil {
			ctx = WithPostForm(ctx, form)
		}
		if cr := sc.ChunkedBody(); cr != nil && v.observer != nil {
			cr.OnChunk = v.observer.ObserveChunk
		}
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (v *Verifier) logFailure(r *http.Request, scheme string, err error) {
	attrs := []any{
		slog.String("scheme", scheme),
		slog.String("method", r.Method),
		slog.String("path", r.URL.Path),
		slog.String("error", err.Error()),
	}
	var ae *Error
	if errors.As(err, &ae) {
		attrs = append(attrs, slog.String("code", string(ae.Code)))
		if ae.Code == CodeInternalError {
			v.logger.Error("auth: check failed", attrs...)
			return
		}
	}
	v.logger.Info("auth: request rejected", attrs...)
}

// AbortOnStreamError reports whether err came from a failed aws-chunked body,
// in which case the handler must drop the connection instead of answering.
func AbortOnStreamError(err error) bool {
	return sigv4.IsStreamError(err)
}
