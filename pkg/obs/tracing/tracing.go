package tracing

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

const tracerName = "s3gate/http"

// Options controls tracing initialization.
type Options struct {
	Enabled     bool
	Endpoint    string  // OTLP collector, host:port or URL
	Protocol    string  // "grpc" (default) or "http"
	SampleRatio float64 // 0.0 - 1.0
	ServiceName string
}

// Init installs the global tracer provider and W3C propagators. The returned
// function flushes pending spans and must run during shutdown.
func Init(ctx context.Context, opt Options) (func(context.Context) error, error) {
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{}, propagation.Baggage{},
	))
	if !opt.Enabled {
		otel.SetTracerProvider(noop.NewTracerProvider())
		return func(context.Context) error { return nil }, nil
	}

	svc := strings.TrimSpace(opt.ServiceName)
	if svc == "" {
		svc = "s3gate"
	}
	res, err := resource.New(ctx,
		resource.WithHost(),
		resource.WithProcess(),
		resource.WithAttributes(attribute.String("service.name", svc)),
	)
	if err != nil {
		slog.Warn("tracing: partial resource", slog.String("error", err.Error()))
	}

	tpOpts := []sdktrace.TracerProviderOption{
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sampler(opt.SampleRatio)),
	}
	exp, err := newExporter(ctx, opt)
	switch {
	case err != nil:
		slog.Error("tracing: exporter init failed", slog.String("protocol", opt.Protocol), slog.String("error", err.Error()))
	case exp == nil:
		slog.Info("tracing: no endpoint configured, spans stay in process")
	default:
		tpOpts = append(tpOpts, sdktrace.WithBatcher(exp, sdktrace.WithBatchTimeout(5*time.Second)))
	}

	tp := sdktrace.NewTracerProvider(tpOpts...)
	otel.SetTracerProvider(tp)
	return tp.Shutdown, nil
}

// newExporter returns nil without error when no endpoint is set.
func newExporter(ctx context.Context, opt Options) (sdktrace.SpanExporter, error) {
	endpoint := strings.TrimSpace(opt.Endpoint)
	if endpoint == "" {
		return nil, nil
	}
	host, insecure := splitEndpoint(endpoint)
	switch strings.ToLower(strings.TrimSpace(opt.Protocol)) {
	case "http", "otlphttp", "otlp-http":
		o := []otlptracehttp.Option{otlptracehttp.WithEndpoint(host)}
		if insecure {
			o = append(o, otlptracehttp.WithInsecure())
		}
		return otlptracehttp.New(ctx, o...)
	default:
		o := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(host)}
		if insecure {
			o = append(o, otlptracegrpc.WithInsecure())
		}
		return otlptracegrpc.New(ctx, o...)
	}
}

func sampler(ratio float64) sdktrace.Sampler {
	switch {
	case ratio >= 1:
		return sdktrace.AlwaysSample()
	case ratio <= 0:
		return sdktrace.NeverSample()
	}
	return sdktrace.ParentBased(sdktrace.TraceIDRatioBased(ratio))
}

// splitEndpoint strips an http(s) scheme from endpoint. Plain http and
// loopback collectors are dialed without TLS.
func splitEndpoint(endpoint string) (host string, insecure bool) {
	host = endpoint
	lower := strings.ToLower(endpoint)
	switch {
	case strings.HasPrefix(lower, "http://"):
		host, insecure = endpoint[len("http://"):], true
	case strings.HasPrefix(lower, "https://"):
		host = endpoint[len("https://"):]
	}
	h := strings.ToLower(host)
	if strings.HasPrefix(h, "localhost") || strings.HasPrefix(h, "127.0.0.1") || strings.HasPrefix(h, "[::1]") {
		insecure = true
	}
	return host, insecure
}

// untraced paths are probes and scrapes.
var untraced = map[string]bool{
	"/livez":         true,
	"/readyz":        true,
	"/metrics":       true,
	"/admin/health":  true,
	"/admin/version": true,
}

// Middleware opens a server span per S3 request, named after the action
// operation resolves (e.g. "s3.PutObject"). Handlers further down, such as
// the signature verifier, add their attributes to it through the request
// context. Responses of 500 and above mark the span as failed.
func Middleware(operation func(*http.Request) string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if untraced[r.URL.Path] {
				next.ServeHTTP(w, r)
				return
			}
			ctx := otel.GetTextMapPropagator().Extract(r.Context(), propagation.HeaderCarrier(r.Header))

			op := operation(r)
			name := "s3." + op
			if op == "" {
				name = "s3 " + r.Method
			}
			bucket, key := bucketKey(r.URL.Path)
			attrs := []attribute.KeyValue{
				attribute.String("http.request.method", r.Method),
				attribute.String("url.path", r.URL.Path),
				attribute.String("client.address", r.RemoteAddr),
				attribute.String("rpc.system", "aws-api"),
				attribute.String("rpc.method", op),
			}
			if bucket != "" {
				attrs = append(attrs, attribute.String("aws.s3.bucket", bucket))
			}
			if key != "" {
				attrs = append(attrs, attribute.String("aws.s3.key", key))
			}
			ctx, span := otel.Tracer(tracerName).Start(ctx, name,
				trace.WithSpanKind(trace.SpanKindServer),
				trace.WithAttributes(attrs...),
			)
			defer span.End()

			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(rec, r.WithContext(ctx))

			span.SetAttributes(attribute.Int("http.response.status_code", rec.status))
			if rec.status >= http.StatusInternalServerError {
				span.SetStatus(codes.Error, http.StatusText(rec.status))
			}
		})
	}
}

func bucketKey(path string) (bucket, key string) {
	bucket, key, _ = strings.Cut(strings.TrimPrefix(path, "/"), "/")
	return bucket, key
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}
