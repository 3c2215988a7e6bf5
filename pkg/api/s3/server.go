package s3

import (
	"encoding/xml"
	"log/slog"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"s3gate/pkg/metadata"
	"s3gate/pkg/security/auth"
	"s3gate/pkg/storage"
)

const xmlns = "http://s3.amazonaws.com/doc/2006-03-01/"

// Server routes S3 requests.
type Server struct {
	store       metadata.Store
	objs        storage.ObjectStore
	maxPutBytes int64
	logger      *slog.Logger
}

type Option func(*Server)

// WithMaxPutBytes caps single PUT and POST upload sizes. Zero means unlimited.
func WithMaxPutBytes(n int64) Option {
	return func(s *Server) { s.maxPutBytes = n }
}

func WithLogger(l *slog.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// New returns a new S3 API server with dependencies.
func New(store metadata.Store, objs storage.ObjectStore, opts ...Option) *Server {
	s := &Server{store: store, objs: objs, logger: slog.Default()}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Handler returns an http.Handler for S3 routes.
func (s *Server) Handler() http.Handler {
	return http.HandlerFunc(s.route)
}

func (s *Server) route(w http.ResponseWriter, r *http.Request) {
	path := r.URL.Path
	if path == "/" {
		if r.Method == http.MethodGet {
			s.handleListBuckets(w, r)
			return
		}
		writeError(w, r, http.StatusMethodNotAllowed, "MethodNotAllowed", "The specified method is not allowed against this resource.")
		return
	}
	bucketName, key, _ := strings.Cut(strings.TrimPrefix(path, "/"), "/")
	if key == "" {
		s.handleBucket(w, r, bucketName)
		return
	}
	s.handleObject(w, r, bucketName, key)
}

// requester names the caller for ownership records and listings.
func requester(r *http.Request) string {
	if c := auth.CredentialsFromContext(r.Context()); c != nil {
		return c.AccessKey
	}
	return ""
}

// s3Error is the S3 XML error document for non-auth failures.
type s3Error struct {
	XMLName   xml.Name `xml:"Error"`
	Code      string   `xml:"Code"`
	Message   string   `xml:"Message"`
	Resource  string   `xml:"Resource"`
	RequestID string   `xml:"RequestId"`
}

func writeError(w http.ResponseWriter, r *http.Request, status int, code, message string) {
	reqID := uuid.NewString()
	w.Header().Set("x-amz-request-id", reqID)
	if r.Method == http.MethodHead {
		w.WriteHeader(status)
		return
	}
	w.Header().Set("Content-Type", "application/xml")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(xml.Header))
	_ = xml.NewEncoder(w).Encode(s3Error{Code: code, Message: message, Resource: r.URL.Path, RequestID: reqID})
}

func writeInternal(w http.ResponseWriter, r *http.Request) {
	writeError(w, r, http.StatusInternalServerError, "InternalError", "We encountered an internal error. Please try again.")
}

func writeXML(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/xml")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(xml.Header))
	_ = xml.NewEncoder(w).Encode(v)
}
