package s3

import (
	"errors"
	"io"
	"io/fs"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"s3gate/pkg/security/auth"
	"s3gate/pkg/storage"
)

var errEntityTooLarge = errors.New("s3: upload exceeds the maximum allowed size")

// capReader fails once more than max bytes have been read.
type capReader struct {
	r   io.Reader
	max int64
	n   int64
}

func (c *capReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	if c.n > c.max {
		return n, errEntityTooLarge
	}
	return n, err
}

func (s *Server) handleObject(w http.ResponseWriter, r *http.Request, bucket, key string) {
	switch r.Method {
	case http.MethodPut:
		s.handlePutObject(w, r, bucket, key)
	case http.MethodGet:
		s.handleGetObject(w, r, bucket, key)
	case http.MethodHead:
		size, etag, lastMod, err := s.objs.Head(r.Context(), bucket, key)
		if err != nil {
			s.writeLookupError(w, r, err)
			return
		}
		w.Header().Set("ETag", quoteETag(etag))
		w.Header().Set("Content-Length", itoa64(size))
		w.Header().Set("Last-Modified", lastMod.Format(http.TimeFormat))
		w.Header().Set("Accept-Ranges", "bytes")
		w.WriteHeader(http.StatusOK)
	case http.MethodDelete:
		err := s.objs.Delete(r.Context(), bucket, key)
		if err != nil && !errors.Is(err, fs.ErrNotExist) {
			s.writeLookupError(w, r, err)
			return
		}
		// S3 answers 204 whether or not the key existed
		w.WriteHeader(http.StatusNoContent)
	default:
		writeError(w, r, http.StatusMethodNotAllowed, "MethodNotAllowed", "The specified method is not allowed against this resource.")
	}
}

func (s *Server) handlePutObject(w http.ResponseWriter, r *http.Request, bucket, key string) {
	if ok, _ := s.store.BucketExists(r.Context(), bucket); !ok {
		writeError(w, r, http.StatusNotFound, "NoSuchBucket", "The specified bucket does not exist.")
		return
	}
	if s.maxPutBytes > 0 && r.ContentLength > s.maxPutBytes {
		writeError(w, r, http.StatusBadRequest, "EntityTooLarge", "Your proposed upload exceeds the maximum allowed size.")
		return
	}
	etag, ok := s.putBody(w, r, bucket, key, r.Body)
	if !ok {
		return
	}
	w.Header().Set("ETag", quoteETag(etag))
	w.WriteHeader(http.StatusOK)
}

// putBody writes body to bucket/key and answers failures. A body that failed
// aws-chunked verification aborts the connection: the client has already
// streamed data the server refuses to acknowledge.
func (s *Server) putBody(w http.ResponseWriter, r *http.Request, bucket, key string, body io.Reader) (string, bool) {
	if s.maxPutBytes > 0 {
		body = &capReader{r: body, max: s.maxPutBytes}
	}
	etag, n, err := s.objs.Put(r.Context(), bucket, key, body)
	switch {
	case err == nil:
		return etag, true
	case auth.AbortOnStreamError(err):
		s.logger.Info("s3: aborting upload with invalid aws-chunked body",
			slog.String("bucket", bucket),
			slog.String("key", key),
			slog.Int64("received", n),
			slog.String("error", err.Error()),
		)
		panic(http.ErrAbortHandler)
	case errors.Is(err, errEntityTooLarge):
		writeError(w, r, http.StatusBadRequest, "EntityTooLarge", "Your proposed upload exceeds the maximum allowed size.")
	case errors.Is(err, storage.ErrInvalidPath):
		writeError(w, r, http.StatusBadRequest, "InvalidArgument", "The specified key is not valid.")
	default:
		s.logger.Error("s3: put object failed",
			slog.String("bucket", bucket),
			slog.String("key", key),
			slog.String("error", err.Error()),
		)
		writeInternal(w, r)
	}
	return "", false
}

func (s *Server) handleGetObject(w http.ResponseWriter, r *http.Request, bucket, key string) {
	rc, size, etag, lastMod, err := s.objs.Get(r.Context(), bucket, key)
	if err != nil {
		s.writeLookupError(w, r, err)
		return
	}
	defer rc.Close()

	w.Header().Set("ETag", quoteETag(etag))
	w.Header().Set("Last-Modified", lastMod.Format(http.TimeFormat))
	w.Header().Set("Accept-Ranges", "bytes")
	rangeHdr := r.Header.Get("Range")
	if rangeHdr == "" {
		w.Header().Set("Content-Length", itoa64(size))
		w.WriteHeader(http.StatusOK)
		_, _ = io.Copy(w, rc)
		return
	}

	start, end, ok := parseRange(rangeHdr, size)
	rs, seekable := rc.(io.Seeker)
	if !ok || !seekable {
		w.Header().Set("Content-Range", "bytes */"+itoa64(size))
		writeError(w, r, http.StatusRequestedRangeNotSatisfiable, "InvalidRange", "The requested range cannot be satisfied.")
		return
	}
	if _, err := rs.Seek(start, io.SeekStart); err != nil {
		writeInternal(w, r)
		return
	}
	remain := end - start + 1
	w.Header().Set("Content-Range", "bytes "+itoa64(start)+"-"+itoa64(end)+"/"+itoa64(size))
	w.Header().Set("Content-Length", itoa64(remain))
	w.WriteHeader(http.StatusPartialContent)
	_, _ = io.CopyN(w, rc, remain)
}

func (s *Server) writeLookupError(w http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(err, fs.ErrNotExist) || errors.Is(err, storage.ErrInvalidPath) {
		writeError(w, r, http.StatusNotFound, "NoSuchKey", "The specified key does not exist.")
		return
	}
	s.logger.Error("s3: object lookup failed", slog.String("path", r.URL.Path), slog.String("error", err.Error()))
	writeInternal(w, r)
}

func quoteETag(s string) string { return "\"" + s + "\"" }

func itoa64(n int64) string { return strconv.FormatInt(n, 10) }

// parseRange parses a single "bytes=start-end", "bytes=start-" or
// "bytes=-suffix" range against total and returns inclusive bounds.
func parseRange(hdr string, total int64) (int64, int64, bool) {
	spec, ok := strings.CutPrefix(hdr, "bytes=")
	if !ok || total == 0 {
		return 0, 0, false
	}
	spec, _, _ = strings.Cut(spec, ",")
	first, last, ok := strings.Cut(strings.TrimSpace(spec), "-")
	if !ok {
		return 0, 0, false
	}
	if first == "" {
		suf, err := strconv.ParseInt(last, 10, 64)
		if err != nil || suf <= 0 {
			return 0, 0, false
		}
		return total - min(suf, total), total - 1, true
	}
	start, err := strconv.ParseInt(first, 10, 64)
	if err != nil || start < 0 || start >= total {
		return 0, 0, false
	}
	if last == "" {
		return start, total - 1, true
	}
	end, err := strconv.ParseInt(last, 10, 64)
	if err != nil || end < start {
		return 0, 0, false
	}
	return start, min(end, total-1), true
}
