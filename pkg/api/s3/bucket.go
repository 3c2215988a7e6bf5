package s3

import (
	"encoding/xml"
	"errors"
	"net/http"
	"strconv"
	"time"

	"s3gate/pkg/metadata"
	"s3gate/pkg/storage"
)

type listBucketsResult struct {
	XMLName xml.Name `xml:"ListAllMyBucketsResult"`
	Xmlns   string   `xml:"xmlns,attr"`
	Owner   owner    `xml:"Owner"`
	Buckets buckets  `xml:"Buckets"`
}

type owner struct {
	ID          string `xml:"ID"`
	DisplayName string `xml:"DisplayName"`
}

type buckets struct {
	Bucket []bucket `xml:"Bucket"`
}

type bucket struct {
	Name         string `xml:"Name"`
	CreationDate string `xml:"CreationDate"`
}

type listObjectsResult struct {
	XMLName        xml.Name       `xml:"ListBucketResult"`
	Xmlns          string         `xml:"xmlns,attr"`
	Name           string         `xml:"Name"`
	Prefix         string         `xml:"Prefix"`
	StartAfter     string         `xml:"StartAfter,omitempty"`
	Delimiter      string         `xml:"Delimiter,omitempty"`
	MaxKeys        int            `xml:"MaxKeys"`
	KeyCount       int            `xml:"KeyCount"`
	IsTruncated    bool           `xml:"IsTruncated"`
	Contents       []object       `xml:"Contents"`
	CommonPrefixes []commonPrefix `xml:"CommonPrefixes"`
}

type object struct {
	Key          string `xml:"Key"`
	LastModified string `xml:"LastModified"`
	ETag         string `xml:"ETag"`
	Size         int64  `xml:"Size"`
	StorageClass string `xml:"StorageClass"`
}

type commonPrefix struct {
	Prefix string `xml:"Prefix"`
}

func (s *Server) handleListBuckets(w http.ResponseWriter, r *http.Request) {
	bs, err := s.store.ListBuckets(r.Context())
	if err != nil {
		writeInternal(w, r)
		return
	}
	id := requester(r)
	if id == "" {
		id = "anonymous"
	}
	res := listBucketsResult{Xmlns: xmlns, Owner: owner{ID: id, DisplayName: id}}
	for _, b := range bs {
		res.Buckets.Bucket = append(res.Buckets.Bucket, bucket{
			Name:         b.Name,
			CreationDate: b.CreationDate.UTC().Format(time.RFC3339),
		})
	}
	writeXML(w, http.StatusOK, res)
}

func (s *Server) handleBucket(w http.ResponseWriter, r *http.Request, name string) {
	switch r.Method {
	case http.MethodPut:
		s.handleCreateBucket(w, r, name)
	case http.MethodDelete:
		s.handleDeleteBucket(w, r, name)
	case http.MethodHead:
		if ok, _ := s.store.BucketExists(r.Context(), name); !ok {
			writeError(w, r, http.StatusNotFound, "NoSuchBucket", "The specified bucket does not exist.")
			return
		}
		w.WriteHeader(http.StatusOK)
	case http.MethodGet:
		s.handleListObjects(w, r, name)
	case http.MethodPost:
		s.handlePostUpload(w, r, name)
	default:
		writeError(w, r, http.StatusNotImplemented, "NotImplemented", "Bucket operation not implemented")
	}
}

func (s *Server) handleCreateBucket(w http.ResponseWriter, r *http.Request, name string) {
	if !isValidBucketName(name) {
		writeError(w, r, http.StatusBadRequest, "InvalidBucketName", "The specified bucket is not valid.")
		return
	}
	err := s.store.CreateBucket(r.Context(), name, requester(r))
	switch {
	case errors.Is(err, metadata.ErrBucketExists):
		writeError(w, r, http.StatusConflict, "BucketAlreadyOwnedByYou", "Your previous request to create the named bucket succeeded and you already own it.")
		return
	case err != nil:
		writeInternal(w, r)
		return
	}
	w.Header().Set("Location", "/"+name)
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleDeleteBucket(w http.ResponseWriter, r *http.Request, name string) {
	ctx := r.Context()
	if ok, _ := s.store.BucketExists(ctx, name); !ok {
		writeError(w, r, http.StatusNotFound, "NoSuchBucket", "The specified bucket does not exist.")
		return
	}
	err := s.objs.RemoveBucket(ctx, name)
	switch {
	case errors.Is(err, storage.ErrBucketNotEmpty):
		writeError(w, r, http.StatusConflict, "BucketNotEmpty", "The bucket you tried to delete is not empty.")
		return
	case err != nil:
		writeInternal(w, r)
		return
	}
	_ = s.store.DeleteBucket(ctx, name)
	w.WriteHeader(http.StatusNoContent)
}

// handleListObjects serves ListObjectsV2; "marker" is accepted as an alias
// for start-after so V1 clients get a usable first page.
func (s *Server) handleListObjects(w http.ResponseWriter, r *http.Request, name string) {
	ctx := r.Context()
	if ok, _ := s.store.BucketExists(ctx, name); !ok {
		writeError(w, r, http.StatusNotFound, "NoSuchBucket", "The specified bucket does not exist.")
		return
	}
	q := r.URL.Query()
	maxKeys := 1000
	if v := q.Get("max-keys"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, r, http.StatusBadRequest, "InvalidArgument", "max-keys must be a non-negative integer.")
			return
		}
		maxKeys = min(n, 1000)
	}
	startAfter := q.Get("start-after")
	if startAfter == "" {
		startAfter = q.Get("marker")
	}
	res := listObjectsResult{
		Xmlns:      xmlns,
		Name:       name,
		Prefix:     q.Get("prefix"),
		StartAfter: startAfter,
		Delimiter:  q.Get("delimiter"),
		MaxKeys:    maxKeys,
	}
	if maxKeys > 0 {
		objs, prefixes, truncated, err := s.objs.List(ctx, name, res.Prefix, startAfter, res.Delimiter, maxKeys)
		if err != nil {
			writeInternal(w, r)
			return
		}
		for _, o := range objs {
			res.Contents = append(res.Contents, object{
				Key:          o.Key,
				LastModified: o.LastModified.UTC().Format(time.RFC3339),
				ETag:         quoteETag(o.ETag),
				Size:         o.Size,
				StorageClass: "STANDARD",
			})
		}
		for _, p := range prefixes {
			res.CommonPrefixes = append(res.CommonPrefixes, commonPrefix{Prefix: p})
		}
		res.KeyCount = len(objs) + len(prefixes)
		res.IsTruncated = truncated
	}
	writeXML(w, http.StatusOK, res)
}

// isValidBucketName applies the basic S3 naming rules: 3 to 63 characters of
// lowercase letters, digits, dots and hyphens, starting and ending with a
// letter or digit.
func isValidBucketName(name string) bool {
	if len(name) < 3 || len(name) > 63 {
		return false
	}
	alnum := func(c byte) bool { return (c >= 'a' && c <= 'z') || (c >= '0' && c <= '9') }
	for i := 0; i < len(name); i++ {
		c := name[i]
		if !alnum(c) && c != '-' && c != '.' {
			return false
		}
	}
	return alnum(name[0]) && alnum(name[len(name)-1])
}
