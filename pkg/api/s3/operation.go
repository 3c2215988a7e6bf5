package s3

import (
	"net/http"
	"strings"
)

// OperationName returns the S3 API action a request is routed to, e.g.
// "PutObject" or "ListObjectsV2". Unroutable requests yield "".
func OperationName(r *http.Request) string {
	path := strings.TrimPrefix(r.URL.Path, "/")
	if path == "" {
		if r.Method == http.MethodGet {
			return "ListBuckets"
		}
		return ""
	}
	if _, key, _ := strings.Cut(path, "/"); key != "" {
		switch r.Method {
		case http.MethodPut:
			return "PutObject"
		case http.MethodGet:
			return "GetObject"
		case http.MethodHead:
			return "HeadObject"
		case http.MethodDelete:
			return "DeleteObject"
		}
		return ""
	}
	switch r.Method {
	case http.MethodPut:
		return "CreateBucket"
	case http.MethodDelete:
		return "DeleteBucket"
	case http.MethodHead:
		return "HeadBucket"
	case http.MethodGet:
		if r.URL.Query().Get("list-type") == "2" {
			return "ListObjectsV2"
		}
		return "ListObjects"
	case http.MethodPost:
		return "PostObject"
	}
	return ""
}
