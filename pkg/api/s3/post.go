package s3

import (
	"encoding/xml"
	"net/http"
	"net/url"

	"s3gate/pkg/security/auth"
)

type postResponse struct {
	XMLName  xml.Name `xml:"PostResponse"`
	Location string   `xml:"Location"`
	Bucket   string   `xml:"Bucket"`
	Key      string   `xml:"Key"`
	ETag     string   `xml:"ETag"`
}

// handlePostUpload stores the file part of a browser form upload. The auth
// middleware has already parsed (and, if signed, verified) the form fields.
func (s *Server) handlePostUpload(w http.ResponseWriter, r *http.Request, bucket string) {
	form := auth.PostFormFromContext(r.Context())
	if form == nil {
		writeError(w, r, http.StatusPreconditionFailed, "PreconditionFailed", "Bucket POST must be of the enclosure-type multipart/form-data.")
		return
	}
	if form.File == nil {
		writeError(w, r, http.StatusBadRequest, "MalformedPOSTRequest", "The body of your POST request is not well-formed multipart/form-data.")
		return
	}
	key := form.Key()
	if key == "" {
		writeError(w, r, http.StatusBadRequest, "InvalidArgument", "Bucket POST must contain a field named 'key'.")
		return
	}
	if ok, _ := s.store.BucketExists(r.Context(), bucket); !ok {
		writeError(w, r, http.StatusNotFound, "NoSuchBucket", "The specified bucket does not exist.")
		return
	}
	etag, ok := s.putBody(w, r, bucket, key, form.File)
	if !ok {
		return
	}

	location := "/" + bucket + "/" + (&url.URL{Path: key}).EscapedPath()
	w.Header().Set("ETag", quoteETag(etag))
	w.Header().Set("Location", location)
	if redirect := form.Fields["success_action_redirect"]; redirect != "" {
		if u, err := url.Parse(redirect); err == nil && (u.Scheme == "http" || u.Scheme == "https") {
			q := u.Query()
			q.Set("bucket", bucket)
			q.Set("key", key)
			q.Set("etag", quoteETag(etag))
			u.RawQuery = q.Encode()
			http.Redirect(w, r, u.String(), http.StatusSeeOther)
			return
		}
	}
	switch form.Fields["success_action_status"] {
	case "200":
		w.WriteHeader(http.StatusOK)
	case "201":
		writeXML(w, http.StatusCreated, postResponse{Location: location, Bucket: bucket, Key: key, ETag: quoteETag(etag)})
	default:
		w.WriteHeader(http.StatusNoContent)
	}
}
