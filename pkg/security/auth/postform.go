package auth

import (
	"errors"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"strings"

	"s3gate/pkg/security/sigv4"
)

// DefaultMaxPostFormSize bounds the form fields preceding the file part.
const DefaultMaxPostFormSize = 1 << 20

var ErrNotMultipart = errors.New("auth: not a multipart/form-data request")

// PostForm is a browser POST upload: every field before the file part, plus
// the file part itself left unread.
type PostForm struct {
	Fields   sigv4.FormFields
	FileName string
	// File streams the file part. Nil if the form had none.
	File io.Reader
}

// Signed reports whether the form carries SigV4 POST policy fields.
func (f *PostForm) Signed() bool {
	_, sig := f.Fields["x-amz-signature"]
	_, pol := f.Fields["policy"]
	return sig || pol
}

// Key returns the object key with ${filename} substituted.
func (f *PostForm) Key() string {
	return strings.ReplaceAll(f.Fields["key"], "${filename}", f.FileName)
}

// IsMultipartForm reports whether r carries a multipart/form-data body.
func IsMultipartForm(contentType string) bool {
	mt, _, err := mime.ParseMediaType(contentType)
	return err == nil && mt == "multipart/form-data"
}

// ParsePostForm reads r's multipart fields up to the "file" part, which is
// left streaming on the returned form. Field names are lower-cased; their
// combined size may not exceed limit bytes.
func ParsePostForm(r *http.Request, limit int64) (*PostForm, error) {
	if limit <= 0 {
		limit = DefaultMaxPostFormSize
	}
	mt, params, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if err != nil || mt != "multipart/form-data" {
		return nil, ErrNotMultipart
	}
	boundary := params["boundary"]
	if boundary == "" {
		return nil, fmt.Errorf("%w: missing boundary", ErrNotMultipart)
	}

	mr := multipart.NewReader(r.Body, boundary)
	form := &PostForm{Fields: sigv4.FormFields{}}
	remaining := limit
	for {
		part, err := mr.NextPart()
		// only a bare io.EOF marks the closing boundary; a truncated body
		// comes back wrapped
		if err == io.EOF {
			return form, nil
		}
		if err != nil {
			return nil, fmt.Errorf("auth: read multipart form: %w", err)
		}
		name := strings.ToLower(part.FormName())
		if name == "" {
			return nil, errors.New("auth: multipart part without a form name")
		}
		if name == "file" {
			form.FileName = part.FileName()
			form.File = part
			return form, nil
		}
		value, err := io.ReadAll(io.LimitReader(part, remaining+1))
		if err != nil {
			return nil, fmt.Errorf("auth: read form field %q: %w", name, err)
		}
		if int64(len(value)) > remaining {
			return nil, fmt.Errorf("auth: form fields exceed %d bytes", limit)
		}
		remaining -= int64(len(value))
		if _, dup := form.Fields[name]; dup {
			return nil, fmt.Errorf("auth: duplicate form field %q", name)
		}
		form.Fields[name] = string(value)
	}
}
