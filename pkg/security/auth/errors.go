package auth

import (
	"encoding/xml"
	"errors"
	"net/http"

	"github.com/google/uuid"
)

// Code is the stable S3 error code rendered in the XML body.
type Code string

const (
	CodeSignatureDoesNotMatch Code = "SignatureDoesNotMatch"
	CodeAccessDenied          Code = "AccessDenied"
	CodeRequestTimeTooSkewed  Code = "RequestTimeTooSkewed"
	CodeInvalidRequest        Code = "InvalidRequest"
	CodeMalformedPOSTRequest  Code = "MalformedPOSTRequest"
	CodeMissingContentLength  Code = "MissingContentLength"
	CodeEntityTooLarge        Code = "EntityTooLarge"
	CodeNotImplemented        Code = "NotImplemented"
	CodeNotSignedUp           Code = "NotSignedUp"
	CodeInternalError         Code = "InternalError"
)

var codeStatus = map[Code]int{
	CodeSignatureDoesNotMatch: http.StatusForbidden,
	CodeAccessDenied:          http.StatusForbidden,
	CodeRequestTimeTooSkewed:  http.StatusForbidden,
	CodeInvalidRequest:        http.StatusBadRequest,
	CodeMalformedPOSTRequest:  http.StatusBadRequest,
	CodeMissingContentLength:  http.StatusLengthRequired,
	CodeEntityTooLarge:        http.StatusBadRequest,
	CodeNotImplemented:        http.StatusNotImplemented,
	CodeNotSignedUp:           http.StatusForbidden,
	CodeInternalError:         http.StatusInternalServerError,
}

// Error is a terminal authentication failure. Message is safe to show to the
// client; Cause is for logs only.
type Error struct {
	Code    Code
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return string(e.Code) + ": " + e.Message + ": " + e.Cause.Error()
	}
	return string(e.Code) + ": " + e.Message
}

func (e *Error) Unwrap() error { return e.Cause }

// HTTPStatus maps the code to its response status.
func (e *Error) HTTPStatus() int {
	if s, ok := codeStatus[e.Code]; ok {
		return s
	}
	return http.StatusInternalServerError
}

func newError(code Code, msg string, cause error) *Error {
	return &Error{Code: code, Message: msg, Cause: cause}
}

func signatureMismatch() *Error {
	return newError(CodeSignatureDoesNotMatch,
		"The request signature we calculated does not match the signature you provided. Check your key and signing method.", nil)
}

type errorBody struct {
	XMLName   xml.Name `xml:"Error"`
	Code      string   `xml:"Code"`
	Message   string   `xml:"Message"`
	Resource  string   `xml:"Resource"`
	RequestID string   `xml:"RequestId"`
}

// WriteError renders err as an S3 XML error. Errors that are not *Error are
// reported as InternalError without their text.
func WriteError(w http.ResponseWriter, r *http.Request, err error) {
	var e *Error
	if !errors.As(err, &e) {
		e = newError(CodeInternalError, "We encountered an internal error. Please try again.", err)
	}
	reqID := w.Header().Get("x-amz-request-id")
	if reqID == "" {
		reqID = uuid.NewString()
		w.Header().Set("x-amz-request-id", reqID)
	}
	w.Header().Set("Content-Type", "application/xml")
	w.WriteHeader(e.HTTPStatus())
	if r.Method == http.MethodHead {
		return
	}
	_, _ = w.Write([]byte(xml.Header))
	_ = xml.NewEncoder(w).Encode(errorBody{
		Code:      string(e.Code),
		Message:   e.Message,
		Resource:  r.URL.Path,
		RequestID: reqID,
	})
}
