package sigv4

import (
	"errors"
	"fmt"
)

// Errors returned by the sigv4 parsers and the aws-chunked decoder.
var (
	ErrMalformed            = errors.New("sigv4: malformed input")
	ErrUnsupportedAlgorithm = errors.New("sigv4: unsupported algorithm")

	ErrChunkFormat            = errors.New("sigv4: malformed aws-chunked encoding")
	ErrChunkIncomplete        = errors.New("sigv4: incomplete aws-chunked body")
	ErrChunkSignatureMismatch = errors.New("sigv4: chunk signature mismatch")
)

// ParseError reports which element of a signed request could not be parsed.
// It matches ErrMalformed with errors.Is.
type ParseError struct {
	Field  string
	Reason string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("sigv4: invalid %s: %s", e.Field, e.Reason)
}

func (e *ParseError) Unwrap() error { return ErrMalformed }

func parseErr(field, reason string) error {
	return &ParseError{Field: field, Reason: reason}
}

// IsStreamError reports whether err came from verifying an aws-chunked body.
// Such errors are fatal to the request body: the bytes can no longer be trusted.
func IsStreamError(err error) bool {
	return errors.Is(err, ErrChunkFormat) ||
		errors.Is(err, ErrChunkIncomplete) ||
		errors.Is(err, ErrChunkSignatureMismatch)
}
