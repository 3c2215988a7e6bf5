// Package s3 routes S3 bucket and object requests onto pkg/storage and
// pkg/metadata. It runs behind the auth middleware: handlers read the
// verified identity from the request context and consume r.Body, which the
// middleware may have replaced with a verifying aws-chunked decoder.
package s3
