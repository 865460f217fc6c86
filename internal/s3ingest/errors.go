package s3ingest

import (
	"errors"
	"net"

	"github.com/aws/smithy-go"
)

// retryableS3Codes are the AWS error codes classified as transient,
// matched against smithy.APIError.ErrorCode().
var retryableS3Codes = map[string]struct{}{
	"SlowDown":           {},
	"InternalError":      {},
	"RequestTimeout":     {},
	"ServiceUnavailable": {},
}

// nonRetryableS3Codes are named explicitly so errorCategory can label
// them distinctly from the "everything else" default bucket, even though
// both are equally non-retryable.
var nonRetryableS3Codes = map[string]struct{}{
	"NoSuchKey":      {},
	"NoSuchBucket":   {},
	"AccessDenied":   {},
	"InvalidRequest": {},
}

// isRetryable classifies an AWS S3 API error against retryableS3Codes.
// A response that reached the API with a named non-transient code is
// never retried; a call that never got an API response at all (a
// dial/read timeout, connection reset, or other net.Error) is retried
// only when the transport error reports Timeout(), since those never
// carry an ErrorCode to match against.
func isRetryable(err error) bool {
	if err == nil {
		return false
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		_, ok := retryableS3Codes[apiErr.ErrorCode()]
		return ok
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return netErr.Timeout()
	}
	return false
}

// errorCategory returns a short label for metrics/logging, distinguishing
// retryable, known-non-retryable, and unrecognized error shapes.
func errorCategory(err error) string {
	if err == nil {
		return ""
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		code := apiErr.ErrorCode()
		if _, ok := retryableS3Codes[code]; ok {
			return "retryable:" + code
		}
		if _, ok := nonRetryableS3Codes[code]; ok {
			return "non-retryable:" + code
		}
		return "unclassified:" + code
	}
	return "unclassified:non-aws-error"
}
