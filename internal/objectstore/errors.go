package objectstore

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net"
	"net/http"

	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	"github.com/aws/smithy-go"
	"google.golang.org/api/googleapi"
)

// Kind classifies an upload failure.
type Kind int

const (
	// KindRetryable failures leave the file queued for another attempt.
	KindRetryable Kind = iota
	// KindPermanent failures can never succeed for this file.
	KindPermanent
	// KindCanceled means the caller gave up; no state should change.
	KindCanceled
)

func (k Kind) String() string {
	switch k {
	case KindPermanent:
		return "permanent"
	case KindCanceled:
		return "canceled"
	default:
		return "retryable"
	}
}

// Error carries the classification of a failed store operation.
type Error struct {
	Op   string
	Key  string
	Kind Kind
	Err  error
}

func (e *Error) Error() string {
	if e.Key == "" {
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("%s %s: %v", e.Op, e.Key, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Permanent marks err as never retryable.
func Permanent(op, key string, err error) error {
	return &Error{Op: op, Key: key, Kind: KindPermanent, Err: err}
}

// wrap attaches op, key and the derived classification to err.
func wrap(op, key string, err error) error {
	if err == nil {
		return nil
	}
	var existing *Error
	if errors.As(err, &existing) {
		return err
	}
	return &Error{Op: op, Key: key, Kind: Classify(err), Err: err}
}

// permanentCodes are S3 error codes describing a request that will be
// rejected no matter how often it is repeated.
var permanentCodes = map[string]struct{}{
	"EntityTooLarge":     {},
	"EntityTooSmall":     {},
	"KeyTooLongError":    {},
	"InvalidArgument":    {},
	"MetadataTooLarge":   {},
	"InvalidObjectState": {},
}

// retryableCodes arrive with a 400 status but describe a transient condition
// such as a file that changed while it was read.
var retryableCodes = map[string]struct{}{
	"RequestTimeout":            {},
	"BadDigest":                 {},
	"InvalidDigest":             {},
	"XAmzContentSHA256Mismatch": {},
	"ExpiredToken":              {},
	"RequestTimeTooSkewed":      {},
	"IncompleteBody":            {},
}

// Classify decides whether err is worth retrying. Remote failures default to
// retryable, including authorization errors an operator can fix while the
// file waits. Request-shape errors and local file errors are permanent.
func Classify(err error) Kind {
	if err == nil {
		return KindRetryable
	}
	var typed *Error
	if errors.As(err, &typed) {
		return typed.Kind
	}
	if errors.Is(err, context.Canceled) {
		return KindCanceled
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindRetryable
	}
	if errors.Is(err, fs.ErrNotExist) || errors.Is(err, fs.ErrPermission) {
		return KindPermanent
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		code := apiErr.ErrorCode()
		if _, ok := retryableCodes[code]; ok {
			return KindRetryable
		}
		if _, ok := permanentCodes[code]; ok {
			return KindPermanent
		}
	}
	var respErr *awshttp.ResponseError
	if errors.As(err, &respErr) {
		return classifyStatus(respErr.HTTPStatusCode())
	}
	var gErr *googleapi.Error
	if errors.As(err, &gErr) {
		return classifyStatus(gErr.Code)
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return KindRetryable
	}
	return KindRetryable
}

func classifyStatus(code int) Kind {
	switch code {
	case http.StatusBadRequest, http.StatusLengthRequired, http.StatusRequestEntityTooLarge:
		return KindPermanent
	default:
		return KindRetryable
	}
}

// IsRetryable reports whether err leaves the file eligible for another attempt.
func IsRetryable(err error) bool { return Classify(err) == KindRetryable }

// IsPermanent reports whether err can never succeed for this file.
func IsPermanent(err error) bool { return Classify(err) == KindPermanent }
