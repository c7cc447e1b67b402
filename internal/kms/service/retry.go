package service

import (
	"context"
	"errors"
	"net"

	"github.com/aws/smithy-go"
	"gocloud.dev/gcerrors"
)

// transientAWSCodes are AWS KMS error codes worth retrying.
var transientAWSCodes = map[string]struct{}{
	"ThrottlingException":         {},
	"RequestLimitExceeded":        {},
	"LimitExceededException":      {},
	"KMSInternalException":        {},
	"DependencyTimeoutException":  {},
	"ServiceUnavailableException": {},
	"InternalFailure":             {},
}

// isTransient reports whether a provider error may succeed on retry.
// Caller cancellation, authentication, permission and malformed-request errors are not transient.
func isTransient(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		_, ok := transientAWSCodes[apiErr.ErrorCode()]
		return ok
	}

	switch gcerrors.Code(err) {
	case gcerrors.ResourceExhausted, gcerrors.DeadlineExceeded, gcerrors.Internal:
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	return errors.Is(err, context.DeadlineExceeded)
}
