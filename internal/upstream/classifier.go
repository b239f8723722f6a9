package upstream

import (
	"context"
	"errors"
)

// ErrorClass is the category assigned to a failed upstream attempt. The
// dispatcher maps each class to a recovery action (rotate, refresh, back
// off, or fail immediately).
type ErrorClass string

const (
	// ClassRateLimited — upstream quota exhausted for this credential (429).
	// Transient and credential-specific; rotation usually resolves it.
	ClassRateLimited ErrorClass = "rate_limited"

	// ClassAuthInvalid — the credential's token is expired or stale (401), or
	// the upstream reports "not found" for a resource that previously worked
	// (404). The latter is almost always an identity problem rather than a
	// genuine missing resource, so both get the refresh-first treatment.
	ClassAuthInvalid ErrorClass = "auth_invalid"

	// ClassPermissionDenied — the credential is flatly rejected (403).
	// Refreshing won't help; the credential is banned.
	ClassPermissionDenied ErrorClass = "permission_denied"

	// ClassBadRequest — the request parameters themselves are invalid (400
	// and remaining 4xx). Retrying cannot fix a malformed request.
	ClassBadRequest ErrorClass = "bad_request"

	// ClassServerFault — upstream infrastructure failure (5xx).
	ClassServerFault ErrorClass = "server_fault"

	// ClassNetworkFault — transport-level failure: timeout, connection
	// reset, DNS, or any error that never produced an upstream status.
	ClassNetworkFault ErrorClass = "network_fault"
)

// Classify maps a failed attempt's error to its ErrorClass.
//
//	429            → rate_limited
//	401, 404       → auth_invalid (404-after-success treated as identity expiry)
//	403            → permission_denied
//	other 4xx      → bad_request
//	5xx            → server_fault
//	timeouts and transport errors → network_fault
func Classify(err error) ErrorClass {
	if errors.Is(err, context.DeadlineExceeded) {
		return ClassNetworkFault
	}

	var sc StatusCoder
	if errors.As(err, &sc) {
		status := sc.HTTPStatus()
		switch {
		case status == 429:
			return ClassRateLimited
		case status == 401 || status == 404:
			return ClassAuthInvalid
		case status == 403:
			return ClassPermissionDenied
		case status >= 400 && status < 500:
			return ClassBadRequest
		case status >= 500 && status < 600:
			return ClassServerFault
		}
	}

	return ClassNetworkFault
}
