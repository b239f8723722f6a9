package upstream

import (
	"context"
	"fmt"
	"testing"
)

func TestClassify_RateLimited(t *testing.T) {
	err := &Error{Status: 429, Message: "quota exhausted"}
	if got := Classify(err); got != ClassRateLimited {
		t.Errorf("expected rate_limited, got %s", got)
	}
}

func TestClassify_AuthInvalid(t *testing.T) {
	for _, status := range []int{401, 404} {
		t.Run(fmt.Sprintf("status_%d", status), func(t *testing.T) {
			err := &Error{Status: status, Message: "auth"}
			if got := Classify(err); got != ClassAuthInvalid {
				t.Errorf("status %d: expected auth_invalid, got %s", status, got)
			}
		})
	}
}

func TestClassify_PermissionDenied(t *testing.T) {
	err := &Error{Status: 403, Message: "forbidden"}
	if got := Classify(err); got != ClassPermissionDenied {
		t.Errorf("expected permission_denied, got %s", got)
	}
}

func TestClassify_BadRequest(t *testing.T) {
	for _, status := range []int{400, 409, 413, 422} {
		t.Run(fmt.Sprintf("status_%d", status), func(t *testing.T) {
			err := &Error{Status: status, Message: "bad"}
			if got := Classify(err); got != ClassBadRequest {
				t.Errorf("status %d: expected bad_request, got %s", status, got)
			}
		})
	}
}

func TestClassify_ServerFault(t *testing.T) {
	for _, status := range []int{500, 502, 503, 504} {
		t.Run(fmt.Sprintf("status_%d", status), func(t *testing.T) {
			err := &Error{Status: status, Message: "server"}
			if got := Classify(err); got != ClassServerFault {
				t.Errorf("status %d: expected server_fault, got %s", status, got)
			}
		})
	}
}

func TestClassify_Timeout(t *testing.T) {
	if got := Classify(context.DeadlineExceeded); got != ClassNetworkFault {
		t.Errorf("expected network_fault for deadline, got %s", got)
	}
}

func TestClassify_TransportError(t *testing.T) {
	err := fmt.Errorf("connection refused")
	if got := Classify(err); got != ClassNetworkFault {
		t.Errorf("expected network_fault for transport error, got %s", got)
	}
}

func TestClassify_WrappedStatusCoder(t *testing.T) {
	err := fmt.Errorf("send: %w", &Error{Status: 429, Message: "limit"})
	if got := Classify(err); got != ClassRateLimited {
		t.Errorf("expected rate_limited through wrapping, got %s", got)
	}
}
