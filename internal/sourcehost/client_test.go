package sourcehost

import (
	"errors"
	"net/http"
	"testing"

	"github.com/google/go-github/v66/github"

	"github.com/overskill/deployctl/internal/ctlerr"
)

func TestClassifyErrNilIsNil(t *testing.T) {
	if err := classifyErr(nil, nil); err != nil {
		t.Fatalf("expected nil, got %v", err)
	}
}

func TestClassifyErrMapsStatusCodes(t *testing.T) {
	cases := []struct {
		status int
		want   any
	}{
		{http.StatusTooManyRequests, &ctlerr.RateLimited{}},
		{http.StatusUnauthorized, &ctlerr.Unauthorized{}},
		{http.StatusForbidden, &ctlerr.Unauthorized{}},
		{http.StatusNotFound, &ctlerr.NotFound{}},
		{http.StatusConflict, &ctlerr.Conflict{}},
		{http.StatusBadGateway, &ctlerr.Transient{}},
		{http.StatusUnprocessableEntity, &ctlerr.Permanent{}},
	}
	for _, tc := range cases {
		resp := &github.Response{Response: &http.Response{StatusCode: tc.status}}
		got := classifyErr(resp, errors.New("boom"))
		if got == nil {
			t.Fatalf("status %d: expected non-nil error", tc.status)
		}
		switch tc.want.(type) {
		case *ctlerr.RateLimited:
			if _, ok := got.(*ctlerr.RateLimited); !ok {
				t.Fatalf("status %d: expected RateLimited, got %T", tc.status, got)
			}
		case *ctlerr.Unauthorized:
			if _, ok := got.(*ctlerr.Unauthorized); !ok {
				t.Fatalf("status %d: expected Unauthorized, got %T", tc.status, got)
			}
		case *ctlerr.NotFound:
			if _, ok := got.(*ctlerr.NotFound); !ok {
				t.Fatalf("status %d: expected NotFound, got %T", tc.status, got)
			}
		case *ctlerr.Conflict:
			if _, ok := got.(*ctlerr.Conflict); !ok {
				t.Fatalf("status %d: expected Conflict, got %T", tc.status, got)
			}
		case *ctlerr.Transient:
			if _, ok := got.(*ctlerr.Transient); !ok {
				t.Fatalf("status %d: expected Transient, got %T", tc.status, got)
			}
		case *ctlerr.Permanent:
			if _, ok := got.(*ctlerr.Permanent); !ok {
				t.Fatalf("status %d: expected Permanent, got %T", tc.status, got)
			}
		}
	}
}

func TestClassifyErrNoResponseIsTransient(t *testing.T) {
	got := classifyErr(nil, errors.New("dial tcp: timeout"))
	if _, ok := got.(*ctlerr.Transient); !ok {
		t.Fatalf("expected Transient for a network error with no response, got %T", got)
	}
}

func TestIsAcceptedAsyncRecognizesForkAccepted(t *testing.T) {
	if !isAcceptedAsync(&github.AcceptedError{}) {
		t.Fatalf("expected AcceptedError to be treated as success")
	}
	if isAcceptedAsync(errors.New("other")) {
		t.Fatalf("expected a non-AcceptedError to not be treated as success")
	}
}
