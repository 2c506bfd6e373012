package apperror

import (
	"errors"
	"fmt"
	"net/http"
	"testing"
)

func TestMapErrorToStatus(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
		code string
	}{
		{name: "authentication", err: ErrAuthenticationRequired, want: http.StatusUnauthorized, code: "AUTHENTICATION_REQUIRED"},
		{name: "wrapped permission", err: fmt.Errorf("pin thread: %w", ErrPermissionDenied), want: http.StatusForbidden, code: "PERMISSION_DENIED"},
		{name: "not found", err: ErrNotFound, want: http.StatusNotFound, code: "NOT_FOUND"},
		{name: "conflict", err: fmt.Errorf("report already resolved: %w", ErrConflict), want: http.StatusConflict, code: "CONFLICT"},
		{name: "validation", err: ErrValidation, want: http.StatusBadRequest, code: "VALIDATION_ERROR"},
		{name: "transient", err: ErrTransientNetwork, want: http.StatusServiceUnavailable, code: "TRANSIENT_NETWORK_ERROR"},
		{name: "rate limit", err: ErrRateLimitExceeded, want: http.StatusTooManyRequests, code: "RATE_LIMITED"},
		{name: "unknown", err: errors.New("boom"), want: http.StatusInternalServerError, code: "INTERNAL"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := MapErrorToStatus(tc.err); got != tc.want {
				t.Fatalf("expected status %d, got %d", tc.want, got)
			}
			if got := Code(tc.err); got != tc.code {
				t.Fatalf("expected code %s, got %s", tc.code, got)
			}
		})
	}
}

func TestAppErrorCarriesStatus(t *testing.T) {
	err := New(http.StatusTeapot, "short and stout", ErrValidation)
	if MapErrorToStatus(err) != http.StatusTeapot {
		t.Fatalf("expected explicit code to win, got %d", MapErrorToStatus(err))
	}
	if !errors.Is(err, ErrValidation) {
		t.Fatal("expected AppError to unwrap to ErrValidation")
	}
	if err.Error() != "short and stout" {
		t.Fatalf("unexpected message %q", err.Error())
	}
}

func TestIsLocal(t *testing.T) {
	if !IsLocal(fmt.Errorf("x: %w", ErrPermissionDenied)) {
		t.Fatal("permission errors are local")
	}
	if IsLocal(ErrTransientNetwork) {
		t.Fatal("network errors are not local")
	}
}
