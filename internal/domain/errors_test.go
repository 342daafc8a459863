package domain

import (
	"errors"
	"net/http"
	"testing"
)

func TestAPIErrorStatusCodeOverride(t *testing.T) {
	err := ErrServer("Upstream request failed.")
	if got := err.HTTPStatusCode(); got != http.StatusInternalServerError {
		t.Fatalf("default status = %d, want %d", got, http.StatusInternalServerError)
	}

	err = err.WithStatusCode(http.StatusBadGateway)
	if got := err.HTTPStatusCode(); got != http.StatusBadGateway {
		t.Fatalf("overridden status = %d, want %d", got, http.StatusBadGateway)
	}
}

func TestAPIErrorBuildersChain(t *testing.T) {
	cause := errors.New("connection reset by peer")
	err := ErrOverloaded("The service is busy.").
		WithCause(cause).
		WithStatusCode(529)

	if got := err.HTTPStatusCode(); got != 529 {
		t.Fatalf("status = %d, want 529", got)
	}
	if !errors.Is(err, cause) {
		t.Fatal("wrapped cause not reachable via errors.Is")
	}
}
