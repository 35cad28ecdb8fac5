package errs

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestErrorStringIncludesStructuredFields(t *testing.T) {
	cause := errors.New("connection reset")
	err := New("rest.place_order", CodeTransport,
		WithHTTP(502),
		WithMessage("upstream unavailable"),
		WithRawCode("-1001"),
		WithRawMessage("DISCONNECTED"),
		WithCause(cause),
	)

	got := err.Error()
	for _, want := range []string{
		"op=rest.place_order",
		"code=transport",
		"http=502",
		`message="upstream unavailable"`,
		`raw_code="-1001"`,
		`raw_msg="DISCONNECTED"`,
		`cause="connection reset"`,
	} {
		if !strings.Contains(got, want) {
			t.Fatalf("Error() = %q, missing %q", got, want)
		}
	}
}

func TestUnwrapExposesCause(t *testing.T) {
	cause := errors.New("boom")
	err := New("stream.decode", CodeProtocol, WithCause(cause))
	if !errors.Is(err, cause) {
		t.Fatalf("expected errors.Is to match cause")
	}
}

func TestCodeOfWalksWrappedChain(t *testing.T) {
	inner := New("rest.account", CodeRateLimited)
	wrapped := fmt.Errorf("query account: %w", inner)
	if got := CodeOf(wrapped); got != CodeRateLimited {
		t.Fatalf("CodeOf() = %q, want %q", got, CodeRateLimited)
	}
	if got := CodeOf(errors.New("plain")); got != "" {
		t.Fatalf("CodeOf(plain) = %q, want empty", got)
	}
}

func TestRetryableClassification(t *testing.T) {
	cases := map[Code]bool{
		CodeConfiguration: false,
		CodeValidation:    false,
		CodeTransport:     true,
		CodeProtocol:      false,
		CodeRateLimited:   true,
		CodeStaleUpdate:   false,
		CodeLeaseExpired:  true,
	}
	for code, want := range cases {
		if got := code.Retryable(); got != want {
			t.Fatalf("%s.Retryable() = %v, want %v", code, got, want)
		}
	}
}

func TestNilErrorString(t *testing.T) {
	var e *E
	if got := e.Error(); got != "<nil>" {
		t.Fatalf("nil Error() = %q", got)
	}
}
