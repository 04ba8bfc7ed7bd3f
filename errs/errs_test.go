package errs

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestErrorFormattingIncludesReasonAndMetadata(t *testing.T) {
	err := New(
		"accounts",
		CodeInvalid,
		WithHTTP(401),
		WithMessage("child credential could not be verified"),
		WithReason("credential_rejected"),
		WithRawCode("UDAPI100050"),
		WithRawMessage("Invalid token used to access API"),
		WithField("child_user_id", "C1"),
		WithField("parent_user_id", "P1"),
		WithCause(errors.New("broker http 401")),
	)

	out := err.Error()
	if !strings.Contains(out, "component=accounts") {
		t.Fatalf("expected component marker in error string: %s", out)
	}
	if !strings.Contains(out, "code=invalid_request") {
		t.Fatalf("expected code in error string: %s", out)
	}
	if !strings.Contains(out, "reason=credential_rejected") {
		t.Fatalf("expected reason in error string: %s", out)
	}
	expectedMeta := "meta=child_user_id=\"C1\",parent_user_id=\"P1\""
	if !strings.Contains(out, expectedMeta) {
		t.Fatalf("expected metadata %q in error string: %s", expectedMeta, out)
	}
	if !strings.Contains(out, "cause=\"broker http 401\"") {
		t.Fatalf("expected wrapped cause in error string: %s", out)
	}
}

func TestCodeOfFollowsWrapping(t *testing.T) {
	base := NotFound("orderstore", "order not found")
	wrapped := fmt.Errorf("cancel: %w", base)

	if got := CodeOf(wrapped); got != CodeNotFound {
		t.Fatalf("expected not_found, got %q", got)
	}
	if !Is(wrapped, CodeNotFound) {
		t.Fatal("expected Is to match wrapped envelope")
	}
	if Is(errors.New("plain"), CodeNotFound) {
		t.Fatal("plain errors carry no code")
	}
	if Is(nil, CodeNotFound) {
		t.Fatal("nil error carries no code")
	}
}

func TestUnwrapExposesCause(t *testing.T) {
	cause := errors.New("dial tcp: refused")
	err := New("broker", CodeUnavailable, WithCause(cause))
	if !errors.Is(err, cause) {
		t.Fatal("expected errors.Is to reach the cause")
	}
}

func TestNilErrorString(t *testing.T) {
	var e *E
	if got := e.Error(); got != "<nil>" {
		t.Fatalf("expected <nil> string for nil error, got %q", got)
	}
}
