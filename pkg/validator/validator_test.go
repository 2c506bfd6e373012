package validator

import (
	"errors"
	"strings"
	"testing"

	"anoa.com/communityforum/pkg/apperror"
)

type signUp struct {
	Username string `validate:"required,min=3"`
	Email    string `validate:"required,email"`
}

func TestValidateWrapsValidationError(t *testing.T) {
	err := Validate(signUp{Username: "ab", Email: "not-an-email"})
	if !errors.Is(err, apperror.ErrValidation) {
		t.Fatalf("expected ErrValidation, got %v", err)
	}
	msg := err.Error()
	if !strings.Contains(msg, "Username must be at least 3 characters") || !strings.Contains(msg, "Email must be a valid email") {
		t.Errorf("unexpected message %q", msg)
	}

	if err := Validate(signUp{Username: "alice", Email: "alice@example.com"}); err != nil {
		t.Errorf("expected valid input to pass, got %v", err)
	}
}

func TestSanitizeContent(t *testing.T) {
	got := SanitizeContent(`<p>hello <b>world</b></p><script>alert(1)</script>`)
	if strings.Contains(got, "<script>") {
		t.Errorf("script survived sanitizing: %q", got)
	}
	if !strings.Contains(got, "<b>world</b>") {
		t.Errorf("expected safe markup kept, got %q", got)
	}
	if StripTags("<i>plain</i> title") != "plain title" {
		t.Errorf("unexpected stripped output %q", StripTags("<i>plain</i> title"))
	}
}
