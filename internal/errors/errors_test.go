package errors

import (
	"errors"
	"fmt"
	"net/http"
	"testing"
)

func TestIntakeError_Error(t *testing.T) {
	err := New(ErrCategoryValidation, CodeInvalidRole, "role must be video or logs")
	expected := "[VALIDATION:INVALID_ROLE] role must be video or logs"
	if err.Error() != expected {
		t.Errorf("got %q, want %q", err.Error(), expected)
	}
}

func TestIntakeError_ErrorWithCause(t *testing.T) {
	cause := fmt.Errorf("connection refused")
	err := Wrap(ErrCategoryStorage, CodeStoreUnavailable, "create multipart upload", cause)
	expected := "[STORAGE:STORE_UNAVAILABLE] create multipart upload: connection refused"
	if err.Error() != expected {
		t.Errorf("got %q, want %q", err.Error(), expected)
	}
}

func TestIntakeError_Unwrap(t *testing.T) {
	cause := fmt.Errorf("root cause")
	err := Wrap(ErrCategoryStorage, CodePreconditionFailed, "etag moved", cause)
	if !errors.Is(err, cause) {
		t.Error("Unwrap should allow errors.Is to find the cause")
	}
}

func TestIntakeError_Is(t *testing.T) {
	err1 := New(ErrCategoryNotFound, CodeIncidentNotFound, "first")
	err2 := New(ErrCategoryNotFound, CodeIncidentNotFound, "second")
	err3 := New(ErrCategoryNotFound, CodeSessionNotFound, "different code")

	if !errors.Is(err1, err2) {
		t.Error("errors with same category+code should match via Is")
	}
	if errors.Is(err1, err3) {
		t.Error("errors with different codes should not match via Is")
	}

	wrapped := fmt.Errorf("complete: %w", err1)
	if !errors.Is(wrapped, err2) {
		t.Error("Is should see through fmt wrapping")
	}
}

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		category  ErrorCategory
		code      string
		retryable bool
	}{
		{ErrCategoryStorage, CodeStoreUnavailable, true},
		{ErrCategoryStorage, CodePreconditionFailed, true},
		{ErrCategoryStorage, CodeObjectNotFound, false},
		{ErrCategoryStorage, CodeIncompletePartSet, false},
		{ErrCategoryNotFound, CodeIncidentNotFound, false},
		{ErrCategoryValidation, CodeInvalidPayload, false},
		{ErrCategoryAuth, CodeUnauthorized, false},
		{ErrCategoryInternal, CodeUnexpected, false},
	}

	for _, tt := range tests {
		err := New(tt.category, tt.code, "test")
		if IsRetryable(err) != tt.retryable {
			t.Errorf("%s:%s retryable=%v, want %v", tt.category, tt.code, IsRetryable(err), tt.retryable)
		}
	}
}

func TestHTTPStatus(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{NewValidationError(CodeFileTooLarge, "too big"), http.StatusBadRequest},
		{NewNotFoundError(CodeIncidentNotFound, "missing"), http.StatusNotFound},
		{NewNotFoundError(CodeSessionNotFound, "missing"), http.StatusNotFound},
		{NewAuthError("bad secret"), http.StatusUnauthorized},
		{NewStorageError(CodeStoreUnavailable, "down", nil), http.StatusServiceUnavailable},
		{NewStorageError(CodeIncompletePartSet, "gap", nil), http.StatusBadRequest},
		{NewStorageError(CodeObjectNotFound, "gone", nil), http.StatusInternalServerError},
		{NewInternalError("boom", nil), http.StatusInternalServerError},
		{fmt.Errorf("plain"), http.StatusInternalServerError},
		{fmt.Errorf("wrapped: %w", NewValidationError(CodeInvalidRole, "x")), http.StatusBadRequest},
	}

	for _, tt := range tests {
		if got := HTTPStatus(tt.err); got != tt.want {
			t.Errorf("HTTPStatus(%v) = %d, want %d", tt.err, got, tt.want)
		}
	}
}

func TestPublicMessage(t *testing.T) {
	if got := PublicMessage(NewValidationError(CodeInvalidType, "unsupported file type")); got != "unsupported file type" {
		t.Errorf("got %q", got)
	}
	if got := PublicMessage(NewInternalError("db path /var/x", nil)); got != "internal error" {
		t.Errorf("internal details leaked: %q", got)
	}
	if got := PublicMessage(fmt.Errorf("plain")); got != "internal error" {
		t.Errorf("got %q", got)
	}
}

func TestGetCategory(t *testing.T) {
	err := New(ErrCategoryNotFound, CodeReportNotFound, "no report")
	if GetCategory(err) != ErrCategoryNotFound {
		t.Errorf("got %q, want %q", GetCategory(err), ErrCategoryNotFound)
	}
	if GetCategory(fmt.Errorf("plain error")) != "" {
		t.Error("non-IntakeError should return empty category")
	}
}

func TestGetCode(t *testing.T) {
	err := New(ErrCategoryValidation, CodeInvalidParts, "parts required")
	if GetCode(err) != CodeInvalidParts {
		t.Errorf("got %q, want %q", GetCode(err), CodeInvalidParts)
	}
	if GetCode(fmt.Errorf("plain error")) != "" {
		t.Error("non-IntakeError should return empty code")
	}
}

func TestWithDetails(t *testing.T) {
	err := New(ErrCategoryValidation, CodeInvalidSize, "bad size")
	detailed := err.WithDetails(map[string]interface{}{"fileSize": int64(-1)})

	if detailed.Details["fileSize"] != int64(-1) {
		t.Error("WithDetails should set details")
	}
	if err.Details != nil {
		t.Error("WithDetails should not modify original")
	}
}

func TestConvenienceConstructors(t *testing.T) {
	cause := fmt.Errorf("io error")

	v := NewValidationError(CodeInvalidPayload, "missing fields")
	if v.Category != ErrCategoryValidation || v.Code != CodeInvalidPayload {
		t.Error("NewValidationError mismatch")
	}

	n := NewNotFoundError(CodeIncidentNotFound, "no incident")
	if n.Category != ErrCategoryNotFound {
		t.Error("NewNotFoundError mismatch")
	}

	s := NewStorageError(CodeStoreUnavailable, "s3 down", cause)
	if s.Category != ErrCategoryStorage || !errors.Is(s, cause) {
		t.Error("NewStorageError mismatch")
	}

	a := NewAuthError("no secret")
	if a.Category != ErrCategoryAuth || a.Code != CodeUnauthorized {
		t.Error("NewAuthError mismatch")
	}

	i := NewInternalError("unexpected", cause)
	if i.Category != ErrCategoryInternal || i.Code != CodeUnexpected {
		t.Error("NewInternalError mismatch")
	}
}
