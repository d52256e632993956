package errors

import (
	stderrors "errors"
	"fmt"
	"strings"
	"testing"
)

func TestIsCode(t *testing.T) {
	err := ScopeConflictError("prop-001", "2024-Q1", "sess-1")
	if !IsCode(err, CodeScopeConflict) {
		t.Error("IsCode must match the carried code")
	}
	if IsCode(err, CodeCommitFailed) {
		t.Error("IsCode must not match a different code")
	}
	if IsCode(nil, CodeScopeConflict) {
		t.Error("nil error carries no code")
	}
	if IsCode(stderrors.New("plain"), CodeScopeConflict) {
		t.Error("plain errors carry no code")
	}
}

func TestIsCodeThroughWrapping(t *testing.T) {
	inner := StorageCommitError("append resolutions", fmt.Errorf("database is locked"))
	wrapped := fmt.Errorf("bulk resolve: %w", inner)
	if !IsCode(wrapped, CodeCommitFailed) {
		t.Error("IsCode must unwrap standard wrapping")
	}
}

func TestIsTransient(t *testing.T) {
	if !IsTransient(StorageCommitError("commit", fmt.Errorf("locked"))) {
		t.Error("commit failures are transient")
	}

	// Everything else is deterministic and must not be retried.
	notTransient := []error{
		ValidationError(CodeInvalidAmount, "amount", "abc", nil),
		ScopeConflictError("prop-001", "2024-Q1", "sess-1"),
		TransitionError("sess-1", "completed", "under_review"),
		SessionNotFound("sess-1"),
		NotFoundError("discrepancy", "d-1"),
		ConfigurationError("workers", 0, nil),
		stderrors.New("plain"),
	}
	for _, err := range notTransient {
		if IsTransient(err) {
			t.Errorf("%v must not be transient", err)
		}
	}
}

func TestAsReconcilerError(t *testing.T) {
	re, ok := AsReconcilerError(SessionNotFound("sess-1"))
	if !ok {
		t.Fatal("expected a ReconcilerError")
	}
	if re.Category != CategorySession || re.Code != CodeSessionNotFound {
		t.Errorf("got %s/%s", re.Category, re.Code)
	}
	if re.Context["session_id"] != "sess-1" {
		t.Errorf("context = %v", re.Context)
	}

	if _, ok := AsReconcilerError(stderrors.New("plain")); ok {
		t.Error("plain errors must not convert")
	}
}

func TestAsReconcilerErrorUnwrapsPendingCritical(t *testing.T) {
	err := NewPendingCriticalError("sess-1", []string{"d-1", "d-2"})

	re, ok := AsReconcilerError(err)
	if !ok {
		t.Fatal("PendingCriticalError must convert")
	}
	if re.Code != CodePendingCritical {
		t.Errorf("code = %s", re.Code)
	}
	if re.Context["blocking_count"] != 2 {
		t.Errorf("blocking_count = %v", re.Context["blocking_count"])
	}

	var pending *PendingCriticalError
	if !stderrors.As(err, &pending) {
		t.Fatal("errors.As must find the concrete type")
	}
	if len(pending.BlockingIDs) != 2 || pending.BlockingIDs[0] != "d-1" {
		t.Errorf("blocking ids = %v", pending.BlockingIDs)
	}
}

func TestErrorMessageIncludesSuggestion(t *testing.T) {
	err := StorageCommitError("commit", fmt.Errorf("locked"))
	if !strings.Contains(err.Error(), "suggestion:") {
		t.Errorf("message %q must surface the suggestion", err.Error())
	}

	bare := TransitionError("sess-1", "completed", "resolve")
	if strings.Contains(bare.Error(), "suggestion:") {
		t.Errorf("message %q must not invent a suggestion", bare.Error())
	}
}

func TestUnwrapReturnsCause(t *testing.T) {
	cause := fmt.Errorf("disk full")
	err := StorageCommitError("commit", cause)
	if !stderrors.Is(err, cause) {
		t.Error("wrapped cause must be reachable with errors.Is")
	}
}

func TestValidationErrorMessages(t *testing.T) {
	amount := ValidationError(CodeInvalidAmount, "amount", "12.34.56", nil)
	if !strings.Contains(amount.Message, "12.34.56") {
		t.Errorf("amount message = %q", amount.Message)
	}

	missing := ValidationError(CodeMissingField, "account_name", nil, nil)
	if !strings.Contains(missing.Message, "account_name") {
		t.Errorf("missing-field message = %q", missing.Message)
	}
}

func TestErrorSummary(t *testing.T) {
	summary := NewErrorSummary([]*ReconcilerError{
		ValidationError(CodeInvalidAmount, "amount", "abc", nil),
		ValidationError(CodeMissingField, "account_name", nil, nil),
		RuleSkipped("cash-tie", "no record matches CF.ending_cash"),
	})

	if summary.Total != 3 {
		t.Errorf("total = %d", summary.Total)
	}
	if summary.ByCategory[CategoryValidation] != 2 {
		t.Errorf("validation count = %d", summary.ByCategory[CategoryValidation])
	}
	if !summary.HasCategory(CategoryRule) {
		t.Error("rule category missing")
	}
	if summary.HasCategory(CategoryStorage) {
		t.Error("storage category must be absent")
	}
	if !strings.Contains(summary.Error(), "3 errors occurred") {
		t.Errorf("summary message = %q", summary.Error())
	}

	empty := NewErrorSummary(nil)
	if empty.Error() != "no errors" {
		t.Errorf("empty summary message = %q", empty.Error())
	}

	one := NewErrorSummary([]*ReconcilerError{SessionNotFound("sess-1")})
	if !strings.Contains(one.Error(), "sess-1") {
		t.Errorf("single-error summary = %q", one.Error())
	}
}
