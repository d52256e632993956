// Package errors defines the error taxonomy for the reconciliation engine.
//
// Errors carry a category, a machine-readable code, an optional suggestion
// for the operator, and free-form context. Per-record and per-rule failures
// are represented here but never abort a reconciliation run; workflow-level
// failures (scope conflicts, premature completion) are surfaced to callers
// with enough context to act on.
package errors

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"
)

// ErrorCategory groups errors by the subsystem that raised them.
type ErrorCategory string

const (
	CategoryValidation    ErrorCategory = "validation"
	CategoryRule          ErrorCategory = "rule"
	CategorySession       ErrorCategory = "session"
	CategoryStorage       ErrorCategory = "storage"
	CategoryConfiguration ErrorCategory = "configuration"
	CategoryInternal      ErrorCategory = "internal"
)

// ErrorCode identifies a specific failure within a category.
type ErrorCode string

const (
	// Validation errors
	CodeInvalidRecord ErrorCode = "invalid_record"
	CodeInvalidAmount ErrorCode = "invalid_amount"
	CodeMissingField  ErrorCode = "missing_field"

	// Rule errors
	CodeRuleSkipped      ErrorCode = "rule_skipped"
	CodeInvalidFormula   ErrorCode = "invalid_formula"
	CodeInvalidTolerance ErrorCode = "invalid_tolerance"

	// Session errors
	CodeScopeConflict     ErrorCode = "scope_conflict"
	CodePendingCritical   ErrorCode = "pending_critical"
	CodeInvalidTransition ErrorCode = "invalid_transition"
	CodeSessionNotFound   ErrorCode = "session_not_found"

	// Storage errors
	CodeCommitFailed ErrorCode = "commit_failed"
	CodeNotFound     ErrorCode = "not_found"

	// Configuration errors
	CodeInvalidConfig ErrorCode = "invalid_config"

	// Internal errors
	CodeUnexpectedError ErrorCode = "unexpected_error"
)

// Context provides additional information about the error.
type Context map[string]interface{}

// ReconcilerError is the base error type for all engine errors.
type ReconcilerError struct {
	Category   ErrorCategory     `json:"category"`
	Code       ErrorCode         `json:"code"`
	Message    string            `json:"message"`
	Suggestion string            `json:"suggestion,omitempty"`
	Context    Context           `json:"context,omitempty"`
	Cause      error             `json:"-"`
	StackTrace errors.StackTrace `json:"-"`
}

// Error implements the error interface.
func (e *ReconcilerError) Error() string {
	if e.Suggestion != "" {
		return fmt.Sprintf("%s (suggestion: %s)", e.Message, e.Suggestion)
	}
	return e.Message
}

// Unwrap returns the underlying cause error.
func (e *ReconcilerError) Unwrap() error {
	return e.Cause
}

// WithContext adds context information to the error.
func (e *ReconcilerError) WithContext(key string, value interface{}) *ReconcilerError {
	if e.Context == nil {
		e.Context = make(Context)
	}
	e.Context[key] = value
	return e
}

// WithSuggestion adds a suggestion for resolving the error.
func (e *ReconcilerError) WithSuggestion(suggestion string) *ReconcilerError {
	e.Suggestion = suggestion
	return e
}

type stackTracer interface {
	StackTrace() errors.StackTrace
}

// New creates a new ReconcilerError.
func New(category ErrorCategory, code ErrorCode, message string) *ReconcilerError {
	return &ReconcilerError{
		Category:   category,
		Code:       code,
		Message:    message,
		StackTrace: errors.New("").(stackTracer).StackTrace(),
	}
}

// Wrap wraps an existing error with ReconcilerError context.
func Wrap(err error, category ErrorCategory, code ErrorCode, message string) *ReconcilerError {
	if err == nil {
		return nil
	}
	return &ReconcilerError{
		Category:   category,
		Code:       code,
		Message:    message,
		Cause:      err,
		StackTrace: errors.WithStack(err).(stackTracer).StackTrace(),
	}
}

// ValidationError reports a malformed input record. The record is dropped
// and logged; the batch continues.
func ValidationError(code ErrorCode, field string, value interface{}, err error) *ReconcilerError {
	var message, suggestion string
	switch code {
	case CodeInvalidAmount:
		message = fmt.Sprintf("invalid amount in field '%s': %v", field, value)
		suggestion = "ensure amounts are exact decimal numbers (e.g. '150000.00')"
	case CodeMissingField:
		message = fmt.Sprintf("required field '%s' is missing or empty", field)
		suggestion = "provide a value for this required field"
	default:
		message = fmt.Sprintf("invalid record field '%s': %v", field, value)
		suggestion = "check the extracted line item and re-run extraction if needed"
	}

	result := newOrWrap(err, CategoryValidation, code, message)
	return result.
		WithSuggestion(suggestion).
		WithContext("field", field).
		WithContext("value", value)
}

// RuleSkipped reports a relationship rule that could not evaluate because a
// referenced account is absent. This is a summary entry, not a run failure.
func RuleSkipped(ruleID, reason string) *ReconcilerError {
	return New(CategoryRule, CodeRuleSkipped,
		fmt.Sprintf("rule %s skipped: %s", ruleID, reason)).
		WithContext("rule_id", ruleID).
		WithContext("reason", reason)
}

// FormulaError reports a relationship formula that failed to parse at
// catalog load time.
func FormulaError(formula string, err error) *ReconcilerError {
	return Wrap(err, CategoryRule, CodeInvalidFormula,
		fmt.Sprintf("invalid relationship formula %q", formula)).
		WithSuggestion("formulas take the form 'DOC.selector = DOC.selector [± DOC.selector]'").
		WithContext("formula", formula)
}

// ScopeConflictError reports a session-start rejected because another
// session is already active for the same scope.
func ScopeConflictError(propertyID, periodID, activeSessionID string) *ReconcilerError {
	return New(CategorySession, CodeScopeConflict,
		fmt.Sprintf("an active reconciliation session already covers property %s period %s", propertyID, periodID)).
		WithSuggestion("complete or reject the active session before starting a new run").
		WithContext("property_id", propertyID).
		WithContext("period_id", periodID).
		WithContext("active_session_id", activeSessionID)
}

// PendingCriticalError reports a completion attempt blocked by unresolved
// critical discrepancies. BlockingIDs lists the discrepancies that must be
// resolved or ignored first.
type PendingCriticalError struct {
	*ReconcilerError
	BlockingIDs []string `json:"blocking_ids"`
}

// NewPendingCriticalError creates a PendingCriticalError for a session.
func NewPendingCriticalError(sessionID string, blockingIDs []string) *PendingCriticalError {
	base := New(CategorySession, CodePendingCritical,
		fmt.Sprintf("session %s has %d unresolved critical discrepancies", sessionID, len(blockingIDs))).
		WithSuggestion("resolve or ignore each critical discrepancy, then complete the session").
		WithContext("session_id", sessionID).
		WithContext("blocking_count", len(blockingIDs))
	return &PendingCriticalError{ReconcilerError: base, BlockingIDs: blockingIDs}
}

// TransitionError reports an illegal session state transition.
func TransitionError(sessionID, from, to string) *ReconcilerError {
	return New(CategorySession, CodeInvalidTransition,
		fmt.Sprintf("session %s cannot transition from %s to %s", sessionID, from, to)).
		WithContext("session_id", sessionID).
		WithContext("from", from).
		WithContext("to", to)
}

// SessionNotFound reports a lookup for an unknown session id.
func SessionNotFound(sessionID string) *ReconcilerError {
	return New(CategorySession, CodeSessionNotFound,
		fmt.Sprintf("session %s not found", sessionID)).
		WithContext("session_id", sessionID)
}

// StorageCommitError reports a transient storage failure during commit.
// Callers may retry a small number of times with backoff.
func StorageCommitError(operation string, err error) *ReconcilerError {
	return Wrap(err, CategoryStorage, CodeCommitFailed,
		fmt.Sprintf("storage commit failed during %s", operation)).
		WithSuggestion("the failure may be transient; the operation is safe to retry").
		WithContext("operation", operation)
}

// NotFoundError reports a missing discrepancy or match candidate.
func NotFoundError(kind, id string) *ReconcilerError {
	return New(CategoryStorage, CodeNotFound,
		fmt.Sprintf("%s %s not found", kind, id)).
		WithContext("kind", kind).
		WithContext("id", id)
}

// ConfigurationError reports an invalid configuration value.
func ConfigurationError(setting string, value interface{}, err error) *ReconcilerError {
	result := newOrWrap(err, CategoryConfiguration, CodeInvalidConfig,
		fmt.Sprintf("invalid configuration for '%s': %v", setting, value))
	return result.
		WithSuggestion("check the configuration reference for valid values").
		WithContext("setting", setting).
		WithContext("value", value)
}

// InternalError reports an unexpected failure inside the engine.
func InternalError(operation string, err error) *ReconcilerError {
	return newOrWrap(err, CategoryInternal, CodeUnexpectedError,
		fmt.Sprintf("unexpected error during %s", operation)).
		WithSuggestion("this is likely a bug - please report it with the error details").
		WithContext("operation", operation)
}

func newOrWrap(err error, category ErrorCategory, code ErrorCode, message string) *ReconcilerError {
	if err != nil {
		return Wrap(err, category, code, message)
	}
	return New(category, code, message)
}

// IsCode reports whether err carries the given error code.
func IsCode(err error, code ErrorCode) bool {
	if re, ok := AsReconcilerError(err); ok {
		return re.Code == code
	}
	return false
}

// IsTransient reports whether err is eligible for retry. Only storage
// commit failures are considered transient; rule and validation failures
// are deterministic and must not be retried.
func IsTransient(err error) bool {
	return IsCode(err, CodeCommitFailed)
}

// AsReconcilerError extracts a ReconcilerError from an error chain.
func AsReconcilerError(err error) (*ReconcilerError, bool) {
	var pending *PendingCriticalError
	if errors.As(err, &pending) {
		return pending.ReconcilerError, true
	}
	var reconcilerErr *ReconcilerError
	if errors.As(err, &reconcilerErr) {
		return reconcilerErr, true
	}
	return nil, false
}

// ErrorSummary aggregates the per-record and per-rule failures collected
// during a run for inclusion in the session summary.
type ErrorSummary struct {
	Total      int                   `json:"total"`
	ByCategory map[ErrorCategory]int `json:"by_category"`
	ByCode     map[ErrorCode]int     `json:"by_code"`
	Errors     []*ReconcilerError    `json:"errors"`
}

// NewErrorSummary creates a summary over the collected errors.
func NewErrorSummary(errs []*ReconcilerError) *ErrorSummary {
	summary := &ErrorSummary{
		Total:      len(errs),
		ByCategory: make(map[ErrorCategory]int),
		ByCode:     make(map[ErrorCode]int),
		Errors:     errs,
	}
	for _, err := range errs {
		summary.ByCategory[err.Category]++
		summary.ByCode[err.Code]++
	}
	return summary
}

// Error returns a formatted message for the summary.
func (es *ErrorSummary) Error() string {
	if es.Total == 0 {
		return "no errors"
	}
	if es.Total == 1 {
		return es.Errors[0].Error()
	}
	var categories []string
	for category, count := range es.ByCategory {
		categories = append(categories, fmt.Sprintf("%s: %d", category, count))
	}
	return fmt.Sprintf("%d errors occurred (%s)", es.Total, strings.Join(categories, ", "))
}

// HasCategory checks if the summary contains errors of the given category.
func (es *ErrorSummary) HasCategory(category ErrorCategory) bool {
	return es.ByCategory[category] > 0
}
