// Package models defines the core data model for cross-document financial
// reconciliation: financial records extracted from statements, match
// candidates, discrepancies, resolutions, and the reconciliation session.
//
// All monetary values are exact decimals (shopspring/decimal); binary
// floating point is never used for amounts so that sum-relationship
// evaluation cannot accumulate rounding drift.
package models

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
	"unicode"

	"github.com/shopspring/decimal"
)

// DocumentType identifies the kind of financial statement a record was
// extracted from.
type DocumentType string

const (
	DocumentBalanceSheet      DocumentType = "balance_sheet"
	DocumentIncomeStatement   DocumentType = "income_statement"
	DocumentCashFlow          DocumentType = "cash_flow"
	DocumentRentRoll          DocumentType = "rent_roll"
	DocumentMortgageStatement DocumentType = "mortgage_statement"
)

// String returns the string representation of DocumentType.
func (d DocumentType) String() string {
	return string(d)
}

// IsValid checks if the document type is one of the supported statements.
func (d DocumentType) IsValid() bool {
	switch d {
	case DocumentBalanceSheet, DocumentIncomeStatement, DocumentCashFlow,
		DocumentRentRoll, DocumentMortgageStatement:
		return true
	}
	return false
}

// DocumentCategory groups document types by the nature of their figures.
type DocumentCategory string

const (
	// CategoryPosition covers point-in-time balances (balance sheet,
	// mortgage statement).
	CategoryPosition DocumentCategory = "position"
	// CategoryFlow covers period activity (income statement, cash flow).
	CategoryFlow DocumentCategory = "flow"
	// CategorySchedule covers supporting schedules (rent roll).
	CategorySchedule DocumentCategory = "schedule"
)

// Category returns the document category for the document type.
func (d DocumentType) Category() DocumentCategory {
	switch d {
	case DocumentBalanceSheet, DocumentMortgageStatement:
		return CategoryPosition
	case DocumentIncomeStatement, DocumentCashFlow:
		return CategoryFlow
	default:
		return CategorySchedule
	}
}

// RelatedTo reports whether two document categories are considered related
// for context scoring. Position and flow statements describe the same
// accounting entity from two angles; schedules support flow statements.
func (c DocumentCategory) RelatedTo(other DocumentCategory) bool {
	if c == other {
		return true
	}
	switch {
	case c == CategoryPosition && other == CategoryFlow,
		c == CategoryFlow && other == CategoryPosition,
		c == CategoryFlow && other == CategorySchedule,
		c == CategorySchedule && other == CategoryFlow:
		return true
	}
	return false
}

// DocumentAbbreviations maps formula qualifiers to document types.
var DocumentAbbreviations = map[string]DocumentType{
	"BS": DocumentBalanceSheet,
	"IS": DocumentIncomeStatement,
	"CF": DocumentCashFlow,
	"RR": DocumentRentRoll,
	"MS": DocumentMortgageStatement,
}

// FinancialRecord is an immutable snapshot of one extracted line item.
// Records are owned by the extraction collaborator; the engine treats them
// as read-only input and never mutates them.
type FinancialRecord struct {
	ID               string          `json:"id"`
	DocumentType     DocumentType    `json:"document_type"`
	PropertyID       string          `json:"property_id"`
	PeriodID         string          `json:"period_id"`
	AccountCode      string          `json:"account_code,omitempty"`
	AccountName      string          `json:"account_name"`
	Amount           decimal.Decimal `json:"amount"`
	LineNumber       *int            `json:"line_number,omitempty"`
	Date             *time.Time      `json:"date,omitempty"`
	SourceConfidence float64         `json:"source_confidence"`

	// ExtractionIndex is the record's position in the original extract
	// ordering. It is the final component of the deterministic tie-break
	// order for duplicate match nominations.
	ExtractionIndex int `json:"extraction_index"`
}

// Validate performs basic validation on the FinancialRecord.
func (r *FinancialRecord) Validate() error {
	if !r.DocumentType.IsValid() {
		return fmt.Errorf("invalid document type: %s", r.DocumentType)
	}
	if strings.TrimSpace(r.PropertyID) == "" {
		return fmt.Errorf("property id cannot be empty")
	}
	if strings.TrimSpace(r.PeriodID) == "" {
		return fmt.Errorf("period id cannot be empty")
	}
	if strings.TrimSpace(r.AccountCode) == "" && strings.TrimSpace(r.AccountName) == "" {
		return fmt.Errorf("record must carry an account code or an account name")
	}
	if r.SourceConfidence < 0 || r.SourceConfidence > 100 {
		return fmt.Errorf("source confidence must be between 0 and 100: %f", r.SourceConfidence)
	}
	return nil
}

// String returns a string representation of the FinancialRecord.
func (r *FinancialRecord) String() string {
	return fmt.Sprintf("FinancialRecord{Doc: %s, Code: %s, Name: %s, Amount: %s}",
		r.DocumentType, r.AccountCode, r.AccountName, r.Amount.String())
}

// MatchType identifies which matcher strategy produced a candidate.
type MatchType string

const (
	MatchExact      MatchType = "exact"
	MatchFuzzy      MatchType = "fuzzy"
	MatchCalculated MatchType = "calculated"
	MatchInferred   MatchType = "inferred"
)

// String returns the string representation of MatchType.
func (m MatchType) String() string {
	return string(m)
}

// PassOrder returns the fixed pipeline position of the matcher that emits
// this match type. Candidates merge in pass order before record order.
func (m MatchType) PassOrder() int {
	switch m {
	case MatchExact:
		return 0
	case MatchFuzzy:
		return 1
	case MatchCalculated:
		return 2
	case MatchInferred:
		return 3
	default:
		return 4
	}
}

// MatchCandidate links a source record to a target record, or to a
// computed relationship result for calculated matches.
type MatchCandidate struct {
	ID        string    `json:"id"`
	SessionID string    `json:"session_id,omitempty"`
	MatchType MatchType `json:"match_type"`

	// Source and Target are nil for relationship-level calculated matches
	// that compare aggregates rather than individual record pairs.
	Source *FinancialRecord `json:"source,omitempty"`
	Target *FinancialRecord `json:"target,omitempty"`

	// Formula is set for calculated matches and references a rule in the
	// relationship catalog.
	Formula string `json:"formula,omitempty"`
	RuleID  string `json:"rule_id,omitempty"`

	Confidence       float64         `json:"confidence"`
	AmountDifference decimal.Decimal `json:"amount_difference"`
	Reasons          []string        `json:"reasons,omitempty"`

	// RequiresApproval marks inferred candidates that must be explicitly
	// approved by an auditor before they count as reconciled.
	RequiresApproval bool      `json:"requires_approval"`
	CreatedAt        time.Time `json:"created_at"`
}

// Validate checks the match candidate invariants.
func (c *MatchCandidate) Validate() error {
	if c.Confidence < 0 || c.Confidence > 100 {
		return fmt.Errorf("confidence must be between 0 and 100: %f", c.Confidence)
	}
	if c.MatchType == MatchCalculated && strings.TrimSpace(c.Formula) == "" {
		return fmt.Errorf("calculated match must reference a relationship formula")
	}
	return nil
}

// DifferenceType classifies the outcome of comparing two values.
type DifferenceType string

const (
	DifferenceExact         DifferenceType = "exact"
	DifferenceTolerance     DifferenceType = "tolerance"
	DifferenceMismatch      DifferenceType = "mismatch"
	DifferenceMissingSource DifferenceType = "missing_source"
	DifferenceMissingTarget DifferenceType = "missing_target"
	DifferenceDateMismatch  DifferenceType = "date_mismatch"
)

// Severity ranks discrepancies for review priority. Severity, not
// confidence, drives review ordering.
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityHigh     Severity = "high"
	SeverityMedium   Severity = "medium"
	SeverityLow      Severity = "low"
	SeverityInfo     Severity = "info"
)

// Rank returns the review-priority rank of the severity; lower sorts first.
func (s Severity) Rank() int {
	switch s {
	case SeverityCritical:
		return 0
	case SeverityHigh:
		return 1
	case SeverityMedium:
		return 2
	case SeverityLow:
		return 3
	default:
		return 4
	}
}

// ResolutionStatus tracks the review state of a discrepancy.
type ResolutionStatus string

const (
	ResolutionPending  ResolutionStatus = "pending"
	ResolutionResolved ResolutionStatus = "resolved"
	ResolutionIgnored  ResolutionStatus = "ignored"
)

// Discrepancy records one record or relationship that failed to match
// within tolerance. Each discrepancy belongs to exactly one session.
type Discrepancy struct {
	ID               string           `json:"id"`
	SessionID        string           `json:"session_id"`
	DifferenceType   DifferenceType   `json:"difference_type"`
	Severity         Severity         `json:"severity"`
	SourceRecordID   string           `json:"source_record_id,omitempty"`
	TargetRecordID   string           `json:"target_record_id,omitempty"`
	RuleID           string           `json:"rule_id,omitempty"`
	AmountDifference decimal.Decimal  `json:"amount_difference"`
	PercentDifference decimal.Decimal `json:"percent_difference"`
	Description      string           `json:"description"`
	ResolutionStatus ResolutionStatus `json:"resolution_status"`
	CreatedAt        time.Time        `json:"created_at"`
}

// IsActionable reports whether the discrepancy needs auditor attention.
// Info-level tolerance entries are recorded but not actionable.
func (d *Discrepancy) IsActionable() bool {
	return d.Severity != SeverityInfo
}

// ResolutionAction identifies the decision an auditor took.
type ResolutionAction string

const (
	ActionAcceptSource ResolutionAction = "accept_source"
	ActionAcceptTarget ResolutionAction = "accept_target"
	ActionManualValue  ResolutionAction = "manual_value"
	ActionIgnore       ResolutionAction = "ignore"
)

// IsValid checks if the resolution action is supported.
func (a ResolutionAction) IsValid() bool {
	switch a {
	case ActionAcceptSource, ActionAcceptTarget, ActionManualValue, ActionIgnore:
		return true
	}
	return false
}

// TargetStatus returns the discrepancy status implied by the action.
func (a ResolutionAction) TargetStatus() ResolutionStatus {
	if a == ActionIgnore {
		return ResolutionIgnored
	}
	return ResolutionResolved
}

// Resolution is an append-only record of a human decision on a discrepancy
// or match candidate. Resolutions are immutable once written and form the
// audit trail.
type Resolution struct {
	ID        string           `json:"id"`
	SessionID string           `json:"session_id"`
	TargetID  string           `json:"target_id"`
	Action    ResolutionAction `json:"action"`
	OldValue  string           `json:"old_value,omitempty"`
	NewValue  string           `json:"new_value,omitempty"`
	Rationale string           `json:"rationale,omitempty"`
	Actor     string           `json:"actor"`
	CreatedAt time.Time        `json:"created_at"`
}

// Validate performs basic validation on the Resolution.
func (r *Resolution) Validate() error {
	if strings.TrimSpace(r.TargetID) == "" {
		return fmt.Errorf("resolution target id cannot be empty")
	}
	if !r.Action.IsValid() {
		return fmt.Errorf("invalid resolution action: %s", r.Action)
	}
	if r.Action == ActionManualValue && strings.TrimSpace(r.NewValue) == "" {
		return fmt.Errorf("manual_value resolution requires a new value")
	}
	return nil
}

// SessionStatus is the state of a reconciliation session.
type SessionStatus string

const (
	StatusCreated          SessionStatus = "created"
	StatusMatchesGenerated SessionStatus = "matches_generated"
	StatusUnderReview      SessionStatus = "under_review"
	StatusCompleted        SessionStatus = "completed"
	StatusRejected         SessionStatus = "rejected"
)

// IsTerminal reports whether the status is terminal. Terminal sessions are
// never mutated; re-runs create a new session.
func (s SessionStatus) IsTerminal() bool {
	return s == StatusCompleted || s == StatusRejected
}

// CanTransition reports whether the state machine permits moving to next.
func (s SessionStatus) CanTransition(next SessionStatus) bool {
	switch s {
	case StatusCreated:
		return next == StatusMatchesGenerated
	case StatusMatchesGenerated:
		return next == StatusUnderReview
	case StatusUnderReview:
		return next == StatusCompleted || next == StatusRejected
	default:
		return false
	}
}

// Scope identifies what a reconciliation session covers: one property, one
// period, and the set of document types being compared.
type Scope struct {
	PropertyID    string         `json:"property_id"`
	PeriodID      string         `json:"period_id"`
	DocumentTypes []DocumentType `json:"document_types"`
}

// Key returns a canonical string key for the scope, used for active-scope
// locking. Document types are sorted so the key is order-independent.
func (s Scope) Key() string {
	types := make([]string, len(s.DocumentTypes))
	for i, dt := range s.DocumentTypes {
		types[i] = string(dt)
	}
	sort.Strings(types)
	return s.PropertyID + "|" + s.PeriodID + "|" + strings.Join(types, ",")
}

// Validate performs basic validation on the Scope.
func (s Scope) Validate() error {
	if strings.TrimSpace(s.PropertyID) == "" {
		return fmt.Errorf("scope property id cannot be empty")
	}
	if strings.TrimSpace(s.PeriodID) == "" {
		return fmt.Errorf("scope period id cannot be empty")
	}
	if len(s.DocumentTypes) < 2 {
		return fmt.Errorf("scope requires at least two document types")
	}
	for _, dt := range s.DocumentTypes {
		if !dt.IsValid() {
			return fmt.Errorf("invalid document type in scope: %s", dt)
		}
	}
	return nil
}

// Session is one reconciliation run over a scope. Sessions are mutated only
// through state-machine transitions and are retained for history.
type Session struct {
	ID          string                 `json:"id"`
	Scope       Scope                  `json:"scope"`
	Status      SessionStatus          `json:"status"`
	Summary     ReconciliationSummary  `json:"summary"`
	OperatorID  string                 `json:"operator_id"`
	StartedAt   time.Time              `json:"started_at"`
	CompletedAt *time.Time             `json:"completed_at,omitempty"`
}

// ReconciliationSummary provides aggregate statistics about a session.
type ReconciliationSummary struct {
	TotalSourceRecords int `json:"total_source_records"`
	TotalTargetRecords int `json:"total_target_records"`
	DroppedRecords     int `json:"dropped_records"`

	MatchesByType        map[MatchType]int        `json:"matches_by_type"`
	DiscrepanciesByType  map[DifferenceType]int   `json:"discrepancies_by_type"`
	BySeverity           map[Severity]int         `json:"by_severity"`
	ByResolutionStatus   map[ResolutionStatus]int `json:"by_resolution_status"`
	SkippedRules         []string                 `json:"skipped_rules,omitempty"`
	TotalAmountMatched   decimal.Decimal          `json:"total_amount_matched"`
	TotalAmountUnmatched decimal.Decimal          `json:"total_amount_unmatched"`
}

// NewReconciliationSummary creates an empty summary with maps initialized.
func NewReconciliationSummary() ReconciliationSummary {
	return ReconciliationSummary{
		MatchesByType:        make(map[MatchType]int),
		DiscrepanciesByType:  make(map[DifferenceType]int),
		BySeverity:           make(map[Severity]int),
		ByResolutionStatus:   make(map[ResolutionStatus]int),
		TotalAmountMatched:   decimal.Zero,
		TotalAmountUnmatched: decimal.Zero,
	}
}

// Period helpers

// Period is a parsed reporting period: quarterly (2024-Q1) or monthly
// (2024-M06).
type Period struct {
	Year    int
	Monthly bool
	Index   int // quarter 1-4 or month 1-12
}

// ParsePeriod parses a period id of the form 2024-Q1 or 2024-M06.
func ParsePeriod(id string) (Period, error) {
	parts := strings.SplitN(strings.TrimSpace(id), "-", 2)
	if len(parts) != 2 || len(parts[1]) < 2 {
		return Period{}, fmt.Errorf("invalid period id %q: expected YYYY-Qn or YYYY-Mnn", id)
	}
	year, err := strconv.Atoi(parts[0])
	if err != nil {
		return Period{}, fmt.Errorf("invalid period year in %q: %w", id, err)
	}
	kind := parts[1][0]
	index, err := strconv.Atoi(parts[1][1:])
	if err != nil {
		return Period{}, fmt.Errorf("invalid period index in %q: %w", id, err)
	}
	switch kind {
	case 'Q':
		if index < 1 || index > 4 {
			return Period{}, fmt.Errorf("quarter out of range in %q", id)
		}
		return Period{Year: year, Monthly: false, Index: index}, nil
	case 'M':
		if index < 1 || index > 12 {
			return Period{}, fmt.Errorf("month out of range in %q", id)
		}
		return Period{Year: year, Monthly: true, Index: index}, nil
	default:
		return Period{}, fmt.Errorf("invalid period kind %q in %q", string(kind), id)
	}
}

// ordinal returns a comparable sequence number for adjacency checks.
func (p Period) ordinal() int {
	if p.Monthly {
		return p.Year*12 + (p.Index - 1)
	}
	return p.Year*4 + (p.Index - 1)
}

// SamePeriod reports whether two period ids denote the same period.
func SamePeriod(a, b string) bool {
	pa, errA := ParsePeriod(a)
	pb, errB := ParsePeriod(b)
	if errA != nil || errB != nil {
		return strings.EqualFold(strings.TrimSpace(a), strings.TrimSpace(b))
	}
	return pa == pb
}

// AdjacentPeriod reports whether two period ids denote consecutive periods
// of the same granularity.
func AdjacentPeriod(a, b string) bool {
	pa, errA := ParsePeriod(a)
	pb, errB := ParsePeriod(b)
	if errA != nil || errB != nil || pa.Monthly != pb.Monthly {
		return false
	}
	diff := pa.ordinal() - pb.ordinal()
	return diff == 1 || diff == -1
}

// NormalizeCode strips separators from an account code and uppercases it,
// so "0122-0000" and "01220000" compare equal.
func NormalizeCode(code string) string {
	var b strings.Builder
	for _, r := range strings.TrimSpace(code) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(unicode.ToUpper(r))
		}
	}
	return b.String()
}

// Amount helpers

// CentTolerance is the comparison tolerance for "exact" amounts: one cent.
var CentTolerance = decimal.NewFromFloat(0.01)

// ParseAmount parses a monetary amount from a string, stripping currency
// symbols, thousand separators, and accounting-style parentheses for
// negatives. The result is an exact decimal.
func ParseAmount(s string) (decimal.Decimal, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return decimal.Zero, fmt.Errorf("amount string cannot be empty")
	}

	negative := false
	if strings.HasPrefix(s, "(") && strings.HasSuffix(s, ")") {
		negative = true
		s = strings.TrimSuffix(strings.TrimPrefix(s, "("), ")")
	}
	s = strings.ReplaceAll(s, "$", "")
	s = strings.ReplaceAll(s, ",", "")
	s = strings.TrimSpace(s)

	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("invalid decimal format '%s': %w", s, err)
	}
	if negative {
		d = d.Neg()
	}
	return d, nil
}

// WithinTolerance reports whether two amounts differ by at most tolerance.
func WithinTolerance(a, b, tolerance decimal.Decimal) bool {
	return a.Sub(b).Abs().LessThanOrEqual(tolerance)
}

// PercentDifference returns |a-b| / max(|a|,|b|) as a percentage. Two zero
// amounts compare as identical; a single zero side is a full difference.
func PercentDifference(a, b decimal.Decimal) decimal.Decimal {
	diff := a.Sub(b).Abs()
	denom := decimal.Max(a.Abs(), b.Abs())
	if denom.IsZero() {
		return decimal.Zero
	}
	return diff.Div(denom).Mul(decimal.NewFromInt(100))
}
