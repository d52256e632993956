// Package classifier turns match results into typed, severity-ranked
// discrepancies.
//
// Classification is driven by the magnitude of the difference, not by the
// match confidence: severity ranks review priority, and a wholly missing
// record is always critical. Info-level tolerance entries are recorded so
// the comparison view can render them, but they are not actionable and
// never block completion.
package classifier

import (
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/propfin/reconciliation-engine/internal/matcher"
	"github.com/propfin/reconciliation-engine/internal/models"
)

// Severity band thresholds.
var (
	highAbsolute   = decimal.NewFromInt(10000)
	mediumAbsolute = decimal.NewFromInt(100)
	highPercent    = decimal.NewFromInt(10)
	mediumPercent  = decimal.NewFromInt(1)
)

// Classifier classifies match results into discrepancies.
type Classifier struct{}

// NewClassifier creates a Classifier.
func NewClassifier() *Classifier {
	return &Classifier{}
}

// Classify produces the discrepancy set for a completed match run. The
// output is ordered by severity (critical first), then by creation order,
// so reviews work the highest-priority items first.
func (c *Classifier) Classify(sessionID string, result *matcher.Result) []*models.Discrepancy {
	var out []*models.Discrepancy

	for _, candidate := range result.Candidates {
		if d := c.classifyCandidate(sessionID, candidate); d != nil {
			out = append(out, d)
		}
	}

	for _, violation := range result.Violations {
		out = append(out, c.classifyViolation(sessionID, violation))
	}

	for _, record := range result.UnmatchedSource {
		out = append(out, c.missing(sessionID, record, models.DifferenceMissingTarget))
	}
	for _, record := range result.UnmatchedTarget {
		out = append(out, c.missing(sessionID, record, models.DifferenceMissingSource))
	}

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Severity.Rank() < out[j].Severity.Rank()
	})
	return out
}

// classifyCandidate inspects a matched pair. Cent-exact pairs produce no
// discrepancy. Accounts that correspond but sit in non-adjacent periods
// are a date mismatch regardless of amount.
func (c *Classifier) classifyCandidate(sessionID string, candidate *models.MatchCandidate) *models.Discrepancy {
	source, target := candidate.Source, candidate.Target

	if source != nil && target != nil &&
		!models.SamePeriod(source.PeriodID, target.PeriodID) &&
		!models.AdjacentPeriod(source.PeriodID, target.PeriodID) {
		d := c.base(sessionID, candidate.RuleID, source, target)
		d.DifferenceType = models.DifferenceDateMismatch
		d.Severity = models.SeverityMedium
		d.AmountDifference = candidate.AmountDifference
		d.Description = fmt.Sprintf("accounts correspond but periods %s and %s are not adjacent",
			source.PeriodID, target.PeriodID)
		return d
	}

	var a, b decimal.Decimal
	switch {
	case source != nil && target != nil:
		a, b = source.Amount, target.Amount
	case candidate.MatchType == models.MatchCalculated:
		// Relationship-level aggregate candidate within its declared
		// tolerance: at most an informational entry.
		if candidate.AmountDifference.LessThanOrEqual(models.CentTolerance) {
			return nil
		}
		d := c.base(sessionID, candidate.RuleID, source, target)
		d.DifferenceType = models.DifferenceTolerance
		d.Severity = models.SeverityInfo
		d.AmountDifference = candidate.AmountDifference
		d.Description = fmt.Sprintf("relationship %s within declared tolerance", candidate.RuleID)
		return d
	default:
		return nil
	}

	diff := a.Sub(b).Abs()
	pct := models.PercentDifference(a, b)

	if diff.LessThanOrEqual(models.CentTolerance) {
		return nil // exact, no discrepancy
	}

	d := c.base(sessionID, candidate.RuleID, source, target)
	d.AmountDifference = diff
	d.PercentDifference = pct

	if pct.LessThanOrEqual(mediumPercent) {
		d.DifferenceType = models.DifferenceTolerance
		d.Severity = models.SeverityInfo
		d.Description = fmt.Sprintf("amounts differ by %s (%.2f%%), within tolerance",
			diff.StringFixed(2), pctFloat(pct))
		return d
	}

	d.DifferenceType = models.DifferenceMismatch
	d.Severity = BandSeverity(diff, pct)
	d.Description = fmt.Sprintf("amounts differ by %s (%.2f%%)", diff.StringFixed(2), pctFloat(pct))
	return d
}

func (c *Classifier) classifyViolation(sessionID string, violation matcher.RuleViolation) *models.Discrepancy {
	diff := violation.Expected.Sub(violation.Actual).Abs()
	pct := models.PercentDifference(violation.Expected, violation.Actual)

	d := c.base(sessionID, violation.Rule.ID, violation.Source, violation.Target)
	d.DifferenceType = models.DifferenceMismatch
	d.AmountDifference = diff
	d.PercentDifference = pct
	d.Severity = maxSeverity(BandSeverity(diff, pct), violation.Rule.SeverityFloor)
	d.Description = fmt.Sprintf("relationship %s violated: expected %s, got %s (diff %s)",
		violation.Rule.ID, violation.Expected.StringFixed(2),
		violation.Actual.StringFixed(2), diff.StringFixed(2))
	return d
}

func (c *Classifier) missing(sessionID string, record *models.FinancialRecord, diffType models.DifferenceType) *models.Discrepancy {
	d := c.base(sessionID, "", record, nil)
	if diffType == models.DifferenceMissingSource {
		d.SourceRecordID, d.TargetRecordID = "", record.ID
	}
	d.DifferenceType = diffType
	d.Severity = models.SeverityCritical
	d.AmountDifference = record.Amount.Abs()
	d.Description = fmt.Sprintf("no counterpart found for %s %q (%s)",
		record.DocumentType, record.AccountName, record.Amount.StringFixed(2))
	return d
}

func (c *Classifier) base(sessionID, ruleID string, source, target *models.FinancialRecord) *models.Discrepancy {
	d := &models.Discrepancy{
		ID:                uuid.NewString(),
		SessionID:         sessionID,
		RuleID:            ruleID,
		ResolutionStatus:  models.ResolutionPending,
		AmountDifference:  decimal.Zero,
		PercentDifference: decimal.Zero,
		CreatedAt:         time.Now().UTC(),
	}
	if source != nil {
		d.SourceRecordID = source.ID
	}
	if target != nil {
		d.TargetRecordID = target.ID
	}
	return d
}

// BandSeverity maps a difference magnitude to a severity: high beyond 10%
// or $10,000, medium between 1% and 10% or $100 and $10,000, low below.
// Missing records are classified critical elsewhere; no banded difference
// reaches critical.
func BandSeverity(diff decimal.Decimal, pct decimal.Decimal) models.Severity {
	if pct.GreaterThan(highPercent) || diff.GreaterThan(highAbsolute) {
		return models.SeverityHigh
	}
	if pct.GreaterThanOrEqual(mediumPercent) || diff.GreaterThanOrEqual(mediumAbsolute) {
		return models.SeverityMedium
	}
	return models.SeverityLow
}

func maxSeverity(a, b models.Severity) models.Severity {
	if b == "" {
		return a
	}
	if a.Rank() <= b.Rank() {
		return a
	}
	return b
}

func pctFloat(d decimal.Decimal) float64 {
	f, _ := d.Float64()
	return f
}
