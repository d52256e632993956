package classifier

import (
	"testing"

	"github.com/shopspring/decimal"

	"github.com/propfin/reconciliation-engine/internal/matcher"
	"github.com/propfin/reconciliation-engine/internal/models"
	"github.com/propfin/reconciliation-engine/internal/rules"
)

func pairRecord(id, period string, amount float64) *models.FinancialRecord {
	return &models.FinancialRecord{
		ID:           id,
		DocumentType: models.DocumentBalanceSheet,
		PropertyID:   "prop-001",
		PeriodID:     period,
		AccountCode:  "1000",
		AccountName:  "Cash",
		Amount:       decimal.NewFromFloat(amount),
	}
}

func pairCandidate(srcAmount, tgtAmount float64) *models.MatchCandidate {
	src := pairRecord("src-1", "2024-Q1", srcAmount)
	tgt := pairRecord("tgt-1", "2024-Q1", tgtAmount)
	return &models.MatchCandidate{
		ID:               "cand-1",
		MatchType:        models.MatchExact,
		Source:           src,
		Target:           tgt,
		AmountDifference: src.Amount.Sub(tgt.Amount).Abs(),
	}
}

func TestBandSeverity(t *testing.T) {
	d := decimal.NewFromFloat

	tests := []struct {
		name      string
		diff, pct float64
		want      models.Severity
	}{
		{name: "over ten percent", diff: 500, pct: 12, want: models.SeverityHigh},
		{name: "over ten thousand dollars", diff: 15000, pct: 2, want: models.SeverityHigh},
		{name: "one percent", diff: 50, pct: 1, want: models.SeverityMedium},
		{name: "hundred dollars", diff: 100, pct: 0.1, want: models.SeverityMedium},
		{name: "small", diff: 40, pct: 0.5, want: models.SeverityLow},
		{name: "boundary ten percent stays medium", diff: 500, pct: 10, want: models.SeverityMedium},
		{name: "boundary ten thousand stays medium", diff: 10000, pct: 3, want: models.SeverityMedium},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := BandSeverity(d(tt.diff), d(tt.pct)); got != tt.want {
				t.Errorf("BandSeverity(%v, %v) = %s, want %s", tt.diff, tt.pct, got, tt.want)
			}
		})
	}
}

func TestClassifyExactPairProducesNothing(t *testing.T) {
	c := NewClassifier()
	result := &matcher.Result{Candidates: []*models.MatchCandidate{pairCandidate(100.00, 100.01)}}

	if got := c.Classify("sess-1", result); len(got) != 0 {
		t.Fatalf("one cent apart must not produce a discrepancy: %+v", got)
	}
}

func TestClassifySmallDifferenceIsTolerance(t *testing.T) {
	c := NewClassifier()
	// $50 on $100,000 is 0.05%: inside the tolerance band.
	result := &matcher.Result{Candidates: []*models.MatchCandidate{pairCandidate(100000, 99950)}}

	got := c.Classify("sess-1", result)
	if len(got) != 1 {
		t.Fatalf("got %d discrepancies, want 1", len(got))
	}
	d := got[0]
	if d.DifferenceType != models.DifferenceTolerance {
		t.Errorf("type = %s, want tolerance", d.DifferenceType)
	}
	if d.Severity != models.SeverityInfo {
		t.Errorf("severity = %s, want info", d.Severity)
	}
	if d.ResolutionStatus != models.ResolutionPending {
		t.Errorf("resolution status = %s, want pending", d.ResolutionStatus)
	}
	if d.AmountDifference.String() != "50" {
		t.Errorf("amount difference = %s", d.AmountDifference)
	}
}

func TestClassifyMismatchBands(t *testing.T) {
	tests := []struct {
		name     string
		src, tgt float64
		want     models.Severity
	}{
		{name: "medium", src: 100000, tgt: 98000, want: models.SeverityMedium},  // 2%
		{name: "high by percent", src: 1000, tgt: 800, want: models.SeverityHigh}, // 20%
		{name: "high by amount", src: 500000, tgt: 485000, want: models.SeverityHigh},
	}

	c := NewClassifier()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := &matcher.Result{Candidates: []*models.MatchCandidate{pairCandidate(tt.src, tt.tgt)}}
			got := c.Classify("sess-1", result)
			if len(got) != 1 {
				t.Fatalf("got %d discrepancies, want 1", len(got))
			}
			if got[0].DifferenceType != models.DifferenceMismatch {
				t.Errorf("type = %s, want mismatch", got[0].DifferenceType)
			}
			if got[0].Severity != tt.want {
				t.Errorf("severity = %s, want %s", got[0].Severity, tt.want)
			}
		})
	}
}

func TestClassifyDateMismatch(t *testing.T) {
	c := NewClassifier()

	src := pairRecord("src-1", "2024-Q1", 50000)
	tgt := pairRecord("tgt-1", "2024-Q3", 50000)
	result := &matcher.Result{Candidates: []*models.MatchCandidate{{
		ID:        "cand-1",
		MatchType: models.MatchFuzzy,
		Source:    src,
		Target:    tgt,
	}}}

	got := c.Classify("sess-1", result)
	if len(got) != 1 {
		t.Fatalf("got %d discrepancies, want 1", len(got))
	}
	if got[0].DifferenceType != models.DifferenceDateMismatch {
		t.Errorf("type = %s, want date_mismatch", got[0].DifferenceType)
	}
	if got[0].Severity != models.SeverityMedium {
		t.Errorf("severity = %s, want medium", got[0].Severity)
	}
}

func TestClassifyAdjacentPeriodIsNotDateMismatch(t *testing.T) {
	c := NewClassifier()

	src := pairRecord("src-1", "2024-Q1", 50000)
	tgt := pairRecord("tgt-1", "2024-Q2", 50000)
	result := &matcher.Result{Candidates: []*models.MatchCandidate{{
		ID:        "cand-1",
		MatchType: models.MatchFuzzy,
		Source:    src,
		Target:    tgt,
	}}}

	for _, d := range c.Classify("sess-1", result) {
		if d.DifferenceType == models.DifferenceDateMismatch {
			t.Fatal("adjacent periods must not be a date mismatch")
		}
	}
}

func TestClassifyViolationHonorsSeverityFloor(t *testing.T) {
	c := NewClassifier()

	rule := &rules.RelationshipRule{
		ID:            "current-earnings-tie",
		Kind:          rules.KindEquality,
		FormulaText:   "BS.current_period_earnings = IS.net_income",
		Tolerance:     rules.CentTolerance(),
		SeverityFloor: models.SeverityHigh,
		Priority:      rules.TierCritical,
	}

	// $10 on $45,000 would band as low; the floor lifts it to high.
	result := &matcher.Result{Violations: []matcher.RuleViolation{{
		Rule:     rule,
		Expected: decimal.NewFromFloat(45010),
		Actual:   decimal.NewFromFloat(45000),
	}}}

	got := c.Classify("sess-1", result)
	if len(got) != 1 {
		t.Fatalf("got %d discrepancies, want 1", len(got))
	}
	if got[0].Severity != models.SeverityHigh {
		t.Errorf("severity = %s, want the rule floor high", got[0].Severity)
	}
	if got[0].RuleID != "current-earnings-tie" {
		t.Errorf("rule id = %s", got[0].RuleID)
	}
}

func TestClassifyViolationBandBeatsLowerFloor(t *testing.T) {
	c := NewClassifier()

	rule := &rules.RelationshipRule{
		ID:            "cash-tie",
		Kind:          rules.KindEquality,
		FormulaText:   "BS.cash = CF.ending_cash",
		Tolerance:     rules.CentTolerance(),
		SeverityFloor: models.SeverityLow,
		Priority:      rules.TierHigh,
	}

	result := &matcher.Result{Violations: []matcher.RuleViolation{{
		Rule:     rule,
		Expected: decimal.NewFromFloat(100000),
		Actual:   decimal.NewFromFloat(80000), // 20% off
	}}}

	got := c.Classify("sess-1", result)
	if got[0].Severity != models.SeverityHigh {
		t.Errorf("severity = %s, want high from the band", got[0].Severity)
	}
}

func TestClassifyMissingRecords(t *testing.T) {
	c := NewClassifier()

	orphanSource := pairRecord("src-9", "2024-Q1", 7500)
	orphanTarget := pairRecord("tgt-9", "2024-Q1", -300)
	result := &matcher.Result{
		UnmatchedSource: []*models.FinancialRecord{orphanSource},
		UnmatchedTarget: []*models.FinancialRecord{orphanTarget},
	}

	got := c.Classify("sess-1", result)
	if len(got) != 2 {
		t.Fatalf("got %d discrepancies, want 2", len(got))
	}

	for _, d := range got {
		if d.Severity != models.SeverityCritical {
			t.Errorf("missing record severity = %s, want critical", d.Severity)
		}
		switch d.DifferenceType {
		case models.DifferenceMissingTarget:
			if d.SourceRecordID != "src-9" || d.TargetRecordID != "" {
				t.Errorf("missing_target record ids = %q/%q", d.SourceRecordID, d.TargetRecordID)
			}
		case models.DifferenceMissingSource:
			if d.SourceRecordID != "" || d.TargetRecordID != "tgt-9" {
				t.Errorf("missing_source record ids = %q/%q", d.SourceRecordID, d.TargetRecordID)
			}
			if d.AmountDifference.String() != "300" {
				t.Errorf("amount difference = %s, want the absolute amount", d.AmountDifference)
			}
		default:
			t.Errorf("unexpected type %s", d.DifferenceType)
		}
	}
}

func TestClassifyCalculatedToleranceEntry(t *testing.T) {
	c := NewClassifier()

	// Aggregate candidate: no record pair, difference within the rule's
	// tolerance but beyond a cent.
	result := &matcher.Result{Candidates: []*models.MatchCandidate{{
		ID:               "cand-1",
		MatchType:        models.MatchCalculated,
		RuleID:           "asset-accounts-sum",
		Formula:          "BS.total_assets = BS.sum(prefix:1)",
		AmountDifference: decimal.NewFromFloat(42.50),
	}}}

	got := c.Classify("sess-1", result)
	if len(got) != 1 {
		t.Fatalf("got %d discrepancies, want 1", len(got))
	}
	if got[0].DifferenceType != models.DifferenceTolerance || got[0].Severity != models.SeverityInfo {
		t.Errorf("got %s/%s, want tolerance/info", got[0].DifferenceType, got[0].Severity)
	}

	// Cent-exact aggregates produce nothing.
	result.Candidates[0].AmountDifference = decimal.NewFromFloat(0.01)
	if got := c.Classify("sess-1", result); len(got) != 0 {
		t.Errorf("cent-exact aggregate must not produce a discrepancy")
	}
}

func TestClassifyOrdersBySeverity(t *testing.T) {
	c := NewClassifier()

	result := &matcher.Result{
		Candidates: []*models.MatchCandidate{
			pairCandidate(100000, 99950), // info tolerance
			pairCandidate(100000, 98000), // medium mismatch
		},
		UnmatchedSource: []*models.FinancialRecord{pairRecord("src-9", "2024-Q1", 7500)}, // critical
	}

	got := c.Classify("sess-1", result)
	if len(got) != 3 {
		t.Fatalf("got %d discrepancies, want 3", len(got))
	}

	prev := -1
	for i, d := range got {
		if rank := d.Severity.Rank(); rank < prev {
			t.Fatalf("discrepancy %d out of severity order: %s", i, d.Severity)
		} else {
			prev = rank
		}
	}
	if got[0].Severity != models.SeverityCritical {
		t.Errorf("first discrepancy = %s, want critical", got[0].Severity)
	}
}
