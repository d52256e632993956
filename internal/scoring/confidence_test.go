package scoring

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/propfin/reconciliation-engine/internal/models"
)

func record(doc models.DocumentType, code, name string, amount float64) *models.FinancialRecord {
	return &models.FinancialRecord{
		DocumentType: doc,
		PropertyID:   "prop-001",
		PeriodID:     "2024-Q1",
		AccountCode:  code,
		AccountName:  name,
		Amount:       decimal.NewFromFloat(amount),
	}
}

func TestWeightsValidate(t *testing.T) {
	if err := DefaultWeights().Validate(); err != nil {
		t.Fatalf("default weights invalid: %v", err)
	}

	bad := Weights{Account: 0.5, Amount: 0.5, Date: 0.5, Context: 0.5}
	if err := bad.Validate(); err == nil {
		t.Error("weights summing to 2.0 must be rejected")
	}

	negative := Weights{Account: -0.1, Amount: 0.6, Date: 0.3, Context: 0.2}
	if err := negative.Validate(); err == nil {
		t.Error("negative weight must be rejected")
	}
}

func TestScoreBoundsAndRounding(t *testing.T) {
	s := NewScorer(DefaultWeights())

	tests := []struct {
		name                           string
		account, amount, date, context float64
		want                           float64
	}{
		{name: "all perfect", account: 100, amount: 100, date: 100, context: 100, want: 100},
		{name: "all zero", account: 0, amount: 0, date: 0, context: 0, want: 0},
		{name: "weighted blend", account: 100, amount: 100, date: 90, context: 80, want: 97},
		{name: "sub-scores clamped high", account: 500, amount: 500, date: 500, context: 500, want: 100},
		{name: "sub-scores clamped low", account: -50, amount: -50, date: -50, context: -50, want: 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := s.Score(tt.account, tt.amount, tt.date, tt.context)
			if got != tt.want {
				t.Errorf("Score = %v, want %v", got, tt.want)
			}
			if got < 0 || got > 100 {
				t.Errorf("Score %v out of [0,100]", got)
			}
		})
	}
}

func TestScoreRoundsToOneDecimal(t *testing.T) {
	s := NewScorer(DefaultWeights())
	got := s.Score(83.33, 77.77, 66.66, 55.55)
	scaled := got * 10
	if diff := scaled - float64(int(scaled+0.5)); diff > 1e-9 || diff < -1e-9 {
		t.Errorf("Score %v is not rounded to one decimal", got)
	}
}

func TestAccountScore(t *testing.T) {
	exact := AccountScore(
		record(models.DocumentBalanceSheet, "0122-0000", "Mortgage Payable", 0),
		record(models.DocumentMortgageStatement, "01220000", "Principal Balance", 0),
	)
	if exact != 100 {
		t.Errorf("separator-insensitive code match = %v, want 100", exact)
	}

	series := AccountScore(
		record(models.DocumentBalanceSheet, "1000", "Cash", 0),
		record(models.DocumentBalanceSheet, "1200", "Accounts Receivable", 0),
	)
	if series != 85 {
		t.Errorf("same leading-digit series = %v, want 85", series)
	}

	// No codes: falls back to name similarity.
	named := AccountScore(
		record(models.DocumentBalanceSheet, "", "Cash - Operating Account", 0),
		record(models.DocumentCashFlow, "", "Operating Cash", 0),
	)
	if named <= 0 || named > 100 {
		t.Errorf("name fallback = %v, want within (0,100]", named)
	}
}

func TestNameSimilarity(t *testing.T) {
	if got := NameSimilarity("Cash", "Cash"); got != 100 {
		t.Errorf("identical names = %v, want 100", got)
	}
	if got := NameSimilarity("Cash", "cash "); got != 100 {
		t.Errorf("case and whitespace must not matter, got %v", got)
	}

	// Token overlap should beat raw edit distance for reordered names.
	reordered := NameSimilarity("Cash - Operating Account", "Operating Cash")
	if reordered < 50 {
		t.Errorf("reordered tokens = %v, want >= 50", reordered)
	}

	if got := NameSimilarity("", "Cash"); got != 0 {
		t.Errorf("empty name = %v, want 0", got)
	}
	if got := NameSimilarity("Rent Income", "Mortgage Escrow"); got >= 50 {
		t.Errorf("unrelated names = %v, want < 50", got)
	}
}

func TestAmountScoreBands(t *testing.T) {
	d := decimal.NewFromFloat

	tests := []struct {
		name string
		a, b float64
		want float64
	}{
		{name: "identical", a: 150000, b: 150000, want: 100},
		{name: "one cent", a: 100.00, b: 100.01, want: 100},
		{name: "five percent", a: 100, b: 95, want: 70},       // pct 5 -> floor of band two
		{name: "ten percent", a: 100, b: 90, want: 60},        // pct 10 -> 70-(10-5)*2
		{name: "sixty percent", a: 100, b: 40, want: 0},       // pct 60 -> floor 0
		{name: "total mismatch", a: 100, b: 1, want: 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := AmountScore(d(tt.a), d(tt.b))
			if got != tt.want {
				t.Errorf("AmountScore(%v, %v) = %v, want %v", tt.a, tt.b, got, tt.want)
			}
		})
	}
}

// A larger percentage difference must never score higher.
func TestAmountScoreMonotone(t *testing.T) {
	base := decimal.NewFromInt(100000)
	prev := 101.0
	for i := 0; i <= 300; i++ {
		other := base.Sub(base.Mul(decimal.NewFromFloat(float64(i) / 1000)))
		got := AmountScore(base, other)
		if got > prev {
			t.Fatalf("AmountScore increased at step %d: %v after %v", i, got, prev)
		}
		if got < 0 || got > 100 {
			t.Fatalf("AmountScore out of range at step %d: %v", i, got)
		}
		prev = got
	}
}

func TestAmountSimilarity(t *testing.T) {
	got := AmountSimilarity(decimal.NewFromInt(150000), decimal.NewFromInt(150500))
	if got < 99.6 || got > 99.7 {
		t.Errorf("AmountSimilarity(150000, 150500) = %v, want about 99.7", got)
	}
	if got := AmountSimilarity(decimal.NewFromInt(100), decimal.NewFromInt(1)); got != 1 {
		t.Errorf("AmountSimilarity(100, 1) = %v, want 1", got)
	}
	if got := AmountSimilarity(decimal.Zero, decimal.NewFromInt(5)); got != 0 {
		t.Errorf("full difference = %v, want 0", got)
	}
}

func TestDateScore(t *testing.T) {
	day := time.Date(2024, 3, 31, 0, 0, 0, 0, time.UTC)
	sameDay := day

	src := record(models.DocumentBalanceSheet, "1000", "Cash", 100)
	tgt := record(models.DocumentCashFlow, "1000", "Ending Cash", 100)

	src.Date, tgt.Date = &day, &sameDay
	if got := DateScore(src, tgt); got != 100 {
		t.Errorf("same date = %v, want 100", got)
	}

	src.Date, tgt.Date = nil, nil
	if got := DateScore(src, tgt); got != 90 {
		t.Errorf("same period = %v, want 90", got)
	}

	tgt.PeriodID = "2024-Q2"
	if got := DateScore(src, tgt); got != 70 {
		t.Errorf("adjacent period = %v, want 70", got)
	}

	tgt.PeriodID = "2024-Q4"
	if got := DateScore(src, tgt); got != 0 {
		t.Errorf("distant period = %v, want 0", got)
	}
}

func TestContextScore(t *testing.T) {
	bs := record(models.DocumentBalanceSheet, "", "Cash", 0)
	ms := record(models.DocumentMortgageStatement, "", "Principal", 0)
	is := record(models.DocumentIncomeStatement, "", "Net Income", 0)
	rr := record(models.DocumentRentRoll, "", "Unit 101 Rent", 0)

	if got := ContextScore(bs, ms); got != 80 {
		t.Errorf("same category = %v, want 80", got)
	}
	if got := ContextScore(bs, is); got != 60 {
		t.Errorf("position vs flow = %v, want 60", got)
	}
	if got := ContextScore(is, rr); got != 60 {
		t.Errorf("flow vs schedule = %v, want 60", got)
	}
	if got := ContextScore(bs, rr); got != 0 {
		t.Errorf("position vs schedule = %v, want 0", got)
	}
}

func TestScoreRecords(t *testing.T) {
	s := NewScorer(DefaultWeights())

	src := record(models.DocumentBalanceSheet, "3900", "Current Period Earnings", 45230.50)
	tgt := record(models.DocumentIncomeStatement, "3900", "Net Income", 45230.50)

	got := s.ScoreRecords(src, tgt)
	// account 100, amount 100, date 90 (same period), context 60 (related):
	// 40 + 40 + 9 + 6 = 95
	if got != 95 {
		t.Errorf("ScoreRecords = %v, want 95", got)
	}
}
