// Package scoring implements the composite confidence model used to score
// match candidates.
//
// A confidence score is a weighted blend of four sub-scores, each on a
// 0-100 scale:
//   - account score: how well the account codes or names correspond
//   - amount score: tolerance-banded closeness of the two amounts
//   - date score: period proximity of the two records
//   - context score: document-type category affinity
//
// The scorer is a pure function over its inputs: no state, no side
// effects, and missing sub-scores default to zero rather than raising
// errors.
package scoring

import (
	"math"
	"strings"
	"unicode"

	"github.com/agnivade/levenshtein"
	"github.com/shopspring/decimal"

	"github.com/propfin/reconciliation-engine/internal/models"
)

// Weights defines the relative importance of the four sub-scores. The
// weights must sum to 1.0.
type Weights struct {
	Account float64 `json:"account_weight"`
	Amount  float64 `json:"amount_weight"`
	Date    float64 `json:"date_weight"`
	Context float64 `json:"context_weight"`
}

// DefaultWeights returns the fixed production weights: account and amount
// carry the signal, date and context refine it.
func DefaultWeights() Weights {
	return Weights{Account: 0.4, Amount: 0.4, Date: 0.1, Context: 0.1}
}

// Validate checks that the weights are sane and sum to approximately 1.0.
func (w Weights) Validate() error {
	for _, v := range []float64{w.Account, w.Amount, w.Date, w.Context} {
		if v < 0 || v > 1 {
			return errWeightRange
		}
	}
	total := w.Account + w.Amount + w.Date + w.Context
	if total < 0.99 || total > 1.01 {
		return errWeightSum
	}
	return nil
}

var (
	errWeightRange = &weightError{"each weight must be between 0.0 and 1.0"}
	errWeightSum   = &weightError{"weights must sum to 1.0"}
)

type weightError struct{ msg string }

func (e *weightError) Error() string { return e.msg }

// Scorer computes composite confidence scores.
type Scorer struct {
	weights Weights
}

// NewScorer creates a scorer with the given weights; nil-equivalent zero
// weights fall back to the defaults.
func NewScorer(weights Weights) *Scorer {
	if weights == (Weights{}) {
		weights = DefaultWeights()
	}
	return &Scorer{weights: weights}
}

// Score combines the four sub-scores into a composite confidence. The
// result is rounded to one decimal and clamped to [0,100]. Sub-scores
// outside [0,100] are clamped before weighting, so a malformed input can
// never push the composite out of bounds.
func (s *Scorer) Score(accountScore, amountScore, dateScore, contextScore float64) float64 {
	composite := clamp(accountScore)*s.weights.Account +
		clamp(amountScore)*s.weights.Amount +
		clamp(dateScore)*s.weights.Date +
		clamp(contextScore)*s.weights.Context
	return clamp(math.Round(composite*10) / 10)
}

func clamp(v float64) float64 {
	if math.IsNaN(v) || v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}

// AccountScore scores the account correspondence of two records: 100 for
// an exact code match, 85 for codes in the same leading-digit series, and
// otherwise the normalized name-similarity ratio. Records with nothing
// comparable score 0.
func AccountScore(source, target *models.FinancialRecord) float64 {
	if source == nil || target == nil {
		return 0
	}
	srcCode := models.NormalizeCode(source.AccountCode)
	tgtCode := models.NormalizeCode(target.AccountCode)

	if srcCode != "" && tgtCode != "" {
		if srcCode == tgtCode {
			return 100
		}
		if srcCode[0] == tgtCode[0] {
			return 85
		}
	}
	return NameSimilarity(source.AccountName, target.AccountName)
}

// NameSimilarity returns a 0-100 similarity ratio between two account
// names. Names are lowercased and stripped of punctuation, then compared
// both as whole strings (Levenshtein ratio, catches typos) and as token
// sets (Dice coefficient, catches reordered names like "Cash - Operating
// Account" vs "Operating Cash"); the higher signal wins.
func NameSimilarity(a, b string) float64 {
	na, nb := normalizeName(a), normalizeName(b)
	if na == "" || nb == "" {
		return 0
	}
	if na == nb {
		return 100
	}
	return math.Max(levenshteinRatio(na, nb), tokenDice(na, nb))
}

func normalizeName(s string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(strings.TrimSpace(s)) {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			b.WriteRune(r)
		default:
			b.WriteRune(' ')
		}
	}
	return strings.Join(strings.Fields(b.String()), " ")
}

func levenshteinRatio(a, b string) float64 {
	maxLen := len([]rune(a))
	if l := len([]rune(b)); l > maxLen {
		maxLen = l
	}
	if maxLen == 0 {
		return 0
	}
	dist := levenshtein.ComputeDistance(a, b)
	return (1 - float64(dist)/float64(maxLen)) * 100
}

func tokenDice(a, b string) float64 {
	ta := strings.Fields(a)
	tb := strings.Fields(b)
	if len(ta) == 0 || len(tb) == 0 {
		return 0
	}
	seen := make(map[string]bool, len(ta))
	for _, t := range ta {
		seen[t] = true
	}
	shared := 0
	for _, t := range tb {
		if seen[t] {
			shared++
			delete(seen, t)
		}
	}
	return float64(2*shared) / float64(len(ta)+len(tb)) * 100
}

// AmountScore scores the closeness of two amounts with a tolerance-banded
// piecewise decay. Differences of at most one cent are a full match; the
// decay is non-increasing in the percentage difference:
//
//	<= 1%:  100 down to 99.5
//	<= 5%:  90 - (pct-1)*10, floored at 70
//	<= 10%: 70 - (pct-5)*2, floored at 50
//	>  10%: 50 - (pct-10), floored at 0
func AmountScore(a, b decimal.Decimal) float64 {
	if models.WithinTolerance(a, b, models.CentTolerance) {
		return 100
	}
	pct, _ := models.PercentDifference(a, b).Float64()
	switch {
	case pct <= 1:
		return math.Max(50, 100-pct*0.5)
	case pct <= 5:
		return math.Max(70, 90-(pct-1)*10)
	case pct <= 10:
		return math.Max(50, 70-(pct-5)*2)
	default:
		return math.Max(0, 50-(pct-10))
	}
}

// AmountSimilarity is the linear 0-100 closeness measure used by the fuzzy
// matcher: 100 minus the percentage difference, floored at 0.
func AmountSimilarity(a, b decimal.Decimal) float64 {
	pct, _ := models.PercentDifference(a, b).Float64()
	return math.Max(0, 100-pct)
}

// DateScore scores period proximity: 100 for the same date, 90 for the
// same reporting period, 70 for adjacent periods, else 0. Records without
// dates fall back to period comparison.
func DateScore(source, target *models.FinancialRecord) float64 {
	if source == nil || target == nil {
		return 0
	}
	if source.Date != nil && target.Date != nil {
		sy, sm, sd := source.Date.Date()
		ty, tm, td := target.Date.Date()
		if sy == ty && sm == tm && sd == td {
			return 100
		}
	}
	switch {
	case models.SamePeriod(source.PeriodID, target.PeriodID):
		return 90
	case models.AdjacentPeriod(source.PeriodID, target.PeriodID):
		return 70
	default:
		return 0
	}
}

// ContextScore scores document-type affinity: 80 when both records come
// from the same statement category, 60 for related categories, else 0.
func ContextScore(source, target *models.FinancialRecord) float64 {
	if source == nil || target == nil {
		return 0
	}
	sc := source.DocumentType.Category()
	tc := target.DocumentType.Category()
	switch {
	case sc == tc:
		return 80
	case sc.RelatedTo(tc):
		return 60
	default:
		return 0
	}
}

// ScoreRecords computes the composite confidence for a source/target pair
// using all four sub-scores.
func (s *Scorer) ScoreRecords(source, target *models.FinancialRecord) float64 {
	return s.Score(
		AccountScore(source, target),
		AmountScore(source.Amount, target.Amount),
		DateScore(source, target),
		ContextScore(source, target),
	)
}
