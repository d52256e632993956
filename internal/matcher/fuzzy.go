package matcher

import (
	"fmt"
	"math"

	"github.com/propfin/reconciliation-engine/internal/models"
	"github.com/propfin/reconciliation-engine/internal/rules"
	"github.com/propfin/reconciliation-engine/internal/scoring"
)

// FuzzyMatcher pairs records whose account names are similar and whose
// amounts are close, for sources the exact pass could not place. The
// combined score is 0.6 x name similarity + 0.4 x amount similarity; a
// candidate is emitted only when the combination clears the configured
// threshold, and only the best-scoring target is kept per source.
type FuzzyMatcher struct {
	config *Config
}

// Fuzzy combination weights. Name similarity carries more signal than
// amount closeness: two unrelated accounts can share an amount.
const (
	fuzzyNameWeight   = 0.6
	fuzzyAmountWeight = 0.4
)

// NewFuzzyMatcher creates a FuzzyMatcher.
func NewFuzzyMatcher(config *Config) *FuzzyMatcher {
	return &FuzzyMatcher{config: config}
}

// MatchType implements Matcher.
func (m *FuzzyMatcher) MatchType() models.MatchType {
	return models.MatchFuzzy
}

// Find implements Matcher. Each source scans the full target set; workers
// share the target slice read-only.
func (m *FuzzyMatcher) Find(source, target []*models.FinancialRecord, _ *rules.RuleSet) PassResult {
	candidates := parallelOverSource(m.config.Workers, source, func(record *models.FinancialRecord) *models.MatchCandidate {
		var best *models.FinancialRecord
		bestScore := 0.0
		var bestName, bestAmount float64

		for _, t := range target {
			nameSim := scoring.NameSimilarity(record.AccountName, t.AccountName)
			amountSim := scoring.AmountSimilarity(record.Amount, t.Amount)
			combined := fuzzyNameWeight*nameSim + fuzzyAmountWeight*amountSim

			// Strictly-greater keeps the lowest-index target on ties.
			if combined > bestScore {
				best = t
				bestScore = combined
				bestName, bestAmount = nameSim, amountSim
			}
		}

		if best == nil || bestScore < m.config.FuzzyThreshold {
			return nil
		}

		c := newCandidate(models.MatchFuzzy, record, best, round1(bestScore))
		c.Reasons = []string{
			fmt.Sprintf("Name similarity %.1f", bestName),
			fmt.Sprintf("Amount similarity %.1f", bestAmount),
		}
		return c
	})

	return PassResult{Candidates: candidates}
}

func round1(v float64) float64 {
	return math.Round(v*10) / 10
}
