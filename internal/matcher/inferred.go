package matcher

import (
	"fmt"

	"github.com/propfin/reconciliation-engine/internal/models"
	"github.com/propfin/reconciliation-engine/internal/rules"
	"github.com/propfin/reconciliation-engine/internal/scoring"
)

// HistoryProvider supplies the learned per-account-code match-accuracy
// ratio (0.0 to 1.0) from prior reconciliation runs. Accounts never seen
// before score 0.
type HistoryProvider interface {
	MatchAccuracy(accountCode string) float64
}

// NoHistory is a HistoryProvider with no prior runs.
type NoHistory struct{}

// MatchAccuracy implements HistoryProvider.
func (NoHistory) MatchAccuracy(string) float64 { return 0 }

// StaticHistory is a HistoryProvider backed by a fixed ratio table keyed
// by normalized account code.
type StaticHistory map[string]float64

// MatchAccuracy implements HistoryProvider.
func (h StaticHistory) MatchAccuracy(accountCode string) float64 {
	ratio := h[models.NormalizeCode(accountCode)]
	if ratio < 0 {
		return 0
	}
	if ratio > 1 {
		return 1
	}
	return ratio
}

// InferredMatcher runs last, over records no earlier pass could place. It
// blends the historical match accuracy of the source's account code with
// amount closeness, weighted 0.7/0.3. Inferred candidates are speculative:
// confidence is hard-capped at 69 and every candidate requires explicit
// auditor approval.
type InferredMatcher struct {
	config  *Config
	history HistoryProvider
}

// Inferred blend weights and the hard confidence cap.
const (
	inferredHistoryWeight = 0.7
	inferredAmountWeight  = 0.3
	inferredCap           = 69
)

// NewInferredMatcher creates an InferredMatcher.
func NewInferredMatcher(config *Config, history HistoryProvider) *InferredMatcher {
	if history == nil {
		history = NoHistory{}
	}
	return &InferredMatcher{config: config, history: history}
}

// MatchType implements Matcher.
func (m *InferredMatcher) MatchType() models.MatchType {
	return models.MatchInferred
}

// Find implements Matcher. Each source pairs with its closest-amount
// target; the blend must clear the inferred threshold to be emitted.
func (m *InferredMatcher) Find(source, target []*models.FinancialRecord, _ *rules.RuleSet) PassResult {
	candidates := parallelOverSource(m.config.Workers, source, func(record *models.FinancialRecord) *models.MatchCandidate {
		var best *models.FinancialRecord
		bestAmount := 0.0
		for _, t := range target {
			amountScore := scoring.AmountScore(record.Amount, t.Amount)
			if amountScore > bestAmount {
				best = t
				bestAmount = amountScore
			}
		}
		if best == nil {
			return nil
		}

		accuracy := m.history.MatchAccuracy(record.AccountCode)
		combined := inferredHistoryWeight*(accuracy*100) + inferredAmountWeight*bestAmount
		if combined < m.config.InferredThreshold {
			return nil
		}
		if combined > inferredCap {
			combined = inferredCap
		}

		c := newCandidate(models.MatchInferred, record, best, round1(combined))
		c.RequiresApproval = true
		c.Reasons = []string{
			fmt.Sprintf("Historical match accuracy %.0f%%", accuracy*100),
			fmt.Sprintf("Amount score %.1f", bestAmount),
			"Requires explicit approval",
		}
		return c
	})

	return PassResult{Candidates: candidates}
}
