package matcher

import (
	"sort"

	"github.com/propfin/reconciliation-engine/internal/models"
	"github.com/propfin/reconciliation-engine/internal/rules"
)

// ExactMatcher pairs records with identical account codes and amounts
// within one cent. Exact matches are deterministic: confidence is fixed
// at 100, sources claim targets in extraction order, and each source
// takes the lowest-indexed unclaimed target. Duplicate code/amount pairs
// on both sides therefore all pair exactly instead of falling through
// to the fuzzy pass.
type ExactMatcher struct {
	config *Config
}

// NewExactMatcher creates an ExactMatcher.
func NewExactMatcher(config *Config) *ExactMatcher {
	return &ExactMatcher{config: config}
}

// MatchType implements Matcher.
func (m *ExactMatcher) MatchType() models.MatchType {
	return models.MatchExact
}

// Find implements Matcher. Targets are indexed by normalized account
// code; assignment is a sequential greedy walk so the claimed set stays
// consistent without coordination.
func (m *ExactMatcher) Find(source, target []*models.FinancialRecord, _ *rules.RuleSet) PassResult {
	byCode := make(map[string][]*models.FinancialRecord)
	for _, t := range target {
		code := models.NormalizeCode(t.AccountCode)
		if code == "" {
			continue
		}
		byCode[code] = append(byCode[code], t)
	}
	for _, group := range byCode {
		sort.Slice(group, func(i, j int) bool {
			return group[i].ExtractionIndex < group[j].ExtractionIndex
		})
	}

	ordered := append([]*models.FinancialRecord(nil), source...)
	sort.Slice(ordered, func(i, j int) bool {
		return ordered[i].ExtractionIndex < ordered[j].ExtractionIndex
	})

	claimed := make(map[string]bool, len(target))
	var candidates []*models.MatchCandidate
	for _, record := range ordered {
		code := models.NormalizeCode(record.AccountCode)
		if code == "" {
			continue
		}
		for _, t := range byCode[code] {
			if claimed[t.ID] {
				continue
			}
			if !models.WithinTolerance(record.Amount, t.Amount, models.CentTolerance) {
				continue
			}
			claimed[t.ID] = true
			c := newCandidate(models.MatchExact, record, t, 100)
			c.Reasons = []string{"Exact account code match", "Amount within one cent"}
			candidates = append(candidates, c)
			break
		}
	}

	return PassResult{Candidates: candidates}
}
