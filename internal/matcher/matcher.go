// Package matcher implements the cross-document match engine: four
// matcher strategies behind one contract, run as a fixed pipeline.
//
// The dispatch order is Exact -> Fuzzy -> Calculated -> Inferred. Each
// pass only operates on records not already consumed by an earlier pass,
// except the calculated pass, which evaluates relationship rules over
// document-level aggregates independent of per-record consumption.
//
// Matching is a pure computation over an immutable snapshot of records
// and rules. The fuzzy and inferred passes fan out across account
// partitions on a bounded worker pool; every worker only reads shared
// input and appends to its own output buffer, and the merged output is
// sorted into a single deterministic order (pass, then source extraction
// index, then target extraction index) so re-runs produce identical
// results. The exact pass is a sequential greedy assignment over a code
// index, since its targets are claimed one at a time.
package matcher

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/propfin/reconciliation-engine/internal/models"
	"github.com/propfin/reconciliation-engine/internal/rules"
	"github.com/propfin/reconciliation-engine/internal/scoring"
	"github.com/propfin/reconciliation-engine/pkg/logger"
)

// Config holds the tunable parameters of the match engine.
type Config struct {
	// FuzzyThreshold is the minimum combined name/amount score for a
	// fuzzy candidate to be emitted.
	FuzzyThreshold float64 `json:"fuzzy_threshold" mapstructure:"fuzzy_threshold"`

	// InferredThreshold is the minimum combined score for an inferred
	// candidate to be emitted.
	InferredThreshold float64 `json:"inferred_threshold" mapstructure:"inferred_threshold"`

	// Workers bounds the worker pool for the record-pair passes.
	Workers int `json:"workers" mapstructure:"workers"`

	// Weights are the composite confidence weights.
	Weights scoring.Weights `json:"weights" mapstructure:"weights"`
}

// DefaultConfig returns the production defaults.
func DefaultConfig() *Config {
	return &Config{
		FuzzyThreshold:    70,
		InferredThreshold: 40,
		Workers:           4,
		Weights:           scoring.DefaultWeights(),
	}
}

// StrictConfig returns a configuration for audit-grade runs: only
// high-signal fuzzy pairs are emitted and inferred matching is
// effectively limited to accounts with strong history.
func StrictConfig() *Config {
	config := DefaultConfig()
	config.FuzzyThreshold = 85
	config.InferredThreshold = 55
	return config
}

// RelaxedConfig returns a configuration for exploratory runs over noisy
// extracts, surfacing more speculative candidates for review.
func RelaxedConfig() *Config {
	config := DefaultConfig()
	config.FuzzyThreshold = 55
	config.InferredThreshold = 25
	return config
}

// Validate checks the engine configuration.
func (c *Config) Validate() error {
	if c.FuzzyThreshold < 0 || c.FuzzyThreshold > 100 {
		return fmt.Errorf("fuzzy threshold must be between 0 and 100: %f", c.FuzzyThreshold)
	}
	if c.InferredThreshold < 0 || c.InferredThreshold > 100 {
		return fmt.Errorf("inferred threshold must be between 0 and 100: %f", c.InferredThreshold)
	}
	if c.Workers <= 0 {
		return fmt.Errorf("workers must be positive: %d", c.Workers)
	}
	return c.Weights.Validate()
}

// Clone creates a copy of the configuration.
func (c *Config) Clone() *Config {
	clone := *c
	return &clone
}

// SkippedRule reports a relationship rule that could not evaluate because
// a referenced account was absent. Skips surface in the session summary;
// they are not errors and are never retried.
type SkippedRule struct {
	RuleID string `json:"rule_id"`
	Reason string `json:"reason"`
}

// RuleViolation reports a relationship rule whose sides differ beyond the
// declared tolerance. Violations feed discrepancy classification.
type RuleViolation struct {
	Rule     *rules.RelationshipRule
	Expected decimal.Decimal
	Actual   decimal.Decimal
	Source   *models.FinancialRecord // left scalar record, when resolvable
	Target   *models.FinancialRecord // right scalar record for equality rules
}

// PassResult is the output of one matcher pass.
type PassResult struct {
	Candidates []*models.MatchCandidate
	Violations []RuleViolation
	Skipped    []SkippedRule
}

// Matcher is the contract every strategy implements: examine the (not yet
// consumed) source and target records plus the rule catalog, and nominate
// match candidates.
type Matcher interface {
	// MatchType identifies the strategy and its pipeline position.
	MatchType() models.MatchType

	// Find nominates candidates over the given records.
	Find(source, target []*models.FinancialRecord, catalog *rules.RuleSet) PassResult
}

// Result is the merged output of the full pipeline.
type Result struct {
	Candidates      []*models.MatchCandidate
	Violations      []RuleViolation
	Skipped         []SkippedRule
	UnmatchedSource []*models.FinancialRecord
	UnmatchedTarget []*models.FinancialRecord
	PassCounts      map[models.MatchType]int
	Elapsed         time.Duration
}

// Engine runs the four matcher passes in fixed order.
type Engine struct {
	config   *Config
	scorer   *scoring.Scorer
	matchers []Matcher
	logger   logger.Logger
}

// NewEngine creates a match engine. A nil config uses the defaults; a nil
// history provider disables inferred history (unseen accounts score 0).
func NewEngine(config *Config, history HistoryProvider) (*Engine, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if history == nil {
		history = NoHistory{}
	}

	scorer := scoring.NewScorer(config.Weights)
	return &Engine{
		config: config,
		scorer: scorer,
		matchers: []Matcher{
			NewExactMatcher(config),
			NewFuzzyMatcher(config),
			NewCalculatedMatcher(),
			NewInferredMatcher(config, history),
		},
		logger: logger.GetGlobalLogger().WithComponent("match_engine"),
	}, nil
}

// Run executes the pipeline over an immutable snapshot of records. The
// context bounds the matching pass; cancellation before commit is the
// caller's only cancellation point.
func (e *Engine) Run(ctx context.Context, source, target []*models.FinancialRecord, catalog *rules.RuleSet) (*Result, error) {
	start := time.Now()
	result := &Result{PassCounts: make(map[models.MatchType]int)}

	consumedSource := make(map[string]bool)
	consumedTarget := make(map[string]bool)

	for _, m := range e.matchers {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		src, tgt := source, target
		if m.MatchType() != models.MatchCalculated {
			src = unconsumed(source, consumedSource)
			tgt = unconsumed(target, consumedTarget)
		}

		pass := m.Find(src, tgt, catalog)
		candidates := e.dedupe(sortCandidates(pass.Candidates), consumedSource, consumedTarget, m.MatchType())

		result.Candidates = append(result.Candidates, candidates...)
		result.Violations = append(result.Violations, pass.Violations...)
		result.Skipped = append(result.Skipped, pass.Skipped...)
		result.PassCounts[m.MatchType()] = len(candidates)

		e.logger.WithFields(logger.Fields{
			"pass":       m.MatchType().String(),
			"candidates": len(candidates),
			"skipped":    len(pass.Skipped),
			"violations": len(pass.Violations),
		}).Debug("Matcher pass completed")
	}

	result.UnmatchedSource = unconsumed(source, consumedSource)
	result.UnmatchedTarget = unconsumed(target, consumedTarget)
	result.Elapsed = time.Since(start)

	e.logger.WithFields(logger.Fields{
		"source_records":   len(source),
		"target_records":   len(target),
		"candidates":       len(result.Candidates),
		"unmatched_source": len(result.UnmatchedSource),
		"unmatched_target": len(result.UnmatchedTarget),
		"elapsed":          result.Elapsed,
	}).Info("Match pipeline completed")

	return result, nil
}

// dedupe walks candidates in deterministic order, dropping any that claim
// an already-consumed record, and marks the survivors' records consumed.
// Calculated candidates compare aggregates and never consume records.
func (e *Engine) dedupe(candidates []*models.MatchCandidate, consumedSource, consumedTarget map[string]bool, matchType models.MatchType) []*models.MatchCandidate {
	if matchType == models.MatchCalculated {
		return candidates
	}
	kept := candidates[:0]
	for _, c := range candidates {
		if c.Source != nil && consumedSource[c.Source.ID] {
			continue
		}
		if c.Target != nil && consumedTarget[c.Target.ID] {
			continue
		}
		if c.Source != nil {
			consumedSource[c.Source.ID] = true
		}
		if c.Target != nil {
			consumedTarget[c.Target.ID] = true
		}
		kept = append(kept, c)
	}
	return kept
}

// sortCandidates orders candidates by source extraction index, then target
// extraction index. Together with the fixed pass order this is the single
// deterministic total order used for output and duplicate tie-breaks.
func sortCandidates(candidates []*models.MatchCandidate) []*models.MatchCandidate {
	sort.SliceStable(candidates, func(i, j int) bool {
		si, sj := extractionIndex(candidates[i].Source), extractionIndex(candidates[j].Source)
		if si != sj {
			return si < sj
		}
		return extractionIndex(candidates[i].Target) < extractionIndex(candidates[j].Target)
	})
	return candidates
}

func extractionIndex(r *models.FinancialRecord) int {
	if r == nil {
		return -1
	}
	return r.ExtractionIndex
}

func unconsumed(records []*models.FinancialRecord, consumed map[string]bool) []*models.FinancialRecord {
	var out []*models.FinancialRecord
	for _, r := range records {
		if !consumed[r.ID] {
			out = append(out, r)
		}
	}
	return out
}

// newCandidate builds a candidate with a fresh id and timestamp.
func newCandidate(matchType models.MatchType, source, target *models.FinancialRecord, confidence float64) *models.MatchCandidate {
	c := &models.MatchCandidate{
		ID:         uuid.NewString(),
		MatchType:  matchType,
		Source:     source,
		Target:     target,
		Confidence: confidence,
		CreatedAt:  time.Now().UTC(),
	}
	if source != nil && target != nil {
		c.AmountDifference = source.Amount.Sub(target.Amount).Abs()
	}
	return c
}

// parallelOverSource fans source records out to the worker pool in fixed
// chunks and concatenates the per-chunk outputs. Workers only read target
// data; each appends candidates to its own buffer. Output order is made
// deterministic later by sortCandidates.
func parallelOverSource(workers int, source []*models.FinancialRecord, fn func(record *models.FinancialRecord) *models.MatchCandidate) []*models.MatchCandidate {
	if len(source) == 0 {
		return nil
	}
	if workers > len(source) {
		workers = len(source)
	}

	chunkSize := (len(source) + workers - 1) / workers
	buffers := make([][]*models.MatchCandidate, workers)

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		lo := w * chunkSize
		hi := lo + chunkSize
		if hi > len(source) {
			hi = len(source)
		}
		if lo >= hi {
			continue
		}
		wg.Add(1)
		go func(w, lo, hi int) {
			defer wg.Done()
			for _, record := range source[lo:hi] {
				if c := fn(record); c != nil {
					buffers[w] = append(buffers[w], c)
				}
			}
		}(w, lo, hi)
	}
	wg.Wait()

	var out []*models.MatchCandidate
	for _, buf := range buffers {
		out = append(out, buf...)
	}
	return out
}
