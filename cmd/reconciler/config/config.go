// Package config assembles engine configuration for the CLI from flags,
// config files, and environment variables.
package config

import (
	"fmt"
	"os"

	"github.com/propfin/reconciliation-engine/internal/matcher"
	"github.com/propfin/reconciliation-engine/internal/rules"
	"github.com/propfin/reconciliation-engine/internal/store"
)

// CreateMatcherConfig creates the match engine configuration from a
// named profile with CLI overrides applied.
func CreateMatcherConfig(profile string, fuzzyThreshold, inferredThreshold float64, workers int) (*matcher.Config, error) {
	var config *matcher.Config
	switch profile {
	case "", "default":
		config = matcher.DefaultConfig()
	case "strict":
		config = matcher.StrictConfig()
	case "relaxed":
		config = matcher.RelaxedConfig()
	default:
		return nil, fmt.Errorf("unknown matching profile %q (default, strict, relaxed)", profile)
	}

	if fuzzyThreshold > 0 {
		config.FuzzyThreshold = fuzzyThreshold
	}
	if inferredThreshold > 0 {
		config.InferredThreshold = inferredThreshold
	}
	if workers > 0 {
		config.Workers = workers
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid matcher configuration: %w", err)
	}
	return config, nil
}

// CreateRuleSet loads the relationship rule catalog. An empty path uses
// the built-in catalog.
func CreateRuleSet(rulesFile string) (*rules.RuleSet, error) {
	if rulesFile == "" {
		return rules.DefaultRuleSet(), nil
	}
	if _, err := os.Stat(rulesFile); err != nil {
		return nil, fmt.Errorf("rules file not accessible: %w", err)
	}
	return rules.LoadRuleSet(rulesFile)
}

// CreateStore opens the session store. An empty path creates an
// in-memory store, which is what one-shot CLI runs use.
func CreateStore(dbPath string) (store.Store, error) {
	if dbPath == "" {
		return store.NewMemoryStore(), nil
	}
	return store.NewSQLiteStore(dbPath)
}
