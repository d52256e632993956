package rules

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/propfin/reconciliation-engine/internal/models"
)

func TestDefaultRuleSet(t *testing.T) {
	rs := DefaultRuleSet()

	if rs.Len() == 0 {
		t.Fatal("built-in catalog is empty")
	}
	if rs.Version() == "" {
		t.Error("built-in catalog must carry a version")
	}

	// Every built-in formula parsed to the declared kind.
	for _, rule := range rs.Rules() {
		if rule.Formula == nil {
			t.Errorf("rule %s has no parsed formula", rule.ID)
		}
		if err := rule.Validate(); err != nil {
			t.Errorf("rule %s invalid: %v", rule.ID, err)
		}
	}

	// Execution order: critical tiers first.
	prev := -1
	for _, rule := range rs.Rules() {
		if rank := rule.Priority.Rank(); rank < prev {
			t.Fatalf("rule %s out of priority order", rule.ID)
		} else {
			prev = rank
		}
	}

	if _, ok := rs.Get("current-earnings-tie"); !ok {
		t.Error("expected built-in rule current-earnings-tie")
	}
}

func TestRuleSetForScope(t *testing.T) {
	rs := DefaultRuleSet()

	bsIs := rs.ForScope([]models.DocumentType{models.DocumentBalanceSheet, models.DocumentIncomeStatement})
	for _, rule := range bsIs {
		for _, doc := range rule.DocumentTypes() {
			if doc != models.DocumentBalanceSheet && doc != models.DocumentIncomeStatement {
				t.Errorf("rule %s references %s outside scope", rule.ID, doc)
			}
		}
	}

	var found bool
	for _, rule := range bsIs {
		if rule.ID == "current-earnings-tie" {
			found = true
		}
		if rule.ID == "cash-tie" {
			t.Error("cash-tie needs the cash flow statement and must not apply")
		}
	}
	if !found {
		t.Error("current-earnings-tie must apply to a BS/IS scope")
	}
}

func TestNewRuleSetRejectsDuplicates(t *testing.T) {
	_, err := NewRuleSet("test", []*RelationshipRule{
		{ID: "dup", Kind: KindEquality, FormulaText: "BS.cash = CF.ending_cash", Priority: TierLow},
		{ID: "dup", Kind: KindEquality, FormulaText: "BS.cash = CF.ending_cash", Priority: TierLow},
	})
	if err == nil {
		t.Fatal("duplicate rule ids must be rejected")
	}
}

func TestNewRuleSetRejectsKindMismatch(t *testing.T) {
	_, err := NewRuleSet("test", []*RelationshipRule{
		{ID: "mismatch", Kind: KindSum, FormulaText: "BS.cash = CF.ending_cash", Priority: TierLow},
	})
	if err == nil {
		t.Fatal("formula shape must match the declared kind")
	}
}

func TestNewRuleSetRejectsBadFormula(t *testing.T) {
	_, err := NewRuleSet("test", []*RelationshipRule{
		{ID: "broken", Kind: KindEquality, FormulaText: "not a formula", Priority: TierLow},
	})
	if err == nil {
		t.Fatal("unparseable formula must be rejected")
	}
}

func TestLoadRuleSet(t *testing.T) {
	catalog := `version: "2024.2"
rules:
  - id: cash-tie
    description: Balance sheet cash must equal cash flow ending cash
    kind: equality
    formula: BS.cash = CF.ending_cash
    tolerance:
      absolute: "0.01"
    severity_floor: low
    priority: critical
  - id: rent-support
    kind: sum
    formula: IS.rental_income = RR.sum(name:rent)
    tolerance:
      percent: "5"
    priority: medium
`
	path := filepath.Join(t.TempDir(), "catalog.yaml")
	if err := os.WriteFile(path, []byte(catalog), 0o644); err != nil {
		t.Fatal(err)
	}

	rs, err := LoadRuleSet(path)
	if err != nil {
		t.Fatalf("LoadRuleSet failed: %v", err)
	}
	if rs.Version() != "2024.2" {
		t.Errorf("version = %q", rs.Version())
	}
	if rs.Len() != 2 {
		t.Fatalf("loaded %d rules, want 2", rs.Len())
	}

	cashTie, ok := rs.Get("cash-tie")
	if !ok {
		t.Fatal("cash-tie not loaded")
	}
	if cashTie.Tolerance.Absolute.String() != "0.01" {
		t.Errorf("absolute tolerance = %s", cashTie.Tolerance.Absolute)
	}

	rent, _ := rs.Get("rent-support")
	if rent.Tolerance.Percent.String() != "5" {
		t.Errorf("percent tolerance = %s", rent.Tolerance.Percent)
	}
	// Severity floor defaults to low when omitted.
	if rent.SeverityFloor != models.SeverityLow {
		t.Errorf("severity floor = %s, want low", rent.SeverityFloor)
	}
}

func TestLoadRuleSetRequiresVersion(t *testing.T) {
	path := filepath.Join(t.TempDir(), "catalog.yaml")
	if err := os.WriteFile(path, []byte("rules: []\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadRuleSet(path); err == nil {
		t.Fatal("catalog without a version must be rejected")
	}
}
