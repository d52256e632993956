// Package rules defines the static catalog of cross-document relationship
// rules used by the calculated matcher and by discrepancy detection.
//
// A relationship rule declares that a value in one statement must agree
// with a value (or combination of values) in another, within a declared
// tolerance. Rules are written as formula strings such as
//
//	BS.current_period_earnings = IS.net_income
//	BS.total_assets = BS.sum(prefix:1)
//	CF.ending_cash = CF.beginning_cash + CF.net_change
//
// and are parsed once at load time into a typed AST (see parser.go).
// There is no runtime string evaluation and no user-scriptable expression
// language: the grammar covers exactly the four relationship kinds the
// reconciliation model needs.
//
// Rule sets are versioned, validated at load, and immutable during a
// session.
package rules

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/propfin/reconciliation-engine/internal/models"
	recerrors "github.com/propfin/reconciliation-engine/pkg/errors"
)

// RelationshipKind identifies the shape of a relationship rule.
type RelationshipKind string

const (
	// KindEquality compares two scalar accounts.
	KindEquality RelationshipKind = "equality"
	// KindSum compares one scalar against a sum over a filtered record set.
	KindSum RelationshipKind = "sum"
	// KindDifference applies a two-operand subtraction formula.
	KindDifference RelationshipKind = "difference"
	// KindCalculation applies a fixed two- or three-operand formula.
	KindCalculation RelationshipKind = "calculation"
)

// IsValid checks if the relationship kind is supported.
func (k RelationshipKind) IsValid() bool {
	switch k {
	case KindEquality, KindSum, KindDifference, KindCalculation:
		return true
	}
	return false
}

// PriorityTier orders rule execution and reporting; critical rules run and
// are reported first.
type PriorityTier string

const (
	TierCritical PriorityTier = "critical"
	TierHigh     PriorityTier = "high"
	TierMedium   PriorityTier = "medium"
	TierLow      PriorityTier = "low"
)

// Rank returns the execution rank of the tier; lower runs first.
func (t PriorityTier) Rank() int {
	switch t {
	case TierCritical:
		return 0
	case TierHigh:
		return 1
	case TierMedium:
		return 2
	default:
		return 3
	}
}

// Tolerance declares how far apart two sides of a relationship may be and
// still count as matched. Either bound may be unset; when both are set the
// looser bound wins.
type Tolerance struct {
	Absolute decimal.Decimal `json:"absolute" yaml:"absolute"`
	Percent  decimal.Decimal `json:"percent" yaml:"percent"`
}

// Allows reports whether the difference between two values falls within
// the tolerance.
func (t Tolerance) Allows(expected, actual decimal.Decimal) bool {
	diff := expected.Sub(actual).Abs()
	if !t.Absolute.IsZero() || t.Percent.IsZero() {
		if diff.LessThanOrEqual(t.Absolute) {
			return true
		}
	}
	if !t.Percent.IsZero() {
		limit := decimal.Max(expected.Abs(), actual.Abs()).Mul(t.Percent).Div(decimal.NewFromInt(100))
		if diff.LessThanOrEqual(limit) {
			return true
		}
	}
	return false
}

// Confidence maps the declared tolerance band to the confidence assigned
// to a passing calculated match: cent-exact and 1% bands score 95, a $100
// absolute band scores 90, a 5% band scores 85. Anything looser scores 80.
func (t Tolerance) Confidence() float64 {
	if !t.Absolute.IsZero() {
		switch {
		case t.Absolute.LessThanOrEqual(models.CentTolerance):
			return 95
		case t.Absolute.LessThanOrEqual(decimal.NewFromInt(100)):
			return 90
		}
	}
	if !t.Percent.IsZero() {
		switch {
		case t.Percent.LessThanOrEqual(decimal.NewFromInt(1)):
			return 95
		case t.Percent.LessThanOrEqual(decimal.NewFromInt(5)):
			return 85
		}
	}
	return 80
}

// CentTolerance returns the tightest tolerance: one cent absolute.
func CentTolerance() Tolerance {
	return Tolerance{Absolute: models.CentTolerance}
}

// RelationshipRule is one declared cross-document relationship. Rules are
// static configuration, loaded once at session start and read-only during
// a run.
type RelationshipRule struct {
	ID          string           `json:"id" yaml:"id"`
	Description string           `json:"description,omitempty" yaml:"description,omitempty"`
	Kind        RelationshipKind `json:"kind" yaml:"kind"`
	FormulaText string           `json:"formula" yaml:"formula"`
	Tolerance   Tolerance        `json:"tolerance" yaml:"tolerance"`

	// SeverityFloor is the minimum severity a violation of this rule is
	// reported at; the classifier may escalate based on the magnitude.
	SeverityFloor models.Severity `json:"severity_floor" yaml:"severity_floor"`
	Priority      PriorityTier    `json:"priority" yaml:"priority"`

	// Formula is the parsed AST, populated at load time.
	Formula *Formula `json:"-" yaml:"-"`
}

// Validate checks the rule declaration and that its formula parses to the
// declared kind.
func (r *RelationshipRule) Validate() error {
	if strings.TrimSpace(r.ID) == "" {
		return fmt.Errorf("rule id cannot be empty")
	}
	if !r.Kind.IsValid() {
		return fmt.Errorf("rule %s: invalid kind %q", r.ID, r.Kind)
	}
	if r.Formula == nil {
		return fmt.Errorf("rule %s: formula not parsed", r.ID)
	}
	if got := r.Formula.Kind(); got != r.Kind {
		return fmt.Errorf("rule %s: formula shape is %s but rule declares %s", r.ID, got, r.Kind)
	}
	if r.Tolerance.Absolute.IsNegative() || r.Tolerance.Percent.IsNegative() {
		return fmt.Errorf("rule %s: tolerance cannot be negative", r.ID)
	}
	switch r.SeverityFloor {
	case models.SeverityCritical, models.SeverityHigh, models.SeverityMedium,
		models.SeverityLow, models.SeverityInfo, "":
	default:
		return fmt.Errorf("rule %s: invalid severity floor %q", r.ID, r.SeverityFloor)
	}
	switch r.Priority {
	case TierCritical, TierHigh, TierMedium, TierLow:
	default:
		return fmt.Errorf("rule %s: invalid priority tier %q", r.ID, r.Priority)
	}
	return nil
}

// DocumentTypes returns the set of document types the rule references.
func (r *RelationshipRule) DocumentTypes() []models.DocumentType {
	if r.Formula == nil {
		return nil
	}
	seen := make(map[models.DocumentType]bool)
	var out []models.DocumentType
	for _, op := range r.Formula.Operands() {
		if !seen[op.Document] {
			seen[op.Document] = true
			out = append(out, op.Document)
		}
	}
	return out
}

// AppliesTo reports whether every document type the rule references is
// present in the session scope.
func (r *RelationshipRule) AppliesTo(scope []models.DocumentType) bool {
	inScope := make(map[models.DocumentType]bool, len(scope))
	for _, dt := range scope {
		inScope[dt] = true
	}
	for _, dt := range r.DocumentTypes() {
		if !inScope[dt] {
			return false
		}
	}
	return true
}

// RuleSet is a versioned, immutable catalog of relationship rules.
type RuleSet struct {
	version string
	rules   []*RelationshipRule
	byID    map[string]*RelationshipRule
}

// NewRuleSet builds a rule set from declared rules, parsing each formula
// and validating the catalog. Rule ids must be unique.
func NewRuleSet(version string, declared []*RelationshipRule) (*RuleSet, error) {
	rs := &RuleSet{
		version: version,
		byID:    make(map[string]*RelationshipRule, len(declared)),
	}
	for _, rule := range declared {
		formula, err := ParseFormula(rule.FormulaText)
		if err != nil {
			return nil, recerrors.FormulaError(rule.FormulaText, err).WithContext("rule_id", rule.ID)
		}
		rule.Formula = formula
		if rule.SeverityFloor == "" {
			rule.SeverityFloor = models.SeverityLow
		}
		if err := rule.Validate(); err != nil {
			return nil, recerrors.ConfigurationError("rules", rule.ID, err)
		}
		if _, dup := rs.byID[rule.ID]; dup {
			return nil, recerrors.ConfigurationError("rules", rule.ID,
				fmt.Errorf("duplicate rule id %q", rule.ID))
		}
		rs.byID[rule.ID] = rule
		rs.rules = append(rs.rules, rule)
	}

	// Execution order: priority tier, then id. Critical rules run and are
	// reported first.
	sort.SliceStable(rs.rules, func(i, j int) bool {
		if rs.rules[i].Priority.Rank() != rs.rules[j].Priority.Rank() {
			return rs.rules[i].Priority.Rank() < rs.rules[j].Priority.Rank()
		}
		return rs.rules[i].ID < rs.rules[j].ID
	})
	return rs, nil
}

// Version returns the catalog version.
func (rs *RuleSet) Version() string {
	return rs.version
}

// Rules returns all rules in execution order.
func (rs *RuleSet) Rules() []*RelationshipRule {
	return rs.rules
}

// Get returns the rule with the given id.
func (rs *RuleSet) Get(id string) (*RelationshipRule, bool) {
	rule, ok := rs.byID[id]
	return rule, ok
}

// ForScope returns the rules applicable to the given document-type scope,
// in execution order.
func (rs *RuleSet) ForScope(scope []models.DocumentType) []*RelationshipRule {
	var out []*RelationshipRule
	for _, rule := range rs.rules {
		if rule.AppliesTo(scope) {
			out = append(out, rule)
		}
	}
	return out
}

// Len returns the number of rules in the catalog.
func (rs *RuleSet) Len() int {
	return len(rs.rules)
}

// catalogFile is the YAML representation of a rule catalog.
type catalogFile struct {
	Version string              `yaml:"version"`
	Rules   []*RelationshipRule `yaml:"rules"`
}

// LoadRuleSet reads a rule catalog from a YAML file.
func LoadRuleSet(path string) (*RuleSet, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, recerrors.ConfigurationError("rules_catalog", path, err)
	}
	var file catalogFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, recerrors.ConfigurationError("rules_catalog", path, err)
	}
	if file.Version == "" {
		return nil, recerrors.ConfigurationError("rules_catalog", path,
			fmt.Errorf("catalog version is required"))
	}
	return NewRuleSet(file.Version, file.Rules)
}

// UnmarshalYAML decodes a tolerance with decimal string values.
func (t *Tolerance) UnmarshalYAML(value *yaml.Node) error {
	var raw struct {
		Absolute string `yaml:"absolute"`
		Percent  string `yaml:"percent"`
	}
	if err := value.Decode(&raw); err != nil {
		return err
	}
	var err error
	t.Absolute, t.Percent = decimal.Zero, decimal.Zero
	if raw.Absolute != "" {
		if t.Absolute, err = decimal.NewFromString(raw.Absolute); err != nil {
			return fmt.Errorf("invalid absolute tolerance %q: %w", raw.Absolute, err)
		}
	}
	if raw.Percent != "" {
		if t.Percent, err = decimal.NewFromString(raw.Percent); err != nil {
			return fmt.Errorf("invalid percent tolerance %q: %w", raw.Percent, err)
		}
	}
	return nil
}

// DefaultRuleSet returns the built-in relationship catalog for property
// financial statements.
func DefaultRuleSet() *RuleSet {
	rules := []*RelationshipRule{
		{
			ID:            "current-earnings-tie",
			Description:   "Balance sheet current period earnings must equal income statement net income",
			Kind:          KindEquality,
			FormulaText:   "BS.current_period_earnings = IS.net_income",
			Tolerance:     CentTolerance(),
			SeverityFloor: models.SeverityLow,
			Priority:      TierCritical,
		},
		{
			ID:            "balance-sheet-equation",
			Description:   "Assets must equal liabilities plus equity",
			Kind:          KindCalculation,
			FormulaText:   "BS.total_assets = BS.total_liabilities + BS.total_equity",
			Tolerance:     CentTolerance(),
			SeverityFloor: models.SeverityHigh,
			Priority:      TierCritical,
		},
		{
			ID:            "cash-flow-rollforward",
			Description:   "Ending cash must equal beginning cash plus net change",
			Kind:          KindCalculation,
			FormulaText:   "CF.ending_cash = CF.beginning_cash + CF.net_change",
			Tolerance:     CentTolerance(),
			SeverityFloor: models.SeverityHigh,
			Priority:      TierCritical,
		},
		{
			ID:            "cash-tie",
			Description:   "Balance sheet cash must equal cash flow ending cash",
			Kind:          KindEquality,
			FormulaText:   "BS.cash = CF.ending_cash",
			Tolerance:     CentTolerance(),
			SeverityFloor: models.SeverityLow,
			Priority:      TierHigh,
		},
		{
			ID:            "asset-accounts-sum",
			Description:   "Asset series accounts must sum to total assets",
			Kind:          KindSum,
			FormulaText:   "BS.total_assets = BS.sum(prefix:1)",
			Tolerance:     Tolerance{Percent: decimal.NewFromInt(1)},
			SeverityFloor: models.SeverityLow,
			Priority:      TierHigh,
		},
		{
			ID:            "noi-derivation",
			Description:   "Net operating income must equal revenue minus operating expenses",
			Kind:          KindDifference,
			FormulaText:   "IS.net_operating_income = IS.total_revenue - IS.total_operating_expenses",
			Tolerance:     Tolerance{Absolute: decimal.NewFromInt(100)},
			SeverityFloor: models.SeverityLow,
			Priority:      TierHigh,
		},
		{
			ID:            "mortgage-balance-tie",
			Description:   "Balance sheet mortgage payable must equal the mortgage statement principal balance",
			Kind:          KindEquality,
			FormulaText:   "BS.mortgage_payable = MS.principal_balance",
			Tolerance:     Tolerance{Absolute: decimal.NewFromInt(100)},
			SeverityFloor: models.SeverityMedium,
			Priority:      TierHigh,
		},
		{
			ID:            "rent-roll-supports-revenue",
			Description:   "Scheduled rents must support income statement rental income",
			Kind:          KindSum,
			FormulaText:   "IS.rental_income = RR.sum(name:rent)",
			Tolerance:     Tolerance{Percent: decimal.NewFromInt(5)},
			SeverityFloor: models.SeverityLow,
			Priority:      TierMedium,
		},
	}

	rs, err := NewRuleSet("builtin-2024.1", rules)
	if err != nil {
		// The built-in catalog is covered by tests; a parse failure here is
		// a programming error.
		panic(err)
	}
	return rs
}
