package matcher

import (
	"fmt"
	"sort"

	"github.com/shopspring/decimal"

	"github.com/propfin/reconciliation-engine/internal/models"
	"github.com/propfin/reconciliation-engine/internal/rules"
)

// CalculatedMatcher evaluates the declared relationship rules between the
// document types present in the batch. Unlike the record-pair matchers it
// operates on relationship-level aggregates and is independent of
// per-record consumption: a record that already matched exactly can still
// participate in a sum.
//
// A rule that cannot evaluate because a referenced account is absent on
// either side produces no candidate and is reported as a skip, not an
// error; the session proceeds.
type CalculatedMatcher struct{}

// NewCalculatedMatcher creates a CalculatedMatcher.
func NewCalculatedMatcher() *CalculatedMatcher {
	return &CalculatedMatcher{}
}

// MatchType implements Matcher.
func (m *CalculatedMatcher) MatchType() models.MatchType {
	return models.MatchCalculated
}

// Find implements Matcher. Rules run in catalog order (priority tier,
// then id), so critical relationships evaluate and report first.
func (m *CalculatedMatcher) Find(source, target []*models.FinancialRecord, catalog *rules.RuleSet) PassResult {
	if catalog == nil {
		return PassResult{}
	}

	all := make([]*models.FinancialRecord, 0, len(source)+len(target))
	all = append(all, source...)
	all = append(all, target...)

	scope := documentTypes(all)
	var result PassResult

	for _, rule := range catalog.ForScope(scope) {
		eval, skip := m.evaluate(rule, all)
		if skip != nil {
			result.Skipped = append(result.Skipped, *skip)
			continue
		}

		if rule.Tolerance.Allows(eval.left, eval.right) {
			c := newCandidate(models.MatchCalculated, eval.leftRecord, eval.rightRecord, rule.Tolerance.Confidence())
			c.Formula = rule.FormulaText
			c.RuleID = rule.ID
			c.AmountDifference = eval.left.Sub(eval.right).Abs()
			c.Reasons = []string{fmt.Sprintf("Relationship %s holds within tolerance", rule.ID)}
			result.Candidates = append(result.Candidates, c)
			continue
		}

		result.Violations = append(result.Violations, RuleViolation{
			Rule:     rule,
			Expected: eval.left,
			Actual:   eval.right,
			Source:   eval.leftRecord,
			Target:   eval.rightRecord,
		})
	}

	return result
}

// evaluation carries the resolved sides of a rule.
type evaluation struct {
	left        decimal.Decimal
	right       decimal.Decimal
	leftRecord  *models.FinancialRecord
	rightRecord *models.FinancialRecord // set when the right side is a single scalar
}

func (m *CalculatedMatcher) evaluate(rule *rules.RelationshipRule, records []*models.FinancialRecord) (*evaluation, *SkippedRule) {
	leftRecord, leftVal, ok := resolveOperand(rule.Formula.Left, records)
	if !ok {
		return nil, &SkippedRule{
			RuleID: rule.ID,
			Reason: fmt.Sprintf("no record matches %s", rule.Formula.Left),
		}
	}

	eval := &evaluation{left: leftVal, leftRecord: leftRecord, right: decimal.Zero}
	for _, term := range rule.Formula.Right {
		record, value, ok := resolveOperand(term.Operand, records)
		if !ok {
			return nil, &SkippedRule{
				RuleID: rule.ID,
				Reason: fmt.Sprintf("no record matches %s", term.Operand),
			}
		}
		if term.Negative {
			value = value.Neg()
		}
		eval.right = eval.right.Add(value)
		if len(rule.Formula.Right) == 1 && !term.Operand.Aggregate {
			eval.rightRecord = record
		}
	}
	return eval, nil
}

// resolveOperand resolves an operand against the record set. Scalar
// operands take the lowest-extraction-index match; aggregates sum every
// match. An operand with no matching record cannot evaluate.
func resolveOperand(op rules.Operand, records []*models.FinancialRecord) (*models.FinancialRecord, decimal.Decimal, bool) {
	var matches []*models.FinancialRecord
	for _, r := range records {
		if r.DocumentType == op.Document && op.Selector.Matches(r) {
			matches = append(matches, r)
		}
	}
	if len(matches) == 0 {
		return nil, decimal.Zero, false
	}
	sort.SliceStable(matches, func(i, j int) bool {
		return matches[i].ExtractionIndex < matches[j].ExtractionIndex
	})

	if op.Aggregate {
		sum := decimal.Zero
		for _, r := range matches {
			sum = sum.Add(r.Amount)
		}
		return nil, sum, true
	}
	return matches[0], matches[0].Amount, true
}

func documentTypes(records []*models.FinancialRecord) []models.DocumentType {
	seen := make(map[models.DocumentType]bool)
	var out []models.DocumentType
	for _, r := range records {
		if !seen[r.DocumentType] {
			seen[r.DocumentType] = true
			out = append(out, r.DocumentType)
		}
	}
	return out
}
