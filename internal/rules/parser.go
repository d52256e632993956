package rules

import (
	"fmt"
	"strings"

	"github.com/propfin/reconciliation-engine/internal/models"
)

// SelectorKind identifies how a formula operand selects records.
type SelectorKind string

const (
	// SelectCode matches a single account by exact code.
	SelectCode SelectorKind = "code"
	// SelectPrefix matches all accounts whose code starts with the value.
	SelectPrefix SelectorKind = "prefix"
	// SelectName matches accounts whose normalized name contains the value.
	SelectName SelectorKind = "name"
)

// Selector picks records out of a document's record set.
type Selector struct {
	Kind  SelectorKind `json:"kind"`
	Value string       `json:"value"`
}

// Matches reports whether the selector picks the given record.
func (s Selector) Matches(record *models.FinancialRecord) bool {
	if record == nil {
		return false
	}
	switch s.Kind {
	case SelectCode:
		return models.NormalizeCode(record.AccountCode) == models.NormalizeCode(s.Value)
	case SelectPrefix:
		code := models.NormalizeCode(record.AccountCode)
		return code != "" && strings.HasPrefix(code, models.NormalizeCode(s.Value))
	case SelectName:
		name := normalizeFormulaName(record.AccountName)
		return name != "" && strings.Contains(name, s.Value)
	default:
		return false
	}
}

// String returns the selector in formula syntax.
func (s Selector) String() string {
	if s.Kind == SelectName && !strings.ContainsAny(s.Value, " ") {
		return s.Value
	}
	return fmt.Sprintf("%s:%s", s.Kind, s.Value)
}

// Operand is one side-element of a relationship formula: a document
// qualifier plus a selector, optionally aggregated with sum().
type Operand struct {
	Document  models.DocumentType `json:"document"`
	Selector  Selector            `json:"selector"`
	Aggregate bool                `json:"aggregate"`
}

// String returns the operand in formula syntax.
func (o Operand) String() string {
	abbrev := string(o.Document)
	for k, v := range models.DocumentAbbreviations {
		if v == o.Document {
			abbrev = k
			break
		}
	}
	if o.Aggregate {
		return fmt.Sprintf("%s.sum(%s)", abbrev, o.Selector)
	}
	return fmt.Sprintf("%s.%s", abbrev, o.Selector)
}

// Term is a signed right-hand-side operand.
type Term struct {
	Operand  Operand `json:"operand"`
	Negative bool    `json:"negative"`
}

// Formula is the parsed AST of a relationship rule: a scalar left-hand
// side compared against one to two signed right-hand-side terms.
type Formula struct {
	Text  string  `json:"text"`
	Left  Operand `json:"left"`
	Right []Term  `json:"right"`
}

// Kind derives the relationship kind from the formula shape.
func (f *Formula) Kind() RelationshipKind {
	for _, t := range f.Right {
		if t.Operand.Aggregate {
			return KindSum
		}
	}
	if len(f.Right) == 1 {
		return KindEquality
	}
	if len(f.Right) == 2 && f.Right[1].Negative && !f.Right[0].Negative {
		return KindDifference
	}
	return KindCalculation
}

// Operands returns every operand referenced by the formula, left first.
func (f *Formula) Operands() []Operand {
	out := []Operand{f.Left}
	for _, t := range f.Right {
		out = append(out, t.Operand)
	}
	return out
}

// String returns the formula in its source syntax.
func (f *Formula) String() string {
	return f.Text
}

// ParseFormula parses a relationship formula string into its AST. The
// grammar is fixed:
//
//	formula  := operand "=" operand { ("+" | "-") operand }
//	operand  := QUALIFIER "." ( "sum(" selector ")" | selector )
//	selector := ("code:" | "prefix:" | "name:") value | identifier
//
// Qualifiers are the document abbreviations (BS, IS, CF, RR, MS). A bare
// identifier is shorthand for a name selector with underscores read as
// spaces. Operators must be whitespace-separated. The left side is always
// scalar; sum() may appear as the only right-hand term.
func ParseFormula(text string) (*Formula, error) {
	sides := strings.SplitN(text, "=", 2)
	if len(sides) != 2 {
		return nil, fmt.Errorf("formula must contain exactly one '='")
	}

	left, err := parseOperand(strings.TrimSpace(sides[0]))
	if err != nil {
		return nil, fmt.Errorf("left side: %w", err)
	}
	if left.Aggregate {
		return nil, fmt.Errorf("left side must be a scalar account, not an aggregate")
	}

	tokens := strings.Fields(sides[1])
	if len(tokens) == 0 {
		return nil, fmt.Errorf("right side is empty")
	}

	var right []Term
	negative := false
	expectOperand := true
	for _, token := range tokens {
		if expectOperand {
			op, err := parseOperand(token)
			if err != nil {
				return nil, fmt.Errorf("right side: %w", err)
			}
			right = append(right, Term{Operand: op, Negative: negative})
			expectOperand = false
			continue
		}
		switch token {
		case "+":
			negative = false
		case "-":
			negative = true
		default:
			return nil, fmt.Errorf("expected '+' or '-', got %q", token)
		}
		expectOperand = true
	}
	if expectOperand {
		return nil, fmt.Errorf("formula ends with a dangling operator")
	}
	if len(right) > 2 {
		return nil, fmt.Errorf("formulas support at most three operands, got %d", len(right)+1)
	}
	for i, t := range right {
		if t.Operand.Aggregate && len(right) != 1 {
			return nil, fmt.Errorf("sum() must be the only right-hand term")
		}
		if i == 0 && t.Negative {
			return nil, fmt.Errorf("first right-hand term cannot be negative")
		}
	}

	return &Formula{Text: strings.Join(strings.Fields(text), " "), Left: left, Right: right}, nil
}

func parseOperand(token string) (Operand, error) {
	parts := strings.SplitN(token, ".", 2)
	if len(parts) != 2 {
		return Operand{}, fmt.Errorf("operand %q must be QUALIFIER.selector", token)
	}
	doc, ok := models.DocumentAbbreviations[strings.ToUpper(parts[0])]
	if !ok {
		return Operand{}, fmt.Errorf("unknown document qualifier %q", parts[0])
	}

	rest := parts[1]
	aggregate := false
	if strings.HasPrefix(rest, "sum(") {
		if !strings.HasSuffix(rest, ")") {
			return Operand{}, fmt.Errorf("unterminated sum() in %q", token)
		}
		aggregate = true
		rest = strings.TrimSuffix(strings.TrimPrefix(rest, "sum("), ")")
	}

	selector, err := parseSelector(rest)
	if err != nil {
		return Operand{}, fmt.Errorf("operand %q: %w", token, err)
	}
	return Operand{Document: doc, Selector: selector, Aggregate: aggregate}, nil
}

func parseSelector(s string) (Selector, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Selector{}, fmt.Errorf("empty selector")
	}
	if kind, value, found := strings.Cut(s, ":"); found {
		value = strings.TrimSpace(value)
		if value == "" {
			return Selector{}, fmt.Errorf("selector %q has no value", s)
		}
		switch SelectorKind(kind) {
		case SelectCode:
			return Selector{Kind: SelectCode, Value: value}, nil
		case SelectPrefix:
			return Selector{Kind: SelectPrefix, Value: value}, nil
		case SelectName:
			return Selector{Kind: SelectName, Value: normalizeFormulaName(value)}, nil
		default:
			return Selector{}, fmt.Errorf("unknown selector kind %q", kind)
		}
	}
	// Bare identifier: a name selector with underscores read as spaces.
	return Selector{Kind: SelectName, Value: normalizeFormulaName(strings.ReplaceAll(s, "_", " "))}, nil
}

// normalizeFormulaName lowercases and collapses whitespace so selector
// values compare against account names the same way the scorer does.
func normalizeFormulaName(s string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(strings.TrimSpace(s)) {
		if r >= 'a' && r <= 'z' || r >= '0' && r <= '9' {
			b.WriteRune(r)
		} else {
			b.WriteRune(' ')
		}
	}
	return strings.Join(strings.Fields(b.String()), " ")
}
