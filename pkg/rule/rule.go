// Package rule implements declarative filter rules evaluated against source
// rows before they are grouped. A rule is a set of conditions joined by a
// connective, plus an action saying whether matching rows are kept or skipped.
package rule

import (
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/eunmann/s3-inv-pivot/pkg/value"
)

// Operator compares a row field against a condition operand.
type Operator string

// Operators.
const (
	Eq     Operator = "eq"
	Neq    Operator = "neq"
	Gt     Operator = "gt"
	Gte    Operator = "gte"
	Lt     Operator = "lt"
	Lte    Operator = "lte"
	Prefix Operator = "prefix"
	InList Operator = "in_list"
)

// Connective joins the conditions of a rule.
type Connective string

// Connectives.
const (
	And Connective = "and"
	Or  Connective = "or"
)

// Action decides what happens to rows matching the rule.
type Action string

// Actions.
const (
	// FilterResults keeps only matching rows.
	FilterResults Action = "filter_results"
	// SkipResults drops matching rows.
	SkipResults Action = "skip_results"
)

// Condition is one field comparison.
type Condition struct {
	Field string   `yaml:"field" json:"field"`
	Op    Operator `yaml:"op" json:"op"`
	// Value is the operand. Numeric and time fields parse it as a number or
	// an RFC 3339 timestamp.
	Value string `yaml:"value,omitempty" json:"value,omitempty"`
	// List names a term list for InList conditions.
	List string `yaml:"list,omitempty" json:"list,omitempty"`
}

// Rule is a filter evaluated per source row.
type Rule struct {
	Action     Action      `yaml:"action" json:"action"`
	Connective Connective  `yaml:"connective,omitempty" json:"connective,omitempty"`
	Conditions []Condition `yaml:"conditions" json:"conditions"`
}

// Lists holds named term lists referenced by InList conditions.
type Lists map[string][]string

// ErrUnknownList is returned when a condition references a list that is not defined.
var ErrUnknownList = errors.New("unknown term list")

// Validate checks the rule and fills defaults.
func (r *Rule) Validate(lists Lists) error {
	switch r.Action {
	case "":
		r.Action = FilterResults
	case FilterResults, SkipResults:
	default:
		return fmt.Errorf("invalid rule action %q", r.Action)
	}
	switch r.Connective {
	case "":
		r.Connective = And
	case And, Or:
	default:
		return fmt.Errorf("invalid rule connective %q", r.Connective)
	}
	if len(r.Conditions) == 0 {
		return errors.New("rule has no conditions")
	}
	for i, c := range r.Conditions {
		if c.Field == "" {
			return fmt.Errorf("condition %d: field is required", i)
		}
		switch c.Op {
		case Eq, Neq, Gt, Gte, Lt, Lte, Prefix:
		case InList:
			if _, ok := lists[c.List]; !ok {
				return fmt.Errorf("condition %d: %w %q", i, ErrUnknownList, c.List)
			}
		default:
			return fmt.Errorf("condition %d: invalid operator %q", i, c.Op)
		}
	}
	return nil
}

// ReferencedLists returns the sorted, de-duplicated names of the term lists
// the rule depends on.
func (r Rule) ReferencedLists() []string {
	var names []string
	for _, c := range r.Conditions {
		if c.Op == InList && !slices.Contains(names, c.List) {
			names = append(names, c.List)
		}
	}
	slices.Sort(names)
	return names
}

// Equal reports structural equality.
func (r Rule) Equal(o Rule) bool {
	return r.Action == o.Action &&
		r.Connective == o.Connective &&
		slices.Equal(r.Conditions, o.Conditions)
}

// Parse decodes a rule from JSON.
func Parse(data []byte) (Rule, error) {
	var r Rule
	dec := json.NewDecoder(strings.NewReader(string(data)))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&r); err != nil {
		return Rule{}, fmt.Errorf("decode rule: %w", err)
	}
	return r, nil
}

// Keep evaluates the rule against a row and reports whether the row passes.
// Conditions on fields missing from the row never match.
func (r Rule) Keep(row value.Record, lists Lists) bool {
	matched := r.matches(row, lists)
	if r.Action == SkipResults {
		return !matched
	}
	return matched
}

func (r Rule) matches(row value.Record, lists Lists) bool {
	if r.Connective == Or {
		for _, c := range r.Conditions {
			if c.matches(row, lists) {
				return true
			}
		}
		return false
	}
	for _, c := range r.Conditions {
		if !c.matches(row, lists) {
			return false
		}
	}
	return true
}

func (c Condition) matches(row value.Record, lists Lists) bool {
	v, ok := row[c.Field]
	if !ok || v.IsNull() {
		return false
	}
	switch c.Op {
	case InList:
		s := v.String()
		return slices.Contains(lists[c.List], s)
	case Prefix:
		s, ok := v.AsString()
		return ok && strings.HasPrefix(s, c.Value)
	}

	operand, err := Coerce(c.Value, v.Kind())
	if err != nil {
		return false
	}
	n := value.Compare(v, operand)
	switch c.Op {
	case Eq:
		return n == 0
	case Neq:
		return n != 0
	case Gt:
		return n > 0
	case Gte:
		return n >= 0
	case Lt:
		return n < 0
	case Lte:
		return n <= 0
	}
	return false
}

// Coerce parses a condition operand as the given kind.
func Coerce(operand string, kind value.Kind) (value.Value, error) {
	switch kind {
	case value.KindInt, value.KindFloat:
		f, err := strconv.ParseFloat(strings.TrimSpace(operand), 64)
		if err != nil {
			return value.Null(), fmt.Errorf("operand %q is not a number", operand)
		}
		return value.Float(f), nil
	case value.KindTime:
		t, err := time.Parse(time.RFC3339, strings.TrimSpace(operand))
		if err != nil {
			return value.Null(), fmt.Errorf("operand %q is not an RFC 3339 time", operand)
		}
		return value.Time(t), nil
	case value.KindBool:
		b, err := strconv.ParseBool(operand)
		if err != nil {
			return value.Null(), fmt.Errorf("operand %q is not a bool", operand)
		}
		return value.Bool(b), nil
	default:
		return value.String(operand), nil
	}
}
