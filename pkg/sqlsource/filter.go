package sqlsource

import (
	"fmt"
	"strings"
	"time"

	"github.com/eunmann/s3-inv-pivot/pkg/group"
	"github.com/eunmann/s3-inv-pivot/pkg/rule"
	"github.com/eunmann/s3-inv-pivot/pkg/value"
)

var sqlOps = map[rule.Operator]string{
	rule.Eq:  "=",
	rule.Neq: "<>",
	rule.Gt:  ">",
	rule.Gte: ">=",
	rule.Lt:  "<",
	rule.Lte: "<=",
}

// compileFilter translates a rule into a WHERE fragment with bind args.
// It matches rule.Keep: a condition on a NULL column never matches.
func compileFilter(r *rule.Rule, lists rule.Lists) (string, []any, error) {
	if r == nil {
		return "", nil, nil
	}
	parts := make([]string, 0, len(r.Conditions))
	var args []any
	for _, c := range r.Conditions {
		frag, cargs, err := compileCondition(c, lists)
		if err != nil {
			return "", nil, err
		}
		parts = append(parts, frag)
		args = append(args, cargs...)
	}
	if len(parts) == 0 {
		return "", nil, nil
	}
	joiner := " AND "
	if r.Connective == rule.Or {
		joiner = " OR "
	}
	where := "(" + strings.Join(parts, joiner) + ")"
	if r.Action == rule.SkipResults {
		where = "NOT " + where
	}
	return where, args, nil
}

func compileCondition(c rule.Condition, lists rule.Lists) (string, []any, error) {
	kind, err := FieldKind(c.Field)
	if err != nil {
		return "", nil, err
	}
	col := c.Field

	switch c.Op {
	case rule.Prefix:
		if kind != value.KindString {
			return "0", nil, nil
		}
		return fmt.Sprintf("COALESCE(substr(%s, 1, length(?)) = ?, 0)", col), []any{c.Value, c.Value}, nil

	case rule.InList:
		terms, ok := lists[c.List]
		if !ok {
			return "", nil, &group.ConfigurationError{Field: c.Field, Reason: fmt.Sprintf("unknown term list %q", c.List)}
		}
		args := make([]any, 0, len(terms))
		for _, term := range terms {
			if kind == value.KindTime {
				t, err := time.Parse(time.RFC3339Nano, term)
				if err != nil {
					continue
				}
				args = append(args, t.UnixMilli())
				continue
			}
			args = append(args, term)
		}
		if len(args) == 0 {
			return "0", nil, nil
		}
		placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(args)), ", ")
		return fmt.Sprintf("COALESCE(%s IN (%s), 0)", col, placeholders), args, nil
	}

	op, ok := sqlOps[c.Op]
	if !ok {
		return "", nil, &group.ConfigurationError{Field: c.Field, Reason: fmt.Sprintf("unknown operator %q", c.Op)}
	}
	operand, err := rule.Coerce(c.Value, kind)
	if err != nil {
		return "", nil, &group.ConfigurationError{Field: c.Field, Reason: err.Error()}
	}
	return fmt.Sprintf("COALESCE(%s %s ?, 0)", col, op), []any{toSQL(operand, kind)}, nil
}
