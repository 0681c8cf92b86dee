package sqlsource

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/eunmann/s3-inv-pivot/pkg/checkpoint"
	"github.com/eunmann/s3-inv-pivot/pkg/group"
	"github.com/eunmann/s3-inv-pivot/pkg/value"
)

// keyColumn is a compiled group source.
type keyColumn struct {
	name string
	expr string
	// kind is the kind of the emitted key value.
	kind value.Kind
}

// aggColumn is a compiled scalar or map aggregation: one SELECT column per
// entry in exprs.
type aggColumn struct {
	agg     group.Aggregation
	exprs   []string
	entries []string // map entry names; nil for scalar shape
	kinds   []value.Kind
}

// plan is a compiled grouping query.
type plan struct {
	keys  []keyColumn
	aggs  []aggColumn
	rows  *group.Aggregation
	where []string
	args  []any
}

func compileKey(src group.Source) (keyColumn, error) {
	kind, err := FieldKind(src.Field)
	if err != nil {
		return keyColumn{}, err
	}
	col := src.Field
	switch src.Kind {
	case group.Terms, "":
		return keyColumn{name: src.Name, expr: col, kind: kind}, nil
	case group.Histogram:
		if !isNumeric(kind) {
			return keyColumn{}, &group.ConfigurationError{Field: src.Name, Reason: fmt.Sprintf("histogram requires a numeric field, %s is %s", src.Field, kind)}
		}
		iv, err := src.NumericInterval()
		if err != nil {
			return keyColumn{}, &group.ConfigurationError{Field: src.Name, Reason: err.Error()}
		}
		lit := strconv.FormatFloat(iv, 'g', -1, 64)
		if !strings.ContainsAny(lit, ".e") {
			lit += ".0"
		}
		// Buckets are floor(v / interval) * interval; fields are non-negative
		// so truncation is floor.
		return keyColumn{
			name: src.Name,
			expr: fmt.Sprintf("(CAST(%s / %s AS INTEGER) * %s)", col, lit, lit),
			kind: value.KindFloat,
		}, nil
	case group.DateHistogram:
		if kind != value.KindTime {
			return keyColumn{}, &group.ConfigurationError{Field: src.Name, Reason: fmt.Sprintf("date_histogram requires a date field, %s is %s", src.Field, kind)}
		}
		iv, err := src.DateInterval()
		if err != nil {
			return keyColumn{}, &group.ConfigurationError{Field: src.Name, Reason: err.Error()}
		}
		ms := iv.Milliseconds()
		return keyColumn{
			name: src.Name,
			expr: fmt.Sprintf("((%s / %d) * %d)", col, ms, ms),
			kind: value.KindTime,
		}, nil
	default:
		return keyColumn{}, &group.ConfigurationError{Field: src.Name, Reason: fmt.Sprintf("unknown source kind %q", src.Kind)}
	}
}

func compileAgg(a group.Aggregation) (aggColumn, error) {
	col := "*"
	kind := value.KindInt
	if a.Field != "" {
		var err error
		if kind, err = FieldKind(a.Field); err != nil {
			return aggColumn{}, err
		}
		col = a.Field
	}
	numeric := func() error {
		if !isNumeric(kind) {
			return &group.ConfigurationError{Field: a.Name, Reason: fmt.Sprintf("%s requires a numeric field, %s is %s", a.Kind, a.Field, kind)}
		}
		return nil
	}

	scalar := func(expr string, k value.Kind) (aggColumn, error) {
		return aggColumn{agg: a, exprs: []string{expr}, kinds: []value.Kind{k}}, nil
	}
	switch a.Kind {
	case group.Count:
		return scalar(fmt.Sprintf("COUNT(%s)", col), value.KindInt)
	case group.Cardinality:
		return scalar(fmt.Sprintf("COUNT(DISTINCT %s)", col), value.KindInt)
	case group.Sum:
		if err := numeric(); err != nil {
			return aggColumn{}, err
		}
		return scalar(fmt.Sprintf("SUM(%s)", col), kind)
	case group.Avg:
		if err := numeric(); err != nil {
			return aggColumn{}, err
		}
		return scalar(fmt.Sprintf("AVG(%s)", col), value.KindFloat)
	case group.Min, group.Max:
		if !isNumeric(kind) && kind != value.KindTime {
			return aggColumn{}, &group.ConfigurationError{Field: a.Name, Reason: fmt.Sprintf("%s requires a numeric or date field, %s is %s", a.Kind, a.Field, kind)}
		}
		return scalar(fmt.Sprintf("%s(%s)", strings.ToUpper(string(a.Kind)), col), kind)
	case group.Stats:
		if err := numeric(); err != nil {
			return aggColumn{}, err
		}
		return aggColumn{
			agg: a,
			exprs: []string{
				fmt.Sprintf("COUNT(%s)", col),
				fmt.Sprintf("SUM(%s)", col),
				fmt.Sprintf("MIN(%s)", col),
				fmt.Sprintf("MAX(%s)", col),
				fmt.Sprintf("AVG(%s)", col),
			},
			entries: group.StatsFields,
			kinds:   []value.Kind{value.KindInt, kind, kind, kind, value.KindFloat},
		}, nil
	default:
		return aggColumn{}, &group.ConfigurationError{Field: a.Name, Reason: fmt.Sprintf("aggregation kind %q has no SQL form", a.Kind)}
	}
}

// compile builds the plan for a spec over the objects matching bucketGlob
// and filter.
func compile(spec group.Spec, bucketGlob string, filter string, filterArgs []any) (*plan, error) {
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	p := &plan{}
	for _, src := range spec.Sources {
		k, err := compileKey(src)
		if err != nil {
			return nil, err
		}
		p.keys = append(p.keys, k)
		p.where = append(p.where, src.Field+" IS NOT NULL")
	}
	for _, a := range spec.Aggregations {
		if a.Shape() == group.ShapeRows {
			if _, err := FieldKind(a.Field); err != nil {
				return nil, err
			}
			p.rows = &a
			continue
		}
		c, err := compileAgg(a)
		if err != nil {
			return nil, err
		}
		p.aggs = append(p.aggs, c)
	}
	if bucketGlob != "" && bucketGlob != "*" {
		p.where = append(p.where, "bucket GLOB ?")
		p.args = append(p.args, bucketGlob)
	}
	if filter != "" {
		p.where = append(p.where, filter)
		p.args = append(p.args, filterArgs...)
	}
	return p, nil
}

func (p *plan) keyExprs() string {
	exprs := make([]string, len(p.keys))
	for i, k := range p.keys {
		exprs[i] = k.expr
	}
	return "(" + strings.Join(exprs, ", ") + ")"
}

func (p *plan) keyAliases() string {
	aliases := make([]string, len(p.keys))
	for i := range p.keys {
		aliases[i] = "k" + strconv.Itoa(i)
	}
	return strings.Join(aliases, ", ")
}

// keyArgs binds a checkpoint as a row value matching keyExprs.
func (p *plan) keyArgs(cp checkpoint.Checkpoint) ([]any, error) {
	if cp.Len() != len(p.keys) {
		return nil, fmt.Errorf("after key %s for %d sources: %w", cp, len(p.keys), checkpoint.ErrIncompatible)
	}
	args := make([]any, len(p.keys))
	for i, part := range cp.Parts() {
		if part.Name != p.keys[i].name {
			return nil, fmt.Errorf("after key part %q, want %q: %w", part.Name, p.keys[i].name, checkpoint.ErrIncompatible)
		}
		args[i] = toSQL(part.Value, p.keys[i].kind)
	}
	return args, nil
}

func placeholders(n int) string {
	return "(" + strings.TrimSuffix(strings.Repeat("?, ", n), ", ") + ")"
}

// pageQuery returns the SQL and args for one page of groups after cp.
func (p *plan) pageQuery(after checkpoint.Checkpoint, size int) (string, []any, error) {
	where := append([]string(nil), p.where...)
	args := append([]any(nil), p.args...)
	if !after.IsEmpty() {
		keyArgs, err := p.keyArgs(after)
		if err != nil {
			return "", nil, err
		}
		where = append(where, p.keyExprs()+" > "+placeholders(len(keyArgs)))
		args = append(args, keyArgs...)
	}

	cols := make([]string, 0, len(p.keys)+len(p.aggs))
	for i, k := range p.keys {
		cols = append(cols, fmt.Sprintf("%s AS k%d", k.expr, i))
	}
	for _, a := range p.aggs {
		cols = append(cols, a.exprs...)
	}

	q := fmt.Sprintf("SELECT %s FROM objects WHERE %s GROUP BY %s ORDER BY %s LIMIT ?",
		strings.Join(cols, ", "),
		strings.Join(where, " AND "),
		p.keyAliases(),
		p.keyAliases(),
	)
	return q, append(args, size), nil
}

// termsQuery returns the SQL and args for the top terms of every group whose
// key lies in [first, last].
func (p *plan) termsQuery(first, last checkpoint.Checkpoint) (string, []any, error) {
	lo, err := p.keyArgs(first)
	if err != nil {
		return "", nil, err
	}
	hi, err := p.keyArgs(last)
	if err != nil {
		return "", nil, err
	}
	term := p.rows.Field
	where := append([]string(nil), p.where...)
	where = append(where,
		term+" IS NOT NULL",
		p.keyExprs()+" >= "+placeholders(len(lo)),
		p.keyExprs()+" <= "+placeholders(len(hi)),
	)
	args := append([]any(nil), p.args...)
	args = append(args, lo...)
	args = append(args, hi...)

	keyCols := make([]string, len(p.keys))
	for i, k := range p.keys {
		keyCols[i] = fmt.Sprintf("%s AS k%d", k.expr, i)
	}
	aliases := p.keyAliases()
	q := fmt.Sprintf(`
		WITH t AS (
			SELECT %s, %s AS term, COUNT(*) AS cnt
			FROM objects WHERE %s
			GROUP BY %s, term
		), r AS (
			SELECT %s, term, cnt, ROW_NUMBER() OVER (PARTITION BY %s ORDER BY cnt DESC, term) AS rn
			FROM t
		)
		SELECT %s, term, cnt FROM r WHERE rn <= ? ORDER BY %s, rn`,
		strings.Join(keyCols, ", "), term, strings.Join(where, " AND "), aliases,
		aliases, aliases,
		aliases, aliases,
	)
	return q, append(args, p.rows.RowLimit()), nil
}
