// Package extract converts pages of groups into flat output records.
//
// Every record carries the group's key parts as fields. Scalar aggregations
// become one field each; map aggregations become one "<agg>.<entry>" field per
// entry. A rows aggregation fans the group out into one record per row, so a
// group with zero rows yields no records.
package extract

import (
	"fmt"

	"github.com/eunmann/s3-inv-pivot/pkg/checkpoint"
	"github.com/eunmann/s3-inv-pivot/pkg/group"
	"github.com/eunmann/s3-inv-pivot/pkg/value"
)

// MalformedResultError reports an aggregation value whose runtime shape does
// not match its declared shape. Only the affected records are dropped.
type MalformedResultError struct {
	Key         checkpoint.Checkpoint
	Aggregation string
	// Row is the index of the offending row of a rows aggregation, or -1 when
	// the whole group was dropped.
	Row    int
	Reason string
}

func (e *MalformedResultError) Error() string {
	if e.Row >= 0 {
		return fmt.Sprintf("malformed result for group %s: %s row %d: %s", e.Key, e.Aggregation, e.Row, e.Reason)
	}
	return fmt.Sprintf("malformed result for group %s: %s: %s", e.Key, e.Aggregation, e.Reason)
}

// Iterator lazily yields the records of one page in group order. It is not
// restartable.
type Iterator struct {
	page     group.Page
	spec     group.Spec
	rows     group.Aggregation
	hasRows  bool
	next     int
	pending  []value.Record
	cur      value.Record
	failures []*MalformedResultError
}

// Records returns an iterator over the records of page.
func Records(page group.Page, spec group.Spec) *Iterator {
	rows, ok := spec.RowsAggregation()
	return &Iterator{page: page, spec: spec, rows: rows, hasRows: ok}
}

// Next advances to the next record.
func (it *Iterator) Next() bool {
	for len(it.pending) == 0 {
		if it.next >= len(it.page.Groups) {
			it.cur = nil
			return false
		}
		g := it.page.Groups[it.next]
		it.next++
		it.pending = it.expand(g)
	}
	it.cur = it.pending[0]
	it.pending = it.pending[1:]
	return true
}

// Record returns the current record.
func (it *Iterator) Record() value.Record { return it.cur }

// Failures returns the extraction failures seen so far.
func (it *Iterator) Failures() []*MalformedResultError { return it.failures }

// Collect drains the iterator.
func (it *Iterator) Collect() []value.Record {
	var out []value.Record
	for it.Next() {
		out = append(out, it.Record())
	}
	return out
}

func (it *Iterator) fail(g group.Group, agg string, row int, format string, args ...any) {
	it.failures = append(it.failures, &MalformedResultError{
		Key:         g.Key,
		Aggregation: agg,
		Row:         row,
		Reason:      fmt.Sprintf(format, args...),
	})
}

func (it *Iterator) expand(g group.Group) []value.Record {
	base := g.Key.Record()
	for _, a := range it.spec.Aggregations {
		if a.Shape() == group.ShapeRows {
			continue
		}
		v, ok := g.Values[a.Name]
		if !ok {
			it.fail(g, a.Name, -1, "missing value")
			return nil
		}
		switch a.Shape() {
		case group.ShapeScalar:
			if !v.Kind().IsScalar() {
				it.fail(g, a.Name, -1, "expected scalar, got %s", v.Kind())
				return nil
			}
			base[a.Name] = v
		case group.ShapeMap:
			entries, ok := v.AsMap()
			if !ok {
				it.fail(g, a.Name, -1, "expected map, got %s", v.Kind())
				return nil
			}
			for k, e := range entries {
				if !e.Kind().IsScalar() {
					it.fail(g, a.Name, -1, "entry %q: expected scalar, got %s", k, e.Kind())
					return nil
				}
				base[a.Name+"."+k] = e
			}
		}
	}

	if !it.hasRows {
		return []value.Record{base}
	}

	v, ok := g.Values[it.rows.Name]
	if !ok {
		it.fail(g, it.rows.Name, -1, "missing value")
		return nil
	}
	rows, ok := v.AsList()
	if !ok {
		it.fail(g, it.rows.Name, -1, "expected rows, got %s", v.Kind())
		return nil
	}
	out := make([]value.Record, 0, len(rows))
	for i, row := range rows {
		entries, ok := row.AsMap()
		if !ok {
			it.fail(g, it.rows.Name, i, "expected map, got %s", row.Kind())
			continue
		}
		rec := base.Clone()
		good := true
		for k, e := range entries {
			if !e.Kind().IsScalar() {
				it.fail(g, it.rows.Name, i, "entry %q: expected scalar, got %s", k, e.Kind())
				good = false
				break
			}
			rec[it.rows.Name+"."+k] = e
		}
		if good {
			out = append(out, rec)
		}
	}
	return out
}
