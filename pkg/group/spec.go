// Package group describes grouping queries and the pages of groups they
// return. A Spec lists the composite key sources, in key order, and the
// aggregations computed for every group.
package group

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// SourceKind selects how a source derives its key part from a row.
type SourceKind string

// Source kinds.
const (
	// Terms uses the field value itself.
	Terms SourceKind = "terms"
	// Histogram buckets a numeric field by a fixed numeric interval.
	Histogram SourceKind = "histogram"
	// DateHistogram buckets a timestamp field by a fixed duration.
	DateHistogram SourceKind = "date_histogram"
)

// Source is one part of the composite key.
type Source struct {
	// Name is the key part name; it becomes a field of every output record.
	Name string `yaml:"name" json:"name"`
	// Kind selects the bucketing. Defaults to Terms.
	Kind SourceKind `yaml:"kind" json:"kind"`
	// Field is the source field the key is computed from.
	Field string `yaml:"field" json:"field"`
	// Interval is the bucket width: a number for Histogram, a duration such
	// as "1h" or "7d" for DateHistogram.
	Interval string `yaml:"interval,omitempty" json:"interval,omitempty"`
}

// AggKind selects the aggregation function.
type AggKind string

// Aggregation kinds.
const (
	Count       AggKind = "count"
	Sum         AggKind = "sum"
	Min         AggKind = "min"
	Max         AggKind = "max"
	Avg         AggKind = "avg"
	Cardinality AggKind = "cardinality"
	Stats       AggKind = "stats"
	TopTerms    AggKind = "top_terms"
)

// Shape is the declared output shape of an aggregation.
type Shape uint8

// Output shapes.
const (
	// ShapeScalar is a single scalar per group.
	ShapeScalar Shape = iota
	// ShapeMap is a mapping of named scalars per group.
	ShapeMap
	// ShapeRows is a list of mappings; each element becomes one output record.
	ShapeRows
)

func (s Shape) String() string {
	switch s {
	case ShapeScalar:
		return "scalar"
	case ShapeMap:
		return "map"
	case ShapeRows:
		return "rows"
	default:
		return "shape(" + strconv.Itoa(int(s)) + ")"
	}
}

// StatsFields are the entries of the map produced by a Stats aggregation.
var StatsFields = []string{"count", "sum", "min", "max", "avg"}

// Fields of each row produced by a TopTerms aggregation.
const (
	TermField      = "term"
	TermCountField = "count"
)

// DefaultTopTermsSize is the number of rows a TopTerms aggregation returns
// when Size is unset.
const DefaultTopTermsSize = 3

// Aggregation is one computed value per group.
type Aggregation struct {
	// Name is the output field name.
	Name string `yaml:"name" json:"name"`
	// Kind selects the function.
	Kind AggKind `yaml:"kind" json:"kind"`
	// Field is the input field. Optional for Count, which then counts rows.
	Field string `yaml:"field,omitempty" json:"field,omitempty"`
	// Size bounds the number of TopTerms rows.
	Size int `yaml:"size,omitempty" json:"size,omitempty"`
}

// Shape returns the declared output shape of a.
func (a Aggregation) Shape() Shape {
	switch a.Kind {
	case Stats:
		return ShapeMap
	case TopTerms:
		return ShapeRows
	default:
		return ShapeScalar
	}
}

// RowLimit returns the TopTerms row bound.
func (a Aggregation) RowLimit() int {
	if a.Size <= 0 {
		return DefaultTopTermsSize
	}
	return a.Size
}

// Spec is a complete grouping specification.
type Spec struct {
	Sources      []Source      `yaml:"sources" json:"sources"`
	Aggregations []Aggregation `yaml:"aggregations" json:"aggregations"`
}

// KeyNames returns the composite key part names in key order.
func (s Spec) KeyNames() []string {
	names := make([]string, len(s.Sources))
	for i, src := range s.Sources {
		names[i] = src.Name
	}
	return names
}

// RowsAggregation returns the rows-shaped aggregation, if any.
func (s Spec) RowsAggregation() (Aggregation, bool) {
	for _, a := range s.Aggregations {
		if a.Shape() == ShapeRows {
			return a, true
		}
	}
	return Aggregation{}, false
}

// Validate checks the spec and fills defaults. It returns a
// *ConfigurationError describing the first problem found.
func (s *Spec) Validate() error {
	if len(s.Sources) == 0 {
		return configErrorf("", "at least one group source is required")
	}

	names := make(map[string]struct{})
	claim := func(name string) error {
		if name == "" {
			return configErrorf("", "empty output field name")
		}
		if strings.Contains(name, ".") {
			return configErrorf(name, "output field names must not contain '.'")
		}
		if _, dup := names[name]; dup {
			return configErrorf(name, "duplicate output field name")
		}
		names[name] = struct{}{}
		return nil
	}

	for i := range s.Sources {
		src := &s.Sources[i]
		if src.Kind == "" {
			src.Kind = Terms
		}
		if err := claim(src.Name); err != nil {
			return err
		}
		if src.Field == "" {
			return configErrorf(src.Name, "source field is required")
		}
		switch src.Kind {
		case Terms:
		case Histogram:
			if _, err := src.NumericInterval(); err != nil {
				return configErrorf(src.Name, "%v", err)
			}
		case DateHistogram:
			if _, err := src.DateInterval(); err != nil {
				return configErrorf(src.Name, "%v", err)
			}
		default:
			return configErrorf(src.Name, "unknown source kind %q", src.Kind)
		}
	}

	rows := 0
	for _, a := range s.Aggregations {
		if err := claim(a.Name); err != nil {
			return err
		}
		switch a.Kind {
		case Count:
		case Sum, Min, Max, Avg, Cardinality, Stats, TopTerms:
			if a.Field == "" {
				return configErrorf(a.Name, "%s aggregation requires a field", a.Kind)
			}
		default:
			return configErrorf(a.Name, "unknown aggregation kind %q", a.Kind)
		}
		if a.Shape() == ShapeRows {
			rows++
		}
		if a.Size < 0 {
			return configErrorf(a.Name, "size must be non-negative")
		}
	}
	if rows > 1 {
		return configErrorf("", "at most one rows-shaped aggregation is supported, got %d", rows)
	}
	return nil
}

// NumericInterval parses a Histogram interval.
func (s Source) NumericInterval() (float64, error) {
	f, err := strconv.ParseFloat(s.Interval, 64)
	if err != nil || f <= 0 {
		return 0, fmt.Errorf("histogram interval %q must be a positive number", s.Interval)
	}
	return f, nil
}

// DateInterval parses a DateHistogram interval. In addition to
// time.ParseDuration units it accepts a "d" (day) suffix.
func (s Source) DateInterval() (time.Duration, error) {
	iv := strings.TrimSpace(s.Interval)
	var d time.Duration
	if days, ok := strings.CutSuffix(iv, "d"); ok {
		n, err := strconv.Atoi(days)
		if err != nil {
			return 0, fmt.Errorf("date interval %q: %w", s.Interval, err)
		}
		d = time.Duration(n) * 24 * time.Hour
	} else {
		var err error
		d, err = time.ParseDuration(iv)
		if err != nil {
			return 0, fmt.Errorf("date interval %q: %w", s.Interval, err)
		}
	}
	if d < time.Millisecond {
		return 0, fmt.Errorf("date interval %q must be at least 1ms", s.Interval)
	}
	return d, nil
}

// Fields returns every source field referenced by the spec, without duplicates.
func (s Spec) Fields() []string {
	seen := make(map[string]struct{})
	var out []string
	add := func(f string) {
		if f == "" {
			return
		}
		if _, ok := seen[f]; !ok {
			seen[f] = struct{}{}
			out = append(out, f)
		}
	}
	for _, src := range s.Sources {
		add(src.Field)
	}
	for _, a := range s.Aggregations {
		add(a.Field)
	}
	return out
}
