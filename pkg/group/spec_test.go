package group

import (
	"errors"
	"testing"
	"time"

	"github.com/eunmann/s3-inv-pivot/pkg/checkpoint"
	"github.com/eunmann/s3-inv-pivot/pkg/value"
)

func validSpec() Spec {
	return Spec{
		Sources: []Source{
			{Name: "day", Kind: DateHistogram, Field: "last_modified", Interval: "1d"},
			{Name: "tier", Field: "tier"},
		},
		Aggregations: []Aggregation{
			{Name: "objects", Kind: Count},
			{Name: "bytes", Kind: Sum, Field: "size"},
			{Name: "top_ext", Kind: TopTerms, Field: "extension"},
		},
	}
}

func TestSpecValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Spec)
		wantErr bool
	}{
		{"valid", func(*Spec) {}, false},
		{"no sources", func(s *Spec) { s.Sources = nil }, true},
		{"duplicate names", func(s *Spec) { s.Aggregations[0].Name = "tier" }, true},
		{"dotted name", func(s *Spec) { s.Aggregations[0].Name = "a.b" }, true},
		{"missing source field", func(s *Spec) { s.Sources[1].Field = "" }, true},
		{"unknown source kind", func(s *Spec) { s.Sources[1].Kind = "geo" }, true},
		{"bad date interval", func(s *Spec) { s.Sources[0].Interval = "soon" }, true},
		{"bad histogram interval", func(s *Spec) {
			s.Sources[1] = Source{Name: "size_bucket", Kind: Histogram, Field: "size", Interval: "-1"}
		}, true},
		{"sum without field", func(s *Spec) { s.Aggregations[1].Field = "" }, true},
		{"unknown agg kind", func(s *Spec) { s.Aggregations[1].Kind = "median" }, true},
		{"two rows aggregations", func(s *Spec) {
			s.Aggregations = append(s.Aggregations, Aggregation{Name: "top_tier", Kind: TopTerms, Field: "tier"})
		}, true},
		{"negative size", func(s *Spec) { s.Aggregations[2].Size = -1 }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			spec := validSpec()
			tt.mutate(&spec)
			err := spec.Validate()
			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
			var cfgErr *ConfigurationError
			if err != nil && !errors.As(err, &cfgErr) {
				t.Errorf("Validate() error %T is not a *ConfigurationError", err)
			}
		})
	}
}

func TestSpecValidateDefaultsKind(t *testing.T) {
	spec := validSpec()
	if err := spec.Validate(); err != nil {
		t.Fatalf("Validate failed: %v", err)
	}
	if spec.Sources[1].Kind != Terms {
		t.Errorf("default source kind = %q, want %q", spec.Sources[1].Kind, Terms)
	}
}

func TestDateInterval(t *testing.T) {
	tests := []struct {
		in   string
		want time.Duration
	}{
		{"1d", 24 * time.Hour},
		{"7d", 7 * 24 * time.Hour},
		{"1h", time.Hour},
		{"90m", 90 * time.Minute},
	}
	for _, tt := range tests {
		got, err := Source{Interval: tt.in}.DateInterval()
		if err != nil {
			t.Errorf("DateInterval(%q) failed: %v", tt.in, err)
			continue
		}
		if got != tt.want {
			t.Errorf("DateInterval(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestShapes(t *testing.T) {
	spec := validSpec()
	if got := spec.Aggregations[0].Shape(); got != ShapeScalar {
		t.Errorf("count shape = %s", got)
	}
	if got := (Aggregation{Kind: Stats}).Shape(); got != ShapeMap {
		t.Errorf("stats shape = %s", got)
	}
	rows, ok := spec.RowsAggregation()
	if !ok || rows.Name != "top_ext" {
		t.Errorf("RowsAggregation = %v, %v", rows, ok)
	}
	if rows.RowLimit() != DefaultTopTermsSize {
		t.Errorf("RowLimit = %d, want %d", rows.RowLimit(), DefaultTopTermsSize)
	}
}

func TestSpecFields(t *testing.T) {
	got := validSpec().Fields()
	want := []string{"last_modified", "tier", "size", "extension"}
	if len(got) != len(want) {
		t.Fatalf("Fields = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("Fields[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestPageValidate(t *testing.T) {
	k := func(s string) checkpoint.Checkpoint {
		return checkpoint.MustNew(checkpoint.Part{Name: "key", Value: value.String(s)})
	}

	ok := NewPage([]Group{{Key: k("A")}, {Key: k("B")}})
	if err := ok.Validate(); err != nil {
		t.Errorf("Validate(ordered page) failed: %v", err)
	}
	if !ok.CompletionKey().Equal(k("B")) {
		t.Errorf("CompletionKey = %s, want {key:B}", ok.CompletionKey())
	}

	unordered := NewPage([]Group{{Key: k("B")}, {Key: k("A")}})
	if err := unordered.Validate(); err == nil {
		t.Error("Validate(unordered page) succeeded")
	}

	dup := NewPage([]Group{{Key: k("A")}, {Key: k("A")}})
	if err := dup.Validate(); err == nil {
		t.Error("Validate(duplicate keys) succeeded")
	}

	empty := NewPage(nil)
	if !empty.IsEmpty() || !empty.CompletionKey().IsEmpty() {
		t.Error("empty page should have no completion key")
	}
}
