package checkpoint

import (
	"errors"
	"testing"
	"time"

	"github.com/eunmann/s3-inv-pivot/pkg/value"
)

func key(date, k string) Checkpoint {
	return MustNew(
		Part{Name: "date", Value: value.String(date)},
		Part{Name: "key", Value: value.String(k)},
	)
}

func TestCompare(t *testing.T) {
	tests := []struct {
		name string
		a, b Checkpoint
		want int
	}{
		{"empty vs empty", Checkpoint{}, Checkpoint{}, 0},
		{"empty sorts first", Checkpoint{}, key("2020-01-01", "A"), -1},
		{"second part decides", key("2020-01-01", "A"), key("2020-01-01", "B"), -1},
		{"first part decides", key("2020-01-02", "A"), key("2020-01-01", "B"), 1},
		{"equal", key("2020-01-01", "A"), key("2020-01-01", "A"), 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.a.Compare(tt.b)
			if err != nil {
				t.Fatalf("Compare failed: %v", err)
			}
			if got != tt.want {
				t.Errorf("Compare = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestCompareIncompatible(t *testing.T) {
	other := MustNew(Part{Name: "bucket", Value: value.String("b")})
	if _, err := key("2020-01-01", "A").Compare(other); !errors.Is(err, ErrIncompatible) {
		t.Errorf("Compare error = %v, want ErrIncompatible", err)
	}
}

func TestNewValidation(t *testing.T) {
	if _, err := New(Part{Name: "", Value: value.Int(1)}); err == nil {
		t.Error("New accepted empty part name")
	}
	if _, err := New(Part{Name: "a", Value: value.Int(1)}, Part{Name: "a", Value: value.Int(2)}); err == nil {
		t.Error("New accepted duplicate part names")
	}
	if _, err := New(Part{Name: "a", Value: value.List()}); !errors.Is(err, value.ErrNotScalar) {
		t.Errorf("New(list) error = %v, want ErrNotScalar", err)
	}
}

func TestFlattenRoundTrip(t *testing.T) {
	cps := []Checkpoint{
		{},
		key("2020-01-02", "A"),
		MustNew(
			Part{Name: "day", Value: value.Time(time.Date(2020, 1, 2, 0, 0, 0, 0, time.UTC))},
			Part{Name: "size_bucket", Value: value.Int(1024)},
			Part{Name: "ratio", Value: value.Float(0.25)},
			Part{Name: "dotted.name", Value: value.String("x")},
		),
	}

	for _, cp := range cps {
		flat, err := cp.Flatten()
		if err != nil {
			t.Fatalf("Flatten(%s) failed: %v", cp, err)
		}
		got, err := Unflatten(flat)
		if err != nil {
			t.Fatalf("Unflatten(%v) failed: %v", flat, err)
		}
		if !got.Equal(cp) {
			t.Errorf("round trip of %s = %s", cp, got)
		}
	}
}

func TestUnflattenErrors(t *testing.T) {
	tests := []map[string]string{
		{"date": "s:x"},
		{"x.date": "s:x"},
		{"0.date": "bogus"},
		{"0.date": "s:x", "2.key": "s:y"},
	}
	for _, flat := range tests {
		if _, err := Unflatten(flat); err == nil {
			t.Errorf("Unflatten(%v) succeeded, want error", flat)
		}
	}
}

func TestString(t *testing.T) {
	if got := key("2020-01-01", "A").String(); got != "{date:2020-01-01, key:A}" {
		t.Errorf("String = %q", got)
	}
	if got := (Checkpoint{}).String(); got != "{}" {
		t.Errorf("String = %q", got)
	}
}
