// Package checkpoint implements the composite key that identifies a group's
// position in the grouping order. The same type serves as a group's key and as
// the resumable position of a materialization job: the key of the last group
// whose records were written.
package checkpoint

import (
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/eunmann/s3-inv-pivot/pkg/value"
)

// ErrIncompatible is returned when two checkpoints do not share the same
// ordered field names and cannot be compared.
var ErrIncompatible = errors.New("checkpoints have different key layouts")

// Part is one named component of a composite key.
type Part struct {
	Name  string
	Value value.Value
}

// Checkpoint is an ordered composite key. The zero value is the empty
// checkpoint, which sorts before every non-empty key.
//
// Checkpoints are immutable; all methods return copies.
type Checkpoint struct {
	parts []Part
}

// New builds a checkpoint from its parts in key order.
func New(parts ...Part) (Checkpoint, error) {
	seen := make(map[string]struct{}, len(parts))
	for _, p := range parts {
		if p.Name == "" {
			return Checkpoint{}, errors.New("checkpoint part has empty name")
		}
		if _, dup := seen[p.Name]; dup {
			return Checkpoint{}, fmt.Errorf("duplicate checkpoint part %q", p.Name)
		}
		if !p.Value.Kind().IsScalar() {
			return Checkpoint{}, fmt.Errorf("checkpoint part %q: %w", p.Name, value.ErrNotScalar)
		}
		seen[p.Name] = struct{}{}
	}
	return Checkpoint{parts: slices.Clone(parts)}, nil
}

// MustNew is like New but panics on invalid parts. Intended for tests and
// literals.
func MustNew(parts ...Part) Checkpoint {
	c, err := New(parts...)
	if err != nil {
		panic(err)
	}
	return c
}

// IsEmpty reports whether c has no parts.
func (c Checkpoint) IsEmpty() bool { return len(c.parts) == 0 }

// Len returns the number of key parts.
func (c Checkpoint) Len() int { return len(c.parts) }

// Parts returns a copy of the key parts in order.
func (c Checkpoint) Parts() []Part { return slices.Clone(c.parts) }

// Names returns the ordered part names.
func (c Checkpoint) Names() []string {
	names := make([]string, len(c.parts))
	for i, p := range c.parts {
		names[i] = p.Name
	}
	return names
}

// Values returns the ordered part values.
func (c Checkpoint) Values() []value.Value {
	vals := make([]value.Value, len(c.parts))
	for i, p := range c.parts {
		vals[i] = p.Value
	}
	return vals
}

// Get returns the value of the named part.
func (c Checkpoint) Get(name string) (value.Value, bool) {
	for _, p := range c.parts {
		if p.Name == name {
			return p.Value, true
		}
	}
	return value.Null(), false
}

// Equal reports whether both checkpoints have the same parts in the same order.
func (c Checkpoint) Equal(o Checkpoint) bool {
	return slices.EqualFunc(c.parts, o.parts, func(a, b Part) bool {
		return a.Name == b.Name && a.Value.Equal(b.Value)
	})
}

// Compare orders c relative to o lexicographically over the key parts.
// The empty checkpoint sorts before any non-empty one. Non-empty checkpoints
// must have identical part names in identical order.
func (c Checkpoint) Compare(o Checkpoint) (int, error) {
	switch {
	case c.IsEmpty() && o.IsEmpty():
		return 0, nil
	case c.IsEmpty():
		return -1, nil
	case o.IsEmpty():
		return 1, nil
	}
	if !slices.Equal(c.Names(), o.Names()) {
		return 0, fmt.Errorf("compare %s with %s: %w", c, o, ErrIncompatible)
	}
	for i := range c.parts {
		if n := value.Compare(c.parts[i].Value, o.parts[i].Value); n != 0 {
			return n, nil
		}
	}
	return 0, nil
}

func (c Checkpoint) String() string {
	if c.IsEmpty() {
		return "{}"
	}
	var b strings.Builder
	b.WriteByte('{')
	for i, p := range c.parts {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(p.Name)
		b.WriteByte(':')
		b.WriteString(p.Value.String())
	}
	b.WriteByte('}')
	return b.String()
}

// Record returns the key as a record of part name to value.
func (c Checkpoint) Record() value.Record {
	rec := make(value.Record, len(c.parts))
	for _, p := range c.parts {
		rec[p.Name] = p.Value
	}
	return rec
}
