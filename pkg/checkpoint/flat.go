package checkpoint

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/eunmann/s3-inv-pivot/pkg/value"
)

// Flat layout: each part becomes one entry keyed "<index>.<name>" holding the
// kind-tagged scalar, so the mapping can be stored as unordered field/value
// rows and restored in key order.
//
//	{"0.date": "t:2020-01-02T00:00:00Z", "1.key": "s:A"}

// Flatten renders c as a flat field/value mapping.
func (c Checkpoint) Flatten() (map[string]string, error) {
	out := make(map[string]string, len(c.parts))
	for i, p := range c.parts {
		enc, err := value.EncodeScalar(p.Value)
		if err != nil {
			return nil, fmt.Errorf("flatten part %q: %w", p.Name, err)
		}
		out[strconv.Itoa(i)+"."+p.Name] = enc
	}
	return out, nil
}

// Unflatten restores a checkpoint written by Flatten. An empty or nil mapping
// yields the empty checkpoint.
func Unflatten(fields map[string]string) (Checkpoint, error) {
	type indexed struct {
		idx  int
		part Part
	}
	parts := make([]indexed, 0, len(fields))
	for field, enc := range fields {
		idxStr, name, ok := strings.Cut(field, ".")
		if !ok {
			return Checkpoint{}, fmt.Errorf("unflatten field %q: missing index", field)
		}
		idx, err := strconv.Atoi(idxStr)
		if err != nil || idx < 0 {
			return Checkpoint{}, fmt.Errorf("unflatten field %q: invalid index", field)
		}
		v, err := value.DecodeScalar(enc)
		if err != nil {
			return Checkpoint{}, fmt.Errorf("unflatten field %q: %w", field, err)
		}
		parts = append(parts, indexed{idx: idx, part: Part{Name: name, Value: v}})
	}
	sort.Slice(parts, func(i, j int) bool { return parts[i].idx < parts[j].idx })

	ordered := make([]Part, len(parts))
	for i, p := range parts {
		if p.idx != i {
			return Checkpoint{}, fmt.Errorf("unflatten: part indexes are not contiguous at %d", i)
		}
		ordered[i] = p.part
	}
	return New(ordered...)
}
