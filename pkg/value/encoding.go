package value

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"slices"
	"strconv"
	"strings"
	"time"
)

// ErrNotScalar is returned when a list or map is passed where a scalar is required.
var ErrNotScalar = errors.New("value is not a scalar")

// ErrNonFinite is returned when a NaN or infinite float is encoded as JSON.
var ErrNonFinite = errors.New("non-finite float")

// Record is one flattened output document: field name to value.
type Record map[string]Value

// Clone returns a shallow copy of the record.
func (r Record) Clone() Record {
	out := make(Record, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

// Keys returns the field names in sorted order.
func (r Record) Keys() []string {
	keys := make([]string, 0, len(r))
	for k := range r {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}

// MarshalJSON encodes v as plain JSON. Times become RFC 3339 strings.
func (v Value) MarshalJSON() ([]byte, error) {
	switch v.kind {
	case KindNull:
		return []byte("null"), nil
	case KindBool:
		return strconv.AppendBool(nil, v.b), nil
	case KindInt:
		return strconv.AppendInt(nil, v.i, 10), nil
	case KindFloat:
		if math.IsNaN(v.f) || math.IsInf(v.f, 0) {
			return nil, fmt.Errorf("marshal %v: %w", v.f, ErrNonFinite)
		}
		return strconv.AppendFloat(nil, v.f, 'g', -1, 64), nil
	case KindString:
		return json.Marshal(v.s)
	case KindTime:
		return json.Marshal(v.t.Format(time.RFC3339Nano))
	case KindList:
		if v.list == nil {
			return []byte("[]"), nil
		}
		return json.Marshal(v.list)
	case KindMap:
		if v.m == nil {
			return []byte("{}"), nil
		}
		return json.Marshal(v.m)
	}
	return nil, fmt.Errorf("marshal unknown kind %d", v.kind)
}

// Tagged scalar prefixes. The tag keeps the kind so that decoding restores
// exactly the value that was encoded.
const (
	tagNull   = "n:"
	tagBool   = "b:"
	tagInt    = "i:"
	tagFloat  = "f:"
	tagString = "s:"
	tagTime   = "t:"
)

// EncodeScalar renders a scalar as a kind-tagged string, e.g. "i:42" or
// "t:2020-01-01T00:00:00Z".
func EncodeScalar(v Value) (string, error) {
	switch v.kind {
	case KindNull:
		return tagNull, nil
	case KindBool:
		return tagBool + strconv.FormatBool(v.b), nil
	case KindInt:
		return tagInt + strconv.FormatInt(v.i, 10), nil
	case KindFloat:
		return tagFloat + strconv.FormatFloat(v.f, 'g', -1, 64), nil
	case KindString:
		return tagString + v.s, nil
	case KindTime:
		return tagTime + v.t.Format(time.RFC3339Nano), nil
	default:
		return "", fmt.Errorf("encode %s: %w", v.kind, ErrNotScalar)
	}
}

// DecodeScalar parses the output of EncodeScalar.
func DecodeScalar(s string) (Value, error) {
	if len(s) < 2 || s[1] != ':' {
		return Null(), fmt.Errorf("decode scalar %q: missing kind tag", s)
	}
	tag, body := s[:2], s[2:]
	switch tag {
	case tagNull:
		if body != "" {
			return Null(), fmt.Errorf("decode scalar %q: null carries a body", s)
		}
		return Null(), nil
	case tagBool:
		b, err := strconv.ParseBool(body)
		if err != nil {
			return Null(), fmt.Errorf("decode bool %q: %w", body, err)
		}
		return Bool(b), nil
	case tagInt:
		i, err := strconv.ParseInt(body, 10, 64)
		if err != nil {
			return Null(), fmt.Errorf("decode int %q: %w", body, err)
		}
		return Int(i), nil
	case tagFloat:
		f, err := strconv.ParseFloat(body, 64)
		if err != nil {
			return Null(), fmt.Errorf("decode float %q: %w", body, err)
		}
		return Float(f), nil
	case tagString:
		return String(body), nil
	case tagTime:
		t, err := time.Parse(time.RFC3339Nano, body)
		if err != nil {
			return Null(), fmt.Errorf("decode time %q: %w", body, err)
		}
		return Time(t), nil
	default:
		return Null(), fmt.Errorf("decode scalar %q: unknown kind tag %q", s, strings.TrimSuffix(tag, ":"))
	}
}
