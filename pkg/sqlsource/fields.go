package sqlsource

import (
	"time"

	"github.com/eunmann/s3-inv-pivot/pkg/group"
	"github.com/eunmann/s3-inv-pivot/pkg/inventory"
	"github.com/eunmann/s3-inv-pivot/pkg/value"
)

// Field names of the objects table usable in group sources, aggregations
// and filters.
const (
	FieldBucket       = "bucket"
	FieldKey          = "key"
	FieldSize         = "size"
	FieldStorageClass = "storage_class"
	FieldAccessTier   = "access_tier"
	FieldTier         = "tier"
	FieldLastModified = "last_modified"
	FieldTopPrefix    = "top_prefix"
	FieldExtension    = "extension"
	FieldDepth        = "depth"
)

// fieldKinds maps each queryable column to the kind of its values.
// last_modified is stored as unix milliseconds.
var fieldKinds = map[string]value.Kind{
	FieldBucket:       value.KindString,
	FieldKey:          value.KindString,
	FieldSize:         value.KindInt,
	FieldStorageClass: value.KindString,
	FieldAccessTier:   value.KindString,
	FieldTier:         value.KindString,
	FieldLastModified: value.KindTime,
	FieldTopPrefix:    value.KindString,
	FieldExtension:    value.KindString,
	FieldDepth:        value.KindInt,
}

// FieldKind returns the kind of a source field.
func FieldKind(field string) (value.Kind, error) {
	k, ok := fieldKinds[field]
	if !ok {
		return value.KindNull, group.UnknownFieldError(field)
	}
	return k, nil
}

func isNumeric(k value.Kind) bool {
	return k == value.KindInt || k == value.KindFloat
}

// objectColumns is the insert order used by the ingester.
var objectColumns = []string{
	FieldBucket, FieldKey, FieldSize, FieldStorageClass, FieldAccessTier,
	FieldTier, FieldLastModified, FieldTopPrefix, FieldExtension, FieldDepth,
}

// objectArgs returns the column values for obj in objectColumns order.
// Empty strings and zero times are stored as NULL so that grouping skips them.
func objectArgs(obj inventory.Object) []any {
	var lastModified any
	if !obj.LastModified.IsZero() {
		lastModified = obj.LastModified.UnixMilli()
	}
	return []any{
		obj.Bucket,
		obj.Key,
		int64(obj.Size),
		nullIfEmpty(obj.StorageClass),
		nullIfEmpty(obj.AccessTier),
		obj.Tier(),
		lastModified,
		nullIfEmpty(obj.TopPrefix()),
		nullIfEmpty(obj.Extension()),
		obj.Depth(),
	}
}

// objectRecord is obj as a record of typed field values, used to evaluate
// ingest filters.
func objectRecord(obj inventory.Object) value.Record {
	rec := value.Record{
		FieldBucket: value.String(obj.Bucket),
		FieldKey:    value.String(obj.Key),
		FieldSize:   value.Int(int64(obj.Size)),
		FieldTier:   value.String(obj.Tier()),
		FieldDepth:  value.Int(int64(obj.Depth())),
	}
	optional := map[string]string{
		FieldStorageClass: obj.StorageClass,
		FieldAccessTier:   obj.AccessTier,
		FieldTopPrefix:    obj.TopPrefix(),
		FieldExtension:    obj.Extension(),
	}
	for f, s := range optional {
		if s != "" {
			rec[f] = value.String(s)
		}
	}
	if !obj.LastModified.IsZero() {
		rec[FieldLastModified] = value.Time(obj.LastModified)
	}
	return rec
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// fromSQL converts a scanned column value to a Value of the given kind.
func fromSQL(raw any, kind value.Kind) value.Value {
	switch v := raw.(type) {
	case nil:
		return value.Null()
	case int64:
		switch kind {
		case value.KindTime:
			return value.Time(time.UnixMilli(v))
		case value.KindFloat:
			return value.Float(float64(v))
		}
		return value.Int(v)
	case float64:
		if kind == value.KindTime {
			return value.Time(time.UnixMilli(int64(v)))
		}
		return value.Float(v)
	case string:
		return value.String(v)
	case []byte:
		return value.String(string(v))
	case bool:
		return value.Bool(v)
	case time.Time:
		return value.Time(v)
	}
	return value.Null()
}

// toSQL converts a key or operand value to a bind argument for a column of
// the given kind.
func toSQL(v value.Value, kind value.Kind) any {
	if t, ok := v.AsTime(); ok && kind == value.KindTime {
		return t.UnixMilli()
	}
	if i, ok := v.AsInt(); ok {
		return i
	}
	if f, ok := v.AsFloat(); ok {
		return f
	}
	if v.IsNull() {
		return nil
	}
	return v.String()
}
