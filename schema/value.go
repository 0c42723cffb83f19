package schema

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// A Value is an immutable tagged union holding one attribute value of a
// record: null, or exactly one of the column kinds. Values are checked
// against the column's declared kind at construction, not at access time.
type Value struct {
	kind Kind
	null bool
	b    bool
	i    int64
	f    float64
	s    string
	t    time.Time
	u    uuid.UUID
}

// Null returns the null value.
func Null() Value { return Value{null: true} }

// BoolValue returns a bool value.
func BoolValue(v bool) Value { return Value{kind: TypeBool, b: v} }

// IntValue returns an integer value.
func IntValue(v int64) Value { return Value{kind: TypeInt, i: v} }

// FloatValue returns a floating-point value.
func FloatValue(v float64) Value { return Value{kind: TypeFloat, f: v} }

// StringValue returns a text value.
func StringValue(v string) Value { return Value{kind: TypeString, s: v} }

// TimeValue returns a timestamp value.
func TimeValue(v time.Time) Value { return Value{kind: TypeTime, t: v} }

// UUIDValue returns a uuid value.
func UUIDValue(v uuid.UUID) Value { return Value{kind: TypeUUID, u: v} }

// Kind returns the value's kind. Null values report TypeInvalid.
func (v Value) Kind() Kind { return v.kind }

// IsNull reports whether the value is null.
func (v Value) IsNull() bool { return v.null }

// Bool returns the bool value and whether the value holds one.
func (v Value) Bool() (bool, bool) { return v.b, !v.null && v.kind == TypeBool }

// Int64 returns the integer value and whether the value holds one.
func (v Value) Int64() (int64, bool) { return v.i, !v.null && v.kind == TypeInt }

// Float64 returns the float value and whether the value holds one.
func (v Value) Float64() (float64, bool) { return v.f, !v.null && v.kind == TypeFloat }

// Str returns the text value and whether the value holds one.
func (v Value) Str() (string, bool) { return v.s, !v.null && v.kind == TypeString }

// Time returns the timestamp value and whether the value holds one.
func (v Value) Time() (time.Time, bool) { return v.t, !v.null && v.kind == TypeTime }

// UUID returns the uuid value and whether the value holds one.
func (v Value) UUID() (uuid.UUID, bool) { return v.u, !v.null && v.kind == TypeUUID }

// Interface returns the value as a driver-friendly Go value:
// nil, bool, int64, float64, string, time.Time or uuid.UUID.
func (v Value) Interface() any {
	if v.null {
		return nil
	}
	switch v.kind {
	case TypeBool:
		return v.b
	case TypeInt:
		return v.i
	case TypeFloat:
		return v.f
	case TypeString:
		return v.s
	case TypeTime:
		return v.t
	case TypeUUID:
		return v.u
	default:
		return nil
	}
}

// Equal reports whether two values are equal. Null equals null regardless
// of kind; timestamps compare with time.Time.Equal.
func (v Value) Equal(o Value) bool {
	if v.null || o.null {
		return v.null && o.null
	}
	if v.kind != o.kind {
		return false
	}
	if v.kind == TypeTime {
		return v.t.Equal(o.t)
	}
	return v == o
}

// MapKey returns a comparable representation suitable as a map key, used
// for partitioning eager-loaded rows by foreign key.
func (v Value) MapKey() any {
	if v.null {
		return nil
	}
	if v.kind == TypeTime {
		return v.t.UnixNano()
	}
	return v.Interface()
}

// String implements fmt.Stringer.
func (v Value) String() string {
	if v.null {
		return "NULL"
	}
	return fmt.Sprintf("%v", v.Interface())
}

// Value coerces a Go value into a Value of the column's kind. It accepts
// the native Go type of the kind, the matching database/sql Null type,
// []byte for text and uuid columns, and nil for nullable columns. A kind
// mismatch is an error; access after construction is always type-safe.
func (c Column) Value(v any) (Value, error) {
	if v == nil {
		if !c.Nullable {
			return Value{}, fmt.Errorf("schema: column %q is not nullable", c.Name)
		}
		return Null(), nil
	}
	switch x := v.(type) {
	case Value:
		if x.IsNull() {
			if !c.Nullable {
				return Value{}, fmt.Errorf("schema: column %q is not nullable", c.Name)
			}
			return x, nil
		}
		if x.Kind() != c.Type {
			return Value{}, fmt.Errorf("schema: column %q: cannot assign %s value to %s column", c.Name, x.Kind(), c.Type)
		}
		return x, nil
	case sql.NullBool:
		if !x.Valid {
			return c.Value(nil)
		}
		return c.Value(x.Bool)
	case sql.NullInt64:
		if !x.Valid {
			return c.Value(nil)
		}
		return c.Value(x.Int64)
	case sql.NullFloat64:
		if !x.Valid {
			return c.Value(nil)
		}
		return c.Value(x.Float64)
	case sql.NullString:
		if !x.Valid {
			return c.Value(nil)
		}
		return c.Value(x.String)
	case sql.NullTime:
		if !x.Valid {
			return c.Value(nil)
		}
		return c.Value(x.Time)
	}
	switch c.Type {
	case TypeBool:
		if x, ok := v.(bool); ok {
			return BoolValue(x), nil
		}
	case TypeInt:
		switch x := v.(type) {
		case int:
			return IntValue(int64(x)), nil
		case int32:
			return IntValue(int64(x)), nil
		case int64:
			return IntValue(x), nil
		}
	case TypeFloat:
		switch x := v.(type) {
		case float32:
			return FloatValue(float64(x)), nil
		case float64:
			return FloatValue(x), nil
		case int:
			return FloatValue(float64(x)), nil
		case int64:
			return FloatValue(float64(x)), nil
		}
	case TypeString:
		switch x := v.(type) {
		case string:
			return StringValue(x), nil
		case []byte:
			return StringValue(string(x)), nil
		}
	case TypeTime:
		if x, ok := v.(time.Time); ok {
			return TimeValue(x), nil
		}
	case TypeUUID:
		switch x := v.(type) {
		case uuid.UUID:
			return UUIDValue(x), nil
		case string:
			u, err := uuid.Parse(x)
			if err != nil {
				return Value{}, fmt.Errorf("schema: column %q: %w", c.Name, err)
			}
			return UUIDValue(u), nil
		case []byte:
			u, err := uuid.ParseBytes(x)
			if err != nil {
				// 16-byte binary representation.
				if u2, err2 := uuid.FromBytes(x); err2 == nil {
					return UUIDValue(u2), nil
				}
				return Value{}, fmt.Errorf("schema: column %q: %w", c.Name, err)
			}
			return UUIDValue(u), nil
		}
	}
	return Value{}, fmt.Errorf("schema: column %q: cannot assign %T to %s column", c.Name, v, c.Type)
}

// ScanTarget returns a pointer suitable as a database/sql scan destination
// for the column's kind.
func (c Column) ScanTarget() any {
	switch c.Type {
	case TypeBool:
		return &sql.NullBool{}
	case TypeInt:
		return &sql.NullInt64{}
	case TypeFloat:
		return &sql.NullFloat64{}
	case TypeTime:
		return &sql.NullTime{}
	default:
		// Text and uuid columns both scan as strings.
		return &sql.NullString{}
	}
}

// FromScan converts a value previously produced by ScanTarget back into a
// Value of the column's kind.
func (c Column) FromScan(dest any) (Value, error) {
	switch x := dest.(type) {
	case *sql.NullBool:
		return c.Value(*x)
	case *sql.NullInt64:
		return c.Value(*x)
	case *sql.NullFloat64:
		return c.Value(*x)
	case *sql.NullTime:
		return c.Value(*x)
	case *sql.NullString:
		return c.Value(*x)
	default:
		return Value{}, fmt.Errorf("schema: column %q: unexpected scan target %T", c.Name, dest)
	}
}
