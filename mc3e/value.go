package mc3e

import (
	"encoding/json"
	"strconv"
)

// ValueKind discriminates the payload of a Value.
type ValueKind int

const (
	KindInt ValueKind = iota
	KindReal
	KindBool
	KindText
)

// String returns the kind name.
func (k ValueKind) String() string {
	switch k {
	case KindInt:
		return "INT"
	case KindReal:
		return "REAL"
	case KindBool:
		return "BOOL"
	case KindText:
		return "TEXT"
	default:
		return "UNKNOWN"
	}
}

// Value is a typed PLC reading. Exactly one payload field is meaningful,
// selected by Kind. Values are immutable once constructed and safe to share
// across goroutines.
type Value struct {
	Kind ValueKind
	I    int64
	F    float64
	B    bool
	S    string
}

// IntValue returns an integer Value.
func IntValue(i int64) Value { return Value{Kind: KindInt, I: i} }

// RealValue returns a floating-point Value.
func RealValue(f float64) Value { return Value{Kind: KindReal, F: f} }

// BoolValue returns a boolean Value.
func BoolValue(b bool) Value { return Value{Kind: KindBool, B: b} }

// TextValue returns a string Value.
func TextValue(s string) Value { return Value{Kind: KindText, S: s} }

// String renders the value in the canonical text form used for change
// comparison, the last-value cache, and CSV rows. Booleans render as "1"
// and "0".
func (v Value) String() string {
	switch v.Kind {
	case KindInt:
		return strconv.FormatInt(v.I, 10)
	case KindReal:
		return strconv.FormatFloat(v.F, 'g', -1, 64)
	case KindBool:
		if v.B {
			return "1"
		}
		return "0"
	default:
		return v.S
	}
}

// Num returns the numeric coercion of the value: integers and reals as
// float64, booleans as 0 or 1. Text has no numeric form.
func (v Value) Num() (float64, bool) {
	switch v.Kind {
	case KindInt:
		return float64(v.I), true
	case KindReal:
		return v.F, true
	case KindBool:
		if v.B {
			return 1, true
		}
		return 0, true
	default:
		return 0, false
	}
}

// MarshalJSON encodes the native payload rather than the struct shape, so a
// reading serializes as 42, 3.5, true, or "text".
func (v Value) MarshalJSON() ([]byte, error) {
	switch v.Kind {
	case KindInt:
		return json.Marshal(v.I)
	case KindReal:
		return json.Marshal(v.F)
	case KindBool:
		return json.Marshal(v.B)
	default:
		return json.Marshal(v.S)
	}
}
