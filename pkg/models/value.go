package models

import (
	"bytes"
	"encoding/json"
	"math"
	"strconv"
	"strings"
	"time"
)

// Kind tags the dynamic type held by a Value
type Kind uint8

const (
	KindNull Kind = iota
	KindNumber
	KindDate
	KindString
	KindJSON
)

// Value is a schema-typed scalar extracted from feature properties.
// Dates hold Unix milliseconds in Num.
type Value struct {
	Kind Kind
	Str  string
	Num  float64
	JSON json.RawMessage
}

// Null returns the undefined value
func Null() Value { return Value{} }

// String wraps a string
func String(s string) Value { return Value{Kind: KindString, Str: s} }

// Number wraps a float; NaN and infinities become null
func Number(f float64) Value {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return Null()
	}
	return Value{Kind: KindNumber, Num: f}
}

// Date wraps a Unix millisecond timestamp
func Date(ms float64) Value {
	if math.IsNaN(ms) || math.IsInf(ms, 0) {
		return Null()
	}
	return Value{Kind: KindDate, Num: ms}
}

// DateFromTime wraps a time as a date value
func DateFromTime(t time.Time) Value {
	return Date(float64(t.UnixMilli()))
}

// JSONValue wraps raw JSON
func JSONValue(raw json.RawMessage) Value {
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return Null()
	}
	return Value{Kind: KindJSON, JSON: raw}
}

// IsNull reports whether the value is undefined
func (v Value) IsNull() bool { return v.Kind == KindNull }

// IsNumeric reports whether the value is a number or a date
func (v Value) IsNumeric() bool { return v.Kind == KindNumber || v.Kind == KindDate }

// Time returns the date value as UTC time
func (v Value) Time() time.Time {
	return time.UnixMilli(int64(v.Num)).UTC()
}

// Interface returns the plain Go value used in result rows
func (v Value) Interface() interface{} {
	switch v.Kind {
	case KindNumber, KindDate:
		return v.Num
	case KindString:
		return v.Str
	case KindJSON:
		return v.JSON
	}
	return nil
}

// Key is the canonical string form used for tallies and group keys
func (v Value) Key() string {
	switch v.Kind {
	case KindNumber, KindDate:
		return strconv.FormatFloat(v.Num, 'f', -1, 64)
	case KindString:
		return v.Str
	case KindJSON:
		var buf bytes.Buffer
		if err := json.Compact(&buf, v.JSON); err != nil {
			return string(v.JSON)
		}
		return buf.String()
	}
	return ""
}

// MarshalJSON encodes the value as its plain JSON form
func (v Value) MarshalJSON() ([]byte, error) {
	switch v.Kind {
	case KindNumber, KindDate:
		return json.Marshal(v.Num)
	case KindString:
		return json.Marshal(v.Str)
	case KindJSON:
		return v.JSON, nil
	}
	return []byte("null"), nil
}

func kindRank(k Kind) int {
	switch k {
	case KindNull:
		return 0
	case KindNumber, KindDate:
		return 1
	case KindString:
		return 2
	}
	return 3
}

// Compare orders values: null first, then numbers and dates, strings, JSON
func Compare(a, b Value) int {
	ra, rb := kindRank(a.Kind), kindRank(b.Kind)
	if ra != rb {
		if ra < rb {
			return -1
		}
		return 1
	}
	switch ra {
	case 0:
		return 0
	case 1:
		switch {
		case a.Num < b.Num:
			return -1
		case a.Num > b.Num:
			return 1
		}
		return 0
	case 2:
		return strings.Compare(a.Str, b.Str)
	}
	return strings.Compare(a.Key(), b.Key())
}

// Equal reports whether two values compare equal
func Equal(a, b Value) bool { return Compare(a, b) == 0 }
