package telemetry

import (
	"math"
	"strconv"
	"strings"
)

// Metric is the structured form of a telemetry topic.
type Metric struct {
	Name  string
	Tags  map[string]string
	Field string
}

// ValueKind discriminates the variants of Value.
type ValueKind int

const (
	KindMissing ValueKind = iota
	KindNumber
	KindString
	KindBool
)

func (k ValueKind) String() string {
	switch k {
	case KindNumber:
		return "number"
	case KindString:
		return "string"
	case KindBool:
		return "bool"
	default:
		return "missing"
	}
}

// Value is a typed device reading. The zero value is Missing.
type Value struct {
	kind ValueKind
	num  float64
	str  string
	flag bool
}

// NumberValue wraps a numeric reading.
func NumberValue(v float64) Value { return Value{kind: KindNumber, num: v} }

// StringValue wraps a textual reading.
func StringValue(v string) Value { return Value{kind: KindString, str: v} }

// BoolValue wraps a boolean reading.
func BoolValue(v bool) Value { return Value{kind: KindBool, flag: v} }

// Missing returns the absent value.
func Missing() Value { return Value{} }

// Kind reports which variant v holds.
func (v Value) Kind() ValueKind { return v.kind }

// IsMissing reports whether v carries no reading.
func (v Value) IsMissing() bool { return v.kind == KindMissing }

// Number returns the numeric reading and whether v is a number.
func (v Value) Number() (float64, bool) { return v.num, v.kind == KindNumber }

// Text returns the textual reading and whether v is a string.
func (v Value) Text() (string, bool) { return v.str, v.kind == KindString }

// Bool returns the boolean reading and whether v is a bool.
func (v Value) Bool() (bool, bool) { return v.flag, v.kind == KindBool }

// String renders v the way it appears in a line protocol field assignment.
func (v Value) String() string {
	switch v.kind {
	case KindNumber:
		return strconv.FormatFloat(v.num, 'f', -1, 64)
	case KindString:
		return `"` + v.str + `"`
	case KindBool:
		return strconv.FormatBool(v.flag)
	default:
		return "undefined"
	}
}

// RawValue keeps a payload as text. Empty payloads are Missing.
func RawValue(payload string) Value {
	if payload == "" {
		return Missing()
	}
	return StringValue(payload)
}

// ParseValue coerces a payload into a number or bool when it looks like one
// and falls back to a string otherwise.
func ParseValue(payload string) Value {
	trimmed := strings.TrimSpace(payload)
	if trimmed == "" {
		return Missing()
	}
	switch trimmed {
	case "true":
		return BoolValue(true)
	case "false":
		return BoolValue(false)
	}
	if f, err := strconv.ParseFloat(trimmed, 64); err == nil && !math.IsInf(f, 0) && !math.IsNaN(f) {
		return NumberValue(f)
	}
	return StringValue(payload)
}
