package message

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strconv"

	"golang.org/x/text/unicode/norm"
)

// Kind discriminates the Value union.
type Kind uint8

const (
	KindInvalid Kind = iota
	KindText
	KindNumber
	KindBool
	KindFlag
)

func (k Kind) String() string {
	switch k {
	case KindText:
		return "text"
	case KindNumber:
		return "number"
	case KindBool:
		return "bool"
	case KindFlag:
		return "flag"
	default:
		return "invalid"
	}
}

// Value is a cell value. The zero Value is invalid.
//
// On the wire a value is plain JSON: text as a string, numbers as numbers,
// booleans as booleans and flags as 0 or 1.
type Value struct {
	kind Kind
	text string
	num  float64
	b    bool
}

// Text returns a text value. The string is NFC-normalized so that equal
// text typed on different platforms compares equal.
func Text(s string) Value {
	return Value{kind: KindText, text: norm.NFC.String(s)}
}

// Number returns a numeric value.
func Number(f float64) Value {
	return Value{kind: KindNumber, num: f}
}

// Bool returns a boolean value.
func Bool(b bool) Value {
	return Value{kind: KindBool, b: b}
}

// Flag returns a 0/1 flag value (used by the tombstone column).
func Flag(set bool) Value {
	return Value{kind: KindFlag, b: set}
}

func (v Value) Kind() Kind { return v.kind }

func (v Value) IsValid() bool {
	switch v.kind {
	case KindText, KindBool, KindFlag:
		return true
	case KindNumber:
		return !math.IsNaN(v.num) && !math.IsInf(v.num, 0)
	}
	return false
}

// AsText returns the string and true if v is text.
func (v Value) AsText() (string, bool) {
	return v.text, v.kind == KindText
}

// AsNumber returns the number and true if v is numeric.
func (v Value) AsNumber() (float64, bool) {
	return v.num, v.kind == KindNumber
}

// AsBool returns the boolean and true if v is a bool.
func (v Value) AsBool() (bool, bool) {
	return v.b, v.kind == KindBool
}

// AsFlag returns the flag state and true if v is a flag.
func (v Value) AsFlag() (bool, bool) {
	return v.b, v.kind == KindFlag
}

// Equal reports whether two values have the same kind and payload.
func (v Value) Equal(o Value) bool {
	if v.kind != o.kind {
		return false
	}
	switch v.kind {
	case KindText:
		return v.text == o.text
	case KindNumber:
		return v.num == o.num
	case KindBool, KindFlag:
		return v.b == o.b
	}
	return true
}

// String renders the value for humans.
func (v Value) String() string {
	switch v.kind {
	case KindText:
		return v.text
	case KindNumber:
		return strconv.FormatFloat(v.num, 'g', -1, 64)
	case KindBool:
		return strconv.FormatBool(v.b)
	case KindFlag:
		if v.b {
			return "1"
		}
		return "0"
	}
	return "<invalid>"
}

// Any returns the value as a plain Go value (string, float64, bool or int).
func (v Value) Any() any {
	switch v.kind {
	case KindText:
		return v.text
	case KindNumber:
		return v.num
	case KindBool:
		return v.b
	case KindFlag:
		if v.b {
			return 1
		}
		return 0
	}
	return nil
}

func (v Value) MarshalJSON() ([]byte, error) {
	if !v.IsValid() {
		return nil, fmt.Errorf("marshal %s value", v.kind)
	}
	switch v.kind {
	case KindText:
		return json.Marshal(v.text)
	case KindNumber:
		return json.Marshal(v.num)
	case KindBool:
		return json.Marshal(v.b)
	default:
		return []byte(v.String()), nil
	}
}

// UnmarshalJSON decodes a plain JSON value. Numbers decode as KindNumber;
// use DecodeValue when the column is known.
func (v *Value) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return fmt.Errorf("empty value")
	}
	switch data[0] {
	case '"':
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*v = Text(s)
	case 't', 'f':
		var b bool
		if err := json.Unmarshal(data, &b); err != nil {
			return err
		}
		*v = Bool(b)
	case 'n':
		return fmt.Errorf("null values are not supported")
	case '{', '[':
		return fmt.Errorf("composite values are not supported")
	default:
		var f float64
		if err := json.Unmarshal(data, &f); err != nil {
			return err
		}
		*v = Number(f)
	}
	return nil
}

// DecodeValue decodes the JSON value of the given column. The tombstone
// column always decodes as a flag.
func DecodeValue(column string, data []byte) (Value, error) {
	var v Value
	if err := v.UnmarshalJSON(data); err != nil {
		return Value{}, err
	}
	if column == TombstoneColumn {
		return toFlag(v)
	}
	return v, nil
}

func toFlag(v Value) (Value, error) {
	switch v.kind {
	case KindFlag:
		return v, nil
	case KindBool:
		return Flag(v.b), nil
	case KindNumber:
		switch v.num {
		case 0:
			return Flag(false), nil
		case 1:
			return Flag(true), nil
		}
	}
	return Value{}, fmt.Errorf("%s must be 0 or 1, got %s %q", TombstoneColumn, v.kind, v.String())
}
