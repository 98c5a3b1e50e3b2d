package core

import (
	"bytes"
	"encoding/json"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"time"
)

// Value is a typed cell value. A nil Value means the cell is empty.
type Value interface {
	isValue()
}

// Text holds title, text, email, phone_number and url values.
type Text string

// Number is an integer or a fractional number.
type Number struct {
	Int   int64
	Float float64
	IsInt bool
}

// Checkbox is a boolean cell.
type Checkbox bool

// Date is a calendar date or timestamp. Naive values carry no zone and are
// stored in UTC.
type Date struct {
	Time     time.Time
	HasZone  bool
	HasClock bool
}

// Select is a single option.
type Select string

// MultiSelect is an ordered option list.
type MultiSelect []string

// Files is an ordered list of file URLs or local paths.
type Files []string

// Relation is a list of keys (before resolution) or row refs (after).
type Relation []string

// Timestamp backs created_time and last_edited_time columns. Now means the
// remote should use the current time at write.
type Timestamp struct {
	Time time.Time
	Now  bool
}

func (Text) isValue()        {}
func (Number) isValue()      {}
func (Checkbox) isValue()    {}
func (Date) isValue()        {}
func (Select) isValue()      {}
func (MultiSelect) isValue() {}
func (Files) isValue()       {}
func (Relation) isValue()    {}
func (Timestamp) isValue()   {}

// Float64 returns the number as float64.
func (n Number) Float64() float64 {
	if n.IsInt {
		return float64(n.Int)
	}
	return n.Float
}

// IntNumber returns an integer Number.
func IntNumber(i int64) Number { return Number{Int: i, IsInt: true} }

// FloatNumber returns a Number, normalized to an integer when whole.
func FloatNumber(f float64) Number {
	if f >= -maxExactInt && f <= maxExactInt && f == float64(int64(f)) {
		return Number{Int: int64(f), IsInt: true}
	}
	return Number{Float: f}
}

// maxExactInt is the largest magnitude a float64 holds without losing integer precision.
const maxExactInt = 1 << 53

const (
	naiveClockLayout = "2006-01-02T15:04:05"
	dateOnlyLayout   = "2006-01-02"
)

// String renders a date in its wire form.
func (d Date) String() string {
	switch {
	case d.HasZone:
		return d.Time.Format(time.RFC3339)
	case d.HasClock:
		return d.Time.Format(naiveClockLayout)
	default:
		return d.Time.Format(dateOnlyLayout)
	}
}

// IsEmpty reports whether v counts as an empty cell.
func IsEmpty(v Value) bool {
	switch t := v.(type) {
	case nil:
		return true
	case Text:
		return t == ""
	case Select:
		return t == ""
	case Checkbox:
		return !bool(t)
	case MultiSelect:
		return len(t) == 0
	case Files:
		return len(t) == 0
	case Relation:
		return len(t) == 0
	case Date:
		return t.Time.IsZero()
	case Timestamp:
		return !t.Now && t.Time.IsZero()
	}
	return false
}

// ValuesEqual compares two values with per-type semantics. Empty values are
// equal to each other. A Timestamp that defers to the current time equals
// anything, so re-running a sync never rewrites it.
func ValuesEqual(a, b Value) bool {
	if ta, ok := a.(Timestamp); ok && ta.Now {
		return true
	}
	if tb, ok := b.(Timestamp); ok && tb.Now {
		return true
	}
	if IsEmpty(a) || IsEmpty(b) {
		return IsEmpty(a) && IsEmpty(b)
	}
	switch x := a.(type) {
	case Text:
		y, ok := b.(Text)
		return ok && x == y
	case Select:
		y, ok := b.(Select)
		return ok && x == y
	case Checkbox:
		y, ok := b.(Checkbox)
		return ok && x == y
	case Number:
		y, ok := b.(Number)
		if !ok {
			return false
		}
		if x.IsInt && y.IsInt {
			return x.Int == y.Int
		}
		return x.Float64() == y.Float64()
	case Date:
		y, ok := b.(Date)
		return ok && x.HasZone == y.HasZone && x.Time.Equal(y.Time)
	case Timestamp:
		y, ok := b.(Timestamp)
		return ok && x.Time.Equal(y.Time)
	case MultiSelect:
		y, ok := b.(MultiSelect)
		return ok && slices.Equal(x, y)
	case Files:
		y, ok := b.(Files)
		return ok && slices.Equal(x, y)
	case Relation:
		y, ok := b.(Relation)
		if !ok || len(x) != len(y) {
			return false
		}
		xs, ys := slices.Clone(x), slices.Clone(y)
		slices.Sort(xs)
		slices.Sort(ys)
		return slices.Equal(xs, ys)
	}
	return false
}

// RenderText renders v as plain text.
func RenderText(v Value) string {
	switch t := v.(type) {
	case nil:
		return ""
	case Text:
		return string(t)
	case Select:
		return string(t)
	case Checkbox:
		return strconv.FormatBool(bool(t))
	case Number:
		if t.IsInt {
			return strconv.FormatInt(t.Int, 10)
		}
		return strconv.FormatFloat(t.Float, 'f', -1, 64)
	case Date:
		return t.String()
	case Timestamp:
		if t.Now {
			return ""
		}
		return t.Time.Format(time.RFC3339)
	case MultiSelect:
		return strings.Join(t, ", ")
	case Files:
		return strings.Join(t, ", ")
	case Relation:
		return strings.Join(t, ", ")
	}
	return fmt.Sprint(v)
}

func keyString(v Value) string {
	return RenderText(v)
}

// Promote converts a stored value to a wider column type. Every promotion
// accepted by [WidenType] is lossless.
func Promote(v Value, to ColumnType) (Value, error) {
	if v == nil {
		return nil, nil
	}
	switch to {
	case TypeText, TypeTitle, TypeEmail, TypePhone, TypeURL:
		return Text(RenderText(v)), nil
	case TypeMultiSelect:
		switch t := v.(type) {
		case Select:
			return MultiSelect{string(t)}, nil
		case MultiSelect:
			return t, nil
		}
	}
	return nil, fmt.Errorf("cannot convert %T to %s", v, to)
}

// EncodeValue returns the JSON representation of v. The second result is
// false when the value should be omitted from the payload.
func EncodeValue(v Value) (any, bool) {
	switch t := v.(type) {
	case nil:
		return nil, true
	case Text:
		return string(t), true
	case Select:
		return string(t), true
	case Checkbox:
		return bool(t), true
	case Number:
		if t.IsInt {
			return t.Int, true
		}
		return t.Float, true
	case Date:
		return t.String(), true
	case Timestamp:
		if t.Now {
			return nil, false
		}
		return t.Time.UTC().Format(time.RFC3339Nano), true
	case MultiSelect:
		return nonNil([]string(t)), true
	case Files:
		return nonNil([]string(t)), true
	case Relation:
		return nonNil([]string(t)), true
	}
	return nil, false
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

// EncodeRow encodes a row as a column id keyed JSON object.
func EncodeRow(row Row) map[string]any {
	out := make(map[string]any, len(row))
	for id, v := range row {
		if enc, ok := EncodeValue(v); ok {
			out[id] = enc
		}
	}
	return out
}

// DecodeValue decodes the JSON representation of a value of column type t.
func DecodeValue(t ColumnType, raw json.RawMessage) (Value, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	switch t {
	case TypeTitle, TypeText, TypeEmail, TypePhone, TypeURL:
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return nil, err
		}
		return Text(s), nil
	case TypeSelect:
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return nil, err
		}
		return Select(s), nil
	case TypeCheckbox:
		var b bool
		if err := json.Unmarshal(raw, &b); err != nil {
			return nil, err
		}
		return Checkbox(b), nil
	case TypeNumber:
		dec := json.NewDecoder(bytes.NewReader(raw))
		dec.UseNumber()
		var n json.Number
		if err := dec.Decode(&n); err != nil {
			return nil, err
		}
		if i, err := n.Int64(); err == nil {
			return IntNumber(i), nil
		}
		f, err := n.Float64()
		if err != nil {
			return nil, err
		}
		return FloatNumber(f), nil
	case TypeDate:
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return nil, err
		}
		d, err := parseWireDate(s)
		if err != nil {
			return nil, err
		}
		return d, nil
	case TypeCreatedTime, TypeLastEditedTime:
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return nil, err
		}
		ts, err := time.Parse(time.RFC3339Nano, s)
		if err != nil {
			return nil, err
		}
		return Timestamp{Time: ts}, nil
	case TypeMultiSelect, TypeFile, TypeRelation:
		var list []string
		if err := json.Unmarshal(raw, &list); err != nil {
			return nil, err
		}
		switch t {
		case TypeMultiSelect:
			return MultiSelect(list), nil
		case TypeFile:
			return Files(list), nil
		default:
			return Relation(list), nil
		}
	}
	return nil, fmt.Errorf("unknown column type %q", t)
}

// DecodeRow decodes a column id keyed JSON object against schema.
// Unknown column ids are rejected.
func DecodeRow(schema *Schema, raw map[string]json.RawMessage) (Row, error) {
	row := make(Row, len(raw))
	for id, msg := range raw {
		col, ok := schema.Column(id)
		if !ok {
			return nil, fmt.Errorf("unknown column %q", id)
		}
		v, err := DecodeValue(col.Type, msg)
		if err != nil {
			return nil, fmt.Errorf("column %q: invalid %s value: %w", col.Name, col.Type, err)
		}
		row[id] = v
	}
	return row, nil
}

func parseWireDate(s string) (Date, error) {
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return Date{Time: t, HasZone: true, HasClock: true}, nil
	}
	if t, err := time.Parse(naiveClockLayout, s); err == nil {
		return Date{Time: t, HasClock: true}, nil
	}
	t, err := time.Parse(dateOnlyLayout, s)
	if err != nil {
		return Date{}, fmt.Errorf("invalid date %q", s)
	}
	return Date{Time: t}, nil
}
