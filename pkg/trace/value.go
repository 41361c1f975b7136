// Package trace defines the wire model of the remote trace store (tagged
// values, addresses, lifespans) and the client interfaces the synchronizer
// drives. It also provides MemStore, an in-process store used for testing
// and offline runs.
package trace

import (
	"fmt"
	"math"
	"strings"
)

// Schema is a wire-level type tag from the store's closed schema set. It
// doubles as the caller-supplied conversion hint: a zero Schema means no
// hint.
type Schema string

const (
	SchemaNone     Schema = ""
	SchemaVoid     Schema = "VOID"
	SchemaBool     Schema = "BOOL"
	SchemaByte     Schema = "BYTE"
	SchemaChar     Schema = "CHAR"
	SchemaShort    Schema = "SHORT"
	SchemaInt      Schema = "INT"
	SchemaLong     Schema = "LONG"
	SchemaFloat    Schema = "FLOAT"
	SchemaDouble   Schema = "DOUBLE"
	SchemaString   Schema = "STRING"
	SchemaBoolArr  Schema = "BOOL_ARR"
	SchemaByteArr  Schema = "BYTE_ARR"
	SchemaCharArr  Schema = "CHAR_ARR"
	SchemaShortArr Schema = "SHORT_ARR"
	SchemaIntArr   Schema = "INT_ARR"
	SchemaLongArr  Schema = "LONG_ARR"
	SchemaAddress  Schema = "ADDRESS"
	SchemaRange    Schema = "RANGE"
	SchemaObject   Schema = "OBJECT"
	SchemaAny      Schema = "ANY"
)

// Kind discriminates the tagged value union. The set is closed; every value
// written to the store carries exactly one of these.
type Kind int

const (
	KindVoid Kind = iota
	KindBool
	KindByte
	KindChar
	KindShort
	KindInt
	KindLong
	KindFloat
	KindString
	KindBoolArr
	KindByteArr
	KindShortArr
	KindIntArr
	KindLongArr
	KindAddress
	KindRange
	KindObject
)

// String returns the string representation of the Kind
func (k Kind) String() string {
	switch k {
	case KindVoid:
		return "void"
	case KindBool:
		return "bool"
	case KindByte:
		return "byte"
	case KindChar:
		return "char"
	case KindShort:
		return "short"
	case KindInt:
		return "int"
	case KindLong:
		return "long"
	case KindFloat:
		return "float"
	case KindString:
		return "string"
	case KindBoolArr:
		return "bool[]"
	case KindByteArr:
		return "byte[]"
	case KindShortArr:
		return "short[]"
	case KindIntArr:
		return "int[]"
	case KindLongArr:
		return "long[]"
	case KindAddress:
		return "address"
	case KindRange:
		return "range"
	case KindObject:
		return "object"
	default:
		return "unknown"
	}
}

// Value is a tagged wire value. Only the field matching Kind is meaningful.
type Value struct {
	Kind   Kind
	Bool   bool
	Int    int64
	Float  float64
	Str    string
	Bytes  []byte
	Bools  []bool
	Shorts []int16
	Ints   []int32
	Longs  []int64
	Addr   Address
	Range  AddrRange
	Object string // canonical path of the referenced object
}

// VoidValue returns the void value. Writing it to a key removes the key.
func VoidValue() Value { return Value{Kind: KindVoid} }

// BoolValue returns a tagged boolean.
func BoolValue(b bool) Value { return Value{Kind: KindBool, Bool: b} }

// ByteValue returns a tagged raw byte.
func ByteValue(b byte) Value { return Value{Kind: KindByte, Int: int64(b)} }

// CharValue returns a tagged character.
func CharValue(c byte) Value { return Value{Kind: KindChar, Int: int64(c)} }

// ShortValue returns a tagged 16-bit integer.
func ShortValue(v int64) Value { return Value{Kind: KindShort, Int: v} }

// IntValue returns a tagged 32-bit integer.
func IntValue(v int64) Value { return Value{Kind: KindInt, Int: v} }

// LongValue returns a tagged 64-bit integer.
func LongValue(v int64) Value { return Value{Kind: KindLong, Int: v} }

// FloatValue returns a tagged floating-point value.
func FloatValue(v float64) Value { return Value{Kind: KindFloat, Float: v} }

// StringValue returns a tagged string.
func StringValue(s string) Value { return Value{Kind: KindString, Str: s} }

// BoolArrValue returns a tagged boolean array.
func BoolArrValue(v []bool) Value { return Value{Kind: KindBoolArr, Bools: v} }

// ByteArrValue returns a tagged raw byte array.
func ByteArrValue(v []byte) Value { return Value{Kind: KindByteArr, Bytes: v} }

// ShortArrValue returns a tagged 16-bit integer array.
func ShortArrValue(v []int16) Value { return Value{Kind: KindShortArr, Shorts: v} }

// IntArrValue returns a tagged 32-bit integer array.
func IntArrValue(v []int32) Value { return Value{Kind: KindIntArr, Ints: v} }

// LongArrValue returns a tagged 64-bit integer array.
func LongArrValue(v []int64) Value { return Value{Kind: KindLongArr, Longs: v} }

// AddressValue returns a tagged address.
func AddressValue(a Address) Value { return Value{Kind: KindAddress, Addr: a} }

// RangeValue returns a tagged address range.
func RangeValue(r AddrRange) Value { return Value{Kind: KindRange, Range: r} }

// ObjectValue returns a tagged reference to the object at path.
func ObjectValue(path string) Value { return Value{Kind: KindObject, Object: path} }

// DefaultSchema returns the schema tag implied by the value's kind when the
// caller supplies none.
func (v Value) DefaultSchema() Schema {
	switch v.Kind {
	case KindVoid:
		return SchemaVoid
	case KindBool:
		return SchemaBool
	case KindByte:
		return SchemaByte
	case KindChar:
		return SchemaChar
	case KindShort:
		return SchemaShort
	case KindInt:
		return SchemaInt
	case KindLong:
		return SchemaLong
	case KindFloat:
		return SchemaDouble
	case KindString:
		return SchemaString
	case KindBoolArr:
		return SchemaBoolArr
	case KindByteArr:
		return SchemaByteArr
	case KindShortArr:
		return SchemaShortArr
	case KindIntArr:
		return SchemaIntArr
	case KindLongArr:
		return SchemaLongArr
	case KindAddress:
		return SchemaAddress
	case KindRange:
		return SchemaRange
	case KindObject:
		return SchemaObject
	default:
		return SchemaAny
	}
}

// String renders the value for diagnostics and query listings.
func (v Value) String() string {
	switch v.Kind {
	case KindVoid:
		return "<void>"
	case KindBool:
		return fmt.Sprintf("%t", v.Bool)
	case KindByte, KindChar, KindShort, KindInt, KindLong:
		return fmt.Sprintf("%d", v.Int)
	case KindFloat:
		return fmt.Sprintf("%g", v.Float)
	case KindString:
		return v.Str
	case KindBoolArr:
		return fmt.Sprintf("%v", v.Bools)
	case KindByteArr:
		return fmt.Sprintf("%x", v.Bytes)
	case KindShortArr:
		return fmt.Sprintf("%v", v.Shorts)
	case KindIntArr:
		return fmt.Sprintf("%v", v.Ints)
	case KindLongArr:
		return fmt.Sprintf("%v", v.Longs)
	case KindAddress:
		return v.Addr.String()
	case KindRange:
		return v.Range.String()
	case KindObject:
		return v.Object
	default:
		return "<invalid>"
	}
}

// Address is a location in the trace's address model: a named space plus an
// offset within it.
type Address struct {
	Space  string
	Offset uint64
}

// Extend returns the range of the given length starting at the address.
func (a Address) Extend(length uint64) AddrRange {
	return AddrRange{Space: a.Space, Offset: a.Offset, Length: length}
}

// String returns the string representation of the Address
func (a Address) String() string {
	return fmt.Sprintf("%s:%08x", a.Space, a.Offset)
}

// AddrRange is an address plus a length.
type AddrRange struct {
	Space  string
	Offset uint64
	Length uint64
}

// End returns the exclusive end offset of the range.
func (r AddrRange) End() uint64 {
	return r.Offset + r.Length
}

// Intersects reports whether the two ranges share any address.
func (r AddrRange) Intersects(o AddrRange) bool {
	return r.Space == o.Space && r.Offset < o.End() && o.Offset < r.End()
}

// String returns the string representation of the AddrRange
func (r AddrRange) String() string {
	return fmt.Sprintf("%s:%08x+%x", r.Space, r.Offset, r.Length)
}

// Lifespan is the half-open-ended snapshot interval over which a value or
// object placement holds. Max is MaxSnap for spans with no recorded end.
type Lifespan struct {
	Min int64
	Max int64
}

// MaxSnap is the upper bound used for open-ended lifespans.
const MaxSnap = math.MaxInt64

// Span returns a lifespan starting at min with no end.
func Span(min int64) Lifespan {
	return Lifespan{Min: min, Max: MaxSnap}
}

// Contains reports whether snap falls within the lifespan.
func (l Lifespan) Contains(snap int64) bool {
	return l.Min <= snap && snap <= l.Max
}

// String returns the string representation of the Lifespan
func (l Lifespan) String() string {
	if l.Max == MaxSnap {
		return fmt.Sprintf("[%d,+inf)", l.Min)
	}
	return fmt.Sprintf("[%d,%d]", l.Min, l.Max)
}

// MemoryState marks the disposition of a byte range in the trace.
type MemoryState int

const (
	// MemoryUnknown is the default state of every address
	MemoryUnknown MemoryState = iota
	// MemoryKnown marks bytes actually captured from the target
	MemoryKnown
	// MemoryError marks bytes the target failed to read
	MemoryError
)

// String returns the string representation of the MemoryState
func (s MemoryState) String() string {
	switch s {
	case MemoryUnknown:
		return "unknown"
	case MemoryKnown:
		return "known"
	case MemoryError:
		return "error"
	default:
		return "invalid"
	}
}

// ParseMemoryState parses one of the closed set of state names.
func ParseMemoryState(s string) (MemoryState, error) {
	switch strings.ToLower(s) {
	case "unknown":
		return MemoryUnknown, nil
	case "known":
		return MemoryKnown, nil
	case "error":
		return MemoryError, nil
	default:
		return MemoryUnknown, fmt.Errorf("invalid memory state %q: must be known, unknown, or error", s)
	}
}

// RetainKind selects which child keys a retain-values call prunes.
type RetainKind int

const (
	// RetainElements prunes bracketed element keys only (the default)
	RetainElements RetainKind = iota
	// RetainAttributes prunes bare attribute keys only
	RetainAttributes
	// RetainBoth prunes both elements and attributes
	RetainBoth
)

// IsElementKey reports whether key names an element ([n]) rather than an
// attribute.
func IsElementKey(key string) bool {
	return strings.HasPrefix(key, "[") && strings.HasSuffix(key, "]")
}

// RegisterValue pairs a canonical register name with its value bytes in the
// store's canonical big-endian order.
type RegisterValue struct {
	Name string
	Data []byte
}
