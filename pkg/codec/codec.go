// Package codec converts native target values into the trace's tagged wire
// values. Conversion is total over the supported native shapes and
// deterministic; unsupported shapes fail with an UnconvertibleError carrying
// the original expression and rendering, never a silent coercion.
package codec

import (
	"fmt"
	"log/slog"
	"math"
	"strings"
	"unicode/utf16"

	"github.com/willibrandon/tracemir/pkg/target"
	"github.com/willibrandon/tracemir/pkg/trace"
)

// MemoryMapper is the slice of the address mapper the codec needs to resolve
// pointer values.
type MemoryMapper interface {
	Map(pid int, offset uint64) (base string, addr trace.Address)
}

// UnconvertibleError reports a native value shape the tagged model cannot
// represent.
type UnconvertibleError struct {
	Expr     string
	Rendered string
	Hint     trace.Schema
}

// Error returns the string representation of the error
func (e *UnconvertibleError) Error() string {
	return fmt.Sprintf("cannot convert (%s): '%s', value='%s'", e.Hint, e.Expr, e.Rendered)
}

// DecodeUint interprets raw bytes of up to eight bytes in the given order.
// The legacy PDP order is rejected.
func DecodeUint(data []byte, order target.ByteOrder) (uint64, error) {
	if len(data) > 8 {
		return 0, fmt.Errorf("cannot decode %d-byte integer", len(data))
	}
	var v uint64
	switch order {
	case target.OrderBig:
		for _, b := range data {
			v = v<<8 | uint64(b)
		}
	case target.OrderLittle:
		for i := len(data) - 1; i >= 0; i-- {
			v = v<<8 | uint64(data[i])
		}
	case target.OrderPDP:
		return 0, fmt.Errorf("pdp byte order unsupported")
	default:
		return 0, fmt.Errorf("unrecognized byte order: %d", order)
	}
	return v, nil
}

// RegBytes canonicalizes a register payload into the store's big-endian
// order, reversing the byte sequence when the source is little-endian.
func RegBytes(data []byte, order target.ByteOrder) ([]byte, error) {
	switch order {
	case target.OrderBig:
		return append([]byte(nil), data...), nil
	case target.OrderLittle:
		out := make([]byte, len(data))
		for i, b := range data {
			out[len(data)-1-i] = b
		}
		return out, nil
	case target.OrderPDP:
		return nil, fmt.Errorf("pdp byte order unsupported")
	default:
		return nil, fmt.Errorf("unrecognized byte order: %d", order)
	}
}

// SourceBytes converts canonical big-endian register bytes back to the given
// source order. It is the inverse of RegBytes.
func SourceBytes(canonical []byte, order target.ByteOrder) ([]byte, error) {
	return RegBytes(canonical, order)
}

// Result is a converted value: the wire value, its schema tag, and for
// address values the base space the address was mapped from. The caller
// must declare an overlay space when Base differs from the address's space.
type Result struct {
	Value  trace.Value
	Schema trace.Schema
	Base   string
}

// Convert converts a native value into a tagged wire value. The hint
// disambiguates ambiguous shapes (byte blob vs. narrow string vs. wide
// string); when the hint and the inferred shape disagree, the disagreement
// is logged and the inferred shape wins.
func Convert(v target.RawValue, hint trace.Schema, mapper MemoryMapper, pid int) (Result, error) {
	switch v.Kind {
	case target.KindVoid:
		return Result{Value: trace.VoidValue(), Schema: trace.SchemaVoid}, nil

	case target.KindBool:
		b := false
		for _, by := range v.Bytes {
			if by != 0 {
				b = true
				break
			}
		}
		return Result{Value: trace.BoolValue(b), Schema: trace.SchemaBool}, nil

	case target.KindChar:
		u, err := DecodeUint(v.Bytes, v.Order)
		if err != nil {
			return Result{}, err
		}
		// A non-printable rendering means the host escaped the byte; record
		// it as a raw byte rather than a character.
		if strings.Contains(v.Render, `\x`) {
			return Result{Value: trace.ByteValue(byte(u)), Schema: trace.SchemaByte}, nil
		}
		return Result{Value: trace.CharValue(byte(u)), Schema: trace.SchemaChar}, nil

	case target.KindShort:
		u, err := DecodeUint(v.Bytes, v.Order)
		if err != nil {
			return Result{}, err
		}
		return Result{Value: trace.ShortValue(int64(int16(u))), Schema: trace.SchemaShort}, nil

	case target.KindInt:
		u, err := DecodeUint(v.Bytes, v.Order)
		if err != nil {
			return Result{}, err
		}
		return Result{Value: trace.IntValue(int64(int32(u))), Schema: trace.SchemaInt}, nil

	case target.KindLong:
		u, err := DecodeUint(v.Bytes, v.Order)
		if err != nil {
			return Result{}, err
		}
		return Result{Value: trace.LongValue(int64(u)), Schema: trace.SchemaLong}, nil

	case target.KindFloat:
		u, err := DecodeUint(v.Bytes, v.Order)
		if err != nil {
			return Result{}, err
		}
		switch len(v.Bytes) {
		case 4:
			f := float64(math.Float32frombits(uint32(u)))
			return Result{Value: trace.FloatValue(f), Schema: trace.SchemaFloat}, nil
		case 8:
			return Result{Value: trace.FloatValue(math.Float64frombits(u)), Schema: trace.SchemaDouble}, nil
		default:
			// Extended floating formats are not representable.
			return Result{}, &UnconvertibleError{Expr: v.Expr, Rendered: v.Render, Hint: hint}
		}

	case target.KindPointer:
		offset, err := DecodeUint(v.Bytes, v.Order)
		if err != nil {
			return Result{}, err
		}
		base, addr := mapper.Map(pid, offset)
		return Result{Value: trace.AddressValue(addr), Schema: trace.SchemaAddress, Base: base}, nil

	case target.KindArray:
		return convertArray(v, hint)
	}

	return Result{}, &UnconvertibleError{Expr: v.Expr, Rendered: v.Render, Hint: hint}
}

func convertArray(v target.RawValue, hint trace.Schema) (Result, error) {
	// The host summarizes constant string literals itself.
	if strings.HasPrefix(v.TypeName, "const char[") ||
		strings.HasPrefix(v.TypeName, "const wchar_t[") {
		return Result{Value: trace.StringValue(v.Summary), Schema: trace.SchemaString}, nil
	}

	switch v.ElemKind {
	case target.KindBool:
		bools, err := decodeBools(v)
		if err != nil {
			return Result{}, err
		}
		return Result{Value: trace.BoolArrValue(bools), Schema: trace.SchemaBoolArr}, nil

	case target.KindChar:
		switch hint {
		case trace.SchemaByteArr:
			return Result{Value: trace.ByteArrValue(append([]byte(nil), v.Bytes...)), Schema: trace.SchemaByteArr}, nil
		case trace.SchemaCharArr:
			return Result{Value: trace.StringValue(string(v.Bytes)), Schema: trace.SchemaCharArr}, nil
		default:
			warnHint(v, hint, trace.SchemaString)
			return Result{Value: trace.StringValue(string(v.Bytes)), Schema: trace.SchemaString}, nil
		}

	case target.KindShort:
		if hint == trace.SchemaNone && v.ElemName == "wchar_t" {
			s, err := decodeUTF16(v)
			if err != nil {
				return Result{}, err
			}
			return Result{Value: trace.StringValue(s), Schema: trace.SchemaString}, nil
		}
		if hint == trace.SchemaCharArr {
			s, err := decodeUTF16(v)
			if err != nil {
				return Result{}, err
			}
			return Result{Value: trace.StringValue(s), Schema: trace.SchemaCharArr}, nil
		}
		return intArrayResult(v, hint, trace.SchemaShortArr)

	case target.KindWChar:
		if hint != trace.SchemaNone && hint != trace.SchemaCharArr {
			return intArrayResult(v, hint, trace.SchemaShortArr)
		}
		s, err := decodeUTF16(v)
		if err != nil {
			return Result{}, err
		}
		return Result{Value: trace.StringValue(s), Schema: trace.SchemaString}, nil

	case target.KindInt:
		if hint == trace.SchemaNone && v.ElemName == "wchar_t" {
			s, err := decodeUTF32(v)
			if err != nil {
				return Result{}, err
			}
			return Result{Value: trace.StringValue(s), Schema: trace.SchemaString}, nil
		}
		if hint == trace.SchemaCharArr {
			s, err := decodeUTF32(v)
			if err != nil {
				return Result{}, err
			}
			return Result{Value: trace.StringValue(s), Schema: trace.SchemaCharArr}, nil
		}
		return intArrayResult(v, hint, trace.SchemaIntArr)

	case target.KindLong:
		return intArrayResult(v, hint, trace.SchemaLongArr)
	}

	return Result{}, &UnconvertibleError{Expr: v.Expr, Rendered: v.Render, Hint: hint}
}

// intArrayResult builds an integer array tagged by the hint when the hint
// names an integer array schema, or by the element width otherwise.
func intArrayResult(v target.RawValue, hint, inferred trace.Schema) (Result, error) {
	elems, err := decodeElems(v)
	if err != nil {
		return Result{}, err
	}
	schema := inferred
	switch hint {
	case trace.SchemaShortArr, trace.SchemaIntArr, trace.SchemaLongArr:
		schema = hint
	case trace.SchemaNone:
	default:
		warnHint(v, hint, inferred)
	}
	switch schema {
	case trace.SchemaShortArr:
		out := make([]int16, len(elems))
		for i, e := range elems {
			out[i] = int16(e)
		}
		return Result{Value: trace.ShortArrValue(out), Schema: schema}, nil
	case trace.SchemaIntArr:
		out := make([]int32, len(elems))
		for i, e := range elems {
			out[i] = int32(e)
		}
		return Result{Value: trace.IntArrValue(out), Schema: schema}, nil
	default:
		out := make([]int64, len(elems))
		for i, e := range elems {
			out[i] = int64(e)
		}
		return Result{Value: trace.LongArrValue(out), Schema: trace.SchemaLongArr}, nil
	}
}

func warnHint(v target.RawValue, hint, inferred trace.Schema) {
	if hint == trace.SchemaNone || hint == inferred {
		return
	}
	slog.Warn("schema hint disagrees with inferred shape",
		"expr", v.Expr, "hint", string(hint), "inferred", string(inferred))
}

func elemSize(v target.RawValue) (int, error) {
	size := v.ElemSize
	if size <= 0 {
		return 0, fmt.Errorf("array %q has no element size", v.Expr)
	}
	if len(v.Bytes)%size != 0 {
		return 0, fmt.Errorf("array %q: %d bytes not a multiple of element size %d",
			v.Expr, len(v.Bytes), size)
	}
	return size, nil
}

func decodeElems(v target.RawValue) ([]uint64, error) {
	size, err := elemSize(v)
	if err != nil {
		return nil, err
	}
	out := make([]uint64, 0, len(v.Bytes)/size)
	for i := 0; i+size <= len(v.Bytes); i += size {
		e, err := DecodeUint(v.Bytes[i:i+size], v.Order)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}

func decodeBools(v target.RawValue) ([]bool, error) {
	elems, err := decodeElems(v)
	if err != nil {
		return nil, err
	}
	out := make([]bool, len(elems))
	for i, e := range elems {
		out[i] = e != 0
	}
	return out, nil
}

func decodeUTF16(v target.RawValue) (string, error) {
	size, err := elemSize(v)
	if err != nil {
		return "", err
	}
	if size != 2 {
		return "", fmt.Errorf("array %q: utf-16 needs 2-byte elements, have %d", v.Expr, size)
	}
	units := make([]uint16, 0, len(v.Bytes)/2)
	for i := 0; i+2 <= len(v.Bytes); i += 2 {
		u, err := DecodeUint(v.Bytes[i:i+2], v.Order)
		if err != nil {
			return "", err
		}
		units = append(units, uint16(u))
	}
	return string(utf16.Decode(units)), nil
}

func decodeUTF32(v target.RawValue) (string, error) {
	size, err := elemSize(v)
	if err != nil {
		return "", err
	}
	if size != 4 {
		return "", fmt.Errorf("array %q: utf-32 needs 4-byte elements, have %d", v.Expr, size)
	}
	runes := make([]rune, 0, len(v.Bytes)/4)
	for i := 0; i+4 <= len(v.Bytes); i += 4 {
		u, err := DecodeUint(v.Bytes[i:i+4], v.Order)
		if err != nil {
			return "", err
		}
		runes = append(runes, rune(uint32(u)))
	}
	return string(runes), nil
}
