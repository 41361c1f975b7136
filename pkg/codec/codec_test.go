package codec

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/willibrandon/tracemir/pkg/addrmap"
	"github.com/willibrandon/tracemir/pkg/target"
	"github.com/willibrandon/tracemir/pkg/trace"
)

var flatMapper = addrmap.DefaultMemoryMapper{Space: "ram"}

func TestDecodeUint(t *testing.T) {
	v, err := DecodeUint([]byte{0x12, 0x34}, target.OrderBig)
	require.NoError(t, err)
	assert.Equal(t, uint64(0x1234), v)

	v, err = DecodeUint([]byte{0x12, 0x34}, target.OrderLittle)
	require.NoError(t, err)
	assert.Equal(t, uint64(0x3412), v)

	_, err = DecodeUint([]byte{1, 2, 3, 4, 5, 6, 7, 8, 9}, target.OrderBig)
	assert.Error(t, err)
}

func TestDecodeUintRejectsPDP(t *testing.T) {
	_, err := DecodeUint([]byte{1, 2}, target.OrderPDP)
	require.Error(t, err)
}

func TestRegBytesRoundTrip(t *testing.T) {
	little := []byte{0x78, 0x56, 0x34, 0x12}

	canonical, err := RegBytes(little, target.OrderLittle)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x12, 0x34, 0x56, 0x78}, canonical)

	back, err := SourceBytes(canonical, target.OrderLittle)
	require.NoError(t, err)
	assert.Equal(t, little, back)

	same, err := RegBytes(canonical, target.OrderBig)
	require.NoError(t, err)
	assert.Equal(t, canonical, same)

	_, err = RegBytes(little, target.OrderPDP)
	assert.Error(t, err)
}

func TestConvertScalars(t *testing.T) {
	tests := []struct {
		name   string
		raw    target.RawValue
		schema trace.Schema
		check  func(t *testing.T, v trace.Value)
	}{
		{
			name:   "void",
			raw:    target.RawValue{Kind: target.KindVoid},
			schema: trace.SchemaVoid,
			check:  func(t *testing.T, v trace.Value) { assert.Equal(t, trace.KindVoid, v.Kind) },
		},
		{
			name:   "bool true",
			raw:    target.RawValue{Kind: target.KindBool, Bytes: []byte{0, 1}, Order: target.OrderLittle},
			schema: trace.SchemaBool,
			check:  func(t *testing.T, v trace.Value) { assert.True(t, v.Bool) },
		},
		{
			name:   "printable char",
			raw:    target.RawValue{Kind: target.KindChar, Bytes: []byte{'A'}, Order: target.OrderLittle, Render: "'A'"},
			schema: trace.SchemaChar,
			check:  func(t *testing.T, v trace.Value) { assert.Equal(t, int64('A'), v.Int) },
		},
		{
			name:   "escaped char becomes byte",
			raw:    target.RawValue{Kind: target.KindChar, Bytes: []byte{0x7f}, Order: target.OrderLittle, Render: `'\x7f'`},
			schema: trace.SchemaByte,
			check:  func(t *testing.T, v trace.Value) { assert.Equal(t, int64(0x7f), v.Int) },
		},
		{
			name:   "short sign extends",
			raw:    target.RawValue{Kind: target.KindShort, Bytes: []byte{0xff, 0xff}, Order: target.OrderLittle},
			schema: trace.SchemaShort,
			check:  func(t *testing.T, v trace.Value) { assert.Equal(t, int64(-1), v.Int) },
		},
		{
			name:   "int",
			raw:    target.RawValue{Kind: target.KindInt, Bytes: []byte{0x2a, 0, 0, 0}, Order: target.OrderLittle},
			schema: trace.SchemaInt,
			check:  func(t *testing.T, v trace.Value) { assert.Equal(t, int64(42), v.Int) },
		},
		{
			name:   "long",
			raw:    target.RawValue{Kind: target.KindLong, Bytes: []byte{1, 0, 0, 0, 0, 0, 0, 0}, Order: target.OrderLittle},
			schema: trace.SchemaLong,
			check:  func(t *testing.T, v trace.Value) { assert.Equal(t, int64(1), v.Int) },
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := Convert(tt.raw, trace.SchemaNone, flatMapper, 1)
			require.NoError(t, err)
			assert.Equal(t, tt.schema, res.Schema)
			tt.check(t, res.Value)
		})
	}
}

func TestConvertFloatWidths(t *testing.T) {
	// 1.5 as float32 little-endian.
	res, err := Convert(target.RawValue{
		Kind: target.KindFloat, Bytes: []byte{0x00, 0x00, 0xc0, 0x3f}, Order: target.OrderLittle,
	}, trace.SchemaNone, flatMapper, 1)
	require.NoError(t, err)
	assert.Equal(t, trace.SchemaFloat, res.Schema)
	assert.InDelta(t, 1.5, res.Value.Float, 1e-9)

	// 2.25 as float64 little-endian.
	res, err = Convert(target.RawValue{
		Kind: target.KindFloat, Bytes: []byte{0, 0, 0, 0, 0, 0, 0x02, 0x40}, Order: target.OrderLittle,
	}, trace.SchemaNone, flatMapper, 1)
	require.NoError(t, err)
	assert.Equal(t, trace.SchemaDouble, res.Schema)
	assert.InDelta(t, 2.25, res.Value.Float, 1e-9)

	// Extended precision is unconvertible.
	_, err = Convert(target.RawValue{
		Kind: target.KindFloat, Bytes: make([]byte, 10), Order: target.OrderLittle, Expr: "ld",
	}, trace.SchemaNone, flatMapper, 1)
	var uce *UnconvertibleError
	require.ErrorAs(t, err, &uce)
	assert.Equal(t, "ld", uce.Expr)
}

func TestConvertPointerMapsAddress(t *testing.T) {
	mapper := addrmap.ProcessOverlayMapper{Base: "ram"}
	res, err := Convert(target.RawValue{
		Kind:  target.KindPointer,
		Bytes: []byte{0x00, 0x10, 0x40, 0, 0, 0, 0, 0},
		Order: target.OrderLittle,
	}, trace.SchemaNone, mapper, 7)
	require.NoError(t, err)
	assert.Equal(t, trace.SchemaAddress, res.Schema)
	assert.Equal(t, "ram", res.Base)
	assert.Equal(t, "ram7", res.Value.Addr.Space)
	assert.Equal(t, uint64(0x401000), res.Value.Addr.Offset)
}

func TestConvertConstStringUsesSummary(t *testing.T) {
	res, err := Convert(target.RawValue{
		Kind:     target.KindArray,
		TypeName: "const char[6]",
		Summary:  "hello",
		Bytes:    []byte("hello\x00"),
		ElemKind: target.KindChar,
		ElemSize: 1,
		Order:    target.OrderLittle,
	}, trace.SchemaNone, flatMapper, 1)
	require.NoError(t, err)
	assert.Equal(t, trace.SchemaString, res.Schema)
	assert.Equal(t, "hello", res.Value.Str)
}

func TestConvertCharArrayHints(t *testing.T) {
	raw := target.RawValue{
		Kind:     target.KindArray,
		TypeName: "char[3]",
		Bytes:    []byte("abc"),
		ElemKind: target.KindChar,
		ElemSize: 1,
		Order:    target.OrderLittle,
	}

	res, err := Convert(raw, trace.SchemaByteArr, flatMapper, 1)
	require.NoError(t, err)
	assert.Equal(t, trace.SchemaByteArr, res.Schema)
	assert.Equal(t, []byte("abc"), res.Value.Bytes)

	res, err = Convert(raw, trace.SchemaCharArr, flatMapper, 1)
	require.NoError(t, err)
	assert.Equal(t, trace.SchemaCharArr, res.Schema)
	assert.Equal(t, "abc", res.Value.Str)

	res, err = Convert(raw, trace.SchemaNone, flatMapper, 1)
	require.NoError(t, err)
	assert.Equal(t, trace.SchemaString, res.Schema)
	assert.Equal(t, "abc", res.Value.Str)
}

func TestConvertWideStrings(t *testing.T) {
	utf16le := []byte{'h', 0, 'i', 0}
	res, err := Convert(target.RawValue{
		Kind:     target.KindArray,
		Bytes:    utf16le,
		ElemKind: target.KindShort,
		ElemName: "wchar_t",
		ElemSize: 2,
		Order:    target.OrderLittle,
	}, trace.SchemaNone, flatMapper, 1)
	require.NoError(t, err)
	assert.Equal(t, trace.SchemaString, res.Schema)
	assert.Equal(t, "hi", res.Value.Str)

	utf32le := []byte{'o', 0, 0, 0, 'k', 0, 0, 0}
	res, err = Convert(target.RawValue{
		Kind:     target.KindArray,
		Bytes:    utf32le,
		ElemKind: target.KindInt,
		ElemName: "wchar_t",
		ElemSize: 4,
		Order:    target.OrderLittle,
	}, trace.SchemaNone, flatMapper, 1)
	require.NoError(t, err)
	assert.Equal(t, trace.SchemaString, res.Schema)
	assert.Equal(t, "ok", res.Value.Str)
}

func TestConvertIntArrays(t *testing.T) {
	raw := target.RawValue{
		Kind:     target.KindArray,
		Bytes:    []byte{1, 0, 2, 0},
		ElemKind: target.KindShort,
		ElemSize: 2,
		Order:    target.OrderLittle,
	}

	res, err := Convert(raw, trace.SchemaNone, flatMapper, 1)
	require.NoError(t, err)
	assert.Equal(t, trace.SchemaShortArr, res.Schema)
	assert.Equal(t, []int16{1, 2}, res.Value.Shorts)

	// An integer array hint overrides the inferred width.
	res, err = Convert(raw, trace.SchemaLongArr, flatMapper, 1)
	require.NoError(t, err)
	assert.Equal(t, trace.SchemaLongArr, res.Schema)
	assert.Equal(t, []int64{1, 2}, res.Value.Longs)
}

func TestConvertUnsupportedShape(t *testing.T) {
	_, err := Convert(target.RawValue{
		Kind: target.KindStruct, Expr: "s", Render: "{...}",
	}, trace.SchemaNone, flatMapper, 1)
	var uce *UnconvertibleError
	require.ErrorAs(t, err, &uce)
	assert.Contains(t, uce.Error(), "cannot convert")
}

func TestConvertDeterministic(t *testing.T) {
	raw := target.RawValue{
		Kind: target.KindInt, Bytes: []byte{5, 0, 0, 0}, Order: target.OrderLittle,
	}
	first, err := Convert(raw, trace.SchemaNone, flatMapper, 1)
	require.NoError(t, err)
	for i := 0; i < 10; i++ {
		again, err := Convert(raw, trace.SchemaNone, flatMapper, 1)
		require.NoError(t, err)
		assert.Equal(t, first, again)
	}
}
