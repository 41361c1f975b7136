package target

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegionPermissions(t *testing.T) {
	r := Region{Perms: "r-x", HasPerms: true}
	assert.True(t, r.Readable())
	assert.False(t, r.Writable())
	assert.True(t, r.Executable())

	// Unknown permissions are treated as permissive.
	u := Region{}
	assert.True(t, u.Readable())
	assert.True(t, u.Writable())
	assert.True(t, u.Executable())
}

func TestProcessState(t *testing.T) {
	assert.Equal(t, "STOPPED", Process{PID: 1}.State())
	assert.Equal(t, "RUNNING", Process{PID: 1, Running: true}.State())
}

func TestParseRegHex(t *testing.T) {
	data, err := parseRegHex("0x401000")
	require.NoError(t, err)
	assert.Equal(t, []byte{0x40, 0x10, 0x00}, data)

	// Odd digit counts get a leading zero.
	data, err = parseRegHex("0xf01")
	require.NoError(t, err)
	assert.Equal(t, []byte{0x0f, 0x01}, data)

	_, err = parseRegHex("")
	assert.Error(t, err)
	_, err = parseRegHex("0xzz")
	assert.Error(t, err)
}

func TestDecodeBig(t *testing.T) {
	n, err := decodeBig([]byte{0x12, 0x34})
	require.NoError(t, err)
	assert.Equal(t, uint64(0x1234), n)

	// Payloads wider than 8 bytes keep the low-order tail.
	n, err = decodeBig([]byte{0xff, 0, 0, 0, 0, 0, 0, 0, 0, 0x01})
	require.NoError(t, err)
	assert.Equal(t, uint64(0x01), n)
}

func TestEncodeLittle(t *testing.T) {
	assert.Equal(t, []byte{0x00, 0x10, 0x40, 0x00}, encodeLittle(0x401000, 4))
	assert.Equal(t, []byte{0x2a}, encodeLittle(42, 1))
}

func TestParseIntRender(t *testing.T) {
	assert.Equal(t, uint64(255), parseIntRender("0xff"))
	assert.Equal(t, uint64(42), parseIntRender(" 42 "))
	assert.Equal(t, uint64(0xffffffffffffffff), parseIntRender("-1"))
	assert.Zero(t, parseIntRender("garbage"))
}

func TestScriptedReadMemoryFillsGaps(t *testing.T) {
	s := NewScriptedTarget(1)
	s.SetMemory(0x1002, []byte{0xaa, 0xbb})
	out, err := s.ReadMemory(0x1000, 6)
	require.NoError(t, err)
	assert.Equal(t, []byte{0, 0, 0xaa, 0xbb, 0, 0}, out)
}

func TestScriptedEvalAddress(t *testing.T) {
	s := NewScriptedTarget(1)
	s.Exprs["$pc"] = 0x401000

	n, err := s.EvalAddress("$pc")
	require.NoError(t, err)
	assert.Equal(t, uint64(0x401000), n)

	n, err = s.EvalAddress("0x20")
	require.NoError(t, err)
	assert.Equal(t, uint64(0x20), n)

	n, err = s.EvalAddress("32")
	require.NoError(t, err)
	assert.Equal(t, uint64(32), n)

	_, err = s.EvalAddress("main.go:10")
	assert.Error(t, err)
}

func TestScriptedConvenienceVariables(t *testing.T) {
	s := NewScriptedTarget(1)
	s.SetConvenienceVariable("tracing", "true")
	assert.Equal(t, "true", s.ConvenienceVariable("tracing"))
	assert.Empty(t, s.ConvenienceVariable("absent"))
}
