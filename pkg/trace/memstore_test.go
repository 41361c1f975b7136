package trace

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestTrace(t *testing.T) (*MemTrace, Transaction) {
	t.Helper()
	store := NewMemStore("test store")
	tr, err := store.CreateTrace("test", "x86:LE:64:default", "gcc")
	require.NoError(t, err)
	mt := tr.(*MemTrace)
	tx, err := mt.StartTx("test", false)
	require.NoError(t, err)
	return mt, tx
}

func TestMutationRequiresTransaction(t *testing.T) {
	store := NewMemStore("test store")
	tr, err := store.CreateTrace("test", "x86:LE:64:default", "gcc")
	require.NoError(t, err)

	err = tr.SetObjectValue("Processes[1]", "State", StringValue("STOPPED"), SchemaString)
	require.Error(t, err)
	_, err = tr.InsertObject("Processes[1]")
	require.Error(t, err)
	err = tr.DeleteBytes(AddrRange{Space: "ram", Offset: 0, Length: 16})
	require.Error(t, err)

	n, err := tr.PutBytes(Address{Space: "ram"}, []byte{1}).Wait(context.Background())
	require.Error(t, err)
	assert.Zero(t, n)
}

func TestOnlyOneTransaction(t *testing.T) {
	mt, tx := newTestTrace(t)
	_, err := mt.StartTx("second", false)
	require.Error(t, err)
	require.NoError(t, tx.Commit())
	// Closing the first transaction frees the slot.
	tx2, err := mt.StartTx("third", false)
	require.NoError(t, err)
	require.NoError(t, tx2.Commit())
	// A closed transaction cannot be closed again.
	require.Error(t, tx2.Commit())
}

func TestValueSpansAcrossSnapshots(t *testing.T) {
	mt, _ := newTestTrace(t)

	require.NoError(t, mt.SetObjectValue("Processes[1]", "State", StringValue("STOPPED"), SchemaString))
	_, err := mt.Snapshot("step")
	require.NoError(t, err)
	require.NoError(t, mt.SetObjectValue("Processes[1]", "State", StringValue("RUNNING"), SchemaString))

	v, ok := mt.ValueAt(0, "Processes[1]", "State")
	require.True(t, ok)
	assert.Equal(t, "STOPPED", v.Str)

	v, ok = mt.CurrentValue("Processes[1]", "State")
	require.True(t, ok)
	assert.Equal(t, "RUNNING", v.Str)
}

func TestRemoveObjectPreservesHistory(t *testing.T) {
	mt, _ := newTestTrace(t)

	_, err := mt.InsertObject("Processes[1].Threads[2]")
	require.NoError(t, err)
	_, err = mt.Snapshot("before exit")
	require.NoError(t, err)
	require.NoError(t, mt.RemoveObject("Processes[1].Threads[2]"))

	_, ok := mt.CurrentValue("Processes[1].Threads", "[2]")
	assert.False(t, ok)
	v, ok := mt.ValueAt(0, "Processes[1].Threads", "[2]")
	require.True(t, ok)
	assert.Equal(t, "Processes[1].Threads[2]", v.Object)
}

func TestInsertMaterializesAncestry(t *testing.T) {
	mt, _ := newTestTrace(t)

	_, err := mt.InsertObject("Processes[1].Threads[2].Stack[0]")
	require.NoError(t, err)

	v, ok := mt.CurrentValue("", "Processes")
	require.True(t, ok)
	assert.Equal(t, "Processes", v.Object)
	v, ok = mt.CurrentValue("Processes[1].Threads[2]", "Stack")
	require.True(t, ok)
	assert.Equal(t, "Processes[1].Threads[2].Stack", v.Object)
}

func TestRetainValuesKinds(t *testing.T) {
	mt, _ := newTestTrace(t)
	const p = "Processes[1].Threads"

	require.NoError(t, mt.SetObjectValue(p, "[1]", ObjectValue(p+"[1]"), SchemaObject))
	require.NoError(t, mt.SetObjectValue(p, "[2]", ObjectValue(p+"[2]"), SchemaObject))
	require.NoError(t, mt.SetObjectValue(p, "Count", IntValue(2), SchemaInt))

	// Element retention voids exactly the unlisted element keys.
	require.NoError(t, mt.RetainObjectValues(p, []string{"[1]"}, RetainElements))
	_, ok := mt.CurrentValue(p, "[1]")
	assert.True(t, ok)
	_, ok = mt.CurrentValue(p, "[2]")
	assert.False(t, ok)
	_, ok = mt.CurrentValue(p, "Count")
	assert.True(t, ok)

	// Attribute retention leaves elements alone.
	require.NoError(t, mt.RetainObjectValues(p, nil, RetainAttributes))
	_, ok = mt.CurrentValue(p, "[1]")
	assert.True(t, ok)
	_, ok = mt.CurrentValue(p, "Count")
	assert.False(t, ok)

	// Both prunes everything unlisted.
	require.NoError(t, mt.RetainObjectValues(p, nil, RetainBoth))
	_, ok = mt.CurrentValue(p, "[1]")
	assert.False(t, ok)
}

func TestGetValuesPatterns(t *testing.T) {
	mt, _ := newTestTrace(t)
	ctx := context.Background()

	_, err := mt.InsertObject("Processes[1].Threads[1]")
	require.NoError(t, err)
	_, err = mt.InsertObject("Processes[1].Threads[2]")
	require.NoError(t, err)
	require.NoError(t, mt.SetObjectValue("Processes[1].Threads[1]", "TID", LongValue(1), SchemaLong))
	require.NoError(t, mt.SetObjectValue("Processes[1].Threads[1]", "Name", StringValue("main"), SchemaString))

	rows, err := mt.GetValues(ctx, "Processes[1].Threads[]")
	require.NoError(t, err)
	assert.Len(t, rows, 2)

	// Trailing dot matches any attribute of the prefix.
	rows, err = mt.GetValues(ctx, "Processes[1].Threads[1].")
	require.NoError(t, err)
	assert.Len(t, rows, 2)

	rows, err = mt.GetValues(ctx, "Processes[1].Threads[1].TID")
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, int64(1), rows[0].Value.Int)
}

func TestGetValuesIntersecting(t *testing.T) {
	mt, _ := newTestTrace(t)
	ctx := context.Background()

	pc := Address{Space: "ram", Offset: 0x401000}
	require.NoError(t, mt.SetObjectValue("Stack[0]", "PC", AddressValue(pc), SchemaAddress))
	require.NoError(t, mt.SetObjectValue("Memory[00400000]", "Range",
		RangeValue(AddrRange{Space: "ram", Offset: 0x400000, Length: 0x2000}), SchemaRange))
	require.NoError(t, mt.SetObjectValue("Stack[0]", "Function", StringValue("main"), SchemaString))

	rows, err := mt.GetValuesIntersecting(ctx, AddrRange{Space: "ram", Offset: 0x401000, Length: 1})
	require.NoError(t, err)
	assert.Len(t, rows, 2)

	rows, err = mt.GetValuesIntersecting(ctx, AddrRange{Space: "ram", Offset: 0x500000, Length: 1})
	require.NoError(t, err)
	assert.Empty(t, rows)
}

func TestOverlayDeclarations(t *testing.T) {
	mt, _ := newTestTrace(t)

	require.NoError(t, mt.CreateOverlaySpace("ram", "ram7"))
	require.NoError(t, mt.CreateOverlaySpace("ram", "ram7"))
	assert.Equal(t, 1, mt.OverlayCount())

	err := mt.CreateOverlaySpace("register", "ram7")
	require.Error(t, err)
}

func TestPutBytesRoundTrip(t *testing.T) {
	mt, _ := newTestTrace(t)
	addr := Address{Space: "ram", Offset: 0x1000}

	// Large enough to take the compressed path.
	data := bytes.Repeat([]byte{0xab, 0xcd}, 200)
	n, err := mt.PutBytes(addr, data).Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, len(data), n)

	back, err := mt.BytesAt(addr, len(data))
	require.NoError(t, err)
	assert.Equal(t, data, back)
	assert.Equal(t, MemoryKnown, mt.StateAt(addr))

	require.NoError(t, mt.DeleteBytes(addr.Extend(uint64(len(data)))))
	back, err = mt.BytesAt(addr, 4)
	require.NoError(t, err)
	assert.Equal(t, []byte{0, 0, 0, 0}, back)
	assert.Equal(t, MemoryUnknown, mt.StateAt(addr))
}

func TestBatchDefersFutures(t *testing.T) {
	mt, _ := newTestTrace(t)
	addr := Address{Space: "ram", Offset: 0x1000}

	mt.StartBatch()
	fut := mt.PutBytes(addr, []byte{1, 2, 3, 4})
	assert.False(t, fut.Done())

	mt.StartBatch()
	regFut := mt.PutRegisters("regspace", []RegisterValue{{Name: "pc", Data: []byte{0, 1}}})
	require.NoError(t, mt.EndBatch())
	// Still one batch level open.
	assert.False(t, regFut.Done())

	require.NoError(t, mt.EndBatch())
	require.True(t, fut.Done())
	n, err := fut.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 4, n)
	require.True(t, regFut.Done())
}

func TestRegisters(t *testing.T) {
	mt, _ := newTestTrace(t)

	_, err := mt.PutRegisters("space", []RegisterValue{
		{Name: "pc", Data: []byte{0x00, 0x40, 0x10, 0x00}},
		{Name: "sp", Data: []byte{0x7f, 0xff, 0x00, 0x00}},
	}).Wait(context.Background())
	require.NoError(t, err)

	data, ok := mt.RegisterAt("space", "pc")
	require.True(t, ok)
	assert.Equal(t, []byte{0x00, 0x40, 0x10, 0x00}, data)

	require.NoError(t, mt.DeleteRegisters("space", []string{"pc"}))
	_, ok = mt.RegisterAt("space", "pc")
	assert.False(t, ok)
	_, ok = mt.RegisterAt("space", "sp")
	assert.True(t, ok)
}

func TestSnapshotMonotonic(t *testing.T) {
	mt, _ := newTestTrace(t)

	snap, err := mt.Snapshot("one")
	require.NoError(t, err)
	assert.Equal(t, int64(1), snap)

	snap, err = mt.SnapshotAt(5, "jump")
	require.NoError(t, err)
	assert.Equal(t, int64(5), snap)
	assert.Equal(t, int64(5), mt.Snap())

	_, err = mt.SnapshotAt(3, "rewind")
	require.Error(t, err)
}

func TestDisassembleCoversKnownBytes(t *testing.T) {
	mt, _ := newTestTrace(t)
	addr := Address{Space: "ram", Offset: 0x2000}

	_, err := mt.PutBytes(addr, make([]byte, 64)).Wait(context.Background())
	require.NoError(t, err)

	n, err := mt.Disassemble(context.Background(), addr)
	require.NoError(t, err)
	assert.Equal(t, 64, n)

	n, err = mt.Disassemble(context.Background(), Address{Space: "ram", Offset: 0x9000})
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestSplitJoinPath(t *testing.T) {
	parent, key := SplitPath("Processes[7].Threads[3]")
	assert.Equal(t, "Processes[7].Threads", parent)
	assert.Equal(t, "[3]", key)

	parent, key = SplitPath("Processes[7].Environment")
	assert.Equal(t, "Processes[7]", parent)
	assert.Equal(t, "Environment", key)

	parent, key = SplitPath("Processes")
	assert.Equal(t, "", parent)
	assert.Equal(t, "Processes", key)

	assert.Equal(t, "Processes[7].Threads[3]", JoinPath("Processes[7].Threads", "[3]"))
	assert.Equal(t, "Processes[7].Environment", JoinPath("Processes[7]", "Environment"))
	assert.Equal(t, "Processes", JoinPath("", "Processes"))
}
