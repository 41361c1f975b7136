package syncer

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/willibrandon/tracemir/pkg/codec"
	"github.com/willibrandon/tracemir/pkg/path"
	"github.com/willibrandon/tracemir/pkg/session"
	"github.com/willibrandon/tracemir/pkg/target"
	"github.com/willibrandon/tracemir/pkg/trace"
)

func newSync(t *testing.T) (*Syncer, *target.ScriptedTarget, *trace.MemTrace) {
	t.Helper()
	tgt := target.NewScriptedTarget(7)
	tgt.Exec = "demo"
	sess := session.New(session.MemConnector{Name: "test store"}, tgt, "<context/>")
	require.NoError(t, sess.Connect("localhost:15432"))
	require.NoError(t, sess.Start(""))
	tr, err := sess.RequireTrace()
	require.NoError(t, err)
	return New(sess), tgt, tr.(*trace.MemTrace)
}

// inTx opens a transaction around fn.
func inTx(t *testing.T, sy *Syncer, fn func()) {
	t.Helper()
	require.NoError(t, sy.Session().TxStart("test"))
	fn()
	require.NoError(t, sy.Session().TxCommit())
}

func TestQuantizePages(t *testing.T) {
	start, end := QuantizePages(4100, 8300)
	assert.Equal(t, uint64(4096), start)
	assert.Equal(t, uint64(12288), end)

	start, end = QuantizePages(4096, 8192)
	assert.Equal(t, uint64(4096), start)
	assert.Equal(t, uint64(8192), end)

	start, end = QuantizePages(1, 2)
	assert.Equal(t, uint64(0), start)
	assert.Equal(t, uint64(4096), end)
}

func TestWatchpointKinds(t *testing.T) {
	assert.Equal(t, "READ", watchpointKinds("Watchpoint 1: addr = 0x10 size = 4 state = enabled type = r"))
	assert.Equal(t, "READ,WRITE", watchpointKinds("Watchpoint 1: type = rw"))
	assert.Equal(t, "WRITE", watchpointKinds("Watchpoint 1: type = w"))
	assert.Equal(t, "WRITE", watchpointKinds("no type here"))
}

func TestPutRequiresTransaction(t *testing.T) {
	sy, _, _ := newSync(t)
	assert.ErrorIs(t, sy.PutProcesses(), session.ErrNoTransaction)
	assert.ErrorIs(t, sy.PutThreads(), session.ErrNoTransaction)
	_, _, err := sy.PutMem(context.Background(), "0x1000", "16", true)
	assert.ErrorIs(t, err, session.ErrNoTransaction)
}

func TestPutProcesses(t *testing.T) {
	sy, _, mt := newSync(t)
	inTx(t, sy, func() {
		require.NoError(t, sy.PutProcesses())
	})

	v, ok := mt.CurrentValue(path.Processes, path.ProcessKey(7))
	require.True(t, ok)
	assert.Equal(t, "Processes[7]", v.Object)
	v, ok = mt.CurrentValue(path.Process(7), "State")
	require.True(t, ok)
	assert.Equal(t, "STOPPED", v.Str)
}

func TestPutAvailable(t *testing.T) {
	sy, tgt, mt := newSync(t)
	tgt.Procs = []target.AvailableProcess{
		{PID: 1, Name: "init"},
		{PID: 42, Name: "demo"},
	}
	inTx(t, sy, func() {
		require.NoError(t, sy.PutAvailable())
	})

	v, ok := mt.CurrentValue(path.Available(42), "_display")
	require.True(t, ok)
	assert.Equal(t, "42 demo", v.Str)

	// A vanished process is pruned on the next pass.
	tgt.Procs = tgt.Procs[:1]
	inTx(t, sy, func() {
		require.NoError(t, sy.PutAvailable())
	})
	_, ok = mt.CurrentValue(path.Availables, "[42]")
	assert.False(t, ok)
	_, ok = mt.CurrentValue(path.Availables, "[1]")
	assert.True(t, ok)
}

func TestPutEnvironment(t *testing.T) {
	sy, _, mt := newSync(t)
	inTx(t, sy, func() {
		require.NoError(t, sy.PutEnvironment())
	})

	for key, want := range map[string]string{
		"Debugger": "scripted",
		"Arch":     "x86_64",
		"OS":       "linux",
		"Endian":   "little",
	} {
		v, ok := mt.CurrentValue(path.Environment(7), key)
		require.True(t, ok, key)
		assert.Equal(t, want, v.Str, key)
	}
}

func TestPutThreadsPrunesExited(t *testing.T) {
	sy, tgt, mt := newSync(t)
	tgt.ThreadList = []target.Thread{
		{TID: 1, Name: "one", Description: "thread 1"},
		{TID: 2, Name: "two", Description: "thread 2"},
	}
	inTx(t, sy, func() {
		require.NoError(t, sy.PutThreads())
	})
	_, ok := mt.CurrentValue(path.Threads(7), "[1]")
	assert.True(t, ok)
	_, ok = mt.CurrentValue(path.Threads(7), "[2]")
	assert.True(t, ok)

	require.NoError(t, sy.Session().TxStart("snap"))
	_, err := sy.Session().NewSnap("thread exits")
	require.NoError(t, err)
	require.NoError(t, sy.Session().TxCommit())

	tgt.ThreadList = tgt.ThreadList[:1]
	inTx(t, sy, func() {
		require.NoError(t, sy.PutThreads())
	})

	// Pruned from the current snapshot, preserved in history.
	_, ok = mt.CurrentValue(path.Threads(7), "[2]")
	assert.False(t, ok)
	_, ok = mt.ValueAt(0, path.Threads(7), "[2]")
	assert.True(t, ok)
	_, ok = mt.CurrentValue(path.Threads(7), "[1]")
	assert.True(t, ok)
}

func TestPutThreadsShortDisplayRadix(t *testing.T) {
	sy, tgt, mt := newSync(t)
	tgt.ThreadList = []target.Thread{{TID: 26, Description: "t"}}
	tgt.Radix = 16
	inTx(t, sy, func() {
		require.NoError(t, sy.PutThreads())
	})
	v, ok := mt.CurrentValue(path.Thread(7, 26), "_short_display")
	require.True(t, ok)
	assert.Equal(t, "[7.26:0x1a]", v.Str)
}

func TestPutFrames(t *testing.T) {
	sy, tgt, mt := newSync(t)
	tgt.ThreadList = []target.Thread{{TID: 1}}
	tgt.Selected = 0
	tgt.FrameList = []target.Frame{
		{Level: 0, PC: 0x401000, Function: "main", Description: "#0"},
		{Level: 1, PC: 0x400500, Function: "start", Description: "#1"},
	}
	inTx(t, sy, func() {
		require.NoError(t, sy.PutFrames())
	})

	v, ok := mt.CurrentValue(path.Frame(7, 1, 0), "PC")
	require.True(t, ok)
	assert.Equal(t, "ram", v.Addr.Space)
	assert.Equal(t, uint64(0x401000), v.Addr.Offset)

	// Each frame carries an empty register container.
	_, ok = mt.CurrentValue(path.Frame(7, 1, 1), "Registers")
	assert.True(t, ok)

	// Fewer frames on the next pass prune the deep ones.
	tgt.FrameList = tgt.FrameList[:1]
	inTx(t, sy, func() {
		require.NoError(t, sy.PutFrames())
	})
	_, ok = mt.CurrentValue(path.Stack(7, 1), "[1]")
	assert.False(t, ok)
}

func TestPutRegionsFallsBackToFullSpace(t *testing.T) {
	sy, tgt, mt := newSync(t)
	tgt.ThreadList = []target.Thread{{TID: 1}}
	tgt.Selected = 0
	tgt.RegionsOK = false
	inTx(t, sy, func() {
		require.NoError(t, sy.PutRegions())
	})
	_, ok := mt.CurrentValue(path.Memory(7), path.RegionKey(0))
	assert.True(t, ok)
}

func TestPutRegionsRecordsPermissions(t *testing.T) {
	sy, tgt, mt := newSync(t)
	tgt.RegionsOK = true
	tgt.RegionList = []target.Region{
		{Start: 0x400000, End: 0x402000, Perms: "r-x", HasPerms: true, ObjFile: "/bin/demo"},
	}
	inTx(t, sy, func() {
		require.NoError(t, sy.PutRegions())
	})

	regPath := path.Region(7, 0x400000)
	v, ok := mt.CurrentValue(regPath, "Range")
	require.True(t, ok)
	assert.Equal(t, uint64(0x400000), v.Range.Offset)
	assert.Equal(t, uint64(0x2000), v.Range.Length)

	v, ok = mt.CurrentValue(regPath, "_writable")
	require.True(t, ok)
	assert.False(t, v.Bool)
	v, ok = mt.CurrentValue(regPath, "_executable")
	require.True(t, ok)
	assert.True(t, v.Bool)
}

func TestPutModulesWithSections(t *testing.T) {
	sy, tgt, mt := newSync(t)
	tgt.ModuleList = []target.Module{
		{
			Key: "/bin/demo", Name: "demo", Base: 0x400000, Max: 0x403fff,
			Sections: []target.Section{
				{Name: ".text", Start: 0x401000, End: 0x401fff},
				{Name: ".data", Start: 0x402000, End: 0x402fff},
			},
		},
	}
	inTx(t, sy, func() {
		require.NoError(t, sy.PutModules())
	})

	v, ok := mt.CurrentValue(path.Module(7, "/bin/demo"), "Name")
	require.True(t, ok)
	assert.Equal(t, "demo", v.Str)
	_, ok = mt.CurrentValue(path.Sections(7, "/bin/demo"), "[.text]")
	assert.True(t, ok)

	// Dropping a section prunes it without touching its sibling.
	tgt.ModuleList[0].Sections = tgt.ModuleList[0].Sections[:1]
	inTx(t, sy, func() {
		require.NoError(t, sy.PutModules())
	})
	_, ok = mt.CurrentValue(path.Sections(7, "/bin/demo"), "[.data]")
	assert.False(t, ok)
	_, ok = mt.CurrentValue(path.Sections(7, "/bin/demo"), "[.text]")
	assert.True(t, ok)
}

func TestPutBreakpointsNestedLocations(t *testing.T) {
	sy, tgt, mt := newSync(t)
	tgt.BreakList = []target.Breakpoint{
		{
			Num: 1, Description: "main", Enabled: true, HitCount: 3,
			Locations: []target.BreakpointLocation{
				{Addr: 0x401000, Valid: true, Enabled: true},
				{Addr: 0x401800, Valid: true, Enabled: false},
			},
		},
		{Num: 2, Description: "helper", Hardware: true, Enabled: true},
	}
	inTx(t, sy, func() {
		require.NoError(t, sy.PutBreakpoints())
	})

	v, ok := mt.CurrentValue(path.Breakpoint(7, 1), "Kinds")
	require.True(t, ok)
	assert.Equal(t, "SW_EXECUTE", v.Str)
	v, ok = mt.CurrentValue(path.Breakpoint(7, 2), "Kinds")
	require.True(t, ok)
	assert.Equal(t, "HW_EXECUTE", v.Str)

	// Locations are keyed 1-based under the breakpoint itself.
	v, ok = mt.CurrentValue(path.BreakpointLocation(7, 1, 1), "Range")
	require.True(t, ok)
	assert.Equal(t, uint64(0x401000), v.Range.Offset)
	assert.Equal(t, uint64(1), v.Range.Length)
	v, ok = mt.CurrentValue(path.BreakpointLocation(7, 1, 2), "Enabled")
	require.True(t, ok)
	assert.False(t, v.Bool)

	// Clearing breakpoint 2 prunes it; the survivor keeps its locations.
	tgt.BreakList = tgt.BreakList[:1]
	inTx(t, sy, func() {
		require.NoError(t, sy.PutBreakpoints())
	})
	_, ok = mt.CurrentValue(path.Breakpoints(7), "[2]")
	assert.False(t, ok)
	_, ok = mt.CurrentValue(path.Breakpoint(7, 1), "[1]")
	assert.True(t, ok)
}

func TestPutWatchpoints(t *testing.T) {
	sy, tgt, mt := newSync(t)
	tgt.WatchList = []target.Watchpoint{
		{Num: 1, Description: "Watchpoint 1: type = rw", Addr: 0x601000, Size: 4, Enabled: true},
	}
	inTx(t, sy, func() {
		require.NoError(t, sy.PutWatchpoints())
	})

	v, ok := mt.CurrentValue(path.Watchpoint(7, 1), "Kinds")
	require.True(t, ok)
	assert.Equal(t, "READ,WRITE", v.Str)
	v, ok = mt.CurrentValue(path.Watchpoint(7, 1), "Range")
	require.True(t, ok)
	assert.Equal(t, uint64(0x601000), v.Range.Offset)
	assert.Equal(t, uint64(4), v.Range.Length)
}

func TestPutEventThread(t *testing.T) {
	sy, tgt, mt := newSync(t)
	tgt.ThreadList = []target.Thread{{TID: 5}}
	tgt.Selected = 0
	inTx(t, sy, func() {
		require.NoError(t, sy.PutEventThread())
	})
	v, ok := mt.CurrentValue("", "_event_thread")
	require.True(t, ok)
	assert.Equal(t, path.Thread(7, 5), v.Object)

	// No selection voids the annotation.
	tgt.Selected = -1
	inTx(t, sy, func() {
		require.NoError(t, sy.PutEventThread())
	})
	_, ok = mt.CurrentValue("", "_event_thread")
	assert.False(t, ok)
}

func TestRecordProcessState(t *testing.T) {
	sy, _, mt := newSync(t)
	require.NoError(t, sy.RecordProcessState(target.Process{PID: 7, Running: true}))
	v, ok := mt.CurrentValue(path.Process(7), "State")
	require.True(t, ok)
	assert.Equal(t, "RUNNING", v.Str)
}

func TestActivateExplicitAndDefault(t *testing.T) {
	sy, tgt, mt := newSync(t)

	require.NoError(t, sy.Activate("Processes[7]"))
	assert.Equal(t, "Processes[7]", mt.Activated())

	tgt.ThreadList = []target.Thread{{TID: 3}}
	tgt.Selected = 0
	tgt.FrameList = []target.Frame{{Level: 0, PC: 0x401000}}
	tgt.FrameSel = 0
	require.NoError(t, sy.Activate(""))
	assert.Equal(t, path.Frame(7, 3, 0), mt.Activated())
}

func TestPutMemQuantizesPages(t *testing.T) {
	sy, tgt, mt := newSync(t)
	tgt.SetMemory(4100, []byte{0xde, 0xad, 0xbe, 0xef})
	tgt.Exprs["myaddr"] = 4100

	var rng trace.AddrRange
	var n int
	inTx(t, sy, func() {
		var err error
		rng, n, err = sy.PutMem(context.Background(), "myaddr", "200", true)
		require.NoError(t, err)
	})

	assert.Equal(t, uint64(4096), rng.Offset)
	assert.Equal(t, uint64(4096), rng.Length)
	assert.Equal(t, 4096, n)

	back, err := mt.BytesAt(trace.Address{Space: "ram", Offset: 4100}, 4)
	require.NoError(t, err)
	assert.Equal(t, []byte{0xde, 0xad, 0xbe, 0xef}, back)
}

func TestPutMemExactWhenUnpaged(t *testing.T) {
	sy, tgt, _ := newSync(t)
	tgt.Exprs["a"] = 0x2000
	inTx(t, sy, func() {
		rng, n, err := sy.PutMem(context.Background(), "a", "16", false)
		require.NoError(t, err)
		assert.Equal(t, uint64(0x2000), rng.Offset)
		assert.Equal(t, uint64(16), rng.Length)
		assert.Equal(t, 16, n)
	})
}

func TestPutMemSkipsFailedRead(t *testing.T) {
	sy, tgt, mt := newSync(t)
	tgt.ReadErr = assert.AnError
	inTx(t, sy, func() {
		rng, n, err := sy.PutMem(context.Background(), "0x1000", "16", false)
		require.NoError(t, err)
		assert.Equal(t, uint64(0x1000), rng.Offset)
		assert.Zero(t, n)
	})
	assert.Equal(t, trace.MemoryUnknown, mt.StateAt(trace.Address{Space: "ram", Offset: 0x1000}))
}

func TestPutValRangeFromSize(t *testing.T) {
	sy, tgt, _ := newSync(t)
	tgt.Values["v"] = target.RawValue{
		Expr: "v", Addr: 0x2002, AddrValid: true,
		Bytes: []byte{1, 2, 3, 4}, Order: target.OrderLittle,
	}
	tgt.SetMemory(0x2002, []byte{1, 2, 3, 4})
	inTx(t, sy, func() {
		rng, n, err := sy.PutVal(context.Background(), "v", false)
		require.NoError(t, err)
		// The recorded range ends at the value's address plus its size.
		assert.Equal(t, uint64(0x2002), rng.Offset)
		assert.Equal(t, uint64(4), rng.Length)
		assert.Equal(t, 4, n)
	})

	inTx(t, sy, func() {
		_, _, err := sy.PutVal(context.Background(), "noaddr", false)
		assert.Error(t, err)
	})
}

func TestPutMemState(t *testing.T) {
	sy, tgt, mt := newSync(t)
	tgt.Exprs["bad"] = 0x3000
	inTx(t, sy, func() {
		rng, err := sy.PutMemState("bad", "8", trace.MemoryError, false)
		require.NoError(t, err)
		assert.Equal(t, uint64(8), rng.Length)
	})
	assert.Equal(t, trace.MemoryError, mt.StateAt(trace.Address{Space: "ram", Offset: 0x3000}))
}

func TestDelMemExactRange(t *testing.T) {
	sy, tgt, mt := newSync(t)
	tgt.SetMemory(0x1000, []byte{1, 2, 3, 4, 5, 6, 7, 8})
	inTx(t, sy, func() {
		_, _, err := sy.PutMem(context.Background(), "0x1000", "8", false)
		require.NoError(t, err)
		// Deletion does not quantize; the tail survives.
		require.NoError(t, sy.DelMem("0x1000", "4"))
	})
	assert.Equal(t, trace.MemoryUnknown, mt.StateAt(trace.Address{Space: "ram", Offset: 0x1000}))
	assert.Equal(t, trace.MemoryKnown, mt.StateAt(trace.Address{Space: "ram", Offset: 0x1004}))
}

func TestPutRegCanonicalizes(t *testing.T) {
	sy, tgt, mt := newSync(t)
	tgt.ThreadList = []target.Thread{{TID: 1}}
	tgt.Selected = 0
	tgt.FrameList = []target.Frame{{Level: 0, PC: 0x401000}}
	tgt.FrameSel = 0
	tgt.Banks = []target.RegisterBank{
		{
			Name: DefaultRegisterBank,
			Registers: []target.Register{
				{Name: "RIP", Render: "0x401000", Data: []byte{0x00, 0x10, 0x40, 0x00, 0, 0, 0, 0}, Order: target.OrderLittle},
			},
		},
	}
	inTx(t, sy, func() {
		require.NoError(t, sy.PutReg(DefaultRegisterBank))
	})

	space := path.Registers(7, 1, 0)
	data, ok := mt.RegisterAt(space, "rip")
	require.True(t, ok)
	assert.Equal(t, []byte{0, 0, 0, 0, 0x00, 0x40, 0x10, 0x00}, data)
	assert.Equal(t, 1, mt.OverlayCount())

	// The tree side carries a bank object with the human-readable rendering.
	bankPath := path.Bank(7, 1, 0, DefaultRegisterBank)
	_, err := mt.GetObject(context.Background(), bankPath)
	require.NoError(t, err)
	v, ok := mt.CurrentValue(bankPath, "RIP")
	require.True(t, ok)
	assert.Equal(t, "0x401000", v.Str)

	inTx(t, sy, func() {
		require.NoError(t, sy.DelReg(DefaultRegisterBank))
	})
	_, ok = mt.RegisterAt(space, "rip")
	assert.False(t, ok)
}

func TestGetValuesRng(t *testing.T) {
	sy, tgt, _ := newSync(t)
	tgt.ThreadList = []target.Thread{{TID: 1}}
	tgt.Selected = 0
	tgt.FrameList = []target.Frame{{Level: 0, PC: 0x401000}}
	inTx(t, sy, func() {
		require.NoError(t, sy.PutFrames())
	})

	tgt.Exprs["pcaddr"] = 0x401000
	rows, err := sy.GetValuesRng(context.Background(), "pcaddr", "1")
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "PC", rows[0].Key)

	tgt.Exprs["far"] = 0x900000
	rows, err = sy.GetValuesRng(context.Background(), "far", "1")
	require.NoError(t, err)
	assert.Empty(t, rows)
}

func TestDisassembleSeedsMemory(t *testing.T) {
	sy, tgt, _ := newSync(t)
	tgt.SetMemory(0x401000, []byte{0x90, 0x90, 0xc3})
	tgt.Exprs["$pc"] = 0x401000
	inTx(t, sy, func() {
		n, err := sy.Disassemble(context.Background(), "$pc")
		require.NoError(t, err)
		assert.Greater(t, n, 0)
	})
}

func TestWaitStopped(t *testing.T) {
	sy, tgt, _ := newSync(t)
	require.NoError(t, sy.WaitStopped(context.Background(), time.Second))

	tgt.Proc.Running = true
	err := sy.WaitStopped(context.Background(), 0)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "timed out")
}

func TestPutAll(t *testing.T) {
	sy, tgt, mt := newSync(t)
	tgt.ThreadList = []target.Thread{{TID: 1, Description: "main thread"}}
	tgt.Selected = 0
	tgt.FrameList = []target.Frame{{Level: 0, PC: 0x401000, Function: "main"}}
	tgt.FrameSel = 0
	tgt.Banks = []target.RegisterBank{
		{
			Name: DefaultRegisterBank,
			Registers: []target.Register{
				{Name: "RIP", Data: []byte{0, 0x10, 0x40, 0, 0, 0, 0, 0}, Order: target.OrderLittle},
			},
		},
	}
	tgt.Exprs["$pc"] = 0x401000
	tgt.Exprs["$sp"] = 0x7fff0000
	tgt.SetMemory(0x401000, []byte{0x90})

	inTx(t, sy, func() {
		require.NoError(t, sy.PutAll())
	})

	for _, p := range []string{
		path.Process(7),
		path.Environment(7),
		path.Thread(7, 1),
		path.Frame(7, 1, 0),
	} {
		_, err := mt.GetObject(context.Background(), p)
		assert.NoError(t, err, p)
	}
	back, err := mt.BytesAt(trace.Address{Space: "ram", Offset: 0x401000}, 1)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x90}, back)
	_, ok := mt.RegisterAt(path.Registers(7, 1, 0), "rip")
	assert.True(t, ok)
}

func TestSetValueAndRetain(t *testing.T) {
	sy, _, mt := newSync(t)
	inTx(t, sy, func() {
		_, err := sy.CreateObj("Custom[1]")
		require.NoError(t, err)
		require.NoError(t, sy.SetValue("Custom[1]", "Note", trace.StringValue("hi"), trace.SchemaString))
		require.NoError(t, sy.SetValue("Custom", "[2]", trace.ObjectValue("Custom[2]"), trace.SchemaObject))
		require.NoError(t, sy.RetainValues("Custom", []string{"[1]"}, trace.RetainElements))
	})

	v, ok := mt.CurrentValue("Custom[1]", "Note")
	require.True(t, ok)
	assert.Equal(t, "hi", v.Str)
	_, ok = mt.CurrentValue("Custom", "[2]")
	assert.False(t, ok)
	_, ok = mt.CurrentValue("Custom", "[1]")
	assert.True(t, ok)

	inTx(t, sy, func() {
		require.NoError(t, sy.RemoveObj("Custom[1]"))
	})
	_, ok = mt.CurrentValue("Custom", "[1]")
	assert.False(t, ok)
}

func TestPutThreadsUnchangedSetIsStable(t *testing.T) {
	sy, tgt, mt := newSync(t)
	tgt.ThreadList = []target.Thread{
		{TID: 1, Name: "one", Description: "thread 1"},
		{TID: 2, Name: "two", Description: "thread 2"},
	}
	inTx(t, sy, func() {
		require.NoError(t, sy.PutThreads())
	})

	type snapshot map[string]trace.Value
	capture := func() snapshot {
		got := make(snapshot)
		for _, tid := range []uint64{1, 2} {
			for _, key := range []string{"State", "Name", "TID", "_short_display", "_display"} {
				v, ok := mt.CurrentValue(path.Thread(7, tid), key)
				require.True(t, ok, "%d %s", tid, key)
				got[path.ThreadKey(tid)+key] = v
			}
		}
		return got
	}
	before := capture()

	require.NoError(t, sy.Session().TxStart("step"))
	_, err := sy.Session().NewSnap("step")
	require.NoError(t, err)
	require.NoError(t, sy.Session().TxCommit())

	// A second pass over the same live set changes nothing and prunes
	// nothing.
	inTx(t, sy, func() {
		require.NoError(t, sy.PutThreads())
	})
	assert.Equal(t, before, capture())
	_, ok := mt.CurrentValue(path.Threads(7), "[1]")
	assert.True(t, ok)
	_, ok = mt.CurrentValue(path.Threads(7), "[2]")
	assert.True(t, ok)
}

func TestSetValueExpr(t *testing.T) {
	sy, tgt, mt := newSync(t)
	tgt.Values["count"] = target.RawValue{
		Expr: "count", Kind: target.KindInt,
		Bytes: []byte{0x2a, 0, 0, 0}, Order: target.OrderLittle, Render: "42",
	}
	tgt.Values["ptr"] = target.RawValue{
		Expr: "ptr", Kind: target.KindPointer,
		Bytes: []byte{0x00, 0x10, 0x60, 0, 0, 0, 0, 0}, Order: target.OrderLittle,
	}
	tgt.Values["un"] = target.RawValue{
		Expr: "un", Kind: target.KindUnion, Render: "{...}",
	}

	inTx(t, sy, func() {
		_, err := sy.CreateObj("Custom[1]")
		require.NoError(t, err)
		require.NoError(t, sy.SetValueExpr("Custom[1]", "Count", "count", ""))
		require.NoError(t, sy.SetValueExpr("Custom[1]", "Target", "ptr", ""))
		require.NoError(t, sy.SetValueExpr("Custom", "[2]", "Custom[2]", trace.SchemaObject))

		err = sy.SetValueExpr("Custom[1]", "Bad", "un", "")
		var unconv *codec.UnconvertibleError
		require.ErrorAs(t, err, &unconv)
		assert.Equal(t, "un", unconv.Expr)

		err = sy.SetValueExpr("Custom[1]", "Gone", "missing", "")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "cannot evaluate")
	})

	v, ok := mt.CurrentValue("Custom[1]", "Count")
	require.True(t, ok)
	assert.Equal(t, int64(42), v.Int)
	v, ok = mt.CurrentValue("Custom[1]", "Target")
	require.True(t, ok)
	assert.Equal(t, "ram", v.Addr.Space)
	assert.Equal(t, uint64(0x601000), v.Addr.Offset)
	v, ok = mt.CurrentValue("Custom", "[2]")
	require.True(t, ok)
	assert.Equal(t, "Custom[2]", v.Object)
	_, ok = mt.CurrentValue("Custom[1]", "Bad")
	assert.False(t, ok)
}
