// Package syncer incrementally mirrors the live target state into the trace
// tree. Each category routine enumerates live entities, writes their objects
// at canonical paths, and then retains only the keys produced in the pass,
// so entities that vanish between passes are pruned from the current
// snapshot onward without touching history.
package syncer

import (
	"fmt"
	"strings"
	"time"

	"github.com/willibrandon/tracemir/pkg/addrmap"
	"github.com/willibrandon/tracemir/pkg/path"
	"github.com/willibrandon/tracemir/pkg/session"
	"github.com/willibrandon/tracemir/pkg/target"
	"github.com/willibrandon/tracemir/pkg/trace"
)

// DefaultRegisterBank is the bank recorded by PutAll.
const DefaultRegisterBank = "General Purpose Registers"

// Syncer drives synchronization passes against the session's open trace.
type Syncer struct {
	sess *session.Session

	// PollInterval is how often WaitStopped re-checks the process state.
	PollInterval time.Duration

	// Batch submits each category pass as one batch of writes. Disabling it
	// applies every write individually, which is slower but easier to trace.
	Batch bool
}

// New returns a syncer bound to the session.
func New(sess *session.Session) *Syncer {
	return &Syncer{sess: sess, PollInterval: DefaultPollInterval, Batch: true}
}

// Session returns the owning session.
func (sy *Syncer) Session() *session.Session { return sy.sess }

// mapAndDeclare maps a native address and declares its overlay space when
// the mapped space differs from the base, so the following write can use it.
func (sy *Syncer) mapAndDeclare(tr trace.Trace, mm addrmap.MemoryMapper, pid int, offset uint64) (trace.Address, error) {
	base, addr := mm.Map(pid, offset)
	if base != addr.Space {
		if err := tr.CreateOverlaySpace(base, addr.Space); err != nil {
			return trace.Address{}, err
		}
	}
	return addr, nil
}

// batched opens a batch around fn so independent writes in one pass can be
// submitted together. With batching disabled fn's writes apply one by one.
func (sy *Syncer) batched(tr trace.Trace, fn func() error) error {
	if !sy.Batch {
		return fn()
	}
	tr.StartBatch()
	err := fn()
	if berr := tr.EndBatch(); err == nil {
		err = berr
	}
	return err
}

// PutProcesses records the process list under Processes and prunes entries
// for processes no longer inspected.
func (sy *Syncer) PutProcesses() error {
	tr, _, err := sy.sess.RequireTx()
	if err != nil {
		return err
	}
	return sy.batched(tr, func() error { return sy.putProcesses(tr) })
}

func (sy *Syncer) putProcesses(tr trace.Trace) error {
	proc, err := sy.sess.Target().Process()
	if err != nil {
		return err
	}
	var keys []string
	procObj := tr.CreateObject(path.Process(proc.PID))
	keys = append(keys, path.ProcessKey(proc.PID))
	if err := procObj.SetValue("State", trace.StringValue(proc.State()), trace.SchemaString); err != nil {
		return err
	}
	if _, err := procObj.Insert(); err != nil {
		return err
	}
	objectsWritten.Inc()
	retainCalls.Inc()
	return tr.ProxyObject(path.Processes).RetainValues(keys, trace.RetainElements)
}

// RecordProcessState writes the process run state inside its own scoped
// transaction, for use from stop/resume notifications.
func (sy *Syncer) RecordProcessState(proc target.Process) error {
	tr, err := sy.sess.RequireTrace()
	if err != nil {
		return err
	}
	return sy.sess.WithTx("State", func() error {
		return sy.batched(tr, func() error {
			procObj := tr.CreateObject(path.Process(proc.PID))
			if err := procObj.SetValue("State", trace.StringValue(proc.State()), trace.SchemaString); err != nil {
				return err
			}
			_, err := procObj.Insert()
			return err
		})
	})
}

// PutAvailable records the attachable process list under Available.
func (sy *Syncer) PutAvailable() error {
	tr, _, err := sy.sess.RequireTx()
	if err != nil {
		return err
	}
	return sy.batched(tr, func() error { return sy.putAvailable(tr) })
}

func (sy *Syncer) putAvailable(tr trace.Trace) error {
	procs, err := sy.sess.Target().Available()
	if err != nil {
		return err
	}
	var keys []string
	for _, p := range procs {
		procObj := tr.CreateObject(path.Available(p.PID))
		keys = append(keys, path.AvailableKey(p.PID))
		if err := procObj.SetValue("PID", trace.LongValue(int64(p.PID)), trace.SchemaLong); err != nil {
			return err
		}
		display := fmt.Sprintf("%d %s", p.PID, p.Name)
		if err := procObj.SetValue("_display", trace.StringValue(display), trace.SchemaString); err != nil {
			return err
		}
		if _, err := procObj.Insert(); err != nil {
			return err
		}
		objectsWritten.Inc()
	}
	retainCalls.Inc()
	return tr.ProxyObject(path.Availables).RetainValues(keys, trace.RetainElements)
}

// PutEnvironment records platform identification under the process's
// Environment object.
func (sy *Syncer) PutEnvironment() error {
	tr, _, err := sy.sess.RequireTx()
	if err != nil {
		return err
	}
	return sy.batched(tr, func() error { return sy.putEnvironment(tr) })
}

func (sy *Syncer) putEnvironment(tr trace.Trace) error {
	tgt := sy.sess.Target()
	proc, err := tgt.Process()
	if err != nil {
		return err
	}
	env, err := tgt.Environment()
	if err != nil {
		return err
	}
	envObj := tr.CreateObject(path.Environment(proc.PID))
	for _, kv := range []struct{ key, val string }{
		{"Debugger", env.Debugger},
		{"Arch", env.Arch},
		{"OS", env.OS},
		{"Endian", env.Endian()},
	} {
		if err := envObj.SetValue(kv.key, trace.StringValue(kv.val), trace.SchemaString); err != nil {
			return err
		}
	}
	if _, err := envObj.Insert(); err != nil {
		return err
	}
	objectsWritten.Inc()
	return nil
}

// PutRegions records the memory map under the process's Memory container.
// When the host cannot enumerate regions, a single full-address-space region
// is substituted so memory is never left unmapped while a thread is
// selected.
func (sy *Syncer) PutRegions() error {
	tr, _, err := sy.sess.RequireTx()
	if err != nil {
		return err
	}
	return sy.batched(tr, func() error { return sy.putRegions(tr) })
}

func (sy *Syncer) putRegions(tr trace.Trace) error {
	tgt := sy.sess.Target()
	proc, err := tgt.Process()
	if err != nil {
		return err
	}
	mm, err := sy.sess.MemMapper()
	if err != nil {
		return err
	}
	var regions []target.Region
	if tgt.CanQueryRegions() {
		regions, err = tgt.Regions()
		if err != nil {
			regions = nil
		}
	}
	if len(regions) == 0 {
		if _, ok, err := tgt.SelectedThread(); err == nil && ok {
			regions = []target.Region{tgt.FullMemRegion()}
		}
	}
	var keys []string
	for _, r := range regions {
		regObj := tr.CreateObject(path.Region(proc.PID, r.Start))
		keys = append(keys, path.RegionKey(r.Start))
		addr, err := sy.mapAndDeclare(tr, mm, proc.PID, r.Start)
		if err != nil {
			return err
		}
		if err := regObj.SetValue("Range", trace.RangeValue(addr.Extend(r.End-r.Start)), trace.SchemaRange); err != nil {
			return err
		}
		if r.HasPerms {
			if err := regObj.SetValue("Permissions", trace.StringValue(r.Perms), trace.SchemaString); err != nil {
				return err
			}
		}
		for _, kv := range []struct {
			key string
			val bool
		}{
			{"_readable", r.Readable()},
			{"_writable", r.Writable()},
			{"_executable", r.Executable()},
		} {
			if err := regObj.SetValue(kv.key, trace.BoolValue(kv.val), trace.SchemaBool); err != nil {
				return err
			}
		}
		if err := regObj.SetValue("Offset", trace.StringValue(fmt.Sprintf("0x%x", r.Offset)), trace.SchemaString); err != nil {
			return err
		}
		if err := regObj.SetValue("Object File", trace.StringValue(r.ObjFile), trace.SchemaString); err != nil {
			return err
		}
		if _, err := regObj.Insert(); err != nil {
			return err
		}
		objectsWritten.Inc()
	}
	retainCalls.Inc()
	return tr.ProxyObject(path.Memory(proc.PID)).RetainValues(keys, trace.RetainElements)
}

// PutModules records loaded modules and their sections, pruning unloaded
// ones.
func (sy *Syncer) PutModules() error {
	tr, _, err := sy.sess.RequireTx()
	if err != nil {
		return err
	}
	return sy.batched(tr, func() error { return sy.putModules(tr) })
}

func (sy *Syncer) putModules(tr trace.Trace) error {
	tgt := sy.sess.Target()
	proc, err := tgt.Process()
	if err != nil {
		return err
	}
	mm, err := sy.sess.MemMapper()
	if err != nil {
		return err
	}
	modules, err := tgt.Modules()
	if err != nil {
		return err
	}
	var modKeys []string
	for _, m := range modules {
		modObj := tr.CreateObject(path.Module(proc.PID, m.Key))
		modKeys = append(modKeys, path.ModuleKey(m.Key))
		if err := modObj.SetValue("Name", trace.StringValue(m.Name), trace.SchemaString); err != nil {
			return err
		}
		baseAddr, err := sy.mapAndDeclare(tr, mm, proc.PID, m.Base)
		if err != nil {
			return err
		}
		if m.Max > m.Base {
			if err := modObj.SetValue("Range", trace.RangeValue(baseAddr.Extend(m.Max-m.Base+1)), trace.SchemaRange); err != nil {
				return err
			}
		}
		var secKeys []string
		for _, sec := range m.Sections {
			secObj := tr.CreateObject(path.Section(proc.PID, m.Key, sec.Name))
			secKeys = append(secKeys, path.SectionKey(sec.Name))
			secAddr, err := sy.mapAndDeclare(tr, mm, proc.PID, sec.Start)
			if err != nil {
				return err
			}
			if err := secObj.SetValue("Range", trace.RangeValue(secAddr.Extend(sec.End-sec.Start+1)), trace.SchemaRange); err != nil {
				return err
			}
			if err := secObj.SetValue("Offset", trace.StringValue(fmt.Sprintf("0x%x", sec.Offset)), trace.SchemaString); err != nil {
				return err
			}
			if err := secObj.SetValue("Attrs", trace.StringValue(sec.Attrs), trace.SchemaString); err != nil {
				return err
			}
			if _, err := secObj.Insert(); err != nil {
				return err
			}
			objectsWritten.Inc()
		}
		// A module with no sections still gets inserted.
		if _, err := modObj.Insert(); err != nil {
			return err
		}
		objectsWritten.Inc()
		retainCalls.Inc()
		if err := tr.ProxyObject(path.Sections(proc.PID, m.Key)).RetainValues(secKeys, trace.RetainElements); err != nil {
			return err
		}
	}
	retainCalls.Inc()
	return tr.ProxyObject(path.Modules(proc.PID)).RetainValues(modKeys, trace.RetainElements)
}

// tidString renders a thread id in the host's output radix.
func tidString(tid uint64, radix int) string {
	switch radix {
	case 16:
		return fmt.Sprintf("0x%x", tid)
	case 8:
		return fmt.Sprintf("0%o", tid)
	default:
		return fmt.Sprintf("%d", tid)
	}
}

// PutThreads records the process's threads, pruning exited ones.
func (sy *Syncer) PutThreads() error {
	tr, _, err := sy.sess.RequireTx()
	if err != nil {
		return err
	}
	return sy.batched(tr, func() error { return sy.putThreads(tr) })
}

func (sy *Syncer) putThreads(tr trace.Trace) error {
	tgt := sy.sess.Target()
	proc, err := tgt.Process()
	if err != nil {
		return err
	}
	threads, err := tgt.Threads()
	if err != nil {
		return err
	}
	radix := tgt.OutputRadix()
	var keys []string
	for _, t := range threads {
		tObj := tr.CreateObject(path.Thread(proc.PID, t.TID))
		keys = append(keys, path.ThreadKey(t.TID))
		if err := tObj.SetValue("State", trace.StringValue(proc.State()), trace.SchemaString); err != nil {
			return err
		}
		if err := tObj.SetValue("Name", trace.StringValue(t.Name), trace.SchemaString); err != nil {
			return err
		}
		if err := tObj.SetValue("TID", trace.LongValue(int64(t.TID)), trace.SchemaLong); err != nil {
			return err
		}
		short := fmt.Sprintf("[%d.%d:%s]", proc.PID, t.TID, tidString(t.TID, radix))
		if err := tObj.SetValue("_short_display", trace.StringValue(short), trace.SchemaString); err != nil {
			return err
		}
		if err := tObj.SetValue("_display", trace.StringValue(t.Description), trace.SchemaString); err != nil {
			return err
		}
		if _, err := tObj.Insert(); err != nil {
			return err
		}
		objectsWritten.Inc()
	}
	retainCalls.Inc()
	return tr.ProxyObject(path.Threads(proc.PID)).RetainValues(keys, trace.RetainElements)
}

// PutEventThread records which thread the last stop event selected, as an
// object reference on the root.
func (sy *Syncer) PutEventThread() error {
	tr, _, err := sy.sess.RequireTx()
	if err != nil {
		return err
	}
	tgt := sy.sess.Target()
	proc, err := tgt.Process()
	if err != nil {
		return err
	}
	t, ok, err := tgt.SelectedThread()
	if err != nil {
		return err
	}
	val := trace.VoidValue()
	schema := trace.SchemaVoid
	if ok {
		val = trace.ObjectValue(path.Thread(proc.PID, t.TID))
		schema = trace.SchemaObject
	}
	return tr.ProxyObject("").SetValue("_event_thread", val, schema)
}

// PutFrames records the selected thread's stack, pruning stale frames. Each
// frame gets an empty Registers container so register recording has a place
// to land.
func (sy *Syncer) PutFrames() error {
	tr, _, err := sy.sess.RequireTx()
	if err != nil {
		return err
	}
	return sy.batched(tr, func() error { return sy.putFrames(tr) })
}

func (sy *Syncer) putFrames(tr trace.Trace) error {
	tgt := sy.sess.Target()
	proc, err := tgt.Process()
	if err != nil {
		return err
	}
	mm, err := sy.sess.MemMapper()
	if err != nil {
		return err
	}
	t, ok, err := tgt.SelectedThread()
	if err != nil || !ok {
		return err
	}
	frames, err := tgt.Frames()
	if err != nil {
		return err
	}
	var keys []string
	for _, f := range frames {
		fObj := tr.CreateObject(path.Frame(proc.PID, t.TID, f.Level))
		keys = append(keys, path.FrameKey(f.Level))
		pc, err := sy.mapAndDeclare(tr, mm, proc.PID, f.PC)
		if err != nil {
			return err
		}
		if err := fObj.SetValue("PC", trace.AddressValue(pc), trace.SchemaAddress); err != nil {
			return err
		}
		if err := fObj.SetValue("Function", trace.StringValue(f.Function), trace.SchemaString); err != nil {
			return err
		}
		if err := fObj.SetValue("_display", trace.StringValue(f.Description), trace.SchemaString); err != nil {
			return err
		}
		if _, err := fObj.Insert(); err != nil {
			return err
		}
		if _, err := tr.CreateObject(path.Registers(proc.PID, t.TID, f.Level)).Insert(); err != nil {
			return err
		}
		objectsWritten.Inc()
	}
	retainCalls.Inc()
	return tr.ProxyObject(path.Stack(proc.PID, t.TID)).RetainValues(keys, trace.RetainElements)
}

// PutBreakpoints records the target's breakpoints with their locations,
// pruning cleared ones. Locations keep their own nested retention set.
func (sy *Syncer) PutBreakpoints() error {
	tr, _, err := sy.sess.RequireTx()
	if err != nil {
		return err
	}
	return sy.batched(tr, func() error { return sy.putBreakpoints(tr) })
}

func (sy *Syncer) putBreakpoints(tr trace.Trace) error {
	tgt := sy.sess.Target()
	proc, err := tgt.Process()
	if err != nil {
		return err
	}
	breaks, err := tgt.Breakpoints()
	if err != nil {
		return err
	}
	contObj := tr.CreateObject(path.Breakpoints(proc.PID))
	var keys []string
	for _, b := range breaks {
		keys = append(keys, path.BreakpointKey(b.Num))
		if err := sy.putSingleBreakpoint(tr, proc.PID, b); err != nil {
			return err
		}
	}
	if _, err := contObj.Insert(); err != nil {
		return err
	}
	retainCalls.Inc()
	return contObj.RetainValues(keys, trace.RetainElements)
}

func (sy *Syncer) putSingleBreakpoint(tr trace.Trace, pid int, b target.Breakpoint) error {
	mm, err := sy.sess.MemMapper()
	if err != nil {
		return err
	}
	bptPath := path.Breakpoint(pid, b.Num)
	bptObj := tr.CreateObject(bptPath)
	if err := bptObj.SetValue("Expression", trace.StringValue(b.Description), trace.SchemaString); err != nil {
		return err
	}
	kinds := "SW_EXECUTE"
	if b.Hardware {
		kinds = "HW_EXECUTE"
	}
	if err := bptObj.SetValue("Kinds", trace.StringValue(kinds), trace.SchemaString); err != nil {
		return err
	}
	if len(b.Commands) > 0 {
		joined := strings.Join(b.Commands, "\n")
		if err := bptObj.SetValue("Commands", trace.StringValue(joined), trace.SchemaString); err != nil {
			return err
		}
	}
	if b.Condition != "" {
		if err := bptObj.SetValue("Condition", trace.StringValue(b.Condition), trace.SchemaString); err != nil {
			return err
		}
	}
	if err := bptObj.SetValue("Hit Count", trace.IntValue(int64(b.HitCount)), trace.SchemaInt); err != nil {
		return err
	}
	if err := bptObj.SetValue("Ignore Count", trace.IntValue(int64(b.IgnoreCount)), trace.SchemaInt); err != nil {
		return err
	}
	if err := bptObj.SetValue("Temporary", trace.BoolValue(b.OneShot), trace.SchemaBool); err != nil {
		return err
	}
	if err := bptObj.SetValue("Enabled", trace.BoolValue(b.Enabled), trace.SchemaBool); err != nil {
		return err
	}
	var locKeys []string
	for i, loc := range b.Locations {
		// Location numbers are 1-based; keys retained even when the
		// location belongs to another process.
		key := path.BreakpointLocationKey(i + 1)
		locKeys = append(locKeys, key)
		locObj := tr.CreateObject(bptPath + key)
		if loc.Valid {
			addr, err := sy.mapAndDeclare(tr, mm, pid, loc.Addr)
			if err != nil {
				return err
			}
			if err := locObj.SetValue("Range", trace.RangeValue(addr.Extend(1)), trace.SchemaRange); err != nil {
				return err
			}
			if err := locObj.SetValue("Enabled", trace.BoolValue(loc.Enabled), trace.SchemaBool); err != nil {
				return err
			}
		}
		// An address-less location is a catchpoint; record it bare.
		if _, err := locObj.Insert(); err != nil {
			return err
		}
	}
	retainCalls.Inc()
	if err := bptObj.RetainValues(locKeys, trace.RetainElements); err != nil {
		return err
	}
	_, err = bptObj.Insert()
	objectsWritten.Inc()
	return err
}

// watchpointKinds infers the access kind from the host's description. This
// is a documented heuristic over the rendering, not a guaranteed parse.
func watchpointKinds(desc string) string {
	kinds := "WRITE"
	if strings.Contains(desc, "type = r") {
		kinds = "READ"
	}
	if strings.Contains(desc, "type = rw") {
		kinds = "READ,WRITE"
	}
	return kinds
}

// PutWatchpoints records the target's watchpoints, pruning cleared ones.
func (sy *Syncer) PutWatchpoints() error {
	tr, _, err := sy.sess.RequireTx()
	if err != nil {
		return err
	}
	return sy.batched(tr, func() error { return sy.putWatchpoints(tr) })
}

func (sy *Syncer) putWatchpoints(tr trace.Trace) error {
	tgt := sy.sess.Target()
	proc, err := tgt.Process()
	if err != nil {
		return err
	}
	watches, err := tgt.Watchpoints()
	if err != nil {
		return err
	}
	contObj := tr.CreateObject(path.Watchpoints(proc.PID))
	var keys []string
	for _, w := range watches {
		keys = append(keys, path.WatchpointKey(w.Num))
		if err := sy.putSingleWatchpoint(tr, proc.PID, w); err != nil {
			return err
		}
	}
	if _, err := contObj.Insert(); err != nil {
		return err
	}
	retainCalls.Inc()
	return contObj.RetainValues(keys, trace.RetainElements)
}

func (sy *Syncer) putSingleWatchpoint(tr trace.Trace, pid int, w target.Watchpoint) error {
	mm, err := sy.sess.MemMapper()
	if err != nil {
		return err
	}
	wptObj := tr.CreateObject(path.Watchpoint(pid, w.Num))
	if err := wptObj.SetValue("Expression", trace.StringValue(w.Description), trace.SchemaString); err != nil {
		return err
	}
	if err := wptObj.SetValue("Kinds", trace.StringValue(watchpointKinds(w.Description)), trace.SchemaString); err != nil {
		return err
	}
	addr, err := sy.mapAndDeclare(tr, mm, pid, w.Addr)
	if err != nil {
		return err
	}
	if err := wptObj.SetValue("Range", trace.RangeValue(addr.Extend(w.Size)), trace.SchemaRange); err != nil {
		return err
	}
	if w.Condition != "" {
		if err := wptObj.SetValue("Condition", trace.StringValue(w.Condition), trace.SchemaString); err != nil {
			return err
		}
	}
	for _, kv := range []struct {
		key string
		val int64
	}{
		{"Hit Count", int64(w.HitCount)},
		{"Ignore Count", int64(w.IgnoreCount)},
		{"Hardware Index", int64(w.HardwareIndex)},
	} {
		if err := wptObj.SetValue(kv.key, trace.IntValue(kv.val), trace.SchemaInt); err != nil {
			return err
		}
	}
	if err := wptObj.SetValue("Watch Address", trace.StringValue(fmt.Sprintf("0x%x", w.Addr)), trace.SchemaString); err != nil {
		return err
	}
	if err := wptObj.SetValue("Watch Size", trace.LongValue(int64(w.Size)), trace.SchemaLong); err != nil {
		return err
	}
	if err := wptObj.SetValue("Enabled", trace.BoolValue(w.Enabled), trace.SchemaBool); err != nil {
		return err
	}
	_, err = wptObj.Insert()
	objectsWritten.Inc()
	return err
}

// Activate asks the store to focus the object at p, or the current frame,
// thread, or process when p is empty.
func (sy *Syncer) Activate(p string) error {
	tr, err := sy.sess.RequireTrace()
	if err != nil {
		return err
	}
	if p == "" {
		tgt := sy.sess.Target()
		proc, err := tgt.Process()
		if err != nil {
			return err
		}
		t, tok, err := tgt.SelectedThread()
		if err != nil {
			return err
		}
		f, fok, err := tgt.SelectedFrame()
		if err != nil {
			return err
		}
		switch {
		case tok && fok:
			p = path.Frame(proc.PID, t.TID, f.Level)
		case tok:
			p = path.Thread(proc.PID, t.TID)
		default:
			p = path.Process(proc.PID)
		}
	}
	return tr.ProxyObject(p).Activate()
}

// PutAll records everything currently selected: registers, the pc/sp pages,
// and every entity category.
func (sy *Syncer) PutAll() error {
	tr, _, err := sy.sess.RequireTx()
	if err != nil {
		return err
	}
	return sy.batched(tr, func() error {
		if err := sy.putReg(tr, DefaultRegisterBank); err != nil {
			return err
		}
		if _, _, err := sy.putMemExpr(tr, "$pc", "1", true); err != nil {
			return err
		}
		if _, _, err := sy.putMemExpr(tr, "$sp", "1", true); err != nil {
			return err
		}
		for _, put := range []func(trace.Trace) error{
			sy.putProcesses,
			sy.putEnvironment,
			sy.putRegions,
			sy.putModules,
			sy.putThreads,
			sy.putFrames,
			sy.putBreakpoints,
			sy.putWatchpoints,
			sy.putAvailable,
		} {
			if err := put(tr); err != nil {
				return err
			}
		}
		return nil
	})
}
