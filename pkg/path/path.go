// Package path builds canonical object paths for the trace tree. Path
// construction is pure and deterministic: bracketed segments are element
// keys, bare segments are attributes, and distinct identifiers never
// collapse to the same path.
package path

import "fmt"

// Top-level containers created at trace start.
const (
	Availables = "Available"
	Processes  = "Processes"
)

// AvailableKey returns the element key for an attachable process.
func AvailableKey(pid int) string {
	return fmt.Sprintf("[%d]", pid)
}

// Available returns the path of an attachable process entry.
func Available(pid int) string {
	return Availables + AvailableKey(pid)
}

// ProcessKey returns the element key for a process.
func ProcessKey(pid int) string {
	return fmt.Sprintf("[%d]", pid)
}

// Process returns the path of a process.
func Process(pid int) string {
	return Processes + ProcessKey(pid)
}

// Environment returns the path of a process's environment object.
func Environment(pid int) string {
	return Process(pid) + ".Environment"
}

// Threads returns the path of a process's thread container.
func Threads(pid int) string {
	return Process(pid) + ".Threads"
}

// ThreadKey returns the element key for a thread.
func ThreadKey(tid uint64) string {
	return fmt.Sprintf("[%d]", tid)
}

// Thread returns the path of a thread.
func Thread(pid int, tid uint64) string {
	return Threads(pid) + ThreadKey(tid)
}

// Stack returns the path of a thread's stack container.
func Stack(pid int, tid uint64) string {
	return Thread(pid, tid) + ".Stack"
}

// FrameKey returns the element key for a stack frame.
func FrameKey(level int) string {
	return fmt.Sprintf("[%d]", level)
}

// Frame returns the path of a stack frame.
func Frame(pid int, tid uint64, level int) string {
	return Stack(pid, tid) + FrameKey(level)
}

// Registers returns the path of a frame's register container. This path also
// names the frame's register overlay space.
func Registers(pid int, tid uint64, level int) string {
	return Frame(pid, tid, level) + ".Registers"
}

// Bank returns the path of a named register bank within a frame.
func Bank(pid int, tid uint64, level int, bank string) string {
	return Registers(pid, tid, level) + "." + bank
}

// Memory returns the path of a process's memory region container.
func Memory(pid int) string {
	return Process(pid) + ".Memory"
}

// RegionKey returns the element key for a memory region. The start address
// is fixed-width lowercase hex so keys sort textually by address.
func RegionKey(start uint64) string {
	return fmt.Sprintf("[%08x]", start)
}

// Region returns the path of a memory region.
func Region(pid int, start uint64) string {
	return Memory(pid) + RegionKey(start)
}

// Modules returns the path of a process's module container.
func Modules(pid int) string {
	return Process(pid) + ".Modules"
}

// ModuleKey returns the element key for a module.
func ModuleKey(modpath string) string {
	return fmt.Sprintf("[%s]", modpath)
}

// Module returns the path of a module.
func Module(pid int, modpath string) string {
	return Modules(pid) + ModuleKey(modpath)
}

// Sections returns the path of a module's section container.
func Sections(pid int, modpath string) string {
	return Module(pid, modpath) + ".Sections"
}

// SectionKey returns the element key for a section.
func SectionKey(secname string) string {
	return fmt.Sprintf("[%s]", secname)
}

// Section returns the path of a module section.
func Section(pid int, modpath, secname string) string {
	return Sections(pid, modpath) + SectionKey(secname)
}

// Breakpoints returns the path of a process's breakpoint container.
func Breakpoints(pid int) string {
	return Process(pid) + ".Breakpoints"
}

// BreakpointKey returns the element key for a breakpoint.
func BreakpointKey(breaknum int) string {
	return fmt.Sprintf("[%d]", breaknum)
}

// Breakpoint returns the path of a breakpoint.
func Breakpoint(pid, breaknum int) string {
	return Breakpoints(pid) + BreakpointKey(breaknum)
}

// BreakpointLocationKey returns the element key for a breakpoint location.
// Location numbers are 1-based.
func BreakpointLocationKey(locnum int) string {
	return fmt.Sprintf("[%d]", locnum)
}

// BreakpointLocation returns the path of one location of a breakpoint.
func BreakpointLocation(pid, breaknum, locnum int) string {
	return Breakpoint(pid, breaknum) + BreakpointLocationKey(locnum)
}

// Watchpoints returns the path of a process's watchpoint container.
func Watchpoints(pid int) string {
	return Process(pid) + ".Watchpoints"
}

// WatchpointKey returns the element key for a watchpoint.
func WatchpointKey(watchnum int) string {
	return fmt.Sprintf("[%d]", watchnum)
}

// Watchpoint returns the path of a watchpoint.
func Watchpoint(pid, watchnum int) string {
	return Watchpoints(pid) + WatchpointKey(watchnum)
}
