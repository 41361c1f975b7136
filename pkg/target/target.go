package target

import "fmt"

// ByteOrder identifies the byte order reported by the host for raw data.
type ByteOrder int

const (
	// OrderLittle is little-endian byte order
	OrderLittle ByteOrder = iota
	// OrderBig is big-endian byte order
	OrderBig
	// OrderPDP is the legacy middle-endian order. It is never supported;
	// decoding raw data in this order always fails.
	OrderPDP
)

// String returns the string representation of the ByteOrder
func (o ByteOrder) String() string {
	switch o {
	case OrderLittle:
		return "little"
	case OrderBig:
		return "big"
	case OrderPDP:
		return "pdp"
	default:
		return "unknown"
	}
}

// BasicKind classifies the native shape of a value reported by the host.
// The set is closed: shapes outside it are KindUnsupported and always fail
// conversion.
type BasicKind int

const (
	KindUnsupported BasicKind = iota
	KindVoid
	KindBool
	// KindChar covers char, signed char, and unsigned char
	KindChar
	KindShort
	KindInt
	// KindLong covers long and long long; both collapse to a 64-bit tag
	KindLong
	KindWChar
	KindFloat
	KindPointer
	KindArray
	KindStruct
	KindUnion
)

// String returns the string representation of the BasicKind
func (k BasicKind) String() string {
	switch k {
	case KindVoid:
		return "void"
	case KindBool:
		return "bool"
	case KindChar:
		return "char"
	case KindShort:
		return "short"
	case KindInt:
		return "int"
	case KindLong:
		return "long"
	case KindWChar:
		return "wchar"
	case KindFloat:
		return "float"
	case KindPointer:
		return "pointer"
	case KindArray:
		return "array"
	case KindStruct:
		return "struct"
	case KindUnion:
		return "union"
	default:
		return "unsupported"
	}
}

// RawValue is a native typed value as reported by the host, carrying enough
// shape information for conversion into a wire value.
type RawValue struct {
	Expr     string    // originating expression, kept for diagnostics
	Kind     BasicKind // native shape
	TypeName string    // full native type name, e.g. "const char[12]"
	Bytes    []byte    // raw value bytes in Order
	Order    ByteOrder
	Render   string // host's textual rendering of the value
	Summary  string // host's summary for string-like values

	// Array shape; meaningful only when Kind is KindArray.
	ElemKind BasicKind
	ElemName string // element type name, e.g. "wchar_t"
	ElemSize int    // element width in bytes

	// Location of the value in target memory, if it has one.
	Addr      uint64
	AddrValid bool
}

// Environment describes the inspected target's platform.
type Environment struct {
	Debugger string
	Arch     string
	OS       string
	Order    ByteOrder
}

// Endian renders the byte order the way the trace records it.
func (e Environment) Endian() string {
	return e.Order.String()
}

// Process describes the process under inspection.
type Process struct {
	PID     int
	Running bool
}

// State renders the process run state for the trace.
func (p Process) State() string {
	if p.Running {
		return "RUNNING"
	}
	return "STOPPED"
}

// AvailableProcess is an attachable process discovered on the host system.
type AvailableProcess struct {
	PID  int
	Name string
}

// Thread describes one thread of the inspected process.
type Thread struct {
	TID         uint64
	Name        string
	Description string
}

// Frame is one stack frame of a thread, level 0 innermost.
type Frame struct {
	Level       int
	PC          uint64
	Function    string
	Description string
}

// Register is a single register within a bank. Data carries the raw bytes in
// Order; Render is the host's human-readable value.
type Register struct {
	Name   string
	Render string
	Data   []byte
	Order  ByteOrder
}

// RegisterBank is a named group of registers, e.g. "General Purpose
// Registers".
type RegisterBank struct {
	Name      string
	Registers []Register
}

// Region is one mapped memory region. Perms is empty when the host cannot
// report permissions; HasPerms distinguishes that from an explicit "".
type Region struct {
	Start    uint64
	End      uint64
	Perms    string
	HasPerms bool
	Offset   uint64
	ObjFile  string
}

// Readable reports whether the region is readable, treating unknown
// permissions as permissive.
func (r Region) Readable() bool { return !r.HasPerms || containsPerm(r.Perms, 'r') }

// Writable reports whether the region is writable.
func (r Region) Writable() bool { return !r.HasPerms || containsPerm(r.Perms, 'w') }

// Executable reports whether the region is executable.
func (r Region) Executable() bool { return !r.HasPerms || containsPerm(r.Perms, 'x') }

func containsPerm(perms string, p byte) bool {
	for i := 0; i < len(perms); i++ {
		if perms[i] == p {
			return true
		}
	}
	return false
}

// Section is one section of a module.
type Section struct {
	Name   string
	Start  uint64
	End    uint64
	Offset uint64
	Attrs  string
}

// Module is one loaded module (object file) of the inspected process.
type Module struct {
	Key      string // stable identifier, typically the file path
	Name     string
	Base     uint64
	Max      uint64
	Sections []Section
}

// BreakpointLocation is one resolved address of a breakpoint. Valid is false
// for catchpoint-style breakpoints that have no load address.
type BreakpointLocation struct {
	Addr    uint64
	Valid   bool
	Enabled bool
}

// Breakpoint describes one breakpoint of the inspected process.
type Breakpoint struct {
	Num         int
	Hardware    bool
	Description string
	Commands    []string
	Condition   string
	HitCount    int
	IgnoreCount int
	OneShot     bool
	Enabled     bool
	Locations   []BreakpointLocation
}

// Watchpoint describes one watchpoint. Description is the host's full
// rendering; the access kind is inferred from it downstream.
type Watchpoint struct {
	Num           int
	Description   string
	Addr          uint64
	Size          uint64
	Condition     string
	HitCount      int
	IgnoreCount   int
	HardwareIndex int
	Enabled       bool
}

// Target is the debugger-host boundary. It supplies everything the
// synchronizer records: enumerations of live entities, raw memory and
// register data, and expression evaluation within the inspected process.
type Target interface {
	// Process returns the process currently under inspection.
	Process() (Process, error)

	// Available lists attachable processes on the host system.
	Available() ([]AvailableProcess, error)

	// Environment identifies the target platform.
	Environment() (Environment, error)

	// Threads lists the live threads of the current process.
	Threads() ([]Thread, error)

	// SelectedThread returns the focused thread, if any.
	SelectedThread() (Thread, bool, error)

	// SelectedFrame returns the focused frame of the selected thread, if any.
	SelectedFrame() (Frame, bool, error)

	// Frames lists the stack of the selected thread, innermost first.
	Frames() ([]Frame, error)

	// RegisterBanks lists the register banks of the selected frame.
	RegisterBanks() ([]RegisterBank, error)

	// CanQueryRegions reports whether region enumeration is usable. Hosts
	// with no loaded modules, or with the known remote-protocol defect,
	// report false and the synchronizer substitutes a full-space region.
	CanQueryRegions() bool

	// Regions lists the mapped memory regions of the current process.
	Regions() ([]Region, error)

	// FullMemRegion returns the single fallback region spanning the whole
	// address space.
	FullMemRegion() Region

	// Modules lists the loaded modules with their sections.
	Modules() ([]Module, error)

	// Breakpoints lists the breakpoints set in the current target.
	Breakpoints() ([]Breakpoint, error)

	// Watchpoints lists the watchpoints set in the current target.
	Watchpoints() ([]Watchpoint, error)

	// ReadMemory reads length bytes from the process at addr.
	ReadMemory(addr uint64, length int) ([]byte, error)

	// EvalAddress evaluates an address expression within the target.
	EvalAddress(expr string) (uint64, error)

	// EvalValue evaluates an expression and returns its native value.
	EvalValue(expr string) (RawValue, error)

	// SetConvenienceVariable records a host-side convenience variable. The
	// session uses it to publish whether recording is active.
	SetConvenienceVariable(name, value string)

	// ConvenienceVariable reads a host-side convenience variable.
	ConvenienceVariable(name string) string

	// OutputRadix is the host's numeric display radix (8, 10, or 16).
	OutputRadix() int

	// ExecutableName is the base name of the target image, or "" if none.
	ExecutableName() string
}

// ErrNoProcess is returned when an operation needs a process but none is
// under inspection.
var ErrNoProcess = fmt.Errorf("no process")
