package target

import (
	"fmt"
	"sync"
)

// ScriptedTarget is an in-memory Target backed by fixed descriptors, for
// exercising the synchronizer without a live debugger. Fields may be
// mutated between passes to simulate target activity.
type ScriptedTarget struct {
	mu sync.Mutex

	Proc        Process
	HasProc     bool
	Procs       []AvailableProcess
	Env         Environment
	ThreadList  []Thread
	Selected    int // index into ThreadList, -1 for none
	FrameList   []Frame
	FrameSel    int // index into FrameList, -1 for none
	Banks       []RegisterBank
	RegionsOK   bool
	RegionList  []Region
	ModuleList  []Module
	BreakList   []Breakpoint
	WatchList   []Watchpoint
	Mem         map[uint64][]byte
	Exprs       map[string]uint64
	Values      map[string]RawValue
	Radix       int
	Exec        string
	ReadErr     error
	convenience map[string]string
}

// NewScriptedTarget returns a target with a single stopped process and
// empty descriptor lists.
func NewScriptedTarget(pid int) *ScriptedTarget {
	return &ScriptedTarget{
		Proc:     Process{PID: pid},
		HasProc:  true,
		Selected: -1,
		FrameSel: -1,
		Env: Environment{
			Debugger: "scripted",
			Arch:     "x86_64",
			OS:       "linux",
			Order:    OrderLittle,
		},
		Mem:    make(map[uint64][]byte),
		Exprs:  make(map[string]uint64),
		Values: make(map[string]RawValue),
		Radix:  10,
	}
}

func (s *ScriptedTarget) Process() (Process, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.HasProc {
		return Process{}, ErrNoProcess
	}
	return s.Proc, nil
}

func (s *ScriptedTarget) Available() ([]AvailableProcess, error) { return s.Procs, nil }

func (s *ScriptedTarget) Environment() (Environment, error) { return s.Env, nil }

func (s *ScriptedTarget) Threads() ([]Thread, error) { return s.ThreadList, nil }

func (s *ScriptedTarget) SelectedThread() (Thread, bool, error) {
	if s.Selected < 0 || s.Selected >= len(s.ThreadList) {
		return Thread{}, false, nil
	}
	return s.ThreadList[s.Selected], true, nil
}

func (s *ScriptedTarget) SelectedFrame() (Frame, bool, error) {
	if s.FrameSel < 0 || s.FrameSel >= len(s.FrameList) {
		return Frame{}, false, nil
	}
	return s.FrameList[s.FrameSel], true, nil
}

func (s *ScriptedTarget) Frames() ([]Frame, error) { return s.FrameList, nil }

func (s *ScriptedTarget) RegisterBanks() ([]RegisterBank, error) { return s.Banks, nil }

func (s *ScriptedTarget) CanQueryRegions() bool { return s.RegionsOK }

func (s *ScriptedTarget) Regions() ([]Region, error) { return s.RegionList, nil }

func (s *ScriptedTarget) FullMemRegion() Region {
	return Region{Start: 0, End: ^uint64(0)}
}

func (s *ScriptedTarget) Modules() ([]Module, error) { return s.ModuleList, nil }

func (s *ScriptedTarget) Breakpoints() ([]Breakpoint, error) { return s.BreakList, nil }

func (s *ScriptedTarget) Watchpoints() ([]Watchpoint, error) { return s.WatchList, nil }

// SetMemory seeds readable bytes at addr.
func (s *ScriptedTarget) SetMemory(addr uint64, data []byte) {
	s.Mem[addr] = data
}

// ReadMemory serves reads from seeded blocks, zero-filling gaps so page
// captures always succeed unless ReadErr is set.
func (s *ScriptedTarget) ReadMemory(addr uint64, length int) ([]byte, error) {
	if s.ReadErr != nil {
		return nil, s.ReadErr
	}
	out := make([]byte, length)
	for base, block := range s.Mem {
		for i := range block {
			off := base + uint64(i)
			if off >= addr && off < addr+uint64(length) {
				out[off-addr] = block[i]
			}
		}
	}
	return out, nil
}

func (s *ScriptedTarget) EvalAddress(expr string) (uint64, error) {
	if v, ok := s.Exprs[expr]; ok {
		return v, nil
	}
	var n uint64
	if _, err := fmt.Sscanf(expr, "0x%x", &n); err == nil {
		return n, nil
	}
	if _, err := fmt.Sscanf(expr, "%d", &n); err == nil {
		return n, nil
	}
	return 0, fmt.Errorf("cannot evaluate '%s'", expr)
}

func (s *ScriptedTarget) EvalValue(expr string) (RawValue, error) {
	if v, ok := s.Values[expr]; ok {
		return v, nil
	}
	return RawValue{}, fmt.Errorf("cannot evaluate '%s'", expr)
}

func (s *ScriptedTarget) SetConvenienceVariable(name, value string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.convenience == nil {
		s.convenience = make(map[string]string)
	}
	s.convenience[name] = value
}

func (s *ScriptedTarget) ConvenienceVariable(name string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.convenience[name]
}

func (s *ScriptedTarget) OutputRadix() int { return s.Radix }

func (s *ScriptedTarget) ExecutableName() string { return s.Exec }
