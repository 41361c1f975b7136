package target

import (
	"encoding/binary"
	"fmt"
	"math"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"reflect"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-delve/delve/service/api"
	"github.com/go-delve/delve/service/rpc2"
)

// examineChunk is the largest read the RPC memory examiner accepts.
const examineChunk = 1000

// DelveTarget inspects a process through a Delve headless server, adapting
// its RPC surface to the Target interface.
type DelveTarget struct {
	client    *rpc2.RPCClient
	binary    string
	dlvCmd    *exec.Cmd
	dlvListen string

	mu     sync.Mutex
	convar map[string]string
	frame  int
	radix  int
}

// findFreePort finds an available TCP port on localhost.
func findFreePort() (int, error) {
	addr, err := net.ResolveTCPAddr("tcp", "localhost:0")
	if err != nil {
		return 0, err
	}
	l, err := net.ListenTCP("tcp", addr)
	if err != nil {
		return 0, err
	}
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port, nil
}

// NewDelveTarget launches a Delve headless server for the binary with the
// given arguments and connects to it.
func NewDelveTarget(binaryPath string, args []string) (*DelveTarget, error) {
	absPath, err := filepath.Abs(binaryPath)
	if err != nil {
		return nil, fmt.Errorf("failed to get absolute path for %s: %v", binaryPath, err)
	}

	port, err := findFreePort()
	if err != nil {
		return nil, fmt.Errorf("failed to find free port for delve: %v", err)
	}
	listen := "localhost:" + strconv.Itoa(port)

	cmdArgs := []string{
		"exec", absPath,
		"--headless",
		"--listen=" + listen,
		"--api-version=2",
		"--accept-multiclient",
	}
	if len(args) > 0 {
		cmdArgs = append(cmdArgs, "--")
		cmdArgs = append(cmdArgs, args...)
	}

	dlvCmd := exec.Command("dlv", cmdArgs...)
	setupProcAttr(dlvCmd)
	if err := dlvCmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start delve process: %v", err)
	}

	// Give the server a moment to come up before the first RPC.
	time.Sleep(1000 * time.Millisecond)

	client := rpc2.NewClient(listen)
	if _, err := client.GetState(); err != nil {
		_ = dlvCmd.Process.Kill()
		_, _ = dlvCmd.Process.Wait()
		return nil, fmt.Errorf("failed to connect to delve server at %s: %v", listen, err)
	}

	return &DelveTarget{
		client:    client,
		binary:    absPath,
		dlvCmd:    dlvCmd,
		dlvListen: listen,
		convar:    make(map[string]string),
		radix:     10,
	}, nil
}

// AttachDelveTarget connects to an already running Delve headless server.
func AttachDelveTarget(listen string) (*DelveTarget, error) {
	client := rpc2.NewClient(listen)
	if _, err := client.GetState(); err != nil {
		return nil, fmt.Errorf("failed to connect to delve server at %s: %v", listen, err)
	}
	return &DelveTarget{
		client:    client,
		dlvListen: listen,
		convar:    make(map[string]string),
		radix:     10,
	}, nil
}

// Close disconnects from the server and terminates it when this target
// launched it.
func (d *DelveTarget) Close() error {
	var closeErr error
	if d.client != nil {
		if err := d.client.Disconnect(false); err != nil {
			closeErr = fmt.Errorf("failed to disconnect delve client: %v", err)
		}
		d.client = nil
	}
	if d.dlvCmd != nil && d.dlvCmd.Process != nil {
		if err := d.dlvCmd.Process.Kill(); err != nil && err.Error() != "os: process already finished" {
			closeErr = fmt.Errorf("failed to kill delve process: %v", err)
		}
		_, _ = d.dlvCmd.Process.Wait()
		d.dlvCmd = nil
	}
	return closeErr
}

// Resume continues execution until the next stop.
func (d *DelveTarget) Resume() error {
	state := <-d.client.Continue()
	if state.Err != nil {
		return state.Err
	}
	return nil
}

// StepOver executes one source line, stepping over calls.
func (d *DelveTarget) StepOver() error {
	state, err := d.client.Next()
	if err != nil {
		return fmt.Errorf("step command failed: %v", err)
	}
	if state.Err != nil {
		return state.Err
	}
	return nil
}

func (d *DelveTarget) Process() (Process, error) {
	pid := d.client.ProcessPid()
	if pid == 0 {
		return Process{}, ErrNoProcess
	}
	state, err := d.client.GetStateNonBlocking()
	if err != nil {
		return Process{}, err
	}
	return Process{PID: pid, Running: state.Running}, nil
}

// Available scans the host process table. On hosts without procfs only the
// inspected process is reported.
func (d *DelveTarget) Available() ([]AvailableProcess, error) {
	entries, err := os.ReadDir("/proc")
	if err != nil {
		pid := d.client.ProcessPid()
		if pid == 0 {
			return nil, nil
		}
		return []AvailableProcess{{PID: pid, Name: d.ExecutableName()}}, nil
	}
	var procs []AvailableProcess
	for _, e := range entries {
		pid, err := strconv.Atoi(e.Name())
		if err != nil {
			continue
		}
		comm, err := os.ReadFile(filepath.Join("/proc", e.Name(), "comm"))
		if err != nil {
			continue
		}
		procs = append(procs, AvailableProcess{PID: pid, Name: strings.TrimSpace(string(comm))})
	}
	return procs, nil
}

func (d *DelveTarget) Environment() (Environment, error) {
	arch := runtime.GOARCH
	switch arch {
	case "amd64":
		arch = "x86_64"
	case "arm64":
		arch = "aarch64"
	case "386":
		arch = "i386"
	}
	return Environment{
		Debugger: "dlv",
		Arch:     arch,
		OS:       runtime.GOOS,
		Order:    OrderLittle,
	}, nil
}

func (d *DelveTarget) Threads() ([]Thread, error) {
	state, err := d.client.GetStateNonBlocking()
	if err != nil {
		return nil, err
	}
	var threads []Thread
	for _, t := range state.Threads {
		threads = append(threads, Thread{
			TID:         uint64(t.ID),
			Name:        fmt.Sprintf("thread %d", t.ID),
			Description: describeThread(t),
		})
	}
	return threads, nil
}

func describeThread(t *api.Thread) string {
	loc := fmt.Sprintf("0x%x", t.PC)
	if t.Function != nil {
		loc = t.Function.Name()
	}
	return fmt.Sprintf("thread %d at %s", t.ID, loc)
}

func (d *DelveTarget) SelectedThread() (Thread, bool, error) {
	state, err := d.client.GetStateNonBlocking()
	if err != nil {
		return Thread{}, false, err
	}
	cur := state.CurrentThread
	if cur == nil {
		return Thread{}, false, nil
	}
	return Thread{
		TID:         uint64(cur.ID),
		Name:        fmt.Sprintf("thread %d", cur.ID),
		Description: describeThread(cur),
	}, true, nil
}

// SelectFrame focuses a stack frame for register and evaluation scope.
func (d *DelveTarget) SelectFrame(level int) {
	d.mu.Lock()
	d.frame = level
	d.mu.Unlock()
}

func (d *DelveTarget) SelectedFrame() (Frame, bool, error) {
	d.mu.Lock()
	level := d.frame
	d.mu.Unlock()
	frames, err := d.Frames()
	if err != nil {
		return Frame{}, false, err
	}
	for _, f := range frames {
		if f.Level == level {
			return f, true, nil
		}
	}
	if len(frames) == 0 {
		return Frame{}, false, nil
	}
	return frames[0], true, nil
}

func (d *DelveTarget) Frames() ([]Frame, error) {
	gid, err := d.currentGoroutine()
	if err != nil {
		return nil, err
	}
	stack, err := d.client.Stacktrace(gid, 64, 0, nil)
	if err != nil {
		return nil, err
	}
	var frames []Frame
	for i, sf := range stack {
		name := ""
		if sf.Function != nil {
			name = sf.Function.Name()
		}
		frames = append(frames, Frame{
			Level:       i,
			PC:          sf.PC,
			Function:    name,
			Description: fmt.Sprintf("#%d 0x%x in %s at %s:%d", i, sf.PC, name, sf.File, sf.Line),
		})
	}
	return frames, nil
}

func (d *DelveTarget) currentGoroutine() (int64, error) {
	state, err := d.client.GetStateNonBlocking()
	if err != nil {
		return 0, err
	}
	if state.SelectedGoroutine != nil {
		return state.SelectedGoroutine.ID, nil
	}
	if state.CurrentThread != nil {
		return state.CurrentThread.GoroutineID, nil
	}
	return 0, ErrNoProcess
}

func (d *DelveTarget) RegisterBanks() ([]RegisterBank, error) {
	state, err := d.client.GetStateNonBlocking()
	if err != nil {
		return nil, err
	}
	if state.CurrentThread == nil {
		return nil, ErrNoProcess
	}
	regs, err := d.client.ListThreadRegisters(state.CurrentThread.ID, false)
	if err != nil {
		return nil, err
	}
	bank := RegisterBank{Name: "General Purpose Registers"}
	for _, r := range regs {
		data, err := parseRegHex(r.Value)
		if err != nil {
			continue
		}
		bank.Registers = append(bank.Registers, Register{
			Name:   r.Name,
			Render: r.Value,
			Data:   data,
			Order:  OrderBig,
		})
	}
	return []RegisterBank{bank}, nil
}

// parseRegHex decodes the RPC register rendering, most significant byte
// first.
func parseRegHex(v string) ([]byte, error) {
	v = strings.TrimPrefix(strings.TrimSpace(v), "0x")
	if v == "" {
		return nil, fmt.Errorf("empty register value")
	}
	if len(v)%2 != 0 {
		v = "0" + v
	}
	data := make([]byte, len(v)/2)
	for i := 0; i < len(data); i++ {
		b, err := strconv.ParseUint(v[i*2:i*2+2], 16, 8)
		if err != nil {
			return nil, err
		}
		data[i] = byte(b)
	}
	return data, nil
}

// CanQueryRegions reports false: the RPC surface exposes no memory map, so
// the synchronizer falls back to a single full-space region.
func (d *DelveTarget) CanQueryRegions() bool { return false }

func (d *DelveTarget) Regions() ([]Region, error) { return nil, nil }

func (d *DelveTarget) FullMemRegion() Region {
	return Region{Start: 0, End: math.MaxUint64}
}

func (d *DelveTarget) Modules() ([]Module, error) {
	images, err := d.client.ListDynamicLibraries()
	if err != nil {
		return nil, err
	}
	var modules []Module
	for _, img := range images {
		if img.LoadError != "" {
			continue
		}
		modules = append(modules, Module{
			Key:  img.Path,
			Name: filepath.Base(img.Path),
			Base: img.Address,
			Max:  img.Address,
		})
	}
	return modules, nil
}

func (d *DelveTarget) Breakpoints() ([]Breakpoint, error) {
	bps, err := d.client.ListBreakpoints(false)
	if err != nil {
		return nil, err
	}
	var breaks []Breakpoint
	for _, bp := range bps {
		// Negative IDs are the server's internal breakpoints.
		if bp.ID < 0 || bp.WatchExpr != "" {
			continue
		}
		addrs := bp.Addrs
		if len(addrs) == 0 && bp.Addr != 0 {
			addrs = []uint64{bp.Addr}
		}
		var locs []BreakpointLocation
		for _, a := range addrs {
			locs = append(locs, BreakpointLocation{Addr: a, Valid: true, Enabled: !bp.Disabled})
		}
		breaks = append(breaks, Breakpoint{
			Num:         bp.ID,
			Description: describeBreakpoint(bp),
			Condition:   bp.Cond,
			HitCount:    int(bp.TotalHitCount),
			Enabled:     !bp.Disabled,
			Locations:   locs,
		})
	}
	return breaks, nil
}

func describeBreakpoint(bp *api.Breakpoint) string {
	if bp.FunctionName != "" {
		return fmt.Sprintf("%s at %s:%d", bp.FunctionName, bp.File, bp.Line)
	}
	return fmt.Sprintf("%s:%d", bp.File, bp.Line)
}

func (d *DelveTarget) Watchpoints() ([]Watchpoint, error) {
	bps, err := d.client.ListBreakpoints(false)
	if err != nil {
		return nil, err
	}
	var watches []Watchpoint
	for _, bp := range bps {
		if bp.WatchExpr == "" {
			continue
		}
		kind := "w"
		switch {
		case bp.WatchType&api.WatchRead != 0 && bp.WatchType&api.WatchWrite != 0:
			kind = "rw"
		case bp.WatchType&api.WatchRead != 0:
			kind = "r"
		}
		watches = append(watches, Watchpoint{
			Num:         bp.ID,
			Description: fmt.Sprintf("%s type = %s", bp.WatchExpr, kind),
			Addr:        bp.Addr,
			Size:        8,
			Condition:   bp.Cond,
			HitCount:    int(bp.TotalHitCount),
			Enabled:     !bp.Disabled,
		})
	}
	return watches, nil
}

func (d *DelveTarget) ReadMemory(addr uint64, length int) ([]byte, error) {
	out := make([]byte, 0, length)
	for length > 0 {
		n := length
		if n > examineChunk {
			n = examineChunk
		}
		data, _, err := d.client.ExamineMemory(addr, n)
		if err != nil {
			return nil, err
		}
		out = append(out, data...)
		addr += uint64(len(data))
		length -= len(data)
		if len(data) < n {
			break
		}
	}
	return out, nil
}

func (d *DelveTarget) EvalAddress(expr string) (uint64, error) {
	expr = strings.TrimSpace(expr)
	switch expr {
	case "$pc":
		state, err := d.client.GetStateNonBlocking()
		if err != nil {
			return 0, err
		}
		if state.CurrentThread == nil {
			return 0, ErrNoProcess
		}
		return state.CurrentThread.PC, nil
	case "$sp":
		return d.regByName("sp")
	}
	if n, err := strconv.ParseUint(expr, 0, 64); err == nil {
		return n, nil
	}
	v, err := d.evalVariable(expr)
	if err != nil {
		return 0, err
	}
	if n, err := strconv.ParseUint(strings.TrimSpace(v.Value), 0, 64); err == nil {
		return n, nil
	}
	if v.Addr != 0 {
		return v.Addr, nil
	}
	return 0, fmt.Errorf("cannot evaluate '%s' as an address", expr)
}

// regByName finds a register whose name contains the fragment, e.g. "sp"
// matching Rsp or X31.
func (d *DelveTarget) regByName(fragment string) (uint64, error) {
	banks, err := d.RegisterBanks()
	if err != nil {
		return 0, err
	}
	for _, b := range banks {
		for _, r := range b.Registers {
			if strings.Contains(strings.ToLower(r.Name), fragment) {
				val, err := decodeBig(r.Data)
				if err != nil {
					return 0, err
				}
				return val, nil
			}
		}
	}
	return 0, fmt.Errorf("no register matching '%s'", fragment)
}

// decodeBig decodes up to 8 most-significant-first bytes.
func decodeBig(data []byte) (uint64, error) {
	if len(data) > 8 {
		data = data[len(data)-8:]
	}
	var buf [8]byte
	copy(buf[8-len(data):], data)
	return binary.BigEndian.Uint64(buf[:]), nil
}

func (d *DelveTarget) evalVariable(expr string) (*api.Variable, error) {
	state, err := d.client.GetStateNonBlocking()
	if err != nil {
		return nil, err
	}
	if state.CurrentThread == nil {
		return nil, ErrNoProcess
	}
	d.mu.Lock()
	frame := d.frame
	d.mu.Unlock()
	scope := api.EvalScope{
		GoroutineID: state.CurrentThread.GoroutineID,
		Frame:       frame,
	}
	cfg := api.LoadConfig{
		FollowPointers:     true,
		MaxVariableRecurse: 1,
		MaxStringLen:       256,
		MaxArrayValues:     256,
		MaxStructFields:    -1,
	}
	return d.client.EvalVariable(scope, expr, cfg)
}

func (d *DelveTarget) EvalValue(expr string) (RawValue, error) {
	v, err := d.evalVariable(expr)
	if err != nil {
		return RawValue{}, err
	}
	return rawFromVariable(expr, v), nil
}

// rawFromVariable flattens an RPC variable into the closed set of kinds the
// value codec accepts.
func rawFromVariable(expr string, v *api.Variable) RawValue {
	raw := RawValue{
		Expr:      expr,
		TypeName:  v.Type,
		Render:    v.Value,
		Order:     OrderLittle,
		Addr:      v.Addr,
		AddrValid: v.Addr != 0,
	}
	switch v.Kind {
	case reflect.Bool:
		raw.Kind = KindBool
		raw.Bytes = encodeLittle(boolBit(v.Value == "true"), 1)
	case reflect.Int8, reflect.Uint8:
		raw.Kind = KindChar
		raw.Bytes = encodeLittle(parseIntRender(v.Value), 1)
	case reflect.Int16, reflect.Uint16:
		raw.Kind = KindShort
		raw.Bytes = encodeLittle(parseIntRender(v.Value), 2)
	case reflect.Int32, reflect.Uint32:
		raw.Kind = KindInt
		raw.Bytes = encodeLittle(parseIntRender(v.Value), 4)
	case reflect.Int, reflect.Int64, reflect.Uint, reflect.Uint64, reflect.Uintptr:
		raw.Kind = KindLong
		raw.Bytes = encodeLittle(parseIntRender(v.Value), 8)
	case reflect.Float32:
		raw.Kind = KindFloat
		f, _ := strconv.ParseFloat(v.Value, 32)
		raw.Bytes = encodeLittle(uint64(math.Float32bits(float32(f))), 4)
	case reflect.Float64:
		raw.Kind = KindFloat
		f, _ := strconv.ParseFloat(v.Value, 64)
		raw.Bytes = encodeLittle(math.Float64bits(f), 8)
	case reflect.Ptr, reflect.UnsafePointer:
		raw.Kind = KindPointer
		raw.Bytes = encodeLittle(parseIntRender(v.Value), 8)
	case reflect.String:
		raw.Kind = KindArray
		raw.ElemKind = KindChar
		raw.ElemSize = 1
		raw.TypeName = "const char[" + strconv.Itoa(len(v.Value)) + "]"
		raw.Bytes = []byte(v.Value)
		raw.Summary = v.Value
	case reflect.Struct:
		raw.Kind = KindStruct
	default:
		raw.Kind = KindUnsupported
	}
	return raw
}

func boolBit(b bool) uint64 {
	if b {
		return 1
	}
	return 0
}

func parseIntRender(s string) uint64 {
	s = strings.TrimSpace(s)
	if n, err := strconv.ParseUint(s, 0, 64); err == nil {
		return n
	}
	if n, err := strconv.ParseInt(s, 0, 64); err == nil {
		return uint64(n)
	}
	return 0
}

func encodeLittle(v uint64, size int) []byte {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], v)
	return buf[:size]
}

func (d *DelveTarget) SetConvenienceVariable(name, value string) {
	d.mu.Lock()
	d.convar[name] = value
	d.mu.Unlock()
}

func (d *DelveTarget) ConvenienceVariable(name string) string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.convar[name]
}

func (d *DelveTarget) OutputRadix() int { return d.radix }

func (d *DelveTarget) ExecutableName() string {
	if d.binary == "" {
		return ""
	}
	return filepath.Base(d.binary)
}
