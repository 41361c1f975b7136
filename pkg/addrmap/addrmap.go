// Package addrmap maps native target addresses and register names into the
// trace's address model. Mappers hold the architecture-specific knowledge,
// selected once per trace from the target's language identification. Mappers
// never declare overlay spaces themselves; that stays with the caller, which
// has transaction context.
package addrmap

import (
	"fmt"
	"strings"

	"github.com/willibrandon/tracemir/pkg/target"
	"github.com/willibrandon/tracemir/pkg/trace"
)

// DefaultSpace is the default space name of every supported language.
const DefaultSpace = "ram"

// RegisterSpace is the base space register overlays are declared over.
const RegisterSpace = "register"

// MemoryMapper maps a native address within a process to a base space name
// and a trace address. When the returned base differs from the address's
// space, the caller must declare an overlay space under the address's space
// name before writing through it.
type MemoryMapper interface {
	Map(pid int, offset uint64) (base string, addr trace.Address)

	// BaseOf returns the base space name for a space this mapper produced.
	// For a base space it returns the name unchanged.
	BaseOf(space string) string
}

// DefaultMemoryMapper places every address in one flat space.
type DefaultMemoryMapper struct {
	Space string
}

// Map maps a native address into the flat space.
func (m DefaultMemoryMapper) Map(pid int, offset uint64) (string, trace.Address) {
	return m.Space, trace.Address{Space: m.Space, Offset: offset}
}

// BaseOf returns the flat space itself.
func (m DefaultMemoryMapper) BaseOf(space string) string { return space }

// ProcessOverlayMapper gives each inspected process its own overlay of the
// base space, for hosts that inspect several processes at once.
type ProcessOverlayMapper struct {
	Base string
}

// Map maps a native address into the owning process's overlay space.
func (m ProcessOverlayMapper) Map(pid int, offset uint64) (string, trace.Address) {
	space := fmt.Sprintf("%s%d", m.Base, pid)
	return m.Base, trace.Address{Space: space, Offset: offset}
}

// BaseOf strips the pid suffix from an overlay space this mapper produced.
func (m ProcessOverlayMapper) BaseOf(space string) string {
	rest, ok := strings.CutPrefix(space, m.Base)
	if !ok || rest == "" {
		return space
	}
	for _, r := range rest {
		if r < '0' || r > '9' {
			return space
		}
	}
	return m.Base
}

// RegisterMapper normalizes register names and values for the wire, so the
// architecture-specific spelling happens exactly once.
type RegisterMapper interface {
	// MapValue pairs a canonical register name with its canonical
	// (big-endian) value bytes for a put-registers call.
	MapValue(pid int, name string, canonical []byte) trace.RegisterValue

	// MapName returns the canonical register name, for delete-registers.
	MapName(pid int, name string) string
}

// DefaultRegisterMapper lowercases register names and applies per-language
// name overrides.
type DefaultRegisterMapper struct {
	Overrides map[string]string
}

// MapValue pairs the canonical name with the canonical bytes.
func (m DefaultRegisterMapper) MapValue(pid int, name string, canonical []byte) trace.RegisterValue {
	return trace.RegisterValue{Name: m.MapName(pid, name), Data: canonical}
}

// MapName returns the canonical register name.
func (m DefaultRegisterMapper) MapName(pid int, name string) string {
	name = strings.ToLower(name)
	if mapped, ok := m.Overrides[name]; ok {
		return mapped
	}
	return name
}

// ComputeLCSP selects the trace's language-compiler pair from the target
// environment.
func ComputeLCSP(env target.Environment) (language, compiler string) {
	endian := "LE"
	if env.Order == target.OrderBig {
		endian = "BE"
	}
	arch := strings.ToLower(env.Arch)
	switch {
	case arch == "x86_64" || arch == "amd64" || strings.HasPrefix(arch, "x86-64"):
		language = "x86:" + endian + ":64:default"
	case arch == "i386" || arch == "i686" || arch == "x86":
		language = "x86:" + endian + ":32:default"
	case arch == "aarch64" || arch == "arm64":
		language = "AARCH64:" + endian + ":64:v8A"
	case strings.HasPrefix(arch, "arm"):
		language = "ARM:" + endian + ":32:v8"
	default:
		language = "DATA:" + endian + ":64:default"
	}
	switch strings.ToLower(env.OS) {
	case "windows":
		compiler = "windows"
	default:
		compiler = "gcc"
	}
	if strings.HasPrefix(language, "DATA:") {
		compiler = "pointer64"
	}
	return language, compiler
}

// ComputeMemoryMapper selects the memory mapper for the given language.
func ComputeMemoryMapper(language string) MemoryMapper {
	return DefaultMemoryMapper{Space: DefaultSpace}
}

// ComputeRegisterMapper selects the register mapper for the given language.
func ComputeRegisterMapper(language string) RegisterMapper {
	return DefaultRegisterMapper{}
}
