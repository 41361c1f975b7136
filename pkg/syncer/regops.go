package syncer

import (
	"log/slog"

	"github.com/willibrandon/tracemir/pkg/addrmap"
	"github.com/willibrandon/tracemir/pkg/codec"
	"github.com/willibrandon/tracemir/pkg/path"
	"github.com/willibrandon/tracemir/pkg/target"
	"github.com/willibrandon/tracemir/pkg/trace"
)

// regFocus locates the selected frame's register space and its path
// identifiers, declaring the space as an overlay of the register base space.
type regFocus struct {
	space string
	pid   int
	tid   uint64
	level int
}

func (sy *Syncer) selectedRegSpace(tr trace.Trace) (regFocus, error) {
	tgt := sy.sess.Target()
	proc, err := tgt.Process()
	if err != nil {
		return regFocus{}, err
	}
	t, ok, err := tgt.SelectedThread()
	if err != nil {
		return regFocus{}, err
	}
	if !ok {
		return regFocus{}, target.ErrNoProcess
	}
	level := 0
	if f, ok, err := tgt.SelectedFrame(); err != nil {
		return regFocus{}, err
	} else if ok {
		level = f.Level
	}
	space := path.Registers(proc.PID, t.TID, level)
	if err := tr.CreateOverlaySpace(addrmap.RegisterSpace, space); err != nil {
		return regFocus{}, err
	}
	return regFocus{space: space, pid: proc.PID, tid: t.TID, level: level}, nil
}

// selectBanks returns the banks matching name, or all banks for "" or "all".
func selectBanks(banks []target.RegisterBank, name string) []target.RegisterBank {
	if name == "" || name == "all" {
		return banks
	}
	var out []target.RegisterBank
	for _, b := range banks {
		if b.Name == name {
			out = append(out, b)
		}
	}
	return out
}

// PutReg records the selected frame's registers from the named bank into the
// frame's register space. Registers whose bytes cannot be canonicalized are
// deleted from the space instead, so stale values never linger.
func (sy *Syncer) PutReg(bank string) error {
	tr, _, err := sy.sess.RequireTx()
	if err != nil {
		return err
	}
	return sy.putReg(tr, bank)
}

func (sy *Syncer) putReg(tr trace.Trace, bank string) error {
	tgt := sy.sess.Target()
	focus, err := sy.selectedRegSpace(tr)
	if err != nil {
		return err
	}
	if _, err := tr.CreateObject(focus.space).Insert(); err != nil {
		return err
	}
	rm, err := sy.sess.RegMapper()
	if err != nil {
		return err
	}
	banks, err := tgt.RegisterBanks()
	if err != nil {
		return err
	}
	var values []trace.RegisterValue
	var missing []string
	for _, b := range selectBanks(banks, bank) {
		bankObj := tr.CreateObject(path.Bank(focus.pid, focus.tid, focus.level, b.Name))
		if _, err := bankObj.Insert(); err != nil {
			return err
		}
		for _, reg := range b.Registers {
			// The tree carries the host's human-friendly rendering; the
			// register space carries the canonical bytes.
			if err := bankObj.SetValue(reg.Name, trace.StringValue(reg.Render), trace.SchemaString); err != nil {
				return err
			}
			canonical, err := codec.RegBytes(reg.Data, reg.Order)
			if err != nil {
				slog.Warn("skipping register", "name", reg.Name, "err", err)
				missing = append(missing, rm.MapName(focus.pid, reg.Name))
				continue
			}
			values = append(values, rm.MapValue(focus.pid, reg.Name, canonical))
		}
	}
	tr.PutRegisters(focus.space, values)
	if len(missing) > 0 {
		if err := tr.DeleteRegisters(focus.space, missing); err != nil {
			return err
		}
	}
	return nil
}

// DelReg deletes the named bank's registers from the selected frame's
// register space.
func (sy *Syncer) DelReg(bank string) error {
	tr, _, err := sy.sess.RequireTx()
	if err != nil {
		return err
	}
	tgt := sy.sess.Target()
	focus, err := sy.selectedRegSpace(tr)
	if err != nil {
		return err
	}
	rm, err := sy.sess.RegMapper()
	if err != nil {
		return err
	}
	banks, err := tgt.RegisterBanks()
	if err != nil {
		return err
	}
	var names []string
	for _, b := range selectBanks(banks, bank) {
		for _, reg := range b.Registers {
			names = append(names, rm.MapName(focus.pid, reg.Name))
		}
	}
	return tr.DeleteRegisters(focus.space, names)
}
