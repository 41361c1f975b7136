package syncer

import (
	"context"
	"fmt"
	"time"

	"github.com/willibrandon/tracemir/pkg/codec"
	"github.com/willibrandon/tracemir/pkg/trace"
)

// PageSize is the quantization unit for memory captures.
const PageSize = 4096

// DefaultPollInterval is how often WaitStopped re-checks the process state.
const DefaultPollInterval = 100 * time.Millisecond

// QuantizePages widens [start, end) to page boundaries. end is exclusive and
// saturates rather than wrapping.
func QuantizePages(start, end uint64) (uint64, uint64) {
	qstart := start &^ (PageSize - 1)
	qend := (end + PageSize - 1) &^ (PageSize - 1)
	if qend < end {
		qend = ^uint64(0)
	}
	return qstart, qend
}

// evalRange evaluates an address expression and a length expression against
// the target, returning [start, end).
func (sy *Syncer) evalRange(addrExpr, lenExpr string) (uint64, uint64, error) {
	tgt := sy.sess.Target()
	start, err := tgt.EvalAddress(addrExpr)
	if err != nil {
		return 0, 0, fmt.Errorf("bad address expression: %v", err)
	}
	length, err := tgt.EvalAddress(lenExpr)
	if err != nil {
		return 0, 0, fmt.Errorf("bad length expression: %v", err)
	}
	return start, start + length, nil
}

// putMemRange captures target memory over [start, end) into the trace,
// returning the recorded range and the pending write. The future resolves
// when any enclosing batch flushes; a nil future means the read failed and
// was skipped so a partially unmapped page does not abort the capture.
func (sy *Syncer) putMemRange(tr trace.Trace, start, end uint64, pages bool) (trace.AddrRange, *trace.Future[int], error) {
	if pages {
		start, end = QuantizePages(start, end)
	}
	tgt := sy.sess.Target()
	proc, err := tgt.Process()
	if err != nil {
		return trace.AddrRange{}, nil, err
	}
	mm, err := sy.sess.MemMapper()
	if err != nil {
		return trace.AddrRange{}, nil, err
	}
	addr, err := sy.mapAndDeclare(tr, mm, proc.PID, start)
	if err != nil {
		return trace.AddrRange{}, nil, err
	}
	rng := addr.Extend(end - start)
	data, err := tgt.ReadMemory(start, int(end-start))
	if err != nil {
		return rng, nil, nil
	}
	fut := tr.PutBytes(addr, data)
	bytesRecorded.Add(float64(len(data)))
	return rng, fut, nil
}

func (sy *Syncer) putMemExpr(tr trace.Trace, addrExpr, lenExpr string, pages bool) (trace.AddrRange, *trace.Future[int], error) {
	start, end, err := sy.evalRange(addrExpr, lenExpr)
	if err != nil {
		return trace.AddrRange{}, nil, err
	}
	return sy.putMemRange(tr, start, end, pages)
}

// PutMem captures memory at an address expression for a length expression,
// optionally quantized to whole pages. It returns the recorded range and
// the byte count written.
func (sy *Syncer) PutMem(ctx context.Context, addrExpr, lenExpr string, pages bool) (trace.AddrRange, int, error) {
	tr, _, err := sy.sess.RequireTx()
	if err != nil {
		return trace.AddrRange{}, 0, err
	}
	rng, fut, err := sy.putMemExpr(tr, addrExpr, lenExpr, pages)
	if err != nil || fut == nil {
		return rng, 0, err
	}
	n, err := fut.Wait(ctx)
	return rng, n, err
}

// PutVal captures the memory backing an lvalue expression. The recorded
// range runs from the value's load address for its byte size.
func (sy *Syncer) PutVal(ctx context.Context, expr string, pages bool) (trace.AddrRange, int, error) {
	tr, _, err := sy.sess.RequireTx()
	if err != nil {
		return trace.AddrRange{}, 0, err
	}
	val, err := sy.sess.Target().EvalValue(expr)
	if err != nil {
		return trace.AddrRange{}, 0, fmt.Errorf("cannot evaluate '%s': %v", expr, err)
	}
	if !val.AddrValid {
		return trace.AddrRange{}, 0, fmt.Errorf("cannot get address of '%s'", expr)
	}
	start := val.Addr
	end := start + uint64(len(val.Bytes))
	rng, fut, err := sy.putMemRange(tr, start, end, pages)
	if err != nil || fut == nil {
		return rng, 0, err
	}
	n, err := fut.Wait(ctx)
	return rng, n, err
}

// PutMemState marks a memory range with a state instead of content, e.g.
// "error" for a range the host refused to read.
func (sy *Syncer) PutMemState(addrExpr, lenExpr string, state trace.MemoryState, pages bool) (trace.AddrRange, error) {
	tr, _, err := sy.sess.RequireTx()
	if err != nil {
		return trace.AddrRange{}, err
	}
	start, end, err := sy.evalRange(addrExpr, lenExpr)
	if err != nil {
		return trace.AddrRange{}, err
	}
	if pages {
		start, end = QuantizePages(start, end)
	}
	proc, err := sy.sess.Target().Process()
	if err != nil {
		return trace.AddrRange{}, err
	}
	mm, err := sy.sess.MemMapper()
	if err != nil {
		return trace.AddrRange{}, err
	}
	addr, err := sy.mapAndDeclare(tr, mm, proc.PID, start)
	if err != nil {
		return trace.AddrRange{}, err
	}
	rng := addr.Extend(end - start)
	return rng, tr.SetMemoryState(rng, state)
}

// DelMem deletes recorded memory over the exact range, without page
// quantization so adjacent captures survive. No overlay space is declared;
// deleting from a space that was never written is a no-op.
func (sy *Syncer) DelMem(addrExpr, lenExpr string) error {
	tr, _, err := sy.sess.RequireTx()
	if err != nil {
		return err
	}
	start, end, err := sy.evalRange(addrExpr, lenExpr)
	if err != nil {
		return err
	}
	proc, err := sy.sess.Target().Process()
	if err != nil {
		return err
	}
	mm, err := sy.sess.MemMapper()
	if err != nil {
		return err
	}
	_, addr := mm.Map(proc.PID, start)
	return tr.DeleteBytes(addr.Extend(end - start))
}

// Disassemble captures the page around an address expression and seeds
// disassembly there, returning the length covered.
func (sy *Syncer) Disassemble(ctx context.Context, addrExpr string) (int, error) {
	tr, _, err := sy.sess.RequireTx()
	if err != nil {
		return 0, err
	}
	start, err := sy.sess.Target().EvalAddress(addrExpr)
	if err != nil {
		return 0, fmt.Errorf("bad address expression: %v", err)
	}
	if _, _, err := sy.putMemRange(tr, start, start+1, true); err != nil {
		return 0, err
	}
	proc, err := sy.sess.Target().Process()
	if err != nil {
		return 0, err
	}
	mm, err := sy.sess.MemMapper()
	if err != nil {
		return 0, err
	}
	addr, err := sy.mapAndDeclare(tr, mm, proc.PID, start)
	if err != nil {
		return 0, err
	}
	return tr.Disassemble(ctx, addr)
}

// GetObj fetches the descriptor of the object at p.
func (sy *Syncer) GetObj(ctx context.Context, p string) (trace.ObjectDesc, error) {
	tr, err := sy.sess.RequireTrace()
	if err != nil {
		return trace.ObjectDesc{}, err
	}
	return tr.GetObject(ctx, p)
}

// GetValues lists values matching a path pattern.
func (sy *Syncer) GetValues(ctx context.Context, pattern string) ([]trace.ValueDesc, error) {
	tr, err := sy.sess.RequireTrace()
	if err != nil {
		return nil, err
	}
	return tr.GetValues(ctx, pattern)
}

// GetValuesRng lists address-typed values intersecting the evaluated range.
// The range is mapped but no overlay is declared; a space that was never
// written holds nothing to find.
func (sy *Syncer) GetValuesRng(ctx context.Context, addrExpr, lenExpr string) ([]trace.ValueDesc, error) {
	tr, err := sy.sess.RequireTrace()
	if err != nil {
		return nil, err
	}
	start, end, err := sy.evalRange(addrExpr, lenExpr)
	if err != nil {
		return nil, err
	}
	proc, err := sy.sess.Target().Process()
	if err != nil {
		return nil, err
	}
	mm, err := sy.sess.MemMapper()
	if err != nil {
		return nil, err
	}
	_, addr := mm.Map(proc.PID, start)
	return tr.GetValuesIntersecting(ctx, addr.Extend(end-start))
}

// WaitStopped polls the process state until it reports stopped or the
// timeout elapses.
func (sy *Syncer) WaitStopped(ctx context.Context, timeout time.Duration) error {
	tgt := sy.sess.Target()
	interval := sy.PollInterval
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	deadline := time.Now().Add(timeout)
	for {
		proc, err := tgt.Process()
		if err != nil {
			return err
		}
		if !proc.Running {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("timed out waiting for process to stop")
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(interval):
		}
	}
}

// SetValue writes one keyed value on the object at p. Object-schema values
// create a reference to the named path; address and range values get their
// overlay spaces declared first.
func (sy *Syncer) SetValue(p, key string, value trace.Value, schema trace.Schema) error {
	tr, _, err := sy.sess.RequireTx()
	if err != nil {
		return err
	}
	switch value.Kind {
	case trace.KindAddress:
		if err := sy.declareSpace(tr, value.Addr.Space); err != nil {
			return err
		}
	case trace.KindRange:
		if err := sy.declareSpace(tr, value.Range.Space); err != nil {
			return err
		}
	}
	return tr.ProxyObject(p).SetValue(key, value, schema)
}

// SetValueExpr evaluates a target expression and records the converted value
// on the object at p. An OBJECT hint takes the expression verbatim as an
// object path instead of evaluating it; any other hint disambiguates the
// native shape during conversion. A void result removes the value.
func (sy *Syncer) SetValueExpr(p, key, expr string, hint trace.Schema) error {
	if hint == trace.SchemaObject {
		return sy.SetValue(p, key, trace.ObjectValue(expr), trace.SchemaObject)
	}
	tgt := sy.sess.Target()
	raw, err := tgt.EvalValue(expr)
	if err != nil {
		return fmt.Errorf("cannot evaluate '%s': %v", expr, err)
	}
	proc, err := tgt.Process()
	if err != nil {
		return err
	}
	mm, err := sy.sess.MemMapper()
	if err != nil {
		return err
	}
	res, err := codec.Convert(raw, hint, mm, proc.PID)
	if err != nil {
		return err
	}
	return sy.SetValue(p, key, res.Value, res.Schema)
}

// declareSpace declares an overlay for a non-base space name so a value
// referring to it can be stored. Base spaces need no declaration.
func (sy *Syncer) declareSpace(tr trace.Trace, space string) error {
	mm, err := sy.sess.MemMapper()
	if err != nil {
		return err
	}
	base := mm.BaseOf(space)
	if base == space {
		return nil
	}
	return tr.CreateOverlaySpace(base, space)
}

// RetainValues keeps only the listed child keys of the given kind on the
// object at p, voiding the rest from the current snapshot onward.
func (sy *Syncer) RetainValues(p string, keys []string, kinds trace.RetainKind) error {
	tr, _, err := sy.sess.RequireTx()
	if err != nil {
		return err
	}
	retainCalls.Inc()
	return tr.ProxyObject(p).RetainValues(keys, kinds)
}

// CreateObj creates and inserts an object at p, returning its lifespan.
func (sy *Syncer) CreateObj(p string) (trace.Lifespan, error) {
	tr, _, err := sy.sess.RequireTx()
	if err != nil {
		return trace.Lifespan{}, err
	}
	life, err := tr.CreateObject(p).Insert()
	if err == nil {
		objectsWritten.Inc()
	}
	return life, err
}

// InsertObj re-inserts the existing object at p.
func (sy *Syncer) InsertObj(p string) (trace.Lifespan, error) {
	tr, _, err := sy.sess.RequireTx()
	if err != nil {
		return trace.Lifespan{}, err
	}
	return tr.ProxyObject(p).Insert()
}

// RemoveObj removes the object at p from the current snapshot onward.
func (sy *Syncer) RemoveObj(p string) error {
	tr, _, err := sy.sess.RequireTx()
	if err != nil {
		return err
	}
	return tr.ProxyObject(p).Remove()
}
