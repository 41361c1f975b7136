package trace

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/klauspost/compress/zstd"
)

// compressThreshold is the blob size above which MemStore compresses memory
// payloads.
const compressThreshold = 128

var (
	// encoder and decoder for zstd are reusable and thread-safe
	zstdEncoder, _ = zstd.NewWriter(nil)
	zstdDecoder, _ = zstd.NewReader(nil)
)

// MemStore is an in-process trace store. It implements Client and backs the
// traces it creates entirely in memory, including retention and lifespan
// semantics, so the synchronizer can run against it in tests and offline.
type MemStore struct {
	mu     sync.Mutex
	id     string
	desc   string
	traces []*MemTrace
	closed bool
}

// NewMemStore returns an empty in-process store.
func NewMemStore(description string) *MemStore {
	return &MemStore{
		id:   uuid.NewString(),
		desc: description,
	}
}

// Description identifies this client to the store.
func (s *MemStore) Description() string { return s.desc }

// Close tears down the connection.
func (s *MemStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// CreateTrace creates a new in-memory trace.
func (s *MemStore) CreateTrace(name, language, compiler string) (Trace, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, fmt.Errorf("client closed")
	}
	t := &MemTrace{
		store:     s,
		name:      name,
		language:  language,
		compiler:  compiler,
		objects:   make(map[string]*memObject),
		registers: make(map[string]map[string][]byte),
		overlays:  make(map[string]string),
		snaps:     []memSnap{{snap: 0, description: "created"}},
	}
	s.traces = append(s.traces, t)
	return t, nil
}

type memSnap struct {
	snap        int64
	description string
}

type spanValue struct {
	span   Lifespan
	value  Value
	schema Schema
}

type memObject struct {
	id     uint64
	life   *Lifespan
	values map[string][]spanValue
}

type memBlob struct {
	snap    int64
	rng     AddrRange
	data    []byte
	packed  bool // data is zstd-compressed
	deleted bool
}

type memState struct {
	snap  int64
	rng   AddrRange
	state MemoryState
}

type memTx struct {
	trace *MemTrace
	id    string
	done  bool
}

// ID identifies the transaction for logging.
func (tx *memTx) ID() string { return tx.id }

// Commit durably applies the transaction's mutations.
func (tx *memTx) Commit() error {
	tx.trace.mu.Lock()
	defer tx.trace.mu.Unlock()
	if tx.done {
		return fmt.Errorf("transaction %s already closed", tx.id)
	}
	tx.done = true
	tx.trace.tx = nil
	return nil
}

// Abort discards the transaction, best-effort. MemStore applies mutations as
// they arrive, so an abort cannot unwind them; it closes the transaction and
// warns.
func (tx *memTx) Abort() error {
	tx.trace.mu.Lock()
	defer tx.trace.mu.Unlock()
	if tx.done {
		return fmt.Errorf("transaction %s already closed", tx.id)
	}
	slog.Warn("aborting trace transaction; applied mutations are not rolled back",
		"tx", tx.id)
	tx.done = true
	tx.trace.tx = nil
	return nil
}

// MemTrace is one trace held by a MemStore.
type MemTrace struct {
	store    *MemStore
	mu       sync.Mutex
	name     string
	language string
	compiler string
	rootType string
	schema   string

	objects map[string]*memObject
	nextID  uint64

	blobs     []memBlob
	states    []memState
	registers map[string]map[string][]byte
	overlays  map[string]string

	snaps  []memSnap
	snap   int64
	tx     *memTx
	closed bool

	batchDepth int
	pending    []func()

	activated string
}

func (t *MemTrace) requireTx() error {
	if t.tx == nil {
		return fmt.Errorf("no open transaction on trace %q", t.name)
	}
	return nil
}

// StartTx opens a transaction. Only one may be open at a time.
func (t *MemTrace) StartTx(description string, undoable bool) (Transaction, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil, fmt.Errorf("trace %q closed", t.name)
	}
	if t.tx != nil {
		return nil, fmt.Errorf("transaction already open on trace %q", t.name)
	}
	tx := &memTx{trace: t, id: uuid.NewString()}
	t.tx = tx
	slog.Debug("transaction open", "tx", tx.id, "description", description, "undoable", undoable)
	return tx, nil
}

// StartBatch begins (or nests) a batch.
func (t *MemTrace) StartBatch() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.batchDepth++
}

// EndBatch closes one level of batching, resolving deferred futures at depth
// zero.
func (t *MemTrace) EndBatch() error {
	t.mu.Lock()
	if t.batchDepth == 0 {
		t.mu.Unlock()
		return fmt.Errorf("no open batch")
	}
	t.batchDepth--
	if t.batchDepth > 0 {
		t.mu.Unlock()
		return nil
	}
	pending := t.pending
	t.pending = nil
	t.mu.Unlock()
	for _, resolve := range pending {
		resolve()
	}
	return nil
}

// Snapshot appends a snapshot to the timeline.
func (t *MemTrace) Snapshot(description string) (int64, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.snapshotLocked(t.snap+1, description)
}

// SnapshotAt creates a snapshot at the given point. The timeline is
// monotonic.
func (t *MemTrace) SnapshotAt(snap int64, description string) (int64, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if snap < t.snap {
		return 0, fmt.Errorf("snapshot %d precedes current snapshot %d", snap, t.snap)
	}
	return t.snapshotLocked(snap, description)
}

func (t *MemTrace) snapshotLocked(snap int64, description string) (int64, error) {
	if err := t.requireTx(); err != nil {
		return 0, err
	}
	t.snap = snap
	t.snaps = append(t.snaps, memSnap{snap: snap, description: description})
	return snap, nil
}

// Snap returns the current snapshot number.
func (t *MemTrace) Snap() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.snap
}

// Save persists the trace. MemStore holds everything in memory already.
func (t *MemTrace) Save() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return fmt.Errorf("trace %q closed", t.name)
	}
	return nil
}

// Close closes the trace.
func (t *MemTrace) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	return nil
}

// CreateRootObject creates the tree root from the schema document.
func (t *MemTrace) CreateRootObject(schemaXML, rootType string) (*Object, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.requireTx(); err != nil {
		return nil, err
	}
	t.schema = schemaXML
	t.rootType = rootType
	root := t.ensureObjectLocked("")
	span := Span(t.snap)
	root.life = &span
	return NewObject(t, ""), nil
}

// CreateObject returns a handle for a new detached object at path. The
// object is materialized on first mutation through the handle.
func (t *MemTrace) CreateObject(path string) *Object {
	return NewObject(t, path)
}

// ProxyObject returns a handle for the object at path.
func (t *MemTrace) ProxyObject(path string) *Object {
	return NewObject(t, path)
}

func (t *MemTrace) ensureObjectLocked(path string) *memObject {
	obj, ok := t.objects[path]
	if !ok {
		t.nextID++
		obj = &memObject{id: t.nextID, values: make(map[string][]spanValue)}
		t.objects[path] = obj
	}
	return obj
}

// SplitPath separates a canonical path into its parent path and final key.
// Element keys keep their brackets; the root's parent is the root itself.
func SplitPath(path string) (parent, key string) {
	if path == "" {
		return "", ""
	}
	if strings.HasSuffix(path, "]") {
		if i := strings.LastIndex(path, "["); i >= 0 {
			return path[:i], path[i:]
		}
	}
	if i := strings.LastIndex(path, "."); i >= 0 {
		return path[:i], path[i+1:]
	}
	return "", path
}

// JoinPath appends a key to a parent path, bracketed keys without a dot.
func JoinPath(parent, key string) string {
	if IsElementKey(key) || parent == "" {
		return parent + key
	}
	return parent + "." + key
}

// InsertObject materializes the object's ancestry from the current snapshot
// onward.
func (t *MemTrace) InsertObject(path string) (Lifespan, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.requireTx(); err != nil {
		return Lifespan{}, err
	}
	span := Span(t.snap)
	for p := path; p != ""; {
		obj := t.ensureObjectLocked(p)
		if obj.life == nil {
			obj.life = &span
		}
		parent, key := SplitPath(p)
		parentObj := t.ensureObjectLocked(parent)
		if parentObj.life == nil {
			parentObj.life = &span
		}
		t.setValueLocked(parentObj, key, ObjectValue(p), SchemaObject)
		p = parent
	}
	return span, nil
}

// RemoveObject takes the object out of the tree from the current snapshot
// onward.
func (t *MemTrace) RemoveObject(path string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.requireTx(); err != nil {
		return err
	}
	parent, key := SplitPath(path)
	if parentObj, ok := t.objects[parent]; ok {
		t.setValueLocked(parentObj, key, VoidValue(), SchemaVoid)
	}
	if obj, ok := t.objects[path]; ok && obj.life != nil && obj.life.Contains(t.snap) {
		obj.life = &Lifespan{Min: obj.life.Min, Max: t.snap - 1}
	}
	return nil
}

// setValueLocked truncates any value span covering the current snapshot and
// opens a new one, unless the value is void (pure removal).
func (t *MemTrace) setValueLocked(obj *memObject, key string, value Value, schema Schema) {
	spans := obj.values[key]
	for i := range spans {
		if spans[i].span.Contains(t.snap) {
			if spans[i].span.Min >= t.snap {
				// Span starts here; replace it outright.
				spans = append(spans[:i], spans[i+1:]...)
			} else {
				spans[i].span.Max = t.snap - 1
			}
			break
		}
	}
	if value.Kind != KindVoid {
		spans = append(spans, spanValue{span: Span(t.snap), value: value, schema: schema})
	}
	obj.values[key] = spans
}

// SetObjectValue sets one keyed value on the object at path.
func (t *MemTrace) SetObjectValue(path, key string, value Value, schema Schema) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.requireTx(); err != nil {
		return err
	}
	if schema == SchemaNone {
		schema = value.DefaultSchema()
	}
	t.setValueLocked(t.ensureObjectLocked(path), key, value, schema)
	return nil
}

// RetainObjectValues keeps only the given child keys of the selected kind.
func (t *MemTrace) RetainObjectValues(path string, keys []string, kinds RetainKind) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.requireTx(); err != nil {
		return err
	}
	obj, ok := t.objects[path]
	if !ok {
		return nil
	}
	keep := make(map[string]bool, len(keys))
	for _, k := range keys {
		keep[k] = true
	}
	for key := range obj.values {
		if keep[key] {
			continue
		}
		elem := IsElementKey(key)
		if kinds == RetainElements && !elem {
			continue
		}
		if kinds == RetainAttributes && elem {
			continue
		}
		t.setValueLocked(obj, key, VoidValue(), SchemaVoid)
	}
	return nil
}

// ActivateObject records an activation request for the object at path.
func (t *MemTrace) ActivateObject(path string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.activated = path
	return nil
}

// Activated returns the last activated path, for tests.
func (t *MemTrace) Activated() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.activated
}

// GetObject fetches the descriptor of the object at path.
func (t *MemTrace) GetObject(ctx context.Context, path string) (ObjectDesc, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	obj, ok := t.objects[path]
	if !ok {
		return ObjectDesc{}, fmt.Errorf("no such object: %q", path)
	}
	return ObjectDesc{ID: obj.id, Path: path}, nil
}

// patternRegexp compiles a value-path pattern. Empty brackets are element
// wildcards; a trailing dot matches any attribute of the prefix.
func patternRegexp(pattern string) (*regexp.Regexp, error) {
	attrWild := strings.HasSuffix(pattern, ".")
	if attrWild {
		pattern = strings.TrimSuffix(pattern, ".")
	}
	quoted := regexp.QuoteMeta(pattern)
	quoted = strings.ReplaceAll(quoted, `\[\]`, `\[[^\]]*\]`)
	if attrWild {
		quoted += `\.[^.\[\]]+`
	}
	return regexp.Compile("^" + quoted + "$")
}

func (t *MemTrace) valueRows(at int64) []ValueDesc {
	var rows []ValueDesc
	for path, obj := range t.objects {
		for key, spans := range obj.values {
			for _, sv := range spans {
				if !sv.span.Contains(at) {
					continue
				}
				rows = append(rows, ValueDesc{
					Parent: path,
					Key:    key,
					Span:   sv.span,
					Value:  sv.value,
					Schema: sv.schema,
				})
			}
		}
	}
	return rows
}

// GetValues lists values matching a path pattern.
func (t *MemTrace) GetValues(ctx context.Context, pattern string) ([]ValueDesc, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	re, err := patternRegexp(pattern)
	if err != nil {
		return nil, fmt.Errorf("bad pattern %q: %v", pattern, err)
	}
	var out []ValueDesc
	for _, row := range t.valueRows(t.snap) {
		if re.MatchString(JoinPath(row.Parent, row.Key)) {
			out = append(out, row)
		}
	}
	return out, nil
}

// GetValuesIntersecting lists address- and range-typed values intersecting r.
func (t *MemTrace) GetValuesIntersecting(ctx context.Context, r AddrRange) ([]ValueDesc, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []ValueDesc
	for _, row := range t.valueRows(t.snap) {
		switch row.Value.Kind {
		case KindAddress:
			if row.Value.Addr.Extend(1).Intersects(r) {
				out = append(out, row)
			}
		case KindRange:
			if row.Value.Range.Intersects(r) {
				out = append(out, row)
			}
		}
	}
	return out, nil
}

// CreateOverlaySpace declares an overlay space over base.
func (t *MemTrace) CreateOverlaySpace(base, name string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.requireTx(); err != nil {
		return err
	}
	if existing, ok := t.overlays[name]; ok {
		if existing != base {
			return fmt.Errorf("overlay space %q already declared over %q", name, existing)
		}
		return nil
	}
	t.overlays[name] = base
	return nil
}

// OverlayCount returns the number of declared overlay spaces, for tests.
func (t *MemTrace) OverlayCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.overlays)
}

// deferOrNow resolves a future immediately, or at batch flush when a batch
// is open.
func (t *MemTrace) deferOrNow(resolve func()) {
	if t.batchDepth > 0 {
		t.pending = append(t.pending, resolve)
		return
	}
	resolve()
}

// PutBytes writes data at addr for the current snapshot onward.
func (t *MemTrace) PutBytes(addr Address, data []byte) *Future[int] {
	t.mu.Lock()
	defer t.mu.Unlock()
	f := NewFuture[int]()
	if err := t.requireTx(); err != nil {
		f.Complete(0, err)
		return f
	}
	blob := memBlob{snap: t.snap, rng: addr.Extend(uint64(len(data)))}
	if len(data) >= compressThreshold {
		blob.data = zstdEncoder.EncodeAll(data, make([]byte, 0, len(data)))
		blob.packed = true
	} else {
		blob.data = append([]byte(nil), data...)
	}
	t.blobs = append(t.blobs, blob)
	t.states = append(t.states, memState{snap: t.snap, rng: blob.rng, state: MemoryKnown})
	n := len(data)
	t.deferOrNow(func() { f.Complete(n, nil) })
	return f
}

// DeleteBytes removes byte content in r from the current snapshot onward.
func (t *MemTrace) DeleteBytes(r AddrRange) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.requireTx(); err != nil {
		return err
	}
	t.blobs = append(t.blobs, memBlob{snap: t.snap, rng: r, deleted: true})
	t.states = append(t.states, memState{snap: t.snap, rng: r, state: MemoryUnknown})
	return nil
}

// SetMemoryState marks r with the given state.
func (t *MemTrace) SetMemoryState(r AddrRange, state MemoryState) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.requireTx(); err != nil {
		return err
	}
	t.states = append(t.states, memState{snap: t.snap, rng: r, state: state})
	return nil
}

// BytesAt reads back recorded memory at the current snapshot, for tests.
// Bytes never written read as zero.
func (t *MemTrace) BytesAt(addr Address, length int) ([]byte, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]byte, length)
	want := addr.Extend(uint64(length))
	for _, blob := range t.blobs {
		if blob.snap > t.snap || !blob.rng.Intersects(want) {
			continue
		}
		if blob.deleted {
			for i := range out {
				off := addr.Offset + uint64(i)
				if off >= blob.rng.Offset && off < blob.rng.End() {
					out[i] = 0
				}
			}
			continue
		}
		data := blob.data
		if blob.packed {
			var err error
			data, err = zstdDecoder.DecodeAll(blob.data, nil)
			if err != nil {
				return nil, fmt.Errorf("corrupt blob at %s: %v", blob.rng, err)
			}
		}
		for i := range out {
			off := addr.Offset + uint64(i)
			if off >= blob.rng.Offset && off < blob.rng.End() {
				out[i] = data[off-blob.rng.Offset]
			}
		}
	}
	return out, nil
}

// StateAt returns the recorded state of a single address at the current
// snapshot, for tests.
func (t *MemTrace) StateAt(addr Address) MemoryState {
	t.mu.Lock()
	defer t.mu.Unlock()
	state := MemoryUnknown
	for _, s := range t.states {
		if s.snap <= t.snap && s.rng.Intersects(addr.Extend(1)) {
			state = s.state
		}
	}
	return state
}

// PutRegisters writes canonical register values into the named space.
func (t *MemTrace) PutRegisters(space string, values []RegisterValue) *Future[int] {
	t.mu.Lock()
	defer t.mu.Unlock()
	f := NewFuture[int]()
	if err := t.requireTx(); err != nil {
		f.Complete(0, err)
		return f
	}
	bank, ok := t.registers[space]
	if !ok {
		bank = make(map[string][]byte)
		t.registers[space] = bank
	}
	for _, rv := range values {
		bank[rv.Name] = append([]byte(nil), rv.Data...)
	}
	n := len(values)
	t.deferOrNow(func() { f.Complete(n, nil) })
	return f
}

// DeleteRegisters removes the named registers from the space.
func (t *MemTrace) DeleteRegisters(space string, names []string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.requireTx(); err != nil {
		return err
	}
	bank, ok := t.registers[space]
	if !ok {
		return nil
	}
	for _, name := range names {
		delete(bank, name)
	}
	return nil
}

// RegisterAt reads back a recorded register, for tests.
func (t *MemTrace) RegisterAt(space, name string) ([]byte, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	bank, ok := t.registers[space]
	if !ok {
		return nil, false
	}
	data, ok := bank[name]
	return data, ok
}

// Disassemble proceeds linearly from addr through known bytes and returns
// the length covered. MemStore has no instruction decoder; it covers the
// contiguous known range, capped at one page.
func (t *MemTrace) Disassemble(ctx context.Context, addr Address) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	length := 0
	for length < 4096 {
		probe := Address{Space: addr.Space, Offset: addr.Offset + uint64(length)}.Extend(1)
		known := false
		for _, blob := range t.blobs {
			if blob.snap <= t.snap && !blob.deleted && blob.rng.Intersects(probe) {
				known = true
				break
			}
		}
		if !known {
			break
		}
		length++
	}
	return length, nil
}

// CurrentValue returns the live value for key on the object at path, for
// tests.
func (t *MemTrace) CurrentValue(path, key string) (Value, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	obj, ok := t.objects[path]
	if !ok {
		return Value{}, false
	}
	for _, sv := range obj.values[key] {
		if sv.span.Contains(t.snap) {
			return sv.value, true
		}
	}
	return Value{}, false
}

// ValueAt returns the value for key on the object at path as of a specific
// snapshot, for tests of historical preservation.
func (t *MemTrace) ValueAt(snap int64, path, key string) (Value, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	obj, ok := t.objects[path]
	if !ok {
		return Value{}, false
	}
	for _, sv := range obj.values[key] {
		if sv.span.Contains(snap) {
			return sv.value, true
		}
	}
	return Value{}, false
}
