package trace

import "context"

// Client is a connection to a trace store. A client owns zero or one live
// trace at a time; the session layer enforces that discipline.
type Client interface {
	// CreateTrace creates a new trace on the store. The schema document and
	// root object type are passed through opaquely.
	CreateTrace(name, language, compiler string) (Trace, error)

	// Description identifies this client to the store.
	Description() string

	// Close tears down the connection. Any open trace becomes unusable.
	Close() error
}

// Trace is an open trace on the store. All mutating methods must be called
// inside an open transaction; the store rejects them otherwise.
type Trace interface {
	// StartTx opens a transaction. Only one may be open at a time.
	StartTx(description string, undoable bool) (Transaction, error)

	// StartBatch begins (or nests) a batch. Writes issued while a batch is
	// open may resolve asynchronously; EndBatch flushes and resolves them.
	StartBatch()

	// EndBatch closes one level of batching, flushing at depth zero.
	EndBatch() error

	// Snapshot appends a snapshot to the trace's timeline and returns its
	// number. Subsequent mutations are scoped to it.
	Snapshot(description string) (int64, error)

	// SnapshotAt creates a snapshot at the given point in the timeline. The
	// timeline is monotonic: snap must not precede the current snapshot.
	SnapshotAt(snap int64, description string) (int64, error)

	// Snap returns the current snapshot number.
	Snap() int64

	// Save asks the store to persist the trace durably.
	Save() error

	// Close closes the trace on the store.
	Close() error

	// CreateRootObject creates the tree root from the schema document,
	// returning its handle. Implies the initial snapshot.
	CreateRootObject(schemaXML, rootType string) (*Object, error)

	// CreateObject creates a detached object at path and returns its handle.
	CreateObject(path string) *Object

	// ProxyObject returns a handle for the object at path without creating
	// anything.
	ProxyObject(path string) *Object

	// GetObject fetches the descriptor of the object at path. Blocks even
	// inside a batch.
	GetObject(ctx context.Context, path string) (ObjectDesc, error)

	// GetValues lists values matching a path pattern, where blank keys are
	// wildcards. Blocks even inside a batch.
	GetValues(ctx context.Context, pattern string) ([]ValueDesc, error)

	// GetValuesIntersecting lists address- and range-typed values whose
	// range intersects r. Blocks even inside a batch.
	GetValuesIntersecting(ctx context.Context, r AddrRange) ([]ValueDesc, error)

	// CreateOverlaySpace declares an overlay space over base. Declaring the
	// same overlay twice is a no-op.
	CreateOverlaySpace(base, name string) error

	// PutBytes writes data at addr for the current snapshot onward and
	// resolves to the byte count written.
	PutBytes(addr Address, data []byte) *Future[int]

	// DeleteBytes removes byte content in r from the current snapshot
	// onward.
	DeleteBytes(r AddrRange) error

	// SetMemoryState marks r with the given state.
	SetMemoryState(r AddrRange, state MemoryState) error

	// PutRegisters writes canonical register values into the named register
	// space and resolves to the count written.
	PutRegisters(space string, values []RegisterValue) *Future[int]

	// DeleteRegisters removes the named registers from the space for the
	// current snapshot onward.
	DeleteRegisters(space string, names []string) error

	// Disassemble seeds disassembly at addr, proceeding linearly until the
	// first branch or unknown memory, and returns the length covered.
	Disassemble(ctx context.Context, addr Address) (int, error)

	// ObjectOps exposes the primitive per-object operations Object handles
	// delegate to.
	ObjectOps
}

// ObjectOps are the primitive object-tree mutations and queries, addressed
// by canonical path. Object handles wrap these.
type ObjectOps interface {
	InsertObject(path string) (Lifespan, error)
	RemoveObject(path string) error
	SetObjectValue(path, key string, value Value, schema Schema) error
	RetainObjectValues(path string, keys []string, kinds RetainKind) error
	ActivateObject(path string) error
}

// Transaction is one open transaction on a trace.
type Transaction interface {
	// ID identifies the transaction for logging.
	ID() string

	// Commit durably applies the transaction's mutations.
	Commit() error

	// Abort discards the transaction. This is best-effort only: the store
	// may be unable to roll back everything, leaving the tree inconsistent.
	// Treat it as an emergency escape, not a safe rollback.
	Abort() error
}

// ObjectDesc describes an object on the store.
type ObjectDesc struct {
	ID   uint64
	Path string
}

// ValueDesc describes one value row returned by a query.
type ValueDesc struct {
	Parent string
	Key    string
	Span   Lifespan
	Value  Value
	Schema Schema
}

// Object is a handle to a trace object, bound to the trace that produced it.
// A freshly created object is detached; Insert materializes its ancestry for
// its lifespan.
type Object struct {
	ops  ObjectOps
	path string
}

// NewObject binds a handle to the given ops at path. Trace implementations
// use this from CreateObject and ProxyObject.
func NewObject(ops ObjectOps, path string) *Object {
	return &Object{ops: ops, path: path}
}

// Path returns the object's canonical path.
func (o *Object) Path() string { return o.path }

// Insert materializes the object's ancestry from the current snapshot
// onward, returning the resulting lifespan.
func (o *Object) Insert() (Lifespan, error) {
	return o.ops.InsertObject(o.path)
}

// Remove takes the object out of the tree for the current snapshot onward.
// Historical snapshots are untouched.
func (o *Object) Remove() error {
	return o.ops.RemoveObject(o.path)
}

// SetValue sets one keyed value on the object. A void value removes the key.
// A zero schema lets the store infer the tag from the value's kind.
func (o *Object) SetValue(key string, value Value, schema Schema) error {
	return o.ops.SetObjectValue(o.path, key, value, schema)
}

// RetainValues keeps only the given child keys of the selected kind, setting
// all others to void from the current snapshot onward.
func (o *Object) RetainValues(keys []string, kinds RetainKind) error {
	return o.ops.RetainObjectValues(o.path, keys, kinds)
}

// Activate asks the store's frontend to focus this object.
func (o *Object) Activate() error {
	return o.ops.ActivateObject(o.path)
}
