// Package session owns the connection, trace, and transaction handles and
// enforces their strict nesting: a transaction requires a trace, a trace
// requires a connection, and at most one of each is live. No other component
// holds these handles; all access goes through the accessors here.
package session

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"strings"

	"github.com/willibrandon/tracemir/pkg/addrmap"
	"github.com/willibrandon/tracemir/pkg/target"
	"github.com/willibrandon/tracemir/pkg/trace"
)

// State-precondition errors. These fail fast and are never retried; each
// names the missing or conflicting resource.
var (
	ErrNotConnected         = errors.New("not connected")
	ErrAlreadyConnected     = errors.New("already connected")
	ErrNoTrace              = errors.New("no trace active")
	ErrAlreadyTraced        = errors.New("trace already started")
	ErrNoTransaction        = errors.New("no transaction")
	ErrAlreadyInTransaction = errors.New("transaction already started")
	ErrNoMemoryMapper       = errors.New("no memory mapper")
	ErrNoRegisterMapper     = errors.New("no register mapper")
)

// TracingVar is the host convenience variable recording whether a trace is
// active, for other host-side subsystems to consult.
const TracingVar = "_tracemir_tracing"

// DefaultRootType is the schema type of the trace's root object.
const DefaultRootType = "TargetSession"

// Connector establishes connections to a trace store. The wire transport is
// an external collaborator; the session only drives its lifecycle.
type Connector interface {
	// Connect dials the store at address.
	Connect(address string) (trace.Client, error)

	// Listen binds to address and blocks until a store connects. It returns
	// the client and the bound address.
	Listen(address string) (trace.Client, string, error)
}

// Session coordinates one connection to a trace store against one inspected
// target. Zero value is not usable; construct with New.
type Session struct {
	connector Connector
	tgt       target.Target
	schemaXML string
	rootType  string

	client trace.Client
	tr     trace.Trace
	tx     trace.Transaction

	memMapper addrmap.MemoryMapper
	regMapper addrmap.RegisterMapper
}

// New creates a disconnected session. schemaXML is the schema document
// passed through to the store at trace creation.
func New(connector Connector, tgt target.Target, schemaXML string) *Session {
	tgt.SetConvenienceVariable(TracingVar, "false")
	return &Session{
		connector: connector,
		tgt:       tgt,
		schemaXML: schemaXML,
		rootType:  DefaultRootType,
	}
}

// Target returns the debugger-host collaborator.
func (s *Session) Target() target.Target { return s.tgt }

// RequireClient returns the live connection or ErrNotConnected.
func (s *Session) RequireClient() (trace.Client, error) {
	if s.client == nil {
		return nil, ErrNotConnected
	}
	return s.client, nil
}

// RequireNoClient fails with ErrAlreadyConnected if a connection is live.
func (s *Session) RequireNoClient() error {
	if s.client != nil {
		return ErrAlreadyConnected
	}
	return nil
}

// RequireTrace returns the open trace or ErrNoTrace.
func (s *Session) RequireTrace() (trace.Trace, error) {
	if s.tr == nil {
		return nil, ErrNoTrace
	}
	return s.tr, nil
}

// RequireNoTrace fails with ErrAlreadyTraced if a trace is open.
func (s *Session) RequireNoTrace() error {
	if s.tr != nil {
		return ErrAlreadyTraced
	}
	return nil
}

// RequireTx returns the open trace and transaction, or ErrNoTrace /
// ErrNoTransaction.
func (s *Session) RequireTx() (trace.Trace, trace.Transaction, error) {
	tr, err := s.RequireTrace()
	if err != nil {
		return nil, nil, err
	}
	if s.tx == nil {
		return nil, nil, ErrNoTransaction
	}
	return tr, s.tx, nil
}

// RequireNoTx fails with ErrAlreadyInTransaction if a transaction is open.
func (s *Session) RequireNoTx() error {
	if s.tx != nil {
		return ErrAlreadyInTransaction
	}
	return nil
}

// MemMapper returns the trace's memory mapper.
func (s *Session) MemMapper() (addrmap.MemoryMapper, error) {
	if s.memMapper == nil {
		return nil, ErrNoMemoryMapper
	}
	return s.memMapper, nil
}

// RegMapper returns the trace's register mapper.
func (s *Session) RegMapper() (addrmap.RegisterMapper, error) {
	if s.regMapper == nil {
		return nil, ErrNoRegisterMapper
	}
	return s.regMapper, nil
}

func (s *Session) resetTx() {
	s.tx = nil
}

func (s *Session) resetTrace() {
	s.tr = nil
	s.memMapper = nil
	s.regMapper = nil
	s.tgt.SetConvenienceVariable(TracingVar, "false")
	s.resetTx()
}

func (s *Session) resetClient() {
	s.client = nil
	s.resetTrace()
}

// ParseAddress validates a HOST:PORT address, rejecting malformed input.
func ParseAddress(address string) (string, error) {
	host, port, err := net.SplitHostPort(address)
	if err != nil {
		return "", fmt.Errorf("ADDRESS must be HOST:PORT")
	}
	if _, err := strconv.Atoi(port); err != nil {
		return "", fmt.Errorf("port must be numeric")
	}
	return net.JoinHostPort(host, port), nil
}

// Connect dials the store. Fails with ErrAlreadyConnected if a connection is
// live.
func (s *Session) Connect(address string) error {
	if err := s.RequireNoClient(); err != nil {
		return err
	}
	addr, err := ParseAddress(address)
	if err != nil {
		return err
	}
	client, err := s.connector.Connect(addr)
	if err != nil {
		return fmt.Errorf("connecting to %s: %w", addr, err)
	}
	s.client = client
	slog.Info("connected to trace store", "address", addr, "client", client.Description())
	return nil
}

// Listen binds and blocks until a store connects. An empty address binds an
// ephemeral port on all interfaces; a bare port binds that port on all
// interfaces.
func (s *Session) Listen(address string) (string, error) {
	if err := s.RequireNoClient(); err != nil {
		return "", err
	}
	switch {
	case address == "":
		address = "0.0.0.0:0"
	case !strings.Contains(address, ":"):
		if _, err := strconv.Atoi(address); err != nil {
			return "", fmt.Errorf("PORT must be numeric")
		}
		address = "0.0.0.0:" + address
	default:
		var err error
		address, err = ParseAddress(address)
		if err != nil {
			return "", err
		}
	}
	client, bound, err := s.connector.Listen(address)
	if err != nil {
		return "", fmt.Errorf("listening at %s: %w", address, err)
	}
	s.client = client
	slog.Info("trace store connected", "address", bound)
	return bound, nil
}

// Disconnect tears down the connection, closing the trace and transaction
// first if open.
func (s *Session) Disconnect() error {
	client, err := s.RequireClient()
	if err != nil {
		return err
	}
	if s.tx != nil {
		if aerr := s.tx.Abort(); aerr != nil {
			slog.Warn("aborting transaction on disconnect", "error", aerr)
		}
		s.resetTx()
	}
	if s.tr != nil {
		if cerr := s.tr.Close(); cerr != nil {
			slog.Warn("closing trace on disconnect", "error", cerr)
		}
	}
	err = client.Close()
	s.resetClient()
	return err
}

// Connected reports whether a connection is live.
func (s *Session) Connected() bool { return s.client != nil }

// Recording reports whether a trace is open.
func (s *Session) Recording() bool { return s.tr != nil }

// DefaultTraceName derives a trace name from the target image.
func (s *Session) DefaultTraceName() string {
	env, err := s.tgt.Environment()
	prefix := "target"
	if err == nil && env.Debugger != "" {
		prefix = env.Debugger
	}
	prog := s.tgt.ExecutableName()
	if prog == "" {
		return prefix + "/noname"
	}
	if i := strings.LastIndex(prog, "/"); i >= 0 {
		prog = prog[i+1:]
	}
	return prefix + "/" + prog
}

// Start creates the trace. Fails with ErrNotConnected or ErrAlreadyTraced.
// An empty name derives one from the target image.
func (s *Session) Start(name string) error {
	if _, err := s.RequireClient(); err != nil {
		return err
	}
	if err := s.RequireNoTrace(); err != nil {
		return err
	}
	return s.startTrace(name)
}

// Restart closes any open trace and starts a fresh one.
func (s *Session) Restart(name string) error {
	if _, err := s.RequireClient(); err != nil {
		return err
	}
	if s.tr != nil {
		if err := s.tr.Close(); err != nil {
			slog.Warn("closing previous trace", "error", err)
		}
		s.resetTrace()
	}
	return s.startTrace(name)
}

func (s *Session) startTrace(name string) error {
	if name == "" {
		name = s.DefaultTraceName()
	}
	env, err := s.tgt.Environment()
	if err != nil {
		return fmt.Errorf("identifying target environment: %w", err)
	}
	language, compiler := addrmap.ComputeLCSP(env)
	tr, err := s.client.CreateTrace(name, language, compiler)
	if err != nil {
		return fmt.Errorf("creating trace %q: %w", name, err)
	}
	s.tr = tr
	s.memMapper = addrmap.ComputeMemoryMapper(language)
	s.regMapper = addrmap.ComputeRegisterMapper(language)

	err = s.WithTx("Create Root Object", func() error {
		root, err := tr.CreateRootObject(s.schemaXML, s.rootType)
		if err != nil {
			return err
		}
		display := env.Debugger
		if display == "" {
			display = name
		}
		if err := root.SetValue("_display", trace.StringValue(display), trace.SchemaString); err != nil {
			return err
		}
		if _, err := tr.CreateObject("Available").Insert(); err != nil {
			return err
		}
		if _, err := tr.CreateObject("Processes").Insert(); err != nil {
			return err
		}
		return nil
	})
	if err != nil {
		s.resetTrace()
		return err
	}
	s.tgt.SetConvenienceVariable(TracingVar, "true")
	slog.Info("trace started", "name", name, "language", language, "compiler", compiler)
	return nil
}

// Stop closes the trace.
func (s *Session) Stop() error {
	tr, err := s.RequireTrace()
	if err != nil {
		return err
	}
	err = tr.Close()
	s.resetTrace()
	return err
}

// Save asks the store to persist the trace durably.
func (s *Session) Save() error {
	tr, err := s.RequireTrace()
	if err != nil {
		return err
	}
	return tr.Save()
}

// NewSnap appends a snapshot to the trace's timeline.
func (s *Session) NewSnap(description string) (int64, error) {
	tr, err := s.RequireTrace()
	if err != nil {
		return 0, err
	}
	return tr.Snapshot(description)
}

// NewSnapAt creates a snapshot at a specific point in the timeline.
func (s *Session) NewSnapAt(snap int64, description string) (int64, error) {
	tr, err := s.RequireTrace()
	if err != nil {
		return 0, err
	}
	return tr.SnapshotAt(snap, description)
}

// TxStart opens a transaction. Fails with ErrAlreadyInTransaction if one is
// open.
func (s *Session) TxStart(description string) error {
	tr, err := s.RequireTrace()
	if err != nil {
		return err
	}
	if err := s.RequireNoTx(); err != nil {
		return err
	}
	tx, err := tr.StartTx(description, false)
	if err != nil {
		return err
	}
	s.tx = tx
	return nil
}

// TxCommit durably applies the open transaction.
func (s *Session) TxCommit() error {
	_, tx, err := s.RequireTx()
	if err != nil {
		return err
	}
	err = tx.Commit()
	s.resetTx()
	return err
}

// TxAbort discards the open transaction. Use only in emergencies: it may not
// fully succeed and it may leave the trace inconsistent.
func (s *Session) TxAbort() error {
	_, tx, err := s.RequireTx()
	if err != nil {
		return err
	}
	slog.Warn("aborting trace transaction")
	err = tx.Abort()
	s.resetTx()
	return err
}

// WithTx runs op inside a transaction, committing on success and aborting on
// error or panic. The transaction is released on every exit path.
func (s *Session) WithTx(description string, op func() error) (err error) {
	tr, err := s.RequireTrace()
	if err != nil {
		return err
	}
	if err := s.RequireNoTx(); err != nil {
		return err
	}
	tx, err := tr.StartTx(description, false)
	if err != nil {
		return err
	}
	s.tx = tx
	defer func() {
		s.resetTx()
		if r := recover(); r != nil {
			if aerr := tx.Abort(); aerr != nil {
				slog.Warn("aborting transaction during panic", "error", aerr)
			}
			panic(r)
		}
		if err != nil {
			if aerr := tx.Abort(); aerr != nil {
				slog.Warn("aborting failed transaction", "error", aerr)
			}
			return
		}
		err = tx.Commit()
	}()
	return op()
}

// Info renders the connection and trace status.
func (s *Session) Info() string {
	if s.client == nil {
		return "Not connected to a trace store"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Connected: %s\n", s.client.Description())
	if s.tr == nil {
		b.WriteString("No trace")
	} else {
		b.WriteString("Trace active")
	}
	return b.String()
}

// InfoLCSP renders the language-compiler pair that trace creation would
// select, for diagnostics.
func (s *Session) InfoLCSP() (string, error) {
	env, err := s.tgt.Environment()
	if err != nil {
		return "", err
	}
	language, compiler := addrmap.ComputeLCSP(env)
	return fmt.Sprintf("Selected language: %s\nSelected compiler: %s", language, compiler), nil
}
