package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/willibrandon/tracemir/pkg/config"
	"github.com/willibrandon/tracemir/pkg/session"
	"github.com/willibrandon/tracemir/pkg/syncer"
	"github.com/willibrandon/tracemir/pkg/trace"
)

// runShell reads one command per line and dispatches it against the
// session. Errors are reported and the shell keeps going; only EOF or
// "quit" ends it.
func runShell(in io.Reader, out io.Writer, cfg *config.Config, sess *session.Session) error {
	sy := newSyncer(cfg, sess)
	sc := bufio.NewScanner(in)
	fmt.Fprintln(out, "tracemir shell; type 'help' for commands, 'quit' to exit")
	for {
		fmt.Fprint(out, "> ")
		if !sc.Scan() {
			return sc.Err()
		}
		fields := strings.Fields(sc.Text())
		if len(fields) == 0 {
			continue
		}
		if fields[0] == "quit" || fields[0] == "exit" {
			return nil
		}
		if err := dispatch(out, cfg, sess, sy, fields[0], fields[1:]); err != nil {
			fmt.Fprintf(out, "error: %v\n", err)
		}
	}
}

func dispatch(out io.Writer, cfg *config.Config, sess *session.Session, sy *syncer.Syncer, cmd string, args []string) error {
	switch cmd {
	case "help":
		printHelp(out)
		return nil

	case "connect":
		addr := cfg.Address
		if len(args) > 0 {
			addr = args[0]
		}
		return sess.Connect(addr)

	case "listen":
		addr := ""
		if len(args) > 0 {
			addr = args[0]
		}
		bound, err := sess.Listen(addr)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "listening at %s\n", bound)
		return nil

	case "disconnect":
		return sess.Disconnect()

	case "start":
		name := cfg.TraceName
		if len(args) > 0 {
			name = args[0]
		}
		return sess.Start(name)

	case "restart":
		name := cfg.TraceName
		if len(args) > 0 {
			name = args[0]
		}
		return sess.Restart(name)

	case "stop":
		return sess.Stop()

	case "info":
		fmt.Fprintln(out, sess.Info())
		return nil

	case "info-lcsp":
		lcsp, err := sess.InfoLCSP()
		if err != nil {
			return err
		}
		fmt.Fprintln(out, lcsp)
		return nil

	case "save":
		return sess.Save()

	case "new-snap":
		desc := strings.Join(args, " ")
		snap, err := sess.NewSnap(desc)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "snap %d\n", snap)
		return nil

	case "tx-start":
		return sess.TxStart(strings.Join(args, " "))

	case "tx-commit":
		return sess.TxCommit()

	case "tx-abort":
		return sess.TxAbort()

	case "create-obj":
		if len(args) != 1 {
			return fmt.Errorf("usage: create-obj PATH")
		}
		life, err := sy.CreateObj(args[0])
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "created %s %s\n", args[0], life)
		return nil

	case "insert-obj":
		if len(args) != 1 {
			return fmt.Errorf("usage: insert-obj PATH")
		}
		life, err := sy.InsertObj(args[0])
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "inserted %s %s\n", args[0], life)
		return nil

	case "remove-obj":
		if len(args) != 1 {
			return fmt.Errorf("usage: remove-obj PATH")
		}
		return sy.RemoveObj(args[0])

	case "set-value":
		var hint trace.Schema
		switch len(args) {
		case 3:
		case 4:
			hint = trace.Schema(strings.ToUpper(args[3]))
		default:
			return fmt.Errorf("usage: set-value PATH KEY VALUE [SCHEMA]")
		}
		return sy.SetValueExpr(args[0], args[1], args[2], hint)

	case "retain-values":
		kinds := trace.RetainElements
		if len(args) > 0 {
			switch args[0] {
			case "--elements":
				kinds = trace.RetainElements
				args = args[1:]
			case "--attributes":
				kinds = trace.RetainAttributes
				args = args[1:]
			case "--both":
				kinds = trace.RetainBoth
				args = args[1:]
			}
		}
		if len(args) < 1 {
			return fmt.Errorf("usage: retain-values [--elements|--attributes|--both] PATH [KEY...]")
		}
		return sy.RetainValues(args[0], args[1:], kinds)

	case "get-obj":
		if len(args) != 1 {
			return fmt.Errorf("usage: get-obj PATH")
		}
		desc, err := sy.GetObj(context.Background(), args[0])
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "%d %s\n", desc.ID, desc.Path)
		return nil

	case "get-values":
		if len(args) != 1 {
			return fmt.Errorf("usage: get-values PATTERN")
		}
		values, err := sy.GetValues(context.Background(), args[0])
		if err != nil {
			return err
		}
		printValues(out, values)
		return nil

	case "get-values-rng":
		if len(args) != 2 {
			return fmt.Errorf("usage: get-values-rng ADDRESS LENGTH")
		}
		values, err := sy.GetValuesRng(context.Background(), args[0], args[1])
		if err != nil {
			return err
		}
		printValues(out, values)
		return nil

	case "activate":
		p := ""
		if len(args) > 0 {
			p = args[0]
		}
		return sy.Activate(p)

	case "disassemble":
		if len(args) != 1 {
			return fmt.Errorf("usage: disassemble ADDRESS")
		}
		n, err := sy.Disassemble(context.Background(), args[0])
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "disassembled %d bytes\n", n)
		return nil

	case "putmem":
		pages := true
		if len(args) == 3 {
			pages = args[2] != "false" && args[2] != "0"
			args = args[:2]
		}
		if len(args) != 2 {
			return fmt.Errorf("usage: putmem ADDRESS LENGTH [PAGES]")
		}
		rng, n, err := sy.PutMem(context.Background(), args[0], args[1], pages)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "put %d bytes at %s\n", n, rng)
		return nil

	case "putval":
		pages := true
		if len(args) == 2 {
			pages = args[1] != "false" && args[1] != "0"
			args = args[:1]
		}
		if len(args) != 1 {
			return fmt.Errorf("usage: putval EXPRESSION [PAGES]")
		}
		rng, n, err := sy.PutVal(context.Background(), args[0], pages)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "put %d bytes at %s\n", n, rng)
		return nil

	case "putmem-state":
		pages := true
		if len(args) == 4 {
			pages = args[3] != "false" && args[3] != "0"
			args = args[:3]
		}
		if len(args) != 3 {
			return fmt.Errorf("usage: putmem-state ADDRESS LENGTH STATE [PAGES]")
		}
		state, err := trace.ParseMemoryState(args[2])
		if err != nil {
			return err
		}
		rng, err := sy.PutMemState(args[0], args[1], state, pages)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "marked %s %s\n", rng, args[2])
		return nil

	case "delmem":
		if len(args) != 2 {
			return fmt.Errorf("usage: delmem ADDRESS LENGTH")
		}
		return sy.DelMem(args[0], args[1])

	case "putreg":
		bank := ""
		if len(args) > 0 {
			bank = args[0]
		}
		return sy.PutReg(bank)

	case "delreg":
		bank := ""
		if len(args) > 0 {
			bank = args[0]
		}
		return sy.DelReg(bank)

	case "put-processes":
		return sy.PutProcesses()
	case "put-available":
		return sy.PutAvailable()
	case "put-environment":
		return sy.PutEnvironment()
	case "put-regions":
		return sy.PutRegions()
	case "put-modules":
		return sy.PutModules()
	case "put-threads":
		return sy.PutThreads()
	case "put-frames":
		return sy.PutFrames()
	case "put-breakpoints":
		return sy.PutBreakpoints()
	case "put-watchpoints":
		return sy.PutWatchpoints()
	case "put-all":
		return sy.PutAll()

	case "wait-stopped":
		timeout := cfg.StopTimeout
		if len(args) > 0 {
			secs, err := strconv.Atoi(args[0])
			if err != nil {
				return fmt.Errorf("bad timeout: %v", err)
			}
			timeout = time.Duration(secs) * time.Second
		}
		return sy.WaitStopped(context.Background(), timeout)

	default:
		return fmt.Errorf("unknown command %q; type 'help'", cmd)
	}
}

func printValues(out io.Writer, values []trace.ValueDesc) {
	for _, v := range values {
		fmt.Fprintf(out, "%s %s %s %s=%s\n", v.Parent, v.Key, v.Span, v.Schema, v.Value)
	}
	fmt.Fprintf(out, "%d values\n", len(values))
}

func printHelp(out io.Writer) {
	fmt.Fprint(out, `session:
  connect [ADDR]  listen [ADDR]  disconnect
  start [NAME]  restart [NAME]  stop  info  info-lcsp  save
  new-snap [DESC]  tx-start [DESC]  tx-commit  tx-abort
objects:
  create-obj PATH  insert-obj PATH  remove-obj PATH
  set-value PATH KEY VALUE [SCHEMA]
  retain-values [--elements|--attributes|--both] PATH [KEY...]
  get-obj PATH  get-values PATTERN  get-values-rng ADDR LEN
  activate [PATH]
memory and registers:
  putmem ADDR LEN [PAGES]  putval EXPR [PAGES]
  putmem-state ADDR LEN STATE [PAGES]  delmem ADDR LEN
  putreg [BANK]  delreg [BANK]  disassemble ADDR
target state:
  put-processes put-available put-environment put-regions put-modules
  put-threads put-frames put-breakpoints put-watchpoints put-all
  wait-stopped [SECONDS]
`)
}
