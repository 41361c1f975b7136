package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/willibrandon/tracemir/pkg/config"
	"github.com/willibrandon/tracemir/pkg/session"
	"github.com/willibrandon/tracemir/pkg/syncer"
	"github.com/willibrandon/tracemir/pkg/target"
	"github.com/willibrandon/tracemir/pkg/version"
)

var (
	cfgFile string
	verbose bool
)

func main() {
	root := &cobra.Command{
		Use:   "tracemir",
		Short: "Mirror live debugger state into a versioned trace",
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			level := slog.LevelInfo
			if verbose {
				level = slog.LevelDebug
			}
			slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
		},
	}
	root.PersistentFlags().StringVar(&cfgFile, "config", "", "config file")
	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "debug logging")

	root.AddCommand(versionCmd(), shellCmd(), recordCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(version.Info())
		},
	}
}

func newSession(cfg *config.Config, tgt target.Target) *session.Session {
	connector := session.MemConnector{Name: "tracemir in-process store"}
	return session.New(connector, tgt, loadSchema(cfg))
}

func newSyncer(cfg *config.Config, sess *session.Session) *syncer.Syncer {
	sy := syncer.New(sess)
	if cfg.PollInterval > 0 {
		sy.PollInterval = cfg.PollInterval
	}
	sy.Batch = cfg.BatchWrites
	return sy
}

func loadSchema(cfg *config.Config) string {
	if cfg.SchemaFile != "" {
		data, err := os.ReadFile(cfg.SchemaFile)
		if err != nil {
			slog.Warn("could not read schema file, using built-in", "file", cfg.SchemaFile, "err", err)
			return defaultSchemaXML
		}
		return string(data)
	}
	return defaultSchemaXML
}

func shellCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "shell BINARY [ARGS...]",
		Short: "Launch a binary under the debugger and accept sync commands",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(cfgFile)
			if err != nil {
				return err
			}
			tgt, err := target.NewDelveTarget(args[0], args[1:])
			if err != nil {
				return err
			}
			defer tgt.Close()
			sess := newSession(cfg, tgt)
			defer sess.Disconnect()
			return runShell(cmd.InOrStdin(), cmd.OutOrStdout(), cfg, sess)
		},
	}
}

func recordCmd() *cobra.Command {
	var traceName string
	c := &cobra.Command{
		Use:   "record BINARY [ARGS...]",
		Short: "Launch a binary, mirror its initial stop, and save the trace",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(cfgFile)
			if err != nil {
				return err
			}
			tgt, err := target.NewDelveTarget(args[0], args[1:])
			if err != nil {
				return err
			}
			defer tgt.Close()
			sess := newSession(cfg, tgt)
			defer sess.Disconnect()

			if err := sess.Connect(cfg.Address); err != nil {
				return err
			}
			name := traceName
			if name == "" {
				name = cfg.TraceName
			}
			if err := sess.Start(name); err != nil {
				return err
			}
			sy := newSyncer(cfg, sess)
			if err := sy.WaitStopped(cmd.Context(), cfg.StopTimeout); err != nil {
				return err
			}
			if err := sess.WithTx("Record", func() error {
				if err := sy.PutAll(); err != nil {
					return err
				}
				return sy.PutEventThread()
			}); err != nil {
				return err
			}
			if err := sy.Activate(""); err != nil {
				return err
			}
			if err := sess.Save(); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), sess.Info())
			return sess.Stop()
		},
	}
	c.Flags().StringVar(&traceName, "name", "", "trace name")
	return c
}
