package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path"
	"path/filepath"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/substratehq/strata/internal/backend"
	"github.com/substratehq/strata/internal/config"
	"github.com/substratehq/strata/internal/engine"
	"github.com/substratehq/strata/internal/event"
	"github.com/substratehq/strata/internal/policy"
	"github.com/substratehq/strata/internal/scanner"
	"github.com/substratehq/strata/internal/stats"
	"github.com/substratehq/strata/internal/store"
)

var version = "dev"

func main() {
	os.Exit(run())
}

// runtimeEnv bundles everything a command needs once the config is loaded.
type runtimeEnv struct {
	cfg config.Config
	st  *store.Store
	reg *backend.Registry
	pol *policy.Resolver
	log *slog.Logger
}

func (env *runtimeEnv) close() {
	env.reg.Close()
	if err := env.st.Close(); err != nil {
		env.log.Warn("close state db", "error", err)
	}
}

func run() int {
	var (
		configPath  string
		logLevelStr string
		showVersion bool
	)

	rootCmd := &cobra.Command{
		Use:           "strata",
		Short:         "Block-deduplicating file synchronization across storage backends",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if showVersion {
				fmt.Fprintf(os.Stdout, "strata %s\n", version)
				return nil
			}
			return cmd.Help()
		},
	}
	rootCmd.PersistentFlags().
		StringVarP(&configPath, "config", "c", "strata.toml", "path to the config file")
	rootCmd.PersistentFlags().
		StringVar(&logLevelStr, "log-level", "", "log level: debug, info, warn, error (overrides config)")
	rootCmd.Flags().BoolVar(&showVersion, "version", false, "print version and exit")

	setup := func() (*runtimeEnv, error) {
		cfg, err := config.Load(configPath)
		if err != nil {
			return nil, err
		}
		level := cfg.LogLevel
		if logLevelStr != "" {
			level = logLevelStr
		}
		log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
			Level: parseLevel(level),
		}))
		slog.SetDefault(log)

		st, err := store.Open(cfg.StateDir)
		if err != nil {
			return nil, err
		}
		reg := backend.NewRegistry(st, log)
		for _, bc := range cfg.Backends {
			if err := reg.Register(bc.Name, bc.Type, bc.Options, bc.Priority, cfg.Tuning.BlockSize); err != nil {
				reg.Close()
				st.Close()
				return nil, fmt.Errorf("backend %s: %w", bc.Name, err)
			}
		}

		rules := make(map[string]policy.Mode, len(cfg.Policy))
		for _, r := range cfg.Policy {
			mode, err := policy.ParseMode(r.Mode)
			if err != nil {
				reg.Close()
				st.Close()
				return nil, err
			}
			rules[r.Path] = mode
		}

		return &runtimeEnv{cfg: cfg, st: st, reg: reg, pol: policy.NewResolver(rules), log: log}, nil
	}

	daemonCmd := &cobra.Command{
		Use:   "daemon",
		Short: "Run the synchronization loops until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := setup()
			if err != nil {
				return err
			}
			defer env.close()
			return runDaemon(env)
		},
	}

	requestCmd := &cobra.Command{
		Use:   "request <path>",
		Short: "Ask for a file or directory tree to be downloaded",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := setup()
			if err != nil {
				return err
			}
			defer env.close()
			p := logicalArg(args[0])
			if err := env.st.AddRequest(p, time.Now().UnixNano()); err != nil {
				return err
			}
			fmt.Fprintf(os.Stdout, "requested %s\n", p)
			return nil
		},
	}

	purgeCmd := &cobra.Command{
		Use:   "purge <path>",
		Short: "Erase a path from every backend and from local state",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := setup()
			if err != nil {
				return err
			}
			defer env.close()

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			env.reg.HealthCheck(ctx)

			eng := engine.New(engine.Options{
				Config:   env.cfg,
				Store:    env.st,
				Registry: env.reg,
				Policy:   env.pol,
				Log:      env.log,
			})
			p := logicalArg(args[0])
			if err := eng.Purge(ctx, p); err != nil {
				return err
			}
			fmt.Fprintf(os.Stdout, "purged %s\n", p)
			return nil
		},
	}

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Summarize tracked files, blocks, transfers, and backends",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := setup()
			if err != nil {
				return err
			}
			defer env.close()
			return printStatus(env)
		},
	}

	rootCmd.AddCommand(daemonCmd, requestCmd, purgeCmd, statusCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	return 0
}

func runDaemon(env *runtimeEnv) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	collector := stats.NewCollector()
	bus := event.NewBus()
	eng := engine.New(engine.Options{
		Config:   env.cfg,
		Store:    env.st,
		Registry: env.reg,
		Policy:   env.pol,
		Bus:      bus,
		Stats:    collector,
		Log:      env.log,
	})

	// Event log and a periodic activity summary run beside the loops.
	go func() {
		for ev := range bus.Subscribe() {
			attrs := []any{"path", ev.Path}
			if ev.Version != "" {
				attrs = append(attrs, "version", ev.Version)
			}
			if ev.Hash != "" {
				attrs = append(attrs, "hash", ev.Hash)
			}
			if ev.Backend != "" {
				attrs = append(attrs, "backend", ev.Backend)
			}
			if ev.Error != nil {
				attrs = append(attrs, "error", ev.Error)
			}
			env.log.Debug(ev.Type.String(), attrs...)
		}
	}()
	go func() {
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()
		var last stats.Snapshot
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				snap := collector.Snapshot()
				if snap != last {
					env.log.Info("activity", "summary", snap.String())
					last = snap
				}
			}
		}
	}()

	env.log.Info("daemon starting",
		"checkout", env.cfg.Checkout,
		"state_dir", env.cfg.StateDir,
		"backends", len(env.cfg.Backends),
		"version", version)
	err := eng.Run(ctx)
	env.log.Info("daemon stopped", "summary", collector.Snapshot().String())
	return err
}

func printStatus(env *runtimeEnv) error {
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)

	fmt.Fprintln(w, "BACKEND\tTYPE\tPRIORITY\tSTATE\tERROR")
	rows, err := env.st.Backends()
	if err != nil {
		return err
	}
	for _, b := range rows {
		fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\n", b.Name, b.Type, b.Priority, b.State, b.Error)
	}
	fmt.Fprintln(w)

	fmt.Fprintln(w, "FILES\tCOUNT")
	for _, state := range []string{store.FileRemote, store.FileDesired, store.FileDownloading, store.FileLocal} {
		paths, err := env.st.PathsInState(state)
		if err != nil {
			return err
		}
		fmt.Fprintf(w, "%s\t%d\n", state, len(paths))
	}
	locals, err := env.st.AllLocalFiles()
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "checked out\t%d\n", len(locals))
	fmt.Fprintln(w)

	blocks, err := env.st.AllBlocks()
	if err != nil {
		return err
	}
	fmt.Fprintln(w, "BLOCKS\tCOUNT")
	fmt.Fprintf(w, "tracked\t%d\n", len(blocks))
	fmt.Fprintln(w)

	fmt.Fprintln(w, "TRANSFERS\tCOUNT")
	for _, state := range []string{store.TransferPending, store.TransferTransferring} {
		ts, err := env.st.TransfersInState(state, 0)
		if err != nil {
			return err
		}
		fmt.Fprintf(w, "%s\t%d\n", state, len(ts))
	}

	reqs, err := env.st.Requests()
	if err != nil {
		return err
	}
	if len(reqs) > 0 {
		fmt.Fprintln(w)
		fmt.Fprintln(w, "REQUESTS")
		for _, r := range reqs {
			fmt.Fprintln(w, r)
		}
	}
	return w.Flush()
}

// logicalArg normalizes a user-supplied checkout-relative path to the
// rooted logical form the tables use.
func logicalArg(p string) string {
	p = filepath.ToSlash(p)
	p = strings.TrimPrefix(path.Clean("/"+p), "/")
	return scanner.LogicalPath(p)
}

func parseLevel(s string) slog.Level {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
