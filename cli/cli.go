// Package cli assembles the durable command tree. Host programs
// register their workflows and activities, then hand the registry to
// New and execute the returned command:
//
//	reg := durable.NewRegistry()
//	reg.RegisterWorkflow("order", orderWorkflow)
//	if err := cli.New(reg).Execute(); err != nil {
//		os.Exit(1)
//	}
//
// The resulting binary serves both roles of the dispatch protocol: it
// runs the worker loop and is re-executed by that loop as a follower
// subprocess.
package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"goa.design/clue/log"
	"gopkg.in/yaml.v3"

	durable "github.com/grantjenks/go-durable"
	"github.com/grantjenks/go-durable/store/postgres"
	"github.com/grantjenks/go-durable/worker"
)

type (
	// Config is the YAML configuration file format.
	Config struct {
		DatabaseURL string       `yaml:"database_url"`
		Worker      WorkerConfig `yaml:"worker"`
	}

	// WorkerConfig holds the worker loop settings. TickSeconds is a
	// float so sub-second polls can be configured.
	WorkerConfig struct {
		TickSeconds      float64 `yaml:"tick_seconds"`
		Batch            int     `yaml:"batch"`
		Procs            int     `yaml:"procs"`
		MaxFollowerTasks int     `yaml:"max_follower_tasks"`
		DispatchRate     float64 `yaml:"dispatch_rate"`
	}

	app struct {
		reg    *durable.Registry
		cfg    Config
		engine *durable.Engine
		st     *postgres.Store

		configPath  string
		databaseURL string
		debug       bool
	}
)

// New builds the durable command tree bound to the given registry.
func New(reg *durable.Registry) *cobra.Command {
	a := &app{reg: reg}
	root := &cobra.Command{
		Use:           "durable",
		Short:         "Durable workflow engine",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&a.configPath, "config", "", "path to YAML config file")
	root.PersistentFlags().StringVar(&a.databaseURL, "database-url", "", "Postgres connection string (overrides config and DATABASE_URL)")
	root.PersistentFlags().BoolVar(&a.debug, "debug", false, "enable debug logs")
	root.AddCommand(
		a.workerCmd(),
		a.startCmd(),
		a.signalCmd(),
		a.cancelCmd(),
		a.statusCmd(),
		a.migrateCmd(),
	)
	return root
}

// logContext builds the process logging context the way every command
// shares it.
func (a *app) logContext() context.Context {
	format := log.FormatJSON
	if log.IsTerminal() {
		format = log.FormatTerminal
	}
	ctx := log.Context(context.Background(), log.WithFormat(format))
	if a.debug {
		ctx = log.Context(ctx, log.WithDebug())
	}
	return ctx
}

// setup loads configuration, connects the store and builds the engine.
func (a *app) setup(ctx context.Context) error {
	if a.configPath != "" {
		b, err := os.ReadFile(a.configPath)
		if err != nil {
			return fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(b, &a.cfg); err != nil {
			return fmt.Errorf("parse config: %w", err)
		}
	}
	if a.databaseURL != "" {
		a.cfg.DatabaseURL = a.databaseURL
	}
	if a.cfg.DatabaseURL == "" {
		a.cfg.DatabaseURL = os.Getenv("DATABASE_URL")
	}
	if a.cfg.DatabaseURL == "" {
		return fmt.Errorf("no database URL: set --database-url, DATABASE_URL or database_url in the config file")
	}
	st, err := postgres.Connect(ctx, a.cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	a.st = st
	a.engine = durable.New(st, a.reg)
	return nil
}

func (a *app) teardown() {
	if a.st != nil {
		a.st.Close()
	}
}

func (a *app) workerCmd() *cobra.Command {
	var (
		tick       time.Duration
		batch      int
		procs      int
		iterations int
		maxTasks   int
		mode       string
	)
	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Run the dispatcher loop",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := a.logContext()
			if err := a.setup(ctx); err != nil {
				return err
			}
			defer a.teardown()

			if worker.IsFollower() {
				return worker.RunFollower(ctx, a.engine, os.Stdin, os.Stdout)
			}

			ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
			defer stop()

			opts := []worker.WorkerOption{
				worker.WithIterations(iterations),
				worker.WithFollowerArgs(followerArgs(cmd)...),
			}
			if tick > 0 {
				opts = append(opts, worker.WithTick(tick))
			} else if a.cfg.Worker.TickSeconds > 0 {
				opts = append(opts, worker.WithTick(time.Duration(a.cfg.Worker.TickSeconds*float64(time.Second))))
			}
			if batch > 0 {
				opts = append(opts, worker.WithBatch(batch))
			} else if a.cfg.Worker.Batch > 0 {
				opts = append(opts, worker.WithBatch(a.cfg.Worker.Batch))
			}
			if procs > 0 {
				opts = append(opts, worker.WithProcs(procs))
			} else if a.cfg.Worker.Procs > 0 {
				opts = append(opts, worker.WithProcs(a.cfg.Worker.Procs))
			}
			if maxTasks > 0 {
				opts = append(opts, worker.WithMaxFollowerTasks(maxTasks))
			} else if a.cfg.Worker.MaxFollowerTasks > 0 {
				opts = append(opts, worker.WithMaxFollowerTasks(a.cfg.Worker.MaxFollowerTasks))
			}
			if a.cfg.Worker.DispatchRate > 0 {
				opts = append(opts, worker.WithDispatchRate(a.cfg.Worker.DispatchRate))
			}
			if mode == "inprocess" {
				opts = append(opts, worker.WithInProcessFollowers())
			}
			err := worker.New(a.engine, opts...).Run(ctx)
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		},
	}
	cmd.Flags().DurationVar(&tick, "tick", 0, "idle poll interval")
	cmd.Flags().IntVar(&batch, "batch", 0, "max dispatches per pass")
	cmd.Flags().IntVar(&procs, "procs", 0, "follower pool size")
	cmd.Flags().IntVar(&iterations, "iterations", 0, "dispatch passes to run (0 = forever)")
	cmd.Flags().IntVar(&maxTasks, "max-follower-tasks", 0, "commands a follower processes before it is recycled")
	cmd.Flags().StringVar(&mode, "dispatch-mode", "subprocess", "follower mode: subprocess or inprocess")
	return cmd
}

// followerArgs rebuilds the argv a follower subprocess needs to reach
// the same database and command.
func followerArgs(cmd *cobra.Command) []string {
	args := []string{"worker"}
	cmd.InheritedFlags().Visit(func(f *pflag.Flag) {
		args = append(args, "--"+f.Name, f.Value.String())
	})
	return args
}

func (a *app) startCmd() *cobra.Command {
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:   "start <workflow> [input-json]",
		Short: "Start a workflow execution",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := a.logContext()
			if err := a.setup(ctx); err != nil {
				return err
			}
			defer a.teardown()
			input := map[string]any{}
			if len(args) == 2 {
				if err := json.Unmarshal([]byte(args[1]), &input); err != nil {
					return fmt.Errorf("parse input: %w", err)
				}
			}
			var opts []durable.StartOption
			if timeout > 0 {
				opts = append(opts, durable.WithTimeout(timeout))
			}
			id, err := a.engine.StartWorkflow(ctx, args[0], input, opts...)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), id)
			return nil
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "workflow execution deadline")
	return cmd
}

func (a *app) signalCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "signal <execution-id> <name> [payload-json]",
		Short: "Send a signal to a running workflow",
		Args:  cobra.RangeArgs(2, 3),
		RunE: func(_ *cobra.Command, args []string) error {
			ctx := a.logContext()
			if err := a.setup(ctx); err != nil {
				return err
			}
			defer a.teardown()
			id, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid execution id: %w", err)
			}
			var payload any
			if len(args) == 3 {
				if err := json.Unmarshal([]byte(args[2]), &payload); err != nil {
					return fmt.Errorf("parse payload: %w", err)
				}
			}
			return a.engine.SignalWorkflow(ctx, id, args[1], payload)
		},
	}
}

func (a *app) cancelCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <execution-id> [reason]",
		Short: "Cancel a workflow and its descendants",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(_ *cobra.Command, args []string) error {
			ctx := a.logContext()
			if err := a.setup(ctx); err != nil {
				return err
			}
			defer a.teardown()
			id, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid execution id: %w", err)
			}
			reason := ""
			if len(args) == 2 {
				reason = args[1]
			}
			return a.engine.CancelWorkflow(ctx, id, reason)
		},
	}
}

func (a *app) statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status <execution-id>",
		Short: "Show execution status, result and error",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := a.logContext()
			if err := a.setup(ctx); err != nil {
				return err
			}
			defer a.teardown()
			id, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid execution id: %w", err)
			}
			exec, err := a.engine.GetExecution(ctx, id)
			if err != nil {
				return err
			}
			out := map[string]any{
				"id":       exec.ID,
				"workflow": exec.WorkflowName,
				"status":   exec.Status,
			}
			if exec.Result != nil {
				out["result"] = exec.Result
			}
			if exec.Error != "" {
				out["error"] = exec.Error
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(out)
		},
	}
}

func (a *app) migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			ctx := a.logContext()
			dsn := a.databaseURL
			if dsn == "" {
				dsn = os.Getenv("DATABASE_URL")
			}
			if a.configPath != "" {
				b, err := os.ReadFile(a.configPath)
				if err != nil {
					return fmt.Errorf("read config: %w", err)
				}
				var cfg Config
				if err := yaml.Unmarshal(b, &cfg); err != nil {
					return fmt.Errorf("parse config: %w", err)
				}
				if dsn == "" {
					dsn = cfg.DatabaseURL
				}
			}
			if dsn == "" {
				return fmt.Errorf("no database URL: set --database-url, DATABASE_URL or database_url in the config file")
			}
			if err := postgres.Migrate(ctx, dsn); err != nil {
				return err
			}
			log.Info(ctx, log.KV{K: "msg", V: "migrations applied"})
			return nil
		},
	}
}
