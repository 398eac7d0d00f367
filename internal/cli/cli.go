// ============================================================================
// jobflow CLI - Command Line Interface
// ============================================================================
//
// Package: internal/cli
// File: cli.go
// Purpose: Cobra commands over the job store, runner and HTTP server
//
// Command Structure:
//   jobflow                        # Root command
//   ├── serve                      # HTTP trigger + gRPC health + background loops
//   ├── run                        # Run pending jobs of one queue once
//   │   ├── --queue, -q
//   │   └── --limit, -n
//   ├── enqueue                    # Create jobs
//   │   ├── --task / --workflow    # exactly one
//   │   ├── --input, -i            # JSON object
//   │   ├── --file, -f            # JSON array of enqueue requests
//   │   └── --queue, --id, --delay
//   ├── status                     # Job counts per state
//   ├── get <id>                   # One job document with taskStatus
//   ├── --config, -c              # YAML config file (defaults when empty)
//   └── --version
//
// serve Command:
//   1. Load config, open the store (file backend replays WAL + snapshot)
//   2. Start the controller loops (reaper, snapshot, autorun, gauges)
//   3. Serve HTTP and gRPC health until SIGINT / SIGTERM
//   4. Stop the controller (final snapshot) and close the store
//
// run / enqueue / status / get:
//   One-shot commands against the configured store. With the memory driver
//   nothing survives the process, so they are mainly useful with file,
//   sqlite, postgres or redis.
//
// ============================================================================

package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/ChuLiYu/jobflow/internal/config"
	"github.com/ChuLiYu/jobflow/internal/controller"
	"github.com/ChuLiYu/jobflow/internal/registry"
	"github.com/ChuLiYu/jobflow/internal/runner"
	"github.com/ChuLiYu/jobflow/internal/server"
	"github.com/ChuLiYu/jobflow/pkg/types"
)

// Version is overridden at build time with -ldflags "-X ...cli.Version=...".
var Version = "dev"

type rootOptions struct {
	configFile string
}

// BuildCLI returns the root command.
func BuildCLI() *cobra.Command {
	opts := &rootOptions{}
	rootCmd := &cobra.Command{
		Use:   "jobflow",
		Short: "jobflow: a background job queue with retryable workflows",
		Long: `jobflow runs queued jobs made of one task or a multi-step workflow:
- per-task retry policies with fixed or exponential backoff
- atomic claims across concurrent runners
- memory, file (WAL + snapshot), SQLite, PostgreSQL and Redis stores
- HTTP run trigger, Prometheus metrics and gRPC health`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&opts.configFile, "config", "c", os.Getenv("JOBFLOW_CONFIG"), "config file path")

	rootCmd.AddCommand(buildServeCommand(opts))
	rootCmd.AddCommand(buildRunCommand(opts))
	rootCmd.AddCommand(buildEnqueueCommand(opts))
	rootCmd.AddCommand(buildStatusCommand(opts))
	rootCmd.AddCommand(buildGetCommand(opts))

	return rootCmd
}

// open loads the config and builds the App; callers must Close it.
func (o *rootOptions) open(ctx context.Context, stderr io.Writer) (*App, error) {
	cfg, err := config.Load(o.configFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	logger := config.NewLogger(cfg.Log, stderr)
	return NewApp(ctx, cfg, logger)
}

// ============================================================================
// serve
// ============================================================================

func buildServeCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP trigger, gRPC health service and background loops",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return serve(ctx, opts, cmd.ErrOrStderr())
		},
	}
}

func serve(ctx context.Context, opts *rootOptions, stderr io.Writer) error {
	app, err := opts.open(ctx, stderr)
	if err != nil {
		return err
	}
	defer app.Close()
	cfg := app.Config

	ctrlCfg := controller.Config{
		SnapshotInterval: cfg.Snapshot.Interval,
	}
	if cfg.ReaperEnabled() {
		ctrlCfg.ReaperInterval = cfg.Reaper.Interval
		ctrlCfg.StaleAfter = cfg.Reaper.StaleAfter
	}
	ctrlOpts := []controller.Option{
		controller.WithLogger(app.Logger),
		controller.WithMetrics(app.Metrics),
	}
	if cfg.Autorun.Enabled {
		ctrlCfg.AutorunInterval = cfg.Autorun.Interval
		ctrlCfg.AutorunQueues = cfg.Autorun.Queues
		ctrlCfg.AutorunLimit = cfg.Autorun.Limit
		ctrlOpts = append(ctrlOpts, controller.WithRunner(app.Runner))
	}
	if app.Metrics != nil {
		ctrlCfg.GaugeInterval = cfg.Metrics.RefreshInterval
	}

	ctrl := controller.NewController(app.Raw, ctrlCfg, ctrlOpts...)
	if err := ctrl.Start(); err != nil {
		return fmt.Errorf("failed to start controller: %w", err)
	}
	defer ctrl.Stop()

	srv := server.New(app.Runner, app.Store, app.Registry, server.Config{
		Addr:            cfg.Server.Addr,
		GRPCAddr:        cfg.Server.GRPCAddr,
		AllowedQueues:   cfg.Server.AllowedQueues,
		RunRateLimit:    cfg.Server.RunRateLimit,
		RunBurst:        cfg.Server.RunBurst,
		ShutdownTimeout: cfg.Server.ShutdownTimeout,
	}, server.WithLogger(app.Logger), server.WithMetrics(app.Metrics), server.WithHealthCheck(app.Ping))

	app.Logger.Info("System started", "driver", cfg.Store.Driver, "queues", app.Registry.Queues())
	err = srv.Run(ctx)
	app.Logger.Info("Received shutdown signal, stopping gracefully")
	return err
}

// ============================================================================
// run
// ============================================================================

func buildRunCommand(opts *rootOptions) *cobra.Command {
	var queue string
	var limit int

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the pending jobs of a queue once and print the summary",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := opts.open(cmd.Context(), cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer app.Close()

			summary, err := app.Runner.RunPending(cmd.Context(), runner.RunOptions{
				Queue: queue,
				Limit: limit,
				Request: registry.RequestContext{
					ID:     uuid.NewString(),
					Source: "cli",
				},
			})
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), summary)
		},
	}

	cmd.Flags().StringVarP(&queue, "queue", "q", types.DefaultQueue, "queue to run")
	cmd.Flags().IntVarP(&limit, "limit", "n", 0, "maximum jobs to run (0 uses runner.limit)")
	return cmd
}

// ============================================================================
// enqueue
// ============================================================================

func buildEnqueueCommand(opts *rootOptions) *cobra.Command {
	var (
		req      runner.EnqueueRequest
		id       string
		input    string
		jobFile  string
		delay    time.Duration
		requests []runner.EnqueueRequest
	)

	cmd := &cobra.Command{
		Use:   "enqueue",
		Short: "Enqueue a task or workflow job",
		Long: `Enqueue one job from flags, or many from a JSON file:
  [
    {"taskSlug": "ping", "input": {"url": "https://example.com"}},
    {"workflowSlug": "welcome", "queue": "emails"}
  ]`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			requests = requests[:0]
			if jobFile != "" {
				data, err := os.ReadFile(jobFile)
				if err != nil {
					return fmt.Errorf("failed to read job file: %w", err)
				}
				if err := json.Unmarshal(data, &requests); err != nil {
					return fmt.Errorf("failed to parse job file: %w", err)
				}
			} else {
				one := req
				one.ID = types.JobID(id)
				if input != "" {
					if err := json.Unmarshal([]byte(input), &one.Input); err != nil {
						return fmt.Errorf("--input must be a JSON object: %w", err)
					}
				}
				requests = append(requests, one)
			}
			if delay > 0 {
				at := time.Now().Add(delay)
				for i := range requests {
					requests[i].WaitUntil = &at
				}
			}

			app, err := opts.open(cmd.Context(), cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer app.Close()

			for _, r := range requests {
				job, err := app.Runner.Enqueue(cmd.Context(), r)
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), job.ID)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&req.TaskSlug, "task", "", "task slug")
	cmd.Flags().StringVar(&req.WorkflowSlug, "workflow", "", "workflow slug")
	cmd.Flags().StringVar(&req.Queue, "queue", "", "queue (defaults to the workflow queue or default)")
	cmd.Flags().StringVar(&id, "id", "", "job id (generated when empty)")
	cmd.Flags().StringVarP(&input, "input", "i", "", "job input as a JSON object")
	cmd.Flags().StringVarP(&jobFile, "file", "f", "", "JSON file containing enqueue requests")
	cmd.Flags().DurationVar(&delay, "delay", 0, "do not run before now+delay")
	cmd.MarkFlagsMutuallyExclusive("task", "workflow")
	cmd.MarkFlagsMutuallyExclusive("file", "task")
	cmd.MarkFlagsMutuallyExclusive("file", "workflow")
	return cmd
}

// ============================================================================
// status / get
// ============================================================================

func buildStatusCommand(opts *rootOptions) *cobra.Command {
	var queue string

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show job counts per state",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := opts.open(cmd.Context(), cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer app.Close()

			counts, err := app.Store.Count(cmd.Context(), queue)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			total := counts.Pending + counts.Processing + counts.Completed + counts.Errored
			fmt.Fprintf(out, "Store:      %s\n", app.Config.Store.Driver)
			fmt.Fprintf(out, "Queues:     %v\n", app.Registry.Queues())
			if queue != "" {
				fmt.Fprintf(out, "Queue:      %s\n", queue)
			}
			fmt.Fprintf(out, "Pending:    %d\n", counts.Pending)
			fmt.Fprintf(out, "Processing: %d\n", counts.Processing)
			fmt.Fprintf(out, "Completed:  %d\n", counts.Completed)
			fmt.Fprintf(out, "Errored:    %d\n", counts.Errored)
			fmt.Fprintf(out, "Total:      %d\n", total)
			return nil
		},
	}
	cmd.Flags().StringVarP(&queue, "queue", "q", "", "only count this queue")
	return cmd
}

func buildGetCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "get <id>",
		Short: "Print a job document including its task status",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := opts.open(cmd.Context(), cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer app.Close()

			job, err := app.Store.Get(cmd.Context(), types.JobID(args[0]))
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), job)
		},
	}
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
