// Demo of a retrying workflow on the file store, including crash recovery.
//
//	go run ./cmd/demo start     # enqueue 200 onboarding jobs and run them; Ctrl+C mid-run
//	go run ./cmd/demo recover   # reopen the store, release stale claims, finish the rest
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ChuLiYu/jobflow/internal/controller"
	"github.com/ChuLiYu/jobflow/internal/executor"
	"github.com/ChuLiYu/jobflow/internal/jobstore"
	"github.com/ChuLiYu/jobflow/internal/jobstore/memory"
	"github.com/ChuLiYu/jobflow/internal/registry"
	"github.com/ChuLiYu/jobflow/internal/runner"
	"github.com/ChuLiYu/jobflow/pkg/types"
)

const dataDir = "data/demo"

func main() {
	if len(os.Args) < 2 {
		fmt.Println("Usage: go run ./cmd/demo <start|recover>")
		os.Exit(1)
	}
	mode := os.Args[1]

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	start := time.Now()
	raw, err := memory.Open(dataDir, memory.Options{})
	if err != nil {
		log.Fatalf("Failed to open store: %v", err)
	}
	defer raw.Close()
	fmt.Printf("✓ Store opened in %s (%s)\n", time.Since(start), dataDir)

	store := jobstore.Decorate(raw)
	reg, err := buildRegistry()
	if err != nil {
		log.Fatalf("Failed to register tasks: %v", err)
	}
	exec := executor.New(store, reg, executor.WithTaskTimeout(5*time.Second))
	r := runner.New(store, reg, exec, runner.WithConcurrency(8), runner.WithDefaultLimit(25))

	switch mode {
	case "start":
		counts, _ := store.Count(ctx, "")
		if total(counts) > 0 {
			fmt.Printf("\n⚠️  Found %d jobs from a previous run, use 'recover' or remove %s\n", total(counts), dataDir)
			return
		}
		for i := 1; i <= 200; i++ {
			_, err := r.Enqueue(ctx, runner.EnqueueRequest{
				ID:           types.JobID(fmt.Sprintf("onboard-%03d", i)),
				WorkflowSlug: "onboard",
				Input:        map[string]any{"user": fmt.Sprintf("user-%d", i)},
			})
			if err != nil {
				log.Fatalf("Failed to enqueue: %v", err)
			}
		}
		fmt.Println("✓ Enqueued 200 onboarding jobs")
		fmt.Println("💡 Press Ctrl+C while jobs are processing to simulate a crash")

	case "recover":
		counts, _ := store.Count(ctx, "")
		fmt.Printf("\n📊 Recovered state:\n")
		printCounts(counts)

		// 崩潰時仍在 processing 的任務由 reaper 釋放
		ctrl := controller.NewController(raw, controller.Config{StaleAfter: time.Nanosecond})
		n, err := ctrl.ReapOnce(ctx)
		if err != nil {
			log.Fatalf("Failed to release claims: %v", err)
		}
		fmt.Printf("✓ Released %d claims left by the crashed run\n", n)

	default:
		log.Fatalf("unknown mode %q", mode)
	}

	if err := drain(ctx, r, store); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatalf("Run failed: %v", err)
	}
	if ctx.Err() != nil {
		fmt.Println("\n\nReceived shutdown signal, stopped mid-run")
		return
	}

	if err := raw.Compact(context.Background()); err != nil {
		log.Printf("Snapshot failed: %v", err)
	}
	job, err := store.Get(context.Background(), "onboard-001")
	if err == nil {
		view, _ := json.MarshalIndent(job.TaskStatus, "", "  ")
		fmt.Printf("\n🔎 taskStatus of onboard-001:\n%s\n", view)
	}
}

// buildRegistry 一個三步驟工作流：charge 前兩次必定失敗，之後兩個並行通知
func buildRegistry() (*registry.Registry, error) {
	reg := registry.New(nil)
	err := reg.Tasks.Register(registry.TaskConfig{
		Slug:    "charge",
		Label:   "Charge the first invoice",
		Retries: &types.RetryPolicy{Attempts: 3, Backoff: &types.Backoff{Delay: 200}},
		Handler: registry.Func(func(ctx context.Context, args registry.TaskArgs) (registry.TaskResult, error) {
			tried := 0
			for _, e := range args.Job.Log {
				if e.TaskSlug == "charge" {
					tried++
				}
			}
			time.Sleep(20 * time.Millisecond)
			if tried < 2 {
				return registry.TaskResult{}, fmt.Errorf("payment gateway timeout (attempt %d)", tried+1)
			}
			return registry.TaskResult{Output: map[string]any{"invoice": "inv-" + string(args.Job.ID)}}, nil
		}),
	})
	if err != nil {
		return nil, err
	}
	err = reg.Tasks.Register(registry.TaskConfig{
		Slug: "notify",
		Handler: registry.Func(func(ctx context.Context, args registry.TaskArgs) (registry.TaskResult, error) {
			time.Sleep(10 * time.Millisecond)
			return registry.TaskResult{Output: args.Input}, nil
		}),
	})
	if err != nil {
		return nil, err
	}
	return reg, reg.Workflows.Register(registry.WorkflowConfig{
		Slug:    "onboard",
		Retries: types.Retries(2),
		Tasks: []registry.TaskRef{
			{Task: "charge"},
			{Parallel: []registry.TaskRef{
				{Task: "notify", ID: "email", Input: map[string]any{"channel": "email"}},
				{Task: "notify", ID: "sms", Input: map[string]any{"channel": "sms"}},
			}},
		},
	})
}

// drain triggers RunPending until nothing is pending or processing.
func drain(ctx context.Context, r *runner.Runner, store jobstore.Store) error {
	for ctx.Err() == nil {
		summary, err := r.RunPending(ctx, runner.RunOptions{
			Request: registry.RequestContext{Source: "demo"},
		})
		if err != nil {
			return err
		}
		counts, err := store.Count(ctx, "")
		if err != nil {
			return err
		}
		fmt.Printf("📊 ran=%d succeeded=%d retried=%d errored=%d | pending=%d completed=%d errored=%d\n",
			summary.Total, summary.Succeeded, summary.Retried, summary.Errored,
			counts.Pending, counts.Completed, counts.Errored)
		if counts.Pending == 0 && counts.Processing == 0 {
			fmt.Println("\n✓ All jobs finished")
			printCounts(counts)
			return nil
		}
		if summary.Total == 0 {
			select {
			case <-ctx.Done():
			case <-time.After(100 * time.Millisecond):
			}
		}
	}
	return ctx.Err()
}

func total(c types.Counts) int {
	return c.Pending + c.Processing + c.Completed + c.Errored
}

func printCounts(c types.Counts) {
	fmt.Printf("  Pending:    %d\n", c.Pending)
	fmt.Printf("  Processing: %d\n", c.Processing)
	fmt.Printf("  Completed:  %d\n", c.Completed)
	fmt.Printf("  Errored:    %d\n", c.Errored)
	fmt.Printf("  ─────────────────\n")
	fmt.Printf("  Total:      %d\n", total(c))
}
