package main

import (
	"context"
	"fmt"
	"io"
	"os/signal"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"
)

// watchConfig holds injectable dependencies for the watch daemon loop.
type watchConfig struct {
	w        io.Writer
	interval time.Duration
	once     bool
}

func newDeployWatchCmd() *cobra.Command {
	var interval time.Duration
	var once bool

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Run the batching daemon: flush ready actions as windows elapse",
		Long:  "Watches the coordination database and flushes ready deploy actions.\nDatabase writes wake the loop via fsnotify; a ticker covers windows\nelapsing without new writes. Stops on SIGINT/SIGTERM.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			cfg := &watchConfig{
				w:        cmd.OutOrStdout(),
				interval: interval,
				once:     once,
			}
			return runWatch(ctx, cfg)
		},
	}

	cmd.Flags().DurationVar(&interval, "interval", 2*time.Second, "fallback poll interval")
	cmd.Flags().BoolVar(&once, "once", false, "flush once and exit instead of looping")
	return cmd
}

// runWatch is the daemon loop: wake on database change or ticker, flush
// when anything is ready. Flush errors are reported and the loop keeps
// going; one bad action must not take the daemon down.
func runWatch(ctx context.Context, cfg *watchConfig) error {
	e, err := openEngine()
	if err != nil {
		return err
	}
	defer e.Close()

	if cfg.once {
		return flushReady(ctx, e, cfg.w)
	}

	// WAL writes land in sidecar files next to the database, so watch the
	// whole state directory.
	var events <-chan fsnotify.Event
	watcher, err := fsnotify.NewWatcher()
	if err == nil {
		if err := watcher.Add(e.paths.HarborDir); err == nil {
			events = watcher.Events
		}
		defer watcher.Close()
	}
	if events == nil {
		fmt.Fprintln(cfg.w, "fsnotify unavailable, polling only")
	}

	ticker := time.NewTicker(cfg.interval)
	defer ticker.Stop()

	// Debounce bursts of database writes into one flush check.
	debounce := time.NewTimer(0)
	if !debounce.Stop() {
		<-debounce.C
	}
	defer debounce.Stop()

	fmt.Fprintln(cfg.w, "watching for ready deploy actions")
	for {
		select {
		case <-ctx.Done():
			fmt.Fprintln(cfg.w, "shutting down")
			return nil
		case <-events:
			debounce.Reset(100 * time.Millisecond)
		case <-debounce.C:
			if err := flushReady(ctx, e, cfg.w); err != nil {
				fmt.Fprintf(cfg.w, "warning: flush: %v\n", err)
			}
		case <-ticker.C:
			if err := flushReady(ctx, e, cfg.w); err != nil {
				fmt.Fprintf(cfg.w, "warning: flush: %v\n", err)
			}
		}
	}
}

// flushReady flushes the queue if anything is due and reports results.
func flushReady(ctx context.Context, e *engine, w io.Writer) error {
	ready, err := e.queue.HasReady(ctx)
	if err != nil {
		return err
	}
	if !ready {
		return nil
	}

	results, err := e.batcher.FlushAll(ctx)
	for i := range results {
		fmt.Fprintf(w, "batch %s: %d total, %d succeeded, %d failed\n",
			results[i].BatchID, results[i].Total, results[i].Succeeded, results[i].Failed)
		for _, msg := range results[i].Errors {
			fmt.Fprintf(w, "  %s\n", msg)
		}
	}
	return err
}
