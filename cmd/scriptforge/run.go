package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/michaelbrown/scriptforge/internal/runs"
)

var (
	runTask       string
	runTimeout    int
	runNotifyFlag bool
	runAsync      bool
)

var runCmd = &cobra.Command{
	Use:   "run <script> [argument]",
	Short: "Run a saved script in its task environment",
	Long: `Run a saved script inside its task's environment with one argument. The task
defaults to the script name without its extension.

With --async the run is queued for a worker instead of executed inline.

Examples:
  scriptforge run AAPL.py AAPL
  scriptforge run weather.py "Berlin" --timeout 60 --notify
  scriptforge run AAPL.py AAPL --async`,
	Args: cobra.RangeArgs(1, 2),
	RunE: runRun,
}

func init() {
	runCmd.Flags().StringVar(&runTask, "task", "", "Task whose environment to use (default: script name)")
	runCmd.Flags().IntVar(&runTimeout, "timeout", 0, "Timeout in seconds (default from config)")
	runCmd.Flags().BoolVar(&runNotifyFlag, "notify", false, "Relay the output through the configured notifier")
	runCmd.Flags().BoolVar(&runAsync, "async", false, "Queue the run for a worker")
	rootCmd.AddCommand(runCmd)
}

func runRun(cmd *cobra.Command, args []string) error {
	req := runs.Request{
		Script:         args[0],
		TaskID:         runTask,
		TimeoutSeconds: runTimeout,
		Notify:         runNotifyFlag,
	}
	if len(args) > 1 {
		req.Argument = args[1]
	}

	a, err := loadApp(appOptions{queue: runAsync})
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, stop := signalContext()
	defer stop()

	if runAsync {
		if a.cfg.Queue.Driver == "" || a.cfg.Queue.Driver == "memory" {
			return fmt.Errorf("--async needs a shared queue driver (redis or rabbitmq), got %q", a.cfg.Queue.Driver)
		}
		run, err := a.runs.Submit(ctx, req)
		if err != nil {
			return err
		}
		fmt.Printf("Queued run %s\n", run.ID)
		return nil
	}

	run, res, err := a.runs.RunNow(ctx, req)
	if err != nil && run == nil {
		return err
	}
	if err != nil {
		a.logger.Error("run was not recorded", "run_id", run.ID, "error", err)
	}

	if res.OK() {
		fmt.Print(res.Stdout)
		if !strings.HasSuffix(res.Stdout, "\n") {
			fmt.Println()
		}
		return nil
	}
	if res.Stderr != "" {
		fmt.Fprint(os.Stderr, res.Stderr)
	}
	return fmt.Errorf("run %s %s: %s", shortID(run.ID), run.Status, res.Message)
}
