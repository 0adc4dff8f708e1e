package main

import (
	"github.com/spf13/cobra"
)

var workerCount int

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Execute queued runs",
	Long: `Consume run ids from the configured queue and execute them. Use a shared
driver (redis or rabbitmq) so runs queued by other processes reach this one.

Examples:
  SCRIPTFORGE_QUEUE_DRIVER=redis scriptforge worker --workers 4`,
	RunE: runWorker,
}

func init() {
	workerCmd.Flags().IntVar(&workerCount, "workers", 0, "Concurrent workers (default from config)")
	rootCmd.AddCommand(workerCmd)
}

func runWorker(cmd *cobra.Command, args []string) error {
	a, err := loadApp(appOptions{queue: true})
	if err != nil {
		return err
	}
	defer a.Close()

	if a.cfg.Queue.Driver == "" || a.cfg.Queue.Driver == "memory" {
		a.logger.Warn("memory queue is process local; only runs queued by this process will be seen")
	}

	workers := a.cfg.Queue.Workers
	if workerCount > 0 {
		workers = workerCount
	}

	ctx, stop := signalContext()
	defer stop()

	return a.runs.Start(ctx, a.queue, workers)
}
