package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/michaelbrown/scriptforge/internal/server"
)

var (
	portFlag    int
	workersFlag int
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the ScriptForge HTTP API",
	Long: `Start the ScriptForge HTTP server with REST API and WebSocket support.
Endpoints are under /api. Queue workers run in the same process unless
--workers is 0.

Examples:
  scriptforge serve
  scriptforge serve --port 9090 --workers 4`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().IntVar(&portFlag, "port", 0, "Port to listen on (overrides config)")
	serveCmd.Flags().IntVar(&workersFlag, "workers", -1, "In-process queue workers (default from config, 0 disables)")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	a, err := loadApp(appOptions{queue: true})
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, stop := signalContext()
	defer stop()

	a.startTools(ctx)

	port := a.cfg.Server.Port
	if portFlag > 0 {
		port = portFlag
	}
	workers := a.cfg.Queue.Workers
	if workersFlag >= 0 {
		workers = workersFlag
	}

	srv := server.New(a.cfg, server.Deps{
		Scripts:      a.scripts,
		Environments: a.envs,
		Runs:         a.runs,
		Store:        a.store,
		NewAgent:     a.newAgent,
	}, a.logger)

	workerErr := make(chan error, 1)
	if workers > 0 {
		go func() { workerErr <- a.runs.Start(ctx, a.queue, workers) }()
	} else {
		a.logger.Warn("no in-process workers; queued runs wait for `scriptforge worker`")
	}

	serveErr := make(chan error, 1)
	go func() { serveErr <- srv.Start(port) }()

	select {
	case <-ctx.Done():
	case err = <-serveErr:
		if err != nil {
			return fmt.Errorf("serving: %w", err)
		}
	case err = <-workerErr:
		if err != nil {
			srv.Shutdown(context.Background())
			return fmt.Errorf("workers stopped: %w", err)
		}
	}

	if err := srv.Shutdown(context.Background()); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
