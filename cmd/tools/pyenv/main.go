// Command scriptforge-pyenv serves the script toolkit over MCP stdio so any
// MCP client can save, provision and run scripts.
package main

import (
	"fmt"
	"os"

	"github.com/mark3labs/mcp-go/server"

	"github.com/michaelbrown/scriptforge/internal/config"
	"github.com/michaelbrown/scriptforge/internal/envmgr"
	"github.com/michaelbrown/scriptforge/internal/logging"
	"github.com/michaelbrown/scriptforge/internal/runs"
	"github.com/michaelbrown/scriptforge/internal/scripts"
	"github.com/michaelbrown/scriptforge/internal/storage/sqlite"
	"github.com/michaelbrown/scriptforge/internal/toolkit"
)

const version = "0.1.0"

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "scriptforge-pyenv: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load(os.Getenv("SCRIPTFORGE_CONFIG"))
	if err != nil {
		return err
	}

	// stdout carries the protocol; logging.New writes to stderr.
	logger, closer, err := logging.New(cfg.Log())
	if err != nil {
		return err
	}
	defer closer.Close()

	store, err := sqlite.Open(cfg.Storage.DBPath)
	if err != nil {
		return fmt.Errorf("opening storage: %w", err)
	}
	defer store.Close()

	sc, err := scripts.New(cfg.Workspace.ScriptsDir)
	if err != nil {
		return err
	}
	envs, err := envmgr.New(cfg.EnvManager(), store, logger)
	if err != nil {
		return err
	}

	notifier, err := cfg.Notifier()
	if err != nil {
		return err
	}
	svc := runs.NewService(envs, store, runs.WithNotifier(notifier), runs.WithLogger(logger))

	opts := []toolkit.Option{toolkit.WithOutputLimit(cfg.Agent.ToolOutputLimit)}
	if cfg.Notify.Telegram.Enabled {
		opts = append(opts, toolkit.WithNotifier(notifier))
	}
	tk := toolkit.New(sc, envs, svc, opts...)

	logger.Info("serving MCP over stdio", "scripts_dir", sc.Root())
	return server.ServeStdio(toolkit.NewMCPServer(tk, "scriptforge-pyenv", version))
}
