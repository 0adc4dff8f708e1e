package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/michaelbrown/scriptforge/internal/agent"
	"github.com/michaelbrown/scriptforge/internal/config"
	"github.com/michaelbrown/scriptforge/internal/envmgr"
	"github.com/michaelbrown/scriptforge/internal/llm"
	"github.com/michaelbrown/scriptforge/internal/logging"
	"github.com/michaelbrown/scriptforge/internal/notify"
	"github.com/michaelbrown/scriptforge/internal/queue"
	"github.com/michaelbrown/scriptforge/internal/runs"
	"github.com/michaelbrown/scriptforge/internal/scripts"
	"github.com/michaelbrown/scriptforge/internal/server"
	"github.com/michaelbrown/scriptforge/internal/storage/sqlite"
	"github.com/michaelbrown/scriptforge/internal/toolkit"
	"github.com/michaelbrown/scriptforge/internal/tools"
)

// app holds the components shared by every command.
type app struct {
	cfg      *config.Config
	logger   *slog.Logger
	store    *sqlite.SQLiteStore
	scripts  *scripts.Store
	envs     *envmgr.Manager
	notifier notify.Notifier
	queue    queue.Queue // nil unless opened with a queue
	runs     *runs.Service
	toolkit  *toolkit.Toolkit
	registry *tools.Registry // nil until startTools

	closers []io.Closer
}

type appOptions struct {
	queue bool
}

// loadApp wires configuration, logging, storage, the environment manager
// and the run service.
func loadApp(opts appOptions) (*app, error) {
	cfg, err := config.Load(configFlag)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}

	logger, logCloser, err := logging.New(cfg.Log())
	if err != nil {
		return nil, fmt.Errorf("setting up logging: %w", err)
	}
	a := &app{cfg: cfg, logger: logger, closers: []io.Closer{logCloser}}

	if err := a.wire(opts); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *app) wire(opts appOptions) error {
	store, err := sqlite.Open(a.cfg.Storage.DBPath)
	if err != nil {
		return fmt.Errorf("opening storage: %w", err)
	}
	a.store = store
	a.closers = append(a.closers, store)

	a.scripts, err = scripts.New(a.cfg.Workspace.ScriptsDir)
	if err != nil {
		return err
	}

	a.envs, err = envmgr.New(a.cfg.EnvManager(), store, a.logger)
	if err != nil {
		return err
	}

	a.notifier, err = a.cfg.Notifier()
	if err != nil {
		return fmt.Errorf("configuring notifications: %w", err)
	}

	runOpts := []runs.Option{runs.WithNotifier(a.notifier), runs.WithLogger(a.logger)}
	if opts.queue {
		q, err := queue.New(a.cfg.QueueDriver(), a.logger)
		if err != nil {
			return fmt.Errorf("opening queue: %w", err)
		}
		a.queue = q
		a.closers = append(a.closers, q)
		runOpts = append(runOpts, runs.WithProducer(q))
	}
	a.runs = runs.NewService(a.envs, store, runOpts...)

	tkOpts := []toolkit.Option{toolkit.WithOutputLimit(a.cfg.Agent.ToolOutputLimit)}
	if a.cfg.Notify.Telegram.Enabled {
		tkOpts = append(tkOpts, toolkit.WithNotifier(a.notifier))
	}
	a.toolkit = toolkit.New(a.scripts, a.envs, a.runs, tkOpts...)
	return nil
}

// startTools launches the configured MCP tool servers.
func (a *app) startTools(ctx context.Context) {
	a.registry = tools.NewRegistry(a.logger)
	a.registry.RegisterAll(ctx, a.cfg.Tools)
}

// Close releases resources in reverse order of acquisition.
func (a *app) Close() {
	if a.registry != nil {
		a.registry.Close()
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i].Close(); err != nil && a.logger != nil {
			a.logger.Warn("closing resource", "error", err)
		}
	}
}

// resolved is the provider/model/profile triple an agent runs with.
type resolved struct {
	providerName string
	provider     config.ProviderConfig
	model        string
	profile      *agent.Profile
	maxIter      int
}

// resolve applies flag, profile and config precedence.
func (a *app) resolve(opts server.AgentOptions) (*resolved, error) {
	r := &resolved{maxIter: a.cfg.Agent.MaxIterations}

	if opts.Profile != "" {
		p, err := agent.FindProfile(a.cfg.Agent.ProfilesDir, opts.Profile)
		if err != nil {
			return nil, fmt.Errorf("loading profile: %w", err)
		}
		r.profile = p
		if p.MaxIter > 0 {
			r.maxIter = p.MaxIter
		}
	}

	r.providerName = opts.Provider
	if r.providerName == "" && r.profile != nil {
		r.providerName = r.profile.Provider
	}
	if r.providerName == "" {
		r.providerName = a.cfg.DefaultProvider
	}
	provider, err := a.cfg.Provider(r.providerName)
	if err != nil {
		return nil, err
	}
	r.provider = provider

	model := opts.Model
	if model == "" && r.profile != nil {
		model = r.profile.Model
	}
	r.model = provider.Model(model)
	if r.model == "" {
		return nil, fmt.Errorf("provider %s has no default model", r.providerName)
	}
	return r, nil
}

// newAgent builds a fresh agent for one request.
func (a *app) newAgent(_ context.Context, opts server.AgentOptions) (*agent.Agent, error) {
	r, err := a.resolve(opts)
	if err != nil {
		return nil, err
	}
	client := llm.NewClient(r.provider.BaseURL, r.provider.APIKey, r.model, a.logger)
	ag := agent.New(client, a.toolkit, a.registry, r.maxIter, a.logger)
	if r.profile != nil {
		ag.ApplyProfile(r.profile)
	}
	return ag, nil
}

func flagOptions() server.AgentOptions {
	return server.AgentOptions{Provider: providerFlag, Model: modelFlag, Profile: profileFlag}
}
