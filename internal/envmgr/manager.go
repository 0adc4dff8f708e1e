// Package envmgr provisions per-task isolated Python environments and runs
// scripts inside them under a wall-clock bound.
//
// Manager operations never return errors. Every failure is reported as a
// classified result whose Err field carries the cause for errors.Is.
package envmgr

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Defaults applied by New when the corresponding Config field is zero.
const (
	DefaultBasePython = "python3"
	DefaultTimeout    = 30 * time.Second
	DefaultMaxOutput  = 1 << 20 // 1 MB
	defaultWaitDelay  = 2 * time.Second
)

// Config controls where environments live and how processes are bounded.
type Config struct {
	ScriptsDir     string
	BasePython     string        // interpreter used to create environments
	DefaultTimeout time.Duration // execution bound when a request sets none
	InstallTimeout time.Duration // zero means provisioning is bounded only by ctx
	MaxOutput      int           // per-stream capture cap in bytes
	KeepManifest   bool          // retain requirements files after a successful install
	PipArgs        []string      // extra installer flags, e.g. --index-url
	GOOS           string        // platform path convention; defaults to runtime.GOOS
}

// Manager owns the environments under one scripts root.
type Manager struct {
	cfg      Config
	layout   Layout
	registry Registry
	logger   *slog.Logger
	locks    taskLocks
}

// New creates the scripts root if needed and returns a Manager backed by
// registry.
func New(cfg Config, registry Registry, logger *slog.Logger) (*Manager, error) {
	if registry == nil {
		return nil, errors.New("envmgr: registry is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.ScriptsDir == "" {
		cfg.ScriptsDir = "scripts"
	}
	if cfg.BasePython == "" {
		cfg.BasePython = DefaultBasePython
	}
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = DefaultTimeout
	}
	if cfg.MaxOutput <= 0 {
		cfg.MaxOutput = DefaultMaxOutput
	}
	if cfg.GOOS == "" {
		cfg.GOOS = runtime.GOOS
	}

	root, err := filepath.Abs(cfg.ScriptsDir)
	if err != nil {
		return nil, fmt.Errorf("resolving scripts dir: %w", err)
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("creating scripts dir: %w", err)
	}
	cfg.ScriptsDir = root

	return &Manager{
		cfg:      cfg,
		layout:   Layout{Root: root, GOOS: cfg.GOOS},
		registry: registry,
		logger:   logger.With(slog.String("component", "envmgr")),
	}, nil
}

// Root returns the absolute scripts root.
func (m *Manager) Root() string { return m.layout.Root }

// Layout returns the path conventions used by the manager.
func (m *Manager) Layout() Layout { return m.layout }

// Provision creates a fresh environment for label and installs manifest
// into it. Any previous environment for the same task is destroyed first.
func (m *Manager) Provision(ctx context.Context, label string, manifest Manifest) *ProvisionResult {
	id, err := ParseTaskID(label)
	if err != nil {
		return &ProvisionResult{
			Kind:    KindSetupFailure,
			Message: fmt.Sprintf("Error setting up environment for %q: %v", label, err),
			Err:     err,
		}
	}

	lock := m.locks.get(id)
	lock.Lock()
	defer lock.Unlock()

	if m.cfg.InstallTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.cfg.InstallTimeout)
		defer cancel()
	}

	envDir := m.layout.EnvDir(id)
	python, pip := m.layout.Executables(envDir)
	env := &Environment{
		TaskID:       id,
		Root:         envDir,
		Python:       python,
		Pip:          pip,
		ManifestPath: m.layout.ManifestPath(id),
		Manifest:     manifest,
		State:        StateProvisioning,
		UpdatedAt:    time.Now().UTC(),
	}
	log := m.logger.With(slog.String("task", string(id)), slog.String("env", envDir))

	if err := m.registry.PutEnvironment(ctx, env); err != nil {
		return &ProvisionResult{
			Kind:    KindUnexpected,
			TaskID:  id,
			Message: fmt.Sprintf("Error registering environment '%s': %v", envDir, err),
			Err:     err,
		}
	}

	fail := func(kind Kind, output, msg string, cause error) *ProvisionResult {
		log.Error("provisioning failed", slog.String("error", msg))
		env.State = StateFailed
		env.Message = msg
		env.UpdatedAt = time.Now().UTC()
		if err := m.registry.PutEnvironment(context.WithoutCancel(ctx), env); err != nil {
			log.Error("recording failed environment", slog.String("error", err.Error()))
		}
		return &ProvisionResult{
			Kind:        kind,
			TaskID:      id,
			Output:      output,
			Message:     msg,
			Environment: env,
			Err:         cause,
		}
	}

	if err := os.WriteFile(env.ManifestPath, manifest.Bytes(), 0o644); err != nil {
		return fail(KindSetupFailure, "", fmt.Sprintf("Error writing requirements file '%s': %v", env.ManifestPath, err), err)
	}

	log.Info("creating environment")
	if err := os.RemoveAll(envDir); err != nil {
		return fail(KindSetupFailure, "", fmt.Sprintf("Error removing previous environment '%s': %v", envDir, err), err)
	}
	if out, err := m.combined(ctx, m.cfg.BasePython, "-m", "venv", envDir); err != nil {
		return fail(KindSetupFailure, out, fmt.Sprintf("Error creating environment '%s': %v\n%s", envDir, err, out), err)
	}

	var output string
	if reqs := manifest.Requirements(); len(reqs) > 0 {
		args := append([]string{"install", "-r", env.ManifestPath}, m.cfg.PipArgs...)
		log.Info("installing dependencies", slog.Int("requirements", len(reqs)))
		out, err := m.combined(ctx, pip, args...)
		output = out
		if err != nil {
			m.removeManifest(env.ManifestPath)
			return fail(KindSetupFailure, out, fmt.Sprintf("Error installing dependencies into '%s': %s", envDir, strings.TrimSpace(out)), err)
		}
	} else {
		log.Debug("empty manifest, skipping installer")
	}

	if !m.cfg.KeepManifest {
		m.removeManifest(env.ManifestPath)
	}

	absPython, err := filepath.Abs(python)
	if err != nil {
		absPython = python
	}
	env.State = StateReady
	env.Message = ""
	env.UpdatedAt = time.Now().UTC()
	if err := m.registry.PutEnvironment(context.WithoutCancel(ctx), env); err != nil {
		return &ProvisionResult{
			Kind:        KindUnexpected,
			TaskID:      id,
			Output:      output,
			Message:     fmt.Sprintf("Error registering environment '%s': %v", envDir, err),
			Environment: env,
			Err:         err,
		}
	}

	log.Info("environment ready")
	return &ProvisionResult{
		Kind:        KindSuccess,
		TaskID:      id,
		Python:      absPython,
		Output:      output,
		Message:     fmt.Sprintf("Environment '%s' set up with dependencies. Python at: %s", envDir, absPython),
		Environment: env,
	}
}

// combined runs a setup command and returns its combined output. A non-zero
// exit is an error.
func (m *Manager) combined(ctx context.Context, name string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = m.layout.Root
	cmd.Env = append(os.Environ(), "PIP_NO_INPUT=1", "PIP_DISABLE_PIP_VERSION_CHECK=1")
	cmd.WaitDelay = defaultWaitDelay
	isolateProcess(cmd)
	out, err := cmd.CombinedOutput()
	return string(out), err
}

// removeManifest deletes a requirements file. Failures are logged only.
func (m *Manager) removeManifest(path string) {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		m.logger.Warn("removing requirements file", slog.String("path", path), slog.String("error", err.Error()))
	}
}

// ExecRequest describes one script run.
type ExecRequest struct {
	RunID    string        // optional; a new uuid when empty
	TaskID   string        // optional; derived from the script name when empty
	Script   string        // absolute path or path relative to the scripts root
	Argument string        // sole positional argument passed to the script
	Timeout  time.Duration // zero means Config.DefaultTimeout
}

// Execute runs a script inside its task's environment and classifies the
// outcome.
func (m *Manager) Execute(ctx context.Context, req ExecRequest) *Result {
	runID := req.RunID
	if runID == "" {
		runID = uuid.New().String()
	}
	res := &Result{RunID: runID, Script: req.Script}
	start := time.Now()
	defer func() { res.Duration = time.Since(start) }()

	script, err := m.layout.ResolveScript(req.Script)
	if err != nil {
		return res.fail(KindUnexpected, fmt.Sprintf("An unexpected error occurred while executing script '%s': %v", req.Script, err), err)
	}
	res.Script = script

	var id TaskID
	if req.TaskID != "" {
		id, err = ParseTaskID(req.TaskID)
	} else {
		id, err = TaskForScript(script)
	}
	if err != nil {
		return res.fail(KindSetupFailure, fmt.Sprintf("Error resolving environment for script '%s': %v", script, err), err)
	}
	res.TaskID = id

	lock := m.locks.get(id)
	lock.RLock()
	defer lock.RUnlock()

	env, err := m.registry.GetEnvironment(ctx, id)
	if err != nil {
		if errors.Is(err, ErrEnvironmentNotFound) {
			return res.fail(KindSetupFailure, fmt.Sprintf("No environment provisioned for task '%s' (expected at '%s'); provision it before running '%s'", id, m.layout.EnvDir(id), script), err)
		}
		return res.fail(KindUnexpected, fmt.Sprintf("An unexpected error occurred while looking up environment for '%s': %v", id, err), err)
	}
	if env.State != StateReady {
		err := fmt.Errorf("task %q is %s: %w", id, env.State, ErrEnvironmentNotReady)
		return res.fail(KindSetupFailure, fmt.Sprintf("Environment '%s' is not ready (%s); re-provision it before running '%s'", env.Root, env.State, script), err)
	}

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = m.cfg.DefaultTimeout
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	log := m.logger.With(slog.String("run_id", res.RunID), slog.String("task", string(id)), slog.String("script", script))
	log.Info("executing script", slog.String("python", env.Python), slog.Duration("timeout", timeout))

	cmd := exec.CommandContext(runCtx, env.Python, script, req.Argument)
	cmd.Dir = m.layout.Root
	cmd.WaitDelay = defaultWaitDelay
	isolateProcess(cmd)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &limitWriter{buf: &stdout, limit: m.cfg.MaxOutput}
	cmd.Stderr = &limitWriter{buf: &stderr, limit: m.cfg.MaxOutput}

	runErr := cmd.Run()
	// Background children may outlive the script and hold its pipes open.
	if err := killGroup(cmd); err != nil {
		log.Debug("killing process group", slog.String("error", err.Error()))
	}

	res.Stdout = strings.TrimSpace(stdout.String())
	res.Stderr = strings.TrimSpace(stderr.String())
	res.Truncated = stdout.Len() >= m.cfg.MaxOutput || stderr.Len() >= m.cfg.MaxOutput
	if cmd.ProcessState != nil {
		res.ExitCode = cmd.ProcessState.ExitCode()
	}

	exitedOK := cmd.ProcessState != nil && cmd.ProcessState.Success()
	switch {
	case runErr == nil, errors.Is(runErr, exec.ErrWaitDelay) && exitedOK:
		res.Kind = KindSuccess
		res.Message = fmt.Sprintf("Script '%s' completed.", script)
		log.Info("script completed")
		return res
	case errors.Is(ctx.Err(), context.Canceled):
		return res.fail(KindUnexpected, fmt.Sprintf("Execution of script '%s' was cancelled: %v", script, ctx.Err()), ctx.Err())
	case errors.Is(runCtx.Err(), context.DeadlineExceeded):
		// Also covers a parent deadline that fires before the run's own.
		log.Warn("script timed out")
		return res.fail(KindTimeout, fmt.Sprintf("Script '%s' timed out after %s.", script, timeout), context.DeadlineExceeded)
	}

	var exitErr *exec.ExitError
	if errors.As(runErr, &exitErr) {
		log.Warn("script failed", slog.Int("exit_code", exitErr.ExitCode()))
		return res.fail(KindProcessError, fmt.Sprintf("Error executing script '%s': %s", script, res.Stderr), runErr)
	}
	return res.fail(KindUnexpected, fmt.Sprintf("An unexpected error occurred while executing script '%s': %v", script, runErr), runErr)
}

func (r *Result) fail(kind Kind, msg string, err error) *Result {
	r.Kind = kind
	r.Message = msg
	r.Err = err
	return r
}

// Environment returns the registered environment for label.
func (m *Manager) Environment(ctx context.Context, label string) (*Environment, error) {
	id, err := ParseTaskID(label)
	if err != nil {
		return nil, err
	}
	return m.registry.GetEnvironment(ctx, id)
}

// Environments lists every registered environment.
func (m *Manager) Environments(ctx context.Context) ([]Environment, error) {
	return m.registry.ListEnvironments(ctx)
}

// limitWriter writes up to limit bytes to buf, then silently discards the rest.
type limitWriter struct {
	buf   *bytes.Buffer
	limit int
}

func (w *limitWriter) Write(p []byte) (int, error) {
	remaining := w.limit - w.buf.Len()
	if remaining <= 0 {
		return len(p), nil
	}
	if len(p) > remaining {
		// Report everything as consumed so the copier does not see a short write.
		w.buf.Write(p[:remaining])
		return len(p), nil
	}
	return w.buf.Write(p)
}
