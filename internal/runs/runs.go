// Package runs records script executions and drives them either inline or
// through the queue.
package runs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/michaelbrown/scriptforge/internal/envmgr"
	"github.com/michaelbrown/scriptforge/internal/notify"
	"github.com/michaelbrown/scriptforge/internal/queue"
	"github.com/michaelbrown/scriptforge/internal/storage"
)

// Outcome writes are retried before Handle reports failure to the queue.
var (
	recordAttempts = 3
	recordBackoff  = 100 * time.Millisecond
)

var (
	ErrInvalidRequest = errors.New("invalid run request")
	ErrNoQueue        = errors.New("no queue configured")
)

// Executor runs one script. *envmgr.Manager satisfies it.
type Executor interface {
	Execute(ctx context.Context, req envmgr.ExecRequest) *envmgr.Result
}

// Request describes a script execution.
type Request struct {
	Script         string `json:"script"`
	TaskID         string `json:"task_id,omitempty"`
	Argument       string `json:"argument"`
	TimeoutSeconds int    `json:"timeout_seconds,omitempty"`
	Notify         bool   `json:"notify,omitempty"`
}

func (r Request) validate() error {
	if strings.TrimSpace(r.Script) == "" {
		return fmt.Errorf("%w: script is required", ErrInvalidRequest)
	}
	if r.TimeoutSeconds < 0 {
		return fmt.Errorf("%w: timeout_seconds must not be negative", ErrInvalidRequest)
	}
	return nil
}

// Service owns the run lifecycle.
type Service struct {
	exec     Executor
	store    storage.Store
	producer queue.Producer
	notifier notify.Notifier
	logger   *slog.Logger
}

// Option configures a Service.
type Option func(*Service)

// WithProducer enables Submit.
func WithProducer(p queue.Producer) Option {
	return func(s *Service) { s.producer = p }
}

// WithNotifier relays payloads of runs that ask for it.
func WithNotifier(n notify.Notifier) Option {
	return func(s *Service) {
		if n != nil {
			s.notifier = n
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(s *Service) {
		if l != nil {
			s.logger = l
		}
	}
}

func NewService(exec Executor, store storage.Store, opts ...Option) *Service {
	s := &Service{
		exec:     exec,
		store:    store,
		notifier: notify.Nop{},
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// RunNow executes req inline and records the run. The returned error is
// only set when the run could not be recorded; script failures are carried
// by the run's status and the result kind.
func (s *Service) RunNow(ctx context.Context, req Request) (*storage.Run, *envmgr.Result, error) {
	if err := req.validate(); err != nil {
		return nil, nil, err
	}
	run := newRun(req)
	run.Status = storage.StatusRunning
	if err := s.store.CreateRun(ctx, run); err != nil {
		return nil, nil, fmt.Errorf("recording run: %w", err)
	}
	res, err := s.execute(ctx, run)
	return run, res, err
}

// Submit records a queued run and publishes its id for a worker.
func (s *Service) Submit(ctx context.Context, req Request) (*storage.Run, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}
	if s.producer == nil {
		return nil, ErrNoQueue
	}
	run := newRun(req)
	if err := s.store.CreateRun(ctx, run); err != nil {
		return nil, fmt.Errorf("recording run: %w", err)
	}
	if err := s.producer.Publish(ctx, run.ID); err != nil {
		run.Status = storage.StatusFailed
		run.Outcome = envmgr.KindUnexpected
		run.Output = fmt.Sprintf("Could not queue run: %v", err)
		if uerr := s.store.UpdateRun(context.WithoutCancel(ctx), run); uerr != nil {
			s.logger.Error("marking unqueued run failed", "run_id", run.ID, "error", uerr)
		}
		return run, fmt.Errorf("queueing run %s: %w", run.ID, err)
	}
	s.logger.Info("run queued", "run_id", run.ID, "script", run.Script)
	return run, nil
}

// Handle is the queue handler. Unknown and already finished runs are
// skipped, and a run found already claimed is marked failed instead of
// executing a second time, so redelivery is harmless.
func (s *Service) Handle(ctx context.Context, runID string) error {
	run, err := s.store.GetRun(ctx, runID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			s.logger.Warn("skipping unknown run", "run_id", runID)
			return nil
		}
		return fmt.Errorf("loading run %s: %w", runID, err)
	}
	if run.Status.Done() {
		s.logger.Debug("skipping finished run", "run_id", run.ID, "status", run.Status)
		return nil
	}
	if run.Status == storage.StatusRunning {
		// A redelivered claim: the script may already have run once.
		s.logger.Warn("run was interrupted, not executing again", "run_id", run.ID)
		run.Status = storage.StatusFailed
		run.Outcome = envmgr.KindUnexpected
		run.Output = fmt.Sprintf("Run of script '%s' was interrupted before its outcome was recorded.", run.Script)
		return s.record(ctx, run)
	}

	run.Status = storage.StatusRunning
	if err := s.store.UpdateRun(ctx, run); err != nil {
		return fmt.Errorf("claiming run %s: %w", run.ID, err)
	}
	_, err = s.execute(ctx, run)
	return err
}

// Start consumes run ids until ctx is cancelled.
func (s *Service) Start(ctx context.Context, consumer queue.Consumer, workers int) error {
	s.logger.Info("worker started", "workers", workers)
	err := consumer.Consume(ctx, workers, s.Handle)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (s *Service) execute(ctx context.Context, run *storage.Run) (*envmgr.Result, error) {
	res := s.exec.Execute(ctx, envmgr.ExecRequest{
		RunID:    run.ID,
		TaskID:   run.TaskID,
		Script:   run.Script,
		Argument: run.Argument,
		Timeout:  time.Duration(run.TimeoutSeconds) * time.Second,
	})
	run.Apply(res)

	s.logger.Info("run finished",
		"run_id", run.ID, "task", run.TaskID, "status", run.Status,
		"outcome", run.Outcome, "duration_ms", run.DurationMS)

	if run.Notify {
		s.relay(ctx, run, res)
	}

	return res, s.record(ctx, run)
}

// record writes a finished run, retrying transient store failures. It
// persists even when the caller has gone away.
func (s *Service) record(ctx context.Context, run *storage.Run) error {
	ctx = context.WithoutCancel(ctx)
	var err error
	for attempt := 1; attempt <= recordAttempts; attempt++ {
		if err = s.store.UpdateRun(ctx, run); err == nil || errors.Is(err, storage.ErrNotFound) {
			break
		}
		s.logger.Warn("recording run failed", "run_id", run.ID, "attempt", attempt, "error", err)
		if attempt < recordAttempts {
			time.Sleep(time.Duration(attempt) * recordBackoff)
		}
	}
	if err != nil {
		return fmt.Errorf("recording outcome of run %s: %w", run.ID, err)
	}
	return nil
}

func (s *Service) relay(ctx context.Context, run *storage.Run, res *envmgr.Result) {
	text := res.Payload()
	if strings.TrimSpace(text) == "" {
		text = fmt.Sprintf("Script '%s' finished with no output.", run.Script)
	}
	ack, err := s.notifier.Notify(ctx, text)
	if err != nil {
		s.logger.Warn("notification failed", "run_id", run.ID, "error", err)
		return
	}
	s.logger.Debug("notification sent", "run_id", run.ID, "message_id", ack.MessageID)
}

func newRun(req Request) *storage.Run {
	return &storage.Run{
		ID:             uuid.New().String(),
		TaskID:         req.TaskID,
		Script:         req.Script,
		Argument:       req.Argument,
		TimeoutSeconds: req.TimeoutSeconds,
		Notify:         req.Notify,
		Status:         storage.StatusQueued,
	}
}
