// Package queue carries run ids from producers (HTTP server, CLI) to
// workers that execute them.
package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// ErrClosed is returned when publishing to a closed queue.
var ErrClosed = errors.New("queue closed")

// Handler processes one run id. A non-nil error asks the driver to
// redeliver the id.
type Handler func(ctx context.Context, runID string) error

// Producer publishes run ids.
type Producer interface {
	Publish(ctx context.Context, runID string) error
	Close() error
}

// Consumer delivers run ids to a handler from workerCount goroutines until
// ctx is cancelled.
type Consumer interface {
	Consume(ctx context.Context, workerCount int, handler Handler) error
	Close() error
}

// Queue is both ends of a driver.
type Queue interface {
	Producer
	Consumer
}

// Config selects and configures a driver.
type Config struct {
	Driver   string // memory, redis or rabbitmq
	Size     int    // memory buffer
	Redis    RedisConfig
	RabbitMQ RabbitMQConfig
}

// New builds the queue named by cfg.Driver. An empty driver means memory.
func New(cfg Config, logger *slog.Logger) (Queue, error) {
	if logger == nil {
		logger = slog.Default()
	}
	switch cfg.Driver {
	case "", "memory":
		return NewMemoryQueue(cfg.Size, logger), nil
	case "redis":
		return NewRedisQueue(cfg.Redis, logger)
	case "rabbitmq":
		return NewRabbitMQQueue(cfg.RabbitMQ, logger)
	default:
		return nil, fmt.Errorf("unknown queue driver %q", cfg.Driver)
	}
}

// backoff returns the delay before redelivering after a handler failure.
func backoff(attempt int) time.Duration {
	d := time.Duration(attempt) * 500 * time.Millisecond
	if d > 5*time.Second {
		d = 5 * time.Second
	}
	return d
}

// DefaultMaxAttempts bounds how often a failing run id is delivered.
const DefaultMaxAttempts = 3

// attempts counts handler failures per run id across workers.
type attempts struct {
	mu  sync.Mutex
	max int
	n   map[string]int
}

func newAttempts(max int) *attempts {
	if max <= 0 {
		max = DefaultMaxAttempts
	}
	return &attempts{max: max, n: make(map[string]int)}
}

// fail records a failed delivery of id and reports the attempt number and
// whether id may be delivered again.
func (a *attempts) fail(id string) (int, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.n[id]++
	attempt := a.n[id]
	if attempt >= a.max {
		delete(a.n, id)
		return attempt, false
	}
	return attempt, true
}

func (a *attempts) done(id string) {
	a.mu.Lock()
	delete(a.n, id)
	a.mu.Unlock()
}
