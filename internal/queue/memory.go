package queue

import (
	"context"
	"log/slog"
	"sync"
)

// MemoryQueue is a buffered channel. Ids are lost on restart, so it suits
// single-process deployments and tests.
type MemoryQueue struct {
	ch     chan string
	logger *slog.Logger

	mu     sync.RWMutex
	closed bool
}

func NewMemoryQueue(size int, logger *slog.Logger) *MemoryQueue {
	if size <= 0 {
		size = 64
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &MemoryQueue{ch: make(chan string, size), logger: logger}
}

func (q *MemoryQueue) Publish(ctx context.Context, runID string) error {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return ErrClosed
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case q.ch <- runID:
		return nil
	}
}

// Consume runs workers until ctx is done or the queue is closed. Failed ids
// are dropped after logging; the memory driver has no redelivery.
func (q *MemoryQueue) Consume(ctx context.Context, workerCount int, handler Handler) error {
	if workerCount <= 0 {
		workerCount = 1
	}
	var wg sync.WaitGroup
	for i := 0; i < workerCount; i++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case runID, ok := <-q.ch:
					if !ok {
						return
					}
					if err := handler(ctx, runID); err != nil {
						q.logger.Warn("queue handler failed", "driver", "memory", "worker", worker, "run_id", runID, "error", err)
					}
				}
			}
		}(i)
	}
	wg.Wait()
	return ctx.Err()
}

func (q *MemoryQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.closed {
		close(q.ch)
		q.closed = true
	}
	return nil
}
