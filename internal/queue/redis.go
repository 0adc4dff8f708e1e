package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisConfig holds the list-backed queue connection parameters.
type RedisConfig struct {
	Address     string
	Password    string
	DB          int
	Key         string
	BlockWait   time.Duration
	MaxAttempts int // deliveries of an id whose handler keeps failing
}

// RedisQueue uses a Redis list: LPUSH to publish, BRPOP to consume.
type RedisQueue struct {
	client   *redis.Client
	key      string
	wait     time.Duration
	attempts *attempts
	logger   *slog.Logger
}

func NewRedisQueue(cfg RedisConfig, logger *slog.Logger) (*RedisQueue, error) {
	if cfg.Address == "" {
		return nil, errors.New("redis address is required")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("connecting to redis at %s: %w", cfg.Address, err)
	}
	return newRedisQueue(client, cfg, logger), nil
}

func newRedisQueue(client *redis.Client, cfg RedisConfig, logger *slog.Logger) *RedisQueue {
	key := cfg.Key
	if key == "" {
		key = "scriptforge:runs"
	}
	wait := cfg.BlockWait
	if wait <= 0 {
		wait = 5 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisQueue{client: client, key: key, wait: wait, attempts: newAttempts(cfg.MaxAttempts), logger: logger}
}

func (q *RedisQueue) Publish(ctx context.Context, runID string) error {
	if err := q.client.LPush(ctx, q.key, runID).Err(); err != nil {
		return fmt.Errorf("publishing run %s to redis: %w", runID, err)
	}
	return nil
}

// Consume pops ids with BRPOP. A failed id is pushed back to the consuming
// end of the list after a short delay, up to MaxAttempts deliveries.
func (q *RedisQueue) Consume(ctx context.Context, workerCount int, handler Handler) error {
	if workerCount <= 0 {
		workerCount = 1
	}
	errCh := make(chan error, workerCount)
	for i := 0; i < workerCount; i++ {
		go func(worker int) {
			for {
				if ctx.Err() != nil {
					errCh <- ctx.Err()
					return
				}
				values, err := q.client.BRPop(ctx, q.wait, q.key).Result()
				if err != nil {
					if errors.Is(err, redis.Nil) {
						continue
					}
					if ctx.Err() != nil || errors.Is(err, redis.ErrClosed) {
						errCh <- err
						return
					}
					errCh <- fmt.Errorf("consuming from redis: %w", err)
					return
				}
				if len(values) != 2 {
					continue
				}
				runID := values[1]
				if err := handler(ctx, runID); err != nil {
					attempt, retry := q.attempts.fail(runID)
					if !retry {
						q.logger.Error("queue handler failed, dropping run",
							"driver", "redis", "worker", worker, "run_id", runID, "attempt", attempt, "error", err)
						continue
					}
					q.logger.Warn("queue handler failed, requeueing",
						"driver", "redis", "worker", worker, "run_id", runID, "attempt", attempt, "error", err)
					select {
					case <-ctx.Done():
					case <-time.After(backoff(attempt)):
					}
					if err := q.client.RPush(context.WithoutCancel(ctx), q.key, runID).Err(); err != nil {
						q.logger.Error("requeue failed", "driver", "redis", "run_id", runID, "error", err)
					}
					continue
				}
				q.attempts.done(runID)
			}
		}(i)
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

func (q *RedisQueue) Close() error {
	if q == nil || q.client == nil {
		return nil
	}
	return q.client.Close()
}
