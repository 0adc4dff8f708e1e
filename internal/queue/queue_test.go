package queue

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestMemoryQueueDeliversToWorkers(t *testing.T) {
	q := NewMemoryQueue(8, quietLogger())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var mu sync.Mutex
	var got []string
	done := make(chan error, 1)
	go func() {
		done <- q.Consume(ctx, 3, func(_ context.Context, id string) error {
			mu.Lock()
			got = append(got, id)
			mu.Unlock()
			return nil
		})
	}()

	for _, id := range []string{"a", "b", "c", "d"} {
		require.NoError(t, q.Publish(ctx, id))
	}

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 4
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)

	mu.Lock()
	sort.Strings(got)
	mu.Unlock()
	assert.Equal(t, []string{"a", "b", "c", "d"}, got)
}

func TestMemoryQueueHandlerErrorDoesNotStopWorker(t *testing.T) {
	q := NewMemoryQueue(4, quietLogger())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	handled := make(chan string, 4)
	go q.Consume(ctx, 1, func(_ context.Context, id string) error {
		handled <- id
		if id == "bad" {
			return errors.New("boom")
		}
		return nil
	})

	require.NoError(t, q.Publish(ctx, "bad"))
	require.NoError(t, q.Publish(ctx, "good"))

	assert.Equal(t, "bad", <-handled)
	assert.Equal(t, "good", <-handled)
}

func TestMemoryQueueClose(t *testing.T) {
	q := NewMemoryQueue(1, quietLogger())
	require.NoError(t, q.Close())
	require.NoError(t, q.Close())

	assert.ErrorIs(t, q.Publish(context.Background(), "x"), ErrClosed)

	// Consumers drain and return once the queue is closed.
	err := q.Consume(context.Background(), 2, func(context.Context, string) error { return nil })
	assert.NoError(t, err)
}

func TestMemoryQueuePublishRespectsContext(t *testing.T) {
	q := NewMemoryQueue(1, quietLogger())
	require.NoError(t, q.Publish(context.Background(), "fills-buffer"))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, q.Publish(ctx, "blocked"), context.DeadlineExceeded)
}

func TestNewSelectsDriver(t *testing.T) {
	q, err := New(Config{}, quietLogger())
	require.NoError(t, err)
	assert.IsType(t, &MemoryQueue{}, q)

	_, err = New(Config{Driver: "kafka"}, quietLogger())
	assert.ErrorContains(t, err, "unknown queue driver")

	_, err = New(Config{Driver: "redis"}, quietLogger())
	assert.ErrorContains(t, err, "redis address is required")

	_, err = New(Config{Driver: "rabbitmq"}, quietLogger())
	assert.ErrorContains(t, err, "rabbitmq url is required")
}

func TestBackoffIsCapped(t *testing.T) {
	assert.Equal(t, 500*time.Millisecond, backoff(1))
	assert.Equal(t, 5*time.Second, backoff(100))
}

func TestAttemptsCapRedelivery(t *testing.T) {
	a := newAttempts(3)

	n, retry := a.fail("r1")
	assert.Equal(t, 1, n)
	assert.True(t, retry)
	n, retry = a.fail("r1")
	assert.Equal(t, 2, n)
	assert.True(t, retry)
	n, retry = a.fail("r1")
	assert.Equal(t, 3, n)
	assert.False(t, retry)

	// A dropped id starts over if it is ever published again.
	n, _ = a.fail("r1")
	assert.Equal(t, 1, n)

	a.done("r1")
	n, _ = a.fail("r1")
	assert.Equal(t, 1, n)
}

func TestAttemptsDefaultMax(t *testing.T) {
	a := newAttempts(0)
	for i := 1; i < DefaultMaxAttempts; i++ {
		_, retry := a.fail("x")
		assert.True(t, retry)
	}
	_, retry := a.fail("x")
	assert.False(t, retry)
}
