package envmgr

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Registry maps task identifiers to their environments.
type Registry interface {
	// PutEnvironment inserts or replaces the environment for env.TaskID.
	PutEnvironment(ctx context.Context, env *Environment) error

	// GetEnvironment returns ErrEnvironmentNotFound when the task has none.
	GetEnvironment(ctx context.Context, id TaskID) (*Environment, error)

	// ListEnvironments returns all environments ordered by task identifier.
	ListEnvironments(ctx context.Context) ([]Environment, error)
}

// MemoryRegistry is an in-process Registry.
type MemoryRegistry struct {
	mu   sync.RWMutex
	envs map[TaskID]Environment
}

func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{envs: make(map[TaskID]Environment)}
}

func (r *MemoryRegistry) PutEnvironment(_ context.Context, env *Environment) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e := *env
	e.Manifest = append(Manifest(nil), env.Manifest...)
	r.envs[env.TaskID] = e
	return nil
}

func (r *MemoryRegistry) GetEnvironment(_ context.Context, id TaskID) (*Environment, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.envs[id]
	if !ok {
		return nil, fmt.Errorf("task %q: %w", id, ErrEnvironmentNotFound)
	}
	return &e, nil
}

func (r *MemoryRegistry) ListEnvironments(_ context.Context) ([]Environment, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Environment, 0, len(r.envs))
	for _, e := range r.envs {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TaskID < out[j].TaskID })
	return out, nil
}

// taskLocks hands out one RWMutex per task identifier.
type taskLocks struct {
	mu    sync.Mutex
	locks map[TaskID]*sync.RWMutex
}

func (t *taskLocks) get(id TaskID) *sync.RWMutex {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.locks == nil {
		t.locks = make(map[TaskID]*sync.RWMutex)
	}
	l, ok := t.locks[id]
	if !ok {
		l = &sync.RWMutex{}
		t.locks[id] = l
	}
	return l
}
