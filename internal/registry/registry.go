// Package registry maps {role, task id} to live per-task actors so callers
// never hold a direct reference across restarts.
package registry

import (
	"errors"
	"fmt"
	"sync"
)

// Role identifies which kind of per-task actor a key addresses.
type Role string

const (
	RoleTask         Role = "task"
	RoleHookExecutor Role = "hook_executor"
	RoleRunner       Role = "runner"
)

// Key addresses one actor.
type Key struct {
	Role   Role
	TaskID int64
}

func (k Key) String() string {
	return fmt.Sprintf("%s:%d", k.Role, k.TaskID)
}

// ErrAlreadyRegistered is returned when a key is already taken.
var ErrAlreadyRegistered = errors.New("already registered")

const shardCount = 16

type shard struct {
	mu      sync.RWMutex
	entries map[Key]any
}

// Registry is a sharded concurrent name table. The zero value is not usable; use New.
type Registry struct {
	shards [shardCount]*shard
}

// New creates an empty registry.
func New() *Registry {
	r := &Registry{}
	for i := range r.shards {
		r.shards[i] = &shard{entries: make(map[Key]any)}
	}
	return r
}

func (r *Registry) shardFor(k Key) *shard {
	id := k.TaskID
	if id < 0 {
		id = -id
	}
	return r.shards[id%shardCount]
}

// Register binds handle to key. It fails if the key is already bound.
func (r *Registry) Register(k Key, handle any) error {
	s := r.shardFor(k)
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.entries[k]; ok {
		return fmt.Errorf("%s: %w", k, ErrAlreadyRegistered)
	}
	s.entries[k] = handle
	return nil
}

// Lookup returns the handle bound to key. It never blocks on the actor itself.
func (r *Registry) Lookup(k Key) (any, bool) {
	s := r.shardFor(k)
	s.mu.RLock()
	defer s.mu.RUnlock()
	h, ok := s.entries[k]
	return h, ok
}

// Unregister removes key only while it is still bound to handle, so a
// restarted actor is never evicted by its predecessor's cleanup.
func (r *Registry) Unregister(k Key, handle any) bool {
	s := r.shardFor(k)
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.entries[k]; ok && cur == handle {
		delete(s.entries, k)
		return true
	}
	return false
}

// Count returns how many actors of the given role are registered.
func (r *Registry) Count(role Role) int {
	n := 0
	for _, s := range r.shards {
		s.mu.RLock()
		for k := range s.entries {
			if k.Role == role {
				n++
			}
		}
		s.mu.RUnlock()
	}
	return n
}

// Lookup is a typed convenience over Registry.Lookup.
func Lookup[T any](r *Registry, role Role, taskID int64) (T, bool) {
	var zero T
	h, ok := r.Lookup(Key{Role: role, TaskID: taskID})
	if !ok {
		return zero, false
	}
	t, ok := h.(T)
	return t, ok
}
