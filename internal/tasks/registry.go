// Package tasks is the in-process task registry, the single-slot
// executor, and the timer layer that feeds it.
package tasks

import (
	"context"
	"fmt"
)

// Kind selects which long-lived processor a task runs against.
type Kind string

const (
	KindMedia     Kind = "media"
	KindWatchlist Kind = "watchlist"
	KindActor     Kind = "actor"
)

// Well-known task keys. Keys not listed here may still be registered;
// these are the ones the timers and the default chain refer to.
const (
	KeyFullScan         = "full-scan"
	KeyMetadataPopulate = "metadata-populate"
	KeyRefreshWatchlist = "refresh-watchlist"
	KeyRevivalCheck     = "revival-check"
	KeyResubscribeScan  = "resubscribe-scan"
	KeyBuildCollections = "build-collections"
	KeyEnrichAliases    = "enrich-aliases"
	KeySyncImagesMap    = "sync-images-map"
	KeySyncItem         = "sync-item"
)

// Invocation carries the per-run arguments and callbacks handed to a
// task function. Stop and Progress may be nil.
type Invocation struct {
	// ForceFullUpdate asks the task to ignore incremental shortcuts.
	// Chain runs always leave this false.
	ForceFullUpdate bool
	// TargetID is set for single-target tasks only.
	TargetID string

	Stop     func() bool
	Progress func(pct int, msg string)
}

func (inv *Invocation) Stopped() bool {
	return inv.Stop != nil && inv.Stop()
}

func (inv *Invocation) Report(pct int, msg string) {
	if inv.Progress != nil {
		inv.Progress(pct, msg)
	}
}

// Func is the signature every registered task implements.
type Func func(ctx context.Context, inv *Invocation) error

// Task is one registry entry. Single-target tasks (those reading
// Invocation.TargetID) must be registered with Chainable false.
type Task struct {
	Key         string
	Description string
	Kind        Kind
	Chainable   bool
	Run         Func
}

// Registry is the immutable task table. Build it once at startup.
type Registry struct {
	order []string
	tasks map[string]Task
}

// NewRegistry builds the registry from the given definitions.
func NewRegistry(defs ...Task) (*Registry, error) {
	r := &Registry{tasks: make(map[string]Task, len(defs))}
	for _, def := range defs {
		if def.Key == "" || def.Run == nil {
			return nil, fmt.Errorf("task definition missing key or function: %+v", def)
		}
		if _, exists := r.tasks[def.Key]; exists {
			return nil, fmt.Errorf("task %q registered twice", def.Key)
		}
		r.tasks[def.Key] = def
		r.order = append(r.order, def.Key)
	}
	return r, nil
}

// Get returns the task registered under key.
func (r *Registry) Get(key string) (Task, bool) {
	task, ok := r.tasks[key]
	return task, ok
}

// List returns all tasks in registration order.
func (r *Registry) List() []Task {
	tasks := make([]Task, 0, len(r.order))
	for _, key := range r.order {
		tasks = append(tasks, r.tasks[key])
	}
	return tasks
}
