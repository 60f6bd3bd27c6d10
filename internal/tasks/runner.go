package tasks

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// ErrBusy is returned when a task is submitted while another one runs.
var ErrBusy = errors.New("a task is already running")

// ErrUnknownTask is returned for a key the registry does not hold.
var ErrUnknownTask = errors.New("unknown task")

// ProgressError is the progress value reported for a failed run.
const ProgressError = -1

// chainKey is the observer-visible key while a chain drives the slot.
const chainKey = "task-chain"

// Status is the observer view of the runner.
type Status struct {
	Progress       int        `json:"progress"`
	Message        string     `json:"message"`
	RunningTaskKey *string    `json:"running_task_key,omitempty"`
	StartedAt      *time.Time `json:"started_at,omitempty"`
	RunID          string     `json:"run_id,omitempty"`
}

// Runner executes registered tasks one at a time. A second submission
// while the slot is held fails with ErrBusy.
type Runner struct {
	registry *Registry
	logger   zerolog.Logger
	now      func() time.Time

	mu            sync.Mutex
	running       bool
	runID         string
	taskKey       string
	startedAt     time.Time
	progress      int
	message       string
	stopRequested bool
	timedOut      bool
}

// NewRunner creates a runner over the registry.
func NewRunner(registry *Registry, logger zerolog.Logger) *Runner {
	return &Runner{
		registry: registry,
		logger:   logger.With().Str("component", "task-runner").Logger(),
		now:      time.Now,
	}
}

// Run executes one task synchronously, holding the slot for its
// duration.
func (r *Runner) Run(ctx context.Context, key string, inv Invocation) error {
	task, ok := r.registry.Get(key)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTask, key)
	}
	if _, err := r.acquire(key); err != nil {
		return err
	}
	defer r.release()
	return r.execute(ctx, task, inv)
}

// Submit starts one task in the background and returns its run id.
func (r *Runner) Submit(ctx context.Context, key string, inv Invocation) (string, error) {
	task, ok := r.registry.Get(key)
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownTask, key)
	}
	runID, err := r.acquire(key)
	if err != nil {
		return "", err
	}
	go func() {
		defer r.release()
		_ = r.execute(ctx, task, inv)
	}()
	return runID, nil
}

// Stop requests cooperative cancellation of the running task. A task
// that never checks the flag runs to completion.
func (r *Runner) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running {
		r.stopRequested = true
	}
}

// Status returns the current observer state. The final progress and
// message of the last run stay visible after the slot is released.
func (r *Runner) Status() Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	status := Status{Progress: r.progress, Message: r.message, RunID: r.runID}
	if r.running {
		key := r.taskKey
		startedAt := r.startedAt
		status.RunningTaskKey = &key
		status.StartedAt = &startedAt
	}
	return status
}

// ChainResult summarizes one chain run.
type ChainResult struct {
	Completed []string
	Failed    []string
	Skipped   []string
	TimedOut  bool
	Cancelled bool
}

// Success reports whether the chain ran all its steps without a timeout
// or a manual stop. Subtask failures do not break the chain.
func (c *ChainResult) Success() bool {
	return !c.TimedOut && !c.Cancelled
}

// RunChain executes the chainable subset of keys in order under a
// single slot hold. A watcher stops the chain when maxRuntime elapses;
// that termination is reported as timed out, not cancelled.
func (r *Runner) RunChain(ctx context.Context, keys []string, maxRuntime time.Duration) (*ChainResult, error) {
	if _, err := r.acquire(chainKey); err != nil {
		return nil, err
	}
	defer r.release()

	if maxRuntime > 0 {
		watcher := time.AfterFunc(maxRuntime, func() {
			r.mu.Lock()
			r.timedOut = true
			r.stopRequested = true
			r.mu.Unlock()
			r.logger.Warn().Dur("budget", maxRuntime).Msg("Task chain exceeded its time budget, stopping")
		})
		defer watcher.Stop()
	}

	result := &ChainResult{}
	for _, key := range keys {
		if r.stopFlag() {
			break
		}
		task, ok := r.registry.Get(key)
		if !ok || !task.Chainable {
			result.Skipped = append(result.Skipped, key)
			continue
		}

		r.setCurrentTask(key)
		// Chain runs are always incremental, so ForceFullUpdate stays
		// false for every subtask.
		inv := Invocation{Stop: r.stopFlag, Progress: r.setProgress}

		r.logger.Info().Str("task", key).Msg("Starting chain subtask")
		start := r.now()
		if err := task.Run(ctx, &inv); err != nil {
			result.Failed = append(result.Failed, key)
			r.logger.Error().Err(err).Str("task", key).
				Dur("duration", r.now().Sub(start)).Msg("Chain subtask failed, continuing")
			continue
		}
		result.Completed = append(result.Completed, key)
		r.logger.Info().Str("task", key).Dur("duration", r.now().Sub(start)).Msg("Chain subtask completed")
	}

	r.mu.Lock()
	result.TimedOut = r.timedOut
	result.Cancelled = r.stopRequested && !r.timedOut
	r.mu.Unlock()

	switch {
	case result.TimedOut:
		r.setProgress(ProgressError, "任务链超时")
	case result.Cancelled:
		r.setProgress(ProgressError, "任务链已取消")
	default:
		r.setProgress(100, "任务链完成")
	}
	return result, nil
}

func (r *Runner) execute(ctx context.Context, task Task, inv Invocation) error {
	userStop := inv.Stop
	inv.Stop = func() bool {
		return r.stopFlag() || (userStop != nil && userStop())
	}
	userProgress := inv.Progress
	inv.Progress = func(pct int, msg string) {
		r.setProgress(pct, msg)
		if userProgress != nil {
			userProgress(pct, msg)
		}
	}

	logger := r.logger.With().Str("task", task.Key).Str("kind", string(task.Kind)).Logger()
	logger.Info().Msg("Starting task")
	start := r.now()

	err := task.Run(ctx, &inv)
	duration := r.now().Sub(start)
	if err != nil {
		r.setProgress(ProgressError, err.Error())
		logger.Error().Err(err).Dur("duration", duration).Msg("Task failed")
		return err
	}
	logger.Info().Dur("duration", duration).Msg("Task completed")
	return nil
}

func (r *Runner) acquire(key string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running {
		return "", fmt.Errorf("%w: %s", ErrBusy, r.taskKey)
	}
	r.running = true
	r.runID = uuid.NewString()
	r.taskKey = key
	r.startedAt = r.now().UTC()
	r.progress = 0
	r.message = ""
	r.stopRequested = false
	r.timedOut = false
	return r.runID, nil
}

func (r *Runner) release() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.running = false
}

func (r *Runner) stopFlag() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stopRequested
}

func (r *Runner) setCurrentTask(key string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.taskKey = key
}

func (r *Runner) setProgress(pct int, msg string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.progress = pct
	r.message = msg
}
