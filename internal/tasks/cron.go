package tasks

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/rs/zerolog"
)

// JobConfig binds a registered task key to a cron expression.
type JobConfig struct {
	TaskKey    string
	Cron       string // "0 4 * * *" for 04:00 daily
	RunOnStart bool
}

// JobInfo describes one scheduled job for status surfaces.
type JobInfo struct {
	TaskKey string     `json:"task_key"`
	Cron    string     `json:"cron"`
	LastRun *time.Time `json:"last_run,omitempty"`
	NextRun *time.Time `json:"next_run,omitempty"`
}

type jobEntry struct {
	config  JobConfig
	job     gocron.Job
	lastRun *time.Time
}

// Cron drives the runner from timers. A firing that finds the slot
// busy is skipped; the next tick tries again.
type Cron struct {
	gocron gocron.Scheduler
	runner *Runner
	logger zerolog.Logger
	jobs   map[string]*jobEntry
	mu     sync.RWMutex
}

// NewCron creates the timer layer over a runner.
func NewCron(runner *Runner, logger zerolog.Logger) (*Cron, error) {
	gs, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("failed to create gocron scheduler: %w", err)
	}
	return &Cron{
		gocron: gs,
		runner: runner,
		logger: logger.With().Str("component", "task-cron").Logger(),
		jobs:   make(map[string]*jobEntry),
	}, nil
}

// Register schedules one task key.
func (c *Cron) Register(config JobConfig) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.jobs[config.TaskKey]; exists {
		return fmt.Errorf("task %q already scheduled", config.TaskKey)
	}

	fire := func() {
		c.fire(config.TaskKey)
	}
	job, err := c.gocron.NewJob(
		gocron.CronJob(config.Cron, false),
		gocron.NewTask(fire),
		gocron.WithName(config.TaskKey),
	)
	if err != nil {
		return fmt.Errorf("failed to schedule task %q: %w", config.TaskKey, err)
	}

	c.jobs[config.TaskKey] = &jobEntry{config: config, job: job}
	c.logger.Info().
		Str("task", config.TaskKey).
		Str("cron", config.Cron).
		Bool("runOnStart", config.RunOnStart).
		Msg("Scheduled task")
	return nil
}

func (c *Cron) fire(taskKey string) {
	now := time.Now()
	c.mu.Lock()
	if entry, ok := c.jobs[taskKey]; ok {
		entry.lastRun = &now
	}
	c.mu.Unlock()

	err := c.runner.Run(context.Background(), taskKey, Invocation{})
	if errors.Is(err, ErrBusy) {
		c.logger.Debug().Str("task", taskKey).Msg("Runner busy, skipping scheduled run")
	}
}

// Start starts the timers and fires any run-on-start jobs.
func (c *Cron) Start() {
	c.gocron.Start()

	c.mu.RLock()
	var startup []string
	for key, entry := range c.jobs {
		if entry.config.RunOnStart {
			startup = append(startup, key)
		}
	}
	c.mu.RUnlock()

	for _, key := range startup {
		go c.fire(key)
	}
}

// Stop shuts the timers down.
func (c *Cron) Stop() error {
	return c.gocron.Shutdown()
}

// ListJobs returns all scheduled jobs.
func (c *Cron) ListJobs() []JobInfo {
	c.mu.RLock()
	defer c.mu.RUnlock()

	jobs := make([]JobInfo, 0, len(c.jobs))
	for _, entry := range c.jobs {
		info := JobInfo{
			TaskKey: entry.config.TaskKey,
			Cron:    entry.config.Cron,
			LastRun: entry.lastRun,
		}
		if nextRun, err := entry.job.NextRun(); err == nil {
			info.NextRun = &nextRun
		}
		jobs = append(jobs, info)
	}
	return jobs
}
