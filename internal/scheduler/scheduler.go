// Package scheduler drains the task queue: it claims queued tasks, dispatches
// them to a runtime, and translates runtime outcomes into terminal states.
package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/execplane/execplane/internal/invoke"
	"github.com/execplane/execplane/internal/observability"
	"github.com/execplane/execplane/internal/runtime"
	"github.com/execplane/execplane/internal/storage"
	"github.com/execplane/execplane/pkg/models"
)

// Config tunes the queue pump.
type Config struct {
	// PollInterval covers missed queue notifications.
	PollInterval time.Duration

	// BatchSize bounds how many queued tasks one drain picks up.
	BatchSize int
}

// DefaultConfig returns the scheduler defaults.
func DefaultConfig() Config {
	return Config{PollInterval: 2 * time.Second, BatchSize: 10}
}

// Scheduler is one worker's queue pump. Multiple workers are safe: the
// conditional claim in the store guarantees each task runs at most once.
type Scheduler struct {
	repo     *storage.Repository
	journal  *storage.Journal
	runtimes *runtime.Registry
	pipeline *invoke.Pipeline
	metrics  *observability.Metrics
	config   Config
	logger   *slog.Logger

	draining atomic.Bool
	cancel   context.CancelFunc
	done     chan struct{}
	inflight sync.WaitGroup
}

// New creates a Scheduler.
func New(repo *storage.Repository, journal *storage.Journal, runtimes *runtime.Registry, pipeline *invoke.Pipeline, metrics *observability.Metrics, config Config, logger *slog.Logger) *Scheduler {
	if config.PollInterval <= 0 {
		config.PollInterval = DefaultConfig().PollInterval
	}
	if config.BatchSize <= 0 {
		config.BatchSize = DefaultConfig().BatchSize
	}
	if logger == nil {
		logger = slog.Default().With("component", "scheduler")
	}
	return &Scheduler{
		repo:     repo,
		journal:  journal,
		runtimes: runtimes,
		pipeline: pipeline,
		metrics:  metrics,
		config:   config,
		logger:   logger,
	}
}

// Start launches the pump goroutine. It drains once immediately, then on
// every queue notification, and on a fixed poll interval as a fallback.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})

	notify, stopWatch := s.repo.Queue.WatchQueue(ctx)

	go func() {
		defer close(s.done)
		defer stopWatch()

		ticker := time.NewTicker(s.config.PollInterval)
		defer ticker.Stop()

		s.drain(ctx)
		for {
			select {
			case <-ctx.Done():
				return
			case <-notify:
				s.drain(ctx)
			case <-ticker.C:
				s.drain(ctx)
			}
		}
	}()
}

// Stop cancels the pump and waits for in-flight dispatches to finish.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	if s.done != nil {
		<-s.done
	}
	s.inflight.Wait()
}

// drain is single-flight per worker: overlapping triggers collapse into the
// running pass.
func (s *Scheduler) drain(ctx context.Context) {
	if !s.draining.CompareAndSwap(false, true) {
		return
	}
	defer s.draining.Store(false)

	ids, err := s.repo.Tasks.ListQueuedTaskIDs(ctx, s.config.BatchSize)
	if err != nil {
		if ctx.Err() == nil {
			s.logger.Error("list queued tasks", "error", err)
		}
		return
	}
	for _, id := range ids {
		if ctx.Err() != nil {
			return
		}
		s.dispatch(ctx, id)
	}
}

func (s *Scheduler) dispatch(ctx context.Context, taskID string) {
	task, err := s.repo.Tasks.GetTask(ctx, taskID)
	if err != nil {
		s.logger.Error("load queued task", "task_id", taskID, "error", err)
		return
	}
	if task.Status != models.TaskStatusQueued {
		return
	}

	rt, ok := s.runtimes.Get(task.RuntimeID)
	if !ok {
		s.finish(ctx, task, runtime.RunResult{
			Status: models.TaskStatusFailed,
			Error:  "Runtime not found",
		}, 0)
		return
	}

	claimed, err := s.repo.Tasks.MarkTaskRunning(ctx, task.ID)
	if err != nil {
		s.logger.Error("claim task", "task_id", task.ID, "error", err)
		return
	}
	if claimed == nil {
		// Another worker owns it.
		return
	}
	s.journal.Emit(ctx, claimed.ID, "task.running", storage.Payload("status", string(models.TaskStatusRunning)))

	s.inflight.Add(1)
	defer s.inflight.Done()

	adapter := runtime.NewPipelineAdapter(s.pipeline, s.journal, claimed)
	started := time.Now()
	result, runErr := rt.Run(ctx, runtime.RunRequest{
		TaskID:    claimed.ID,
		Code:      claimed.Code,
		TimeoutMs: claimed.TimeoutMs,
	}, adapter)
	durationMs := time.Since(started).Milliseconds()

	if runErr != nil {
		// A crashed runtime falls back to failed unless the error decodes
		// as a denial.
		if denied, ok := invoke.AsDenied(runErr); ok {
			result = runtime.RunResult{Status: models.TaskStatusDenied, Error: denied.Error()}
		} else {
			result = runtime.RunResult{Status: models.TaskStatusFailed, Error: runErr.Error()}
		}
	}
	if !models.IsTerminalStatus(result.Status) {
		result.Status = models.TaskStatusFailed
		if result.Error == "" {
			result.Error = "runtime returned no terminal status"
		}
	}
	s.finish(ctx, claimed, result, durationMs)
}

// finish applies the terminal transition and emits the final lifecycle event.
func (s *Scheduler) finish(ctx context.Context, task *models.Task, result runtime.RunResult, durationMs int64) {
	final, err := s.repo.Tasks.CompleteTask(ctx, task.ID, result.Status, result.Result, result.ExitCode, result.Error)
	if err != nil {
		s.logger.Error("complete task", "task_id", task.ID, "status", result.Status, "error", err)
		return
	}

	payload := storage.Payload(
		"status", string(final.Status),
		"durationMs", durationMs,
	)
	if final.ExitCode != nil {
		payload["exitCode"] = *final.ExitCode
	}
	if final.Error != "" {
		payload["error"] = final.Error
	}
	s.journal.Emit(ctx, task.ID, "task."+string(final.Status), payload)

	if s.metrics != nil {
		s.metrics.TasksCompleted.WithLabelValues(string(final.Status)).Inc()
		s.metrics.TaskDuration.WithLabelValues(string(final.Status)).Observe(float64(durationMs) / 1000)
	}
	s.logger.Info("task finished",
		"task_id", task.ID,
		"status", final.Status,
		"duration_ms", durationMs,
	)
}
