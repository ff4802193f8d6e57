package tasks

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"gymhealth_checkout/internal/models"
)

const (
	runStatusSuccess         = "success"
	runStatusFailure         = "failure"
	runStatusHandlerNotFound = "handler_not_found"
)

// Runner executes due scheduled tasks and records their history
type Runner struct {
	registry *Registry
	deps     Deps
	runs     *prometheus.CounterVec
	log      *zap.Logger
	now      func() time.Time
}

// NewRunner creates a Runner. runs may be nil when metrics are not exported.
func NewRunner(registry *Registry, deps Deps, runs *prometheus.CounterVec) *Runner {
	if deps.Log == nil {
		deps.Log = zap.NewNop()
	}
	return &Runner{
		registry: registry,
		deps:     deps,
		runs:     runs,
		log:      deps.Log.Named("worker"),
		now:      time.Now,
	}
}

// RunDue executes every active task whose due time has passed and returns how many ran
func (r *Runner) RunDue(ctx context.Context) (int, error) {
	var pending []models.ScheduledTask
	err := r.deps.DB.WithContext(ctx).
		Where("status = ? AND due <= ?", models.ScheduledTaskStatusActive, r.now()).
		Order("due asc").
		Find(&pending).Error
	if err != nil {
		return 0, fmt.Errorf("failed to fetch pending tasks: %w", err)
	}
	if len(pending) == 0 {
		r.log.Debug("no pending tasks")
		return 0, nil
	}

	r.log.Info("found pending tasks", zap.Int("count", len(pending)))
	ran := 0
	for _, task := range pending {
		if ctx.Err() != nil {
			return ran, ctx.Err()
		}
		r.Execute(ctx, task)
		ran++
	}
	return ran, nil
}

// Execute runs one task, retrying up to its MaxAttempt. Every attempt is written to the
// history. Recurring tasks move to their next occurrence even after a failure.
func (r *Runner) Execute(ctx context.Context, task models.ScheduledTask) {
	log := r.log.With(zap.Uint("task_id", task.ID), zap.String("task", task.TaskName))

	handler, found := r.registry.Get(task.TaskName)
	if !found {
		log.Warn("task handler not found, marking as failure")
		now := r.now()
		r.update(ctx, task, map[string]any{"status": models.ScheduledTaskStatusFailure, "last_run": now})
		r.record(ctx, task, now, 0, runStatusHandlerNotFound, 1, map[string]any{"error": "handler not found"})
		return
	}

	attempts := max(task.MaxAttempt, 1)
	var (
		start time.Time
		err   error
	)
	for attempt := 1; attempt <= attempts; attempt++ {
		start = r.now()
		var result map[string]any
		result, err = handler(ctx, r.deps, task)
		runtime := r.now().Sub(start)

		if err == nil {
			log.Info("task completed", zap.Int("attempt", attempt), zap.Duration("runtime", runtime))
			r.record(ctx, task, start, runtime, runStatusSuccess, attempt, result)
			break
		}
		log.Warn("task failed", zap.Int("attempt", attempt), zap.Error(err))
		r.record(ctx, task, start, runtime, runStatusFailure, attempt, map[string]any{"error": err.Error()})
		if ctx.Err() != nil {
			break
		}
	}

	updates := map[string]any{"last_run": start}
	switch {
	case task.TaskType == models.ScheduledTaskTypeRecurring:
		next := task.NextDue(r.now())
		// a next due that is not in the future would run the task again on the next tick
		if next.After(task.Due) {
			updates["status"] = models.ScheduledTaskStatusActive
			updates["due"] = next
		} else {
			updates["status"] = models.ScheduledTaskStatusDone
		}
	case err != nil:
		updates["status"] = models.ScheduledTaskStatusFailure
	default:
		updates["status"] = models.ScheduledTaskStatusDone
	}
	r.update(ctx, task, updates)
}

func (r *Runner) update(ctx context.Context, task models.ScheduledTask, updates map[string]any) {
	if err := r.deps.DB.WithContext(ctx).Model(&task).Updates(updates).Error; err != nil {
		r.log.Error("failed to update task", zap.Uint("task_id", task.ID), zap.Error(err))
	}
}

func (r *Runner) record(ctx context.Context, task models.ScheduledTask, runAt time.Time, runtime time.Duration, status string, attempt int, result map[string]any) {
	if r.runs != nil {
		r.runs.WithLabelValues(task.TaskName, status).Inc()
	}
	history := models.ScheduledTaskHistory{
		ScheduledTaskID: task.ID,
		TaskName:        task.TaskName,
		RunAt:           runAt,
		RuntimeMs:       int(runtime.Milliseconds()),
		Status:          status,
		AttemptNumber:   attempt,
		Arguments:       task.Arguments,
		Result:          result,
	}
	if err := r.deps.DB.WithContext(ctx).Create(&history).Error; err != nil {
		r.log.Error("failed to record task history", zap.Uint("task_id", task.ID), zap.Error(err))
	}
}
