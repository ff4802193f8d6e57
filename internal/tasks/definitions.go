package tasks

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"

	"gymhealth_checkout/internal/models"
)

const (
	reconcileRule = "FREQ=MINUTELY;INTERVAL=5"
	expireRule    = "FREQ=MINUTELY;INTERVAL=15"
)

// DefineTasks registers all available tasks on r
func DefineTasks(r *Registry) {
	r.Register(LogInfoTask.TaskID(), LogInfoTask.HandleExecution)
	r.Register(ReconcileCheckoutsTask.TaskID(), ReconcileCheckoutsTask.HandleExecution)
	r.Register(ExpireCheckoutsTask.TaskID(), ExpireCheckoutsTask.HandleExecution)
}

// SeedRecurring creates the recurring checkout jobs unless an active one already exists.
// It returns how many tasks were created.
func SeedRecurring(ctx context.Context, db *gorm.DB, now time.Time) (int, error) {
	reconcile, err := ReconcileCheckoutsTask.CreateTask(ReconcileCheckoutsArgs{Limit: DefaultReconcileLimit}, now, reconcileRule)
	if err != nil {
		return 0, err
	}
	expire, err := ExpireCheckoutsTask.CreateTask(now, expireRule)
	if err != nil {
		return 0, err
	}

	created := 0
	for _, task := range []*models.ScheduledTask{reconcile, expire} {
		var count int64
		err := db.WithContext(ctx).Model(&models.ScheduledTask{}).
			Where("task_name = ? AND status = ?", task.TaskName, models.ScheduledTaskStatusActive).
			Count(&count).Error
		if err != nil {
			return created, fmt.Errorf("failed to look up %s: %w", task.TaskName, err)
		}
		if count > 0 {
			continue
		}
		if err := db.WithContext(ctx).Create(task).Error; err != nil {
			return created, fmt.Errorf("failed to create %s: %w", task.TaskName, err)
		}
		created++
	}
	return created, nil
}
