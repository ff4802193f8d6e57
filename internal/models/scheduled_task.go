package models

import (
	"fmt"
	"time"

	"github.com/teambition/rrule-go"
	"gorm.io/gorm"
)

// ScheduledTaskStatus represents the status of a scheduled task
type ScheduledTaskStatus string

const (
	ScheduledTaskStatusActive   ScheduledTaskStatus = "active"
	ScheduledTaskStatusDone     ScheduledTaskStatus = "done"
	ScheduledTaskStatusFailure  ScheduledTaskStatus = "failure"
	ScheduledTaskStatusDisabled ScheduledTaskStatus = "disabled"
)

// ScheduledTaskType represents the type of scheduled task
type ScheduledTaskType string

const (
	ScheduledTaskTypeOneTime   ScheduledTaskType = "onetime"
	ScheduledTaskTypeRecurring ScheduledTaskType = "recurring"
)

// ScheduledTask is a job the worker runs once it is due
type ScheduledTask struct {
	ID        uint           `gorm:"primarykey" json:"id"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"deleted_at,omitempty"`

	TaskName          string              `gorm:"type:varchar(255)" json:"task_name"`
	Arguments         map[string]any      `gorm:"serializer:json" json:"arguments"`
	LastRun           *time.Time          `json:"last_run"`
	Due               time.Time           `gorm:"index:idx_scheduled_tasks_status_due,priority:2,where:deleted_at IS NULL" json:"due"`
	RecurringInterval *string             `gorm:"type:text" json:"recurring_interval"`
	Status            ScheduledTaskStatus `gorm:"type:varchar(20);index:idx_scheduled_tasks_status_due,priority:1,where:deleted_at IS NULL" json:"status"`
	TaskType          ScheduledTaskType   `gorm:"type:varchar(20);default:'onetime'" json:"task_type"`
	MaxAttempt        int                 `json:"max_attempt"`
}

// NextDue calculates the first occurrence after now. One-time tasks and tasks with an
// unusable rule keep their current Due.
func (t ScheduledTask) NextDue(now time.Time) time.Time {
	if t.TaskType == ScheduledTaskTypeOneTime {
		return t.Due
	}

	if t.RecurringInterval != nil && *t.RecurringInterval != "" {
		rule, err := rrule.StrToRRule(*t.RecurringInterval)
		if err == nil {
			rule.DTStart(t.Due)
			next := rule.After(now, false)
			if !next.IsZero() {
				return next
			}
		}
	}
	return t.Due
}

// Validate checks the task type and, for recurring tasks, the RRULE
func (t ScheduledTask) Validate() error {
	switch t.TaskType {
	case ScheduledTaskTypeOneTime:
		return nil
	case ScheduledTaskTypeRecurring:
		if t.RecurringInterval == nil || *t.RecurringInterval == "" {
			return fmt.Errorf("recurring task %q has no recurring interval", t.TaskName)
		}
		if _, err := rrule.StrToRRule(*t.RecurringInterval); err != nil {
			return fmt.Errorf("invalid recurring interval %q: %w", *t.RecurringInterval, err)
		}
		return nil
	}
	return fmt.Errorf("unknown task type %q", t.TaskType)
}

// ScheduledTaskHistory tracks the execution history of scheduled tasks
type ScheduledTaskHistory struct {
	ID              uint           `gorm:"primarykey" json:"id"`
	CreatedAt       time.Time      `json:"created_at"`
	UpdatedAt       time.Time      `json:"updated_at"`
	DeletedAt       gorm.DeletedAt `gorm:"index" json:"deleted_at,omitempty"`
	ScheduledTaskID uint           `gorm:"index" json:"scheduled_task_id"`

	TaskName      string         `gorm:"type:varchar(255)" json:"task_name"`
	RunAt         time.Time      `json:"run_at"`
	RuntimeMs     int            `json:"runtime_ms"`
	Status        string         `gorm:"type:varchar(50)" json:"status"`
	AttemptNumber int            `json:"attempt_number"`
	Arguments     map[string]any `gorm:"serializer:json" json:"arguments"`
	Result        map[string]any `gorm:"serializer:json" json:"result"`
}
