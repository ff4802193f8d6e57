package tasks

import (
	"context"

	"go.uber.org/zap"

	"gymhealth_checkout/internal/models"
)

// LogInfoTaskDef encapsulates the log info task
type LogInfoTaskDef struct{}

// TaskID returns the unique identifier for this task
func (t *LogInfoTaskDef) TaskID() string {
	return "log_info"
}

// HandleExecution logs the "message" argument. It is used to check that the worker runs.
func (t *LogInfoTaskDef) HandleExecution(ctx context.Context, deps Deps, task models.ScheduledTask) (map[string]any, error) {
	message, ok := task.Arguments["message"].(string)
	if !ok {
		message = "No message provided"
	}
	deps.Log.Info("log_info task", zap.String("message", message))

	return map[string]any{
		"status":            "success",
		"message":           message,
		"max_attempts_info": task.MaxAttempt,
	}, nil
}

// LogInfoTask is the singleton instance of LogInfoTaskDef
var LogInfoTask = &LogInfoTaskDef{}
