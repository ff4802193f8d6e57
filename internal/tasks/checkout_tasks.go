package tasks

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	"go.uber.org/zap"

	"gymhealth_checkout/internal/models"
)

// DefaultReconcileLimit caps how many checkouts one reconcile run asks the backend about
const DefaultReconcileLimit = 100

var errNoCheckouts = errors.New("worker has no checkout service")

// ReconcileCheckoutsArgs defines the arguments of reconcile_checkouts
type ReconcileCheckoutsArgs struct {
	Limit int `json:"limit"`
}

// ReconcileCheckoutsTaskDef confirms handed-off MoMo checkouts and URL-derived successes
// against the backend
type ReconcileCheckoutsTaskDef struct{}

func (t *ReconcileCheckoutsTaskDef) TaskID() string {
	return "reconcile_checkouts"
}

// CreateTask builds a recurring reconcile task following rule
func (t *ReconcileCheckoutsTaskDef) CreateTask(args ReconcileCheckoutsArgs, due time.Time, rule string) (*models.ScheduledTask, error) {
	return BuildScheduledTask(t.TaskID(), args, due, &rule, models.ScheduledTaskTypeRecurring, 2)
}

func (t *ReconcileCheckoutsTaskDef) HandleExecution(ctx context.Context, deps Deps, task models.ScheduledTask) (map[string]any, error) {
	if deps.Checkouts == nil {
		return nil, errNoCheckouts
	}
	var args ReconcileCheckoutsArgs
	if err := decodeArgs(task.Arguments, &args); err != nil {
		return nil, err
	}
	if args.Limit <= 0 {
		args.Limit = DefaultReconcileLimit
	}

	report, err := deps.Checkouts.Reconcile(ctx, args.Limit)
	if err != nil {
		return nil, errors.Wrap(err, "reconcile checkouts")
	}
	deps.Log.Info("checkouts reconciled",
		zap.Int("checked", report.Checked),
		zap.Int("confirmed", report.Confirmed),
		zap.Int("skipped", report.Skipped),
		zap.Int("failed", report.Failed),
	)
	return map[string]any{
		"checked":   report.Checked,
		"confirmed": report.Confirmed,
		"skipped":   report.Skipped,
		"failed":    report.Failed,
	}, nil
}

var ReconcileCheckoutsTask = &ReconcileCheckoutsTaskDef{}

// ExpireCheckoutsTaskDef cancels checkouts that stayed pending past the max age
type ExpireCheckoutsTaskDef struct{}

func (t *ExpireCheckoutsTaskDef) TaskID() string {
	return "expire_checkouts"
}

// CreateTask builds a recurring expire task following rule
func (t *ExpireCheckoutsTaskDef) CreateTask(due time.Time, rule string) (*models.ScheduledTask, error) {
	return BuildScheduledTask(t.TaskID(), struct{}{}, due, &rule, models.ScheduledTaskTypeRecurring, 2)
}

func (t *ExpireCheckoutsTaskDef) HandleExecution(ctx context.Context, deps Deps, _ models.ScheduledTask) (map[string]any, error) {
	if deps.Checkouts == nil {
		return nil, errNoCheckouts
	}
	n, err := deps.Checkouts.Expire(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "expire checkouts")
	}
	if n > 0 {
		deps.Log.Info("stale checkouts expired", zap.Int("count", n))
	}
	return map[string]any{"expired": n}, nil
}

var ExpireCheckoutsTask = &ExpireCheckoutsTaskDef{}
