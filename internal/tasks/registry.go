package tasks

import (
	"context"
	"sort"
	"sync"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"gymhealth_checkout/internal/models"
	"gymhealth_checkout/internal/services"
)

// CheckoutJobs is the part of services.CheckoutService the worker drives
type CheckoutJobs interface {
	Reconcile(ctx context.Context, limit int) (services.ReconcileReport, error)
	Expire(ctx context.Context) (int, error)
}

// Deps are the services a task handler may use
type Deps struct {
	DB        *gorm.DB
	Checkouts CheckoutJobs
	Log       *zap.Logger
}

// TaskHandler is the function signature for a task handler.
// It returns a result map that is stored in the task history.
type TaskHandler func(ctx context.Context, deps Deps, task models.ScheduledTask) (map[string]any, error)

// Registry stores the mapping of task names to handlers
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]TaskHandler
}

func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]TaskHandler)}
}

// Register adds a handler for a task name
func (r *Registry) Register(name string, handler TaskHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[name] = handler
}

// Get retrieves a handler for a task name
func (r *Registry) Get(name string) (TaskHandler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	handler, ok := r.handlers[name]
	return handler, ok
}

// Names returns the registered task names, sorted
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
