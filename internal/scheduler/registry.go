package scheduler

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// Task is one periodic unit of work.
type Task func(ctx context.Context) error

// Registry runs named periodic tasks on cron schedules. A task that is still
// running when its next tick fires skips that tick.
type Registry struct {
	cron   *cron.Cron
	ctx    context.Context
	cancel context.CancelFunc
	logger *zap.Logger

	mu      sync.Mutex
	entries map[string]cron.EntryID
}

// NewRegistry builds a stopped Registry. Tasks receive a context that is
// canceled by Stop.
func NewRegistry(logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("tasks")
	cl := cronLogger{logger: logger.Sugar()}
	ctx, cancel := context.WithCancel(context.Background())
	return &Registry{
		cron: cron.New(cron.WithChain(
			cron.Recover(cl),
			cron.SkipIfStillRunning(cl),
		)),
		ctx:     ctx,
		cancel:  cancel,
		logger:  logger,
		entries: make(map[string]cron.EntryID),
	}
}

// Add schedules task under name, replacing any task already registered with that name.
func (r *Registry) Add(name, spec string, task Task) error {
	logger := r.logger.With(zap.String("task", name))
	id, err := r.cron.AddFunc(spec, func() {
		if err := task(r.ctx); err != nil {
			logger.Warn("periodic task failed", zap.Error(err))
		}
	})
	if err != nil {
		return fmt.Errorf("schedule task %s: %w", name, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if old, ok := r.entries[name]; ok {
		r.cron.Remove(old)
	}
	r.entries[name] = id
	logger.Info("task scheduled", zap.String("spec", spec))
	return nil
}

// Remove unschedules name and reports whether it was registered.
func (r *Registry) Remove(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.entries[name]
	if !ok {
		return false
	}
	r.cron.Remove(id)
	delete(r.entries, name)
	return true
}

// Names lists the registered tasks.
func (r *Registry) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, 0, len(r.entries))
	for name := range r.entries {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Start begins firing tasks.
func (r *Registry) Start() {
	r.cron.Start()
}

// Stop halts scheduling, cancels running tasks, and waits for them until ctx expires.
func (r *Registry) Stop(ctx context.Context) error {
	done := r.cron.Stop()
	r.cancel()
	select {
	case <-done.Done():
		return nil
	case <-ctx.Done():
		return fmt.Errorf("stop task registry: %w", ctx.Err())
	}
}

type cronLogger struct {
	logger *zap.SugaredLogger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debugw(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Errorw(msg, append(keysAndValues, "error", err)...)
}
