package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/robfig/cron/v3"

	"github.com/rendis/conductor/internal/store"
)

// DefaultSpec is the purge schedule used when none is configured.
const DefaultSpec = "@every 10m"

// Janitor periodically removes expired sessions from stores that do not
// expire entries on their own.
type Janitor struct {
	purger store.Purger
	spec   string
	logger *slog.Logger

	mu   sync.Mutex
	cron *cron.Cron
}

// NewJanitor validates spec (standard five-field cron or a descriptor such
// as "@every 10m") and returns a stopped Janitor.
func NewJanitor(p store.Purger, spec string, logger *slog.Logger) (*Janitor, error) {
	if spec == "" {
		spec = DefaultSpec
	}
	if _, err := cron.ParseStandard(spec); err != nil {
		return nil, fmt.Errorf("invalid janitor schedule %q: %w", spec, err)
	}
	return &Janitor{purger: p, spec: spec, logger: logger}, nil
}

// Start schedules the purge job. ctx bounds every purge run.
func (j *Janitor) Start(ctx context.Context) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.cron != nil {
		return fmt.Errorf("janitor already started")
	}

	c := cron.New()
	if _, err := c.AddFunc(j.spec, func() { _, _ = j.RunOnce(ctx) }); err != nil {
		return fmt.Errorf("schedule janitor: %w", err)
	}
	c.Start()
	j.cron = c
	j.logger.Info("session janitor started", slog.String("schedule", j.spec))
	return nil
}

// RunOnce purges expired sessions immediately.
func (j *Janitor) RunOnce(ctx context.Context) (int64, error) {
	n, err := j.purger.PurgeExpired(ctx)
	if err != nil {
		j.logger.ErrorContext(ctx, "session purge failed", slog.String("error", err.Error()))
		return 0, err
	}
	if n > 0 {
		j.logger.InfoContext(ctx, "purged expired sessions", slog.Int64("count", n))
	}
	return n, nil
}

// Stop halts scheduling and waits for a running purge to finish.
func (j *Janitor) Stop() {
	j.mu.Lock()
	c := j.cron
	j.cron = nil
	j.mu.Unlock()
	if c == nil {
		return
	}
	<-c.Stop().Done()
	j.logger.Info("session janitor stopped")
}
