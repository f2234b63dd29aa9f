package cache

import (
	"fmt"
	"time"

	"github.com/go-co-op/gocron"
	"go.uber.org/zap"
)

// Janitor sweeps a TTLCache on a fixed schedule
type Janitor struct {
	cache     *TTLCache
	interval  time.Duration
	scheduler *gocron.Scheduler
	logger    *zap.Logger
}

// NewJanitor creates a janitor for c running every interval
func NewJanitor(c *TTLCache, interval time.Duration, logger *zap.Logger) *Janitor {
	if logger == nil {
		logger = zap.NewNop()
	}
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	return &Janitor{
		cache:     c,
		interval:  interval,
		scheduler: gocron.NewScheduler(time.UTC),
		logger:    logger,
	}
}

// Start schedules the sweep and runs the scheduler in the background
func (j *Janitor) Start() error {
	_, err := j.scheduler.Every(j.interval).WaitForSchedule().Do(j.sweep)
	if err != nil {
		return fmt.Errorf("failed to schedule cache sweep: %w", err)
	}
	j.scheduler.StartAsync()
	j.logger.Info("cache janitor started", zap.Duration("interval", j.interval))
	return nil
}

// Stop stops the scheduler
func (j *Janitor) Stop() {
	j.scheduler.Stop()
	j.logger.Info("cache janitor stopped")
}

func (j *Janitor) sweep() {
	removed := j.cache.Sweep()
	if removed > 0 {
		j.logger.Debug("cache swept", zap.Int("removed", removed))
	}
}
