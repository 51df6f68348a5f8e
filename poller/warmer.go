package poller

import (
	"context"
	"fmt"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/mjasion/balena-home/iot-sensors/sensor"
)

// Source is the part of the sensor client the warmer needs
type Source interface {
	History(ctx context.Context, key string, limit int) ([]sensor.HistoryEntry, error)
	Stats(ctx context.Context, hours int) (*sensor.Stats, error)
}

// Warmer prefetches history and statistics on a cron schedule so the
// history and stats views are usually served from cache
type Warmer struct {
	source       Source
	logger       *zap.Logger
	schedule     string
	historyLimit int
	statsPeriods []int
	cron         *cron.Cron
}

// NewWarmer validates schedule and returns a warmer for every catalog sensor
func NewWarmer(source Source, schedule string, historyLimit int, statsPeriods []int, logger *zap.Logger) (*Warmer, error) {
	w := &Warmer{
		source:       source,
		logger:       logger,
		schedule:     schedule,
		historyLimit: historyLimit,
		statsPeriods: statsPeriods,
		cron:         cron.New(),
	}
	if _, err := w.cron.AddFunc(schedule, func() { w.Warm(context.Background()) }); err != nil {
		return nil, fmt.Errorf("invalid warm schedule %q: %w", schedule, err)
	}
	return w, nil
}

// Start runs the schedule until ctx is done and waits for a running warm-up to finish
func (w *Warmer) Start(ctx context.Context) {
	w.logger.Info("starting cache warmer", zap.String("schedule", w.schedule))
	w.cron.Start()
	<-ctx.Done()
	<-w.cron.Stop().Done()
	w.logger.Info("cache warmer stopped")
}

// Warm fetches every sensor history and every stats period once, returning the number of failures
func (w *Warmer) Warm(ctx context.Context) int {
	failures := 0
	for _, s := range sensor.Catalog {
		if _, err := w.source.History(ctx, s.Key, w.historyLimit); err != nil {
			failures++
			w.logger.Warn("failed to warm history", zap.String("sensor", s.Key), zap.Error(err))
		}
	}
	for _, hours := range w.statsPeriods {
		if _, err := w.source.Stats(ctx, hours); err != nil {
			failures++
			w.logger.Warn("failed to warm stats", zap.Int("hours", hours), zap.Error(err))
		}
	}

	w.logger.Debug("cache warm-up finished", zap.Int("failures", failures))
	return failures
}
