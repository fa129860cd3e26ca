package processor

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/illmade-knight/iot-gateway/pkg/store"
	"github.com/rs/zerolog"
)

// BatchRunner runs one batch; Processor implements it.
type BatchRunner interface {
	RunBatch(ctx context.Context, limit int) (*BatchResult, error)
	Stats() Stats
}

// RawStatsSource reports raw store counts for the periodic stats log.
type RawStatsSource interface {
	Stats(ctx context.Context) (store.RawStats, error)
}

type SchedulerConfig struct {
	Interval      time.Duration
	StatsInterval time.Duration
}

func DefaultSchedulerConfig() SchedulerConfig {
	return SchedulerConfig{Interval: 30 * time.Second, StatsInterval: 5 * time.Minute}
}

// Scheduler triggers a batch on every tick. Each trigger runs in its own
// goroutine; a trigger that finds a run in progress does nothing.
type Scheduler struct {
	runner BatchRunner
	raw    RawStatsSource
	cfg    SchedulerConfig
	logger zerolog.Logger

	cancelCtx  context.Context
	cancelFunc context.CancelFunc
	wg         sync.WaitGroup
	startOnce  sync.Once
	stopOnce   sync.Once
}

func NewScheduler(runner BatchRunner, raw RawStatsSource, cfg SchedulerConfig, logger zerolog.Logger) *Scheduler {
	def := DefaultSchedulerConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.StatsInterval <= 0 {
		cfg.StatsInterval = def.StatsInterval
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		runner:     runner,
		raw:        raw,
		cfg:        cfg,
		logger:     logger.With().Str("component", "Scheduler").Logger(),
		cancelCtx:  ctx,
		cancelFunc: cancel,
	}
}

func (s *Scheduler) Start() {
	s.startOnce.Do(func() {
		s.logger.Info().Dur("interval", s.cfg.Interval).Dur("stats_interval", s.cfg.StatsInterval).Msg("Starting scheduler")
		s.wg.Add(1)
		go s.loop()
	})
}

func (s *Scheduler) loop() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()
	statsTicker := time.NewTicker(s.cfg.StatsInterval)
	defer statsTicker.Stop()

	for {
		select {
		case <-s.cancelCtx.Done():
			return
		case <-ticker.C:
			s.wg.Add(1)
			go func() {
				defer s.wg.Done()
				s.Trigger(s.cancelCtx)
			}()
		case <-statsTicker.C:
			s.logStats(s.cancelCtx)
		}
	}
}

// Trigger runs one batch now. It returns false when a run was already active.
func (s *Scheduler) Trigger(ctx context.Context) bool {
	res, err := s.runner.RunBatch(ctx, 0)
	switch {
	case errors.Is(err, ErrRunInProgress):
		s.logger.Debug().Msg("Previous batch still running, skipping trigger")
		return false
	case err != nil:
		s.logger.Error().Err(err).Msg("Scheduled batch failed")
	case res.Total > 0:
		s.logger.Debug().Int("total", res.Total).Msg("Scheduled batch finished")
	}
	return true
}

func (s *Scheduler) logStats(ctx context.Context) {
	ps := s.runner.Stats()
	ev := s.logger.Info().
		Int64("runs", ps.Runs).
		Int64("rows_processed", ps.RowsProcessed).
		Int64("rows_failed", ps.RowsFailed).
		Int64("readings_created", ps.ReadingsCreated)
	if s.raw != nil {
		rs, err := s.raw.Stats(ctx)
		if err != nil {
			s.logger.Warn().Err(err).Msg("Raw store stats unavailable")
		} else {
			ev = ev.Int64("unprocessed", rs.Unprocessed).
				Int64("processed_today", rs.ProcessedToday).
				Int64("failed_today", rs.FailedToday)
		}
	}
	ev.Msg("Processor stats")
}

// Stop waits for an in-flight batch to finish.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() {
		s.logger.Info().Msg("Stopping scheduler...")
		s.cancelFunc()
		s.wg.Wait()
		s.logger.Info().Msg("Scheduler stopped.")
	})
}
