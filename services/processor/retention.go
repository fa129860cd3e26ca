package processor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/illmade-knight/iot-gateway/pkg/icestore"
	"github.com/illmade-knight/iot-gateway/pkg/store"
	"github.com/rs/zerolog"
)

// ProcessedRows is the raw store surface used by the sweep.
type ProcessedRows interface {
	ProcessedBefore(ctx context.Context, cutoff time.Time, limit int) ([]store.RawMessage, error)
	DeleteProcessed(ctx context.Context, ids []string) (int64, error)
}

// Archiver uploads rows before they are deleted.
type Archiver interface {
	UploadBatch(ctx context.Context, items []*icestore.ArchivedMessage) ([]string, error)
}

type RetentionConfig struct {
	MaxAge    time.Duration
	Interval  time.Duration
	BatchSize int
}

func DefaultRetentionConfig() RetentionConfig {
	return RetentionConfig{MaxAge: 30 * 24 * time.Hour, Interval: time.Hour, BatchSize: 500}
}

// SweepResult counts what one sweep did.
type SweepResult struct {
	Archived int64    `json:"archived"`
	Deleted  int64    `json:"deleted"`
	Objects  []string `json:"objects,omitempty"`
}

// RetentionSweeper purges processed rows older than MaxAge, archiving them
// first when an Archiver is set. Unprocessed rows are never touched.
type RetentionSweeper struct {
	rows     ProcessedRows
	archiver Archiver
	cfg      RetentionConfig
	logger   zerolog.Logger
	now      func() time.Time

	cancelCtx  context.Context
	cancelFunc context.CancelFunc
	wg         sync.WaitGroup
	stopOnce   sync.Once
}

func NewRetentionSweeper(rows ProcessedRows, archiver Archiver, cfg RetentionConfig, logger zerolog.Logger) *RetentionSweeper {
	def := DefaultRetentionConfig()
	if cfg.MaxAge <= 0 {
		cfg.MaxAge = def.MaxAge
	}
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &RetentionSweeper{
		rows:       rows,
		archiver:   archiver,
		cfg:        cfg,
		logger:     logger.With().Str("component", "RetentionSweeper").Logger(),
		now:        func() time.Time { return time.Now().UTC() },
		cancelCtx:  ctx,
		cancelFunc: cancel,
	}
}

// Sweep archives and deletes eligible rows batch by batch. A batch whose
// upload fails is left in place and the sweep stops.
func (s *RetentionSweeper) Sweep(ctx context.Context) (SweepResult, error) {
	var res SweepResult
	cutoff := s.now().Add(-s.cfg.MaxAge)
	for {
		rows, err := s.rows.ProcessedBefore(ctx, cutoff, s.cfg.BatchSize)
		if err != nil {
			return res, err
		}
		if len(rows) == 0 {
			break
		}
		if s.archiver != nil {
			archivedAt := s.now()
			items := make([]*icestore.ArchivedMessage, len(rows))
			for i := range rows {
				items[i] = icestore.NewArchivedMessage(&rows[i], archivedAt)
			}
			objects, err := s.archiver.UploadBatch(ctx, items)
			if err != nil {
				return res, fmt.Errorf("archive %d rows: %w", len(rows), err)
			}
			res.Archived += int64(len(rows))
			res.Objects = append(res.Objects, objects...)
		}
		ids := make([]string, len(rows))
		for i := range rows {
			ids[i] = rows[i].ID
		}
		deleted, err := s.rows.DeleteProcessed(ctx, ids)
		if err != nil {
			return res, err
		}
		res.Deleted += deleted
		if len(rows) < s.cfg.BatchSize || deleted == 0 {
			break
		}
	}
	s.logger.Info().
		Time("cutoff", cutoff).
		Int64("archived", res.Archived).
		Int64("deleted", res.Deleted).
		Msg("Retention sweep finished")
	return res, nil
}

func (s *RetentionSweeper) Start() {
	s.logger.Info().Dur("interval", s.cfg.Interval).Dur("max_age", s.cfg.MaxAge).Msg("Starting retention sweeper")
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.cfg.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-s.cancelCtx.Done():
				return
			case <-ticker.C:
				if _, err := s.Sweep(s.cancelCtx); err != nil {
					s.logger.Error().Err(err).Msg("Retention sweep failed")
				}
			}
		}
	}()
}

func (s *RetentionSweeper) Stop() {
	s.stopOnce.Do(func() {
		s.cancelFunc()
		s.wg.Wait()
	})
}
