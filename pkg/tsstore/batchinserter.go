package tsstore

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// DataBatchInserter writes a batch of items of type T to a destination store.
type DataBatchInserter[T any] interface {
	InsertBatch(ctx context.Context, items []*T) error
	Close() error
}

// BatchInserterConfig holds configuration for the BatchInserter.
type BatchInserterConfig struct {
	BatchSize    int
	FlushTimeout time.Duration
	// InsertTimeout bounds each flush.
	InsertTimeout time.Duration
}

// BatchInserter collects items from its input channel and flushes them to a
// DataBatchInserter when the batch is full or FlushTimeout passes.
type BatchInserter[T any] struct {
	config       *BatchInserterConfig
	inserter     DataBatchInserter[T]
	logger       zerolog.Logger
	inputChan    chan *T
	wg           sync.WaitGroup
	stopOnce     sync.Once
	shutdownCtx  context.Context
	shutdownFunc context.CancelFunc

	mu      sync.Mutex
	flushed int64
	failed  int64
	dropped int64
}

// NewBatchInserter creates a BatchInserter for items of type T.
func NewBatchInserter[T any](
	config *BatchInserterConfig,
	inserter DataBatchInserter[T],
	logger zerolog.Logger,
) *BatchInserter[T] {
	if config.BatchSize <= 0 {
		config.BatchSize = 100
	}
	if config.FlushTimeout <= 0 {
		config.FlushTimeout = 5 * time.Second
	}
	if config.InsertTimeout <= 0 {
		config.InsertTimeout = 30 * time.Second
	}
	shutdownCtx, shutdownFunc := context.WithCancel(context.Background())
	return &BatchInserter[T]{
		config:       config,
		inserter:     inserter,
		logger:       logger.With().Str("component", "BatchInserter").Logger(),
		inputChan:    make(chan *T, config.BatchSize*2),
		shutdownCtx:  shutdownCtx,
		shutdownFunc: shutdownFunc,
	}
}

// Start begins the batching worker.
func (b *BatchInserter[T]) Start() {
	b.logger.Info().
		Int("batch_size", b.config.BatchSize).
		Dur("flush_timeout", b.config.FlushTimeout).
		Msg("Starting BatchInserter worker...")

	b.wg.Add(1)
	go b.worker()
}

// Stop flushes what is buffered and waits for the worker to exit.
func (b *BatchInserter[T]) Stop() {
	b.stopOnce.Do(func() {
		b.logger.Info().Msg("Stopping BatchInserter...")
		b.shutdownFunc()
		b.wg.Wait()
		if err := b.inserter.Close(); err != nil {
			b.logger.Error().Err(err).Msg("Error closing underlying inserter")
		}
		b.logger.Info().Msg("BatchInserter stopped.")
	})
}

// Offer queues an item without blocking. It returns false when the buffer is
// full or the inserter is shutting down; the item is dropped in that case.
func (b *BatchInserter[T]) Offer(item *T) bool {
	if b.shutdownCtx.Err() != nil {
		b.countDropped()
		return false
	}
	select {
	case b.inputChan <- item:
		return true
	default:
		b.countDropped()
		b.logger.Warn().Msg("BatchInserter input full, item dropped")
		return false
	}
}

// Counts reports flushed, failed and dropped item totals.
func (b *BatchInserter[T]) Counts() (flushed, failed, dropped int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.flushed, b.failed, b.dropped
}

func (b *BatchInserter[T]) countDropped() {
	b.mu.Lock()
	b.dropped++
	b.mu.Unlock()
}

func (b *BatchInserter[T]) worker() {
	defer b.wg.Done()
	defer b.logger.Info().Msg("BatchInserter worker stopped.")

	batch := make([]*T, 0, b.config.BatchSize)
	ticker := time.NewTicker(b.config.FlushTimeout)
	defer ticker.Stop()

	for {
		select {
		case <-b.shutdownCtx.Done():
			// drain whatever was accepted before shutdown
			for {
				select {
				case item := <-b.inputChan:
					batch = append(batch, item)
				default:
					b.logger.Info().Int("final_batch_size", len(batch)).Msg("Shutdown signal received. Flushing final batch...")
					b.flush(batch)
					return
				}
			}

		case item := <-b.inputChan:
			batch = append(batch, item)
			if len(batch) >= b.config.BatchSize {
				b.logger.Debug().Int("current_batch_size", len(batch)).Msg("Batch size reached. Flushing batch.")
				b.flush(batch)
				batch = make([]*T, 0, b.config.BatchSize)
			}

		case <-ticker.C:
			if len(batch) > 0 {
				b.logger.Debug().Int("current_batch_size", len(batch)).Msg("Flush timeout reached. Flushing batch.")
				b.flush(batch)
				batch = make([]*T, 0, b.config.BatchSize)
			}
		}
	}
}

func (b *BatchInserter[T]) flush(batch []*T) {
	if len(batch) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), b.config.InsertTimeout)
	defer cancel()

	err := b.inserter.InsertBatch(ctx, batch)
	b.mu.Lock()
	if err != nil {
		b.failed += int64(len(batch))
	} else {
		b.flushed += int64(len(batch))
	}
	b.mu.Unlock()

	if err != nil {
		b.logger.Error().Err(err).Int("batch_size", len(batch)).Msg("Failed to insert batch")
		return
	}
	b.logger.Info().Int("batch_size", len(batch)).Msg("Successfully flushed batch")
}
