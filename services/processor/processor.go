package processor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/illmade-knight/iot-gateway/pkg/classify"
	"github.com/illmade-knight/iot-gateway/pkg/convert"
	"github.com/illmade-knight/iot-gateway/pkg/mapping"
	"github.com/illmade-knight/iot-gateway/pkg/store"
	"github.com/illmade-knight/iot-gateway/pkg/types"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

// ErrRunInProgress is returned by RunBatch while another run is active.
var ErrRunInProgress = errors.New("batch run already in progress")

// RawRows is the raw store surface the processor needs.
type RawRows interface {
	Claim(ctx context.Context, label string, limit int, staleAfter time.Duration) ([]store.RawMessage, error)
	Finalize(ctx context.Context, id string, succeeded bool, notes string) (bool, error)
}

// Registry resolves owners, nodes, profiles, projects and sensors.
type Registry interface {
	OwnerByCode(ctx context.Context, code string) (*store.Owner, error)
	FindNode(ctx context.Context, identifier string) (*store.Node, error)
	Profile(ctx context.Context, id string) (*store.NodeProfile, error)
	ProjectWithOwner(ctx context.Context, projectID string) (*store.Project, error)
	SensorsForNode(ctx context.Context, nodeID string) ([]store.Sensor, error)
	TouchLastSeen(ctx context.Context, nodeID string, seenAt time.Time) (bool, error)
}

type SightingRecorder interface {
	RegisterSighting(ctx context.Context, s store.Sighting) (store.SightingResult, error)
}

// ReadingWriter persists readings. InsertBatch is tried first; Insert is the
// per-reading fallback when a batch fails.
type ReadingWriter interface {
	InsertBatch(ctx context.Context, readings []*types.Reading) error
	Insert(ctx context.Context, r *types.Reading) error
}

// ReadingMirror receives a copy of every written reading. Offer must not block.
type ReadingMirror interface {
	Offer(r *types.Reading) bool
}

// Config tunes a Processor.
type Config struct {
	BatchLimit int
	// Workers is the number of rows processed concurrently within one run.
	Workers    int
	RowTimeout time.Duration
	// StaleClaimAfter makes rows claimed by a crashed run claimable again.
	StaleClaimAfter time.Duration
}

func DefaultConfig() Config {
	return Config{
		BatchLimit:      100,
		Workers:         1,
		RowTimeout:      30 * time.Second,
		StaleClaimAfter: 10 * time.Minute,
	}
}

// Deps wires the processor to storage. Mirror is optional.
type Deps struct {
	Raw       RawRows
	Registry  Registry
	Sightings SightingRecorder
	Writer    ReadingWriter
	Mirror    ReadingMirror
}

// Processor turns claimed telemetry rows into readings. At most one run is
// active at a time.
type Processor struct {
	deps      Deps
	cfg       Config
	parser    *mapping.Parser
	converter *convert.Converter
	logger    zerolog.Logger
	now       func() time.Time

	guard   *semaphore.Weighted
	running atomic.Bool

	mu    sync.Mutex
	stats Stats
}

func New(deps Deps, cfg Config, logger zerolog.Logger) *Processor {
	def := DefaultConfig()
	if cfg.BatchLimit <= 0 {
		cfg.BatchLimit = def.BatchLimit
	}
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
	if cfg.RowTimeout <= 0 {
		cfg.RowTimeout = def.RowTimeout
	}
	if cfg.StaleClaimAfter <= 0 {
		cfg.StaleClaimAfter = def.StaleClaimAfter
	}
	return &Processor{
		deps:      deps,
		cfg:       cfg,
		parser:    mapping.NewParser(),
		converter: convert.NewConverter(),
		logger:    logger.With().Str("component", "Processor").Logger(),
		now:       func() time.Time { return time.Now().UTC() },
		guard:     semaphore.NewWeighted(1),
	}
}

// BatchResult summarises one run.
type BatchResult struct {
	Total            int         `json:"total"`
	Succeeded        int         `json:"succeeded"`
	Failed           int         `json:"failed"`
	Released         int         `json:"released"`
	Results          []RowResult `json:"results"`
	ProcessingTimeMS int64       `json:"processingTimeMs"`
}

// RunBatch claims up to limit telemetry rows and processes them. A limit of
// zero or less uses the configured batch limit.
func (p *Processor) RunBatch(ctx context.Context, limit int) (*BatchResult, error) {
	if !p.guard.TryAcquire(1) {
		return nil, ErrRunInProgress
	}
	p.running.Store(true)
	defer func() {
		p.running.Store(false)
		p.guard.Release(1)
	}()

	start := time.Now()
	if limit <= 0 {
		limit = p.cfg.BatchLimit
	}
	rows, err := p.deps.Raw.Claim(ctx, string(classify.LabelTelemetry), limit, p.cfg.StaleClaimAfter)
	if err != nil {
		return nil, fmt.Errorf("claim rows: %w", err)
	}
	result := &BatchResult{Total: len(rows), Results: make([]RowResult, len(rows))}
	if len(rows) == 0 {
		p.logger.Debug().Msg("No unprocessed telemetry rows")
		p.recordRun(result, time.Since(start))
		return result, nil
	}

	var g errgroup.Group
	g.SetLimit(p.cfg.Workers)
	for i := range rows {
		g.Go(func() error {
			result.Results[i] = p.ProcessRow(ctx, &rows[i])
			return nil
		})
	}
	_ = g.Wait()

	for _, r := range result.Results {
		switch {
		case r.Released:
			result.Released++
		case r.Success:
			result.Succeeded++
		default:
			result.Failed++
		}
	}
	elapsed := time.Since(start)
	result.ProcessingTimeMS = elapsed.Milliseconds()
	p.recordRun(result, elapsed)

	p.logger.Info().
		Int("total", result.Total).
		Int("succeeded", result.Succeeded).
		Int("failed", result.Failed).
		Int("released", result.Released).
		Dur("duration", elapsed).
		Msg("Batch processed")
	return result, nil
}

// Running reports whether a run is active.
func (p *Processor) Running() bool {
	return p.running.Load()
}

// Stats are cumulative counters since the processor was created.
type Stats struct {
	Runs            int64      `json:"runs"`
	RowsProcessed   int64      `json:"rowsProcessed"`
	RowsSucceeded   int64      `json:"rowsSucceeded"`
	RowsFailed      int64      `json:"rowsFailed"`
	RowsReleased    int64      `json:"rowsReleased"`
	ReadingsCreated int64      `json:"readingsCreated"`
	LastRunAt       *time.Time `json:"lastRunAt,omitempty"`
	LastRunMS       int64      `json:"lastRunMs"`
	Running         bool       `json:"running"`
}

func (p *Processor) Stats() Stats {
	p.mu.Lock()
	s := p.stats
	p.mu.Unlock()
	s.Running = p.Running()
	return s
}

func (p *Processor) recordRun(result *BatchResult, elapsed time.Duration) {
	now := p.now()
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stats.Runs++
	p.stats.RowsProcessed += int64(result.Succeeded + result.Failed)
	p.stats.RowsSucceeded += int64(result.Succeeded)
	p.stats.RowsFailed += int64(result.Failed)
	p.stats.RowsReleased += int64(result.Released)
	for _, r := range result.Results {
		p.stats.ReadingsCreated += int64(r.ReadingsCreated)
	}
	p.stats.LastRunAt = &now
	p.stats.LastRunMS = elapsed.Milliseconds()
}
