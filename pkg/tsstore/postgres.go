package tsstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/illmade-knight/iot-gateway/pkg/types"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
)

// PostgresConfig configures the readings connection pool.
type PostgresConfig struct {
	DSN             string
	Table           string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

// NewPool opens a pgx pool and verifies it with a ping.
func NewPool(ctx context.Context, cfg PostgresConfig, logger zerolog.Logger) (*pgxpool.Pool, error) {
	if cfg.DSN == "" {
		return nil, errors.New("tsstore: DSN is required")
	}
	poolConfig, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("tsstore: failed to parse connection string: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolConfig.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolConfig.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolConfig.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("tsstore: failed to initialize pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("tsstore: ping: %w", err)
	}
	logger.Info().Int32("max_conns", poolConfig.MaxConns).Msg("Readings pool connected")
	return pool, nil
}

// pgxConn is the part of pgxpool.Pool the writer uses.
type pgxConn interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	CopyFrom(ctx context.Context, tableName pgx.Identifier, columnNames []string, rowSrc pgx.CopyFromSource) (int64, error)
}

const DefaultReadingsTable = "readings"

var readingColumns = []string{
	"raw_message_id", "channel_id", "sensor_id", "node_id", "project_id", "owner_id",
	"metric_code", "unit", "ts", "value_raw", "value_engineered", "conversion_method",
	"quality_flag", "ingestion_source", "min_threshold", "max_threshold",
	"profile_id", "profile_version",
}

const createReadingsSQL = `
CREATE TABLE IF NOT EXISTS %[1]s (
	id                BIGSERIAL PRIMARY KEY,
	raw_message_id    UUID NOT NULL,
	channel_id        UUID NOT NULL,
	sensor_id         UUID NOT NULL,
	node_id           UUID NOT NULL,
	project_id        UUID NOT NULL,
	owner_id          UUID NOT NULL,
	metric_code       TEXT NOT NULL,
	unit              TEXT,
	ts                TIMESTAMPTZ NOT NULL,
	value_raw         DOUBLE PRECISION NOT NULL,
	value_engineered  DOUBLE PRECISION NOT NULL,
	conversion_method TEXT NOT NULL,
	quality_flag      TEXT NOT NULL,
	ingestion_source  TEXT NOT NULL,
	min_threshold     DOUBLE PRECISION,
	max_threshold     DOUBLE PRECISION,
	profile_id        UUID,
	profile_version   INTEGER,
	created_at        TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS %[2]s ON %[1]s (channel_id, ts DESC);
CREATE INDEX IF NOT EXISTS %[3]s ON %[1]s (node_id, ts DESC)`

// PostgresWriter appends readings to a Postgres table. Readings are
// append-only; no uniqueness is enforced.
type PostgresWriter struct {
	conn   pgxConn
	table  string
	logger zerolog.Logger
	closer func()
}

// NewPostgresWriter wraps a pool. Close closes the pool.
func NewPostgresWriter(pool *pgxpool.Pool, table string, logger zerolog.Logger) *PostgresWriter {
	w := newPostgresWriter(pool, table, logger)
	w.closer = pool.Close
	return w
}

func newPostgresWriter(conn pgxConn, table string, logger zerolog.Logger) *PostgresWriter {
	if table == "" {
		table = DefaultReadingsTable
	}
	return &PostgresWriter{
		conn:   conn,
		table:  table,
		logger: logger.With().Str("component", "PostgresWriter").Str("table", table).Logger(),
	}
}

// EnsureSchema creates the readings table and its indexes when missing.
func (w *PostgresWriter) EnsureSchema(ctx context.Context) error {
	ident := pgx.Identifier{w.table}
	sql := fmt.Sprintf(createReadingsSQL,
		ident.Sanitize(),
		pgx.Identifier{w.table + "_channel_ts_idx"}.Sanitize(),
		pgx.Identifier{w.table + "_node_ts_idx"}.Sanitize(),
	)
	if _, err := w.conn.Exec(ctx, sql); err != nil {
		return fmt.Errorf("ensure readings schema: %w", err)
	}
	return nil
}

// InsertBatch writes all readings with one COPY. The COPY is all or nothing.
func (w *PostgresWriter) InsertBatch(ctx context.Context, readings []*types.Reading) error {
	if len(readings) == 0 {
		return nil
	}
	n, err := w.conn.CopyFrom(ctx, pgx.Identifier{w.table}, readingColumns,
		pgx.CopyFromSlice(len(readings), func(i int) ([]any, error) {
			return readingRow(readings[i]), nil
		}))
	if err != nil {
		return fmt.Errorf("copy %d readings: %w", len(readings), err)
	}
	w.logger.Debug().Int64("rows", n).Msg("Readings copied")
	return nil
}

// Insert writes one reading.
func (w *PostgresWriter) Insert(ctx context.Context, r *types.Reading) error {
	if _, err := w.conn.Exec(ctx, w.insertSQL(), readingRow(r)...); err != nil {
		return fmt.Errorf("insert reading for channel %s: %w", r.ChannelID, err)
	}
	return nil
}

func (w *PostgresWriter) insertSQL() string {
	placeholders := ""
	cols := ""
	for i, c := range readingColumns {
		if i > 0 {
			placeholders += ", "
			cols += ", "
		}
		placeholders += fmt.Sprintf("$%d", i+1)
		cols += c
	}
	return fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)", pgx.Identifier{w.table}.Sanitize(), cols, placeholders)
}

func (w *PostgresWriter) Close() error {
	if w.closer != nil {
		w.closer()
	}
	return nil
}

func readingRow(r *types.Reading) []any {
	var profileID any
	if r.ProfileID != "" {
		profileID = r.ProfileID
	}
	var unit any
	if r.Unit != "" {
		unit = r.Unit
	}
	return []any{
		r.RawMessageID, r.ChannelID, r.SensorID, r.NodeID, r.ProjectID, r.OwnerID,
		r.MetricCode, unit, r.Timestamp.UTC(), r.ValueRaw, r.ValueEngineered, r.ConversionMethod,
		r.QualityFlag, r.IngestionSource, r.MinThreshold, r.MaxThreshold,
		profileID, r.ProfileVersion,
	}
}
