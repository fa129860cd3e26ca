package tsstore

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"cloud.google.com/go/bigquery"
	"github.com/illmade-knight/iot-gateway/pkg/types"
	"github.com/rs/zerolog"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
)

// BigQueryConfig holds configuration for the readings mirror.
type BigQueryConfig struct {
	ProjectID       string
	DatasetID       string
	TableID         string
	CredentialsFile string
}

// NewBigQueryClient creates a client using a credentials file when given and
// Application Default Credentials otherwise.
func NewBigQueryClient(ctx context.Context, cfg *BigQueryConfig, logger zerolog.Logger) (*bigquery.Client, error) {
	if cfg == nil || cfg.ProjectID == "" {
		return nil, errors.New("bigquery: project id is required")
	}
	var opts []option.ClientOption
	if cfg.CredentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(cfg.CredentialsFile))
		logger.Info().Str("credentials_file", cfg.CredentialsFile).Msg("Using specified credentials file for BigQuery client")
	} else {
		logger.Info().Msg("Using Application Default Credentials (ADC) for BigQuery client")
	}
	client, err := bigquery.NewClient(ctx, cfg.ProjectID, opts...)
	if err != nil {
		return nil, fmt.Errorf("bigquery.NewClient: %w", err)
	}
	return client, nil
}

// bqReading is the BigQuery shape of a types.Reading.
type bqReading struct {
	RawMessageID     string               `bigquery:"raw_message_id"`
	ChannelID        string               `bigquery:"channel_id"`
	SensorID         string               `bigquery:"sensor_id"`
	NodeID           string               `bigquery:"node_id"`
	ProjectID        string               `bigquery:"project_id"`
	OwnerID          string               `bigquery:"owner_id"`
	MetricCode       string               `bigquery:"metric_code"`
	Unit             string               `bigquery:"unit"`
	Timestamp        time.Time            `bigquery:"ts"`
	ValueRaw         float64              `bigquery:"value_raw"`
	ValueEngineered  float64              `bigquery:"value_engineered"`
	ConversionMethod string               `bigquery:"conversion_method"`
	QualityFlag      string               `bigquery:"quality_flag"`
	IngestionSource  string               `bigquery:"ingestion_source"`
	MinThreshold     bigquery.NullFloat64 `bigquery:"min_threshold"`
	MaxThreshold     bigquery.NullFloat64 `bigquery:"max_threshold"`
	ProfileID        string               `bigquery:"profile_id"`
	ProfileVersion   int64                `bigquery:"profile_version"`
}

func toBQReading(r *types.Reading) *bqReading {
	return &bqReading{
		RawMessageID:     r.RawMessageID,
		ChannelID:        r.ChannelID,
		SensorID:         r.SensorID,
		NodeID:           r.NodeID,
		ProjectID:        r.ProjectID,
		OwnerID:          r.OwnerID,
		MetricCode:       r.MetricCode,
		Unit:             r.Unit,
		Timestamp:        r.Timestamp.UTC(),
		ValueRaw:         r.ValueRaw,
		ValueEngineered:  r.ValueEngineered,
		ConversionMethod: r.ConversionMethod,
		QualityFlag:      r.QualityFlag,
		IngestionSource:  r.IngestionSource,
		MinThreshold:     nullFloat(r.MinThreshold),
		MaxThreshold:     nullFloat(r.MaxThreshold),
		ProfileID:        r.ProfileID,
		ProfileVersion:   int64(r.ProfileVersion),
	}
}

func nullFloat(f *float64) bigquery.NullFloat64 {
	if f == nil {
		return bigquery.NullFloat64{}
	}
	return bigquery.NullFloat64{Float64: *f, Valid: true}
}

// rowPutter is the part of *bigquery.Inserter used here.
type rowPutter interface {
	Put(ctx context.Context, src any) error
}

// BigQueryInserter streams readings into a day-partitioned BigQuery table.
type BigQueryInserter struct {
	inserter rowPutter
	logger   zerolog.Logger
}

// NewBigQueryInserter loads the table, creating it from the reading schema
// when it does not exist yet.
func NewBigQueryInserter(ctx context.Context, client *bigquery.Client, cfg *BigQueryConfig, logger zerolog.Logger) (*BigQueryInserter, error) {
	if client == nil {
		return nil, errors.New("bigquery client cannot be nil")
	}
	if cfg == nil || cfg.DatasetID == "" || cfg.TableID == "" {
		return nil, errors.New("DatasetID and TableID must be provided")
	}
	logger = logger.With().Str("component", "BigQueryInserter").Str("dataset", cfg.DatasetID).Str("table", cfg.TableID).Logger()

	tableRef := client.Dataset(cfg.DatasetID).Table(cfg.TableID)
	meta, err := tableRef.Metadata(ctx)
	switch {
	case isNotFound(err):
		logger.Warn().Msg("BigQuery table not found. Creating it with the reading schema.")
		schema, inferErr := bigquery.InferSchema(bqReading{})
		if inferErr != nil {
			return nil, fmt.Errorf("failed to infer reading schema: %w", inferErr)
		}
		tableMetadata := &bigquery.TableMetadata{
			Schema: schema,
			TimePartitioning: &bigquery.TimePartitioning{
				Type:  bigquery.DayPartitioningType,
				Field: "ts",
			},
			Clustering: &bigquery.Clustering{Fields: []string{"node_id", "channel_id"}},
		}
		if createErr := tableRef.Create(ctx, tableMetadata); createErr != nil {
			return nil, fmt.Errorf("failed to create BigQuery table %s.%s: %w", cfg.DatasetID, cfg.TableID, createErr)
		}
		logger.Info().Msg("BigQuery table created.")
	case err != nil:
		return nil, fmt.Errorf("failed to get BigQuery table metadata for %s.%s: %w", cfg.DatasetID, cfg.TableID, err)
	default:
		logger.Info().Int("schema_fields", len(meta.Schema)).Msg("BigQuery table metadata loaded.")
	}

	return &BigQueryInserter{inserter: tableRef.Inserter(), logger: logger}, nil
}

func isNotFound(err error) bool {
	var apiErr *googleapi.Error
	return errors.As(err, &apiErr) && apiErr.Code == http.StatusNotFound
}

// InsertBatch streams a batch of readings.
func (i *BigQueryInserter) InsertBatch(ctx context.Context, readings []*types.Reading) error {
	if len(readings) == 0 {
		return nil
	}
	rows := make([]*bqReading, len(readings))
	for n, r := range readings {
		rows[n] = toBQReading(r)
	}
	if err := i.inserter.Put(ctx, rows); err != nil {
		var multiErr bigquery.PutMultiError
		if errors.As(err, &multiErr) {
			for _, rowErr := range multiErr {
				i.logger.Error().Int("row_index", rowErr.RowIndex).Msgf("BigQuery insert error for row: %v", rowErr.Errors)
			}
		}
		return fmt.Errorf("bigquery Inserter.Put: %w", err)
	}
	i.logger.Debug().Int("batch_size", len(rows)).Msg("Inserted batch into BigQuery")
	return nil
}

// Close is a no-op; the client is owned by the caller.
func (i *BigQueryInserter) Close() error {
	return nil
}
