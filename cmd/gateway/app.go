package main

import (
	"context"
	"fmt"
	"time"

	"cloud.google.com/go/storage"
	"github.com/illmade-knight/iot-gateway/pkg/icestore"
	"github.com/illmade-knight/iot-gateway/pkg/store"
	"github.com/illmade-knight/iot-gateway/pkg/tsstore"
	"github.com/illmade-knight/iot-gateway/pkg/types"
	"github.com/illmade-knight/iot-gateway/services/config"
	"github.com/illmade-knight/iot-gateway/services/listener"
	"github.com/illmade-knight/iot-gateway/services/processor"
	"github.com/rs/zerolog"
	"google.golang.org/api/option"
	"gorm.io/gorm"
)

// app holds the components shared by every command. Closers run in reverse
// order of registration.
type app struct {
	cfg    *config.Config
	logger zerolog.Logger

	db       *gorm.DB
	raw      *store.RawStore
	registry *store.Registry
	tracker  *store.UnpairedTracker

	closers []func()
}

// newApp connects to Postgres and brings the schema up to date.
func newApp(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*app, error) {
	db, err := store.Open(ctx, store.DatabaseConfig{
		DSN:             cfg.Database.DSN,
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
	}, logger)
	if err != nil {
		return nil, err
	}
	a := &app{
		cfg:      cfg,
		logger:   logger,
		db:       db,
		raw:      store.NewRawStore(db, logger),
		registry: store.NewRegistry(db, logger),
		tracker:  store.NewUnpairedTracker(db, logger),
	}
	a.onClose(func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})
	if err := store.Migrate(ctx, db); err != nil {
		a.close()
		return nil, err
	}
	return a, nil
}

func (a *app) onClose(fn func()) {
	a.closers = append(a.closers, fn)
}

func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}

func (a *app) googleOptions() []option.ClientOption {
	if a.cfg.CredentialsFile == "" {
		return nil
	}
	return []option.ClientOption{option.WithCredentialsFile(a.cfg.CredentialsFile)}
}

// newProcessor wires the processor to the readings table and, when enabled,
// the BigQuery mirror.
func (a *app) newProcessor(ctx context.Context) (*processor.Processor, error) {
	pool, err := tsstore.NewPool(ctx, tsstore.PostgresConfig{
		DSN:      a.cfg.Database.DSN,
		MaxConns: int32(a.cfg.Database.MaxOpenConns),
	}, a.logger)
	if err != nil {
		return nil, err
	}
	writer := tsstore.NewPostgresWriter(pool, a.cfg.Database.ReadingsTable, a.logger)
	a.onClose(func() { _ = writer.Close() })
	if err := writer.EnsureSchema(ctx); err != nil {
		return nil, err
	}

	deps := processor.Deps{
		Raw:       a.raw,
		Registry:  a.registry,
		Sightings: a.tracker,
		Writer:    writer,
	}
	if a.cfg.Readings.BigQueryEnabled {
		mirror, err := a.newReadingMirror(ctx)
		if err != nil {
			return nil, err
		}
		deps.Mirror = mirror
	}
	return processor.New(deps, processor.Config{
		BatchLimit:      a.cfg.Processor.BatchLimit,
		Workers:         a.cfg.Processor.Workers,
		RowTimeout:      a.cfg.Processor.RowTimeout,
		StaleClaimAfter: a.cfg.Processor.StaleClaimAfter,
	}, a.logger), nil
}

func (a *app) newReadingMirror(ctx context.Context) (*tsstore.BatchInserter[types.Reading], error) {
	bqCfg := &tsstore.BigQueryConfig{
		ProjectID:       a.cfg.Readings.ProjectID,
		DatasetID:       a.cfg.Readings.DatasetID,
		TableID:         a.cfg.Readings.TableID,
		CredentialsFile: a.cfg.CredentialsFile,
	}
	client, err := tsstore.NewBigQueryClient(ctx, bqCfg, a.logger)
	if err != nil {
		return nil, err
	}
	inserter, err := tsstore.NewBigQueryInserter(ctx, client, bqCfg, a.logger)
	if err != nil {
		_ = client.Close()
		return nil, err
	}
	batcher := tsstore.NewBatchInserter[types.Reading](&tsstore.BatchInserterConfig{
		BatchSize:    a.cfg.Readings.BatchSize,
		FlushTimeout: a.cfg.Readings.FlushTimeout,
	}, inserter, a.logger)
	batcher.Start()
	a.onClose(func() {
		batcher.Stop()
		if err := client.Close(); err != nil {
			a.logger.Error().Err(err).Msg("Failed to close BigQuery client")
		}
	})
	return batcher, nil
}

// newSweeper builds the retention sweep, archiving to GCS when a bucket is set.
func (a *app) newSweeper(ctx context.Context) (*processor.RetentionSweeper, error) {
	var archiver processor.Archiver
	if a.cfg.Retention.ArchiveBucket != "" {
		client, err := storage.NewClient(ctx, a.googleOptions()...)
		if err != nil {
			return nil, fmt.Errorf("storage.NewClient: %w", err)
		}
		uploader, err := icestore.NewGCSBatchUploader[icestore.ArchivedMessage](
			icestore.NewGCSClientAdapter(client),
			icestore.GCSBatchUploaderConfig{
				BucketName:   a.cfg.Retention.ArchiveBucket,
				ObjectPrefix: a.cfg.Retention.ArchivePrefix,
			},
			a.logger,
		)
		if err != nil {
			_ = client.Close()
			return nil, err
		}
		a.onClose(func() {
			_ = uploader.Close()
			if err := client.Close(); err != nil {
				a.logger.Error().Err(err).Msg("Failed to close GCS client")
			}
		})
		archiver = uploader
	}
	return processor.NewRetentionSweeper(a.raw, archiver, processor.RetentionConfig{
		MaxAge:    a.cfg.Retention.MaxAge,
		Interval:  a.cfg.Retention.Interval,
		BatchSize: a.cfg.Retention.BatchSize,
	}, a.logger), nil
}

func (a *app) reconnectConfig() listener.ReconnectConfig {
	r := a.cfg.Transport.Reconnect
	return listener.ReconnectConfig{
		InitialInterval: r.InitialInterval,
		MaxInterval:     r.MaxInterval,
		MaxAttempts:     r.MaxAttempts,
	}
}

func (a *app) newTransport() (listener.Transport, error) {
	t := a.cfg.Transport
	switch t.Kind {
	case "mqtt":
		return listener.NewMQTTTransport(listener.MQTTConfig{
			BrokerURL:          t.BrokerURL,
			ClientIDPrefix:     t.ClientIDPrefix,
			Username:           t.Username,
			Password:           t.Password,
			KeepAlive:          t.KeepAlive,
			ConnectTimeout:     t.ConnectTimeout,
			CACertFile:         t.CACertFile,
			ClientCertFile:     t.ClientCertFile,
			ClientKeyFile:      t.ClientKeyFile,
			InsecureSkipVerify: t.InsecureSkipVerify,
			Reconnect:          a.reconnectConfig(),
		}, a.logger), nil
	case "nats":
		return listener.NewNATSTransport(listener.NATSConfig{
			URL:            t.BrokerURL,
			Username:       t.Username,
			Password:       t.Password,
			CACertFile:     t.CACertFile,
			ClientCertFile: t.ClientCertFile,
			ClientKeyFile:  t.ClientKeyFile,
			ConnectTimeout: t.ConnectTimeout,
			Reconnect:      a.reconnectConfig(),
		}, a.logger), nil
	default:
		return nil, fmt.Errorf("unknown transport kind %q", t.Kind)
	}
}

func (a *app) newConfigSource(ctx context.Context) (listener.ConfigSource, error) {
	if a.cfg.DeviceConfig.Source != "firestore" {
		return listener.NewDBConfigSource(a.registry, a.logger), nil
	}
	source, err := listener.NewFirestoreConfigSource(ctx, listener.FirestoreConfig{
		ProjectID:       a.cfg.DeviceConfig.ProjectID,
		CollectionName:  a.cfg.DeviceConfig.Collection,
		CredentialsFile: a.cfg.CredentialsFile,
	}, a.logger)
	if err != nil {
		return nil, err
	}
	a.onClose(func() { _ = source.Close() })
	return source, nil
}

// newNotifier returns nil when notifications are disabled.
func (a *app) newNotifier(ctx context.Context) (listener.DeviceNotifier, error) {
	if !a.cfg.Notify.Enabled {
		return nil, nil
	}
	n, err := listener.NewPubSubNotifier(ctx, listener.PubSubNotifierConfig{
		ProjectID:       a.cfg.Notify.ProjectID,
		TopicID:         a.cfg.Notify.TopicID,
		CredentialsFile: a.cfg.CredentialsFile,
	}, a.logger)
	if err != nil {
		return nil, err
	}
	a.onClose(n.Stop)
	return n, nil
}

func (a *app) topics() listener.TopicConfig {
	return listener.TopicConfig{
		Telemetry:     a.cfg.Transport.Topics,
		ConfigRequest: a.cfg.Transport.ConfigRequestTopic,
		TimeProbe:     a.cfg.Transport.TimeProbeTopic,
	}
}

func (a *app) location() *time.Location {
	name := a.cfg.Listener.TimeZone
	if name == "" || name == "Local" {
		return time.Local
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		a.logger.Warn().Err(err).Str("time_zone", name).Msg("Unknown time zone, using local time")
		return time.Local
	}
	return loc
}

// newRouter builds the message router. publisher may be nil for direct
// ingestion only.
func (a *app) newRouter(ctx context.Context, publisher listener.Publisher) (*listener.Router, error) {
	configs, err := a.newConfigSource(ctx)
	if err != nil {
		return nil, err
	}
	notifier, err := a.newNotifier(ctx)
	if err != nil {
		return nil, err
	}
	deps := listener.RouterDeps{
		Raw:       a.raw,
		Devices:   a.registry,
		Sightings: a.tracker,
		Publisher: publisher,
		Configs:   configs,
		Notifier:  notifier,
		Topics:    a.topics(),
		Location:  a.location(),
	}
	return listener.NewRouter(deps, a.logger), nil
}
