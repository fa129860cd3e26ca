package icestore

import (
	"compress/gzip"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Batchable items name the object group they belong to.
type Batchable interface {
	GetBatchKey() string
}

// GCSBatchUploaderConfig holds configuration specific to the GCS uploader.
type GCSBatchUploaderConfig struct {
	BucketName   string
	ObjectPrefix string // e.g. "raw-messages"
}

// GCSBatchUploader writes gzip JSONL objects, one per batch key.
type GCSBatchUploader[T Batchable] struct {
	client GCSClient
	config GCSBatchUploaderConfig
	logger zerolog.Logger
	wg     sync.WaitGroup
	// newID names objects; replaced in tests.
	newID func() string
}

// NewGCSBatchUploader creates a new generic uploader configured for Google Cloud Storage.
func NewGCSBatchUploader[T Batchable](
	gcsClient GCSClient,
	config GCSBatchUploaderConfig,
	logger zerolog.Logger,
) (*GCSBatchUploader[T], error) {
	if gcsClient == nil {
		return nil, errors.New("GCS client cannot be nil")
	}
	if config.BucketName == "" {
		return nil, errors.New("GCS bucket name is required")
	}
	return &GCSBatchUploader[T]{
		client: gcsClient,
		config: config,
		logger: logger.With().Str("component", "GCSBatchUploader").Logger(),
		newID:  uuid.NewString,
	}, nil
}

// UploadBatch groups items by batch key and uploads each group to its own
// object. It returns the names of the objects written; on error, groups that
// did upload are still listed.
func (u *GCSBatchUploader[T]) UploadBatch(ctx context.Context, items []*T) ([]string, error) {
	if len(items) == 0 {
		return nil, nil
	}

	groupedBatches := make(map[string][]*T)
	for _, item := range items {
		if item == nil {
			continue
		}
		key := (*item).GetBatchKey()
		if key == "" {
			u.logger.Warn().Msg("item has an empty BatchKey, skipping.")
			continue
		}
		groupedBatches[key] = append(groupedBatches[key], item)
	}

	if len(groupedBatches) == 0 {
		return nil, nil
	}

	var (
		uploadWg sync.WaitGroup
		mu       sync.Mutex
		written  []string
		errs     []error
	)
	for key, batchData := range groupedBatches {
		uploadWg.Add(1)
		u.wg.Add(1)

		go func(batchKey string, dataToUpload []*T) {
			defer uploadWg.Done()
			defer u.wg.Done()
			name, err := u.uploadSingleGroup(ctx, batchKey, dataToUpload)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs = append(errs, err)
				return
			}
			written = append(written, name)
		}(key, batchData)
	}
	uploadWg.Wait()

	sort.Strings(written)
	return written, errors.Join(errs...)
}

// uploadSingleGroup streams one group through gzip into a GCS object.
func (u *GCSBatchUploader[T]) uploadSingleGroup(ctx context.Context, batchKey string, batchData []*T) (string, error) {
	objectName := path.Join(u.config.ObjectPrefix, batchKey, fmt.Sprintf("%s.jsonl.gz", u.newID()))
	u.logger.Info().Str("object_name", objectName).Int("message_count", len(batchData)).Msg("Starting upload for grouped batch")

	objHandle := u.client.Bucket(u.config.BucketName).Object(objectName)
	gcsWriter := objHandle.NewWriter(ctx)
	pr, pw := io.Pipe()

	go func() {
		// closing the pipe, with or without an error, unblocks io.Copy below
		var err error
		defer func() {
			pw.CloseWithError(err)
		}()

		gz := gzip.NewWriter(pw)
		enc := json.NewEncoder(gz)

		for _, rec := range batchData {
			if err = enc.Encode(rec); err != nil {
				err = fmt.Errorf("json encoding failed for %s: %w", objectName, err)
				return
			}
		}
		if err = gz.Close(); err != nil {
			err = fmt.Errorf("gzip writer close failed for %s: %w", objectName, err)
		}
	}()

	bytesWritten, pipeReadErr := io.Copy(gcsWriter, pr)
	// Close finalizes the object; it must run even after a pipe error.
	closeErr := gcsWriter.Close()
	if pipeReadErr != nil {
		_ = pr.CloseWithError(pipeReadErr)
		return "", fmt.Errorf("failed to stream data for GCS object %s: %w", objectName, pipeReadErr)
	}
	if closeErr != nil {
		return "", fmt.Errorf("failed to close GCS object writer for %s: %w", objectName, closeErr)
	}

	u.logger.Info().
		Str("object_name", objectName).
		Int64("bytes_written", bytesWritten).
		Msg("Successfully uploaded grouped batch to GCS")
	return objectName, nil
}

// Close waits for any pending upload goroutines to complete.
func (u *GCSBatchUploader[T]) Close() error {
	u.logger.Info().Msg("Waiting for all pending GCS uploads to complete...")
	u.wg.Wait()
	u.logger.Info().Msg("All GCS uploads completed.")
	return nil
}
