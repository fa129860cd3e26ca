package processor

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/illmade-knight/iot-gateway/pkg/icestore"
	"github.com/illmade-knight/iot-gateway/pkg/store"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/datatypes"
)

type mockProcessedRows struct {
	rows    []store.RawMessage
	cutoffs []time.Time
	deleted []string
}

func (m *mockProcessedRows) ProcessedBefore(_ context.Context, cutoff time.Time, limit int) ([]store.RawMessage, error) {
	m.cutoffs = append(m.cutoffs, cutoff)
	var out []store.RawMessage
	for _, r := range m.rows {
		if r.Processed && r.ReceivedAt.Before(cutoff) {
			out = append(out, r)
		}
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (m *mockProcessedRows) DeleteProcessed(_ context.Context, ids []string) (int64, error) {
	drop := map[string]bool{}
	for _, id := range ids {
		drop[id] = true
	}
	var kept []store.RawMessage
	var n int64
	for _, r := range m.rows {
		if drop[r.ID] && r.Processed {
			n++
			m.deleted = append(m.deleted, r.ID)
			continue
		}
		kept = append(kept, r)
	}
	m.rows = kept
	return n, nil
}

type mockArchiver struct {
	batches [][]*icestore.ArchivedMessage
	err     error
}

func (m *mockArchiver) UploadBatch(_ context.Context, items []*icestore.ArchivedMessage) ([]string, error) {
	if m.err != nil {
		return nil, m.err
	}
	m.batches = append(m.batches, items)
	return []string{fmt.Sprintf("raw/batch-%d.jsonl.gz", len(m.batches))}, nil
}

func retentionRows(now time.Time) []store.RawMessage {
	var rows []store.RawMessage
	for i := 0; i < 5; i++ {
		rows = append(rows, store.RawMessage{
			Base: store.Base{ID: fmt.Sprintf("old-%d", i)}, Label: "telemetry", Processed: true,
			Payload: datatypes.JSON(`{}`), ReceivedAt: now.Add(-48 * time.Hour),
		})
	}
	rows = append(rows,
		store.RawMessage{Base: store.Base{ID: "old-pending"}, Processed: false, ReceivedAt: now.Add(-48 * time.Hour)},
		store.RawMessage{Base: store.Base{ID: "recent"}, Processed: true, ReceivedAt: now.Add(-time.Hour)},
	)
	return rows
}

func TestRetentionSweep_ArchivesThenDeletes(t *testing.T) {
	now := time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC)
	rows := &mockProcessedRows{rows: retentionRows(now)}
	archiver := &mockArchiver{}
	s := NewRetentionSweeper(rows, archiver, RetentionConfig{MaxAge: 24 * time.Hour, BatchSize: 2}, zerolog.Nop())
	s.now = func() time.Time { return now }

	res, err := s.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(5), res.Archived)
	assert.Equal(t, int64(5), res.Deleted)
	assert.Len(t, res.Objects, 3)
	assert.Len(t, archiver.batches, 3)
	assert.Equal(t, now.Add(-24*time.Hour), rows.cutoffs[0])

	var remaining []string
	for _, r := range rows.rows {
		remaining = append(remaining, r.ID)
	}
	assert.ElementsMatch(t, []string{"old-pending", "recent"}, remaining)
}

func TestRetentionSweep_UploadFailureKeepsRows(t *testing.T) {
	now := time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC)
	rows := &mockProcessedRows{rows: retentionRows(now)}
	s := NewRetentionSweeper(rows, &mockArchiver{err: errors.New("bucket gone")}, RetentionConfig{MaxAge: 24 * time.Hour}, zerolog.Nop())
	s.now = func() time.Time { return now }

	_, err := s.Sweep(context.Background())
	require.Error(t, err)
	assert.Empty(t, rows.deleted)
	assert.Len(t, rows.rows, 7)
}

func TestRetentionSweep_WithoutArchiver(t *testing.T) {
	now := time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC)
	rows := &mockProcessedRows{rows: retentionRows(now)}
	s := NewRetentionSweeper(rows, nil, RetentionConfig{MaxAge: 24 * time.Hour}, zerolog.Nop())
	s.now = func() time.Time { return now }

	res, err := s.Sweep(context.Background())
	require.NoError(t, err)
	assert.Zero(t, res.Archived)
	assert.Equal(t, int64(5), res.Deleted)
}
