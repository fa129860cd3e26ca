package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// RawStore is the durable inbox of inbound messages.
type RawStore struct {
	db     *gorm.DB
	logger zerolog.Logger
	now    func() time.Time
}

func NewRawStore(db *gorm.DB, logger zerolog.Logger) *RawStore {
	return &RawStore{
		db:     db,
		logger: logger.With().Str("component", "RawStore").Logger(),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Append inserts a new unprocessed row.
func (s *RawStore) Append(ctx context.Context, msg *RawMessage) error {
	if msg.ReceivedAt.IsZero() {
		msg.ReceivedAt = s.now()
	}
	msg.Processed = false
	if err := s.db.WithContext(ctx).Create(msg).Error; err != nil {
		return fmt.Errorf("append raw message: %w", err)
	}
	return nil
}

// Get loads one row by id.
func (s *RawStore) Get(ctx context.Context, id string) (*RawMessage, error) {
	var msg RawMessage
	err := s.db.WithContext(ctx).First(&msg, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get raw message %s: %w", id, err)
	}
	return &msg, nil
}

// Claim selects up to limit of the oldest unprocessed rows with the given label
// and stamps them as in flight in the same transaction. Rows locked by another
// claimer are skipped; rows claimed more than staleAfter ago are reclaimable.
func (s *RawStore) Claim(ctx context.Context, label string, limit int, staleAfter time.Duration) ([]RawMessage, error) {
	if limit <= 0 {
		return nil, nil
	}
	now := s.now()
	var rows []RawMessage
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		q := tx.Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"}).
			Where("processed = ? AND label = ?", false, label)
		if staleAfter > 0 {
			q = q.Where("(claimed_at IS NULL OR claimed_at < ?)", now.Add(-staleAfter))
		} else {
			q = q.Where("claimed_at IS NULL")
		}
		if err := q.Order("received_at ASC, id ASC").Limit(limit).Find(&rows).Error; err != nil {
			return err
		}
		if len(rows) == 0 {
			return nil
		}
		ids := make([]string, len(rows))
		for i := range rows {
			ids[i] = rows[i].ID
			rows[i].ClaimedAt = &now
		}
		return tx.Model(&RawMessage{}).Where("id IN ?", ids).Update("claimed_at", now).Error
	})
	if err != nil {
		return nil, fmt.Errorf("claim raw messages: %w", err)
	}
	return rows, nil
}

// Finalize marks a row processed with its outcome. It returns false when the
// row was already processed; a processed row is never modified again.
func (s *RawStore) Finalize(ctx context.Context, id string, succeeded bool, notes string) (bool, error) {
	res := s.db.WithContext(ctx).Model(&RawMessage{}).
		Where("id = ? AND processed = ?", id, false).
		Updates(map[string]any{
			"processed":    true,
			"succeeded":    succeeded,
			"notes":        notes,
			"processed_at": s.now(),
			"claimed_at":   nil,
		})
	if res.Error != nil {
		return false, fmt.Errorf("finalize raw message %s: %w", id, res.Error)
	}
	return res.RowsAffected == 1, nil
}

// RawStats summarises the inbox.
type RawStats struct {
	Total          int64            `json:"total"`
	Processed      int64            `json:"processed"`
	Unprocessed    int64            `json:"unprocessed"`
	ProcessedToday int64            `json:"processedToday"`
	FailedToday    int64            `json:"failedToday"`
	ByLabel        map[string]int64 `json:"byLabel"`
}

// Stats counts rows overall, per label and for the current UTC day.
func (s *RawStore) Stats(ctx context.Context) (RawStats, error) {
	stats := RawStats{ByLabel: map[string]int64{}}
	db := s.db.WithContext(ctx).Model(&RawMessage{})

	var totals struct {
		Total     int64
		Processed int64
	}
	if err := db.Select("COUNT(*) AS total, COUNT(*) FILTER (WHERE processed) AS processed").Scan(&totals).Error; err != nil {
		return stats, fmt.Errorf("raw stats totals: %w", err)
	}
	stats.Total = totals.Total
	stats.Processed = totals.Processed
	stats.Unprocessed = totals.Total - totals.Processed

	var perLabel []struct {
		Label string
		Count int64
	}
	if err := s.db.WithContext(ctx).Model(&RawMessage{}).
		Select("label, COUNT(*) AS count").Group("label").Scan(&perLabel).Error; err != nil {
		return stats, fmt.Errorf("raw stats by label: %w", err)
	}
	for _, row := range perLabel {
		stats.ByLabel[row.Label] = row.Count
	}

	now := s.now()
	startOfDay := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	var today struct {
		Processed int64
		Failed    int64
	}
	if err := s.db.WithContext(ctx).Model(&RawMessage{}).
		Select("COUNT(*) AS processed, COUNT(*) FILTER (WHERE NOT succeeded) AS failed").
		Where("processed = ? AND processed_at >= ?", true, startOfDay).
		Scan(&today).Error; err != nil {
		return stats, fmt.Errorf("raw stats today: %w", err)
	}
	stats.ProcessedToday = today.Processed
	stats.FailedToday = today.Failed
	return stats, nil
}

// ProcessedBefore lists processed rows received before cutoff, oldest first.
func (s *RawStore) ProcessedBefore(ctx context.Context, cutoff time.Time, limit int) ([]RawMessage, error) {
	var rows []RawMessage
	err := s.db.WithContext(ctx).
		Where("processed = ? AND received_at < ?", true, cutoff).
		Order("received_at ASC").Limit(limit).Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("list processed before %s: %w", cutoff.Format(time.RFC3339), err)
	}
	return rows, nil
}

// DeleteProcessed removes processed rows by id. Unprocessed ids are ignored.
func (s *RawStore) DeleteProcessed(ctx context.Context, ids []string) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	res := s.db.WithContext(ctx).Where("id IN ? AND processed = ?", ids, true).Delete(&RawMessage{})
	if res.Error != nil {
		return 0, fmt.Errorf("delete processed raw messages: %w", res.Error)
	}
	return res.RowsAffected, nil
}
