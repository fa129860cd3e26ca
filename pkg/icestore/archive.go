package icestore

import (
	"encoding/json"
	"time"

	"github.com/illmade-knight/iot-gateway/pkg/store"
)

// ArchivedMessage is one raw message as written to the archive.
type ArchivedMessage struct {
	ID          string          `json:"id"`
	Label       string          `json:"label"`
	Topic       string          `json:"topic"`
	DeviceID    string          `json:"deviceId,omitempty"`
	Payload     json.RawMessage `json:"payload"`
	ReceivedAt  time.Time       `json:"receivedAt"`
	ProcessedAt *time.Time      `json:"processedAt,omitempty"`
	Succeeded   bool            `json:"succeeded"`
	Notes       string          `json:"notes,omitempty"`
	ArchivedAt  time.Time       `json:"archivedAt"`
}

// GetBatchKey groups archived messages by the UTC day they were received.
func (m ArchivedMessage) GetBatchKey() string {
	return m.ReceivedAt.UTC().Format("2006/01/02")
}

// NewArchivedMessage copies a raw store row into its archive form.
func NewArchivedMessage(row *store.RawMessage, archivedAt time.Time) *ArchivedMessage {
	m := &ArchivedMessage{
		ID:          row.ID,
		Label:       row.Label,
		Topic:       row.Topic,
		Payload:     json.RawMessage(row.Payload),
		ReceivedAt:  row.ReceivedAt.UTC(),
		ProcessedAt: row.ProcessedAt,
		Succeeded:   row.Succeeded,
		Notes:       row.Notes,
		ArchivedAt:  archivedAt.UTC(),
	}
	if row.DeviceID != nil {
		m.DeviceID = *row.DeviceID
	}
	if len(m.Payload) == 0 {
		m.Payload = json.RawMessage("null")
	}
	return m
}
