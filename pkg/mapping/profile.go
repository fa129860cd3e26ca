package mapping

import (
	"encoding/json"
	"fmt"
)

// PathSpec points at a value inside a payload.
type PathSpec struct {
	Path string `json:"path"`
	Type string `json:"type,omitempty"`
}

// Metadata declares where the device id, timestamp and auxiliary values live.
type Metadata struct {
	DeviceID      *PathSpec           `json:"deviceId,omitempty"`
	Timestamp     *PathSpec           `json:"timestamp,omitempty"`
	SignalQuality *PathSpec           `json:"signalQuality,omitempty"`
	Extra         map[string]PathSpec `json:"extra,omitempty"`
}

// Channel maps one payload path to a channel code.
type Channel struct {
	ChannelCode string `json:"channelCode"`
	// ChannelID optionally pins the channel to a configured sensor channel row.
	ChannelID            string   `json:"idSensorChannel,omitempty"`
	PayloadPath          string   `json:"payloadPath"`
	Unit                 string   `json:"unit,omitempty"`
	ConversionExpression string   `json:"conversionExpression,omitempty"`
	Multiplier           *float64 `json:"multiplier,omitempty"`
	Offset               *float64 `json:"offset,omitempty"`
}

// Sensor groups channels under one logical sensor.
type Sensor struct {
	Label      string    `json:"label"`
	CatalogRef string    `json:"catalogRef,omitempty"`
	SensorID   string    `json:"idSensor,omitempty"`
	Channels   []Channel `json:"channels"`
}

// UnmarshalJSON also accepts the older "catalogId" key.
func (s *Sensor) UnmarshalJSON(data []byte) error {
	type plain Sensor
	var aux struct {
		plain
		CatalogID string `json:"catalogId"`
	}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	*s = Sensor(aux.plain)
	if s.CatalogRef == "" {
		s.CatalogRef = aux.CatalogID
	}
	return nil
}

// Document is the declarative mapping stored with a node profile.
type Document struct {
	Format   string   `json:"format,omitempty"`
	Metadata Metadata `json:"metadata"`
	Sensors  []Sensor `json:"sensors"`
}

// ParseDocument decodes a stored mapping document.
func ParseDocument(raw []byte) (*Document, error) {
	var doc Document
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("invalid mapping document: %w", err)
	}
	return &doc, nil
}
