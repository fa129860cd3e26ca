package types

import "time"

const (
	QualityGood         = "good"
	IngestionSourceMQTT = "mqtt-gateway"
)

// Reading is one converted channel value. The owner, project and node ids are
// denormalised so time-series queries need no joins.
type Reading struct {
	RawMessageID     string    `json:"rawMessageId"`
	ChannelID        string    `json:"channelId"`
	SensorID         string    `json:"sensorId"`
	NodeID           string    `json:"nodeId"`
	ProjectID        string    `json:"projectId"`
	OwnerID          string    `json:"ownerId"`
	MetricCode       string    `json:"metricCode"`
	Unit             string    `json:"unit,omitempty"`
	Timestamp        time.Time `json:"ts"`
	ValueRaw         float64   `json:"valueRaw"`
	ValueEngineered  float64   `json:"valueEngineered"`
	ConversionMethod string    `json:"conversionMethod"`
	QualityFlag      string    `json:"qualityFlag"`
	IngestionSource  string    `json:"ingestionSource"`
	MinThreshold     *float64  `json:"minThreshold,omitempty"`
	MaxThreshold     *float64  `json:"maxThreshold,omitempty"`
	ProfileID        string    `json:"profileId"`
	ProfileVersion   int       `json:"profileVersion"`
}
