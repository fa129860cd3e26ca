package store

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Base gives every table a UUID primary key and timestamps.
type Base struct {
	ID        string    `gorm:"type:uuid;primaryKey" json:"id"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

func (b *Base) BeforeCreate(*gorm.DB) error {
	if b.ID == "" {
		b.ID = uuid.NewString()
	}
	return nil
}

// --- Raw Message Store ---

// RawMessage is one row of the durable inbox.
type RawMessage struct {
	Base
	Label      string         `gorm:"type:varchar(16);not null;index:idx_raw_pending,priority:2" json:"label"`
	Topic      string         `gorm:"not null" json:"topic"`
	Payload    datatypes.JSON `gorm:"type:jsonb;not null" json:"payload"`
	DeviceID   *string        `gorm:"index" json:"deviceId,omitempty"`
	ReceivedAt time.Time      `gorm:"not null;index:idx_raw_pending,priority:3" json:"receivedAt"`
	Processed  bool           `gorm:"not null;default:false;index:idx_raw_pending,priority:1" json:"processed"`
	// Succeeded is meaningful only once Processed is true.
	Succeeded   bool       `gorm:"not null;default:false" json:"succeeded"`
	Notes       string     `json:"notes,omitempty"`
	ClaimedAt   *time.Time `json:"claimedAt,omitempty"`
	ProcessedAt *time.Time `gorm:"index" json:"processedAt,omitempty"`
}

// --- Unpaired Device Tracker ---

const (
	UnpairedPending = "pending"
	UnpairedPaired  = "paired"
	UnpairedIgnored = "ignored"
)

// UnpairedDevice accumulates sightings of a hardware id that has no node.
type UnpairedDevice struct {
	Base
	HardwareID         string         `gorm:"not null;uniqueIndex" json:"hardwareId"`
	NodeModelID        *string        `gorm:"type:uuid" json:"nodeModelId,omitempty"`
	FirstSeenAt        time.Time      `gorm:"not null" json:"firstSeenAt"`
	LastSeenAt         time.Time      `gorm:"not null;index" json:"lastSeenAt"`
	LastPayload        datatypes.JSON `gorm:"type:jsonb" json:"lastPayload,omitempty"`
	LastTopic          string         `json:"lastTopic,omitempty"`
	SeenCount          int64          `gorm:"not null;default:1" json:"seenCount"`
	SuggestedProjectID *string        `gorm:"type:uuid" json:"suggestedProjectId,omitempty"`
	SuggestedOwnerID   *string        `gorm:"type:uuid" json:"suggestedOwnerId,omitempty"`
	PairedNodeID       *string        `gorm:"type:uuid" json:"pairedNodeId,omitempty"`
	Status             string         `gorm:"type:varchar(16);not null;default:pending;index" json:"status"`
}

// --- Device Registry ---

type Owner struct {
	Base
	OwnerCode          string         `gorm:"type:varchar(5);not null;uniqueIndex" json:"ownerCode"`
	Name               string         `gorm:"not null" json:"name"`
	ForwardingSettings datatypes.JSON `gorm:"type:jsonb" json:"forwardingSettings,omitempty"`
}

type Project struct {
	Base
	OwnerID string `gorm:"type:uuid;not null;index" json:"ownerId"`
	Owner   *Owner `gorm:"foreignKey:OwnerID" json:"owner,omitempty"`
	Name    string `gorm:"not null" json:"name"`
}

type NodeModel struct {
	Base
	ModelCode string `gorm:"not null;uniqueIndex" json:"modelCode"`
	Vendor    string `json:"vendor"`
	ModelName string `json:"modelName"`
	Protocol  string `json:"protocol"`
}

// NodeProfile holds the mapping document for one node model. Version is
// bumped by Registry.UpdateProfileMapping and recorded on every reading.
type NodeProfile struct {
	Base
	NodeModelID string         `gorm:"type:uuid;not null;index" json:"nodeModelId"`
	ProjectID   *string        `gorm:"type:uuid" json:"projectId,omitempty"`
	Code        string         `gorm:"not null" json:"code"`
	Name        string         `json:"name"`
	ParserType  string         `gorm:"not null;default:json_path" json:"parserType"`
	MappingJSON datatypes.JSON `gorm:"type:jsonb;not null" json:"mappingJson"`
	Version     int            `gorm:"not null;default:1" json:"version"`
	Enabled     bool           `gorm:"not null" json:"enabled"`
}

const (
	ConnectivityOnline  = "online"
	ConnectivityOffline = "offline"
)

type Node struct {
	Base
	ProjectID          string       `gorm:"type:uuid;not null;index" json:"projectId"`
	Project            *Project     `gorm:"foreignKey:ProjectID" json:"project,omitempty"`
	NodeModelID        string       `gorm:"type:uuid;not null" json:"nodeModelId"`
	NodeProfileID      *string      `gorm:"type:uuid" json:"nodeProfileId,omitempty"`
	NodeProfile        *NodeProfile `gorm:"foreignKey:NodeProfileID" json:"nodeProfile,omitempty"`
	Code               string       `gorm:"not null;index" json:"code"`
	SerialNumber       string       `gorm:"index" json:"serialNumber"`
	DevEUI             string       `gorm:"column:dev_eui;index" json:"devEui"`
	ConnectivityStatus string       `gorm:"type:varchar(16);default:offline" json:"connectivityStatus"`
	LastSeenAt         *time.Time   `json:"lastSeenAt,omitempty"`
}

type SensorCatalog struct {
	Base
	Vendor                string         `json:"vendor"`
	ModelName             string         `json:"modelName"`
	DefaultChannelsJSON   datatypes.JSON `gorm:"type:jsonb" json:"defaultChannelsJson,omitempty"`
	DefaultThresholdsJSON datatypes.JSON `gorm:"type:jsonb" json:"defaultThresholdsJson,omitempty"`
}

type SensorType struct {
	Base
	Category          string `json:"category"`
	DefaultUnit       string `json:"defaultUnit"`
	ConversionFormula string `json:"conversionFormula,omitempty"`
}

type Sensor struct {
	Base
	NodeID          string          `gorm:"type:uuid;not null;index" json:"nodeId"`
	SensorCatalogID *string         `gorm:"type:uuid" json:"sensorCatalogId,omitempty"`
	SensorCatalog   *SensorCatalog  `gorm:"foreignKey:SensorCatalogID" json:"sensorCatalog,omitempty"`
	Label           string          `gorm:"not null" json:"label"`
	SensorCode      string          `json:"sensorCode"`
	ProtocolChannel *int            `json:"protocolChannel,omitempty"`
	Channels        []SensorChannel `gorm:"foreignKey:SensorID" json:"channels,omitempty"`
}

type SensorChannel struct {
	Base
	SensorID        string      `gorm:"type:uuid;not null;index" json:"sensorId"`
	SensorTypeID    *string     `gorm:"type:uuid" json:"sensorTypeId,omitempty"`
	SensorType      *SensorType `gorm:"foreignKey:SensorTypeID" json:"sensorType,omitempty"`
	MetricCode      string      `gorm:"not null" json:"metricCode"`
	Unit            string      `json:"unit"`
	MinThreshold    *float64    `json:"minThreshold,omitempty"`
	MaxThreshold    *float64    `json:"maxThreshold,omitempty"`
	Multiplier      *float64    `json:"multiplier,omitempty"`
	OffsetValue     *float64    `json:"offsetValue,omitempty"`
	RegisterAddress *int        `json:"registerAddress,omitempty"`
}

// AllModels lists every table managed by Migrate.
func AllModels() []any {
	return []any{
		&Owner{}, &Project{}, &NodeModel{}, &NodeProfile{}, &Node{},
		&SensorCatalog{}, &SensorType{}, &Sensor{}, &SensorChannel{},
		&RawMessage{}, &UnpairedDevice{},
	}
}
