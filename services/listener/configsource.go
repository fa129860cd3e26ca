package listener

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"cloud.google.com/go/firestore"
	"github.com/illmade-knight/iot-gateway/pkg/store"
	"github.com/rs/zerolog"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// ErrNoConfig means a device has nothing to configure. Its message is the
// reason sent back to the device.
type ErrNoConfig struct{ Reason string }

func (e *ErrNoConfig) Error() string { return "no configuration: " + e.Reason }

// Register is one Modbus register a device should poll.
type Register struct {
	Reg      int    `json:"reg" firestore:"reg"`
	Type     string `json:"type" firestore:"type"`
	Label    string `json:"label" firestore:"label"`
	Unit     string `json:"unit" firestore:"unit"`
	Words    int    `json:"words" firestore:"words"`
	Swap     bool   `json:"swap" firestore:"swap"`
	Category string `json:"category" firestore:"category"`
}

// DeviceConfig is the configuration of one RS485 slave attached to a device.
type DeviceConfig struct {
	ModbusAddress int        `json:"modbus_address" firestore:"modbus_address"`
	DeviceType    string     `json:"device_type" firestore:"device_type"`
	BaudRate      int        `json:"baud_rate" firestore:"baud_rate"`
	Description   string     `json:"description" firestore:"description"`
	Version       int        `json:"version" firestore:"version"`
	Registers     []Register `json:"registers" firestore:"registers"`
}

// ConfigSource resolves the RS485 configuration of a device. It returns
// *ErrNoConfig when the device or its configuration is absent.
type ConfigSource interface {
	DeviceConfigs(ctx context.Context, deviceID string) ([]DeviceConfig, error)
}

// NodeSensorLookup is the registry surface the database source needs.
type NodeSensorLookup interface {
	FindNode(ctx context.Context, identifier string) (*store.Node, error)
	SensorsForNode(ctx context.Context, nodeID string) ([]store.Sensor, error)
}

// DBConfigSource builds configs from a node's sensors and their catalog
// default channels.
type DBConfigSource struct {
	registry NodeSensorLookup
	logger   zerolog.Logger
}

func NewDBConfigSource(registry NodeSensorLookup, logger zerolog.Logger) *DBConfigSource {
	return &DBConfigSource{registry: registry, logger: logger.With().Str("component", "DBConfigSource").Logger()}
}

// catalogDefaults is the catalog's default channel document. It may also be a
// bare register array.
type catalogDefaults struct {
	DeviceType  string     `json:"device_type"`
	BaudRate    int        `json:"baud_rate"`
	Description string     `json:"description"`
	Version     int        `json:"version"`
	Registers   []Register `json:"registers"`
}

func parseCatalogDefaults(raw []byte) (catalogDefaults, error) {
	var d catalogDefaults
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "" || trimmed == "null" {
		return d, nil
	}
	if strings.HasPrefix(trimmed, "[") {
		err := json.Unmarshal(raw, &d.Registers)
		return d, err
	}
	err := json.Unmarshal(raw, &d)
	return d, err
}

func (s *DBConfigSource) DeviceConfigs(ctx context.Context, deviceID string) ([]DeviceConfig, error) {
	node, err := s.registry.FindNode(ctx, deviceID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, &ErrNoConfig{Reason: "device not registered"}
	}
	if err != nil {
		return nil, err
	}
	sensors, err := s.registry.SensorsForNode(ctx, node.ID)
	if err != nil {
		return nil, err
	}
	if len(sensors) == 0 {
		return nil, &ErrNoConfig{Reason: "no sensors assigned"}
	}

	var configs []DeviceConfig
	for _, sensor := range sensors {
		cfg, ok := s.sensorConfig(sensor)
		if ok {
			configs = append(configs, cfg)
		}
	}
	if len(configs) == 0 {
		return nil, &ErrNoConfig{Reason: "no RS485 configuration for assigned sensors"}
	}
	sort.SliceStable(configs, func(i, j int) bool { return configs[i].ModbusAddress < configs[j].ModbusAddress })
	return configs, nil
}

// sensorConfig merges catalog defaults with the sensor's own protocol channel
// and per-channel register addresses.
func (s *DBConfigSource) sensorConfig(sensor store.Sensor) (DeviceConfig, bool) {
	var defaults catalogDefaults
	if sensor.SensorCatalog != nil {
		d, err := parseCatalogDefaults(sensor.SensorCatalog.DefaultChannelsJSON)
		if err != nil {
			s.logger.Warn().Err(err).Str("sensor_id", sensor.ID).Msg("Ignoring malformed catalog default channels")
		} else {
			defaults = d
		}
	}
	cfg := DeviceConfig{
		ModbusAddress: 1,
		DeviceType:    defaults.DeviceType,
		BaudRate:      defaults.BaudRate,
		Description:   defaults.Description,
		Version:       defaults.Version,
		Registers:     append([]Register(nil), defaults.Registers...),
	}
	if sensor.ProtocolChannel != nil {
		cfg.ModbusAddress = *sensor.ProtocolChannel
	}
	if cfg.DeviceType == "" {
		cfg.DeviceType = sensor.SensorCode
		if sensor.SensorCatalog != nil && sensor.SensorCatalog.ModelName != "" {
			cfg.DeviceType = sensor.SensorCatalog.ModelName
		}
	}
	if cfg.BaudRate == 0 {
		cfg.BaudRate = 9600
	}
	if cfg.Version == 0 {
		cfg.Version = 1
	}
	if cfg.Description == "" {
		cfg.Description = sensor.Label
	}

	for _, ch := range sensor.Channels {
		if ch.RegisterAddress == nil {
			continue
		}
		idx := -1
		for i := range cfg.Registers {
			if strings.EqualFold(cfg.Registers[i].Label, ch.MetricCode) {
				idx = i
				break
			}
		}
		if idx >= 0 {
			cfg.Registers[idx].Reg = *ch.RegisterAddress
			if ch.Unit != "" {
				cfg.Registers[idx].Unit = ch.Unit
			}
			continue
		}
		category := "uncategorized"
		if ch.SensorType != nil && ch.SensorType.Category != "" {
			category = ch.SensorType.Category
		}
		cfg.Registers = append(cfg.Registers, Register{
			Reg: *ch.RegisterAddress, Type: "uint16", Label: ch.MetricCode,
			Unit: ch.Unit, Words: 1, Category: category,
		})
	}
	for i := range cfg.Registers {
		normalizeRegister(&cfg.Registers[i])
	}
	return cfg, len(cfg.Registers) > 0
}

func normalizeRegister(r *Register) {
	if r.Type == "" {
		r.Type = "uint16"
	}
	if r.Label == "" {
		r.Label = "Unknown"
	}
	if r.Words == 0 {
		r.Words = 1
	}
	if r.Category == "" {
		r.Category = "uncategorized"
	}
}

// FirestoreConfig locates device configuration documents.
type FirestoreConfig struct {
	ProjectID       string
	CollectionName  string
	CredentialsFile string
}

// FirestoreConfigSource reads {configs: [...]} documents keyed by device id.
type FirestoreConfigSource struct {
	client     *firestore.Client
	collection string
	logger     zerolog.Logger
}

// NewFirestoreConfigSource honours FIRESTORE_EMULATOR_HOST through the client library.
func NewFirestoreConfigSource(ctx context.Context, cfg FirestoreConfig, logger zerolog.Logger) (*FirestoreConfigSource, error) {
	if cfg.ProjectID == "" || cfg.CollectionName == "" {
		return nil, errors.New("firestore: project id and collection are required")
	}
	var opts []option.ClientOption
	if cfg.CredentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(cfg.CredentialsFile))
	}
	client, err := firestore.NewClient(ctx, cfg.ProjectID, opts...)
	if err != nil {
		return nil, fmt.Errorf("firestore.NewClient: %w", err)
	}
	logger.Info().Str("project_id", cfg.ProjectID).Str("collection", cfg.CollectionName).Msg("Firestore config source ready")
	return &FirestoreConfigSource{
		client:     client,
		collection: cfg.CollectionName,
		logger:     logger.With().Str("component", "FirestoreConfigSource").Logger(),
	}, nil
}

func (f *FirestoreConfigSource) DeviceConfigs(ctx context.Context, deviceID string) ([]DeviceConfig, error) {
	snap, err := f.client.Collection(f.collection).Doc(deviceID).Get(ctx)
	if status.Code(err) == codes.NotFound {
		return nil, &ErrNoConfig{Reason: "device not registered"}
	}
	if err != nil {
		return nil, fmt.Errorf("firestore Get for %s: %w", deviceID, err)
	}
	var doc struct {
		Configs []DeviceConfig `firestore:"configs"`
	}
	if err := snap.DataTo(&doc); err != nil {
		return nil, fmt.Errorf("firestore DataTo for %s: %w", deviceID, err)
	}
	if len(doc.Configs) == 0 {
		return nil, &ErrNoConfig{Reason: "no RS485 configuration for device"}
	}
	for i := range doc.Configs {
		for j := range doc.Configs[i].Registers {
			normalizeRegister(&doc.Configs[i].Registers[j])
		}
	}
	return doc.Configs, nil
}

func (f *FirestoreConfigSource) Close() error {
	return f.client.Close()
}
