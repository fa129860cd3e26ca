package listener

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/illmade-knight/iot-gateway/pkg/classify"
	"github.com/illmade-knight/iot-gateway/pkg/payload"
	"github.com/illmade-knight/iot-gateway/pkg/store"
	"github.com/illmade-knight/iot-gateway/pkg/types"
	"github.com/rs/zerolog"
	"gorm.io/datatypes"
)

// FailureNote is stored on the error row written when handling a message fails.
const FailureNote = "Failed to process message"

// RawAppender persists inbound messages to the raw store.
type RawAppender interface {
	Append(ctx context.Context, msg *store.RawMessage) error
}

// DeviceDirectory answers whether an identifier belongs to a provisioned node
// and resolves owner codes for suggestions.
type DeviceDirectory interface {
	NodeExists(ctx context.Context, identifier string) (bool, error)
	OwnerByCode(ctx context.Context, code string) (*store.Owner, error)
}

// SightingRecorder tracks identifiers with no node.
type SightingRecorder interface {
	RegisterSighting(ctx context.Context, s store.Sighting) (store.SightingResult, error)
}

// DeviceNotifier is told about hardware ids seen for the first time.
type DeviceNotifier interface {
	NotifyNewDevice(ctx context.Context, device store.UnpairedDevice) error
}

type Outcome string

const (
	OutcomeStored         Outcome = "stored"
	OutcomeStoredNoDevice Outcome = "stored_no_device"
	OutcomeUnpaired       Outcome = "unpaired"
	OutcomeConfigReply    Outcome = "config_reply"
	OutcomeTimeReply      Outcome = "time_reply"
)

// RouteResult describes what happened to one message.
type RouteResult struct {
	Outcome      Outcome        `json:"outcome"`
	Label        classify.Label `json:"label,omitempty"`
	DeviceID     string         `json:"deviceId,omitempty"`
	RawMessageID string         `json:"rawMessageId,omitempty"`
	NewDevice    bool           `json:"newDevice,omitempty"`
}

// RouterDeps wires the router to storage and replies. Publisher, Configs and
// Notifier are optional.
type RouterDeps struct {
	Raw       RawAppender
	Devices   DeviceDirectory
	Sightings SightingRecorder
	Publisher Publisher
	Configs   ConfigSource
	Notifier  DeviceNotifier
	Topics    TopicConfig
	// Location formats the local time in time-probe replies.
	Location *time.Location
}

// Router classifies messages and sends them to the raw store, the unpaired
// tracker or a reply handler.
type Router struct {
	deps   RouterDeps
	logger zerolog.Logger
	now    func() time.Time
}

func NewRouter(deps RouterDeps, logger zerolog.Logger) *Router {
	if deps.Location == nil {
		deps.Location = time.Local
	}
	deps.Topics = deps.Topics.withDefaults()
	return &Router{
		deps:   deps,
		logger: logger.With().Str("component", "Router").Logger(),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Handle dispatches one transport message by topic.
func (r *Router) Handle(ctx context.Context, msg types.InMessage) (RouteResult, error) {
	if deviceID, ok := r.deps.Topics.ConfigRequestDevice(msg.Topic); ok {
		return RouteResult{Outcome: OutcomeConfigReply, DeviceID: deviceID}, r.replyConfig(ctx, msg.Topic, deviceID)
	}
	if r.deps.Topics.IsTimeProbe(msg.Topic) {
		return RouteResult{Outcome: OutcomeTimeReply}, r.replyTime(ctx, msg.Payload)
	}
	return r.Ingest(ctx, msg)
}

// Ingest classifies a message and stores it or records an unpaired sighting.
func (r *Router) Ingest(ctx context.Context, msg types.InMessage) (RouteResult, error) {
	if msg.ReceivedAt.IsZero() {
		msg.ReceivedAt = r.now()
	}
	value, decoded := payload.DecodeOrWrap(msg.Payload)
	label := classify.Detect(value)
	body, err := value.MarshalJSON()
	if err != nil {
		return RouteResult{}, fmt.Errorf("encode payload: %w", err)
	}
	logger := r.logger.With().Str("topic", msg.Topic).Str("label", string(label)).Logger()
	if !decoded {
		logger.Debug().Msg("Payload is not JSON, wrapped")
	}

	deviceID, ok := classify.ExtractDeviceID(value)
	if !ok {
		deviceID, ok = classify.DeviceIDFromTopic(msg.Topic)
	}
	if !ok {
		row := &store.RawMessage{Label: string(label), Topic: msg.Topic, Payload: datatypes.JSON(body), ReceivedAt: msg.ReceivedAt}
		if err := r.deps.Raw.Append(ctx, row); err != nil {
			return RouteResult{}, err
		}
		logger.Debug().Str("row_id", row.ID).Msg("Stored message without device id")
		return RouteResult{Outcome: OutcomeStoredNoDevice, Label: label, RawMessageID: row.ID}, nil
	}

	known, err := r.deps.Devices.NodeExists(ctx, deviceID)
	if err != nil {
		return RouteResult{}, fmt.Errorf("look up device %s: %w", deviceID, err)
	}
	if known {
		row := &store.RawMessage{
			Label: string(label), Topic: msg.Topic, Payload: datatypes.JSON(body),
			DeviceID: &deviceID, ReceivedAt: msg.ReceivedAt,
		}
		if err := r.deps.Raw.Append(ctx, row); err != nil {
			return RouteResult{}, err
		}
		logger.Debug().Str("device_id", deviceID).Str("row_id", row.ID).Msg("Stored message")
		return RouteResult{Outcome: OutcomeStored, Label: label, DeviceID: deviceID, RawMessageID: row.ID}, nil
	}

	sighting := store.Sighting{
		HardwareID:       deviceID,
		Payload:          body,
		Topic:            msg.Topic,
		SeenAt:           msg.ReceivedAt,
		SuggestedOwnerID: r.suggestOwner(ctx, deviceID),
	}
	res, err := r.deps.Sightings.RegisterSighting(ctx, sighting)
	if err != nil {
		return RouteResult{}, err
	}
	if res.Created && r.deps.Notifier != nil {
		if err := r.deps.Notifier.NotifyNewDevice(ctx, res.Device); err != nil {
			logger.Warn().Err(err).Str("device_id", deviceID).Msg("New device notification failed")
		}
	}
	logger.Debug().Str("device_id", deviceID).Bool("new_device", res.Created).Msg("Unknown device sighting recorded")
	return RouteResult{Outcome: OutcomeUnpaired, Label: label, DeviceID: deviceID, NewDevice: res.Created}, nil
}

// suggestOwner resolves the OWNER-MAC prefix of a hardware id. Misses are not errors.
func (r *Router) suggestOwner(ctx context.Context, hardwareID string) *string {
	prefix, _, found := strings.Cut(hardwareID, "-")
	if !found || prefix == "" {
		return nil
	}
	owner, err := r.deps.Devices.OwnerByCode(ctx, prefix)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			r.logger.Warn().Err(err).Str("owner_code", prefix).Msg("Owner suggestion lookup failed")
		}
		return nil
	}
	return &owner.ID
}

// RecordFailure writes a best-effort error row for a message whose handling
// failed, so the failure stays visible in the raw store.
func (r *Router) RecordFailure(ctx context.Context, msg types.InMessage, cause error) {
	body, err := json.Marshal(map[string]any{
		"error":      cause.Error(),
		"rawMessage": string(msg.Payload),
	})
	if err != nil {
		r.logger.Error().Err(err).Msg("Cannot encode failure row")
		return
	}
	receivedAt := msg.ReceivedAt
	if receivedAt.IsZero() {
		receivedAt = r.now()
	}
	row := &store.RawMessage{
		Label:      string(classify.LabelError),
		Topic:      msg.Topic,
		Payload:    datatypes.JSON(body),
		ReceivedAt: receivedAt,
		Notes:      FailureNote,
	}
	if err := r.deps.Raw.Append(ctx, row); err != nil {
		r.logger.Error().Err(err).Str("topic", msg.Topic).Msg("Failed to store failure row")
	}
}

type configResponse struct {
	Status   string         `json:"status"`
	DeviceID string         `json:"device_id"`
	Configs  []DeviceConfig `json:"configs,omitempty"`
	Reason   string         `json:"reason,omitempty"`
}

// replyConfig always publishes: either the configs or an explicit no_config.
func (r *Router) replyConfig(ctx context.Context, topic, deviceID string) error {
	resp := configResponse{Status: "ok", DeviceID: deviceID}
	if r.deps.Configs == nil {
		resp = configResponse{Status: "no_config", DeviceID: deviceID, Reason: "configuration source unavailable"}
	} else {
		configs, err := r.deps.Configs.DeviceConfigs(ctx, deviceID)
		var noConfig *ErrNoConfig
		switch {
		case errors.As(err, &noConfig):
			resp = configResponse{Status: "no_config", DeviceID: deviceID, Reason: noConfig.Reason}
		case err != nil:
			r.logger.Error().Err(err).Str("device_id", deviceID).Msg("Config lookup failed")
			resp = configResponse{Status: "no_config", DeviceID: deviceID, Reason: "configuration lookup failed"}
		default:
			resp.Configs = configs
		}
	}
	body, err := json.Marshal(resp)
	if err != nil {
		return err
	}
	replyTopic := r.deps.Topics.ConfigResponseTopic(topic)
	r.logger.Info().Str("device_id", deviceID).Str("status", resp.Status).Str("reply_topic", replyTopic).Msg("Answering config request")
	return r.publish(ctx, replyTopic, body)
}

type serverTime struct {
	Unix   int64  `json:"unix"`
	UnixMS int64  `json:"unix_ms"`
	ISO    string `json:"iso"`
	Local  string `json:"local"`
}

type timeResponse struct {
	Status     string        `json:"status"`
	ServerTime serverTime    `json:"server_time"`
	Echo       payload.Value `json:"echo"`
}

func (r *Router) replyTime(ctx context.Context, raw []byte) error {
	now := r.now()
	echo, _ := payload.DecodeOrWrap(raw)
	body, err := json.Marshal(timeResponse{
		Status: "ok",
		ServerTime: serverTime{
			Unix:   now.Unix(),
			UnixMS: now.UnixMilli(),
			ISO:    now.UTC().Format(time.RFC3339Nano),
			Local:  now.In(r.deps.Location).Format(time.RFC1123),
		},
		Echo: echo,
	})
	if err != nil {
		return err
	}
	return r.publish(ctx, r.deps.Topics.TimeProbeResponseTopic(), body)
}

func (r *Router) publish(ctx context.Context, topic string, body []byte) error {
	if r.deps.Publisher == nil {
		return errors.New("no publisher configured for replies")
	}
	return r.deps.Publisher.Publish(ctx, topic, body)
}
