package listener

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"cloud.google.com/go/pubsub"
	"github.com/illmade-knight/iot-gateway/pkg/store"
	"github.com/rs/zerolog"
	"google.golang.org/api/option"
)

// PubSubNotifierConfig holds configuration for the new-device publisher.
type PubSubNotifierConfig struct {
	ProjectID       string
	TopicID         string
	CredentialsFile string
}

// NewDeviceEvent is the notification body for a first sighting.
type NewDeviceEvent struct {
	Event            string          `json:"event"`
	HardwareID       string          `json:"hardwareId"`
	FirstSeenAt      time.Time       `json:"firstSeenAt"`
	Topic            string          `json:"topic,omitempty"`
	SuggestedOwnerID *string         `json:"suggestedOwnerId,omitempty"`
	LastPayload      json.RawMessage `json:"lastPayload,omitempty"`
}

// topicPublisher is the part of *pubsub.Topic used here.
type topicPublisher interface {
	Publish(ctx context.Context, msg *pubsub.Message) *pubsub.PublishResult
	Stop()
}

// PubSubNotifier publishes a NewDeviceEvent for every hardware id seen for
// the first time.
type PubSubNotifier struct {
	client *pubsub.Client
	topic  topicPublisher
	logger zerolog.Logger
}

// NewPubSubNotifier connects to Pub/Sub, honouring PUBSUB_EMULATOR_HOST, and
// checks the topic exists.
func NewPubSubNotifier(ctx context.Context, cfg PubSubNotifierConfig, logger zerolog.Logger) (*PubSubNotifier, error) {
	if cfg.ProjectID == "" || cfg.TopicID == "" {
		return nil, errors.New("pubsub: project id and topic id are required")
	}
	var opts []option.ClientOption
	if emulator := os.Getenv("PUBSUB_EMULATOR_HOST"); emulator != "" {
		logger.Info().Str("emulator_host", emulator).Msg("Using Pub/Sub emulator")
		opts = append(opts, option.WithEndpoint(emulator), option.WithoutAuthentication())
	} else if cfg.CredentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(cfg.CredentialsFile))
	}
	client, err := pubsub.NewClient(ctx, cfg.ProjectID, opts...)
	if err != nil {
		return nil, fmt.Errorf("pubsub.NewClient: %w", err)
	}
	topic := client.Topic(cfg.TopicID)
	exists, err := topic.Exists(ctx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("check topic %s: %w", cfg.TopicID, err)
	}
	if !exists {
		client.Close()
		return nil, fmt.Errorf("pubsub topic %s does not exist", cfg.TopicID)
	}
	logger.Info().Str("project_id", cfg.ProjectID).Str("topic_id", cfg.TopicID).Msg("New device notifier ready")
	return &PubSubNotifier{
		client: client,
		topic:  topic,
		logger: logger.With().Str("component", "PubSubNotifier").Logger(),
	}, nil
}

// NotifyNewDevice publishes and waits for the server to accept the message.
func (n *PubSubNotifier) NotifyNewDevice(ctx context.Context, device store.UnpairedDevice) error {
	data, err := json.Marshal(NewDeviceEvent{
		Event:            "unpaired_device_discovered",
		HardwareID:       device.HardwareID,
		FirstSeenAt:      device.FirstSeenAt,
		Topic:            device.LastTopic,
		SuggestedOwnerID: device.SuggestedOwnerID,
		LastPayload:      json.RawMessage(device.LastPayload),
	})
	if err != nil {
		return fmt.Errorf("json.Marshal(event): %w", err)
	}
	result := n.topic.Publish(ctx, &pubsub.Message{
		Data: data,
		Attributes: map[string]string{
			"event":       "unpaired_device_discovered",
			"hardware_id": device.HardwareID,
		},
	})
	id, err := result.Get(ctx)
	if err != nil {
		return fmt.Errorf("publish new device %s: %w", device.HardwareID, err)
	}
	n.logger.Info().Str("hardware_id", device.HardwareID).Str("message_id", id).Msg("Published new device notification")
	return nil
}

// Stop flushes pending messages and closes the client.
func (n *PubSubNotifier) Stop() {
	n.topic.Stop()
	if n.client != nil {
		if err := n.client.Close(); err != nil {
			n.logger.Error().Err(err).Msg("Error closing Pub/Sub client")
		}
	}
}
