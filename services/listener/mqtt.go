package listener

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/illmade-knight/iot-gateway/pkg/types"
	"github.com/rs/zerolog"
)

// MQTTConfig holds the broker connection settings.
type MQTTConfig struct {
	BrokerURL          string
	ClientIDPrefix     string
	Username           string
	Password           string
	KeepAlive          time.Duration
	ConnectTimeout     time.Duration
	CACertFile         string
	ClientCertFile     string
	ClientKeyFile      string
	InsecureSkipVerify bool
	Reconnect          ReconnectConfig
}

const mqttQoS = byte(1)

// MQTTTransport is a paho client with bounded reconnects. Paho's own
// auto-reconnect is off so the attempt budget is enforced here.
type MQTTTransport struct {
	cfg    MQTTConfig
	logger zerolog.Logger
	// newClient is replaced in tests.
	newClient func(*mqtt.ClientOptions) mqtt.Client

	mu      sync.Mutex
	client  mqtt.Client
	topics  []string
	handler MessageHandler

	errs       chan error
	ctx        context.Context
	cancel     context.CancelFunc
	reconnects sync.WaitGroup
	closeOnce  sync.Once
}

func NewMQTTTransport(cfg MQTTConfig, logger zerolog.Logger) *MQTTTransport {
	if cfg.ClientIDPrefix == "" {
		cfg.ClientIDPrefix = "iot-gateway-"
	}
	if cfg.KeepAlive <= 0 {
		cfg.KeepAlive = 60 * time.Second
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 10 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &MQTTTransport{
		cfg:       cfg,
		logger:    logger.With().Str("component", "MQTTTransport").Str("broker", cfg.BrokerURL).Logger(),
		newClient: mqtt.NewClient,
		errs:      make(chan error, 1),
		ctx:       ctx,
		cancel:    cancel,
	}
}

func (t *MQTTTransport) Errors() <-chan error { return t.errs }

// Connect dials the broker, retrying with backoff, and subscribes to topics.
func (t *MQTTTransport) Connect(ctx context.Context, topics []string, handler MessageHandler) error {
	t.mu.Lock()
	t.topics = append([]string(nil), topics...)
	t.handler = handler
	t.mu.Unlock()

	opts, err := t.clientOptions()
	if err != nil {
		return err
	}
	client := t.newClient(opts)
	t.mu.Lock()
	t.client = client
	t.mu.Unlock()

	t.logger.Info().Str("client_id", opts.ClientID).Msg("Paho MQTT client created. Attempting to connect...")
	return retryConnect(ctx, t.cfg.Reconnect, t.logger, func() error { return t.connectOnce(client) })
}

func (t *MQTTTransport) connectOnce(client mqtt.Client) error {
	token := client.Connect()
	if !token.WaitTimeout(t.cfg.ConnectTimeout) {
		return fmt.Errorf("mqtt connect timed out after %s", t.cfg.ConnectTimeout)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("paho MQTT client connect error: %w", err)
	}
	return nil
}

func (t *MQTTTransport) clientOptions() (*mqtt.ClientOptions, error) {
	if t.cfg.BrokerURL == "" {
		return nil, errors.New("mqtt: broker url is required")
	}
	opts := mqtt.NewClientOptions()
	opts.AddBroker(t.cfg.BrokerURL)
	uniqueSuffix := time.Now().UnixNano() % 1000000
	opts.SetClientID(fmt.Sprintf("%s%d", t.cfg.ClientIDPrefix, uniqueSuffix))
	opts.SetUsername(t.cfg.Username)
	opts.SetPassword(t.cfg.Password)
	opts.SetKeepAlive(t.cfg.KeepAlive)
	opts.SetConnectTimeout(t.cfg.ConnectTimeout)
	opts.SetAutoReconnect(false)
	opts.SetConnectRetry(false)
	opts.SetCleanSession(true)

	if usesTLS(t.cfg.BrokerURL) {
		tlsConfig, err := newTLSConfig(t.cfg, t.logger)
		if err != nil {
			return nil, fmt.Errorf("failed to create TLS config: %w", err)
		}
		opts.SetTLSConfig(tlsConfig)
		t.logger.Info().Msg("TLS configured for MQTT client.")
	}

	opts.SetDefaultPublishHandler(func(_ mqtt.Client, msg mqtt.Message) {
		t.logger.Warn().Str("topic", msg.Topic()).Msg("Received message on unexpected topic (default handler)")
	})
	opts.SetOnConnectHandler(t.onConnect)
	opts.SetConnectionLostHandler(t.onConnectionLost)
	return opts, nil
}

func usesTLS(broker string) bool {
	b := strings.ToLower(broker)
	return strings.HasPrefix(b, "tls://") || strings.HasPrefix(b, "ssl://") ||
		strings.HasPrefix(b, "mqtts://") || strings.HasSuffix(b, ":8883")
}

// onConnect (re)subscribes every topic; it runs after each successful connect.
func (t *MQTTTransport) onConnect(client mqtt.Client) {
	t.mu.Lock()
	topics := t.topics
	t.mu.Unlock()

	t.logger.Info().Msg("Paho client connected to MQTT broker")
	for _, topic := range topics {
		if token := client.Subscribe(topic, mqttQoS, t.onMessage); token.Wait() && token.Error() != nil {
			t.logger.Error().Err(token.Error()).Str("topic", topic).Msg("Failed to subscribe to MQTT topic")
			continue
		}
		t.logger.Info().Str("topic", topic).Msg("Subscribed to MQTT topic")
	}
}

func (t *MQTTTransport) onMessage(_ mqtt.Client, msg mqtt.Message) {
	t.mu.Lock()
	handler := t.handler
	t.mu.Unlock()
	if handler == nil {
		return
	}
	payload := make([]byte, len(msg.Payload()))
	copy(payload, msg.Payload())
	handler(types.InMessage{
		MessageID:  fmt.Sprintf("%d", msg.MessageID()),
		Topic:      msg.Topic(),
		Payload:    payload,
		ReceivedAt: time.Now().UTC(),
	})
}

func (t *MQTTTransport) onConnectionLost(client mqtt.Client, err error) {
	t.logger.Error().Err(err).Msg("Paho client lost MQTT connection")
	if t.ctx.Err() != nil {
		return
	}
	t.reconnects.Add(1)
	go func() {
		defer t.reconnects.Done()
		rerr := retryConnect(t.ctx, t.cfg.Reconnect, t.logger, func() error { return t.connectOnce(client) })
		switch {
		case rerr == nil:
			t.logger.Info().Msg("Reconnected to MQTT broker")
		case t.ctx.Err() != nil:
		default:
			t.logger.Error().Err(rerr).Msg("Giving up on MQTT broker")
			t.fail(rerr)
		}
	}()
}

func (t *MQTTTransport) fail(err error) {
	select {
	case t.errs <- err:
	default:
	}
}

// Publish sends a reply at QoS 1, not retained.
func (t *MQTTTransport) Publish(ctx context.Context, topic string, payload []byte) error {
	t.mu.Lock()
	client := t.client
	t.mu.Unlock()
	if client == nil || !client.IsConnected() {
		return errors.New("mqtt: not connected")
	}
	token := client.Publish(topic, mqttQoS, false, payload)
	select {
	case <-token.Done():
		if err := token.Error(); err != nil {
			return fmt.Errorf("mqtt publish to %s: %w", topic, err)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (t *MQTTTransport) Disconnect() {
	t.closeOnce.Do(func() {
		t.cancel()
		t.mu.Lock()
		client := t.client
		t.mu.Unlock()
		if client != nil && client.IsConnected() {
			t.logger.Info().Msg("Disconnecting Paho MQTT client...")
			client.Disconnect(250)
		}
		t.reconnects.Wait()
	})
}

// newTLSConfig creates a TLS configuration for the MQTT client.
func newTLSConfig(cfg MQTTConfig, logger zerolog.Logger) (*tls.Config, error) {
	tlsConfig := &tls.Config{
		InsecureSkipVerify: cfg.InsecureSkipVerify,
		MinVersion:         tls.VersionTLS12,
	}
	if cfg.CACertFile != "" {
		caCert, err := os.ReadFile(cfg.CACertFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read CA certificate file %s: %w", cfg.CACertFile, err)
		}
		caCertPool := x509.NewCertPool()
		if !caCertPool.AppendCertsFromPEM(caCert) {
			return nil, fmt.Errorf("failed to append CA certificate from %s to pool", cfg.CACertFile)
		}
		tlsConfig.RootCAs = caCertPool
		logger.Info().Str("ca_cert_file", cfg.CACertFile).Msg("CA certificate loaded")
	}
	if cfg.ClientCertFile != "" && cfg.ClientKeyFile != "" {
		cert, err := tls.LoadX509KeyPair(cfg.ClientCertFile, cfg.ClientKeyFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load client certificate/key pair: %w", err)
		}
		tlsConfig.Certificates = []tls.Certificate{cert}
		logger.Info().Str("client_cert_file", cfg.ClientCertFile).Msg("Client certificate and key loaded for mTLS")
	} else if cfg.ClientCertFile != "" || cfg.ClientKeyFile != "" {
		logger.Warn().Msg("Client certificate or key file provided without its pair; mTLS will not be configured.")
	}
	return tlsConfig, nil
}
