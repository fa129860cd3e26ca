package listener

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/illmade-knight/iot-gateway/pkg/types"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
)

// NATSConfig holds the NATS connection settings.
type NATSConfig struct {
	URL            string
	Name           string
	Username       string
	Password       string
	CACertFile     string
	ClientCertFile string
	ClientKeyFile  string
	ConnectTimeout time.Duration
	Reconnect      ReconnectConfig
}

// NATSTransport maps MQTT-style topics onto NATS subjects: "/" becomes ".",
// "+" becomes "*" and "#" becomes ">". Handlers see the topic form.
type NATSTransport struct {
	cfg    NATSConfig
	logger zerolog.Logger

	mu      sync.Mutex
	conn    *nats.Conn
	closing bool

	errs chan error
}

func NewNATSTransport(cfg NATSConfig, logger zerolog.Logger) *NATSTransport {
	if cfg.Name == "" {
		cfg.Name = "iot-gateway"
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 10 * time.Second
	}
	return &NATSTransport{
		cfg:    cfg,
		logger: logger.With().Str("component", "NATSTransport").Str("url", cfg.URL).Logger(),
		errs:   make(chan error, 1),
	}
}

func (t *NATSTransport) Errors() <-chan error { return t.errs }

// TopicToSubject converts a topic or topic filter to a NATS subject.
func TopicToSubject(topic string) string {
	parts := strings.Split(strings.Trim(topic, "/"), "/")
	for i, p := range parts {
		switch p {
		case "+":
			parts[i] = "*"
		case "#":
			parts[i] = ">"
		}
	}
	return strings.Join(parts, ".")
}

// SubjectToTopic is the inverse of TopicToSubject for concrete subjects.
func SubjectToTopic(subject string) string {
	return strings.ReplaceAll(subject, ".", "/")
}

func (t *NATSTransport) options() []nats.Option {
	reconnectWait := t.cfg.Reconnect.InitialInterval
	if reconnectWait <= 0 {
		reconnectWait = 2 * time.Second
	}
	opts := []nats.Option{
		nats.Name(t.cfg.Name),
		nats.Timeout(t.cfg.ConnectTimeout),
		nats.MaxReconnects(int(t.cfg.Reconnect.maxAttempts())),
		nats.CustomReconnectDelay(func(attempts int) time.Duration {
			bo := t.cfg.Reconnect.newBackOff()
			d := bo.InitialInterval
			for i := 1; i < attempts; i++ {
				d = time.Duration(float64(d) * bo.Multiplier)
				if d > bo.MaxInterval {
					return bo.MaxInterval
				}
			}
			if d < reconnectWait {
				d = reconnectWait
			}
			return d
		}),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			t.logger.Error().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			t.logger.Info().Str("server", nc.ConnectedUrl()).Msg("NATS reconnected")
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			t.mu.Lock()
			closing := t.closing
			t.mu.Unlock()
			if closing {
				return
			}
			t.logger.Error().Msg("NATS connection closed after exhausting reconnects")
			select {
			case t.errs <- ErrMaxReconnects:
			default:
			}
		}),
		nats.ErrorHandler(func(_ *nats.Conn, sub *nats.Subscription, err error) {
			ev := t.logger.Error().Err(err)
			if sub != nil {
				ev = ev.Str("subject", sub.Subject)
			}
			ev.Msg("NATS async error")
		}),
	}
	if t.cfg.Username != "" {
		opts = append(opts, nats.UserInfo(t.cfg.Username, t.cfg.Password))
	}
	if t.cfg.CACertFile != "" {
		opts = append(opts, nats.RootCAs(t.cfg.CACertFile))
	}
	if t.cfg.ClientCertFile != "" && t.cfg.ClientKeyFile != "" {
		opts = append(opts, nats.ClientCert(t.cfg.ClientCertFile, t.cfg.ClientKeyFile))
	}
	return opts
}

// Connect dials NATS with backoff and subscribes to the subjects of topics.
// NATS restores subscriptions itself after a reconnect.
func (t *NATSTransport) Connect(ctx context.Context, topics []string, handler MessageHandler) error {
	if t.cfg.URL == "" {
		return errors.New("nats: url is required")
	}
	var conn *nats.Conn
	err := retryConnect(ctx, t.cfg.Reconnect, t.logger, func() error {
		nc, err := nats.Connect(t.cfg.URL, t.options()...)
		if err != nil {
			return fmt.Errorf("failed to connect to NATS: %w", err)
		}
		conn = nc
		return nil
	})
	if err != nil {
		return err
	}

	cb := func(m *nats.Msg) {
		payload := make([]byte, len(m.Data))
		copy(payload, m.Data)
		handler(types.InMessage{
			Topic:      SubjectToTopic(m.Subject),
			Payload:    payload,
			ReceivedAt: time.Now().UTC(),
		})
	}
	for _, topic := range topics {
		subject := TopicToSubject(topic)
		if _, err := conn.Subscribe(subject, cb); err != nil {
			t.mu.Lock()
			t.closing = true
			t.mu.Unlock()
			conn.Close()
			return fmt.Errorf("subscribe %s: %w", subject, err)
		}
		t.logger.Info().Str("topic", topic).Str("subject", subject).Msg("Subscribed to NATS subject")
	}

	t.mu.Lock()
	t.conn = conn
	t.mu.Unlock()
	t.logger.Info().Str("server", conn.ConnectedUrl()).Msg("Connected to NATS")
	return nil
}

func (t *NATSTransport) Publish(_ context.Context, topic string, payload []byte) error {
	t.mu.Lock()
	conn := t.conn
	t.mu.Unlock()
	if conn == nil {
		return errors.New("nats: not connected")
	}
	if err := conn.Publish(TopicToSubject(topic), payload); err != nil {
		return fmt.Errorf("nats publish to %s: %w", topic, err)
	}
	return nil
}

func (t *NATSTransport) Disconnect() {
	t.mu.Lock()
	t.closing = true
	conn := t.conn
	t.mu.Unlock()
	if conn == nil {
		return
	}
	if err := conn.Drain(); err != nil {
		t.logger.Warn().Err(err).Msg("NATS drain failed, closing")
		conn.Close()
	}
}
