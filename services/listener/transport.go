package listener

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/illmade-knight/iot-gateway/pkg/types"
	"github.com/rs/zerolog"
)

// ErrMaxReconnects is reported when a transport gives up reconnecting.
var ErrMaxReconnects = errors.New("transport: reconnect attempts exhausted")

// MessageHandler receives every message from the subscribed topics. It must
// not block.
type MessageHandler func(msg types.InMessage)

// Publisher publishes replies to devices.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload []byte) error
}

// Transport is a publish/subscribe connection. Subscriptions passed to Connect
// are restored after every reconnect. A fatal loss of the connection is
// reported on Errors.
type Transport interface {
	Publisher
	Connect(ctx context.Context, topics []string, handler MessageHandler) error
	Errors() <-chan error
	Disconnect()
}

// ReconnectConfig bounds the exponential backoff used by transports.
type ReconnectConfig struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	MaxAttempts     uint
}

func (c ReconnectConfig) newBackOff() *backoff.ExponentialBackOff {
	bo := backoff.NewExponentialBackOff()
	if c.InitialInterval > 0 {
		bo.InitialInterval = c.InitialInterval
	}
	if c.MaxInterval > 0 {
		bo.MaxInterval = c.MaxInterval
	}
	return bo
}

func (c ReconnectConfig) maxAttempts() uint {
	if c.MaxAttempts == 0 {
		return 10
	}
	return c.MaxAttempts
}

// retryConnect runs connect with exponential backoff until it succeeds, the
// context ends, or the attempt budget is spent.
func retryConnect(ctx context.Context, cfg ReconnectConfig, logger zerolog.Logger, connect func() error) error {
	op := func() (struct{}, error) {
		return struct{}{}, connect()
	}
	notify := func(err error, wait time.Duration) {
		logger.Warn().Err(err).Dur("retry_in", wait).Msg("Connect attempt failed")
	}
	_, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(cfg.newBackOff()),
		backoff.WithMaxTries(cfg.maxAttempts()),
		backoff.WithMaxElapsedTime(0),
		backoff.WithNotify(notify),
	)
	if err == nil {
		return nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	return errors.Join(ErrMaxReconnects, err)
}
