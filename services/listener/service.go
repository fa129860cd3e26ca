package listener

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/illmade-knight/iot-gateway/pkg/types"
	"github.com/rs/zerolog"
)

// ServiceConfig sizes the listener's buffer and worker pool.
type ServiceConfig struct {
	InputChanCapacity    int
	NumProcessingWorkers int
	// HandleTimeout bounds the handling of one message.
	HandleTimeout time.Duration
}

func DefaultServiceConfig() ServiceConfig {
	return ServiceConfig{
		InputChanCapacity:    1000,
		NumProcessingWorkers: 5,
		HandleTimeout:        30 * time.Second,
	}
}

// MessageRouter handles one message; Router implements it.
type MessageRouter interface {
	Handle(ctx context.Context, msg types.InMessage) (RouteResult, error)
	RecordFailure(ctx context.Context, msg types.InMessage, cause error)
}

// Service connects a transport to a router through a buffered channel and a
// pool of workers. The transport callback never blocks: when the buffer is
// full the message is dropped and logged.
type Service struct {
	transport Transport
	router    MessageRouter
	topics    TopicConfig
	config    ServiceConfig
	logger    zerolog.Logger

	MessagesChan chan types.InMessage
	ErrorChan    chan error

	cancelCtx          context.Context
	cancelFunc         context.CancelFunc
	wg                 sync.WaitGroup
	closeErrorChanOnce sync.Once
}

func NewService(transport Transport, router MessageRouter, topics TopicConfig, cfg ServiceConfig, logger zerolog.Logger) *Service {
	def := DefaultServiceConfig()
	if cfg.InputChanCapacity <= 0 {
		cfg.InputChanCapacity = def.InputChanCapacity
	}
	if cfg.NumProcessingWorkers <= 0 {
		cfg.NumProcessingWorkers = def.NumProcessingWorkers
	}
	if cfg.HandleTimeout <= 0 {
		cfg.HandleTimeout = def.HandleTimeout
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Service{
		transport:    transport,
		router:       router,
		topics:       topics,
		config:       cfg,
		logger:       logger.With().Str("component", "Listener").Logger(),
		MessagesChan: make(chan types.InMessage, cfg.InputChanCapacity),
		ErrorChan:    make(chan error, cfg.InputChanCapacity),
		cancelCtx:    ctx,
		cancelFunc:   cancel,
	}
}

// Enqueue is the transport callback.
func (s *Service) Enqueue(msg types.InMessage) {
	select {
	case s.MessagesChan <- msg:
	case <-s.cancelCtx.Done():
		s.logger.Warn().Str("topic", msg.Topic).Msg("Shutdown signaled, message dropped")
	default:
		s.logger.Error().Str("topic", msg.Topic).Msg("MessagesChan is full. Message dropped. " +
			"Consider increasing capacity or worker count.")
	}
}

// Start launches the workers, then connects the transport. A nil transport
// runs the workers only, which is how tests feed messages.
func (s *Service) Start(ctx context.Context) error {
	s.logger.Info().Int("workers", s.config.NumProcessingWorkers).Msg("Starting listener...")
	for i := 0; i < s.config.NumProcessingWorkers; i++ {
		s.wg.Add(1)
		go s.worker(i)
	}
	if s.transport == nil {
		return nil
	}
	if err := s.transport.Connect(ctx, s.topics.Subscriptions(), s.Enqueue); err != nil {
		s.logger.Error().Err(err).Msg("Transport connect failed")
		s.cancelFunc()
		s.wg.Wait()
		s.closeErrors()
		return fmt.Errorf("listener connect: %w", err)
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		select {
		case err := <-s.transport.Errors():
			s.logger.Error().Err(err).Msg("Transport failed permanently")
			s.sendError(err)
		case <-s.cancelCtx.Done():
		}
	}()
	s.logger.Info().Msg("Listener started.")
	return nil
}

func (s *Service) worker(workerID int) {
	defer s.wg.Done()
	for {
		select {
		case <-s.cancelCtx.Done():
			return
		case msg := <-s.MessagesChan:
			s.processSingleMessage(msg, workerID)
		}
	}
}

// processSingleMessage never lets a failure escape: panics and errors are
// logged and recorded as error rows.
func (s *Service) processSingleMessage(msg types.InMessage, workerID int) {
	ctx, cancel := context.WithTimeout(s.cancelCtx, s.config.HandleTimeout)
	defer cancel()
	logger := s.logger.With().Int("worker_id", workerID).Str("topic", msg.Topic).Logger()

	defer func() {
		if rec := recover(); rec != nil {
			err := fmt.Errorf("panic handling message: %v", rec)
			logger.Error().Err(err).Msg("Recovered from panic")
			s.router.RecordFailure(context.WithoutCancel(ctx), msg, err)
		}
	}()

	res, err := s.router.Handle(ctx, msg)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to handle message")
		s.router.RecordFailure(context.WithoutCancel(ctx), msg, err)
		return
	}
	logger.Debug().Str("outcome", string(res.Outcome)).Str("device_id", res.DeviceID).Msg("Message handled")
}

func (s *Service) sendError(err error) {
	select {
	case s.ErrorChan <- err:
	default:
		s.logger.Warn().Err(err).Msg("ErrorChan is full, dropping error")
	}
}

// Stop disconnects the transport, stops the workers and closes ErrorChan.
func (s *Service) Stop() {
	s.logger.Info().Msg("Stopping listener...")
	if s.transport != nil {
		s.transport.Disconnect()
	}
	s.cancelFunc()
	s.wg.Wait()
	s.closeErrors()
	s.logger.Info().Msg("Listener stopped.")
}

func (s *Service) closeErrors() {
	s.closeErrorChanOnce.Do(func() { close(s.ErrorChan) })
}
