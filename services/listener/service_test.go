package listener

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/illmade-knight/iot-gateway/pkg/types"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockRouter struct {
	mu       sync.Mutex
	handled  []types.InMessage
	failures []error
	handleFn func(msg types.InMessage) (RouteResult, error)
	done     chan struct{}
}

func newMockRouter(buffer int) *mockRouter {
	return &mockRouter{done: make(chan struct{}, buffer)}
}

func (m *mockRouter) Handle(_ context.Context, msg types.InMessage) (RouteResult, error) {
	m.mu.Lock()
	m.handled = append(m.handled, msg)
	fn := m.handleFn
	m.mu.Unlock()
	defer func() { m.done <- struct{}{} }()
	if fn != nil {
		return fn(msg)
	}
	return RouteResult{Outcome: OutcomeStored}, nil
}

func (m *mockRouter) RecordFailure(_ context.Context, _ types.InMessage, cause error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures = append(m.failures, cause)
}

func (m *mockRouter) Failures() []error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]error(nil), m.failures...)
}

func waitDone(t *testing.T, ch <-chan struct{}, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		select {
		case <-ch:
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for message %d", i+1)
		}
	}
}

type mockTransport struct {
	mockPublisher
	connectErr error
	topics     []string
	handler    MessageHandler
	errs       chan error
	disconnect int
}

func (m *mockTransport) Connect(_ context.Context, topics []string, handler MessageHandler) error {
	m.topics = topics
	m.handler = handler
	return m.connectErr
}

func (m *mockTransport) Errors() <-chan error { return m.errs }
func (m *mockTransport) Disconnect()          { m.disconnect++ }

func TestService_ProcessesMessages(t *testing.T) {
	router := newMockRouter(10)
	transport := &mockTransport{errs: make(chan error, 1)}
	svc := NewService(transport, router, TopicConfig{}, ServiceConfig{NumProcessingWorkers: 2}, zerolog.Nop())
	require.NoError(t, svc.Start(context.Background()))
	assert.Equal(t, TopicConfig{}.Subscriptions(), transport.topics)

	transport.handler(types.InMessage{Topic: "sensor/a/telemetry"})
	transport.handler(types.InMessage{Topic: "sensor/b/telemetry"})
	waitDone(t, router.done, 2)

	svc.Stop()
	assert.Equal(t, 1, transport.disconnect)
	assert.Len(t, router.handled, 2)
	assert.Empty(t, router.Failures())
	_, open := <-svc.ErrorChan
	assert.False(t, open)
}

func TestService_ErrorsAndPanicsRecorded(t *testing.T) {
	router := newMockRouter(10)
	router.handleFn = func(msg types.InMessage) (RouteResult, error) {
		if msg.Topic == "panic" {
			panic("bad payload")
		}
		return RouteResult{}, errors.New("storage down")
	}
	svc := NewService(nil, router, TopicConfig{}, ServiceConfig{NumProcessingWorkers: 1}, zerolog.Nop())
	require.NoError(t, svc.Start(context.Background()))

	svc.Enqueue(types.InMessage{Topic: "panic"})
	svc.Enqueue(types.InMessage{Topic: "err"})
	waitDone(t, router.done, 2)
	svc.Stop()

	failures := router.Failures()
	require.Len(t, failures, 2)
	assert.Contains(t, failures[0].Error(), "bad payload")
	assert.EqualError(t, failures[1], "storage down")
}

func TestService_ConnectFailure(t *testing.T) {
	transport := &mockTransport{connectErr: ErrMaxReconnects, errs: make(chan error)}
	svc := NewService(transport, newMockRouter(1), TopicConfig{}, ServiceConfig{}, zerolog.Nop())
	err := svc.Start(context.Background())
	assert.ErrorIs(t, err, ErrMaxReconnects)
}

func TestService_TransportFatalErrorForwarded(t *testing.T) {
	transport := &mockTransport{errs: make(chan error, 1)}
	svc := NewService(transport, newMockRouter(1), TopicConfig{}, ServiceConfig{}, zerolog.Nop())
	require.NoError(t, svc.Start(context.Background()))

	transport.errs <- ErrMaxReconnects
	select {
	case err := <-svc.ErrorChan:
		assert.ErrorIs(t, err, ErrMaxReconnects)
	case <-time.After(2 * time.Second):
		t.Fatal("fatal transport error was not forwarded")
	}
	svc.Stop()
}

func TestService_EnqueueDropsWhenFull(t *testing.T) {
	svc := NewService(nil, newMockRouter(1), TopicConfig{}, ServiceConfig{InputChanCapacity: 1}, zerolog.Nop())
	svc.Enqueue(types.InMessage{Topic: "a"})
	svc.Enqueue(types.InMessage{Topic: "b"})
	assert.Len(t, svc.MessagesChan, 1)
}
