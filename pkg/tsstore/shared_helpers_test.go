package tsstore

import (
	"context"
	"sync"
)

// MockDataBatchInserter records every batch it receives.
type MockDataBatchInserter[T any] struct {
	mu            sync.Mutex
	callCount     int
	closeCount    int
	receivedItems [][]*T
	InsertBatchFn func(ctx context.Context, items []*T) error
}

func (m *MockDataBatchInserter[T]) InsertBatch(ctx context.Context, items []*T) error {
	m.mu.Lock()
	m.callCount++
	batch := make([]*T, len(items))
	copy(batch, items)
	m.receivedItems = append(m.receivedItems, batch)
	fn := m.InsertBatchFn
	m.mu.Unlock()
	if fn != nil {
		return fn(ctx, items)
	}
	return nil
}

func (m *MockDataBatchInserter[T]) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closeCount++
	return nil
}

func (m *MockDataBatchInserter[T]) GetCallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.callCount
}

func (m *MockDataBatchInserter[T]) GetReceivedItems() [][]*T {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([][]*T, len(m.receivedItems))
	copy(out, m.receivedItems)
	return out
}

func (m *MockDataBatchInserter[T]) GetCloseCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closeCount
}
