package processor

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/illmade-knight/iot-gateway/pkg/store"
	"github.com/illmade-knight/iot-gateway/pkg/types"
)

// --- Mocks ---

type finalized struct {
	succeeded bool
	notes     string
}

type mockRaw struct {
	mu        sync.Mutex
	rows      []store.RawMessage
	claimFn   func() ([]store.RawMessage, error)
	finalized map[string]finalized
	claims    int
}

func newMockRaw(rows ...store.RawMessage) *mockRaw {
	return &mockRaw{rows: rows, finalized: map[string]finalized{}}
}

func (m *mockRaw) Claim(_ context.Context, label string, limit int, _ time.Duration) ([]store.RawMessage, error) {
	m.mu.Lock()
	m.claims++
	fn := m.claimFn
	m.mu.Unlock()
	if fn != nil {
		return fn()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []store.RawMessage
	for _, r := range m.rows {
		if _, done := m.finalized[r.ID]; done || r.Label != label {
			continue
		}
		out = append(out, r)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (m *mockRaw) Finalize(_ context.Context, id string, succeeded bool, notes string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, done := m.finalized[id]; done {
		return false, nil
	}
	m.finalized[id] = finalized{succeeded: succeeded, notes: notes}
	return true, nil
}

func (m *mockRaw) Get(id string) (finalized, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	f, ok := m.finalized[id]
	return f, ok
}

type mockRegistry struct {
	mu         sync.Mutex
	owners     map[string]*store.Owner
	nodes      map[string]*store.Node
	profiles   map[string]*store.NodeProfile
	projects   map[string]*store.Project
	sensors    map[string][]store.Sensor
	lastSeen   map[string]time.Time
	findCalls  int
	findNodeFn func(id string) (*store.Node, error)
	// honourCtx makes lookups fail on a done context, as the database does.
	honourCtx bool
}

func newMockRegistry() *mockRegistry {
	return &mockRegistry{
		owners:   map[string]*store.Owner{},
		nodes:    map[string]*store.Node{},
		profiles: map[string]*store.NodeProfile{},
		projects: map[string]*store.Project{},
		sensors:  map[string][]store.Sensor{},
		lastSeen: map[string]time.Time{},
	}
}

func (m *mockRegistry) OwnerByCode(ctx context.Context, code string) (*store.Owner, error) {
	if m.honourCtx && ctx.Err() != nil {
		return nil, ctx.Err()
	}
	if o, ok := m.owners[strings.ToUpper(code)]; ok {
		return o, nil
	}
	return nil, store.ErrNotFound
}

func (m *mockRegistry) FindNode(ctx context.Context, id string) (*store.Node, error) {
	if m.honourCtx && ctx.Err() != nil {
		return nil, ctx.Err()
	}
	m.mu.Lock()
	m.findCalls++
	m.mu.Unlock()
	if m.findNodeFn != nil {
		return m.findNodeFn(id)
	}
	if n, ok := m.nodes[id]; ok {
		return n, nil
	}
	return nil, store.ErrNotFound
}

func (m *mockRegistry) Profile(_ context.Context, id string) (*store.NodeProfile, error) {
	if p, ok := m.profiles[id]; ok {
		return p, nil
	}
	return nil, store.ErrNotFound
}

func (m *mockRegistry) ProjectWithOwner(_ context.Context, id string) (*store.Project, error) {
	if p, ok := m.projects[id]; ok {
		return p, nil
	}
	return nil, store.ErrNotFound
}

func (m *mockRegistry) SensorsForNode(_ context.Context, nodeID string) ([]store.Sensor, error) {
	return m.sensors[nodeID], nil
}

func (m *mockRegistry) TouchLastSeen(_ context.Context, nodeID string, seenAt time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if prev, ok := m.lastSeen[nodeID]; ok && !prev.Before(seenAt) {
		return false, nil
	}
	m.lastSeen[nodeID] = seenAt
	return true, nil
}

type mockSightings struct {
	mu        sync.Mutex
	sightings []store.Sighting
}

func (m *mockSightings) RegisterSighting(_ context.Context, s store.Sighting) (store.SightingResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sightings = append(m.sightings, s)
	return store.SightingResult{Device: store.UnpairedDevice{HardwareID: s.HardwareID}, Created: len(m.sightings) == 1}, nil
}

type mockWriter struct {
	mu         sync.Mutex
	batchErr   error
	failMetric string
	batches    int
	written    []*types.Reading
}

func (m *mockWriter) InsertBatch(_ context.Context, readings []*types.Reading) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.batches++
	if m.batchErr != nil {
		return m.batchErr
	}
	m.written = append(m.written, readings...)
	return nil
}

func (m *mockWriter) Insert(_ context.Context, r *types.Reading) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r.MetricCode == m.failMetric {
		return errors.New("value out of range")
	}
	m.written = append(m.written, r)
	return nil
}

func (m *mockWriter) Written() []*types.Reading {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*types.Reading(nil), m.written...)
}

type mockMirror struct {
	mu      sync.Mutex
	offered []*types.Reading
}

func (m *mockMirror) Offer(r *types.Reading) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.offered = append(m.offered, r)
	return true
}
