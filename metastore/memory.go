package metastore

import (
	"context"
	"sort"
	"sync"

	"github.com/sentrykey/envelope"
)

var _ envelope.Metastore = (*Memory)(nil)

// Memory is an in-memory envelope.Metastore backed by a nested map. It
// never persists anything past process lifetime and must not be used in
// production.
type Memory struct {
	mu        sync.RWMutex
	envelopes map[string]map[int64]*envelope.EnvelopeKeyRecord
}

// NewMemory returns an empty in-memory metastore.
func NewMemory() *Memory {
	return &Memory{
		envelopes: make(map[string]map[int64]*envelope.EnvelopeKeyRecord),
	}
}

// Load implements envelope.Metastore.
func (m *Memory) Load(_ context.Context, id string, created int64) (*envelope.EnvelopeKeyRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if rec, ok := m.envelopes[id][created]; ok {
		return rec, nil
	}

	return nil, nil
}

// LoadLatest implements envelope.Metastore.
func (m *Memory) LoadLatest(_ context.Context, id string) (*envelope.EnvelopeKeyRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	byCreated, ok := m.envelopes[id]
	if !ok || len(byCreated) == 0 {
		return nil, nil
	}

	created := make([]int64, 0, len(byCreated))
	for c := range byCreated {
		created = append(created, c)
	}

	sort.Slice(created, func(i, j int) bool { return created[i] < created[j] })

	return byCreated[created[len(created)-1]], nil
}

// Store implements envelope.Metastore.
func (m *Memory) Store(_ context.Context, id string, created int64, rec *envelope.EnvelopeKeyRecord) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.envelopes[id][created]; ok {
		return false, nil
	}

	if m.envelopes[id] == nil {
		m.envelopes[id] = make(map[int64]*envelope.EnvelopeKeyRecord)
	}

	m.envelopes[id][created] = rec

	return true, nil
}
