// Package store persists the list of provisioned cameras so the gateway can
// recreate them after a restart.
package store

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"camera-gateway-go/internal/models"
)

var ErrNotFound = errors.New("device record not found")

// Record is the persisted state of one camera
type Record struct {
	Identity  models.CameraIdentity `json:"identity"`
	CreatedAt time.Time             `json:"createdAt"`
}

// DeviceStore persists camera records keyed by camera id
type DeviceStore interface {
	Put(ctx context.Context, rec Record) error
	Get(ctx context.Context, cameraID string) (Record, error)
	Delete(ctx context.Context, cameraID string) error
	List(ctx context.Context) ([]Record, error)
}

// MemoryStore keeps records in process memory
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]Record
}

// NewMemoryStore creates an empty store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]Record)}
}

func (m *MemoryStore) Put(_ context.Context, rec Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records[rec.Identity.ID] = rec
	return nil
}

func (m *MemoryStore) Get(_ context.Context, cameraID string) (Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rec, ok := m.records[cameraID]
	if !ok {
		return Record{}, ErrNotFound
	}
	return rec, nil
}

func (m *MemoryStore) Delete(_ context.Context, cameraID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.records, cameraID)
	return nil
}

func (m *MemoryStore) List(_ context.Context) ([]Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]Record, 0, len(m.records))
	for _, rec := range m.records {
		out = append(out, rec)
	}
	sortRecords(out)
	return out, nil
}

func sortRecords(recs []Record) {
	sort.Slice(recs, func(i, j int) bool {
		return recs[i].Identity.ID < recs[j].Identity.ID
	})
}
