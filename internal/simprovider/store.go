package simprovider

import (
	"context"
	"fmt"
	"sync"

	"github.com/banshee-data/worldlock/internal/anchordb"
)

// NativeStore persists native anchors between sessions. *anchordb.DB
// implements it.
type NativeStore interface {
	PutNative(ctx context.Context, r anchordb.NativeRecord) error
	GetNative(ctx context.Context, id int64) (anchordb.NativeRecord, error)
}

var _ NativeStore = (*anchordb.DB)(nil)

// MemoryStore is a NativeStore that lives for the process only.
type MemoryStore struct {
	mu   sync.Mutex
	recs map[int64]anchordb.NativeRecord
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{recs: make(map[int64]anchordb.NativeRecord)}
}

func (m *MemoryStore) PutNative(ctx context.Context, r anchordb.NativeRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.recs[r.AnchorID] = r
	return nil
}

func (m *MemoryStore) GetNative(ctx context.Context, id int64) (anchordb.NativeRecord, error) {
	if err := ctx.Err(); err != nil {
		return anchordb.NativeRecord{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.recs[id]
	if !ok {
		return anchordb.NativeRecord{}, fmt.Errorf("native anchor %d: %w", id, anchordb.ErrNotFound)
	}
	return r, nil
}
