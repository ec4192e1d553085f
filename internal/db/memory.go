package db

import (
	"context"
	"database/sql"
	"sort"
	"sync"
	"time"

	"github.com/amirphl/poly-trader/internal/journal"
)

// MemoryStorage is an in-memory Storage for tests and dry runs.
type MemoryStorage struct {
	mu     sync.RWMutex
	events []journal.Event
	fills  map[string]Fill
}

func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		fills: make(map[string]Fill),
	}
}

func (m *MemoryStorage) GetDB() *sql.DB { return nil }

func (m *MemoryStorage) LogEvent(_ context.Context, event journal.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	event.Time = event.Time.UTC()
	m.events = append(m.events, event)
	return nil
}

func (m *MemoryStorage) GetEvents(_ context.Context, eventType string, start, end time.Time) ([]journal.Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	start = start.UTC()
	end = end.UTC()
	var out []journal.Event
	for _, e := range m.events {
		if e.Type != eventType {
			continue
		}
		if !e.Time.Before(start) && !e.Time.After(end) {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Time.Before(out[j].Time) })
	return out, nil
}

func (m *MemoryStorage) DeleteEvents(_ context.Context, eventType string, before time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	before = before.UTC()
	kept := m.events[:0]
	for _, e := range m.events {
		if e.Type == eventType && e.Time.Before(before) {
			continue
		}
		kept = append(kept, e)
	}
	m.events = kept
	return nil
}

func fillKey(tradeID, orderID string) string {
	return tradeID + "|" + orderID
}

func (m *MemoryStorage) SaveFill(_ context.Context, fill Fill) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	fill.Time = fill.Time.UTC()
	m.fills[fillKey(fill.TradeID, fill.OrderID)] = fill
	return nil
}

func (m *MemoryStorage) GetFills(_ context.Context, assetID string, start, end time.Time) ([]Fill, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	start = start.UTC()
	end = end.UTC()
	var out []Fill
	for _, f := range m.fills {
		if f.AssetID != assetID {
			continue
		}
		if !f.Time.Before(start) && !f.Time.After(end) {
			out = append(out, f)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Time.Before(out[j].Time) })
	return out, nil
}
