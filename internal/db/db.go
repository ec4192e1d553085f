// Package db
package db

import (
	"context"
	"database/sql"
	"time"

	"github.com/amirphl/poly-trader/internal/journal"
)

// Fill is one locally-owned execution as persisted.
type Fill struct {
	TradeID string
	OrderID string
	AssetID string
	Side    string
	Price   float64
	Size    float64
	Role    string // maker or taker
	Status  string
	Time    time.Time
}

// Storage is the interface for all persistent storage.
type Storage interface {
	GetDB() *sql.DB

	LogEvent(ctx context.Context, event journal.Event) error
	GetEvents(ctx context.Context, eventType string, start, end time.Time) ([]journal.Event, error)
	DeleteEvents(ctx context.Context, eventType string, before time.Time) error

	SaveFill(ctx context.Context, fill Fill) error
	GetFills(ctx context.Context, assetID string, start, end time.Time) ([]Fill, error)
}

// JournalAdapter exposes a Storage as a journal.Journaler. Fill events
// additionally land in the fills table so executions stay queryable
// without unpacking event JSON.
type JournalAdapter struct {
	Storage Storage
}

func (a JournalAdapter) LogEvent(event journal.Event) error {
	ctx := context.Background()
	if event.Type == "fill" {
		if err := a.Storage.SaveFill(ctx, fillFromEvent(event)); err != nil {
			return err
		}
	}
	return a.Storage.LogEvent(ctx, event)
}

func (a JournalAdapter) GetEvents(eventType string, start, end time.Time) ([]journal.Event, error) {
	return a.Storage.GetEvents(context.Background(), eventType, start, end)
}

func fillFromEvent(event journal.Event) Fill {
	str := func(key string) string {
		if v, ok := event.Data[key].(string); ok {
			return v
		}
		return ""
	}
	num := func(key string) float64 {
		if v, ok := event.Data[key].(float64); ok {
			return v
		}
		return 0
	}
	return Fill{
		TradeID: str("trade_id"),
		OrderID: str("order_id"),
		AssetID: str("asset_id"),
		Side:    str("side"),
		Price:   num("price"),
		Size:    num("size"),
		Role:    str("role"),
		Status:  str("status"),
		Time:    event.Time,
	}
}
