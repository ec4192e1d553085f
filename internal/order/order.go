// Package order
package order

import (
	"context"
	"errors"
)

// Side of an order or fill.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// ParseSide normalizes a raw side string; ok is false for anything
// that is not BUY/SELL.
func ParseSide(raw string) (Side, bool) {
	switch raw {
	case "BUY", "buy", "Buy":
		return SideBuy, true
	case "SELL", "sell", "Sell":
		return SideSell, true
	default:
		return "", false
	}
}

// OpenOrderRecord is one resting order as tracked locally.
// Created on a placement event or the cold-start bootstrap fetch,
// mutated on update events, removed on cancellation or full fill.
type OpenOrderRecord struct {
	OrderID    string
	AssetID    string
	Market     string
	Outcome    string
	Side       Side
	Price      float64
	Size       float64
	Expiration int64
	Timestamp  int64
	Owner      string
}

// ErrOrderRejected is returned by a Submitter when the venue refuses
// an order (e.g. below minimum size). Rejections are logged at the
// call site and never auto-retried.
var ErrOrderRejected = errors.New("order rejected by venue")

// Submitter places limit orders on the venue.
// ttlSeconds == 0 means GTC; > 0 means GTD.
type Submitter interface {
	PlaceLimitOrder(ctx context.Context, assetID string, side Side, size, price float64, ttlSeconds int) (string, error)
}

// OpenOrderFetcher returns the full set of currently resting orders.
type OpenOrderFetcher interface {
	FetchOpenOrders(ctx context.Context) ([]OpenOrderRecord, error)
}

// PositionFetcher returns signed net position sizes per asset for an owner.
type PositionFetcher interface {
	FetchPositions(ctx context.Context, owner string) (map[string]float64, error)
}
