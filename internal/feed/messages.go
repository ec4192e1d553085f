package feed

import (
	"strconv"
	"strings"

	jsoniter "github.com/json-iterator/go"

	"github.com/amirphl/poly-trader/internal/book"
	"github.com/amirphl/poly-trader/internal/order"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Wire-level frames. The venue encodes every number as a string.
type wireLevel struct {
	Price string `json:"price"`
	Size  string `json:"size"`
}

type wireBook struct {
	EventType string      `json:"event_type"`
	AssetID   string      `json:"asset_id"`
	Market    string      `json:"market"`
	Timestamp string      `json:"timestamp"`
	Bids      []wireLevel `json:"bids"`
	Asks      []wireLevel `json:"asks"`
	// Older frames use buys/sells instead of bids/asks.
	Buys  []wireLevel `json:"buys"`
	Sells []wireLevel `json:"sells"`
}

type wirePriceChange struct {
	AssetID string `json:"asset_id"`
	Side    string `json:"side"`
	Price   string `json:"price"`
	Size    string `json:"size"`
}

type wirePriceChangeMsg struct {
	EventType    string            `json:"event_type"`
	Market       string            `json:"market"`
	PriceChanges []wirePriceChange `json:"price_changes"`
}

type wireTickSizeChange struct {
	EventType   string `json:"event_type"`
	AssetID     string `json:"asset_id"`
	Market      string `json:"market"`
	OldTickSize string `json:"old_tick_size"`
	NewTickSize string `json:"new_tick_size"`
	Timestamp   string `json:"timestamp"`
}

type wireLastTrade struct {
	EventType string `json:"event_type"`
	AssetID   string `json:"asset_id"`
	MarketID  string `json:"market_id"`
	Side      string `json:"side"`
	Price     string `json:"price"`
	Size      string `json:"size"`
	Timestamp string `json:"timestamp"`
}

type wireMakerOrder struct {
	OrderID       string `json:"order_id"`
	Owner         string `json:"owner"`
	AssetID       string `json:"asset_id"`
	Outcome       string `json:"outcome"`
	Side          string `json:"side"`
	Price         string `json:"price"`
	MatchedAmount string `json:"matched_amount"`
}

type wireUserEvent struct {
	EventType    string           `json:"event_type"`
	Type         string           `json:"type"`
	ID           string           `json:"id"`
	AssetID      string           `json:"asset_id"`
	Market       string           `json:"market"`
	Outcome      string           `json:"outcome"`
	Side         string           `json:"side"`
	Price        string           `json:"price"`
	Size         string           `json:"size"`
	OriginalSize string           `json:"original_size"`
	Expiration   string           `json:"expiration"`
	Timestamp    string           `json:"timestamp"`
	Owner        string           `json:"owner"`
	TradeOwner   string           `json:"trade_owner"`
	Status       string           `json:"status"`
	TakerOrderID string           `json:"taker_order_id"`
	MakerOrders  []wireMakerOrder `json:"maker_orders"`
}

// BookSnapshot is a decoded full-book frame.
type BookSnapshot struct {
	AssetID string
	Bids    []book.PriceLevel
	Asks    []book.PriceLevel
}

// TickSizeChange is a decoded tick_size_change frame.
type TickSizeChange struct {
	AssetID string
	NewTick float64
}

// LastTrade is a decoded last_trade_price frame.
type LastTrade struct {
	AssetID   string
	Side      order.Side
	Price     float64
	Size      float64
	Timestamp int64
}

// OrderEventKind distinguishes lifecycle transitions on the user feed.
type OrderEventKind string

const (
	OrderPlacement    OrderEventKind = "PLACEMENT"
	OrderCancellation OrderEventKind = "CANCELLATION"
	OrderUpdate       OrderEventKind = "UPDATE"
)

// OrderEvent is a decoded order lifecycle frame from the user feed.
type OrderEvent struct {
	Kind  OrderEventKind
	Order order.OpenOrderRecord
}

// TradeFill is one locally-owned execution extracted from a trade frame.
// A single trade frame can produce zero, one or many fills depending on
// which of its maker/taker orders belong to this account.
type TradeFill struct {
	TradeID     string
	TradeStatus string
	Order       order.OpenOrderRecord
	Taker       bool
}

func parseFloat(raw string) float64 {
	if raw == "" {
		return 0
	}
	v, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
	if err != nil {
		return 0
	}
	return v
}

func parseInt(raw string) int64 {
	if raw == "" {
		return 0
	}
	v, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
	if err != nil {
		return 0
	}
	return int64(v)
}

func decodeLevels(levels []wireLevel) []book.PriceLevel {
	out := make([]book.PriceLevel, 0, len(levels))
	for _, lvl := range levels {
		out = append(out, book.PriceLevel{Price: parseFloat(lvl.Price), Size: parseFloat(lvl.Size)})
	}
	return out
}

func decodeBookSnapshot(msg wireBook) BookSnapshot {
	bids := msg.Bids
	if len(bids) == 0 {
		bids = msg.Buys
	}
	asks := msg.Asks
	if len(asks) == 0 {
		asks = msg.Sells
	}
	return BookSnapshot{
		AssetID: msg.AssetID,
		Bids:    decodeLevels(bids),
		Asks:    decodeLevels(asks),
	}
}

func decodeDeltas(msg wirePriceChangeMsg) []book.Delta {
	out := make([]book.Delta, 0, len(msg.PriceChanges))
	for _, ch := range msg.PriceChanges {
		side, ok := order.ParseSide(ch.Side)
		if !ok || ch.AssetID == "" {
			continue
		}
		out = append(out, book.Delta{
			AssetID: ch.AssetID,
			Side:    side,
			Price:   parseFloat(ch.Price),
			Size:    parseFloat(ch.Size),
		})
	}
	return out
}

func decodeLastTrade(msg wireLastTrade) (LastTrade, bool) {
	assetID := msg.AssetID
	if assetID == "" {
		assetID = msg.MarketID
	}
	if assetID == "" {
		return LastTrade{}, false
	}
	side, ok := order.ParseSide(msg.Side)
	if !ok {
		side = order.SideBuy
	}
	return LastTrade{
		AssetID:   assetID,
		Side:      side,
		Price:     parseFloat(msg.Price),
		Size:      parseFloat(msg.Size),
		Timestamp: parseInt(msg.Timestamp),
	}, true
}

func decodeOrderRecord(ev wireUserEvent) (order.OpenOrderRecord, bool) {
	if ev.ID == "" {
		return order.OpenOrderRecord{}, false
	}
	side, ok := order.ParseSide(ev.Side)
	if !ok {
		return order.OpenOrderRecord{}, false
	}
	return order.OpenOrderRecord{
		OrderID:    ev.ID,
		AssetID:    ev.AssetID,
		Market:     ev.Market,
		Outcome:    ev.Outcome,
		Side:       side,
		Price:      parseFloat(ev.Price),
		Size:       parseFloat(ev.OriginalSize),
		Expiration: parseInt(ev.Expiration),
		Timestamp:  parseInt(ev.Timestamp),
		Owner:      ev.Owner,
	}, true
}

// decodeTradeFills extracts the locally-owned fills from a trade frame.
// When the taker order belongs to apiKey the whole trade is one taker fill;
// otherwise each maker order owned by apiKey becomes a maker fill.
func decodeTradeFills(ev wireUserEvent, apiKey string) []TradeFill {
	if len(ev.MakerOrders) == 0 {
		return nil
	}
	tradeOwner := ev.TradeOwner
	if tradeOwner == "" {
		tradeOwner = ev.Owner
	}
	side, sideOK := order.ParseSide(ev.Side)

	if apiKey != "" && ev.TakerOrderID != "" && tradeOwner == apiKey {
		if !sideOK {
			return nil
		}
		return []TradeFill{{
			TradeID:     ev.ID,
			TradeStatus: ev.Status,
			Taker:       true,
			Order: order.OpenOrderRecord{
				OrderID:   ev.TakerOrderID,
				AssetID:   ev.AssetID,
				Market:    ev.Market,
				Outcome:   ev.Outcome,
				Side:      side,
				Price:     parseFloat(ev.Price),
				Size:      parseFloat(ev.Size),
				Timestamp: parseInt(ev.Timestamp),
				Owner:     tradeOwner,
			},
		}}
	}

	var fills []TradeFill
	for _, maker := range ev.MakerOrders {
		if apiKey != "" && maker.Owner != apiKey {
			continue
		}
		if maker.OrderID == "" {
			continue
		}
		makerSide, ok := order.ParseSide(maker.Side)
		if !ok {
			if !sideOK {
				continue
			}
			makerSide = side
		}
		assetID := maker.AssetID
		if assetID == "" {
			assetID = ev.AssetID
		}
		outcome := maker.Outcome
		if outcome == "" {
			outcome = ev.Outcome
		}
		fills = append(fills, TradeFill{
			TradeID:     ev.ID,
			TradeStatus: ev.Status,
			Order: order.OpenOrderRecord{
				OrderID:   maker.OrderID,
				AssetID:   assetID,
				Market:    ev.Market,
				Outcome:   outcome,
				Side:      makerSide,
				Price:     parseFloat(maker.Price),
				Size:      parseFloat(maker.MatchedAmount),
				Timestamp: parseInt(ev.Timestamp),
				Owner:     maker.Owner,
			},
		})
	}
	return fills
}
