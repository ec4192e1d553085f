// Package feed maintains the websocket connections to the venue: a public
// market-data stream and an authenticated account stream. Both reconnect
// forever with a fixed delay and resubscribe from scratch on every new
// connection, so a dropped socket is never fatal.
package feed

import (
	"context"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	jsoniter "github.com/json-iterator/go"

	"github.com/amirphl/poly-trader/internal/book"
	"github.com/amirphl/poly-trader/internal/metrics"
)

// ConnectionState represents the state of a feed connection.
type ConnectionState int

const (
	Disconnected ConnectionState = iota
	Connecting
	Connected
	Reconnecting
)

const (
	reconnectDelay = 2 * time.Second
	pingInterval   = 30 * time.Second
	readTimeout    = 60 * time.Second
)

type marketSubscribe struct {
	AssetsIDs []string `json:"assets_ids"`
	Type      string   `json:"type"`
}

// MarketHandlers receives decoded market-feed events. Handlers are invoked
// from the receive goroutine and must not block.
type MarketHandlers struct {
	OnBook           func(BookSnapshot)
	OnPriceChange    func(book.Delta)
	OnTickSizeChange func(TickSizeChange)
	OnLastTrade      func(LastTrade)
}

// MarketFeed is a market-data websocket connection over a mutable asset set.
type MarketFeed struct {
	url      string
	handlers MarketHandlers

	mu     sync.Mutex
	assets []string
	conn   *websocket.Conn
	state  ConnectionState
	cancel context.CancelFunc
	closed bool
}

// NewMarketFeed creates a feed for the given endpoint and initial asset set.
func NewMarketFeed(url string, assets []string, handlers MarketHandlers) *MarketFeed {
	return &MarketFeed{
		url:      url,
		handlers: handlers,
		assets:   append([]string(nil), assets...),
		state:    Disconnected,
	}
}

// Start launches the connect/receive loop. Calling Start on a running or
// stopped feed is a no-op.
func (f *MarketFeed) Start(ctx context.Context) {
	f.mu.Lock()
	if f.closed || f.cancel != nil {
		f.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	f.cancel = cancel
	f.state = Connecting
	f.mu.Unlock()

	go f.run(ctx)
}

// Stop tears down the connection. Idempotent.
func (f *MarketFeed) Stop() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return
	}
	f.closed = true
	if f.cancel != nil {
		f.cancel()
	}
	if f.conn != nil {
		f.conn.Close()
	}
	f.state = Disconnected
	log.Printf("MarketFeed | Stopped")
}

// IsConnected reports whether the socket is currently established.
func (f *MarketFeed) IsConnected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state == Connected && f.conn != nil
}

// UpdateAssets replaces the tracked asset set. Without forceReconnect the
// new subscription is sent on the live socket; with it the socket is closed
// so the receive loop reconnects and resubscribes from scratch. Removing an
// asset always requires forceReconnect, since an in-place subscribe only
// adds assets on the venue side.
func (f *MarketFeed) UpdateAssets(assets []string, forceReconnect bool) {
	f.mu.Lock()
	f.assets = append([]string(nil), assets...)
	conn := f.conn
	msg := marketSubscribe{AssetsIDs: append([]string(nil), assets...), Type: "market"}
	f.mu.Unlock()

	if conn == nil {
		return
	}
	if forceReconnect {
		// The receive loop observes the closed socket and reconnects
		// with the updated asset set.
		conn.Close()
		return
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return
	}
	if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		log.Printf("MarketFeed | In-place subscribe failed: %v", err)
	}
}

func (f *MarketFeed) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		if err := f.connectAndStream(ctx); err != nil {
			f.mu.Lock()
			stopped := f.closed
			f.state = Reconnecting
			f.mu.Unlock()
			if stopped {
				return
			}
			metrics.FeedReconnects.WithLabelValues("market").Inc()
			log.Printf("MarketFeed | Disconnected, retrying in %v: %v", reconnectDelay, err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(reconnectDelay):
			}
			continue
		}
		return
	}
}

func (f *MarketFeed) connectAndStream(ctx context.Context) error {
	f.mu.Lock()
	f.state = Connecting
	f.mu.Unlock()

	c, _, err := websocket.DefaultDialer.DialContext(ctx, f.url, nil)
	if err != nil {
		return err
	}

	f.mu.Lock()
	f.conn = c
	f.state = Connected
	assets := append([]string(nil), f.assets...)
	f.mu.Unlock()

	defer func() {
		c.Close()
		f.mu.Lock()
		f.conn = nil
		f.state = Disconnected
		f.mu.Unlock()
	}()

	log.Printf("MarketFeed | Connected, subscribing to %d assets", len(assets))
	sub, err := json.Marshal(marketSubscribe{AssetsIDs: assets, Type: "market"})
	if err != nil {
		return err
	}
	if err := c.WriteMessage(websocket.TextMessage, sub); err != nil {
		return err
	}

	c.SetReadDeadline(time.Now().Add(readTimeout))
	c.SetPongHandler(func(string) error {
		c.SetReadDeadline(time.Now().Add(readTimeout))
		return nil
	})

	done := make(chan struct{})
	defer close(done)
	go func() {
		ticker := time.NewTicker(pingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				c.WriteMessage(websocket.PingMessage, nil)
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		_, raw, err := c.ReadMessage()
		if err != nil {
			return err
		}
		c.SetReadDeadline(time.Now().Add(readTimeout))
		f.dispatchFrame(raw)
	}
}

// dispatchFrame decodes one frame, which may be a single event or an array
// of events, and routes each by event_type. Undecodable frames are dropped.
func (f *MarketFeed) dispatchFrame(raw []byte) {
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "" {
		return
	}
	if trimmed[0] == '[' {
		var events []jsoniter.RawMessage
		if err := json.Unmarshal(raw, &events); err != nil {
			return
		}
		for _, ev := range events {
			f.dispatchEvent(ev)
		}
		return
	}
	f.dispatchEvent(raw)
}

func (f *MarketFeed) dispatchEvent(raw []byte) {
	var header struct {
		EventType string `json:"event_type"`
	}
	if err := json.Unmarshal(raw, &header); err != nil {
		return
	}

	switch header.EventType {
	case "book":
		var msg wireBook
		if err := json.Unmarshal(raw, &msg); err != nil || msg.AssetID == "" {
			return
		}
		metrics.FeedMessages.WithLabelValues("market", "book").Inc()
		if f.handlers.OnBook != nil {
			f.handlers.OnBook(decodeBookSnapshot(msg))
		}
	case "price_change":
		var msg wirePriceChangeMsg
		if err := json.Unmarshal(raw, &msg); err != nil {
			return
		}
		metrics.FeedMessages.WithLabelValues("market", "price_change").Inc()
		if f.handlers.OnPriceChange != nil {
			for _, delta := range decodeDeltas(msg) {
				f.handlers.OnPriceChange(delta)
			}
		}
	case "tick_size_change":
		var msg wireTickSizeChange
		if err := json.Unmarshal(raw, &msg); err != nil || msg.AssetID == "" {
			return
		}
		metrics.FeedMessages.WithLabelValues("market", "tick_size_change").Inc()
		if f.handlers.OnTickSizeChange != nil {
			f.handlers.OnTickSizeChange(TickSizeChange{
				AssetID: msg.AssetID,
				NewTick: parseFloat(msg.NewTickSize),
			})
		}
	case "last_trade_price":
		var msg wireLastTrade
		if err := json.Unmarshal(raw, &msg); err != nil {
			return
		}
		lt, ok := decodeLastTrade(msg)
		if !ok {
			return
		}
		metrics.FeedMessages.WithLabelValues("market", "last_trade_price").Inc()
		if f.handlers.OnLastTrade != nil {
			f.handlers.OnLastTrade(lt)
		}
	}
}
