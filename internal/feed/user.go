package feed

import (
	"context"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	jsoniter "github.com/json-iterator/go"

	"github.com/amirphl/poly-trader/internal/metrics"
)

// Auth carries the API credentials for the account stream.
type Auth struct {
	APIKey     string `json:"apiKey"`
	Secret     string `json:"secret"`
	Passphrase string `json:"passphrase"`
}

type userSubscribe struct {
	Type    string   `json:"type"`
	Auth    Auth     `json:"auth"`
	Markets []string `json:"markets,omitempty"`
}

// UserHandlers receives decoded account events. OnTrade is called once per
// trade frame with every locally-owned fill extracted from it.
type UserHandlers struct {
	OnOrder func(OrderEvent)
	OnTrade func([]TradeFill)
}

// UserFeed is the authenticated account websocket connection. It carries
// order lifecycle events and trade executions for the credentialed account.
type UserFeed struct {
	url      string
	auth     Auth
	markets  []string
	handlers UserHandlers

	mu     sync.Mutex
	conn   *websocket.Conn
	state  ConnectionState
	cancel context.CancelFunc
	closed bool

	lastEventAt time.Time
}

// NewUserFeed creates an account feed. markets may be empty to receive
// events for every market the account touches.
func NewUserFeed(url string, auth Auth, markets []string, handlers UserHandlers) *UserFeed {
	return &UserFeed{
		url:      url,
		auth:     auth,
		markets:  append([]string(nil), markets...),
		handlers: handlers,
		state:    Disconnected,
	}
}

// Start launches the connect/receive loop. No-op when already running.
func (f *UserFeed) Start(ctx context.Context) {
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
func (f *UserFeed) Stop() {
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
	log.Printf("UserFeed | Stopped")
}

// IsConnected reports whether the socket is currently established.
func (f *UserFeed) IsConnected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state == Connected && f.conn != nil
}

// LastEventAt returns the arrival time of the most recent frame.
func (f *UserFeed) LastEventAt() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastEventAt
}

func (f *UserFeed) run(ctx context.Context) {
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
			metrics.FeedReconnects.WithLabelValues("user").Inc()
			log.Printf("UserFeed | Disconnected, retrying in %v: %v", reconnectDelay, err)
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

func (f *UserFeed) connectAndStream(ctx context.Context) error {
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
	f.mu.Unlock()

	defer func() {
		c.Close()
		f.mu.Lock()
		f.conn = nil
		f.state = Disconnected
		f.mu.Unlock()
	}()

	log.Printf("UserFeed | Connected, sending auth subscribe")
	sub, err := json.Marshal(userSubscribe{Type: "user", Auth: f.auth, Markets: f.markets})
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
		f.mu.Lock()
		f.lastEventAt = time.Now()
		f.mu.Unlock()
		f.dispatchFrame(raw)
	}
}

func (f *UserFeed) dispatchFrame(raw []byte) {
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

func (f *UserFeed) dispatchEvent(raw []byte) {
	var ev wireUserEvent
	if err := json.Unmarshal(raw, &ev); err != nil {
		return
	}

	switch ev.EventType {
	case "order":
		rec, ok := decodeOrderRecord(ev)
		if !ok {
			return
		}
		kind := OrderEventKind(strings.ToUpper(ev.Type))
		switch kind {
		case OrderPlacement, OrderCancellation, OrderUpdate:
		default:
			kind = OrderUpdate
		}
		metrics.FeedMessages.WithLabelValues("user", "order").Inc()
		if f.handlers.OnOrder != nil {
			f.handlers.OnOrder(OrderEvent{Kind: kind, Order: rec})
		}
	case "trade":
		fills := decodeTradeFills(ev, f.auth.APIKey)
		if len(fills) == 0 {
			return
		}
		metrics.FeedMessages.WithLabelValues("user", "trade").Inc()
		if f.handlers.OnTrade != nil {
			f.handlers.OnTrade(fills)
		}
	}
}
