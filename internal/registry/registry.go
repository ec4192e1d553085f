// Package registry owns the shared order books and the lifecycle of both
// venue websocket connections. Consumers subscribe to assets by refcount;
// the first subscriber starts the market feed, the last release stops it.
package registry

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/amirphl/poly-trader/internal/book"
	"github.com/amirphl/poly-trader/internal/feed"
	"github.com/amirphl/poly-trader/internal/journal"
	"github.com/amirphl/poly-trader/internal/metrics"
	"github.com/amirphl/poly-trader/internal/notifier"
	"github.com/amirphl/poly-trader/internal/order"
)

const positionsRefreshInterval = 60 * time.Second

// MarketConn is the slice of the market feed the registry drives.
type MarketConn interface {
	Start(ctx context.Context)
	Stop()
	UpdateAssets(assets []string, forceReconnect bool)
}

// UserConn is the slice of the account feed the registry drives.
type UserConn interface {
	Start(ctx context.Context)
	Stop()
}

// BookSnapshotFetcher serves REST order-book snapshots, used to prime a
// freshly subscribed book before the first streamed snapshot arrives.
type BookSnapshotFetcher interface {
	FetchBookSnapshot(ctx context.Context, assetID string) (bids, asks []book.PriceLevel, err error)
}

// AccountUpdateKind is the reconciled lifecycle state of an order after an
// account event has been applied.
type AccountUpdateKind string

const (
	AccountOpened  AccountUpdateKind = "opened"
	AccountClosed  AccountUpdateKind = "closed"
	AccountUpdated AccountUpdateKind = "update"
)

// AccountUpdate is the normalized form of one account event, fanned out to
// order consumers after the open-order index has been updated.
type AccountUpdate struct {
	Kind        AccountUpdateKind
	Event       string // PLACEMENT, CANCELLATION, UPDATE or TRADE
	Order       order.OpenOrderRecord
	TradeID     string
	TradeStatus string
	Taker       bool
}

// Consumer is a coalescing wake handle for one asset's book updates. The
// channel holds at most one pending wake; bursts collapse into a single
// signal, and the reader pulls the current book state when woken.
type Consumer struct {
	C chan struct{}
}

// NewConsumer creates a wake handle with a single-slot buffer.
func NewConsumer() *Consumer {
	return &Consumer{C: make(chan struct{}, 1)}
}

// OrderConsumer receives account updates. The channel is buffered; updates
// that would block are dropped rather than stalling the feed.
type OrderConsumer struct {
	C chan AccountUpdate
}

// NewOrderConsumer creates an account-update consumer.
func NewOrderConsumer(buffer int) *OrderConsumer {
	if buffer < 1 {
		buffer = 1
	}
	return &OrderConsumer{C: make(chan AccountUpdate, buffer)}
}

// AssetMeta is display metadata attached to an asset for logging.
type AssetMeta struct {
	Slug        string
	Question    string
	Outcome     string
	GameStartAt time.Time
}

// Collaborators are the external dependencies of the registry.
type Collaborators struct {
	OpenOrders order.OpenOrderFetcher
	Positions  order.PositionFetcher
	// Owner is the address positions are fetched for.
	Owner string
	// NewMarketConn builds a market feed over the given assets, wired to
	// the supplied handlers. Swappable in tests.
	NewMarketConn func(assets []string, handlers feed.MarketHandlers) MarketConn
	// NewUserConn builds the account feed wired to the supplied handlers.
	NewUserConn func(handlers feed.UserHandlers) UserConn
	// Books, when set, primes new books over REST.
	Books    BookSnapshotFetcher
	Journal  journal.Journaler
	Notifier notifier.Notifier
}

// Registry tracks per-asset order books with refcounted subscriptions, owns
// both feed connections, maintains the open-order index and the positions
// cache, and fans updates out to registered consumers.
type Registry struct {
	ctx   context.Context
	deps  Collaborators
	clock func() time.Time

	mu         sync.Mutex
	books      map[string]*book.Book
	refcounts  map[string]int
	consumers  map[string]map[*Consumer]struct{}
	marketConn MarketConn
	snapLogged map[string]struct{}

	userMu         sync.Mutex
	userConn       UserConn
	orderConsumers map[*OrderConsumer]struct{}

	openOrdersMu   sync.Mutex
	openOrders     map[string]order.OpenOrderRecord
	openOrdersInit bool

	positionsMu      sync.Mutex
	positions        map[string]float64
	positionsFetched time.Time

	tradesMu   sync.Mutex
	lastTrades map[string]feed.LastTrade
	lastFills  map[string]time.Time
	seenFills  map[string]time.Time

	metaMu       sync.Mutex
	meta         map[string]AssetMeta
	marketAssets map[string]map[string]struct{}
	loggers      map[string]*marketLogger
}

// New creates a registry. ctx bounds the lifetime of every connection the
// registry starts.
func New(ctx context.Context, deps Collaborators) *Registry {
	return &Registry{
		ctx:            ctx,
		deps:           deps,
		clock:          time.Now,
		books:          make(map[string]*book.Book),
		refcounts:      make(map[string]int),
		consumers:      make(map[string]map[*Consumer]struct{}),
		snapLogged:     make(map[string]struct{}),
		orderConsumers: make(map[*OrderConsumer]struct{}),
		openOrders:     make(map[string]order.OpenOrderRecord),
		positions:      make(map[string]float64),
		lastTrades:     make(map[string]feed.LastTrade),
		lastFills:      make(map[string]time.Time),
		seenFills:      make(map[string]time.Time),
		meta:           make(map[string]AssetMeta),
		marketAssets:   make(map[string]map[string]struct{}),
		loggers:        make(map[string]*marketLogger),
	}
}

// Subscribe returns the shared book for assetID, creating it on first use.
// The first tracked asset lazily starts the market feed; later additions
// force a reconnect so the venue resubscribes the full set.
func (r *Registry) Subscribe(assetID string) *book.Book {
	r.mu.Lock()
	defer r.mu.Unlock()

	if b, ok := r.books[assetID]; ok {
		r.refcounts[assetID]++
		return b
	}

	b := book.New(assetID)
	r.books[assetID] = b
	r.refcounts[assetID] = 1
	metrics.BooksTracked.Set(float64(len(r.books)))

	assets := r.trackedLocked()
	if r.marketConn == nil {
		r.marketConn = r.deps.NewMarketConn(assets, r.marketHandlers())
		r.marketConn.Start(r.ctx)
	} else {
		r.marketConn.UpdateAssets(assets, true)
	}

	r.ensureLoggerForAsset(assetID)
	if r.deps.Books != nil {
		go r.primeBook(assetID, b)
	}
	return b
}

// primeBook seeds a new book from a REST snapshot so consumers see depth
// before the streamed snapshot lands. The stream wins any race.
func (r *Registry) primeBook(assetID string, b *book.Book) {
	bids, asks, err := r.deps.Books.FetchBookSnapshot(r.ctx, assetID)
	if err != nil {
		log.Printf("Registry | REST book prime failed (asset=%s): %v", assetID, err)
		return
	}
	if b.PrimeSnapshot(bids, asks) {
		log.Printf("Registry | Book primed over REST (asset=%s)", assetID)
		r.Notify(assetID)
	}
}

// Release drops one reference to assetID. Unknown assets are a no-op. The
// book is torn down at refcount zero, and the market feed stops once no
// assets remain tracked.
func (r *Registry) Release(assetID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	count, ok := r.refcounts[assetID]
	if !ok {
		return
	}
	count--
	if count > 0 {
		r.refcounts[assetID] = count
		return
	}

	delete(r.books, assetID)
	delete(r.refcounts, assetID)
	delete(r.snapLogged, assetID)
	metrics.BooksTracked.Set(float64(len(r.books)))
	r.dropLoggerForAsset(assetID)

	if r.marketConn == nil {
		return
	}
	assets := r.trackedLocked()
	if len(assets) == 0 {
		r.marketConn.Stop()
		r.marketConn = nil
		return
	}
	r.marketConn.UpdateAssets(assets, false)
}

func (r *Registry) trackedLocked() []string {
	out := make([]string, 0, len(r.books))
	for assetID := range r.books {
		out = append(out, assetID)
	}
	return out
}

// Book returns the tracked book for assetID without touching refcounts.
func (r *Registry) Book(assetID string) (*book.Book, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.books[assetID]
	return b, ok
}

// RegisterConsumer attaches a wake handle to assetID.
func (r *Registry) RegisterConsumer(assetID string, c *Consumer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	set, ok := r.consumers[assetID]
	if !ok {
		set = make(map[*Consumer]struct{})
		r.consumers[assetID] = set
	}
	set[c] = struct{}{}
}

// UnregisterConsumer detaches a wake handle.
func (r *Registry) UnregisterConsumer(assetID string, c *Consumer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	set, ok := r.consumers[assetID]
	if !ok {
		return
	}
	delete(set, c)
	if len(set) == 0 {
		delete(r.consumers, assetID)
	}
}

// Notify wakes every consumer of assetID without blocking. A consumer with
// a wake already pending absorbs the signal.
func (r *Registry) Notify(assetID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for c := range r.consumers[assetID] {
		select {
		case c.C <- struct{}{}:
		default:
		}
	}
}

func (r *Registry) marketHandlers() feed.MarketHandlers {
	return feed.MarketHandlers{
		OnBook: func(snap feed.BookSnapshot) {
			r.mu.Lock()
			b, ok := r.books[snap.AssetID]
			_, logged := r.snapLogged[snap.AssetID]
			if ok && !logged {
				r.snapLogged[snap.AssetID] = struct{}{}
			}
			r.mu.Unlock()
			if !ok {
				return
			}
			b.ApplySnapshot(snap.Bids, snap.Asks)
			if !logged {
				log.Printf("Registry | Book snapshot received (asset=%s)", snap.AssetID)
			}
			r.Notify(snap.AssetID)
		},
		OnPriceChange: func(delta book.Delta) {
			b, ok := r.Book(delta.AssetID)
			if !ok {
				return
			}
			b.ApplyDelta(delta)
			r.Notify(delta.AssetID)
		},
		OnTickSizeChange: func(change feed.TickSizeChange) {
			b, ok := r.Book(change.AssetID)
			if !ok {
				return
			}
			b.ApplyTickSizeChange(change.NewTick)
			log.Printf("Registry | Tick size change (asset=%s tick=%v)", change.AssetID, change.NewTick)
			r.Notify(change.AssetID)
		},
		OnLastTrade: func(lt feed.LastTrade) {
			r.tradesMu.Lock()
			r.lastTrades[lt.AssetID] = lt
			r.tradesMu.Unlock()
			r.Notify(lt.AssetID)
		},
	}
}

// LastTrade returns the most recent trade print for assetID.
func (r *Registry) LastTrade(assetID string) (feed.LastTrade, bool) {
	r.tradesMu.Lock()
	defer r.tradesMu.Unlock()
	lt, ok := r.lastTrades[assetID]
	return lt, ok
}

// LastFillAt returns when a locally-owned fill was last observed on assetID.
func (r *Registry) LastFillAt(assetID string) time.Time {
	r.tradesMu.Lock()
	defer r.tradesMu.Unlock()
	return r.lastFills[assetID]
}

// RegisterOrderConsumer attaches an account-update consumer and starts the
// user feed if it is not running.
func (r *Registry) RegisterOrderConsumer(c *OrderConsumer) {
	r.userMu.Lock()
	r.orderConsumers[c] = struct{}{}
	r.userMu.Unlock()
	r.EnsureUserFeed()
}

// UnregisterOrderConsumer detaches a consumer. The user feed stops when the
// last consumer leaves.
func (r *Registry) UnregisterOrderConsumer(c *OrderConsumer) {
	r.userMu.Lock()
	defer r.userMu.Unlock()
	delete(r.orderConsumers, c)
	if len(r.orderConsumers) == 0 && r.userConn != nil {
		log.Printf("Registry | Stopping user feed (no order consumers)")
		r.userConn.Stop()
		r.userConn = nil
	}
}

// EnsureUserFeed starts the account feed if it is not already running.
func (r *Registry) EnsureUserFeed() {
	r.userMu.Lock()
	defer r.userMu.Unlock()
	if r.userConn != nil {
		return
	}
	log.Printf("Registry | Starting user feed for account events")
	r.userConn = r.deps.NewUserConn(r.userHandlers())
	r.userConn.Start(r.ctx)
}

func (r *Registry) userHandlers() feed.UserHandlers {
	return feed.UserHandlers{
		OnOrder: func(ev feed.OrderEvent) {
			kind := AccountUpdated
			switch ev.Kind {
			case feed.OrderPlacement:
				kind = AccountOpened
			case feed.OrderCancellation:
				kind = AccountClosed
			}
			r.ApplyAccountEvent(AccountUpdate{
				Kind:  kind,
				Event: string(ev.Kind),
				Order: ev.Order,
			})
		},
		OnTrade: func(fills []feed.TradeFill) {
			for _, fill := range fills {
				r.ApplyAccountEvent(AccountUpdate{
					Kind:        AccountClosed,
					Event:       "TRADE",
					Order:       fill.Order,
					TradeID:     fill.TradeID,
					TradeStatus: fill.TradeStatus,
					Taker:       fill.Taker,
				})
			}
		},
	}
}

// ApplyAccountEvent reconciles one account event into the open-order index
// and, for fills, into the positions cache, then fans it out to order
// consumers. Applying any event marks the index initialized.
func (r *Registry) ApplyAccountEvent(u AccountUpdate) {
	if u.Order.OrderID == "" {
		return
	}
	metrics.AccountEventsApplied.WithLabelValues(string(u.Kind)).Inc()

	if u.Event == "TRADE" && u.Kind == AccountClosed {
		r.recordFill(u)
	}

	r.openOrdersMu.Lock()
	switch u.Kind {
	case AccountOpened, AccountUpdated:
		r.openOrders[u.Order.OrderID] = u.Order
	case AccountClosed:
		delete(r.openOrders, u.Order.OrderID)
	}
	r.openOrdersInit = true
	r.openOrdersMu.Unlock()

	r.userMu.Lock()
	for c := range r.orderConsumers {
		select {
		case c.C <- u:
		default:
		}
	}
	r.userMu.Unlock()
}

const (
	seenFillsMax = 4096
	seenFillsTTL = time.Hour
)

func (r *Registry) recordFill(u AccountUpdate) {
	rec := u.Order
	if rec.AssetID == "" || rec.Size <= 0 {
		return
	}

	role := "maker"
	if u.Taker {
		role = "taker"
	}
	now := r.clock()

	// Trade events are redelivered on status transitions; the position
	// delta must apply exactly once per (trade, order). Replays still
	// reach the journal so the fill's status is upgraded.
	replay := false
	if u.TradeID != "" {
		key := u.TradeID + "|" + rec.OrderID
		r.tradesMu.Lock()
		_, replay = r.seenFills[key]
		r.seenFills[key] = now
		if len(r.seenFills) > seenFillsMax {
			for k, at := range r.seenFills {
				if now.Sub(at) > seenFillsTTL {
					delete(r.seenFills, k)
				}
			}
		}
		r.tradesMu.Unlock()
	}

	if !replay {
		metrics.FillsObserved.WithLabelValues(string(rec.Side), role).Inc()

		r.tradesMu.Lock()
		r.lastFills[rec.AssetID] = now
		r.tradesMu.Unlock()

		delta := rec.Size
		if rec.Side == order.SideSell {
			delta = -rec.Size
		}
		r.positionsMu.Lock()
		next := r.positions[rec.AssetID] + delta
		if next <= 1e-9 {
			delete(r.positions, rec.AssetID)
		} else {
			r.positions[rec.AssetID] = next
		}
		r.positionsMu.Unlock()
	}

	if r.deps.Journal != nil {
		if err := r.deps.Journal.LogEvent(journal.Event{
			Time:        now,
			Type:        "fill",
			Description: fmt.Sprintf("%s %s %.2f @ %.4f", role, rec.Side, rec.Size, rec.Price),
			Data: map[string]any{
				"order_id": rec.OrderID,
				"asset_id": rec.AssetID,
				"side":     string(rec.Side),
				"price":    rec.Price,
				"size":     rec.Size,
				"trade_id": u.TradeID,
				"status":   u.TradeStatus,
				"role":     role,
			},
		}); err != nil {
			log.Printf("Registry | Fill journal failed: %v", err)
		}
	}
	if !replay && r.deps.Notifier != nil {
		msg := fmt.Sprintf("Fill: %s %s %.2f @ %.4f (asset=%s)", role, rec.Side, rec.Size, rec.Price, rec.AssetID)
		if err := r.deps.Notifier.SendWithRetry(msg); err != nil {
			log.Printf("Registry | Fill notification failed: %v", err)
		}
	}
}

// EnsureOpenOrderIndex bootstraps the open-order index from the venue on
// first use. Returns false when the index is unavailable so callers can
// fail closed instead of risking duplicate placements.
func (r *Registry) EnsureOpenOrderIndex(ctx context.Context) bool {
	r.openOrdersMu.Lock()
	if r.openOrdersInit {
		r.openOrdersMu.Unlock()
		return true
	}
	r.openOrdersMu.Unlock()

	if r.deps.OpenOrders == nil {
		return false
	}
	orders, err := r.deps.OpenOrders.FetchOpenOrders(ctx)
	if err != nil {
		log.Printf("Registry | Open-orders bootstrap failed: %v", err)
		return false
	}

	r.openOrdersMu.Lock()
	defer r.openOrdersMu.Unlock()
	if r.openOrdersInit {
		// An account event won the race; its state is newer.
		return true
	}
	r.openOrders = make(map[string]order.OpenOrderRecord, len(orders))
	for _, rec := range orders {
		if rec.OrderID == "" {
			continue
		}
		r.openOrders[rec.OrderID] = rec
	}
	r.openOrdersInit = true
	return true
}

// OpenOrderIndexReady reports whether the index has been initialized.
func (r *Registry) OpenOrderIndexReady() bool {
	r.openOrdersMu.Lock()
	defer r.openOrdersMu.Unlock()
	return r.openOrdersInit
}

// OpenOrdersSnapshot returns, per asset, the set of sides with at least one
// open order and the total open SELL size.
func (r *Registry) OpenOrdersSnapshot() (map[string]map[order.Side]struct{}, map[string]float64) {
	r.openOrdersMu.Lock()
	defer r.openOrdersMu.Unlock()

	openSides := make(map[string]map[order.Side]struct{})
	openSellSizes := make(map[string]float64)
	for _, rec := range r.openOrders {
		if rec.AssetID == "" {
			continue
		}
		sides, ok := openSides[rec.AssetID]
		if !ok {
			sides = make(map[order.Side]struct{})
			openSides[rec.AssetID] = sides
		}
		sides[rec.Side] = struct{}{}
		if rec.Side == order.SideSell && rec.Size > 0 {
			openSellSizes[rec.AssetID] += rec.Size
		}
	}
	return openSides, openSellSizes
}

// Positions returns held share sizes per asset. The cache refreshes from
// the venue at most once per TTL window; locally-observed fills mutate it
// incrementally in between. A failed refresh serves the stale cache.
func (r *Registry) Positions(ctx context.Context) map[string]float64 {
	now := r.clock()
	r.positionsMu.Lock()
	if len(r.positions) > 0 && now.Sub(r.positionsFetched) < positionsRefreshInterval {
		out := copyPositions(r.positions)
		r.positionsMu.Unlock()
		return out
	}
	r.positionsMu.Unlock()

	if r.deps.Positions == nil || r.deps.Owner == "" {
		r.positionsMu.Lock()
		defer r.positionsMu.Unlock()
		return copyPositions(r.positions)
	}

	fetched, err := r.deps.Positions.FetchPositions(ctx, r.deps.Owner)
	r.positionsMu.Lock()
	defer r.positionsMu.Unlock()
	if err != nil {
		log.Printf("Registry | Positions refresh failed, serving cache: %v", err)
		return copyPositions(r.positions)
	}
	r.positions = copyPositions(fetched)
	r.positionsFetched = now
	return copyPositions(r.positions)
}

func copyPositions(src map[string]float64) map[string]float64 {
	out := make(map[string]float64, len(src))
	for k, v := range src {
		out[k] = v
	}
	return out
}

// SetAssetMeta attaches display metadata to an asset and starts the CSV
// logger for its market once two outcomes are known.
func (r *Registry) SetAssetMeta(assetID string, meta AssetMeta) {
	if meta.Slug == "" || meta.Question == "" {
		return
	}
	r.metaMu.Lock()
	r.meta[assetID] = meta
	key := marketKey(meta.Slug, meta.Question)
	set, ok := r.marketAssets[key]
	if !ok {
		set = make(map[string]struct{})
		r.marketAssets[key] = set
	}
	set[assetID] = struct{}{}
	r.metaMu.Unlock()

	r.ensureMarketLogger(key, meta.Slug, meta.Question)
}

// Meta returns the metadata attached to assetID.
func (r *Registry) Meta(assetID string) (AssetMeta, bool) {
	r.metaMu.Lock()
	defer r.metaMu.Unlock()
	m, ok := r.meta[assetID]
	return m, ok
}

func (r *Registry) ensureLoggerForAsset(assetID string) {
	r.metaMu.Lock()
	meta, ok := r.meta[assetID]
	r.metaMu.Unlock()
	if !ok {
		return
	}
	r.ensureMarketLogger(marketKey(meta.Slug, meta.Question), meta.Slug, meta.Question)
}

func (r *Registry) dropLoggerForAsset(assetID string) {
	r.metaMu.Lock()
	defer r.metaMu.Unlock()
	meta, ok := r.meta[assetID]
	if !ok {
		return
	}
	delete(r.meta, assetID)
	key := marketKey(meta.Slug, meta.Question)
	set, ok := r.marketAssets[key]
	if !ok {
		return
	}
	delete(set, assetID)
	if len(set) > 0 {
		return
	}
	delete(r.marketAssets, key)
	if lg, ok := r.loggers[key]; ok {
		lg.stop()
		delete(r.loggers, key)
	}
}
