package registry

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/amirphl/poly-trader/internal/book"
	"github.com/amirphl/poly-trader/internal/feed"
	"github.com/amirphl/poly-trader/internal/order"
)

type updateCall struct {
	assets []string
	force  bool
}

type fakeMarketConn struct {
	mu       sync.Mutex
	started  int
	stopped  int
	updates  []updateCall
	handlers feed.MarketHandlers
}

func (f *fakeMarketConn) Start(context.Context) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started++
}

func (f *fakeMarketConn) Stop() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped++
}

func (f *fakeMarketConn) UpdateAssets(assets []string, force bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updates = append(f.updates, updateCall{assets: assets, force: force})
}

type fakeUserConn struct {
	mu      sync.Mutex
	started int
	stopped int
}

func (f *fakeUserConn) Start(context.Context) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started++
}

func (f *fakeUserConn) Stop() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped++
}

type fakeOpenOrders struct {
	orders []order.OpenOrderRecord
	err    error
	calls  int
}

func (f *fakeOpenOrders) FetchOpenOrders(context.Context) ([]order.OpenOrderRecord, error) {
	f.calls++
	return f.orders, f.err
}

type fakePositions struct {
	positions map[string]float64
	err       error
	calls     int
}

func (f *fakePositions) FetchPositions(context.Context, string) (map[string]float64, error) {
	f.calls++
	return f.positions, f.err
}

type fakeBookSource struct {
	bids []book.PriceLevel
	asks []book.PriceLevel
	err  error
	// gate, when set, blocks the fetch until closed.
	gate chan struct{}
}

func (f *fakeBookSource) FetchBookSnapshot(context.Context, string) ([]book.PriceLevel, []book.PriceLevel, error) {
	if f.gate != nil {
		<-f.gate
	}
	return f.bids, f.asks, f.err
}

func newTestRegistry(t *testing.T) (*Registry, *fakeMarketConn, *fakeUserConn) {
	t.Helper()
	market := &fakeMarketConn{}
	user := &fakeUserConn{}
	r := New(context.Background(), Collaborators{
		NewMarketConn: func(assets []string, handlers feed.MarketHandlers) MarketConn {
			market.handlers = handlers
			return market
		},
		NewUserConn: func(feed.UserHandlers) UserConn {
			return user
		},
	})
	return r, market, user
}

func TestRegistry_SubscribeRelease(t *testing.T) {
	r, market, _ := newTestRegistry(t)

	b1 := r.Subscribe("asset-1")
	require.NotNil(t, b1)
	assert.Equal(t, 1, market.started)

	b2 := r.Subscribe("asset-1")
	assert.Same(t, b1, b2)
	// Second reference to a tracked asset must not touch the feed.
	assert.Empty(t, market.updates)

	r.Subscribe("asset-2")
	require.Len(t, market.updates, 1)
	assert.True(t, market.updates[0].force)
	assert.ElementsMatch(t, []string{"asset-1", "asset-2"}, market.updates[0].assets)

	r.Release("asset-1")
	_, ok := r.Book("asset-1")
	assert.True(t, ok, "book must survive while references remain")

	r.Release("asset-1")
	_, ok = r.Book("asset-1")
	assert.False(t, ok)
	require.Len(t, market.updates, 2)
	assert.False(t, market.updates[1].force)
	assert.Equal(t, []string{"asset-2"}, market.updates[1].assets)

	r.Release("asset-2")
	assert.Equal(t, 1, market.stopped, "feed stops when nothing is tracked")

	// Unknown asset release is a no-op.
	r.Release("asset-9")
	assert.Equal(t, 1, market.stopped)
}

func TestRegistry_FeedRestartsAfterTeardown(t *testing.T) {
	r, market, _ := newTestRegistry(t)

	r.Subscribe("asset-1")
	r.Release("asset-1")
	require.Equal(t, 1, market.stopped)

	r.Subscribe("asset-1")
	assert.Equal(t, 2, market.started)
}

func TestRegistry_NotifyCoalesces(t *testing.T) {
	r, _, _ := newTestRegistry(t)
	r.Subscribe("asset-1")

	c := NewConsumer()
	r.RegisterConsumer("asset-1", c)

	// A burst of notifies collapses into a single pending wake.
	r.Notify("asset-1")
	r.Notify("asset-1")
	r.Notify("asset-1")

	select {
	case <-c.C:
	default:
		t.Fatal("expected a pending wake")
	}
	select {
	case <-c.C:
		t.Fatal("expected wakes to coalesce into one")
	default:
	}

	r.UnregisterConsumer("asset-1", c)
	r.Notify("asset-1")
	select {
	case <-c.C:
		t.Fatal("unregistered consumer must not be woken")
	default:
	}

	// Unknown asset dispatch is a no-op.
	r.Notify("asset-404")
}

func TestRegistry_MarketHandlersRouteToBooks(t *testing.T) {
	r, market, _ := newTestRegistry(t)
	b := r.Subscribe("asset-1")

	c := NewConsumer()
	r.RegisterConsumer("asset-1", c)

	market.handlers.OnBook(feed.BookSnapshot{
		AssetID: "asset-1",
		Bids:    []book.PriceLevel{{Price: 0.40, Size: 100}},
		Asks:    []book.PriceLevel{{Price: 0.42, Size: 50}},
	})
	require.True(t, b.Ready())
	select {
	case <-c.C:
	default:
		t.Fatal("snapshot must wake consumers")
	}

	market.handlers.OnPriceChange(book.Delta{AssetID: "asset-1", Side: order.SideBuy, Price: 0.41, Size: 10})
	best, ok := b.BestBid()
	require.True(t, ok)
	assert.Equal(t, 0.41, best.Price)

	// Events for untracked assets are dropped.
	market.handlers.OnPriceChange(book.Delta{AssetID: "asset-404", Side: order.SideBuy, Price: 0.41, Size: 10})

	market.handlers.OnLastTrade(feed.LastTrade{AssetID: "asset-1", Side: order.SideBuy, Price: 0.42, Size: 200})
	lt, ok := r.LastTrade("asset-1")
	require.True(t, ok)
	assert.Equal(t, 0.42, lt.Price)
}

func TestRegistry_RESTBookPrime(t *testing.T) {
	t.Run("Primes before the stream delivers", func(t *testing.T) {
		r, _, _ := newTestRegistry(t)
		r.deps.Books = &fakeBookSource{
			bids: []book.PriceLevel{{Price: 0.40, Size: 100}},
			asks: []book.PriceLevel{{Price: 0.42, Size: 50}},
		}

		b := r.Subscribe("asset-1")
		require.Eventually(t, b.Ready, time.Second, 5*time.Millisecond)
		best, ok := b.BestBid()
		require.True(t, ok)
		assert.Equal(t, 0.40, best.Price)
	})

	t.Run("Streamed snapshot wins the race", func(t *testing.T) {
		r, market, _ := newTestRegistry(t)
		gate := make(chan struct{})
		r.deps.Books = &fakeBookSource{
			bids: []book.PriceLevel{{Price: 0.30, Size: 1}},
			gate: gate,
		}

		b := r.Subscribe("asset-1")
		market.handlers.OnBook(feed.BookSnapshot{
			AssetID: "asset-1",
			Bids:    []book.PriceLevel{{Price: 0.40, Size: 100}},
		})
		close(gate)

		// The late REST response must not clobber the streamed book.
		assert.Never(t, func() bool {
			best, ok := b.BestBid()
			return !ok || best.Price != 0.40
		}, 100*time.Millisecond, 5*time.Millisecond)
	})

	t.Run("Fetch failure leaves the book not ready", func(t *testing.T) {
		r, _, _ := newTestRegistry(t)
		r.deps.Books = &fakeBookSource{err: errors.New("venue down")}

		b := r.Subscribe("asset-1")
		assert.Never(t, b.Ready, 100*time.Millisecond, 5*time.Millisecond)
	})
}

func TestRegistry_UserFeedLifecycle(t *testing.T) {
	r, _, user := newTestRegistry(t)

	c1 := NewOrderConsumer(4)
	c2 := NewOrderConsumer(4)
	r.RegisterOrderConsumer(c1)
	r.RegisterOrderConsumer(c2)
	assert.Equal(t, 1, user.started)

	r.UnregisterOrderConsumer(c1)
	assert.Equal(t, 0, user.stopped)
	r.UnregisterOrderConsumer(c2)
	assert.Equal(t, 1, user.stopped)
}

func TestRegistry_ApplyAccountEvent(t *testing.T) {
	r, _, _ := newTestRegistry(t)
	c := NewOrderConsumer(8)
	r.RegisterOrderConsumer(c)

	rec := order.OpenOrderRecord{
		OrderID: "ord-1",
		AssetID: "asset-1",
		Side:    order.SideBuy,
		Price:   0.40,
		Size:    100,
	}
	r.ApplyAccountEvent(AccountUpdate{Kind: AccountOpened, Event: "PLACEMENT", Order: rec})

	assert.True(t, r.OpenOrderIndexReady(), "any applied event initializes the index")
	openSides, openSells := r.OpenOrdersSnapshot()
	_, hasBuy := openSides["asset-1"][order.SideBuy]
	assert.True(t, hasBuy)
	assert.Empty(t, openSells)

	sell := rec
	sell.OrderID = "ord-2"
	sell.Side = order.SideSell
	sell.Size = 30
	r.ApplyAccountEvent(AccountUpdate{Kind: AccountOpened, Event: "PLACEMENT", Order: sell})
	_, openSells = r.OpenOrdersSnapshot()
	assert.Equal(t, 30.0, openSells["asset-1"])

	r.ApplyAccountEvent(AccountUpdate{Kind: AccountClosed, Event: "CANCELLATION", Order: rec})
	openSides, _ = r.OpenOrdersSnapshot()
	_, hasBuy = openSides["asset-1"][order.SideBuy]
	assert.False(t, hasBuy)

	// All three updates reached the consumer.
	assert.Len(t, c.C, 3)

	// Events without an order id are dropped.
	r.ApplyAccountEvent(AccountUpdate{Kind: AccountOpened, Event: "PLACEMENT"})
	assert.Len(t, c.C, 3)
}

func TestRegistry_FillsMutatePositions(t *testing.T) {
	r, _, _ := newTestRegistry(t)
	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	r.clock = func() time.Time { return now }

	buyFill := AccountUpdate{
		Kind:  AccountClosed,
		Event: "TRADE",
		Order: order.OpenOrderRecord{
			OrderID: "ord-1", AssetID: "asset-1", Side: order.SideBuy, Price: 0.40, Size: 100,
		},
	}
	r.ApplyAccountEvent(buyFill)

	positions := r.Positions(context.Background())
	assert.Equal(t, 100.0, positions["asset-1"])
	assert.Equal(t, now, r.LastFillAt("asset-1"))

	sellFill := buyFill
	sellFill.Order.OrderID = "ord-2"
	sellFill.Order.Side = order.SideSell
	sellFill.Order.Size = 40
	r.ApplyAccountEvent(sellFill)
	positions = r.Positions(context.Background())
	assert.Equal(t, 60.0, positions["asset-1"])

	// Selling out the rest removes the entry entirely.
	sellFill.Order.OrderID = "ord-3"
	sellFill.Order.Size = 60
	r.ApplyAccountEvent(sellFill)
	positions = r.Positions(context.Background())
	_, held := positions["asset-1"]
	assert.False(t, held)
}

func TestRegistry_FillReplayAppliesOnce(t *testing.T) {
	r, _, _ := newTestRegistry(t)

	fill := AccountUpdate{
		Kind:        AccountClosed,
		Event:       "TRADE",
		TradeID:     "trade-1",
		TradeStatus: "MATCHED",
		Order: order.OpenOrderRecord{
			OrderID: "ord-1", AssetID: "asset-1", Side: order.SideBuy, Price: 0.40, Size: 100,
		},
	}
	r.ApplyAccountEvent(fill)

	// The venue redelivers the trade as its status advances.
	fill.TradeStatus = "CONFIRMED"
	r.ApplyAccountEvent(fill)

	positions := r.Positions(context.Background())
	assert.Equal(t, 100.0, positions["asset-1"])
}

func TestRegistry_EnsureOpenOrderIndex(t *testing.T) {
	t.Run("Bootstrap failure fails closed", func(t *testing.T) {
		r, _, _ := newTestRegistry(t)
		fetcher := &fakeOpenOrders{err: errors.New("venue down")}
		r.deps.OpenOrders = fetcher

		assert.False(t, r.EnsureOpenOrderIndex(context.Background()))
		assert.False(t, r.OpenOrderIndexReady())
	})

	t.Run("Bootstrap loads and is cached", func(t *testing.T) {
		r, _, _ := newTestRegistry(t)
		fetcher := &fakeOpenOrders{orders: []order.OpenOrderRecord{
			{OrderID: "ord-1", AssetID: "asset-1", Side: order.SideBuy, Size: 10},
			{OrderID: "", AssetID: "asset-2", Side: order.SideSell, Size: 5},
		}}
		r.deps.OpenOrders = fetcher

		require.True(t, r.EnsureOpenOrderIndex(context.Background()))
		openSides, _ := r.OpenOrdersSnapshot()
		_, ok := openSides["asset-1"][order.SideBuy]
		assert.True(t, ok)
		_, ok = openSides["asset-2"]
		assert.False(t, ok, "records without an order id are skipped")

		require.True(t, r.EnsureOpenOrderIndex(context.Background()))
		assert.Equal(t, 1, fetcher.calls, "initialized index must not refetch")
	})
}

func TestRegistry_PositionsTTL(t *testing.T) {
	r, _, _ := newTestRegistry(t)
	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	r.clock = func() time.Time { return now }

	fetcher := &fakePositions{positions: map[string]float64{"asset-1": 50}}
	r.deps.Positions = fetcher
	r.deps.Owner = "0xowner"

	got := r.Positions(context.Background())
	assert.Equal(t, 50.0, got["asset-1"])
	assert.Equal(t, 1, fetcher.calls)

	// Within the TTL the cache is served without a venue call.
	now = now.Add(30 * time.Second)
	fetcher.positions = map[string]float64{"asset-1": 999}
	got = r.Positions(context.Background())
	assert.Equal(t, 50.0, got["asset-1"])
	assert.Equal(t, 1, fetcher.calls)

	// Past the TTL the cache refreshes wholesale.
	now = now.Add(31 * time.Second)
	got = r.Positions(context.Background())
	assert.Equal(t, 999.0, got["asset-1"])
	assert.Equal(t, 2, fetcher.calls)
}

func TestRegistry_PositionsRefreshFailureServesCache(t *testing.T) {
	r, _, _ := newTestRegistry(t)
	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	r.clock = func() time.Time { return now }

	fetcher := &fakePositions{positions: map[string]float64{"asset-1": 50}}
	r.deps.Positions = fetcher
	r.deps.Owner = "0xowner"

	r.Positions(context.Background())

	now = now.Add(2 * positionsRefreshInterval)
	fetcher.err = errors.New("timeout")
	got := r.Positions(context.Background())
	assert.Equal(t, 50.0, got["asset-1"])
}
