// Package autotrade runs the periodic quoting loop: it evaluates each
// enabled pair against the live books, asks the pair's strategy what to
// quote, gates the intents against open orders, pending submissions and
// cooldowns, and submits limit orders.
package autotrade

import (
	"context"
	"log"
	"math"
	"sync"
	"time"

	"github.com/amirphl/poly-trader/internal/book"
	"github.com/amirphl/poly-trader/internal/config"
	"github.com/amirphl/poly-trader/internal/feed"
	"github.com/amirphl/poly-trader/internal/metrics"
	"github.com/amirphl/poly-trader/internal/order"
	"github.com/amirphl/poly-trader/internal/registry"
)

const (
	// submitCooldown is the minimum gap between submissions on the same
	// (asset, side).
	submitCooldown = 3 * time.Second
	// pendingTimeout expires a submission marker that never showed up in
	// the open-order index.
	pendingTimeout = 20 * time.Second
	// fillRepostCooldown pauses a pair briefly after any local fill so
	// quotes are rebuilt against the post-fill book.
	fillRepostCooldown = 4 * time.Second

	priceFloor = 0.01
	priceCeil  = 0.99
	// gtdBufferSeconds is added to the configured TTL so the venue's
	// good-til-date threshold is always cleared.
	gtdBufferSeconds = 60
)

type submitKey struct {
	assetID string
	side    order.Side
}

type pendingSubmit struct {
	at   time.Time
	size float64
}

type pairEntry struct {
	cfg      config.PairConfig
	strategy Strategy
}

// Engine owns the auto-trade loop over the admitted pair configs.
type Engine struct {
	ctx       context.Context
	reg       *registry.Registry
	submitter order.Submitter
	interval  time.Duration
	clock     func() time.Time

	mu         sync.Mutex
	pairs      map[string]pairEntry
	lastSubmit map[submitKey]time.Time
	pending    map[submitKey]pendingSubmit
	running    bool
}

// New creates an engine. ctx bounds the loop's lifetime.
func New(ctx context.Context, reg *registry.Registry, submitter order.Submitter, interval time.Duration) *Engine {
	if interval <= 0 {
		interval = time.Second
	}
	return &Engine{
		ctx:        ctx,
		reg:        reg,
		submitter:  submitter,
		interval:   interval,
		clock:      time.Now,
		pairs:      make(map[string]pairEntry),
		lastSubmit: make(map[submitKey]time.Time),
		pending:    make(map[submitKey]pendingSubmit),
	}
}

// SetPair admits or replaces a pair config. Validation and strategy
// resolution happen here; a rejected config never reaches the loop. An
// enabled pair subscribes its assets, ensures the account feed and
// open-order index, and starts the loop if it is not running.
func (e *Engine) SetPair(cfg config.PairConfig) error {
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return err
	}
	strat, err := StrategyByName(cfg.Strategy)
	if err != nil {
		return err
	}

	e.mu.Lock()
	e.pairs[cfg.PairKey] = pairEntry{cfg: cfg, strategy: strat}
	e.mu.Unlock()

	if !cfg.IsEnabled() {
		return nil
	}
	e.reg.EnsureUserFeed()
	e.reg.EnsureOpenOrderIndex(e.ctx)
	for _, assetID := range cfg.Assets[:2] {
		e.reg.Subscribe(assetID)
	}
	e.ensureLoop()
	return nil
}

// ClearPair removes a pair from the loop. Asset subscriptions taken at
// admission stay with their owner; the caller releases them.
func (e *Engine) ClearPair(pairKey string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.pairs, pairKey)
}

// Stop removes every pair; the loop observes the empty set and returns.
func (e *Engine) Stop() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.pairs = make(map[string]pairEntry)
}

func (e *Engine) ensureLoop() {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return
	}
	e.running = true
	e.mu.Unlock()
	go e.run()
}

func (e *Engine) run() {
	defer func() {
		e.mu.Lock()
		e.running = false
		e.mu.Unlock()
	}()
	log.Printf("AutoTrade | Loop started")
	for {
		select {
		case <-e.ctx.Done():
			return
		default:
		}
		if !e.tick() {
			log.Printf("AutoTrade | No enabled pairs, loop exiting")
			return
		}
		select {
		case <-e.ctx.Done():
			return
		case <-time.After(e.interval):
		}
	}
}

func (e *Engine) enabledPairs() []pairEntry {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]pairEntry, 0, len(e.pairs))
	for _, entry := range e.pairs {
		if entry.cfg.IsEnabled() {
			out = append(out, entry)
		}
	}
	return out
}

// tick runs one evaluation pass. Returns false when no enabled pairs
// remain and the loop should exit.
func (e *Engine) tick() bool {
	configs := e.enabledPairs()
	if len(configs) == 0 {
		return false
	}
	metrics.EngineTicks.Inc()

	positions := e.reg.Positions(e.ctx)
	if !e.reg.EnsureOpenOrderIndex(e.ctx) {
		// Fail closed: without open-order state a repost could duplicate
		// a live order.
		log.Printf("AutoTrade | Open-order index unavailable, skipping pass")
		return true
	}
	openSides, openSellSizes := e.reg.OpenOrdersSnapshot()
	now := e.clock()

	// A pending marker is confirmed once its side shows up open.
	e.mu.Lock()
	for key := range e.pending {
		if _, ok := openSides[key.assetID][key.side]; ok {
			delete(e.pending, key)
		}
	}
	e.mu.Unlock()

	for _, entry := range configs {
		e.evaluatePair(entry, positions, openSides, openSellSizes, now)
	}
	return true
}

func (e *Engine) evaluatePair(
	entry pairEntry,
	positions map[string]float64,
	openSides map[string]map[order.Side]struct{},
	openSellSizes map[string]float64,
	now time.Time,
) {
	cfg := entry.cfg
	if len(cfg.Assets) < 2 {
		return
	}
	assets := cfg.Assets[:2]

	books := make(map[string]*book.Book, 2)
	bestBids := make(map[string]float64, 2)
	bestAsks := make(map[string]float64, 2)
	for _, assetID := range assets {
		b, ok := e.reg.Book(assetID)
		if !ok || !b.Ready() {
			return
		}
		bid, okBid := b.BestBid()
		ask, okAsk := b.BestAsk()
		if !okBid || !okAsk {
			return
		}
		books[assetID] = b
		bestBids[assetID] = bid.Price
		bestAsks[assetID] = ask.Price
	}

	var bidSum, askSum float64
	for _, assetID := range assets {
		bidSum += bestBids[assetID]
		askSum += bestAsks[assetID]
	}
	buyAllowed := bidSum*100 <= cfg.BuyMaxCents
	sellAllowed := askSum*100 >= cfg.SellMinCents

	shares := make(map[string]float64, 2)
	bothOver := true
	for _, assetID := range assets {
		shares[assetID] = positions[assetID]
		if shares[assetID] < cfg.SellMinShares {
			bothOver = false
		}
	}

	lastTrades := make(map[string]feed.LastTrade, 2)
	var pairLastFill time.Time
	for _, assetID := range assets {
		if lt, ok := e.reg.LastTrade(assetID); ok {
			lastTrades[assetID] = lt
		}
		if at := e.reg.LastFillAt(assetID); at.After(pairLastFill) {
			pairLastFill = at
		}
	}

	pairCtx := PairContext{
		Assets:      assets,
		Positions:   shares,
		BuyAllowed:  buyAllowed,
		SellAllowed: sellAllowed,
		BothOver:    bothOver,
		BestBids:    bestBids,
		LastTrades:  lastTrades,
	}

	for _, assetID := range assets {
		if cfg.AssetDisabled(assetID) {
			continue
		}
		intents := entry.strategy.Decide(assetID, cfg, pairCtx)
		if len(intents) == 0 {
			continue
		}
		settings, ok := cfg.Settings(assetID)
		if !ok || !settings.IsEnabled() {
			continue
		}
		for _, intent := range intents {
			e.submitIntent(cfg, assetID, settings, intent, books[assetID], positions, openSides, openSellSizes, pairLastFill, now)
		}
	}
}

func (e *Engine) submitIntent(
	cfg config.PairConfig,
	assetID string,
	settings config.AssetConfig,
	intent OrderIntent,
	b *book.Book,
	positions map[string]float64,
	openSides map[string]map[order.Side]struct{},
	openSellSizes map[string]float64,
	pairLastFill time.Time,
	now time.Time,
) {
	side := intent.Side
	if _, open := openSides[assetID][side]; open {
		return
	}
	key := submitKey{assetID: assetID, side: side}

	e.mu.Lock()
	if p, ok := e.pending[key]; ok {
		if now.Sub(p.at) < pendingTimeout {
			e.mu.Unlock()
			return
		}
		delete(e.pending, key)
	}
	last := e.lastSubmit[key]
	e.mu.Unlock()

	if now.Sub(last) < submitCooldown {
		return
	}
	if !pairLastFill.IsZero() && now.Sub(pairLastFill) < fillRepostCooldown {
		return
	}

	sizeMultiplier := 1.0
	if intent.SizeMultiplier != 0 {
		sizeMultiplier = math.Max(0.01, intent.SizeMultiplier)
	}

	level := settings.Level
	if side == order.SideSell && len(cfg.Assets) >= 2 {
		// SELL quotes mirror the opposite outcome's configured depth.
		otherID := cfg.Assets[0]
		if assetID == otherID {
			otherID = cfg.Assets[1]
		}
		if other, ok := cfg.Settings(otherID); ok {
			level = other.Level
		}
	}
	if intent.Level != nil {
		level = *intent.Level
	}

	price, ok := PriceForLevel(b, side, level)
	if !ok {
		return
	}
	price = math.Max(priceFloor, math.Min(priceCeil, price))

	ttlSeconds := 0
	if settings.TTLSeconds > 0 {
		ttlSeconds = settings.TTLSeconds + gtdBufferSeconds
	}
	orderSize := settings.Shares * sizeMultiplier

	if side == order.SideSell {
		available := positions[assetID] - openSellSizes[assetID] - e.pendingSellSize(assetID)
		if available < 0 {
			available = 0
		}
		if available+1e-9 < orderSize {
			return
		}
	}

	if _, err := e.submitter.PlaceLimitOrder(e.ctx, assetID, side, orderSize, price, ttlSeconds); err != nil {
		metrics.OrdersRejected.WithLabelValues(string(side)).Inc()
		question, outcome := "unknown", "unknown"
		if meta, ok := e.reg.Meta(assetID); ok {
			question, outcome = meta.Question, meta.Outcome
		}
		log.Printf("AutoTrade | Order failed (market=%s outcome=%s asset=%s side=%s): %v",
			question, outcome, assetID, side, err)
		return
	}
	metrics.OrdersSubmitted.WithLabelValues(string(side)).Inc()

	e.mu.Lock()
	e.lastSubmit[key] = now
	e.pending[key] = pendingSubmit{at: now, size: orderSize}
	e.mu.Unlock()

	// Reflect the submission locally so the rest of this pass sees it.
	sides, ok := openSides[assetID]
	if !ok {
		sides = make(map[order.Side]struct{})
		openSides[assetID] = sides
	}
	sides[side] = struct{}{}
	if side == order.SideSell {
		openSellSizes[assetID] += orderSize
	}
}

func (e *Engine) pendingSellSize(assetID string) float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	var total float64
	for key, p := range e.pending {
		if key.assetID == assetID && key.side == order.SideSell {
			total += p.size
		}
	}
	return total
}
