// Package book maintains per-asset order book state from streaming
// snapshot and delta events.
package book

import (
	"math"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/amirphl/poly-trader/internal/order"
)

// DefaultTickSize is assumed until the venue announces a tick size change.
const DefaultTickSize = 0.01

// PriceLevel is a single price+size entry on one side of the book.
type PriceLevel struct {
	Price float64
	Size  float64
}

// Delta is an absolute size update at one price. Size 0 removes the level.
type Delta struct {
	AssetID string
	Side    order.Side
	Price   float64
	Size    float64
}

// Book is the thread-safe order book for one asset.
// Deltas that arrive before the first snapshot are buffered and replayed
// in arrival order once the snapshot lands.
type Book struct {
	assetID string

	mu       sync.Mutex
	bids     map[float64]float64
	asks     map[float64]float64
	tickSize float64
	ready    bool
	msgCount uint64
	deferred []Delta
}

// New creates an empty, not-yet-ready book.
func New(assetID string) *Book {
	return &Book{
		assetID:  assetID,
		bids:     make(map[float64]float64),
		asks:     make(map[float64]float64),
		tickSize: DefaultTickSize,
	}
}

// AssetID returns the asset this book tracks.
func (b *Book) AssetID() string { return b.assetID }

// Ready reports whether the first snapshot has been applied.
func (b *Book) Ready() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.ready
}

// TickSize returns the current minimum price increment.
func (b *Book) TickSize() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.tickSize
}

// MessageCount returns how many snapshot/delta messages were applied.
func (b *Book) MessageCount() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.msgCount
}

// DecimalsForTick returns the number of decimals needed to represent
// prices on a tick grid (0.01 -> 2, 0.001 -> 3).
func DecimalsForTick(tick float64) int {
	if tick <= 0 {
		return 2
	}
	raw := strings.TrimRight(strconv.FormatFloat(tick, 'f', 10, 64), "0")
	if i := strings.IndexByte(raw, '.'); i >= 0 {
		return len(raw) - i - 1
	}
	return 0
}

// Quantize snaps a raw price onto the tick grid.
func Quantize(price, tick float64) float64 {
	if tick <= 0 {
		tick = DefaultTickSize
	}
	snapped := math.Round(price/tick) * tick
	// Re-round to the grid's decimal places so map keys compare exactly.
	pow := math.Pow(10, float64(DecimalsForTick(tick)))
	return math.Round(snapped*pow) / pow
}

// ApplySnapshot fully replaces both sides, then replays any deferred
// deltas in arrival order and marks the book ready.
func (b *Book) ApplySnapshot(bids, asks []PriceLevel) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.applySnapshotLocked(bids, asks)
}

// PrimeSnapshot applies a snapshot only while the book is not yet ready.
// It reports whether the snapshot was applied. A streamed snapshot that
// lands first always wins over a REST prime.
func (b *Book) PrimeSnapshot(bids, asks []PriceLevel) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.ready {
		return false
	}
	b.applySnapshotLocked(bids, asks)
	return true
}

func (b *Book) applySnapshotLocked(bids, asks []PriceLevel) {
	b.msgCount++
	clear(b.bids)
	clear(b.asks)

	for _, lvl := range bids {
		if lvl.Size > 0 {
			p := Quantize(lvl.Price, b.tickSize)
			b.bids[p] += lvl.Size
		}
	}
	for _, lvl := range asks {
		if lvl.Size > 0 {
			p := Quantize(lvl.Price, b.tickSize)
			b.asks[p] += lvl.Size
		}
	}

	for _, d := range b.deferred {
		b.applyDeltaLocked(d)
	}
	b.deferred = nil
	b.ready = true
}

// ApplyDelta applies one absolute size update. Before the first snapshot
// the delta is queued; updates for a different asset are dropped.
func (b *Book) ApplyDelta(d Delta) {
	if d.AssetID != "" && d.AssetID != b.assetID {
		return
	}
	if d.Side != order.SideBuy && d.Side != order.SideSell {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	b.msgCount++
	if !b.ready {
		b.deferred = append(b.deferred, d)
		return
	}
	b.applyDeltaLocked(d)
}

func (b *Book) applyDeltaLocked(d Delta) {
	side := b.asks
	if d.Side == order.SideBuy {
		side = b.bids
	}
	p := Quantize(d.Price, b.tickSize)
	if d.Size == 0 {
		delete(side, p)
		return
	}
	if d.Size > 0 {
		side[p] = d.Size
	}
}

// ApplyTickSizeChange re-quantizes every resting level under the new
// grid. Levels that collide into the same bucket have their sizes
// summed, never dropped.
func (b *Book) ApplyTickSizeChange(newTick float64) {
	if newTick <= 0 {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if newTick == b.tickSize {
		return
	}
	b.msgCount++
	b.tickSize = newTick
	b.bids = requantize(b.bids, newTick)
	b.asks = requantize(b.asks, newTick)
}

func requantize(levels map[float64]float64, tick float64) map[float64]float64 {
	out := make(map[float64]float64, len(levels))
	for p, s := range levels {
		out[Quantize(p, tick)] += s
	}
	return out
}

// TopLevels returns up to n bids sorted strictly descending and up to
// n asks sorted strictly ascending.
func (b *Book) TopLevels(n int) (bids, asks []PriceLevel) {
	b.mu.Lock()
	defer b.mu.Unlock()

	bids = sortedLevels(b.bids, true)
	asks = sortedLevels(b.asks, false)
	if n >= 0 {
		if len(bids) > n {
			bids = bids[:n]
		}
		if len(asks) > n {
			asks = asks[:n]
		}
	}
	return bids, asks
}

func sortedLevels(side map[float64]float64, desc bool) []PriceLevel {
	out := make([]PriceLevel, 0, len(side))
	for p, s := range side {
		out = append(out, PriceLevel{Price: p, Size: s})
	}
	sort.Slice(out, func(i, j int) bool {
		if desc {
			return out[i].Price > out[j].Price
		}
		return out[i].Price < out[j].Price
	})
	return out
}

// BestBid returns the highest bid, if any.
func (b *Book) BestBid() (PriceLevel, bool) {
	bids, _ := b.TopLevels(1)
	if len(bids) == 0 {
		return PriceLevel{}, false
	}
	return bids[0], true
}

// BestAsk returns the lowest ask, if any.
func (b *Book) BestAsk() (PriceLevel, bool) {
	_, asks := b.TopLevels(1)
	if len(asks) == 0 {
		return PriceLevel{}, false
	}
	return asks[0], true
}

// CumulativeNotional returns the running sum of price*size per rank,
// for depth-weighted decisions.
func CumulativeNotional(levels []PriceLevel) []float64 {
	out := make([]float64, len(levels))
	sum := 0.0
	for i, lvl := range levels {
		sum += lvl.Price * lvl.Size
		out[i] = sum
	}
	return out
}
