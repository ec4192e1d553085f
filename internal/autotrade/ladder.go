package autotrade

import (
	"math"

	"github.com/amirphl/poly-trader/internal/book"
	"github.com/amirphl/poly-trader/internal/order"
)

// Ladder placement: level <= 0 walks a deduplicated placement ladder built
// from the resting book at tick granularity (level 0 is top of book, -1
// one rung deeper, and a gap wider than one tick inserts a rung just
// inside it). level > 0 crosses part of the spread: BUY at
// min(bestAsk-tick, bestBid+level*tick), SELL at
// max(bestBid+tick, bestAsk-level*tick).

func roundTo(val float64, decimals int) float64 {
	pow := math.Pow(10, float64(decimals))
	return math.Round(val*pow) / pow
}

func buildBidPlacements(prices []float64, tick float64) []float64 {
	decimals := book.DecimalsForTick(tick)
	out := make([]float64, 0, len(prices))
	pushUnique := func(val float64) {
		if len(out) == 0 || math.Abs(out[len(out)-1]-val) >= tick/2 {
			out = append(out, val)
		}
	}
	havePrev := false
	var prev float64
	for _, price := range prices {
		if havePrev && prev-price > tick {
			pushUnique(roundTo(price+tick, decimals))
			pushUnique(roundTo(price, decimals))
		} else {
			pushUnique(roundTo(price, decimals))
		}
		prev = price
		havePrev = true
	}
	return out
}

func buildAskPlacements(prices []float64, tick float64) []float64 {
	decimals := book.DecimalsForTick(tick)
	out := make([]float64, 0, len(prices))
	pushUnique := func(val float64) {
		if len(out) == 0 || math.Abs(out[len(out)-1]-val) >= tick/2 {
			out = append(out, val)
		}
	}
	havePrev := false
	var prev float64
	for _, price := range prices {
		if havePrev && price-prev > tick {
			pushUnique(roundTo(prev+tick, decimals))
			pushUnique(roundTo(price, decimals))
		} else {
			pushUnique(roundTo(price, decimals))
		}
		prev = price
		havePrev = true
	}
	return out
}

// PriceForLevel computes the quote price for a ladder level against the
// current book. Requires at least one resting level on each side.
func PriceForLevel(b *book.Book, side order.Side, level int) (float64, bool) {
	bids, asks := b.TopLevels(100)
	if len(bids) == 0 || len(asks) == 0 {
		return 0, false
	}
	bidPrices := make([]float64, len(bids))
	for i, lvl := range bids {
		bidPrices[i] = lvl.Price
	}
	askPrices := make([]float64, len(asks))
	for i, lvl := range asks {
		askPrices[i] = lvl.Price
	}
	bestBid := bidPrices[0]
	bestAsk := askPrices[0]
	tick := b.TickSize()
	if tick <= 0 {
		tick = book.DefaultTickSize
	}

	if level <= 0 {
		depth := len(bidPrices)
		if len(askPrices) > depth {
			depth = len(askPrices)
		}
		idx := -level
		if idx > depth-1 {
			idx = depth - 1
		}
		if side == order.SideBuy {
			placements := buildBidPlacements(bidPrices, tick)
			if idx < len(placements) {
				return placements[idx], true
			}
			return bestBid, true
		}
		placements := buildAskPlacements(askPrices, tick)
		if idx < len(placements) {
			return placements[idx], true
		}
		return bestAsk, true
	}

	if side == order.SideBuy {
		return math.Min(bestAsk-tick, bestBid+float64(level)*tick), true
	}
	return math.Max(bestBid+tick, bestAsk-float64(level)*tick), true
}
