package autotrade

import (
	"github.com/amirphl/poly-trader/internal/config"
	"github.com/amirphl/poly-trader/internal/order"
)

// Inventory cap shared by the conservative and aggressive variants.
const inventoryCapShares = 25

// defaultStrategy is capital-efficient two-sided quoting:
// "has inventory" means the position reached the configured share size.
// With inventory on this asset, quote SELL here; with inventory only on
// the opposite asset, stay out; with no inventory anywhere, keep posting
// BUYs.
type defaultStrategy struct{}

func (defaultStrategy) Name() string { return "default" }

func (defaultStrategy) Decide(assetID string, cfg config.PairConfig, ctx PairContext) []OrderIntent {
	otherID := ctx.other(assetID)
	currentShares := ctx.Positions[assetID]
	otherShares := ctx.Positions[otherID]

	var currentThreshold, otherThreshold float64
	if s, ok := cfg.Settings(assetID); ok {
		currentThreshold = s.Shares
	}
	if s, ok := cfg.Settings(otherID); ok {
		otherThreshold = s.Shares
	}
	hasCurrentInventory := currentThreshold > 0 && currentShares >= currentThreshold
	hasOtherInventory := otherThreshold > 0 && otherShares >= otherThreshold

	if hasCurrentInventory {
		if !ctx.SellAllowed {
			return nil
		}
		return []OrderIntent{{Side: order.SideSell}}
	}
	if hasOtherInventory {
		return nil
	}
	if !ctx.BuyAllowed {
		return nil
	}
	return []OrderIntent{{Side: order.SideBuy}}
}

// conservativeStrategy only buys while underexposed relative to the other
// outcome and only sells once both outcomes are over the minimum.
type conservativeStrategy struct{}

func (conservativeStrategy) Name() string { return "conservative" }

func (conservativeStrategy) Decide(assetID string, cfg config.PairConfig, ctx PairContext) []OrderIntent {
	otherID := ctx.other(assetID)
	currentShares := ctx.Positions[assetID]
	otherShares := ctx.Positions[otherID]
	if currentShares >= inventoryCapShares {
		return nil
	}
	exposureDiff := currentShares - otherShares
	if ctx.BothOver && ctx.SellAllowed {
		return []OrderIntent{{Side: order.SideSell}}
	}
	if exposureDiff <= -cfg.SellMinShares && ctx.BuyAllowed {
		return []OrderIntent{{Side: order.SideBuy}}
	}
	return nil
}

// aggressiveStrategy picks a preferred side from exposure and takes
// whichever allowed side it can get.
type aggressiveStrategy struct{}

func (aggressiveStrategy) Name() string { return "aggressive" }

func (aggressiveStrategy) Decide(assetID string, cfg config.PairConfig, ctx PairContext) []OrderIntent {
	otherID := ctx.other(assetID)
	currentShares := ctx.Positions[assetID]
	otherShares := ctx.Positions[otherID]
	if currentShares >= inventoryCapShares {
		return nil
	}
	exposureDiff := currentShares - otherShares

	preferred := order.SideBuy
	if ctx.BothOver || exposureDiff >= cfg.SellMinShares {
		preferred = order.SideSell
	}
	if preferred == order.SideBuy && ctx.BuyAllowed {
		return []OrderIntent{{Side: order.SideBuy}}
	}
	if preferred == order.SideSell && ctx.SellAllowed {
		return []OrderIntent{{Side: order.SideSell}}
	}
	if ctx.BuyAllowed {
		return []OrderIntent{{Side: order.SideBuy}}
	}
	if ctx.SellAllowed {
		return []OrderIntent{{Side: order.SideSell}}
	}
	return nil
}

// Adaptive tuning: a trade print of at least this notional arms the
// strategy, and a best bid this far above the other outcome marks the
// favorite.
const (
	adaptiveTriggerNotional = 150.0
	adaptiveFavoriteMargin  = 0.05
)

// adaptiveStrategy stays idle until a large trade prints on either
// outcome, then sizes up on the favorite and unwinds above the cap.
type adaptiveStrategy struct{}

func (adaptiveStrategy) Name() string { return "adaptive" }

func (adaptiveStrategy) Decide(assetID string, cfg config.PairConfig, ctx PairContext) []OrderIntent {
	triggered := false
	for _, aid := range ctx.Assets {
		last, ok := ctx.LastTrades[aid]
		if !ok {
			continue
		}
		if last.Price*last.Size >= adaptiveTriggerNotional {
			triggered = true
			break
		}
	}
	if !triggered {
		return nil
	}

	otherID := ctx.other(assetID)
	bidSelf := ctx.BestBids[assetID]
	bidOther := ctx.BestBids[otherID]

	isSelfFavorite := bidSelf >= bidOther+adaptiveFavoriteMargin
	favID := otherID
	if isSelfFavorite {
		favID = assetID
	}
	sharesFav := ctx.Positions[favID]
	sharesSelf := ctx.Positions[assetID]

	var intents []OrderIntent
	if ctx.BuyAllowed {
		switch {
		case sharesFav <= 5:
			if isSelfFavorite {
				intents = append(intents, OrderIntent{Side: order.SideBuy, Level: levelPtr(0), SizeMultiplier: 1.5})
			} else {
				intents = append(intents, OrderIntent{Side: order.SideBuy, Level: levelPtr(-1)})
			}
		case isSelfFavorite:
			intents = append(intents, OrderIntent{Side: order.SideBuy, Level: levelPtr(0), SizeMultiplier: 1.5})
			if ctx.SellAllowed {
				intents = append(intents, OrderIntent{Side: order.SideSell, Level: levelPtr(-1), SizeMultiplier: 1})
			}
		}
	}

	if sharesSelf >= inventoryCapShares && ctx.SellAllowed {
		return []OrderIntent{{Side: order.SideSell, Level: levelPtr(-1), SizeMultiplier: 1}}
	}
	return intents
}
