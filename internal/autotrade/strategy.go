package autotrade

import (
	"fmt"
	"sort"
	"strings"

	"github.com/amirphl/poly-trader/internal/config"
	"github.com/amirphl/poly-trader/internal/feed"
	"github.com/amirphl/poly-trader/internal/order"
)

// PairContext is the market view a strategy decides on. It is assembled
// once per evaluation pass and never mutated by strategies.
type PairContext struct {
	Assets      []string
	Positions   map[string]float64
	BuyAllowed  bool
	SellAllowed bool
	BothOver    bool
	BestBids    map[string]float64
	LastTrades  map[string]feed.LastTrade
}

func (c PairContext) other(assetID string) string {
	if len(c.Assets) < 2 {
		return ""
	}
	if assetID == c.Assets[0] {
		return c.Assets[1]
	}
	return c.Assets[0]
}

// OrderIntent is a strategy's request to quote one side. Level overrides
// the configured ladder level when set; SizeMultiplier scales the
// configured share size (zero means unscaled).
type OrderIntent struct {
	Side           order.Side
	Level          *int
	SizeMultiplier float64
}

// Strategy decides what to quote for one asset of a pair. Decide must be a
// pure function of its arguments.
type Strategy interface {
	Name() string
	Decide(assetID string, cfg config.PairConfig, ctx PairContext) []OrderIntent
}

var strategies = map[string]Strategy{
	"default":      defaultStrategy{},
	"conservative": conservativeStrategy{},
	"aggressive":   aggressiveStrategy{},
	"adaptive":     adaptiveStrategy{},
}

// StrategyByName resolves a strategy from the fixed registry. Unknown
// names are rejected so a typo in config surfaces at admission instead of
// silently trading a different strategy.
func StrategyByName(name string) (Strategy, error) {
	key := strings.ToLower(strings.TrimSpace(name))
	if key == "" {
		key = "default"
	}
	s, ok := strategies[key]
	if !ok {
		return nil, fmt.Errorf("unknown strategy %q (known: %s)", name, strings.Join(StrategyNames(), ", "))
	}
	return s, nil
}

// StrategyNames lists the registered strategy names, sorted.
func StrategyNames() []string {
	out := make([]string, 0, len(strategies))
	for name := range strategies {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

func levelPtr(n int) *int { return &n }
