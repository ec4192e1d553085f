package autotrade

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/amirphl/poly-trader/internal/config"
	"github.com/amirphl/poly-trader/internal/feed"
	"github.com/amirphl/poly-trader/internal/order"
)

func testPair() config.PairConfig {
	return config.PairConfig{
		PairKey: "pair-1",
		Assets:  []string{"asset-a", "asset-b"},
		AssetSettings: []config.AssetConfig{
			{AssetID: "asset-a", Shares: 20, TTLSeconds: 120, Level: 0},
			{AssetID: "asset-b", Shares: 20, TTLSeconds: 120, Level: -1},
		},
		BuyMaxCents:   97,
		SellMinCents:  103,
		SellMinShares: 20,
		Strategy:      "default",
	}
}

func testCtx(positions map[string]float64) PairContext {
	return PairContext{
		Assets:      []string{"asset-a", "asset-b"},
		Positions:   positions,
		BuyAllowed:  true,
		SellAllowed: true,
		BestBids:    map[string]float64{"asset-a": 0.48, "asset-b": 0.48},
	}
}

func TestStrategyByName(t *testing.T) {
	t.Run("EmptyFallsBackToDefault", func(t *testing.T) {
		s, err := StrategyByName("")
		require.NoError(t, err)
		assert.Equal(t, "default", s.Name())
	})

	t.Run("CaseInsensitive", func(t *testing.T) {
		s, err := StrategyByName("  Adaptive ")
		require.NoError(t, err)
		assert.Equal(t, "adaptive", s.Name())
	})

	t.Run("UnknownRejected", func(t *testing.T) {
		_, err := StrategyByName("yolo")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "default")
	})

	t.Run("NamesSorted", func(t *testing.T) {
		assert.Equal(t, []string{"adaptive", "aggressive", "conservative", "default"}, StrategyNames())
	})
}

func TestDefaultStrategy(t *testing.T) {
	cfg := testPair()
	var s defaultStrategy

	t.Run("NoInventoryBuys", func(t *testing.T) {
		intents := s.Decide("asset-a", cfg, testCtx(map[string]float64{}))
		require.Len(t, intents, 1)
		assert.Equal(t, order.SideBuy, intents[0].Side)
	})

	t.Run("BuyGateBlocks", func(t *testing.T) {
		ctx := testCtx(map[string]float64{})
		ctx.BuyAllowed = false
		assert.Empty(t, s.Decide("asset-a", cfg, ctx))
	})

	t.Run("InventorySells", func(t *testing.T) {
		intents := s.Decide("asset-a", cfg, testCtx(map[string]float64{"asset-a": 20}))
		require.Len(t, intents, 1)
		assert.Equal(t, order.SideSell, intents[0].Side)
	})

	t.Run("SellGateBlocks", func(t *testing.T) {
		ctx := testCtx(map[string]float64{"asset-a": 20})
		ctx.SellAllowed = false
		assert.Empty(t, s.Decide("asset-a", cfg, ctx))
	})

	t.Run("OppositeInventoryStaysOut", func(t *testing.T) {
		assert.Empty(t, s.Decide("asset-a", cfg, testCtx(map[string]float64{"asset-b": 20})))
	})

	t.Run("PartialInventoryStillBuys", func(t *testing.T) {
		intents := s.Decide("asset-a", cfg, testCtx(map[string]float64{"asset-a": 10}))
		require.Len(t, intents, 1)
		assert.Equal(t, order.SideBuy, intents[0].Side)
	})
}

func TestConservativeStrategy(t *testing.T) {
	cfg := testPair()
	var s conservativeStrategy

	t.Run("CapBlocksEverything", func(t *testing.T) {
		ctx := testCtx(map[string]float64{"asset-a": 25})
		ctx.BothOver = true
		assert.Empty(t, s.Decide("asset-a", cfg, ctx))
	})

	t.Run("BothOverSells", func(t *testing.T) {
		ctx := testCtx(map[string]float64{"asset-a": 21, "asset-b": 22})
		ctx.BothOver = true
		intents := s.Decide("asset-a", cfg, ctx)
		require.Len(t, intents, 1)
		assert.Equal(t, order.SideSell, intents[0].Side)
	})

	t.Run("UnderexposedBuys", func(t *testing.T) {
		// 0 vs 20 held puts this outcome a full SellMinShares behind.
		intents := s.Decide("asset-a", cfg, testCtx(map[string]float64{"asset-b": 20}))
		require.Len(t, intents, 1)
		assert.Equal(t, order.SideBuy, intents[0].Side)
	})

	t.Run("BalancedStaysIdle", func(t *testing.T) {
		assert.Empty(t, s.Decide("asset-a", cfg, testCtx(map[string]float64{"asset-a": 5, "asset-b": 5})))
	})
}

func TestAggressiveStrategy(t *testing.T) {
	cfg := testPair()
	var s aggressiveStrategy

	t.Run("CapBlocksEverything", func(t *testing.T) {
		assert.Empty(t, s.Decide("asset-a", cfg, testCtx(map[string]float64{"asset-a": 30})))
	})

	t.Run("PrefersSellWhenOverexposed", func(t *testing.T) {
		intents := s.Decide("asset-a", cfg, testCtx(map[string]float64{"asset-a": 20, "asset-b": 0}))
		require.Len(t, intents, 1)
		assert.Equal(t, order.SideSell, intents[0].Side)
	})

	t.Run("FallsBackToOtherSide", func(t *testing.T) {
		ctx := testCtx(map[string]float64{"asset-a": 20, "asset-b": 0})
		ctx.SellAllowed = false
		intents := s.Decide("asset-a", cfg, ctx)
		require.Len(t, intents, 1)
		assert.Equal(t, order.SideBuy, intents[0].Side)
	})

	t.Run("NothingAllowed", func(t *testing.T) {
		ctx := testCtx(map[string]float64{})
		ctx.BuyAllowed = false
		ctx.SellAllowed = false
		assert.Empty(t, s.Decide("asset-a", cfg, ctx))
	})
}

func TestAdaptiveStrategy(t *testing.T) {
	cfg := testPair()
	var s adaptiveStrategy

	armed := func(positions map[string]float64) PairContext {
		ctx := testCtx(positions)
		ctx.BestBids = map[string]float64{"asset-a": 0.60, "asset-b": 0.40}
		ctx.LastTrades = map[string]feed.LastTrade{
			"asset-a": {AssetID: "asset-a", Price: 0.5, Size: 400},
		}
		return ctx
	}

	t.Run("IdleWithoutTrigger", func(t *testing.T) {
		ctx := armed(map[string]float64{})
		ctx.LastTrades = map[string]feed.LastTrade{
			"asset-a": {AssetID: "asset-a", Price: 0.5, Size: 10},
		}
		assert.Empty(t, s.Decide("asset-a", cfg, ctx))
	})

	t.Run("FavoriteBuysTopSizedUp", func(t *testing.T) {
		intents := s.Decide("asset-a", cfg, armed(map[string]float64{}))
		require.Len(t, intents, 1)
		assert.Equal(t, order.SideBuy, intents[0].Side)
		require.NotNil(t, intents[0].Level)
		assert.Equal(t, 0, *intents[0].Level)
		assert.Equal(t, 1.5, intents[0].SizeMultiplier)
	})

	t.Run("UnderdogBuysDeeper", func(t *testing.T) {
		intents := s.Decide("asset-b", cfg, armed(map[string]float64{}))
		require.Len(t, intents, 1)
		assert.Equal(t, order.SideBuy, intents[0].Side)
		require.NotNil(t, intents[0].Level)
		assert.Equal(t, -1, *intents[0].Level)
	})

	t.Run("FavoriteWithInventoryQuotesBothSides", func(t *testing.T) {
		intents := s.Decide("asset-a", cfg, armed(map[string]float64{"asset-a": 10}))
		require.Len(t, intents, 2)
		assert.Equal(t, order.SideBuy, intents[0].Side)
		assert.Equal(t, order.SideSell, intents[1].Side)
		require.NotNil(t, intents[1].Level)
		assert.Equal(t, -1, *intents[1].Level)
	})

	t.Run("CapForcesUnwind", func(t *testing.T) {
		intents := s.Decide("asset-a", cfg, armed(map[string]float64{"asset-a": 25}))
		require.Len(t, intents, 1)
		assert.Equal(t, order.SideSell, intents[0].Side)
		require.NotNil(t, intents[0].Level)
		assert.Equal(t, -1, *intents[0].Level)
	})
}
