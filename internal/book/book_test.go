package book

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/amirphl/poly-trader/internal/order"
)

func TestQuantize(t *testing.T) {
	t.Run("Snaps float noise onto the grid", func(t *testing.T) {
		assert.Equal(t, 0.33, Quantize(0.33000001, 0.01))
		assert.Equal(t, 0.33, Quantize(0.32999999, 0.01))
	})

	t.Run("Finer grid keeps more decimals", func(t *testing.T) {
		assert.Equal(t, 0.405, Quantize(0.405, 0.001))
	})

	t.Run("Zero tick falls back to default", func(t *testing.T) {
		assert.Equal(t, 0.42, Quantize(0.4199, 0))
	})
}

func TestDecimalsForTick(t *testing.T) {
	assert.Equal(t, 2, DecimalsForTick(0.01))
	assert.Equal(t, 3, DecimalsForTick(0.001))
	assert.Equal(t, 1, DecimalsForTick(0.1))
	assert.Equal(t, 2, DecimalsForTick(0))
}

func TestBook_DeferredDeltas(t *testing.T) {
	b := New("asset-1")
	require.False(t, b.Ready())

	// Deltas before the first snapshot must be buffered, not applied.
	b.ApplyDelta(Delta{AssetID: "asset-1", Side: order.SideBuy, Price: 0.40, Size: 25})
	b.ApplyDelta(Delta{AssetID: "asset-1", Side: order.SideBuy, Price: 0.40, Size: 0})
	b.ApplyDelta(Delta{AssetID: "asset-1", Side: order.SideSell, Price: 0.45, Size: 10})
	require.False(t, b.Ready())

	b.ApplySnapshot(
		[]PriceLevel{{Price: 0.40, Size: 100}, {Price: 0.39, Size: 50}},
		[]PriceLevel{{Price: 0.42, Size: 30}},
	)
	require.True(t, b.Ready())

	// Replay order: 0.40 set to 25, then removed, then ask 0.45 added.
	bids, asks := b.TopLevels(10)
	assert.Equal(t, []PriceLevel{{Price: 0.39, Size: 50}}, bids)
	assert.Equal(t, []PriceLevel{{Price: 0.42, Size: 30}, {Price: 0.45, Size: 10}}, asks)
}

func TestBook_DeltaRoundTrip(t *testing.T) {
	b := New("asset-1")
	b.ApplySnapshot([]PriceLevel{{Price: 0.40, Size: 100}}, nil)

	b.ApplyDelta(Delta{AssetID: "asset-1", Side: order.SideBuy, Price: 0.40, Size: 0})
	bids, _ := b.TopLevels(10)
	assert.Empty(t, bids)

	b.ApplyDelta(Delta{AssetID: "asset-1", Side: order.SideBuy, Price: 0.40, Size: 100})
	bids, _ = b.TopLevels(10)
	assert.Equal(t, []PriceLevel{{Price: 0.40, Size: 100}}, bids)
}

func TestBook_PrimeSnapshot(t *testing.T) {
	t.Run("Applies while not ready", func(t *testing.T) {
		b := New("asset-1")
		require.True(t, b.PrimeSnapshot([]PriceLevel{{Price: 0.40, Size: 100}}, nil))
		require.True(t, b.Ready())
		best, ok := b.BestBid()
		require.True(t, ok)
		assert.Equal(t, 0.40, best.Price)
	})

	t.Run("Rejected once a snapshot landed", func(t *testing.T) {
		b := New("asset-1")
		b.ApplySnapshot([]PriceLevel{{Price: 0.40, Size: 100}}, nil)
		require.False(t, b.PrimeSnapshot([]PriceLevel{{Price: 0.30, Size: 1}}, nil))
		best, ok := b.BestBid()
		require.True(t, ok)
		assert.Equal(t, 0.40, best.Price)
	})

	t.Run("Replays deferred deltas like a snapshot", func(t *testing.T) {
		b := New("asset-1")
		b.ApplyDelta(Delta{AssetID: "asset-1", Side: order.SideSell, Price: 0.45, Size: 10})
		require.True(t, b.PrimeSnapshot(nil, []PriceLevel{{Price: 0.42, Size: 30}}))
		_, asks := b.TopLevels(10)
		assert.Equal(t, []PriceLevel{{Price: 0.42, Size: 30}, {Price: 0.45, Size: 10}}, asks)
	})
}

func TestBook_SnapshotReplaces(t *testing.T) {
	b := New("asset-1")
	b.ApplySnapshot(
		[]PriceLevel{{Price: 0.40, Size: 100}},
		[]PriceLevel{{Price: 0.42, Size: 50}},
	)
	b.ApplyDelta(Delta{AssetID: "asset-1", Side: order.SideBuy, Price: 0.40, Size: 0})

	bids, _ := b.TopLevels(1)
	require.Empty(t, bids)

	// A fresh snapshot wins regardless of prior delta history.
	b.ApplySnapshot([]PriceLevel{{Price: 0.41, Size: 10}}, nil)
	best, ok := b.BestBid()
	require.True(t, ok)
	assert.Equal(t, 0.41, best.Price)
	_, asks := b.TopLevels(10)
	assert.Empty(t, asks)
}

func TestBook_IgnoresForeignAndMalformed(t *testing.T) {
	b := New("asset-1")
	b.ApplySnapshot([]PriceLevel{{Price: 0.40, Size: 100}}, nil)

	b.ApplyDelta(Delta{AssetID: "asset-2", Side: order.SideBuy, Price: 0.40, Size: 0})
	b.ApplyDelta(Delta{AssetID: "asset-1", Side: "HOLD", Price: 0.40, Size: 0})
	b.ApplyDelta(Delta{AssetID: "asset-1", Side: order.SideBuy, Price: 0.40, Size: -5})

	bids, _ := b.TopLevels(10)
	assert.Equal(t, []PriceLevel{{Price: 0.40, Size: 100}}, bids)
}

func TestBook_TickSizeChange(t *testing.T) {
	t.Run("Unchanged tick is a no-op", func(t *testing.T) {
		b := New("asset-1")
		b.ApplySnapshot([]PriceLevel{{Price: 0.40, Size: 100}}, nil)
		before := b.MessageCount()
		b.ApplyTickSizeChange(0.01)
		assert.Equal(t, before, b.MessageCount())
	})

	t.Run("Finer grid keeps totals", func(t *testing.T) {
		b := New("asset-1")
		b.ApplySnapshot([]PriceLevel{{Price: 0.40, Size: 100}}, nil)
		b.ApplyTickSizeChange(0.001)
		assert.Equal(t, 0.001, b.TickSize())
		bids, _ := b.TopLevels(10)
		require.Len(t, bids, 1)
		assert.Equal(t, 100.0, bids[0].Size)
	})

	t.Run("Coarser grid sums colliding buckets", func(t *testing.T) {
		b := New("asset-1")
		b.ApplyTickSizeChange(0.001)
		b.ApplySnapshot([]PriceLevel{{Price: 0.401, Size: 40}, {Price: 0.399, Size: 60}}, nil)
		b.ApplyTickSizeChange(0.01)
		bids, _ := b.TopLevels(10)
		require.Len(t, bids, 1)
		assert.Equal(t, 0.40, bids[0].Price)
		assert.Equal(t, 100.0, bids[0].Size)
	})
}

func TestBook_TopLevels(t *testing.T) {
	b := New("asset-1")
	b.ApplySnapshot(
		[]PriceLevel{{Price: 0.38, Size: 1}, {Price: 0.40, Size: 2}, {Price: 0.39, Size: 3}},
		[]PriceLevel{{Price: 0.44, Size: 4}, {Price: 0.42, Size: 5}, {Price: 0.43, Size: 6}},
	)

	bids, asks := b.TopLevels(2)
	require.Len(t, bids, 2)
	require.Len(t, asks, 2)
	assert.Equal(t, 0.40, bids[0].Price)
	assert.Equal(t, 0.39, bids[1].Price)
	assert.Equal(t, 0.42, asks[0].Price)
	assert.Equal(t, 0.43, asks[1].Price)
}

func TestCumulativeNotional(t *testing.T) {
	levels := []PriceLevel{{Price: 0.40, Size: 100}, {Price: 0.39, Size: 200}}
	got := CumulativeNotional(levels)
	require.Len(t, got, 2)
	assert.InDelta(t, 40.0, got[0], 1e-9)
	assert.InDelta(t, 118.0, got[1], 1e-9)

	assert.Empty(t, CumulativeNotional(nil))
}
