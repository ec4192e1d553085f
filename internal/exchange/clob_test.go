package exchange

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/amirphl/poly-trader/internal/order"
)

var testCreds = Credentials{
	APIKey:     "key-1",
	Secret:     base64.URLEncoding.EncodeToString([]byte("topsecret")),
	Passphrase: "pass-1",
	Address:    "0xowner",
}

func TestCLOBClient_PlaceLimitOrder(t *testing.T) {
	t.Run("GTC", func(t *testing.T) {
		var got orderPayload
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			require.Equal(t, http.MethodPost, r.Method)
			require.Equal(t, "/order", r.URL.Path)
			assert.Equal(t, "key-1", r.Header.Get("POLY-API-KEY"))
			assert.Equal(t, "pass-1", r.Header.Get("POLY-PASSPHRASE"))
			assert.Equal(t, "0xowner", r.Header.Get("POLY-ADDRESS"))

			body, err := io.ReadAll(r.Body)
			require.NoError(t, err)
			require.NoError(t, json.Unmarshal(body, &got))

			// The signature must match a recomputation over the exact
			// request the server received.
			mac := hmac.New(sha256.New, []byte("topsecret"))
			mac.Write([]byte(r.Header.Get("POLY-TIMESTAMP") + r.Method + r.URL.Path + string(body)))
			want := base64.URLEncoding.EncodeToString(mac.Sum(nil))
			assert.Equal(t, want, r.Header.Get("POLY-SIGNATURE"))

			w.Write([]byte(`{"success": true, "orderID": "ord-1"}`))
		}))
		defer srv.Close()

		c := NewCLOBClient(srv.URL, srv.URL, testCreds, nil)
		orderID, err := c.PlaceLimitOrder(context.Background(), "asset-1", order.SideBuy, 20, 0.40, 0)
		require.NoError(t, err)
		assert.Equal(t, "ord-1", orderID)
		assert.Equal(t, "GTC", got.OrderType)
		assert.Zero(t, got.Expiration)
		assert.Equal(t, "BUY", got.Side)
		assert.Equal(t, "20.00", got.Size)
		assert.Equal(t, "0.4000", got.Price)
	})

	t.Run("GTDCarriesExpiration", func(t *testing.T) {
		var got orderPayload
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			body, _ := io.ReadAll(r.Body)
			require.NoError(t, json.Unmarshal(body, &got))
			w.Write([]byte(`{"success": true, "orderID": "ord-2"}`))
		}))
		defer srv.Close()

		c := NewCLOBClient(srv.URL, srv.URL, testCreds, nil)
		_, err := c.PlaceLimitOrder(context.Background(), "asset-1", order.SideSell, 10, 0.61, 180)
		require.NoError(t, err)
		assert.Equal(t, "GTD", got.OrderType)
		assert.NotZero(t, got.Expiration)
	})

	t.Run("RejectionSurfaces", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte(`{"success": false, "errorMsg": "order size below minimum"}`))
		}))
		defer srv.Close()

		c := NewCLOBClient(srv.URL, srv.URL, testCreds, nil)
		_, err := c.PlaceLimitOrder(context.Background(), "asset-1", order.SideBuy, 1, 0.40, 0)
		require.Error(t, err)
		assert.ErrorIs(t, err, order.ErrOrderRejected)
		assert.Contains(t, err.Error(), "below minimum")
	})
}

func TestCLOBClient_CancelOrder(t *testing.T) {
	var gotMethod, gotBody string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		body, _ := io.ReadAll(r.Body)
		gotBody = string(body)
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	c := NewCLOBClient(srv.URL, srv.URL, testCreds, nil)
	require.NoError(t, c.CancelOrder(context.Background(), "ord-1"))
	assert.Equal(t, http.MethodDelete, gotMethod)
	assert.Contains(t, gotBody, `"ord-1"`)
}

func TestCLOBClient_FetchOpenOrders(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/data/orders", r.URL.Path)
		w.Write([]byte(`[
			{"id": "ord-1", "asset_id": "asset-1", "market": "0xmkt", "outcome": "Yes",
			 "side": "BUY", "price": "0.40", "original_size": "20", "size_matched": "5",
			 "expiration": "1750000000", "created_at": 1740000000, "owner": "key-1"},
			{"id": "ord-2", "asset_id": "asset-2", "side": "HOLD", "price": "0.5",
			 "original_size": "10", "size_matched": "0"},
			{"id": "", "asset_id": "asset-3", "side": "SELL", "price": "0.6",
			 "original_size": "10", "size_matched": "0"}
		]`))
	}))
	defer srv.Close()

	c := NewCLOBClient(srv.URL, srv.URL, testCreds, nil)
	records, err := c.FetchOpenOrders(context.Background())
	require.NoError(t, err)

	// The unparseable side and the missing id are dropped.
	require.Len(t, records, 1)
	rec := records[0]
	assert.Equal(t, "ord-1", rec.OrderID)
	assert.Equal(t, "asset-1", rec.AssetID)
	assert.Equal(t, order.SideBuy, rec.Side)
	assert.InDelta(t, 0.40, rec.Price, 1e-9)
	assert.InDelta(t, 15.0, rec.Size, 1e-9)
	assert.Equal(t, int64(1750000000), rec.Expiration)
	assert.Equal(t, "key-1", rec.Owner)
}

func TestCLOBClient_FetchPositions(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/positions", r.URL.Path)
		assert.Equal(t, "0xowner", r.URL.Query().Get("user"))
		assert.Equal(t, "500", r.URL.Query().Get("limit"))
		w.Write([]byte(`[
			{"asset": "asset-1", "size": 42.5},
			{"asset": "asset-2", "size": 0},
			{"asset": "", "size": 10}
		]`))
	}))
	defer srv.Close()

	c := NewCLOBClient(srv.URL, srv.URL, testCreds, nil)
	positions, err := c.FetchPositions(context.Background(), "0xowner")
	require.NoError(t, err)
	assert.Equal(t, map[string]float64{"asset-1": 42.5}, positions)
}

func TestCLOBClient_FetchBookSnapshot(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/book", r.URL.Path)
		assert.Equal(t, "asset-1", r.URL.Query().Get("token_id"))
		w.Write([]byte(`{
			"bids": [{"price": "0.40", "size": "100"}, {"price": "0", "size": "5"}],
			"asks": [{"price": "0.60", "size": "80"}]
		}`))
	}))
	defer srv.Close()

	c := NewCLOBClient(srv.URL, srv.URL, testCreds, nil)
	bids, asks, err := c.FetchBookSnapshot(context.Background(), "asset-1")
	require.NoError(t, err)
	require.Len(t, bids, 1)
	assert.InDelta(t, 0.40, bids[0].Price, 1e-9)
	assert.InDelta(t, 100.0, bids[0].Size, 1e-9)
	require.Len(t, asks, 1)
	assert.InDelta(t, 0.60, asks[0].Price, 1e-9)
}
