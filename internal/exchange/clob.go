// Package exchange
package exchange

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	jsoniter "github.com/json-iterator/go"

	"github.com/amirphl/poly-trader/internal/book"
	"github.com/amirphl/poly-trader/internal/notifier"
	"github.com/amirphl/poly-trader/internal/order"
	"github.com/amirphl/poly-trader/internal/utils"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Credentials are the L2 API credentials plus the funding address
// positions are reported under.
type Credentials struct {
	APIKey     string
	Secret     string
	Passphrase string
	Address    string
}

// CLOBClient talks to the venue's REST API: order placement and
// cancellation against the CLOB host, positions against the data API.
type CLOBClient struct {
	restURL  string
	dataURL  string
	creds    Credentials
	client   *http.Client
	notifier notifier.Notifier
}

// NewCLOBClient builds a client. n may be nil when order failures should
// not page anyone.
func NewCLOBClient(restURL, dataURL string, creds Credentials, n notifier.Notifier) *CLOBClient {
	return &CLOBClient{
		restURL:  strings.TrimRight(restURL, "/"),
		dataURL:  strings.TrimRight(dataURL, "/"),
		creds:    creds,
		client:   &http.Client{Timeout: 10 * time.Second},
		notifier: n,
	}
}

func (c *CLOBClient) Name() string {
	return "polymarket-clob"
}

// retry wraps a function with retry logic for transient errors, using exponential backoff and error logging.
func retry(attempts int, delay time.Duration, fn func() error) error {
	backoff := delay
	for i := 1; i <= attempts; i++ {
		err := fn()
		if err == nil {
			return nil
		}
		utils.GetLogger().Printf("Exchange | %s Retry attempt %d/%d failed: %v. Backing off for %v", "CLOB", i, attempts, err, backoff)
		time.Sleep(backoff)
		// Exponential backoff, but cap at 5 minutes
		if backoff < 5*time.Minute {
			backoff *= 2
			if backoff > 5*time.Minute {
				backoff = 5 * time.Minute
			}
		}
	}
	return errors.New("all retry attempts failed")
}

// sign produces the L2 request signature: urlsafe-base64 HMAC-SHA256 of
// timestamp+method+path+body keyed by the decoded API secret.
func (c *CLOBClient) sign(timestamp, method, path, body string) (string, error) {
	secret, err := base64.URLEncoding.DecodeString(c.creds.Secret)
	if err != nil {
		return "", fmt.Errorf("decoding api secret: %w", err)
	}
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(timestamp + method + path + body))
	return base64.URLEncoding.EncodeToString(mac.Sum(nil)), nil
}

func (c *CLOBClient) doJSON(ctx context.Context, method, base, path string, payload, out any, authed bool) error {
	var body []byte
	if payload != nil {
		var err error
		body, err = json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("encoding request: %w", err)
		}
	}

	req, err := http.NewRequestWithContext(ctx, method, base+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if authed {
		timestamp := strconv.FormatInt(time.Now().Unix(), 10)
		sig, err := c.sign(timestamp, method, path, string(body))
		if err != nil {
			return err
		}
		req.Header.Set("POLY-ADDRESS", c.creds.Address)
		req.Header.Set("POLY-API-KEY", c.creds.APIKey)
		req.Header.Set("POLY-PASSPHRASE", c.creds.Passphrase)
		req.Header.Set("POLY-TIMESTAMP", timestamp)
		req.Header.Set("POLY-SIGNATURE", sig)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("%s %s: status %d: %s", method, path, resp.StatusCode, strings.TrimSpace(string(raw)))
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}

type orderPayload struct {
	TokenID    string `json:"token_id"`
	Side       string `json:"side"`
	Size       string `json:"size"`
	Price      string `json:"price"`
	OrderType  string `json:"order_type"`
	Expiration int64  `json:"expiration,omitempty"`
}

type orderResponse struct {
	Success  bool   `json:"success"`
	ErrorMsg string `json:"errorMsg"`
	OrderID  string `json:"orderID"`
	Status   string `json:"status"`
}

// PlaceLimitOrder posts a limit order. ttlSeconds == 0 places GTC;
// anything positive places GTD expiring that many seconds out. Rejected
// orders surface order.ErrOrderRejected and are never retried here.
func (c *CLOBClient) PlaceLimitOrder(ctx context.Context, assetID string, side order.Side, size, price float64, ttlSeconds int) (string, error) {
	select {
	case <-ctx.Done():
		utils.GetLogger().Printf("Exchange | %s PlaceLimitOrder timeout", c.Name())
		return "", ctx.Err()

	default:
		payload := orderPayload{
			TokenID:   assetID,
			Side:      string(side),
			Size:      strconv.FormatFloat(size, 'f', 2, 64),
			Price:     strconv.FormatFloat(price, 'f', 4, 64),
			OrderType: "GTC",
		}
		if ttlSeconds > 0 {
			payload.OrderType = "GTD"
			payload.Expiration = time.Now().Unix() + int64(ttlSeconds)
		}

		var resp orderResponse
		if err := c.doJSON(ctx, http.MethodPost, c.restURL, "/order", payload, &resp, true); err != nil {
			c.notifyOrderFailure(assetID, side, err)
			return "", err
		}
		if !resp.Success {
			err := fmt.Errorf("%w: %s", order.ErrOrderRejected, resp.ErrorMsg)
			c.notifyOrderFailure(assetID, side, err)
			return "", err
		}
		return resp.OrderID, nil
	}
}

func (c *CLOBClient) notifyOrderFailure(assetID string, side order.Side, err error) {
	if c.notifier == nil {
		return
	}
	msg := fmt.Sprintf("Order submission failed (asset=%s side=%s): %v", assetID, side, err)
	if nerr := c.notifier.SendWithRetry(msg); nerr != nil {
		utils.GetLogger().Printf("Exchange | %s Failure notification failed: %v", c.Name(), nerr)
	}
}

// CancelOrder cancels one resting order by id.
func (c *CLOBClient) CancelOrder(ctx context.Context, orderID string) error {
	select {
	case <-ctx.Done():
		utils.GetLogger().Printf("Exchange | %s CancelOrder timeout", c.Name())
		return ctx.Err()

	default:
		payload := map[string]string{"orderID": orderID}
		return c.doJSON(ctx, http.MethodDelete, c.restURL, "/order", payload, nil, true)
	}
}

// CancelAllOrders cancels every resting order for the account.
func (c *CLOBClient) CancelAllOrders(ctx context.Context) error {
	select {
	case <-ctx.Done():
		utils.GetLogger().Printf("Exchange | %s CancelAllOrders timeout", c.Name())
		return ctx.Err()

	default:
		return c.doJSON(ctx, http.MethodDelete, c.restURL, "/cancel-all", nil, nil, true)
	}
}

type openOrderJSON struct {
	ID           string `json:"id"`
	AssetID      string `json:"asset_id"`
	Market       string `json:"market"`
	Outcome      string `json:"outcome"`
	Side         string `json:"side"`
	Price        string `json:"price"`
	OriginalSize string `json:"original_size"`
	SizeMatched  string `json:"size_matched"`
	Expiration   string `json:"expiration"`
	CreatedAt    int64  `json:"created_at"`
	Owner        string `json:"owner"`
}

// FetchOpenOrders returns the account's resting orders with their
// remaining (unmatched) size.
func (c *CLOBClient) FetchOpenOrders(ctx context.Context) ([]order.OpenOrderRecord, error) {
	select {
	case <-ctx.Done():
		utils.GetLogger().Printf("Exchange | %s FetchOpenOrders timeout", c.Name())
		return nil, ctx.Err()

	default:
		var raw []openOrderJSON
		err := retry(3, 2*time.Second, func() error {
			raw = nil
			return c.doJSON(ctx, http.MethodGet, c.restURL, "/data/orders", nil, &raw, true)
		})
		if err != nil {
			return nil, fmt.Errorf("FetchOpenOrders failed: %w", err)
		}

		records := make([]order.OpenOrderRecord, 0, len(raw))
		for _, oo := range raw {
			side, ok := order.ParseSide(oo.Side)
			if !ok || oo.ID == "" {
				continue
			}
			original, _ := strconv.ParseFloat(oo.OriginalSize, 64)
			matched, _ := strconv.ParseFloat(oo.SizeMatched, 64)
			remaining := original - matched
			if remaining < 0 {
				remaining = 0
			}
			price, _ := strconv.ParseFloat(oo.Price, 64)
			expiration, _ := strconv.ParseInt(oo.Expiration, 10, 64)
			records = append(records, order.OpenOrderRecord{
				OrderID:    oo.ID,
				AssetID:    oo.AssetID,
				Market:     oo.Market,
				Outcome:    oo.Outcome,
				Side:       side,
				Price:      price,
				Size:       remaining,
				Expiration: expiration,
				Timestamp:  oo.CreatedAt,
				Owner:      oo.Owner,
			})
		}
		return records, nil
	}
}

type positionJSON struct {
	Asset string  `json:"asset"`
	Size  float64 `json:"size"`
}

// FetchPositions returns held share sizes per asset for owner from the
// data API. Zero and dust positions are dropped.
func (c *CLOBClient) FetchPositions(ctx context.Context, owner string) (map[string]float64, error) {
	select {
	case <-ctx.Done():
		utils.GetLogger().Printf("Exchange | %s FetchPositions timeout", c.Name())
		return nil, ctx.Err()

	default:
		query := url.Values{}
		query.Set("user", owner)
		query.Set("limit", "500")

		var raw []positionJSON
		err := retry(3, 2*time.Second, func() error {
			raw = nil
			return c.doJSON(ctx, http.MethodGet, c.dataURL, "/positions?"+query.Encode(), nil, &raw, false)
		})
		if err != nil {
			return nil, fmt.Errorf("FetchPositions failed: %w", err)
		}

		positions := make(map[string]float64, len(raw))
		for _, p := range raw {
			if p.Asset == "" || p.Size <= 1e-9 {
				continue
			}
			positions[p.Asset] = p.Size
		}
		return positions, nil
	}
}

type bookLevelJSON struct {
	Price string `json:"price"`
	Size  string `json:"size"`
}

type bookJSON struct {
	Bids []bookLevelJSON `json:"bids"`
	Asks []bookLevelJSON `json:"asks"`
}

// FetchBookSnapshot pulls a REST order-book snapshot for one asset.
func (c *CLOBClient) FetchBookSnapshot(ctx context.Context, assetID string) ([]book.PriceLevel, []book.PriceLevel, error) {
	select {
	case <-ctx.Done():
		utils.GetLogger().Printf("Exchange | %s FetchBookSnapshot timeout", c.Name())
		return nil, nil, ctx.Err()

	default:
		query := url.Values{}
		query.Set("token_id", assetID)

		var raw bookJSON
		err := retry(3, 2*time.Second, func() error {
			raw = bookJSON{}
			return c.doJSON(ctx, http.MethodGet, c.restURL, "/book?"+query.Encode(), nil, &raw, false)
		})
		if err != nil {
			return nil, nil, fmt.Errorf("FetchBookSnapshot failed: %w", err)
		}

		toLevels := func(in []bookLevelJSON) []book.PriceLevel {
			out := make([]book.PriceLevel, 0, len(in))
			for _, lvl := range in {
				price, _ := strconv.ParseFloat(lvl.Price, 64)
				size, _ := strconv.ParseFloat(lvl.Size, 64)
				if price <= 0 {
					continue
				}
				out = append(out, book.PriceLevel{Price: price, Size: size})
			}
			return out
		}
		return toLevels(raw.Bids), toLevels(raw.Asks), nil
	}
}
