// Package broker provides the typed gateway to Binance USDT-margined
// futures: signed REST calls for account, order, and position operations,
// and a websocket stream of closed candles. It includes a circuit-breaker
// wrapper and a mock implementation for tests.
package broker

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"math/big"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"

	"github.com/eddiefleurent/schrute_scalper/internal/models"
	"github.com/eddiefleurent/schrute_scalper/internal/precision"
)

const (
	// DefaultBaseURL is the production USDT-M futures REST endpoint.
	DefaultBaseURL = "https://fapi.binance.com"
	// DefaultStreamURL is the production USDT-M futures websocket host.
	DefaultStreamURL = "wss://fstream.binance.com"

	defaultRecvWindow = int64(10000)
	defaultTimeout    = 15 * time.Second
	maxAttempts       = 3
	initialBackoff    = 500 * time.Millisecond
	maxBackoff        = 10 * time.Second

	// Cap error response bodies so a misbehaving proxy cannot balloon logs.
	maxErrorBodySize = 64 * 1024
)

// ClientConfig configures a BinanceClient. Zero values fall back to
// production defaults.
type ClientConfig struct {
	APIKey     string
	APISecret  string
	BaseURL    string
	StreamURL  string
	RecvWindow int64
	Timeout    time.Duration
	// Registry, when set, trims every submitted quantity and stop price at
	// the request boundary so no caller can bypass exchange filters.
	Registry *precision.Registry
	Logger   *log.Logger
}

// BinanceClient is the concrete Broker over the Binance futures REST API.
type BinanceClient struct {
	apiKey     string
	secretKey  string
	baseURL    string
	streamURL  string
	recvWindow int64
	httpClient *http.Client
	registry   *precision.Registry
	logger     *log.Logger

	// Server-minus-local clock offset in milliseconds, refreshed by
	// SyncTimeOffset and on -1021 rejects.
	timeOffsetMs atomic.Int64
}

// NewBinanceClient builds a client from cfg.
func NewBinanceClient(cfg ClientConfig) *BinanceClient {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.StreamURL == "" {
		cfg.StreamURL = DefaultStreamURL
	}
	if cfg.RecvWindow <= 0 {
		cfg.RecvWindow = defaultRecvWindow
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = log.New(os.Stderr, "binance: ", log.LstdFlags)
	}
	return &BinanceClient{
		apiKey:     cfg.APIKey,
		secretKey:  cfg.APISecret,
		baseURL:    cfg.BaseURL,
		streamURL:  cfg.StreamURL,
		recvWindow: cfg.RecvWindow,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		registry:   cfg.Registry,
		logger:     cfg.Logger,
	}
}

// sign returns the hex HMAC-SHA256 of the url-encoded query string.
func (c *BinanceClient) sign(query string) string {
	mac := hmac.New(sha256.New, []byte(c.secretKey))
	mac.Write([]byte(query))
	return hex.EncodeToString(mac.Sum(nil))
}

func (c *BinanceClient) now() time.Time {
	return time.Now().Add(time.Duration(c.timeOffsetMs.Load()) * time.Millisecond)
}

// ServerTime fetches the exchange clock.
func (c *BinanceClient) ServerTime(ctx context.Context) (time.Time, error) {
	var resp struct {
		ServerTime int64 `json:"serverTime"`
	}
	if err := c.publicRequest(ctx, http.MethodGet, "/fapi/v1/time", nil, &resp); err != nil {
		return time.Time{}, err
	}
	return time.UnixMilli(resp.ServerTime), nil
}

// SyncTimeOffset refreshes the local clock offset from the exchange.
func (c *BinanceClient) SyncTimeOffset(ctx context.Context) error {
	before := time.Now()
	server, err := c.ServerTime(ctx)
	if err != nil {
		return fmt.Errorf("sync time offset: %w", err)
	}
	// Compensate for half the round trip.
	rtt := time.Since(before)
	offset := server.Add(rtt / 2).Sub(time.Now())
	c.timeOffsetMs.Store(offset.Milliseconds())
	c.logger.Printf("time offset synced: %dms (rtt %s)", offset.Milliseconds(), rtt)
	return nil
}

// Balance returns the available balance of the given asset.
func (c *BinanceClient) Balance(ctx context.Context, asset string) (decimal.Decimal, error) {
	var rows []struct {
		Asset            string          `json:"asset"`
		AvailableBalance decimal.Decimal `json:"availableBalance"`
	}
	if err := c.signedRequest(ctx, http.MethodGet, "/fapi/v2/balance", nil, &rows); err != nil {
		return decimal.Zero, err
	}
	for _, row := range rows {
		if row.Asset == asset {
			return row.AvailableBalance, nil
		}
	}
	return decimal.Zero, fmt.Errorf("no balance entry for asset %s", asset)
}

// Positions returns the exchange's position report. With a symbol it is
// scoped to that symbol; rows with zero quantity are included so callers
// can distinguish "flat" from "unknown".
func (c *BinanceClient) Positions(ctx context.Context, symbol string) ([]PositionRisk, error) {
	params := url.Values{}
	if symbol != "" {
		params.Set("symbol", symbol)
	}
	var rows []PositionRisk
	if err := c.signedRequest(ctx, http.MethodGet, "/fapi/v2/positionRisk", params, &rows); err != nil {
		return nil, err
	}
	return rows, nil
}

// PositionMode reports whether the account is in hedge (dual-side) mode.
func (c *BinanceClient) PositionMode(ctx context.Context) (bool, error) {
	var resp struct {
		DualSidePosition bool `json:"dualSidePosition"`
	}
	if err := c.signedRequest(ctx, http.MethodGet, "/fapi/v1/positionSide/dual", nil, &resp); err != nil {
		return false, err
	}
	return resp.DualSidePosition, nil
}

// SetLeverage sets the initial leverage for a symbol.
func (c *BinanceClient) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("leverage", strconv.Itoa(leverage))
	var resp struct {
		Leverage int `json:"leverage"`
	}
	return c.signedRequest(ctx, http.MethodPost, "/fapi/v1/leverage", params, &resp)
}

// LatestPrice returns the last traded price for a symbol.
func (c *BinanceClient) LatestPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	var resp struct {
		Price decimal.Decimal `json:"price"`
	}
	if err := c.publicRequest(ctx, http.MethodGet, "/fapi/v1/ticker/price", params, &resp); err != nil {
		return decimal.Zero, err
	}
	return resp.Price, nil
}

// RecentCandles fetches up to limit recent klines for symbol/interval.
func (c *BinanceClient) RecentCandles(ctx context.Context, symbol, interval string, limit int) ([]models.Candle, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("interval", interval)
	if limit > 0 {
		params.Set("limit", strconv.Itoa(limit))
	}
	var rows []json.RawMessage
	if err := c.publicRequest(ctx, http.MethodGet, "/fapi/v1/klines", params, &rows); err != nil {
		return nil, err
	}
	candles := make([]models.Candle, 0, len(rows))
	for _, raw := range rows {
		candle, err := parseKlineRow(raw)
		if err != nil {
			return nil, fmt.Errorf("parse kline for %s: %w", symbol, err)
		}
		candles = append(candles, candle)
	}
	return candles, nil
}

// parseKlineRow decodes one row of the klines response, a heterogeneous
// array of [openTime, open, high, low, close, volume, ...].
func parseKlineRow(raw json.RawMessage) (models.Candle, error) {
	var fields []json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return models.Candle{}, err
	}
	if len(fields) < 6 {
		return models.Candle{}, fmt.Errorf("kline row has %d fields", len(fields))
	}
	var openTime int64
	if err := json.Unmarshal(fields[0], &openTime); err != nil {
		return models.Candle{}, fmt.Errorf("open time: %w", err)
	}
	nums := make([]decimal.Decimal, 5)
	for i := 1; i <= 5; i++ {
		if err := json.Unmarshal(fields[i], &nums[i-1]); err != nil {
			return models.Candle{}, fmt.Errorf("field %d: %w", i, err)
		}
	}
	return models.Candle{
		OpenTime: time.UnixMilli(openTime),
		Open:     nums[0],
		High:     nums[1],
		Low:      nums[2],
		Close:    nums[3],
		Volume:   nums[4],
	}, nil
}

// SymbolFilters fetches LOT_SIZE, PRICE_FILTER, and MIN_NOTIONAL for one
// symbol from the exchange info endpoint.
func (c *BinanceClient) SymbolFilters(ctx context.Context, symbol string) (*SymbolFilters, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	var resp struct {
		Symbols []struct {
			Symbol            string `json:"symbol"`
			QuantityPrecision int32  `json:"quantityPrecision"`
			PricePrecision    int32  `json:"pricePrecision"`
			Filters           []struct {
				FilterType string          `json:"filterType"`
				StepSize   decimal.Decimal `json:"stepSize"`
				TickSize   decimal.Decimal `json:"tickSize"`
				MinQty     decimal.Decimal `json:"minQty"`
				MaxQty     decimal.Decimal `json:"maxQty"`
				Notional   decimal.Decimal `json:"notional"`
			} `json:"filters"`
		} `json:"symbols"`
	}
	if err := c.publicRequest(ctx, http.MethodGet, "/fapi/v1/exchangeInfo", params, &resp); err != nil {
		return nil, err
	}
	for _, s := range resp.Symbols {
		if s.Symbol != symbol {
			continue
		}
		out := &SymbolFilters{
			Symbol:            s.Symbol,
			QuantityPrecision: s.QuantityPrecision,
			PricePrecision:    s.PricePrecision,
		}
		for _, f := range s.Filters {
			switch f.FilterType {
			case "LOT_SIZE":
				out.StepSize = f.StepSize
				out.MinQty = f.MinQty
				out.MaxQty = f.MaxQty
			case "PRICE_FILTER":
				out.TickSize = f.TickSize
			case "MIN_NOTIONAL":
				out.MinNotional = f.Notional
			}
		}
		return out, nil
	}
	return nil, fmt.Errorf("symbol %s not in exchange info", symbol)
}

// PlaceMarketOrder submits a MARKET order. The quantity is trimmed at this
// boundary when a precision registry is attached, so callers cannot submit
// a step-illegal size by accident.
func (c *BinanceClient) PlaceMarketOrder(ctx context.Context, req OrderRequest) (*OrderAck, error) {
	qty := req.Qty
	if c.registry != nil {
		qty = c.registry.FloorQty(req.Symbol, qty)
	}
	if qty.Sign() <= 0 {
		return nil, fmt.Errorf("market order %s %s: quantity %s trims to zero", req.Symbol, req.Side, req.Qty)
	}

	params := url.Values{}
	params.Set("symbol", req.Symbol)
	params.Set("side", req.Side)
	params.Set("type", "MARKET")
	params.Set("quantity", qty.String())
	params.Set("newOrderRespType", "RESULT")
	if req.PositionSide != "" {
		params.Set("positionSide", req.PositionSide)
	} else if req.ReduceOnly {
		// reduceOnly is rejected in hedge mode; positionSide already implies it.
		params.Set("reduceOnly", "true")
	}
	if req.ClientOrderID != "" {
		params.Set("newClientOrderId", req.ClientOrderID)
	}

	var ack OrderAck
	if err := c.signedRequest(ctx, http.MethodPost, "/fapi/v1/order", params, &ack); err != nil {
		return nil, err
	}
	return &ack, nil
}

// PlaceStopOrder submits a resting STOP_MARKET or TAKE_PROFIT_MARKET order.
func (c *BinanceClient) PlaceStopOrder(ctx context.Context, req StopOrderRequest) (*OrderAck, error) {
	stopPrice := req.StopPrice
	qty := req.Qty
	if c.registry != nil {
		stopPrice = c.registry.RoundPriceDown(req.Symbol, stopPrice)
		if qty.Sign() > 0 {
			qty = c.registry.FloorQty(req.Symbol, qty)
		}
	}
	if stopPrice.Sign() <= 0 {
		return nil, fmt.Errorf("stop order %s: invalid stop price %s", req.Symbol, req.StopPrice)
	}

	params := url.Values{}
	params.Set("symbol", req.Symbol)
	params.Set("side", req.Side)
	params.Set("type", req.Type)
	params.Set("stopPrice", stopPrice.String())
	params.Set("newOrderRespType", "RESULT")
	if qty.Sign() > 0 {
		params.Set("quantity", qty.String())
	} else {
		params.Set("closePosition", "true")
	}
	if req.PositionSide != "" {
		params.Set("positionSide", req.PositionSide)
	} else if req.ReduceOnly && qty.Sign() > 0 {
		params.Set("reduceOnly", "true")
	}
	if req.ClientOrderID != "" {
		params.Set("newClientOrderId", req.ClientOrderID)
	}

	var ack OrderAck
	if err := c.signedRequest(ctx, http.MethodPost, "/fapi/v1/order", params, &ack); err != nil {
		return nil, err
	}
	return &ack, nil
}

// GetOrder queries the current state of an order.
func (c *BinanceClient) GetOrder(ctx context.Context, symbol string, orderID int64) (*Order, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("orderId", strconv.FormatInt(orderID, 10))
	var order Order
	if err := c.signedRequest(ctx, http.MethodGet, "/fapi/v1/order", params, &order); err != nil {
		if apiErr, ok := asAPIError(err); ok && apiErr.Code == -2013 {
			return nil, ErrOrderNotFound
		}
		return nil, err
	}
	return &order, nil
}

// CancelOrder cancels an open order. Canceling an already-gone order is not
// an error.
func (c *BinanceClient) CancelOrder(ctx context.Context, symbol string, orderID int64) error {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("orderId", strconv.FormatInt(orderID, 10))
	var resp struct {
		Status string `json:"status"`
	}
	err := c.signedRequest(ctx, http.MethodDelete, "/fapi/v1/order", params, &resp)
	if err != nil {
		if apiErr, ok := asAPIError(err); ok && apiErr.Code == -2011 {
			// Unknown order: already filled or canceled.
			return nil
		}
		return err
	}
	return nil
}

// signedRequest executes a signed call with retry. The timestamp and
// signature are recomputed on every attempt; a -1021 clock-skew reject
// triggers one server-time resync before the retry.
func (c *BinanceClient) signedRequest(ctx context.Context, method, path string, params url.Values, out any) error {
	if params == nil {
		params = url.Values{}
	}

	var lastErr error
	resynced := false
	backoff := initialBackoff

	for attempt := 0; attempt < maxAttempts; attempt++ {
		params.Set("timestamp", strconv.FormatInt(c.now().UnixMilli(), 10))
		params.Set("recvWindow", strconv.FormatInt(c.recvWindow, 10))
		query := params.Encode()
		query += "&signature=" + c.sign(query)

		err := c.do(ctx, method, path, query, true, out)
		if err == nil {
			return nil
		}
		lastErr = err

		if IsTimestampSkew(err) && !resynced {
			resynced = true
			c.logger.Printf("%s %s rejected for clock skew, resyncing server time", method, path)
			if syncErr := c.SyncTimeOffset(ctx); syncErr != nil {
				return fmt.Errorf("resync after skew reject: %w", syncErr)
			}
			continue
		}
		if !IsTransient(err) || attempt == maxAttempts-1 {
			return err
		}

		c.logger.Printf("%s %s attempt %d failed (%v), retrying in %s", method, path, attempt+1, err, backoff)
		select {
		case <-time.After(backoff):
			backoff = nextBackoff(backoff)
		case <-ctx.Done():
			return fmt.Errorf("request canceled during backoff: %w", ctx.Err())
		}
	}
	return lastErr
}

// publicRequest executes an unsigned call with the same retry policy.
func (c *BinanceClient) publicRequest(ctx context.Context, method, path string, params url.Values, out any) error {
	query := ""
	if params != nil {
		query = params.Encode()
	}

	var lastErr error
	backoff := initialBackoff
	for attempt := 0; attempt < maxAttempts; attempt++ {
		err := c.do(ctx, method, path, query, false, out)
		if err == nil {
			return nil
		}
		lastErr = err
		if !IsTransient(err) || attempt == maxAttempts-1 {
			return err
		}
		select {
		case <-time.After(backoff):
			backoff = nextBackoff(backoff)
		case <-ctx.Done():
			return fmt.Errorf("request canceled during backoff: %w", ctx.Err())
		}
	}
	return lastErr
}

// do performs one HTTP round trip and decodes the response or error body.
func (c *BinanceClient) do(ctx context.Context, method, path, rawQuery string, signed bool, out any) error {
	u := c.baseURL + path
	if rawQuery != "" {
		u += "?" + rawQuery
	}
	req, err := http.NewRequestWithContext(ctx, method, u, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if signed {
		req.Header.Set("X-MBX-APIKEY", c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode >= 400 {
		body, readErr := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodySize))
		if readErr != nil {
			return &APIError{Status: resp.StatusCode, Msg: "unreadable error body"}
		}
		apiErr := &APIError{Status: resp.StatusCode, Msg: string(body)}
		var payload struct {
			Code int    `json:"code"`
			Msg  string `json:"msg"`
		}
		if json.Unmarshal(body, &payload) == nil && payload.Code != 0 {
			apiErr.Code = payload.Code
			apiErr.Msg = payload.Msg
		}
		return apiErr
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s %s response: %w", method, path, err)
	}
	return nil
}

func asAPIError(err error) (*APIError, bool) {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr, true
	}
	return nil, false
}

// nextBackoff grows the delay by 1.5x with random jitter, capped.
func nextBackoff(current time.Duration) time.Duration {
	next := time.Duration(float64(current) * 1.5)
	if next > maxBackoff {
		next = maxBackoff
	}
	maxJitter := int64(next / 4)
	if maxJitter > 0 {
		jitter, err := rand.Int(rand.Reader, big.NewInt(maxJitter))
		if err == nil {
			next += time.Duration(jitter.Int64())
		}
	}
	return next
}
