package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"

	"github.com/eddiefleurent/schrute_scalper/internal/models"
)

const (
	// If no message (including pings) arrives within this window the
	// connection is considered dead and is re-established.
	streamSilenceTimeout = 150 * time.Second

	streamReconnectMin = time.Second
	streamReconnectMax = 30 * time.Second
)

// combinedStreamMessage is the envelope of the multiplexed stream endpoint.
type combinedStreamMessage struct {
	Stream string     `json:"stream"`
	Data   klineEvent `json:"data"`
}

// encoding/json matches unknown keys case-insensitively, so every
// uppercase key the wire actually sends needs its own field; otherwise
// "E" lands in "e", "T" in "t", "L" in "l", and "V" in "v".
type klineEvent struct {
	EventType string       `json:"e"`
	EventTime int64        `json:"E"`
	Symbol    string       `json:"s"`
	Kline     klinePayload `json:"k"`
}

type klinePayload struct {
	OpenTime    int64           `json:"t"`
	CloseTime   int64           `json:"T"`
	Open        decimal.Decimal `json:"o"`
	High        decimal.Decimal `json:"h"`
	Low         decimal.Decimal `json:"l"`
	LastTradeID int64           `json:"L"`
	Close       decimal.Decimal `json:"c"`
	Volume      decimal.Decimal `json:"v"`
	TakerVolume decimal.Decimal `json:"V"`
	Closed      bool            `json:"x"`
}

// StreamClosedCandles opens a multiplexed kline stream and delivers only
// closed candles on the returned channel. The goroutine reconnects on
// errors and on prolonged silence, and closes the channel when ctx is
// canceled.
func (c *BinanceClient) StreamClosedCandles(ctx context.Context, symbols []string, interval string) (<-chan ClosedCandle, error) {
	if len(symbols) == 0 {
		return nil, fmt.Errorf("stream requires at least one symbol")
	}
	streams := make([]string, 0, len(symbols))
	for _, sym := range symbols {
		streams = append(streams, strings.ToLower(sym)+"@kline_"+interval)
	}
	endpoint := c.streamURL + "/stream?streams=" + strings.Join(streams, "/")

	out := make(chan ClosedCandle, 64)
	go c.streamLoop(ctx, endpoint, out)
	return out, nil
}

func (c *BinanceClient) streamLoop(ctx context.Context, endpoint string, out chan<- ClosedCandle) {
	defer close(out)
	delay := streamReconnectMin

	for {
		if ctx.Err() != nil {
			return
		}

		err := c.streamOnce(ctx, endpoint, out)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			c.logger.Printf("kline stream dropped: %v, reconnecting in %s", err, delay)
		}

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return
		}
		delay *= 2
		if delay > streamReconnectMax {
			delay = streamReconnectMax
		}
	}
}

// streamOnce runs a single websocket session until it fails or ctx ends.
func (c *BinanceClient) streamOnce(ctx context.Context, endpoint string, out chan<- ClosedCandle) error {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, endpoint, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", endpoint, err)
	}
	defer func() {
		_ = conn.Close()
	}()
	c.logger.Printf("kline stream connected: %s", endpoint)

	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(streamSilenceTimeout))
	})

	// Close the socket when ctx ends so the blocked read returns.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.Close()
		case <-done:
		}
	}()

	for {
		if err := conn.SetReadDeadline(time.Now().Add(streamSilenceTimeout)); err != nil {
			return fmt.Errorf("set read deadline: %w", err)
		}
		_, payload, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}

		candle, ok, err := parseClosedKline(payload)
		if err != nil {
			c.logger.Printf("skipping unparseable stream message: %v", err)
			continue
		}
		if !ok {
			continue
		}

		select {
		case out <- candle:
		case <-ctx.Done():
			return nil
		default:
			// Consumer stalled; dropping the oldest signal intent is
			// worse than dropping this candle, so log and move on.
			c.logger.Printf("candle channel full, dropping %s %s", candle.Symbol, candle.Candle.OpenTime)
		}
	}
}

// parseClosedKline extracts a closed candle from a combined stream message.
// The second return is false for open candles and non-kline events.
func parseClosedKline(payload []byte) (ClosedCandle, bool, error) {
	var msg combinedStreamMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		return ClosedCandle{}, false, err
	}
	if msg.Data.EventType != "kline" || !msg.Data.Kline.Closed {
		return ClosedCandle{}, false, nil
	}
	k := msg.Data.Kline
	return ClosedCandle{
		Symbol: msg.Data.Symbol,
		Candle: models.Candle{
			OpenTime: time.UnixMilli(k.OpenTime),
			Open:     k.Open,
			High:     k.High,
			Low:      k.Low,
			Close:    k.Close,
			Volume:   k.Volume,
		},
	}, true, nil
}
