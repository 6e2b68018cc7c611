package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"candlestream/internal/model"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
)

// wireTickerMessage mirrors the exchange's WS payload shape from spec.md
// §6: {channel, client_id, timestamp, sequence_num, events:[{type,
// tickers:[{product_id, price, ...}]}]}. Only the fields the pipeline
// cares about are decoded; the rest (volume_24_h, best_bid, ...) are
// dropped at this boundary, matching the original's Ticker struct which
// the core never reads past price.
type wireTickerMessage struct {
	Channel     string `json:"channel"`
	ClientID    string `json:"client_id"`
	Timestamp   time.Time `json:"timestamp"`
	SequenceNum int64  `json:"sequence_num"`
	Events      []struct {
		Type    string `json:"type"`
		Tickers []struct {
			ProductID string          `json:"product_id"`
			Price     decimal.Decimal `json:"price"`
		} `json:"tickers"`
	} `json:"events"`
}

// CoinbaseWS is a thin TickerSource over the Coinbase Advanced Trade
// ticker channel, grounded on
// original_source/coinbase-advanced-api/src/ws/{client,channel/ticker}.rs.
// No domain logic lives here: it signs the handshake, reads frames, and
// normalizes each ticker into model.TickerMessage.
type CoinbaseWS struct {
	url    string
	pairs  []string
	signer *Signer
	dialer *websocket.Dialer
}

// NewCoinbaseWS builds a ticker source for the given product IDs against
// the Coinbase Advanced Trade WS endpoint.
func NewCoinbaseWS(wsURL string, pairs []string, signer *Signer) *CoinbaseWS {
	return &CoinbaseWS{url: wsURL, pairs: pairs, signer: signer, dialer: websocket.DefaultDialer}
}

// Stream implements TickerSource. Per spec.md §7, a transient disconnect
// triggers exponential-backoff reconnect; the caller's ctx governs overall
// lifetime.
func (c *CoinbaseWS) Stream(ctx context.Context, ch chan<- model.TickerMessage) error {
	backoff := time.Second
	const maxBackoff = 30 * time.Second

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := c.runOnce(ctx, ch); err != nil {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}
		backoff = time.Second
	}
}

func (c *CoinbaseWS) runOnce(ctx context.Context, ch chan<- model.TickerMessage) error {
	conn, _, err := c.dialer.DialContext(ctx, c.url, nil)
	if err != nil {
		return fmt.Errorf("exchange: dial: %w", err)
	}
	defer conn.Close()

	jwt, err := c.signer.CreateJWT("public_websocket_api")
	if err != nil {
		return fmt.Errorf("exchange: sign handshake: %w", err)
	}
	sub := struct {
		Type       string   `json:"type"`
		ProductIDs []string `json:"product_ids"`
		Channel    string   `json:"channel"`
		JWT        string   `json:"jwt"`
	}{Type: "subscribe", ProductIDs: c.pairs, Channel: "ticker", JWT: jwt}
	if err := conn.WriteJSON(sub); err != nil {
		return fmt.Errorf("exchange: subscribe: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		var msg wireTickerMessage
		if err := conn.ReadJSON(&msg); err != nil {
			return fmt.Errorf("exchange: read: %w", err)
		}
		for _, ev := range msg.Events {
			for _, t := range ev.Tickers {
				select {
				case ch <- model.TickerMessage{Pair: t.ProductID, Price: t.Price, Time: msg.Timestamp}:
				case <-ctx.Done():
					return ctx.Err()
				}
			}
		}
	}
}

// CoinbaseREST is a thin CandleSource over the Coinbase Advanced Trade REST
// candles endpoint (spec.md §6), grounded on
// original_source/coinbase-advanced-api/src/rest/products/candles.rs.
type CoinbaseREST struct {
	baseURL string
	signer  *Signer
	client  *http.Client
}

// NewCoinbaseREST builds a candle source against the given REST base URL.
func NewCoinbaseREST(baseURL string, signer *Signer) *CoinbaseREST {
	return &CoinbaseREST{baseURL: baseURL, signer: signer, client: http.DefaultClient}
}

type coinbaseCandlesResponse struct {
	Candles []struct {
		Start string `json:"start"`
		Open  string `json:"open"`
		High  string `json:"high"`
		Low   string `json:"low"`
		Close string `json:"close"`
	} `json:"candles"`
}

// Candles implements CandleSource.
func (r *CoinbaseREST) Candles(ctx context.Context, pair string, start, end time.Time, granularity string) ([]RawCandle, error) {
	endpoint := fmt.Sprintf("%s/api/v3/brokerage/products/%s/candles", r.baseURL, url.PathEscape(pair))
	q := url.Values{
		"start":       {strconv.FormatInt(start.Unix(), 10)},
		"end":         {strconv.FormatInt(end.Unix(), 10)},
		"granularity": {granularity},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint+"?"+q.Encode(), nil)
	if err != nil {
		return nil, err
	}
	if r.signer != nil {
		jwt, err := r.signer.CreateJWT("public_retail_rest_api_proxy")
		if err != nil {
			return nil, fmt.Errorf("exchange: sign request: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+jwt)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("exchange: candles request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("exchange: candles request: status %d", resp.StatusCode)
	}

	var body coinbaseCandlesResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("exchange: decode candles response: %w", err)
	}

	out := make([]RawCandle, 0, len(body.Candles))
	for _, c := range body.Candles {
		startUnix, err := strconv.ParseInt(c.Start, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("exchange: parse candle start %q: %w", c.Start, err)
		}
		open, err := decimal.NewFromString(c.Open)
		if err != nil {
			return nil, fmt.Errorf("exchange: parse candle open %q: %w", c.Open, err)
		}
		high, err := decimal.NewFromString(c.High)
		if err != nil {
			return nil, fmt.Errorf("exchange: parse candle high %q: %w", c.High, err)
		}
		low, err := decimal.NewFromString(c.Low)
		if err != nil {
			return nil, fmt.Errorf("exchange: parse candle low %q: %w", c.Low, err)
		}
		closePrice, err := decimal.NewFromString(c.Close)
		if err != nil {
			return nil, fmt.Errorf("exchange: parse candle close %q: %w", c.Close, err)
		}
		out = append(out, RawCandle{
			Start: time.Unix(startUnix, 0).UTC(),
			Open:  open,
			High:  high,
			Low:   low,
			Close: closePrice,
		})
	}
	return out, nil
}
