// Package kite adapts a Zerodha Kite Connect style REST/WebSocket API
// to the broker port. All requests carry the api_key:access_token
// authorization header; order endpoints are form-encoded per the API
// convention.
package kite

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"intraday_trader/internal/core"
	"intraday_trader/pkg/apperrors"
	tradehttp "intraday_trader/pkg/http"
)

const (
	exchange = "NFO"
	product  = "MIS"
	variety  = "regular"
)

// TokenSource supplies a fresh access token after an auth failure. The
// Kite session flow is interactive, so the source typically re-reads a
// token minted out of band.
type TokenSource func(ctx context.Context) (string, error)

// Config wires the adapter.
type Config struct {
	APIKey      string
	AccessToken string
	BaseURL     string
	TickWSURL   string
	OrderWSURL  string
	Timeout     time.Duration
	Tokens      TokenSource
}

// Broker implements core.IBroker against the Kite REST API.
type Broker struct {
	cfg    Config
	http   *tradehttp.Client
	logger core.ILogger

	mu          sync.RWMutex
	accessToken string
	brokerIDs   map[string]string // client_order_id -> broker order id
	instruments []core.Instrument

	streams *streams
}

func New(cfg Config, logger core.ILogger) *Broker {
	b := &Broker{
		cfg:         cfg,
		logger:      logger.WithField("component", "kite"),
		accessToken: cfg.AccessToken,
		brokerIDs:   make(map[string]string),
	}
	b.http = tradehttp.NewClient(cfg.BaseURL, cfg.Timeout, b)
	b.streams = newStreams(b, logger)
	return b
}

func (b *Broker) Name() string { return "kite" }

// SignRequest implements the HTTP client's Signer.
func (b *Broker) SignRequest(req *http.Request) error {
	b.mu.RLock()
	token := b.accessToken
	b.mu.RUnlock()
	req.Header.Set("X-Kite-Version", "3")
	req.Header.Set("Authorization", "token "+b.cfg.APIKey+":"+token)
	return nil
}

// RefreshToken implements execution.TokenRefresher.
func (b *Broker) RefreshToken(ctx context.Context) error {
	if b.cfg.Tokens == nil {
		return fmt.Errorf("no token source configured: %w", apperrors.ErrTokenExpired)
	}
	token, err := b.cfg.Tokens(ctx)
	if err != nil {
		return fmt.Errorf("token source: %w", err)
	}
	b.mu.Lock()
	b.accessToken = token
	b.mu.Unlock()
	b.logger.Info("access token refreshed")
	return nil
}

func (b *Broker) CheckHealth(ctx context.Context) error {
	_, err := b.http.Get(ctx, "/user/margins", nil)
	return mapErr(err)
}

type envelope struct {
	Status    string          `json:"status"`
	Data      json.RawMessage `json:"data"`
	Message   string          `json:"message"`
	ErrorType string          `json:"error_type"`
}

func (b *Broker) PlaceOrder(ctx context.Context, req core.OrderRequest) (core.OrderAck, error) {
	fields := map[string]string{
		"tradingsymbol":    req.Symbol,
		"exchange":         exchange,
		"transaction_type": string(req.Side),
		"quantity":         strconv.FormatInt(req.Qty, 10),
		"order_type":       string(req.Type),
		"product":          product,
		"validity":         "DAY",
		"tag":              req.ClientOrderID,
	}
	if !req.Price.IsZero() {
		fields["price"] = req.Price.String()
	}
	if !req.TriggerPrice.IsZero() {
		fields["trigger_price"] = req.TriggerPrice.String()
	}

	body, err := b.http.PostForm(ctx, "/orders/"+variety, fields)
	if err != nil {
		return core.OrderAck{}, mapErr(err)
	}

	var resp struct {
		OrderID string `json:"order_id"`
	}
	if err := unwrap(body, &resp); err != nil {
		return core.OrderAck{}, err
	}

	b.mu.Lock()
	b.brokerIDs[req.ClientOrderID] = resp.OrderID
	b.mu.Unlock()
	return core.OrderAck{BrokerID: resp.OrderID}, nil
}

func (b *Broker) CancelOrder(ctx context.Context, coid string) error {
	id, err := b.brokerID(ctx, coid)
	if err != nil {
		return err
	}
	_, err = b.http.Delete(ctx, "/orders/"+variety+"/"+id, nil)
	return mapErr(err)
}

func (b *Broker) ModifyOrder(ctx context.Context, coid string, req core.OrderRequest) error {
	id, err := b.brokerID(ctx, coid)
	if err != nil {
		return err
	}
	fields := map[string]string{
		"quantity":   strconv.FormatInt(req.Qty, 10),
		"order_type": string(req.Type),
	}
	if !req.Price.IsZero() {
		fields["price"] = req.Price.String()
	}
	if !req.TriggerPrice.IsZero() {
		fields["trigger_price"] = req.TriggerPrice.String()
	}
	_, err = b.http.Put(ctx, "/orders/"+variety+"/"+id, fields)
	return mapErr(err)
}

// brokerID resolves the broker-side order ID, falling back to the
// order book when the local map was lost in a restart.
func (b *Broker) brokerID(ctx context.Context, coid string) (string, error) {
	b.mu.RLock()
	id, ok := b.brokerIDs[coid]
	b.mu.RUnlock()
	if ok {
		return id, nil
	}
	events, err := b.PollOrders(ctx)
	if err != nil {
		return "", err
	}
	for _, ev := range events {
		if ev.ClientOrderID == coid && ev.BrokerID != "" {
			b.mu.Lock()
			b.brokerIDs[coid] = ev.BrokerID
			b.mu.Unlock()
			return ev.BrokerID, nil
		}
	}
	return "", fmt.Errorf("order %s: %w", coid, apperrors.ErrOrderNotFound)
}

func (b *Broker) Quote(ctx context.Context, symbol string) (core.Quote, error) {
	body, err := b.http.Get(ctx, "/quote", map[string]string{"i": exchange + ":" + symbol})
	if err != nil {
		return core.Quote{}, mapErr(err)
	}
	var data map[string]struct {
		LastPrice float64 `json:"last_price"`
		Depth     struct {
			Buy []struct {
				Price float64 `json:"price"`
			} `json:"buy"`
			Sell []struct {
				Price float64 `json:"price"`
			} `json:"sell"`
		} `json:"depth"`
	}
	if err := unwrap(body, &data); err != nil {
		return core.Quote{}, err
	}
	q, ok := data[exchange+":"+symbol]
	if !ok {
		return core.Quote{}, fmt.Errorf("no quote for %s", symbol)
	}
	out := core.Quote{Symbol: symbol, Last: decimal.NewFromFloat(q.LastPrice), At: time.Now()}
	if len(q.Depth.Buy) > 0 {
		out.Bid = decimal.NewFromFloat(q.Depth.Buy[0].Price)
	}
	if len(q.Depth.Sell) > 0 {
		out.Ask = decimal.NewFromFloat(q.Depth.Sell[0].Price)
	}
	return out, nil
}

// Instruments downloads and parses the instrument master CSV for the
// derivatives exchange.
func (b *Broker) Instruments(ctx context.Context) ([]core.Instrument, error) {
	body, err := b.http.Get(ctx, "/instruments/"+exchange, nil)
	if err != nil {
		return nil, mapErr(err)
	}
	ins, err := parseInstrumentsCSV(body)
	if err != nil {
		return nil, err
	}
	b.mu.Lock()
	b.instruments = ins
	b.mu.Unlock()
	return ins, nil
}

func parseInstrumentsCSV(body []byte) ([]core.Instrument, error) {
	r := csv.NewReader(strings.NewReader(string(body)))
	records, err := r.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("instrument csv: %w", err)
	}
	if len(records) < 1 {
		return nil, nil
	}

	col := map[string]int{}
	for i, name := range records[0] {
		col[name] = i
	}
	need := []string{"instrument_token", "tradingsymbol", "tick_size", "lot_size"}
	for _, n := range need {
		if _, ok := col[n]; !ok {
			return nil, fmt.Errorf("instrument csv missing column %q", n)
		}
	}

	var out []core.Instrument
	for _, rec := range records[1:] {
		token, err := strconv.ParseUint(rec[col["instrument_token"]], 10, 32)
		if err != nil {
			continue
		}
		tickSize, err := decimal.NewFromString(rec[col["tick_size"]])
		if err != nil {
			continue
		}
		lotSize, err := strconv.ParseInt(rec[col["lot_size"]], 10, 64)
		if err != nil {
			continue
		}
		in := core.Instrument{
			Symbol:   rec[col["tradingsymbol"]],
			Token:    uint32(token),
			TickSize: tickSize,
			LotSize:  lotSize,
		}
		if i, ok := col["freeze_quantity"]; ok {
			if fq, err := strconv.ParseFloat(rec[i], 64); err == nil {
				in.FreezeQty = int64(fq)
			}
		}
		out = append(out, in)
	}
	return out, nil
}

func (b *Broker) StartOrderStream(ctx context.Context, fn func(core.OrderEvent)) error {
	return b.streams.runOrderStream(ctx, fn)
}

// PollOrders fetches the day's order book and maps every row.
func (b *Broker) PollOrders(ctx context.Context) ([]core.OrderEvent, error) {
	body, err := b.http.Get(ctx, "/orders", nil)
	if err != nil {
		return nil, mapErr(err)
	}
	var rows []orderRow
	if err := unwrap(body, &rows); err != nil {
		return nil, err
	}
	out := make([]core.OrderEvent, 0, len(rows))
	for _, row := range rows {
		if ev, ok := row.toEvent(); ok {
			out = append(out, ev)
		}
	}
	return out, nil
}

func (b *Broker) StartTickStream(ctx context.Context, tokens []uint32, fn func(core.Tick)) error {
	return b.streams.runTickStream(ctx, tokens, fn)
}

func (b *Broker) StopStreams() {
	b.streams.stop()
}

// orderRow is one entry of the /orders response or a postback payload.
type orderRow struct {
	OrderID        string  `json:"order_id"`
	Status         string  `json:"status"`
	Tag            string  `json:"tag"`
	FilledQuantity int64   `json:"filled_quantity"`
	Quantity       int64   `json:"quantity"`
	AveragePrice   float64 `json:"average_price"`
	StatusMessage  string  `json:"status_message"`
	ExchangeTime   string  `json:"exchange_timestamp"`
}

// toEvent maps a broker order row to the internal event. Rows without a
// tag were not placed by us and are skipped.
func (r orderRow) toEvent() (core.OrderEvent, bool) {
	if r.Tag == "" {
		return core.OrderEvent{}, false
	}
	ev := core.OrderEvent{
		ClientOrderID: r.Tag,
		BrokerID:      r.OrderID,
		FilledQty:     r.FilledQuantity,
		AvgPrice:      decimal.NewFromFloat(r.AveragePrice),
		Reason:        r.StatusMessage,
		At:            time.Now(),
	}
	if ts, err := time.Parse("2006-01-02 15:04:05", r.ExchangeTime); err == nil {
		ev.At = ts
	}

	switch r.Status {
	case "OPEN", "TRIGGER PENDING", "AMO REQ RECEIVED":
		if r.FilledQuantity > 0 && r.FilledQuantity < r.Quantity {
			ev.Status = core.OrderPartial
		} else {
			ev.Status = core.OrderPlaced
		}
	case "COMPLETE":
		ev.Status = core.OrderFilled
	case "CANCELLED":
		ev.Status = core.OrderCanceled
	case "REJECTED":
		ev.Status = core.OrderRejected
	default:
		return core.OrderEvent{}, false
	}
	return ev, true
}

// unwrap decodes the standard {status, data} envelope, surfacing API
// error payloads as classified errors.
func unwrap(body []byte, into interface{}) error {
	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	if env.Status == "error" {
		return apiError(env.ErrorType, env.Message)
	}
	if into != nil && len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, into); err != nil {
			return fmt.Errorf("decode data: %w", err)
		}
	}
	return nil
}

// apiError maps Kite error types and messages to error classes.
func apiError(errorType, message string) error {
	msg := strings.ToLower(message)
	switch {
	case errorType == "TokenException":
		return fmt.Errorf("%s: %w", message, apperrors.ErrTokenExpired)
	case errorType == "NetworkException":
		return fmt.Errorf("%s: %w", message, apperrors.ErrServerError)
	case strings.Contains(msg, "freeze"):
		return fmt.Errorf("%s: %w", message, apperrors.ErrFreezeQty)
	case strings.Contains(msg, "circuit") || strings.Contains(msg, "price band"):
		return fmt.Errorf("%s: %w", message, apperrors.ErrPriceBand)
	case strings.Contains(msg, "tick"):
		return fmt.Errorf("%s: %w", message, apperrors.ErrTickSize)
	case strings.Contains(msg, "margin") || strings.Contains(msg, "insufficient"):
		return fmt.Errorf("%s: %w", message, apperrors.ErrInsufficientMargin)
	default:
		return fmt.Errorf("broker error %s: %s", errorType, message)
	}
}

// mapErr classifies transport-level failures from the HTTP client.
func mapErr(err error) error {
	if err == nil {
		return nil
	}
	var apiErr *tradehttp.APIError
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.StatusCode == http.StatusTooManyRequests:
			return fmt.Errorf("%w: %v", apperrors.ErrRateLimitExceeded, err)
		case apiErr.StatusCode == http.StatusUnauthorized || apiErr.StatusCode == http.StatusForbidden:
			return fmt.Errorf("%w: %v", apperrors.ErrTokenExpired, err)
		case apiErr.StatusCode >= 500:
			return fmt.Errorf("%w: %v", apperrors.ErrServerError, err)
		default:
			var env envelope
			if jerr := json.Unmarshal(apiErr.Body, &env); jerr == nil && env.Status == "error" {
				return apiError(env.ErrorType, env.Message)
			}
			return err
		}
	}
	return err
}
