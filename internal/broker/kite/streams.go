package kite

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"intraday_trader/internal/core"
	"intraday_trader/pkg/websocket"
)

// streams owns the two websocket legs: the binary tick feed and the
// order postback channel.
type streams struct {
	broker *Broker
	logger core.ILogger

	mu       sync.Mutex
	tickWS   *websocket.Client
	orderWS  *websocket.Client
	tokens   map[uint32]string // instrument token -> symbol
	stopOnce sync.Once
	stopped  chan struct{}
}

func newStreams(b *Broker, logger core.ILogger) *streams {
	return &streams{
		broker:  b,
		logger:  logger.WithField("component", "kite_streams"),
		tokens:  make(map[uint32]string),
		stopped: make(chan struct{}),
	}
}

func (s *streams) authURL(base string) string {
	s.broker.mu.RLock()
	token := s.broker.accessToken
	s.broker.mu.RUnlock()
	return base + "?api_key=" + s.broker.cfg.APIKey + "&access_token=" + token
}

// runTickStream connects the market data socket, subscribes the tokens
// in quote mode, and decodes binary packets until ctx is done.
func (s *streams) runTickStream(ctx context.Context, tokens []uint32, fn func(core.Tick)) error {
	s.mu.Lock()
	for _, in := range s.broker.instrumentIndex() {
		s.tokens[in.Token] = in.Symbol
	}
	ws := websocket.NewClient(s.authURL(s.broker.cfg.TickWSURL), func(msg []byte) {
		for _, t := range parseBinaryTicks(msg, s.symbolFor) {
			fn(t)
		}
	}, s.logger)
	ws.SetOnConnected(func() {
		if err := ws.Send(map[string]interface{}{"a": "subscribe", "v": tokens}); err != nil {
			s.logger.Error("tick subscribe failed", "error", err)
			return
		}
		if err := ws.Send(map[string]interface{}{"a": "mode", "v": []interface{}{"quote", tokens}}); err != nil {
			s.logger.Error("tick mode failed", "error", err)
		}
	})
	s.tickWS = ws
	s.mu.Unlock()

	ws.Start()
	defer ws.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-s.stopped:
		return nil
	}
}

// runOrderStream consumes JSON postbacks and forwards mapped events.
func (s *streams) runOrderStream(ctx context.Context, fn func(core.OrderEvent)) error {
	s.mu.Lock()
	ws := websocket.NewClient(s.authURL(s.broker.cfg.OrderWSURL), func(msg []byte) {
		var postback struct {
			Type string   `json:"type"`
			Data orderRow `json:"data"`
		}
		if err := json.Unmarshal(msg, &postback); err != nil {
			return // binary heartbeats arrive on this socket too
		}
		if postback.Type != "order" {
			return
		}
		if ev, ok := postback.Data.toEvent(); ok {
			fn(ev)
		}
	}, s.logger)
	s.orderWS = ws
	s.mu.Unlock()

	ws.Start()
	defer ws.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-s.stopped:
		return nil
	}
}

func (s *streams) stop() {
	s.stopOnce.Do(func() { close(s.stopped) })
}

func (s *streams) symbolFor(token uint32) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tokens[token]
}

// instrumentIndex snapshots the known token->symbol mapping from the
// broker ID cache populated by Instruments.
func (b *Broker) instrumentIndex() []core.Instrument {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]core.Instrument, len(b.instruments))
	copy(out, b.instruments)
	return out
}

// parseBinaryTicks decodes the Kite binary frame: a big-endian packet
// count, then length-prefixed packets of token + paise prices.
func parseBinaryTicks(msg []byte, symbolFor func(uint32) string) []core.Tick {
	if len(msg) < 2 {
		return nil // heartbeat
	}
	count := int(binary.BigEndian.Uint16(msg[0:2]))
	off := 2
	paise := decimal.NewFromInt(100)

	var out []core.Tick
	for i := 0; i < count; i++ {
		if off+2 > len(msg) {
			break
		}
		plen := int(binary.BigEndian.Uint16(msg[off : off+2]))
		off += 2
		if off+plen > len(msg) || plen < 8 {
			break
		}
		pkt := msg[off : off+plen]
		off += plen

		token := binary.BigEndian.Uint32(pkt[0:4])
		ltp := decimal.NewFromInt(int64(int32(binary.BigEndian.Uint32(pkt[4:8])))).Div(paise)
		t := core.Tick{
			Token:  token,
			Symbol: symbolFor(token),
			Last:   ltp,
			At:     time.Now(),
		}
		if plen >= 12 {
			t.Qty = int64(binary.BigEndian.Uint32(pkt[8:12]))
		}
		if plen >= 184 {
			// full mode carries market depth; best bid/ask sit at fixed
			// offsets in the depth block
			t.Bid = decimal.NewFromInt(int64(int32(binary.BigEndian.Uint32(pkt[68:72])))).Div(paise)
			t.Ask = decimal.NewFromInt(int64(int32(binary.BigEndian.Uint32(pkt[128:132])))).Div(paise)
		}
		out = append(out, t)
	}
	return out
}
