package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"riskguard/internal/events"
	"riskguard/internal/model"
)

// ═══════════════════════════════════════════════════════════════════════════════
// GATEWAY EVENT STREAM
// ═══════════════════════════════════════════════════════════════════════════════
//
// Websocket feed of order, position and quote events. The gateway replays
// account-level events once per instrument subscription, so with three
// instruments the same ORDER_FILLED arrives three times a few milliseconds
// apart; deduplication is deliberately left to the event router.
//
// ═══════════════════════════════════════════════════════════════════════════════

const (
	reconnectDelay = 5 * time.Second
	pingInterval   = 30 * time.Second
	streamBuffer   = 4096
)

// EventStream implements Stream over the gateway websocket.
type EventStream struct {
	mu        sync.RWMutex
	conn      *websocket.Conn
	connected bool
	running   bool

	wsURL       string
	token       func(ctx context.Context) (string, error)
	accountID   string
	instruments []string

	out    chan events.Event
	stopCh chan struct{}
	doneCh chan struct{}
}

// WSURLFromAPI derives the websocket endpoint from the REST base URL:
// https://api.topstepx.com → wss://api.topstepx.com/hubs/user.
func WSURLFromAPI(apiURL string) string {
	ws := apiURL
	switch {
	case strings.HasPrefix(ws, "https://"):
		ws = "wss://" + strings.TrimPrefix(ws, "https://")
	case strings.HasPrefix(ws, "http://"):
		ws = "ws://" + strings.TrimPrefix(ws, "http://")
	}
	return strings.TrimSuffix(ws, "/") + "/hubs/user"
}

// NewEventStream builds a stream for one account and its instrument
// subscriptions. token supplies a fresh session token per (re)connect.
func NewEventStream(wsURL, accountID string, instruments []string, token func(ctx context.Context) (string, error)) *EventStream {
	return &EventStream{
		wsURL:       wsURL,
		token:       token,
		accountID:   accountID,
		instruments: instruments,
		out:         make(chan events.Event, streamBuffer),
		stopCh:      make(chan struct{}),
		doneCh:      make(chan struct{}),
	}
}

// Events returns the delivery channel.
func (s *EventStream) Events() <-chan events.Event { return s.out }

// Start dials the gateway and launches the connection loop. The first dial's
// outcome is returned so startup diagnostics can report it; reconnection
// afterwards is automatic.
func (s *EventStream) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = true
	s.mu.Unlock()

	err := s.connect(ctx)
	go s.connectionLoop()
	return err
}

// Stop closes the connection, waits for the connection loop to exit, then
// closes the event channel.
func (s *EventStream) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	close(s.stopCh)
	if s.conn != nil {
		s.conn.Close()
	}
	s.mu.Unlock()

	<-s.doneCh
	close(s.out)
	log.Info().Msg("Gateway stream stopped")
}

func (s *EventStream) connectionLoop() {
	defer close(s.doneCh)
	for {
		select {
		case <-s.stopCh:
			return
		default:
		}

		s.mu.RLock()
		connected := s.connected
		s.mu.RUnlock()

		if !connected {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			err := s.connect(ctx)
			cancel()
			if err != nil {
				log.Error().Err(err).Msg("Stream connect failed, retrying...")
				time.Sleep(reconnectDelay)
				continue
			}
		}

		s.readLoop()

		select {
		case <-s.stopCh:
			return
		default:
			time.Sleep(reconnectDelay)
		}
	}
}

func (s *EventStream) connect(ctx context.Context) error {
	token, err := s.token(ctx)
	if err != nil {
		s.emit(events.NewConnectionEvent(events.AuthFailed, "stream", s.accountID, err.Error(), time.Now()))
		return fmt.Errorf("stream auth: %w", err)
	}

	url := s.wsURL + "?access_token=" + token
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		s.emit(events.NewConnectionEvent(events.SDKDisconnected, "stream", s.accountID, err.Error(), time.Now()))
		return err
	}

	s.mu.Lock()
	s.conn = conn
	s.connected = true
	s.mu.Unlock()

	if err := s.subscribe(conn); err != nil {
		conn.Close()
		s.mu.Lock()
		s.connected = false
		s.mu.Unlock()
		return fmt.Errorf("stream subscribe: %w", err)
	}

	go s.pingLoop(conn)

	log.Info().
		Str("account", s.accountID).
		Int("instruments", len(s.instruments)).
		Msg("🔌 Gateway stream connected")
	s.emit(events.NewConnectionEvent(events.SDKConnected, "stream", s.accountID, "", time.Now()))
	return nil
}

// subscribe registers the account channel plus one market-data channel per
// instrument. Each instrument subscription makes the gateway replay the
// account's order/position events again.
func (s *EventStream) subscribe(conn *websocket.Conn) error {
	if err := conn.WriteJSON(map[string]any{
		"action":    "subscribe",
		"channel":   "account",
		"accountId": s.accountID,
	}); err != nil {
		return err
	}
	for _, inst := range s.instruments {
		if err := conn.WriteJSON(map[string]any{
			"action":    "subscribe",
			"channel":   "market",
			"symbol":    inst,
			"accountId": s.accountID,
		}); err != nil {
			return err
		}
	}
	return nil
}

func (s *EventStream) pingLoop(conn *websocket.Conn) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.mu.RLock()
			current := s.conn
			connected := s.connected
			s.mu.RUnlock()
			if !connected || current != conn {
				return
			}
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (s *EventStream) readLoop() {
	for {
		select {
		case <-s.stopCh:
			return
		default:
		}

		s.mu.RLock()
		conn := s.conn
		s.mu.RUnlock()
		if conn == nil {
			return
		}

		_, message, err := conn.ReadMessage()
		if err != nil {
			s.mu.Lock()
			s.connected = false
			s.mu.Unlock()

			select {
			case <-s.stopCh:
			default:
				log.Warn().Err(err).Msg("Stream read error")
				s.emit(events.NewConnectionEvent(events.SDKDisconnected, "stream", s.accountID, err.Error(), time.Now()))
			}
			return
		}

		s.processMessage(message)
	}
}

// streamFrame is one websocket message from the gateway.
type streamFrame struct {
	Event    string          `json:"event"`
	Order    *wireOrder      `json:"order,omitempty"`
	Position *wirePosition   `json:"position,omitempty"`
	Quote    *wireQuote      `json:"quote,omitempty"`
	SentAt   time.Time       `json:"sentAt"`
	Raw      json.RawMessage `json:"data,omitempty"`
}

type wireQuote struct {
	Symbol string          `json:"symbol"`
	Price  decimal.Decimal `json:"lastPrice"`
}

func (s *EventStream) processMessage(message []byte) {
	var frame streamFrame
	if err := json.Unmarshal(message, &frame); err != nil {
		log.Warn().Err(err).Msg("Unparseable stream frame")
		return
	}

	at := frame.SentAt
	if at.IsZero() {
		at = time.Now()
	}

	switch {
	case frame.Order != nil:
		t, ok := orderEventType(frame.Event)
		if !ok {
			return
		}
		s.emit(events.NewOrderEvent(t, "gateway", frame.Order.toModel(), at))
	case frame.Position != nil:
		t, ok := positionEventType(frame.Event)
		if !ok {
			return
		}
		s.emit(events.NewPositionEvent(t, "gateway", frame.Position.toModel(), at))
	case frame.Quote != nil:
		s.emit(events.NewQuoteEvent("gateway", model.Quote{
			Symbol: strings.ToUpper(frame.Quote.Symbol),
			Price:  frame.Quote.Price,
			Time:   at,
		}, at))
	}
}

func orderEventType(name string) (events.Type, bool) {
	switch name {
	case "order_placed":
		return events.OrderPlaced, true
	case "order_filled":
		return events.OrderFilled, true
	case "order_partial_fill":
		return events.OrderPartialFill, true
	case "order_cancelled":
		return events.OrderCancelled, true
	case "order_rejected":
		return events.OrderRejected, true
	case "order_modified":
		return events.OrderModified, true
	case "order_expired":
		return events.OrderExpired, true
	}
	return "", false
}

func positionEventType(name string) (events.Type, bool) {
	switch name {
	case "position_opened":
		return events.PositionOpened, true
	case "position_updated":
		return events.PositionUpdated, true
	case "position_closed":
		return events.PositionClosed, true
	}
	return "", false
}

// emit delivers one event. A full buffer blocks the read loop rather than
// dropping; events past the warn level are still accepted.
func (s *EventStream) emit(ev events.Event) {
	if n := len(s.out); n > streamBuffer/2 {
		log.Warn().Int("buffered", n).Msg("⚠️ Stream buffer backlog growing")
	}
	select {
	case s.out <- ev:
	case <-s.stopCh:
	}
}
