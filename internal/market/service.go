package market

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/GoPolymarket/polyexec/internal/model"
	"github.com/GoPolymarket/polyexec/internal/pkg/logger"
	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
)

const (
	DefaultWSURL    = "wss://ws-subscriptions-clob.polymarket.com"
	ReconnBaseDelay = 1 * time.Second
	ReconnMaxDelay  = 30 * time.Second
	PingPeriod      = 15 * time.Second
	readTimeout     = PingPeriod + 10*time.Second
	// books older than this are not used for pricing
	staleAfter = 2 * time.Minute
)

// MarketService keeps live order books for subscribed tokens over the
// market channel and prices positions from them.
type MarketService struct {
	url string

	mu    sync.RWMutex
	books map[string]*Orderbook
	subs  []string

	connMu sync.Mutex
	conn   *websocket.Conn

	now func() time.Time
}

func NewMarketService(baseURL string) *MarketService {
	if baseURL == "" {
		baseURL = DefaultWSURL
	}
	return &MarketService{
		url:   strings.TrimRight(baseURL, "/") + "/ws/market",
		books: make(map[string]*Orderbook),
		now:   time.Now,
	}
}

// Run holds the connection open until ctx ends, reconnecting with backoff.
func (s *MarketService) Run(ctx context.Context) {
	delay := ReconnBaseDelay
	for ctx.Err() == nil {
		conn, _, err := websocket.DefaultDialer.DialContext(ctx, s.url, nil)
		if err != nil {
			logger.Warn("market stream dial failed", "error", err, "retry_in", delay)
			if !sleepCtx(ctx, delay) {
				return
			}
			delay = min(delay*2, ReconnMaxDelay)
			continue
		}
		delay = ReconnBaseDelay

		s.connMu.Lock()
		s.conn = conn
		s.connMu.Unlock()

		if subs := s.Subscriptions(); len(subs) > 0 {
			if err := s.send(map[string]any{"assets_ids": subs, "type": "market"}); err != nil {
				logger.Warn("market stream subscribe failed", "error", err)
			}
		}
		s.readLoop(ctx, conn)

		s.connMu.Lock()
		s.conn = nil
		s.connMu.Unlock()
	}
}

func (s *MarketService) readLoop(ctx context.Context, conn *websocket.Conn) {
	done := make(chan struct{})
	defer close(done)
	go func() {
		ticker := time.NewTicker(PingPeriod)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				conn.Close()
				return
			case <-done:
				return
			case <-ticker.C:
				s.connMu.Lock()
				err := conn.WriteMessage(websocket.TextMessage, []byte("PING"))
				s.connMu.Unlock()
				if err != nil {
					return
				}
			}
		}
	}()
	defer conn.Close()

	for {
		conn.SetReadDeadline(time.Now().Add(readTimeout))
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() == nil {
				logger.Warn("market stream read failed", "error", err)
			}
			return
		}
		s.handleMessage(raw)
	}
}

// Subscribe adds tokens. Already-connected streams are told immediately.
func (s *MarketService) Subscribe(tokenIDs ...string) {
	var added []string
	s.mu.Lock()
	for _, id := range tokenIDs {
		if id == "" {
			continue
		}
		if _, ok := s.books[id]; ok {
			continue
		}
		s.books[id] = NewOrderbook(id)
		s.subs = append(s.subs, id)
		added = append(added, id)
	}
	s.mu.Unlock()

	if len(added) > 0 {
		if err := s.send(map[string]any{"assets_ids": added, "operation": "subscribe"}); err != nil {
			logger.Debug("market subscribe deferred until connected", "tokens", len(added))
		}
	}
}

func (s *MarketService) Subscriptions() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]string(nil), s.subs...)
}

func (s *MarketService) GetBook(tokenID string) *Orderbook {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.books[tokenID]
}

// Price returns the best bid, the price a held position can be sold at.
// Unknown tokens are subscribed and report no price until a book arrives.
func (s *MarketService) Price(_ context.Context, tokenID string) (decimal.Decimal, bool) {
	book := s.GetBook(tokenID)
	if book == nil {
		s.Subscribe(tokenID)
		return decimal.Zero, false
	}
	if s.now().Sub(book.LastUpdated()) > staleAfter {
		return decimal.Zero, false
	}
	best, ok := book.BestBid()
	if !ok {
		return decimal.Zero, false
	}
	return best.Price, true
}

func (s *MarketService) send(msg any) error {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	if s.conn == nil {
		return websocket.ErrCloseSent
	}
	return s.conn.WriteJSON(msg)
}

type bookEvent struct {
	EventType    string          `json:"event_type"`
	AssetID      string          `json:"asset_id"`
	Market       string          `json:"market"`
	Bids         []rawLevel      `json:"bids"`
	Asks         []rawLevel      `json:"asks"`
	PriceChanges []priceChange   `json:"price_changes"`
}

type rawLevel struct {
	Price string `json:"price"`
	Size  string `json:"size"`
}

type priceChange struct {
	AssetID string `json:"asset_id"`
	Price   string `json:"price"`
	Size    string `json:"size"`
	Side    string `json:"side"`
}

func (s *MarketService) handleMessage(raw []byte) {
	if string(raw) == "PONG" {
		return
	}
	var events []bookEvent
	if err := json.Unmarshal(raw, &events); err != nil {
		var single bookEvent
		if err := json.Unmarshal(raw, &single); err != nil {
			return
		}
		events = []bookEvent{single}
	}

	at := s.now()
	for _, ev := range events {
		switch ev.EventType {
		case "book":
			if book := s.GetBook(ev.AssetID); book != nil {
				book.Snapshot(parseLevels(ev.Bids), parseLevels(ev.Asks), at)
			}
		case "price_change":
			for _, ch := range ev.PriceChanges {
				book := s.GetBook(ch.AssetID)
				if book == nil {
					continue
				}
				price, err1 := decimal.NewFromString(ch.Price)
				size, err2 := decimal.NewFromString(ch.Size)
				if err1 != nil || err2 != nil {
					continue
				}
				book.Update(model.Side(strings.ToUpper(ch.Side)), price, size, at)
			}
		}
	}
}

func parseLevels(raw []rawLevel) []Level {
	out := make([]Level, 0, len(raw))
	for _, l := range raw {
		price, err1 := decimal.NewFromString(l.Price)
		size, err2 := decimal.NewFromString(l.Size)
		if err1 != nil || err2 != nil {
			continue
		}
		out = append(out, Level{Price: price, Size: size})
	}
	return out
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
