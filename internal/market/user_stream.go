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

// FillTracker keeps the latest fill state of every order seen on the user
// channels. Settlement reads it to advance pairs.
type FillTracker struct {
	mu    sync.RWMutex
	fills map[string]model.OrderFill
	now   func() time.Time
}

func NewFillTracker() *FillTracker {
	return &FillTracker{fills: make(map[string]model.OrderFill), now: time.Now}
}

func (t *FillTracker) Fill(orderID string) (model.OrderFill, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	f, ok := t.fills[orderID]
	return f, ok
}

// Record stores f unless it would move size_matched backwards.
func (t *FillTracker) Record(f model.OrderFill) {
	if f.OrderID == "" {
		return
	}
	if f.UpdatedAt.IsZero() {
		f.UpdatedAt = t.now()
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if prev, ok := t.fills[f.OrderID]; ok && prev.SizeMatched.GreaterThan(f.SizeMatched) {
		f.SizeMatched = prev.SizeMatched
	}
	t.fills[f.OrderID] = f
}

func (t *FillTracker) Forget(orderIDs ...string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, id := range orderIDs {
		delete(t.fills, id)
	}
}

type orderEvent struct {
	EventType    string `json:"event_type"`
	ID           string `json:"id"`
	AssetID      string `json:"asset_id"`
	Side         string `json:"side"`
	Price        string `json:"price"`
	OriginalSize string `json:"original_size"`
	SizeMatched  string `json:"size_matched"`
	Status       string `json:"status"`
	Type         string `json:"type"` // PLACEMENT, UPDATE, CANCELLATION
}

// HandleMessage parses one user channel frame into the tracker.
func (t *FillTracker) HandleMessage(raw []byte) {
	var events []orderEvent
	if err := json.Unmarshal(raw, &events); err != nil {
		var single orderEvent
		if err := json.Unmarshal(raw, &single); err != nil {
			return
		}
		events = []orderEvent{single}
	}

	for _, ev := range events {
		if ev.EventType != "order" {
			continue
		}
		original, _ := decimal.NewFromString(ev.OriginalSize)
		matched, _ := decimal.NewFromString(ev.SizeMatched)
		status := strings.ToUpper(ev.Status)
		if ev.Type == "CANCELLATION" {
			status = "CANCELED"
		}
		t.Record(model.OrderFill{
			OrderID:      ev.ID,
			SizeMatched:  matched,
			OriginalSize: original,
			Status:       status,
		})
	}
}

// UserStream feeds one wallet's user channel into a FillTracker.
type UserStream struct {
	url     string
	wallet  string
	creds   model.L2Creds
	tracker *FillTracker
}

func NewUserStream(baseURL, wallet string, creds model.L2Creds, tracker *FillTracker) *UserStream {
	if baseURL == "" {
		baseURL = DefaultWSURL
	}
	return &UserStream{
		url:     strings.TrimRight(baseURL, "/") + "/ws/user",
		wallet:  wallet,
		creds:   creds,
		tracker: tracker,
	}
}

func (s *UserStream) Run(ctx context.Context) {
	delay := ReconnBaseDelay
	for ctx.Err() == nil {
		if err := s.session(ctx); err != nil && ctx.Err() == nil {
			logger.Warn("user stream dropped", "wallet", s.wallet, "error", err, "retry_in", delay)
			if !sleepCtx(ctx, delay) {
				return
			}
			delay = min(delay*2, ReconnMaxDelay)
			continue
		}
		delay = ReconnBaseDelay
	}
}

func (s *UserStream) session(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, s.url, nil)
	if err != nil {
		return err
	}
	defer conn.Close()

	auth := map[string]any{
		"auth": map[string]string{
			"apiKey":     s.creds.APIKey,
			"secret":     s.creds.APISecret,
			"passphrase": s.creds.APIPassphrase,
		},
		"type": "user",
	}
	if err := conn.WriteJSON(auth); err != nil {
		return err
	}

	var writeMu sync.Mutex
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
				writeMu.Lock()
				err := conn.WriteMessage(websocket.TextMessage, []byte("PING"))
				writeMu.Unlock()
				if err != nil {
					return
				}
			}
		}
	}()

	for {
		conn.SetReadDeadline(time.Now().Add(readTimeout))
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		if string(raw) == "PONG" {
			continue
		}
		s.tracker.HandleMessage(raw)
	}
}

// UserStreams runs one UserStream per wallet with auto-trading enabled.
type UserStreams struct {
	ctx     context.Context
	baseURL string
	tracker *FillTracker

	mu      sync.Mutex
	cancels map[string]context.CancelFunc
}

func NewUserStreams(ctx context.Context, baseURL string, tracker *FillTracker) *UserStreams {
	return &UserStreams{
		ctx:     ctx,
		baseURL: baseURL,
		tracker: tracker,
		cancels: make(map[string]context.CancelFunc),
	}
}

// Watch starts the wallet's stream unless one is already running.
func (u *UserStreams) Watch(wallet string, creds model.L2Creds) {
	if creds.Empty() {
		logger.Warn("user stream skipped, wallet has no CLOB credentials", "wallet", wallet)
		return
	}
	u.mu.Lock()
	defer u.mu.Unlock()
	if _, ok := u.cancels[wallet]; ok {
		return
	}
	ctx, cancel := context.WithCancel(u.ctx)
	u.cancels[wallet] = cancel
	go NewUserStream(u.baseURL, wallet, creds, u.tracker).Run(ctx)
}

func (u *UserStreams) Unwatch(wallet string) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if cancel, ok := u.cancels[wallet]; ok {
		cancel()
		delete(u.cancels, wallet)
	}
}

func (u *UserStreams) Active() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return len(u.cancels)
}
