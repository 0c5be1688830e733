package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/GoPolymarket/polyexec/internal/hub"
	"github.com/GoPolymarket/polyexec/internal/pkg/logger"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
)

type Subscriber interface {
	Subscribe(types ...hub.Type) *hub.Subscription
}

type StreamHandler struct {
	hub      Subscriber
	upgrader websocket.Upgrader
}

func NewStreamHandler(h Subscriber) *StreamHandler {
	return &StreamHandler{
		hub: h,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

// inbound frame from an observer
type clientMessage struct {
	Type  string     `json:"type"`
	Types []hub.Type `json:"types"`
}

// Serve upgrades to a websocket and relays hub envelopes. Query ?types=a,b
// sets the initial filter.
func (h *StreamHandler) Serve(c *gin.Context) {
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logger.Warn("ws upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	sub := h.hub.Subscribe(parseTypes(c.QueryArray("types"))...)
	defer sub.Close()

	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()

	var writeMu sync.Mutex
	write := func(env hub.Envelope) error {
		writeMu.Lock()
		defer writeMu.Unlock()
		conn.SetWriteDeadline(time.Now().Add(writeWait))
		return conn.WriteJSON(env)
	}

	if err := write(hub.Envelope{Type: hub.TypeConnected, Payload: gin.H{"subscription_id": sub.ID}, At: time.Now().UTC()}); err != nil {
		return
	}

	go h.readLoop(ctx, cancel, conn, sub, write)
	go func() {
		ticker := time.NewTicker(pingPeriod)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				writeMu.Lock()
				err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
				writeMu.Unlock()
				if err != nil {
					cancel()
					return
				}
			}
		}
	}()

	for {
		env, err := sub.Next(ctx)
		var lagged *hub.LaggedError
		switch {
		case errors.As(err, &lagged):
			env = hub.Envelope{Type: hub.TypeError, Payload: gin.H{"error": "lagged", "dropped": lagged.Count}, At: time.Now().UTC()}
		case err != nil:
			return
		}
		if err := write(env); err != nil {
			return
		}
	}
}

func (h *StreamHandler) readLoop(ctx context.Context, cancel context.CancelFunc, conn *websocket.Conn, sub *hub.Subscription, write func(hub.Envelope) error) {
	defer cancel()
	conn.SetReadLimit(64 * 1024)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for ctx.Err() == nil {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return
		}
		conn.SetReadDeadline(time.Now().Add(pongWait))

		var msg clientMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			_ = write(hub.Envelope{Type: hub.TypeError, Payload: gin.H{"error": "invalid message"}, At: time.Now().UTC()})
			continue
		}
		switch msg.Type {
		case "ping":
			_ = write(hub.Envelope{Type: hub.TypePong, At: time.Now().UTC()})
		case "subscribe":
			sub.SetTypes(msg.Types...)
		default:
			_ = write(hub.Envelope{Type: hub.TypeError, Payload: gin.H{"error": "unknown message type"}, At: time.Now().UTC()})
		}
	}
}

func parseTypes(raw []string) []hub.Type {
	var out []hub.Type
	for _, r := range raw {
		for _, t := range strings.Split(r, ",") {
			if t = strings.TrimSpace(t); t != "" {
				out = append(out, hub.Type(t))
			}
		}
	}
	return out
}
