package middleware

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/GoPolymarket/polyexec/internal/pkg/apperrors"
	"github.com/gin-gonic/gin"
)

const HeaderIdempotencyKey = "X-Idempotency-Key"

type IdempotencyRecord struct {
	Status     int       `json:"status"`
	Body       []byte    `json:"body"`
	CreatedAt  time.Time `json:"created_at"`
	Processing bool      `json:"processing"` // 正在处理中，用于防止并发竞争
}

type IdempotencyStore interface {
	// GetOrLock returns (record, true) if exists; (nil,false) if newly locked by caller.
	GetOrLock(ctx context.Context, key string) (*IdempotencyRecord, bool)
	Save(ctx context.Context, key string, status int, body []byte)
	Unlock(ctx context.Context, key string)
}

// InMemIdempotencyStore keeps records for ttl; Redis is used when configured.
type InMemIdempotencyStore struct {
	mu      sync.Mutex
	ttl     time.Duration
	records map[string]*IdempotencyRecord
	now     func() time.Time
}

func NewInMemIdempotencyStore(ttl time.Duration) *InMemIdempotencyStore {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &InMemIdempotencyStore{
		ttl:     ttl,
		records: make(map[string]*IdempotencyRecord),
		now:     time.Now,
	}
}

func (s *InMemIdempotencyStore) GetOrLock(_ context.Context, key string) (*IdempotencyRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if rec, ok := s.records[key]; ok {
		if now.Sub(rec.CreatedAt) < s.ttl {
			return rec, true
		}
		delete(s.records, key)
	}

	s.records[key] = &IdempotencyRecord{Processing: true, CreatedAt: now}
	return nil, false
}

func (s *InMemIdempotencyStore) Save(_ context.Context, key string, status int, body []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[key] = &IdempotencyRecord{
		Status:    status,
		Body:      body,
		CreatedAt: s.now(),
	}
}

func (s *InMemIdempotencyStore) Unlock(_ context.Context, key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, key)
}

// IdempotencyMiddleware replays the stored response for a repeated
// X-Idempotency-Key, so a retried POST /v1/pairs does not rest a second pair.
// Requests without the header pass through.
func IdempotencyMiddleware(store IdempotencyStore) gin.HandlerFunc {
	return func(c *gin.Context) {
		idemKey := c.GetHeader(HeaderIdempotencyKey)
		if idemKey == "" || store == nil {
			c.Next()
			return
		}

		// 按 admin key 隔离
		fullKey := c.GetString(ContextAdminKey) + ":" + c.Request.Method + ":" + c.FullPath() + ":" + idemKey
		ctx := c.Request.Context()

		record, hit := store.GetOrLock(ctx, fullKey)
		if hit {
			if record.Processing {
				abortWith(c, apperrors.New(apperrors.ErrConflict, "request with this idempotency key is in progress", nil))
				return
			}
			c.Header("Idempotent-Replayed", "true")
			c.Data(record.Status, "application/json; charset=utf-8", record.Body)
			c.Abort()
			return
		}

		w := &responseBodyWriter{ResponseWriter: c.Writer}
		c.Writer = w

		c.Next()

		// errors are rendered later by ErrorHandler and stay retryable, as do 5xx
		if status := c.Writer.Status(); len(c.Errors) == 0 && w.Written() && status < http.StatusInternalServerError {
			store.Save(context.WithoutCancel(ctx), fullKey, status, w.body)
		} else {
			store.Unlock(context.WithoutCancel(ctx), fullKey)
		}
	}
}

type responseBodyWriter struct {
	gin.ResponseWriter
	body []byte
}

func (w *responseBodyWriter) Write(b []byte) (int, error) {
	w.body = append(w.body, b...)
	return w.ResponseWriter.Write(b)
}
