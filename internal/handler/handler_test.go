package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/GoPolymarket/polyexec/internal/config"
	"github.com/GoPolymarket/polyexec/internal/custody"
	"github.com/GoPolymarket/polyexec/internal/hub"
	"github.com/GoPolymarket/polyexec/internal/model"
	"github.com/GoPolymarket/polyexec/internal/ratelimit"
	"github.com/GoPolymarket/polyexec/internal/repository"
	"github.com/GoPolymarket/polyexec/internal/settlement"
	"github.com/ethereum/go-ethereum/accounts/keystore"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testAdminKey = "test-admin-key"

type fakePlacer struct {
	pairs *repository.MemoryPairRepo
	err   error
}

func (f *fakePlacer) PlacePair(ctx context.Context, wallet, conditionID string, market model.MarketInfo, size string) (*model.Pair, error) {
	if f.err != nil {
		return nil, f.err
	}
	p := &model.Pair{
		ID:          uuid.NewString(),
		Wallet:      custody.NormalizeWallet(wallet),
		ConditionID: conditionID,
		Market:      market,
		Size:        size,
		Status:      model.PairPlaced,
	}
	if err := f.pairs.CreatePair(ctx, p); err != nil {
		return nil, err
	}
	return p, nil
}

type recordingWatcher struct {
	mu      sync.Mutex
	watched map[string]model.L2Creds
}

func (w *recordingWatcher) Watch(wallet string, creds model.L2Creds) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.watched[wallet] = creds
}

func (w *recordingWatcher) Unwatch(wallet string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.watched, wallet)
}

type releaseRecorder struct{ released []string }

func (r *releaseRecorder) Release(id string) { r.released = append(r.released, id) }

type testEnv struct {
	router    *gin.Engine
	keys      *custody.Store
	wallets   *repository.MemoryWalletRepo
	pairs     *repository.MemoryPairRepo
	positions *repository.MemoryPositionRepo
	placer    *fakePlacer
	watcher   *recordingWatcher
	releases  *releaseRecorder
	hub       *hub.Hub
}

func newTestEnv(t *testing.T) *testEnv {
	return newTestEnvWith(t, func(*config.Config) {})
}

func newTestEnvWith(t *testing.T, tweak func(*config.Config)) *testEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)

	cfg := &config.Config{}
	cfg.Auth.AdminKey = testAdminKey
	cfg.Server.RequestsPerSecond = 1000
	cfg.Server.Burst = 1000
	tweak(cfg)

	env := &testEnv{
		keys:      custody.NewStore(),
		wallets:   repository.NewMemoryWalletRepo(),
		pairs:     repository.NewMemoryPairRepo(),
		positions: repository.NewMemoryPositionRepo(),
		watcher:   &recordingWatcher{watched: map[string]model.L2Creds{}},
		releases:  &releaseRecorder{},
		hub:       hub.New(16),
	}
	t.Cleanup(env.hub.Close)
	env.placer = &fakePlacer{pairs: env.pairs}

	env.router = NewRouter(cfg, Handlers{
		Wallets:   NewWalletHandler(env.wallets, custody.NewUnlocker(env.wallets, env.keys), env.keys, env.watcher),
		Pairs:     NewPairHandler(env.placer, env.pairs),
		Positions: NewPositionHandler(env.positions, env.releases),
		Status:    NewStatusHandler(ratelimit.New(ratelimit.DefaultLimits()), env.hub),
		Stream:    NewStreamHandler(env.hub),
	}, nil)
	return env
}

func (e *testEnv) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	return e.doWith(t, method, path, body, nil)
}

func (e *testEnv) doWith(t *testing.T, method, path string, body any, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Admin-Key", testAdminKey)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func errorCode(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	var body struct {
		Code string `json:"code"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body), w.Body.String())
	return body.Code
}

func newKeystore(t *testing.T, password string) (string, []byte) {
	t.Helper()
	pk, err := crypto.GenerateKey()
	require.NoError(t, err)
	k := &keystore.Key{
		Id:         uuid.New(),
		Address:    crypto.PubkeyToAddress(pk.PublicKey),
		PrivateKey: pk,
	}
	blob, err := keystore.EncryptKey(k, password, keystore.LightScryptN, keystore.LightScryptP)
	require.NoError(t, err)
	return k.Address.Hex(), blob
}

func TestHealthNeedsNoAdminKey(t *testing.T) {
	env := newTestEnv(t)
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestAdminKeyRequired(t *testing.T) {
	env := newTestEnv(t)
	req := httptest.NewRequest(http.MethodGet, "/v1/pairs", nil)
	req.Header.Set("X-Admin-Key", "nope")
	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, "AUTH_FAILED", errorCode(t, w))
}

func TestWalletAutoTradingLifecycle(t *testing.T) {
	env := newTestEnv(t)
	addr, blob := newKeystore(t, "hunter2")
	path := "/v1/wallets/" + addr

	w := env.do(t, http.MethodPut, path, gin.H{
		"keystore":       string(blob),
		"api_key":        "k",
		"api_secret":     "s",
		"api_passphrase": "p",
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.NotContains(t, w.Body.String(), "api_secret")
	assert.NotContains(t, w.Body.String(), "crypto")

	w = env.do(t, http.MethodPost, path+"/auto-trading", gin.H{"password": "wrong"})
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.False(t, env.keys.Has(addr))

	w = env.do(t, http.MethodPost, path+"/auto-trading", gin.H{"password": "hunter2"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.True(t, env.keys.Has(addr))

	stored, err := env.wallets.GetWallet(context.Background(), addr)
	require.NoError(t, err)
	assert.True(t, stored.AutoTrading)
	assert.Equal(t, "k", env.watcher.watched[custody.NormalizeWallet(addr)].APIKey)

	w = env.do(t, http.MethodGet, "/v1/wallets", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"key_loaded":true`)

	w = env.do(t, http.MethodDelete, path+"/auto-trading", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.False(t, env.keys.Has(addr))
	assert.Empty(t, env.watcher.watched)
}

func TestEnableRejectsBadInput(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, http.MethodPost, "/v1/wallets/not-an-address/auto-trading", gin.H{"password": "x"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = env.do(t, http.MethodPost, "/v1/wallets/0x0000000000000000000000000000000000000001/auto-trading", gin.H{})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = env.do(t, http.MethodPost, "/v1/wallets/0x0000000000000000000000000000000000000001/auto-trading", gin.H{"password": "x"})
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestPairPlaceAndList(t *testing.T) {
	env := newTestEnv(t)
	body := gin.H{
		"wallet":       "0xAbC0000000000000000000000000000000000001",
		"condition_id": "0xcond",
		"size":         "10",
		"market":       gin.H{"yes_token_id": "y", "no_token_id": "n"},
	}
	w := env.do(t, http.MethodPost, "/v1/pairs", body)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	var created model.Pair
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))
	require.NotEmpty(t, created.ID)

	w = env.do(t, http.MethodGet, "/v1/pairs/"+created.ID, nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = env.do(t, http.MethodGet, "/v1/pairs/missing", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = env.do(t, http.MethodGet, "/v1/pairs?status=placed&wallet=0xabc0000000000000000000000000000000000001", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var list struct {
		Pairs []model.Pair `json:"pairs"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &list))
	assert.Len(t, list.Pairs, 1)

	w = env.do(t, http.MethodGet, "/v1/pairs?status=BOGUS", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestPairPlaceErrorMapping(t *testing.T) {
	cases := []struct {
		err    error
		status int
		code   string
	}{
		{settlement.ErrKeyUnavailable, http.StatusPreconditionFailed, "KEY_LOCKED"},
		{fmt.Errorf("place yes: %w", settlement.ErrRateLimited), http.StatusTooManyRequests, "RATE_LIMITED"},
		{fmt.Errorf("boom"), http.StatusInternalServerError, "INTERNAL_ERROR"},
	}
	for _, tc := range cases {
		env := newTestEnv(t)
		env.placer.err = tc.err
		w := env.do(t, http.MethodPost, "/v1/pairs", gin.H{"wallet": "0x1", "condition_id": "c", "size": "1"})
		assert.Equal(t, tc.status, w.Code, tc.err.Error())
		assert.Equal(t, tc.code, errorCode(t, w))
	}
}

func TestPositionUpsertAndClose(t *testing.T) {
	env := newTestEnv(t)
	wallet := "0xAbC0000000000000000000000000000000000001"

	w := env.do(t, http.MethodPost, "/v1/positions", gin.H{
		"wallet":      wallet,
		"token_id":    "tok",
		"entry_price": "0.5",
		"size":        "20",
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var pos model.Position
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &pos))
	assert.NotEmpty(t, pos.ID)
	assert.Equal(t, model.SideBuy, pos.Side)

	w = env.do(t, http.MethodGet, "/v1/wallets/"+wallet+"/positions", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), pos.ID)

	w = env.do(t, http.MethodDelete, "/v1/positions/"+pos.ID, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, []string{pos.ID}, env.releases.released)

	open, err := env.positions.GetOpenPositions(context.Background(), wallet)
	require.NoError(t, err)
	assert.Empty(t, open)

	w = env.do(t, http.MethodDelete, "/v1/positions/"+pos.ID, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestPositionValidation(t *testing.T) {
	env := newTestEnv(t)
	w := env.do(t, http.MethodPost, "/v1/positions", gin.H{
		"wallet": "0x1", "token_id": "tok", "entry_price": "0", "size": "1",
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = env.do(t, http.MethodPost, "/v1/positions", gin.H{
		"wallet": "0x1", "token_id": "tok", "side": "HOLD", "entry_price": "0.4", "size": "1",
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestPublishOpportunitiesAndRateLimit(t *testing.T) {
	env := newTestEnv(t)
	w := env.do(t, http.MethodPost, "/v1/opportunities", []gin.H{{"condition_id": "c1", "score": 0.9}})
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())

	latest, ok := env.hub.Latest(hub.TypeOpportunities)
	require.True(t, ok)
	opps, ok := latest.Payload.([]model.Opportunity)
	require.True(t, ok)
	require.Len(t, opps, 1)
	assert.False(t, opps[0].At.IsZero())

	w = env.do(t, http.MethodPost, "/v1/opportunities", gin.H{"not": "a list"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = env.do(t, http.MethodGet, "/v1/ratelimit", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "utilization")
}

func readEnvelope(t *testing.T, conn *websocket.Conn) hub.Envelope {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var env hub.Envelope
	require.NoError(t, conn.ReadJSON(&env))
	return env
}

func TestStreamRelaysHub(t *testing.T) {
	env := newTestEnv(t)
	srv := httptest.NewServer(env.router)
	defer srv.Close()

	// latest snapshot is replayed to new observers
	env.hub.Publish(hub.TypeOpportunities, []model.Opportunity{{ConditionID: "c0"}})

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws?types=opportunities&admin_key=" + testAdminKey
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	first := readEnvelope(t, conn)
	assert.Equal(t, hub.TypeConnected, first.Type)

	snap := readEnvelope(t, conn)
	assert.Equal(t, hub.TypeOpportunities, snap.Type)

	require.NoError(t, conn.WriteJSON(gin.H{"type": "ping"}))
	assert.Equal(t, hub.TypePong, readEnvelope(t, conn).Type)

	// filtered out
	env.hub.Publish(hub.TypePairStatus, gin.H{})
	env.hub.Publish(hub.TypeOpportunities, []model.Opportunity{{ConditionID: "c1"}})
	next := readEnvelope(t, conn)
	assert.Equal(t, hub.TypeOpportunities, next.Type)
	assert.Contains(t, fmt.Sprint(next.Payload), "c1")
}

func TestStreamRejectsMissingKey(t *testing.T) {
	env := newTestEnv(t)
	srv := httptest.NewServer(env.router)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestPairPlaceIsIdempotent(t *testing.T) {
	env := newTestEnv(t)
	body := gin.H{"wallet": "0x1", "condition_id": "c", "size": "5"}
	hdr := map[string]string{"X-Idempotency-Key": "req-1"}

	first := env.doWith(t, http.MethodPost, "/v1/pairs", body, hdr)
	require.Equal(t, http.StatusCreated, first.Code, first.Body.String())
	second := env.doWith(t, http.MethodPost, "/v1/pairs", body, hdr)
	require.Equal(t, http.StatusCreated, second.Code)

	assert.Equal(t, first.Body.String(), second.Body.String())
	assert.Equal(t, "true", second.Header().Get("Idempotent-Replayed"))

	all, err := env.pairs.ListPairs(context.Background())
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestReadOnlyModeAllowsDisable(t *testing.T) {
	env := newTestEnvWith(t, func(c *config.Config) { c.Server.ReadOnly = true })

	w := env.do(t, http.MethodPost, "/v1/pairs", gin.H{"wallet": "0x1", "condition_id": "c", "size": "5"})
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, "READ_ONLY", errorCode(t, w))

	w = env.do(t, http.MethodGet, "/v1/pairs", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	// not registered, but it got past the freeze
	w = env.do(t, http.MethodDelete, "/v1/wallets/0x0000000000000000000000000000000000000001/auto-trading", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}
