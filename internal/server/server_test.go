package server_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/predictpool/internal/cache/memory"
	"github.com/alanyoungcy/predictpool/internal/domain"
	"github.com/alanyoungcy/predictpool/internal/server"
	"github.com/alanyoungcy/predictpool/internal/server/handler"
	"github.com/alanyoungcy/predictpool/internal/server/ws"
	"github.com/alanyoungcy/predictpool/internal/service"
	"github.com/alanyoungcy/predictpool/internal/store/sqlite"
)

var quiet = slog.New(slog.NewTextHandler(io.Discard, nil))

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type noOracles struct{}

func (noOracles) Validate(string, string) error { return errors.New("no oracle sources configured") }

func (noOracles) Lookup(string) (domain.OracleSource, error) {
	return nil, errors.New("no oracle sources configured")
}

type okVerifier struct{}

func (okVerifier) Normalize(ref string) string { return ref }

func (okVerifier) Confirm(context.Context, string, string, decimal.Decimal) error { return nil }

type failingPinger struct{}

func (failingPinger) Ping(context.Context) error { return errors.New("connection refused") }
func (failingPinger) Name() string               { return "redis" }

type apiEnv struct {
	clock *clock
	bus   *memory.SignalBus
	db    *sqlite.DB
	srv   *httptest.Server
	hub   *ws.Hub
}

func newAPI(t *testing.T, cfg server.Config, limiter domain.RateLimiter) *apiEnv {
	t.Helper()
	db, err := sqlite.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	e := &apiEnv{
		clock: &clock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)},
		bus:   memory.NewSignalBus(100),
		db:    db,
	}
	markets, bets, bettors, audit := sqlite.NewMarketStore(db), sqlite.NewBetStore(db), sqlite.NewBettorStore(db), sqlite.NewAuditStore(db)
	locks := memory.NewLockManager()
	cache := memory.NewMarketCache(time.Minute)
	lock := service.LockPolicy{TTL: 10 * time.Second, Wait: time.Second}

	marketSvc := service.NewMarketService(markets, bets, bettors, cache, e.bus, audit, noOracles{},
		service.MarketPolicy{RequireQuestionMark: true, MinLead: time.Hour, Now: e.clock.Now}, quiet)
	betSvc := service.NewBetService(markets, bets, locks, cache, e.bus, audit, okVerifier{},
		service.BetPolicy{ConfirmTimeout: time.Second, Lock: lock, Now: e.clock.Now}, quiet)
	settleSvc := service.NewSettlementService(markets, bets, locks, cache, e.bus, audit, nil, nil,
		service.SettlementPolicy{Lock: lock, Now: e.clock.Now}, quiet)
	resolveSvc := service.NewResolutionService(markets, sqlite.NewVoteStore(db), sqlite.NewOracleLogStore(db),
		locks, cache, e.bus, audit, noOracles{}, settleSvc, nil,
		service.ResolutionPolicy{Lock: lock, OracleTimeout: time.Second, Now: e.clock.Now}, quiet)

	e.hub = ws.NewHub(e.bus, quiet, ws.Config{Mode: "server"})
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go e.hub.Run(ctx)

	h := server.NewHandler(cfg, server.Handlers{
		Health:     handler.NewHealthHandler("server", []handler.Pinger{db}, quiet),
		Markets:    handler.NewMarketHandler(marketSvc, resolveSvc, quiet),
		Bets:       handler.NewBetHandler(betSvc, marketSvc, quiet),
		Resolution: handler.NewResolutionHandler(resolveSvc, settleSvc, quiet),
	}, e.hub, limiter, quiet)
	e.srv = httptest.NewServer(h)
	t.Cleanup(e.srv.Close)
	return e
}

func (e *apiEnv) do(t *testing.T, method, path string, body any, headers ...string) (int, map[string]any) {
	t.Helper()
	var rdr io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		require.NoError(t, err)
		rdr = bytes.NewReader(buf)
	}
	req, err := http.NewRequest(method, e.srv.URL+path, rdr)
	require.NoError(t, err)
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	out := map[string]any{}
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	if len(raw) > 0 {
		require.NoError(t, json.Unmarshal(raw, &out), string(raw))
	}
	return resp.StatusCode, out
}

func (e *apiEnv) createMarket(t *testing.T) string {
	t.Helper()
	status, body := e.do(t, http.MethodPost, "/api/markets", map[string]any{
		"question":        "Will the match end in a draw?",
		"creator_id":      "creator-1",
		"expires_at":      e.clock.Now().Add(2 * time.Hour),
		"resolution_type": "manual",
		"platform":        "telegram",
	})
	require.Equal(t, http.StatusCreated, status, body)
	return body["id"].(string)
}

func TestAPI_MarketLifecycle(t *testing.T) {
	e := newAPI(t, server.Config{}, nil)
	id := e.createMarket(t)

	status, body := e.do(t, http.MethodPost, "/api/markets/"+id+"/bets", map[string]any{
		"bettor_id": "alice", "position": "yes", "amount": "1", "payment_ref": "pay-1",
	})
	require.Equal(t, http.StatusCreated, status, body)
	assert.Equal(t, "YES", body["position"])
	assert.Equal(t, "50", body["odds"])
	assert.Equal(t, "2", body["potential_payout"])

	status, body = e.do(t, http.MethodPost, "/api/markets/"+id+"/bets", map[string]any{
		"bettor_id": "bob", "position": "NO", "amount": 1, "payment_ref": "pay-2",
	})
	require.Equal(t, http.StatusCreated, status, body)

	status, body = e.do(t, http.MethodPost, "/api/markets/"+id+"/bets", map[string]any{
		"bettor_id": "bob", "position": "NO", "amount": "1", "payment_ref": "pay-2",
	})
	assert.Equal(t, http.StatusConflict, status)
	assert.Equal(t, "duplicate_payment_ref", body["code"])

	status, body = e.do(t, http.MethodGet, "/api/markets/"+id+"/quote?position=YES&amount=1", nil)
	require.Equal(t, http.StatusOK, status, body)
	assert.Equal(t, "50", body["odds"])

	status, body = e.do(t, http.MethodGet, "/api/markets/"+id, nil)
	require.Equal(t, http.StatusOK, status)
	assert.Len(t, body["bets"], 2)
	assert.Equal(t, "1", body["total_yes_volume"])

	e.clock.Advance(3 * time.Hour)
	status, body = e.do(t, http.MethodPost, "/api/markets/"+id+"/bets", map[string]any{
		"bettor_id": "carol", "position": "YES", "amount": "1", "payment_ref": "pay-3",
	})
	assert.Equal(t, http.StatusConflict, status)
	assert.Equal(t, "market_expired", body["code"])

	status, body = e.do(t, http.MethodPost, "/api/markets/lock-expired", nil)
	require.Equal(t, http.StatusOK, status)
	assert.EqualValues(t, 1, body["count"])

	status, body = e.do(t, http.MethodPost, "/api/markets/"+id+"/resolve", nil)
	assert.Equal(t, http.StatusConflict, status)
	assert.Equal(t, "arbiter_required", body["code"])

	status, body = e.do(t, http.MethodPost, "/api/markets/"+id+"/arbitrate", map[string]any{"outcome": "YES"})
	require.Equal(t, http.StatusOK, status, body)
	assert.Equal(t, "settled", body["status"])

	status, body = e.do(t, http.MethodPost, "/api/markets/"+id+"/resolve", nil)
	assert.Equal(t, http.StatusConflict, status)
	assert.Equal(t, "already_settled", body["code"])
	assert.Equal(t, "YES", body["outcome"])

	status, body = e.do(t, http.MethodPost, "/api/markets/"+id+"/settle", nil)
	require.Equal(t, http.StatusOK, status, body)
	assert.EqualValues(t, 0, body["bets_settled"])
	assert.EqualValues(t, 2, body["bets_already_settled"])

	status, body = e.do(t, http.MethodGet, "/api/bettors/alice", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "2", body["total_winnings"])

	status, body = e.do(t, http.MethodGet, "/api/bettors/alice/bets", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Len(t, body["bets"], 1)
}

func TestAPI_ErrorMapping(t *testing.T) {
	e := newAPI(t, server.Config{}, nil)

	tests := []struct {
		name   string
		method string
		path   string
		body   any
		status int
		code   string
	}{
		{"unknown market", http.MethodGet, "/api/markets/nope", nil, http.StatusNotFound, "not_found"},
		{"question without mark", http.MethodPost, "/api/markets", map[string]any{
			"question": "It rains in Lisbon tomorrow", "creator_id": "c", "resolution_type": "manual",
			"expires_at": time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC),
		}, http.StatusBadRequest, "invalid_question"},
		{"expiry too soon", http.MethodPost, "/api/markets", map[string]any{
			"question": "Will it rain in Lisbon tomorrow?", "creator_id": "c", "resolution_type": "manual",
			"expires_at": time.Date(2026, 3, 1, 12, 30, 0, 0, time.UTC),
		}, http.StatusBadRequest, "expiry_too_soon"},
		{"unknown field", http.MethodPost, "/api/markets", map[string]any{"bogus": 1}, http.StatusBadRequest, "bad_request"},
		{"bad status filter", http.MethodGet, "/api/markets?status=closed", nil, http.StatusBadRequest, "bad_request"},
		{"quote precision", http.MethodGet, "/api/markets/x/quote?position=YES&amount=0.0000001", nil, http.StatusBadRequest, "amount_precision"},
		{"bet on unknown market", http.MethodPost, "/api/markets/nope/bets", map[string]any{
			"bettor_id": "a", "position": "YES", "amount": "1", "payment_ref": "r",
		}, http.StatusNotFound, "not_found"},
		{"settle unknown", http.MethodPost, "/api/markets/nope/settle", nil, http.StatusNotFound, "not_found"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, body := e.do(t, tt.method, tt.path, tt.body)
			assert.Equal(t, tt.status, status, body)
			assert.Equal(t, tt.code, body["code"])
			assert.NotEmpty(t, body["error"])
		})
	}
}

func TestAPI_ListMarkets(t *testing.T) {
	e := newAPI(t, server.Config{}, nil)
	e.createMarket(t)
	e.createMarket(t)

	status, body := e.do(t, http.MethodGet, "/api/markets?status=open&platform=telegram&limit=1", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Len(t, body["markets"], 1)
	assert.EqualValues(t, 1, body["limit"])

	status, body = e.do(t, http.MethodGet, "/api/markets?platform=discord", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Empty(t, body["markets"])
}

func TestAPI_Stats(t *testing.T) {
	e := newAPI(t, server.Config{}, nil)
	status, body := e.do(t, http.MethodGet, "/api/stats", nil)
	require.Equal(t, http.StatusOK, status)
	assert.EqualValues(t, 0, body["total_markets"])
	assert.Equal(t, "0", body["total_volume"])

	first := e.createMarket(t)
	e.createMarket(t)
	for i, pos := range []string{"yes", "no"} {
		status, body = e.do(t, http.MethodPost, "/api/markets/"+first+"/bets", map[string]any{
			"bettor_id": "alice", "position": pos, "amount": "1.25", "payment_ref": fmt.Sprintf("stats-%d", i),
		})
		require.Equal(t, http.StatusCreated, status, body)
	}

	status, body = e.do(t, http.MethodGet, "/api/stats", nil)
	require.Equal(t, http.StatusOK, status)
	assert.EqualValues(t, 2, body["total_markets"])
	assert.EqualValues(t, 2, body["active_markets"])
	assert.EqualValues(t, 2, body["total_bets"])
	assert.Equal(t, "2.5", body["total_volume"])
}

func TestAPI_Health(t *testing.T) {
	e := newAPI(t, server.Config{APIKey: "secret"}, nil)
	status, body := e.do(t, http.MethodGet, "/api/health", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, map[string]any{"sqlite": "ok"}, body["dependencies"])

	rec := httptest.NewRecorder()
	handler.NewHealthHandler("server", []handler.Pinger{failingPinger{}}, quiet).
		HealthCheck(rec, httptest.NewRequest(http.MethodGet, "/api/health", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "degraded")
}

func TestAPI_Auth(t *testing.T) {
	e := newAPI(t, server.Config{APIKey: "secret"}, nil)

	status, body := e.do(t, http.MethodGet, "/api/markets", nil)
	assert.Equal(t, http.StatusUnauthorized, status)
	assert.Equal(t, "unauthorized", body["code"])

	status, _ = e.do(t, http.MethodGet, "/api/markets", nil, "Authorization", "Bearer wrong")
	assert.Equal(t, http.StatusUnauthorized, status)

	status, _ = e.do(t, http.MethodGet, "/api/markets", nil, "X-API-Key", "secret")
	assert.Equal(t, http.StatusOK, status)

	status, _ = e.do(t, http.MethodGet, "/api/markets", nil, "Authorization", "Bearer secret")
	assert.Equal(t, http.StatusOK, status)
}

func TestAPI_RateLimit(t *testing.T) {
	e := newAPI(t, server.Config{RateLimit: 2, RateWindow: time.Minute}, memory.NewRateLimiter())

	for i := 0; i < 2; i++ {
		status, _ := e.do(t, http.MethodGet, "/api/health", nil)
		require.Equal(t, http.StatusOK, status)
	}
	status, body := e.do(t, http.MethodGet, "/api/health", nil)
	assert.Equal(t, http.StatusTooManyRequests, status)
	assert.Equal(t, "rate_limited", body["code"])
}

func TestAPI_RequestID(t *testing.T) {
	e := newAPI(t, server.Config{}, nil)
	req, _ := http.NewRequest(http.MethodGet, e.srv.URL+"/api/health", nil)
	req.Header.Set("X-Request-ID", "abc-123")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, "abc-123", resp.Header.Get("X-Request-ID"))
}

func TestWebSocket_RelaysMarketEvents(t *testing.T) {
	e := newAPI(t, server.Config{}, nil)
	url := "ws" + strings.TrimPrefix(e.srv.URL, "http") + "/ws?market=m-watch"

	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))

	var hello map[string]any
	require.NoError(t, conn.ReadJSON(&hello))
	assert.Equal(t, "hello", hello["type"])

	ctx := context.Background()
	other, _ := json.Marshal(domain.MarketEvent{Type: domain.EventBetPlaced, MarketID: "m-other"})
	watched, _ := json.Marshal(domain.MarketEvent{Type: domain.EventMarketLocked, MarketID: "m-watch"})
	require.NoError(t, e.bus.Publish(ctx, domain.ChannelMarkets, other))
	require.NoError(t, e.bus.Publish(ctx, domain.ChannelMarkets, watched))

	var ev domain.MarketEvent
	require.NoError(t, conn.ReadJSON(&ev))
	assert.Equal(t, "m-watch", ev.MarketID)
	assert.Equal(t, domain.EventMarketLocked, ev.Type)
}
