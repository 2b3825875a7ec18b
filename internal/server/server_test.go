package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/Aidin1998/mmcore/internal/marketmaking/exchange/paper"
	"github.com/Aidin1998/mmcore/internal/marketmaking/inventory"
	"github.com/Aidin1998/mmcore/internal/marketmaking/journal"
	"github.com/Aidin1998/mmcore/internal/marketmaking/router"
	"github.com/Aidin1998/mmcore/internal/marketmaking/runtime"
	"github.com/Aidin1998/mmcore/internal/marketmaking/strategies"
	"github.com/Aidin1998/mmcore/internal/marketmaking/twap"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func newTestServer(t *testing.T) (*gin.Engine, *runtime.Manager) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	v := paper.NewVenue("paper", zap.NewNop())
	v.SetTop("UBTC/USDC", d("99.9"), d("10"), d("100.1"), d("10"))
	v.SetTickSize("UBTC/USDC", d("0.01"))
	v.SetBalance("USDC", d("10000"))
	v.SetBalance("UBTC", d("5"))

	r := router.New(router.DefaultConfig(), zap.NewNop())
	require.NoError(t, r.AddExchange(v))
	require.NoError(t, r.ConnectAll(context.Background()))

	reg := runtime.NewRegistry()
	require.NoError(t, strategies.RegisterBuiltins(reg))
	deps := runtime.Deps{
		Router:    r,
		Inventory: inventory.NewTracker(zap.NewNop()),
		Journal:   journal.New(zap.NewNop(), 0),
		Logger:    zap.NewNop(),
	}
	manager := runtime.NewManager(reg, deps)
	executor := twap.NewExecutor(r, zap.NewNop())
	t.Cleanup(func() {
		manager.StopAll()
		executor.StopAll()
	})

	srv := NewServer(context.Background(), zap.NewNop(), manager, executor, r, deps.Inventory, deps.Journal)
	return srv.Router(), manager
}

func do(t *testing.T, h http.Handler, method, path string, body any) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	out := map[string]any{}
	if w.Body.Len() > 0 && w.Header().Get("Content-Type") != "text/plain; version=0.0.4; charset=utf-8" {
		_ = json.Unmarshal(w.Body.Bytes(), &out)
	}
	return w, out
}

func TestHealth(t *testing.T) {
	h, _ := newTestServer(t)
	w, body := do(t, h, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, map[string]any{"paper": true}, body["venues"])
}

func TestMetricsEndpoint(t *testing.T) {
	h, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "mmcore_")
}

func TestStrategyLifecycle(t *testing.T) {
	h, manager := newTestServer(t)

	w, body := do(t, h, http.MethodGet, "/api/v1/strategies/available", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, body["strategies"], 3)

	start := map[string]any{
		"name": "spread_mm",
		"params": map[string]any{
			"venue":         "paper",
			"symbol":        "UBTC/USDC",
			"bid_spread":    0.001,
			"ask_spread":    0.001,
			"order_amount":  "0.1",
			"tick_interval": 0.01,
		},
	}
	w, body = do(t, h, http.MethodPost, "/api/v1/strategies", start)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	assert.Equal(t, "UBTC/USDC", body["key"])
	assert.Equal(t, true, body["running"])

	w, body = do(t, h, http.MethodPost, "/api/v1/strategies", start)
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "application/problem+json", w.Header().Get("Content-Type"))
	assert.Equal(t, float64(http.StatusConflict), body["status"])

	path := "/api/v1/strategies/" + url.PathEscape("UBTC/USDC")
	w, body = do(t, h, http.MethodGet, path, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "spread_mm", body["name"])

	w, body = do(t, h, http.MethodDelete, path, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, true, body["stopped"])

	st, err := manager.Status("UBTC/USDC")
	require.NoError(t, err)
	assert.False(t, st.Running)
}

func TestStrategyErrors(t *testing.T) {
	h, _ := newTestServer(t)

	w, _ := do(t, h, http.MethodPost, "/api/v1/strategies", map[string]any{"params": map[string]any{}})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w, _ = do(t, h, http.MethodPost, "/api/v1/strategies", map[string]any{"name": "grid"})
	assert.Equal(t, http.StatusNotFound, w.Code)

	w, _ = do(t, h, http.MethodPost, "/api/v1/strategies", map[string]any{
		"name":   "spread_mm",
		"params": map[string]any{"venue": "paper", "order_amount": "-1"},
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w, _ = do(t, h, http.MethodDelete, "/api/v1/strategies/"+url.PathEscape("UETH/USDC"), nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w, _ = do(t, h, http.MethodGet, "/api/v1/nope", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestTWAPEndpoints(t *testing.T) {
	h, _ := newTestServer(t)

	w, body := do(t, h, http.MethodPost, "/api/v1/twap", map[string]any{
		"venue":            "paper",
		"symbol":           "UBTC/USDC",
		"side":             "buy",
		"quantity":         "1",
		"duration_minutes": 0.001,
		"num_slices":       2,
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	assert.Equal(t, "pending", body["state"])
	id := body["id"].(string)

	w, _ = do(t, h, http.MethodPost, "/api/v1/twap/"+id+"/start", nil)
	require.Equal(t, http.StatusOK, w.Code)

	require.Eventually(t, func() bool {
		_, st := do(t, h, http.MethodGet, "/api/v1/twap/"+id, nil)
		return st["state"] == "completed"
	}, 2*time.Second, 10*time.Millisecond)

	w, body = do(t, h, http.MethodGet, "/api/v1/twap", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, body["jobs"], 1)

	w, body = do(t, h, http.MethodDelete, "/api/v1/twap/completed", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(1), body["removed"])

	w, _ = do(t, h, http.MethodGet, "/api/v1/twap/"+id, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w, _ = do(t, h, http.MethodPost, "/api/v1/twap", map[string]any{"venue": "paper", "symbol": "UBTC/USDC", "side": "buy", "num_slices": 0})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestInventoryAndTrades(t *testing.T) {
	h, _ := newTestServer(t)

	w, body := do(t, h, http.MethodGet, "/api/v1/inventory", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, body, "balances")
	assert.Contains(t, body, "in_flight")

	w, body = do(t, h, http.MethodGet, "/api/v1/trades?strategy=arbitrage", nil)
	require.Equal(t, http.StatusOK, w.Code)
	stats := body["stats"].(map[string]any)
	assert.Equal(t, float64(0), stats["profitable_trades"])
}
