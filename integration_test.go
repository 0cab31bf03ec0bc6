package main

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/gluk-w/claworc/metering-proxy/internal/cache"
	"github.com/gluk-w/claworc/metering-proxy/internal/config"
	"github.com/gluk-w/claworc/metering-proxy/internal/database"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const adminSecret = "test-admin-secret"

type testServer struct {
	router   http.Handler
	upstream *httptest.Server
	hits     atomic.Int32
	lastKey  atomic.Value
}

func setupTestServer(t *testing.T) *testServer {
	t.Helper()
	ts := &testServer{}
	ts.upstream = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ts.hits.Add(1)
		ts.lastKey.Store(r.Header.Get("x-api-key"))
		io.Copy(io.Discard, r.Body)
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"id":"msg_1","type":"message","model":"claude-sonnet-4-5",` +
			`"content":[{"type":"text","text":"hi"}],` +
			`"usage":{"input_tokens":1000,"output_tokens":500}}`))
	}))
	t.Cleanup(ts.upstream.Close)

	cfg := config.Settings{
		AdminSecret:      adminSecret,
		UpstreamURL:      ts.upstream.URL,
		AnthropicAPIKey:  "sk-platform-test",
		AnthropicVersion: "2023-06-01",
		UpstreamAuth:     "x-api-key",
		Markup:           "1.5",
		LowBalanceCents:  100,
		DowngradeModel:   "claude-haiku-4-5",
		DailyLimitCents:  5000,
		Timezone:         "UTC",
		TopUpURL:         "/dashboard/billing",
	}
	a, err := newApp(cfg, database.OpenForTest(t), cache.NewMemory())
	require.NoError(t, err)
	ts.router = a.router()
	return ts
}

func (ts *testServer) admin(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, "/admin"+path, bytes.NewBufferString(body))
	req.Header.Set("Authorization", "Bearer "+adminSecret)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	ts.router.ServeHTTP(w, req)
	return w
}

func (ts *testServer) message(secret string) *httptest.ResponseRecorder {
	req := httptest.NewRequest("POST", "/proxy/v1/messages",
		bytes.NewBufferString(`{"model":"claude-sonnet-4-5","max_tokens":64,"messages":[{"role":"user","content":"hi"}]}`))
	req.Header.Set("x-api-key", secret)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	ts.router.ServeHTTP(w, req)
	return w
}

func TestHealthCheck(t *testing.T) {
	ts := setupTestServer(t)

	w := httptest.NewRecorder()
	ts.router.ServeHTTP(w, httptest.NewRequest("GET", "/health", nil))
	require.Equal(t, http.StatusOK, w.Code)

	var resp map[string]string
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	assert.Equal(t, "healthy", resp["status"])
}

func TestAdminRequiresSecret(t *testing.T) {
	ts := setupTestServer(t)

	w := httptest.NewRecorder()
	ts.router.ServeHTTP(w, httptest.NewRequest("POST", "/admin/accounts", bytes.NewBufferString(`{}`)))
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	req := httptest.NewRequest("POST", "/admin/accounts", bytes.NewBufferString(`{}`))
	req.Header.Set("Authorization", "Bearer wrong")
	w = httptest.NewRecorder()
	ts.router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestProxyRejectsUnknownSecret(t *testing.T) {
	ts := setupTestServer(t)

	w := ts.message("nope")
	assert.Equal(t, http.StatusNotFound, w.Code)

	req := httptest.NewRequest("POST", "/proxy/v1/messages", bytes.NewBufferString(`{}`))
	w = httptest.NewRecorder()
	ts.router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Zero(t, ts.hits.Load())
}

func TestMeteredRequestEndToEnd(t *testing.T) {
	ts := setupTestServer(t)

	w := ts.admin(t, "POST", "/accounts", `{"email":"owner@example.com"}`)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var acct struct {
		Account struct {
			ID string `json:"id"`
		} `json:"account"`
	}
	require.NoError(t, json.NewDecoder(w.Body).Decode(&acct))
	accountID := acct.Account.ID

	w = ts.admin(t, "POST", "/accounts/"+accountID+"/credits", `{"amount_cents":1000,"reference":"evt_1","source":"stripe"}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = ts.admin(t, "POST", "/instances", `{"account_id":"`+accountID+`","name":"bot","model":"claude-sonnet-4-5","status":"ACTIVE"}`)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var inst struct {
		ID          string `json:"id"`
		ProxySecret string `json:"proxy_secret"`
	}
	require.NoError(t, json.NewDecoder(w.Body).Decode(&inst))
	require.NotEmpty(t, inst.ProxySecret)

	w = ts.message(inst.ProxySecret)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Contains(t, w.Body.String(), `"msg_1"`)
	assert.Equal(t, "sk-platform-test", ts.lastKey.Load())

	// 1000 in / 500 out on sonnet at 1.5x is 2 cents
	w = ts.admin(t, "GET", "/accounts/"+accountID, "")
	require.Equal(t, http.StatusOK, w.Code)
	var got struct {
		Balance struct {
			CreditsCents int64 `json:"credits_cents"`
		} `json:"balance"`
		TodaySpendCents int64 `json:"today_spend_cents"`
	}
	require.NoError(t, json.NewDecoder(w.Body).Decode(&got))
	assert.Equal(t, int64(998), got.Balance.CreditsCents)
	assert.Equal(t, int64(2), got.TodaySpendCents)

	w = ts.admin(t, "GET", "/usage/instances/"+inst.ID, "")
	require.Equal(t, http.StatusOK, w.Code)
	var usage []struct {
		Model     string `json:"model"`
		Requests  int64  `json:"requests"`
		TokensIn  int64  `json:"tokens_in"`
		TokensOut int64  `json:"tokens_out"`
		CostCents int64  `json:"cost_cents"`
		CostUSD   string `json:"cost_usd"`
	}
	require.NoError(t, json.NewDecoder(w.Body).Decode(&usage))
	require.Len(t, usage, 1)
	assert.Equal(t, "claude-sonnet-4-5", usage[0].Model)
	assert.Equal(t, int64(1), usage[0].Requests)
	assert.Equal(t, int64(1000), usage[0].TokensIn)
	assert.Equal(t, int64(500), usage[0].TokensOut)
	assert.Equal(t, "$0.02", usage[0].CostUSD)
}

func TestPausedInstanceIsBlocked(t *testing.T) {
	ts := setupTestServer(t)

	w := ts.admin(t, "POST", "/accounts", `{"email":"owner@example.com"}`)
	require.Equal(t, http.StatusCreated, w.Code)
	var acct struct {
		Account struct {
			ID string `json:"id"`
		} `json:"account"`
	}
	require.NoError(t, json.NewDecoder(w.Body).Decode(&acct))

	w = ts.admin(t, "POST", "/instances", `{"account_id":"`+acct.Account.ID+`","name":"bot","model":"claude-sonnet-4-5","status":"ACTIVE"}`)
	require.Equal(t, http.StatusCreated, w.Code)
	var inst struct {
		ID          string `json:"id"`
		ProxySecret string `json:"proxy_secret"`
	}
	require.NoError(t, json.NewDecoder(w.Body).Decode(&inst))

	// no credits yet
	w = ts.message(inst.ProxySecret)
	assert.Equal(t, http.StatusPaymentRequired, w.Code)

	w = ts.admin(t, "PUT", "/instances/"+inst.ID+"/status", `{"status":"`+database.StatusPaused+`"}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = ts.message(inst.ProxySecret)
	assert.Equal(t, http.StatusPaymentRequired, w.Code)
	assert.Contains(t, w.Body.String(), "balance_depleted")
	assert.Zero(t, ts.hits.Load())
}
