package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gluk-w/claworc/metering-proxy/internal/cache"
	"github.com/gluk-w/claworc/metering-proxy/internal/crypto"
	"github.com/gluk-w/claworc/metering-proxy/internal/database"
	"github.com/gluk-w/claworc/metering-proxy/internal/ledger"
	"github.com/gluk-w/claworc/metering-proxy/internal/proxy"
	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

const testAdminSecret = "admin-test-secret"

type testEnv struct {
	db     *gorm.DB
	box    *crypto.Box
	auth   *proxy.Authenticator
	router http.Handler
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	db := database.OpenForTest(t)
	box, err := crypto.LoadBox(db, "")
	require.NoError(t, err)

	auth := proxy.NewAuthenticator(db, cache.NewMemory())
	srv := NewServer(Options{
		DB:          db,
		Ledger:      ledger.New(db),
		Box:         box,
		Auth:        auth,
		Limiter:     proxy.NewRateLimiter(db, cache.NewMemory()),
		Location:    time.UTC,
		AdminSecret: testAdminSecret,
	})
	r := chi.NewRouter()
	r.Get("/health", HealthCheck(db))
	r.Mount("/admin", srv.Routes())
	return &testEnv{db: db, box: box, auth: auth, router: r}
}

func (e *testEnv) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Authorization", "Bearer "+testAdminSecret)
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func TestAdminAuth(t *testing.T) {
	e := newTestEnv(t)

	tests := []struct {
		name   string
		header string
		want   int
	}{
		{"missing", "", http.StatusUnauthorized},
		{"not bearer", "Basic abc", http.StatusUnauthorized},
		{"wrong secret", "Bearer nope", http.StatusForbidden},
		{"valid", "Bearer " + testAdminSecret, http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", "/admin/topups", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			e.router.ServeHTTP(rec, req)
			assert.Equal(t, tt.want, rec.Code)
		})
	}
}

func TestAdminAuthNotConfigured(t *testing.T) {
	h := AdminAuth("")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	req := httptest.NewRequest("GET", "/admin/usage", nil)
	req.Header.Set("Authorization", "Bearer anything")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestHealthCheck(t *testing.T) {
	e := newTestEnv(t)
	req := httptest.NewRequest("GET", "/health", nil)
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "healthy", decode[map[string]string](t, rec)["status"])
}

func TestAccountLifecycle(t *testing.T) {
	e := newTestEnv(t)

	rec := e.do(t, "POST", "/admin/accounts", map[string]string{"email": "owner@example.com"})
	require.Equal(t, http.StatusCreated, rec.Code)
	created := decode[accountResponse](t, rec)
	require.NotEmpty(t, created.Account.ID)
	assert.Zero(t, created.Balance.CreditsCents)
	id := created.Account.ID

	rec = e.do(t, "POST", "/admin/accounts", map[string]string{"email": " "})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = e.do(t, "PUT", "/admin/accounts/"+id+"/auto-topup", map[string]any{"enabled": true, "threshold_cents": 200, "amount_cents": 0})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = e.do(t, "PUT", "/admin/accounts/"+id+"/auto-topup", map[string]any{"enabled": true, "threshold_cents": 200, "amount_cents": 1000})
	require.Equal(t, http.StatusOK, rec.Code)
	bal := decode[database.Balance](t, rec)
	assert.True(t, bal.AutoTopupEnabled)
	assert.Equal(t, int64(1000), bal.AutoTopupAmountCents)

	rec = e.do(t, "PUT", "/admin/accounts/missing/auto-topup", map[string]any{"enabled": false})
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = e.do(t, "GET", "/admin/accounts/"+id, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	got := decode[accountResponse](t, rec)
	assert.Equal(t, "owner@example.com", got.Account.Email)
	assert.Empty(t, got.Instances)

	rec = e.do(t, "GET", "/admin/accounts/missing", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCreditEndpoint(t *testing.T) {
	e := newTestEnv(t)
	acct, inst := database.SeedAccount(t, e.db, "bot", -50, database.StatusPaused)

	// warm the auth cache with the paused status
	cached, err := e.auth.Lookup(context.Background(), "secret-bot")
	require.NoError(t, err)
	require.Equal(t, database.StatusPaused, cached.Status)

	body := map[string]any{"amount_cents": 500, "reference": "evt_123", "source": "stripe"}
	rec := e.do(t, "POST", "/admin/accounts/"+acct.ID+"/credits", body)
	require.Equal(t, http.StatusOK, rec.Code)
	res := decode[map[string]any](t, rec)
	assert.Equal(t, "credited", res["status"])
	assert.Equal(t, float64(450), res["balance_cents"])
	assert.Equal(t, []any{inst.ID}, res["resumed"])

	fresh, err := e.auth.Lookup(context.Background(), "secret-bot")
	require.NoError(t, err)
	assert.Equal(t, database.StatusActive, fresh.Status, "credit must invalidate the auth cache")

	rec = e.do(t, "POST", "/admin/accounts/"+acct.ID+"/credits", body)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "duplicate", decode[map[string]string](t, rec)["status"])

	b, err := database.GetBalance(e.db, acct.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(450), b.CreditsCents)

	rec = e.do(t, "POST", "/admin/accounts/"+acct.ID+"/credits", map[string]any{"amount_cents": -5, "reference": "evt_neg"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec = e.do(t, "POST", "/admin/accounts/"+acct.ID+"/credits", map[string]any{"amount_cents": 5})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec = e.do(t, "POST", "/admin/accounts/missing/credits", map[string]any{"amount_cents": 5, "reference": "evt_x"})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestInstanceLifecycle(t *testing.T) {
	e := newTestEnv(t)
	acct, _ := database.SeedAccount(t, e.db, "owner", 1000, database.StatusActive)

	rec := e.do(t, "POST", "/admin/instances", map[string]any{"account_id": acct.ID, "name": "helper", "model": "claude-sonnet-4-5"})
	require.Equal(t, http.StatusCreated, rec.Code)
	created := decode[map[string]any](t, rec)
	id := created["id"].(string)
	secret := created["proxy_secret"].(string)
	assert.NotEmpty(t, secret)
	assert.Equal(t, database.StatusProvisioning, created["status"])
	assert.Equal(t, database.BillingPlatform, created["billing_mode"])

	inst, err := e.auth.Lookup(context.Background(), secret)
	require.NoError(t, err)
	assert.Equal(t, id, inst.ID)

	rec = e.do(t, "GET", "/admin/instances/"+id, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotContains(t, rec.Body.String(), secret, "secret is only shown on create")

	rec = e.do(t, "PUT", "/admin/instances/"+id+"/status", map[string]string{"status": "BOGUS"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = e.do(t, "PUT", "/admin/instances/"+id+"/status", map[string]string{"status": database.StatusStopped})
	require.Equal(t, http.StatusOK, rec.Code)
	inst, err = e.auth.Lookup(context.Background(), secret)
	require.NoError(t, err)
	assert.Equal(t, database.StatusStopped, inst.Status)

	rec = e.do(t, "POST", "/admin/instances/"+id+"/rotate-secret", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	rotated := decode[map[string]string](t, rec)["proxy_secret"]
	assert.NotEqual(t, secret, rotated)
	_, err = e.auth.Lookup(context.Background(), secret)
	assert.Error(t, err, "old secret must stop working")
	_, err = e.auth.Lookup(context.Background(), rotated)
	assert.NoError(t, err)

	rec = e.do(t, "DELETE", "/admin/instances/"+id, nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	rec = e.do(t, "GET", "/admin/instances/"+id, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	_, err = e.auth.Lookup(context.Background(), rotated)
	assert.Error(t, err)
}

func TestCreateInstanceValidation(t *testing.T) {
	e := newTestEnv(t)
	acct, _ := database.SeedAccount(t, e.db, "owner", 0, database.StatusActive)

	tests := []struct {
		name string
		body map[string]any
		want int
	}{
		{"missing name", map[string]any{"account_id": acct.ID}, http.StatusBadRequest},
		{"unknown account", map[string]any{"account_id": "nope", "name": "x"}, http.StatusNotFound},
		{"bad status", map[string]any{"account_id": acct.ID, "name": "x", "status": "RUNNING"}, http.StatusBadRequest},
		{"bad billing", map[string]any{"account_id": acct.ID, "name": "x", "billing_mode": "free"}, http.StatusBadRequest},
		{"byok without key", map[string]any{"account_id": acct.ID, "name": "x", "billing_mode": "byok"}, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, e.do(t, "POST", "/admin/instances", tt.body).Code)
		})
	}
}

func TestCreateBYOKInstanceEncryptsKey(t *testing.T) {
	e := newTestEnv(t)
	acct, _ := database.SeedAccount(t, e.db, "owner", 0, database.StatusActive)

	rec := e.do(t, "POST", "/admin/instances", map[string]any{
		"account_id": acct.ID, "name": "byo", "billing_mode": "byok", "api_key": "sk-ant-abcdefghijklmnop",
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	created := decode[map[string]any](t, rec)
	assert.NotContains(t, rec.Body.String(), "sk-ant-abcdefghijklmnop")
	assert.Equal(t, "****mnop", created["api_key_masked"])

	var row database.Instance
	require.NoError(t, e.db.Take(&row, "id = ?", created["id"]).Error)
	plain, err := e.box.Decrypt(row.EncryptedAPIKey)
	require.NoError(t, err)
	assert.Equal(t, "sk-ant-abcdefghijklmnop", plain)
}

func TestResumeRequiresPositiveBalance(t *testing.T) {
	e := newTestEnv(t)
	_, inst := database.SeedAccount(t, e.db, "bot", -10, database.StatusPaused)

	for _, status := range []string{database.StatusActive, database.StatusProvisioning, database.StatusStopped, database.StatusError} {
		rec := e.do(t, "PUT", "/admin/instances/"+inst.ID+"/status", map[string]string{"status": status})
		assert.Equal(t, http.StatusConflict, rec.Code, status)
	}

	var row database.Instance
	require.NoError(t, e.db.Take(&row, "id = ?", inst.ID).Error)
	assert.Equal(t, database.StatusPaused, row.Status)

	rec := e.do(t, "PUT", "/admin/instances/"+inst.ID+"/status", map[string]string{"status": database.StatusPaused})
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestLeavePausedWithFunds(t *testing.T) {
	e := newTestEnv(t)
	_, inst := database.SeedAccount(t, e.db, "bot", 200, database.StatusPaused)

	rec := e.do(t, "PUT", "/admin/instances/"+inst.ID+"/status", map[string]string{"status": database.StatusStopped})
	require.Equal(t, http.StatusOK, rec.Code)
	var row database.Instance
	require.NoError(t, e.db.Take(&row, "id = ?", inst.ID).Error)
	assert.Equal(t, database.StatusStopped, row.Status)
}

func TestSyncKeysEncrypts(t *testing.T) {
	e := newTestEnv(t)

	rec := e.do(t, "PUT", "/admin/keys", map[string]any{"keys": []map[string]string{{"provider": "anthropic", "scope": "global", "key": "sk-platform"}}})
	require.Equal(t, http.StatusOK, rec.Code)

	var row database.ProviderKey
	require.NoError(t, e.db.Take(&row, "provider_name = ? AND scope = ?", "anthropic", "global").Error)
	assert.NotEqual(t, "sk-platform", row.KeyValue)
	plain, err := e.box.Decrypt(row.KeyValue)
	require.NoError(t, err)
	assert.Equal(t, "sk-platform", plain)

	rec = e.do(t, "PUT", "/admin/keys", map[string]any{"keys": []map[string]string{{"scope": "global", "key": ""}}})
	require.Equal(t, http.StatusOK, rec.Code)
	var count int64
	e.db.Model(&database.ProviderKey{}).Count(&count)
	assert.Zero(t, count)
}

func TestLimitsEndpoints(t *testing.T) {
	e := newTestEnv(t)
	_, inst := database.SeedAccount(t, e.db, "bot", 100, database.StatusActive)

	rec := e.do(t, "GET", "/admin/limits/"+inst.ID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Zero(t, decode[database.RateLimit](t, rec).RequestsPerMinute)

	rec = e.do(t, "PUT", "/admin/limits/"+inst.ID, map[string]int{"requests_per_minute": 30})
	require.Equal(t, http.StatusOK, rec.Code)
	rec = e.do(t, "PUT", "/admin/limits/"+inst.ID, map[string]int{"requests_per_minute": 0})
	require.Equal(t, http.StatusOK, rec.Code)
	rec = e.do(t, "PUT", "/admin/limits/"+inst.ID, map[string]int{"requests_per_minute": 12})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = e.do(t, "GET", "/admin/limits/"+inst.ID, nil)
	assert.Equal(t, 12, decode[database.RateLimit](t, rec).RequestsPerMinute)

	rec = e.do(t, "PUT", "/admin/limits/missing", map[string]int{"requests_per_minute": 1})
	assert.Equal(t, http.StatusNotFound, rec.Code)
	rec = e.do(t, "PUT", "/admin/limits/"+inst.ID, map[string]int{"requests_per_minute": -1})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestUsageReports(t *testing.T) {
	e := newTestEnv(t)
	acct, inst := database.SeedAccount(t, e.db, "bot", 0, database.StatusActive)
	day := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	rows := []database.UsageLog{
		{InstanceID: inst.ID, AccountID: acct.ID, Model: "claude-sonnet-4-5", TokensIn: 100, TokensOut: 10, CostCents: 150, CreatedAt: day},
		{InstanceID: inst.ID, AccountID: acct.ID, Model: "claude-haiku-4-5", TokensIn: 50, TokensOut: 5, CostCents: 5, CreatedAt: day},
		{InstanceID: "inst-x", AccountID: "acct-x", Model: "claude-sonnet-4-5", TokensIn: 1, TokensOut: 1, CostCents: 1, CreatedAt: day.AddDate(0, 0, -3)},
	}
	require.NoError(t, e.db.Create(&rows).Error)

	rec := e.do(t, "GET", "/admin/usage", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	total := decode[[]usageSummary](t, rec)
	require.Len(t, total, 1)
	assert.Equal(t, int64(3), total[0].Requests)
	assert.Equal(t, int64(156), total[0].CostCents)
	assert.Equal(t, "$1.56", total[0].CostUSD)

	rec = e.do(t, "GET", "/admin/usage?group_by=model&since=2026-03-10&until=2026-03-10", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	byModel := decode[[]usageSummary](t, rec)
	require.Len(t, byModel, 2)
	assert.Equal(t, "claude-sonnet-4-5", byModel[0].Group)
	assert.Equal(t, int64(150), byModel[0].CostCents)

	rec = e.do(t, "GET", "/admin/usage?group_by=account", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]usageSummary](t, rec), 2)

	rec = e.do(t, "GET", "/admin/usage?group_by=day", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	byDay := decode[[]usageSummary](t, rec)
	require.Len(t, byDay, 2)
	assert.Equal(t, "2026-03-10", byDay[0].Group)

	rec = e.do(t, "GET", "/admin/usage?group_by=planet", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec = e.do(t, "GET", "/admin/usage?since=yesterday", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = e.do(t, "GET", "/admin/usage/instances/"+inst.ID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	perInst := decode[[]usageSummary](t, rec)
	require.Len(t, perInst, 2)
	assert.Equal(t, "claude-sonnet-4-5", perInst[0].Model)
}

func TestListTopUps(t *testing.T) {
	e := newTestEnv(t)
	require.NoError(t, e.db.Create(&[]database.TopUpRequest{
		{ID: "tu-1", AccountID: "a", AmountCents: 100, Status: database.TopUpPending},
		{ID: "tu-2", AccountID: "a", AmountCents: 100, Status: database.TopUpSettled},
	}).Error)

	rec := e.do(t, "GET", "/admin/topups?status=pending", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	rows := decode[[]database.TopUpRequest](t, rec)
	require.Len(t, rows, 1)
	assert.Equal(t, "tu-1", rows[0].ID)
}

func TestFormatCents(t *testing.T) {
	assert.Equal(t, "$0.05", formatCents(5))
	assert.Equal(t, "$12.34", formatCents(1234))
	assert.Equal(t, "-$0.10", formatCents(-10))
}
