package proxy

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gluk-w/claworc/metering-proxy/internal/cache"
	"github.com/gluk-w/claworc/metering-proxy/internal/crypto"
	"github.com/gluk-w/claworc/metering-proxy/internal/database"
	"github.com/gluk-w/claworc/metering-proxy/internal/ledger"
	"github.com/gluk-w/claworc/metering-proxy/internal/pricing"
	"github.com/gluk-w/claworc/metering-proxy/internal/providers"
	"gorm.io/gorm"
)

const testPlatformKey = "sk-platform-test"

// upstreamCall is what the fake upstream saw.
type upstreamCall struct {
	Path   string
	Header http.Header
	Body   string
}

type fakeUpstream struct {
	*httptest.Server
	mu    sync.Mutex
	calls []upstreamCall
}

func newFakeUpstream(t *testing.T, respond http.HandlerFunc) *fakeUpstream {
	t.Helper()
	f := &fakeUpstream{}
	f.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		f.mu.Lock()
		f.calls = append(f.calls, upstreamCall{Path: r.URL.Path, Header: r.Header.Clone(), Body: string(body)})
		f.mu.Unlock()
		respond(w, r)
	}))
	t.Cleanup(f.Close)
	return f
}

func (f *fakeUpstream) Calls() []upstreamCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]upstreamCall(nil), f.calls...)
}

func jsonResponse(status int, body string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Request-Id", "req_test")
		w.WriteHeader(status)
		io.WriteString(w, body)
	}
}

func sseResponse(chunks ...string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		f := w.(http.Flusher)
		for _, c := range chunks {
			io.WriteString(w, c)
			f.Flush()
			time.Sleep(5 * time.Millisecond)
		}
	}
}

type testProxy struct {
	db       *gorm.DB
	box      *crypto.Box
	ledger   *ledger.Ledger
	auth     *Authenticator
	gate     *Gate
	limiter  *RateLimiter
	handler  *Handler
	chain    http.Handler
	upstream *fakeUpstream
}

type testOptions struct {
	gate        GateConfig
	platformKey string
}

func defaultTestOptions() testOptions {
	return testOptions{
		gate: GateConfig{
			LowBalanceCents: 100,
			DowngradeModel:  "claude-haiku-4-5",
			DailyLimitCents: 5000,
			Location:        time.UTC,
			TopUpURL:        "/dashboard/billing",
		},
		platformKey: testPlatformKey,
	}
}

func newTestProxy(t *testing.T, respond http.HandlerFunc, opts ...func(*testOptions)) *testProxy {
	t.Helper()
	o := defaultTestOptions()
	for _, fn := range opts {
		fn(&o)
	}

	db := database.OpenForTest(t)
	box, err := crypto.LoadBox(db, "")
	if err != nil {
		t.Fatalf("LoadBox: %v", err)
	}
	upstream := newFakeUpstream(t, respond)
	provider, _ := providers.Get("anthropic")

	p := &testProxy{db: db, box: box, upstream: upstream}
	p.ledger = ledger.New(db)
	p.auth = NewAuthenticator(db, cache.NewMemory())
	p.gate = NewGate(p.ledger, cache.NewMemory(), o.gate)
	p.limiter = NewRateLimiter(db, cache.NewMemory())
	p.handler = NewHandler(HandlerConfig{
		Provider:          provider.WithUpstream(upstream.URL),
		Client:            upstream.Client(),
		Keys:              NewKeyResolver(db, box, "anthropic", o.platformKey),
		Prices:            pricing.Default(),
		MarkupBasisPoints: 15000,
		Ledger:            p.ledger,
		Auth:              p.auth,
		Gate:              p.gate,
	})
	p.chain = p.auth.Middleware(p.gate.Middleware(p.limiter.Middleware(p.handler)))
	return p
}

func (p *testProxy) send(secret, body string, header ...string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/proxy/v1/messages", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if secret != "" {
		req.Header.Set("x-api-key", secret)
	}
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	rec := httptest.NewRecorder()
	p.chain.ServeHTTP(rec, req)
	return rec
}

func (p *testProxy) usageLogs(t *testing.T) []database.UsageLog {
	t.Helper()
	var rows []database.UsageLog
	if err := p.db.Order("id").Find(&rows).Error; err != nil {
		t.Fatalf("list usage logs: %v", err)
	}
	return rows
}

func (p *testProxy) balance(t *testing.T, accountID string) int64 {
	t.Helper()
	bal, err := database.GetBalance(p.db, accountID)
	if err != nil {
		t.Fatalf("GetBalance: %v", err)
	}
	return bal.CreditsCents
}

type errorBody struct {
	Error           string `json:"error"`
	Code            string `json:"code"`
	Message         string `json:"message"`
	TopUpURL        string `json:"topUpUrl"`
	CurrentBalance  *int64 `json:"currentBalance"`
	RequiredBalance *int64 `json:"requiredBalance"`
	TodaySpend      *int64 `json:"todaySpend"`
	DailyLimit      *int64 `json:"dailyLimit"`
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) errorBody {
	t.Helper()
	var body errorBody
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode error body %q: %v", rec.Body.String(), err)
	}
	return body
}
