package proxy

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gluk-w/claworc/metering-proxy/internal/cache"
	"github.com/gluk-w/claworc/metering-proxy/internal/database"
	"github.com/gluk-w/claworc/metering-proxy/internal/ledger"
	log "github.com/sirupsen/logrus"
)

// Decision is what admission decided about a request that was let through.
type Decision struct {
	Downgrade    bool
	Model        string // replacement model when Downgrade is set
	BalanceCents int64
}

// GateConfig carries the billing policy.
type GateConfig struct {
	LowBalanceCents int64
	DowngradeModel  string
	DailyLimitCents int64 // <= 0 disables the cap
	Location        *time.Location
	TopUpURL        string
}

const spendCacheTTL = 10 * time.Second

// Gate enforces the balance floor, the low-balance downgrade and the daily
// spend cap before any upstream call.
type Gate struct {
	ledger *ledger.Ledger
	cfg    GateConfig
	spend  cache.Store
	now    func() time.Time
}

func NewGate(l *ledger.Ledger, spend cache.Store, cfg GateConfig) *Gate {
	if cfg.Location == nil {
		cfg.Location = time.Local
	}
	return &Gate{ledger: l, cfg: cfg, spend: spend, now: time.Now}
}

func spendCacheKey(accountID string) string {
	return "spend:" + accountID
}

// todaySpend is cached briefly; commits invalidate it.
func (g *Gate) todaySpend(ctx context.Context, accountID string) (int64, error) {
	key := spendCacheKey(accountID)
	if raw, ok := g.spend.Get(ctx, key); ok {
		if v, err := strconv.ParseInt(string(raw), 10, 64); err == nil {
			return v, nil
		}
	}
	spent, err := g.ledger.TodaySpend(ctx, accountID, g.now(), g.cfg.Location)
	if err != nil {
		return 0, err
	}
	g.spend.Set(ctx, key, []byte(strconv.FormatInt(spent, 10)), spendCacheTTL)
	return spent, nil
}

// InvalidateSpend drops the cached daily spend of an account.
func (g *Gate) InvalidateSpend(ctx context.Context, accountID string) {
	g.spend.Delete(ctx, spendCacheKey(accountID))
}

func (g *Gate) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		inst := InstanceFrom(r.Context())
		if inst == nil {
			writeError(w, http.StatusUnauthorized, CodeMissingAPIKey, "API key is required", nil)
			return
		}

		switch inst.Status {
		case database.StatusPaused:
			writeError(w, http.StatusPaymentRequired, CodeBalanceDepleted,
				"Instance is paused because the account balance is depleted",
				map[string]any{"topUpUrl": g.cfg.TopUpURL})
			return
		case database.StatusActive, database.StatusProvisioning:
		default:
			writeError(w, http.StatusBadRequest, CodeInvalidState,
				"Instance is "+inst.Status+" and cannot serve requests", nil)
			return
		}

		if !inst.PlatformFunded() {
			next.ServeHTTP(w, r)
			return
		}

		entry := log.WithFields(log.Fields{"instance": inst.ID, "account": inst.AccountID})

		bal, err := g.ledger.Balance(r.Context(), inst.AccountID)
		if err != nil {
			if errors.Is(err, ledger.ErrAccountNotFound) {
				// no balance row is an empty balance
				bal = &database.Balance{AccountID: inst.AccountID}
			} else {
				entry.WithError(err).Error("balance lookup failed")
				writeError(w, http.StatusInternalServerError, CodeInternal, "Balance lookup failed", nil)
				return
			}
		}

		if bal.CreditsCents <= 0 {
			writeError(w, http.StatusPaymentRequired, CodeInsufficientBalance,
				"Account balance is depleted",
				map[string]any{
					"currentBalance":  bal.CreditsCents,
					"requiredBalance": 1,
					"topUpUrl":        g.cfg.TopUpURL,
				})
			return
		}

		decision := Decision{BalanceCents: bal.CreditsCents}
		if bal.CreditsCents < g.cfg.LowBalanceCents && g.cfg.DowngradeModel != "" {
			decision.Downgrade = true
			decision.Model = g.cfg.DowngradeModel
			entry.WithFields(log.Fields{
				"balance_cents": bal.CreditsCents,
				"model":         g.cfg.DowngradeModel,
			}).Info("low balance, downgrading model")
		}

		if g.cfg.DailyLimitCents > 0 {
			spent, err := g.todaySpend(r.Context(), inst.AccountID)
			if err != nil {
				entry.WithError(err).Error("daily spend lookup failed")
				writeError(w, http.StatusInternalServerError, CodeInternal, "Daily spend lookup failed", nil)
				return
			}
			if spent >= g.cfg.DailyLimitCents {
				writeError(w, http.StatusTooManyRequests, CodeDailyLimitExceeded,
					"Daily spending limit reached",
					map[string]any{"todaySpend": spent, "dailyLimit": g.cfg.DailyLimitCents})
				return
			}
		}

		next.ServeHTTP(w, r.WithContext(withDecision(r.Context(), decision)))
	})
}
