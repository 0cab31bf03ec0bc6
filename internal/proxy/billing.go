package proxy

import (
	"context"
	"time"

	"github.com/gluk-w/claworc/metering-proxy/internal/database"
	"github.com/gluk-w/claworc/metering-proxy/internal/ledger"
	"github.com/gluk-w/claworc/metering-proxy/internal/pricing"
	log "github.com/sirupsen/logrus"
)

const commitTimeout = 5 * time.Second

// bill prices usage for the model that was sent upstream and commits it.
// Failures are logged only: the client already has its response.
func (h *Handler) bill(ctx context.Context, inst *Instance, model string, usage pricing.Usage) {
	entry := log.WithFields(log.Fields{
		"instance": inst.ID,
		"account":  inst.AccountID,
		"model":    model,
	})

	if !inst.PlatformFunded() {
		entry.WithFields(log.Fields{
			"input_tokens":  usage.InputTokens,
			"output_tokens": usage.OutputTokens,
		}).Debug("byok request, not billed")
		return
	}

	cost, ok := h.prices.Cost(model, usage, h.markupBP)
	if !ok {
		entry.Warn("no pricing for model, request not billed")
		return
	}

	// The client may already be gone; the charge must still land.
	commitCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), commitTimeout)
	defer cancel()

	res, err := h.ledger.Commit(commitCtx, ledger.Charge{
		InstanceID: inst.ID,
		AccountID:  inst.AccountID,
		Model:      model,
		Usage:      usage,
		CostCents:  cost,
	})
	if err != nil {
		entry.WithError(err).WithFields(log.Fields{
			"cost_cents":    cost,
			"input_tokens":  usage.InputTokens,
			"output_tokens": usage.OutputTokens,
			"cache_create":  usage.CacheCreationTokens,
			"cache_read":    usage.CacheReadTokens,
		}).Error("usage commit failed, needs reconciliation")
		return
	}

	h.gate.InvalidateSpend(commitCtx, inst.AccountID)

	entry.WithFields(log.Fields{
		"cost_cents":    cost,
		"balance_cents": res.BalanceCents,
	}).Debug("usage committed")

	if res.Paused {
		h.auth.Invalidate(commitCtx, inst.Secret)
		entry.WithFields(log.Fields{
			"balance_cents": res.BalanceCents,
			"status":        database.StatusPaused,
		}).Warn("balance overdrawn, instance paused")
	}
}
