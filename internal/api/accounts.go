package api

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/gluk-w/claworc/metering-proxy/internal/database"
	"github.com/gluk-w/claworc/metering-proxy/internal/ledger"
	"github.com/gluk-w/claworc/metering-proxy/internal/logging"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

type accountResponse struct {
	Account         database.Account    `json:"account"`
	Balance         database.Balance    `json:"balance"`
	Instances       []database.Instance `json:"instances"`
	TodaySpendCents int64               `json:"today_spend_cents"`
}

// CreateAccount creates an account with an empty balance. Funds only arrive
// through credits.
func (s *Server) CreateAccount(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Email string `json:"email"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	body.Email = strings.TrimSpace(body.Email)
	if body.Email == "" {
		writeError(w, http.StatusBadRequest, "email is required")
		return
	}

	acct := database.Account{ID: uuid.NewString(), Email: body.Email}
	bal := database.Balance{AccountID: acct.ID}
	err := s.db.WithContext(r.Context()).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&acct).Error; err != nil {
			return err
		}
		return tx.Create(&bal).Error
	})
	if err != nil {
		log.WithError(err).Error("create account failed")
		writeError(w, http.StatusInternalServerError, "Failed to create account")
		return
	}

	log.WithFields(log.Fields{"account": acct.ID, "email": logging.Sanitize(acct.Email)}).Info("account created")
	writeJSON(w, http.StatusCreated, accountResponse{Account: acct, Balance: bal, Instances: []database.Instance{}})
}

func (s *Server) GetAccount(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	db := s.db.WithContext(r.Context())

	var resp accountResponse
	if err := db.Take(&resp.Account, "id = ?", id).Error; err != nil {
		if isNotFound(err) {
			writeError(w, http.StatusNotFound, "Account not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "Failed to load account")
		return
	}
	if bal, err := s.ledger.Balance(r.Context(), id); err == nil {
		resp.Balance = *bal
	} else if !errors.Is(err, ledger.ErrAccountNotFound) {
		writeError(w, http.StatusInternalServerError, "Failed to load balance")
		return
	}
	if err := db.Where("account_id = ?", id).Order("created_at").Find(&resp.Instances).Error; err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to load instances")
		return
	}
	spent, err := s.ledger.TodaySpend(r.Context(), id, s.now(), s.loc)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to load spend")
		return
	}
	resp.TodaySpendCents = spent

	writeJSON(w, http.StatusOK, resp)
}

// SetAutoTopUp configures automatic top-ups. Enabling requires a positive
// amount.
func (s *Server) SetAutoTopUp(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var body struct {
		Enabled        bool  `json:"enabled"`
		ThresholdCents int64 `json:"threshold_cents"`
		AmountCents    int64 `json:"amount_cents"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if body.Enabled && body.AmountCents <= 0 {
		writeError(w, http.StatusBadRequest, "amount_cents must be positive")
		return
	}
	if body.ThresholdCents < 0 {
		writeError(w, http.StatusBadRequest, "threshold_cents must not be negative")
		return
	}

	res := s.db.WithContext(r.Context()).Model(&database.Balance{}).
		Where("account_id = ?", id).
		Updates(map[string]any{
			"auto_topup_enabled":         body.Enabled,
			"auto_topup_threshold_cents": body.ThresholdCents,
			"auto_topup_amount_cents":    body.AmountCents,
		})
	if res.Error != nil {
		writeError(w, http.StatusInternalServerError, "Failed to update auto top-up")
		return
	}
	if res.RowsAffected == 0 {
		writeError(w, http.StatusNotFound, "Account not found")
		return
	}

	bal, err := s.ledger.Balance(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to load balance")
		return
	}
	writeJSON(w, http.StatusOK, bal)
}

// CreditAccount applies a payment event. Replaying a reference is a no-op
// reported as "duplicate".
func (s *Server) CreditAccount(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var body struct {
		AmountCents    int64  `json:"amount_cents"`
		Reference      string `json:"reference"`
		Source         string `json:"source"`
		TopUpRequestID string `json:"topup_request_id"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if body.Reference == "" {
		writeError(w, http.StatusBadRequest, "reference is required")
		return
	}

	res, err := s.ledger.Credit(r.Context(), ledger.Credit{
		AccountID:      id,
		AmountCents:    body.AmountCents,
		Reference:      body.Reference,
		Source:         body.Source,
		TopUpRequestID: body.TopUpRequestID,
	})
	switch {
	case errors.Is(err, ledger.ErrDuplicateCredit):
		writeJSON(w, http.StatusOK, map[string]string{"status": "duplicate"})
		return
	case errors.Is(err, ledger.ErrInvalidAmount):
		writeError(w, http.StatusBadRequest, err.Error())
		return
	case errors.Is(err, ledger.ErrAccountNotFound):
		writeError(w, http.StatusNotFound, "Account not found")
		return
	case err != nil:
		log.WithError(err).WithField("account", id).Error("credit failed")
		writeError(w, http.StatusInternalServerError, "Failed to apply credit")
		return
	}

	if len(res.Resumed) > 0 {
		s.invalidateInstances(r.Context(), res.Resumed)
	}
	log.WithFields(log.Fields{
		"account":       id,
		"amount_cents":  body.AmountCents,
		"balance_cents": res.BalanceCents,
		"resumed":       len(res.Resumed),
	}).Info("credit applied")

	writeJSON(w, http.StatusOK, map[string]any{
		"status":        "credited",
		"balance_cents": res.BalanceCents,
		"resumed":       res.Resumed,
	})
}

// invalidateInstances drops cached auth entries for the given instances.
func (s *Server) invalidateInstances(ctx context.Context, ids []string) {
	var secrets []string
	if err := s.db.WithContext(ctx).Model(&database.Instance{}).
		Where("id IN ?", ids).Pluck("proxy_secret", &secrets).Error; err != nil {
		log.WithError(err).Warn("failed to load secrets for cache invalidation")
		return
	}
	for _, secret := range secrets {
		s.auth.Invalidate(ctx, secret)
	}
}
