package api

import (
	"net/http"
	"strings"

	"github.com/gluk-w/claworc/metering-proxy/internal/crypto"
	"github.com/gluk-w/claworc/metering-proxy/internal/database"
	"github.com/gluk-w/claworc/metering-proxy/internal/logging"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

type instanceResponse struct {
	database.Instance
	APIKeyMasked string `json:"api_key_masked,omitempty"`
	ProxySecret  string `json:"proxy_secret,omitempty"`
}

func (s *Server) present(inst database.Instance) instanceResponse {
	resp := instanceResponse{Instance: inst}
	if inst.EncryptedAPIKey != "" {
		if key, err := s.box.Decrypt(inst.EncryptedAPIKey); err == nil {
			resp.APIKeyMasked = crypto.Mask(key)
		}
	}
	return resp
}

// CreateInstance registers an agent instance and returns its proxy secret.
// The secret is only ever shown here and on rotation.
func (s *Server) CreateInstance(w http.ResponseWriter, r *http.Request) {
	var body struct {
		AccountID     string `json:"account_id"`
		Name          string `json:"name"`
		Model         string `json:"model"`
		Status        string `json:"status"`
		BillingMode   string `json:"billing_mode"`
		APIKey        string `json:"api_key"`
		ChannelConfig string `json:"channel_config"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	body.Name = strings.TrimSpace(body.Name)
	if body.AccountID == "" || body.Name == "" {
		writeError(w, http.StatusBadRequest, "account_id and name are required")
		return
	}
	if body.Status == "" {
		body.Status = database.StatusProvisioning
	}
	if !database.ValidStatus(body.Status) {
		writeError(w, http.StatusBadRequest, "Invalid status")
		return
	}
	switch body.BillingMode {
	case "":
		body.BillingMode = database.BillingPlatform
	case database.BillingPlatform:
	case database.BillingBYOK:
		if body.APIKey == "" {
			writeError(w, http.StatusBadRequest, "api_key is required for byok instances")
			return
		}
	default:
		writeError(w, http.StatusBadRequest, "billing_mode must be platform or byok")
		return
	}
	if body.ChannelConfig == "" {
		body.ChannelConfig = "{}"
	}

	var acct database.Account
	if err := s.db.WithContext(r.Context()).Take(&acct, "id = ?", body.AccountID).Error; err != nil {
		if isNotFound(err) {
			writeError(w, http.StatusNotFound, "Account not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "Failed to load account")
		return
	}

	secret, err := generateSecret()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to generate secret")
		return
	}
	inst := database.Instance{
		ID:            uuid.NewString(),
		AccountID:     acct.ID,
		Name:          body.Name,
		Status:        body.Status,
		Model:         body.Model,
		ProxySecret:   secret,
		ChannelConfig: body.ChannelConfig,
		BillingMode:   body.BillingMode,
	}
	if body.APIKey != "" {
		enc, err := s.box.Encrypt(body.APIKey)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "Failed to encrypt API key")
			return
		}
		inst.EncryptedAPIKey = enc
	}
	if err := s.db.WithContext(r.Context()).Create(&inst).Error; err != nil {
		log.WithError(err).Error("create instance failed")
		writeError(w, http.StatusInternalServerError, "Failed to create instance")
		return
	}

	log.WithFields(log.Fields{
		"instance": inst.ID,
		"account":  acct.ID,
		"name":     logging.Sanitize(inst.Name),
		"billing":  inst.BillingMode,
	}).Info("instance created")

	resp := s.present(inst)
	resp.ProxySecret = secret
	writeJSON(w, http.StatusCreated, resp)
}

func (s *Server) loadInstance(w http.ResponseWriter, r *http.Request) (*database.Instance, bool) {
	var inst database.Instance
	if err := s.db.WithContext(r.Context()).Take(&inst, "id = ?", chi.URLParam(r, "id")).Error; err != nil {
		if isNotFound(err) {
			writeError(w, http.StatusNotFound, "Instance not found")
		} else {
			writeError(w, http.StatusInternalServerError, "Failed to load instance")
		}
		return nil, false
	}
	return &inst, true
}

func (s *Server) GetInstance(w http.ResponseWriter, r *http.Request) {
	inst, ok := s.loadInstance(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, s.present(*inst))
}

// SetInstanceStatus moves an instance through its lifecycle. Resuming a
// paused instance is the job of credits, not of this endpoint, unless the
// account balance is already positive.
func (s *Server) SetInstanceStatus(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Status string `json:"status"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if !database.ValidStatus(body.Status) {
		writeError(w, http.StatusBadRequest, "Invalid status")
		return
	}

	inst, ok := s.loadInstance(w, r)
	if !ok {
		return
	}
	// Leaving PAUSED by hand needs the same funds a credit would require.
	if inst.Status == database.StatusPaused && body.Status != database.StatusPaused && inst.BillingMode == database.BillingPlatform {
		bal, err := s.ledger.Balance(r.Context(), inst.AccountID)
		if err != nil || bal.CreditsCents <= 0 {
			writeError(w, http.StatusConflict, "Account balance is not positive")
			return
		}
	}

	if err := s.db.WithContext(r.Context()).Model(inst).Update("status", body.Status).Error; err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to update status")
		return
	}
	inst.Status = body.Status
	s.auth.Invalidate(r.Context(), inst.ProxySecret)

	log.WithFields(log.Fields{"instance": inst.ID, "status": body.Status}).Info("instance status changed")
	writeJSON(w, http.StatusOK, s.present(*inst))
}

// RotateSecret issues a new proxy secret; the old one stops working at once.
func (s *Server) RotateSecret(w http.ResponseWriter, r *http.Request) {
	inst, ok := s.loadInstance(w, r)
	if !ok {
		return
	}
	secret, err := generateSecret()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to generate secret")
		return
	}

	old := inst.ProxySecret
	if err := s.db.WithContext(r.Context()).Model(inst).Update("proxy_secret", secret).Error; err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to rotate secret")
		return
	}
	s.auth.Invalidate(r.Context(), old)

	writeJSON(w, http.StatusOK, map[string]string{"id": inst.ID, "proxy_secret": secret})
}

// DeleteInstance removes an instance with its keys and limits. Usage logs
// stay for accounting.
func (s *Server) DeleteInstance(w http.ResponseWriter, r *http.Request) {
	inst, ok := s.loadInstance(w, r)
	if !ok {
		return
	}

	err := s.db.WithContext(r.Context()).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("instance_id = ?", inst.ID).Delete(&database.RateLimit{}).Error; err != nil {
			return err
		}
		if err := tx.Where("scope = ?", inst.ID).Delete(&database.ProviderKey{}).Error; err != nil {
			return err
		}
		return tx.Delete(inst).Error
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to delete instance")
		return
	}
	s.auth.Invalidate(r.Context(), inst.ProxySecret)
	s.limiter.Reset(r.Context(), inst.ID)

	w.WriteHeader(http.StatusNoContent)
}
