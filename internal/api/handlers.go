// Package api is the admin surface used by the control plane: accounts,
// instances, credits, upstream keys, usage reports and limits.
package api

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gluk-w/claworc/metering-proxy/internal/crypto"
	"github.com/gluk-w/claworc/metering-proxy/internal/database"
	"github.com/gluk-w/claworc/metering-proxy/internal/ledger"
	"github.com/gluk-w/claworc/metering-proxy/internal/proxy"
	"github.com/go-chi/chi/v5"
	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

type Options struct {
	DB          *gorm.DB
	Ledger      *ledger.Ledger
	Box         *crypto.Box
	Auth        *proxy.Authenticator
	Limiter     *proxy.RateLimiter
	Location    *time.Location
	AdminSecret string
}

// Server holds the admin handlers' dependencies.
type Server struct {
	db      *gorm.DB
	ledger  *ledger.Ledger
	box     *crypto.Box
	auth    *proxy.Authenticator
	limiter *proxy.RateLimiter
	loc     *time.Location
	secret  string
	now     func() time.Time
}

func NewServer(opts Options) *Server {
	loc := opts.Location
	if loc == nil {
		loc = time.Local
	}
	return &Server{
		db:      opts.DB,
		ledger:  opts.Ledger,
		box:     opts.Box,
		auth:    opts.Auth,
		limiter: opts.Limiter,
		loc:     loc,
		secret:  opts.AdminSecret,
		now:     time.Now,
	}
}

// Routes returns the /admin subtree.
func (s *Server) Routes() chi.Router {
	r := chi.NewRouter()
	r.Use(AdminAuth(s.secret))

	r.Post("/accounts", s.CreateAccount)
	r.Get("/accounts/{id}", s.GetAccount)
	r.Put("/accounts/{id}/auto-topup", s.SetAutoTopUp)
	r.Post("/accounts/{id}/credits", s.CreditAccount)

	r.Post("/instances", s.CreateInstance)
	r.Get("/instances/{id}", s.GetInstance)
	r.Put("/instances/{id}/status", s.SetInstanceStatus)
	r.Post("/instances/{id}/rotate-secret", s.RotateSecret)
	r.Delete("/instances/{id}", s.DeleteInstance)

	r.Put("/keys", s.SyncKeys)

	r.Get("/usage", s.GetUsage)
	r.Get("/usage/instances/{id}", s.GetInstanceUsage)

	r.Get("/limits/{id}", s.GetLimits)
	r.Put("/limits/{id}", s.SetLimits)

	r.Get("/topups", s.ListTopUps)
	return r
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

func decodeBody(r *http.Request, v any) error {
	return json.NewDecoder(r.Body).Decode(v)
}

func generateSecret() (string, error) {
	b := make([]byte, 24)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return "mp_" + hex.EncodeToString(b), nil
}

func isNotFound(err error) bool {
	return errors.Is(err, gorm.ErrRecordNotFound)
}

// SyncKeys stores platform upstream keys, encrypted. An empty key deletes the
// entry.
func (s *Server) SyncKeys(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Keys []struct {
			Provider string `json:"provider"`
			Scope    string `json:"scope"` // "global" or instance ID
			Key      string `json:"key"`
		} `json:"keys"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	err := s.db.WithContext(r.Context()).Transaction(func(tx *gorm.DB) error {
		for _, k := range body.Keys {
			if k.Provider == "" {
				k.Provider = "anthropic"
			}
			if k.Scope == "" {
				k.Scope = "global"
			}
			if k.Key == "" {
				if err := tx.Where("provider_name = ? AND scope = ?", k.Provider, k.Scope).Delete(&database.ProviderKey{}).Error; err != nil {
					return err
				}
				continue
			}

			enc, err := s.box.Encrypt(k.Key)
			if err != nil {
				return err
			}
			var existing database.ProviderKey
			err = tx.Where("provider_name = ? AND scope = ?", k.Provider, k.Scope).Take(&existing).Error
			switch {
			case err == nil:
				if err := tx.Model(&existing).Update("key_value", enc).Error; err != nil {
					return err
				}
			case isNotFound(err):
				if err := tx.Create(&database.ProviderKey{ProviderName: k.Provider, Scope: k.Scope, KeyValue: enc}).Error; err != nil {
					return err
				}
			default:
				return err
			}
		}
		return nil
	})
	if err != nil {
		log.WithError(err).Error("key sync failed")
		writeError(w, http.StatusInternalServerError, "Failed to sync keys")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"status": "synced", "count": len(body.Keys)})
}

// GetLimits returns the rate limit of an instance; zero means unlimited.
func (s *Server) GetLimits(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var limit database.RateLimit
	if err := s.db.WithContext(r.Context()).Where("instance_id = ?", id).Limit(1).Find(&limit).Error; err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to load limits")
		return
	}
	limit.InstanceID = id
	writeJSON(w, http.StatusOK, limit)
}

// SetLimits replaces the rate limit of an instance.
func (s *Server) SetLimits(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var body struct {
		RequestsPerMinute int `json:"requests_per_minute"`
	}
	if err := decodeBody(r, &body); err != nil || body.RequestsPerMinute < 0 {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	var inst database.Instance
	if err := s.db.WithContext(r.Context()).Take(&inst, "id = ?", id).Error; err != nil {
		if isNotFound(err) {
			writeError(w, http.StatusNotFound, "Instance not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "Failed to load instance")
		return
	}

	limit := database.RateLimit{InstanceID: id}
	err := s.db.WithContext(r.Context()).
		Where(database.RateLimit{InstanceID: id}).
		Assign(map[string]any{"requests_per_minute": body.RequestsPerMinute}).
		FirstOrCreate(&limit).Error
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to save limits")
		return
	}
	s.limiter.Reset(r.Context(), id)

	writeJSON(w, http.StatusOK, limit)
}

// ListTopUps lists auto top-up requests, optionally filtered by status and
// account.
func (s *Server) ListTopUps(w http.ResponseWriter, r *http.Request) {
	q := s.db.WithContext(r.Context()).Model(&database.TopUpRequest{})
	if status := r.URL.Query().Get("status"); status != "" {
		q = q.Where("status = ?", status)
	}
	if acct := r.URL.Query().Get("account_id"); acct != "" {
		q = q.Where("account_id = ?", acct)
	}

	var rows []database.TopUpRequest
	if err := q.Order("created_at").Find(&rows).Error; err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list top-ups")
		return
	}
	writeJSON(w, http.StatusOK, rows)
}

// HealthCheck returns proxy health status.
func HealthCheck(db *gorm.DB) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sqlDB, err := db.DB()
		if err == nil {
			err = sqlDB.PingContext(r.Context())
		}
		if err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unhealthy", "database": err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
	}
}
