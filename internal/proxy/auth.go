package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gluk-w/claworc/metering-proxy/internal/cache"
	"github.com/gluk-w/claworc/metering-proxy/internal/database"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"
	"gorm.io/gorm"
)

// Instance is the cached view of an instance that request handling needs.
type Instance struct {
	ID              string `json:"id"`
	AccountID       string `json:"account_id"`
	Status          string `json:"status"`
	Model           string `json:"model"`
	BillingMode     string `json:"billing_mode"`
	EncryptedAPIKey string `json:"encrypted_api_key,omitempty"`
	Secret          string `json:"-"`
}

func (i *Instance) PlatformFunded() bool {
	return i.BillingMode != database.BillingBYOK
}

var errInstanceNotFound = errors.New("instance not found")

const (
	tokenCacheTTL = 30 * time.Second
	lookupTimeout = 5 * time.Second
)

// Authenticator resolves proxy secrets to instances, caching hits for
// tokenCacheTTL. Concurrent misses for the same secret share one query.
type Authenticator struct {
	db    *gorm.DB
	cache cache.Store
	group singleflight.Group
}

func NewAuthenticator(db *gorm.DB, store cache.Store) *Authenticator {
	return &Authenticator{db: db, cache: store}
}

func tokenCacheKey(secret string) string {
	return "token:" + secret
}

func (a *Authenticator) Lookup(ctx context.Context, secret string) (*Instance, error) {
	key := tokenCacheKey(secret)
	if raw, ok := a.cache.Get(ctx, key); ok {
		var inst Instance
		if err := json.Unmarshal(raw, &inst); err == nil {
			inst.Secret = secret
			return &inst, nil
		}
		a.cache.Delete(ctx, key)
	}

	v, err, _ := a.group.Do(key, func() (any, error) {
		// Shared by every waiter, so one caller hanging up must not fail the rest.
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), lookupTimeout)
		defer cancel()
		row, err := database.InstanceBySecret(a.db.WithContext(ctx), secret)
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return nil, errInstanceNotFound
			}
			return nil, err
		}
		inst := &Instance{
			ID:              row.ID,
			AccountID:       row.AccountID,
			Status:          row.Status,
			Model:           row.Model,
			BillingMode:     row.BillingMode,
			EncryptedAPIKey: row.EncryptedAPIKey,
			Secret:          secret,
		}
		if raw, err := json.Marshal(inst); err == nil {
			a.cache.Set(ctx, key, raw, tokenCacheTTL)
		}
		return inst, nil
	})
	if err != nil {
		return nil, err
	}
	cp := *v.(*Instance)
	return &cp, nil
}

// Invalidate drops a cached secret, e.g. after a status change.
func (a *Authenticator) Invalidate(ctx context.Context, secret string) {
	a.cache.Delete(ctx, tokenCacheKey(secret))
}

// Middleware validates the proxy secret and injects the instance into the
// request context.
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		secret := extractToken(r)
		if secret == "" {
			writeError(w, http.StatusUnauthorized, CodeMissingAPIKey, "API key is required", nil)
			return
		}

		inst, err := a.Lookup(r.Context(), secret)
		if err != nil {
			if errors.Is(err, errInstanceNotFound) {
				writeError(w, http.StatusNotFound, CodeInstanceNotFound, "No instance matches this API key", nil)
				return
			}
			log.WithError(err).Error("instance lookup failed")
			writeError(w, http.StatusInternalServerError, CodeInternal, "Instance lookup failed", nil)
			return
		}

		next.ServeHTTP(w, r.WithContext(withInstance(r.Context(), inst)))
	})
}

func extractToken(r *http.Request) string {
	// x-api-key first: LLM client libraries send the key there
	if key := r.Header.Get("x-api-key"); key != "" {
		return key
	}

	auth := r.Header.Get("Authorization")
	if strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	return ""
}
