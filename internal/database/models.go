package database

import (
	"errors"
	"time"

	"gorm.io/gorm"
)

// Instance lifecycle states.
const (
	StatusPending      = "PENDING"
	StatusProvisioning = "PROVISIONING"
	StatusActive       = "ACTIVE"
	StatusPaused       = "PAUSED"
	StatusStopped      = "STOPPED"
	StatusError        = "ERROR"
)

// Billing modes: platform-funded or the instance brings its own upstream key.
const (
	BillingPlatform = "platform"
	BillingBYOK     = "byok"
)

// Top-up request states.
const (
	TopUpPending = "pending"
	TopUpSettled = "settled"
)

var ErrUsageLogImmutable = errors.New("usage log rows are immutable")

// ValidStatus reports whether s is a known instance status.
func ValidStatus(s string) bool {
	switch s {
	case StatusPending, StatusProvisioning, StatusActive, StatusPaused, StatusStopped, StatusError:
		return true
	}
	return false
}

type Account struct {
	ID        string    `gorm:"primaryKey;size:36" json:"id"`
	Email     string    `gorm:"index" json:"email"`
	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
}

type Balance struct {
	ID                      uint      `gorm:"primaryKey;autoIncrement" json:"-"`
	AccountID               string    `gorm:"uniqueIndex;not null;size:36" json:"account_id"`
	CreditsCents            int64     `gorm:"not null;default:0" json:"credits_cents"` // negative = overage
	AutoTopupEnabled        bool      `gorm:"not null;default:false" json:"auto_topup_enabled"`
	AutoTopupThresholdCents int64     `gorm:"not null;default:0" json:"auto_topup_threshold_cents"`
	AutoTopupAmountCents    int64     `gorm:"not null;default:0" json:"auto_topup_amount_cents"`
	UpdatedAt               time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

type Instance struct {
	ID              string    `gorm:"primaryKey;size:36" json:"id"`
	AccountID       string    `gorm:"not null;index;size:36" json:"account_id"`
	Name            string    `gorm:"not null" json:"name"`
	Status          string    `gorm:"not null;default:PENDING;index" json:"status"`
	Model           string    `gorm:"not null;default:''" json:"model"`
	ProxySecret     string    `gorm:"uniqueIndex;not null" json:"-"`
	ChannelConfig   string    `gorm:"type:text;default:'{}'" json:"channel_config"` // JSON, e.g. telegram bot credentials
	BillingMode     string    `gorm:"not null;default:platform" json:"billing_mode"`
	EncryptedAPIKey string    `json:"-"` // Fernet, BYOK only
	CreatedAt       time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt       time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

// UsageLog is written once per billed request or completed stream.
// TokensIn is the cache-adjusted input count; the raw cache counts are kept
// alongside for reconciliation.
type UsageLog struct {
	ID                  uint      `gorm:"primaryKey;autoIncrement" json:"id"`
	InstanceID          string    `gorm:"not null;index;size:36" json:"instance_id"`
	AccountID           string    `gorm:"not null;index:idx_usage_account_created;size:36" json:"account_id"`
	Model               string    `gorm:"not null" json:"model"`
	TokensIn            int64     `gorm:"not null;default:0" json:"tokens_in"`
	TokensOut           int64     `gorm:"not null;default:0" json:"tokens_out"`
	CacheCreationTokens int64     `gorm:"not null;default:0" json:"cache_creation_tokens"`
	CacheReadTokens     int64     `gorm:"not null;default:0" json:"cache_read_tokens"`
	CostCents           int64     `gorm:"not null;default:0" json:"cost_cents"`
	CreatedAt           time.Time `gorm:"autoCreateTime;index:idx_usage_account_created" json:"created_at"`
}

func (UsageLog) BeforeUpdate(*gorm.DB) error {
	return ErrUsageLogImmutable
}

// CreditLog records every external credit applied to a balance. Reference is
// the payment provider's event ID.
type CreditLog struct {
	ID          uint      `gorm:"primaryKey;autoIncrement" json:"id"`
	AccountID   string    `gorm:"not null;index;size:36" json:"account_id"`
	AmountCents int64     `gorm:"not null" json:"amount_cents"`
	Reference   string    `gorm:"uniqueIndex;not null" json:"reference"`
	Source      string    `gorm:"not null;default:webhook" json:"source"`
	CreatedAt   time.Time `gorm:"autoCreateTime" json:"created_at"`
}

type TopUpRequest struct {
	ID          string     `gorm:"primaryKey;size:36" json:"id"`
	AccountID   string     `gorm:"not null;index;size:36" json:"account_id"`
	AmountCents int64      `gorm:"not null" json:"amount_cents"`
	Status      string     `gorm:"not null;default:pending;index" json:"status"`
	CreatedAt   time.Time  `gorm:"autoCreateTime" json:"created_at"`
	SettledAt   *time.Time `json:"settled_at,omitempty"`
}

type ProviderKey struct {
	ID           uint      `gorm:"primaryKey;autoIncrement"`
	ProviderName string    `gorm:"not null;uniqueIndex:idx_provider_scope"`
	Scope        string    `gorm:"not null;uniqueIndex:idx_provider_scope"` // "global" or instance ID
	KeyValue     string    `gorm:"not null"`                                // Fernet-encrypted
	CreatedAt    time.Time `gorm:"autoCreateTime"`
	UpdatedAt    time.Time `gorm:"autoUpdateTime"`
}

type RateLimit struct {
	ID                uint      `gorm:"primaryKey;autoIncrement" json:"-"`
	InstanceID        string    `gorm:"uniqueIndex;not null;size:36" json:"instance_id"`
	RequestsPerMinute int       `gorm:"not null;default:0" json:"requests_per_minute"`
	CreatedAt         time.Time `gorm:"autoCreateTime" json:"-"`
	UpdatedAt         time.Time `gorm:"autoUpdateTime" json:"-"`
}

type Setting struct {
	Key       string    `gorm:"primaryKey" json:"key"`
	Value     string    `gorm:"not null" json:"value"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}
