package proxy

import (
	"context"
	"errors"
	"fmt"

	"github.com/gluk-w/claworc/metering-proxy/internal/crypto"
	"github.com/gluk-w/claworc/metering-proxy/internal/database"
	"gorm.io/gorm"
)

var errNoUpstreamKey = errors.New("no upstream API key configured")

// KeyResolver picks the upstream credential for an instance.
type KeyResolver struct {
	db          *gorm.DB
	box         *crypto.Box
	provider    string
	platformKey string // from the environment; wins over provider_keys
}

func NewKeyResolver(db *gorm.DB, box *crypto.Box, provider, platformKey string) *KeyResolver {
	return &KeyResolver{db: db, box: box, provider: provider, platformKey: platformKey}
}

// Resolve returns the BYOK key for BYOK instances. Platform instances use the
// configured platform key, then an instance-scoped provider_keys row, then
// the global row.
func (k *KeyResolver) Resolve(ctx context.Context, inst *Instance) (string, error) {
	if !inst.PlatformFunded() {
		if inst.EncryptedAPIKey == "" {
			return "", errNoUpstreamKey
		}
		key, err := k.box.Decrypt(inst.EncryptedAPIKey)
		if err != nil {
			return "", fmt.Errorf("decrypt instance key: %w", err)
		}
		return key, nil
	}

	if k.platformKey != "" {
		return k.platformKey, nil
	}

	for _, scope := range []string{inst.ID, "global"} {
		var row database.ProviderKey
		err := k.db.WithContext(ctx).
			Where("provider_name = ? AND scope = ?", k.provider, scope).
			Take(&row).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			continue
		}
		if err != nil {
			return "", fmt.Errorf("load provider key: %w", err)
		}
		key, err := k.box.Decrypt(row.KeyValue)
		if err != nil {
			return "", fmt.Errorf("decrypt provider key: %w", err)
		}
		return key, nil
	}
	return "", errNoUpstreamKey
}
