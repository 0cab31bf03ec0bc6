package crypto

import (
	"errors"
	"fmt"

	"github.com/fernet/fernet-go"
	"github.com/gluk-w/claworc/metering-proxy/internal/database"
	"gorm.io/gorm"
)

const settingKey = "fernet_key"

// Box encrypts upstream API keys at rest.
type Box struct {
	key *fernet.Key
}

func NewBox(encoded string) (*Box, error) {
	key, err := fernet.DecodeKey(encoded)
	if err != nil {
		return nil, fmt.Errorf("decode fernet key: %w", err)
	}
	return &Box{key: key}, nil
}

// LoadBox uses the configured key when set, otherwise the key stored in the
// settings table, generating and saving one on first start.
func LoadBox(db *gorm.DB, configured string) (*Box, error) {
	if configured != "" {
		return NewBox(configured)
	}

	keyStr, err := database.GetSetting(db, settingKey)
	if err == nil {
		return NewBox(keyStr)
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("read fernet key: %w", err)
	}

	var k fernet.Key
	if err := k.Generate(); err != nil {
		return nil, fmt.Errorf("generate fernet key: %w", err)
	}
	if err := database.SetSetting(db, settingKey, k.Encode()); err != nil {
		return nil, fmt.Errorf("save fernet key: %w", err)
	}
	return &Box{key: &k}, nil
}

func (b *Box) Encrypt(plaintext string) (string, error) {
	tok, err := fernet.EncryptAndSign([]byte(plaintext), b.key)
	if err != nil {
		return "", fmt.Errorf("encrypt: %w", err)
	}
	return string(tok), nil
}

func (b *Box) Decrypt(ciphertext string) (string, error) {
	if ciphertext == "" {
		return "", nil
	}
	msg := fernet.VerifyAndDecrypt([]byte(ciphertext), 0, []*fernet.Key{b.key})
	if msg == nil {
		return "", errors.New("decrypt: invalid token")
	}
	return string(msg), nil
}

func Mask(value string) string {
	if value == "" {
		return ""
	}
	if len(value) > 4 {
		return "****" + value[len(value)-4:]
	}
	return "****"
}
