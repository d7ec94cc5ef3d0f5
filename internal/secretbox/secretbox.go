// Package secretbox seals secrets that must be recoverable, such as webhook
// signing secrets, with AES-256-GCM.
package secretbox

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"strings"

	"github.com/smallbiznis/partnergate/internal/config"
	"github.com/smallbiznis/partnergate/internal/signer"
	"gorm.io/datatypes"
)

var (
	ErrKeyMissing = errors.New("encryption_key_missing")
	ErrMalformed  = errors.New("sealed_value_malformed")
)

type sealedPayload struct {
	Version    int    `json:"version"`
	Nonce      string `json:"nonce"`
	Ciphertext string `json:"ciphertext"`
}

type Box struct {
	key []byte
}

func New(cfg config.Config) (*Box, error) {
	secret := strings.TrimSpace(cfg.SecretEncryptionKey)
	if secret == "" {
		return &Box{}, nil
	}
	key, err := signer.DeriveKey(secret, "secretbox")
	if err != nil {
		return nil, err
	}
	return &Box{key: key}, nil
}

func NewWithKey(secret string) *Box {
	key, err := signer.DeriveKey(secret, "secretbox")
	if err != nil {
		return &Box{}
	}
	return &Box{key: key}
}

func (b *Box) Enabled() bool {
	return b != nil && len(b.key) > 0
}

func (b *Box) Seal(plain string) (datatypes.JSON, error) {
	if !b.Enabled() {
		return nil, ErrKeyMissing
	}
	gcm, err := b.aead()
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}

	ciphertext := gcm.Seal(nil, nonce, []byte(plain), nil)
	out, err := json.Marshal(sealedPayload{
		Version:    1,
		Nonce:      base64.RawStdEncoding.EncodeToString(nonce),
		Ciphertext: base64.RawStdEncoding.EncodeToString(ciphertext),
	})
	if err != nil {
		return nil, err
	}
	return datatypes.JSON(out), nil
}

func (b *Box) Open(sealed datatypes.JSON) (string, error) {
	if !b.Enabled() {
		return "", ErrKeyMissing
	}
	var payload sealedPayload
	if err := json.Unmarshal(sealed, &payload); err != nil || payload.Version != 1 {
		return "", ErrMalformed
	}
	nonce, err := base64.RawStdEncoding.DecodeString(payload.Nonce)
	if err != nil {
		return "", ErrMalformed
	}
	ciphertext, err := base64.RawStdEncoding.DecodeString(payload.Ciphertext)
	if err != nil {
		return "", ErrMalformed
	}

	gcm, err := b.aead()
	if err != nil {
		return "", err
	}
	if len(nonce) != gcm.NonceSize() {
		return "", ErrMalformed
	}
	plain, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", ErrMalformed
	}
	return string(plain), nil
}

func (b *Box) aead() (cipher.AEAD, error) {
	block, err := aes.NewCipher(b.key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}
