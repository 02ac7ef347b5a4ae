package auth

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"fmt"

	"github.com/mlukyanov/tradecore/internal/types"
)

const keySize = 32 // AES-256

// Envelope is one encrypted secret. The data key is random per secret; only
// the data key is wrapped with the master key, so rewrapping under a new
// master key never touches the ciphertext.
type Envelope struct {
	EncryptedDEK []byte `json:"encrypted_dek"`
	DEKNonce     []byte `json:"dek_nonce"`
	Ciphertext   []byte `json:"ciphertext"`
	DataNonce    []byte `json:"data_nonce"`
}

// Vault performs AES-256-GCM envelope encryption for secrets at rest.
type Vault struct {
	masterKey []byte
}

// NewVault validates the master key. Anything other than exactly 32 bytes is
// a configuration error; there is no padding fallback.
func NewVault(masterKey []byte) (*Vault, error) {
	if len(masterKey) != keySize {
		return nil, fmt.Errorf("master key must be %d bytes, got %d: %w",
			keySize, len(masterKey), types.ErrInvalidConfig)
	}
	key := make([]byte, keySize)
	copy(key, masterKey)
	return &Vault{masterKey: key}, nil
}

// NewVaultFromBase64 decodes the configured master key and validates it.
func NewVaultFromBase64(encoded string) (*Vault, error) {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("decode master key: %w", types.ErrInvalidConfig)
	}
	return NewVault(raw)
}

// Encrypt seals plaintext under a fresh data key and wraps the data key with
// the master key.
func (v *Vault) Encrypt(plaintext []byte) (*Envelope, error) {
	dek := make([]byte, keySize)
	if _, err := rand.Read(dek); err != nil {
		return nil, fmt.Errorf("generate data key: %w", err)
	}

	ciphertext, dataNonce, err := seal(dek, plaintext)
	if err != nil {
		return nil, fmt.Errorf("seal secret: %w", err)
	}
	encryptedDEK, dekNonce, err := seal(v.masterKey, dek)
	if err != nil {
		return nil, fmt.Errorf("wrap data key: %w", err)
	}

	return &Envelope{
		EncryptedDEK: encryptedDEK,
		DEKNonce:     dekNonce,
		Ciphertext:   ciphertext,
		DataNonce:    dataNonce,
	}, nil
}

// Decrypt unwraps the data key and opens the secret.
func (v *Vault) Decrypt(env *Envelope) ([]byte, error) {
	dek, err := open(v.masterKey, env.EncryptedDEK, env.DEKNonce)
	if err != nil {
		return nil, fmt.Errorf("unwrap data key: %w", err)
	}
	plaintext, err := open(dek, env.Ciphertext, env.DataNonce)
	if err != nil {
		return nil, fmt.Errorf("open secret: %w", err)
	}
	return plaintext, nil
}

func seal(key, plaintext []byte) (ciphertext, nonce []byte, err error) {
	gcm, err := newGCM(key)
	if err != nil {
		return nil, nil, err
	}
	nonce = make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, nil, err
	}
	return gcm.Seal(nil, nonce, plaintext, nil), nonce, nil
}

func open(key, ciphertext, nonce []byte) ([]byte, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	return gcm.Open(nil, nonce, ciphertext, nil)
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}
