// Package vault encrypts credential secrets at rest. Refresh tokens, access
// tokens and client secrets are stored encrypted and only decrypted at the
// OAuth and upstream boundaries.
package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"

	"golang.org/x/crypto/pbkdf2"
)

const (
	keyIterations = 100_000
	keyLen        = 32
	// Static salt: the master secret is the only secret input, the salt just
	// domain-separates the derived key from other pbkdf2 uses of the secret.
	keySalt = "catiecli-credential-vault"
)

// Vault performs AES-256-GCM encryption with a key derived from the
// configured master secret.
type Vault struct {
	aead cipher.AEAD
}

// New derives the vault key from masterSecret. An empty secret is rejected so
// a misconfigured deployment cannot silently store plaintext.
func New(masterSecret string) (*Vault, error) {
	if masterSecret == "" {
		return nil, fmt.Errorf("vault: master secret is empty")
	}
	key := pbkdf2.Key([]byte(masterSecret), []byte(keySalt), keyIterations, keyLen, sha256.New)
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("vault: init cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("vault: init gcm: %w", err)
	}
	return &Vault{aead: aead}, nil
}

// Encrypt returns base64(nonce || ciphertext). Empty input passes through so
// optional columns stay empty instead of becoming encrypted empty strings.
func (v *Vault) Encrypt(plaintext string) (string, error) {
	if plaintext == "" {
		return "", nil
	}
	nonce := make([]byte, v.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("vault: nonce: %w", err)
	}
	sealed := v.aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt reverses Encrypt. Empty input passes through.
func (v *Vault) Decrypt(encoded string) (string, error) {
	if encoded == "" {
		return "", nil
	}
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", fmt.Errorf("vault: decode: %w", err)
	}
	ns := v.aead.NonceSize()
	if len(raw) < ns {
		return "", fmt.Errorf("vault: ciphertext too short")
	}
	plain, err := v.aead.Open(nil, raw[:ns], raw[ns:], nil)
	if err != nil {
		return "", fmt.Errorf("vault: open: %w", err)
	}
	return string(plain), nil
}
