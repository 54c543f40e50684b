package domain

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
)

// HashAPIKey returns the salted SHA-256 hex digest of a client API key.
// Only this digest is stored and indexed; the plaintext key never is.
func HashAPIKey(salt, key string) string {
	sum := sha256.Sum256([]byte(salt + key))
	return hex.EncodeToString(sum[:])
}

// KeyRecord is one encrypted upstream API key in a sub-provider's pool.
// The ciphertext and IV are stored base64-encoded; the AES key comes from
// gateway configuration and is never persisted next to the records.
type KeyRecord struct {
	Name      string `json:"name"`
	Encrypted string `json:"encrypted"`
	IV        string `json:"iv"`
	IsActive  bool   `json:"is_active"`
}

// Decrypt returns the plaintext API key using AES-CTR with the record's IV.
func (k KeyRecord) Decrypt(secret []byte) (string, error) {
	ct, err := base64.StdEncoding.DecodeString(k.Encrypted)
	if err != nil {
		return "", fmt.Errorf("key %s: decode ciphertext: %w", k.Name, err)
	}
	iv, err := base64.StdEncoding.DecodeString(k.IV)
	if err != nil {
		return "", fmt.Errorf("key %s: decode iv: %w", k.Name, err)
	}

	block, err := aes.NewCipher(secret)
	if err != nil {
		return "", fmt.Errorf("key %s: cipher: %w", k.Name, err)
	}
	if len(iv) != block.BlockSize() {
		return "", fmt.Errorf("key %s: iv length %d, want %d", k.Name, len(iv), block.BlockSize())
	}

	pt := make([]byte, len(ct))
	cipher.NewCTR(block, iv).XORKeyStream(pt, ct)
	return string(pt), nil
}

// EncryptKey produces a KeyRecord for plaintext under secret with the given
// IV. Used by provisioning tooling and tests.
func EncryptKey(name, plaintext string, secret, iv []byte) (KeyRecord, error) {
	block, err := aes.NewCipher(secret)
	if err != nil {
		return KeyRecord{}, fmt.Errorf("key %s: cipher: %w", name, err)
	}
	if len(iv) != block.BlockSize() {
		return KeyRecord{}, fmt.Errorf("key %s: iv length %d, want %d", name, len(iv), block.BlockSize())
	}

	ct := make([]byte, len(plaintext))
	cipher.NewCTR(block, iv).XORKeyStream(ct, []byte(plaintext))

	return KeyRecord{
		Name:      name,
		Encrypted: base64.StdEncoding.EncodeToString(ct),
		IV:        base64.StdEncoding.EncodeToString(iv),
		IsActive:  true,
	}, nil
}
