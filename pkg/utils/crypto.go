package utils

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"io"

	"golang.org/x/crypto/bcrypt"
)

var encryptionKey []byte

// ConfigureEncryption derives the AES-256 key used for secrets at rest
// (TOTP secrets) from the configured secret. An empty secret leaves
// encryption disabled.
func ConfigureEncryption(secret string) {
	if secret == "" {
		encryptionKey = nil
		return
	}
	key := sha256.Sum256([]byte(secret))
	encryptionKey = key[:]
}

func EncryptAESGCM(plaintext string) (string, error) {
	if encryptionKey == nil {
		return plaintext, nil
	}

	block, err := aes.NewCipher(encryptionKey)
	if err != nil {
		return "", err
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", err
	}

	sealed := gcm.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

func DecryptAESGCM(ciphertext string) (string, error) {
	if encryptionKey == nil {
		return "", errors.New("encryption key not configured")
	}

	raw, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return "", err
	}

	block, err := aes.NewCipher(encryptionKey)
	if err != nil {
		return "", err
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", err
	}

	if len(raw) < gcm.NonceSize() {
		return "", errors.New("ciphertext too short")
	}

	nonce, sealed := raw[:gcm.NonceSize()], raw[gcm.NonceSize():]
	plaintext, err := gcm.Open(nil, nonce, sealed, nil)
	if err != nil {
		return "", err
	}
	return string(plaintext), nil
}

// DecryptOrPlaintext decrypts a stored value, falling back to the value
// itself for rows written before encryption was enabled.
func DecryptOrPlaintext(value string) string {
	if value == "" {
		return ""
	}
	plaintext, err := DecryptAESGCM(value)
	if err != nil {
		return value
	}
	return plaintext
}

func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

func CheckPassword(password, hash string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}
