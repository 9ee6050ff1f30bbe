package utils

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"

	"dripflow/config"
)

// Secrets at rest (SMTP passwords, oauth tokens) are sealed with AES-CFB
// under the configured 32-byte key. Empty values pass through unchanged so
// optional credential columns round-trip cleanly.

func cipherBlock() (cipher.Block, error) {
	block, err := aes.NewCipher([]byte(config.AppConfig.EncryptionKey))
	if err != nil {
		return nil, fmt.Errorf("encryption key unusable: %w", err)
	}
	return block, nil
}

// Encrypt seals a secret for storage. Each call draws a fresh IV, so the
// same plaintext never produces the same ciphertext twice.
func Encrypt(plaintext string) (string, error) {
	if plaintext == "" {
		return "", nil
	}

	block, err := cipherBlock()
	if err != nil {
		return "", err
	}

	sealed := make([]byte, aes.BlockSize+len(plaintext))
	iv := sealed[:aes.BlockSize]
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return "", fmt.Errorf("failed to draw IV: %w", err)
	}
	cipher.NewCFBEncrypter(block, iv).XORKeyStream(sealed[aes.BlockSize:], []byte(plaintext))

	return base64.URLEncoding.EncodeToString(sealed), nil
}

// Decrypt opens a secret sealed by Encrypt.
func Decrypt(sealed string) (string, error) {
	if sealed == "" {
		return "", nil
	}

	block, err := cipherBlock()
	if err != nil {
		return "", err
	}

	raw, err := base64.URLEncoding.DecodeString(sealed)
	if err != nil {
		return "", fmt.Errorf("stored secret is not valid base64: %w", err)
	}
	if len(raw) < aes.BlockSize {
		return "", errors.New("stored secret is truncated")
	}

	plaintext := raw[aes.BlockSize:]
	cipher.NewCFBDecrypter(block, raw[:aes.BlockSize]).XORKeyStream(plaintext, plaintext)

	return string(plaintext), nil
}
