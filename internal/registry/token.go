package registry

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"fmt"

	"golang.org/x/crypto/argon2"
)

// Соль фиксирована: хэш должен быть детерминированным, чтобы искать устройство
// по токену. Токен — 256 бит случайных данных, перебор по словарю не грозит.
var tokenSalt = []byte("aura-bootstrap-token")

const (
	tokenBytes     = 32
	hashTime       = 1
	hashMemoryKiB  = 16 * 1024
	hashThreads    = 1
	hashKeyLength  = 32
	maxTokenLength = 256
)

// NewToken выдаёт новый bootstrap-токен (base64url без паддинга).
func NewToken() (string, error) {
	var raw [tokenBytes]byte
	if _, err := rand.Read(raw[:]); err != nil {
		return "", fmt.Errorf("generate bootstrap token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(raw[:]), nil
}

// HashToken — argon2id от токена, hex.
func HashToken(token string) string {
	h := argon2.IDKey([]byte(token), tokenSalt, hashTime, hashMemoryKiB, hashThreads, hashKeyLength)
	return hex.EncodeToString(h)
}
