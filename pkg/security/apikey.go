package security

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"

	"golang.org/x/crypto/bcrypt"
)

var (
	ErrHashingFailed = errors.New("api key hashing failed")
	MinKeyLen        = 24
)

// KeyHasher hashes and checks API keys. Only hashes are kept in config.
type KeyHasher interface {
	Hash(key string) (string, error)
	Compare(hashedKey, key string) error
}

type bcryptHasher struct {
	cost int
}

// NewBcryptHasher creates a new key hasher using bcrypt
func NewBcryptHasher(cost int) KeyHasher {
	if cost < bcrypt.MinCost || cost > bcrypt.MaxCost {
		cost = bcrypt.DefaultCost
	}
	return &bcryptHasher{cost: cost}
}

func (b *bcryptHasher) Hash(key string) (string, error) {
	if len(key) < MinKeyLen {
		return "", fmt.Errorf("api key must be at least %d characters", MinKeyLen)
	}

	bytes, err := bcrypt.GenerateFromPassword([]byte(key), b.cost)
	if err != nil {
		return "", ErrHashingFailed
	}
	return string(bytes), nil
}

func (b *bcryptHasher) Compare(hashedKey, key string) error {
	return bcrypt.CompareHashAndPassword([]byte(hashedKey), []byte(key))
}

// GenerateKey returns a random hex key of 32 bytes of entropy.
func GenerateKey() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to read random bytes: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

// Fingerprint is a stable non-reversible cache key for a raw API key.
func Fingerprint(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}
