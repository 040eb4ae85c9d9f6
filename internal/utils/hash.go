package utils

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"strings"
)

func GenerateRandomToken(size int) (string, error) {
	buffer := make([]byte, size)
	if _, err := rand.Read(buffer); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buffer), nil
}

// HashToken is used wherever a presented token is recorded, so audit rows
// never hold a value that could be replayed.
func HashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

// NormalizeCode canonicalizes class codes and student roll numbers
// ("  2021cs001 " -> "2021CS001").
func NormalizeCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}
