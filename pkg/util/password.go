package util

import (
	"crypto/sha256"
	"encoding/hex"

	"golang.org/x/crypto/bcrypt"
)

// HashPassword turns a plaintext password into a bcrypt hash.
func HashPassword(password string) (string, error) {
	bytes, err := bcrypt.GenerateFromPassword([]byte(password), 8)
	if err != nil {
		return "", err
	}
	return string(bytes), nil
}

// CheckPassword verifies a plaintext password against a bcrypt hash.
func CheckPassword(password, hash string) bool {
	err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(password))
	return err == nil
}

// HashToken hashes a refresh token for storage. JWTs exceed bcrypt's 72 byte
// input limit, so the token is digested first.
func HashToken(token string) (string, error) {
	sum := sha256.Sum256([]byte(token))
	return HashPassword(hex.EncodeToString(sum[:]))
}

// CheckToken verifies a refresh token against HashToken output.
func CheckToken(token, hash string) bool {
	sum := sha256.Sum256([]byte(token))
	return CheckPassword(hex.EncodeToString(sum[:]), hash)
}
