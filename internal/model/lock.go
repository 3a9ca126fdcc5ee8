package model

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
)

// HashLockPassword returns the SHA-256 hex digest of a note or folder lock
// password. Only the digest is ever persisted.
func HashLockPassword(password string) string {
	sum := sha256.Sum256([]byte(password))
	return hex.EncodeToString(sum[:])
}

// CheckLockPassword reports whether the password matches the stored digest.
// The comparison is constant-time.
func CheckLockPassword(password, hash string) bool {
	candidate := HashLockPassword(password)
	return subtle.ConstantTimeCompare([]byte(candidate), []byte(hash)) == 1
}
