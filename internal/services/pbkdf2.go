package services

import (
	"crypto/rand"
	"crypto/sha512"
	"crypto/subtle"
	"encoding/base64"
	"fmt"

	"golang.org/x/crypto/pbkdf2"
)

// Credential hashing parameters shared by the torrent client's disk
// repair path (§4.4.1) and the arr clients' UI password verification
// (§4.4.2): PBKDF2-HMAC-SHA512, 100000 iterations, 16-byte salt.
const (
	pbkdf2Iterations = 100_000
	pbkdf2SaltBytes  = 16
	pbkdf2KeyBytes   = 64
)

// HashPassword derives a PBKDF2-HMAC-SHA512 hash of password with a
// fresh random salt, returning both base64-encoded for storage in a
// service's on-disk credential store.
func HashPassword(password string) (hash, salt string, err error) {
	saltBytes := make([]byte, pbkdf2SaltBytes)
	if _, err := rand.Read(saltBytes); err != nil {
		return "", "", fmt.Errorf("generate salt: %w", err)
	}

	derived := pbkdf2.Key([]byte(password), saltBytes, pbkdf2Iterations, pbkdf2KeyBytes, sha512.New)
	return base64.StdEncoding.EncodeToString(derived), base64.StdEncoding.EncodeToString(saltBytes), nil
}

// VerifyPassword reports whether password matches the given
// base64-encoded hash+salt pair, in constant time.
func VerifyPassword(password, hash, salt string) (bool, error) {
	saltBytes, err := base64.StdEncoding.DecodeString(salt)
	if err != nil {
		return false, fmt.Errorf("decode salt: %w", err)
	}
	wantBytes, err := base64.StdEncoding.DecodeString(hash)
	if err != nil {
		return false, fmt.Errorf("decode hash: %w", err)
	}

	derived := pbkdf2.Key([]byte(password), saltBytes, pbkdf2Iterations, len(wantBytes), sha512.New)
	return subtle.ConstantTimeCompare(derived, wantBytes) == 1, nil
}
