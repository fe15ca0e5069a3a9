// Package keyhash hashes and verifies the caller-supplied secrets that gate
// access to stored records: file retrieval keys and save-and-exit security
// answers. Only the hash is ever persisted.
package keyhash

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/argon2"
)

const (
	argonTime    = 2
	argonMemory  = 64 * 1024
	argonThreads = 4
	saltLength   = 16
	keyLength    = 32
)

var ErrMalformedHash = errors.New("malformed key hash")

// Hash derives an argon2id hash of raw in the standard encoded form.
// Case-insensitive keys are lowercased before hashing, so verification with
// any casing of the same key succeeds.
func Hash(raw string, caseSensitive bool) (string, error) {
	salt := make([]byte, saltLength)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("failed to generate salt: %w", err)
	}

	derived := argon2.IDKey([]byte(normalize(raw, caseSensitive)), salt, argonTime, argonMemory, argonThreads, keyLength)

	return fmt.Sprintf("$argon2id$v=%d$m=%d,t=%d,p=%d$%s$%s",
		argon2.Version, argonMemory, argonTime, argonThreads,
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(derived)), nil
}

// Verify reports whether raw matches the encoded hash. The comparison of
// the derived keys is constant-time.
func Verify(raw, encoded string, caseSensitive bool) (bool, error) {
	parts := strings.Split(encoded, "$")
	if len(parts) != 6 || parts[1] != "argon2id" {
		return false, ErrMalformedHash
	}

	var version int
	if _, err := fmt.Sscanf(parts[2], "v=%d", &version); err != nil {
		return false, ErrMalformedHash
	}

	var memory, iterations uint32
	var threads uint8
	if _, err := fmt.Sscanf(parts[3], "m=%d,t=%d,p=%d", &memory, &iterations, &threads); err != nil {
		return false, ErrMalformedHash
	}

	salt, err := base64.RawStdEncoding.DecodeString(parts[4])
	if err != nil {
		return false, ErrMalformedHash
	}
	expected, err := base64.RawStdEncoding.DecodeString(parts[5])
	if err != nil {
		return false, ErrMalformedHash
	}

	derived := argon2.IDKey([]byte(normalize(raw, caseSensitive)), salt, iterations, memory, threads, uint32(len(expected)))
	return subtle.ConstantTimeCompare(derived, expected) == 1, nil
}

func normalize(raw string, caseSensitive bool) string {
	if caseSensitive {
		return raw
	}
	return strings.ToLower(raw)
}
