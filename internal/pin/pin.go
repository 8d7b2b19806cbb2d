// Package pin generates, hashes and verifies 4-digit access PINs.
//
// The PIN keyspace is only 10,000 values, so the hash alone cannot resist
// offline guessing; the operative control is the attempt rate limiting and
// pin expiry enforced by the redemption protocol. bcrypt is used anyway so
// a leaked database row costs an attacker real work per guess.
package pin

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"

	"golang.org/x/crypto/bcrypt"
)

// Length is the number of PIN digits.
const Length = 4

// Generate returns a uniformly random zero-padded 4-digit PIN.
func Generate() (string, error) {
	// Rejection sampling over uint32 keeps the draw unbiased.
	limit := uint32(4294960000) // largest multiple of 10000 that fits
	var buf [4]byte
	for {
		if _, err := rand.Read(buf[:]); err != nil {
			return "", fmt.Errorf("read random bytes: %w", err)
		}
		v := binary.BigEndian.Uint32(buf[:])
		if v < limit {
			return fmt.Sprintf("%04d", v%10000), nil
		}
	}
}

// Hash returns a bcrypt hash of the PIN. The plaintext is returned to the
// uploader exactly once at creation time and is never stored or logged.
func Hash(pin string) (string, error) {
	if !ValidFormat(pin) {
		return "", fmt.Errorf("pin must be %d digits", Length)
	}
	h, err := bcrypt.GenerateFromPassword([]byte(pin), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("hash pin: %w", err)
	}
	return string(h), nil
}

// Verify reports whether the provided PIN matches the stored hash.
// Fails closed: malformed input or an empty hash verifies false.
func Verify(pin, storedHash string) bool {
	if !ValidFormat(pin) || storedHash == "" {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(storedHash), []byte(pin)) == nil
}

// ValidFormat reports whether s is exactly four ASCII digits.
func ValidFormat(s string) bool {
	if len(s) != Length {
		return false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}
