// Package code generates short human-typable share codes.
package code

import (
	"crypto/rand"
	"fmt"
)

// Alphabet is the 32-character code alphabet. It excludes 0, 1, I and O,
// which are easy to misread when a code is relayed verbally or on paper.
const Alphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

// DefaultLength is the default code length (32^6 ≈ 1.07e9 combinations).
const DefaultLength = 6

// Generate returns a random code of the given length drawn from Alphabet.
// The generator is stateless; uniqueness against live objects is enforced
// by the store's unique constraint, with the caller retrying on collision.
func Generate(length int) (string, error) {
	if length <= 0 {
		length = DefaultLength
	}

	buf := make([]byte, length)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("read random bytes: %w", err)
	}

	out := make([]byte, length)
	for i, b := range buf {
		// len(Alphabet) == 32 divides 256, so the modulo is unbiased.
		out[i] = Alphabet[int(b)%len(Alphabet)]
	}
	return string(out), nil
}

// Valid reports whether s is a well-formed code of the given length.
func Valid(s string, length int) bool {
	if length <= 0 {
		length = DefaultLength
	}
	if len(s) != length {
		return false
	}
	for i := 0; i < len(s); i++ {
		if !inAlphabet(s[i]) {
			return false
		}
	}
	return true
}

func inAlphabet(c byte) bool {
	for i := 0; i < len(Alphabet); i++ {
		if Alphabet[i] == c {
			return true
		}
	}
	return false
}
