package link

import (
	"crypto/rand"
	"fmt"
)

// Ambiguous characters (0/O, 1/l/I) are excluded since codes end up in
// chat messages and get retyped by hand.
const codeAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZabcdefghijkmnopqrstuvwxyz23456789"

const codeLength = 10

func generateShortCode() (string, error) {
	buf := make([]byte, codeLength)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate short code: %w", err)
	}
	for i, b := range buf {
		buf[i] = codeAlphabet[int(b)%len(codeAlphabet)]
	}
	return string(buf), nil
}
