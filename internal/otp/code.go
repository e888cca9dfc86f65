package otp

import (
	"crypto/rand"
	"fmt"
	"math/big"
)

// CodeLength is fixed at 6 digits; codes are compared as strings so
// leading zeros are significant and must be preserved.
const CodeLength = 6

var codeMax = big.NewInt(1_000_000)

// GenerateCode returns a uniformly random, zero-padded 6-digit code.
// crypto/rand with rejection sampling (via big.Int) avoids modulo bias.
func GenerateCode() (string, error) {
	n, err := rand.Int(rand.Reader, codeMax)
	if err != nil {
		return "", fmt.Errorf("generate otp code: %w", err)
	}
	return fmt.Sprintf("%06d", n.Int64()), nil
}
