package utils

import (
	"crypto/rand"
	"fmt"
	"math/big"
	"strings"
)

// CodeAlphabet is the character set of discount codes
const CodeAlphabet = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZ"

const base = len(CodeAlphabet)

func codePoint(r rune) int {
	return strings.IndexRune(CodeAlphabet, r)
}

// luhnSum runs the Luhn mod-N accumulation over s from the right.
// doubleFirst selects whether the rightmost character is doubled.
func luhnSum(s string, doubleFirst bool) (int, bool) {
	sum := 0
	double := doubleFirst
	for i := len(s) - 1; i >= 0; i-- {
		cp := codePoint(rune(s[i]))
		if cp < 0 {
			return 0, false
		}
		addend := cp
		if double {
			addend *= 2
		}
		sum += addend/base + addend%base
		double = !double
	}
	return sum, true
}

// CheckCharacter returns the Luhn mod-36 check character for payload
func CheckCharacter(payload string) (byte, error) {
	sum, ok := luhnSum(NormalizeCode(payload), true)
	if !ok {
		return 0, fmt.Errorf("invalid character in %q", payload)
	}
	return CodeAlphabet[(base-sum%base)%base], nil
}

// ValidateLuhn checks if a code passes the Luhn mod-36 check
func ValidateLuhn(code string) bool {
	sum, ok := luhnSum(code, false)
	return ok && sum%base == 0
}

// NormalizeCode trims and upper-cases a user supplied code
func NormalizeCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

// ValidateCode reports whether code is a well-formed discount code of the
// given length
func ValidateCode(code string, length int) bool {
	return len(code) == length && ValidateLuhn(code)
}

// GenerateCode mints a random discount code of the given length, the last
// character being its check character
func GenerateCode(length int) (string, error) {
	if length < 2 {
		return "", fmt.Errorf("code length %d is too short", length)
	}

	var b strings.Builder
	max := big.NewInt(int64(base))
	for i := 0; i < length-1; i++ {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", err
		}
		b.WriteByte(CodeAlphabet[n.Int64()])
	}

	check, err := CheckCharacter(b.String())
	if err != nil {
		return "", err
	}
	b.WriteByte(check)
	return b.String(), nil
}

// WithCheckCharacter appends the check character to payload
func WithCheckCharacter(payload string) (string, error) {
	payload = NormalizeCode(payload)
	check, err := CheckCharacter(payload)
	if err != nil {
		return "", err
	}
	return payload + string(check), nil
}
