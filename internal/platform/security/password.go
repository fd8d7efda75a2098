package security

import (
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	mrand "math/rand/v2"
	"strings"
	"unicode"
)

const (
	upperCharset  = "ABCDEFGHIJKLMNOPQRSTUVWXYZ"
	lowerCharset  = "abcdefghijklmnopqrstuvwxyz"
	digitCharset  = "0123456789"
	symbolCharset = "!@#$%^&*()-_=+[]{}?"

	// DefaultPasswordLength is used when callers pass a non-positive length.
	DefaultPasswordLength = 12
	// MinStrongPasswordLength is the shortest password IsPasswordStrong accepts.
	MinStrongPasswordLength = 8
)

var fullCharset = upperCharset + lowerCharset + digitCharset + symbolCharset

// ErrPasswordTooShort is returned when the requested length cannot hold every character class.
var ErrPasswordTooShort = errors.New("security: password length must be at least 4")

// GeneratePassword returns a random password of the requested length containing at least one
// upper case letter, lower case letter, digit and symbol. Characters are drawn from crypto/rand.
func GeneratePassword(length int) (string, error) {
	if length <= 0 {
		length = DefaultPasswordLength
	}
	if length < 4 {
		return "", ErrPasswordTooShort
	}

	out := make([]byte, 0, length)
	for _, charset := range []string{upperCharset, lowerCharset, digitCharset, symbolCharset} {
		ch, err := pick(charset)
		if err != nil {
			return "", err
		}
		out = append(out, ch)
	}
	for len(out) < length {
		ch, err := pick(fullCharset)
		if err != nil {
			return "", err
		}
		out = append(out, ch)
	}

	// only the ordering uses the non-crypto source
	mrand.Shuffle(len(out), func(i, j int) {
		out[i], out[j] = out[j], out[i]
	})
	return string(out), nil
}

// IsPasswordStrong reports whether the password has at least eight characters and covers
// upper case, lower case, digit and symbol classes.
func IsPasswordStrong(password string) bool {
	if len([]rune(password)) < MinStrongPasswordLength {
		return false
	}
	var upper, lower, digit, symbol bool
	for _, r := range password {
		switch {
		case unicode.IsUpper(r):
			upper = true
		case unicode.IsLower(r):
			lower = true
		case unicode.IsDigit(r):
			digit = true
		case strings.ContainsRune(symbolCharset, r) || unicode.IsPunct(r) || unicode.IsSymbol(r):
			symbol = true
		}
	}
	return upper && lower && digit && symbol
}

func pick(charset string) (byte, error) {
	idx, err := rand.Int(rand.Reader, big.NewInt(int64(len(charset))))
	if err != nil {
		return 0, fmt.Errorf("security: read random: %w", err)
	}
	return charset[idx.Int64()], nil
}
