package utils

import (
	"encoding/hex"
	"strconv"
	"strings"
	"unicode"
	"unicode/utf8"

	"golang.org/x/crypto/blake2b"
)

const (
	codePrefixLen = 4
	codeSuffixLen = 6
	// CodeLen is the length of every generated referral code
	CodeLen = codePrefixLen + codeSuffixLen

	prefixPad = 'X'
)

// GenerateCode builds a referral code from a display name and a user identity.
// Attempt 0 uses the identity's trailing characters; later attempts salt a hash of it.
func GenerateCode(name, userID string, attempt int) string {
	return CodePrefix(name) + CodeSuffix(userID, attempt)
}

// CodePrefix returns the first four ASCII alphanumerics of name, uppercased and padded
func CodePrefix(name string) string {
	prefix := upperAlnum(name)
	if len(prefix) >= codePrefixLen {
		return prefix[:codePrefixLen]
	}
	return prefix + strings.Repeat(string(prefixPad), codePrefixLen-len(prefix))
}

// CodeSuffix derives the six-character identity part of a code
func CodeSuffix(userID string, attempt int) string {
	if attempt <= 0 {
		tail := upperAlnum(userID)
		if len(tail) >= codeSuffixLen {
			return tail[len(tail)-codeSuffixLen:]
		}
	}
	sum := blake2b.Sum256([]byte(userID + "#" + strconv.Itoa(attempt)))
	return strings.ToUpper(hex.EncodeToString(sum[:]))[:codeSuffixLen]
}

// NormalizeCode trims and uppercases user-supplied code input
func NormalizeCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

// IsValidCode checks that code has the generated shape: ten uppercase alphanumerics
func IsValidCode(code string) bool {
	if len(code) != CodeLen {
		return false
	}
	for _, r := range code {
		if !isUpperAlnum(r) {
			return false
		}
	}
	return true
}

// MaskName keeps the first letter of the first and last name and hides the rest
func MaskName(name string) string {
	parts := strings.Fields(name)
	if len(parts) == 0 {
		return "Anonymous"
	}
	masked := maskWord(parts[0])
	if len(parts) > 1 {
		masked += " " + maskWord(parts[len(parts)-1])
	}
	return masked
}

func maskWord(w string) string {
	r, _ := utf8.DecodeRuneInString(w)
	return string(unicode.ToUpper(r)) + "***"
}

func upperAlnum(s string) string {
	var b strings.Builder
	for _, r := range strings.ToUpper(s) {
		if isUpperAlnum(r) {
			b.WriteRune(r)
		}
	}
	return b.String()
}

func isUpperAlnum(r rune) bool {
	return (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9')
}
