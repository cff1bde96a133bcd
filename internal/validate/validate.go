package validate

import (
	"regexp"
	"strings"
)

var (
	emailPattern = regexp.MustCompile(`^[^\s@]+@[^\s@]+\.[^\s@]+$`)
	pinPattern   = regexp.MustCompile(`^[0-9]{4}$`)
)

const specialChars = `!@#$%^&*(),.?":{}|<>`

// Email applies a deliberately permissive check; full RFC 5322 parsing is
// not attempted.
func Email(s string) bool {
	return emailPattern.MatchString(s)
}

// Password checks the policy rules in strict order and returns the first
// violated rule's message. Messages are user-facing (French).
func Password(s string) (bool, string) {
	if len(s) < 8 {
		return false, "Le mot de passe doit contenir au moins 8 caractères"
	}
	if !strings.ContainsFunc(s, isUpper) {
		return false, "Le mot de passe doit contenir au moins une majuscule"
	}
	if !strings.ContainsFunc(s, isLower) {
		return false, "Le mot de passe doit contenir au moins une minuscule"
	}
	if !strings.ContainsFunc(s, isDigit) {
		return false, "Le mot de passe doit contenir au moins un chiffre"
	}
	if !strings.ContainsAny(s, specialChars) {
		return false, "Le mot de passe doit contenir au moins un caractère spécial"
	}
	return true, ""
}

// PIN accepts exactly four digits.
func PIN(s string) bool {
	return pinPattern.MatchString(s)
}

func isUpper(r rune) bool { return r >= 'A' && r <= 'Z' }
func isLower(r rune) bool { return r >= 'a' && r <= 'z' }
func isDigit(r rune) bool { return r >= '0' && r <= '9' }
