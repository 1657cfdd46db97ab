// Package pii provides best-effort masking of personal data before it is
// written to audit trails or log output.
package pii

import (
	"regexp"
	"strings"
)

var (
	emailRe = regexp.MustCompile(`([A-Za-z0-9._%+\-]+)@([A-Za-z0-9.\-]+\.[A-Za-z]{2,})`)
	phoneRe = regexp.MustCompile(`\+?\d[\d\s\-()]{7,}\d`)
)

// MaskEmail masks the local part of an email address, keeping the first
// character and the domain so entries stay correlatable.
func MaskEmail(addr string) string {
	at := strings.LastIndex(addr, "@")
	if at <= 0 {
		return addr
	}
	local, domain := addr[:at], addr[at+1:]
	if len(local) <= 1 {
		return "*@" + domain
	}
	return local[:1] + strings.Repeat("*", len(local)-1) + "@" + domain
}

// MaskText masks email addresses and phone-like digit runs in free text.
func MaskText(text string) string {
	masked := emailRe.ReplaceAllStringFunc(text, MaskEmail)
	masked = phoneRe.ReplaceAllStringFunc(masked, func(m string) string {
		digits := 0
		for _, r := range m {
			if r >= '0' && r <= '9' {
				digits++
			}
		}
		if digits < 8 {
			return m
		}
		return "***redacted-phone***"
	})
	return masked
}

// MaskMap returns a copy of a string map with every value passed through
// MaskText. Keys are preserved.
func MaskMap(values map[string]string) map[string]string {
	if values == nil {
		return nil
	}
	masked := make(map[string]string, len(values))
	for k, v := range values {
		masked[k] = MaskText(v)
	}
	return masked
}
