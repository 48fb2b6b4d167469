package model

import (
	"crypto/sha256"
	"encoding/hex"
	"regexp"
	"strings"
	"unicode"

	"golang.org/x/text/unicode/norm"
)

var multiSpaceRe = regexp.MustCompile(`\s{2,}`)

// collapsePunct collapses runs of the same punctuation mark ("!!!" ->
// "!"). Done by hand because RE2 has no backreferences.
func collapsePunct(text string) string {
	var sb strings.Builder
	sb.Grow(len(text))
	var prev rune
	for _, r := range text {
		if r == prev && strings.ContainsRune("?!.,;:", r) {
			continue
		}
		sb.WriteRune(r)
		prev = r
	}
	return sb.String()
}

// Normalize produces the canonical form of a question text:
//  1. NFKC fold (full-width digits, ligatures, compatibility forms)
//  2. Lowercase
//  3. Collapse repeated punctuation runs to a single mark
//  4. Map all whitespace (tabs, newlines from OCR) to single spaces
//  5. Trim
//
// Normalize is idempotent: Normalize(Normalize(x)) == Normalize(x).
func Normalize(text string) string {
	text = norm.NFKC.String(text)
	text = strings.ToLower(text)
	text = collapsePunct(text)

	var sb strings.Builder
	sb.Grow(len(text))
	for _, r := range text {
		if unicode.IsSpace(r) {
			sb.WriteRune(' ')
		} else {
			sb.WriteRune(r)
		}
	}
	text = multiSpaceRe.ReplaceAllString(sb.String(), " ")

	return strings.TrimSpace(text)
}

// NewNormalizedQuestion merges extracted OCR text with any typed text and
// normalizes the result. Typed text comes first so a short caption plus a
// photographed problem hash consistently.
func NewNormalizedQuestion(typed, extracted, subject string) NormalizedQuestion {
	merged := strings.TrimSpace(typed)
	if extracted != "" {
		if merged != "" {
			merged += " "
		}
		merged += extracted
	}
	return NormalizedQuestion{
		Text:    Normalize(merged),
		Subject: Normalize(subject),
	}
}

// Fingerprint hashes normalized question text plus the subject hint. The
// same question under a different subject is a different cache entry.
func Fingerprint(normalizedText, subject string) string {
	h := sha256.New()
	h.Write([]byte(normalizedText))
	h.Write([]byte{'\n'})
	h.Write([]byte(subject))
	return hex.EncodeToString(h.Sum(nil))
}
