// Package redact masks personal and banking data in call transcripts before
// they reach logs, timelines or alert payloads.
package redact

import (
	"regexp"
	"strings"
	"sync/atomic"
)

var enabled atomic.Bool

const (
	MaskEmail = "[REDACTED_EMAIL]"
	MaskIBAN  = "[REDACTED_IBAN]"
	MaskCard  = "[REDACTED_CARD]"
	MaskPhone = "[REDACTED_PHONE]"
)

// Rules run in order. A dialled 0033 number is as long as a card number, so
// it is masked first; national numbers are shorter and come after cards.
var rules = []struct {
	re   *regexp.Regexp
	mask string
}{
	{regexp.MustCompile(`(?i)[a-z0-9._%+\-]+@[a-z0-9.\-]+\.[a-z]{2,}`), MaskEmail},
	// FR76 3000 6000 0112 3456 7890 189, grouped or not.
	{regexp.MustCompile(`\b[A-Z]{2}\d{2}(?:[ ]?[0-9A-Z]{4}){2,7}(?:[ ]?[0-9A-Z]{1,3})?\b`), MaskIBAN},
	// +33 6 12 34 56 78, 0033 1 45 67 89 10
	{regexp.MustCompile(`(?:\+|\b00)33[ .\-]?(?:\(0\)[ ]?)?[1-9](?:[ .\-]?\d{2}){4}\b`), MaskPhone},
	// 13 to 19 digits, as dictated: 4970 1012 3456 7890.
	{regexp.MustCompile(`\b(?:\d[ \-.]?){12,18}\d\b`), MaskCard},
	// 06 12 34 56 78, 01.45.67.89.10
	{regexp.MustCompile(`\b0[1-9](?:[ .\-]?\d{2}){4}\b`), MaskPhone},
	// Other international numbers.
	{regexp.MustCompile(`\+\d[\d .\-]{7,}\d\b`), MaskPhone},
}

// SetEnabled toggles redaction for the whole process.
func SetEnabled(v bool) {
	enabled.Store(v)
}

func Enabled() bool {
	return enabled.Load()
}

// Text masks emails, IBANs, card numbers and phone numbers when enabled.
func Text(in string) string {
	if !enabled.Load() || strings.TrimSpace(in) == "" {
		return in
	}
	out := in
	for _, r := range rules {
		out = r.re.ReplaceAllString(out, r.mask)
	}
	return out
}
