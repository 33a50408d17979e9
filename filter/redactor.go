package filter

import (
	"regexp"

	"github.com/procstream/mcp-bridge-go/internal/jsontree"
)

// Sentinel tokens substituted for detected PII. They contain no digits and
// no "@", so re-running the redactor over already-masked text matches
// nothing: redaction is idempotent.
const (
	sentinelEmail = "[EMAIL_REDACTED]"
	sentinelPhone = "[PHONE_REDACTED]"
	sentinelSSN   = "[SSN_REDACTED]"
	sentinelCard  = "[CARD_REDACTED]"
)

var (
	reEmail = regexp.MustCompile(`[A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,}`)

	// Major card networks: Visa, Mastercard, Amex, Discover, with optional
	// single space/dash group separators.
	reCreditCard = regexp.MustCompile(`\b(?:4\d{3}|5[1-5]\d{2}|3[47]\d{2}|6(?:011|5\d{2}))(?:[ -]?\d{4}){2}[ -]?\d{1,4}\b`)

	// SSN-shaped: 3-2-4 with separators, or a bare 9-digit run.
	reSSN = regexp.MustCompile(`\b\d{3}[ -]?\d{2}[ -]?\d{4}\b|\b\d{9}\b`)

	rePhone = regexp.MustCompile(`(?:\+?1[ .\-]?)?\(?\d{3}\)?[ .\-]?\d{3}[ .\-]?\d{4}\b`)
)

// redactorFilter masks emails, phone numbers, SSN-shaped values and credit
// card numbers in both directions, counting what it masked.
type redactorFilter struct {
	cfg RedactorConfig
}

func newRedactorFilter(cfg RedactorConfig) *redactorFilter {
	return &redactorFilter{cfg: cfg}
}

func (f *redactorFilter) Name() string { return FilterNameRedactor }

func (f *redactorFilter) Description() string {
	return "Masks emails, phone numbers, SSNs, and credit card numbers with sentinel tokens"
}

func (f *redactorFilter) AppliesTo(d Direction) bool { return true }

func (f *redactorFilter) Apply(d Direction, sessionID string, msg jsontree.Value) Verdict {
	counts := map[string]int{}

	// Order matters: emails first so digits in a local part are not
	// mistaken for phones, then the longest numeric shapes before the
	// shorter ones so a card number is not half-eaten as an SSN.
	out := jsontree.MapStrings(msg, func(s string) string {
		if f.cfg.MaskEmails {
			s = replaceCounting(reEmail, s, sentinelEmail, counts, "email")
		}
		if f.cfg.MaskCreditCards {
			s = replaceCounting(reCreditCard, s, sentinelCard, counts, "credit_card")
		}
		if f.cfg.MaskPhones {
			s = replaceCounting(rePhone, s, sentinelPhone, counts, "phone")
		}
		if f.cfg.MaskSSNs {
			s = replaceCounting(reSSN, s, sentinelSSN, counts, "ssn")
		}
		return s
	})

	v := pass(out)
	if len(counts) > 0 {
		v.Redactions = counts
		for kind := range counts {
			v.Actions = append(v.Actions, "redacted:"+kind)
		}
	}
	return v
}

func replaceCounting(re *regexp.Regexp, s, sentinel string, counts map[string]int, kind string) string {
	return re.ReplaceAllStringFunc(s, func(string) string {
		counts[kind]++
		return sentinel
	})
}
