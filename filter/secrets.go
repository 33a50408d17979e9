package filter

import (
	"fmt"
	"regexp"

	"github.com/procstream/mcp-bridge-go/internal/jsontree"
)

const sentinelSecret = "[SECRET_REDACTED]"

var (
	reKeyValueSecret = regexp.MustCompile(`(?i)\b(api[_\-]?key|secret|token|password|passwd|authorization)\b(\s*[:=]\s*)\S+`)
	reBearerToken    = regexp.MustCompile(`(?i)\bbearer\s+[A-Za-z0-9._\-]+`)
	reAWSAccessKey   = regexp.MustCompile(`\bAKIA[0-9A-Z]{16}\b`)
	rePrivateKeyPEM  = regexp.MustCompile(`-----BEGIN [A-Z ]*PRIVATE KEY-----`)
)

// secretsFilter masks credential-shaped values in both directions. It is a
// pattern transform with the same contract as the PII redactor but aimed at
// API keys and tokens rather than personal data.
type secretsFilter struct {
	extra []*regexp.Regexp
}

func newSecretsFilter(cfg SecretsConfig) (*secretsFilter, error) {
	f := &secretsFilter{}
	for _, p := range cfg.ExtraPatterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("invalid secret pattern %q: %w", p, err)
		}
		f.extra = append(f.extra, re)
	}
	return f, nil
}

func (f *secretsFilter) Name() string { return FilterNameSecrets }

func (f *secretsFilter) Description() string {
	return "Masks API keys, bearer tokens, and other credential-shaped values"
}

func (f *secretsFilter) AppliesTo(d Direction) bool { return true }

func (f *secretsFilter) Apply(d Direction, sessionID string, msg jsontree.Value) Verdict {
	count := 0

	out := jsontree.MapStrings(msg, func(s string) string {
		// Bearer first so "authorization: Bearer xyz" masks the token as a
		// unit instead of leaving the tail behind.
		s = reBearerToken.ReplaceAllStringFunc(s, func(string) string {
			count++
			return "Bearer " + sentinelSecret
		})
		s = reKeyValueSecret.ReplaceAllStringFunc(s, func(m string) string {
			count++
			sub := reKeyValueSecret.FindStringSubmatch(m)
			return sub[1] + sub[2] + sentinelSecret
		})
		s = reAWSAccessKey.ReplaceAllStringFunc(s, func(string) string {
			count++
			return sentinelSecret
		})
		for _, re := range f.extra {
			s = re.ReplaceAllStringFunc(s, func(string) string {
				count++
				return sentinelSecret
			})
		}
		if rePrivateKeyPEM.MatchString(s) {
			count++
			s = sentinelSecret
		}
		return s
	})

	v := pass(out)
	if count > 0 {
		v.Actions = []string{"masked:secret"}
		v.Redactions = map[string]int{"secret": count}
	}
	return v
}
