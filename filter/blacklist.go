package filter

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/procstream/mcp-bridge-go/internal/jsontree"
)

// blacklistFilter blocks client-to-server messages whose string content
// mentions a blocked domain or keyword, or matches a blocked pattern.
// It never rewrites a message; its only outcomes are pass and block.
type blacklistFilter struct {
	domains  []string
	keywords []string
	patterns []*regexp.Regexp
}

func newBlacklistFilter(cfg BlacklistConfig) (*blacklistFilter, error) {
	f := &blacklistFilter{}
	for _, d := range cfg.BlockedDomains {
		if d = strings.ToLower(strings.TrimSpace(d)); d != "" {
			f.domains = append(f.domains, d)
		}
	}
	for _, k := range cfg.BlockedKeywords {
		if k = strings.ToLower(strings.TrimSpace(k)); k != "" {
			f.keywords = append(f.keywords, k)
		}
	}
	for _, p := range cfg.BlockedPatterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("invalid blocked pattern %q: %w", p, err)
		}
		f.patterns = append(f.patterns, re)
	}
	return f, nil
}

func (f *blacklistFilter) Name() string { return FilterNameBlacklist }

func (f *blacklistFilter) Description() string {
	return "Blocks outbound messages mentioning blocked domains, keywords, or patterns"
}

func (f *blacklistFilter) AppliesTo(d Direction) bool {
	return d == ClientToServer
}

func (f *blacklistFilter) Apply(d Direction, sessionID string, msg jsontree.Value) Verdict {
	var verdict *Verdict

	jsontree.WalkStrings(msg, func(s string) bool {
		lower := strings.ToLower(s)
		for _, domain := range f.domains {
			if strings.Contains(lower, domain) {
				v := block(fmt.Sprintf("blocked domain %q", domain))
				verdict = &v
				return false
			}
		}
		for _, kw := range f.keywords {
			if strings.Contains(lower, kw) {
				v := block(fmt.Sprintf("blocked keyword %q", kw))
				verdict = &v
				return false
			}
		}
		for _, re := range f.patterns {
			if re.MatchString(s) {
				v := block(fmt.Sprintf("blocked pattern %q", re.String()))
				verdict = &v
				return false
			}
		}
		return true
	})

	if verdict != nil {
		return *verdict
	}
	return pass(msg)
}
