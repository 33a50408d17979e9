package filter

import (
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/procstream/mcp-bridge-go/internal/jsontree"
)

const (
	summarizedPrefix = "[SUMMARIZED] "
	truncatedSuffix  = "[TRUNCATED]"

	// Strings shorter than this are never summarized even when the message
	// as a whole is over the threshold.
	minSummarizableString = 100
)

var reSentenceEnd = regexp.MustCompile(`[.!?]+(?:\s+|$)`)

// sizeFilter keeps server-to-client messages within bounds. Total string
// content at or under the summarize threshold passes untouched; over the
// threshold but within the max length, long strings are reduced to an
// extractive summary; over the max length, string content is hard-truncated
// against a running budget across the whole tree.
type sizeFilter struct {
	cfg SizeConfig
}

func newSizeFilter(cfg SizeConfig) *sizeFilter {
	return &sizeFilter{cfg: cfg}
}

func (f *sizeFilter) Name() string { return FilterNameSize }

func (f *sizeFilter) Description() string {
	return "Summarizes oversized responses and hard-truncates responses above the maximum length"
}

func (f *sizeFilter) AppliesTo(d Direction) bool {
	return d == ServerToClient
}

func (f *sizeFilter) Apply(d Direction, sessionID string, msg jsontree.Value) Verdict {
	if f.cfg.SummarizeThreshold <= 0 {
		return pass(msg)
	}

	total := jsontree.ContentLength(msg)
	if total <= f.cfg.SummarizeThreshold {
		return pass(msg)
	}

	if f.cfg.MaxLength <= 0 || total <= f.cfg.MaxLength {
		out := jsontree.MapStrings(msg, summarize)
		v := pass(out)
		v.Actions = []string{"summarized"}
		return v
	}

	// The budget spans the whole tree so the output's total string content
	// stays at or under MaxLength regardless of how it is distributed. The
	// suffix is paid for out of the same budget.
	budget := f.cfg.MaxLength
	exhausted := false
	out := jsontree.MapStrings(msg, func(s string) string {
		if exhausted {
			return ""
		}
		if len(s) <= budget-len(truncatedSuffix) {
			budget -= len(s)
			return s
		}
		keep := budget - len(truncatedSuffix)
		if keep < 0 {
			keep = 0
		}
		if keep > len(s) {
			keep = len(s)
		}
		// Never cut inside a multi-byte rune; the re-encode would turn
		// the torn tail into U+FFFD.
		for keep > 0 && keep < len(s) && !utf8.RuneStart(s[keep]) {
			keep--
		}
		budget = 0
		exhausted = true
		return s[:keep] + truncatedSuffix
	})
	v := pass(out)
	v.Actions = []string{"truncated"}
	return v
}

// summarize reduces a long string to its first, middle and last sentences.
// Short strings and strings without sentence structure pass through.
func summarize(s string) string {
	if len(s) < minSummarizableString {
		return s
	}
	if strings.HasPrefix(s, summarizedPrefix) {
		return s
	}

	sentences := splitSentences(s)
	if len(sentences) <= 3 {
		return summarizedPrefix + strings.TrimSpace(s)
	}

	first := sentences[0]
	middle := sentences[len(sentences)/2]
	last := sentences[len(sentences)-1]
	return summarizedPrefix + strings.TrimSpace(first) + " ... " + strings.TrimSpace(middle) + " ... " + strings.TrimSpace(last)
}

func splitSentences(s string) []string {
	var out []string
	start := 0
	for _, loc := range reSentenceEnd.FindAllStringIndex(s, -1) {
		out = append(out, s[start:loc[1]])
		start = loc[1]
	}
	if start < len(s) {
		out = append(out, s[start:])
	}
	return out
}
