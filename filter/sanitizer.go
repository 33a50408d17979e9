package filter

import (
	"regexp"

	"github.com/procstream/mcp-bridge-go/internal/jsontree"
)

// Every pattern here is linear-scan friendly: non-greedy bodies and
// character classes, no nested quantifiers. The sanitizer runs on every
// server-to-client message, so a backtracking blowup would stall the pump.
var (
	reScriptBlock = regexp.MustCompile(`(?is)<script\b[^>]*>.*?</script\s*>`)
	reStyleBlock  = regexp.MustCompile(`(?is)<style\b[^>]*>.*?</style\s*>`)
	reIframe      = regexp.MustCompile(`(?is)<iframe\b[^>]*>.*?</iframe\s*>|<iframe\b[^>]*/?>`)
	reObject      = regexp.MustCompile(`(?is)<object\b[^>]*>.*?</object\s*>|<object\b[^>]*/?>`)
	reEmbed       = regexp.MustCompile(`(?i)<embed\b[^>]*/?>`)

	reTrackingPixel = regexp.MustCompile(`(?i)<img\b[^>]*\b(?:width|height)\s*=\s*["']?0*1["']?[^>]*>`)

	reEventHandler = regexp.MustCompile(`(?i)\s+on[a-z]+\s*=\s*(?:"[^"]*"|'[^']*'|[^\s>]+)`)
	reInlineStyle  = regexp.MustCompile(`(?i)\s+style\s*=\s*(?:"[^"]*"|'[^']*')`)

	reDangerousURL = regexp.MustCompile(`(?i)\b(href|src)\s*=\s*(?:"\s*(?:javascript|data|vbscript):[^"]*"|'\s*(?:javascript|data|vbscript):[^']*'|\s*(?:javascript|data|vbscript):[^\s>]*)`)

	reWhitespaceRun = regexp.MustCompile(`[ \t]{2,}|\n{3,}`)
)

// sanitizerFilter strips dangerous HTML constructs out of server-to-client
// string content.
type sanitizerFilter struct {
	cfg SanitizerConfig
}

func newSanitizerFilter(cfg SanitizerConfig) *sanitizerFilter {
	return &sanitizerFilter{cfg: cfg}
}

func (f *sanitizerFilter) Name() string { return FilterNameSanitizer }

func (f *sanitizerFilter) Description() string {
	return "Strips script/style/iframe/object/embed tags, event handlers, inline styles, and dangerous URLs from inbound content"
}

func (f *sanitizerFilter) AppliesTo(d Direction) bool {
	return d == ServerToClient
}

func (f *sanitizerFilter) Apply(d Direction, sessionID string, msg jsontree.Value) Verdict {
	changed := false

	out := jsontree.MapStrings(msg, func(s string) string {
		clean := f.sanitize(s)
		if clean != s {
			changed = true
		}
		return clean
	})

	v := pass(out)
	if changed {
		v.Actions = []string{"sanitized:html"}
	}
	return v
}

func (f *sanitizerFilter) sanitize(s string) string {
	s = reScriptBlock.ReplaceAllString(s, "")
	s = reStyleBlock.ReplaceAllString(s, "")
	s = reIframe.ReplaceAllString(s, "")
	s = reObject.ReplaceAllString(s, "")
	s = reEmbed.ReplaceAllString(s, "")
	if f.cfg.StripTrackingPixels {
		s = reTrackingPixel.ReplaceAllString(s, "")
	}
	s = reEventHandler.ReplaceAllString(s, "")
	s = reInlineStyle.ReplaceAllString(s, "")
	s = reDangerousURL.ReplaceAllString(s, `$1="#"`)
	if f.cfg.CollapseWhitespace {
		s = reWhitespaceRun.ReplaceAllString(s, " ")
	}
	return s
}
