package filter

import (
	"strings"
	"testing"

	"github.com/procstream/mcp-bridge-go/internal/jsontree"
)

func applySanitizer(t *testing.T, cfg SanitizerConfig, in string) string {
	t.Helper()
	f := newSanitizerFilter(cfg)
	v := f.Apply(ServerToClient, "s", jsontree.String(in))
	out, ok := v.Message.(jsontree.String)
	if !ok {
		t.Fatalf("unexpected message type %T", v.Message)
	}
	return string(out)
}

func TestStripScriptAndContent(t *testing.T) {
	out := applySanitizer(t, SanitizerConfig{}, `before<script type="text/javascript">alert("x")</script>after`)
	if out != "beforeafter" {
		t.Errorf("out = %q", out)
	}
}

func TestStripDangerousTags(t *testing.T) {
	cases := map[string]string{
		`a<style>p{color:red}</style>b`:               "ab",
		`a<iframe src="http://evil"></iframe>b`:       "ab",
		`a<object data="x"><param name="y"></object>b`: "ab",
		`a<embed src="x.swf">b`:                       "ab",
	}
	for in, want := range cases {
		if out := applySanitizer(t, SanitizerConfig{}, in); out != want {
			t.Errorf("%q -> %q, want %q", in, out, want)
		}
	}
}

func TestStripEventHandlersAndInlineStyles(t *testing.T) {
	out := applySanitizer(t, SanitizerConfig{}, `<div onclick="steal()" style="display:none">hi</div>`)
	if strings.Contains(out, "onclick") || strings.Contains(out, "style=") {
		t.Errorf("out = %q", out)
	}
	if !strings.Contains(out, "hi") {
		t.Errorf("content lost: %q", out)
	}
}

func TestRejectDangerousURLs(t *testing.T) {
	for _, in := range []string{
		`<a href="javascript:alert(1)">x</a>`,
		`<img src="data:text/html;base64,AAAA">`,
		`<a href='vbscript:evil'>x</a>`,
	} {
		out := applySanitizer(t, SanitizerConfig{}, in)
		if strings.Contains(strings.ToLower(out), "javascript:") ||
			strings.Contains(strings.ToLower(out), "data:") ||
			strings.Contains(strings.ToLower(out), "vbscript:") {
			t.Errorf("%q -> %q: dangerous URL survived", in, out)
		}
	}
}

func TestTrackingPixelStripping(t *testing.T) {
	in := `text<img src="http://track.er/p.gif" width="1" height="1">more`

	out := applySanitizer(t, SanitizerConfig{StripTrackingPixels: true}, in)
	if strings.Contains(out, "track.er") {
		t.Errorf("pixel survived: %q", out)
	}

	out = applySanitizer(t, SanitizerConfig{StripTrackingPixels: false}, in)
	if !strings.Contains(out, "track.er") {
		t.Errorf("pixel stripped while disabled: %q", out)
	}
}

func TestCollapseWhitespace(t *testing.T) {
	in := "a    b\n\n\n\nc"

	out := applySanitizer(t, SanitizerConfig{CollapseWhitespace: true}, in)
	if strings.Contains(out, "    ") || strings.Contains(out, "\n\n\n") {
		t.Errorf("out = %q", out)
	}

	out = applySanitizer(t, SanitizerConfig{}, in)
	if out != in {
		t.Errorf("whitespace collapsed while disabled: %q", out)
	}
}

func TestPlainTextUntouched(t *testing.T) {
	in := "no markup here, just prose < 5 and > 3"
	if out := applySanitizer(t, SanitizerConfig{}, in); out != in {
		t.Errorf("out = %q", out)
	}
}
