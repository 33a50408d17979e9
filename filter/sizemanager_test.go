package filter

import (
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/procstream/mcp-bridge-go/internal/jsontree"
)

func applySize(t *testing.T, cfg SizeConfig, msg jsontree.Value) Verdict {
	t.Helper()
	return newSizeFilter(cfg).Apply(ServerToClient, "s", msg)
}

func sentences(n int) string {
	var b strings.Builder
	for i := 0; i < n; i++ {
		b.WriteString("This is sentence number ")
		b.WriteString(strings.Repeat("x", 10))
		b.WriteString(". ")
	}
	return strings.TrimSpace(b.String())
}

func TestUntouchedAtThreshold(t *testing.T) {
	content := strings.Repeat("a", 200)
	cfg := SizeConfig{SummarizeThreshold: 200, MaxLength: 1000}

	v := applySize(t, cfg, jsontree.String(content))
	out := string(v.Message.(jsontree.String))
	if out != content {
		t.Errorf("content at threshold was modified")
	}
	if len(v.Actions) != 0 {
		t.Errorf("actions = %v", v.Actions)
	}
}

func TestSummarizedOneOverThreshold(t *testing.T) {
	content := sentences(10)
	cfg := SizeConfig{SummarizeThreshold: len(content) - 1, MaxLength: len(content) * 10}

	v := applySize(t, cfg, jsontree.String(content))
	out := string(v.Message.(jsontree.String))
	if !strings.HasPrefix(out, "[SUMMARIZED] ") {
		t.Errorf("missing prefix: %q", out)
	}
	if len(out) >= len(content) {
		t.Errorf("summary no shorter than input (%d >= %d)", len(out), len(content))
	}
	if v.Actions[0] != "summarized" {
		t.Errorf("actions = %v", v.Actions)
	}
}

func TestSummaryKeepsFirstMiddleLast(t *testing.T) {
	content := "Alpha starts here. Beta fills. Gamma sits midway. Delta fills. Omega closes it." +
		strings.Repeat(" Padding sentence follows here.", 5)
	cfg := SizeConfig{SummarizeThreshold: 50, MaxLength: 10_000}

	v := applySize(t, cfg, jsontree.String(content))
	out := string(v.Message.(jsontree.String))
	if !strings.Contains(out, "Alpha starts here.") {
		t.Errorf("first sentence missing: %q", out)
	}
	if !strings.Contains(out, "Padding sentence follows here.") {
		t.Errorf("last sentence missing: %q", out)
	}
}

func TestTruncatedOverMaxLength(t *testing.T) {
	content := strings.Repeat("b", 500)
	cfg := SizeConfig{SummarizeThreshold: 100, MaxLength: 200}

	v := applySize(t, cfg, jsontree.String(content))
	out := string(v.Message.(jsontree.String))
	if !strings.HasSuffix(out, "[TRUNCATED]") {
		t.Errorf("missing suffix: %q", out)
	}
	if len(out) > cfg.MaxLength {
		t.Errorf("output length %d exceeds max %d", len(out), cfg.MaxLength)
	}
}

func TestTruncationBudgetSpansTree(t *testing.T) {
	msg := jsontree.Object{
		"a": jsontree.String(strings.Repeat("x", 150)),
		"b": jsontree.String(strings.Repeat("y", 150)),
		"c": jsontree.String(strings.Repeat("z", 150)),
	}
	cfg := SizeConfig{SummarizeThreshold: 100, MaxLength: 200}

	v := applySize(t, cfg, msg)
	total := jsontree.ContentLength(v.Message)
	if total > cfg.MaxLength {
		t.Errorf("total string content %d exceeds max %d", total, cfg.MaxLength)
	}

	// The suffix appears exactly once across the whole tree.
	count := 0
	jsontree.WalkStrings(v.Message, func(s string) bool {
		count += strings.Count(s, "[TRUNCATED]")
		return true
	})
	if count != 1 {
		t.Errorf("suffix count = %d, want 1", count)
	}
}

func TestTruncationIsDeterministic(t *testing.T) {
	// The budget is spent in sorted key order, so with 90 bytes left after
	// "a" the suffix must land on "b" and "c" must be emptied, every run.
	cfg := SizeConfig{SummarizeThreshold: 100, MaxLength: 200}
	for i := 0; i < 50; i++ {
		msg := jsontree.Object{
			"a": jsontree.String(strings.Repeat("x", 110)),
			"b": jsontree.String(strings.Repeat("y", 110)),
			"c": jsontree.String(strings.Repeat("z", 110)),
		}
		obj := applySize(t, cfg, msg).Message.(jsontree.Object)
		if got := string(obj["a"].(jsontree.String)); got != strings.Repeat("x", 110) {
			t.Fatalf("a was modified: %q", got)
		}
		if got := string(obj["b"].(jsontree.String)); !strings.HasSuffix(got, "[TRUNCATED]") {
			t.Fatalf("suffix not on b: %q", got)
		}
		if got := string(obj["c"].(jsontree.String)); got != "" {
			t.Fatalf("c not emptied: %q", got)
		}
	}
}

func TestTruncationKeepsRuneBoundaries(t *testing.T) {
	// Three-byte runes; sweep MaxLength so some cut point falls mid-rune.
	content := strings.Repeat("日本語", 100)
	for max := 40; max < 52; max++ {
		cfg := SizeConfig{SummarizeThreshold: 20, MaxLength: max}
		out := string(applySize(t, cfg, jsontree.String(content)).Message.(jsontree.String))
		if !utf8.ValidString(out) {
			t.Errorf("max %d: output is not valid UTF-8: %q", max, out)
		}
		if strings.ContainsRune(out, utf8.RuneError) {
			t.Errorf("max %d: replacement rune in output: %q", max, out)
		}
		if !strings.HasSuffix(out, "[TRUNCATED]") {
			t.Errorf("max %d: missing suffix: %q", max, out)
		}
		if len(out) > max {
			t.Errorf("max %d: output length %d", max, len(out))
		}
	}
}

func TestShortStringsSurviveSummarizeMode(t *testing.T) {
	msg := jsontree.Object{
		"short": jsontree.String("keep me"),
		"long":  jsontree.String(sentences(20)),
	}
	cfg := SizeConfig{SummarizeThreshold: 100, MaxLength: 100_000}

	v := applySize(t, cfg, msg)
	obj := v.Message.(jsontree.Object)
	if string(obj["short"].(jsontree.String)) != "keep me" {
		t.Error("short string was rewritten")
	}
	if !strings.HasPrefix(string(obj["long"].(jsontree.String)), "[SUMMARIZED] ") {
		t.Error("long string not summarized")
	}
}

func TestZeroThresholdDisables(t *testing.T) {
	content := strings.Repeat("c", 100_000)
	v := applySize(t, SizeConfig{}, jsontree.String(content))
	if string(v.Message.(jsontree.String)) != content {
		t.Error("size manager ran with zero threshold")
	}
}
