// Package filter implements the bridge's content-filtering pipeline: an
// ordered list of named, independently toggleable transforms applied to a
// message for a given direction and session. A transform may rewrite the
// message or drop it entirely; a drop short-circuits the chain and the
// pipeline reports the message as blocked.
//
// All configuration lives in an immutable snapshot swapped atomically at
// runtime. A message mid-pipeline keeps the snapshot it started with, so it
// never observes a half-applied reconfiguration.
package filter

import (
	"time"

	"github.com/procstream/mcp-bridge-go/internal/jsontree"
)

// Direction identifies which way a message is crossing the bridge.
type Direction string

const (
	// ClientToServer marks messages flowing from a session toward the
	// child process.
	ClientToServer Direction = "client_to_server"
	// ServerToClient marks messages flowing from the child process toward
	// sessions.
	ServerToClient Direction = "server_to_client"
)

// Filter is one named transform in the pipeline. Implementations must be
// safe for concurrent use; a Filter instance is shared by every message
// under one config snapshot.
type Filter interface {
	// Name is the stable identifier used for toggling and metrics.
	Name() string
	// Description is a human-readable summary for the control surface.
	Description() string
	// AppliesTo reports whether the filter runs for the given direction.
	AppliesTo(d Direction) bool
	// Apply inspects or rewrites the message. It must not mutate the input
	// tree in place.
	Apply(d Direction, sessionID string, msg jsontree.Value) Verdict
}

// Verdict is a single filter's outcome for one message.
type Verdict struct {
	// Message is the (possibly rewritten) message. Ignored when Blocked.
	Message jsontree.Value
	// Blocked drops the message and short-circuits the rest of the chain.
	Blocked bool
	// Reason explains a block.
	Reason string
	// Actions lists transformations taken, e.g. "redacted:email".
	Actions []string
	// Redactions counts masked values by kind.
	Redactions map[string]int
}

func pass(msg jsontree.Value) Verdict {
	return Verdict{Message: msg}
}

func block(reason string) Verdict {
	return Verdict{Blocked: true, Reason: reason}
}

// Config is the runtime-tunable policy for every built-in filter. A Config
// value is treated as immutable once handed to the pipeline; replacing
// policy means swapping in a whole new Config.
type Config struct {
	// Disabled lists filter names toggled off.
	Disabled []string `json:"disabled,omitempty"`

	Blacklist BlacklistConfig `json:"blacklist"`
	Sanitizer SanitizerConfig `json:"sanitizer"`
	Redactor  RedactorConfig  `json:"redactor"`
	Size      SizeConfig      `json:"size"`
	Secrets   SecretsConfig   `json:"secrets"`
}

// BlacklistConfig configures the client-to-server blacklist filter.
type BlacklistConfig struct {
	BlockedDomains  []string `json:"blocked_domains,omitempty"`
	BlockedKeywords []string `json:"blocked_keywords,omitempty"`
	BlockedPatterns []string `json:"blocked_patterns,omitempty"`
}

// SanitizerConfig configures the HTML sanitizer.
type SanitizerConfig struct {
	StripTrackingPixels bool `json:"strip_tracking_pixels"`
	CollapseWhitespace  bool `json:"collapse_whitespace"`
}

// RedactorConfig configures the PII redactor.
type RedactorConfig struct {
	MaskEmails      bool `json:"mask_emails"`
	MaskPhones      bool `json:"mask_phones"`
	MaskSSNs        bool `json:"mask_ssns"`
	MaskCreditCards bool `json:"mask_credit_cards"`
}

// SizeConfig configures the response size manager. Thresholds are measured
// in bytes of string content summed across the whole message tree.
type SizeConfig struct {
	SummarizeThreshold int `json:"summarize_threshold"`
	MaxLength          int `json:"max_length"`
}

// SecretsConfig configures the secret-masking filter.
type SecretsConfig struct {
	ExtraPatterns []string `json:"extra_patterns,omitempty"`
}

// DefaultConfig returns the policy used when no filter config file is
// provided. The metadata stamper starts disabled: it rewrites message
// payloads, which not every client tolerates.
func DefaultConfig() Config {
	return Config{
		Disabled: []string{FilterNameMetadata},
		Sanitizer: SanitizerConfig{
			StripTrackingPixels: true,
		},
		Redactor: RedactorConfig{
			MaskEmails:      true,
			MaskPhones:      true,
			MaskSSNs:        true,
			MaskCreditCards: true,
		},
		Size: SizeConfig{
			SummarizeThreshold: 10_000,
			MaxLength:          50_000,
		},
	}
}

// Cache tuning defaults.
const (
	DefaultCacheTTL  = 300 * time.Second
	DefaultCacheSize = 1000
)

// Built-in filter names.
const (
	FilterNameBlacklist = "blacklist"
	FilterNameSanitizer = "html_sanitizer"
	FilterNameRedactor  = "pii_redactor"
	FilterNameSecrets   = "secret_masker"
	FilterNameSize      = "size_manager"
	FilterNameMetadata  = "metadata_stamper"
)

// Info describes one filter for the control surface.
type Info struct {
	Name        string `json:"name"`
	Enabled     bool   `json:"enabled"`
	Description string `json:"description"`
}
