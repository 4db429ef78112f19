package memory

import (
	"context"
	"regexp"
	"strings"

	"github.com/meridianhq/conduit/internal/observability"
)

// Imperative verb prefixes that signal instructions rather than facts.
var imperativePrefixes = []string{
	"always ",
	"never ",
	"must ",
	"should ",
	"remember to ",
	"make sure ",
	"ensure ",
	"do not ",
	"don't ",
}

// System-prompt-like phrases.
var systemPhrases = []string{
	"you are ",
	"your role is",
	"ignore previous",
	"disregard",
	"override",
}

// Tool and function reference phrases.
var toolPhrases = []string{
	"call memory_search",
	"use tool",
	"execute",
	"run command",
}

// Manipulation phrases.
var manipulationPhrases = []string{
	"from now on",
	"going forward always",
	"in all future",
}

var (
	passwordRE = regexp.MustCompile(`(?i)(?:password|passwd|pwd)\s*[:=]\s*\S+`)
	apiKeyRE   = regexp.MustCompile(`(?i)api[_\-]?key\s*[:=]\s*\S+`)
	tokenRE    = regexp.MustCompile(`(?i)token\s*[:=]\s*\S+`)
	secretRE   = regexp.MustCompile(`(?i)secret\s*[:=]\s*\S+`)
	// Common credential prefixes: OpenAI sk-, GitHub ghp_, Slack xox.
	credentialRE = regexp.MustCompile(`\b(?:sk-[A-Za-z0-9]{20,}|ghp_[A-Za-z0-9]{36,}|xoxb-[A-Za-z0-9\-]{20,}|xoxp-[A-Za-z0-9\-]{20,})\b`)
	// Credit card: four groups of four digits.
	creditCardRE = regexp.MustCompile(`\b\d{4}[\s\-]\d{4}[\s\-]\d{4}[\s\-]\d{4}\b`)
	// SSN: XXX-XX-XXXX.
	ssnRE = regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`)
)

// IsInstruction reports whether text looks like a directive, command,
// or behavioral instruction rather than a factual statement.
func IsInstruction(text string) bool {
	lower := strings.ToLower(strings.TrimSpace(text))

	for _, prefix := range imperativePrefixes {
		if strings.HasPrefix(lower, prefix) {
			return true
		}
	}
	for _, phrase := range systemPhrases {
		if strings.Contains(lower, phrase) {
			return true
		}
	}
	for _, phrase := range toolPhrases {
		if strings.Contains(lower, phrase) {
			return true
		}
	}
	for _, phrase := range manipulationPhrases {
		if strings.Contains(lower, phrase) {
			return true
		}
	}
	return false
}

// DetectPII returns the PII pattern names found in text. An empty
// result means clean.
func DetectPII(text string) []string {
	var found []string
	if passwordRE.MatchString(text) {
		found = append(found, "password")
	}
	if apiKeyRE.MatchString(text) {
		found = append(found, "api_key")
	}
	if tokenRE.MatchString(text) {
		found = append(found, "token")
	}
	if secretRE.MatchString(text) {
		found = append(found, "secret")
	}
	if credentialRE.MatchString(text) {
		found = append(found, "credential")
	}
	if creditCardRE.MatchString(text) {
		found = append(found, "credit_card")
	}
	if ssnRE.MatchString(text) {
		found = append(found, "ssn")
	}
	return found
}

// SanitizeForMemory is the sole gate between conversational text and
// persistent memory. The second result is false when the text should
// be dropped. PII is warned about but not redacted.
func SanitizeForMemory(ctx context.Context, text string, logger *observability.Logger) (string, bool) {
	if IsInstruction(text) {
		if logger != nil {
			logger.Debug(ctx, "skipping instruction-like memory content", "preview", preview(text, 80))
		}
		return "", false
	}
	if pii := DetectPII(text); len(pii) > 0 && logger != nil {
		logger.Warn(ctx, "pii detected in memory content",
			"types", strings.Join(pii, ","),
			"preview", preview(text, 60))
	}
	return text, true
}

func preview(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
