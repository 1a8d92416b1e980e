// Package security scrubs sensitive data from anything that leaves the
// engine: user-facing error messages, approval queue rows, audit payload
// parameter maps, and step outputs. Audit records keep full internal detail;
// everything shown to an operator passes through here first.
package security

import (
	"path/filepath"
	"regexp"
	"strings"
)

const redactedPlaceholder = "[REDACTED]"

// Common secret shapes in adapter output, step parameters, and error text.
var sensitivePatterns = []*regexp.Regexp{
	// Bearer tokens
	regexp.MustCompile(`(?i)(bearer\s+)[a-zA-Z0-9\-_.~+/]+=*`),
	// Authorization headers
	regexp.MustCompile(`(?i)(authorization:\s*)(bearer\s+)?[a-zA-Z0-9\-_.~+/]+=*`),
	// Long base64 token values
	regexp.MustCompile(`(?i)(token["\s:=]+)[a-zA-Z0-9+/]{40,}=*`),
	// JWTs
	regexp.MustCompile(`eyJ[a-zA-Z0-9_-]+\.eyJ[a-zA-Z0-9_-]+\.[a-zA-Z0-9_-]+`),
	// Generic API keys
	regexp.MustCompile(`(?i)(api[_-]?key["\s:=]+)[a-zA-Z0-9\-_.]{20,}`),
	// AWS-style keys
	regexp.MustCompile(`(?i)(aws_secret_access_key["\s:=]+)[a-zA-Z0-9/+=]{20,}`),
	regexp.MustCompile(`AKIA[A-Z0-9]{16}`),
	// Password fields
	regexp.MustCompile(`(?i)(password["\s:=]+)\S+`),
	// Private key blocks
	regexp.MustCompile(`(?s)-----BEGIN[A-Z ]*PRIVATE KEY-----.*?-----END[A-Z ]*PRIVATE KEY-----`),
}

// Redact scrubs secret-shaped substrings from text, preserving the prefix
// label where the pattern captured one.
func Redact(text string) string {
	result := text
	for _, pattern := range sensitivePatterns {
		result = pattern.ReplaceAllStringFunc(result, func(match string) string {
			loc := pattern.FindStringSubmatchIndex(match)
			if len(loc) >= 4 && loc[2] >= 0 {
				prefix := match[loc[2]:loc[3]]
				return prefix + redactedPlaceholder
			}
			return redactedPlaceholder
		})
	}
	return result
}

// ContainsSecret reports whether text likely holds sensitive data.
func ContainsSecret(text string) bool {
	for _, pattern := range sensitivePatterns {
		if pattern.MatchString(text) {
			return true
		}
	}
	return false
}

// absPathPattern matches absolute unix and windows paths with at least two
// segments. Single-segment paths ("/tmp") rarely leak layout and often carry
// meaning.
var absPathPattern = regexp.MustCompile(`(?:[A-Za-z]:)?(?:[\\/][\w.\-]+){2,}`)

// stackFramePatterns match lines that belong to a stack trace rather than to
// the error message proper.
var stackFramePatterns = []*regexp.Regexp{
	regexp.MustCompile(`^\s*goroutine \d+`),
	regexp.MustCompile(`^\s*at\s+\S`),
	regexp.MustCompile(`^\s*\S+\.go:\d+`),
	regexp.MustCompile(`\+0x[0-9a-f]+\s*$`),
	regexp.MustCompile(`^\s*[\w./@()*]+\([^)]*\)\s*$`),
}

// ErrorMessage produces the user-facing form of an internal error string:
// stack-frame lines dropped, absolute paths reduced to their base name,
// secrets redacted, whitespace collapsed to single spaces. The audit log
// records the original.
func ErrorMessage(msg string) string {
	var kept []string
	for _, line := range strings.Split(msg, "\n") {
		if isStackFrame(line) {
			continue
		}
		kept = append(kept, line)
	}
	out := strings.Join(kept, " ")
	out = absPathPattern.ReplaceAllStringFunc(out, func(p string) string {
		return filepath.Base(strings.ReplaceAll(p, `\`, `/`))
	})
	out = Redact(out)
	return strings.Join(strings.Fields(out), " ")
}

func isStackFrame(line string) bool {
	if strings.TrimSpace(line) == "" {
		return false
	}
	for _, p := range stackFramePatterns {
		if p.MatchString(line) {
			return true
		}
	}
	return false
}

// MaskParams returns a copy of a step parameter map with credential-looking
// keys masked and string values redacted. Nested maps are masked recursively.
func MaskParams(params map[string]any) map[string]any {
	if params == nil {
		return nil
	}
	out := make(map[string]any, len(params))
	for k, v := range params {
		if isCredentialKey(k) {
			out[k] = redactedPlaceholder
			continue
		}
		switch tv := v.(type) {
		case string:
			out[k] = Redact(tv)
		case map[string]any:
			out[k] = MaskParams(tv)
		default:
			out[k] = v
		}
	}
	return out
}

// Truncate redacts then caps s at maxLen bytes, marking the cut.
func Truncate(s string, maxLen int) string {
	sanitized := Redact(s)
	if maxLen > 0 && len(sanitized) > maxLen {
		return sanitized[:maxLen] + "... (truncated)"
	}
	return sanitized
}

func isCredentialKey(key string) bool {
	lower := strings.ToLower(key)
	for _, s := range []string{"password", "secret", "token", "api_key", "apikey", "private_key", "credential", "passphrase"} {
		if strings.Contains(lower, s) {
			return true
		}
	}
	return false
}
