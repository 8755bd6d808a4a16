package security

import (
	"html"
	"regexp"
	"strings"
	"unicode"
)

// Injection patterns stripped from free-text input. Parameterized queries
// are the real defence for SQL; this layer keeps hostile payloads out of
// stored text and logs.
var (
	sqlInjectionPatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?i)(union\s+select|insert\s+into|delete\s+from|drop\s+table|update\s+.*set)`),
		regexp.MustCompile(`(?i)(exec\s*\(|execute\s*\(|script\s*>|javascript:)`),
	}

	xssPatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?i)<script[^>]*>.*?</script>`),
		regexp.MustCompile(`(?i)<iframe[^>]*>.*?</iframe>`),
		regexp.MustCompile(`(?i)on\w+\s*=`),
		regexp.MustCompile(`(?i)javascript:`),
		regexp.MustCompile(`(?i)<embed[^>]*>`),
		regexp.MustCompile(`(?i)<object[^>]*>`),
	}

	htmlTagRegex    = regexp.MustCompile(`<[^>]*>`)
	whitespaceRegex = regexp.MustCompile(`\s+`)
)

// SanitizeString trims the input and drops null bytes and non-printable
// control characters, keeping newlines and tabs.
func SanitizeString(input string) string {
	input = strings.TrimSpace(input)

	var out strings.Builder
	out.Grow(len(input))
	for _, r := range input {
		if unicode.IsPrint(r) || r == '\n' || r == '\t' {
			out.WriteRune(r)
		}
	}
	return out.String()
}

// SanitizeInput is the general-purpose pass applied to every string
// arriving in a query parameter or JSON body: control characters, XSS
// and SQL payloads stripped, whitespace collapsed, optionally truncated.
func SanitizeInput(input string, maxLength int) string {
	input = SanitizeString(input)
	input = stripXSS(input)
	input = stripSQL(input)
	input = NormalizeWhitespace(input)
	if maxLength > 0 {
		input = TruncateString(input, maxLength)
	}
	return input
}

// StripHTMLTags removes every HTML tag from the input.
func StripHTMLTags(input string) string {
	return htmlTagRegex.ReplaceAllString(input, "")
}

// NormalizeWhitespace collapses whitespace runs into single spaces.
func NormalizeWhitespace(input string) string {
	return strings.TrimSpace(whitespaceRegex.ReplaceAllString(input, " "))
}

// TruncateString caps a string at maxLength bytes.
func TruncateString(input string, maxLength int) string {
	if len(input) <= maxLength {
		return input
	}
	return input[:maxLength]
}

// ContainsSQLInjection reports whether the input matches a known SQL
// injection pattern. Used for flagging suspicious requests.
func ContainsSQLInjection(input string) bool {
	return matchesAny(input, sqlInjectionPatterns)
}

// ContainsXSS reports whether the input matches a known XSS pattern.
func ContainsXSS(input string) bool {
	return matchesAny(input, xssPatterns)
}

func stripXSS(input string) string {
	for _, pattern := range xssPatterns {
		input = pattern.ReplaceAllString(input, "")
	}
	return html.EscapeString(input)
}

func stripSQL(input string) string {
	for _, pattern := range sqlInjectionPatterns {
		input = pattern.ReplaceAllString(input, "")
	}
	return input
}

func matchesAny(input string, patterns []*regexp.Regexp) bool {
	for _, pattern := range patterns {
		if pattern.MatchString(input) {
			return true
		}
	}
	return false
}
