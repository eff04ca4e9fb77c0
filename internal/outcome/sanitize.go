package outcome

import (
	"regexp"
	"strings"
	"unicode"
)

// maxTaskLength caps the sanitized prompt at 300 characters (§4.8).
const maxTaskLength = 300

// leadingDialPhrase matches a leading "позвонить (по номеру)? <phone-like> и "
// clause, case-insensitively, to strip before composing the outbound
// dial-out prompt.
var leadingDialPhrase = regexp.MustCompile(`(?i)^позвонить(\s+по\s+номеру)?\s+[+\d()\s-]+\s+и\s+`)

var whitespaceRun = regexp.MustCompile(`\s+`)

// SanitizeTask strips the leading dial phrase, collapses whitespace, caps
// the result at 300 characters, and uppercases the first character.
// Idempotent: applying it twice yields the same result as applying it once.
func SanitizeTask(task string) string {
	s := strings.TrimSpace(whitespaceRun.ReplaceAllString(task, " "))
	for {
		stripped := leadingDialPhrase.ReplaceAllString(s, "")
		if stripped == s {
			break
		}
		s = stripped
	}

	runes := []rune(s)
	if len(runes) > maxTaskLength {
		runes = []rune(strings.TrimRightFunc(string(runes[:maxTaskLength]), unicode.IsSpace))
	}
	if len(runes) > 0 {
		runes[0] = unicode.ToUpper(runes[0])
	}
	return string(runes)
}
