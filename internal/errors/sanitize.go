package errors

import (
	"regexp"
	"strings"
	"unicode/utf8"
)

// MaxSanitizedLength caps messages surfaced through the status snapshot.
const MaxSanitizedLength = 200

var (
	goroutineRe = regexp.MustCompile(`(?s)goroutine \d+ \[.*`)
	frameRe     = regexp.MustCompile(`\s+at\s+\S+\s*\(?[^)\s]*:\d+(:\d+)?\)?`)
	pathRe      = regexp.MustCompile(`(?:[A-Za-z]:\\|/)(?:[\w.\-]+[\\/])+[\w.\-]+(?::\d+)?`)
	uuidRe      = regexp.MustCompile(`[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12}`)
	emailRe     = regexp.MustCompile(`[\w.+\-]+@[\w\-]+\.[\w.\-]+`)
	bearerRe    = regexp.MustCompile(`(?i)bearer\s+\S+`)
	secretRe    = regexp.MustCompile(`(?i)\b(token|api[_-]?key|password|secret)\s*[=:]\s*\S+`)
	spaceRe     = regexp.MustCompile(`\s+`)
)

// Sanitize reduces an error to a message safe for user-visible surfaces.
// Stack traces, file paths, identifiers and credentials are removed and the
// result is capped at MaxSanitizedLength runes.
func Sanitize(err error) string {
	if err == nil {
		return ""
	}
	var appErr *AppError
	if As(err, &appErr) && appErr.Message != "" {
		return SanitizeMessage(appErr.Message)
	}
	return SanitizeMessage(err.Error())
}

// SanitizeMessage applies the same rules as Sanitize to raw text.
func SanitizeMessage(msg string) string {
	if msg == "" {
		return ""
	}
	msg = goroutineRe.ReplaceAllString(msg, "")
	msg = frameRe.ReplaceAllString(msg, "")
	msg = bearerRe.ReplaceAllString(msg, "Bearer [redacted]")
	msg = secretRe.ReplaceAllString(msg, "$1=[redacted]")
	msg = pathRe.ReplaceAllString(msg, "[path]")
	msg = uuidRe.ReplaceAllString(msg, "[id]")
	msg = emailRe.ReplaceAllString(msg, "[email]")
	msg = strings.TrimSpace(spaceRe.ReplaceAllString(msg, " "))

	if utf8.RuneCountInString(msg) > MaxSanitizedLength {
		runes := []rune(msg)
		msg = string(runes[:MaxSanitizedLength-3]) + "..."
	}
	return msg
}
