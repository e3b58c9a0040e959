// Package classifier maps delivery failures onto a retry-or-abandon decision.
//
// Classification order: structural message patterns, then the HTTP status
// table, then message patterns (network, conflict, permanent), then UNKNOWN.
package classifier

import (
	"errors"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/kimhsiao/lotterydesk/internal/models"
)

// Category is the failure taxonomy.
type Category string

const (
	CategoryStructural Category = "STRUCTURAL"
	CategoryPermanent  Category = "PERMANENT"
	CategoryConflict   Category = "CONFLICT"
	CategoryTransient  Category = "TRANSIENT"
	CategoryUnknown    Category = "UNKNOWN"
)

// Action is what the engine should do with the item.
type Action string

const (
	ActionRetry      Action = "RETRY"
	ActionDeadLetter Action = "DEAD_LETTER"
)

// maxScanBytes bounds how much of a message is pattern matched.
const maxScanBytes = 10000

// Classification is the classifier's verdict.
type Classification struct {
	Category         Category                `json:"category"`
	Action           Action                  `json:"action"`
	ExtendedBackoff  bool                    `json:"extended_backoff"`
	RetryAfter       *time.Time              `json:"retry_after,omitempty"`
	DeadLetterReason models.DeadLetterReason `json:"dead_letter_reason,omitempty"`
}

// StatusCoder is implemented by errors that carry an HTTP-like status.
type StatusCoder interface {
	StatusCode() int
}

// RetryAfterer is implemented by errors that carry a Retry-After hint.
type RetryAfterer interface {
	RetryAfter() string
}

var structuralPatterns = []*regexp.Regexp{
	regexp.MustCompile(`missing required fields?`),
	regexp.MustCompile(`validation failed`),
	regexp.MustCompile(`invalid payload`),
	regexp.MustCompile(`schema validation`),
	regexp.MustCompile(`required field.*(missing|cannot be null|must be provided)`),
	regexp.MustCompile(`invalid format`),
	regexp.MustCompile(`malformed`),
	regexp.MustCompile(`parse error`),
	regexp.MustCompile(`invalid json`),
	regexp.MustCompile(`\b(bin_id|opening_serial|closing_serial|depletion_reason|return_reason|game_code)\b[^.;]{0,20}\b(missing|required|cannot be null|must be provided)`),
	regexp.MustCompile(`missing\s+(bin_id|opening_serial|closing_serial|depletion_reason|return_reason|game_code)\b`),
	regexp.MustCompile(`game not found`),
}

var networkPatterns = []string{
	"econnrefused",
	"econnreset",
	"etimedout",
	"enotfound",
	"network error",
	"connection refused",
	"connection reset",
	"timeout",
	"timed out",
	"context deadline exceeded",
	"no such host",
	"broken pipe",
	"unexpected eof",
	"temporarily unavailable",
	"service unavailable",
	"try again",
	"rate limit",
	"too many requests",
	"circuit breaker",
}

// Network phrasings that call for the longer backoff.
var extendedNetworkPatterns = []string{
	"service unavailable",
	"rate limit",
	"too many requests",
	"circuit breaker",
}

var conflictPatterns = []string{
	"already exists",
	"duplicate",
	"conflict",
	"concurrent update",
	"version mismatch",
	"optimistic lock",
	"unique constraint",
	"record exists",
}

var permanentPatterns = []string{
	"not found",
	"does not exist",
	"unauthorized",
	"forbidden",
	"permission denied",
	"access denied",
	"invalid credentials",
	"token expired",
	"bad request",
}

var permanentStatuses = map[int]bool{
	400: true, 401: true, 403: true, 404: true, 405: true,
	410: true, 413: true, 415: true, 422: true, 451: true,
}

// A bare number is not a status: transport errors carry URLs and addresses.
var statusInMessage = regexp.MustCompile(`(?i)\bstatus(?:[ _-]?code)?\s*[=:]?\s*([1-5][0-9]{2})\b`)

// maxRetryAfter bounds Retry-After hints; later values are ignored.
const maxRetryAfter = 24 * time.Hour

// ClassifyError classifies a failure from an optional status, a message and
// an optional Retry-After value. A nil or zero status means no status.
func ClassifyError(status *int, message string, retryAfter string) Classification {
	return classifyAt(time.Now(), status, message, retryAfter)
}

// ClassifyErr classifies err. Only a StatusCoder in the chain supplies a
// status; anything else is judged by its message.
func ClassifyErr(err error) Classification {
	return ClassifyErrAt(time.Now(), err)
}

// ClassifyErrAt is ClassifyErr with Retry-After resolved against now.
func ClassifyErrAt(now time.Time, err error) Classification {
	if err == nil {
		return classifyAt(now, nil, "", "")
	}
	var hint string
	var ra RetryAfterer
	if errors.As(err, &ra) {
		hint = ra.RetryAfter()
	}
	return classifyAt(now, statusCodeOf(err), err.Error(), hint)
}

func statusCodeOf(err error) *int {
	var sc StatusCoder
	if errors.As(err, &sc) {
		if code := sc.StatusCode(); code > 0 {
			return &code
		}
	}
	return nil
}

// StatusOf extracts an HTTP-like status from err: a StatusCoder in the chain
// first, otherwise a labelled code such as "status=502" in the message.
func StatusOf(err error) *int {
	if err == nil {
		return nil
	}
	if code := statusCodeOf(err); code != nil {
		return code
	}
	return StatusFromMessage(err.Error())
}

// StatusFromMessage returns a status written as "status 503", "status=503" or
// "status code: 503" in msg, or nil.
func StatusFromMessage(msg string) *int {
	if len(msg) > maxScanBytes {
		msg = msg[:maxScanBytes]
	}
	m := statusInMessage.FindStringSubmatch(msg)
	if m == nil {
		return nil
	}
	code, err := strconv.Atoi(m[1])
	if err != nil {
		return nil
	}
	return &code
}

func classifyAt(now time.Time, status *int, message, retryAfter string) Classification {
	text := normalize(message)

	for _, re := range structuralPatterns {
		if re.MatchString(text) {
			return Classification{
				Category:         CategoryStructural,
				Action:           ActionDeadLetter,
				DeadLetterReason: models.DeadLetterStructural,
			}
		}
	}

	if status != nil && *status != 0 {
		return classifyStatus(now, *status, retryAfter)
	}

	switch {
	case containsAny(text, networkPatterns):
		return Classification{
			Category:        CategoryTransient,
			Action:          ActionRetry,
			ExtendedBackoff: containsAny(text, extendedNetworkPatterns),
		}
	case containsAny(text, conflictPatterns):
		return Classification{
			Category:         CategoryConflict,
			Action:           ActionRetry,
			DeadLetterReason: models.DeadLetterConflict,
		}
	case containsAny(text, permanentPatterns):
		return Classification{
			Category:         CategoryPermanent,
			Action:           ActionDeadLetter,
			DeadLetterReason: models.DeadLetterPermanent,
		}
	}

	return unknown()
}

func classifyStatus(now time.Time, status int, retryAfter string) Classification {
	switch status {
	case http.StatusTooManyRequests, http.StatusServiceUnavailable:
		c := Classification{
			Category:        CategoryTransient,
			Action:          ActionRetry,
			ExtendedBackoff: true,
		}
		if retryAfter != "" {
			c.RetryAfter = parseRetryAfter(now, retryAfter)
		}
		return c
	case http.StatusRequestTimeout, http.StatusInternalServerError,
		http.StatusBadGateway, http.StatusGatewayTimeout:
		return Classification{Category: CategoryTransient, Action: ActionRetry}
	case http.StatusConflict:
		return Classification{
			Category:         CategoryConflict,
			Action:           ActionRetry,
			DeadLetterReason: models.DeadLetterConflict,
		}
	}
	if permanentStatuses[status] {
		return Classification{
			Category:         CategoryPermanent,
			Action:           ActionDeadLetter,
			DeadLetterReason: models.DeadLetterPermanent,
		}
	}
	return unknown()
}

func unknown() Classification {
	return Classification{
		Category:        CategoryUnknown,
		Action:          ActionRetry,
		ExtendedBackoff: true,
	}
}

// parseRetryAfter accepts delay-seconds or an HTTP-date. Anything else is
// ignored.
func parseRetryAfter(now time.Time, v string) *time.Time {
	v = strings.TrimSpace(v)
	if secs, err := strconv.Atoi(v); err == nil {
		if secs < 0 || int64(secs) > int64(maxRetryAfter/time.Second) {
			return nil
		}
		t := now.Add(time.Duration(secs) * time.Second)
		return &t
	}
	if t, err := http.ParseTime(v); err == nil {
		if !t.After(now) || t.Sub(now) > maxRetryAfter {
			return nil
		}
		return &t
	}
	return nil
}

func normalize(message string) string {
	if len(message) > maxScanBytes {
		message = message[:maxScanBytes]
	}
	return strings.ToLower(message)
}

func containsAny(text string, patterns []string) bool {
	for _, p := range patterns {
		if strings.Contains(text, p) {
			return true
		}
	}
	return false
}
