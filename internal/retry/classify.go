package retry

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Class is the retry classification of an error.
type Class int

const (
	// Fatal errors are returned immediately.
	Fatal Class = iota
	// Transient errors are retried with backoff.
	Transient
	// QuotaExhausted errors are returned immediately as *QuotaExhaustedError.
	QuotaExhausted
)

func (c Class) String() string {
	switch c {
	case Transient:
		return "transient"
	case QuotaExhausted:
		return "quota_exhausted"
	default:
		return "fatal"
	}
}

var transientStatus = map[int]bool{
	408: true, 409: true, 429: true,
	500: true, 502: true, 503: true, 504: true,
}

var (
	typeKeywords    = []string{"ratelimit", "resourceexhausted", "quota"}
	messageKeywords = []string{"rate limit", "quota", "exceeded", "temporarily unavailable"}

	statusPattern = regexp.MustCompile(`status code:?\s*(\d{3})`)
)

// Classify decides how a failed provider call should be handled.
//
// Zero-quota reports are checked first so that a "quota exceeded, limit: 0"
// message fails fast instead of matching the transient keywords.
func Classify(err error) Class {
	if err == nil {
		return Fatal
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return Fatal
	}
	if errors.Is(err, ErrQuotaExhausted) {
		return QuotaExhausted
	}

	msg := strings.ToLower(err.Error())
	if isZeroQuota(msg) {
		return QuotaExhausted
	}

	if code, ok := statusCode(err, msg); ok && transientStatus[code] {
		return Transient
	}

	if s, ok := status.FromError(err); ok {
		switch s.Code() {
		case codes.ResourceExhausted, codes.Unavailable:
			return Transient
		}
	}

	for e := err; e != nil; e = errors.Unwrap(e) {
		name := strings.ToLower(fmt.Sprintf("%T", e))
		for _, kw := range typeKeywords {
			if strings.Contains(name, kw) {
				return Transient
			}
		}
	}

	for _, kw := range messageKeywords {
		if strings.Contains(msg, kw) {
			return Transient
		}
	}
	return Fatal
}

func isZeroQuota(msg string) bool {
	if strings.Contains(msg, "insufficient_quota") || strings.Contains(msg, "insufficient quota") {
		return true
	}
	return strings.Contains(msg, "limit: 0") ||
		(strings.Contains(msg, "quota exceeded") && strings.Contains(msg, "limit"))
}

// statusCode extracts an HTTP status from the error chain or its message.
func statusCode(err error, msg string) (int, bool) {
	var coded interface{ StatusCode() int }
	if errors.As(err, &coded) {
		return coded.StatusCode(), true
	}
	if m := statusPattern.FindStringSubmatch(msg); m != nil {
		code, convErr := strconv.Atoi(m[1])
		if convErr == nil {
			return code, true
		}
	}
	return 0, false
}
