// Package retry decides whether a failed LLM call is worth repeating and how
// long to wait before doing so.
package retry

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/basket/agentcore/internal/pricing"
)

// Policy configures exponential backoff. Attempts are 1-based and
// MaxAttempts bounds the total number of tries, the first one included.
type Policy struct {
	InitialDelay time.Duration
	Factor       float64
	MaxDelay     time.Duration
	MaxAttempts  int
}

// DefaultPolicy returns the backoff used when nothing is configured.
func DefaultPolicy() Policy {
	return Policy{
		InitialDelay: 2 * time.Second,
		Factor:       2,
		MaxDelay:     30 * time.Second,
		MaxAttempts:  4,
	}
}

func (p Policy) normalized() Policy {
	d := DefaultPolicy()
	if p.InitialDelay <= 0 {
		p.InitialDelay = d.InitialDelay
	}
	if p.Factor < 1 {
		p.Factor = d.Factor
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = d.MaxDelay
	}
	if p.MaxDelay < p.InitialDelay {
		p.MaxDelay = p.InitialDelay
	}
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = d.MaxAttempts
	}
	return p
}

var retryableStatus = map[int]bool{
	http.StatusTooManyRequests:     true,
	http.StatusInternalServerError: true,
	http.StatusBadGateway:          true,
	http.StatusServiceUnavailable:  true,
	http.StatusGatewayTimeout:      true,
}

var transientPatterns = []string{
	"rate limit",
	"rate_limit",
	"too many requests",
	"overloaded",
	"resource exhausted",
	"resource_exhausted",
	"timeout",
	"timed out",
	"deadline exceeded",
	"connection reset",
	"connection refused",
	"broken pipe",
	"internal server error",
	"bad gateway",
	"service unavailable",
	"gateway timeout",
	"temporarily unavailable",
	"try again",
}

var typeHints = []string{"timeout", "connection", "conn", "temporary"}

// IsRetryable reports whether err looks transient. Budget breaches and
// cancellation of the caller's context never are.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, pricing.ErrBudgetExceeded) {
		return false
	}
	if retryableStatus[statusOf(err)] {
		return true
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return true
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}

	msg := strings.ToLower(err.Error())
	// A stream cut mid-response only counts when the text blames the connection.
	if strings.Contains(msg, "eof") && strings.Contains(msg, "connection") {
		return true
	}
	for _, p := range transientPatterns {
		if strings.Contains(msg, p) {
			return true
		}
	}
	if containsAny(msg, " 500", " 502", " 503", " 504", " 529") {
		return true
	}

	for e := err; e != nil; e = errors.Unwrap(e) {
		name := strings.ToLower(reflect.TypeOf(e).String())
		for _, h := range typeHints {
			if strings.Contains(name, h) {
				return true
			}
		}
	}
	return false
}

// ShouldRetry reports whether another try is allowed after the given
// 1-based attempt failed with err.
func (p Policy) ShouldRetry(attempt int, err error) bool {
	p = p.normalized()
	return attempt < p.MaxAttempts && IsRetryable(err)
}

// CalculateDelay returns how long to wait before the try after attempt.
// A provider retry-after hint wins (retry-after-ms, then retry-after in
// seconds, then retry-after as an HTTP date); otherwise the delay is
// InitialDelay * Factor^(attempt-1), capped at MaxDelay.
func (p Policy) CalculateDelay(attempt int, err error) time.Duration {
	p = p.normalized()
	if d, ok := retryAfter(headerOf(err), time.Now()); ok {
		return d
	}
	if attempt < 1 {
		attempt = 1
	}
	delay := float64(p.InitialDelay)
	limit := float64(p.MaxDelay)
	for i := 1; i < attempt && delay < limit; i++ {
		delay *= p.Factor
	}
	if delay > limit {
		delay = limit
	}
	return time.Duration(delay)
}

func retryAfter(h http.Header, now time.Time) (time.Duration, bool) {
	if h == nil {
		return 0, false
	}
	if v := strings.TrimSpace(h.Get("retry-after-ms")); v != "" {
		if ms, err := strconv.ParseFloat(v, 64); err == nil && ms >= 0 {
			return time.Duration(ms * float64(time.Millisecond)), true
		}
	}
	v := strings.TrimSpace(h.Get("retry-after"))
	if v == "" {
		return 0, false
	}
	if secs, err := strconv.ParseFloat(v, 64); err == nil && secs >= 0 {
		return time.Duration(secs * float64(time.Second)), true
	}
	if at, err := http.ParseTime(v); err == nil {
		d := at.Sub(now)
		if d < 0 {
			d = 0
		}
		return d, true
	}
	return 0, false
}

// Sleep waits for d or until ctx is done, whichever comes first.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
