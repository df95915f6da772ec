package retry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/basket/agentcore/internal/pricing"
)

type fakeNetErr struct{ timeout bool }

func (e fakeNetErr) Error() string   { return "dial failed" }
func (e fakeNetErr) Timeout() bool   { return e.timeout }
func (e fakeNetErr) Temporary() bool { return false }

type connDropped struct{}

func (connDropped) Error() string { return "peer went away" }

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"rate limit wording", errors.New("Rate limit exceeded, slow down"), true},
		{"overloaded wording", errors.New("anthropic: overloaded_error"), true},
		{"5xx wording", errors.New("upstream returned 503 Service Unavailable"), true},
		{"connection refused", errors.New("dial tcp 127.0.0.1:443: connect: connection refused"), true},
		{"status 502", &HTTPError{StatusCode: 502}, true},
		{"wrapped status 429", fmt.Errorf("generate: %w", &HTTPError{StatusCode: 429}), true},
		{"status 400", &HTTPError{StatusCode: 400, Message: "invalid request"}, false},
		{"auth failure", errors.New("invalid api key"), false},
		{"net timeout", fakeNetErr{timeout: true}, true},
		{"net non-timeout", fakeNetErr{timeout: false}, false},
		{"type name hint", connDropped{}, true},
		{"wrapped unexpected eof", fmt.Errorf("read stream: %w", io.ErrUnexpectedEOF), true},
		{"connection eof wording", errors.New("read: connection closed with EOF"), true},
		{"eof in payload text", errors.New("tool output: unexpected EOF in JSON"), false},
		{"eof in model name", errors.New("unknown model geofence-large"), false},
		{"caller cancelled", context.Canceled, false},
		{"budget exceeded", &pricing.BudgetExceededError{Scope: pricing.ScopeSession, Amount: decimal.NewFromInt(2), Limit: decimal.NewFromInt(1)}, false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := IsRetryable(tc.err); got != tc.want {
				t.Fatalf("IsRetryable(%v) = %v, want %v", tc.err, got, tc.want)
			}
		})
	}
}

func TestCalculateDelay_ExponentialBackoff(t *testing.T) {
	p := Policy{InitialDelay: time.Second, Factor: 2, MaxDelay: 10 * time.Second, MaxAttempts: 5}
	want := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second, 10 * time.Second, 10 * time.Second}
	for i, w := range want {
		if got := p.CalculateDelay(i+1, errors.New("overloaded")); got != w {
			t.Fatalf("attempt %d: got %s want %s", i+1, got, w)
		}
	}
}

func TestCalculateDelay_MonotonicAndCapped(t *testing.T) {
	p := Policy{InitialDelay: 150 * time.Millisecond, Factor: 1.7, MaxDelay: 20 * time.Second}
	prev := time.Duration(0)
	for attempt := 1; attempt <= 200; attempt++ {
		d := p.CalculateDelay(attempt, nil)
		if d < prev {
			t.Fatalf("attempt %d: delay decreased %s -> %s", attempt, prev, d)
		}
		if d > p.MaxDelay {
			t.Fatalf("attempt %d: delay %s exceeds ceiling %s", attempt, d, p.MaxDelay)
		}
		prev = d
	}
}

func TestCalculateDelay_ProviderRetryAfter(t *testing.T) {
	p := Policy{InitialDelay: time.Second, Factor: 2, MaxDelay: 10 * time.Second}

	withHeader := func(kv ...string) error {
		h := http.Header{}
		for i := 0; i+1 < len(kv); i += 2 {
			h.Set(kv[i], kv[i+1])
		}
		return &HTTPError{StatusCode: 429, Header: h}
	}

	if got := p.CalculateDelay(1, withHeader("retry-after-ms", "1500")); got != 1500*time.Millisecond {
		t.Fatalf("retry-after-ms: got %s", got)
	}
	if got := p.CalculateDelay(1, withHeader("Retry-After", "3")); got != 3*time.Second {
		t.Fatalf("retry-after seconds: got %s", got)
	}
	if got := p.CalculateDelay(1, withHeader("retry-after", "7", "retry-after-ms", "250")); got != 250*time.Millisecond {
		t.Fatalf("retry-after-ms must win over retry-after, got %s", got)
	}
	if got := p.CalculateDelay(3, withHeader("retry-after", "soon")); got != 4*time.Second {
		t.Fatalf("unparseable hint should fall back to backoff, got %s", got)
	}
}

func TestRetryAfter_HTTPDate(t *testing.T) {
	now := time.Now().UTC().Truncate(time.Second)
	h := http.Header{}
	h.Set("Retry-After", now.Add(10*time.Second).Format(http.TimeFormat))
	d, ok := retryAfter(h, now)
	if !ok || d != 10*time.Second {
		t.Fatalf("expected 10s from HTTP date, got %s ok=%v", d, ok)
	}

	h.Set("Retry-After", now.Add(-time.Minute).Format(http.TimeFormat))
	d, ok = retryAfter(h, now)
	if !ok || d != 0 {
		t.Fatalf("past date should clamp to zero, got %s ok=%v", d, ok)
	}
}

func TestPolicy_ShouldRetry(t *testing.T) {
	p := Policy{MaxAttempts: 3}
	transient := errors.New("connection reset by peer")
	if !p.ShouldRetry(1, transient) || !p.ShouldRetry(2, transient) {
		t.Fatal("expected retries while attempts remain")
	}
	if p.ShouldRetry(3, transient) {
		t.Fatal("max_attempts bounds total tries")
	}
	if p.ShouldRetry(1, errors.New("invalid api key")) {
		t.Fatal("permanent errors must not retry")
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		err  error
		want Class
	}{
		{errors.New("This model's maximum context length is 128000 tokens"), ClassContextOverflow},
		{errors.New("prompt is too long: 210000 tokens > 200000 maximum"), ClassContextOverflow},
		{&HTTPError{StatusCode: 401}, ClassAuth},
		{errors.New("invalid api key provided"), ClassAuth},
		{errors.New("429 Too Many Requests"), ClassRateLimit},
		{errors.New("context deadline exceeded"), ClassTimeout},
		{errors.New("billing hard limit reached"), ClassBilling},
		{&pricing.BudgetExceededError{Scope: pricing.ScopeCall}, ClassBilling},
		{errors.New("something odd"), ClassUnknown},
		{nil, ClassUnknown},
	}
	for _, tc := range tests {
		if got := Classify(tc.err); got != tc.want {
			t.Errorf("Classify(%v) = %s, want %s", tc.err, got, tc.want)
		}
	}
}

func TestSleep_AbortsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	start := time.Now()
	if err := Sleep(ctx, time.Minute); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if time.Since(start) > time.Second {
		t.Fatal("sleep did not abort promptly")
	}
}
