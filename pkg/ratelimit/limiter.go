package ratelimit

import (
	"context"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
)

// Config controls probe pacing and the retry backoff applied on 429s.
type Config struct {
	// BaseDelay is the minimum spacing between consecutive requests and the
	// starting backoff delay.
	BaseDelay time.Duration
	// MaxDelay caps the backoff delay.
	MaxDelay time.Duration
	// MaxRetries is the number of additional attempts after the first.
	MaxRetries int
	// BackoffMultiplier grows the delay after each rate-limited attempt.
	BackoffMultiplier float64
}

func DefaultConfig() Config {
	return Config{
		BaseDelay:         100 * time.Millisecond,
		MaxDelay:          10 * time.Second,
		MaxRetries:        5,
		BackoffMultiplier: 2.0,
	}
}

// Result is the outcome of a paced request. RateLimited reports that every
// attempt came back 429: the target is defending itself and the caller
// should skip the probe rather than fail the scan.
type Result struct {
	RateLimited bool
	StatusCode  int
	Header      http.Header
	Body        []byte
}

// Stats is a point-in-time view of limiter activity.
type Stats struct {
	TotalRequests int64   `json:"total_requests"`
	RateLimitHits int64   `json:"rate_limit_hits"`
	HitRate       float64 `json:"hit_rate"`
}

// Limiter paces outbound probes and retries 429 responses with exponential
// backoff. Safe for concurrent use; the pacing floor is shared across
// goroutines so a scan never exceeds one request per BaseDelay overall.
type Limiter struct {
	cfg    Config
	pacer  *rate.Limiter
	client *http.Client

	totalRequests atomic.Int64
	rateLimitHits atomic.Int64

	mu   sync.Mutex
	rand *rand.Rand
}

func New(cfg Config, client *http.Client) *Limiter {
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = 100 * time.Millisecond
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = 10 * time.Second
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.BackoffMultiplier < 1 {
		cfg.BackoffMultiplier = 2.0
	}
	if client == nil {
		client = http.DefaultClient
	}
	return &Limiter{
		cfg:    cfg,
		pacer:  rate.NewLimiter(rate.Every(cfg.BaseDelay), 1),
		client: client,
		rand:   rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Execute sends the request through the pacing floor, retrying on 429 up to
// MaxRetries additional times. The response body is fully read so the
// connection can be reused. A non-nil error means the request itself failed
// (network, cancellation); a 429 on the final attempt is reported through
// Result.RateLimited instead.
func (l *Limiter) Execute(ctx context.Context, req *http.Request) (*Result, error) {
	if err := l.pacer.Wait(ctx); err != nil {
		return nil, err
	}

	delay := l.cfg.BaseDelay
	var lastResult *Result

	for attempt := 0; attempt <= l.cfg.MaxRetries; attempt++ {
		attemptReq, err := cloneRequest(ctx, req)
		if err != nil {
			return nil, err
		}

		resp, err := l.client.Do(attemptReq)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			if attempt == l.cfg.MaxRetries {
				return nil, fmt.Errorf("request failed after %d attempts: %w", attempt+1, err)
			}
			if sleepErr := sleep(ctx, delay); sleepErr != nil {
				return nil, sleepErr
			}
			delay = l.nextDelay(delay)
			continue
		}
		l.totalRequests.Add(1)

		body, readErr := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		resp.Body.Close()
		if readErr != nil {
			return nil, fmt.Errorf("reading response body: %w", readErr)
		}

		result := &Result{
			StatusCode: resp.StatusCode,
			Header:     resp.Header,
			Body:       body,
		}

		if resp.StatusCode != http.StatusTooManyRequests {
			return result, nil
		}

		l.rateLimitHits.Add(1)
		lastResult = result

		if attempt == l.cfg.MaxRetries {
			break
		}

		wait := l.backoffWait(resp.Header, delay)
		if err := sleep(ctx, wait); err != nil {
			return nil, err
		}
		delay = l.nextDelay(delay)
	}

	lastResult.RateLimited = true
	return lastResult, nil
}

// backoffWait honors an integer Retry-After when the server sends one,
// adding up to 10% jitter so retries from concurrent probes do not align.
// Either way the wait is at least one second.
func (l *Limiter) backoffWait(header http.Header, current time.Duration) time.Duration {
	if v := header.Get("Retry-After"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil && secs >= 0 {
			base := time.Duration(secs) * time.Second
			if base < time.Second {
				base = time.Second
			}
			l.mu.Lock()
			jitter := time.Duration(l.rand.Int63n(int64(base)/10 + 1))
			l.mu.Unlock()
			return base + jitter
		}
	}
	if current < time.Second {
		return time.Second
	}
	return current
}

func (l *Limiter) nextDelay(current time.Duration) time.Duration {
	next := time.Duration(float64(current) * l.cfg.BackoffMultiplier)
	if next > l.cfg.MaxDelay {
		next = l.cfg.MaxDelay
	}
	return next
}

func (l *Limiter) Stats() Stats {
	total := l.totalRequests.Load()
	hits := l.rateLimitHits.Load()
	s := Stats{TotalRequests: total, RateLimitHits: hits}
	if total > 0 {
		s.HitRate = float64(hits) / float64(total)
	}
	return s
}

func cloneRequest(ctx context.Context, req *http.Request) (*http.Request, error) {
	clone := req.Clone(ctx)
	if req.Body == nil || req.Body == http.NoBody {
		return clone, nil
	}
	if req.GetBody == nil {
		return nil, fmt.Errorf("request body is not replayable")
	}
	body, err := req.GetBody()
	if err != nil {
		return nil, fmt.Errorf("replaying request body: %w", err)
	}
	clone.Body = body
	return clone, nil
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
