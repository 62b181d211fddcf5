package dynamic

import (
	"context"
	"fmt"
	"net/http"

	"github.com/apivet/apivet/pkg/types"
)

const (
	rateLimitProbeCount = 20
	// More successes than this and the endpoint is considered unthrottled.
	rateLimitThreshold = 10

	maxConsecutiveUnauthorized     = 3
	maxConsecutiveValidationErrors = 5
)

// testRateLimiting fires a burst of requests at a mutating endpoint. Any
// sign of throttling, whether a 429, rate limit headers, or retry exhaustion
// inside the limiter, ends the test with no finding. The test also gives up
// when the target keeps answering 401 or 422, since those reject the request
// before any limiter would see it.
func (t *Tester) testRateLimiting(ctx context.Context, ep types.Endpoint, baseURL, token string) ([]types.Vulnerability, error) {
	targetURL := baseURL + ep.Path

	var body []byte
	if ep.Method == http.MethodPost || ep.Method == http.MethodPut {
		body = []byte("")
	}

	successCount := 0
	unauthorized := 0
	validationErrors := 0

	for i := 0; i < rateLimitProbeCount; i++ {
		result, err := t.probe(ctx, ep.Method, targetURL, token, body)
		if err != nil {
			if skippable(ctx, err) {
				t.log.Warnw("Ending rate limit test after probe failure", "path", ep.Path, "error", err.Error())
				return nil, nil
			}
			return nil, err
		}
		if result.RateLimited {
			// The limiter exhausted its retries on 429s: throttling exists.
			return nil, nil
		}

		switch result.StatusCode {
		case http.StatusUnauthorized:
			unauthorized++
			if unauthorized >= maxConsecutiveUnauthorized {
				t.log.Infow("Ending rate limit test, endpoint requires valid authentication", "path", ep.Path)
				return nil, nil
			}
			validationErrors = 0
			continue
		case http.StatusUnprocessableEntity:
			validationErrors++
			if validationErrors >= maxConsecutiveValidationErrors {
				t.log.Infow("Ending rate limit test, endpoint rejects the probe body as invalid", "path", ep.Path)
				return nil, nil
			}
			unauthorized = 0
			continue
		default:
			unauthorized = 0
			validationErrors = 0
		}

		if result.Header.Get("X-RateLimit-Limit") != "" ||
			result.Header.Get("X-RateLimit-Remaining") != "" ||
			result.Header.Get("Retry-After") != "" {
			return nil, nil
		}
		if result.StatusCode == http.StatusTooManyRequests {
			return nil, nil
		}

		if result.StatusCode >= 200 && result.StatusCode < 300 {
			successCount++
		}
	}

	if successCount <= rateLimitThreshold {
		return nil, nil
	}

	v := newFinding(
		"API4:2023",
		"Missing Rate Limiting",
		fmt.Sprintf("Endpoint %s does not implement rate limiting. Successfully processed %d requests without throttling", ep.Path, successCount),
		types.SeverityMedium,
		ep,
		"",
		fmt.Sprintf("Processed %d/%d requests without rate limiting", successCount, rateLimitProbeCount),
		"Implement rate limiting on all API endpoints (per user, IP, or API key)",
	)
	return []types.Vulnerability{v}, nil
}
