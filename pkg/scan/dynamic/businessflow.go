package dynamic

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/apivet/apivet/pkg/types"
)

const businessFlowProbeCount = 10

// businessFlowKeywords mark endpoints whose operations have real-world value
// worth automating: payments, transfers, purchases.
var businessFlowKeywords = []string{"payment", "transfer", "purchase", "order", "product-agreement"}

// testBusinessFlow replays a sensitive business operation rapidly. If most
// attempts go through without throttling or a CAPTCHA challenge, the flow
// can be scripted end to end.
func (t *Tester) testBusinessFlow(ctx context.Context, ep types.Endpoint, baseURL, token string) ([]types.Vulnerability, error) {
	if ep.Method != http.MethodPost || !isBusinessPath(ep.Path) {
		return nil, nil
	}

	targetURL := baseURL + ep.Path
	successCount := 0
	start := time.Now()

	for i := 0; i < businessFlowProbeCount; i++ {
		result, err := t.probe(ctx, http.MethodPost, targetURL, token, []byte("{}"))
		if err != nil {
			if skippable(ctx, err) {
				t.log.Warnw("Skipping business flow attempt after probe failure", "path", ep.Path, "error", err.Error())
				continue
			}
			return nil, err
		}
		if result.RateLimited {
			continue
		}

		if result.StatusCode != http.StatusTooManyRequests && result.StatusCode != http.StatusForbidden {
			successCount++
		}

		lower := strings.ToLower(string(result.Body))
		if strings.Contains(lower, "captcha") || strings.Contains(lower, "bot detected") {
			// Automation protection is in place.
			return nil, nil
		}
	}

	duration := time.Since(start)

	if float64(successCount) < float64(businessFlowProbeCount)*0.7 {
		return nil, nil
	}

	v := newFinding(
		"API6:2023",
		"Business Flow Can Be Automated",
		fmt.Sprintf("Endpoint %s allows sensitive business operations to be automated. Successfully executed %d/%d operations in %dms without protection",
			ep.Path, successCount, businessFlowProbeCount, duration.Milliseconds()),
		types.SeverityHigh,
		ep,
		"",
		fmt.Sprintf("Executed %d business operations rapidly without throttling or CAPTCHA", successCount),
		"Implement CAPTCHA for sensitive business flows. Add rate limiting specific to business operations. Implement business logic rules to prevent abuse (e.g., one operation per user per time period)",
	)
	return []types.Vulnerability{v}, nil
}

func isBusinessPath(path string) bool {
	lower := strings.ToLower(path)
	for _, keyword := range businessFlowKeywords {
		if strings.Contains(lower, keyword) {
			return true
		}
	}
	return false
}
