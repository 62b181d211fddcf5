package dynamic

import (
	"bytes"
	"context"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/apivet/apivet/internal/core"
	"github.com/apivet/apivet/internal/logger"
	"github.com/apivet/apivet/internal/telemetry"
	"github.com/apivet/apivet/pkg/ratelimit"
	"github.com/apivet/apivet/pkg/types"
)

// Tester runs the active detectors against a live target. All outbound
// traffic goes through the shared rate limiter, so a scan never hammers the
// target harder than the configured pacing floor regardless of concurrency.
type Tester struct {
	limiter *ratelimit.Limiter
	log     *logger.Logger
	tokens  core.TokenProvider
	tel     *telemetry.Telemetry
}

func NewTester(limiter *ratelimit.Limiter, log *logger.Logger, tokens core.TokenProvider, tel *telemetry.Telemetry) *Tester {
	return &Tester{
		limiter: limiter,
		log:     log.WithComponent("dynamic"),
		tokens:  tokens,
		tel:     tel,
	}
}

// Test probes every path in the document. Paths are tested concurrently up
// to opts.MaxConcurrentPaths; the returned count is the number of endpoints
// that were actually probed.
func (t *Tester) Test(ctx context.Context, doc *types.Document, baseURL string, opts types.ScanOptions) ([]types.Vulnerability, int, error) {
	baseURL = strings.TrimSuffix(baseURL, "/")

	token := ""
	if t.tokens != nil {
		tok, err := t.tokens.Token(ctx)
		if err != nil {
			t.log.Warnw("Proceeding unauthenticated, token acquisition failed", "error", err.Error())
		} else {
			token = tok
		}
	}

	limiterStats := t.limiter.Stats()

	paths, grouped := doc.ByPath()

	limit := opts.MaxConcurrentPaths
	if limit < 1 {
		limit = 1
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)

	var mu sync.Mutex
	var all []types.Vulnerability
	tested := 0

	for _, path := range paths {
		endpoints := grouped[path]
		g.Go(func() error {
			vulns, err := t.testPath(gctx, path, endpoints, baseURL, token)
			if err != nil {
				return err
			}
			mu.Lock()
			all = append(all, vulns...)
			tested += len(endpoints)
			mu.Unlock()
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, 0, err
	}

	if t.tel != nil {
		if hits := t.limiter.Stats().RateLimitHits - limiterStats.RateLimitHits; hits > 0 {
			t.tel.RateLimitHits.Add(ctx, hits)
		}
	}

	t.log.Infow("Dynamic testing completed", "paths", len(paths), "endpoints", tested, "findings", len(all))
	return all, tested, nil
}

func (t *Tester) testPath(ctx context.Context, path string, endpoints []types.Endpoint, baseURL, token string) ([]types.Vulnerability, error) {
	byMethod := make(map[string]*types.Endpoint, len(endpoints))
	for i := range endpoints {
		byMethod[endpoints[i].Method] = &endpoints[i]
	}

	get := byMethod[http.MethodGet]
	post := byMethod[http.MethodPost]

	var vulns []types.Vulnerability
	collect := func(found []types.Vulnerability, err error) error {
		if err != nil {
			return err
		}
		vulns = append(vulns, found...)
		return ctx.Err()
	}

	if get != nil && get.HasPathParam() {
		if err := collect(t.testBOLA(ctx, *get, baseURL, token)); err != nil {
			return nil, err
		}
	}
	if get != nil {
		if err := collect(t.testInjection(ctx, *get, baseURL, token)); err != nil {
			return nil, err
		}
	}
	if post != nil {
		if err := collect(t.testInjection(ctx, *post, baseURL, token)); err != nil {
			return nil, err
		}
	}
	if target := firstMutating(byMethod); target != nil {
		if err := collect(t.testRateLimiting(ctx, *target, baseURL, token)); err != nil {
			return nil, err
		}
	}
	if post != nil {
		if err := collect(t.testBusinessFlow(ctx, *post, baseURL, token)); err != nil {
			return nil, err
		}
		if err := collect(t.testThirdParty(ctx, *post, baseURL, token)); err != nil {
			return nil, err
		}
	}

	return vulns, nil
}

// firstMutating picks the endpoint used for the rate limiting probe, POST
// taking priority over PUT over DELETE.
func firstMutating(byMethod map[string]*types.Endpoint) *types.Endpoint {
	for _, m := range []string{http.MethodPost, http.MethodPut, http.MethodDelete} {
		if ep := byMethod[m]; ep != nil {
			return ep
		}
	}
	return nil
}

// probe sends one paced request. A JSON content type is set whenever a body
// is present.
func (t *Tester) probe(ctx context.Context, method, url, token string, body []byte) (*ratelimit.Result, error) {
	var req *http.Request
	var err error
	if body != nil {
		req, err = http.NewRequest(method, url, bytes.NewReader(body))
		if req != nil {
			req.Header.Set("Content-Type", "application/json")
		}
	} else {
		req, err = http.NewRequest(method, url, nil)
	}
	if err != nil {
		return nil, err
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	start := time.Now()
	result, err := t.limiter.Execute(ctx, req)
	if err != nil {
		return nil, err
	}
	if t.tel != nil {
		t.tel.ProbesSent.Add(ctx, 1)
	}
	t.log.LogHTTPRequest(ctx, method, url, result.StatusCode, time.Since(start))
	return result, nil
}

func newFinding(category, title, description string, severity types.Severity, ep types.Endpoint, parameter, evidence, recommendation string) types.Vulnerability {
	return types.Vulnerability{
		ID:             uuid.NewString(),
		Category:       category,
		Title:          title,
		Description:    description,
		Severity:       severity,
		Endpoint:       ep.Path,
		Method:         ep.Method,
		Parameter:      parameter,
		Evidence:       evidence,
		Recommendation: recommendation,
		DetectedAt:     time.Now().UTC(),
	}
}

// skippable reports probe errors that should skip the current payload rather
// than abort the whole path. Context cancellation always aborts.
func skippable(ctx context.Context, err error) bool {
	return err != nil && ctx.Err() == nil
}
