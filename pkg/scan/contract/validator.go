package contract

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/apivet/apivet/internal/core"
	"github.com/apivet/apivet/internal/logger"
	"github.com/apivet/apivet/pkg/ratelimit"
	"github.com/apivet/apivet/pkg/types"
)

// Validator replays documented GET operations against the live API and
// reports where the observed behavior diverges from the contract. Paths with
// parameters are skipped since they need concrete object values.
type Validator struct {
	limiter *ratelimit.Limiter
	log     *logger.Logger
	tokens  core.TokenProvider
}

func NewValidator(limiter *ratelimit.Limiter, log *logger.Logger, tokens core.TokenProvider) *Validator {
	return &Validator{
		limiter: limiter,
		log:     log.WithComponent("contract"),
		tokens:  tokens,
	}
}

func (v *Validator) Validate(ctx context.Context, doc *types.Document, baseURL string) ([]types.ContractMismatch, error) {
	baseURL = strings.TrimSuffix(baseURL, "/")

	token := ""
	if v.tokens != nil {
		tok, err := v.tokens.Token(ctx)
		if err != nil {
			v.log.Warnw("Validating unauthenticated, token acquisition failed", "error", err.Error())
		} else {
			token = tok
		}
	}

	var mismatches []types.ContractMismatch
	for _, ep := range doc.Endpoints {
		if ep.Method != http.MethodGet || ep.HasPathParam() {
			continue
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		found, err := v.validateEndpoint(ctx, ep, baseURL, token)
		if err != nil {
			if ctx.Err() != nil {
				return nil, err
			}
			v.log.Warnw("Skipping endpoint after probe failure", "path", ep.Path, "error", err.Error())
			continue
		}
		mismatches = append(mismatches, found...)
	}

	v.log.Infow("Contract validation completed", "mismatches", len(mismatches))
	return mismatches, nil
}

func (v *Validator) validateEndpoint(ctx context.Context, ep types.Endpoint, baseURL, token string) ([]types.ContractMismatch, error) {
	req, err := http.NewRequest(http.MethodGet, baseURL+ep.Path, nil)
	if err != nil {
		return nil, err
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	start := time.Now()
	result, err := v.limiter.Execute(ctx, req)
	if err != nil {
		return nil, err
	}
	v.log.LogHTTPRequest(ctx, http.MethodGet, req.URL.String(), result.StatusCode, time.Since(start))
	if result.RateLimited {
		return nil, nil
	}

	var mismatches []types.ContractMismatch

	expected, ok := expectedResponse(ep, result.StatusCode)
	if !ok {
		mismatches = append(mismatches, types.ContractMismatch{
			Endpoint: ep.Path,
			Method:   ep.Method,
			Kind:     types.MismatchStatusCode,
			Expected: "200, 201, 400, 401, 403, 404, 500",
			Actual:   strconv.Itoa(result.StatusCode),
			Message:  fmt.Sprintf("Unexpected status code: %d", result.StatusCode),
			Severity: types.SeverityMedium,
		})
		return mismatches, nil
	}

	if expected.Type != "" && len(result.Body) > 0 {
		if m := checkBodyType(ep, expected.Type, result.Body); m != nil {
			mismatches = append(mismatches, *m)
		}
	}

	return mismatches, nil
}

// expectedResponse resolves the documented response for a status code,
// falling back to "default" and, for any 2xx, to the "200" entry.
func expectedResponse(ep types.Endpoint, statusCode int) (types.ResponseSpec, bool) {
	if spec, ok := ep.Responses[strconv.Itoa(statusCode)]; ok {
		return spec, true
	}
	if spec, ok := ep.Responses["default"]; ok {
		return spec, true
	}
	if statusCode >= 200 && statusCode < 300 {
		if spec, ok := ep.Responses["200"]; ok {
			return spec, true
		}
	}
	return types.ResponseSpec{}, false
}

func checkBodyType(ep types.Endpoint, expectedType string, body []byte) *types.ContractMismatch {
	if expectedType != "object" && expectedType != "array" {
		return nil
	}

	var parsed any
	if err := json.Unmarshal(body, &parsed); err != nil {
		// A documented JSON body that does not parse is itself a divergence.
		return &types.ContractMismatch{
			Endpoint: ep.Path,
			Method:   ep.Method,
			Kind:     types.MismatchSchema,
			Expected: expectedType,
			Actual:   "invalid json",
			Message:  "Response body is not valid JSON",
			Severity: types.SeverityMedium,
		}
	}

	actual := jsonTypeName(parsed)
	if actual == expectedType {
		return nil
	}
	return &types.ContractMismatch{
		Endpoint: ep.Path,
		Method:   ep.Method,
		Kind:     types.MismatchSchema,
		Expected: expectedType,
		Actual:   actual,
		Message:  "Response type mismatch",
		Severity: types.SeverityMedium,
	}
}

func jsonTypeName(value any) string {
	switch value.(type) {
	case map[string]any:
		return "object"
	case []any:
		return "array"
	case string:
		return "string"
	case float64:
		return "number"
	case bool:
		return "boolean"
	default:
		return "null"
	}
}
