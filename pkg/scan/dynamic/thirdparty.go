package dynamic

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"regexp"
	"strings"

	"github.com/apivet/apivet/pkg/types"
)

// thirdPartySQLPattern is looser than the injection detector's: webhook
// handlers tend to wrap upstream errors, so any database vendor string
// counts.
var thirdPartySQLPattern = regexp.MustCompile(`(?i)(sql syntax|mysql|postgresql|sqlite|database error)`)

// testThirdParty targets integration surfaces (webhooks, callbacks) with
// hostile payloads disguised as upstream partner data. Reflection or a
// database error means third-party input is trusted blindly.
func (t *Tester) testThirdParty(ctx context.Context, ep types.Endpoint, baseURL, token string) ([]types.Vulnerability, error) {
	if !isIntegrationPath(ep.Path) {
		return nil, nil
	}

	targetURL := baseURL + ep.Path

	for _, payload := range thirdPartyPayloads {
		// The payload must cross the wire verbatim for the reflection check
		// to be meaningful, so HTML escaping is off.
		var buf bytes.Buffer
		enc := json.NewEncoder(&buf)
		enc.SetEscapeHTML(false)
		if err := enc.Encode(map[string]string{
			"external_data":        payload,
			"third_party_response": payload,
		}); err != nil {
			return nil, err
		}

		result, err := t.probe(ctx, http.MethodPost, targetURL, token, buf.Bytes())
		if err != nil {
			if skippable(ctx, err) {
				t.log.Warnw("Skipping payload after probe failure", "path", ep.Path, "error", err.Error())
				continue
			}
			return nil, err
		}
		if result.RateLimited {
			continue
		}

		responseBody := string(result.Body)

		if strings.Contains(responseBody, payload) {
			v := newFinding(
				"API10:2023",
				"Third-Party Data Not Sanitized",
				fmt.Sprintf("Endpoint %s processes third-party data without proper sanitization", ep.Path),
				types.SeverityHigh,
				ep,
				"",
				"Malicious payload from simulated third-party data was reflected in response",
				"Treat all data from third-party APIs as untrusted input. Implement proper validation and sanitization. Use context-appropriate encoding (HTML, JavaScript, SQL)",
			)
			return []types.Vulnerability{v}, nil
		}

		if thirdPartySQLPattern.MatchString(responseBody) {
			v := newFinding(
				"API10:2023",
				"SQL Injection via Third-Party Data",
				fmt.Sprintf("Endpoint %s is vulnerable to SQL injection through third-party data", ep.Path),
				types.SeverityCritical,
				ep,
				"",
				"SQL error when processing simulated third-party data",
				"Use parameterized queries for all third-party data. Never concatenate third-party input into SQL queries",
			)
			return []types.Vulnerability{v}, nil
		}
	}

	return nil, nil
}

func isIntegrationPath(path string) bool {
	lower := strings.ToLower(path)
	for _, keyword := range []string{"webhook", "callback", "external", "integration"} {
		if strings.Contains(lower, keyword) {
			return true
		}
	}
	return false
}
