package dynamic

import (
	"context"
	"fmt"
	"net/url"
	"regexp"
	"strings"

	"github.com/apivet/apivet/pkg/types"
)

var sqlErrorPattern = regexp.MustCompile(`(?i)(sql syntax|mysql_fetch|postgresql|oracle error|sqlite|sql server|odbc|jdbc|database error)`)

// testInjection fuzzes every documented path and query parameter with SQL
// injection and XSS payloads. A database error signature in the response
// means the input reached a query unsanitized; a verbatim reflection means
// the output is unencoded.
func (t *Tester) testInjection(ctx context.Context, ep types.Endpoint, baseURL, token string) ([]types.Vulnerability, error) {
	var vulns []types.Vulnerability

	for _, param := range ep.Parameters {
		if param.Location != types.LocationQuery && param.Location != types.LocationPath {
			continue
		}

		found, err := t.testSQLInjection(ctx, ep, param, baseURL, token)
		if err != nil {
			return nil, err
		}
		vulns = append(vulns, found...)

		found, err = t.testXSS(ctx, ep, param, baseURL, token)
		if err != nil {
			return nil, err
		}
		vulns = append(vulns, found...)
	}

	return vulns, nil
}

func (t *Tester) testSQLInjection(ctx context.Context, ep types.Endpoint, param types.Parameter, baseURL, token string) ([]types.Vulnerability, error) {
	for _, payload := range sqlInjectionPayloads {
		result, err := t.probe(ctx, ep.Method, injectionURL(baseURL, ep.Path, param, payload), token, nil)
		if err != nil {
			if skippable(ctx, err) {
				t.log.Warnw("Skipping payload after probe failure", "path", ep.Path, "parameter", param.Name, "error", err.Error())
				continue
			}
			return nil, err
		}
		if result.RateLimited {
			continue
		}

		body := string(result.Body)
		if !sqlErrorPattern.MatchString(body) {
			continue
		}

		v := newFinding(
			"API8:2023",
			"SQL Injection Vulnerability",
			fmt.Sprintf("Parameter '%s' in %s appears to be vulnerable to SQL injection", param.Name, ep.Path),
			types.SeverityCritical,
			ep,
			param.Name,
			"SQL error detected in response: "+firstLine(body),
			"Use parameterized queries or prepared statements. Never concatenate user input into SQL queries",
		)
		// One payload hit is conclusive for this parameter.
		return []types.Vulnerability{v}, nil
	}
	return nil, nil
}

func (t *Tester) testXSS(ctx context.Context, ep types.Endpoint, param types.Parameter, baseURL, token string) ([]types.Vulnerability, error) {
	for _, payload := range xssPayloads {
		result, err := t.probe(ctx, ep.Method, injectionURL(baseURL, ep.Path, param, payload), token, nil)
		if err != nil {
			if skippable(ctx, err) {
				t.log.Warnw("Skipping payload after probe failure", "path", ep.Path, "parameter", param.Name, "error", err.Error())
				continue
			}
			return nil, err
		}
		if result.RateLimited {
			continue
		}

		if !strings.Contains(string(result.Body), payload) {
			continue
		}

		v := newFinding(
			"API8:2023",
			"Cross-Site Scripting (XSS) Vulnerability",
			fmt.Sprintf("Parameter '%s' in %s reflects user input without proper encoding", param.Name, ep.Path),
			types.SeverityHigh,
			ep,
			param.Name,
			"XSS payload reflected in response",
			"Encode all user input before outputting it. Use context-appropriate encoding (HTML, JavaScript, URL)",
		)
		return []types.Vulnerability{v}, nil
	}
	return nil, nil
}

// injectionURL substitutes the payload into every path placeholder and, for
// query parameters, appends it as the parameter value.
func injectionURL(baseURL, path string, param types.Parameter, payload string) string {
	normalized := pathParamPattern.ReplaceAllLiteralString(path, url.PathEscape(payload))
	u := baseURL + normalized
	if param.Location == types.LocationQuery {
		sep := "?"
		if strings.Contains(u, "?") {
			sep = "&"
		}
		u += sep + param.Name + "=" + url.QueryEscape(payload)
	}
	return u
}

func firstLine(body string) string {
	line := body
	if i := strings.IndexByte(body, '\n'); i >= 0 {
		line = body[:i]
	}
	if len(line) > 200 {
		line = line[:200]
	}
	return line
}
