package dynamic

import (
	"context"
	"fmt"
	"net/http"
	"regexp"
	"strings"

	"github.com/apivet/apivet/pkg/types"
)

var pathParamPattern = regexp.MustCompile(`\{([^}]+)\}`)

// testBOLA swaps a range of object identifiers into the endpoint's path
// parameter. Any 200 carrying real-looking data suggests the endpoint does
// not check whether the caller owns the object.
func (t *Tester) testBOLA(ctx context.Context, ep types.Endpoint, baseURL, token string) ([]types.Vulnerability, error) {
	match := pathParamPattern.FindStringSubmatch(ep.Path)
	if match == nil {
		return nil, nil
	}
	paramName := match[1]

	for _, testID := range bolaTestIDs {
		testPath := strings.ReplaceAll(ep.Path, "{"+paramName+"}", testID)

		result, err := t.probe(ctx, http.MethodGet, baseURL+testPath, token, nil)
		if err != nil {
			if skippable(ctx, err) {
				t.log.Warnw("Skipping object ID after probe failure", "path", testPath, "error", err.Error())
				continue
			}
			return nil, err
		}
		if result.RateLimited {
			continue
		}

		if result.StatusCode != http.StatusOK {
			continue
		}
		body := string(result.Body)
		if body == "" || strings.Contains(body, "error") || strings.Contains(body, "not found") || strings.Contains(body, "404") {
			continue
		}

		v := newFinding(
			"API1:2023",
			"Potential Broken Object Level Authorization",
			fmt.Sprintf("Endpoint %s may allow access to objects without proper authorization. Successfully accessed resource with ID: %s", ep.Path, testID),
			types.SeverityHigh,
			ep,
			paramName,
			fmt.Sprintf("Accessed resource with ID: %s returned 200 OK", testID),
			"Implement proper authorization checks that verify the user has permission to access the requested object",
		)
		// One report per endpoint is enough.
		return []types.Vulnerability{v}, nil
	}

	return nil, nil
}
