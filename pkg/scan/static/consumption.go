package static

import (
	"fmt"
	"net/http"
	"regexp"
	"strings"

	"github.com/apivet/apivet/pkg/types"
)

var captchaPattern = regexp.MustCompile(`(?i)(captcha|recaptcha|hcaptcha|challenge|verification)`)

// businessFlowKeywords name operations with monetary or account-level
// consequences.
var businessFlowKeywords = []string{
	"payment", "transfer", "purchase", "order", "buy", "sell", "trade",
	"create", "register", "signup", "book", "reserve", "apply",
	"withdraw", "deposit", "loan", "credit", "product-agreement",
}

// checkResourceConsumption flags list endpoints without pagination and
// mutating endpoints whose documentation never mentions throttling.
func checkResourceConsumption(doc *types.Document) []types.Vulnerability {
	var vulns []types.Vulnerability

	for _, ep := range doc.Endpoints {
		if ep.Method != http.MethodGet && ep.Method != http.MethodPost {
			continue
		}

		hasPagination := false
		for _, param := range ep.Parameters {
			name := strings.ToLower(param.Name)
			if strings.Contains(name, "limit") || strings.Contains(name, "page") || strings.Contains(name, "size") {
				hasPagination = true
				break
			}
		}

		description := strings.ToLower(ep.Description)
		mentionsRateLimit := strings.Contains(description, "rate limit") ||
			strings.Contains(description, "throttle") ||
			strings.Contains(description, "quota")

		if !hasPagination && (ep.Method == http.MethodGet || strings.Contains(ep.Path, "list") || strings.Contains(ep.Path, "search")) {
			v := endpointFinding(
				"API4:2023",
				"Missing Pagination",
				fmt.Sprintf("Endpoint %s returns lists without pagination", ep.Path),
				types.SeverityMedium,
				ep,
			)
			v.Recommendation = "Implement pagination for list endpoints to limit response sizes"
			vulns = append(vulns, v)
		}

		if !mentionsRateLimit && ep.Method == http.MethodPost {
			v := endpointFinding(
				"API4:2023",
				"No Rate Limiting Mentioned",
				fmt.Sprintf("Endpoint %s does not mention rate limiting in documentation", ep.Path),
				types.SeverityLow,
				ep,
			)
			v.Recommendation = "Implement rate limiting on all API endpoints (per user, IP, or API key)"
			vulns = append(vulns, v)
		}
	}

	return vulns
}

// checkBusinessFlows flags sensitive business operations that document no
// protection against automation, and bulk operations without limits.
func checkBusinessFlows(doc *types.Document) []types.Vulnerability {
	var vulns []types.Vulnerability

	for _, ep := range doc.Endpoints {
		lower := strings.ToLower(ep.Path)
		if businessKeyword(lower) == "" {
			continue
		}
		switch ep.Method {
		case http.MethodPost, http.MethodPut, http.MethodDelete:
		default:
			continue
		}

		fullText := strings.ToLower(ep.Description) + " " + strings.ToLower(ep.Summary)

		mentionsRateLimit := strings.Contains(fullText, "rate limit") ||
			strings.Contains(fullText, "throttle") ||
			strings.Contains(fullText, "quota") ||
			strings.Contains(fullText, "limit")

		hasCaptchaProtection := captchaPattern.MatchString(fullText)

		mentionsBusinessLogic := strings.Contains(fullText, "one per user") ||
			strings.Contains(fullText, "maximum") ||
			strings.Contains(fullText, "limit per") ||
			strings.Contains(fullText, "once per")

		hasProtectionParams := false
		for _, param := range ep.Parameters {
			if captchaPattern.MatchString(strings.ToLower(param.Name)) {
				hasProtectionParams = true
				break
			}
		}

		if !mentionsRateLimit && !hasCaptchaProtection && !mentionsBusinessLogic && !hasProtectionParams {
			v := endpointFinding(
				"API6:2023",
				"Unrestricted Access to Sensitive Business Flow",
				fmt.Sprintf("Endpoint %s performs sensitive business operation (%s) without documented protection against automation",
					ep.Path, businessKeyword(lower)),
				businessFlowSeverity(lower),
				ep,
			)
			v.Recommendation = "Implement rate limiting and quotas on sensitive business flows. Use CAPTCHA or similar mechanisms to prevent automation. Implement business logic rules to detect and prevent abuse (e.g., one transaction per user per time period, limited operations per day)"
			vulns = append(vulns, v)
		}

		isBulk := strings.Contains(lower, "batch") || strings.Contains(lower, "bulk") ||
			strings.Contains(fullText, "multiple") || strings.Contains(fullText, "mass")
		if isBulk && !mentionsRateLimit && !mentionsBusinessLogic {
			v := endpointFinding(
				"API6:2023",
				"Bulk Operation Without Safeguards",
				fmt.Sprintf("Endpoint %s allows bulk/batch operations without documented limits", ep.Path),
				types.SeverityHigh,
				ep,
			)
			v.Recommendation = "Implement strict limits on bulk operations. Monitor for unusual patterns. Implement progressive delays for repeated operations"
			vulns = append(vulns, v)
		}
	}

	return vulns
}

func businessKeyword(lowerPath string) string {
	for _, keyword := range businessFlowKeywords {
		if strings.Contains(lowerPath, keyword) {
			return keyword
		}
	}
	return ""
}

func businessFlowSeverity(lowerPath string) types.Severity {
	for _, keyword := range []string{"payment", "transfer", "withdraw", "loan"} {
		if strings.Contains(lowerPath, keyword) {
			return types.SeverityHigh
		}
	}
	return types.SeverityMedium
}
