package static

import (
	"fmt"
	"net/http"
	"regexp"
	"strings"

	"github.com/apivet/apivet/pkg/types"
)

var (
	urlParamPattern     = regexp.MustCompile(`^(?i)(url|uri|link|endpoint|resource|fetch|proxy|redirect)$`)
	externalDataPattern = regexp.MustCompile(`(?i)(external|third[-_]party|remote|partner|integration)[-_]?(data|response|payload|content)`)
)

// thirdPartyIndicators mark paths that exchange data with outside systems.
var thirdPartyIndicators = []string{
	"external", "third-party", "webhook", "callback", "proxy",
	"fetch", "remote", "integration", "partner",
}

// checkSSRF flags parameters and body fields that accept URLs.
func checkSSRF(doc *types.Document) []types.Vulnerability {
	var vulns []types.Vulnerability

	for _, ep := range doc.Endpoints {
		switch ep.Method {
		case http.MethodGet, http.MethodPost, http.MethodPut:
		default:
			continue
		}

		for _, param := range ep.Parameters {
			if !urlParamPattern.MatchString(param.Name) {
				continue
			}
			v := endpointFinding(
				"API7:2023",
				"Potential SSRF Vulnerability",
				fmt.Sprintf("Parameter '%s' in %s accepts URL which could lead to SSRF", param.Name, ep.Path),
				types.SeverityHigh,
				ep,
			)
			v.Parameter = param.Name
			v.Recommendation = "Validate and sanitize all user-supplied URLs. Use allowlists of permitted domains/IPs"
			vulns = append(vulns, v)
		}

		for _, field := range ep.BodyFields {
			if !urlParamPattern.MatchString(field) {
				continue
			}
			v := endpointFinding(
				"API7:2023",
				"Potential SSRF Vulnerability",
				fmt.Sprintf("Field '%s' in %s accepts URL which could lead to SSRF", field, ep.Path),
				types.SeverityHigh,
				ep,
			)
			v.Parameter = field
			v.Recommendation = "Validate and sanitize all user-supplied URLs. Block access to private IP addresses"
			vulns = append(vulns, v)
		}
	}

	return vulns
}

// checkMisconfiguration flags debug surfaces left in the document and a
// missing versioning scheme.
func checkMisconfiguration(doc *types.Document) []types.Vulnerability {
	var vulns []types.Vulnerability

	for _, ep := range doc.Endpoints {
		if ep.Method != http.MethodGet && ep.Method != http.MethodPost {
			continue
		}
		lower := strings.ToLower(ep.Path)
		if !strings.Contains(lower, "/debug") && !strings.Contains(lower, "/test") &&
			!strings.Contains(lower, "/dev") && !strings.Contains(lower, "/admin") &&
			!strings.Contains(lower, "/actuator") {
			continue
		}
		v := endpointFinding(
			"API8:2023",
			"Debug/Test Endpoint Exposed",
			fmt.Sprintf("Endpoint %s appears to be a debug/test endpoint", ep.Path),
			types.SeverityMedium,
			ep,
		)
		v.Recommendation = "Remove or properly secure debug endpoints in production. Use environment-based configuration"
		vulns = append(vulns, v)
	}

	if doc.Version != "" && len(doc.Endpoints) > 0 {
		hasVersionedPaths := false
		for _, ep := range doc.Endpoints {
			if strings.Contains(ep.Path, "/v1/") || strings.Contains(ep.Path, "/v2/") || strings.Contains(ep.Path, "/v3/") {
				hasVersionedPaths = true
				break
			}
		}
		if !hasVersionedPaths {
			v := finding(
				"API8:2023",
				"Missing API Versioning Strategy",
				fmt.Sprintf("API specification defines version %s but paths do not include versioning", doc.Version),
				types.SeverityLow,
			)
			v.Recommendation = "Implement proper API versioning strategy in URL paths (e.g., /api/v1/, /api/v2/)"
			vulns = append(vulns, v)
		}
	}

	return vulns
}

// checkInventory flags missing top-level documentation and deprecated
// endpoints still present in the document.
func checkInventory(doc *types.Document) []types.Vulnerability {
	var vulns []types.Vulnerability

	if strings.TrimSpace(doc.Description) == "" {
		v := finding(
			"API9:2023",
			"Missing API Description",
			"OpenAPI specification lacks description",
			types.SeverityLow,
		)
		v.Recommendation = "Provide comprehensive API description in info.description"
		vulns = append(vulns, v)
	}

	for _, ep := range doc.Endpoints {
		if ep.Method != http.MethodGet || !ep.Deprecated {
			continue
		}
		v := endpointFinding(
			"API9:2023",
			"Deprecated Endpoint Still Available",
			fmt.Sprintf("Endpoint %s is marked as deprecated but still accessible", ep.Path),
			types.SeverityMedium,
			ep,
		)
		v.Recommendation = "Remove deprecated endpoints or implement proper deprecation strategy with removal timeline"
		vulns = append(vulns, v)
	}

	return vulns
}

// checkUnsafeConsumption audits integration surfaces: third-party data
// validation, webhook signatures, proxy endpoints, and external data fields
// in request bodies.
func checkUnsafeConsumption(doc *types.Document) []types.Vulnerability {
	var vulns []types.Vulnerability

	for _, ep := range doc.Endpoints {
		switch ep.Method {
		case http.MethodGet, http.MethodPost, http.MethodPut:
		default:
			continue
		}

		lower := strings.ToLower(ep.Path)
		isThirdParty := false
		for _, indicator := range thirdPartyIndicators {
			if strings.Contains(lower, indicator) {
				isThirdParty = true
				break
			}
		}

		fullText := strings.ToLower(ep.Description) + " " + strings.ToLower(ep.Summary) + " " + lower

		if isThirdParty || externalDataPattern.MatchString(fullText) {
			mentionsValidation := strings.Contains(fullText, "validat") ||
				strings.Contains(fullText, "sanitiz") ||
				strings.Contains(fullText, "filter") ||
				strings.Contains(fullText, "verify")
			mentionsHTTPS := strings.Contains(fullText, "https") ||
				strings.Contains(fullText, "tls") ||
				strings.Contains(fullText, "ssl")

			if !mentionsValidation {
				v := endpointFinding(
					"API10:2023",
					"Missing Validation for Third-Party Data",
					fmt.Sprintf("Endpoint %s consumes third-party data without documented validation", ep.Path),
					types.SeverityHigh,
					ep,
				)
				v.Recommendation = "Treat all data from third-party APIs as untrusted input and validate thoroughly. Implement input validation and sanitization. Use allowlists for expected data formats"
				vulns = append(vulns, v)
			}
			if !mentionsHTTPS {
				v := endpointFinding(
					"API10:2023",
					"Third-Party Communication Security Not Documented",
					fmt.Sprintf("Endpoint %s integrates with third-party services without mentioning HTTPS/TLS", ep.Path),
					types.SeverityMedium,
					ep,
				)
				v.Recommendation = "Use HTTPS/TLS for all third-party API communications. Verify SSL/TLS certificates to prevent man-in-the-middle attacks"
				vulns = append(vulns, v)
			}
		}

		if strings.Contains(lower, "webhook") || strings.Contains(lower, "callback") {
			mentionsSignature := strings.Contains(fullText, "signature") ||
				strings.Contains(fullText, "hmac") ||
				strings.Contains(fullText, "verify") ||
				strings.Contains(fullText, "authentic")
			hasSignatureParam := false
			for _, param := range ep.Parameters {
				name := strings.ToLower(param.Name)
				if strings.Contains(name, "signature") || strings.Contains(name, "hmac") {
					hasSignatureParam = true
					break
				}
			}
			if !mentionsSignature && !hasSignatureParam {
				v := endpointFinding(
					"API10:2023",
					"Webhook Without Signature Verification",
					fmt.Sprintf("Webhook endpoint %s does not document signature verification mechanism", ep.Path),
					types.SeverityHigh,
					ep,
				)
				v.Recommendation = "Implement webhook signature verification using HMAC or similar mechanism. Verify the source of webhook data before processing. Use IP allowlisting for known webhook sources"
				vulns = append(vulns, v)
			}
		}

		if strings.Contains(lower, "proxy") || strings.Contains(lower, "fetch") {
			v := endpointFinding(
				"API10:2023",
				"Proxy Endpoint Risks",
				fmt.Sprintf("Endpoint %s acts as proxy which may consume untrusted third-party data", ep.Path),
				types.SeverityMedium,
				ep,
			)
			v.Recommendation = "Validate all data from proxied/fetched sources. Implement timeouts and circuit breakers. Use content security policies to prevent injection attacks"
			vulns = append(vulns, v)
		}

		for _, field := range ep.BodyFields {
			if !externalDataPattern.MatchString(field) {
				continue
			}
			v := endpointFinding(
				"API10:2023",
				"External Data Field Without Validation",
				fmt.Sprintf("Field '%s' in %s appears to contain third-party data", field, ep.Path),
				types.SeverityMedium,
				ep,
			)
			v.Parameter = field
			v.Recommendation = "Validate and sanitize all third-party data. Use allowlists for expected formats. Implement proper error handling"
			vulns = append(vulns, v)
		}
	}

	return vulns
}
