package static

import (
	"fmt"
	"net/http"
	"regexp"
	"strings"

	"github.com/apivet/apivet/pkg/types"
)

var (
	sequentialIDPattern   = regexp.MustCompile(`^\d+$`)
	sensitiveParamPattern = regexp.MustCompile(`^(?i)(password|secret|token|key|auth|credential|api[_-]?key)$`)
	sensitiveFieldPattern = regexp.MustCompile(`^(?i)(password|secret|token|key|credit[_-]?card|ssn|social[_-]?security|pin|cv[vc]|security[_-]?code)$`)
)

// checkObjectLevelAuth flags endpoints that address objects by identifier
// without any declared authorization, plus path parameters whose documented
// examples are plain sequential integers.
func checkObjectLevelAuth(doc *types.Document) []types.Vulnerability {
	var vulns []types.Vulnerability

	for _, ep := range doc.Endpoints {
		if !ep.HasPathParam() {
			continue
		}

		if !endpointSecured(doc, ep) {
			v := endpointFinding(
				"API1:2023",
				"Broken Object Level Authorization",
				fmt.Sprintf("Endpoint %s handles object identifiers but lacks authorization checks", ep.Path),
				types.SeverityHigh,
				ep,
			)
			v.Recommendation = "Implement proper authorization checks that verify the user has permission to access the requested object"
			vulns = append(vulns, v)
		}

		for _, param := range ep.Parameters {
			if param.Location != types.LocationPath || param.Example == "" {
				continue
			}
			if sequentialIDPattern.MatchString(param.Example) {
				v := endpointFinding(
					"API1:2023",
					"Predictable Object IDs",
					fmt.Sprintf("Endpoint %s uses sequential IDs which are predictable", ep.Path),
					types.SeverityMedium,
					ep,
				)
				v.Parameter = param.Name
				v.Recommendation = "Use random, non-sequential IDs (UUIDs) instead of sequential integers"
				vulns = append(vulns, v)
			}
		}
	}

	return vulns
}

// checkAuthentication covers the three authentication smells: credentials
// carried in the query string, missing or weak security schemes, and
// endpoints that require no authentication at all.
func checkAuthentication(doc *types.Document) []types.Vulnerability {
	var vulns []types.Vulnerability

	for _, ep := range doc.Endpoints {
		for _, param := range ep.Parameters {
			if param.Location != types.LocationQuery {
				continue
			}
			if sensitiveParamPattern.MatchString(param.Name) {
				v := endpointFinding(
					"API2:2023",
					"Credentials in Query Parameters",
					fmt.Sprintf("Parameter '%s' in %s contains sensitive authentication data in query string", param.Name, ep.Path),
					types.SeverityHigh,
					ep,
				)
				v.Parameter = param.Name
				v.Recommendation = "Never expose credentials in URLs. Use Authorization header instead"
				vulns = append(vulns, v)
			}
		}
	}

	if len(doc.SecuritySchemes) == 0 {
		v := finding(
			"API2:2023",
			"Missing Security Schemes",
			"OpenAPI specification does not define security schemes",
			types.SeverityMedium,
		)
		v.Recommendation = "Define security schemes in components.securitySchemes"
		vulns = append(vulns, v)
	} else {
		for _, scheme := range doc.SecuritySchemes {
			if scheme.Type == "http" && !strings.EqualFold(scheme.Scheme, "bearer") {
				v := finding(
					"API2:2023",
					"Weak Security Scheme",
					"Security scheme uses non-Bearer authentication",
					types.SeverityMedium,
				)
				v.Recommendation = "Use Bearer token authentication (JWT)"
				vulns = append(vulns, v)
			}
		}
	}

	for _, ep := range doc.Endpoints {
		if strings.Contains(ep.Path, "/health") || strings.Contains(ep.Path, "/.well-known") || ep.Path == "/" {
			continue
		}
		if endpointSecured(doc, ep) {
			continue
		}
		v := endpointFinding(
			"API2:2023",
			"Unauthenticated Endpoint",
			fmt.Sprintf("Endpoint %s does not require authentication", ep.Path),
			types.SeverityMedium,
			ep,
		)
		v.Recommendation = "Require authentication for sensitive endpoints"
		vulns = append(vulns, v)
	}

	return vulns
}

// checkPropertyLevelAuth looks for sensitive field names in request and
// response schemas.
func checkPropertyLevelAuth(doc *types.Document) []types.Vulnerability {
	var vulns []types.Vulnerability

	flag := func(ep types.Endpoint, fieldName, context string) {
		v := endpointFinding(
			"API3:2023",
			"Sensitive Data Exposure",
			fmt.Sprintf("Field '%s' in %s (%s) contains sensitive information", fieldName, ep.Path, context),
			types.SeverityHigh,
			ep,
		)
		v.Method = ""
		v.Parameter = fieldName
		v.Recommendation = "Filter sensitive properties from responses based on user authorization. Use DTOs to control exposed properties"
		vulns = append(vulns, v)
	}

	for _, ep := range doc.Endpoints {
		switch ep.Method {
		case http.MethodGet, http.MethodPost, http.MethodPut:
		default:
			continue
		}

		for _, spec := range ep.Responses {
			for _, field := range spec.Fields {
				if sensitiveFieldPattern.MatchString(field) {
					flag(ep, field, "response")
				}
			}
		}
		for _, field := range ep.BodyFields {
			if sensitiveFieldPattern.MatchString(field) {
				flag(ep, field, "request")
			}
		}
	}

	return vulns
}

// checkFunctionLevelAuth flags unauthenticated administrative surfaces and
// destructive operations.
func checkFunctionLevelAuth(doc *types.Document) []types.Vulnerability {
	var vulns []types.Vulnerability

	for _, ep := range doc.Endpoints {
		switch ep.Method {
		case http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete:
		default:
			continue
		}
		if endpointSecured(doc, ep) {
			continue
		}

		lower := strings.ToLower(ep.Path)
		isAdminPath := strings.Contains(lower, "/admin") ||
			strings.Contains(lower, "/management") ||
			strings.Contains(lower, "/internal")

		if isAdminPath {
			v := endpointFinding(
				"API5:2023",
				"Unprotected Admin Endpoint",
				fmt.Sprintf("Admin endpoint %s does not require authentication", ep.Path),
				types.SeverityCritical,
				ep,
			)
			v.Recommendation = "Implement proper authorization checks on all administrative functions. Use RBAC or ABAC"
			vulns = append(vulns, v)
		}

		if ep.Method == http.MethodDelete || ep.Method == http.MethodPut {
			v := endpointFinding(
				"API5:2023",
				"Missing Authorization on Sensitive Operation",
				fmt.Sprintf("Endpoint %s performs %s operation without explicit security requirements", ep.Path, ep.Method),
				types.SeverityHigh,
				ep,
			)
			v.Recommendation = "Implement authorization checks on all sensitive functions and endpoints"
			vulns = append(vulns, v)
		}
	}

	return vulns
}
