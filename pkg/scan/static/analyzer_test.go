package static

import (
	"context"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/apivet/apivet/internal/config"
	"github.com/apivet/apivet/internal/logger"
	"github.com/apivet/apivet/pkg/types"
)

func newAnalyzer(t *testing.T) *Analyzer {
	t.Helper()
	log, err := logger.New(config.LoggerConfig{Level: "error", Format: "json"})
	require.NoError(t, err)
	return NewAnalyzer(log)
}

func titles(vulns []types.Vulnerability) []string {
	out := make([]string, 0, len(vulns))
	for _, v := range vulns {
		out = append(out, v.Title)
	}
	return out
}

func findByTitle(t *testing.T, vulns []types.Vulnerability, title string) types.Vulnerability {
	t.Helper()
	for _, v := range vulns {
		if v.Title == title {
			return v
		}
	}
	t.Fatalf("no finding titled %q in %v", title, titles(vulns))
	return types.Vulnerability{}
}

func securedDoc(endpoints ...types.Endpoint) *types.Document {
	return &types.Document{
		Title:             "Test API",
		Version:           "1.0.0",
		Description:       "A documented API",
		HasGlobalSecurity: true,
		SecuritySchemes:   map[string]types.SecurityScheme{"bearerAuth": {Type: "http", Scheme: "bearer"}},
		Endpoints:         endpoints,
	}
}

func TestObjectLevelAuthRule(t *testing.T) {
	doc := &types.Document{
		Description:     "documented",
		Version:         "1.0.0",
		SecuritySchemes: map[string]types.SecurityScheme{"bearerAuth": {Type: "http", Scheme: "bearer"}},
		Endpoints: []types.Endpoint{
			{
				Path:   "/v1/users/{id}",
				Method: http.MethodGet,
				Parameters: []types.Parameter{
					{Name: "id", Location: types.LocationPath, Example: "123"},
				},
			},
		},
	}

	vulns := checkObjectLevelAuth(doc)

	bola := findByTitle(t, vulns, "Broken Object Level Authorization")
	assert.Equal(t, "API1:2023", bola.Category)
	assert.Equal(t, types.SeverityHigh, bola.Severity)
	assert.Equal(t, "/v1/users/{id}", bola.Endpoint)

	predictable := findByTitle(t, vulns, "Predictable Object IDs")
	assert.Equal(t, types.SeverityMedium, predictable.Severity)
	assert.Equal(t, "id", predictable.Parameter)
}

func TestObjectLevelAuthRuleSecuredEndpoint(t *testing.T) {
	doc := securedDoc(types.Endpoint{
		Path:   "/v1/users/{id}",
		Method: http.MethodGet,
		Parameters: []types.Parameter{
			{Name: "id", Location: types.LocationPath, Example: "a1b2-c3"},
		},
	})

	vulns := checkObjectLevelAuth(doc)
	assert.Empty(t, vulns)
}

func TestAuthenticationRuleCredentialsInQuery(t *testing.T) {
	doc := securedDoc(types.Endpoint{
		Path:   "/v1/login",
		Method: http.MethodGet,
		Parameters: []types.Parameter{
			{Name: "api_key", Location: types.LocationQuery},
		},
	})

	vulns := checkAuthentication(doc)
	v := findByTitle(t, vulns, "Credentials in Query Parameters")
	assert.Equal(t, "API2:2023", v.Category)
	assert.Equal(t, types.SeverityHigh, v.Severity)
	assert.Equal(t, "api_key", v.Parameter)
}

func TestAuthenticationRuleMissingSchemes(t *testing.T) {
	doc := &types.Document{Endpoints: []types.Endpoint{{Path: "/health", Method: http.MethodGet}}}

	vulns := checkAuthentication(doc)
	v := findByTitle(t, vulns, "Missing Security Schemes")
	assert.Equal(t, types.SeverityMedium, v.Severity)
	assert.NotContains(t, titles(vulns), "Unauthenticated Endpoint", "health endpoints are exempt")
}

func TestAuthenticationRuleWeakScheme(t *testing.T) {
	doc := &types.Document{
		HasGlobalSecurity: true,
		SecuritySchemes:   map[string]types.SecurityScheme{"basicAuth": {Type: "http", Scheme: "basic"}},
	}

	vulns := checkAuthentication(doc)
	v := findByTitle(t, vulns, "Weak Security Scheme")
	assert.Equal(t, types.SeverityMedium, v.Severity)
}

func TestPropertyLevelAuthRule(t *testing.T) {
	doc := securedDoc(types.Endpoint{
		Path:       "/v1/users",
		Method:     http.MethodPost,
		BodyFields: []string{"name", "password"},
		Responses: map[string]types.ResponseSpec{
			"200": {Type: "object", Fields: []string{"id", "ssn"}},
		},
	})

	vulns := checkPropertyLevelAuth(doc)
	require.Len(t, vulns, 2)
	params := []string{vulns[0].Parameter, vulns[1].Parameter}
	assert.ElementsMatch(t, []string{"ssn", "password"}, params)
	for _, v := range vulns {
		assert.Equal(t, "API3:2023", v.Category)
		assert.Equal(t, types.SeverityHigh, v.Severity)
	}
}

func TestResourceConsumptionRulePagination(t *testing.T) {
	doc := securedDoc(
		types.Endpoint{Path: "/v1/items", Method: http.MethodGet},
		types.Endpoint{
			Path:   "/v1/reports",
			Method: http.MethodGet,
			Parameters: []types.Parameter{
				{Name: "page", Location: types.LocationQuery},
			},
		},
	)

	vulns := checkResourceConsumption(doc)
	v := findByTitle(t, vulns, "Missing Pagination")
	assert.Equal(t, "/v1/items", v.Endpoint)
	assert.Equal(t, types.SeverityMedium, v.Severity)

	for _, vv := range vulns {
		assert.NotEqual(t, "/v1/reports", vv.Endpoint, "paginated endpoint must not be flagged")
	}
}

func TestFunctionLevelAuthRule(t *testing.T) {
	doc := &types.Document{
		Endpoints: []types.Endpoint{
			{Path: "/admin/users", Method: http.MethodGet},
			{Path: "/v1/items/{id}", Method: http.MethodDelete},
		},
	}

	vulns := checkFunctionLevelAuth(doc)

	admin := findByTitle(t, vulns, "Unprotected Admin Endpoint")
	assert.Equal(t, types.SeverityCritical, admin.Severity)
	assert.Equal(t, "/admin/users", admin.Endpoint)

	del := findByTitle(t, vulns, "Missing Authorization on Sensitive Operation")
	assert.Equal(t, types.SeverityHigh, del.Severity)
	assert.Equal(t, http.MethodDelete, del.Method)
}

func TestBusinessFlowRule(t *testing.T) {
	doc := securedDoc(
		types.Endpoint{Path: "/v1/payment", Method: http.MethodPost},
		types.Endpoint{
			Path:        "/v1/order",
			Method:      http.MethodPost,
			Description: "Limited to one order per user per day (rate limit applies)",
		},
	)

	vulns := checkBusinessFlows(doc)
	v := findByTitle(t, vulns, "Unrestricted Access to Sensitive Business Flow")
	assert.Equal(t, "/v1/payment", v.Endpoint)
	assert.Equal(t, types.SeverityHigh, v.Severity, "payment flows rank HIGH")

	for _, vv := range vulns {
		assert.NotEqual(t, "/v1/order", vv.Endpoint, "documented protections must not be flagged")
	}
}

func TestSSRFRule(t *testing.T) {
	doc := securedDoc(types.Endpoint{
		Path:   "/v1/preview",
		Method: http.MethodPost,
		Parameters: []types.Parameter{
			{Name: "url", Location: types.LocationQuery},
		},
		BodyFields: []string{"redirect"},
	})

	vulns := checkSSRF(doc)
	require.Len(t, vulns, 2)
	for _, v := range vulns {
		assert.Equal(t, "API7:2023", v.Category)
		assert.Equal(t, types.SeverityHigh, v.Severity)
	}
}

func TestMisconfigurationRule(t *testing.T) {
	doc := &types.Document{
		Version: "2.0.0",
		Endpoints: []types.Endpoint{
			{Path: "/debug/state", Method: http.MethodGet},
			{Path: "/items", Method: http.MethodGet},
		},
	}

	vulns := checkMisconfiguration(doc)

	debug := findByTitle(t, vulns, "Debug/Test Endpoint Exposed")
	assert.Equal(t, types.SeverityMedium, debug.Severity)

	version := findByTitle(t, vulns, "Missing API Versioning Strategy")
	assert.Equal(t, types.SeverityLow, version.Severity)
}

func TestInventoryRule(t *testing.T) {
	doc := &types.Document{
		Endpoints: []types.Endpoint{
			{Path: "/v1/legacy", Method: http.MethodGet, Deprecated: true},
		},
	}

	vulns := checkInventory(doc)

	assert.Contains(t, titles(vulns), "Missing API Description")
	deprecated := findByTitle(t, vulns, "Deprecated Endpoint Still Available")
	assert.Equal(t, types.SeverityMedium, deprecated.Severity)
	assert.Equal(t, "/v1/legacy", deprecated.Endpoint)
}

func TestUnsafeConsumptionRule(t *testing.T) {
	doc := securedDoc(
		types.Endpoint{Path: "/v1/webhook/partner", Method: http.MethodPost},
		types.Endpoint{
			Path:       "/v1/import",
			Method:     http.MethodPost,
			BodyFields: []string{"external_data"},
		},
	)

	vulns := checkUnsafeConsumption(doc)

	assert.Contains(t, titles(vulns), "Missing Validation for Third-Party Data")
	assert.Contains(t, titles(vulns), "Third-Party Communication Security Not Documented")
	assert.Contains(t, titles(vulns), "Webhook Without Signature Verification")

	field := findByTitle(t, vulns, "External Data Field Without Validation")
	assert.Equal(t, "external_data", field.Parameter)
	assert.Equal(t, "/v1/import", field.Endpoint)
}

func TestAnalyzeRunsAllRules(t *testing.T) {
	a := newAnalyzer(t)

	doc := &types.Document{
		Version: "1.0.0",
		Endpoints: []types.Endpoint{
			{Path: "/users/{id}", Method: http.MethodGet, Parameters: []types.Parameter{
				{Name: "id", Location: types.LocationPath, Example: "1"},
			}},
			{Path: "/payment", Method: http.MethodPost},
		},
	}

	vulns := a.Analyze(context.Background(), doc)
	require.NotEmpty(t, vulns)

	categories := make(map[string]bool)
	for _, v := range vulns {
		categories[v.Category] = true
		assert.NotEmpty(t, v.ID)
		assert.NotEmpty(t, v.Title)
	}
	assert.True(t, categories["API1:2023"])
	assert.True(t, categories["API2:2023"])
	assert.True(t, categories["API6:2023"])
}

func TestAnalyzeCleanDocument(t *testing.T) {
	a := newAnalyzer(t)

	doc := securedDoc(types.Endpoint{
		Path:        "/v1/items",
		Method:      http.MethodGet,
		Description: "Paginated item listing",
		Parameters: []types.Parameter{
			{Name: "page", Location: types.LocationQuery},
			{Name: "limit", Location: types.LocationQuery},
		},
	})

	vulns := a.Analyze(context.Background(), doc)
	assert.Empty(t, vulns)
}
