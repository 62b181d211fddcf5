package ai

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/apivet/apivet/internal/config"
	"github.com/apivet/apivet/internal/logger"
	"github.com/apivet/apivet/pkg/types"
)

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.New(config.LoggerConfig{Level: "error", Format: "console"})
	require.NoError(t, err)
	return log
}

// chatStub answers /chat/completions with a canned reply chosen by
// inspecting the prompt.
func chatStub(t *testing.T, reply func(prompt string) string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.True(t, strings.HasSuffix(r.URL.Path, "/chat/completions"), "unexpected path %s", r.URL.Path)

		var req struct {
			Messages []struct {
				Content string `json:"content"`
			} `json:"messages"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		require.NotEmpty(t, req.Messages)

		resp := map[string]any{
			"choices": []map[string]any{
				{"message": map[string]any{"role": "assistant", "content": reply(req.Messages[0].Content)}},
			},
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(resp)
	}))
}

func newTestTriager(t *testing.T, apiURL string) *Triager {
	t.Helper()
	return NewTriager(config.AIConfig{
		Enabled: true,
		APIURL:  apiURL,
		APIKey:  "test-key",
		Model:   "test-model",
		Timeout: 5 * time.Second,
	}, testLogger(t))
}

func sampleSnapshot() *types.ScanSnapshot {
	return &types.ScanSnapshot{
		ID: "scan-1",
		Vulnerabilities: []types.Vulnerability{
			{
				ID:             "v1",
				Category:       "API1:2023",
				Title:          "Broken Object Level Authorization",
				Severity:       types.SeverityHigh,
				Endpoint:       "/users/{id}",
				Method:         "GET",
				Recommendation: "original advice",
			},
			{
				ID:       "v2",
				Category: "API8:2023",
				Title:    "SQL Injection",
				Severity: types.SeverityCritical,
				Endpoint: "/search",
				Method:   "GET",
			},
		},
	}
}

func TestTriageUnconfiguredPassesThrough(t *testing.T) {
	tr := NewTriager(config.AIConfig{Enabled: false}, testLogger(t))
	snap := sampleSnapshot()
	out := tr.Triage(context.Background(), snap)
	assert.Same(t, snap, out)
	assert.Len(t, out.Vulnerabilities, 2)
}

func TestTriageFiltersFalsePositives(t *testing.T) {
	srv := chatStub(t, func(prompt string) string {
		if strings.Contains(prompt, "false positive") {
			if strings.Contains(prompt, "SQL Injection") {
				return "true"
			}
			return "false"
		}
		return `{"severity": "MEDIUM", "recommendation": "reviewed advice"}`
	})
	defer srv.Close()

	tr := newTestTriager(t, srv.URL+"/v1/chat/completions")
	out := tr.Triage(context.Background(), sampleSnapshot())

	require.Len(t, out.Vulnerabilities, 1)
	assert.Equal(t, "Broken Object Level Authorization", out.Vulnerabilities[0].Title)
	assert.Equal(t, types.SeverityMedium, out.Vulnerabilities[0].Severity)
	assert.Equal(t, "reviewed advice", out.Vulnerabilities[0].Recommendation)
}

func TestTriageNonJSONAnswerBecomesRecommendation(t *testing.T) {
	srv := chatStub(t, func(prompt string) string {
		if strings.Contains(prompt, "false positive") {
			return "false"
		}
		return "Enforce per-object authorization checks in the handler."
	})
	defer srv.Close()

	tr := newTestTriager(t, srv.URL+"/v1/chat/completions")
	out := tr.Triage(context.Background(), sampleSnapshot())

	require.Len(t, out.Vulnerabilities, 2)
	for _, v := range out.Vulnerabilities {
		assert.Equal(t, "Enforce per-object authorization checks in the handler.", v.Recommendation)
	}
	// Severity untouched when the model does not return JSON.
	assert.Equal(t, types.SeverityHigh, out.Vulnerabilities[0].Severity)
}

func TestTriageInvalidSeverityIgnored(t *testing.T) {
	srv := chatStub(t, func(prompt string) string {
		if strings.Contains(prompt, "false positive") {
			return "false"
		}
		return `{"severity": "BANANAS", "recommendation": "still useful"}`
	})
	defer srv.Close()

	tr := newTestTriager(t, srv.URL+"/v1/chat/completions")
	out := tr.Triage(context.Background(), sampleSnapshot())

	require.Len(t, out.Vulnerabilities, 2)
	assert.Equal(t, types.SeverityHigh, out.Vulnerabilities[0].Severity)
	assert.Equal(t, "still useful", out.Vulnerabilities[0].Recommendation)
}

func TestTriageBackendFailureKeepsFindings(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "upstream down", http.StatusInternalServerError)
	}))
	defer srv.Close()

	tr := newTestTriager(t, srv.URL+"/v1/chat/completions")
	snap := sampleSnapshot()
	out := tr.Triage(context.Background(), snap)

	require.Len(t, out.Vulnerabilities, 2)
	assert.Equal(t, "original advice", out.Vulnerabilities[0].Recommendation)
}
