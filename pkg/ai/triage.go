// Package ai post-processes scan findings through an OpenAI-compatible
// chat completion endpoint: false positive filtering, severity review,
// and improved remediation text. Every call is best-effort: any failure
// leaves the original finding untouched.
package ai

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	openai "github.com/sashabaranov/go-openai"

	"github.com/apivet/apivet/internal/config"
	"github.com/apivet/apivet/internal/logger"
	"github.com/apivet/apivet/pkg/types"
)

type Triager struct {
	cfg    config.AIConfig
	client *openai.Client
	log    *logger.Logger
}

func NewTriager(cfg config.AIConfig, log *logger.Logger) *Triager {
	t := &Triager{cfg: cfg, log: log.WithComponent("ai")}
	if !t.configured() {
		return t
	}

	// The client appends /chat/completions itself, so accept either a
	// base URL or the full completion endpoint in config.
	cc := openai.DefaultConfig(cfg.APIKey)
	cc.BaseURL = strings.TrimSuffix(strings.TrimSuffix(cfg.APIURL, "/chat/completions"), "/")
	t.client = openai.NewClientWithConfig(cc)

	log.Infow("AI triage enabled", "model", cfg.Model, "api_url", cfg.APIURL)
	return t
}

func (t *Triager) configured() bool {
	return t.cfg.Enabled && t.cfg.APIURL != "" && t.cfg.APIKey != ""
}

// Triage filters false positives and refines the remaining findings.
// When the AI backend is not configured the snapshot passes through
// unchanged.
func (t *Triager) Triage(ctx context.Context, snapshot *types.ScanSnapshot) *types.ScanSnapshot {
	if snapshot == nil {
		return snapshot
	}
	if !t.configured() || t.client == nil {
		if t.cfg.Enabled {
			t.log.Warnw("AI triage is enabled but not fully configured, skipping")
		}
		return snapshot
	}
	if len(snapshot.Vulnerabilities) == 0 {
		return snapshot
	}

	before := len(snapshot.Vulnerabilities)
	filtered := make([]types.Vulnerability, 0, before)
	for _, vuln := range snapshot.Vulnerabilities {
		if ctx.Err() != nil {
			filtered = append(filtered, vuln)
			continue
		}
		fp, err := t.isFalsePositive(ctx, vuln)
		if err != nil {
			t.log.Errorw("False positive check failed", "title", vuln.Title, "error", err)
			filtered = append(filtered, vuln)
			continue
		}
		if fp {
			t.log.Debugw("Filtered out false positive", "title", vuln.Title, "endpoint", vuln.Endpoint)
			continue
		}
		filtered = append(filtered, vuln)
	}
	t.log.Infow("False positive filtering complete",
		"filtered", before-len(filtered),
		"remaining", len(filtered),
	)

	for i := range filtered {
		if ctx.Err() != nil {
			break
		}
		filtered[i] = t.analyze(ctx, filtered[i])
	}

	snapshot.Vulnerabilities = filtered
	return snapshot
}

func (t *Triager) isFalsePositive(ctx context.Context, vuln types.Vulnerability) (bool, error) {
	prompt := fmt.Sprintf(
		"Decide whether this API security finding is a false positive:\n\n"+
			"OWASP category: %s\n"+
			"Title: %s\n"+
			"Description: %s\n"+
			"Endpoint: %s %s\n"+
			"Evidence: %s\n\n"+
			"Answer only 'true' or 'false' (no quotes).",
		vuln.Category, vuln.Title, vuln.Description, vuln.Method, vuln.Endpoint, vuln.Evidence,
	)

	text, err := t.complete(ctx, prompt)
	if err != nil {
		return false, err
	}
	return strings.Contains(strings.ToLower(strings.TrimSpace(text)), "true"), nil
}

// analyze asks the model to reassess severity and improve the
// remediation advice. The model's answer should be a JSON object; if it
// is anything else the whole text becomes the recommendation.
func (t *Triager) analyze(ctx context.Context, vuln types.Vulnerability) types.Vulnerability {
	prompt := fmt.Sprintf(
		"Analyze this API security finding:\n\n"+
			"OWASP category: %s\n"+
			"Title: %s\n"+
			"Description: %s\n"+
			"Endpoint: %s %s\n"+
			"Current severity: %s\n\n"+
			"Assess the severity (CRITICAL, HIGH, MEDIUM, LOW) and give a remediation recommendation. "+
			`Reply as JSON: {"severity": "HIGH", "recommendation": "..."}`,
		vuln.Category, vuln.Title, vuln.Description, vuln.Method, vuln.Endpoint, vuln.Severity,
	)

	text, err := t.complete(ctx, prompt)
	if err != nil {
		t.log.Errorw("AI analysis failed", "title", vuln.Title, "error", err)
		return vuln
	}
	if text == "" {
		return vuln
	}

	var verdict struct {
		Severity       string `json:"severity"`
		Recommendation string `json:"recommendation"`
	}
	if err := json.Unmarshal([]byte(text), &verdict); err != nil {
		t.log.Debugw("AI response is not JSON, using as recommendation", "error", err)
		vuln.Recommendation = text
		return vuln
	}

	if sev := types.Severity(strings.ToUpper(verdict.Severity)); sev.Valid() {
		if sev != vuln.Severity {
			t.log.Infow("AI adjusted severity",
				"title", vuln.Title,
				"from", vuln.Severity,
				"to", sev,
			)
		}
		vuln.Severity = sev
	}
	if verdict.Recommendation != "" {
		vuln.Recommendation = verdict.Recommendation
	}
	return vuln
}

func (t *Triager) complete(ctx context.Context, prompt string) (string, error) {
	if t.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.cfg.Timeout)
		defer cancel()
	}

	resp, err := t.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       t.cfg.Model,
		Temperature: 0.3,
		MaxTokens:   6000,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleUser, Content: prompt},
		},
	})
	if err != nil {
		return "", fmt.Errorf("chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("no completion choices returned")
	}

	var sb strings.Builder
	for _, choice := range resp.Choices {
		sb.WriteString(choice.Message.Content)
	}
	return strings.TrimSpace(sb.String()), nil
}
