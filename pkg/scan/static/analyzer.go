package static

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/apivet/apivet/internal/logger"
	"github.com/apivet/apivet/pkg/types"
)

// rule is one OWASP API Security Top 10 check evaluated against the parsed
// document. Rules never touch the network.
type rule struct {
	id    string
	check func(doc *types.Document) []types.Vulnerability
}

// Analyzer runs the full OWASP rule set over a parsed specification.
type Analyzer struct {
	log   *logger.Logger
	rules []rule
}

func NewAnalyzer(log *logger.Logger) *Analyzer {
	return &Analyzer{
		log: log.WithComponent("static"),
		rules: []rule{
			{"API1:2023", checkObjectLevelAuth},
			{"API2:2023", checkAuthentication},
			{"API3:2023", checkPropertyLevelAuth},
			{"API4:2023", checkResourceConsumption},
			{"API5:2023", checkFunctionLevelAuth},
			{"API6:2023", checkBusinessFlows},
			{"API7:2023", checkSSRF},
			{"API8:2023", checkMisconfiguration},
			{"API9:2023", checkInventory},
			{"API10:2023", checkUnsafeConsumption},
		},
	}
}

func (a *Analyzer) Analyze(ctx context.Context, doc *types.Document) []types.Vulnerability {
	var all []types.Vulnerability
	for _, r := range a.rules {
		found := r.check(doc)
		a.log.WithContext(ctx).Debugw("Rule evaluated", "rule", r.id, "findings", len(found))
		all = append(all, found...)
	}
	a.log.WithContext(ctx).Infow("Static analysis completed", "findings", len(all))
	return all
}

func finding(category, title, description string, severity types.Severity) types.Vulnerability {
	return types.Vulnerability{
		ID:          uuid.NewString(),
		Category:    category,
		Title:       title,
		Description: description,
		Severity:    severity,
		DetectedAt:  time.Now().UTC(),
	}
}

func endpointFinding(category, title, description string, severity types.Severity, ep types.Endpoint) types.Vulnerability {
	v := finding(category, title, description, severity)
	v.Endpoint = ep.Path
	v.Method = ep.Method
	return v
}

// endpointSecured reports whether an operation is covered by its own or the
// document's security requirements.
func endpointSecured(doc *types.Document, ep types.Endpoint) bool {
	return ep.HasSecurity || doc.HasGlobalSecurity
}
