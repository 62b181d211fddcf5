package cmd

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/apivet/apivet/internal/telemetry"
	"github.com/apivet/apivet/pkg/types"
)

var scanCmd = &cobra.Command{
	Use:   "scan <spec-url>",
	Short: "Run one scan and print the results",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		baseURL, _ := cmd.Flags().GetString("base-url")
		static, _ := cmd.Flags().GetBool("static")
		dynamic, _ := cmd.Flags().GetBool("dynamic")
		contractOpt, _ := cmd.Flags().GetBool("contract")
		aiOpt, _ := cmd.Flags().GetBool("ai")

		ctx := cmd.Context()

		tel, err := telemetry.New(ctx, cfg.Telemetry)
		if err != nil {
			return err
		}
		defer tel.Shutdown(context.Background())

		pipeline := buildPipeline(tel)

		snapshot, err := pipeline.orch.Start(ctx, types.ScanRequest{
			SpecURL: args[0],
			BaseURL: baseURL,
			Options: types.ScanOptions{
				StaticAnalysis:     static,
				DynamicTesting:     dynamic,
				ContractValidation: contractOpt,
				AITriage:           aiOpt,
			},
		})
		if err != nil {
			return err
		}

		color.Cyan("Scan %s started against %s\n", snapshot.ID, baseURL)

		final, err := waitForScan(ctx, pipeline, snapshot.ID)
		if err != nil {
			pipeline.orch.Cancel(snapshot.ID)
			return err
		}

		printSummary(final)
		if final.Status == types.ScanStatusFailed {
			return fmt.Errorf("scan failed: %s", final.Error)
		}
		return nil
	},
}

func waitForScan(ctx context.Context, p *pipeline, scanID string) (*types.ScanSnapshot, error) {
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
			snapshot, ok := p.sink.Get(scanID)
			if ok && snapshot.Status.Terminal() {
				return snapshot, nil
			}
		}
	}
}

func printSummary(snapshot *types.ScanSnapshot) {
	fmt.Println()
	switch snapshot.Status {
	case types.ScanStatusCompleted:
		color.Green("Scan completed in %dms\n", snapshot.DurationMs)
	case types.ScanStatusCancelled:
		color.Yellow("Scan cancelled after %dms\n", snapshot.DurationMs)
	default:
		color.Red("Scan %s: %s\n", snapshot.Status, snapshot.Error)
	}

	fmt.Printf("  Endpoints: %d documented, %d tested\n", snapshot.TotalEndpoints, snapshot.TestedEndpoints)
	fmt.Printf("  Contract mismatches: %d\n", len(snapshot.Mismatches))

	if len(snapshot.Vulnerabilities) == 0 {
		color.Green("  No vulnerabilities found\n")
		return
	}

	fmt.Printf("  Vulnerabilities: %d\n\n", len(snapshot.Vulnerabilities))

	vulns := make([]types.Vulnerability, len(snapshot.Vulnerabilities))
	copy(vulns, snapshot.Vulnerabilities)
	sort.SliceStable(vulns, func(i, j int) bool {
		return vulns[i].Severity.Rank() > vulns[j].Severity.Rank()
	})

	for _, v := range vulns {
		severityColor(v.Severity).Printf("  [%s] ", v.Severity)
		fmt.Printf("%s - %s", v.Category, v.Title)
		if v.Endpoint != "" {
			fmt.Printf(" (%s %s)", v.Method, v.Endpoint)
		}
		fmt.Println()
	}
}

func severityColor(s types.Severity) *color.Color {
	switch s {
	case types.SeverityCritical:
		return color.New(color.FgRed, color.Bold)
	case types.SeverityHigh:
		return color.New(color.FgRed)
	case types.SeverityMedium:
		return color.New(color.FgYellow)
	default:
		return color.New(color.FgWhite)
	}
}

func init() {
	scanCmd.Flags().String("base-url", "", "base URL of the live API under test")
	scanCmd.MarkFlagRequired("base-url")
	scanCmd.Flags().Bool("static", true, "run static specification analysis")
	scanCmd.Flags().Bool("dynamic", true, "run dynamic probing against the live API")
	scanCmd.Flags().Bool("contract", true, "run contract validation")
	scanCmd.Flags().Bool("ai", false, "run AI triage on the findings")

	rootCmd.AddCommand(scanCmd)
}
