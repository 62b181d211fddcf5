package cmd

import (
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/apivet/apivet/pkg/types"
)

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "List past scans",
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")

		entries, err := store.ListHistory(cmd.Context(), limit)
		if err != nil {
			return err
		}
		if len(entries) == 0 {
			fmt.Println("No scans recorded yet.")
			return nil
		}

		for _, entry := range entries {
			statusColor(entry.Status).Printf("%-10s", entry.Status)
			fmt.Printf(" %s  %s  %s  %dms\n",
				entry.StartedAt.Format("2006-01-02 15:04:05"),
				entry.ScanID,
				entry.TargetName,
				entry.CurrentDurationMs(),
			)
		}
		return nil
	},
}

func statusColor(s types.ScanStatus) *color.Color {
	switch s {
	case types.ScanStatusCompleted:
		return color.New(color.FgGreen)
	case types.ScanStatusFailed:
		return color.New(color.FgRed)
	case types.ScanStatusCancelled:
		return color.New(color.FgYellow)
	default:
		return color.New(color.FgCyan)
	}
}

func init() {
	historyCmd.Flags().Int("limit", 20, "maximum entries to show")
	rootCmd.AddCommand(historyCmd)
}
