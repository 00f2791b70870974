package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"reactive-guard/internal/app"
)

var (
	showLimit   int
	showSubject string
)

var showCmd = &cobra.Command{
	Use:   "show",
	Short: "Display archived alerts",
	RunE: func(cmd *cobra.Command, args []string) error {
		if showLimit <= 0 {
			return fmt.Errorf("--limit must be greater than zero")
		}

		opts := app.ShowOptions{
			Limit:   showLimit,
			Subject: showSubject,
		}

		return getApp().Show(cmd.Context(), opts)
	},
}

func init() {
	showCmd.Flags().IntVar(&showLimit, "limit", 20, "Number of alerts to display")
	showCmd.Flags().StringVar(&showSubject, "subject", "", "Only show alerts for this position owner (0x address)")
}
