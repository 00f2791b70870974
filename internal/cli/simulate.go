package cli

import (
	"errors"

	"github.com/spf13/cobra"

	"reactive-guard/internal/app"
)

var simulateOpts app.SimulateOptions

var simulateCmd = &cobra.Command{
	Use:   "simulate-alert",
	Short: "模拟一条 guardian 事件并触发告警",
	RunE: func(cmd *cobra.Command, args []string) error {
		if simulateOpts.Subject == "" || simulateOpts.HF == "" {
			return errors.New("--subject 与 --hf 必须提供")
		}
		if simulateOpts.Kind == "critical" && simulateOpts.TopUp == "" {
			return errors.New("critical 告警必须提供 --top-up")
		}
		return getApp().SimulateAlert(cmd.Context(), simulateOpts)
	},
}

func init() {
	simulateCmd.Flags().StringVar(&simulateOpts.Kind, "kind", "warning", "warning, critical 或 safe")
	simulateCmd.Flags().StringVar(&simulateOpts.Subject, "subject", "", "仓位地址 (0x...)")
	simulateCmd.Flags().StringVar(&simulateOpts.HF, "hf", "", "健康因子")
	simulateCmd.Flags().StringVar(&simulateOpts.Collateral, "collateral", "", "抵押价值")
	simulateCmd.Flags().StringVar(&simulateOpts.Borrowed, "borrowed", "", "借款金额")
	simulateCmd.Flags().StringVar(&simulateOpts.TopUp, "top-up", "", "需补充的抵押 (critical)")
}
