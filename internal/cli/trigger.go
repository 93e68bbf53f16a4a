package cli

import (
	"fmt"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"policy-automation/internal/domain"
)

var (
	triggerPair   string
	triggerPrice  string
	triggerVolume string
)

var triggerOracleCmd = &cobra.Command{
	Use:   "trigger-oracle",
	Short: "Run one synthetic oracle reading through the decision pipeline",
	RunE: func(cmd *cobra.Command, args []string) error {
		price, err := decimal.NewFromString(triggerPrice)
		if err != nil {
			return fmt.Errorf("invalid --price value: %w", err)
		}
		volume := decimal.Zero
		if triggerVolume != "" {
			if volume, err = decimal.NewFromString(triggerVolume); err != nil {
				return fmt.Errorf("invalid --volume value: %w", err)
			}
		}

		data := domain.OracleData{
			AssetPair: triggerPair,
			Price:     price,
			Volume:    volume,
		}
		return getApp().TriggerOracle(cmd.Context(), data, cmd.OutOrStdout())
	},
}

func init() {
	triggerOracleCmd.Flags().StringVar(&triggerPair, "pair", "ETH/USD", "Asset pair of the reading")
	triggerOracleCmd.Flags().StringVar(&triggerPrice, "price", "", "Price of the reading")
	triggerOracleCmd.Flags().StringVar(&triggerVolume, "volume", "", "Traded volume of the reading")
	_ = triggerOracleCmd.MarkFlagRequired("price")
}
