package cli

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"
)

var (
	setRateReason string
	halvingReason string
	halvingYes    bool
)

var setRateCmd = &cobra.Command{
	Use:   "set-rate <basis-points>",
	Short: "Submit a manual staking APY change",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		rate, err := strconv.ParseUint(args[0], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid rate %q: %w", args[0], err)
		}
		return getApp().SetRate(cmd.Context(), rate, setRateReason, cmd.OutOrStdout())
	},
}

var halvingCmd = &cobra.Command{
	Use:   "halving",
	Short: "Submit a manual emission halving",
	RunE: func(cmd *cobra.Command, args []string) error {
		if !halvingYes {
			return fmt.Errorf("halving is irreversible; pass --yes to confirm")
		}
		return getApp().Halving(cmd.Context(), halvingReason, cmd.OutOrStdout())
	},
}

func init() {
	setRateCmd.Flags().StringVar(&setRateReason, "reason", "", "Reason recorded with the change")
	halvingCmd.Flags().StringVar(&halvingReason, "reason", "", "Reason recorded with the halving")
	halvingCmd.Flags().BoolVar(&halvingYes, "yes", false, "Confirm the halving")
}
