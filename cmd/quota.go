package main

import (
	"encoding/json"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/PSP-learn/klaro-educational-platform-sub000/internal/model"
)

var (
	quotaUser string
	quotaPlan string
)

var quotaCmd = &cobra.Command{
	Use:   "quota",
	Short: "Show a user's quota usage for the current period",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		plan, err := model.ParsePlanTier(quotaPlan)
		if err != nil {
			return err
		}

		report, err := env.Ledger.Usage(ctx, quotaUser, plan)
		if err != nil {
			return eris.Wrap(err, "quota usage")
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(report)
	},
}

func init() {
	quotaCmd.Flags().StringVar(&quotaUser, "user", "", "user ID (required)")
	quotaCmd.Flags().StringVar(&quotaPlan, "plan", "free", "subscription plan (free, basic, premium)")
	_ = quotaCmd.MarkFlagRequired("user")
	rootCmd.AddCommand(quotaCmd)
}
