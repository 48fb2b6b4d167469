package main

import (
	"encoding/json"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/PSP-learn/klaro-educational-platform-sub000/internal/model"
)

var (
	resolveText    string
	resolveImage   string
	resolveSubject string
	resolveUser    string
	resolvePlan    string
)

var resolveCmd = &cobra.Command{
	Use:   "resolve",
	Short: "Resolve a single doubt from the command line",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		plan, err := model.ParsePlanTier(resolvePlan)
		if err != nil {
			return err
		}

		var image []byte
		if resolveImage != "" {
			image, err = os.ReadFile(resolveImage)
			if err != nil {
				return eris.Wrap(err, "read image")
			}
		}

		req := model.DoubtRequest{
			Text:    resolveText,
			Image:   image,
			Subject: resolveSubject,
			UserID:  resolveUser,
			Plan:    plan,
		}

		outcome, err := env.Resolver.Resolve(ctx, req)
		if err != nil {
			return eris.Wrap(err, "resolve")
		}

		zap.L().Info("resolution complete",
			zap.String("status", string(outcome.Status)),
			zap.Bool("cache_hit", outcome.FromCache),
			zap.Float64("cost_usd", outcome.TotalCostUSD),
			zap.Duration("latency", outcome.TotalLatency),
		)

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(outcome)
	},
}

func init() {
	resolveCmd.Flags().StringVar(&resolveText, "text", "", "question text")
	resolveCmd.Flags().StringVar(&resolveImage, "image", "", "path to a question image")
	resolveCmd.Flags().StringVar(&resolveSubject, "subject", "", "subject hint (e.g. math, physics)")
	resolveCmd.Flags().StringVar(&resolveUser, "user", "", "user ID (required)")
	resolveCmd.Flags().StringVar(&resolvePlan, "plan", "free", "subscription plan (free, basic, premium)")
	_ = resolveCmd.MarkFlagRequired("user")
	rootCmd.AddCommand(resolveCmd)
}
