package main

import (
	"encoding/json"
	"os"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/PSP-learn/klaro-educational-platform-sub000/internal/store"
)

var (
	statsWindow string
	statsRecent int
)

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show resolution and cost statistics",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		window, err := time.ParseDuration(statsWindow)
		if err != nil {
			return eris.Wrap(err, "parse window")
		}

		summary, err := env.Recorder.Summary(ctx, window)
		if err != nil {
			return eris.Wrap(err, "stats summary")
		}

		out := struct {
			*store.Summary
			Recent []storeRecord `json:"recent,omitempty"`
		}{Summary: summary}

		if statsRecent > 0 {
			records, err := env.Recorder.Recent(ctx, store.RecordFilter{Limit: statsRecent})
			if err != nil {
				return eris.Wrap(err, "recent records")
			}
			for _, rec := range records {
				out.Recent = append(out.Recent, storeRecord{
					ID:            rec.ID,
					UserID:        rec.UserID,
					Status:        string(rec.Status),
					FinalProvider: rec.FinalProvider,
					CostUSD:       rec.CostUSD,
					CacheHit:      rec.CacheHit,
					CreatedAt:     rec.CreatedAt,
				})
			}
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(out)
	},
}

type storeRecord struct {
	ID            string    `json:"id"`
	UserID        string    `json:"user_id"`
	Status        string    `json:"status"`
	FinalProvider string    `json:"final_provider,omitempty"`
	CostUSD       float64   `json:"cost_usd"`
	CacheHit      bool      `json:"cache_hit"`
	CreatedAt     time.Time `json:"created_at"`
}

func init() {
	statsCmd.Flags().StringVar(&statsWindow, "window", "24h", "summary window (Go duration)")
	statsCmd.Flags().IntVar(&statsRecent, "recent", 0, "include the N most recent resolution records")
	rootCmd.AddCommand(statsCmd)
}
