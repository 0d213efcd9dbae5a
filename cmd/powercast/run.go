package main

import (
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/aristath/powercast/internal/market"
	"github.com/aristath/powercast/internal/pipeline"
)

// newRunCmd runs one forecast cycle synchronously and exits.
func newRunCmd(configFile *string) *cobra.Command {
	var targetDateFlag string

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run one forecast cycle for a target date",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(*configFile)
			if err != nil {
				return err
			}

			targetDate, err := resolveTargetDate(targetDateFlag, cfg.Timezone)
			if err != nil {
				return err
			}

			a, err := wire(cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			log.Info().Time("target_date", targetDate).Msg("Starting forecast cycle")
			result, err := a.scheduler.RunNow(cmd.Context(), targetDate)
			if err != nil {
				return err
			}

			switch result.Status {
			case pipeline.StatusCompleted, pipeline.StatusCompletedFallback:
				log.Info().
					Str("status", string(result.Status)).
					Int("products", len(result.Entries)).
					Msg("Cycle finished")
				return nil
			default:
				return fmt.Errorf("cycle ended with status %s: %s", result.Status, result.Reason)
			}
		},
	}
	cmd.Flags().StringVar(&targetDateFlag, "target_date", "", "target date YYYY-MM-DD, default today")
	return cmd
}

// resolveTargetDate parses the flag or defaults to today's date in the
// market timezone.
func resolveTargetDate(flag, tz string) (time.Time, error) {
	if flag != "" {
		return market.ParseDate(flag, tz)
	}
	now, err := market.NowIn(tz)
	if err != nil {
		return time.Time{}, err
	}
	return time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location()), nil
}
