package main

import (
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

// newScheduleCmd starts the daily trigger loop and blocks until a signal.
func newScheduleCmd(configFile *string) *cobra.Command {
	return &cobra.Command{
		Use:   "schedule",
		Short: "Run the daily 07:00 forecast schedule until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(*configFile)
			if err != nil {
				return err
			}

			a, err := wire(cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			a.scheduler.Start()
			log.Info().
				Int("hour", cfg.ScheduleHour).
				Str("timezone", cfg.Timezone).
				Time("next_fire", a.scheduler.NextFire(time.Now())).
				Msg("Schedule running")

			quit := make(chan os.Signal, 1)
			signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
			sig := <-quit

			log.Info().Str("signal", sig.String()).Msg("Shutting down")
			a.scheduler.Stop("signal " + sig.String())
			return nil
		},
	}
}
