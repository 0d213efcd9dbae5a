package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/aristath/powercast/internal/server"
)

// newServeCmd starts the read-only query API.
func newServeCmd(configFile *string) *cobra.Command {
	var (
		host string
		port int
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the forecast query API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(*configFile)
			if err != nil {
				return err
			}
			if host != "" {
				cfg.APIHost = host
			}
			if port != 0 {
				cfg.APIPort = port
			}

			a, err := wire(cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			srv := server.New(server.Config{
				Host:     cfg.APIHost,
				Port:     cfg.APIPort,
				Store:    a.store,
				Feeds:    a.feeds,
				Pipeline: a.pipeline,
				Jobs:     a.jobs,
				History:  a.history,
				Timezone: cfg.Timezone,
			})

			errCh := make(chan error, 1)
			go func() {
				if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					errCh <- err
				}
			}()

			quit := make(chan os.Signal, 1)
			signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

			select {
			case err := <-errCh:
				return err
			case sig := <-quit:
				log.Info().Str("signal", sig.String()).Msg("Shutting down")
			}

			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		},
	}
	cmd.Flags().StringVar(&host, "host", "", "bind address, default from API_HOST")
	cmd.Flags().IntVar(&port, "port", 0, "listen port, default from API_PORT")
	return cmd
}
