package main

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/illmade-knight/iot-gateway/services/api"
	"github.com/illmade-knight/iot-gateway/services/listener"
	"github.com/illmade-knight/iot-gateway/services/processor"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

const shutdownTimeout = 15 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the listener, the batch scheduler and the HTTP API",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		a, err := newApp(ctx, cfg, log.Logger)
		if err != nil {
			return err
		}
		defer a.close()

		proc, err := a.newProcessor(ctx)
		if err != nil {
			return err
		}
		transport, err := a.newTransport()
		if err != nil {
			return err
		}
		router, err := a.newRouter(ctx, transport)
		if err != nil {
			return err
		}

		svc := listener.NewService(transport, router, a.topics(), listener.ServiceConfig{
			InputChanCapacity:    cfg.Listener.ChannelCapacity,
			NumProcessingWorkers: cfg.Listener.Workers,
			HandleTimeout:        cfg.Listener.HandleTimeout,
		}, log.Logger)
		if err := svc.Start(ctx); err != nil {
			return err
		}
		defer svc.Stop()

		scheduler := processor.NewScheduler(proc, a.raw, processor.SchedulerConfig{
			Interval:      cfg.Processor.Interval,
			StatsInterval: cfg.Processor.StatsInterval,
		}, log.Logger)
		scheduler.Start()
		defer scheduler.Stop()

		if cfg.Retention.Enabled {
			sweeper, err := a.newSweeper(ctx)
			if err != nil {
				return err
			}
			sweeper.Start()
			defer sweeper.Stop()
		}

		server := api.NewServer(api.Config{HTTPPort: cfg.HTTPPort}, api.Deps{
			Processor: proc,
			Raw:       a.raw,
			Ingestor:  router,
			Unpaired:  a.tracker,
		}, log.Logger)
		serverErr := make(chan error, 1)
		go func() { serverErr <- server.Start() }()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			if err := server.Shutdown(shutdownCtx); err != nil {
				log.Error().Err(err).Msg("API shutdown failed")
			}
		}()

		log.Info().Str("transport", cfg.Transport.Kind).Str("http_port", cfg.HTTPPort).Msg("Gateway running")
		select {
		case <-ctx.Done():
			log.Warn().Msg("Shutdown signal received")
			return nil
		case err, ok := <-svc.ErrorChan:
			if !ok {
				return errors.New("listener stopped unexpectedly")
			}
			return fmt.Errorf("listener: %w", err)
		case err := <-serverErr:
			if err == nil {
				return errors.New("API server stopped unexpectedly")
			}
			return err
		}
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}
