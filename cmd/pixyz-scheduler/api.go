package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/pixyz/scheduler/pkg/api"
	"github.com/pixyz/scheduler/pkg/broker"
	"github.com/pixyz/scheduler/pkg/config"
	"github.com/pixyz/scheduler/pkg/log"
	"github.com/pixyz/scheduler/pkg/metrics"
	"github.com/pixyz/scheduler/pkg/script"
	"github.com/pixyz/scheduler/pkg/share"
)

// shutdownGrace bounds how long in-flight requests may finish on SIGTERM
const shutdownGrace = 15 * time.Second

var apiCmd = &cobra.Command{
	Use:   "api",
	Short: "Run the HTTP facade",
	Long: `Serve job submission, status, outputs and the raw backend view. The
listen port comes from API_PORT; authentication from GOD_PASSWORD_SHA256.`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg := config.Load()

		store, err := share.NewStore(cfg.ShareDir)
		if err != nil {
			return fmt.Errorf("failed to open share: %w", err)
		}
		br, err := broker.New(cfg.RedisURL)
		if err != nil {
			return err
		}
		be, err := openBackend(cfg)
		if err != nil {
			return err
		}
		defer be.Close()

		server := api.NewServer(be, br, store, script.NewLoader(cfg.ProcessDir), cfg.GodPasswordSHA256)

		collector := metrics.NewCollector(br, broker.Queues())
		collector.Start()
		defer collector.Stop()

		httpServer := &http.Server{
			Addr:    fmt.Sprintf(":%d", cfg.APIPort),
			Handler: server.Router(),
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		errCh := make(chan error, 1)
		go func() {
			log.Logger.Info().Int("port", cfg.APIPort).Msg("api listening")
			if err := httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				errCh <- err
			}
		}()

		select {
		case err := <-errCh:
			return err
		case <-ctx.Done():
		}

		log.Info("shutting down api")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	},
}
