package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"relay/internal/logging"
	"relay/internal/observability"
	"relay/internal/server/app"
	"relay/internal/server/bootstrap"
	serverhttp "relay/internal/server/http"
)

const shutdownTimeout = 10 * time.Second

func main() {
	var (
		configFile string
		listenAddr string
	)

	rootCmd := &cobra.Command{
		Use:   "relay-server",
		Short: "Real-time session broadcast server",
		Long: "relay-server fans out the ordered event stream of long-lived agent\n" +
			"sessions to websocket subscribers, with late-joiner replay and task\n" +
			"lifecycle tracking.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := bootstrap.LoadConfig(configFile)
			if err != nil {
				return err
			}
			if listenAddr != "" {
				cfg.ListenAddr = listenAddr
			}
			return run(cmd.Context(), cfg)
		},
		SilenceUsage: true,
	}

	rootCmd.Flags().StringVarP(&configFile, "config", "c", "", "path to yaml config file")
	rootCmd.Flags().StringVarP(&listenAddr, "listen", "l", "", "listen address (overrides config)")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg bootstrap.Config) error {
	logging.SetLevel(logging.ParseLevel(cfg.LogLevel))
	logger := logging.NewComponentLogger("Main")
	logger.Info("Starting relay server on %s", cfg.ListenAddr)

	collector, err := observability.NewCollector(cfg.Metrics)
	if err != nil {
		return fmt.Errorf("failed to create metrics collector: %w", err)
	}

	directory := app.NewSessionDirectory()
	buffer := app.NewReplayBuffer(cfg.ReplayBufferConfig())
	hub := app.NewHub(cfg.HubConfig(), directory, buffer, app.WithHubMetrics(collector))
	tracker := app.NewTaskTracker(cfg.TaskTrackerConfig(), hub)

	router := serverhttp.NewRouter(serverhttp.RouterConfig{
		AllowedOrigins:    cfg.AllowedOrigins,
		ReplayOnSubscribe: cfg.Replay.FlushOnSubscribe,
		Debug:             cfg.Debug,
	}, directory, hub, buffer, tracker, collector)

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	group, groupCtx := errgroup.WithContext(ctx)

	group.Go(func() error {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	group.Go(func() error {
		hub.Run(groupCtx)
		return nil
	})

	group.Go(func() error {
		<-groupCtx.Done()
		logger.Info("Shutting down...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := group.Wait(); err != nil {
		return err
	}
	logger.Info("Server stopped")
	return nil
}
