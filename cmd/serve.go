package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/mention-monitor/internal/api"
	"github.com/JakeFAU/mention-monitor/internal/scheduler"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run every lane, the cron trigger and the ops HTTP server",
		Args:  cobra.NoArgs,
		RunE:  runServe,
	}
}

func runServe(cmd *cobra.Command, _ []string) error {
	a, err := resolveApp(cmd.Context())
	if err != nil {
		return err
	}
	cfg := a.Config()
	logger := a.Logger()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pipeline, err := a.Pipeline(ctx)
	if err != nil {
		return err
	}
	defer pipeline.Close()

	lanesDone := make(chan struct{})
	go func() {
		defer close(lanesDone)
		pipeline.Dispatcher.Run(ctx)
	}()

	var trigger *scheduler.Cron
	if cfg.Scheduler.Cron != "" {
		trigger, err = scheduler.NewCron(cfg.Scheduler.Cron, pipeline.Scheduler, logger.Named("cron"))
		if err != nil {
			stop()
			<-lanesDone
			return err
		}
		trigger.Start()
	}

	server := api.NewServer(a.Store(), pipeline.Scheduler, api.Config{APIKey: cfg.Server.APIKey}, logger.Named("api"))
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           server.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		logger.Info("http server started", zap.Int("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(cmd.Context()), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", zap.Error(err))
	}
	if trigger != nil {
		trigger.Stop(shutdownCtx)
	}
	select {
	case <-lanesDone:
	case <-shutdownCtx.Done():
		logger.Warn("lanes did not drain before the shutdown deadline")
	}
	logger.Info("shutdown complete")
	return nil
}
