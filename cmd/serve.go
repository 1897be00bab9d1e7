package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/datasheet-cli/internal/api"
	"github.com/sells-group/datasheet-cli/internal/model"
	"github.com/sells-group/datasheet-cli/internal/monitoring"
	"github.com/sells-group/datasheet-cli/internal/store"
)

var (
	servePort  int
	serveInbox string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the task API",
	Long:  "Starts the HTTP API for submitting, inspecting, and cancelling extraction tasks. With --inbox, documents dropped into the directory are submitted too.",
	RunE: func(cmd *cobra.Command, args []string) error {
		if servePort != 0 {
			cfg.Server.Port = servePort
		}
		if err := cfg.Validate("serve"); err != nil {
			return err
		}
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initEngine(ctx, true)
		if err != nil {
			return err
		}
		defer closeEngine(env)

		checker := monitoring.NewChecker(env.Collector, monitoring.NewAlerter(cfg.Monitoring), cfg.Monitoring)
		go checker.Run(ctx)

		if serveInbox != "" {
			if err := watchInbox(ctx, env, serveInbox, model.Hints{}); err != nil {
				return err
			}
		}

		var records store.Reader
		if env.Store != nil {
			records = env.Store
		}
		srv := &http.Server{
			Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
			Handler:           api.NewServer(env.Orchestrator, records, cfg.Server.AllowedOrigins).Handler(),
			ReadHeaderTimeout: 10 * time.Second,
		}

		go func() {
			<-ctx.Done()
			zap.L().Info("shutting down server")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				zap.L().Warn("server shutdown", zap.Error(err))
			}
		}()

		zap.L().Info("starting server", zap.Int("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return eris.Wrap(err, "server listen")
		}
		return nil
	},
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "server port (default from config)")
	serveCmd.Flags().StringVar(&serveInbox, "inbox", "", "also submit documents dropped into this directory")
	rootCmd.AddCommand(serveCmd)
}
