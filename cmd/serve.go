package main

import (
	"context"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/catalog-curator/internal/api"
)

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the review and job API server",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initEnv(ctx, cfg, "serve", true)
		if err != nil {
			return err
		}
		defer env.Close()

		// Jobs left running by a previous process become paused so they
		// can be resumed from the API.
		recovered, err := env.Orchestrator.Recover(ctx)
		if err != nil {
			return eris.Wrap(err, "recover jobs")
		}
		if recovered > 0 {
			zap.L().Info("paused orphaned jobs", zap.Int("count", recovered))
		}

		port := servePort
		if port == 0 {
			port = cfg.Server.Port
		}

		srv := &http.Server{
			Addr:              fmt.Sprintf(":%d", port),
			Handler:           newServer(env).Handler(),
			ReadHeaderTimeout: 10 * time.Second,
		}

		// Graceful shutdown
		go func() {
			<-ctx.Done()
			zap.L().Info("shutting down server")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()

		zap.L().Info("starting server", zap.Int("port", port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return eris.Wrap(err, "server listen")
		}

		return nil
	},
}

func newServer(env *curatorEnv) *api.Server {
	return api.NewServer(env.Orchestrator, env.Approval, env.Rollback, api.Options{
		AutoApproveThreshold: cfg.Approval.AutoApproveThreshold,
		AllowedOrigins:       cfg.Server.AllowedOrigins,
		Ping:                 env.Store.Ping,
		RequestTimeout:       time.Duration(cfg.Server.RequestTimeoutSecs) * time.Second,
	})
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "server port (default from config)")
	rootCmd.AddCommand(serveCmd)
}
