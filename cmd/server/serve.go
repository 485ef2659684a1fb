package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/cloudzz-dev/estatemsg/internal/logger"
	"github.com/cloudzz-dev/estatemsg/internal/server/auth"
	"github.com/cloudzz-dev/estatemsg/internal/server/handlers"
	"github.com/cloudzz-dev/estatemsg/internal/server/messaging"
	"github.com/cloudzz-dev/estatemsg/internal/server/ratelimit"
	"github.com/cloudzz-dev/estatemsg/internal/server/ws"
	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

const shutdownTimeout = 10 * time.Second

type serveOptions struct {
	*rootOptions
	Addr string
}

func newServeCommand(root *rootOptions) *cobra.Command {
	opts := &serveOptions{rootOptions: root}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP and realtime server",
		Long: `Run the HTTP and realtime server.

The schema is migrated on start. SIGINT or SIGTERM drains in-flight requests
and closes every realtime connection.

Example:
  estatemsg-server serve --config configs/config.toml
  PORT=8080 DATABASE_URL=postgres://... estatemsg-server serve`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), opts)
		},
	}

	cmd.Flags().StringVar(&opts.Addr, "addr", "", "listen address, overrides config")

	return cmd
}

func runServe(ctx context.Context, opts *serveOptions) error {
	cfg, err := opts.load()
	if err != nil {
		return err
	}
	if opts.Addr != "" {
		cfg.Server.Addr = opts.Addr
	}

	log, err := logger.New(cfg.Log, cfg.Server.Mode)
	if err != nil {
		return err
	}
	defer log.Sync()

	if cfg.Server.Mode == "dev" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := openStore(ctx, cfg.Database)
	if err != nil {
		return err
	}
	defer st.Close()

	issuer, err := auth.NewIssuer(cfg.Auth.JWTSecret, cfg.Auth.Issuer, cfg.Auth.TokenTTL)
	if err != nil {
		return fmt.Errorf("%w (set ESTATEMSG_JWT_SECRET)", err)
	}

	limiter := ratelimit.New(cfg.Limits.MaxConnectionsPerIP, cfg.Limits.AuthAttemptsPerMin)
	go limiter.Run(ctx)

	hub := ws.NewHub(log.Named("hub"))
	svc := messaging.New(st, hub, log.Named("messaging"))
	hub.SetDispatcher(svc)
	go hub.SweepPolls(ctx, cfg.Server.PollIdle)

	h := handlers.New(handlers.Deps{
		Config:   cfg.Server,
		Store:    st,
		Messages: svc,
		Hub:      hub,
		Issuer:   issuer,
		Limiter:  limiter,
		Log:      log.Named("http"),
	})

	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           h.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("server starting",
			zap.String("addr", cfg.Server.Addr),
			zap.String("db", cfg.Database.Driver),
			zap.Int("max_conns_per_ip", limiter.MaxConns()),
			zap.Int("auth_per_min", limiter.MaxAuth()))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	hub.Shutdown()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn("shutdown", zap.Error(err))
	}
	return nil
}
