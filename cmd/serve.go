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

	"github.com/sells-group/leadfunnel/internal/api"
	"github.com/sells-group/leadfunnel/internal/attribution"
	"github.com/sells-group/leadfunnel/internal/config"
	"github.com/sells-group/leadfunnel/internal/funnel"
	"github.com/sells-group/leadfunnel/internal/monitoring"
	"github.com/sells-group/leadfunnel/internal/resilience"
)

const (
	sweepInterval = time.Minute
	drainTimeout  = 30 * time.Second
)

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the funnel API server",
	RunE: func(cmd *cobra.Command, args []string) error {
		if servePort != 0 {
			cfg.Server.Port = servePort
		}
		if err := cfg.Validate("serve"); err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		gw, err := openGateway(ctx, cfg)
		if err != nil {
			return err
		}
		defer gw.close()

		flow, err := loadFlow(cfg.Funnel)
		if err != nil {
			return err
		}

		stats := &funnel.Stats{}
		dispatcher := funnel.NewDispatcher(cfg.Dispatch.MaxConcurrent, cfg.Dispatch.TaskTimeout, stats)

		resolverDeps := funnel.ResolverDeps{
			Gateway: gw,
			Runner:  dispatcher,
			Clock:   funnel.SystemClock{},
			Stats:   stats,
			Window:  cfg.Funnel.DeferWindow,
		}
		var breakers []*resilience.CircuitBreaker
		if meta := attribution.NewClient(cfg.Meta); meta != nil {
			resolverDeps.Notifier = meta
			breakers = append(breakers, meta.Breaker())
			zap.L().Info("meta conversions enabled", zap.String("pixel_id", cfg.Meta.PixelID))
		}

		registry := funnel.NewRegistry(funnel.Deps{
			Flow:          flow,
			Resolver:      resolverDeps,
			Snapshots:     funnel.NewMemorySnapshots(),
			SessionKey:    cfg.Funnel.SessionKey,
			CreateOnEntry: cfg.Funnel.CreateOnEntry,
			ContactURL:    funnel.ContactURL(cfg.Funnel.ContactNumber, cfg.Funnel.ContactMessage),
		}, cfg.Funnel.SessionTTL)
		go registry.Run(ctx, sweepInterval)

		checker := monitoring.NewChecker(
			monitoring.NewCollector(stats, registry, breakers...),
			monitoring.NewAlerter(cfg.Monitoring),
			cfg.Monitoring,
		)
		go checker.Run(ctx)

		handler := api.NewHandler(registry, api.Options{
			CookieName:    cfg.Funnel.SessionKey,
			CookieMaxAge:  cfg.Funnel.SessionTTL,
			SecureCookies: cfg.Server.SecureCookies,
		})

		srv := &http.Server{
			Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
			Handler:      api.NewRouter(handler, cfg.Server.AllowedOrigins),
			ReadTimeout:  cfg.Server.ReadTimeout,
			WriteTimeout: cfg.Server.WriteTimeout,
		}

		// Graceful shutdown: stop taking requests, stop timers, then let
		// in-flight saves finish.
		shutdownDone := make(chan struct{})
		go func() {
			defer close(shutdownDone)
			<-ctx.Done()
			zap.L().Info("shutting down server")

			sctx, cancel := context.WithTimeout(context.Background(), drainTimeout)
			defer cancel()
			if err := srv.Shutdown(sctx); err != nil {
				zap.L().Warn("server shutdown", zap.Error(err))
			}
			registry.Close()
			if err := dispatcher.Drain(sctx); err != nil {
				zap.L().Warn("background saves did not finish", zap.Error(err))
			}
		}()

		zap.L().Info("starting server",
			zap.Int("port", cfg.Server.Port),
			zap.String("store", cfg.Store.Driver),
			zap.Duration("defer_window", cfg.Funnel.DeferWindow),
		)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			stop()
			<-shutdownDone
			return eris.Wrap(err, "server listen")
		}

		<-shutdownDone
		return nil
	},
}

func loadFlow(c config.FunnelConfig) (*funnel.Flow, error) {
	if c.FlowPath == "" {
		return funnel.DefaultFlow(), nil
	}
	return funnel.LoadFlow(c.FlowPath)
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "server port (default from config)")
	rootCmd.AddCommand(serveCmd)
}
