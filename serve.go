package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"monitorconsole/api"
	"monitorconsole/config"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"pkt.systems/pslog"
)

const shutdownTimeout = 5 * time.Second

func newServeCmd() *cobra.Command {
	var cfgPath string
	var noLogFile bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the console: operator HTTP API, UI websocket, admin events",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cfgPath)
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			logger := pslog.Ctx(ctx)
			if !noLogFile {
				logFile, w, err := setupLogging(cfg.Log.Dir)
				if err != nil {
					logger.Warn("file logging disabled", "err", err)
				} else {
					defer logFile.Close()
					logger = newLogger(w)
					ctx = installLogger(ctx, logger)
					logger.Info("logging to file", "path", logFile.Name())
				}
			}

			db, err := config.InitDatabase(cfg.Database.Path)
			if err != nil {
				return err
			}
			defer db.Close()

			hub := api.NewHub(nil, logger)
			a, err := newApp(cfg, logger, db, hub)
			if err != nil {
				return err
			}
			defer a.console.Shutdown()

			if err := a.console.CheckConnection(ctx); err != nil {
				logger.Warn("backend not reachable yet", "url", cfg.API.BaseURL, "err", err)
			}
			if err := a.authenticate(ctx); err != nil {
				// The operator can still log in through the API.
				logger.Warn("not logged in", "err", err)
			}

			gin.SetMode(gin.ReleaseMode)
			gin.DefaultWriter = pslog.LogLogger(logger).Writer()
			gin.DefaultErrorWriter = pslog.LogLoggerWithLevel(logger, pslog.ErrorLevel).Writer()
			router := gin.Default()
			api.SetupRoutes(router, a.console, a.events, hub)

			g, gctx := errgroup.WithContext(ctx)
			g.Go(func() error { return hub.Run(gctx) })
			g.Go(func() error { return listenAndServe(gctx, cfg.HTTP.Addr, router) })
			g.Go(func() error { return a.console.RunRefresh(gctx, cfg.Dashboard.RefreshInterval) })
			if cfg.Events.Enabled {
				listener := a.eventListener()
				g.Go(func() error { return listener.Run(gctx) })
			}

			logger.Info("console listening", "addr", cfg.HTTP.Addr, "backend", cfg.API.BaseURL)
			return g.Wait()
		},
	}
	cmd.Flags().StringVar(&cfgPath, "config", config.DefaultConfigPath, "config file path")
	cmd.Flags().BoolVar(&noLogFile, "no-log-file", false, "do not mirror logs into the log directory")
	return cmd
}

// listenAndServe starts an HTTP server and shuts it down on context cancellation.
func listenAndServe(ctx context.Context, addr string, handler http.Handler) error {
	logger := pslog.Ctx(ctx)
	server := &http.Server{
		Addr:     addr,
		Handler:  handler,
		ErrorLog: pslog.LogLoggerWithLevel(logger, pslog.ErrorLevel),
		BaseContext: func(_ net.Listener) context.Context {
			return ctx
		},
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
