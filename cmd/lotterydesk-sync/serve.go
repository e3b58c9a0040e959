package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"

	"github.com/kimhsiao/lotterydesk/internal/config"
	"github.com/kimhsiao/lotterydesk/internal/logging"
	"github.com/kimhsiao/lotterydesk/internal/statusapi"
)

var serveCmd = &cobra.Command{
	Use:     "serve",
	GroupID: "sync",
	Short:   "Run the sync engine and the local status API",
	Long: `Run the sync engine on its interval until interrupted.

On start, runs left RUNNING by a crashed process are closed as FAILED and one
sync runs immediately. When a config file is given, changes to sync.interval
are applied without a restart.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cfg)
		if err != nil {
			return err
		}
		defer a.Close()

		engine, breakers, err := a.engine()
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		var srv *http.Server
		if cfg.Status.Enabled {
			hub := statusapi.NewHub()
			go hub.Run(ctx)

			gin.SetMode(gin.ReleaseMode)
			api := statusapi.NewServer(statusapi.Deps{
				Engine:   engine,
				Queue:    a.queue,
				Logs:     a.logs,
				Breakers: breakers,
				Hub:      hub,
			})
			srv = &http.Server{
				Addr:              cfg.Status.Addr,
				Handler:           api.Router(),
				ReadHeaderTimeout: 5 * time.Second,
			}
			go func() {
				logging.Info("status api listening", map[string]interface{}{"addr": cfg.Status.Addr})
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					logging.Error("status api stopped", err, nil)
					stop()
				}
			}()
		}

		if configPath != "" {
			current := cfg.Sync.Interval
			config.NewLoader(configPath).Watch(func(next *config.Config) {
				if next.Sync.Interval == current {
					return
				}
				current = next.Sync.Interval
				logging.Info("sync interval changed", map[string]interface{}{
					"interval_seconds": current.Seconds(),
				})
				engine.Stop()
				engine.Start(ctx, current)
			})
		}

		engine.Start(ctx, cfg.Sync.Interval)
		<-ctx.Done()

		logging.Info("shutting down", nil)
		engine.Stop()
		engine.Wait()
		if srv != nil {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}
		return nil
	},
}
